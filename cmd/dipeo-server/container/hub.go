package container

import (
	"context"
	"sync"

	"github.com/sorryhyun/DiPeO-sub011/common/engine"
)

// Hub is the in-process event fanout behind the SSE endpoint. New
// subscribers replay the execution's history before going live, so a
// client attaching mid-run misses nothing.
type Hub struct {
	mu    sync.Mutex
	execs map[string]*execStream
}

type execStream struct {
	history []engine.Event
	subs    map[chan engine.Event]bool
	done    bool
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{execs: make(map[string]*execStream)}
}

func (h *Hub) stream(executionID string) *execStream {
	s, ok := h.execs[executionID]
	if !ok {
		s = &execStream{subs: make(map[chan engine.Event]bool)}
		h.execs[executionID] = s
	}
	return s
}

// Emit implements engine.Sink
func (h *Hub) Emit(_ context.Context, event engine.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.stream(event.ExecutionID)
	s.history = append(s.history, event)

	for ch := range s.subs {
		select {
		case ch <- event:
		default:
			// Slow subscriber; it still has the history on reconnect
		}
	}

	if event.Type == engine.EventExecutionComplete || event.Type == engine.EventExecutionFailed {
		s.done = true
		for ch := range s.subs {
			close(ch)
			delete(s.subs, ch)
		}
	}
}

// Subscribe attaches to an execution's event stream. The returned
// channel first replays history, then delivers live events, and closes
// when the execution finishes. Call cancel to detach early.
func (h *Hub) Subscribe(executionID string) (<-chan engine.Event, func()) {
	h.mu.Lock()
	s := h.stream(executionID)

	ch := make(chan engine.Event, len(s.history)+64)
	for _, event := range s.history {
		ch <- event
	}
	if s.done {
		close(ch)
		h.mu.Unlock()
		return ch, func() {}
	}
	s.subs[ch] = true
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if s.subs[ch] {
			delete(s.subs, ch)
			close(ch)
		}
	}
	return ch, cancel
}

// Forget drops a finished execution's history
func (h *Hub) Forget(executionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.execs, executionID)
}
