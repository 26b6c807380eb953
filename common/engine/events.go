package engine

import (
	"context"
	"sync"
	"time"
)

// EventType represents the different execution events in the system
type EventType string

const (
	EventExecutionStarted  EventType = "execution_started"
	EventNodeStart         EventType = "node_start"
	EventNodeComplete      EventType = "node_complete"
	EventNodeSkipped       EventType = "node_skipped"
	EventNodeError         EventType = "node_error"
	EventExecutionComplete EventType = "execution_complete"
	EventExecutionFailed   EventType = "execution_failed"
)

// Event is a structured progress update emitted by the engine.
// Per-node emission order is node_start then exactly one of
// node_complete / node_skipped / node_error; across parallel nodes no
// ordering is guaranteed.
type Event struct {
	Type        EventType      `json:"type"`
	ExecutionID string         `json:"execution_id"`
	NodeID      string         `json:"node_id,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Sink consumes execution events. Emit must be safe for concurrent use;
// slow sinks stall the scheduler, so wrap them in AsyncSink.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// SinkFunc adapts a plain function to the Sink interface
type SinkFunc func(ctx context.Context, event Event)

func (f SinkFunc) Emit(ctx context.Context, event Event) {
	f(ctx, event)
}

// NopSink drops all events
type NopSink struct{}

func (NopSink) Emit(context.Context, Event) {}

// MultiSink fans one event out to several consumers in order
type MultiSink []Sink

func (m MultiSink) Emit(ctx context.Context, event Event) {
	for _, sink := range m {
		sink.Emit(ctx, event)
	}
}

// AsyncSink decouples a slow consumer from the scheduler with a
// buffered channel and a single drain goroutine. Events are dropped,
// not blocked on, when the buffer is full.
type AsyncSink struct {
	ch   chan Event
	next Sink
	once sync.Once
	done chan struct{}
}

// NewAsyncSink wraps next with an asynchronous buffer
func NewAsyncSink(next Sink, buffer int) *AsyncSink {
	if buffer <= 0 {
		buffer = 256
	}
	s := &AsyncSink{
		ch:   make(chan Event, buffer),
		next: next,
		done: make(chan struct{}),
	}
	go s.drain()
	return s
}

func (s *AsyncSink) drain() {
	defer close(s.done)
	for event := range s.ch {
		s.next.Emit(context.Background(), event)
	}
}

// Emit queues the event, dropping it when the buffer is full
func (s *AsyncSink) Emit(_ context.Context, event Event) {
	select {
	case s.ch <- event:
	default:
	}
}

// Close flushes queued events and stops the drain goroutine
func (s *AsyncSink) Close() {
	s.once.Do(func() { close(s.ch) })
	<-s.done
}

// CollectorSink records events in memory. Used by tests and by the
// final execution_complete payload assembly.
type CollectorSink struct {
	mu     sync.Mutex
	events []Event
}

func (c *CollectorSink) Emit(_ context.Context, event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

// Events returns a copy of everything recorded so far
func (c *CollectorSink) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// OfType returns recorded events of one type, in emission order
func (c *CollectorSink) OfType(t EventType) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, e := range c.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
