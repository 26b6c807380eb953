package conversation

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// MessageType distinguishes who is talking to whom
type MessageType string

const (
	MessageTypePersonToPerson MessageType = "person_to_person"
	MessageTypeSystemToPerson MessageType = "system_to_person"
	MessageTypePersonToSystem MessageType = "person_to_system"
)

// Message is one entry in a person's conversation. Messages are
// append-only; forgetting produces a view, never a destructive edit.
type Message struct {
	ID           string      `json:"id"`
	FromPersonID string      `json:"from_person_id"`
	ToPersonID   string      `json:"to_person_id"`
	Content      string      `json:"content"`
	MessageType  MessageType `json:"message_type"`
	Timestamp    time.Time   `json:"timestamp"`
	TokenCount   int         `json:"token_count,omitempty"`
}

// NewMessage builds a message with a fresh id and timestamp
func NewMessage(from, to, content string, msgType MessageType) Message {
	return Message{
		ID:           uuid.NewString(),
		FromPersonID: from,
		ToPersonID:   to,
		Content:      content,
		MessageType:  msgType,
		Timestamp:    time.Now().UTC(),
	}
}

// Manager owns all conversation history for a run. It is the single
// writer of message logs; per-person locking lets person jobs for
// different persons append concurrently.
type Manager struct {
	mu      sync.Mutex
	persons map[string]*personLog
}

type personLog struct {
	mu       sync.Mutex
	messages []Message
}

// NewManager creates an empty conversation manager
func NewManager() *Manager {
	return &Manager{
		persons: make(map[string]*personLog),
	}
}

func (m *Manager) log(personID string) *personLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	pl, ok := m.persons[personID]
	if !ok {
		pl = &personLog{}
		m.persons[personID] = pl
	}
	return pl
}

// Append atomically appends messages to a person's conversation
func (m *Manager) Append(personID string, messages ...Message) {
	pl := m.log(personID)
	pl.mu.Lock()
	defer pl.mu.Unlock()
	pl.messages = append(pl.messages, messages...)
}

// History returns a copy of a person's full conversation
func (m *Manager) History(personID string) []Message {
	pl := m.log(personID)
	pl.mu.Lock()
	defer pl.mu.Unlock()
	out := make([]Message, len(pl.messages))
	copy(out, pl.messages)
	return out
}

// FilteredHistory returns the messages for which keep returns true,
// preserving order. The underlying log is never modified.
func (m *Manager) FilteredHistory(personID string, keep func(Message) bool) []Message {
	pl := m.log(personID)
	pl.mu.Lock()
	defer pl.mu.Unlock()
	out := make([]Message, 0, len(pl.messages))
	for _, msg := range pl.messages {
		if keep(msg) {
			out = append(out, msg)
		}
	}
	return out
}

// Len returns the number of messages in a person's conversation
func (m *Manager) Len(personID string) int {
	pl := m.log(personID)
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return len(pl.messages)
}

// PersonIDs returns the ids of all persons with history
func (m *Manager) PersonIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.persons))
	for id := range m.persons {
		ids = append(ids, id)
	}
	return ids
}
