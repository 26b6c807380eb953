package apikeys

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// Store keeps API keys in memory with a sliding TTL. Keys registered
// from a diagram expire after the TTL; lookups fall back to the
// APIKEY_<ID> environment variable so deployments never have to embed
// secrets in diagram files.
type Store struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]entry
}

type entry struct {
	key     string
	touched time.Time
}

// NewStore creates a store; ttl <= 0 disables expiry
func NewStore(ttl time.Duration) *Store {
	return &Store{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]entry),
	}
}

// Put registers or refreshes a key
func (s *Store) Put(id, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[id] = entry{key: key, touched: s.now()}
}

// PutAll registers a batch of keys, skipping empty values
func (s *Store) PutAll(keys map[string]string) {
	for id, key := range keys {
		if key != "" {
			s.Put(id, key)
		}
	}
}

// Get resolves a key by id. A hit refreshes the TTL. On miss or expiry
// the APIKEY_<ID> environment variable is consulted and, when present,
// cached.
func (s *Store) Get(id string) (string, error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if ok && s.expired(e) {
		delete(s.entries, id)
		ok = false
	}
	if ok {
		e.touched = s.now()
		s.entries[id] = e
		s.mu.Unlock()
		return e.key, nil
	}
	s.mu.Unlock()

	if key := os.Getenv(envName(id)); key != "" {
		s.Put(id, key)
		return key, nil
	}
	return "", fmt.Errorf("api key %q not found", id)
}

// Delete removes a key
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
}

// Sweep evicts every expired entry and returns how many were removed
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, e := range s.entries {
		if s.expired(e) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of live entries
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if !s.expired(e) {
			n++
		}
	}
	return n
}

func (s *Store) expired(e entry) bool {
	return s.ttl > 0 && s.now().Sub(e.touched) > s.ttl
}

// envName maps a key id to its environment variable:
// "openai-main" becomes APIKEY_OPENAI_MAIN
func envName(id string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - ('a' - 'A')
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, id)
	return "APIKEY_" + cleaned
}
