package apikeys

import (
	"testing"
	"time"
)

func frozenStore(ttl time.Duration) (*Store, *time.Time) {
	clock := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s := NewStore(ttl)
	s.now = func() time.Time { return clock }
	return s, &clock
}

func TestPutAndGet(t *testing.T) {
	s, _ := frozenStore(time.Hour)
	s.Put("openai-main", "sk-test")

	key, err := s.Get("openai-main")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if key != "sk-test" {
		t.Errorf("got %q, want sk-test", key)
	}

	if _, err := s.Get("unknown"); err == nil {
		t.Error("unknown id should fail")
	}
}

func TestGetRefreshesTTL(t *testing.T) {
	s, clock := frozenStore(time.Hour)
	s.Put("k", "v")

	// Touch just before expiry, then advance past the original deadline
	*clock = clock.Add(59 * time.Minute)
	if _, err := s.Get("k"); err != nil {
		t.Fatalf("key expired too early: %v", err)
	}
	*clock = clock.Add(59 * time.Minute)
	if _, err := s.Get("k"); err != nil {
		t.Errorf("sliding TTL should have kept the key alive: %v", err)
	}
}

func TestExpiry(t *testing.T) {
	s, clock := frozenStore(time.Hour)
	s.Put("k", "v")

	*clock = clock.Add(2 * time.Hour)
	if _, err := s.Get("k"); err == nil {
		t.Error("expired key should miss")
	}
}

func TestEnvFallback(t *testing.T) {
	s, _ := frozenStore(time.Hour)
	t.Setenv("APIKEY_OPENAI_MAIN", "sk-from-env")

	key, err := s.Get("openai-main")
	if err != nil {
		t.Fatalf("env fallback failed: %v", err)
	}
	if key != "sk-from-env" {
		t.Errorf("got %q, want sk-from-env", key)
	}

	// The env hit is cached
	t.Setenv("APIKEY_OPENAI_MAIN", "")
	if key, err := s.Get("openai-main"); err != nil || key != "sk-from-env" {
		t.Errorf("env hit should be cached, got %q err %v", key, err)
	}
}

func TestPutAllSkipsEmpty(t *testing.T) {
	s, _ := frozenStore(0)
	s.PutAll(map[string]string{"a": "1", "b": ""})

	if s.Len() != 1 {
		t.Errorf("empty values should be skipped, len=%d", s.Len())
	}
}

func TestSweep(t *testing.T) {
	s, clock := frozenStore(time.Minute)
	s.Put("a", "1")
	s.Put("b", "2")

	*clock = clock.Add(2 * time.Minute)
	if removed := s.Sweep(); removed != 2 {
		t.Errorf("expected 2 evictions, got %d", removed)
	}
	if s.Len() != 0 {
		t.Errorf("store should be empty after sweep, len=%d", s.Len())
	}
}

func TestEnvName(t *testing.T) {
	tests := []struct{ id, want string }{
		{"openai-main", "APIKEY_OPENAI_MAIN"},
		{"Claude.v2", "APIKEY_CLAUDE_V2"},
		{"k1", "APIKEY_K1"},
	}
	for _, tt := range tests {
		if got := envName(tt.id); got != tt.want {
			t.Errorf("envName(%q) = %q, want %q", tt.id, got, tt.want)
		}
	}
}
