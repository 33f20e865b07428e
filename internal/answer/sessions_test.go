package answer

import (
	"testing"
	"time"
)

func TestEvictIdleNotBlockedByBusySession(t *testing.T) {
	s := NewSessions(time.Minute, 4)

	// Simulate a request in flight: the session lock stays held, the way a
	// slow generation call holds it.
	busy := s.get("busy")
	busy.mu.Lock()
	defer busy.mu.Unlock()
	s.get("idle")

	s.mu.Lock()
	s.lastActive["busy"] = time.Now().Add(-2 * time.Minute)
	s.lastActive["idle"] = time.Now().Add(-2 * time.Minute)
	s.mu.Unlock()

	done := make(chan int, 1)
	go func() { done <- s.EvictIdle() }()
	select {
	case n := <-done:
		if n != 2 {
			t.Errorf("evicted %d sessions, want 2", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("EvictIdle stalled behind a held session lock")
	}
	if s.Len() != 0 {
		t.Errorf("%d sessions left, want 0", s.Len())
	}
}
