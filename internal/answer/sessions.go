package answer

import (
	"sync"
	"time"

	"github.com/communiq/communiq/internal/compose"
)

const (
	defaultSessionTTL = 30 * time.Minute
	defaultMaxTurns   = 10
)

// session is one conversation's state. Requests within a session serialize
// on its mutex so turn order is preserved. Last-activity time lives in the
// Sessions table under its own lock, so the janitor never waits on a
// session that is mid-request.
type session struct {
	mu    sync.Mutex
	turns []compose.Turn
}

// Sessions tracks in-memory conversation state. Sessions idle past the TTL
// are dropped by EvictIdle; histories are capped at maxTurns with the oldest
// turn evicted first.
type Sessions struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxTurns   int
	sessions   map[string]*session
	lastActive map[string]time.Time
}

// NewSessions creates a session table. Zero values pick the defaults
// (30m TTL, 10 turns).
func NewSessions(ttl time.Duration, maxTurns int) *Sessions {
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}
	return &Sessions{
		ttl:        ttl,
		maxTurns:   maxTurns,
		sessions:   make(map[string]*session),
		lastActive: make(map[string]time.Time),
	}
}

// get returns the session for an id, creating it on first use, and marks it
// active.
func (s *Sessions) get(id string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		sess = &session{}
		s.sessions[id] = sess
	}
	s.lastActive[id] = time.Now()
	return sess
}

// Clear drops a session's history. Reports whether the session existed.
func (s *Sessions) Clear(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[id]
	delete(s.sessions, id)
	delete(s.lastActive, id)
	return ok
}

// Len returns the number of live sessions.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// EvictIdle removes sessions idle past the TTL and returns how many were
// dropped. Called periodically by the server's janitor. Only the table lock
// is taken, so a session blocked in a slow model call never stalls eviction
// of the others; a request in flight on an evicted session finishes against
// the detached state.
func (s *Sessions) EvictIdle() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-s.ttl)
	n := 0
	for id, last := range s.lastActive {
		if last.Before(cutoff) {
			delete(s.sessions, id)
			delete(s.lastActive, id)
			n++
		}
	}
	return n
}

// history returns a copy of the session's turns. Callers must hold sess.mu.
func (sess *session) history() []compose.Turn {
	out := make([]compose.Turn, len(sess.turns))
	copy(out, sess.turns)
	return out
}

// append records a completed turn, evicting the oldest past the cap.
// Callers must hold sess.mu.
func (sess *session) append(turn compose.Turn, maxTurns int) {
	sess.turns = append(sess.turns, turn)
	if len(sess.turns) > maxTurns {
		sess.turns = sess.turns[len(sess.turns)-maxTurns:]
	}
}
