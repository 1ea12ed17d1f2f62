package screener

import "sync"

// sessionTable is the only mutable shared state in the engine: the map
// of live challenge sessions keyed by call identity. Mutation of a
// session's own state goes through the session lock; this lock covers
// only insert, remove and lookup.
type sessionTable struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func newSessionTable() *sessionTable {
	return &sessionTable{sessions: make(map[string]*Session)}
}

// Insert registers a session. It returns false when a session already
// exists for the call id; at most one session per live call.
func (t *sessionTable) Insert(s *Session) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.sessions[s.CallID]; exists {
		return false
	}
	t.sessions[s.CallID] = s
	return true
}

// Get returns the session for a call id, or nil.
func (t *sessionTable) Get(callID string) *Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessions[callID]
}

// Remove deletes the session for a call id.
func (t *sessionTable) Remove(callID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, callID)
}

// Count returns the number of live sessions.
func (t *sessionTable) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// All returns a snapshot of the live sessions.
func (t *sessionTable) All() []*Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	return out
}
