package screener

import (
	"sync"
	"time"
)

// seenCalls remembers which ringing call ids have already been
// classified, because some voice stacks emit both CALL_INCOMING and
// CALL_RINGING for the same call. Entries normally leave on
// CALL_CLOSED; the ttl sweep catches calls whose close event was lost.
type seenCalls struct {
	mu  sync.Mutex
	ids map[string]time.Time
	ttl time.Duration
}

func newSeenCalls(ttl time.Duration) *seenCalls {
	return &seenCalls{ids: make(map[string]time.Time), ttl: ttl}
}

// mark records a call id. It returns false when the id was already
// marked, meaning the call has been classified.
func (sc *seenCalls) mark(id string) bool {
	now := time.Now()
	sc.mu.Lock()
	defer sc.mu.Unlock()

	for k, t := range sc.ids {
		if now.Sub(t) > sc.ttl {
			delete(sc.ids, k)
		}
	}

	if _, ok := sc.ids[id]; ok {
		return false
	}
	sc.ids[id] = now
	return true
}

func (sc *seenCalls) forget(id string) {
	sc.mu.Lock()
	delete(sc.ids, id)
	sc.mu.Unlock()
}
