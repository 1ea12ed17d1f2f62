// Package directory supplies the screening engine with the data it
// classifies against: contacts, whitelist, blocklist. Sources sync from
// Redis or from watched files into immutable in-memory snapshots, so
// the per-call decision path never touches the network or disk.
package directory

import (
	"sync"

	"github.com/quietline/quietline/internal/numbers"
)

// Snapshot is one consistent view of the three number sets. Immutable;
// a refresh swaps in a whole new snapshot.
type Snapshot struct {
	Contacts  *numbers.Set
	Whitelist *numbers.Set
	Blocklist *numbers.Set
}

// Provider hands out snapshots and answers contact lookups. Lookup
// failures on the source side never surface here; the provider keeps
// serving the last good snapshot.
type Provider interface {
	Snapshot() Snapshot
	IsContact(callerID string) bool
	Close() error
}

// holder is the shared snapshot cell used by every provider.
type holder struct {
	mu   sync.RWMutex
	snap Snapshot
}

func newHolder(suffixLen int) *holder {
	empty := numbers.EmptySet(suffixLen)
	return &holder{snap: Snapshot{Contacts: empty, Whitelist: empty, Blocklist: empty}}
}

func (h *holder) get() Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.snap
}

func (h *holder) set(s Snapshot) {
	h.mu.Lock()
	h.snap = s
	h.mu.Unlock()
}

// Static is a fixed-content provider for tests and for deployments
// that preload their lists at startup.
type Static struct {
	snap Snapshot
}

// NewStatic builds a provider over the given raw number lists.
func NewStatic(contacts, whitelist, blocklist []string, suffixLen int) *Static {
	return &Static{snap: Snapshot{
		Contacts:  numbers.NewSet(contacts, suffixLen),
		Whitelist: numbers.NewSet(whitelist, suffixLen),
		Blocklist: numbers.NewSet(blocklist, suffixLen),
	}}
}

func (s *Static) Snapshot() Snapshot { return s.snap }

func (s *Static) IsContact(callerID string) bool {
	return s.snap.Contacts.Contains(callerID)
}

func (s *Static) Close() error { return nil }
