package bus

import "sync"

const (
	// dedupeHighWater is the ledger size that triggers a prune.
	dedupeHighWater = 1000
	// dedupeKeepAfterPrune is how many of the newest entries survive a prune.
	dedupeKeepAfterPrune = 500
)

// DedupeLedger is a bounded membership set of already-processed message ids.
// It prevents redelivered node events from producing duplicate agent turns.
// Insertion order is tracked so pruning drops the oldest entries and keeps
// the newest — an approximate LRU substitute, not exact recency tracking.
type DedupeLedger struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
}

// NewDedupeLedger creates an empty ledger.
func NewDedupeLedger() *DedupeLedger {
	return &DedupeLedger{seen: make(map[string]struct{})}
}

// Seen reports whether id has already been marked. Non-mutating.
func (l *DedupeLedger) Seen(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.seen[id]
	return ok
}

// MarkSeen records id, pruning the ledger when it grows past the high-water
// mark. Marking an id that is already present is a no-op.
func (l *DedupeLedger) MarkSeen(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.seen[id]; ok {
		return
	}
	l.seen[id] = struct{}{}
	l.order = append(l.order, id)

	if len(l.order) > dedupeHighWater {
		cut := len(l.order) - dedupeKeepAfterPrune
		for _, old := range l.order[:cut] {
			delete(l.seen, old)
		}
		l.order = append([]string(nil), l.order[cut:]...)
	}
}

// Len returns the current number of tracked ids.
func (l *DedupeLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.order)
}
