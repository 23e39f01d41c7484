package bus

import (
	"strings"
	"sync"
	"time"
)

// FragmentKind discriminates the two sources of turn content.
type FragmentKind string

const (
	FragmentText             FragmentKind = "text"
	FragmentImageDerivedText FragmentKind = "image-derived-text"
)

// Fragment is one piece of turn content. Immutable once created; owned by
// the batch it is appended to.
type Fragment struct {
	ID         string
	Kind       FragmentKind
	Content    string
	ObservedAt time.Time
}

// FlushFunc receives the full ordered fragment sequence of a flushed batch.
// It runs on the batch's timer goroutine; flushes for different keys are not
// serialized against each other.
type FlushFunc func(conversationID, senderAddress string, fragments []Fragment)

type pendingBatch struct {
	conversationID string
	senderAddress  string
	fragments      []Fragment
	timer          *time.Timer
	// gen increments on every re-arm. A fired timer carries the generation
	// it was armed with; a mismatch means the batch was re-armed after the
	// timer was stopped and the firing is stale.
	gen uint64
}

// Coalescer merges rapid message fragments from the same sender in the same
// conversation into one turn. Each (conversation, sender) key holds at most
// one pending batch; a new fragment appends to the batch and restarts the
// quiet-period countdown (debounce, not fixed-delay-from-first). When the
// timer fires the batch is removed and flushed — fragments arriving after
// removal start a fresh batch under the same key.
type Coalescer struct {
	mu      sync.Mutex
	quiet   time.Duration
	batches map[string]*pendingBatch
	onFlush FlushFunc
	stopped bool
}

// DefaultQuietPeriod is the debounce window applied when no override is configured.
const DefaultQuietPeriod = 1 * time.Second

// NewCoalescer creates a coalescer with the given quiet period.
func NewCoalescer(quiet time.Duration, onFlush FlushFunc) *Coalescer {
	if quiet <= 0 {
		quiet = DefaultQuietPeriod
	}
	return &Coalescer{
		quiet:   quiet,
		batches: make(map[string]*pendingBatch),
		onFlush: onFlush,
	}
}

func batchKey(conversationID, senderAddress string) string {
	return conversationID + senderAddress
}

// Add buffers a fragment for (conversationID, senderAddress) and arms (or
// re-arms) the quiet-period timer for that key.
func (c *Coalescer) Add(conversationID, senderAddress string, frag Fragment) {
	key := batchKey(conversationID, senderAddress)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}

	if b, ok := c.batches[key]; ok {
		// Stop does not guarantee the AfterFunc goroutine has not already
		// started; the generation bump makes such a stale firing a no-op
		// inside flush.
		b.timer.Stop()
		b.fragments = append(b.fragments, frag)
		b.gen++
		gen := b.gen
		b.timer = time.AfterFunc(c.quiet, func() { c.flush(key, gen) })
		return
	}

	b := &pendingBatch{
		conversationID: conversationID,
		senderAddress:  senderAddress,
		fragments:      []Fragment{frag},
	}
	b.timer = time.AfterFunc(c.quiet, func() { c.flush(key, 0) })
	c.batches[key] = b
}

// Pending returns the number of live batches.
func (c *Coalescer) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

// Stop cancels all pending timers without flushing. Batches in flight at
// shutdown are lost — acceptable under at-most-once delivery.
func (c *Coalescer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	for key, b := range c.batches {
		b.timer.Stop()
		delete(c.batches, key)
	}
}

// flush moves the batch out of the table atomically, then invokes the
// callback outside the lock. A stale timer — one that fired for an earlier
// generation of the batch, or after the batch was already removed — finds a
// mismatch and is a no-op.
func (c *Coalescer) flush(key string, gen uint64) {
	c.mu.Lock()
	b, ok := c.batches[key]
	if ok && b.gen != gen {
		// The batch was re-armed after this timer was stopped; the live
		// timer owns the flush.
		c.mu.Unlock()
		return
	}
	if ok {
		delete(c.batches, key)
	}
	stopped := c.stopped
	c.mu.Unlock()

	if !ok || stopped || c.onFlush == nil {
		return
	}
	c.onFlush(b.conversationID, b.senderAddress, b.fragments)
}

// CombineFragments builds the turn text: all text fragments in arrival order
// first, then all image-derived fragments, double-newline separated. Text
// context deliberately precedes image context — this is not chronological
// interleaving.
func CombineFragments(fragments []Fragment) string {
	var parts []string
	for _, f := range fragments {
		if f.Kind == FragmentText && f.Content != "" {
			parts = append(parts, f.Content)
		}
	}
	for _, f := range fragments {
		if f.Kind == FragmentImageDerivedText && f.Content != "" {
			parts = append(parts, f.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}
