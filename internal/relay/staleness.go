package relay

import (
	"sort"
	"strings"
	"sync"
)

// stuckThreshold is how many consecutive identical history reads mark a
// conversation as stuck.
const stuckThreshold = 3

type stalenessRecord struct {
	fingerprint string
	repeatCount int
}

// StalenessDetector watches per-conversation history snapshots for a stuck
// local message store. The node's read path can return a cached snapshot
// indefinitely under certain failure modes; seeing the exact same id set
// three consecutive times is treated as a stuck store rather than a genuinely
// static conversation (an idle conversation produces no observations at all,
// since reads only happen on inbound activity).
//
// The detector only signals — recovery (deleting the node store and
// restarting the process) is owned by the caller.
type StalenessDetector struct {
	mu      sync.Mutex
	records map[string]*stalenessRecord
}

// NewStalenessDetector creates an empty detector.
func NewStalenessDetector() *StalenessDetector {
	return &StalenessDetector{records: make(map[string]*stalenessRecord)}
}

// Observe records one history read for a conversation and reports whether the
// store looks stuck. The fingerprint is the sorted, joined message id list;
// two empty histories fingerprint identically and will eventually trip the
// threshold — known limitation.
func (d *StalenessDetector) Observe(conversationID string, messageIDs []string) bool {
	ids := append([]string(nil), messageIDs...)
	sort.Strings(ids)
	fingerprint := strings.Join(ids, ",")

	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.records[conversationID]
	if !ok {
		d.records[conversationID] = &stalenessRecord{fingerprint: fingerprint, repeatCount: 1}
		return false
	}

	if rec.fingerprint == fingerprint {
		rec.repeatCount++
	} else {
		rec.fingerprint = fingerprint
		rec.repeatCount = 1
	}
	return rec.repeatCount >= stuckThreshold
}

// Forget drops the record for a conversation. Used after a recovery request
// so a restarted store begins with a clean count.
func (d *StalenessDetector) Forget(conversationID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.records, conversationID)
}
