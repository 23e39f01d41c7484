package relay

import "testing"

func TestStalenessDetector_TripsOnThirdRepeat(t *testing.T) {
	d := NewStalenessDetector()
	ids := []string{"m1", "m2", "m3"}

	if d.Observe("c1", ids) {
		t.Error("first observation reported stuck")
	}
	if d.Observe("c1", ids) {
		t.Error("second observation reported stuck")
	}
	if !d.Observe("c1", ids) {
		t.Error("third identical observation did not report stuck")
	}
}

func TestStalenessDetector_OrderInsensitiveFingerprint(t *testing.T) {
	d := NewStalenessDetector()
	d.Observe("c1", []string{"m1", "m2"})
	d.Observe("c1", []string{"m2", "m1"})
	if !d.Observe("c1", []string{"m1", "m2"}) {
		t.Error("reordered id list broke the fingerprint match")
	}
}

func TestStalenessDetector_ChangeResetsCount(t *testing.T) {
	d := NewStalenessDetector()
	d.Observe("c1", []string{"m1"})
	d.Observe("c1", []string{"m1"})
	if d.Observe("c1", []string{"m1", "m2"}) {
		t.Error("changed history reported stuck")
	}
	// Count restarted at 1 for the new fingerprint.
	d.Observe("c1", []string{"m1", "m2"})
	if !d.Observe("c1", []string{"m1", "m2"}) {
		t.Error("third repeat of the new fingerprint did not report stuck")
	}
}

func TestStalenessDetector_ConversationsIndependent(t *testing.T) {
	d := NewStalenessDetector()
	ids := []string{"m1"}
	d.Observe("c1", ids)
	d.Observe("c1", ids)
	if d.Observe("c2", ids) {
		t.Error("observation count leaked across conversations")
	}
}

func TestStalenessDetector_EmptyHistoryStillCounts(t *testing.T) {
	// Empty histories fingerprint identically; three consecutive empty reads
	// report stuck. Accepted tradeoff for brand-new conversations.
	d := NewStalenessDetector()
	d.Observe("c1", nil)
	d.Observe("c1", nil)
	if !d.Observe("c1", nil) {
		t.Error("three empty reads did not report stuck")
	}
}

func TestStalenessDetector_Forget(t *testing.T) {
	d := NewStalenessDetector()
	ids := []string{"m1"}
	d.Observe("c1", ids)
	d.Observe("c1", ids)
	d.Forget("c1")
	if d.Observe("c1", ids) {
		t.Error("Forget did not reset the repeat count")
	}
}
