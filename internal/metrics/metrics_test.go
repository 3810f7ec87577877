package metrics

import "testing"

func TestMetrics_IncAddGet(t *testing.T) {
	m := New()

	m.Inc(CandidatesQueued)
	m.Add(CandidatesDiscarded, 3)

	if got := m.Get(CandidatesQueued); got != 1 {
		t.Fatalf("Get(CandidatesQueued)=%d, want 1", got)
	}
	if got := m.Get(CandidatesDiscarded); got != 3 {
		t.Fatalf("Get(CandidatesDiscarded)=%d, want 3", got)
	}
	if got := m.Get(PeersCreated); got != 0 {
		t.Fatalf("Get(PeersCreated)=%d, want 0", got)
	}
}

func TestMetrics_SnapshotIsACopy(t *testing.T) {
	m := New()
	m.Inc(EnvelopesOut)

	snap := m.Snapshot()
	snap[EnvelopesOut] = 99

	if got := m.Get(EnvelopesOut); got != 1 {
		t.Fatalf("Get(EnvelopesOut)=%d after mutating snapshot, want 1", got)
	}
}
