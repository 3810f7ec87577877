package mesh

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// candidateQueue buffers address candidates, keyed by remote peer id,
// while the peer's remote description is unset (including candidates
// that arrive before the offer itself). Candidates keep arrival order.
//
// A queue entry lives at most until the peer's first flush; a torn-down
// peer's entry is discarded, never carried into a replacement
// connection.
type candidateQueue struct {
	mu sync.Mutex
	m  map[string][]webrtc.ICECandidateInit
}

func newCandidateQueue() *candidateQueue {
	return &candidateQueue{
		m: make(map[string][]webrtc.ICECandidateInit),
	}
}

func (q *candidateQueue) enqueue(peerID string, candidate webrtc.ICECandidateInit) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.m[peerID] = append(q.m[peerID], candidate)
}

// drain returns the buffered candidates in arrival order and clears the
// peer's entry.
func (q *candidateQueue) drain(peerID string) []webrtc.ICECandidateInit {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.m[peerID]
	delete(q.m, peerID)
	return out
}

// discard drops the peer's buffered candidates and reports how many were
// dropped.
func (q *candidateQueue) discard(peerID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.m[peerID])
	delete(q.m, peerID)
	return n
}

func (q *candidateQueue) pending(peerID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.m[peerID])
}
