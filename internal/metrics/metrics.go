package metrics

import "sync"

// Event counter names. Names are intentionally simple; a follow-up metrics
// task can standardize and export these via OTel.
const (
	EnvelopesIn              = "envelopes_in"
	EnvelopesOut             = "envelopes_out"
	EnvelopeDroppedMalformed = "envelope_dropped_malformed"
	EnvelopeDroppedMisrouted = "envelope_dropped_misrouted"
	EnvelopeDroppedOrphan    = "envelope_dropped_orphan"
	EnvelopeDroppedRateLimit = "envelope_dropped_rate_limited"
	SendDeferredUnreachable  = "send_deferred_unreachable"
	SendFailed               = "send_failed"
	PeersCreated             = "peers_created"
	PeersCreatedPassive      = "peers_created_passive"
	PeersReplaced            = "peers_replaced"
	PeersClosed              = "peers_closed"
	CandidatesQueued         = "candidates_queued"
	CandidatesFlushed        = "candidates_flushed"
	CandidatesDiscarded      = "candidates_discarded"
	CandidateApplyFailed     = "candidate_apply_failed"
	NegotiationFailed        = "negotiation_failed"
	TrackReplaceFailed       = "track_replace_failed"
	TrackReplaceStale        = "track_replace_stale"
	TrackStateSignalsIn      = "track_state_signals_in"
	TrackStateSignalsOut     = "track_state_signals_out"
	StateConnected           = "state_connected_total"
	StateReconnecting        = "state_reconnecting_total"
	StateFailed              = "state_failed_total"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// quadcall is expected to plug into a real metrics backend eventually; this
// type exists to keep coordinator logic testable and to feed the diagnostics
// endpoint.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Add(name string, delta uint64) {
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
