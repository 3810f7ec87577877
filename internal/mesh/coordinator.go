// Package mesh implements the peer-to-peer session layer: a coordinator
// owning one connection state machine per remote peer, driven by roster
// reconciliation and inbound signaling envelopes.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/quadcall/quadcall/internal/media"
	"github.com/quadcall/quadcall/internal/metrics"
	"github.com/quadcall/quadcall/internal/signal"
)

const DefaultMaxPeers = 3

type CoordinatorOptions struct {
	LocalID string
	RoomID  string

	// MaxPeers caps the number of remote peers; a full mesh of consumer
	// uplinks degrades quickly past three remotes.
	MaxPeers   int
	ICEServers []webrtc.ICEServer

	// TrackSampleInterval is the remote-media liveness sampling period.
	TrackSampleInterval time.Duration

	Sender  signal.Sender
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// SettingEngine overrides the transport wiring; tests inject a
	// virtual network through it.
	SettingEngine *webrtc.SettingEngine

	// Observation callbacks. They are invoked synchronously while the
	// coordinator holds its lock and must not call back into it.
	OnError       func(peerID string, err error)
	OnPeerState   func(peerID string, state State)
	OnRemoteTrack func(peerID string, track *webrtc.TrackRemote)
	OnTrackState  func(peerID string, state media.TrackState)
}

// Coordinator is the single source of truth for which remote peers have
// a connection attempt. It exclusively owns the peer map; observers only
// ever get point-in-time snapshots.
type Coordinator struct {
	opts    CoordinatorOptions
	api     *webrtc.API
	logger  *slog.Logger
	metrics *metrics.Metrics

	broadcaster *media.Broadcaster
	streamGen   atomic.Uint64

	mu                sync.Mutex
	closed            bool
	peers             map[string]*Peer
	queue             *candidateQueue
	stream            *media.LocalStream
	unsubscribeStream func()
}

// PeerSnapshot is a point-in-time observation of one peer record.
type PeerSnapshot struct {
	PeerID            string           `json:"peerId"`
	State             State            `json:"state"`
	CreatedAt         time.Time        `json:"createdAt"`
	StateChangedAt    time.Time        `json:"stateChangedAt"`
	TrackState        media.TrackState `json:"trackState"`
	PendingCandidates int              `json:"pendingCandidates"`
}

func NewCoordinator(opts CoordinatorOptions) (*Coordinator, error) {
	if strings.TrimSpace(opts.LocalID) == "" {
		return nil, fmt.Errorf("mesh: local peer id must be set")
	}
	if strings.TrimSpace(opts.RoomID) == "" {
		return nil, fmt.Errorf("mesh: room id must be set")
	}
	if opts.Sender == nil {
		return nil, fmt.Errorf("mesh: sender must be set")
	}
	if opts.MaxPeers <= 0 {
		opts.MaxPeers = DefaultMaxPeers
	}
	if opts.TrackSampleInterval <= 0 {
		opts.TrackSampleInterval = 500 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	opts.LocalID = strings.TrimSpace(opts.LocalID)

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("mesh: register codecs: %w", err)
	}
	apiOpts := []func(*webrtc.API){webrtc.WithMediaEngine(mediaEngine)}
	if opts.SettingEngine != nil {
		apiOpts = append(apiOpts, webrtc.WithSettingEngine(*opts.SettingEngine))
	}

	c := &Coordinator{
		opts:    opts,
		api:     webrtc.NewAPI(apiOpts...),
		logger:  opts.Logger.With(slog.String("component", "mesh")),
		metrics: opts.Metrics,
		peers:   make(map[string]*Peer),
		queue:   newCandidateQueue(),
	}
	c.broadcaster = media.NewBroadcaster(
		opts.LocalID, opts.RoomID, opts.Sender, c.ConnectedPeers, c.reportError, opts.Logger, opts.Metrics)
	return c, nil
}

// Run consumes inbound envelopes and drives the remote-media sampler
// until ctx is cancelled or the envelope channel closes.
func (c *Coordinator) Run(ctx context.Context, envelopes <-chan signal.Envelope) error {
	ticker := time.NewTicker(c.opts.TrackSampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-envelopes:
			if !ok {
				return nil
			}
			c.HandleEnvelope(ctx, env)
		case <-ticker.C:
			c.sampleTrackStates()
		}
	}
}

// ReconcileRoster aligns the peer map with the given roster: dial peers
// that appeared, close peers that left. Idempotent for an unchanged
// roster. Identifiers are normalized before membership checks.
func (c *Coordinator) ReconcileRoster(ctx context.Context, peerIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	want := make(map[string]bool, len(peerIDs))
	ordered := make([]string, 0, len(peerIDs))
	for _, raw := range peerIDs {
		id := strings.TrimSpace(raw)
		if id == "" || id == c.opts.LocalID || want[id] {
			continue
		}
		want[id] = true
		ordered = append(ordered, id)
	}

	for id, peer := range c.peers {
		if want[id] {
			continue
		}
		c.logger.Info("peer left roster", slog.String("peer", id))
		c.removePeerLocked(id, peer)
	}

	for _, id := range ordered {
		if _, ok := c.peers[id]; ok {
			continue
		}
		if len(c.peers) >= c.opts.MaxPeers {
			c.logger.Warn("roster exceeds peer limit, skipping",
				slog.String("peer", id), slog.Int("max_peers", c.opts.MaxPeers))
			continue
		}
		c.dialPeerLocked(ctx, id)
	}
}

// HandleEnvelope routes one inbound envelope. Envelopes not addressed to
// the local peer, or self-originated, have no observable effect.
func (c *Coordinator) HandleEnvelope(ctx context.Context, env signal.Envelope) {
	from := strings.TrimSpace(env.From)
	to := strings.TrimSpace(env.To)
	if to != c.opts.LocalID || from == c.opts.LocalID {
		c.metrics.Inc(metrics.EnvelopeDroppedMisrouted)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	switch env.Message.Type {
	case signal.MessageTypeOffer:
		c.handleOfferLocked(ctx, from, env)
	case signal.MessageTypeAnswer:
		c.handleAnswerLocked(from, env)
	case signal.MessageTypeICECandidate:
		c.handleCandidateLocked(from, env)
	case signal.MessageTypeTrackState:
		c.handleTrackStateLocked(from, env)
	default:
		c.metrics.Inc(metrics.EnvelopeDroppedMalformed)
		c.logger.Debug("dropping envelope with unknown type",
			slog.String("type", string(env.Message.Type)))
	}
}

func (c *Coordinator) handleOfferLocked(ctx context.Context, from string, env signal.Envelope) {
	desc, err := sdpFromEnvelope(env)
	if err != nil {
		c.metrics.Inc(metrics.EnvelopeDroppedMalformed)
		c.logger.Debug("dropping malformed offer", slog.String("peer", from), slog.Any("error", err))
		return
	}

	if existing, ok := c.peers[from]; ok {
		// A fresh offer from a known peer means the remote restarted its
		// side. Tear down and recreate; never reuse negotiation state.
		c.logger.Info("renegotiation offer from known peer, recreating",
			slog.String("peer", from), slog.String("state", existing.State().String()))
		c.metrics.Inc(metrics.PeersReplaced)
		c.removePeerLocked(from, existing)
	} else if len(c.peers) >= c.opts.MaxPeers {
		c.logger.Warn("offer beyond peer limit dropped", slog.String("peer", from))
		c.reportError(from, ErrPeerLimit)
		return
	}

	peer, err := c.createPeerLocked(from, true)
	if err != nil {
		c.reportError(from, err)
		return
	}

	answer, err := peer.HandleOffer(ctx, desc)
	if err != nil {
		c.metrics.Inc(metrics.NegotiationFailed)
		c.reportError(from, err)
		return
	}

	if err := c.opts.Sender.Send(ctx, answer); err != nil {
		// An unreachable peer is retryable: the remote re-offers when it
		// notices no answer.
		c.deferOrEscalateSend(from, "answer", err)
	}

	c.flushCandidatesLocked(from, peer)
}

func (c *Coordinator) handleAnswerLocked(from string, env signal.Envelope) {
	peer, ok := c.peers[from]
	if !ok {
		c.metrics.Inc(metrics.EnvelopeDroppedOrphan)
		c.logger.Debug("dropping answer from unknown peer", slog.String("peer", from))
		return
	}

	desc, err := sdpFromEnvelope(env)
	if err != nil {
		c.metrics.Inc(metrics.EnvelopeDroppedMalformed)
		c.logger.Debug("dropping malformed answer", slog.String("peer", from), slog.Any("error", err))
		return
	}

	if err := peer.HandleAnswer(desc); err != nil {
		c.metrics.Inc(metrics.NegotiationFailed)
		c.reportError(from, err)
		return
	}

	c.flushCandidatesLocked(from, peer)
}

func (c *Coordinator) handleCandidateLocked(from string, env signal.Envelope) {
	payload, err := env.CandidatePayload()
	if err != nil {
		c.metrics.Inc(metrics.EnvelopeDroppedMalformed)
		c.logger.Debug("dropping malformed candidate", slog.String("peer", from), slog.Any("error", err))
		return
	}
	candidate := payload.ICECandidateInit()

	peer, ok := c.peers[from]
	if ok && peer.RemoteDescriptionSet() {
		_ = peer.HandleCandidate(candidate)
		return
	}

	// Unknown peer (offer may be in flight) or negotiation not yet far
	// enough: defer.
	c.queue.enqueue(from, candidate)
	c.metrics.Inc(metrics.CandidatesQueued)
}

func (c *Coordinator) handleTrackStateLocked(from string, env signal.Envelope) {
	payload, err := env.TrackStatePayload()
	if err != nil {
		c.metrics.Inc(metrics.EnvelopeDroppedMalformed)
		c.logger.Debug("dropping malformed track-state", slog.String("peer", from), slog.Any("error", err))
		return
	}

	peer, ok := c.peers[from]
	if !ok {
		c.metrics.Inc(metrics.EnvelopeDroppedOrphan)
		return
	}

	peer.ApplyTrackSignal(payload.Kind, payload.Enabled)
	c.metrics.Inc(metrics.TrackStateSignalsIn)
}

// InitiateLocalStream stores the stream and hot-swaps its tracks into
// every existing connection without renegotiating. Swaps racing a newer
// swap detect the stale generation and discard their own outcome.
func (c *Coordinator) InitiateLocalStream(ctx context.Context, stream *media.LocalStream) {
	gen := c.streamGen.Add(1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.unsubscribeStream != nil {
		c.unsubscribeStream()
	}
	c.stream = stream
	c.unsubscribeStream = stream.Subscribe(func(kind signal.TrackKind, enabled bool) {
		c.broadcaster.LocalToggled(context.Background(), kind, enabled)
	})
	peers := c.peersSliceLocked()
	c.mu.Unlock()

	for _, peer := range peers {
		for _, kind := range []signal.TrackKind{signal.TrackKindAudio, signal.TrackKindVideo} {
			var track webrtc.TrackLocal
			if t, ok := stream.Track(kind); ok {
				track = t
			}
			err := peer.ReplaceTrack(kind, track)
			if c.streamGen.Load() != gen {
				// A newer swap started; its outcome owns the senders now.
				c.metrics.Inc(metrics.TrackReplaceStale)
				return
			}
			if err != nil && !errors.Is(err, ErrPeerClosed) {
				c.metrics.Inc(metrics.TrackReplaceFailed)
				c.logger.Warn("track replace failed",
					slog.String("peer", peer.RemoteID()), slog.String("kind", string(kind)), slog.Any("error", err))
			}
		}
	}
}

// DetachLocalStream stops sending media on every connection while
// keeping them open for inbound media.
func (c *Coordinator) DetachLocalStream() {
	c.streamGen.Add(1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.unsubscribeStream != nil {
		c.unsubscribeStream()
		c.unsubscribeStream = nil
	}
	c.stream = nil
	peers := c.peersSliceLocked()
	c.mu.Unlock()

	for _, peer := range peers {
		if err := peer.DetachLocalStream(); err != nil && !errors.Is(err, ErrPeerClosed) {
			c.logger.Warn("detach failed", slog.String("peer", peer.RemoteID()), slog.Any("error", err))
		}
	}
}

// ConnectedPeers lists peers currently in the connected state.
func (c *Coordinator) ConnectedPeers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []string
	for id, peer := range c.peers {
		if peer.State() == StateConnected {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Snapshot returns a point-in-time view of all peer records for
// observation; it never exposes the live map.
func (c *Coordinator) Snapshot() []PeerSnapshot {
	now := time.Now()
	staleAfter := c.staleAfter()

	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]PeerSnapshot, 0, len(c.peers))
	for id, peer := range c.peers {
		state, changedAt := peer.stateInfo()
		out = append(out, PeerSnapshot{
			PeerID:            id,
			State:             state,
			CreatedAt:         peer.createdAt,
			StateChangedAt:    changedAt,
			TrackState:        peer.TrackStateSnapshot(now, staleAfter),
			PendingCandidates: c.queue.pending(id),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// LocalTrackState derives the local flags; never cached.
func (c *Coordinator) LocalTrackState() media.TrackState {
	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()

	if stream == nil {
		return media.TrackState{}
	}
	return stream.State()
}

// Close tears down every peer record. Unconditional and final.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.unsubscribeStream != nil {
		c.unsubscribeStream()
		c.unsubscribeStream = nil
	}
	peers := c.peersSliceLocked()
	c.peers = make(map[string]*Peer)
	c.queue = newCandidateQueue()
	c.mu.Unlock()

	for _, peer := range peers {
		_ = peer.Close()
	}
	c.logger.Info("coordinator closed")
	return nil
}

func (c *Coordinator) dialPeerLocked(ctx context.Context, id string) {
	peer, err := c.createPeerLocked(id, false)
	if err != nil {
		c.reportError(id, err)
		return
	}

	offer, err := peer.CreateOffer(ctx)
	if err != nil {
		c.metrics.Inc(metrics.NegotiationFailed)
		c.reportError(id, err)
		c.removePeerLocked(id, peer)
		return
	}

	if err := c.opts.Sender.Send(ctx, offer); err != nil {
		// Drop the record either way so the next reconciliation retries
		// from scratch.
		c.deferOrEscalateSend(id, "offer", err)
		c.removePeerLocked(id, peer)
	}
}

func (c *Coordinator) createPeerLocked(id string, passive bool) (*Peer, error) {
	peer, err := newPeer(peerOptions{
		api:           c.api,
		localID:       c.opts.LocalID,
		remoteID:      id,
		roomID:        c.opts.RoomID,
		iceServers:    c.opts.ICEServers,
		sender:        c.opts.Sender,
		logger:        c.logger,
		metrics:       c.metrics,
		onRemoteTrack: c.opts.OnRemoteTrack,
		onError:       c.reportError,
	})
	if err != nil {
		return nil, err
	}

	if c.opts.OnPeerState != nil {
		peerID := id
		peer.OnStateChange(func(s State) {
			c.opts.OnPeerState(peerID, s)
		})
	}

	if c.stream != nil {
		if err := peer.AttachLocalStream(c.stream); err != nil {
			c.logger.Warn("local stream attach failed", slog.String("peer", id), slog.Any("error", err))
		}
	}
	if err := peer.EnsureRecvTransceivers(); err != nil {
		c.logger.Warn("transceiver setup failed", slog.String("peer", id), slog.Any("error", err))
	}

	c.peers[id] = peer
	if passive {
		c.metrics.Inc(metrics.PeersCreatedPassive)
	} else {
		c.metrics.Inc(metrics.PeersCreated)
	}
	c.logger.Info("peer created", slog.String("peer", id), slog.Bool("passive", passive))
	return peer, nil
}

// removePeerLocked deletes the record, discards its queued candidates
// (stale candidates must never reach a replacement connection), and
// closes the underlying connection.
func (c *Coordinator) removePeerLocked(id string, peer *Peer) {
	if n := c.queue.discard(id); n > 0 {
		c.metrics.Add(metrics.CandidatesDiscarded, uint64(n))
	}
	delete(c.peers, id)
	_ = peer.Close()
}

// flushCandidatesLocked applies the peer's queued candidates in arrival
// order. Runs exactly once per connection lifetime, right after the
// remote description becomes set.
func (c *Coordinator) flushCandidatesLocked(id string, peer *Peer) {
	for _, candidate := range c.queue.drain(id) {
		_ = peer.HandleCandidate(candidate)
		c.metrics.Inc(metrics.CandidatesFlushed)
	}
}

func (c *Coordinator) sampleTrackStates() {
	now := time.Now()
	staleAfter := c.staleAfter()

	c.mu.Lock()
	peers := c.peersSliceLocked()
	c.mu.Unlock()

	for _, peer := range peers {
		if state, changed := peer.sampleTrackState(now, staleAfter); changed {
			if c.opts.OnTrackState != nil {
				c.opts.OnTrackState(peer.RemoteID(), state)
			}
		}
	}
}

// staleAfter is the window within which sampled media counts as live.
// Two sampling periods tolerates one missed tick.
func (c *Coordinator) staleAfter() time.Duration {
	return 2 * c.opts.TrackSampleInterval
}

func (c *Coordinator) peersSliceLocked() []*Peer {
	out := make([]*Peer, 0, len(c.peers))
	for _, peer := range c.peers {
		out = append(out, peer)
	}
	return out
}

// deferOrEscalateSend classifies a signaling send failure. A peer that
// is unreachable through the relay right now is retryable churn; any
// other transport error reaches the error callback.
func (c *Coordinator) deferOrEscalateSend(peerID, what string, err error) {
	if errors.Is(err, signal.ErrPeerUnreachable) {
		c.metrics.Inc(metrics.SendDeferredUnreachable)
		c.logger.Debug(what+" send deferred", slog.String("peer", peerID), slog.Any("error", err))
		return
	}
	c.metrics.Inc(metrics.SendFailed)
	c.logger.Warn(what+" send failed", slog.String("peer", peerID), slog.Any("error", err))
	c.reportError(peerID, err)
}

func (c *Coordinator) reportError(peerID string, err error) {
	if c.opts.OnError != nil {
		c.opts.OnError(peerID, err)
	}
}

func sdpFromEnvelope(env signal.Envelope) (webrtc.SessionDescription, error) {
	payload, err := env.SDPPayload()
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	return payload.SessionDescription()
}
