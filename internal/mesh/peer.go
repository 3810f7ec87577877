package mesh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/quadcall/quadcall/internal/media"
	"github.com/quadcall/quadcall/internal/metrics"
	"github.com/quadcall/quadcall/internal/signal"
)

type peerOptions struct {
	api        *webrtc.API
	localID    string
	remoteID   string
	roomID     string
	iceServers []webrtc.ICEServer
	sender     signal.Sender
	logger     *slog.Logger
	metrics    *metrics.Metrics

	onRemoteTrack func(remoteID string, track *webrtc.TrackRemote)
	// onError receives transport failures that are not plain
	// unreachability and therefore not retryable churn.
	onError func(remoteID string, err error)
}

// Peer is the per-remote-peer connection state machine. It owns one
// underlying PeerConnection and translates its ICE connectivity signal
// into the lifecycle model. All negotiation entry points are driven by
// the Coordinator; pion callbacks arrive on their own goroutines and are
// serialized through the peer's mutex.
type Peer struct {
	localID  string
	remoteID string
	roomID   string

	pc      *webrtc.PeerConnection
	sender  signal.Sender
	logger  *slog.Logger
	metrics *metrics.Metrics
	onError func(remoteID string, err error)

	// createdAt is set once at construction and never changes.
	createdAt time.Time

	trackState *media.PeerTrackState

	mu              sync.Mutex
	state           State
	lastStateChange time.Time
	closed          bool
	remoteDescSet   bool
	lastTrackState  media.TrackState

	stateListeners map[int]func(State)
	nextListenerID int
}

func newPeer(opts peerOptions) (*Peer, error) {
	if opts.remoteID == opts.localID {
		return nil, ErrSelfConnection
	}

	pc, err := opts.api.NewPeerConnection(webrtc.Configuration{
		ICEServers: opts.iceServers,
	})
	if err != nil {
		return nil, fmt.Errorf("mesh: create peer connection: %w", err)
	}

	p := &Peer{
		localID:    opts.localID,
		remoteID:   opts.remoteID,
		roomID:     opts.roomID,
		pc:         pc,
		sender:     opts.sender,
		logger:     opts.logger.With(slog.String("peer", opts.remoteID)),
		metrics:    opts.metrics,
		onError:    opts.onError,
		trackState: media.NewPeerTrackState(),
		createdAt:  time.Now(),
		// Derive eagerly; construction can race with asynchronous setup.
		state:           stateFromICE(pc.ICEConnectionState()),
		lastStateChange: time.Now(),
		stateListeners:  make(map[int]func(State)),
	}

	pc.OnICEConnectionStateChange(func(ice webrtc.ICEConnectionState) {
		p.setState(stateFromICE(ice))
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		p.sendCandidate(c.ToJSON())
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		media.WatchRemoteTrack(track, p.trackState, nil)
		if opts.onRemoteTrack != nil {
			opts.onRemoteTrack(p.remoteID, track)
		}
		p.logger.Debug("remote track arrived", slog.String("kind", track.Kind().String()))
	})

	// The value read before wiring may already be stale; read once more
	// and correct.
	p.setState(stateFromICE(pc.ICEConnectionState()))

	return p, nil
}

func (p *Peer) RemoteID() string { return p.remoteID }

func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// stateInfo returns the state plus when it was entered, for observing
// how long reconnects linger.
func (p *Peer) stateInfo() (State, time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state, p.lastStateChange
}

// OnStateChange registers a lifecycle listener and returns an idempotent
// unsubscribe.
func (p *Peer) OnStateChange(fn func(State)) func() {
	p.mu.Lock()
	id := p.nextListenerID
	p.nextListenerID++
	p.stateListeners[id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.stateListeners, id)
		p.mu.Unlock()
	}
}

func (p *Peer) setState(next State) {
	p.mu.Lock()
	if p.closed || next == p.state {
		p.mu.Unlock()
		return
	}
	p.state = next
	p.lastStateChange = time.Now()
	listeners := make([]func(State), 0, len(p.stateListeners))
	for _, fn := range p.stateListeners {
		listeners = append(listeners, fn)
	}
	p.mu.Unlock()

	switch next {
	case StateConnected:
		p.metrics.Inc(metrics.StateConnected)
	case StateReconnecting:
		p.metrics.Inc(metrics.StateReconnecting)
	case StateFailed:
		p.metrics.Inc(metrics.StateFailed)
	}
	p.logger.Info("peer state changed", slog.String("state", next.String()))

	for _, fn := range listeners {
		fn(next)
	}
}

// CreateOffer produces and applies a locally-originated offer and wraps
// it for the wire.
func (p *Peer) CreateOffer(ctx context.Context) (signal.Envelope, error) {
	if err := p.ensureOpen(); err != nil {
		return signal.Envelope{}, err
	}

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return signal.Envelope{}, fmt.Errorf("mesh: create offer for %s: %w", p.remoteID, err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return signal.Envelope{}, fmt.Errorf("mesh: apply local offer for %s: %w", p.remoteID, err)
	}

	env, err := signal.NewSDPEnvelope(p.localID, p.remoteID, p.roomID, offer)
	if err != nil {
		return signal.Envelope{}, fmt.Errorf("mesh: shape offer for %s: %w", p.remoteID, err)
	}
	return env, nil
}

// HandleOffer applies a remote offer and returns the answer envelope to
// send back. After it returns, the remote description is set and queued
// candidates can be flushed.
func (p *Peer) HandleOffer(ctx context.Context, offer webrtc.SessionDescription) (signal.Envelope, error) {
	if err := p.ensureOpen(); err != nil {
		return signal.Envelope{}, err
	}

	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return signal.Envelope{}, fmt.Errorf("mesh: apply remote offer from %s: %w", p.remoteID, err)
	}
	p.markRemoteDescSet()

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return signal.Envelope{}, fmt.Errorf("mesh: create answer for %s: %w", p.remoteID, err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return signal.Envelope{}, fmt.Errorf("mesh: apply local answer for %s: %w", p.remoteID, err)
	}

	env, err := signal.NewSDPEnvelope(p.localID, p.remoteID, p.roomID, answer)
	if err != nil {
		return signal.Envelope{}, fmt.Errorf("mesh: shape answer for %s: %w", p.remoteID, err)
	}
	return env, nil
}

// HandleAnswer applies the remote answer to a locally-initiated
// negotiation.
func (p *Peer) HandleAnswer(answer webrtc.SessionDescription) error {
	if err := p.ensureOpen(); err != nil {
		return err
	}

	if err := p.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("mesh: apply remote answer from %s: %w", p.remoteID, err)
	}
	p.markRemoteDescSet()
	return nil
}

// HandleCandidate applies one remote candidate. Calling it before the
// remote description is set is a programming error; the queue defers
// candidates until then. Application failures are logged and swallowed:
// a single bad or stale candidate must not abort the connection.
func (p *Peer) HandleCandidate(candidate webrtc.ICECandidateInit) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPeerClosed
	}
	if !p.remoteDescSet {
		p.mu.Unlock()
		return ErrRemoteDescriptionUnset
	}
	p.mu.Unlock()

	if err := p.pc.AddICECandidate(candidate); err != nil {
		p.metrics.Inc(metrics.CandidateApplyFailed)
		p.logger.Warn("candidate rejected", slog.Any("error", err))
	}
	return nil
}

func (p *Peer) RemoteDescriptionSet() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteDescSet
}

func (p *Peer) markRemoteDescSet() {
	p.mu.Lock()
	p.remoteDescSet = true
	p.mu.Unlock()
}

// AttachLocalStream adds the stream's tracks as outbound senders without
// renegotiating.
func (p *Peer) AttachLocalStream(stream *media.LocalStream) error {
	if err := p.ensureOpen(); err != nil {
		return err
	}

	for _, track := range stream.Tracks() {
		if _, err := p.pc.AddTrack(track); err != nil {
			return fmt.Errorf("mesh: attach %s track for %s: %w", track.Kind(), p.remoteID, err)
		}
	}
	return nil
}

// EnsureRecvTransceivers guarantees a transceiver exists for both media
// kinds, so remote media is received even when nothing is sent locally.
func (p *Peer) EnsureRecvTransceivers() error {
	if err := p.ensureOpen(); err != nil {
		return err
	}

	have := make(map[webrtc.RTPCodecType]bool, 2)
	for _, transceiver := range p.pc.GetTransceivers() {
		have[transceiver.Kind()] = true
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if have[kind] {
			continue
		}
		_, err := p.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			return fmt.Errorf("mesh: add %s transceiver for %s: %w", kind, p.remoteID, err)
		}
	}
	return nil
}

// DetachLocalStream stops sending media but keeps the connection open so
// inbound remote media continues.
func (p *Peer) DetachLocalStream() error {
	if err := p.ensureOpen(); err != nil {
		return err
	}

	for _, transceiver := range p.pc.GetTransceivers() {
		sender := transceiver.Sender()
		if sender == nil {
			continue
		}
		if err := sender.ReplaceTrack(nil); err != nil {
			return fmt.Errorf("mesh: detach %s track for %s: %w", transceiver.Kind(), p.remoteID, err)
		}
	}
	return nil
}

// ReplaceTrack swaps the outbound track of one kind without
// renegotiation. The sender is located via the transceiver list rather
// than via its currently attached track, which is nil after a detach.
// A nil track stops sending that kind.
func (p *Peer) ReplaceTrack(kind signal.TrackKind, track webrtc.TrackLocal) error {
	if err := p.ensureOpen(); err != nil {
		return err
	}

	codecType := webrtc.RTPCodecTypeAudio
	if kind == signal.TrackKindVideo {
		codecType = webrtc.RTPCodecTypeVideo
	}

	for _, transceiver := range p.pc.GetTransceivers() {
		if transceiver.Kind() != codecType {
			continue
		}
		sender := transceiver.Sender()
		if sender == nil {
			continue
		}
		if err := sender.ReplaceTrack(track); err != nil {
			return fmt.Errorf("mesh: replace %s track for %s: %w", kind, p.remoteID, err)
		}
		return nil
	}

	// No sender of this kind yet (e.g. passive peer created before any
	// local stream existed). Adding is the swap in that case.
	if track == nil {
		return nil
	}
	if _, err := p.pc.AddTrack(track); err != nil {
		return fmt.Errorf("mesh: add %s track for %s: %w", kind, p.remoteID, err)
	}
	return nil
}

// ApplyTrackSignal records an explicit track-state envelope from the
// remote peer.
func (p *Peer) ApplyTrackSignal(kind signal.TrackKind, enabled bool) {
	p.trackState.ApplySignal(kind, enabled)
}

// TrackStateSnapshot merges explicit signals over sampled liveness.
func (p *Peer) TrackStateSnapshot(now time.Time, staleAfter time.Duration) media.TrackState {
	return p.trackState.Snapshot(now, staleAfter)
}

// sampleTrackState reports whether the merged state changed since the
// previous sample.
func (p *Peer) sampleTrackState(now time.Time, staleAfter time.Duration) (media.TrackState, bool) {
	snapshot := p.trackState.Snapshot(now, staleAfter)

	p.mu.Lock()
	defer p.mu.Unlock()
	if snapshot == p.lastTrackState {
		return snapshot, false
	}
	p.lastTrackState = snapshot
	return snapshot, true
}

// Close tears the connection down unconditionally: state goes to
// disconnected, all listeners are released, and the underlying
// connection is closed.
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.state = StateDisconnected
	p.lastStateChange = time.Now()
	listeners := make([]func(State), 0, len(p.stateListeners))
	for _, fn := range p.stateListeners {
		listeners = append(listeners, fn)
	}
	p.stateListeners = make(map[int]func(State))
	p.mu.Unlock()

	for _, fn := range listeners {
		fn(StateDisconnected)
	}

	err := p.pc.Close()
	p.metrics.Inc(metrics.PeersClosed)
	p.logger.Info("peer closed")
	return err
}

func (p *Peer) ensureOpen() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPeerClosed
	}
	return nil
}

func (p *Peer) sendCandidate(candidate webrtc.ICECandidateInit) {
	env, err := signal.NewCandidateEnvelope(p.localID, p.remoteID, p.roomID, candidate)
	if err != nil {
		p.logger.Warn("cannot shape candidate envelope", slog.Any("error", err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.sender.Send(ctx, env); err != nil {
		if errors.Is(err, signal.ErrPeerUnreachable) {
			p.metrics.Inc(metrics.SendDeferredUnreachable)
			p.logger.Debug("candidate send deferred", slog.Any("error", err))
			return
		}
		p.metrics.Inc(metrics.SendFailed)
		p.logger.Warn("candidate send failed", slog.Any("error", err))
		if p.onError != nil {
			p.onError(p.remoteID, err)
		}
	}
}
