package media

import (
	"context"
	"errors"
	"log/slog"

	"github.com/quadcall/quadcall/internal/metrics"
	"github.com/quadcall/quadcall/internal/signal"
)

// Broadcaster fans a local mute toggle out as explicit track-state
// envelopes, one per currently-connected peer. Peers still negotiating
// are skipped; they cannot act on the signal and will derive state from
// the media once connected.
type Broadcaster struct {
	localID string
	roomID  string

	sender    signal.Sender
	connected func() []string
	onError   func(peerID string, err error)

	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewBroadcaster(localID, roomID string, sender signal.Sender, connected func() []string, onError func(peerID string, err error), logger *slog.Logger, m *metrics.Metrics) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Broadcaster{
		localID:   localID,
		roomID:    roomID,
		sender:    sender,
		connected: connected,
		onError:   onError,
		logger:    logger.With(slog.String("component", "trackstate")),
		metrics:   m,
	}
}

// LocalToggled sends one track-state envelope per connected peer. An
// unreachable peer is retryable churn: it either reconnects and samples
// the media, or the next toggle reaches it. Any other transport failure
// goes to the error callback.
func (b *Broadcaster) LocalToggled(ctx context.Context, kind signal.TrackKind, enabled bool) {
	for _, peerID := range b.connected() {
		env, err := signal.NewTrackStateEnvelope(b.localID, peerID, b.roomID, kind, enabled)
		if err != nil {
			b.logger.Warn("cannot build track-state envelope",
				slog.String("peer", peerID), slog.Any("error", err))
			continue
		}
		if err := b.sender.Send(ctx, env); err != nil {
			if errors.Is(err, signal.ErrPeerUnreachable) {
				b.metrics.Inc(metrics.SendDeferredUnreachable)
				b.logger.Debug("track-state send deferred",
					slog.String("peer", peerID), slog.Any("error", err))
				continue
			}
			b.metrics.Inc(metrics.SendFailed)
			b.logger.Warn("track-state send failed",
				slog.String("peer", peerID), slog.Any("error", err))
			if b.onError != nil {
				b.onError(peerID, err)
			}
			continue
		}
		b.metrics.Inc(metrics.TrackStateSignalsOut)
	}
}
