package media

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/quadcall/quadcall/internal/signal"
)

// PeerTrackState reconciles the two mute signals for a single remote
// peer: packet-level liveness sampled from the received media, and
// explicit track-state envelopes. An explicit signal overrides sampling
// for its kind until the track disappears entirely, at which point the
// override is discarded along with the track.
type PeerTrackState struct {
	mu     sync.Mutex
	tracks map[signal.TrackKind]*remoteTrack
}

type remoteTrack struct {
	lastPacket time.Time
	explicit   *bool
}

func NewPeerTrackState() *PeerTrackState {
	return &PeerTrackState{
		tracks: make(map[signal.TrackKind]*remoteTrack),
	}
}

// TrackArrived registers a newly received remote track of the given
// kind. An explicit signal that outran the media is preserved.
func (p *PeerTrackState) TrackArrived(kind signal.TrackKind, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if track, ok := p.tracks[kind]; ok {
		track.lastPacket = now
		return
	}
	p.tracks[kind] = &remoteTrack{lastPacket: now}
}

// TrackGone removes the track and any explicit override for its kind.
func (p *PeerTrackState) TrackGone(kind signal.TrackKind) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.tracks, kind)
}

// Packet records media arrival for liveness sampling.
func (p *PeerTrackState) Packet(kind signal.TrackKind, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if track, ok := p.tracks[kind]; ok {
		track.lastPacket = now
	}
}

// ApplySignal records an explicit track-state envelope from the peer.
// A signal for a kind whose track has not arrived yet is still honored;
// the track may be in flight.
func (p *PeerTrackState) ApplySignal(kind signal.TrackKind, enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	track, ok := p.tracks[kind]
	if !ok {
		track = &remoteTrack{}
		p.tracks[kind] = track
	}
	v := enabled
	track.explicit = &v
}

// Snapshot merges explicit signals over sampled liveness. A track is
// considered live when a packet arrived within staleAfter.
func (p *PeerTrackState) Snapshot(now time.Time, staleAfter time.Duration) TrackState {
	p.mu.Lock()
	defer p.mu.Unlock()

	return TrackState{
		AudioEnabled: p.enabledLocked(signal.TrackKindAudio, now, staleAfter),
		VideoEnabled: p.enabledLocked(signal.TrackKindVideo, now, staleAfter),
	}
}

func (p *PeerTrackState) enabledLocked(kind signal.TrackKind, now time.Time, staleAfter time.Duration) bool {
	track, ok := p.tracks[kind]
	if !ok {
		return false
	}
	if track.explicit != nil {
		return *track.explicit
	}
	if track.lastPacket.IsZero() {
		return false
	}
	return now.Sub(track.lastPacket) <= staleAfter
}

// WatchRemoteTrack drains a remote track, feeding packet timestamps into
// state until the track ends. Remote tracks must be read continuously or
// the underlying transport stalls; this reader is the single consumer.
// onGone runs once when the track ends.
func WatchRemoteTrack(track *webrtc.TrackRemote, state *PeerTrackState, onGone func(signal.TrackKind)) {
	kind, ok := KindOf(track.Kind())
	if !ok {
		return
	}
	state.TrackArrived(kind, time.Now())

	go func() {
		for {
			_, _, err := track.ReadRTP()
			if err != nil {
				state.TrackGone(kind)
				if onGone != nil {
					onGone(kind)
				}
				return
			}
			state.Packet(kind, time.Now())
		}
	}()
}
