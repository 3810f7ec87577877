// Package media models the local media stream and the per-peer remote
// track state. It owns no capture or rendering; tracks are produced by
// the embedding application and consumed by the mesh layer.
package media

import (
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/quadcall/quadcall/internal/signal"
)

// TrackState is the observable mute/presence summary for one stream.
type TrackState struct {
	AudioEnabled bool
	VideoEnabled bool
}

// LocalStream bundles the local outbound audio and video tracks with
// their enabled flags. Either track may be absent. The stream is shared
// read-only across all peer connections; connections attach and replace
// its tracks but never mutate it.
type LocalStream struct {
	mu sync.Mutex

	audio *webrtc.TrackLocalStaticSample
	video *webrtc.TrackLocalStaticSample

	audioEnabled bool
	videoEnabled bool

	listeners map[int]func(kind signal.TrackKind, enabled bool)
	nextID    int
}

func NewLocalStream(audio, video *webrtc.TrackLocalStaticSample) *LocalStream {
	return &LocalStream{
		audio:        audio,
		video:        video,
		audioEnabled: audio != nil,
		videoEnabled: video != nil,
		listeners:    make(map[int]func(signal.TrackKind, bool)),
	}
}

// Track returns the local track of the given kind, if present.
func (s *LocalStream) Track(kind signal.TrackKind) (webrtc.TrackLocal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch kind {
	case signal.TrackKindAudio:
		if s.audio != nil {
			return s.audio, true
		}
	case signal.TrackKindVideo:
		if s.video != nil {
			return s.video, true
		}
	}
	return nil, false
}

// Tracks returns all present local tracks.
func (s *LocalStream) Tracks() []webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []webrtc.TrackLocal
	if s.audio != nil {
		out = append(out, s.audio)
	}
	if s.video != nil {
		out = append(out, s.video)
	}
	return out
}

// SetEnabled flips the mute flag for one kind and notifies subscribers.
// Toggling a kind with no track is a no-op.
func (s *LocalStream) SetEnabled(kind signal.TrackKind, enabled bool) {
	s.mu.Lock()

	changed := false
	switch kind {
	case signal.TrackKindAudio:
		if s.audio != nil && s.audioEnabled != enabled {
			s.audioEnabled = enabled
			changed = true
		}
	case signal.TrackKindVideo:
		if s.video != nil && s.videoEnabled != enabled {
			s.videoEnabled = enabled
			changed = true
		}
	}

	var listeners []func(signal.TrackKind, bool)
	if changed {
		listeners = make([]func(signal.TrackKind, bool), 0, len(s.listeners))
		for _, fn := range s.listeners {
			listeners = append(listeners, fn)
		}
	}
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(kind, enabled)
	}
}

// State derives the current flags; never cached.
func (s *LocalStream) State() TrackState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return TrackState{
		AudioEnabled: s.audio != nil && s.audioEnabled,
		VideoEnabled: s.video != nil && s.videoEnabled,
	}
}

// Subscribe registers a toggle listener and returns an idempotent
// unsubscribe.
func (s *LocalStream) Subscribe(fn func(kind signal.TrackKind, enabled bool)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// KindOf maps a pion codec type onto the wire-level track kind.
func KindOf(codecType webrtc.RTPCodecType) (signal.TrackKind, bool) {
	switch codecType {
	case webrtc.RTPCodecTypeAudio:
		return signal.TrackKindAudio, true
	case webrtc.RTPCodecTypeVideo:
		return signal.TrackKindVideo, true
	default:
		return "", false
	}
}
