package mesh

import "github.com/pion/webrtc/v4"

// State is the per-peer connection lifecycle exposed to observers. It is
// a deliberate simplification of the underlying ICE connectivity signal.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

func (s State) String() string { return string(s) }

// stateFromICE maps the ICE connectivity value onto the lifecycle model.
// "disconnected" at the ICE level is transient (consent checks can drop
// and recover), so it maps to reconnecting rather than a terminal state.
func stateFromICE(ice webrtc.ICEConnectionState) State {
	switch ice {
	case webrtc.ICEConnectionStateNew, webrtc.ICEConnectionStateChecking:
		return StateConnecting
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		return StateConnected
	case webrtc.ICEConnectionStateFailed:
		return StateFailed
	case webrtc.ICEConnectionStateDisconnected:
		return StateReconnecting
	case webrtc.ICEConnectionStateClosed:
		return StateDisconnected
	default:
		return StateConnecting
	}
}
