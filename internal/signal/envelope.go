// Package signal implements the signaling wire protocol: the envelope
// codec shared with the browser clients, the WebSocket transport to the
// relay, and the roster poller.
//
// The wire shapes are fixed by the deployed relay and must not drift:
//
//	Envelope:            { from, to, roomId, message }
//	Message:             { type: "offer"|"answer"|"ice-candidate"|"track-state", payload }
//	Offer/Answer:        { type: "offer"|"answer", sdp }
//	Candidate:           { candidate, sdpMLineIndex: number|null, sdpMid: string|null }
//	Track state:         { kind: "video"|"audio", enabled }
package signal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

type MessageType string

const (
	MessageTypeOffer        MessageType = "offer"
	MessageTypeAnswer       MessageType = "answer"
	MessageTypeICECandidate MessageType = "ice-candidate"
	MessageTypeTrackState   MessageType = "track-state"
)

type TrackKind string

const (
	TrackKindVideo TrackKind = "video"
	TrackKindAudio TrackKind = "audio"
)

type Envelope struct {
	From    string  `json:"from"`
	To      string  `json:"to"`
	RoomID  string  `json:"roomId"`
	Message Message `json:"message"`
}

type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// SDPPayload carries an offer or answer. Its type field duplicates the
// message type; both must agree.
type SDPPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// CandidatePayload mirrors RTCIceCandidateInit. The pointer fields are
// deliberately not omitempty: end-of-candidates style entries serialize
// them as explicit nulls and the relay's existing clients expect that.
type CandidatePayload struct {
	Candidate     string  `json:"candidate"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex"`
	SDPMid        *string `json:"sdpMid"`
}

type TrackStatePayload struct {
	Kind    TrackKind `json:"kind"`
	Enabled bool      `json:"enabled"`
}

// DecodeEnvelope strictly parses an inbound signaling envelope. Unknown
// fields, trailing data, and per-type payload shape violations are all
// errors; the relay forwards arbitrary junk and callers drop on error.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := decodeStrict(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func (e Envelope) Validate() error {
	if e.From == "" {
		return errors.New("envelope: missing from")
	}
	if e.To == "" {
		return errors.New("envelope: missing to")
	}
	if e.RoomID == "" {
		return errors.New("envelope: missing roomId")
	}

	switch e.Message.Type {
	case MessageTypeOffer, MessageTypeAnswer:
		if _, err := e.SDPPayload(); err != nil {
			return err
		}
	case MessageTypeICECandidate:
		if _, err := e.CandidatePayload(); err != nil {
			return err
		}
	case MessageTypeTrackState:
		if _, err := e.TrackStatePayload(); err != nil {
			return err
		}
	case "":
		return errors.New("envelope: missing message type")
	default:
		return fmt.Errorf("envelope: unknown message type %q", e.Message.Type)
	}

	return nil
}

// SDPPayload decodes the payload of an offer or answer envelope.
func (e Envelope) SDPPayload() (SDPPayload, error) {
	if e.Message.Type != MessageTypeOffer && e.Message.Type != MessageTypeAnswer {
		return SDPPayload{}, fmt.Errorf("envelope: %s has no sdp payload", e.Message.Type)
	}

	var payload SDPPayload
	if err := decodeStrict(e.Message.Payload, &payload); err != nil {
		return SDPPayload{}, fmt.Errorf("%s payload: %w", e.Message.Type, err)
	}
	if payload.Type != string(e.Message.Type) {
		return SDPPayload{}, fmt.Errorf("%s payload: type mismatch %q", e.Message.Type, payload.Type)
	}
	if payload.SDP == "" {
		return SDPPayload{}, fmt.Errorf("%s payload: missing sdp", e.Message.Type)
	}
	return payload, nil
}

func (e Envelope) CandidatePayload() (CandidatePayload, error) {
	if e.Message.Type != MessageTypeICECandidate {
		return CandidatePayload{}, fmt.Errorf("envelope: %s has no candidate payload", e.Message.Type)
	}

	var payload CandidatePayload
	if err := decodeStrict(e.Message.Payload, &payload); err != nil {
		return CandidatePayload{}, fmt.Errorf("candidate payload: %w", err)
	}
	if payload.Candidate == "" {
		return CandidatePayload{}, errors.New("candidate payload: missing candidate")
	}
	return payload, nil
}

func (e Envelope) TrackStatePayload() (TrackStatePayload, error) {
	if e.Message.Type != MessageTypeTrackState {
		return TrackStatePayload{}, fmt.Errorf("envelope: %s has no track-state payload", e.Message.Type)
	}

	var payload TrackStatePayload
	if err := decodeStrict(e.Message.Payload, &payload); err != nil {
		return TrackStatePayload{}, fmt.Errorf("track-state payload: %w", err)
	}
	switch payload.Kind {
	case TrackKindVideo, TrackKindAudio:
	default:
		return TrackStatePayload{}, fmt.Errorf("track-state payload: unknown kind %q", payload.Kind)
	}
	return payload, nil
}

func (p SDPPayload) SessionDescription() (webrtc.SessionDescription, error) {
	var sdpType webrtc.SDPType
	switch p.Type {
	case "offer":
		sdpType = webrtc.SDPTypeOffer
	case "answer":
		sdpType = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", p.Type)
	}
	return webrtc.SessionDescription{Type: sdpType, SDP: p.SDP}, nil
}

func (p CandidatePayload) ICECandidateInit() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:     p.Candidate,
		SDPMLineIndex: p.SDPMLineIndex,
		SDPMid:        p.SDPMid,
	}
}

// NewSDPEnvelope wraps a local offer or answer for the wire.
func NewSDPEnvelope(from, to, roomID string, desc webrtc.SessionDescription) (Envelope, error) {
	var msgType MessageType
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		msgType = MessageTypeOffer
	case webrtc.SDPTypeAnswer:
		msgType = MessageTypeAnswer
	default:
		return Envelope{}, fmt.Errorf("unsupported description type %q", desc.Type)
	}
	if desc.SDP == "" {
		return Envelope{}, errors.New("empty sdp")
	}

	return newEnvelope(from, to, roomID, msgType, SDPPayload{
		Type: msgType.String(),
		SDP:  desc.SDP,
	})
}

func NewCandidateEnvelope(from, to, roomID string, candidate webrtc.ICECandidateInit) (Envelope, error) {
	if candidate.Candidate == "" {
		return Envelope{}, errors.New("empty candidate")
	}

	return newEnvelope(from, to, roomID, MessageTypeICECandidate, CandidatePayload{
		Candidate:     candidate.Candidate,
		SDPMLineIndex: candidate.SDPMLineIndex,
		SDPMid:        candidate.SDPMid,
	})
}

func NewTrackStateEnvelope(from, to, roomID string, kind TrackKind, enabled bool) (Envelope, error) {
	switch kind {
	case TrackKindVideo, TrackKindAudio:
	default:
		return Envelope{}, fmt.Errorf("unknown track kind %q", kind)
	}

	return newEnvelope(from, to, roomID, MessageTypeTrackState, TrackStatePayload{
		Kind:    kind,
		Enabled: enabled,
	})
}

func newEnvelope(from, to, roomID string, msgType MessageType, payload any) (Envelope, error) {
	if from == "" || to == "" || roomID == "" {
		return Envelope{}, errors.New("from, to and roomId must be set")
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}

	return Envelope{
		From:   from,
		To:     to,
		RoomID: roomID,
		Message: Message{
			Type:    msgType,
			Payload: raw,
		},
	}, nil
}

func (t MessageType) String() string { return string(t) }

func decodeStrict(raw []byte, v any) error {
	if len(raw) == 0 {
		return errors.New("empty payload")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	// Reject trailing garbage after the JSON value.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("trailing data after JSON value")
	}
	return nil
}
