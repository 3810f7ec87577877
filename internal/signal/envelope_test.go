package signal

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestDecodeEnvelope_Offer(t *testing.T) {
	raw := `{
		"from": "B", "to": "A", "roomId": "r1",
		"message": {"type": "offer", "payload": {"type": "offer", "sdp": "v=0\r\n"}}
	}`

	env, err := DecodeEnvelope([]byte(raw))
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if env.From != "B" || env.To != "A" || env.RoomID != "r1" {
		t.Fatalf("unexpected routing fields: %+v", env)
	}

	payload, err := env.SDPPayload()
	if err != nil {
		t.Fatalf("SDPPayload: %v", err)
	}
	desc, err := payload.SessionDescription()
	if err != nil {
		t.Fatalf("SessionDescription: %v", err)
	}
	if desc.Type != webrtc.SDPTypeOffer || desc.SDP != "v=0\r\n" {
		t.Fatalf("unexpected description: %+v", desc)
	}
}

func TestDecodeEnvelope_CandidateWithNulls(t *testing.T) {
	raw := `{
		"from": "B", "to": "A", "roomId": "r1",
		"message": {"type": "ice-candidate", "payload": {
			"candidate": "candidate:1 1 udp 2130706431 192.0.2.1 54321 typ host",
			"sdpMLineIndex": null, "sdpMid": null
		}}
	}`

	env, err := DecodeEnvelope([]byte(raw))
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	payload, err := env.CandidatePayload()
	if err != nil {
		t.Fatalf("CandidatePayload: %v", err)
	}
	if payload.SDPMLineIndex != nil || payload.SDPMid != nil {
		t.Fatalf("null fields should decode to nil pointers: %+v", payload)
	}
	init := payload.ICECandidateInit()
	if init.Candidate != payload.Candidate {
		t.Fatalf("unexpected candidate init: %+v", init)
	}
}

func TestDecodeEnvelope_Rejects(t *testing.T) {
	for _, tc := range []struct {
		name string
		raw  string
	}{
		{"missing from", `{"to":"A","roomId":"r","message":{"type":"track-state","payload":{"kind":"audio","enabled":true}}}`},
		{"missing room", `{"from":"B","to":"A","message":{"type":"track-state","payload":{"kind":"audio","enabled":true}}}`},
		{"unknown type", `{"from":"B","to":"A","roomId":"r","message":{"type":"bye","payload":{}}}`},
		{"unknown envelope field", `{"from":"B","to":"A","roomId":"r","extra":1,"message":{"type":"track-state","payload":{"kind":"audio","enabled":true}}}`},
		{"unknown payload field", `{"from":"B","to":"A","roomId":"r","message":{"type":"track-state","payload":{"kind":"audio","enabled":true,"x":1}}}`},
		{"sdp type mismatch", `{"from":"B","to":"A","roomId":"r","message":{"type":"offer","payload":{"type":"answer","sdp":"v=0"}}}`},
		{"empty sdp", `{"from":"B","to":"A","roomId":"r","message":{"type":"answer","payload":{"type":"answer","sdp":""}}}`},
		{"empty candidate", `{"from":"B","to":"A","roomId":"r","message":{"type":"ice-candidate","payload":{"candidate":"","sdpMLineIndex":null,"sdpMid":null}}}`},
		{"bad track kind", `{"from":"B","to":"A","roomId":"r","message":{"type":"track-state","payload":{"kind":"screen","enabled":true}}}`},
		{"trailing garbage", `{"from":"B","to":"A","roomId":"r","message":{"type":"track-state","payload":{"kind":"audio","enabled":true}}} {}`},
		{"not json", `hello`},
	} {
		if _, err := DecodeEnvelope([]byte(tc.raw)); err == nil {
			t.Fatalf("%s: expected decode error", tc.name)
		}
	}
}

func TestNewCandidateEnvelope_EmitsExplicitNulls(t *testing.T) {
	env, err := NewCandidateEnvelope("A", "B", "r1", webrtc.ICECandidateInit{
		Candidate: "candidate:1 1 udp 2130706431 192.0.2.1 54321 typ host",
	})
	if err != nil {
		t.Fatalf("NewCandidateEnvelope: %v", err)
	}

	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	// The deployed relay clients require explicit nulls, not absent keys.
	if !strings.Contains(string(raw), `"sdpMLineIndex":null`) {
		t.Fatalf("sdpMLineIndex must serialize as explicit null: %s", raw)
	}
	if !strings.Contains(string(raw), `"sdpMid":null`) {
		t.Fatalf("sdpMid must serialize as explicit null: %s", raw)
	}
}

func TestNewSDPEnvelope_RoundTrip(t *testing.T) {
	env, err := NewSDPEnvelope("A", "B", "r1", webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  "v=0\r\n",
	})
	if err != nil {
		t.Fatalf("NewSDPEnvelope: %v", err)
	}
	if env.Message.Type != MessageTypeAnswer {
		t.Fatalf("unexpected message type: %q", env.Message.Type)
	}

	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	decoded, err := DecodeEnvelope(raw)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	payload, err := decoded.SDPPayload()
	if err != nil {
		t.Fatalf("SDPPayload: %v", err)
	}
	if payload.SDP != "v=0\r\n" {
		t.Fatalf("unexpected sdp: %q", payload.SDP)
	}
}

func TestNewTrackStateEnvelope(t *testing.T) {
	env, err := NewTrackStateEnvelope("A", "B", "r1", TrackKindVideo, false)
	if err != nil {
		t.Fatalf("NewTrackStateEnvelope: %v", err)
	}
	payload, err := env.TrackStatePayload()
	if err != nil {
		t.Fatalf("TrackStatePayload: %v", err)
	}
	if payload.Kind != TrackKindVideo || payload.Enabled {
		t.Fatalf("unexpected payload: %+v", payload)
	}

	if _, err := NewTrackStateEnvelope("A", "B", "r1", "screen", true); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
	if _, err := NewTrackStateEnvelope("", "B", "r1", TrackKindAudio, true); err == nil {
		t.Fatalf("expected error for missing from")
	}
}
