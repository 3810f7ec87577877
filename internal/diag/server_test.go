package diag

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/quadcall/quadcall/internal/media"
	"github.com/quadcall/quadcall/internal/mesh"
	"github.com/quadcall/quadcall/internal/metrics"
)

type stubMesh struct {
	snapshot []mesh.PeerSnapshot
	local    media.TrackState
}

func (s *stubMesh) Snapshot() []mesh.PeerSnapshot     { return s.snapshot }
func (s *stubMesh) LocalTrackState() media.TrackState { return s.local }

func newTestServer(t *testing.T, observer MeshObserver) *Server {
	t.Helper()

	m := metrics.New()
	m.Inc(metrics.PeersCreated)

	s := New(Options{
		ListenAddr: "127.0.0.1:0",
		PeerID:     "A",
		RoomID:     "r1",
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:    m,
		Mesh:       observer,
		Build:      BuildInfo{Commit: "abc123"},
	})
	s.ready.Store(true)
	return s
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)
	return rec
}

func TestServer_Healthz(t *testing.T) {
	s := newTestServer(t, &stubMesh{})

	rec := get(t, s, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("request id header missing")
	}
}

func TestServer_Metrics(t *testing.T) {
	s := newTestServer(t, &stubMesh{})

	rec := get(t, s, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `quadcall_events_total{event="peers_created"} 1`) {
		t.Fatalf("metrics body missing counter: %s", rec.Body.String())
	}
}

func TestServer_Connections(t *testing.T) {
	createdAt := time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC)
	observer := &stubMesh{
		snapshot: []mesh.PeerSnapshot{
			{
				PeerID:         "B",
				State:          mesh.StateConnected,
				CreatedAt:      createdAt,
				StateChangedAt: createdAt.Add(2 * time.Second),
				TrackState:     media.TrackState{AudioEnabled: true},
			},
		},
		local: media.TrackState{AudioEnabled: true, VideoEnabled: true},
	}
	s := newTestServer(t, observer)

	rec := get(t, s, "/connections")
	if rec.Code != http.StatusOK {
		t.Fatalf("connections status = %d", rec.Code)
	}

	var parsed struct {
		PeerID     string              `json:"peerId"`
		RoomID     string              `json:"roomId"`
		LocalTrack media.TrackState    `json:"localTrack"`
		Peers      []mesh.PeerSnapshot `json:"peers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &parsed); err != nil {
		t.Fatalf("decode connections: %v", err)
	}
	if parsed.PeerID != "A" || parsed.RoomID != "r1" {
		t.Fatalf("unexpected identity: %+v", parsed)
	}
	if len(parsed.Peers) != 1 || parsed.Peers[0].PeerID != "B" || parsed.Peers[0].State != mesh.StateConnected {
		t.Fatalf("unexpected peers: %+v", parsed.Peers)
	}
	if !parsed.Peers[0].CreatedAt.Equal(createdAt) {
		t.Fatalf("createdAt = %v, want %v", parsed.Peers[0].CreatedAt, createdAt)
	}
	if !parsed.Peers[0].StateChangedAt.Equal(createdAt.Add(2 * time.Second)) {
		t.Fatalf("stateChangedAt = %v, want %v", parsed.Peers[0].StateChangedAt, createdAt.Add(2*time.Second))
	}
	if !parsed.LocalTrack.VideoEnabled {
		t.Fatalf("unexpected local track state: %+v", parsed.LocalTrack)
	}
}

func TestServer_ConnectionsWithoutMesh(t *testing.T) {
	s := newTestServer(t, nil)

	rec := get(t, s, "/connections")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("connections without mesh status = %d", rec.Code)
	}
}

func TestServer_ReadyzFollowsLifecycle(t *testing.T) {
	s := newTestServer(t, &stubMesh{})

	if rec := get(t, s, "/readyz"); rec.Code != http.StatusOK {
		t.Fatalf("readyz status = %d", rec.Code)
	}

	s.ready.Store(false)
	if rec := get(t, s, "/readyz"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz after shutdown status = %d", rec.Code)
	}
}
