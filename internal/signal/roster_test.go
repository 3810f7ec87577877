package signal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestRosterClient_Fetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("roomId"); got != "r1" {
			t.Errorf("unexpected roomId query: %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("unexpected auth header: %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"peers": ["A", "B", "C"]}`))
	}))
	t.Cleanup(server.Close)

	client, err := NewRosterClient(server.URL, "r1", "secret", nil)
	if err != nil {
		t.Fatalf("NewRosterClient: %v", err)
	}

	peers, err := client.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(peers) != 3 || peers[0] != "A" || peers[2] != "C" {
		t.Fatalf("unexpected roster: %v", peers)
	}
}

func TestRosterClient_FetchErrors(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusInternalServerError)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		code := int(status.Load())
		w.WriteHeader(code)
		if code == http.StatusOK {
			_, _ = w.Write([]byte(`not json`))
		}
	}))
	t.Cleanup(server.Close)

	client, err := NewRosterClient(server.URL, "r1", "", nil)
	if err != nil {
		t.Fatalf("NewRosterClient: %v", err)
	}

	if _, err := client.Fetch(context.Background()); err == nil {
		t.Fatalf("expected error for 500 response")
	}

	status.Store(http.StatusOK)
	if _, err := client.Fetch(context.Background()); err == nil {
		t.Fatalf("expected error for malformed body")
	}
}

func TestRosterClient_PollDeliversAndStops(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"peers": ["A", "B"]}`))
	}))
	t.Cleanup(server.Close)

	client, err := NewRosterClient(server.URL, "r1", "", nil)
	if err != nil {
		t.Fatalf("NewRosterClient: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan []string, 1)
	done := make(chan error, 1)
	go func() {
		done <- client.Poll(ctx, 10*time.Millisecond, func(peers []string) {
			select {
			case got <- peers:
			default:
			}
		})
	}()

	select {
	case peers := <-got:
		if len(peers) != 2 {
			t.Fatalf("unexpected roster: %v", peers)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("poll callback never fired")
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("Poll returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Poll did not stop after cancel")
	}
}
