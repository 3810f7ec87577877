package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPrometheusHandler_RendersSortedCounters(t *testing.T) {
	m := New()
	m.Inc(EnvelopesIn)
	m.Inc(EnvelopesIn)
	m.Inc(PeersCreated)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	PrometheusHandler(m).ServeHTTP(rec, req)

	res := rec.Result()
	defer res.Body.Close()
	if res.StatusCode != 200 {
		t.Fatalf("status=%d, want 200", res.StatusCode)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}

	out := string(body)
	if !strings.Contains(out, `quadcall_events_total{event="envelopes_in"} 2`) {
		t.Fatalf("missing envelopes_in counter in output:\n%s", out)
	}
	if !strings.Contains(out, `quadcall_events_total{event="peers_created"} 1`) {
		t.Fatalf("missing peers_created counter in output:\n%s", out)
	}
	if !strings.Contains(out, "# TYPE quadcall_events_total counter") {
		t.Fatalf("missing TYPE header in output:\n%s", out)
	}
}

func TestPrometheusHandler_NilMetrics(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	PrometheusHandler(nil).ServeHTTP(rec, req)
	if rec.Result().StatusCode != 500 {
		t.Fatalf("status=%d, want 500", rec.Result().StatusCode)
	}
}
