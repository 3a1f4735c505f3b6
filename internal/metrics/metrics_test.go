package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func exposition(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics endpoint: %d", rec.Code)
	}
	return rec.Body.String()
}

func TestRecordRequest(t *testing.T) {
	m := New()
	m.RecordRequest("/api/", http.MethodGet, 200, 0.01)
	m.RecordRequest("/api/", http.MethodGet, 200, 0.02)
	m.RecordRequest(UnmatchedPath, http.MethodGet, 404, 0.001)

	out := exposition(t, m)
	for _, want := range []string{
		`axon_requests_total{method="GET",path="/api/",status="200"} 2`,
		`axon_requests_total{method="GET",path="unmatched",status="404"} 1`,
		`axon_request_duration_seconds_count{method="GET",path="/api/"} 2`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestBackendHealthGauge(t *testing.T) {
	m := New()
	m.SetBackendHealth("http://b1:1", true)
	m.SetBackendHealth("http://b2:2", false)

	out := exposition(t, m)
	if !strings.Contains(out, `axon_backend_health_status{backend="http://b1:1"} 1`) {
		t.Error("healthy gauge missing")
	}
	if !strings.Contains(out, `axon_backend_health_status{backend="http://b2:2"} 0`) {
		t.Error("unhealthy gauge missing")
	}

	m.RemoveBackend("http://b2:2")
	out = exposition(t, m)
	if strings.Contains(out, `backend="http://b2:2"`) {
		t.Error("removed backend series must disappear")
	}
}

func TestGaugesAndCounters(t *testing.T) {
	m := New()
	m.IncActiveConnections()
	m.IncActiveRequests()
	m.RateLimited("/rl/")
	m.WebsocketSession()
	m.WebsocketMessage("ingress", "text", 11)
	m.WebsocketClose(1000)
	m.ConfigReload("applied")

	out := exposition(t, m)
	for _, want := range []string{
		"axon_active_connections 1",
		"axon_active_requests 1",
		`axon_rate_limited_total{path="/rl/"} 1`,
		"axon_websocket_connections_total 1",
		`axon_websocket_messages_total{direction="ingress",opcode="text"} 1`,
		`axon_websocket_bytes_total{direction="ingress"} 11`,
		`axon_websocket_close_codes_total{code="1000"} 1`,
		`axon_config_reloads_total{outcome="applied"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("exposition missing %q", want)
		}
	}

	m.DecActiveConnections()
	m.DecActiveRequests()
	out = exposition(t, m)
	if !strings.Contains(out, "axon_active_connections 0") {
		t.Error("gauge must decrement")
	}
}
