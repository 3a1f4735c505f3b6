package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestProber_FlipsFailingBackendUnhealthy(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("probe hit %s, want /health", r.URL.Path)
		}
		w.WriteHeader(int(status.Load()))
	}))
	defer backend.Close()

	tr := NewTracker(nil, nil)
	tr.Sync(map[string]string{backend.URL: "/health"}, Thresholds{Unhealthy: 2, Healthy: 2})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	prober := NewProber(tr, 20*time.Millisecond, time.Second, nil)
	go prober.Run(ctx)

	// Healthy while probes succeed.
	time.Sleep(80 * time.Millisecond)
	require.True(t, tr.IsHealthy(backend.URL))

	// Start failing: after unhealthy_threshold consecutive probe failures the
	// backend flips.
	status.Store(http.StatusNotFound)
	require.Eventually(t, func() bool {
		return !tr.IsHealthy(backend.URL)
	}, 2*time.Second, 10*time.Millisecond, "backend must flip unhealthy")

	// Recover: healthy_threshold consecutive successes flip it back.
	status.Store(http.StatusOK)
	require.Eventually(t, func() bool {
		return tr.IsHealthy(backend.URL)
	}, 2*time.Second, 10*time.Millisecond, "backend must recover")
}

func TestProber_RedirectCountsAsSuccess(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/elsewhere")
		w.WriteHeader(http.StatusFound)
	}))
	defer backend.Close()

	tr := NewTracker(nil, nil)
	tr.Sync(map[string]string{backend.URL: "/health"}, Thresholds{Unhealthy: 1, Healthy: 1})

	prober := NewProber(tr, time.Hour, time.Second, nil)
	b := tr.Get(backend.URL)
	require.True(t, prober.probe(context.Background(), b), "3xx is a probe success")
}

func TestProber_ConnectErrorIsFailure(t *testing.T) {
	tr := NewTracker(nil, nil)
	tr.Sync(map[string]string{"http://127.0.0.1:1": "/health"}, Thresholds{Unhealthy: 1, Healthy: 1})

	prober := NewProber(tr, time.Hour, 200*time.Millisecond, nil)
	b := tr.Get("http://127.0.0.1:1")
	require.False(t, prober.probe(context.Background(), b))
}

func TestProber_TimeoutIsFailure(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer slow.Close()

	tr := NewTracker(nil, nil)
	tr.Sync(map[string]string{slow.URL: "/health"}, Thresholds{Unhealthy: 1, Healthy: 1})

	prober := NewProber(tr, time.Hour, 50*time.Millisecond, nil)
	b := tr.Get(slow.URL)
	require.False(t, prober.probe(context.Background(), b))
}
