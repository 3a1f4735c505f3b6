// Package track counts live connections and in-flight requests. The request
// counter doubles as the graceful-shutdown drain barrier.
package track

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/longcipher/axon/internal/metrics"
)

// ShutdownToken is a one-shot broadcast: writers signal once, readers wait.
type ShutdownToken struct {
	ch   chan struct{}
	once sync.Once
}

// NewShutdownToken builds an unsignalled token.
func NewShutdownToken() *ShutdownToken {
	return &ShutdownToken{ch: make(chan struct{})}
}

// Signal fires the broadcast. Subsequent calls are no-ops.
func (t *ShutdownToken) Signal() {
	t.once.Do(func() { close(t.ch) })
}

// Done returns a channel closed once Signal has been called.
func (t *ShutdownToken) Done() <-chan struct{} { return t.ch }

// Triggered reports whether Signal has been called.
func (t *ShutdownToken) Triggered() bool {
	select {
	case <-t.ch:
		return true
	default:
		return false
	}
}

// Tracker keeps the active connection and request gauges current and lets
// shutdown wait for in-flight work.
type Tracker struct {
	conns    atomic.Int64
	requests atomic.Int64
	metrics  *metrics.Metrics
}

// NewTracker builds a tracker; m may be nil in tests.
func NewTracker(m *metrics.Metrics) *Tracker {
	return &Tracker{metrics: m}
}

// ConnState plugs into http.Server.ConnState.
func (t *Tracker) ConnState(_ net.Conn, state http.ConnState) {
	switch state {
	case http.StateNew:
		t.conns.Add(1)
		if t.metrics != nil {
			t.metrics.IncActiveConnections()
		}
	case http.StateClosed, http.StateHijacked:
		t.conns.Add(-1)
		if t.metrics != nil {
			t.metrics.DecActiveConnections()
		}
	}
}

// BeginRequest registers one in-flight request and returns its release func.
// Release is idempotent.
func (t *Tracker) BeginRequest() func() {
	t.requests.Add(1)
	if t.metrics != nil {
		t.metrics.IncActiveRequests()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			t.requests.Add(-1)
			if t.metrics != nil {
				t.metrics.DecActiveRequests()
			}
		})
	}
}

// ActiveRequests returns the in-flight request count.
func (t *Tracker) ActiveRequests() int64 { return t.requests.Load() }

// ActiveConnections returns the live connection count.
func (t *Tracker) ActiveConnections() int64 { return t.conns.Load() }

// Drain blocks until the in-flight request count reaches zero or ctx expires.
// Returns true when fully drained.
func (t *Tracker) Drain(ctx context.Context) bool {
	if t.requests.Load() == 0 {
		return true
	}
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return t.requests.Load() == 0
		case <-ticker.C:
			if t.requests.Load() == 0 {
				return true
			}
		}
	}
}
