// Package health tracks per-backend availability. Probe results flow through
// a single applier goroutine, so state transitions are linearizable per
// backend; readers look the backend up under a read lock and then read its
// state from atomics.
package health

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/longcipher/axon/internal/metrics"
)

// Status is the tracked availability of one backend.
type Status uint32

const (
	Healthy Status = iota
	Unhealthy
)

func (s Status) String() string {
	if s == Healthy {
		return "healthy"
	}
	return "unhealthy"
}

// Backend is the tracked state for one upstream origin. A backend starts
// Healthy so requests flow before the first probe completes.
type Backend struct {
	url        string
	healthPath string

	status          atomic.Uint32
	consecutiveOK   atomic.Uint32
	consecutiveFail atomic.Uint32

	// active proxied requests, used by the least_conn strategy
	active atomic.Int64

	// one outstanding probe per backend
	probing atomic.Bool
}

// URL returns the backend identity (scheme+authority).
func (b *Backend) URL() string { return b.url }

// HealthPath returns the probe path for this backend.
func (b *Backend) HealthPath() string { return b.healthPath }

// Status returns the current tracked state.
func (b *Backend) Status() Status { return Status(b.status.Load()) }

// Active returns the number of in-flight proxied requests.
func (b *Backend) Active() int64 { return b.active.Load() }

type result struct {
	url string
	ok  bool
}

// Thresholds is the hysteresis configuration applied to probe results.
type Thresholds struct {
	Unhealthy int // consecutive failures before Healthy -> Unhealthy
	Healthy   int // consecutive successes before Unhealthy -> Healthy
}

// Tracker owns the backend map. The map itself (and each entry's probe path)
// mutates only on config activation (Sync); health status and streak counters
// mutate only on the applier goroutine; the in-flight counter is moved by
// Acquire. Request handlers read atomics.
type Tracker struct {
	mu       sync.RWMutex
	backends map[string]*Backend

	thresholds atomic.Pointer[Thresholds]

	results chan result
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewTracker builds an empty tracker. Call Sync to populate it and Run to
// start the result applier.
func NewTracker(logger *zap.Logger, m *metrics.Metrics) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{
		backends: make(map[string]*Backend),
		results:  make(chan result, 64),
		logger:   logger,
		metrics:  m,
	}
	t.thresholds.Store(&Thresholds{Unhealthy: 3, Healthy: 2})
	return t
}

// Run applies probe results until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-t.results:
			t.apply(r)
		}
	}
}

// Sync reconciles the tracked set with the backends of a newly activated
// config: url -> probe path. New entries start Healthy; entries for backends
// no longer referenced are dropped.
func (t *Tracker) Sync(backends map[string]string, th Thresholds) {
	t.thresholds.Store(&th)

	t.mu.Lock()
	defer t.mu.Unlock()
	for url, path := range backends {
		if b, ok := t.backends[url]; ok {
			b.healthPath = path
			continue
		}
		b := &Backend{url: url, healthPath: path}
		t.backends[url] = b
		if t.metrics != nil {
			t.metrics.SetBackendHealth(url, true)
		}
	}
	for url := range t.backends {
		if _, ok := backends[url]; !ok {
			delete(t.backends, url)
			if t.metrics != nil {
				t.metrics.RemoveBackend(url)
			}
		}
	}
}

// Report publishes one probe outcome to the applier. If the applier has
// stopped and the buffer is full the result is dropped; the next tick
// re-observes the backend anyway.
func (t *Tracker) Report(url string, ok bool) {
	select {
	case t.results <- result{url: url, ok: ok}:
	default:
	}
}

// Get returns the tracked backend for url, or nil.
func (t *Tracker) Get(url string) *Backend {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.backends[url]
}

// IsHealthy reports whether url is currently Healthy. Unknown backends are
// treated as Healthy (fail open).
func (t *Tracker) IsHealthy(url string) bool {
	b := t.Get(url)
	return b == nil || b.Status() == Healthy
}

// Backends snapshots the tracked set for probing and status reporting.
func (t *Tracker) Backends() []*Backend {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Backend, 0, len(t.backends))
	for _, b := range t.backends {
		out = append(out, b)
	}
	return out
}

// Counts returns (healthy, total) over the tracked set.
func (t *Tracker) Counts() (healthy, total int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, b := range t.backends {
		total++
		if b.Status() == Healthy {
			healthy++
		}
	}
	return healthy, total
}

// Active returns the number of in-flight proxied requests against url.
func (t *Tracker) Active(url string) int64 {
	if b := t.Get(url); b != nil {
		return b.Active()
	}
	return 0
}

// Acquire marks one in-flight proxied request against url. The returned
// release func is nil-safe for untracked backends.
func (t *Tracker) Acquire(url string) func() {
	b := t.Get(url)
	if b == nil {
		return func() {}
	}
	b.active.Add(1)
	return func() { b.active.Add(-1) }
}

// apply runs the hysteresis state machine for one probe result. Single
// caller: the Run goroutine.
func (t *Tracker) apply(r result) {
	b := t.Get(r.url)
	if b == nil {
		return // backend dropped by a reload while the probe was in flight
	}
	th := t.thresholds.Load()

	switch b.Status() {
	case Healthy:
		if r.ok {
			b.consecutiveFail.Store(0)
			b.consecutiveOK.Add(1)
			return
		}
		fails := b.consecutiveFail.Add(1)
		if int(fails) >= th.Unhealthy {
			b.status.Store(uint32(Unhealthy))
			b.consecutiveFail.Store(0)
			b.consecutiveOK.Store(0)
			t.logger.Warn("backend transitioned to unhealthy",
				zap.String("backend", b.url),
				zap.Uint32("consecutive_failures", fails))
			if t.metrics != nil {
				t.metrics.SetBackendHealth(b.url, false)
			}
		}

	case Unhealthy:
		if !r.ok {
			b.consecutiveOK.Store(0)
			return
		}
		oks := b.consecutiveOK.Add(1)
		if int(oks) >= th.Healthy {
			b.status.Store(uint32(Healthy))
			b.consecutiveOK.Store(0)
			b.consecutiveFail.Store(0)
			t.logger.Info("backend transitioned to healthy",
				zap.String("backend", b.url),
				zap.Uint32("consecutive_successes", oks))
			if t.metrics != nil {
				t.metrics.SetBackendHealth(b.url, true)
			}
		}
	}
}
