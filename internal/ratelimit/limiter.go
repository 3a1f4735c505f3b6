// Package ratelimit provides per-route keyed admission control with three
// algorithms: token bucket, fixed window and sliding window. Keyed state is
// bounded by an idle sweeper that never blocks admission decisions.
package ratelimit

import (
	"net"
	"net/http"
	"time"

	"github.com/longcipher/axon/internal/config"
)

// Limiter is one admission algorithm over keyed state.
type Limiter interface {
	// Allow consumes one unit for key and reports whether the request is
	// admitted.
	Allow(key string) bool

	// Sweep drops keyed state untouched for longer than maxIdle.
	Sweep(maxIdle time.Duration)

	// Period returns the configured window, used to size the idle bound.
	Period() time.Duration
}

// Decision is the outcome of checking one request against a route limiter.
type Decision struct {
	Allowed bool
	Status  int
	Message string
}

var allowed = Decision{Allowed: true}

// RouteLimiter binds an algorithm to a key extractor and the configured
// rejection response.
type RouteLimiter struct {
	limiter    Limiter
	by         string
	headerName string
	status     int
	message    string
}

// New builds a route limiter from a validated config entry.
func New(cfg config.RateLimit) *RouteLimiter {
	var lim Limiter
	switch cfg.Algorithm {
	case "fixed_window":
		lim = newFixedWindow(cfg.Requests, cfg.PeriodDur)
	case "sliding_window":
		lim = newSlidingWindow(cfg.Requests, cfg.PeriodDur)
	default:
		lim = newTokenBucket(cfg.Requests, cfg.BurstSize, cfg.PeriodDur)
	}
	return &RouteLimiter{
		limiter:    lim,
		by:         cfg.By,
		headerName: cfg.HeaderName,
		status:     cfg.StatusCode,
		message:    cfg.Message,
	}
}

// Check admits or rejects one request. A header-keyed limiter with the header
// absent denies unconditionally.
func (l *RouteLimiter) Check(r *http.Request) Decision {
	var key string
	switch l.by {
	case "ip":
		key = peerIP(r)
	case "header":
		key = r.Header.Get(l.headerName)
		if key == "" {
			return Decision{Allowed: false, Status: l.status, Message: l.message}
		}
	default: // route: one shared state
	}

	if l.limiter.Allow(key) {
		return allowed
	}
	return Decision{Allowed: false, Status: l.status, Message: l.message}
}

// Sweep forwards to the underlying algorithm.
func (l *RouteLimiter) Sweep(maxIdle time.Duration) { l.limiter.Sweep(maxIdle) }

// Period returns the limiter window.
func (l *RouteLimiter) Period() time.Duration { return l.limiter.Period() }

// peerIP keys on the connection peer address, not forwarded headers: the
// limiter guards this hop.
func peerIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
