package ratelimit

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/longcipher/axon/internal/config"
)

const (
	sweepInterval = time.Minute
	minIdleBound  = 5 * time.Minute
	idleFactor    = 10
)

// Registry maps limiter ids (route prefixes) to configured limiters. It is
// immutable after construction; a config reload builds a fresh registry and
// the snapshot swap retires this one. Close stops the background sweeper.
type Registry struct {
	limiters map[string]*RouteLimiter
	stop     chan struct{}
	stopOnce sync.Once
	logger   *zap.Logger
}

// NewRegistry builds limiters for every configured route and starts the idle
// sweeper.
func NewRegistry(cfgs map[string]config.RateLimit, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		limiters: make(map[string]*RouteLimiter, len(cfgs)),
		stop:     make(chan struct{}),
		logger:   logger,
	}
	for id, cfg := range cfgs {
		r.limiters[id] = New(cfg)
		logger.Debug("rate limiter configured",
			zap.String("route", id),
			zap.String("algorithm", cfg.Algorithm),
			zap.String("by", cfg.By),
			zap.Int("requests", cfg.Requests),
			zap.Duration("period", cfg.PeriodDur))
	}
	if len(r.limiters) > 0 {
		go r.sweep()
	}
	return r
}

// Get returns the limiter for id, or nil when the route is unlimited.
func (r *Registry) Get(id string) *RouteLimiter {
	if id == "" {
		return nil
	}
	return r.limiters[id]
}

// Close stops the sweeper. Safe to call more than once.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// sweep evicts keyed state idle for longer than max(10*period, 5min). The
// eviction walks concurrent maps and never blocks admission.
func (r *Registry) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			for _, l := range r.limiters {
				maxIdle := idleFactor * l.Period()
				if maxIdle < minIdleBound {
					maxIdle = minIdleBound
				}
				l.Sweep(maxIdle)
			}
		}
	}
}
