// Package lb selects an upstream for proxy and load_balance routes.
package lb

import (
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/longcipher/axon/internal/model"
)

// ErrNoBackends is returned when a route has no targets at all. The handler
// maps it to 502.
var ErrNoBackends = errors.New("no backends available")

// Health is the view of backend state the picker needs. *health.Tracker
// satisfies it.
type Health interface {
	// IsHealthy reports whether url is currently usable; unknown urls are
	// healthy (fail open).
	IsHealthy(url string) bool
	// Active returns the number of in-flight requests against url.
	Active(url string) int64
}

// Picker applies the route's strategy over the healthy subset of its targets.
// Round-robin counters are keyed by route prefix and live for the process, so
// a config reload does not reset the rotation.
type Picker struct {
	counters sync.Map // prefix -> *atomic.Uint64
}

// NewPicker builds an empty picker.
func NewPicker() *Picker { return &Picker{} }

// Pick returns the backend URL for one request. Targets with tracked state
// Unhealthy are filtered out first; if that leaves nothing, the full list is
// used (best effort beats strict starvation).
func (p *Picker) Pick(route *model.Route, tracker Health) (string, error) {
	targets := route.Backends()
	if len(targets) == 0 {
		return "", ErrNoBackends
	}

	healthy := targets[:0:0]
	for _, t := range targets {
		if tracker == nil || tracker.IsHealthy(t) {
			healthy = append(healthy, t)
		}
	}
	if len(healthy) == 0 {
		healthy = targets
	}
	if len(healthy) == 1 {
		return healthy[0], nil
	}

	switch route.Strategy {
	case model.StrategyRandom:
		return healthy[rand.IntN(len(healthy))], nil

	case model.StrategyLeastConn:
		best := healthy[0]
		min := activeCount(tracker, best)
		for _, t := range healthy[1:] {
			if a := activeCount(tracker, t); a < min {
				min, best = a, t
			}
		}
		return best, nil

	default: // round_robin
		n := p.counter(route.Prefix).Add(1) - 1
		return healthy[n%uint64(len(healthy))], nil
	}
}

func (p *Picker) counter(prefix string) *atomic.Uint64 {
	if c, ok := p.counters.Load(prefix); ok {
		return c.(*atomic.Uint64)
	}
	c, _ := p.counters.LoadOrStore(prefix, new(atomic.Uint64))
	return c.(*atomic.Uint64)
}

func activeCount(tracker Health, url string) int64 {
	if tracker == nil {
		return 0
	}
	return tracker.Active(url)
}
