package gateway

import (
	"sync/atomic"

	"github.com/longcipher/axon/internal/config"
	"github.com/longcipher/axon/internal/health"
	"github.com/longcipher/axon/internal/ratelimit"
	"github.com/longcipher/axon/internal/router"
)

// Snapshot is one immutable routing generation: the route table, the limiter
// registry built for it, a handle to the (long-lived) health tracker and the
// config it came from.
type Snapshot struct {
	Table    *router.Table
	Limiters *ratelimit.Registry
	Health   *health.Tracker
	Cfg      *config.Config
}

// Registry holds the current snapshot behind an atomic pointer. Handlers load
// it once per request and keep that generation until they finish; Publish
// swaps without blocking readers.
type Registry struct {
	cur atomic.Pointer[Snapshot]
}

// NewRegistry starts empty; Publish the first snapshot before serving.
func NewRegistry() *Registry { return &Registry{} }

// Load returns the current snapshot.
func (r *Registry) Load() *Snapshot { return r.cur.Load() }

// Publish swaps in next and returns the previous snapshot (nil on first use).
func (r *Registry) Publish(next *Snapshot) *Snapshot {
	return r.cur.Swap(next)
}
