package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// tokenBucket keys smooth token buckets: capacity burst, refill quota/period
// tokens per second.
type tokenBucket struct {
	limit  rate.Limit
	burst  int
	period time.Duration

	entries sync.Map // key -> *bucketEntry
}

type bucketEntry struct {
	lim      *rate.Limiter
	lastSeen atomic.Int64 // unix nanos
}

func newTokenBucket(quota, burst int, period time.Duration) *tokenBucket {
	return &tokenBucket{
		limit:  rate.Limit(float64(quota) / period.Seconds()),
		burst:  burst,
		period: period,
	}
}

func (t *tokenBucket) Allow(key string) bool {
	now := time.Now()
	v, ok := t.entries.Load(key)
	if !ok {
		v, _ = t.entries.LoadOrStore(key, &bucketEntry{lim: rate.NewLimiter(t.limit, t.burst)})
	}
	e := v.(*bucketEntry)
	e.lastSeen.Store(now.UnixNano())
	return e.lim.AllowN(now, 1)
}

func (t *tokenBucket) Sweep(maxIdle time.Duration) {
	cutoff := time.Now().Add(-maxIdle).UnixNano()
	t.entries.Range(func(key, v any) bool {
		if v.(*bucketEntry).lastSeen.Load() < cutoff {
			t.entries.Delete(key)
		}
		return true
	})
}

func (t *tokenBucket) Period() time.Duration { return t.period }
