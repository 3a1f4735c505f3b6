package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"
)

// fixedWindow counts requests in period-aligned intervals; the counter resets
// at the start of each interval.
type fixedWindow struct {
	quota  int
	period time.Duration

	entries sync.Map // key -> *windowEntry
}

type windowEntry struct {
	mu          sync.Mutex
	windowStart int64 // unix nanos, aligned to period
	count       int
	lastSeen    atomic.Int64
}

func newFixedWindow(quota int, period time.Duration) *fixedWindow {
	return &fixedWindow{quota: quota, period: period}
}

func alignedStart(now time.Time, period time.Duration) int64 {
	p := period.Nanoseconds()
	return (now.UnixNano() / p) * p
}

func (f *fixedWindow) Allow(key string) bool {
	now := time.Now()
	v, ok := f.entries.Load(key)
	if !ok {
		v, _ = f.entries.LoadOrStore(key, &windowEntry{})
	}
	e := v.(*windowEntry)
	e.lastSeen.Store(now.UnixNano())

	start := alignedStart(now, f.period)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.windowStart != start {
		e.windowStart = start
		e.count = 0
	}
	if e.count >= f.quota {
		return false
	}
	e.count++
	return true
}

func (f *fixedWindow) Sweep(maxIdle time.Duration) {
	cutoff := time.Now().Add(-maxIdle).UnixNano()
	f.entries.Range(func(key, v any) bool {
		if v.(*windowEntry).lastSeen.Load() < cutoff {
			f.entries.Delete(key)
		}
		return true
	})
}

func (f *fixedWindow) Period() time.Duration { return f.period }
