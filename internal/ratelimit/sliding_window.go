package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"
)

// slidingWindow weights the previous interval's count by the unelapsed
// fraction of the current one, smoothing the boundary burst a fixed window
// permits.
type slidingWindow struct {
	quota  int
	period time.Duration

	entries sync.Map // key -> *slidingEntry
}

type slidingEntry struct {
	mu          sync.Mutex
	windowStart int64 // unix nanos, aligned to period
	current     int
	previous    int
	lastSeen    atomic.Int64
}

func newSlidingWindow(quota int, period time.Duration) *slidingWindow {
	return &slidingWindow{quota: quota, period: period}
}

func (s *slidingWindow) Allow(key string) bool {
	now := time.Now()
	v, ok := s.entries.Load(key)
	if !ok {
		v, _ = s.entries.LoadOrStore(key, &slidingEntry{})
	}
	e := v.(*slidingEntry)
	e.lastSeen.Store(now.UnixNano())

	start := alignedStart(now, s.period)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.windowStart != start {
		if e.windowStart == start-s.period.Nanoseconds() {
			e.previous = e.current
		} else {
			// Gap of more than one whole window: nothing carries over.
			e.previous = 0
		}
		e.current = 0
		e.windowStart = start
	}

	elapsed := float64(now.UnixNano()-start) / float64(s.period.Nanoseconds())
	weighted := float64(e.previous)*(1-elapsed) + float64(e.current)
	if weighted >= float64(s.quota) {
		return false
	}
	e.current++
	return true
}

func (s *slidingWindow) Sweep(maxIdle time.Duration) {
	cutoff := time.Now().Add(-maxIdle).UnixNano()
	s.entries.Range(func(key, v any) bool {
		if v.(*slidingEntry).lastSeen.Load() < cutoff {
			s.entries.Delete(key)
		}
		return true
	})
}

func (s *slidingWindow) Period() time.Duration { return s.period }
