package health

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func syncedTracker(t *testing.T, urls ...string) *Tracker {
	t.Helper()
	tr := NewTracker(nil, nil)
	backends := make(map[string]string, len(urls))
	for _, u := range urls {
		backends[u] = "/health"
	}
	tr.Sync(backends, Thresholds{Unhealthy: 3, Healthy: 2})
	return tr
}

func TestTracker_InitialStateHealthy(t *testing.T) {
	tr := syncedTracker(t, "http://b1:1")
	require.True(t, tr.IsHealthy("http://b1:1"), "backends start healthy (fail open)")
	require.True(t, tr.IsHealthy("http://unknown:9"), "unknown backends are treated as healthy")
}

func TestTracker_UnhealthyAfterThreshold(t *testing.T) {
	tr := syncedTracker(t, "http://b1:1")

	tr.apply(result{url: "http://b1:1", ok: false})
	tr.apply(result{url: "http://b1:1", ok: false})
	require.True(t, tr.IsHealthy("http://b1:1"), "below threshold must not flip")

	tr.apply(result{url: "http://b1:1", ok: false})
	require.False(t, tr.IsHealthy("http://b1:1"), "threshold reached must flip to unhealthy")
}

func TestTracker_SuccessResetsFailureStreak(t *testing.T) {
	tr := syncedTracker(t, "http://b1:1")

	tr.apply(result{url: "http://b1:1", ok: false})
	tr.apply(result{url: "http://b1:1", ok: false})
	tr.apply(result{url: "http://b1:1", ok: true}) // breaks the streak
	tr.apply(result{url: "http://b1:1", ok: false})
	tr.apply(result{url: "http://b1:1", ok: false})
	require.True(t, tr.IsHealthy("http://b1:1"), "non-consecutive failures must not flip")
}

func TestTracker_RecoveryHysteresis(t *testing.T) {
	tr := syncedTracker(t, "http://b1:1")
	for i := 0; i < 3; i++ {
		tr.apply(result{url: "http://b1:1", ok: false})
	}
	require.False(t, tr.IsHealthy("http://b1:1"))

	tr.apply(result{url: "http://b1:1", ok: true})
	require.False(t, tr.IsHealthy("http://b1:1"), "one success is below healthy threshold")

	// A failure while unhealthy resets the success streak.
	tr.apply(result{url: "http://b1:1", ok: false})
	tr.apply(result{url: "http://b1:1", ok: true})
	require.False(t, tr.IsHealthy("http://b1:1"))

	tr.apply(result{url: "http://b1:1", ok: true})
	require.True(t, tr.IsHealthy("http://b1:1"), "healthy threshold reached must flip back")
}

func TestTracker_SyncAddsAndRemoves(t *testing.T) {
	tr := syncedTracker(t, "http://b1:1", "http://b2:2")
	_, total := tr.Counts()
	require.Equal(t, 2, total)

	// Drive b1 unhealthy, then re-sync keeping b1 and dropping b2.
	for i := 0; i < 3; i++ {
		tr.apply(result{url: "http://b1:1", ok: false})
	}
	tr.Sync(map[string]string{"http://b1:1": "/healthz", "http://b3:3": "/health"},
		Thresholds{Unhealthy: 3, Healthy: 2})

	healthy, total := tr.Counts()
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, healthy, "surviving entry keeps its state across sync")
	assert.False(t, tr.IsHealthy("http://b1:1"))
	assert.Nil(t, tr.Get("http://b2:2"), "unreferenced backend must be dropped")
	require.NotNil(t, tr.Get("http://b1:1"))
	assert.Equal(t, "/healthz", tr.Get("http://b1:1").HealthPath())
}

func TestTracker_ResultForDroppedBackendIgnored(t *testing.T) {
	tr := syncedTracker(t, "http://b1:1")
	tr.apply(result{url: "http://gone:9", ok: false}) // must not panic
}

func TestTracker_AcquireRelease(t *testing.T) {
	tr := syncedTracker(t, "http://b1:1")
	release := tr.Acquire("http://b1:1")
	require.EqualValues(t, 1, tr.Active("http://b1:1"))
	release()
	require.EqualValues(t, 0, tr.Active("http://b1:1"))

	// untracked backend: release is a no-op
	tr.Acquire("http://gone:9")()
}
