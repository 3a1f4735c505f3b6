package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/longcipher/axon/internal/config"
)

func rlConfig(algorithm, by string, requests int, period time.Duration) config.RateLimit {
	return config.RateLimit{
		By:         by,
		Requests:   requests,
		Period:     period.String(),
		PeriodDur:  period,
		BurstSize:  requests,
		Algorithm:  algorithm,
		StatusCode: 429,
		Message:    "Too Many Requests",
	}
}

func newRequest(remote string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/rl/", nil)
	r.RemoteAddr = remote
	return r
}

func TestTokenBucket_QuotaThenDeny(t *testing.T) {
	l := New(rlConfig("token_bucket", "ip", 3, 2*time.Second))
	r := newRequest("10.0.0.1:1234")

	for i := 0; i < 3; i++ {
		d := l.Check(r)
		require.True(t, d.Allowed, "request %d within quota must pass", i+1)
	}
	d := l.Check(r)
	require.False(t, d.Allowed, "request over quota must be denied")
	assert.Equal(t, 429, d.Status)
	assert.Equal(t, "Too Many Requests", d.Message)
}

func TestTokenBucket_RefillsAfterIdle(t *testing.T) {
	l := New(rlConfig("token_bucket", "route", 2, 200*time.Millisecond))
	r := newRequest("10.0.0.1:1")

	require.True(t, l.Check(r).Allowed)
	require.True(t, l.Check(r).Allowed)
	require.False(t, l.Check(r).Allowed)

	time.Sleep(250 * time.Millisecond)
	require.True(t, l.Check(r).Allowed, "idle gap of >= period must restore quota")
	require.True(t, l.Check(r).Allowed)
}

func TestTokenBucket_KeysAreIndependent(t *testing.T) {
	l := New(rlConfig("token_bucket", "ip", 1, time.Minute))

	require.True(t, l.Check(newRequest("10.0.0.1:1")).Allowed)
	require.False(t, l.Check(newRequest("10.0.0.1:2")).Allowed, "same peer IP shares state")
	require.True(t, l.Check(newRequest("10.0.0.2:1")).Allowed, "different peer is independent")
}

func TestFixedWindow_ResetsAtBoundary(t *testing.T) {
	period := 300 * time.Millisecond
	l := New(rlConfig("fixed_window", "route", 2, period))
	r := newRequest("10.0.0.1:1")

	// Land just after a window boundary so all three checks share a window.
	now := time.Now()
	boundary := alignedStart(now, period) + period.Nanoseconds()
	time.Sleep(time.Duration(boundary-now.UnixNano()) + 10*time.Millisecond)

	require.True(t, l.Check(r).Allowed)
	require.True(t, l.Check(r).Allowed)
	require.False(t, l.Check(r).Allowed)

	time.Sleep(period)
	require.True(t, l.Check(r).Allowed, "new window must reset the counter")
}

func TestSlidingWindow_DeniesOverQuota(t *testing.T) {
	l := New(rlConfig("sliding_window", "route", 3, time.Minute))
	r := newRequest("10.0.0.1:1")

	for i := 0; i < 3; i++ {
		require.True(t, l.Check(r).Allowed)
	}
	require.False(t, l.Check(r).Allowed)
}

func TestSlidingWindow_PreviousWindowWeighs(t *testing.T) {
	// Fill a window, then just past the boundary the previous counter still
	// weighs in scaled by the unelapsed fraction, so a full fresh quota is
	// not available.
	period := 300 * time.Millisecond
	sw := newSlidingWindow(4, period)

	// Align to just after a window start so the fills land in one window.
	now := time.Now()
	boundary := alignedStart(now, period) + period.Nanoseconds()
	time.Sleep(time.Duration(boundary-now.UnixNano()) + 10*time.Millisecond)

	for i := 0; i < 4; i++ {
		require.True(t, sw.Allow("k"), "fill %d", i)
	}
	require.False(t, sw.Allow("k"))

	// Cross into the next window (still in its first half): admissions must
	// stay below the full quota because prev*(1-elapsed/P) carries over.
	now = time.Now()
	boundary = alignedStart(now, period) + period.Nanoseconds()
	time.Sleep(time.Duration(boundary-now.UnixNano()) + 10*time.Millisecond)

	admitted := 0
	for i := 0; i < 4; i++ {
		if sw.Allow("k") {
			admitted++
		}
	}
	require.Less(t, admitted, 4, "boundary must not grant a full fresh quota")

	// After a gap of more than one full window everything is forgotten.
	time.Sleep(2 * period)
	require.True(t, sw.Allow("k"))
}

func TestHeaderKey_MissingHeaderDenies(t *testing.T) {
	cfg := rlConfig("token_bucket", "header", 100, time.Minute)
	cfg.HeaderName = "X-Api-Key"
	l := New(cfg)

	r := newRequest("10.0.0.1:1")
	d := l.Check(r)
	require.False(t, d.Allowed, "absent header must deny regardless of quota")
	assert.Equal(t, 429, d.Status)

	r.Header.Set("X-Api-Key", "abc")
	require.True(t, l.Check(r).Allowed)
}

func TestHeaderKey_ValuesAreIndependent(t *testing.T) {
	cfg := rlConfig("fixed_window", "header", 1, time.Minute)
	cfg.HeaderName = "X-Api-Key"
	l := New(cfg)

	a := newRequest("10.0.0.1:1")
	a.Header.Set("X-Api-Key", "a")
	b := newRequest("10.0.0.1:1")
	b.Header.Set("X-Api-Key", "b")

	require.True(t, l.Check(a).Allowed)
	require.False(t, l.Check(a).Allowed)
	require.True(t, l.Check(b).Allowed)
}

func TestSweep_EvictsIdleKeys(t *testing.T) {
	tb := newTokenBucket(1, 1, time.Second)
	tb.Allow("stale")
	time.Sleep(20 * time.Millisecond)
	tb.Allow("fresh")

	tb.Sweep(10 * time.Millisecond)

	_, stale := tb.entries.Load("stale")
	_, fresh := tb.entries.Load("fresh")
	assert.False(t, stale, "idle entry must be evicted")
	assert.True(t, fresh, "recently used entry must survive")
}

func TestRegistry_GetAndClose(t *testing.T) {
	cfgs := map[string]config.RateLimit{
		"/api/": rlConfig("token_bucket", "ip", 10, time.Second),
	}
	reg := NewRegistry(cfgs, nil)
	defer reg.Close()

	require.NotNil(t, reg.Get("/api/"))
	require.Nil(t, reg.Get(""))
	require.Nil(t, reg.Get("/other/"))

	reg.Close() // second close is a no-op
}
