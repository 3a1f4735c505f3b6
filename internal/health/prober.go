package health

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Prober schedules one probe per tracked backend every interval. A probe is a
// GET to backend+health_path with a hard timeout; any status in 2xx/3xx within
// the deadline counts as success. A tick skips backends whose previous probe
// is still running.
type Prober struct {
	tracker  *Tracker
	client   *http.Client
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
}

// NewProber builds a prober over the given tracker.
func NewProber(tracker *Tracker, interval, timeout time.Duration, logger *zap.Logger) *Prober {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{
		tracker: tracker,
		client: &http.Client{
			// Probes must not chase redirects: a 3xx is already a success.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		interval: interval,
		timeout:  timeout,
		logger:   logger,
	}
}

// Run probes until ctx is cancelled. The first tick fires after one interval
// so the listener is up before probes start.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Prober) tick(ctx context.Context) {
	for _, b := range p.tracker.Backends() {
		if !b.probing.CompareAndSwap(false, true) {
			continue // previous probe still outstanding
		}
		go func(b *Backend) {
			defer b.probing.Store(false)
			ok := p.probe(ctx, b)
			select {
			case <-ctx.Done():
			default:
				p.tracker.Report(b.URL(), ok)
			}
		}(b)
	}
}

func (p *Prober) probe(ctx context.Context, b *Backend) bool {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	url := b.URL() + b.HealthPath()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
	if err != nil {
		p.logger.Error("building health probe request", zap.String("url", url), zap.Error(err))
		return false
	}
	res, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("health probe failed", zap.String("url", url), zap.Error(err))
		return false
	}
	defer res.Body.Close()

	ok := res.StatusCode >= 200 && res.StatusCode < 400
	if !ok {
		p.logger.Debug("health probe returned non-success",
			zap.String("url", url), zap.Int("status", res.StatusCode))
	}
	return ok
}
