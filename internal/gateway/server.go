package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/longcipher/axon/internal/config"
	"github.com/longcipher/axon/internal/forward"
	"github.com/longcipher/axon/internal/health"
	"github.com/longcipher/axon/internal/lb"
	"github.com/longcipher/axon/internal/metrics"
	"github.com/longcipher/axon/internal/proxy"
	"github.com/longcipher/axon/internal/ratelimit"
	"github.com/longcipher/axon/internal/router"
	"github.com/longcipher/axon/internal/track"
)

// ErrBind marks listener setup failures so main can map them to exit code 2.
var ErrBind = errors.New("bind failure")

// Server owns the listener, the snapshot lifecycle and graceful shutdown.
type Server struct {
	gw         *Gateway
	snapshots  *Registry
	healthT    *health.Tracker
	tracker    *track.Tracker
	shutdown   *track.ShutdownToken
	transports *forward.Registry
	metrics    *metrics.Metrics
	logger     *zap.Logger

	mu           sync.Mutex
	proberCancel context.CancelFunc
	rootCtx      context.Context
}

// NewServer assembles all gateway components around an initial config.
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := metrics.New()
	tracker := track.NewTracker(m)
	healthT := health.NewTracker(logger, m)
	shutdown := track.NewShutdownToken()
	transports := forward.NewDefaultRegistry()
	snapshots := NewRegistry()

	engine := proxy.NewEngine(transports, m, logger)
	ws := proxy.NewWebsocketProxy(m, logger)
	gw := New(snapshots, lb.NewPicker(), engine, ws, tracker, m, shutdown, logger)

	s := &Server{
		gw:         gw,
		snapshots:  snapshots,
		healthT:    healthT,
		tracker:    tracker,
		shutdown:   shutdown,
		transports: transports,
		metrics:    m,
		logger:     logger,
	}
	s.activate(cfg)
	return s
}

// Reload activates a validated config. Called by the file watcher.
func (s *Server) Reload(cfg *config.Config) {
	prev := s.snapshots.Load()
	if prev != nil && prev.Cfg.ListenAddr != cfg.ListenAddr {
		s.logger.Warn("listen_addr changes require a restart; keeping current listener",
			zap.String("current", prev.Cfg.ListenAddr),
			zap.String("requested", cfg.ListenAddr))
	}
	s.activate(cfg)
	s.metrics.ConfigReload("applied")
}

// ReloadFailed records a rejected reload; the previous snapshot stays active.
func (s *Server) ReloadFailed(err error) {
	s.logger.Error("config reload rejected", zap.Error(err))
	s.metrics.ConfigReload("invalid")
}

// activate builds and publishes a new snapshot, retires the previous limiter
// registry and restarts the prober under the new health policy.
func (s *Server) activate(cfg *config.Config) {
	s.healthT.Sync(collectBackends(cfg), health.Thresholds{
		Unhealthy: cfg.HealthCheck.UnhealthyThreshold,
		Healthy:   cfg.HealthCheck.HealthyThreshold,
	})

	next := &Snapshot{
		Table:    router.New(cfg.Routes),
		Limiters: ratelimit.NewRegistry(cfg.Limiters, s.logger),
		Health:   s.healthT,
		Cfg:      cfg,
	}
	prev := s.snapshots.Publish(next)
	if prev != nil {
		prev.Limiters.Close()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proberCancel != nil {
		s.proberCancel()
		s.proberCancel = nil
	}
	if cfg.HealthCheck.Enabled && s.rootCtx != nil {
		ctx, cancel := context.WithCancel(s.rootCtx)
		s.proberCancel = cancel
		prober := health.NewProber(s.healthT, cfg.HealthCheck.Interval, cfg.HealthCheck.Timeout, s.logger)
		go prober.Run(ctx)
	}
}

// collectBackends maps every referenced backend to its probe path (per-backend
// override or the global default).
func collectBackends(cfg *config.Config) map[string]string {
	out := make(map[string]string)
	for i := range cfg.Routes {
		for _, url := range cfg.Routes[i].Backends() {
			path := cfg.HealthCheck.Path
			if override, ok := cfg.BackendHealthPaths[url]; ok {
				path = override
			}
			out[url] = path
		}
	}
	return out
}

// StartBackground launches the health applier and arms the prober. Idempotent;
// ListenAndServe calls it, and tests serving the handler directly call it too.
func (s *Server) StartBackground(ctx context.Context) {
	s.mu.Lock()
	if s.rootCtx != nil {
		s.mu.Unlock()
		return
	}
	s.rootCtx = ctx
	s.mu.Unlock()

	go s.healthT.Run(ctx)
	// Re-arm the prober now that the root context exists.
	s.activate(s.snapshots.Load().Cfg)
}

// ListenAndServe binds the listener and serves until ctx is cancelled, then
// drains in-flight requests up to the shutdown grace.
func (s *Server) ListenAndServe(ctx context.Context) error {
	cfg := s.snapshots.Load().Cfg

	// Background tasks live until shutdown completes.
	runCtx, stop := context.WithCancel(context.Background())
	defer stop()
	s.StartBackground(runCtx)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("%w: listen %s: %v", ErrBind, cfg.ListenAddr, err)
	}

	handler := http.Handler(s.gw)
	h2 := &http2.Server{}
	if cfg.Protocols.HTTP2MaxFrameSize > 0 {
		h2.MaxReadFrameSize = cfg.Protocols.HTTP2MaxFrameSize
	}
	if cfg.Protocols.HTTP2MaxConcurrentStream > 0 {
		h2.MaxConcurrentStreams = cfg.Protocols.HTTP2MaxConcurrentStream
	}
	if cfg.Protocols.HTTP2Enabled && cfg.TLS == nil {
		// Terminate inbound h2c at the gateway; upstream protocol stays
		// independent per transport pool.
		handler = h2c.NewHandler(handler, h2)
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		ConnState:         s.tracker.ConnState,
	}
	if cfg.TLS != nil {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertPath, cfg.TLS.KeyPath)
		if err != nil {
			return fmt.Errorf("%w: load tls keypair: %v", ErrBind, err)
		}
		srv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
		if !cfg.Protocols.HTTP2Enabled {
			srv.TLSNextProto = map[string]func(*http.Server, *tls.Conn, http.Handler){}
		}
	}

	s.logger.Info("gateway listening",
		zap.String("addr", cfg.ListenAddr),
		zap.Int("routes", len(cfg.Routes)),
		zap.Bool("tls", cfg.TLS != nil),
		zap.Bool("http2", cfg.Protocols.HTTP2Enabled))

	errCh := make(chan error, 1)
	go func() {
		if cfg.TLS != nil {
			errCh <- srv.ServeTLS(ln, "", "")
		} else {
			errCh <- srv.Serve(ln)
		}
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	// Stop accepting, broadcast shutdown, drain in-flight work.
	s.shutdown.Signal()
	grace := s.snapshots.Load().Cfg.ShutdownGrace
	drainCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	s.logger.Info("shutting down", zap.Duration("grace", grace))
	_ = srv.Shutdown(drainCtx)
	if drained := s.tracker.Drain(drainCtx); !drained {
		s.logger.Warn("shutdown grace expired with requests in flight",
			zap.Int64("active_requests", s.tracker.ActiveRequests()))
	}
	s.transports.CloseIdle()
	if lims := s.snapshots.Load().Limiters; lims != nil {
		lims.Close()
	}
	return nil
}

// Handler exposes the dispatcher, mainly for tests.
func (s *Server) Handler() http.Handler { return s.gw }

// Tracker exposes request/connection counters, mainly for tests.
func (s *Server) Tracker() *track.Tracker { return s.tracker }
