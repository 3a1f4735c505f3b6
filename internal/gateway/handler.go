// Package gateway binds the matcher, limiter, balancer and proxy engine into
// one request handler and owns the listener loop plus snapshot lifecycle.
package gateway

import (
	"bufio"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/longcipher/axon/internal/lb"
	"github.com/longcipher/axon/internal/metrics"
	"github.com/longcipher/axon/internal/model"
	"github.com/longcipher/axon/internal/proxy"
	"github.com/longcipher/axon/internal/track"
	"github.com/longcipher/axon/internal/version"
)

// Gateway is the per-request dispatcher.
type Gateway struct {
	snapshots *Registry
	picker    *lb.Picker
	engine    *proxy.Engine
	ws        *proxy.WebsocketProxy
	tracker   *track.Tracker
	metrics   *metrics.Metrics
	shutdown  *track.ShutdownToken
	logger    *zap.Logger
	started   time.Time
}

// New wires the dispatcher. All collaborators are shared with the server.
func New(snapshots *Registry, picker *lb.Picker, engine *proxy.Engine, ws *proxy.WebsocketProxy,
	tracker *track.Tracker, m *metrics.Metrics, shutdown *track.ShutdownToken, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		snapshots: snapshots,
		picker:    picker,
		engine:    engine,
		ws:        ws,
		tracker:   tracker,
		metrics:   m,
		shutdown:  shutdown,
		logger:    logger,
		started:   time.Now(),
	}
}

var _ http.Handler = (*Gateway)(nil)

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.shutdown != nil && g.shutdown.Triggered() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	// Built-in operational endpoints take precedence over routes.
	switch r.URL.Path {
	case "/metrics":
		g.metrics.Handler().ServeHTTP(w, r)
		return
	case "/health":
		g.serveHealth(w)
		return
	case "/status":
		g.serveStatus(w)
		return
	}

	release := g.tracker.BeginRequest()
	defer release()

	start := time.Now()
	requestID := uuid.NewString()
	lw := &statusWriter{ResponseWriter: w}
	lw.Header().Set("X-Request-Id", requestID)

	snap := g.snapshots.Load()
	route := snap.Table.Match(r.Host, r.URL.Path)

	pathLabel := metrics.UnmatchedPath
	if route != nil {
		pathLabel = route.Prefix
	}
	defer func() {
		if err := recover(); err != nil {
			g.logger.Error("request handler panic",
				zap.String("request_id", requestID),
				zap.String("path", r.URL.Path),
				zap.Any("panic", err))
			if !lw.wrote {
				lw.WriteHeader(http.StatusInternalServerError)
			}
		}
		duration := time.Since(start)
		g.metrics.RecordRequest(pathLabel, r.Method, lw.status(), duration.Seconds())
		g.logger.Debug("request completed",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", lw.status()),
			zap.Duration("duration_ms", duration))
	}()

	if route == nil {
		http.NotFound(lw, r)
		return
	}

	if limiter := snap.Limiters.Get(route.LimiterID); limiter != nil {
		if d := limiter.Check(r); !d.Allowed {
			g.metrics.RateLimited(route.Prefix)
			http.Error(lw, d.Message, d.Status)
			return
		}
	}

	switch route.Kind {
	case model.ActionProxy, model.ActionLoadBalance:
		backend, err := g.picker.Pick(route, snap.Health)
		if err != nil {
			g.logger.Warn("no backend available",
				zap.String("request_id", requestID), zap.String("route", route.Prefix))
			lw.WriteHeader(http.StatusBadGateway)
			return
		}
		releaseBackend := snap.Health.Acquire(backend)
		defer releaseBackend()
		g.engine.Forward(lw, r, route, backend, snap.Cfg.RequestTimeout)

	case model.ActionWebsocket:
		if !snap.Cfg.Protocols.WebsocketEnabled {
			http.NotFound(lw, r)
			return
		}
		g.ws.Serve(lw, r, route)

	case model.ActionStatic:
		proxy.ServeStatic(lw, r, route)

	case model.ActionRedirect:
		proxy.ServeRedirect(lw, r, route)

	default:
		lw.WriteHeader(http.StatusInternalServerError)
	}
}

func (g *Gateway) serveHealth(w http.ResponseWriter) {
	snap := g.snapshots.Load()
	healthy, total := 0, 0
	if snap != nil && snap.Health != nil {
		healthy, total = snap.Health.Counts()
	}
	// 200 while any backend is up or nothing is tracked (the process itself
	// is live); 503 once every tracked backend is down.
	status := http.StatusOK
	text := "ok"
	if total > 0 && healthy == 0 {
		status = http.StatusServiceUnavailable
		text = "unhealthy"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": text,
		"backends": map[string]int{
			"healthy": healthy,
			"total":   total,
		},
	})
}

func (g *Gateway) serveStatus(w http.ResponseWriter) {
	snap := g.snapshots.Load()
	healthy, total := 0, 0
	routes := 0
	var listen string
	var protocols map[string]bool
	if snap != nil {
		healthy, total = snap.Health.Counts()
		routes = snap.Table.Len()
		listen = snap.Cfg.ListenAddr
		protocols = map[string]bool{
			"http2_enabled":     snap.Cfg.Protocols.HTTP2Enabled,
			"websocket_enabled": snap.Cfg.Protocols.WebsocketEnabled,
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"service":     "axon",
		"version":     version.Value,
		"uptime_secs": int64(time.Since(g.started).Seconds()),
		"listen_addr": listen,
		"routes":      routes,
		"connections": map[string]int64{
			"active":          g.tracker.ActiveConnections(),
			"active_requests": g.tracker.ActiveRequests(),
		},
		"backends": map[string]int{
			"healthy": healthy,
			"total":   total,
		},
		"protocols": protocols,
	})
}

// statusWriter records the response status for metrics and logs while still
// supporting flushing and hijacking (the WebSocket upgrade needs the latter).
type statusWriter struct {
	http.ResponseWriter
	code  int
	wrote bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wrote {
		w.code = code
		w.wrote = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wrote {
		w.code = http.StatusOK
		w.wrote = true
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	if !w.wrote {
		// A hijacked connection completed its handshake (101).
		w.code = http.StatusSwitchingProtocols
		w.wrote = true
	}
	return h.Hijack()
}

func (w *statusWriter) status() int {
	if !w.wrote {
		return http.StatusOK
	}
	return w.code
}
