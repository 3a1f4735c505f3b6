// Package proxy implements the forwarding data path: streaming HTTP
// forwarding, the WebSocket tunnel, static file serving and redirects.
package proxy

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/longcipher/axon/internal/forward"
	"github.com/longcipher/axon/internal/metrics"
	"github.com/longcipher/axon/internal/model"
)

// Engine forwards HTTP requests upstream over pooled transports. Bodies
// stream through in both directions; nothing is buffered whole.
type Engine struct {
	transports forward.Factory
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewEngine builds a forwarding engine.
func NewEngine(transports forward.Factory, m *metrics.Metrics, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{transports: transports, metrics: m, logger: logger}
}

// Forward streams one request to backend (scheme+authority) and the response
// back to the client. Upstream connect/read failures produce a 502 with an
// empty body; any upstream status is forwarded as-is.
func (e *Engine) Forward(w http.ResponseWriter, r *http.Request, route *model.Route, backend string, timeout time.Duration) {
	target, err := url.Parse(backend)
	if err != nil {
		e.logger.Error("invalid backend url", zap.String("backend", backend), zap.Error(err))
		w.WriteHeader(http.StatusBadGateway)
		return
	}

	u := new(url.URL)
	*u = *target
	u.Path = route.Rewrite.Apply(r.URL.Path)
	u.RawQuery = r.URL.RawQuery
	u.Fragment = ""

	hdr := cloneHeader(r.Header)
	dropHopByHop(hdr)
	addXFF(hdr, r.RemoteAddr)
	setXFProto(hdr, r)
	setXFHost(hdr, r.Host)
	applyTransform(hdr, route.RequestHeaders)

	ctx := r.Context()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	reqUp, err := http.NewRequestWithContext(ctx, r.Method, u.String(), r.Body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	reqUp.Header = hdr
	reqUp.Host = target.Host
	reqUp.ContentLength = r.ContentLength
	if r.ContentLength == 0 {
		// Avoid a chunked zero-length upload on bodyless requests.
		reqUp.Body = nil
	}

	tr := e.transports.Get(route.Proto)
	start := time.Now()
	resUp, err := tr.RoundTrip(reqUp)
	if err != nil {
		e.logger.Warn("upstream request failed",
			zap.String("backend", backend),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		if e.metrics != nil {
			e.metrics.RecordBackend(backend, http.StatusBadGateway, time.Since(start).Seconds())
		}
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	defer func() {
		if err := resUp.Body.Close(); err != nil {
			e.logger.Debug("closing upstream body", zap.Error(err))
		}
	}()
	if e.metrics != nil {
		e.metrics.RecordBackend(backend, resUp.StatusCode, time.Since(start).Seconds())
	}

	dropHopByHop(resUp.Header)
	applyTransform(resUp.Header, route.ResponseHeaders)
	copyHeaders(w.Header(), resUp.Header)

	// Announce trailers if any
	if len(resUp.Trailer) > 0 {
		keys := make([]string, 0, len(resUp.Trailer))
		for k := range resUp.Trailer {
			keys = append(keys, k)
		}
		w.Header().Set("Trailer", strings.Join(keys, ","))
	}

	w.WriteHeader(resUp.StatusCode)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	if _, err := io.Copy(&flushWriter{w: w}, resUp.Body); err != nil {
		// Client gone or upstream died mid-stream; nothing to send anymore.
		e.logger.Debug("response stream interrupted", zap.Error(err))
	}

	for k, vv := range resUp.Trailer {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
}

// flushWriter pushes each chunk to the client immediately so long-lived
// streams make progress without buffering.
type flushWriter struct {
	w http.ResponseWriter
}

func (f *flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if fl, ok := f.w.(http.Flusher); ok {
		fl.Flush()
	}
	return n, err
}
