package proxy

import (
	"encoding/base64"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/longcipher/axon/internal/metrics"
	"github.com/longcipher/axon/internal/model"
)

const (
	wsWriteWait        = 10 * time.Second
	wsHandshakeTimeout = 10 * time.Second
)

// WebsocketProxy tunnels a client WebSocket session to the route's backend,
// relaying frames in both directions.
type WebsocketProxy struct {
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewWebsocketProxy builds a tunnel handler.
func NewWebsocketProxy(m *metrics.Metrics, logger *zap.Logger) *WebsocketProxy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebsocketProxy{metrics: m, logger: logger}
}

// Serve validates the client handshake, opens the upstream handshake, then
// relays until either side closes or the idle timeout fires. The backend leg
// is dialed first so a dead upstream yields 502 before the client upgrade.
func (p *WebsocketProxy) Serve(w http.ResponseWriter, r *http.Request, route *model.Route) {
	if err := validateUpgrade(r); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	backendURL := backendWSURL(route, r)

	dialer := websocket.Dialer{
		Subprotocols:     clientSubprotocols(r),
		HandshakeTimeout: wsHandshakeTimeout,
	}
	backendConn, resp, err := dialer.DialContext(r.Context(), backendURL, backendHeaders(r))
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		p.logger.Warn("websocket backend dial failed",
			zap.String("backend", backendURL), zap.Error(err))
		w.WriteHeader(http.StatusBadGateway)
		return
	}

	negotiated := backendConn.Subprotocol()
	if len(route.Subprotocols) > 0 && !containsFold(route.Subprotocols, negotiated) {
		p.logger.Warn("backend negotiated unacceptable subprotocol",
			zap.String("backend", backendURL), zap.String("subprotocol", negotiated))
		backendConn.Close()
		w.WriteHeader(http.StatusBadGateway)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	var respHeader http.Header
	if negotiated != "" {
		respHeader = http.Header{"Sec-Websocket-Protocol": {negotiated}}
	}
	clientConn, err := upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		// Upgrade already wrote the error response.
		backendConn.Close()
		return
	}

	if p.metrics != nil {
		p.metrics.WebsocketSession()
	}
	p.relay(clientConn, backendConn, route)
}

func (p *WebsocketProxy) relay(client, backend *websocket.Conn, route *model.Route) {
	defer client.Close()
	defer backend.Close()

	if route.MaxMessage > 0 {
		client.SetReadLimit(route.MaxMessage)
		backend.SetReadLimit(route.MaxMessage)
	}

	var lastActivity atomic.Int64
	touch := func() { lastActivity.Store(time.Now().UnixNano()) }
	touch()

	p.forwardControls(client, backend, "ingress", touch)
	p.forwardControls(backend, client, "egress", touch)

	done := make(chan struct{}, 2)
	go p.pump(client, backend, route, "ingress", touch, done)
	go p.pump(backend, client, route, "egress", touch, done)

	var stopWatch chan struct{}
	if route.IdleTimeout > 0 {
		stopWatch = make(chan struct{})
		go p.watchIdle(client, backend, route.IdleTimeout, &lastActivity, stopWatch)
	}

	<-done
	if stopWatch != nil {
		close(stopWatch)
	}
	// The deferred closes unblock the surviving pump.
}

// pump relays data messages src -> dst until a read or write fails. A close
// frame from either peer is forwarded with its original code; an oversized
// message tears the session down with 1009.
func (p *WebsocketProxy) pump(src, dst *websocket.Conn, route *model.Route, direction string, touch func(), done chan<- struct{}) {
	defer func() { done <- struct{}{} }()

	for {
		msgType, msg, err := src.ReadMessage()
		if err != nil {
			code, text := websocket.CloseAbnormalClosure, ""
			var ce *websocket.CloseError
			switch {
			case errors.As(err, &ce):
				code, text = ce.Code, ce.Text
				if p.metrics != nil {
					p.metrics.WebsocketMessage(direction, "close", 0)
					p.metrics.WebsocketClose(code)
				}
			case errors.Is(err, websocket.ErrReadLimit):
				code, text = websocket.CloseMessageTooBig, "message too big"
				deadline := time.Now().Add(wsWriteWait)
				_ = src.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(code, text), deadline)
				if p.metrics != nil {
					p.metrics.WebsocketClose(code)
				}
			}
			deadline := time.Now().Add(wsWriteWait)
			_ = dst.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, text), deadline)
			return
		}

		touch()
		if p.metrics != nil {
			p.metrics.WebsocketMessage(direction, opcodeName(msgType), len(msg))
		}
		if err := writeChunked(dst, msgType, msg, route.MaxFrame); err != nil {
			return
		}
	}
}

// forwardControls relays ping/pong transparently. WriteControl is safe for
// concurrent use with the pumps.
func (p *WebsocketProxy) forwardControls(src, dst *websocket.Conn, direction string, touch func()) {
	src.SetPingHandler(func(data string) error {
		touch()
		if p.metrics != nil {
			p.metrics.WebsocketMessage(direction, "ping", len(data))
		}
		return dst.WriteControl(websocket.PingMessage, []byte(data), time.Now().Add(wsWriteWait))
	})
	src.SetPongHandler(func(data string) error {
		touch()
		if p.metrics != nil {
			p.metrics.WebsocketMessage(direction, "pong", len(data))
		}
		return dst.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(wsWriteWait))
	})
}

func (p *WebsocketProxy) watchIdle(client, backend *websocket.Conn, idle time.Duration, last *atomic.Int64, stop <-chan struct{}) {
	interval := idle / 4
	if interval < 50*time.Millisecond {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if time.Since(time.Unix(0, last.Load())) < idle {
				continue
			}
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "idle timeout")
			deadline := time.Now().Add(wsWriteWait)
			_ = client.WriteControl(websocket.CloseMessage, msg, deadline)
			_ = backend.WriteControl(websocket.CloseMessage, msg, deadline)
			if p.metrics != nil {
				p.metrics.WebsocketClose(websocket.CloseNormalClosure)
			}
			// Give the close frames a moment on the wire before tearing the
			// transports down.
			time.Sleep(100 * time.Millisecond)
			client.Close()
			backend.Close()
			return
		}
	}
}

// writeChunked writes msg as one message. A message longer than maxFrame is
// written through a single message writer in maxFrame-sized pieces; the frame
// boundaries on the wire are set by the connection's write buffering, so
// frames are not capped at maxFrame.
func writeChunked(dst *websocket.Conn, msgType int, msg []byte, maxFrame int64) error {
	if maxFrame <= 0 || int64(len(msg)) <= maxFrame {
		return dst.WriteMessage(msgType, msg)
	}
	wr, err := dst.NextWriter(msgType)
	if err != nil {
		return err
	}
	for len(msg) > 0 {
		n := int64(len(msg))
		if n > maxFrame {
			n = maxFrame
		}
		if _, err := wr.Write(msg[:n]); err != nil {
			wr.Close()
			return err
		}
		msg = msg[n:]
	}
	return wr.Close()
}

// validateUpgrade checks the client's opening handshake before any upstream
// work: GET, Connection: Upgrade, Upgrade: websocket, version 13, and a
// 16-byte base64 key.
func validateUpgrade(r *http.Request) error {
	if r.Method != http.MethodGet {
		return errors.New("websocket upgrade requires GET")
	}
	if !headerHasToken(r.Header, "Connection", "upgrade") {
		return errors.New("missing Connection: Upgrade")
	}
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return errors.New("missing Upgrade: websocket")
	}
	if r.Header.Get("Sec-WebSocket-Version") != "13" {
		return errors.New("unsupported Sec-WebSocket-Version")
	}
	key, err := base64.StdEncoding.DecodeString(r.Header.Get("Sec-WebSocket-Key"))
	if err != nil || len(key) != 16 {
		return errors.New("invalid Sec-WebSocket-Key")
	}
	return nil
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func headerHasToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

func clientSubprotocols(r *http.Request) []string {
	var out []string
	for _, v := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// backendWSURL maps the route target onto ws/wss and applies the path rewrite.
func backendWSURL(route *model.Route, r *http.Request) string {
	scheme := "ws"
	switch route.WSTarget.Scheme {
	case "https", "wss":
		scheme = "wss"
	}
	u := url.URL{
		Scheme:   scheme,
		Host:     route.WSTarget.Host,
		Path:     route.Rewrite.Apply(r.URL.Path),
		RawQuery: r.URL.RawQuery,
	}
	return u.String()
}

// backendHeaders forwards end-to-end headers to the backend handshake.
// Headers the dialer manages itself (upgrade and Sec-WebSocket-*) stay out.
func backendHeaders(r *http.Request) http.Header {
	hdr := cloneHeader(r.Header)
	dropHopByHop(hdr)
	for k := range hdr {
		if strings.HasPrefix(strings.ToLower(k), "sec-websocket-") {
			hdr.Del(k)
		}
	}
	addXFF(hdr, r.RemoteAddr)
	setXFProto(hdr, r)
	setXFHost(hdr, r.Host)
	return hdr
}

func opcodeName(msgType int) string {
	switch msgType {
	case websocket.TextMessage:
		return "text"
	case websocket.BinaryMessage:
		return "binary"
	case websocket.PingMessage:
		return "ping"
	case websocket.PongMessage:
		return "pong"
	case websocket.CloseMessage:
		return "close"
	}
	return "other"
}
