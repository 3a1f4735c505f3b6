package proxy

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/longcipher/axon/internal/model"
)

// echoBackend upgrades with the given subprotocols and echoes every message.
func echoBackend(t *testing.T, subprotocols ...string) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{Subprotocols: subprotocols}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
}

func wsRoute(t *testing.T, backendURL string) *model.Route {
	t.Helper()
	u, err := url.Parse(backendURL)
	require.NoError(t, err)
	return &model.Route{
		Prefix:     "/ws/",
		Kind:       model.ActionWebsocket,
		WSTarget:   u,
		MaxFrame:   1 << 20,
		MaxMessage: 1 << 20,
	}
}

func wsGateway(route *model.Route) *httptest.Server {
	p := NewWebsocketProxy(nil, nil)
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.Serve(w, r, route)
	}))
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func TestWebsocket_EchoRoundTrip(t *testing.T) {
	backend := echoBackend(t, "chat")
	defer backend.Close()
	route := wsRoute(t, backend.URL)
	route.Subprotocols = []string{"chat"}
	gw := wsGateway(route)
	defer gw.Close()

	dialer := websocket.Dialer{Subprotocols: []string{"chat"}}
	conn, resp, err := dialer.Dial(wsURL(gw)+"/ws/", nil)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	assert.Equal(t, "chat", resp.Header.Get("Sec-WebSocket-Protocol"))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello-axon")))
	mt, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mt)
	assert.Equal(t, "hello-axon", string(msg))

	// Binary frames relay unmodified too.
	payload := []byte{0x00, 0x01, 0xFE, 0xFF}
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, payload))
	mt, msg, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, mt)
	assert.Equal(t, payload, msg)
}

func TestWebsocket_InvalidHandshake400(t *testing.T) {
	backend := echoBackend(t)
	defer backend.Close()
	gw := wsGateway(wsRoute(t, backend.URL))
	defer gw.Close()

	res, err := http.Get(gw.URL + "/ws/")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestWebsocket_BackendDown502(t *testing.T) {
	route := wsRoute(t, "http://127.0.0.1:1")
	gw := wsGateway(route)
	defer gw.Close()

	dialer := websocket.Dialer{}
	_, resp, err := dialer.Dial(wsURL(gw)+"/ws/", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestWebsocket_UnacceptableSubprotocol502(t *testing.T) {
	// Backend negotiates nothing, but the route requires "chat".
	backend := echoBackend(t)
	defer backend.Close()
	route := wsRoute(t, backend.URL)
	route.Subprotocols = []string{"chat"}
	gw := wsGateway(route)
	defer gw.Close()

	dialer := websocket.Dialer{Subprotocols: []string{"other"}}
	_, resp, err := dialer.Dial(wsURL(gw)+"/ws/", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestWebsocket_OversizeMessageCloses1009(t *testing.T) {
	backend := echoBackend(t)
	defer backend.Close()
	route := wsRoute(t, backend.URL)
	route.MaxFrame = 256
	route.MaxMessage = 256
	gw := wsGateway(route)
	defer gw.Close()

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(gw)+"/ws/", nil)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, make([]byte, 1024)))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, websocket.CloseMessageTooBig, ce.Code)
}

func TestWebsocket_IdleTimeoutCloses(t *testing.T) {
	backend := echoBackend(t)
	defer backend.Close()
	route := wsRoute(t, backend.URL)
	route.IdleTimeout = 200 * time.Millisecond
	gw := wsGateway(route)
	defer gw.Close()

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(gw)+"/ws/", nil)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err, "gateway must close the idle session")
	var ce *websocket.CloseError
	if assert.ErrorAs(t, err, &ce) {
		assert.Equal(t, websocket.CloseNormalClosure, ce.Code)
	}
}

func TestValidateUpgrade(t *testing.T) {
	good := func() *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws/", nil)
		r.Header.Set("Connection", "keep-alive, Upgrade")
		r.Header.Set("Upgrade", "websocket")
		r.Header.Set("Sec-WebSocket-Version", "13")
		r.Header.Set("Sec-WebSocket-Key", "AAAAAAAAAAAAAAAAAAAAAA==") // 16 zero bytes
		return r
	}

	require.NoError(t, validateUpgrade(good()))

	r := good()
	r.Method = http.MethodPost
	require.Error(t, validateUpgrade(r))

	r = good()
	r.Header.Del("Connection")
	require.Error(t, validateUpgrade(r))

	r = good()
	r.Header.Set("Upgrade", "h2c")
	require.Error(t, validateUpgrade(r))

	r = good()
	r.Header.Set("Sec-WebSocket-Version", "8")
	require.Error(t, validateUpgrade(r))

	r = good()
	r.Header.Set("Sec-WebSocket-Key", "tooshort")
	require.Error(t, validateUpgrade(r))
}
