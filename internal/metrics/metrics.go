// Package metrics is the single registration point for gateway telemetry.
// Every emitter goes through a typed helper so metric names and label sets
// stay in one place. Label values come from bounded domains: path is always
// the matched route prefix, never the raw URI.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "axon"

// UnmatchedPath labels requests that hit no configured route.
const UnmatchedPath = "unmatched"

// durationBuckets are shared by all latency histograms.
var durationBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Metrics owns a private registry plus every metric family the gateway emits.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	backendTotal    *prometheus.CounterVec
	backendDuration *prometheus.HistogramVec
	backendHealth   *prometheus.GaugeVec
	activeConns     prometheus.Gauge
	activeRequests  prometheus.Gauge
	rateLimited     *prometheus.CounterVec
	wsConns         prometheus.Counter
	wsMessages      *prometheus.CounterVec
	wsBytes         *prometheus.CounterVec
	wsCloseCodes    *prometheus.CounterVec
	configReloads   *prometheus.CounterVec
}

// New builds the registry and registers every family.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_total",
		Help:      "Total number of HTTP requests processed by the gateway.",
	}, []string{"path", "method", "status"})

	m.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "request_duration_seconds",
		Help:      "Latency of HTTP requests processed by the gateway.",
		Buckets:   durationBuckets,
	}, []string{"path", "method"})

	m.backendTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "backend_requests_total",
		Help:      "Total number of HTTP requests forwarded to backend services.",
	}, []string{"backend", "status"})

	m.backendDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "backend_request_duration_seconds",
		Help:      "Latency of HTTP requests forwarded to backend services.",
		Buckets:   durationBuckets,
	}, []string{"backend"})

	m.backendHealth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "backend_health_status",
		Help:      "Health status of individual backends (1 healthy, 0 unhealthy).",
	}, []string{"backend"})

	m.activeConns = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_connections",
		Help:      "Number of currently active connections to the gateway.",
	})

	m.activeRequests = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_requests",
		Help:      "Number of currently active requests being processed.",
	})

	m.rateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_total",
		Help:      "Requests rejected by per-route rate limiting.",
	}, []string{"path"})

	m.wsConns = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "websocket_connections_total",
		Help:      "Total WebSocket sessions established through the gateway.",
	})

	m.wsMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "websocket_messages_total",
		Help:      "Total WebSocket messages proxied, by direction and opcode.",
	}, []string{"direction", "opcode"})

	m.wsBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "websocket_bytes_total",
		Help:      "Total WebSocket payload bytes proxied, by direction.",
	}, []string{"direction"})

	m.wsCloseCodes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "websocket_close_codes_total",
		Help:      "WebSocket close frames observed, by close code.",
	}, []string{"code"})

	m.configReloads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "config_reloads_total",
		Help:      "Configuration reload attempts, by outcome.",
	}, []string{"outcome"})

	m.registry.MustRegister(
		m.requestsTotal, m.requestDuration,
		m.backendTotal, m.backendDuration,
		m.backendHealth,
		m.activeConns, m.activeRequests,
		m.rateLimited,
		m.wsConns, m.wsMessages, m.wsBytes, m.wsCloseCodes,
		m.configReloads,
	)
	return m
}

// Handler returns the Prometheus text exposition endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest counts one finished request. path must be the matched route
// prefix (or UnmatchedPath).
func (m *Metrics) RecordRequest(path, method string, status int, seconds float64) {
	m.requestsTotal.WithLabelValues(path, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(path, method).Observe(seconds)
}

// RecordBackend counts one upstream round trip.
func (m *Metrics) RecordBackend(backend string, status int, seconds float64) {
	m.backendTotal.WithLabelValues(backend, strconv.Itoa(status)).Inc()
	m.backendDuration.WithLabelValues(backend).Observe(seconds)
}

// SetBackendHealth publishes the tracked state of one backend.
func (m *Metrics) SetBackendHealth(backend string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	m.backendHealth.WithLabelValues(backend).Set(v)
}

// RemoveBackend drops the gauge series of a backend no longer referenced.
func (m *Metrics) RemoveBackend(backend string) {
	m.backendHealth.DeleteLabelValues(backend)
}

func (m *Metrics) IncActiveConnections() { m.activeConns.Inc() }
func (m *Metrics) DecActiveConnections() { m.activeConns.Dec() }
func (m *Metrics) IncActiveRequests()    { m.activeRequests.Inc() }
func (m *Metrics) DecActiveRequests()    { m.activeRequests.Dec() }

// RateLimited counts one denied request on a route prefix.
func (m *Metrics) RateLimited(path string) {
	m.rateLimited.WithLabelValues(path).Inc()
}

// WebsocketSession counts one established tunnel.
func (m *Metrics) WebsocketSession() { m.wsConns.Inc() }

// WebsocketMessage counts one relayed message. direction is "ingress" or
// "egress"; opcode one of text, binary, ping, pong, close.
func (m *Metrics) WebsocketMessage(direction, opcode string, payloadBytes int) {
	m.wsMessages.WithLabelValues(direction, opcode).Inc()
	if payloadBytes > 0 {
		m.wsBytes.WithLabelValues(direction).Add(float64(payloadBytes))
	}
}

// WebsocketClose counts an observed close frame code.
func (m *Metrics) WebsocketClose(code int) {
	m.wsCloseCodes.WithLabelValues(strconv.Itoa(code)).Inc()
}

// ConfigReload counts a reload attempt: outcome "applied" or "invalid".
func (m *Metrics) ConfigReload(outcome string) {
	m.configReloads.WithLabelValues(outcome).Inc()
}
