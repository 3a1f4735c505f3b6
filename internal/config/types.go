package config

import (
	"time"

	"github.com/longcipher/axon/internal/model"
)

// rawConfig mirrors the on-disk document (YAML or JSON).
type rawConfig struct {
	ListenAddr string       `yaml:"listen_addr"`
	Protocols  rawProtocols `yaml:"protocols"`
	TLS        *rawTLS      `yaml:"tls"`

	HealthCheck        rawHealthCheck      `yaml:"health_check"`
	BackendHealthPaths map[string]string   `yaml:"backend_health_paths"`
	Routes             map[string]rawRoute `yaml:"routes"`

	Server  rawServer  `yaml:"server"`
	Logging rawLogging `yaml:"logging"`
}

type rawProtocols struct {
	HTTP2Enabled             *bool  `yaml:"http2_enabled"`
	WebsocketEnabled         *bool  `yaml:"websocket_enabled"`
	HTTP2MaxFrameSize        uint32 `yaml:"http2_max_frame_size"`
	HTTP2MaxConcurrentStream uint32 `yaml:"http2_max_concurrent_streams"`
}

type rawTLS struct {
	CertPath string `yaml:"cert_path"`
	KeyPath  string `yaml:"key_path"`
}

type rawHealthCheck struct {
	Enabled            *bool  `yaml:"enabled"`
	Path               string `yaml:"path"`
	IntervalSecs       int    `yaml:"interval_secs"`
	TimeoutSecs        int    `yaml:"timeout_secs"`
	UnhealthyThreshold int    `yaml:"unhealthy_threshold"`
	HealthyThreshold   int    `yaml:"healthy_threshold"`
}

type rawServer struct {
	RequestTimeout string `yaml:"request_timeout"`
	ShutdownGrace  string `yaml:"shutdown_grace"`
}

type rawLogging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // auto | json | console
}

type rawRewrite struct {
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

type rawHeaders struct {
	Add    map[string]string `yaml:"add"`
	Remove []string          `yaml:"remove"`
}

type rawRoute struct {
	Type string `yaml:"type"`
	Host string `yaml:"host"`

	// proxy / load_balance / websocket
	Target      string      `yaml:"target"`
	Targets     []string    `yaml:"targets"`
	Strategy    string      `yaml:"strategy"`
	PathRewrite *rawRewrite `yaml:"path_rewrite"`
	Proto       string      `yaml:"proto"`

	// redirect
	StatusCode int `yaml:"status_code"`

	// static
	Root         string `yaml:"root"`
	IndexFile    string `yaml:"index_file"`
	CacheControl string `yaml:"cache_control"`

	// websocket
	MaxFrameSize   int64    `yaml:"max_frame_size"`
	MaxMessageSize int64    `yaml:"max_message_size"`
	IdleTimeout    string   `yaml:"idle_timeout"`
	Subprotocols   []string `yaml:"subprotocols"`

	RateLimit       *RateLimit  `yaml:"rate_limit"`
	RequestHeaders  *rawHeaders `yaml:"request_headers"`
	ResponseHeaders *rawHeaders `yaml:"response_headers"`
}

// RateLimit is the per-route admission policy. Period strings use Go duration
// syntax ("1s", "5m", "1h").
type RateLimit struct {
	By         string `yaml:"by"` // route | ip | header
	HeaderName string `yaml:"header_name"`
	Requests   int    `yaml:"requests"`
	Period     string `yaml:"period"`
	BurstSize  int    `yaml:"burst_size"`
	Algorithm  string `yaml:"algorithm"` // token_bucket | fixed_window | sliding_window
	StatusCode int    `yaml:"status_code"`
	Message    string `yaml:"message"`

	// filled during validation
	PeriodDur time.Duration `yaml:"-"`
}

// Protocols carries listener capability switches.
type Protocols struct {
	HTTP2Enabled             bool
	WebsocketEnabled         bool
	HTTP2MaxFrameSize        uint32
	HTTP2MaxConcurrentStream uint32
}

// TLS is the optional certificate pair for the listener.
type TLS struct {
	CertPath string
	KeyPath  string
}

// HealthCheck is the global active-probe policy.
type HealthCheck struct {
	Enabled            bool
	Path               string
	Interval           time.Duration
	Timeout            time.Duration
	UnhealthyThreshold int
	HealthyThreshold   int
}

// Config is the validated, normalised gateway configuration.
type Config struct {
	ListenAddr string
	Protocols  Protocols
	TLS        *TLS

	HealthCheck        HealthCheck
	BackendHealthPaths map[string]string

	// Routes sorted host asc (wildcard last), then longer prefix first.
	Routes []model.Route

	// Limiters keyed by route prefix (the limiter id).
	Limiters map[string]RateLimit

	RequestTimeout time.Duration
	ShutdownGrace  time.Duration

	LogLevel  string
	LogFormat string
}
