package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/longcipher/axon/internal/model"
)

// EnvPrefix is the prefix for environment overrides. Nested fields are
// addressed with "__", e.g. AXON_HEALTH_CHECK__INTERVAL_SECS=5.
const EnvPrefix = "AXON_"

const (
	defaultHealthPath     = "/health"
	defaultHealthInterval = 10
	defaultHealthTimeout  = 2
	defaultUnhealthyAfter = 3
	defaultHealthyAfter   = 2

	defaultRejectStatus  = 429
	defaultRejectMessage = "Too Many Requests"

	defaultMaxFrame   = 1 << 20 // 1 MiB
	defaultMaxMessage = 4 << 20 // 4 MiB

	defaultShutdownGrace = 10 * time.Second
)

// Load reads, overrides, validates and normalises the config at path.
// All validation errors are collected and returned joined, not first-fail.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse builds a Config from raw YAML or JSON bytes (JSON is a YAML subset).
func Parse(b []byte) (*Config, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if doc == nil {
		doc = make(map[string]any)
	}
	applyEnvOverrides(doc, os.Environ())

	// Round-trip through yaml to get typed structs after overrides.
	merged, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("merge config: %w", err)
	}
	var rc rawConfig
	if err := yaml.Unmarshal(merged, &rc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return build(&rc)
}

// applyEnvOverrides walks AXON_* variables and sets the addressed keys on the
// decoded document. Scalars are parsed as bool/int/float when they look like
// one, else kept as strings.
func applyEnvOverrides(doc map[string]any, environ []string) {
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, EnvPrefix) {
			continue
		}
		segs := strings.Split(strings.ToLower(strings.TrimPrefix(k, EnvPrefix)), "__")
		node := doc
		for i, seg := range segs {
			if i == len(segs)-1 {
				node[seg] = coerceScalar(v)
				break
			}
			child, ok := node[seg].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[seg] = child
			}
			node = child
		}
	}
}

func coerceScalar(s string) any {
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// build normalises the raw document into a Config, collecting every
// validation error instead of stopping at the first.
func build(rc *rawConfig) (*Config, error) {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	c := &Config{
		BackendHealthPaths: rc.BackendHealthPaths,
		Limiters:           make(map[string]RateLimit),
	}

	// listen address
	c.ListenAddr = strings.TrimSpace(rc.ListenAddr)
	if c.ListenAddr == "" {
		fail("listen_addr is required")
	} else if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		fail("listen_addr %q: must be host:port", c.ListenAddr)
	}

	// protocols
	c.Protocols = Protocols{
		HTTP2Enabled:             boolOr(rc.Protocols.HTTP2Enabled, true),
		WebsocketEnabled:         boolOr(rc.Protocols.WebsocketEnabled, true),
		HTTP2MaxFrameSize:        rc.Protocols.HTTP2MaxFrameSize,
		HTTP2MaxConcurrentStream: rc.Protocols.HTTP2MaxConcurrentStream,
	}

	// tls
	if rc.TLS != nil {
		if rc.TLS.CertPath == "" || rc.TLS.KeyPath == "" {
			fail("tls: cert_path and key_path are both required")
		} else {
			c.TLS = &TLS{CertPath: rc.TLS.CertPath, KeyPath: rc.TLS.KeyPath}
		}
	}

	// health check
	hc := rc.HealthCheck
	c.HealthCheck = HealthCheck{
		Enabled:            boolOr(hc.Enabled, true),
		Path:               hc.Path,
		Interval:           time.Duration(hc.IntervalSecs) * time.Second,
		Timeout:            time.Duration(hc.TimeoutSecs) * time.Second,
		UnhealthyThreshold: hc.UnhealthyThreshold,
		HealthyThreshold:   hc.HealthyThreshold,
	}
	if c.HealthCheck.Path == "" {
		c.HealthCheck.Path = defaultHealthPath
	}
	if hc.IntervalSecs == 0 {
		c.HealthCheck.Interval = defaultHealthInterval * time.Second
	}
	if hc.TimeoutSecs == 0 {
		c.HealthCheck.Timeout = defaultHealthTimeout * time.Second
	}
	if hc.UnhealthyThreshold == 0 {
		c.HealthCheck.UnhealthyThreshold = defaultUnhealthyAfter
	}
	if hc.HealthyThreshold == 0 {
		c.HealthCheck.HealthyThreshold = defaultHealthyAfter
	}
	if c.HealthCheck.Enabled {
		if c.HealthCheck.Interval <= 0 {
			fail("health_check.interval_secs must be > 0")
		}
		if c.HealthCheck.Timeout <= 0 {
			fail("health_check.timeout_secs must be > 0")
		}
		if c.HealthCheck.UnhealthyThreshold < 1 || c.HealthCheck.HealthyThreshold < 1 {
			fail("health_check thresholds must be >= 1")
		}
	}

	// server
	if d, err := optionalDuration(rc.Server.RequestTimeout); err != nil {
		fail("server.request_timeout: %v", err)
	} else {
		c.RequestTimeout = d
	}
	if d, err := optionalDuration(rc.Server.ShutdownGrace); err != nil {
		fail("server.shutdown_grace: %v", err)
	} else if d == 0 {
		c.ShutdownGrace = defaultShutdownGrace
	} else {
		c.ShutdownGrace = d
	}

	// logging
	c.LogLevel = rc.Logging.Level
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	c.LogFormat = rc.Logging.Format
	if c.LogFormat == "" {
		c.LogFormat = "auto"
	}

	// routes
	if len(rc.Routes) == 0 {
		fail("routes: at least one is required")
	}
	seen := make(map[string]bool)
	for prefix, rr := range rc.Routes {
		key := prefix + "|" + strings.ToLower(rr.Host)
		if seen[key] {
			fail("routes %q: duplicate (prefix, host) pair", prefix)
			continue
		}
		seen[key] = true

		route, routeErrs := buildRoute(prefix, &rr)
		if rr.RateLimit != nil {
			rl, rlErrs := buildRateLimit(prefix, rr.RateLimit)
			routeErrs = append(routeErrs, rlErrs...)
			route.LimiterID = prefix
			c.Limiters[prefix] = rl
		}
		if len(routeErrs) > 0 {
			errs = append(errs, routeErrs...)
			continue
		}
		c.Routes = append(c.Routes, route)
	}

	// deterministic order: host asc (wildcard last), then longer prefix first
	sort.SliceStable(c.Routes, func(i, j int) bool {
		hi, hj := c.Routes[i].Host, c.Routes[j].Host
		if hi == "" {
			hi = "~"
		}
		if hj == "" {
			hj = "~"
		}
		if hi == hj {
			return len(c.Routes[i].Prefix) > len(c.Routes[j].Prefix)
		}
		return hi < hj
	})

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return c, nil
}

func buildRoute(prefix string, rr *rawRoute) (model.Route, []error) {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("routes %q: "+format, append([]any{prefix}, args...)...))
	}

	route := model.Route{
		Prefix: prefix,
		Host:   strings.ToLower(strings.TrimSpace(rr.Host)),
	}
	if !strings.HasPrefix(prefix, "/") {
		fail("path prefix must start with '/'")
	}

	if rr.PathRewrite != nil {
		re, err := regexp.Compile(rr.PathRewrite.Pattern)
		if err != nil {
			fail("path_rewrite pattern: %v", err)
		} else {
			route.Rewrite = &model.Rewrite{Pattern: re, Replacement: rr.PathRewrite.Replacement}
		}
	}
	if rr.RequestHeaders != nil {
		route.RequestHeaders = model.HeaderTransform{Add: rr.RequestHeaders.Add, Remove: rr.RequestHeaders.Remove}
	}
	if rr.ResponseHeaders != nil {
		route.ResponseHeaders = model.HeaderTransform{Add: rr.ResponseHeaders.Add, Remove: rr.ResponseHeaders.Remove}
	}

	proto := strings.ToLower(strings.TrimSpace(rr.Proto))
	if proto == "" {
		proto = "auto"
	}
	switch proto {
	case "http1", "auto", "h2c":
		route.Proto = proto
	default:
		fail("unknown proto %q", rr.Proto)
	}

	switch strings.ToLower(rr.Type) {
	case "proxy":
		route.Kind = model.ActionProxy
		u, err := parseBackendURL(rr.Target)
		if err != nil {
			fail("target: %v", err)
		} else {
			route.Targets = []*url.URL{u}
		}

	case "load_balance":
		route.Kind = model.ActionLoadBalance
		if len(rr.Targets) == 0 {
			fail("load_balance requires at least one target")
		}
		for _, t := range rr.Targets {
			u, err := parseBackendURL(t)
			if err != nil {
				fail("targets: %v", err)
				continue
			}
			route.Targets = append(route.Targets, u)
		}
		switch model.Strategy(rr.Strategy) {
		case "", model.StrategyRoundRobin:
			route.Strategy = model.StrategyRoundRobin
		case model.StrategyRandom:
			route.Strategy = model.StrategyRandom
		case model.StrategyLeastConn:
			route.Strategy = model.StrategyLeastConn
		default:
			fail("unknown strategy %q", rr.Strategy)
		}

	case "redirect":
		route.Kind = model.ActionRedirect
		if rr.Target == "" {
			fail("redirect requires a target")
		}
		route.RedirectTarget = rr.Target
		route.RedirectStatus = rr.StatusCode
		if route.RedirectStatus == 0 {
			route.RedirectStatus = 302
		}
		switch route.RedirectStatus {
		case 301, 302, 307, 308:
		default:
			fail("redirect status_code must be one of 301, 302, 307, 308")
		}

	case "static":
		route.Kind = model.ActionStatic
		if rr.Root == "" {
			fail("static requires a root directory")
		}
		route.StaticRoot = rr.Root
		route.IndexFile = rr.IndexFile
		if route.IndexFile == "" {
			route.IndexFile = "index.html"
		}
		route.CacheControl = rr.CacheControl

	case "websocket":
		route.Kind = model.ActionWebsocket
		u, err := url.Parse(strings.TrimSpace(rr.Target))
		if err != nil || u.Host == "" {
			fail("websocket target must be a URL with a host")
		} else {
			switch u.Scheme {
			case "http", "https", "ws", "wss":
				route.WSTarget = u
			default:
				fail("websocket target scheme must be http(s) or ws(s)")
			}
		}
		route.MaxFrame = rr.MaxFrameSize
		if route.MaxFrame == 0 {
			route.MaxFrame = defaultMaxFrame
		}
		route.MaxMessage = rr.MaxMessageSize
		if route.MaxMessage == 0 {
			route.MaxMessage = defaultMaxMessage
		}
		if route.MaxFrame > route.MaxMessage {
			fail("max_frame_size must not exceed max_message_size")
		}
		route.Subprotocols = rr.Subprotocols
		if d, err := optionalDuration(rr.IdleTimeout); err != nil {
			fail("idle_timeout: %v", err)
		} else {
			route.IdleTimeout = d
		}

	case "":
		fail("type is required")
	default:
		fail("unknown type %q", rr.Type)
	}

	return route, errs
}

func buildRateLimit(prefix string, rl *RateLimit) (RateLimit, []error) {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("routes %q rate_limit: "+format, append([]any{prefix}, args...)...))
	}

	out := *rl
	if out.Requests <= 0 {
		fail("requests must be > 0")
	}
	d, err := time.ParseDuration(out.Period)
	if err != nil || d <= 0 {
		fail("period %q must be a positive duration", out.Period)
	}
	out.PeriodDur = d

	switch out.Algorithm {
	case "":
		out.Algorithm = "token_bucket"
	case "token_bucket", "fixed_window", "sliding_window":
	default:
		fail("unknown algorithm %q", out.Algorithm)
	}

	switch out.By {
	case "route", "ip":
	case "header":
		if strings.TrimSpace(out.HeaderName) == "" {
			fail("header_name is required when by=header")
		}
	case "":
		fail("by is required (route, ip or header)")
	default:
		fail("unknown key %q (want route, ip or header)", out.By)
	}

	if out.BurstSize <= 0 {
		out.BurstSize = out.Requests
	}
	if out.StatusCode == 0 {
		out.StatusCode = defaultRejectStatus
	}
	if out.Message == "" {
		out.Message = defaultRejectMessage
	}
	return out, errs
}

func parseBackendURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%q must be an http(s) URL with a host", raw)
	}
	return u, nil
}

func optionalDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("must not be negative")
	}
	return d, nil
}
