package model

import (
	"net/url"
	"regexp"
	"time"
)

// ActionKind discriminates what a matched route does with the request.
type ActionKind string

const (
	ActionProxy       ActionKind = "proxy"
	ActionLoadBalance ActionKind = "load_balance"
	ActionStatic      ActionKind = "static"
	ActionRedirect    ActionKind = "redirect"
	ActionWebsocket   ActionKind = "websocket"
)

// Strategy selects a backend among the healthy subset of a load-balanced route.
type Strategy string

const (
	StrategyRoundRobin Strategy = "round_robin"
	StrategyRandom     Strategy = "random"
	StrategyLeastConn  Strategy = "least_conn"
)

// Rewrite replaces the request path before dispatch. If the pattern does not
// match, the original path is forwarded unchanged.
type Rewrite struct {
	Pattern     *regexp.Regexp
	Replacement string
}

// Apply returns the rewritten path, or path itself on no match.
func (rw *Rewrite) Apply(path string) string {
	if rw == nil || rw.Pattern == nil {
		return path
	}
	if !rw.Pattern.MatchString(path) {
		return path
	}
	return rw.Pattern.ReplaceAllString(path, rw.Replacement)
}

// HeaderTransform is a per-route add/remove set applied to request or
// response headers.
type HeaderTransform struct {
	Add    map[string]string
	Remove []string
}

// Route match + action. One entry in the routing table.
type Route struct {
	Prefix string
	Host   string // empty => wildcard

	Kind ActionKind

	// proxy / load_balance
	Targets  []*url.URL // single element for proxy
	Strategy Strategy
	Rewrite  *Rewrite
	Proto    string // upstream transport: "http1" | "auto" | "h2c"

	// redirect
	RedirectTarget string
	RedirectStatus int

	// static
	StaticRoot   string
	IndexFile    string
	CacheControl string

	// websocket
	WSTarget     *url.URL
	MaxFrame     int64
	MaxMessage   int64
	Subprotocols []string
	IdleTimeout  time.Duration

	RequestHeaders  HeaderTransform
	ResponseHeaders HeaderTransform

	// LimiterID keys into the snapshot's limiter registry; empty = unlimited.
	LimiterID string
}

// Backends returns the normalised URLs of every upstream this route can
// forward to. Static and redirect routes have none.
func (r *Route) Backends() []string {
	switch r.Kind {
	case ActionProxy, ActionLoadBalance:
		out := make([]string, 0, len(r.Targets))
		for _, t := range r.Targets {
			out = append(out, NormalizeBackend(t))
		}
		return out
	case ActionWebsocket:
		if r.WSTarget != nil {
			return []string{NormalizeBackend(r.WSTarget)}
		}
	}
	return nil
}

// NormalizeBackend reduces a target URL to its scheme+authority identity,
// mapping ws/wss onto http/https so a backend probed over HTTP and tunnelled
// over WebSocket shares one health entry.
func NormalizeBackend(u *url.URL) string {
	scheme := u.Scheme
	switch scheme {
	case "ws":
		scheme = "http"
	case "wss":
		scheme = "https"
	}
	return scheme + "://" + u.Host
}
