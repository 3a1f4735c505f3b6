package router

import (
	"strings"

	"github.com/longcipher/axon/internal/model"
)

// Table is an immutable route lookup structure. Build one per config
// activation and publish it inside the routing snapshot; never mutate it.
type Table struct {
	exact map[string][]model.Route // lowercased host -> its routes
	wild  []model.Route            // routes with no host constraint
}

// New indexes routes by host. Host-qualified entries always win over
// wildcard entries; within a bucket the longest matching prefix wins.
func New(routes []model.Route) *Table {
	t := &Table{exact: make(map[string][]model.Route)}
	for _, r := range routes {
		if r.Host == "" {
			t.wild = append(t.wild, r)
			continue
		}
		key := strings.ToLower(r.Host)
		t.exact[key] = append(t.exact[key], r)
	}
	return t
}

// Match returns the route for (host, path) or nil. Host comparison is
// case-insensitive and ignores the port.
func (t *Table) Match(host, path string) *model.Route {
	if strings.HasPrefix(host, "[") {
		// Bracketed IPv6 literal, possibly with a port.
		if end := strings.IndexByte(host, ']'); end >= 0 {
			host = host[1:end]
		}
	} else if name, _, ok := strings.Cut(host, ":"); ok {
		host = name
	}
	host = strings.ToLower(host)

	if r := longestPrefix(t.exact[host], path); r != nil {
		return r
	}
	return longestPrefix(t.wild, path)
}

// Len reports the number of routes in the table.
func (t *Table) Len() int {
	n := len(t.wild)
	for _, rs := range t.exact {
		n += len(rs)
	}
	return n
}

// longestPrefix scans the bucket for the candidate whose prefix matches path
// and is longest, tracking the best explicitly so the bucket needs no
// particular order.
func longestPrefix(routes []model.Route, path string) *model.Route {
	var best *model.Route
	bestLen := -1
	for i := range routes {
		p := routes[i].Prefix
		if len(p) <= bestLen {
			continue
		}
		if strings.HasPrefix(path, p) {
			best = &routes[i]
			bestLen = len(p)
		}
	}
	return best
}
