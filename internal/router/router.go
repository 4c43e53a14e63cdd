// Package router implements the Router component of spec §4.1: mapping
// an inbound path to (upstream name, residual path) by exact match on the
// first path segment after a configured API prefix.
package router

import (
	"strings"

	"github.com/Nya-Foundation/nyaproxy-go/internal/upstream"
)

// Router resolves inbound request paths to a configured upstream. It
// holds no mutable state beyond the descriptor set handed to it at
// construction, matching the immutability of upstream.Descriptor for
// the lifetime of a configuration generation.
type Router struct {
	prefix    string
	upstreams []*upstream.Descriptor
}

// New constructs a Router. prefix is the configured constant path
// segment preceding the upstream name (default "api").
func New(prefix string, upstreams []*upstream.Descriptor) *Router {
	return &Router{prefix: strings.Trim(prefix, "/"), upstreams: upstreams}
}

// Result is the outcome of a successful route lookup.
type Result struct {
	Upstream *upstream.Descriptor
	Residual string
}

// Route resolves path to (upstream, residual), or reports ok=false when
// the path doesn't start with the configured prefix or names an unknown
// segment. Matching is exact on the first segment after the prefix; it
// is not a longest-prefix match (spec §4.1).
func (r *Router) Route(path string) (Result, bool) {
	trimmed := strings.TrimPrefix(path, "/")
	parts := strings.SplitN(trimmed, "/", 3)

	if len(parts) < 2 || parts[0] != r.prefix {
		return Result{}, false
	}

	segment := parts[1]
	for _, u := range r.upstreams {
		if u.MatchesAlias(segment) {
			residual := "/"
			if len(parts) == 3 && parts[2] != "" {
				residual = "/" + parts[2]
			}
			return Result{Upstream: u, Residual: residual}, true
		}
	}
	return Result{}, false
}
