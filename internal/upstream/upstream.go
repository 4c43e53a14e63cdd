// Package upstream holds the typed upstream descriptor (spec §3) built
// once at configuration load time. Downstream components take a
// *Descriptor, never a map — see DESIGN NOTES §9 on replacing
// dynamically-typed configuration dictionaries with a typed record.
package upstream

import (
	"sort"
	"strings"
	"time"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"

	"github.com/Nya-Foundation/nyaproxy-go/internal/ratelimit"
	"github.com/Nya-Foundation/nyaproxy-go/internal/selector"
)

// RetryMode selects the delay/rotation behavior of the request executor
// between attempts (spec §4.6).
type RetryMode string

const (
	RetryLinear   RetryMode = "linear"
	RetryBackoff  RetryMode = "backoff"
	RetryRotation RetryMode = "rotation"
)

// RetryPolicy configures the request executor's retry loop.
type RetryPolicy struct {
	Enabled          bool
	MaxAttempts      int
	BaseDelay        time.Duration
	Mode             RetryMode
	RetryableStatus  map[int]bool
	RetryableMethods map[string]bool
}

// IsRetryableStatus reports whether status should trigger a retry.
func (p RetryPolicy) IsRetryableStatus(status int) bool {
	return p.RetryableStatus[status]
}

// IsRetryableMethod reports whether method participates in retries at
// all; non-retryable methods get exactly one attempt (spec §4.6 step 1).
func (p RetryPolicy) IsRetryableMethod(method string) bool {
	return p.RetryableMethods[strings.ToUpper(method)]
}

// Timeouts is the per-upstream composite timeout (spec §3, §5): connect,
// read, write, and total are stored separately. The executor applies only
// Total, as a per-attempt deadline; Connect, Read, and Write are not
// applied to requests.
type Timeouts struct {
	Connect time.Duration
	Read    time.Duration
	Write   time.Duration
	Total   time.Duration
}

// PathRewrite is one longest-pattern-first string substitution rule
// (spec §4.9 step 6, Open Question resolved in DESIGN.md: "rules first,
// identity if no match").
type PathRewrite struct {
	Pattern     string
	Replacement string
}

// Descriptor is one configured upstream API, immutable for the lifetime
// of a configuration generation (spec §3).
type Descriptor struct {
	Name    string
	Aliases []string
	BaseURL string

	// KeyVariable names the entry in Variables whose values are
	// credentials; every other variable is a template-only draw.
	KeyVariable string
	Variables   map[string][]string

	HeaderTemplates map[string]string

	EndpointRateLimit ratelimit.Spec
	KeyRateLimit      ratelimit.Spec

	Retry   RetryPolicy
	Timeout Timeouts

	Strategy selector.Strategy
	Weights  []float64

	RateLimitPaths []string
	PathRewrites   []PathRewrite
}

// Credentials returns the ordered credential values for this upstream,
// i.e. the key variable's value list.
func (d *Descriptor) Credentials() []string {
	return d.Variables[d.KeyVariable]
}

// MatchesAlias reports whether segment names this upstream, either by
// its stable name or one of its aliases (spec §4.1: "exact on the first
// segment").
func (d *Descriptor) MatchesAlias(segment string) bool {
	if segment == d.Name {
		return true
	}
	for _, a := range d.Aliases {
		if a == segment {
			return true
		}
	}
	return false
}

// RateLimited reports whether path is subject to rate-limiting per the
// upstream's configured glob patterns. An empty pattern list means every
// path is subject to rate-limiting (the common case: rate_limit_paths
// defaults to "apply everywhere").
func (d *Descriptor) RateLimited(path string) bool {
	if len(d.RateLimitPaths) == 0 {
		return true
	}
	for _, pattern := range d.RateLimitPaths {
		if wildcard.Match(pattern, path) {
			return true
		}
	}
	return false
}

// Rewrite glob-matches residual against the rewrite rules, longest
// pattern first, and returns the first matching rule's Replacement, or
// residual unchanged when no rule matches (spec §4.9 step 6).
func (d *Descriptor) Rewrite(residual string) string {
	if len(d.PathRewrites) == 0 {
		return residual
	}

	rules := make([]PathRewrite, len(d.PathRewrites))
	copy(rules, d.PathRewrites)
	sort.SliceStable(rules, func(i, j int) bool {
		return len(rules[i].Pattern) > len(rules[j].Pattern)
	})

	for _, rule := range rules {
		if wildcard.Match(rule.Pattern, residual) {
			return rule.Replacement
		}
	}
	return residual
}
