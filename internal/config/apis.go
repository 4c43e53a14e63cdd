package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Nya-Foundation/nyaproxy-go/internal/errs"
	"github.com/Nya-Foundation/nyaproxy-go/internal/ratelimit"
	"github.com/Nya-Foundation/nyaproxy-go/internal/selector"
	"github.com/Nya-Foundation/nyaproxy-go/internal/upstream"
)

// secondsToDuration converts a YAML float-seconds field to a Duration,
// falling back to defSeconds when unset (zero).
func secondsToDuration(seconds float64, defSeconds float64) time.Duration {
	if seconds <= 0 {
		seconds = defSeconds
	}
	return time.Duration(seconds * float64(time.Second))
}

// apisFile is the top-level shape of the YAML apis file (spec §6
// "consumed from configuration collaborator"): a default_settings block
// merged into every entry under apis, keyed by upstream name.
type apisFile struct {
	DefaultSettings apiEntry            `yaml:"default_settings"`
	APIs            map[string]apiEntry `yaml:"apis"`
}

type rateLimitEntry struct {
	Endpoint string `yaml:"endpoint_rate_limit"`
	Key      string `yaml:"key_rate_limit"`
}

type retryEntry struct {
	Enabled          *bool    `yaml:"enabled"`
	Attempts         int      `yaml:"attempts"`
	RetryAfterSecond float64  `yaml:"retry_after_seconds"`
	Mode             string   `yaml:"mode"`
	Methods          []string `yaml:"methods"`
	StatusCodes      []int    `yaml:"status_codes"`
}

type timeoutEntry struct {
	ConnectSeconds float64 `yaml:"connect_seconds"`
	ReadSeconds    float64 `yaml:"read_seconds"`
	WriteSeconds   float64 `yaml:"write_seconds"`
	TotalSeconds   float64 `yaml:"total_seconds"`
}

type pathRewriteEntry struct {
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

// apiEntry mirrors one YAML "apis.<name>" block, and also default_settings
// (spec §6's field list verbatim). Only retry.enabled is a pointer, so it
// alone distinguishes "unset" from "explicitly false"; for every other
// field mergeEntry treats the zero value as unset.
type apiEntry struct {
	Endpoint              string              `yaml:"endpoint"`
	Aliases               []string            `yaml:"aliases"`
	KeyVariable           string              `yaml:"key_variable"`
	Variables             map[string][]string `yaml:"variables"`
	Headers               map[string]string   `yaml:"headers"`
	RateLimit             rateLimitEntry      `yaml:"rate_limit"`
	Retry                 retryEntry          `yaml:"retry"`
	Timeout               timeoutEntry        `yaml:"timeout"`
	LoadBalancingStrategy string              `yaml:"load_balancing_strategy"`
	Weights               []float64           `yaml:"weights"`
	RateLimitPaths        []string            `yaml:"rate_limit_paths"`
	PathRewrites          []pathRewriteEntry `yaml:"path_rewrites"`
}

var defaultRetryStatusCodes = []int{429, 500, 502, 503, 504, 507, 524}
var defaultRetryMethods = []string{"GET", "POST", "PUT", "DELETE", "PATCH"}

// loadUpstreams reads and decodes the apis YAML file at path into typed
// upstream.Descriptor records, merging default_settings into every
// upstream the way config_manager.get_default_settings feeds
// proxy_handler's per-API initialization.
func loadUpstreams(path string) ([]*upstream.Descriptor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &errs.ConfigError{Upstream: "*", Reason: fmt.Sprintf("reading %s: %s", path, err)}
	}

	var doc apisFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, &errs.ConfigError{Upstream: "*", Reason: fmt.Sprintf("parsing %s: %s", path, err)}
	}

	descriptors := make([]*upstream.Descriptor, 0, len(doc.APIs))
	for name, entry := range doc.APIs {
		merged := mergeEntry(doc.DefaultSettings, entry)
		d, err := toDescriptor(name, merged)
		if err != nil {
			return nil, err
		}
		descriptors = append(descriptors, d)
	}
	return descriptors, nil
}

// mergeEntry overlays entry's explicitly-set fields on top of defaults,
// the same "default_settings then per-API override" precedence
// config_manager.py applies.
func mergeEntry(defaults, entry apiEntry) apiEntry {
	out := defaults
	if entry.Endpoint != "" {
		out.Endpoint = entry.Endpoint
	}
	if len(entry.Aliases) > 0 {
		out.Aliases = entry.Aliases
	}
	if entry.KeyVariable != "" {
		out.KeyVariable = entry.KeyVariable
	}
	if len(entry.Variables) > 0 {
		out.Variables = entry.Variables
	}
	if len(entry.Headers) > 0 {
		out.Headers = entry.Headers
	}
	if entry.RateLimit.Endpoint != "" {
		out.RateLimit.Endpoint = entry.RateLimit.Endpoint
	}
	if entry.RateLimit.Key != "" {
		out.RateLimit.Key = entry.RateLimit.Key
	}
	if entry.Retry.Enabled != nil {
		out.Retry.Enabled = entry.Retry.Enabled
	}
	if entry.Retry.Attempts != 0 {
		out.Retry.Attempts = entry.Retry.Attempts
	}
	if entry.Retry.RetryAfterSecond != 0 {
		out.Retry.RetryAfterSecond = entry.Retry.RetryAfterSecond
	}
	if entry.Retry.Mode != "" {
		out.Retry.Mode = entry.Retry.Mode
	}
	if len(entry.Retry.Methods) > 0 {
		out.Retry.Methods = entry.Retry.Methods
	}
	if len(entry.Retry.StatusCodes) > 0 {
		out.Retry.StatusCodes = entry.Retry.StatusCodes
	}
	if entry.Timeout.ConnectSeconds != 0 {
		out.Timeout.ConnectSeconds = entry.Timeout.ConnectSeconds
	}
	if entry.Timeout.ReadSeconds != 0 {
		out.Timeout.ReadSeconds = entry.Timeout.ReadSeconds
	}
	if entry.Timeout.WriteSeconds != 0 {
		out.Timeout.WriteSeconds = entry.Timeout.WriteSeconds
	}
	if entry.Timeout.TotalSeconds != 0 {
		out.Timeout.TotalSeconds = entry.Timeout.TotalSeconds
	}
	if entry.LoadBalancingStrategy != "" {
		out.LoadBalancingStrategy = entry.LoadBalancingStrategy
	}
	if len(entry.Weights) > 0 {
		out.Weights = entry.Weights
	}
	if len(entry.RateLimitPaths) > 0 {
		out.RateLimitPaths = entry.RateLimitPaths
	}
	if len(entry.PathRewrites) > 0 {
		out.PathRewrites = entry.PathRewrites
	}
	return out
}

// toDescriptor converts one merged YAML entry into the typed record
// downstream packages consume, applying the same "keys default to [""]"
// and "strategy defaults to round_robin" fallbacks as
// config_manager.get_api_variables / proxy_handler's load-balancer init.
func toDescriptor(name string, e apiEntry) (*upstream.Descriptor, error) {
	if e.Endpoint == "" {
		return nil, &errs.ConfigError{Upstream: name, Reason: "no endpoint configured"}
	}

	keyVariable := e.KeyVariable
	if keyVariable == "" {
		keyVariable = "keys"
	}

	variables := e.Variables
	if variables == nil {
		variables = map[string][]string{}
	}
	if len(variables[keyVariable]) == 0 {
		variables[keyVariable] = []string{""}
	}

	strategy := selector.Strategy(e.LoadBalancingStrategy)
	if strategy == "" {
		strategy = selector.RoundRobin
	}

	retryEnabled := true
	if e.Retry.Enabled != nil {
		retryEnabled = *e.Retry.Enabled
	}
	attempts := e.Retry.Attempts
	if attempts <= 0 {
		attempts = 3
	}
	baseDelay := secondsToDuration(e.Retry.RetryAfterSecond, 1)
	mode := upstream.RetryMode(strings.ToLower(e.Retry.Mode))
	if mode == "" {
		mode = upstream.RetryLinear
	}
	statusCodes := e.Retry.StatusCodes
	if len(statusCodes) == 0 {
		statusCodes = defaultRetryStatusCodes
	}
	methods := e.Retry.Methods
	if len(methods) == 0 {
		methods = defaultRetryMethods
	}

	rewrites := make([]upstream.PathRewrite, 0, len(e.PathRewrites))
	for _, r := range e.PathRewrites {
		rewrites = append(rewrites, upstream.PathRewrite{Pattern: r.Pattern, Replacement: r.Replacement})
	}

	return &upstream.Descriptor{
		Name:            name,
		Aliases:         e.Aliases,
		BaseURL:         strings.TrimSuffix(e.Endpoint, "/"),
		KeyVariable:     keyVariable,
		Variables:       variables,
		HeaderTemplates: e.Headers,

		EndpointRateLimit: ratelimit.Parse(e.RateLimit.Endpoint),
		KeyRateLimit:      ratelimit.Parse(e.RateLimit.Key),

		Retry: upstream.RetryPolicy{
			Enabled:          retryEnabled,
			MaxAttempts:      attempts,
			BaseDelay:        baseDelay,
			Mode:             mode,
			RetryableStatus:  toStatusSet(statusCodes),
			RetryableMethods: toMethodSet(methods),
		},
		Timeout: upstream.Timeouts{
			Connect: secondsToDuration(e.Timeout.ConnectSeconds, 10),
			Read:    secondsToDuration(e.Timeout.ReadSeconds, 30),
			Write:   secondsToDuration(e.Timeout.WriteSeconds, 30),
			Total:   secondsToDuration(e.Timeout.TotalSeconds, 60),
		},

		Strategy:       strategy,
		Weights:        e.Weights,
		RateLimitPaths: e.RateLimitPaths,
		PathRewrites:   rewrites,
	}, nil
}

func toStatusSet(codes []int) map[int]bool {
	set := make(map[int]bool, len(codes))
	for _, c := range codes {
		set[c] = true
	}
	return set
}

func toMethodSet(methods []string) map[string]bool {
	set := make(map[string]bool, len(methods))
	for _, m := range methods {
		set[strings.ToUpper(m)] = true
	}
	return set
}
