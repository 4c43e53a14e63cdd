// Package credential implements the Credential Manager of spec §4.4,
// composing one selector and one set of rate limiters per upstream: an
// endpoint limiter plus one limiter per credential.
package credential

import (
	"math"
	"sync"
	"time"

	"github.com/Nya-Foundation/nyaproxy-go/internal/errs"
	"github.com/Nya-Foundation/nyaproxy-go/internal/ratelimit"
	"github.com/Nya-Foundation/nyaproxy-go/internal/selector"
	"github.com/Nya-Foundation/nyaproxy-go/internal/upstream"
)

// state is the per-upstream composition: one selector plus one limiter
// per credential plus one endpoint-wide limiter.
type state struct {
	selector *selector.Selector
	endpoint *ratelimit.Limiter
	keys     map[string]*ratelimit.Limiter
	usage    map[string]int64
}

// Manager owns credential selection and rate-limit bookkeeping for every
// configured upstream. Lock order, per spec §5: Manager -> Limiter ->
// Selector; the manager's own lock is held only for the O(|credentials|)
// cheap predicate checks in GetAvailableKey, never across I/O.
type Manager struct {
	mu    sync.Mutex
	byAPI map[string]*state
}

// New constructs an empty Manager. Call Register for each configured
// upstream before serving traffic.
func New() *Manager {
	return &Manager{byAPI: make(map[string]*state)}
}

// Register wires a selector and limiters for d, replacing any prior
// registration of the same upstream name (used at configuration load/
// reload; spec §3 "Limiters and selectors created at configuration
// load, destroyed on reload").
func (m *Manager) Register(d *upstream.Descriptor) {
	keys := make(map[string]*ratelimit.Limiter, len(d.Credentials()))
	usage := make(map[string]int64, len(d.Credentials()))
	for _, cred := range d.Credentials() {
		keys[cred] = ratelimit.New(d.KeyRateLimit)
		usage[cred] = 0
	}

	sel := selector.New(d.Strategy, d.Credentials())
	if len(d.Weights) > 0 {
		sel.SetWeights(d.Weights)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.byAPI[d.Name] = &state{
		selector: sel,
		endpoint: ratelimit.New(d.EndpointRateLimit),
		keys:     keys,
		usage:    usage,
	}
}

func (m *Manager) lookup(name string) (*state, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.byAPI[name]
	if !ok {
		return nil, &errs.ConfigError{Upstream: name, Reason: "no selector registered"}
	}
	return st, nil
}

// IsAPIAvailable reports whether the upstream's endpoint limiter is not
// currently blocked.
func (m *Manager) IsAPIAvailable(name string) bool {
	st, err := m.lookup(name)
	if err != nil {
		return false
	}
	return !st.endpoint.IsRateLimited()
}

// HasAvailableKeys reports whether at least one credential's limiter is
// not currently rate limited.
func (m *Manager) HasAvailableKeys(name string) bool {
	st, err := m.lookup(name)
	if err != nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range st.keys {
		if !l.IsRateLimited() {
			return true
		}
	}
	return len(st.keys) == 0
}

// GetAvailableKey draws up to len(credentials) times from the selector,
// returning the first credential whose limiter admits. With applyRL
// false the first draw is returned unconditionally (used when rate
// limiting doesn't apply to the current path, spec §4.9 step 2).
// Returns errs.KeyExhausted if no credential admits within one full
// cycle of draws.
func (m *Manager) GetAvailableKey(name string, applyRL bool) (string, error) {
	st, err := m.lookup(name)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(st.keys) == 0 {
		// No credentials configured at all: the selector degenerates to
		// a single blank value (spec §4.3 invariant).
		return st.selector.Next(), nil
	}

	if !applyRL {
		return st.selector.Next(), nil
	}

	attempts := len(st.keys)
	for i := 0; i < attempts; i++ {
		cred := st.selector.Next()
		limiter, ok := st.keys[cred]
		if !ok || limiter.Allow() {
			st.usage[cred]++
			return cred, nil
		}
	}
	return "", &errs.KeyExhausted{Upstream: name}
}

// MarkRateLimited forwards to credential's limiter, forcing its reset
// time to at least d.
func (m *Manager) MarkRateLimited(name, credential string, d time.Duration) {
	st, err := m.lookup(name)
	if err != nil {
		return
	}
	m.mu.Lock()
	limiter, ok := st.keys[credential]
	m.mu.Unlock()
	if ok {
		limiter.MarkRateLimited(d)
	}
}

// MarkAPIRateLimited forces the endpoint-wide limiter's reset time to at
// least d, e.g. when an upstream returns a 429 unrelated to any single
// credential.
func (m *Manager) MarkAPIRateLimited(name string, d time.Duration) {
	st, err := m.lookup(name)
	if err != nil {
		return
	}
	st.endpoint.MarkRateLimited(d)
}

// GetAPIRateLimitReset returns the endpoint limiter's reset time, or def
// if the upstream is unknown.
func (m *Manager) GetAPIRateLimitReset(name string, def time.Duration) time.Duration {
	st, err := m.lookup(name)
	if err != nil {
		return def
	}
	return st.endpoint.ResetTime()
}

// GetKeyRateLimitReset returns the minimum reset time across all of the
// upstream's per-credential limiters: the time until some credential
// frees up.
func (m *Manager) GetKeyRateLimitReset(name string) time.Duration {
	st, err := m.lookup(name)
	if err != nil {
		return 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(st.keys) == 0 {
		return 0
	}

	min := time.Duration(math.MaxInt64)
	for _, l := range st.keys {
		if r := l.ResetTime(); r < min {
			min = r
		}
	}
	return min
}

// ResetRateLimits clears the endpoint limiter and every per-credential
// limiter for the named upstreams, or every registered upstream when
// names is empty.
func (m *Manager) ResetRateLimits(names ...string) {
	m.mu.Lock()
	targets := names
	if len(targets) == 0 {
		for n := range m.byAPI {
			targets = append(targets, n)
		}
	}
	states := make([]*state, 0, len(targets))
	for _, n := range targets {
		if st, ok := m.byAPI[n]; ok {
			states = append(states, st)
		}
	}
	m.mu.Unlock()

	for _, st := range states {
		st.endpoint.Reset()
		for _, l := range st.keys {
			l.Reset()
		}
	}
}

// KeyStats is a per-credential usage snapshot for the dashboard
// collaborator (SPEC_FULL.md supplemented features, grounded on
// key_manager.py's usage tracking).
type KeyStats struct {
	Masked       string
	UsageCount   int64
	RateLimited  bool
	ResetSeconds float64
}

// GetKeyStats returns masked per-credential usage stats for name.
func (m *Manager) GetKeyStats(name string) []KeyStats {
	st, err := m.lookup(name)
	if err != nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]KeyStats, 0, len(st.keys))
	for cred, l := range st.keys {
		out = append(out, KeyStats{
			Masked:       Mask(cred),
			UsageCount:   st.usage[cred],
			RateLimited:  l.IsRateLimited(),
			ResetSeconds: l.ResetTime().Seconds(),
		})
	}
	return out
}

// Selector exposes the registered credential selector for an upstream;
// cmd/nyaproxy hands it to the executor as its Pacer. Returns nil for an
// unknown upstream.
func (m *Manager) Selector(name string) *selector.Selector {
	st, err := m.lookup(name)
	if err != nil {
		return nil
	}
	return st.selector
}

// Readiness adapts a Manager to the queue package's Readiness interface:
// an upstream is ready to drain once its endpoint limiter and at least
// one credential limiter are both clear.
type Readiness struct{ M *Manager }

func (r Readiness) Ready(name string) bool {
	return r.M.IsAPIAvailable(name) && r.M.HasAvailableKeys(name)
}

// Acquirer adapts a Manager to the queue package's Acquirer interface,
// drawing a rate-limit-checked credential for a dequeued request.
type Acquirer struct{ M *Manager }

func (a Acquirer) Acquire(name string) (string, error) {
	return a.M.GetAvailableKey(name, true)
}

// Mask redacts a credential to "abcd...wxyz" for logs (spec §3).
func Mask(credential string) string {
	const visible = 4
	if len(credential) <= visible*2 {
		return "****"
	}
	return credential[:visible] + "..." + credential[len(credential)-visible:]
}
