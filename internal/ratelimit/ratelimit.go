// Package ratelimit implements the sliding-window admission control
// described in spec §4.2: a bounded sequence of admission timestamps
// within (now-W, now], evicted lazily on every operation.
package ratelimit

import (
	"math"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/Nya-Foundation/nyaproxy-go/internal/clock"
)

// unlimitedRemaining is reported by Remaining() for a limiter with no
// configured cap, matching the original implementation's "big but finite"
// convention instead of a magic infinity (see SPEC_FULL.md supplemented
// features).
const unlimitedRemaining = math.MaxInt32

var specPattern = regexp.MustCompile(`^(\d+)/([smhd])$`)

var timeUnits = map[string]time.Duration{
	"s": time.Second,
	"m": time.Minute,
	"h": time.Hour,
	"d": 24 * time.Hour,
}

// Spec is a parsed rate-limit specification: admit Capacity requests per
// Window. Capacity == 0 means unlimited.
type Spec struct {
	Capacity int
	Window   time.Duration
}

// Unlimited reports whether the spec admits every request.
func (s Spec) Unlimited() bool {
	return s.Capacity <= 0 || s.Window <= 0
}

// Parse parses a rate-limit spec string of the form "<N>/<unit>" where
// unit is one of s, m, h, d. An empty string, "0", or anything that
// doesn't match the grammar parses to an unlimited spec.
func Parse(raw string) Spec {
	if raw == "" || raw == "0" {
		return Spec{}
	}
	m := specPattern.FindStringSubmatch(raw)
	if m == nil {
		return Spec{}
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return Spec{}
	}
	unit, ok := timeUnits[m[2]]
	if !ok {
		return Spec{}
	}
	return Spec{Capacity: n, Window: unit}
}

// Limiter is a sliding-window admission controller. All operations are
// atomic under an internal mutex; nothing suspends inside the critical
// section.
type Limiter struct {
	mu    sync.Mutex
	spec  Spec
	clock clock.Clock

	// admitted holds timestamps of admitted requests within the current
	// window, oldest first. Eviction keeps len(admitted) <= Capacity.
	admitted []time.Time

	// blockedUntil implements mark_rate_limited via a sentinel rather
	// than synthetic timestamps: allow() is suppressed until now >=
	// blockedUntil, and reset_time() reports max(window reset, this).
	blockedUntil time.Time
}

// New constructs a Limiter from a parsed Spec using the real clock.
func New(spec Spec) *Limiter {
	return NewWithClock(spec, clock.Real{})
}

// NewWithClock constructs a Limiter with an injected clock, for tests.
func NewWithClock(spec Spec, c clock.Clock) *Limiter {
	return &Limiter{spec: spec, clock: c}
}

// Allow evicts stale timestamps, and if capacity remains admits the
// request (recording now) and returns true. Otherwise returns false
// without side effects beyond eviction.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if now.Before(l.blockedUntil) {
		return false
	}
	if l.spec.Unlimited() {
		return true
	}

	l.evictLocked(now)
	if len(l.admitted) >= l.spec.Capacity {
		return false
	}
	l.admitted = append(l.admitted, now)
	return true
}

// IsRateLimited reports Allow's predicate without admitting a request.
func (l *Limiter) IsRateLimited() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if now.Before(l.blockedUntil) {
		return true
	}
	if l.spec.Unlimited() {
		return false
	}
	l.evictLocked(now)
	return len(l.admitted) >= l.spec.Capacity
}

// Remaining returns the number of additional requests admittable in the
// current window.
func (l *Limiter) Remaining() int {
	if l.spec.Unlimited() {
		return unlimitedRemaining
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if now.Before(l.blockedUntil) {
		return 0
	}
	l.evictLocked(now)
	remaining := l.spec.Capacity - len(l.admitted)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ResetTime returns the number of seconds from now until the limiter
// will admit again, or 0 if it already would.
func (l *Limiter) ResetTime() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()

	var blockedReset time.Duration
	if now.Before(l.blockedUntil) {
		blockedReset = l.blockedUntil.Sub(now)
	}
	if l.spec.Unlimited() {
		return blockedReset
	}

	l.evictLocked(now)
	var windowReset time.Duration
	if len(l.admitted) >= l.spec.Capacity && len(l.admitted) > 0 {
		oldest := l.admitted[0]
		windowReset = oldest.Add(l.spec.Window).Sub(now)
		if windowReset < 0 {
			windowReset = 0
		}
	}

	if blockedReset > windowReset {
		return blockedReset
	}
	return windowReset
}

// MarkRateLimited forces ResetTime() to report at least d without
// admitting a request, for when an upstream tells us it is rate limited
// (e.g. via Retry-After) and we want concurrent callers to avoid this
// credential.
func (l *Limiter) MarkRateLimited(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	until := l.clock.Now().Add(d)
	if until.After(l.blockedUntil) {
		l.blockedUntil = until
	}
}

// Reset clears all admission state and any mark_rate_limited sentinel.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.admitted = nil
	l.blockedUntil = time.Time{}
}

// evictLocked drops timestamps at or before now-W, i.e. outside the
// current window. Caller must hold l.mu.
func (l *Limiter) evictLocked(now time.Time) {
	cutoff := now.Add(-l.spec.Window)
	i := 0
	for i < len(l.admitted) && !l.admitted[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.admitted = l.admitted[i:]
	}
}
