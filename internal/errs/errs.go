// Package errs defines the tagged error taxonomy the orchestrator uses to
// translate internal failures into HTTP responses (spec §7). Errors carry
// an HTTP status so no handler needs a type switch to pick one.
package errs

import "fmt"

// UnknownUpstream means the router could not resolve a path to a
// configured upstream.
type UnknownUpstream struct {
	Path string
}

func (e *UnknownUpstream) Error() string {
	return fmt.Sprintf("no upstream matches path %q", e.Path)
}

// Status returns the HTTP status this error maps to.
func (e *UnknownUpstream) Status() int { return 404 }

// ConfigError means an internal inconsistency was found for a known
// upstream (e.g. no selector configured).
type ConfigError struct {
	Upstream string
	Reason   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error for upstream %q: %s", e.Upstream, e.Reason)
}

func (e *ConfigError) Status() int { return 500 }

// KeyExhausted means every credential's limiter is currently saturated.
type KeyExhausted struct {
	Upstream string
}

func (e *KeyExhausted) Error() string {
	return fmt.Sprintf("all credentials rate-limited for upstream %q", e.Upstream)
}

func (e *KeyExhausted) Status() int { return 429 }

// EndpointRateLimited means the upstream-wide endpoint limiter is blocked.
type EndpointRateLimited struct {
	Upstream string
}

func (e *EndpointRateLimited) Error() string {
	return fmt.Sprintf("endpoint rate limited for upstream %q", e.Upstream)
}

func (e *EndpointRateLimited) Status() int { return 429 }

// QueueFull means the deferred queue refused an enqueue for an upstream
// that has reached its configured maximum size.
type QueueFull struct {
	Upstream string
}

func (e *QueueFull) Error() string {
	return fmt.Sprintf("deferred queue full for upstream %q", e.Upstream)
}

func (e *QueueFull) Status() int { return 429 }

// RequestExpired means a queued entry waited longer than its expiry
// budget without the upstream becoming ready.
type RequestExpired struct {
	Upstream string
	Waited   string
}

func (e *RequestExpired) Error() string {
	return fmt.Sprintf("request expired waiting for upstream %q (waited %s)", e.Upstream, e.Waited)
}

func (e *RequestExpired) Status() int { return 504 }

// QueueCleared means the entry's queue was cleared (admin action or
// shutdown) before it could be dequeued.
type QueueCleared struct {
	Upstream string
}

func (e *QueueCleared) Error() string {
	return fmt.Sprintf("queue cleared for upstream %q", e.Upstream)
}

func (e *QueueCleared) Status() int { return 503 }

// UpstreamTimeout means the upstream call exceeded its composite timeout.
type UpstreamTimeout struct {
	Upstream string
	Elapsed  string
}

func (e *UpstreamTimeout) Error() string {
	return fmt.Sprintf("upstream %q timed out after %s", e.Upstream, e.Elapsed)
}

func (e *UpstreamTimeout) Status() int { return 504 }

// UpstreamConnect means a network/connect failure occurred reaching the
// upstream.
type UpstreamConnect struct {
	Upstream string
	Detail   string
}

func (e *UpstreamConnect) Error() string {
	return fmt.Sprintf("failed to connect to upstream %q: %s", e.Upstream, e.Detail)
}

func (e *UpstreamConnect) Status() int { return 502 }

// ExecutorExhausted means every retry attempt failed with no usable
// response.
type ExecutorExhausted struct {
	Upstream string
	Attempts int
}

func (e *ExecutorExhausted) Error() string {
	return fmt.Sprintf("upstream %q exhausted %d attempts with no response", e.Upstream, e.Attempts)
}

func (e *ExecutorExhausted) Status() int { return 502 }

// StatusCoder is implemented by every error in this taxonomy so the HTTP
// layer can map an error to a response without a type switch.
type StatusCoder interface {
	error
	Status() int
}

// StatusOf returns the HTTP status for err, defaulting to 500 when err
// does not implement StatusCoder.
func StatusOf(err error) int {
	if sc, ok := err.(StatusCoder); ok {
		return sc.Status()
	}
	return 500
}
