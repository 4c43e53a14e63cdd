// Package executor is the Request Executor of spec §4.6: it issues the
// outgoing HTTP call with retry and optional credential rotation,
// classifying failures the way the teacher's internal/ai/circuit.Breaker
// classifies transient vs. fatal errors, but as a stateless per-call loop
// rather than a standing breaker (DESIGN NOTES §9).
package executor

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"

	"github.com/Nya-Foundation/nyaproxy-go/internal/errs"
	"github.com/Nya-Foundation/nyaproxy-go/internal/headers"
	"github.com/Nya-Foundation/nyaproxy-go/internal/metrics"
	"github.com/Nya-Foundation/nyaproxy-go/internal/upstream"
)

const maxRetryAfter = 60 * time.Second

// Request is one outgoing call, fully resolved except for the credential
// substituted into the key variable's header on each attempt.
type Request struct {
	Upstream          string
	Method            string
	URL               string
	Body              []byte
	HeaderTemplates   map[string]string
	Values            map[string]string
	OriginalHeader    http.Header
	KeyVariable       string
	InitialCredential string
	Policy            upstream.RetryPolicy
	Timeouts          upstream.Timeouts
}

// Rotator is the subset of credential.Manager the executor needs for
// best-effort rotation between attempts.
type Rotator interface {
	GetAvailableKey(upstreamName string, applyRateLimit bool) (string, error)
	MarkRateLimited(upstreamName, cred string, d time.Duration)
}

// Pacer records in-flight/latency samples for the load balancer; in
// production this is an *internal/selector.Selector.
type Pacer interface {
	RecordStarted(value string)
	RecordCompleted(value string)
	RecordResponseTime(value string, d time.Duration)
}

type noopPacer struct{}

func (noopPacer) RecordStarted(string)               {}
func (noopPacer) RecordCompleted(string)             {}
func (noopPacer) RecordResponseTime(string, time.Duration) {}

// Executor issues HTTP calls for the orchestrator's step 7.
type Executor struct {
	client     *http.Client
	credential Rotator
	metrics    metrics.Sink
	pacers     func(upstreamName string) Pacer
	sleep      func(ctx context.Context, d time.Duration) error
}

// New builds an Executor sharing a single DNS-cached transport across
// every upstream, matching the teacher's go.mod-declared but unwired
// rs/dnscache — wired here as the shared resolver behind a pooled
// *http.Transport (DESIGN NOTES §9: "per-request client construction ...
// replace with a single shared, pooled HTTP client").
func New(credMgr Rotator, sink metrics.Sink, pacers func(upstreamName string) Pacer) *Executor {
	resolver := &dnscache.Resolver{}
	go refreshLoop(resolver)

	dialer := &net.Dialer{}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return dialer.DialContext(ctx, network, addr)
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil || len(ips) == 0 {
				return dialer.DialContext(ctx, network, addr)
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		},
		MaxIdleConns:        200,
		MaxIdleConnsPerHost: 50,
		IdleConnTimeout:     90 * time.Second,
	}

	if pacers == nil {
		pacers = func(string) Pacer { return noopPacer{} }
	}

	return &Executor{
		client:     &http.Client{Transport: transport},
		credential: credMgr,
		metrics:    sink,
		pacers:     pacers,
		sleep: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-timer.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
}

func refreshLoop(resolver *dnscache.Resolver) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		resolver.Refresh(true)
	}
}

// Execute runs the retry/rotation loop of spec §4.6 and returns the last
// response or the last error.
func (e *Executor) Execute(ctx context.Context, req Request) (*http.Response, error) {
	policy := req.Policy
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if policy.Enabled && len(policy.RetryableMethods) > 0 && !policy.IsRetryableMethod(req.Method) {
		maxAttempts = 1
	}
	if !policy.Enabled {
		maxAttempts = 1
	}

	pacer := e.pacers(req.Upstream)
	credential := req.InitialCredential

	var lastResp *http.Response
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if policy.Mode == upstream.RetryRotation && attempt > 1 {
			if next, err := e.credential.GetAvailableKey(req.Upstream, true); err == nil {
				credential = next
			}
			// KeyExhausted: rotation is best-effort, keep the previous credential.
		}

		values := cloneValues(req.Values)
		values[req.KeyVariable] = credential
		hdr := headers.Process(req.HeaderTemplates, values, req.OriginalHeader)

		e.metrics.RecordRequest(req.Upstream, credential)
		pacer.RecordStarted(credential)
		start := time.Now()

		resp, err := e.doOnce(ctx, req, hdr)

		elapsed := time.Since(start)
		pacer.RecordCompleted(credential)

		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		e.metrics.RecordResponse(req.Upstream, credential, status, elapsed)

		retryable, classified := e.classify(err, resp, policy)
		if !retryable {
			if resp != nil && err == nil {
				pacer.RecordResponseTime(credential, elapsed)
			}
			return resp, classified
		}

		lastResp, lastErr = resp, classified
		if resp != nil {
			resp.Body.Close()
		}

		if attempt == maxAttempts {
			break
		}

		delay := e.delayFor(attempt, resp, policy)
		e.credential.MarkRateLimited(req.Upstream, credential, delay)

		log.Warn().Str("component", "executor").Str("upstream", req.Upstream).
			Int("attempt", attempt).Dur("delay", delay).Msg("retrying request")

		if sleepErr := e.sleep(ctx, delay); sleepErr != nil {
			return nil, sleepErr
		}
	}

	if lastResp == nil && lastErr == nil {
		lastErr = &errs.ExecutorExhausted{Upstream: req.Upstream, Attempts: maxAttempts}
	}
	return lastResp, lastErr
}

func (e *Executor) doOnce(ctx context.Context, req Request, hdr http.Header) (*http.Response, error) {
	total := req.Timeouts.Total
	if total <= 0 {
		total = 30 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, total)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(callCtx, req.Method, req.URL, body)
	if err != nil {
		return nil, &errs.UpstreamConnect{Upstream: req.Upstream, Detail: err.Error()}
	}
	httpReq.Header = hdr

	resp, err := e.client.Do(httpReq)
	if err != nil {
		if callCtx.Err() != nil {
			return nil, &errs.UpstreamTimeout{Upstream: req.Upstream, Elapsed: total.String()}
		}
		return nil, &errs.UpstreamConnect{Upstream: req.Upstream, Detail: err.Error()}
	}
	return resp, nil
}

// classify maps the raw outcome to (retryable, error-to-report). A nil
// returned error with retryable=false means resp is a final, usable
// response.
func (e *Executor) classify(err error, resp *http.Response, policy upstream.RetryPolicy) (bool, error) {
	if err != nil {
		if !policy.Enabled {
			return false, err
		}
		return true, err
	}
	if policy.Enabled && policy.IsRetryableStatus(resp.StatusCode) {
		return true, nil
	}
	return false, nil
}

// delayFor computes the inter-attempt delay per spec §4.6 step 2e: a
// Retry-After header wins outright, otherwise the configured mode's
// formula applies.
func (e *Executor) delayFor(attempt int, resp *http.Response, policy upstream.RetryPolicy) time.Duration {
	if resp != nil {
		if d, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
			if d > maxRetryAfter {
				d = maxRetryAfter
			}
			return d
		}
	}

	base := policy.BaseDelay
	if base <= 0 {
		base = time.Second
	}

	switch policy.Mode {
	case upstream.RetryBackoff:
		jitter := 0.75 + rand.Float64()*0.5
		multiplier := 1.0
		for i := 1; i < attempt; i++ {
			multiplier *= 1.5
		}
		return time.Duration(float64(base) * multiplier * jitter)
	case upstream.RetryRotation:
		return base
	default: // linear
		return base
	}
}

func parseRetryAfter(raw string) (time.Duration, bool) {
	if raw == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if when, err := http.ParseTime(raw); err == nil {
		d := time.Until(when)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

func cloneValues(values map[string]string) map[string]string {
	out := make(map[string]string, len(values)+1)
	for k, v := range values {
		out[k] = v
	}
	return out
}
