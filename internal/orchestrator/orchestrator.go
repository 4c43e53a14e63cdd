// Package orchestrator composes the router, credential manager, header
// substituter, request executor, and response finalizer into the single
// request lifecycle of spec §4.9, including the queue-or-reject decision
// and the dequeued-request reentry path.
package orchestrator

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Nya-Foundation/nyaproxy-go/internal/clock"
	"github.com/Nya-Foundation/nyaproxy-go/internal/credential"
	"github.com/Nya-Foundation/nyaproxy-go/internal/errs"
	"github.com/Nya-Foundation/nyaproxy-go/internal/executor"
	"github.com/Nya-Foundation/nyaproxy-go/internal/finalize"
	"github.com/Nya-Foundation/nyaproxy-go/internal/headers"
	"github.com/Nya-Foundation/nyaproxy-go/internal/metrics"
	"github.com/Nya-Foundation/nyaproxy-go/internal/queue"
	"github.com/Nya-Foundation/nyaproxy-go/internal/router"
	"github.com/Nya-Foundation/nyaproxy-go/internal/selector"
	"github.com/Nya-Foundation/nyaproxy-go/internal/upstream"
)

// Inbound is one client request as handed to the orchestrator, already
// stripped of the core's own transport concerns (spec §3 "Inbound
// request").
type Inbound struct {
	Method       string
	Path         string
	Header       http.Header
	Body         []byte
	OriginalHost string
}

// Executor is the subset of *executor.Executor the orchestrator depends
// on, narrowed for testability.
type Executor interface {
	Execute(ctx context.Context, req executor.Request) (*http.Response, error)
}

// Config wires every collaborator the orchestrator composes.
type Config struct {
	Router      *router.Router
	Credentials *credential.Manager
	Queue       *queue.Manager
	Executor    Executor
	Metrics     metrics.Sink
	Clock       clock.Clock

	// QueueEnabled toggles the deferred-queue fallback of spec §4.9
	// step 3. When false (or Queue is nil), saturated upstreams reject
	// with 429 instead of parking the request.
	QueueEnabled bool

	// DefaultEndpointReset is the value GetAPIRateLimitReset returns when
	// the upstream is not registered with the credential manager.
	DefaultEndpointReset time.Duration
}

// Orchestrator is the request-lifecycle glue of spec §4.9. varSelectors
// is built once at construction and never mutated afterward, the same
// immutability contract as upstream.Descriptor for a configuration
// generation.
type Orchestrator struct {
	cfg          Config
	varSelectors map[string]map[string]*selector.Selector
}

// New builds an Orchestrator and registers a round-robin selector for
// every non-key template variable across upstreams (see DESIGN.md's Open
// Question decision on parallel per-variable selectors).
func New(cfg Config, upstreams []*upstream.Descriptor) *Orchestrator {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.DefaultEndpointReset <= 0 {
		cfg.DefaultEndpointReset = 5 * time.Second
	}

	o := &Orchestrator{
		cfg:          cfg,
		varSelectors: make(map[string]map[string]*selector.Selector),
	}

	for _, d := range upstreams {
		vars := map[string]*selector.Selector{}
		for name, values := range d.Variables {
			if name == d.KeyVariable {
				continue
			}
			vars[name] = selector.New(selector.RoundRobin, values)
		}
		o.varSelectors[d.Name] = vars
	}

	if cfg.Queue != nil {
		cfg.Queue.SetProcessor(o.processDequeued)
	}

	return o
}

// queuedRequest is the payload parked in the deferred queue; it carries
// everything process5to8 needs to resume without re-running routing or
// the rate-limit decision.
type queuedRequest struct {
	Upstream *upstream.Descriptor
	Residual string
	Inbound  Inbound
}

func (o *Orchestrator) processDequeued(ctx context.Context, payload interface{}, cred string) queue.Outcome {
	qr := payload.(*queuedRequest)
	result, err := o.process5to8(ctx, qr.Upstream, qr.Residual, qr.Inbound, cred)
	return queue.Outcome{Value: result, Err: err}
}

// Process runs the full spec §4.9 lifecycle for one inbound request.
func (o *Orchestrator) Process(ctx context.Context, in Inbound) (*finalize.Result, error) {
	routed, ok := o.cfg.Router.Route(in.Path)
	if !ok {
		return nil, &errs.UnknownUpstream{Path: in.Path}
	}
	d := routed.Upstream

	if !d.RateLimited(routed.Residual) {
		cred, err := o.cfg.Credentials.GetAvailableKey(d.Name, false)
		if err != nil {
			return nil, err
		}
		return o.process5to8(ctx, d, routed.Residual, in, cred)
	}

	apiAvailable := o.cfg.Credentials.IsAPIAvailable(d.Name)
	hasKeys := o.cfg.Credentials.HasAvailableKeys(d.Name)
	if apiAvailable && hasKeys {
		cred, err := o.cfg.Credentials.GetAvailableKey(d.Name, true)
		if err != nil {
			o.cfg.Metrics.RecordRateLimitHit(d.Name)
			return nil, err
		}
		return o.process5to8(ctx, d, routed.Residual, in, cred)
	}

	o.cfg.Metrics.RecordRateLimitHit(d.Name)

	if !o.cfg.QueueEnabled || o.cfg.Queue == nil {
		if !apiAvailable {
			return nil, &errs.EndpointRateLimited{Upstream: d.Name}
		}
		return nil, &errs.KeyExhausted{Upstream: d.Name}
	}

	endpointReset := o.cfg.Credentials.GetAPIRateLimitReset(d.Name, o.cfg.DefaultEndpointReset)
	keyReset := o.cfg.Credentials.GetKeyRateLimitReset(d.Name)
	queueWait := o.cfg.Queue.EstimatedWait(d.Name)
	wait := max(endpointReset, keyReset, queueWait)

	o.cfg.Metrics.RecordQueueHit(d.Name)

	handle, err := o.cfg.Queue.Enqueue(d.Name, &queuedRequest{Upstream: d, Residual: routed.Residual, Inbound: in}, wait)
	if err != nil {
		return nil, err
	}

	perUpstreamTimeout := d.Timeout.Total
	if perUpstreamTimeout <= 0 {
		perUpstreamTimeout = 30 * time.Second
	}
	waitCtx, cancel := context.WithTimeout(ctx, wait+perUpstreamTimeout)
	defer cancel()

	outcome := handle.Wait(waitCtx)
	if outcome.Err != nil {
		return nil, outcome.Err
	}
	result, _ := outcome.Value.(*finalize.Result)
	return result, nil
}

// process5to8 runs steps 5-8 of spec §4.9: header substitution, URL
// construction, executor invocation, and finalization. It's shared by
// the direct and dequeued-request paths.
func (o *Orchestrator) process5to8(ctx context.Context, d *upstream.Descriptor, residual string, in Inbound, cred string) (*finalize.Result, error) {
	values := o.resolveTemplateValues(d)

	url := d.BaseURL + d.Rewrite(residual)

	resp, err := o.cfg.Executor.Execute(ctx, executor.Request{
		Upstream:          d.Name,
		Method:            in.Method,
		URL:               url,
		Body:              in.Body,
		HeaderTemplates:   d.HeaderTemplates,
		Values:            values,
		OriginalHeader:    in.Header,
		KeyVariable:       d.KeyVariable,
		InitialCredential: cred,
		Policy:            d.Retry,
		Timeouts:          d.Timeout,
	})
	if err != nil {
		log.Warn().Str("component", "orchestrator").Str("upstream", d.Name).Err(err).Msg("executor returned no usable response")
	}

	result := finalize.Finalize(resp, in.OriginalHost)
	return &result, nil
}

// resolveTemplateValues draws one value per non-key referenced template
// variable from its parallel selector (spec §4.9 step 5). The key
// variable itself is left unset here; the executor fills it per attempt.
func (o *Orchestrator) resolveTemplateValues(d *upstream.Descriptor) map[string]string {
	refs := headers.ReferencedVariables(d.HeaderTemplates)
	values := make(map[string]string, len(refs))
	vars := o.varSelectors[d.Name]

	for _, name := range refs {
		if name == d.KeyVariable {
			continue
		}
		if sel, ok := vars[name]; ok {
			values[name] = sel.Next()
		}
	}
	return values
}

