// Package metrics is the metrics sink collaborator of spec §6: it
// receives request/response/rate-limit/queue events from the core and
// exposes them as Prometheus series, the way the teacher's
// cmd/pulse/metrics_server.go serves promhttp.Handler() on a dedicated
// mux (DESIGN NOTES §9: "global mutable metrics singleton ... replace
// with an injected metrics sink").
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Nya-Foundation/nyaproxy-go/internal/credential"
)

// Sink is the interface the core depends on; tests inject a capturing
// fake instead of the Prometheus-backed implementation.
type Sink interface {
	RecordRequest(upstreamName, credential string)
	RecordResponse(upstreamName, credential string, status int, elapsed time.Duration)
	RecordRateLimitHit(upstreamName string)
	RecordQueueHit(upstreamName string)
	RecordKeyUsage(upstreamName, credentialID, status string)
}

// Prometheus is the production Sink, registering its series on reg (or
// prometheus.DefaultRegisterer when reg is nil).
type Prometheus struct {
	requests      *prometheus.CounterVec
	responses     *prometheus.CounterVec
	responseTime  *prometheus.HistogramVec
	rateLimitHits *prometheus.CounterVec
	queueHits     *prometheus.CounterVec
	keyUsage      *prometheus.CounterVec
}

// NewPrometheus constructs and registers a Prometheus-backed Sink.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Prometheus{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nyaproxy",
			Name:      "requests_total",
			Help:      "Total upstream requests issued, by upstream and masked credential.",
		}, []string{"upstream", "credential"}),
		responses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nyaproxy",
			Name:      "responses_total",
			Help:      "Total upstream responses received, by upstream, credential, and status.",
		}, []string{"upstream", "credential", "status"}),
		responseTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nyaproxy",
			Name:      "response_seconds",
			Help:      "Upstream response latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"upstream"}),
		rateLimitHits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nyaproxy",
			Name:      "rate_limit_hits_total",
			Help:      "Total times a request observed an exhausted limiter.",
		}, []string{"upstream"}),
		queueHits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nyaproxy",
			Name:      "queue_hits_total",
			Help:      "Total times a request was deferred to the queue.",
		}, []string{"upstream"}),
		keyUsage: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nyaproxy",
			Name:      "key_usage_total",
			Help:      "Total per-credential usage events, by outcome status.",
		}, []string{"upstream", "credential", "status"}),
	}
}

func (p *Prometheus) RecordRequest(upstreamName, cred string) {
	p.requests.WithLabelValues(upstreamName, credential.Mask(cred)).Inc()
}

func (p *Prometheus) RecordResponse(upstreamName, cred string, status int, elapsed time.Duration) {
	p.responses.WithLabelValues(upstreamName, credential.Mask(cred), statusLabel(status)).Inc()
	p.responseTime.WithLabelValues(upstreamName).Observe(elapsed.Seconds())
}

func (p *Prometheus) RecordRateLimitHit(upstreamName string) {
	p.rateLimitHits.WithLabelValues(upstreamName).Inc()
}

func (p *Prometheus) RecordQueueHit(upstreamName string) {
	p.queueHits.WithLabelValues(upstreamName).Inc()
}

func (p *Prometheus) RecordKeyUsage(upstreamName, credentialID, status string) {
	p.keyUsage.WithLabelValues(upstreamName, credentialID, status).Inc()
}

func statusLabel(status int) string {
	if status <= 0 {
		return "error"
	}
	return strconv.Itoa(status)
}
