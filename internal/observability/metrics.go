// Package observability provides Prometheus metrics, health/readiness endpoints,
// structured logging, and OpenTelemetry tracing for chainproxy.
package observability

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chainproxy"

// Metrics holds both Prometheus collectors and atomic counters for
// fast-path reads (Snapshot) without scraping.
type Metrics struct {
	allowed          atomic.Int64
	limited          atomic.Int64
	storeErrors      atomic.Int64
	failOpen         atomic.Int64
	authDenied       atomic.Int64
	upstreamRetries  atomic.Int64
	networkErrors    atomic.Int64
	dedupShared      atomic.Int64
	budgetRejected   atomic.Int64
	schemaViolations atomic.Int64
	oversized        atomic.Int64
	badPayload       atomic.Int64
	panics           atomic.Int64

	promAllowed          prometheus.Counter
	promLimited          prometheus.Counter
	promStoreErrors      prometheus.Counter
	promFailOpen         prometheus.Counter
	promAuthDenied       prometheus.Counter
	promUpstreamRetries  prometheus.Counter
	promNetworkErrors    prometheus.Counter
	promDedupShared      prometheus.Counter
	promBudgetRejected   prometheus.Counter
	promSchemaViolations *prometheus.CounterVec
	promOversized        prometheus.Counter
	promBadPayload       prometheus.Counter
	promPanics           prometheus.Counter
	promUpstreamRequests *prometheus.CounterVec

	// PromRequestDuration is observed once per inbound request.
	PromRequestDuration *prometheus.HistogramVec

	// PromUpstreamDuration is observed once per upstream attempt.
	PromUpstreamDuration *prometheus.HistogramVec

	// PromRLRemaining is a distribution rather than a per-key gauge to keep
	// cardinality bounded.
	PromRLRemaining prometheus.Histogram
}

// NewMetrics creates and registers Prometheus metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)
	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
	}

	return &Metrics{
		promAllowed:         counter("ratelimit_allowed_total", "Requests that passed rate limiting."),
		promLimited:         counter("ratelimit_limited_total", "Requests rejected by rate limiting."),
		promStoreErrors:     counter("ratelimit_store_errors_total", "Rate-limit store read or write failures."),
		promFailOpen:        counter("ratelimit_fail_open_total", "Requests allowed despite a store failure (development mode)."),
		promAuthDenied:      counter("auth_denied_total", "Requests rejected for a missing or unknown API key."),
		promUpstreamRetries: counter("upstream_retries_total", "Upstream attempts that were retried."),
		promNetworkErrors:   counter("upstream_network_errors_total", "Upstream attempts that failed at the transport layer."),
		promDedupShared:     counter("dedup_shared_total", "Outbound calls served from an in-flight duplicate."),
		promBudgetRejected:  counter("subrequest_budget_rejected_total", "Outbound calls refused by the per-request budget."),
		promSchemaViolations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_schema_violations_total",
			Help:      "Successful upstream responses that failed schema validation.",
		}, []string{"schema"}),
		promOversized:  counter("upstream_oversized_total", "Upstream responses exceeding the size ceiling."),
		promBadPayload: counter("upstream_bad_payload_total", "Upstream responses that were not valid JSON."),
		promPanics:     counter("panics_recovered_total", "Handler panics converted to 500 responses."),
		promUpstreamRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Upstream attempts by response status code (0 for transport errors).",
		}, []string{"status_code"}),
		PromRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Inbound request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method", "status_code"}),
		PromUpstreamDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_attempt_duration_seconds",
			Help:      "Duration of a single upstream attempt in seconds.",
			Buckets:   []float64{.025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"status_code"}),
		PromRLRemaining: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ratelimit_remaining",
			Help:      "Distribution of remaining quota across rate-limit checks.",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
	}
}

func (m *Metrics) IncAllowed()     { m.allowed.Add(1); m.promAllowed.Inc() }
func (m *Metrics) IncLimited()     { m.limited.Add(1); m.promLimited.Inc() }
func (m *Metrics) IncStoreErrors() { m.storeErrors.Add(1); m.promStoreErrors.Inc() }
func (m *Metrics) IncFailOpen()    { m.failOpen.Add(1); m.promFailOpen.Inc() }
func (m *Metrics) IncAuthDenied()  { m.authDenied.Add(1); m.promAuthDenied.Inc() }
func (m *Metrics) IncRetries()     { m.upstreamRetries.Add(1); m.promUpstreamRetries.Inc() }
func (m *Metrics) IncDedupShared() { m.dedupShared.Add(1); m.promDedupShared.Inc() }
func (m *Metrics) IncOversized()   { m.oversized.Add(1); m.promOversized.Inc() }
func (m *Metrics) IncBadPayload()  { m.badPayload.Add(1); m.promBadPayload.Inc() }
func (m *Metrics) IncPanics()      { m.panics.Add(1); m.promPanics.Inc() }

// IncBudgetRejected counts an outbound call refused by the subrequest budget.
func (m *Metrics) IncBudgetRejected() {
	m.budgetRejected.Add(1)
	m.promBudgetRejected.Inc()
}

// IncSchemaViolation counts a 2xx upstream body rejected by schema.
func (m *Metrics) IncSchemaViolation(schema string) {
	m.schemaViolations.Add(1)
	m.promSchemaViolations.WithLabelValues(schema).Inc()
}

// ObserveUpstreamAttempt records one upstream attempt. status is 0 when
// the attempt failed before a response arrived.
func (m *Metrics) ObserveUpstreamAttempt(status int, d time.Duration) {
	code := strconv.Itoa(status)
	if status == 0 {
		m.networkErrors.Add(1)
		m.promNetworkErrors.Inc()
	}
	m.promUpstreamRequests.WithLabelValues(code).Inc()
	m.PromUpstreamDuration.WithLabelValues(code).Observe(d.Seconds())
}

// ObserveRequest records an inbound request's latency.
func (m *Metrics) ObserveRequest(route, method string, status int, d time.Duration) {
	m.PromRequestDuration.WithLabelValues(route, method, strconv.Itoa(status)).Observe(d.Seconds())
}

// ObserveRemaining records the remaining quota as a histogram observation.
func (m *Metrics) ObserveRemaining(remaining int64) {
	m.PromRLRemaining.Observe(float64(remaining))
}

// MetricsSnapshot holds a point-in-time copy of all atomic counters.
type MetricsSnapshot struct {
	Allowed          int64
	Limited          int64
	StoreErrors      int64
	FailOpen         int64
	AuthDenied       int64
	UpstreamRetries  int64
	NetworkErrors    int64
	DedupShared      int64
	BudgetRejected   int64
	SchemaViolations int64
	Oversized        int64
	BadPayload       int64
	Panics           int64
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Allowed:          m.allowed.Load(),
		Limited:          m.limited.Load(),
		StoreErrors:      m.storeErrors.Load(),
		FailOpen:         m.failOpen.Load(),
		AuthDenied:       m.authDenied.Load(),
		UpstreamRetries:  m.upstreamRetries.Load(),
		NetworkErrors:    m.networkErrors.Load(),
		DedupShared:      m.dedupShared.Load(),
		BudgetRejected:   m.budgetRejected.Load(),
		SchemaViolations: m.schemaViolations.Load(),
		Oversized:        m.oversized.Load(),
		BadPayload:       m.badPayload.Load(),
		Panics:           m.panics.Load(),
	}
}
