package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds all Prometheus metric collectors for the relay.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Relay pipeline outcomes.
	RelayRequestsTotal  *prometheus.CounterVec
	RelayDuration       *prometheus.HistogramVec
	RateLimitRejections *prometheus.CounterVec

	// Upstream metrics.
	UpstreamAttemptsTotal  *prometheus.CounterVec
	UpstreamAttemptSeconds *prometheus.HistogramVec
	UpstreamRetriesTotal   *prometheus.CounterVec
	UpstreamErrorsTotal    *prometheus.CounterVec
	UpstreamActiveRequests prometheus.Gauge

	// Risk engine.
	RiskDecisionsTotal *prometheus.CounterVec
	RiskConfidence     prometheus.Histogram

	// Usage collector metrics.
	UsageBufferSize    prometheus.Gauge
	UsageFlushesTotal  *prometheus.CounterVec
	UsageFlushDuration prometheus.Histogram
	UsageRecordsTotal  prometheus.Counter

	// Auth metrics.
	AuthFailuresTotal  *prometheus.CounterVec
	AuthSuccessesTotal *prometheus.CounterVec

	// Server lifecycle.
	ServerStartTime prometheus.Gauge
}

// New creates and registers all Prometheus metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "noderelay_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"kind", "method", "path_pattern", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "noderelay_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind", "method", "path_pattern"}),

		HTTPResponseSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "noderelay_http_response_size_bytes",
			Help:    "HTTP response size in bytes.",
			Buckets: prometheus.ExponentialBuckets(100, 10, 6),
		}, []string{"kind", "method", "path_pattern"}),

		RelayRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "noderelay_relay_requests_total",
			Help: "Total number of relayed JSON-RPC calls by outcome.",
		}, []string{"outcome"}),

		RelayDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "noderelay_relay_duration_seconds",
			Help:    "End-to-end relay duration in seconds, including retries.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"outcome"}),

		RateLimitRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "noderelay_ratelimit_rejections_total",
			Help: "Total number of rate limit rejections by tier.",
		}, []string{"tier"}),

		UpstreamAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "noderelay_upstream_attempts_total",
			Help: "Total number of upstream attempts by outcome.",
		}, []string{"method", "outcome"}),

		UpstreamAttemptSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "noderelay_upstream_attempt_duration_seconds",
			Help:    "Upstream attempt duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),

		UpstreamRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "noderelay_upstream_retries_total",
			Help: "Total number of upstream retries.",
		}, []string{"method"}),

		UpstreamErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "noderelay_upstream_errors_total",
			Help: "Total number of failed upstream attempts by error class.",
		}, []string{"error_type"}),

		UpstreamActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "noderelay_upstream_active_requests",
			Help: "Number of calls currently being forwarded.",
		}),

		RiskDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "noderelay_risk_decisions_total",
			Help: "Total number of risk decisions by outcome.",
		}, []string{"outcome"}),

		RiskConfidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "noderelay_risk_confidence",
			Help:    "Distribution of risk confidence scores.",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
		}),

		UsageBufferSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "noderelay_usage_buffer_size",
			Help: "Current number of buffered call records.",
		}),

		UsageFlushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "noderelay_usage_flushes_total",
			Help: "Total number of usage collector flushes.",
		}, []string{"status"}),

		UsageFlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "noderelay_usage_flush_duration_seconds",
			Help:    "Duration of usage flush operations in seconds.",
			Buckets: prometheus.DefBuckets,
		}),

		UsageRecordsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "noderelay_usage_records_total",
			Help: "Total number of call records collected.",
		}),

		AuthFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "noderelay_auth_failures_total",
			Help: "Total number of API key validation failures.",
		}, []string{"reason"}),

		AuthSuccessesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "noderelay_auth_successes_total",
			Help: "Total number of successful API key validations.",
		}, []string{"source"}),

		ServerStartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "noderelay_server_start_time_seconds",
			Help: "Unix timestamp when the server started.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPResponseSize,
		m.RelayRequestsTotal,
		m.RelayDuration,
		m.RateLimitRejections,
		m.UpstreamAttemptsTotal,
		m.UpstreamAttemptSeconds,
		m.UpstreamRetriesTotal,
		m.UpstreamErrorsTotal,
		m.UpstreamActiveRequests,
		m.RiskDecisionsTotal,
		m.RiskConfidence,
		m.UsageBufferSize,
		m.UsageFlushesTotal,
		m.UsageFlushDuration,
		m.UsageRecordsTotal,
		m.AuthFailuresTotal,
		m.AuthSuccessesTotal,
		m.ServerStartTime,
	)

	m.ServerStartTime.Set(float64(time.Now().Unix()))

	// Register Go runtime and process collectors.
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterDBPoolCollector registers a custom DB pool stats collector.
func (m *Metrics) RegisterDBPoolCollector(statFunc DBPoolStatFunc) {
	m.registry.MustRegister(NewDBPoolCollector(statFunc))
}

// ObserveHTTPRequest records one served HTTP request.
func (m *Metrics) ObserveHTTPRequest(kind, method, pathPattern string, status int, seconds float64, size int) {
	m.HTTPRequestsTotal.WithLabelValues(kind, method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(kind, method, pathPattern).Observe(seconds)
	m.HTTPResponseSize.WithLabelValues(kind, method, pathPattern).Observe(float64(size))
}

// IncAuthFailure increments the auth failure counter for the given reason.
func (m *Metrics) IncAuthFailure(reason string) {
	m.AuthFailuresTotal.WithLabelValues(reason).Inc()
}

// IncAuthSuccess increments the auth success counter for the given source
// (cache or ledger).
func (m *Metrics) IncAuthSuccess(source string) {
	m.AuthSuccessesTotal.WithLabelValues(source).Inc()
}

// IncRateLimitRejection increments the rate limit rejection counter.
func (m *Metrics) IncRateLimitRejection(tier string) {
	m.RateLimitRejections.WithLabelValues(tier).Inc()
}

// IncRelayRequests counts a relayed call by outcome.
func (m *Metrics) IncRelayRequests(outcome string) {
	m.RelayRequestsTotal.WithLabelValues(outcome).Inc()
}

// ObserveRelayDuration records the end-to-end duration of a relayed call.
func (m *Metrics) ObserveRelayDuration(outcome string, seconds float64) {
	m.RelayDuration.WithLabelValues(outcome).Observe(seconds)
}

// ObserveUpstreamAttempt records one upstream attempt.
func (m *Metrics) ObserveUpstreamAttempt(method, outcome string, seconds float64) {
	m.UpstreamAttemptsTotal.WithLabelValues(method, outcome).Inc()
	m.UpstreamAttemptSeconds.WithLabelValues(method).Observe(seconds)
}

// IncUpstreamRetry counts a retry.
func (m *Metrics) IncUpstreamRetry(method string) {
	m.UpstreamRetriesTotal.WithLabelValues(method).Inc()
}

// IncUpstreamError increments the upstream error counter with error type classification.
func (m *Metrics) IncUpstreamError(errorType string) {
	m.UpstreamErrorsTotal.WithLabelValues(errorType).Inc()
}

// IncActiveRequests increments the active upstream requests gauge.
func (m *Metrics) IncActiveRequests() {
	m.UpstreamActiveRequests.Inc()
}

// DecActiveRequests decrements the active upstream requests gauge.
func (m *Metrics) DecActiveRequests() {
	m.UpstreamActiveRequests.Dec()
}

// ObserveRiskDecision counts a risk decision and records its confidence.
func (m *Metrics) ObserveRiskDecision(outcome string, confidence float64) {
	m.RiskDecisionsTotal.WithLabelValues(outcome).Inc()
	m.RiskConfidence.Observe(confidence)
}

// SetUsageBufferSize sets the usage buffer gauge.
func (m *Metrics) SetUsageBufferSize(n int) {
	m.UsageBufferSize.Set(float64(n))
}

// IncUsageRecords counts a collected call record.
func (m *Metrics) IncUsageRecords() {
	m.UsageRecordsTotal.Inc()
}

// ObserveUsageFlush records a collector flush.
func (m *Metrics) ObserveUsageFlush(seconds float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.UsageFlushesTotal.WithLabelValues(status).Inc()
	m.UsageFlushDuration.Observe(seconds)
}
