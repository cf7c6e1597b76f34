package metrics

import (
	"encoding/json"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	dto "github.com/prometheus/client_model/go"
)

// Summary is the JSON response for the metrics summary endpoint.
type Summary struct {
	HTTP      httpSummary     `json:"http"`
	Relay     relaySummary    `json:"relay"`
	Upstream  upstreamSummary `json:"upstream"`
	RateLimit rateLimitInfo   `json:"rateLimit"`
	Risk      riskInfo        `json:"risk"`
	Usage     usageInfo       `json:"usage"`
	Auth      authInfo        `json:"auth"`
	DB        dbInfo          `json:"db"`
	Server    serverInfo      `json:"server"`
}

type httpSummary struct {
	TotalRequests float64 `json:"totalRequests"`
	ErrorRate     float64 `json:"errorRate"`
	P50Latency    float64 `json:"p50Latency"`
	P95Latency    float64 `json:"p95Latency"`
	P99Latency    float64 `json:"p99Latency"`
}

type relaySummary struct {
	TotalRequests float64            `json:"totalRequests"`
	FailureRate   float64            `json:"failureRate"`
	ByOutcome     map[string]float64 `json:"byOutcome"`
	P50Latency    float64            `json:"p50Latency"`
	P95Latency    float64            `json:"p95Latency"`
	P99Latency    float64            `json:"p99Latency"`
}

type upstreamSummary struct {
	Attempts       float64 `json:"attempts"`
	Retries        float64 `json:"retries"`
	Errors         float64 `json:"errors"`
	ActiveRequests float64 `json:"activeRequests"`
	P50Attempt     float64 `json:"p50Attempt"`
	P95Attempt     float64 `json:"p95Attempt"`
}

type rateLimitInfo struct {
	Rejections float64 `json:"rejections"`
}

type riskInfo struct {
	Decisions float64 `json:"decisions"`
	Logged    float64 `json:"logged"`
	Flagged   float64 `json:"flagged"`
	Blocked   float64 `json:"blocked"`
	Degraded  float64 `json:"degraded"`
}

type usageInfo struct {
	BufferSize   float64 `json:"bufferSize"`
	TotalFlushes float64 `json:"totalFlushes"`
	FlushErrors  float64 `json:"flushErrors"`
	Records      float64 `json:"records"`
}

type authInfo struct {
	Failures  float64 `json:"failures"`
	Successes float64 `json:"successes"`
}

type serverInfo struct {
	StartTime     float64 `json:"startTime"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

type dbInfo struct {
	TotalConns    float64 `json:"totalConns"`
	IdleConns     float64 `json:"idleConns"`
	AcquiredConns float64 `json:"acquiredConns"`
}

// label selects series carrying name=value. The zero label matches all.
type label struct {
	name, value string
}

// Handler returns an http.HandlerFunc that serves a JSON digest of the
// registry.
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary, err := m.Summarize()
		if err != nil {
			http.Error(w, "failed to gather metrics", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache, no-store")
		_ = json.NewEncoder(w).Encode(summary)
	}
}

// Summarize gathers the registry into a Summary.
func (m *Metrics) Summarize() (*Summary, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, err
	}

	fam := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		fam[f.GetName()] = f
	}

	rpcOnly := label{"kind", "rpc"}
	relay := fam["noderelay_relay_requests_total"]
	relayTotal := sumCounter(relay, label{})
	relayOK := sumCounter(relay, label{"outcome", "ok"})
	start := gaugeValue(fam["noderelay_server_start_time_seconds"])

	return &Summary{
		HTTP: httpSummary{
			TotalRequests: sumCounter(fam["noderelay_http_requests_total"], rpcOnly),
			ErrorRate:     httpErrorRate(fam["noderelay_http_requests_total"], rpcOnly),
			P50Latency:    histogramPercentile(fam["noderelay_http_request_duration_seconds"], 0.50, rpcOnly),
			P95Latency:    histogramPercentile(fam["noderelay_http_request_duration_seconds"], 0.95, rpcOnly),
			P99Latency:    histogramPercentile(fam["noderelay_http_request_duration_seconds"], 0.99, rpcOnly),
		},
		Relay: relaySummary{
			TotalRequests: relayTotal,
			FailureRate:   ratio(relayTotal-relayOK, relayTotal),
			ByOutcome:     byLabel(relay, "outcome"),
			P50Latency:    histogramPercentile(fam["noderelay_relay_duration_seconds"], 0.50, label{}),
			P95Latency:    histogramPercentile(fam["noderelay_relay_duration_seconds"], 0.95, label{}),
			P99Latency:    histogramPercentile(fam["noderelay_relay_duration_seconds"], 0.99, label{}),
		},
		Upstream: upstreamSummary{
			Attempts:       sumCounter(fam["noderelay_upstream_attempts_total"], label{}),
			Retries:        sumCounter(fam["noderelay_upstream_retries_total"], label{}),
			Errors:         sumCounter(fam["noderelay_upstream_errors_total"], label{}),
			ActiveRequests: gaugeValue(fam["noderelay_upstream_active_requests"]),
			P50Attempt:     histogramPercentile(fam["noderelay_upstream_attempt_duration_seconds"], 0.50, label{}),
			P95Attempt:     histogramPercentile(fam["noderelay_upstream_attempt_duration_seconds"], 0.95, label{}),
		},
		RateLimit: rateLimitInfo{
			Rejections: sumCounter(fam["noderelay_ratelimit_rejections_total"], label{}),
		},
		Risk: riskInfo{
			Decisions: sumCounter(fam["noderelay_risk_decisions_total"], label{}),
			Logged:    sumCounter(fam["noderelay_risk_decisions_total"], label{"outcome", "logged"}),
			Flagged:   sumCounter(fam["noderelay_risk_decisions_total"], label{"outcome", "flagged"}),
			Blocked:   sumCounter(fam["noderelay_risk_decisions_total"], label{"outcome", "blocked"}),
			Degraded:  sumCounter(fam["noderelay_risk_decisions_total"], label{"outcome", "degraded"}),
		},
		Usage: usageInfo{
			BufferSize:   gaugeValue(fam["noderelay_usage_buffer_size"]),
			TotalFlushes: sumCounter(fam["noderelay_usage_flushes_total"], label{}),
			FlushErrors:  sumCounter(fam["noderelay_usage_flushes_total"], label{"status", "error"}),
			Records:      sumCounter(fam["noderelay_usage_records_total"], label{}),
		},
		Auth: authInfo{
			Failures:  sumCounter(fam["noderelay_auth_failures_total"], label{}),
			Successes: sumCounter(fam["noderelay_auth_successes_total"], label{}),
		},
		DB: dbInfo{
			TotalConns:    gaugeValue(fam["noderelay_db_pool_total_conns"]),
			IdleConns:     gaugeValue(fam["noderelay_db_pool_idle_conns"]),
			AcquiredConns: gaugeValue(fam["noderelay_db_pool_acquired_conns"]),
		},
		Server: serverInfo{
			StartTime:     start,
			UptimeSeconds: float64(time.Now().Unix()) - start,
		},
	}, nil
}

// --- Prometheus metric helpers ---

func (l label) matches(m *dto.Metric) bool {
	if l.name == "" {
		return true
	}
	for _, lp := range m.GetLabel() {
		if lp.GetName() == l.name && lp.GetValue() == l.value {
			return true
		}
	}
	return false
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func sumCounter(f *dto.MetricFamily, sel label) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		if sel.matches(m) && m.GetCounter() != nil {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func byLabel(f *dto.MetricFamily, name string) map[string]float64 {
	out := make(map[string]float64)
	if f == nil {
		return out
	}
	for _, m := range f.GetMetric() {
		if m.GetCounter() != nil {
			out[labelValue(m, name)] += m.GetCounter().GetValue()
		}
	}
	return out
}

func gaugeValue(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	ms := f.GetMetric()
	if len(ms) == 0 || ms[0].GetGauge() == nil {
		return 0
	}
	return ms[0].GetGauge().GetValue()
}

// httpErrorRate is the share of selected requests answered with 4xx or 5xx.
func httpErrorRate(f *dto.MetricFamily, sel label) float64 {
	if f == nil {
		return 0
	}
	var total, errs float64
	for _, m := range f.GetMetric() {
		if !sel.matches(m) || m.GetCounter() == nil {
			continue
		}
		v := m.GetCounter().GetValue()
		total += v
		if code := labelValue(m, "status_code"); strings.HasPrefix(code, "4") || strings.HasPrefix(code, "5") {
			errs += v
		}
	}
	return ratio(errs, total)
}

func ratio(part, total float64) float64 {
	if total == 0 {
		return 0
	}
	return part / total
}

// histogramPercentile computes a percentile from the selected histogram
// series, aggregated bucket-wise, using linear interpolation.
func histogramPercentile(f *dto.MetricFamily, q float64, sel label) float64 {
	if f == nil {
		return 0
	}

	type bucket struct {
		upperBound      float64
		cumulativeCount uint64
	}
	var totalCount uint64
	bucketMap := make(map[float64]uint64)

	for _, m := range f.GetMetric() {
		h := m.GetHistogram()
		if h == nil || !sel.matches(m) {
			continue
		}
		totalCount += h.GetSampleCount()
		for _, b := range h.GetBucket() {
			bucketMap[b.GetUpperBound()] += b.GetCumulativeCount()
		}
	}
	if totalCount == 0 {
		return 0
	}

	buckets := make([]bucket, 0, len(bucketMap))
	for ub, count := range bucketMap {
		if math.IsInf(ub, 1) {
			continue
		}
		buckets = append(buckets, bucket{upperBound: ub, cumulativeCount: count})
	}
	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].upperBound < buckets[j].upperBound
	})

	rank := q * float64(totalCount)
	var prevBound float64
	var prevCount uint64
	for _, b := range buckets {
		if float64(b.cumulativeCount) >= rank {
			n := b.cumulativeCount - prevCount
			if n == 0 {
				return b.upperBound
			}
			fraction := (rank - float64(prevCount)) / float64(n)
			return prevBound + fraction*(b.upperBound-prevBound)
		}
		prevBound = b.upperBound
		prevCount = b.cumulativeCount
	}

	// Rank falls in the +Inf bucket: report the last finite bound.
	if len(buckets) > 0 {
		return buckets[len(buckets)-1].upperBound
	}
	return 0
}
