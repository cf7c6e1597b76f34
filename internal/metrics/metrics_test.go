package metrics

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelayCounters(t *testing.T) {
	m := New()

	m.IncRelayRequests("ok")
	m.IncRelayRequests("ok")
	m.IncRelayRequests("rate_limited")
	m.ObserveRelayDuration("ok", 0.2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RelayRequestsTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RelayRequestsTotal.WithLabelValues("rate_limited")))
}

func TestActiveRequestsGauge(t *testing.T) {
	m := New()

	m.IncActiveRequests()
	m.IncActiveRequests()
	m.DecActiveRequests()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.UpstreamActiveRequests))
}

func TestUsageFlushStatus(t *testing.T) {
	m := New()

	m.ObserveUsageFlush(0.01, nil)
	m.ObserveUsageFlush(0.02, errors.New("db down"))
	m.ObserveUsageFlush(0.01, nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.UsageFlushesTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.UsageFlushesTotal.WithLabelValues("error")))
}

func TestSummarize(t *testing.T) {
	m := New()
	m.RegisterDBPoolCollector(func() PoolStats {
		return PoolStats{Total: 4, Idle: 3, Acquired: 1, Max: 10, AcquireCount: 42}
	})

	m.ObserveHTTPRequest("rpc", "POST", "/", 200, 0.05, 120)
	m.ObserveHTTPRequest("rpc", "POST", "/", 200, 0.05, 120)
	m.ObserveHTTPRequest("rpc", "POST", "/", 429, 0.001, 80)
	m.ObserveHTTPRequest("management", "GET", "/api/v1/usage", 500, 0.3, 40)

	m.IncRelayRequests("ok")
	m.IncRelayRequests("ok")
	m.IncRelayRequests("ok")
	m.IncRelayRequests("upstream_unavailable")

	m.ObserveUpstreamAttempt("getSlot", "success", 0.05)
	m.ObserveUpstreamAttempt("getSlot", "retryable", 0.05)
	m.IncUpstreamRetry("getSlot")
	m.IncUpstreamError("http_5xx")

	m.IncRateLimitRejection("free")
	m.ObserveRiskDecision("allowed", 0.1)
	m.ObserveRiskDecision("logged", 0.4)
	m.ObserveRiskDecision("flagged", 0.8)
	m.IncAuthSuccess("cache")
	m.IncAuthFailure("unknown_key")
	m.IncUsageRecords()
	m.SetUsageBufferSize(7)

	s, err := m.Summarize()
	require.NoError(t, err)

	assert.Equal(t, 3.0, s.HTTP.TotalRequests, "management traffic excluded")
	assert.InDelta(t, 1.0/3, s.HTTP.ErrorRate, 1e-9)
	assert.Greater(t, s.HTTP.P50Latency, 0.0)

	assert.Equal(t, 4.0, s.Relay.TotalRequests)
	assert.InDelta(t, 0.25, s.Relay.FailureRate, 1e-9)
	assert.Equal(t, 3.0, s.Relay.ByOutcome["ok"])

	assert.Equal(t, 2.0, s.Upstream.Attempts)
	assert.Equal(t, 1.0, s.Upstream.Retries)
	assert.Equal(t, 1.0, s.Upstream.Errors)

	assert.Equal(t, 1.0, s.RateLimit.Rejections)
	assert.Equal(t, 3.0, s.Risk.Decisions)
	assert.Equal(t, 1.0, s.Risk.Logged)
	assert.Equal(t, 1.0, s.Risk.Flagged)
	assert.Zero(t, s.Risk.Blocked)

	assert.Equal(t, 1.0, s.Auth.Successes)
	assert.Equal(t, 1.0, s.Auth.Failures)
	assert.Equal(t, 7.0, s.Usage.BufferSize)
	assert.Equal(t, 1.0, s.Usage.Records)

	assert.Equal(t, 4.0, s.DB.TotalConns)
	assert.Equal(t, 1.0, s.DB.AcquiredConns)
	assert.Greater(t, s.Server.StartTime, 0.0)
}

func TestHandler(t *testing.T) {
	m := New()
	m.IncRelayRequests("ok")

	rr := httptest.NewRecorder()
	m.Handler()(rr, httptest.NewRequest(http.MethodGet, "/metrics/summary", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var s Summary
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&s))
	assert.Equal(t, 1.0, s.Relay.TotalRequests)
}

func TestHistogramPercentile_Empty(t *testing.T) {
	assert.Zero(t, histogramPercentile(nil, 0.5, label{}))

	m := New()
	s, err := m.Summarize()
	require.NoError(t, err)
	assert.Zero(t, s.Relay.P99Latency)
	assert.Zero(t, s.Relay.FailureRate)
}
