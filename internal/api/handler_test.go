package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alecgard/noderelay/internal/apikey"
	"github.com/alecgard/noderelay/internal/auth"
	"github.com/alecgard/noderelay/internal/gateway"
	"github.com/alecgard/noderelay/internal/metrics"
	"github.com/alecgard/noderelay/internal/proxy"
	"github.com/alecgard/noderelay/internal/ratelimit"
	"github.com/alecgard/noderelay/internal/rpc"
	"github.com/alecgard/noderelay/internal/usage"
	"github.com/alecgard/noderelay/internal/windowstore"
)

const (
	aliceKey = "nr_alicealicealicealicealicealice"
	bobKey   = "nr_bobbobbobbobbobbobbobbobbobbob"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type staticLookup map[string]*auth.Identity

func (s staticLookup) GetByKeyHash(_ context.Context, hash string) (*auth.Identity, error) {
	if id, ok := s[hash]; ok {
		return id, nil
	}
	return nil, auth.ErrNotFound
}

// fakeRelay returns a fixed reply and remembers what it was given.
type fakeRelay struct {
	reply gateway.Reply
	got   []gateway.Inbound
}

func (f *fakeRelay) Serve(_ context.Context, in gateway.Inbound) gateway.Reply {
	f.got = append(f.got, in)
	return f.reply
}

type fakeUpstream struct {
	check    *proxy.CheckResult
	checkErr error
	stats    *proxy.NetworkStats
	statsErr error
	checked  []string
}

func (f *fakeUpstream) Check(_ context.Context, method string) (*proxy.CheckResult, error) {
	f.checked = append(f.checked, method)
	return f.check, f.checkErr
}

func (f *fakeUpstream) NetworkStats(context.Context) (*proxy.NetworkStats, error) {
	return f.stats, f.statsErr
}

type fakeKeys struct {
	keys    []*apikey.Key
	revoked []string
}

func (f *fakeKeys) ListByUser(_ context.Context, userID string, params apikey.ListParams) ([]*apikey.Key, string, error) {
	if params.Cursor == "bogus" {
		return nil, "", fmt.Errorf("%w: garbage", apikey.ErrInvalidCursor)
	}
	var out []*apikey.Key
	for _, k := range f.keys {
		if k.UserID == userID {
			out = append(out, k)
		}
	}
	return out, "", nil
}

func (f *fakeKeys) Revoke(_ context.Context, userID, id string) error {
	for _, k := range f.keys {
		if k.ID == id && k.UserID == userID {
			k.IsActive = false
			f.revoked = append(f.revoked, id)
			return nil
		}
	}
	return fmt.Errorf("revoking api key %s: %w", id, pgx.ErrNoRows)
}

type testEnv struct {
	router   http.Handler
	relay    *fakeRelay
	upstream *fakeUpstream
	usage    *usage.MemoryStore
	keys     *fakeKeys
	metrics  *metrics.Metrics
}

func newTestEnv(t *testing.T, limit int) *testEnv {
	t.Helper()
	store := windowstore.NewMemory()
	lookup := staticLookup{
		auth.HashKey(aliceKey): {CallerID: "alice", KeyID: "key-a", Tier: "free", IsActive: true},
		auth.HashKey(bobKey):   {CallerID: "bob", KeyID: "key-b", Tier: "free", IsActive: true},
	}
	env := &testEnv{
		relay:    &fakeRelay{reply: gateway.Reply{Status: http.StatusOK, Body: []byte(`{"jsonrpc":"2.0","id":1,"result":"ok"}`)}},
		upstream: &fakeUpstream{},
		usage:    usage.NewMemoryStore(),
		keys: &fakeKeys{keys: []*apikey.Key{
			{ID: "key-a", UserID: "alice", Name: "laptop", KeyPrefix: "nr_alice", IsActive: true},
			{ID: "key-b", UserID: "bob", Name: "server", KeyPrefix: "nr_bobbo", IsActive: true},
		}},
		metrics: metrics.New(),
	}
	env.router = NewRouter(RouterDeps{
		Relay:          env.relay,
		Upstream:       env.upstream,
		Network:        "devnet",
		Validator:      auth.NewValidator(lookup, store, time.Minute),
		Limiter:        ratelimit.New(store, time.Minute, map[string]int{"free": limit, "enterprise": 5000}),
		Usage:          env.usage,
		Keys:           env.keys,
		Metrics:        env.metrics,
		AllowedOrigins: []string{"https://dashboard.example"},
		MaxRequestSize: 256,
	})
	return env
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

func assertErrorCode(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("expected status %d, got %d: %s", status, rec.Code, rec.Body.String())
	}
	var env errorEnvelope
	decodeBody(t, rec, &env)
	if env.Error.Code != code {
		t.Errorf("expected error code %q, got %q", code, env.Error.Code)
	}
}

// ---------------------------------------------------------------------------
// JSON-RPC relay
// ---------------------------------------------------------------------------

func TestRelay_PassesInboundAndReply(t *testing.T) {
	env := newTestEnv(t, 10)
	env.relay.reply.RateLimit = &ratelimit.Decision{Allowed: true, Limit: 10, Remaining: 9, ResetAt: time.Unix(1700000060, 0)}

	for _, path := range []string{"/", "/rpc"} {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"getHealth"}`))
		req.Header.Set("X-API-Key", aliceKey)
		req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
		req.Header.Set("User-Agent", "wallet/1.0")
		rec := env.do(req)

		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rec.Code)
		}
		if got := rec.Body.String(); got != `{"jsonrpc":"2.0","id":1,"result":"ok"}` {
			t.Errorf("%s: expected verbatim upstream body, got %s", path, got)
		}
		if got := rec.Header().Get("X-RateLimit-Remaining"); got != "9" {
			t.Errorf("%s: expected X-RateLimit-Remaining 9, got %q", path, got)
		}
		if got := rec.Header().Get("X-RateLimit-Reset"); got != "1700000060" {
			t.Errorf("%s: expected X-RateLimit-Reset 1700000060, got %q", path, got)
		}
	}

	if len(env.relay.got) != 2 {
		t.Fatalf("expected 2 relayed calls, got %d", len(env.relay.got))
	}
	in := env.relay.got[0]
	if in.APIKey != aliceKey || in.ClientIP != "203.0.113.7" || in.UserAgent != "wallet/1.0" {
		t.Errorf("unexpected inbound %+v", in)
	}
	if string(in.Body) != `{"jsonrpc":"2.0","id":1,"method":"getHealth"}` {
		t.Errorf("unexpected body %s", in.Body)
	}
}

func TestRelay_RateLimitedCountsRejection(t *testing.T) {
	env := newTestEnv(t, 10)
	f := rpc.NewFailure(rpc.RateLimited, "Rate limit exceeded. Try again later.")
	env.relay.reply = gateway.Reply{
		Status:    f.HTTPStatus(),
		Body:      f.ResponseBody(),
		Failure:   f,
		Identity:  &auth.Identity{CallerID: "alice", Tier: "free"},
		RateLimit: &ratelimit.Decision{Limit: 10, Remaining: 0},
	}

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"getSlot"}`))
	req.Header.Set("X-API-Key", aliceKey)
	rec := env.do(req)

	assertErrorCode(t, rec, http.StatusTooManyRequests, "rate_limited")
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("expected X-RateLimit-Remaining 0, got %q", got)
	}
	s, err := env.metrics.Summarize()
	if err != nil {
		t.Fatal(err)
	}
	if s.RateLimit.Rejections != 1 {
		t.Errorf("expected 1 rate limit rejection, got %v", s.RateLimit.Rejections)
	}
}

func TestRelay_BodyTooLarge(t *testing.T) {
	env := newTestEnv(t, 10)

	body := `{"jsonrpc":"2.0","id":1,"method":"getSlot","params":["` + strings.Repeat("x", 512) + `"]}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set("X-API-Key", aliceKey)
	rec := env.do(req)

	assertErrorCode(t, rec, http.StatusBadRequest, "malformed_request")
	if len(env.relay.got) != 0 {
		t.Errorf("expected oversized body to stop before the relay, got %d calls", len(env.relay.got))
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded chain", map[string]string{"X-Forwarded-For": " 198.51.100.1 , 10.0.0.2"}, "10.0.0.3:5000", "198.51.100.1"},
		{"real ip", map[string]string{"X-Real-IP": "198.51.100.9"}, "10.0.0.3:5000", "198.51.100.9"},
		{"forwarded wins over real ip", map[string]string{"X-Forwarded-For": "198.51.100.1", "X-Real-IP": "198.51.100.9"}, "10.0.0.3:5000", "198.51.100.1"},
		{"peer address", nil, "192.0.2.44:61000", "192.0.2.44"},
		{"peer ipv6", nil, "[2001:db8::1]:443", "2001:db8::1"},
		{"peer without port", nil, "192.0.2.44", "192.0.2.44"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := ClientIP(req); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Health, network stats, routes
// ---------------------------------------------------------------------------

func TestHealth_OK(t *testing.T) {
	env := newTestEnv(t, 10)
	env.upstream.check = &proxy.CheckResult{Method: "getHealth", Status: 200, Result: json.RawMessage(`"ok"`), Latency: 42 * time.Millisecond}

	rec := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var body healthResponse
	decodeBody(t, rec, &body)
	if body.Status != "ok" || body.Network != "devnet" || body.LatencyMs != 42 {
		t.Errorf("unexpected health body %+v", body)
	}
	if string(body.Upstream) != `"ok"` {
		t.Errorf("expected upstream result \"ok\", got %s", body.Upstream)
	}
	if len(env.upstream.checked) != 1 || env.upstream.checked[0] != "getHealth" {
		t.Errorf("expected exactly one getHealth check, got %v", env.upstream.checked)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type application/json, got %q", ct)
	}
}

func TestHealth_Unhealthy(t *testing.T) {
	env := newTestEnv(t, 10)
	env.upstream.check = &proxy.CheckResult{Method: "getHealth", Status: 503}
	env.upstream.checkErr = fmt.Errorf("checking getHealth: http_5xx: %w", proxy.ErrCheckFailed)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rec.Code)
	}
	var body healthResponse
	decodeBody(t, rec, &body)
	if body.Status != "unhealthy" || body.Error == "" {
		t.Errorf("unexpected health body %+v", body)
	}
}

func TestNetworkStats(t *testing.T) {
	env := newTestEnv(t, 10)
	env.upstream.stats = &proxy.NetworkStats{Network: "devnet", Slot: 250, BlockHeight: 230, Version: json.RawMessage(`{"solana-core":"1.18.0"}`), LatencyMs: 12}

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/network/stats", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var stats proxy.NetworkStats
	decodeBody(t, rec, &stats)
	if stats.Slot != 250 || stats.BlockHeight != 230 {
		t.Errorf("unexpected stats %+v", stats)
	}

	env.upstream.statsErr = errors.New("probing getSlot: boom")
	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/v1/network/stats", nil))
	assertErrorCode(t, rec, http.StatusServiceUnavailable, "upstream_unavailable")
}

func TestRoutes(t *testing.T) {
	env := newTestEnv(t, 10)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/routes", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var body routesResponse
	decodeBody(t, rec, &body)
	if body.WindowSeconds != 60 {
		t.Errorf("expected 60s window, got %d", body.WindowSeconds)
	}
	want := []tierInfo{{"free", 10}, {"default", 60}, {"enterprise", 5000}}
	if len(body.Tiers) != len(want) {
		t.Fatalf("expected tiers %v, got %v", want, body.Tiers)
	}
	for i := range want {
		if body.Tiers[i] != want[i] {
			t.Errorf("tier %d: expected %v, got %v", i, want[i], body.Tiers[i])
		}
	}
	if len(body.Routes) == 0 {
		t.Error("expected a route table")
	}
}

// ---------------------------------------------------------------------------
// Usage
// ---------------------------------------------------------------------------

func seedUsage(t *testing.T, s *usage.MemoryStore) {
	t.Helper()
	at := time.Date(2025, 6, 1, 10, 15, 0, 0, time.UTC)
	recs := []usage.CallRecord{
		{CallerID: "alice", KeyID: "key-a", Method: "getSlot", StartTime: at, ResponseTimeMs: 40, Success: true},
		{CallerID: "alice", KeyID: "key-a", Method: "getSlot", StartTime: at, ResponseTimeMs: 60, Success: false},
		{CallerID: "alice", KeyID: "key-a", Method: "getVersion", StartTime: at.Add(time.Hour), ResponseTimeMs: 20, Success: true},
		{CallerID: "bob", KeyID: "key-b", Method: "getSlot", StartTime: at, ResponseTimeMs: 500, Success: true},
	}
	if err := s.ApplyDeltas(context.Background(), usage.Fold(recs)); err != nil {
		t.Fatal(err)
	}
}

func TestUsage_ScopedToCaller(t *testing.T) {
	env := newTestEnv(t, 10)
	seedUsage(t, env.usage)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/usage", nil)
	req.Header.Set("X-API-Key", aliceKey)
	rec := env.do(req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		CallerID      string  `json:"caller_id"`
		TotalRequests int64   `json:"total_requests"`
		ErrorCount    int64   `json:"error_count"`
		AvgLatencyMs  float64 `json:"avg_latency_ms"`
	}
	decodeBody(t, rec, &body)
	if body.CallerID != "alice" || body.TotalRequests != 3 || body.ErrorCount != 1 {
		t.Errorf("unexpected summary %+v", body)
	}
	if body.AvgLatencyMs != 40 {
		t.Errorf("expected avg latency 40, got %v", body.AvgLatencyMs)
	}
	if rec.Header().Get("X-RateLimit-Limit") != "10" {
		t.Errorf("expected rate limit headers on usage reads, got %q", rec.Header().Get("X-RateLimit-Limit"))
	}
}

func TestUsage_Unauthenticated(t *testing.T) {
	env := newTestEnv(t, 10)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/usage", nil))
	assertErrorCode(t, rec, http.StatusUnauthorized, "unauthenticated")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/usage/buckets", nil)
	req.Header.Set("X-API-Key", "nr_unknown")
	rec = env.do(req)
	assertErrorCode(t, rec, http.StatusUnauthorized, "unauthenticated")
}

func TestUsage_InvalidParams(t *testing.T) {
	env := newTestEnv(t, 10)

	for _, qs := range []string{"from=yesterday", "limit=0", "limit=abc", "from=2025-06-02&to=2025-06-01"} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/usage/buckets?"+qs, nil)
		req.Header.Set("X-API-Key", aliceKey)
		rec := env.do(req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", qs, rec.Code)
		}
	}
}

func TestUsage_Buckets(t *testing.T) {
	env := newTestEnv(t, 10)
	seedUsage(t, env.usage)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/usage/buckets?endpoint=getSlot", nil)
	req.Header.Set("Authorization", "Bearer "+aliceKey)
	rec := env.do(req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Buckets []usage.Bucket `json:"buckets"`
	}
	decodeBody(t, rec, &body)
	if len(body.Buckets) != 1 {
		t.Fatalf("expected 1 bucket, got %d", len(body.Buckets))
	}
	b := body.Buckets[0]
	if b.CallerID != "alice" || b.RequestCount != 2 || b.SuccessCount+b.ErrorCount != b.RequestCount {
		t.Errorf("unexpected bucket %+v", b)
	}
}

func TestUsage_RateLimited(t *testing.T) {
	env := newTestEnv(t, 1)

	for i, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/usage", nil)
		req.Header.Set("X-API-Key", bobKey)
		rec := env.do(req)
		if rec.Code != want {
			t.Errorf("call %d: expected %d, got %d", i+1, want, rec.Code)
		}
	}
}

// ---------------------------------------------------------------------------
// Keys
// ---------------------------------------------------------------------------

func TestKeys_ListOwnOnly(t *testing.T) {
	env := newTestEnv(t, 10)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/keys", nil)
	req.Header.Set("X-API-Key", aliceKey)
	rec := env.do(req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var body keyListResponse
	decodeBody(t, rec, &body)
	if len(body.Keys) != 1 || body.Keys[0].ID != "key-a" {
		t.Errorf("expected only alice's key, got %+v", body.Keys)
	}
	if strings.Contains(rec.Body.String(), "key_hash") {
		t.Error("key hash must never be serialized")
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/keys?cursor=bogus", nil)
	req.Header.Set("X-API-Key", aliceKey)
	assertErrorCode(t, env.do(req), http.StatusBadRequest, "invalid_params")
}

func TestKeys_Revoke(t *testing.T) {
	env := newTestEnv(t, 10)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/keys/key-b", nil)
	req.Header.Set("X-API-Key", aliceKey)
	assertErrorCode(t, env.do(req), http.StatusNotFound, "not_found")

	req = httptest.NewRequest(http.MethodDelete, "/api/v1/keys/key-a", nil)
	req.Header.Set("X-API-Key", aliceKey)
	rec := env.do(req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rec.Code)
	}
	if len(env.keys.revoked) != 1 || env.keys.revoked[0] != "key-a" {
		t.Errorf("expected key-a revoked, got %v", env.keys.revoked)
	}
}

// ---------------------------------------------------------------------------
// Middleware and metrics
// ---------------------------------------------------------------------------

func TestRequestID(t *testing.T) {
	env := newTestEnv(t, 10)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/routes", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	if got := env.do(req).Header().Get("X-Request-ID"); got != "abc-123" {
		t.Errorf("expected echoed request id, got %q", got)
	}

	got := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/routes", nil)).Header().Get("X-Request-ID")
	if len(got) != 36 {
		t.Errorf("expected generated uuid request id, got %q", got)
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, 10)

	req := httptest.NewRequest(http.MethodOptions, "/rpc", nil)
	req.Header.Set("Origin", "https://dashboard.example")
	rec := env.do(req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://dashboard.example" {
		t.Errorf("expected allowed origin echoed, got %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/rpc", nil)
	req.Header.Set("Origin", "https://evil.example")
	if got := env.do(req).Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("expected no allow-origin for unknown origin, got %q", got)
	}
}

func TestMetricsEndpoints(t *testing.T) {
	env := newTestEnv(t, 10)

	req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"getSlot"}`))
	req.Header.Set("X-API-Key", aliceKey)
	env.do(req)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	raw, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(raw), `noderelay_http_requests_total{kind="rpc",method="POST",path_pattern="/rpc",status_code="200"} 1`) {
		t.Errorf("expected rpc request counted in exposition, got:\n%s", raw)
	}

	rec = env.do(httptest.NewRequest(http.MethodGet, "/metrics/summary", nil))
	var s metrics.Summary
	decodeBody(t, rec, &s)
	if s.HTTP.TotalRequests != 1 {
		t.Errorf("expected 1 rpc request in summary, got %v", s.HTTP.TotalRequests)
	}
}
