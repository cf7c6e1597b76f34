package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/alecgard/noderelay/internal/proxy"
)

// Upstream answers the read-only checks. Checks never retry and never write
// usage.
type Upstream interface {
	Check(ctx context.Context, method string) (*proxy.CheckResult, error)
	NetworkStats(ctx context.Context) (*proxy.NetworkStats, error)
}

// TierLimits describes the configured rate-limit tiers.
type TierLimits interface {
	Window() time.Duration
	Limits() map[string]int
}

type networkHandler struct {
	upstream Upstream
	network  string
	tiers    TierLimits
}

type healthResponse struct {
	Status    string          `json:"status"`
	Network   string          `json:"network"`
	Upstream  json.RawMessage `json:"upstream,omitempty"`
	LatencyMs int64           `json:"latency_ms"`
	Error     string          `json:"error,omitempty"`
}

// Health handles GET /health with a single getHealth check.
func (h *networkHandler) Health(w http.ResponseWriter, r *http.Request) {
	pr, err := h.upstream.Check(r.Context(), "getHealth")
	resp := healthResponse{Status: "ok", Network: h.network}
	if pr != nil {
		resp.LatencyMs = pr.Latency.Milliseconds()
		resp.Upstream = pr.Result
	}
	if err != nil {
		slog.Warn("health check failed", "network", h.network, "error", err)
		resp.Status = "unhealthy"
		resp.Error = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// NetworkStats handles GET /api/v1/network/stats.
func (h *networkHandler) NetworkStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.upstream.NetworkStats(r.Context())
	if err != nil {
		slog.Warn("network stats failed", "network", h.network, "error", err)
		writeError(w, http.StatusServiceUnavailable, "upstream_unavailable", "failed to fetch network stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type routeInfo struct {
	Method string `json:"method"`
	Path   string `json:"path"`
	Auth   bool   `json:"auth"`
	About  string `json:"description"`
}

type tierInfo struct {
	Name  string `json:"name"`
	Limit int    `json:"requests_per_window"`
}

type routesResponse struct {
	Name          string      `json:"name"`
	Network       string      `json:"network"`
	AuthHeader    string      `json:"auth_header"`
	WindowSeconds int64       `json:"window_seconds"`
	Tiers         []tierInfo  `json:"tiers"`
	Routes        []routeInfo `json:"routes"`
}

var routeTable = []routeInfo{
	{http.MethodPost, "/", true, "JSON-RPC relay"},
	{http.MethodPost, "/rpc", true, "JSON-RPC relay"},
	{http.MethodGet, "/health", false, "upstream health check"},
	{http.MethodGet, "/api/v1/network/stats", false, "slot, block height and version"},
	{http.MethodGet, "/api/v1/routes", false, "this document"},
	{http.MethodGet, "/api/v1/usage", true, "usage summary for the calling key's owner"},
	{http.MethodGet, "/api/v1/usage/buckets", true, "hourly usage buckets"},
	{http.MethodGet, "/api/v1/keys", true, "list the caller's API keys"},
	{http.MethodDelete, "/api/v1/keys/{id}", true, "revoke one of the caller's API keys"},
	{http.MethodGet, "/metrics", false, "Prometheus metrics"},
	{http.MethodGet, "/metrics/summary", false, "JSON metrics summary"},
}

// Routes handles GET /api/v1/routes.
func (h *networkHandler) Routes(w http.ResponseWriter, r *http.Request) {
	resp := routesResponse{
		Name:       "noderelay",
		Network:    h.network,
		AuthHeader: "X-API-Key",
		Routes:     routeTable,
	}
	if h.tiers != nil {
		resp.WindowSeconds = int64(h.tiers.Window() / time.Second)
		for name, limit := range h.tiers.Limits() {
			resp.Tiers = append(resp.Tiers, tierInfo{Name: name, Limit: limit})
		}
		sort.Slice(resp.Tiers, func(i, j int) bool {
			if resp.Tiers[i].Limit != resp.Tiers[j].Limit {
				return resp.Tiers[i].Limit < resp.Tiers[j].Limit
			}
			return resp.Tiers[i].Name < resp.Tiers[j].Name
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
