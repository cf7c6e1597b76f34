package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alecgard/noderelay/internal/auth"
	"github.com/alecgard/noderelay/internal/metrics"
	"github.com/alecgard/noderelay/internal/ratelimit"
)

// defaultMaxRequestSize bounds an inbound JSON-RPC body (1 MB).
const defaultMaxRequestSize = 1 << 20

// RouterDeps holds all dependencies for the API router. Keys and Metrics are
// optional; their routes are not mounted when nil.
type RouterDeps struct {
	Relay          Relay
	Upstream       Upstream
	Network        string
	Validator      *auth.Validator
	Limiter        *ratelimit.Limiter
	Usage          UsageReader
	Keys           KeyStore
	Metrics        *metrics.Metrics
	AllowedOrigins []string
	MaxRequestSize int64
}

// NewRouter builds the chi router with all routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	var httpMetrics HTTPMetrics
	var onReject []func(tier string)
	if deps.Metrics != nil {
		httpMetrics = deps.Metrics
		onReject = append(onReject, deps.Metrics.IncRateLimitRejection)
	}

	maxBody := deps.MaxRequestSize
	if maxBody <= 0 {
		maxBody = defaultMaxRequestSize
	}

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(slogRequestLogger(httpMetrics))
	r.Use(secureHeaders)
	r.Use(corsMiddleware(deps.AllowedOrigins))

	relay := &rpcHandler{relay: deps.Relay, maxBody: maxBody}
	if len(onReject) > 0 {
		relay.onReject = onReject[0]
	}
	network := &networkHandler{upstream: deps.Upstream, network: deps.Network, tiers: deps.Limiter}
	usage := &usageHandler{store: deps.Usage}

	// JSON-RPC relay. Authentication and admission run inside the gateway so
	// that rejected calls are answered in the JSON-RPC error shape.
	r.Post("/", relay.ServeHTTP)
	r.Post("/rpc", relay.ServeHTTP)

	// Public read endpoints. None of these touch usage accounting.
	r.Get("/health", network.Health)
	r.Get("/api/v1/network/stats", network.NetworkStats)
	r.Get("/api/v1/routes", network.Routes)

	if deps.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Metrics.Registry(), promhttp.HandlerOpts{}))
		r.Get("/metrics/summary", deps.Metrics.Handler())
	}

	// Key-authed routes (require API key + rate limiting).
	r.Route("/api/v1", func(ar chi.Router) {
		ar.Use(auth.Middleware(deps.Validator))
		ar.Use(ratelimit.Middleware(deps.Limiter, onReject...))

		ar.Get("/usage", usage.GetUsage)
		ar.Get("/usage/buckets", usage.ListBuckets)

		if deps.Keys != nil {
			keys := &keysHandler{store: deps.Keys}
			ar.Get("/keys", keys.ListKeys)
			ar.Delete("/keys/{id}", keys.RevokeKey)
		}
	})

	return r
}
