package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/alecgard/noderelay/internal/auth"
)

// SetHeaders writes the rate-limit headers for d:
//
//	X-RateLimit-Limit     maximum requests allowed in the window
//	X-RateLimit-Remaining requests left in the current window
//	X-RateLimit-Reset     Unix timestamp when the window rolls over
func SetHeaders(w http.ResponseWriter, d Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

// Middleware returns an HTTP middleware that enforces rate limits using the
// provided Limiter. It expects an identity in the request context (set by
// auth.Middleware); the caller ID is the window key and the tier selects the
// limit. Requests without an identity pass through.
//
// When the limit is exceeded the middleware responds with HTTP 429 and a JSON
// error body.
func Middleware(limiter *Limiter, onReject ...func(tier string)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := auth.IdentityFromContext(r.Context())
			if id == nil {
				next.ServeHTTP(w, r)
				return
			}

			d := limiter.Admit(r.Context(), id.CallerID, id.Tier)
			SetHeaders(w, d)

			if !d.Allowed {
				for _, fn := range onReject {
					fn(id.Tier)
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]interface{}{
					"error": map[string]string{
						"code":    "rate_limited",
						"message": "Rate limit exceeded. Try again later.",
					},
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
