package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alecgard/noderelay/internal/windowstore"
)

// DefaultTier is the limits entry used for tiers with no explicit limit.
const DefaultTier = "default"

// DefaultLimits are the per-window request limits per subscription tier.
var DefaultLimits = map[string]int{
	"free":         100,
	"starter":      300,
	"professional": 1000,
	"enterprise":   5000,
	DefaultTier:    60,
}

// Decision is the outcome of a single admission check.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
	// Degraded is set when the window store could not be consulted and the
	// call was admitted without counting.
	Degraded bool `json:"degraded,omitempty"`
}

// Limiter implements a fixed-window counter per caller over a shared window
// store. The counter key is the caller plus the window's start timestamp, so
// every process sharing the store agrees on the count.
type Limiter struct {
	store  windowstore.Store
	window time.Duration
	limits map[string]int
	now    func() time.Time // injectable clock for testing
}

// New creates a Limiter with the given window size and tier limits. A nil
// limits map uses DefaultLimits; a map with no "default" entry inherits it
// from DefaultLimits.
func New(store windowstore.Store, window time.Duration, limits map[string]int) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	merged := make(map[string]int, len(DefaultLimits))
	if limits == nil {
		limits = DefaultLimits
	}
	for tier, n := range limits {
		merged[tier] = n
	}
	if _, ok := merged[DefaultTier]; !ok {
		merged[DefaultTier] = DefaultLimits[DefaultTier]
	}
	return &Limiter{
		store:  store,
		window: window,
		limits: merged,
		now:    time.Now,
	}
}

// Window returns the configured window size.
func (l *Limiter) Window() time.Duration {
	return l.window
}

// Limits returns a copy of the tier limit table.
func (l *Limiter) Limits() map[string]int {
	out := make(map[string]int, len(l.limits))
	for tier, n := range l.limits {
		out[tier] = n
	}
	return out
}

// LimitFor returns the per-window limit for tier, falling back to the
// default tier.
func (l *Limiter) LimitFor(tier string) int {
	if n, ok := l.limits[tier]; ok {
		return n
	}
	return l.limits[DefaultTier]
}

// windowStart returns the start of the fixed window containing t.
func (l *Limiter) windowStart(t time.Time) time.Time {
	size := int64(l.window / time.Second)
	if size <= 0 {
		size = 1
	}
	unix := t.Unix()
	return time.Unix(unix-unix%size, 0).UTC()
}

// Key returns the window store key for callerID's window starting at start.
func Key(callerID string, start time.Time) string {
	return fmt.Sprintf("ratelimit:%s:%d", callerID, start.Unix())
}

// Admit counts one request for callerID and reports whether it fits in the
// tier's limit. The limit is inclusive: the request that takes the count past
// the limit is the first one rejected. If the window store fails the request
// is admitted.
func (l *Limiter) Admit(ctx context.Context, callerID, tier string) Decision {
	limit := l.LimitFor(tier)
	start := l.windowStart(l.now())
	resetAt := start.Add(l.window)

	count, err := l.store.IncrExpire(ctx, Key(callerID, start), l.window)
	if err != nil {
		slog.Warn("rate limit store unavailable, admitting",
			"caller_id", callerID,
			"tier", tier,
			"degraded", true,
			"error", err,
		)
		return Decision{
			Allowed:   true,
			Limit:     limit,
			Remaining: limit,
			ResetAt:   resetAt,
			Degraded:  true,
		}
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= int64(limit),
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}
