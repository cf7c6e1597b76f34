// Package windowstore defines the ephemeral key-value store shared by the rate
// limiter, the risk engine, and the API key cache. Counters and sets expire on
// their own; nothing stored here needs to survive a restart.
package windowstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist or has expired.
var ErrNotFound = errors.New("windowstore: key not found")

// Store is the set of primitives callers may rely on. Implementations must make
// every write atomic so that concurrent callers never need their own locks.
type Store interface {
	// Get returns the string value stored at key.
	Get(ctx context.Context, key string) (string, error)
	// Set stores value at key with the given time-to-live. A zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Incr atomically increments the integer at key and returns the new value.
	// Missing keys start at zero.
	Incr(ctx context.Context, key string) (int64, error)
	// IncrExpire atomically increments the counter at key and, in the same
	// step, gives it ttl if it has no expiry yet. A counter never outlives
	// ttl from its first increment, even if an earlier call failed midway.
	IncrExpire(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Expire sets the time-to-live of an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// SAdd adds member to the set at key.
	SAdd(ctx context.Context, key, member string) error
	// SAddExpire atomically adds member to the set at key and gives the set
	// ttl if it has no expiry yet.
	SAddExpire(ctx context.Context, key, member string, ttl time.Duration) error
	// SCard returns the number of members in the set at key.
	SCard(ctx context.Context, key string) (int64, error)
	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)
}

// GetInt returns the integer stored at key, or zero when the key is missing.
func GetInt(ctx context.Context, s Store, key string) (int64, error) {
	v, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing counter %q: %w", key, err)
	}
	return n, nil
}
