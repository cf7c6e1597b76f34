package windowstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrExpireScript increments KEYS[1] and sets a PEXPIRE of ARGV[1] ms when
// the key has no TTL, so the counter and its expiry are written together.
var incrExpireScript = redis.NewScript(`
	local n = redis.call('INCR', KEYS[1])
	if redis.call('PTTL', KEYS[1]) < 0 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return n
`)

// saddExpireScript is the set counterpart of incrExpireScript.
var saddExpireScript = redis.NewScript(`
	redis.call('SADD', KEYS[1], ARGV[1])
	if redis.call('PTTL', KEYS[1]) < 0 then
		redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
	return 1
`)

// Redis is a Store backed by a Redis server. Atomicity comes from Redis itself
// (single commands and the scripts above), so one store can be shared across
// relay replicas.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// RedisOptions configures the Redis-backed store.
type RedisOptions struct {
	URL          string
	Prefix       string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
}

// NewRedis parses opts.URL and returns a Store using a fresh client.
func NewRedis(opts RedisOptions) (*Redis, error) {
	ropts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	if opts.DialTimeout > 0 {
		ropts.DialTimeout = opts.DialTimeout
	}
	if opts.ReadTimeout > 0 {
		ropts.ReadTimeout = opts.ReadTimeout
	}
	if opts.WriteTimeout > 0 {
		ropts.WriteTimeout = opts.WriteTimeout
	}
	if opts.PoolSize > 0 {
		ropts.PoolSize = opts.PoolSize
	}
	return NewRedisWithClient(redis.NewClient(ropts), opts.Prefix), nil
}

// NewRedisWithClient wraps an existing client. Every key is namespaced with prefix.
func NewRedisWithClient(client redis.UniversalClient, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) key(k string) string {
	return r.prefix + k
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis get: %w", err)
	}
	return v, nil
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *Redis) Incr(ctx context.Context, key string) (int64, error) {
	n, err := r.client.Incr(ctx, r.key(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr: %w", err)
	}
	return n, nil
}

func (r *Redis) IncrExpire(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := incrExpireScript.Run(ctx, r.client, []string{r.key(key)}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis incr with expiry: %w", err)
	}
	return n, nil
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := r.client.Expire(ctx, r.key(key), ttl).Err(); err != nil {
		return fmt.Errorf("redis expire: %w", err)
	}
	return nil
}

func (r *Redis) SAdd(ctx context.Context, key, member string) error {
	if err := r.client.SAdd(ctx, r.key(key), member).Err(); err != nil {
		return fmt.Errorf("redis sadd: %w", err)
	}
	return nil
}

func (r *Redis) SAddExpire(ctx context.Context, key, member string, ttl time.Duration) error {
	if err := saddExpireScript.Run(ctx, r.client, []string{r.key(key)}, member, ttl.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("redis sadd with expiry: %w", err)
	}
	return nil
}

func (r *Redis) SCard(ctx context.Context, key string) (int64, error) {
	n, err := r.client.SCard(ctx, r.key(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis scard: %w", err)
	}
	return n, nil
}

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}
