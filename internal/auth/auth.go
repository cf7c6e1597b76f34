package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/alecgard/noderelay/internal/windowstore"
)

// KeyPrefix is prepended to every generated API key.
const KeyPrefix = "nr_"

// ErrNotFound is returned when a presented key does not resolve to a usable
// identity. Unknown, revoked, and expired keys are indistinguishable to callers,
// and so is a ledger outage with no cached entry.
var ErrNotFound = errors.New("api key not found")

// Identity is the caller a presented API key resolves to.
type Identity struct {
	CallerID  string     `json:"caller_id"`
	KeyID     string     `json:"key_id"`
	KeyPrefix string     `json:"key_prefix"`
	Tier      string     `json:"tier"`
	IsActive  bool       `json:"is_active"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Usable reports whether the identity may be admitted at now.
func (i *Identity) Usable(now time.Time) bool {
	if i == nil || !i.IsActive {
		return false
	}
	return i.ExpiresAt == nil || now.Before(*i.ExpiresAt)
}

// APIKey holds the hashed key and a short prefix for identification.
type APIKey struct {
	Hash   string
	Prefix string // first 10 characters of the plaintext key
}

// KeyLookup is the interface for retrieving identities by key hash from the
// durable ledger.
type KeyLookup interface {
	GetByKeyHash(ctx context.Context, hash string) (*Identity, error)
}

// ValidatorMetrics is an optional sink for validation outcomes.
type ValidatorMetrics interface {
	IncAuthSuccess(source string)
	IncAuthFailure(reason string)
}

// Validator resolves presented keys to identities, with a short-lived cache in
// the window store in front of the ledger.
type Validator struct {
	lookup   KeyLookup
	cache    windowstore.Store
	cacheTTL time.Duration
	now      func() time.Time
	metrics  ValidatorMetrics
}

// NewValidator creates a Validator. A nil cache or a non-positive cacheTTL
// disables caching.
func NewValidator(lookup KeyLookup, cache windowstore.Store, cacheTTL time.Duration) *Validator {
	return &Validator{
		lookup:   lookup,
		cache:    cache,
		cacheTTL: cacheTTL,
		now:      time.Now,
	}
}

// SetMetrics sets the optional metrics sink.
func (v *Validator) SetMetrics(m ValidatorMetrics) {
	v.metrics = m
}

// Validate resolves presentedKey. It fails closed: any path that cannot prove
// the key is usable returns ErrNotFound.
func (v *Validator) Validate(ctx context.Context, presentedKey string) (*Identity, error) {
	if presentedKey == "" {
		v.fail("missing")
		return nil, ErrNotFound
	}

	if id := v.cached(ctx, presentedKey); id != nil {
		if id.Usable(v.now()) {
			v.succeed("cache")
			return id, nil
		}
		// A cached identity that has since expired is treated as a miss so
		// the ledger gets the final word.
	}

	id, err := v.lookup.GetByKeyHash(ctx, HashKey(presentedKey))
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			slog.Warn("api key lookup failed, rejecting", "error", err)
			v.fail("ledger_error")
		} else {
			v.fail("unknown")
		}
		return nil, ErrNotFound
	}
	if !id.Usable(v.now()) {
		v.fail("inactive")
		return nil, ErrNotFound
	}

	v.store(ctx, presentedKey, id)
	v.succeed("ledger")
	return id, nil
}

func (v *Validator) cached(ctx context.Context, presentedKey string) *Identity {
	if v.cache == nil || v.cacheTTL <= 0 {
		return nil
	}
	raw, err := v.cache.Get(ctx, CacheKey(presentedKey))
	if err != nil {
		if !errors.Is(err, windowstore.ErrNotFound) {
			slog.Warn("api key cache read failed", "error", err)
		}
		return nil
	}
	var id Identity
	if err := json.Unmarshal([]byte(raw), &id); err != nil {
		slog.Warn("api key cache entry corrupt", "error", err)
		return nil
	}
	return &id
}

func (v *Validator) store(ctx context.Context, presentedKey string, id *Identity) {
	if v.cache == nil || v.cacheTTL <= 0 {
		return
	}
	ttl := v.cacheTTL
	if id.ExpiresAt != nil {
		if until := id.ExpiresAt.Sub(v.now()); until < ttl {
			ttl = until
		}
	}
	if ttl <= 0 {
		return
	}
	raw, err := json.Marshal(id)
	if err != nil {
		return
	}
	if err := v.cache.Set(ctx, CacheKey(presentedKey), string(raw), ttl); err != nil {
		slog.Warn("api key cache write failed", "error", err)
	}
}

func (v *Validator) succeed(source string) {
	if v.metrics != nil {
		v.metrics.IncAuthSuccess(source)
	}
}

func (v *Validator) fail(reason string) {
	if v.metrics != nil {
		v.metrics.IncAuthFailure(reason)
	}
}

// GenerateAPIKey creates a new API key with the "nr_" prefix followed by
// 32 URL-safe random characters. It returns the APIKey struct (containing the
// hash and prefix) and the full plaintext key.
func GenerateAPIKey() (APIKey, string, error) {
	b := make([]byte, 24) // 24 bytes -> 32 base64url chars
	if _, err := rand.Read(b); err != nil {
		return APIKey{}, "", fmt.Errorf("generating random bytes: %w", err)
	}

	plaintext := KeyPrefix + base64.RawURLEncoding.EncodeToString(b)

	key := APIKey{
		Hash:   HashKey(plaintext),
		Prefix: plaintext[:10],
	}

	return key, plaintext, nil
}

// HashKey returns the hex-encoded SHA-256 hash of the given plaintext key, as
// stored in the ledger.
func HashKey(plaintext string) string {
	h := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(h[:])
}

// CacheKey returns the window store key for a presented key. It is derived
// with a different hash than the ledger column so cache contents cannot be
// joined against the ledger.
func CacheKey(plaintext string) string {
	h := blake2b.Sum256([]byte(plaintext))
	return "apikey:" + hex.EncodeToString(h[:])
}
