package apikey

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrInvalidCursor is returned by ListByUser for a cursor it did not issue.
var ErrInvalidCursor = errors.New("invalid cursor")

const keyColumns = `k.id, k.user_id, k.name, k.key_hash, k.key_prefix, k.is_active, k.expires_at, k.created_at, u.tier`

// Store provides ledger operations for users and API keys.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new key store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// CreateUser inserts a user and returns the created record.
func (s *Store) CreateUser(ctx context.Context, in CreateUserInput) (*User, error) {
	u := &User{}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO users (email, tier) VALUES ($1, $2)
		 RETURNING id, email, tier, created_at`,
		in.Email, in.Tier,
	).Scan(&u.ID, &u.Email, &u.Tier, &u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating user: %w", err)
	}
	return u, nil
}

// Create inserts a new key for an existing user and returns it with the
// owner's tier.
func (s *Store) Create(ctx context.Context, in CreateKeyInput) (*Key, error) {
	k := &Key{}
	err := s.pool.QueryRow(ctx,
		`WITH k AS (
			INSERT INTO api_keys (user_id, name, key_hash, key_prefix, expires_at)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING *
		 )
		 SELECT `+keyColumns+` FROM k JOIN users u ON u.id = k.user_id`,
		in.UserID, in.Name, in.KeyHash, in.KeyPrefix, in.ExpiresAt,
	).Scan(scanTargets(k)...)
	if err != nil {
		return nil, fmt.Errorf("creating api key: %w", err)
	}
	return k, nil
}

// GetByKeyHash retrieves a key by its hash, used for authentication.
func (s *Store) GetByKeyHash(ctx context.Context, hash string) (*Key, error) {
	k := &Key{}
	err := s.pool.QueryRow(ctx,
		`SELECT `+keyColumns+`
		 FROM api_keys k JOIN users u ON u.id = k.user_id
		 WHERE k.key_hash = $1`,
		hash,
	).Scan(scanTargets(k)...)
	if err != nil {
		return nil, fmt.Errorf("getting api key by hash: %w", err)
	}
	return k, nil
}

// ListByUser returns a page of a user's keys ordered by created_at DESC, id
// DESC. It returns the keys, the next cursor (empty if no more results), and
// any error.
func (s *Store) ListByUser(ctx context.Context, userID string, params ListParams) ([]*Key, string, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 20
	}

	var rows pgx.Rows
	var err error

	if params.Cursor != "" {
		cursorTime, cursorID, cerr := decodeCursor(params.Cursor)
		if cerr != nil {
			return nil, "", fmt.Errorf("%w: %w", ErrInvalidCursor, cerr)
		}
		rows, err = s.pool.Query(ctx,
			`SELECT `+keyColumns+`
			 FROM api_keys k JOIN users u ON u.id = k.user_id
			 WHERE k.user_id = $1 AND (k.created_at, k.id) < ($2, $3)
			 ORDER BY k.created_at DESC, k.id DESC
			 LIMIT $4`,
			userID, cursorTime, cursorID, limit+1,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+keyColumns+`
			 FROM api_keys k JOIN users u ON u.id = k.user_id
			 WHERE k.user_id = $1
			 ORDER BY k.created_at DESC, k.id DESC
			 LIMIT $2`,
			userID, limit+1,
		)
	}
	if err != nil {
		return nil, "", fmt.Errorf("listing api keys: %w", err)
	}
	defer rows.Close()

	var keys []*Key
	for rows.Next() {
		k := &Key{}
		if err := rows.Scan(scanTargets(k)...); err != nil {
			return nil, "", fmt.Errorf("scanning api key row: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating api key rows: %w", err)
	}

	var nextCursor string
	if len(keys) > limit {
		last := keys[limit-1]
		nextCursor = encodeCursor(last.CreatedAt, last.ID)
		keys = keys[:limit]
	}

	return keys, nextCursor, nil
}

// Revoke marks one of userID's keys inactive. Cached identities stay valid
// until their cache entry expires.
func (s *Store) Revoke(ctx context.Context, userID, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE api_keys SET is_active = false WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("revoking api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("revoking api key %s: %w", id, pgx.ErrNoRows)
	}
	return nil
}

func scanTargets(k *Key) []any {
	return []any{&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.IsActive, &k.ExpiresAt, &k.CreatedAt, &k.Tier}
}

// encodeCursor produces a base64 string from a created_at timestamp and id.
func encodeCursor(createdAt time.Time, id string) string {
	raw := createdAt.Format(time.RFC3339Nano) + "|" + id
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// decodeCursor parses a base64 cursor back into its created_at and id parts.
func decodeCursor(cursor string) (time.Time, string, error) {
	data, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("decoding cursor base64: %w", err)
	}

	createdAt, id, ok := strings.Cut(string(data), "|")
	if !ok || id == "" {
		return time.Time{}, "", fmt.Errorf("invalid cursor format")
	}

	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("parsing cursor time: %w", err)
	}

	return t, id, nil
}
