package apikey

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/alecgard/noderelay/internal/auth"
)

// AuthAdapter wraps a Store to satisfy auth.KeyLookup.
type AuthAdapter struct {
	store *Store
}

// NewAuthAdapter creates an adapter that bridges apikey.Store to auth.KeyLookup.
func NewAuthAdapter(store *Store) *AuthAdapter {
	return &AuthAdapter{store: store}
}

// GetByKeyHash looks up a key by hash and converts it to an auth.Identity.
// A missing row is reported as auth.ErrNotFound; every other error is a
// ledger failure.
func (a *AuthAdapter) GetByKeyHash(ctx context.Context, hash string) (*auth.Identity, error) {
	k, err := a.store.GetByKeyHash(ctx, hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %w", auth.ErrNotFound, err)
		}
		return nil, err
	}
	return toIdentity(k), nil
}

func toIdentity(k *Key) *auth.Identity {
	return &auth.Identity{
		CallerID:  k.UserID,
		KeyID:     k.ID,
		KeyPrefix: k.KeyPrefix,
		Tier:      k.Tier,
		IsActive:  k.IsActive,
		ExpiresAt: k.ExpiresAt,
	}
}
