package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"

	"github.com/alecgard/noderelay/internal/apikey"
	"github.com/alecgard/noderelay/internal/auth"
)

// KeyStore lists and revokes a user's keys.
type KeyStore interface {
	ListByUser(ctx context.Context, userID string, params apikey.ListParams) ([]*apikey.Key, string, error)
	Revoke(ctx context.Context, userID, id string) error
}

type keysHandler struct {
	store KeyStore
}

type keyListResponse struct {
	Keys       []*apikey.Key `json:"keys"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

// ListKeys handles GET /api/v1/keys.
func (h *keysHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFromContext(r.Context())
	if id == nil {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "Missing API key")
		return
	}

	params := apikey.ListParams{Cursor: r.URL.Query().Get("cursor")}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l < 1 {
			writeError(w, http.StatusBadRequest, "invalid_params", "limit must be a positive integer")
			return
		}
		params.Limit = l
	}

	keys, next, err := h.store.ListByUser(r.Context(), id.CallerID, params)
	if err != nil {
		if errors.Is(err, apikey.ErrInvalidCursor) {
			writeError(w, http.StatusBadRequest, "invalid_params", "invalid cursor")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list keys")
		return
	}
	if keys == nil {
		keys = []*apikey.Key{}
	}

	writeJSON(w, http.StatusOK, keyListResponse{Keys: keys, NextCursor: next})
}

// RevokeKey handles DELETE /api/v1/keys/{id}. A cached identity for the
// revoked key stays usable until its cache entry expires.
func (h *keysHandler) RevokeKey(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFromContext(r.Context())
	if id == nil {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "Missing API key")
		return
	}

	keyID := chi.URLParam(r, "id")
	if err := h.store.Revoke(r.Context(), id.CallerID, keyID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "not_found", "key not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to revoke key")
		return
	}

	slog.Info("api key revoked",
		"caller_id", id.CallerID,
		"key_id", keyID,
		"revoked_by", id.KeyID,
		"ip", ClientIP(r),
		"request_id", RequestIDFromContext(r.Context()),
	)
	w.WriteHeader(http.StatusNoContent)
}
