package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/alecgard/noderelay/internal/auth"
	"github.com/alecgard/noderelay/internal/usage"
)

// maxBucketPage caps a single bucket listing.
const maxBucketPage = 1000

// UsageReader serves the usage read endpoints.
type UsageReader interface {
	GetSummary(ctx context.Context, q usage.Query) (*usage.Summary, error)
	ListBuckets(ctx context.Context, q usage.Query) ([]*usage.Bucket, error)
}

// usageHandler groups the caller-scoped usage handlers.
type usageHandler struct {
	store UsageReader
}

// parseTimeParam parses a date query param in YYYY-MM-DD or RFC3339 format.
func parseTimeParam(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

// buildUsageQuery scopes the query to the authenticated caller; a caller can
// only ever see their own buckets.
func buildUsageQuery(r *http.Request) (usage.Query, error) {
	var q usage.Query
	if id := auth.IdentityFromContext(r.Context()); id != nil {
		q.CallerID = id.CallerID
	}

	params := r.URL.Query()
	q.KeyID = params.Get("key_id")
	q.Endpoint = params.Get("endpoint")

	from, err := parseTimeParam(params.Get("from"))
	if err != nil {
		return q, fmt.Errorf("from: %w", err)
	}
	q.From = from

	to, err := parseTimeParam(params.Get("to"))
	if err != nil {
		return q, fmt.Errorf("to: %w", err)
	}
	q.To = to

	if !q.From.IsZero() && !q.To.IsZero() && q.To.Before(q.From) {
		return q, fmt.Errorf("to is before from")
	}

	if limitStr := params.Get("limit"); limitStr != "" {
		l, lErr := strconv.Atoi(limitStr)
		if lErr != nil || l < 1 {
			return q, fmt.Errorf("limit must be a positive integer")
		}
		q.Limit = min(l, maxBucketPage)
	}

	return q, nil
}

type usageResponse struct {
	CallerID string    `json:"caller_id"`
	From     time.Time `json:"from,omitzero"`
	To       time.Time `json:"to,omitzero"`
	*usage.Summary
}

// GetUsage handles GET /api/v1/usage.
func (h *usageHandler) GetUsage(w http.ResponseWriter, r *http.Request) {
	q, err := buildUsageQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", "invalid query parameters: "+err.Error())
		return
	}
	if q.CallerID == "" {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "Missing API key")
		return
	}

	summary, err := h.store.GetSummary(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to get usage summary")
		return
	}

	writeJSON(w, http.StatusOK, usageResponse{CallerID: q.CallerID, From: q.From, To: q.To, Summary: summary})
}

// ListBuckets handles GET /api/v1/usage/buckets.
func (h *usageHandler) ListBuckets(w http.ResponseWriter, r *http.Request) {
	q, err := buildUsageQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", "invalid query parameters: "+err.Error())
		return
	}
	if q.CallerID == "" {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "Missing API key")
		return
	}

	buckets, err := h.store.ListBuckets(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list usage buckets")
		return
	}
	if buckets == nil {
		buckets = []*usage.Bucket{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"buckets": buckets})
}
