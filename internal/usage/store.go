package usage

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// upsertBucket increments a bucket, creating it on first use. On conflict the
// average is recomputed from the post-increment totals inside the same
// statement, so the row lock taken by ON CONFLICT serializes concurrent
// writers of one bucket.
const upsertBucket = `
INSERT INTO usage_buckets
	(user_id, api_key_id, endpoint, date, hour,
	 request_count, success_count, error_count, total_latency_ms, avg_latency_ms, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
ON CONFLICT (user_id, api_key_id, endpoint, date, hour) DO UPDATE SET
	request_count    = usage_buckets.request_count + EXCLUDED.request_count,
	success_count    = usage_buckets.success_count + EXCLUDED.success_count,
	error_count      = usage_buckets.error_count + EXCLUDED.error_count,
	total_latency_ms = usage_buckets.total_latency_ms + EXCLUDED.total_latency_ms,
	avg_latency_ms   = (usage_buckets.total_latency_ms + EXCLUDED.total_latency_ms)::double precision
	                 / (usage_buckets.request_count + EXCLUDED.request_count)::double precision,
	updated_at       = now()`

// Store provides database operations for usage buckets.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// ApplyDeltas upserts every delta in a single round trip. It is a no-op when
// deltas is empty.
func (s *Store) ApplyDeltas(ctx context.Context, deltas []Delta) error {
	if len(deltas) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, d := range deltas {
		batch.Queue(upsertBucket,
			d.Key.CallerID,
			d.Key.KeyID,
			d.Key.Endpoint,
			d.Key.Date,
			d.Key.Hour,
			d.Requests,
			d.Successes,
			d.Errors,
			d.LatencyMs,
			d.avgLatencyMs(),
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range deltas {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("upserting usage bucket: %w", err)
		}
	}
	return nil
}

// GetSummary returns aggregate usage across the buckets matching q.
func (s *Store) GetSummary(ctx context.Context, q Query) (*Summary, error) {
	where, args := buildWhereClause(q)

	query := `SELECT
		COALESCE(SUM(request_count), 0),
		COALESCE(SUM(success_count), 0),
		COALESCE(SUM(error_count), 0),
		COALESCE(SUM(total_latency_ms), 0)
	FROM usage_buckets` + where

	var summary Summary
	err := s.pool.QueryRow(ctx, query, args...).Scan(
		&summary.TotalRequests,
		&summary.SuccessCount,
		&summary.ErrorCount,
		&summary.TotalLatencyMs,
	)
	if err != nil {
		return nil, fmt.Errorf("querying usage summary: %w", err)
	}
	if summary.TotalRequests > 0 {
		summary.AvgLatencyMs = float64(summary.TotalLatencyMs) / float64(summary.TotalRequests)
	}

	return &summary, nil
}

// ListBuckets returns buckets matching q, newest hour first.
func (s *Store) ListBuckets(ctx context.Context, q Query) ([]*Bucket, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	where, args := buildWhereClause(q)
	query := `SELECT user_id, api_key_id, endpoint, date, hour,
		request_count, success_count, error_count, total_latency_ms, avg_latency_ms, updated_at
	FROM usage_buckets` + where +
		` ORDER BY date DESC, hour DESC, endpoint LIMIT $` + strconv.Itoa(len(args)+1)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing usage buckets: %w", err)
	}
	defer rows.Close()

	var buckets []*Bucket
	for rows.Next() {
		var b Bucket
		if err := rows.Scan(
			&b.CallerID, &b.KeyID, &b.Endpoint, &b.Date, &b.Hour,
			&b.RequestCount, &b.SuccessCount, &b.ErrorCount, &b.TotalLatencyMs, &b.AvgLatencyMs, &b.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning usage bucket: %w", err)
		}
		buckets = append(buckets, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating usage buckets: %w", err)
	}
	return buckets, nil
}

// bucketStartSQL is the start of a bucket's hour as a timestamptz. date and
// hour are UTC, so the sum is pinned to UTC rather than the session time zone.
const bucketStartSQL = "((date + make_interval(hours => hour)) AT TIME ZONE 'UTC')"

// buildWhereClause constructs a WHERE clause and positional arguments from a
// Query. The returned string starts with " WHERE" or is empty. Time bounds
// compare against the start of each bucket's hour.
func buildWhereClause(q Query) (string, []any) {
	var conditions []string
	var args []any

	if q.CallerID != "" {
		args = append(args, q.CallerID)
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if q.KeyID != "" {
		args = append(args, q.KeyID)
		conditions = append(conditions, fmt.Sprintf("api_key_id = $%d", len(args)))
	}
	if q.Endpoint != "" {
		args = append(args, q.Endpoint)
		conditions = append(conditions, fmt.Sprintf("endpoint = $%d", len(args)))
	}
	if !q.From.IsZero() {
		args = append(args, q.From.UTC())
		conditions = append(conditions, fmt.Sprintf(bucketStartSQL+" >= $%d", len(args)))
	}
	if !q.To.IsZero() {
		args = append(args, q.To.UTC())
		conditions = append(conditions, fmt.Sprintf(bucketStartSQL+" <= $%d", len(args)))
	}

	if len(conditions) == 0 {
		return "", nil
	}

	return " WHERE " + strings.Join(conditions, " AND "), args
}
