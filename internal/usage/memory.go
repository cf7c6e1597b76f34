package usage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// lockedBucket pairs a bucket with the lock that serializes its updates.
type lockedBucket struct {
	mu     sync.Mutex
	bucket Bucket
}

// MemoryStore keeps buckets in process. Each bucket has its own lock keyed by
// its natural key, so concurrent increments to one bucket are serialized while
// unrelated buckets proceed in parallel.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[BucketKey]*lockedBucket
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory bucket store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buckets: make(map[BucketKey]*lockedBucket),
		now:     time.Now,
	}
}

// slot returns the locked bucket for k, creating an empty one if needed.
func (s *MemoryStore) slot(k BucketKey) *lockedBucket {
	s.mu.Lock()
	defer s.mu.Unlock()

	lb, ok := s.buckets[k]
	if !ok {
		lb = &lockedBucket{bucket: Bucket{
			CallerID: k.CallerID,
			KeyID:    k.KeyID,
			Endpoint: k.Endpoint,
			Date:     k.Date,
			Hour:     k.Hour,
		}}
		s.buckets[k] = lb
	}
	return lb
}

// ApplyDeltas increments each delta's bucket under that bucket's lock.
func (s *MemoryStore) ApplyDeltas(_ context.Context, deltas []Delta) error {
	for _, d := range deltas {
		lb := s.slot(d.Key)
		lb.mu.Lock()
		lb.bucket.apply(d, s.now())
		lb.mu.Unlock()
	}
	return nil
}

// snapshot copies every bucket matching q.
func (s *MemoryStore) snapshot(q Query) []*Bucket {
	s.mu.Lock()
	slots := make([]*lockedBucket, 0, len(s.buckets))
	for k, lb := range s.buckets {
		if matches(k, q) {
			slots = append(slots, lb)
		}
	}
	s.mu.Unlock()

	out := make([]*Bucket, 0, len(slots))
	for _, lb := range slots {
		lb.mu.Lock()
		b := lb.bucket
		lb.mu.Unlock()
		out = append(out, &b)
	}
	return out
}

// Get returns a copy of the bucket for k, or nil if it does not exist.
func (s *MemoryStore) Get(k BucketKey) *Bucket {
	s.mu.Lock()
	lb, ok := s.buckets[k]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	lb.mu.Lock()
	defer lb.mu.Unlock()
	b := lb.bucket
	return &b
}

// GetSummary returns aggregate usage across the buckets matching q.
func (s *MemoryStore) GetSummary(_ context.Context, q Query) (*Summary, error) {
	var summary Summary
	for _, b := range s.snapshot(q) {
		summary.TotalRequests += b.RequestCount
		summary.SuccessCount += b.SuccessCount
		summary.ErrorCount += b.ErrorCount
		summary.TotalLatencyMs += b.TotalLatencyMs
	}
	if summary.TotalRequests > 0 {
		summary.AvgLatencyMs = float64(summary.TotalLatencyMs) / float64(summary.TotalRequests)
	}
	return &summary, nil
}

// ListBuckets returns buckets matching q, newest hour first.
func (s *MemoryStore) ListBuckets(_ context.Context, q Query) ([]*Bucket, error) {
	buckets := s.snapshot(q)
	sort.Slice(buckets, func(i, j int) bool {
		ti, tj := bucketTime(buckets[i].Date, buckets[i].Hour), bucketTime(buckets[j].Date, buckets[j].Hour)
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return buckets[i].Endpoint < buckets[j].Endpoint
	})

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(buckets) > limit {
		buckets = buckets[:limit]
	}
	return buckets, nil
}

func matches(k BucketKey, q Query) bool {
	if q.CallerID != "" && k.CallerID != q.CallerID {
		return false
	}
	if q.KeyID != "" && k.KeyID != q.KeyID {
		return false
	}
	if q.Endpoint != "" && k.Endpoint != q.Endpoint {
		return false
	}
	t := bucketTime(k.Date, k.Hour)
	if !q.From.IsZero() && t.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && t.After(q.To) {
		return false
	}
	return true
}
