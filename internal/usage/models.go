package usage

import "time"

// CallRecord is one upstream attempt, successful or not. Records are created
// once and never updated.
type CallRecord struct {
	ID             string    `json:"id"`
	CallerID       string    `json:"caller_id"`
	KeyID          string    `json:"key_id"`
	Method         string    `json:"method"`
	Network        string    `json:"network"`
	ClientIP       string    `json:"client_ip"`
	StartTime      time.Time `json:"start_time"`
	ResponseTimeMs int64     `json:"response_time_ms"`
	Success        bool      `json:"success"`
	ErrorClass     string    `json:"error_class,omitempty"`
	Attempt        int       `json:"attempt"`
}

// BucketKey is the natural key of an hourly usage bucket.
type BucketKey struct {
	CallerID string
	KeyID    string
	Endpoint string
	Date     time.Time // midnight UTC of the bucket's day
	Hour     int
}

// KeyFor derives the bucket a record belongs to from its start time
// truncated to the hour in UTC.
func KeyFor(rec CallRecord) BucketKey {
	t := rec.StartTime.UTC()
	return BucketKey{
		CallerID: rec.CallerID,
		KeyID:    rec.KeyID,
		Endpoint: rec.Method,
		Date:     time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC),
		Hour:     t.Hour(),
	}
}

// Bucket is the hourly pre-aggregate for one (caller, key, endpoint).
type Bucket struct {
	CallerID       string    `json:"caller_id"`
	KeyID          string    `json:"key_id"`
	Endpoint       string    `json:"endpoint"`
	Date           time.Time `json:"date"`
	Hour           int       `json:"hour"`
	RequestCount   int64     `json:"request_count"`
	SuccessCount   int64     `json:"success_count"`
	ErrorCount     int64     `json:"error_count"`
	TotalLatencyMs int64     `json:"total_latency_ms"`
	AvgLatencyMs   float64   `json:"avg_latency_ms"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Key returns the bucket's natural key.
func (b *Bucket) Key() BucketKey {
	return BucketKey{CallerID: b.CallerID, KeyID: b.KeyID, Endpoint: b.Endpoint, Date: b.Date, Hour: b.Hour}
}

// apply folds d into b and recomputes the running average from the totals.
func (b *Bucket) apply(d Delta, now time.Time) {
	b.RequestCount += d.Requests
	b.SuccessCount += d.Successes
	b.ErrorCount += d.Errors
	b.TotalLatencyMs += d.LatencyMs
	if b.RequestCount > 0 {
		b.AvgLatencyMs = float64(b.TotalLatencyMs) / float64(b.RequestCount)
	}
	b.UpdatedAt = now
}

// Delta is the increment a batch of records contributes to one bucket.
type Delta struct {
	Key       BucketKey
	Requests  int64
	Successes int64
	Errors    int64
	LatencyMs int64
}

// add folds a single record into the delta: exactly one of Successes or
// Errors grows with every request.
func (d *Delta) add(rec CallRecord) {
	d.Requests++
	if rec.Success {
		d.Successes++
	} else {
		d.Errors++
	}
	d.LatencyMs += rec.ResponseTimeMs
}

func (d Delta) avgLatencyMs() float64 {
	if d.Requests == 0 {
		return 0
	}
	return float64(d.LatencyMs) / float64(d.Requests)
}

// Fold groups records by bucket key, preserving first-seen order.
func Fold(recs []CallRecord) []Delta {
	idx := make(map[BucketKey]int, len(recs))
	deltas := make([]Delta, 0, len(recs))
	for _, rec := range recs {
		k := KeyFor(rec)
		i, ok := idx[k]
		if !ok {
			i = len(deltas)
			idx[k] = i
			deltas = append(deltas, Delta{Key: k})
		}
		deltas[i].add(rec)
	}
	return deltas
}

// Summary holds aggregate metrics across a set of buckets.
type Summary struct {
	TotalRequests  int64   `json:"total_requests"`
	SuccessCount   int64   `json:"success_count"`
	ErrorCount     int64   `json:"error_count"`
	TotalLatencyMs int64   `json:"total_latency_ms"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
}

// Query filters buckets. Zero values mean "no filter".
type Query struct {
	CallerID string    `json:"caller_id,omitempty"`
	KeyID    string    `json:"key_id,omitempty"`
	Endpoint string    `json:"endpoint,omitempty"`
	From     time.Time `json:"from"`
	To       time.Time `json:"to"`
	Limit    int       `json:"limit"`
}

// bucketTime returns the start of the bucket's hour.
func bucketTime(date time.Time, hour int) time.Time {
	return date.Add(time.Duration(hour) * time.Hour)
}
