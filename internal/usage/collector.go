package usage

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DeltaApplier is the interface used by Collector to persist bucket
// increments. Implementations must apply each delta atomically with respect
// to concurrent writers of the same bucket.
type DeltaApplier interface {
	ApplyDeltas(ctx context.Context, deltas []Delta) error
}

// CollectorMetrics is an optional sink for collector instrumentation.
type CollectorMetrics interface {
	SetUsageBufferSize(n int)
	IncUsageRecords()
	ObserveUsageFlush(seconds float64, err error)
}

// Collector buffers call records in memory and periodically folds them into
// bucket deltas. It is safe for concurrent use and Record never waits on I/O.
type Collector struct {
	store         DeltaApplier
	buffer        []CallRecord
	mu            sync.Mutex
	batchSize     int
	flushInterval time.Duration
	done          chan struct{}
	stopOnce      sync.Once
	inflight      sync.WaitGroup
	metrics       CollectorMetrics
}

// NewCollector creates a new Collector that flushes to the given store when the
// buffer reaches batchSize or every flushInterval, whichever comes first.
func NewCollector(store DeltaApplier, batchSize int, flushInterval time.Duration) *Collector {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &Collector{
		store:         store,
		buffer:        make([]CallRecord, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		done:          make(chan struct{}),
	}
}

// SetMetrics sets the optional metrics sink.
func (c *Collector) SetMetrics(m CollectorMetrics) {
	c.metrics = m
}

// Start begins flushing buffered records on a timer. It blocks until Stop is
// called or the context is cancelled, then flushes once more and waits for
// any batch-size flushes still running.
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()
	defer c.inflight.Wait()

	for {
		select {
		case <-ticker.C:
			c.flush()
		case <-ctx.Done():
			c.flush()
			return
		case <-c.done:
			c.flush()
			return
		}
	}
}

// Record adds a call record to the buffer. A full buffer is flushed on a
// separate goroutine so the caller path never waits on the store.
func (c *Collector) Record(rec CallRecord) {
	c.mu.Lock()
	c.buffer = append(c.buffer, rec)
	n := len(c.buffer)
	shouldFlush := n >= c.batchSize
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.IncUsageRecords()
		c.metrics.SetUsageBufferSize(n)
	}

	if shouldFlush {
		c.inflight.Add(1)
		go func() {
			defer c.inflight.Done()
			c.flush()
		}()
	}
}

// flush drains all buffered records and applies them to the store. Errors are
// logged, never returned: a failed flush must not affect responses already sent.
func (c *Collector) flush() {
	c.mu.Lock()
	if len(c.buffer) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.buffer
	c.buffer = make([]CallRecord, 0, c.batchSize)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.SetUsageBufferSize(0)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	deltas := Fold(batch)
	err := c.store.ApplyDeltas(ctx, deltas)
	if c.metrics != nil {
		c.metrics.ObserveUsageFlush(time.Since(start).Seconds(), err)
	}
	if err != nil {
		slog.Error("failed to flush usage records", "records", len(batch), "buckets", len(deltas), "error", err)
	}
}

// Stop signals the background goroutine to exit and performs a final flush.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
}
