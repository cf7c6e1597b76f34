package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/alecgard/noderelay/internal/rpc"
	"github.com/alecgard/noderelay/internal/usage"
)

// DefaultClientHeader identifies the relay to the upstream node.
const DefaultClientHeader = "noderelay"

// Config controls how the forwarder reaches the upstream endpoint.
type Config struct {
	URL     string
	Network string
	// Timeout bounds each forwarded attempt, including reading the body.
	Timeout time.Duration
	// CheckTimeout bounds health and network-stats checks.
	CheckTimeout time.Duration
	MaxAttempts  int
	BackoffBase  time.Duration
	// ClientHeader is sent as both User-Agent and X-Client.
	ClientHeader    string
	MaxResponseSize int64
}

func (c *Config) setDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = 5 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.ClientHeader == "" {
		c.ClientHeader = DefaultClientHeader
	}
	if c.MaxResponseSize <= 0 {
		c.MaxResponseSize = 10 << 20
	}
}

// Recorder is the interface for recording call records.
type Recorder interface {
	Record(rec usage.CallRecord)
}

// MetricsRecorder is an optional interface for recording upstream metrics.
type MetricsRecorder interface {
	ObserveUpstreamAttempt(method, outcome string, seconds float64)
	IncUpstreamRetry(method string)
	IncUpstreamError(errorType string)
	IncActiveRequests()
	DecActiveRequests()
}

// Call is one inbound JSON-RPC call to forward.
type Call struct {
	CallerID string
	KeyID    string
	ClientIP string
	Payload  []byte
}

// Result is the terminal state of a forwarded call. When Failure is nil the
// upstream succeeded and Status and Body are its response.
type Result struct {
	Method   string
	Status   int
	Body     []byte
	Attempts int
	Latency  time.Duration
	Failure  *rpc.Failure
}

// Forwarder sends calls upstream with bounded retries.
type Forwarder struct {
	cfg      Config
	client   *http.Client
	recorder Recorder
	metrics  MetricsRecorder

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Forwarder. Zero config fields take their defaults.
func New(cfg Config, recorder Recorder) *Forwarder {
	cfg.setDefaults()
	return &Forwarder{
		cfg:      cfg,
		client:   &http.Client{},
		recorder: recorder,
		now:      time.Now,
		sleep:    sleepContext,
	}
}

// SetMetrics sets the optional metrics recorder.
func (f *Forwarder) SetMetrics(m MetricsRecorder) {
	f.metrics = m
}

// SetHTTPClient replaces the HTTP client used for upstream calls.
func (f *Forwarder) SetHTTPClient(c *http.Client) {
	f.client = c
}

// Config returns the effective configuration.
func (f *Forwarder) Config() Config {
	return f.cfg
}

// WorstCaseLatency is the longest Forward can take: every attempt timing out
// plus every backoff in between.
func (f *Forwarder) WorstCaseLatency() time.Duration {
	total := time.Duration(f.cfg.MaxAttempts) * f.cfg.Timeout
	for n := 1; n < f.cfg.MaxAttempts; n++ {
		total += Backoff(f.cfg.BackoffBase, n)
	}
	return total
}

// Forward validates the payload and runs the attempt state machine. Each
// attempt emits exactly one call record; a malformed payload emits none.
func (f *Forwarder) Forward(ctx context.Context, call Call) Result {
	req, err := rpc.ParseRequest(call.Payload)
	if err != nil {
		msg := "Invalid JSON-RPC request"
		if req != nil {
			msg = "Missing method"
		}
		return Result{Failure: rpc.NewFailure(rpc.MalformedRequest, msg)}
	}

	if f.metrics != nil {
		f.metrics.IncActiveRequests()
		defer f.metrics.DecActiveRequests()
	}

	begin := f.now()
	var last attemptResult
	for n := 1; ; n++ {
		last = f.attempt(ctx, call.Payload, f.cfg.Timeout)
		outcome, errClass := classify(last)
		f.record(call, req.Method, n, last, outcome, errClass)

		switch Next(n, f.cfg.MaxAttempts, outcome) {
		case StepDone:
			res := Result{
				Method:   req.Method,
				Status:   last.status,
				Body:     last.body,
				Attempts: n,
				Latency:  f.now().Sub(begin),
			}
			switch outcome {
			case OutcomeProtocolError:
				res.Failure = rpc.NewUpstreamError(last.status, last.body)
			case OutcomeOversized:
				slog.Warn("upstream response too large",
					"method", req.Method,
					"status", last.status,
					"max_bytes", f.cfg.MaxResponseSize,
				)
				res.Failure = rpc.NewFailure(rpc.UpstreamError,
					fmt.Sprintf("Upstream response exceeds %d bytes", f.cfg.MaxResponseSize))
			}
			return res

		case StepExhausted:
			return f.exhausted(req.Method, n, last, f.now().Sub(begin))

		case StepRetry:
			if ctx.Err() != nil {
				return f.exhausted(req.Method, n, last, f.now().Sub(begin))
			}
			delay := Backoff(f.cfg.BackoffBase, n)
			slog.Debug("retrying upstream call",
				"method", req.Method,
				"attempt", n,
				"error_class", errClass,
				"backoff", delay,
			)
			if f.metrics != nil {
				f.metrics.IncUpstreamRetry(req.Method)
			}
			if err := f.sleep(ctx, delay); err != nil {
				return f.exhausted(req.Method, n, last, f.now().Sub(begin))
			}
		}
	}
}

// exhausted builds the terminal failure after the last retryable attempt. A
// structured upstream body is passed through; anything else is reported as
// unavailable.
func (f *Forwarder) exhausted(method string, attempts int, last attemptResult, latency time.Duration) Result {
	res := Result{Method: method, Attempts: attempts, Latency: latency}
	if last.err == nil && rpc.IsJSON(last.body) {
		res.Status = last.status
		res.Body = last.body
		res.Failure = rpc.NewUpstreamError(last.status, last.body)
		return res
	}
	slog.Warn("upstream unavailable",
		"method", method,
		"attempts", attempts,
		"status", last.status,
		"error", last.err,
	)
	res.Failure = rpc.NewFailure(rpc.UpstreamUnavailable,
		fmt.Sprintf("Upstream unavailable after %d attempts", attempts))
	return res
}

// attempt makes one round trip with its own timeout. The body is read before
// the timeout context is released.
func (f *Forwarder) attempt(ctx context.Context, payload []byte, timeout time.Duration) attemptResult {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res := attemptResult{start: f.now()}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		res.err = fmt.Errorf("building upstream request: %w", err)
		res.latency = f.now().Sub(res.start)
		return res
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", f.cfg.ClientHeader)
	req.Header.Set("X-Client", f.cfg.ClientHeader)

	resp, err := f.client.Do(req)
	if err != nil {
		res.err = err
		res.latency = f.now().Sub(res.start)
		return res
	}
	defer resp.Body.Close()

	// One byte past the limit marks the body as oversized.
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxResponseSize+1))
	res.latency = f.now().Sub(res.start)
	if err != nil {
		res.err = fmt.Errorf("reading upstream response: %w", err)
		return res
	}
	res.status = resp.StatusCode
	if int64(len(body)) > f.cfg.MaxResponseSize {
		res.oversized = true
		return res
	}
	res.body = body
	return res
}

func (f *Forwarder) record(call Call, method string, n int, res attemptResult, outcome Outcome, errClass string) {
	if f.metrics != nil {
		f.metrics.ObserveUpstreamAttempt(method, outcome.String(), res.latency.Seconds())
		if errClass != "" {
			f.metrics.IncUpstreamError(errClass)
		}
	}
	if f.recorder == nil {
		return
	}
	f.recorder.Record(usage.CallRecord{
		ID:             uuid.NewString(),
		CallerID:       call.CallerID,
		KeyID:          call.KeyID,
		Method:         method,
		Network:        f.cfg.Network,
		ClientIP:       call.ClientIP,
		StartTime:      res.start.UTC(),
		ResponseTimeMs: res.latency.Milliseconds(),
		Success:        outcome == OutcomeSuccess,
		ErrorClass:     errClass,
		Attempt:        n,
	})
}
