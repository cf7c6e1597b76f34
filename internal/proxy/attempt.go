package proxy

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/alecgard/noderelay/internal/rpc"
)

// Outcome classifies a single upstream attempt.
type Outcome int

const (
	// OutcomeSuccess is a 2xx response without a JSON-RPC error member.
	OutcomeSuccess Outcome = iota + 1
	// OutcomeRetryable is a transport failure, timeout, 5xx or 429.
	OutcomeRetryable
	// OutcomeProtocolError is a well-formed upstream refusal: a 2xx carrying
	// a JSON-RPC error, or any other non-retryable status. Passed through.
	OutcomeProtocolError
	// OutcomeOversized is a response body larger than the configured limit.
	// The body is discarded and the call fails without a retry.
	OutcomeOversized
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeProtocolError:
		return "protocol_error"
	case OutcomeOversized:
		return "oversized"
	}
	return "unknown"
}

// Step is what the forwarder does after an attempt.
type Step int

const (
	// StepDone returns the attempt's response to the caller.
	StepDone Step = iota + 1
	// StepRetry backs off and makes attempt n+1.
	StepRetry
	// StepExhausted gives up after a retryable failure on the last attempt.
	StepExhausted
)

// Next is the attempt state machine's transition function. From
// Attempting(n), any non-retryable outcome is terminal, and a retryable
// failure moves to Attempting(n+1) while n < maxAttempts.
func Next(n, maxAttempts int, o Outcome) Step {
	if o != OutcomeRetryable {
		return StepDone
	}
	if n < maxAttempts {
		return StepRetry
	}
	return StepExhausted
}

// Backoff returns the delay after attempt n: base * 2^n.
func Backoff(base time.Duration, n int) time.Duration {
	return base << uint(n)
}

// attemptResult is the raw result of one upstream round trip.
type attemptResult struct {
	status    int
	body      []byte
	oversized bool
	err       error
	start   time.Time
	latency time.Duration
}

// classify maps an attempt result to its outcome and, for failures, a short
// error class recorded on the call record.
func classify(res attemptResult) (Outcome, string) {
	if res.err != nil {
		return OutcomeRetryable, classifyUpstreamError(res.err)
	}
	if res.oversized {
		return OutcomeOversized, "response_too_large"
	}
	switch {
	case res.status == http.StatusTooManyRequests:
		return OutcomeRetryable, "http_429"
	case res.status >= 500:
		return OutcomeRetryable, "http_5xx"
	case res.status >= 200 && res.status < 300:
		if rpc.HasError(res.body) {
			return OutcomeProtocolError, "rpc_error"
		}
		return OutcomeSuccess, ""
	default:
		return OutcomeProtocolError, "http_4xx"
	}
}

// classifyUpstreamError categorizes an upstream HTTP client error.
func classifyUpstreamError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		if netErr.Op == "dial" {
			return "connection_refused"
		}
		return "network"
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns"
	}
	return "other"
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
