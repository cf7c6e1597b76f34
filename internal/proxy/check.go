package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alecgard/noderelay/internal/rpc"
)

// ErrCheckFailed is returned when a check gets a non-success answer.
var ErrCheckFailed = errors.New("upstream check failed")

// CheckResult is the answer to a single-attempt check.
type CheckResult struct {
	Method  string          `json:"method"`
	Status  int             `json:"status"`
	Result  json.RawMessage `json:"result,omitempty"`
	Body    json.RawMessage `json:"-"`
	Latency time.Duration   `json:"-"`
}

// Check calls method once with the check timeout. It never retries and
// never writes call records.
func (f *Forwarder) Check(ctx context.Context, method string) (*CheckResult, error) {
	res := f.attempt(ctx, rpc.NewRequest(1, method), f.cfg.CheckTimeout)
	pr := &CheckResult{
		Method:  method,
		Status:  res.status,
		Body:    res.body,
		Latency: res.latency,
	}
	if res.err != nil {
		return pr, fmt.Errorf("checking %s: %w", method, res.err)
	}
	outcome, errClass := classify(res)
	if outcome != OutcomeSuccess {
		return pr, fmt.Errorf("checking %s: %s: %w", method, errClass, ErrCheckFailed)
	}
	var resp rpc.Response
	if err := json.Unmarshal(res.body, &resp); err != nil {
		return pr, fmt.Errorf("decoding %s response: %w", method, err)
	}
	pr.Result = resp.Result
	return pr, nil
}

// NetworkStats is a snapshot of the upstream chain.
type NetworkStats struct {
	Network     string          `json:"network"`
	Slot        uint64          `json:"slot"`
	BlockHeight uint64          `json:"block_height"`
	Version     json.RawMessage `json:"version"`
	LatencyMs   int64           `json:"latency_ms"`
}

// NetworkStats fetches slot, block height and version in parallel. Any check
// failing fails the whole snapshot.
func (f *Forwarder) NetworkStats(ctx context.Context) (*NetworkStats, error) {
	start := f.now()
	stats := &NetworkStats{Network: f.cfg.Network}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return f.checkInto(gctx, "getSlot", &stats.Slot)
	})
	g.Go(func() error {
		return f.checkInto(gctx, "getBlockHeight", &stats.BlockHeight)
	})
	g.Go(func() error {
		pr, err := f.Check(gctx, "getVersion")
		if err != nil {
			return err
		}
		stats.Version = pr.Result
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	stats.LatencyMs = f.now().Sub(start).Milliseconds()
	return stats, nil
}

func (f *Forwarder) checkInto(ctx context.Context, method string, dst *uint64) error {
	pr, err := f.Check(ctx, method)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(pr.Result, dst); err != nil {
		return fmt.Errorf("decoding %s result: %w", method, err)
	}
	return nil
}
