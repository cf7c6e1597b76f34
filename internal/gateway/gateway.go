// Package gateway runs one inbound JSON-RPC call through the relay pipeline:
// key validation, rate limiting, risk scoring, forwarding, and tracking.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alecgard/noderelay/internal/auth"
	"github.com/alecgard/noderelay/internal/proxy"
	"github.com/alecgard/noderelay/internal/ratelimit"
	"github.com/alecgard/noderelay/internal/risk"
	"github.com/alecgard/noderelay/internal/rpc"
)

// Validator resolves presented API keys.
type Validator interface {
	Validate(ctx context.Context, presentedKey string) (*auth.Identity, error)
}

// Admitter decides rate-limit admission.
type Admitter interface {
	Admit(ctx context.Context, callerID, tier string) ratelimit.Decision
}

// RiskScorer scores and tracks traffic per client IP.
type RiskScorer interface {
	Check(ctx context.Context, ip, userAgent, endpoint string) risk.Decision
	Track(ip, endpoint string, success bool, latency time.Duration)
}

// Forwarder sends a call upstream.
type Forwarder interface {
	Forward(ctx context.Context, call proxy.Call) proxy.Result
}

// MetricsRecorder is an optional interface for recording relay outcomes.
type MetricsRecorder interface {
	IncRelayRequests(outcome string)
	ObserveRelayDuration(outcome string, seconds float64)
}

// OutcomeOK labels calls answered with the upstream's success response.
const OutcomeOK = "ok"

// Inbound is one call as received from a client.
type Inbound struct {
	APIKey    string
	ClientIP  string
	UserAgent string
	Body      []byte
}

// Reply is what to answer the client with. Failure is nil on success.
type Reply struct {
	Status    int
	Body      []byte
	Identity  *auth.Identity
	RateLimit *ratelimit.Decision
	Risk      *risk.Decision
	Failure   *rpc.Failure
}

// Outcome returns the failure code, or OutcomeOK.
func (r Reply) Outcome() string {
	if r.Failure == nil {
		return OutcomeOK
	}
	return r.Failure.Kind.Code()
}

// Gateway wires the pipeline stages together.
type Gateway struct {
	validator Validator
	limiter   Admitter
	risk      RiskScorer
	forwarder Forwarder
	metrics   MetricsRecorder
	now       func() time.Time
}

// New creates a Gateway. risk may be nil to skip scoring.
func New(validator Validator, limiter Admitter, scorer RiskScorer, forwarder Forwarder) *Gateway {
	return &Gateway{
		validator: validator,
		limiter:   limiter,
		risk:      scorer,
		forwarder: forwarder,
		now:       time.Now,
	}
}

// SetMetrics sets the optional metrics recorder.
func (g *Gateway) SetMetrics(m MetricsRecorder) {
	g.metrics = m
}

// Serve runs in through the pipeline. Calls rejected before forwarding never
// reach the upstream and produce no call records.
func (g *Gateway) Serve(ctx context.Context, in Inbound) Reply {
	start := g.now()
	reply := g.serve(ctx, in)
	if g.metrics != nil {
		outcome := reply.Outcome()
		g.metrics.IncRelayRequests(outcome)
		g.metrics.ObserveRelayDuration(outcome, g.now().Sub(start).Seconds())
	}
	return reply
}

func (g *Gateway) serve(ctx context.Context, in Inbound) Reply {
	if in.APIKey == "" {
		return failed(rpc.NewFailure(rpc.Unauthenticated, "Missing API key"))
	}
	id, err := g.validator.Validate(ctx, in.APIKey)
	if err != nil {
		return failed(rpc.NewFailure(rpc.Unauthenticated, "Invalid API key"))
	}
	reply := Reply{Identity: id}

	decision := g.limiter.Admit(ctx, id.CallerID, id.Tier)
	reply.RateLimit = &decision
	if !decision.Allowed {
		reply.setFailure(rpc.NewFailure(rpc.RateLimited, "Rate limit exceeded. Try again later."))
		return reply
	}

	method := rpc.PeekMethod(in.Body)
	if g.risk != nil {
		rd := g.risk.Check(ctx, in.ClientIP, in.UserAgent, method)
		reply.Risk = &rd
		if !rd.Allowed {
			slog.Warn("request blocked by risk engine",
				"caller_id", id.CallerID,
				"ip", in.ClientIP,
				"method", method,
				"confidence", rd.Confidence,
			)
			reply.setFailure(rpc.NewFailure(rpc.RiskBlocked, "Request blocked"))
			return reply
		}
	}

	res := g.forwarder.Forward(ctx, proxy.Call{
		CallerID: id.CallerID,
		KeyID:    id.KeyID,
		ClientIP: in.ClientIP,
		Payload:  in.Body,
	})

	if g.risk != nil {
		g.risk.Track(in.ClientIP, res.Method, res.Failure == nil, res.Latency)
	}

	if res.Failure != nil {
		reply.setFailure(res.Failure)
		return reply
	}
	reply.Status = res.Status
	if reply.Status == 0 {
		reply.Status = http.StatusOK
	}
	reply.Body = res.Body
	return reply
}

func (r *Reply) setFailure(f *rpc.Failure) {
	r.Failure = f
	r.Status = f.HTTPStatus()
	r.Body = f.ResponseBody()
}

func failed(f *rpc.Failure) Reply {
	var r Reply
	r.setFailure(f)
	return r
}
