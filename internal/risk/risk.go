// Package risk scores inbound traffic per client IP from a few cheap signals
// kept in the window store. Scoring is advisory unless blocking is enabled,
// and every internal failure resolves to an allow.
package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alecgard/noderelay/internal/windowstore"
)

// Check names, as they appear in decisions and audit events.
const (
	CheckIPReputation    = "ip_reputation"
	CheckRequestPattern  = "request_pattern"
	CheckClientSignature = "client_signature"
)

// Outcomes reported to the metrics sink.
const (
	OutcomeDisabled = "disabled"
	OutcomeAllowed  = "allowed"
	OutcomeLogged   = "logged"
	OutcomeFlagged  = "flagged"
	OutcomeBlocked  = "blocked"
	OutcomeDegraded = "degraded"
)

// Config holds thresholds, windows, and signatures for the engine.
type Config struct {
	Enabled         bool
	BlockingEnabled bool

	LogThreshold   float64
	FlagThreshold  float64
	BlockThreshold float64

	FrequencyThreshold int64
	EndpointThreshold  int64
	ErrorThreshold     int64

	FrequencyWindow time.Duration
	EndpointWindow  time.Duration
	ErrorWindow     time.Duration
	FlagTTL         time.Duration
	EventTTL        time.Duration

	// BotPatterns are case-insensitive regular expressions matched against
	// the client's User-Agent.
	BotPatterns []string
}

// DefaultConfig returns the stock thresholds. Blocking is off.
func DefaultConfig() Config {
	return Config{
		Enabled:            true,
		BlockingEnabled:    false,
		LogThreshold:       0.3,
		FlagThreshold:      0.7,
		BlockThreshold:     0.95,
		FrequencyThreshold: 60,
		EndpointThreshold:  10,
		ErrorThreshold:     20,
		FrequencyWindow:    time.Minute,
		EndpointWindow:     time.Hour,
		ErrorWindow:        time.Hour,
		FlagTTL:            time.Hour,
		EventTTL:           24 * time.Hour,
		BotPatterns: []string{
			`bot`, `crawl`, `spider`, `scrape`,
			`curl/`, `wget/`, `python-requests`, `go-http-client`,
			`headless`, `phantomjs`, `selenium`,
		},
	}
}

// Signal is one check's contribution to a decision.
type Signal struct {
	Name   string  `json:"name"`
	Risk   float64 `json:"risk"`
	Detail string  `json:"detail,omitempty"`
}

// Decision is the result of Check.
type Decision struct {
	Allowed    bool     `json:"allowed"`
	Confidence float64  `json:"confidence"`
	Reason     string   `json:"reason,omitempty"`
	Checks     []Signal `json:"checks,omitempty"`
	// Degraded is set when the decision is an allow forced by an internal
	// error rather than the result of scoring.
	Degraded bool `json:"degraded,omitempty"`
}

// Event is the audit record persisted for suspicious traffic.
type Event struct {
	ID         string    `json:"id"`
	IP         string    `json:"ip"`
	UserAgent  string    `json:"user_agent,omitempty"`
	Endpoint   string    `json:"endpoint"`
	Confidence float64   `json:"confidence"`
	Checks     []Signal  `json:"checks"`
	Allowed    bool      `json:"allowed"`
	Flagged    bool      `json:"flagged"`
	Timestamp  time.Time `json:"timestamp"`
}

// Metrics is an optional sink for decisions.
type Metrics interface {
	ObserveRiskDecision(outcome string, confidence float64)
}

// Engine scores requests and tracks per-IP behaviour in a shared window store.
type Engine struct {
	store windowstore.Store
	cfg   Config
	bots  []*regexp.Regexp

	now          func() time.Time // injectable clock for testing
	trackTimeout time.Duration
	metrics      Metrics
	wg           sync.WaitGroup
}

// New creates an Engine. It fails only if a bot pattern does not compile.
func New(store windowstore.Store, cfg Config) (*Engine, error) {
	bots := make([]*regexp.Regexp, 0, len(cfg.BotPatterns))
	for _, p := range cfg.BotPatterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("compiling bot pattern %q: %w", p, err)
		}
		bots = append(bots, re)
	}
	return &Engine{
		store:        store,
		cfg:          cfg,
		bots:         bots,
		now:          time.Now,
		trackTimeout: 2 * time.Second,
	}, nil
}

// SetMetrics sets the optional metrics sink.
func (e *Engine) SetMetrics(m Metrics) {
	e.metrics = m
}

// Config returns the engine's configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

func freqKey(ip string) string      { return "risk:freq:" + ip }
func endpointsKey(ip string) string { return "risk:endpoints:" + ip }
func errorsKey(ip string) string    { return "risk:errors:" + ip }
func flaggedKey(ip string) string   { return "risk:flagged:" + ip }

func eventKey(ip string, t time.Time) string {
	return fmt.Sprintf("risk:event:%s:%d", ip, t.UnixNano())
}

// Check scores a request from ip. It reads window state but does not count
// the request; Track does that once the call completes.
func (e *Engine) Check(ctx context.Context, ip, userAgent, endpoint string) Decision {
	if !e.cfg.Enabled {
		e.observe(OutcomeDisabled, 0)
		return Decision{Allowed: true, Confidence: 0}
	}

	d, err := e.evaluate(ctx, ip, userAgent, endpoint)
	if err != nil {
		slog.Error("risk check failed, admitting",
			"ip", ip,
			"endpoint", endpoint,
			"degraded", true,
			"error", err,
		)
		e.observe(OutcomeDegraded, d.Confidence)
		return Decision{
			Allowed:    true,
			Confidence: d.Confidence,
			Reason:     "risk check unavailable",
			Checks:     d.Checks,
			Degraded:   true,
		}
	}
	return d
}

func (e *Engine) evaluate(ctx context.Context, ip, userAgent, endpoint string) (Decision, error) {
	rep, err := e.ipReputation(ctx, ip)
	if err != nil {
		return Decision{}, fmt.Errorf("ip reputation: %w", err)
	}
	pat, err := e.requestPattern(ctx, ip)
	if err != nil {
		return Decision{}, fmt.Errorf("request pattern: %w", err)
	}
	sig := e.clientSignature(userAgent)

	checks := []Signal{rep, pat, sig}
	confidence := (rep.Risk + pat.Risk + sig.Risk) / 3

	d := Decision{
		Allowed:    true,
		Confidence: confidence,
		Reason:     "ok",
		Checks:     checks,
	}
	outcome := OutcomeAllowed

	if e.cfg.BlockingEnabled && confidence > e.cfg.BlockThreshold {
		d.Allowed = false
		d.Reason = "high risk score"
		outcome = OutcomeBlocked
	}

	flagged := false
	if confidence > e.cfg.FlagThreshold {
		if err := e.store.Set(ctx, flaggedKey(ip), "1", e.cfg.FlagTTL); err != nil {
			return d, fmt.Errorf("flagging ip: %w", err)
		}
		flagged = true
		if d.Allowed {
			d.Reason = "ip flagged"
			outcome = OutcomeFlagged
		}
	}

	if confidence > e.cfg.LogThreshold {
		if err := e.persistEvent(ctx, ip, userAgent, endpoint, d, flagged); err != nil {
			return d, fmt.Errorf("persisting risk event: %w", err)
		}
		if outcome == OutcomeAllowed {
			d.Reason = "suspicious activity logged"
			outcome = OutcomeLogged
		}
		slog.Warn("suspicious request",
			"ip", ip,
			"endpoint", endpoint,
			"confidence", confidence,
			"allowed", d.Allowed,
			"flagged", flagged,
		)
	}

	e.observe(outcome, confidence)
	return d, nil
}

func (e *Engine) ipReputation(ctx context.Context, ip string) (Signal, error) {
	flagged, err := e.store.Exists(ctx, flaggedKey(ip))
	if err != nil {
		return Signal{}, err
	}
	if flagged {
		return Signal{Name: CheckIPReputation, Risk: 0.5, Detail: "previously flagged"}, nil
	}

	freq, err := windowstore.GetInt(ctx, e.store, freqKey(ip))
	if err != nil {
		return Signal{}, err
	}
	if freq > e.cfg.FrequencyThreshold {
		return Signal{Name: CheckIPReputation, Risk: 0.7, Detail: fmt.Sprintf("%d requests in window", freq)}, nil
	}
	return Signal{Name: CheckIPReputation}, nil
}

func (e *Engine) requestPattern(ctx context.Context, ip string) (Signal, error) {
	endpoints, err := e.store.SCard(ctx, endpointsKey(ip))
	if err != nil {
		return Signal{}, err
	}
	if endpoints > e.cfg.EndpointThreshold {
		return Signal{Name: CheckRequestPattern, Risk: 0.6, Detail: fmt.Sprintf("%d distinct endpoints", endpoints)}, nil
	}

	errs, err := windowstore.GetInt(ctx, e.store, errorsKey(ip))
	if err != nil {
		return Signal{}, err
	}
	if errs > e.cfg.ErrorThreshold {
		return Signal{Name: CheckRequestPattern, Risk: 0.4, Detail: fmt.Sprintf("%d errors", errs)}, nil
	}
	return Signal{Name: CheckRequestPattern}, nil
}

func (e *Engine) clientSignature(userAgent string) Signal {
	if userAgent == "" {
		return Signal{Name: CheckClientSignature, Risk: 0.2, Detail: "missing user agent"}
	}
	for _, re := range e.bots {
		if re.MatchString(userAgent) {
			return Signal{Name: CheckClientSignature, Risk: 0.8, Detail: "matches " + re.String()}
		}
	}
	return Signal{Name: CheckClientSignature}
}

func (e *Engine) persistEvent(ctx context.Context, ip, userAgent, endpoint string, d Decision, flagged bool) error {
	now := e.now()
	ev := Event{
		ID:         uuid.NewString(),
		IP:         ip,
		UserAgent:  userAgent,
		Endpoint:   endpoint,
		Confidence: d.Confidence,
		Checks:     d.Checks,
		Allowed:    d.Allowed,
		Flagged:    flagged,
		Timestamp:  now,
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return e.store.Set(ctx, eventKey(ip, now), string(raw), e.cfg.EventTTL)
}

// Track records a completed request for ip in the background. It never
// blocks the caller; failures are logged.
func (e *Engine) Track(ip, endpoint string, success bool, latency time.Duration) {
	if !e.cfg.Enabled {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.trackTimeout)
		defer cancel()
		if err := e.Observe(ctx, ip, endpoint, success); err != nil {
			slog.Warn("risk tracking failed",
				"ip", ip,
				"endpoint", endpoint,
				"latency_ms", latency.Milliseconds(),
				"error", err,
			)
		}
	}()
}

// Observe synchronously updates the window state for one request.
func (e *Engine) Observe(ctx context.Context, ip, endpoint string, success bool) error {
	if _, err := e.store.IncrExpire(ctx, freqKey(ip), e.cfg.FrequencyWindow); err != nil {
		return fmt.Errorf("counting request: %w", err)
	}
	if endpoint != "" {
		if err := e.store.SAddExpire(ctx, endpointsKey(ip), endpoint, e.cfg.EndpointWindow); err != nil {
			return fmt.Errorf("recording endpoint: %w", err)
		}
	}
	if !success {
		if _, err := e.store.IncrExpire(ctx, errorsKey(ip), e.cfg.ErrorWindow); err != nil {
			return fmt.Errorf("counting error: %w", err)
		}
	}
	return nil
}

// Wait blocks until in-flight Track calls finish.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) observe(outcome string, confidence float64) {
	if e.metrics != nil {
		e.metrics.ObserveRiskDecision(outcome, confidence)
	}
}
