package rpc

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Class groups failure kinds by how the relay treats them.
type Class int

const (
	// ClassCaller covers bad or missing keys and malformed payloads. Never retried.
	ClassCaller Class = iota + 1
	// ClassAdmission covers rate limiting and risk blocks. Never retried.
	ClassAdmission
	// ClassTransientUpstream covers timeouts, connection failures and 5xx.
	// Retried up to the attempt bound, then surfaced as upstream-unavailable.
	ClassTransientUpstream
	// ClassUpstreamProtocol covers well-formed upstream error bodies, passed through.
	ClassUpstreamProtocol
)

func (c Class) String() string {
	switch c {
	case ClassCaller:
		return "caller"
	case ClassAdmission:
		return "admission"
	case ClassTransientUpstream:
		return "transient_upstream"
	case ClassUpstreamProtocol:
		return "upstream_protocol"
	}
	return "unknown"
}

// Kind is the closed set of caller-facing failures.
type Kind int

const (
	Unauthenticated Kind = iota + 1
	MalformedRequest
	RateLimited
	RiskBlocked
	UpstreamUnavailable
	UpstreamError
)

// Kinds lists every Kind, in declaration order.
var Kinds = []Kind{Unauthenticated, MalformedRequest, RateLimited, RiskBlocked, UpstreamUnavailable, UpstreamError}

// Code returns the stable machine-readable code used in error bodies and metrics.
func (k Kind) Code() string {
	switch k {
	case Unauthenticated:
		return "unauthenticated"
	case MalformedRequest:
		return "malformed_request"
	case RateLimited:
		return "rate_limited"
	case RiskBlocked:
		return "blocked"
	case UpstreamUnavailable:
		return "upstream_unavailable"
	case UpstreamError:
		return "upstream_error"
	}
	panic(fmt.Sprintf("rpc: unknown failure kind %d", int(k)))
}

// Class returns the error class the kind belongs to.
func (k Kind) Class() Class {
	switch k {
	case Unauthenticated, MalformedRequest:
		return ClassCaller
	case RateLimited, RiskBlocked:
		return ClassAdmission
	case UpstreamUnavailable:
		return ClassTransientUpstream
	case UpstreamError:
		return ClassUpstreamProtocol
	}
	panic(fmt.Sprintf("rpc: unknown failure kind %d", int(k)))
}

// Status returns the default HTTP status for the kind. UpstreamError carries
// the upstream's own status instead.
func (k Kind) Status() int {
	switch k {
	case Unauthenticated:
		return http.StatusUnauthorized
	case MalformedRequest:
		return http.StatusBadRequest
	case RateLimited:
		return http.StatusTooManyRequests
	case RiskBlocked:
		return http.StatusForbidden
	case UpstreamUnavailable:
		return http.StatusServiceUnavailable
	case UpstreamError:
		return http.StatusBadGateway
	}
	panic(fmt.Sprintf("rpc: unknown failure kind %d", int(k)))
}

// Failure is a terminal, caller-facing outcome.
type Failure struct {
	Kind    Kind
	Message string
	// StatusCode and Body are set for UpstreamError and hold the upstream's
	// response verbatim.
	StatusCode int
	Body       []byte
}

func (f *Failure) Error() string {
	return f.Kind.Code() + ": " + f.Message
}

// HTTPStatus returns the status to answer the caller with.
func (f *Failure) HTTPStatus() int {
	if f.Kind == UpstreamError && f.StatusCode != 0 {
		return f.StatusCode
	}
	return f.Kind.Status()
}

// ResponseBody returns the JSON body to answer the caller with.
func (f *Failure) ResponseBody() []byte {
	if f.Kind == UpstreamError && len(f.Body) > 0 {
		return f.Body
	}
	b, _ := json.Marshal(errorEnvelope{Error: errorDetail{Code: f.Kind.Code(), Message: f.Message}})
	return b
}

type errorEnvelope struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewFailure builds a failure of the given kind.
func NewFailure(kind Kind, message string) *Failure {
	return &Failure{Kind: kind, Message: message}
}

// NewUpstreamError builds a pass-through failure from an upstream response.
func NewUpstreamError(status int, body []byte) *Failure {
	return &Failure{
		Kind:       UpstreamError,
		Message:    fmt.Sprintf("upstream returned status %d", status),
		StatusCode: status,
		Body:       body,
	}
}
