// Package rpc holds the JSON-RPC envelope the relay forwards and the closed
// set of failure kinds it can answer with.
package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMissingMethod is returned when a payload has no method member.
var ErrMissingMethod = errors.New("missing method")

// Request is a JSON-RPC 2.0 request envelope. Params and ID are kept raw so
// the payload can be forwarded without re-encoding.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// ParseRequest decodes body and checks the structural preconditions for
// forwarding.
func ParseRequest(body []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("decoding request: %w", err)
	}
	if req.Method == "" {
		return &req, ErrMissingMethod
	}
	return &req, nil
}

// PeekMethod returns the method of body, or "" when it cannot be decoded.
func PeekMethod(body []byte) string {
	var req struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return ""
	}
	return req.Method
}

// NewRequest encodes a parameterless request used by health and stats checks.
func NewRequest(id int, method string) []byte {
	b, _ := json.Marshal(Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(fmt.Sprintf("%d", id)),
		Method:  method,
	})
	return b
}

// Response is a JSON-RPC 2.0 response envelope.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// ErrorObject is the error member of a JSON-RPC response.
type ErrorObject struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// HasError reports whether body is a JSON object with a non-null error member.
// This covers both JSON-RPC error responses and generic {"error": ...} bodies.
func HasError(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}
	var env struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return false
	}
	return len(env.Error) > 0 && !bytes.Equal(env.Error, []byte("null"))
}

// IsJSON reports whether body is a well-formed JSON value.
func IsJSON(body []byte) bool {
	return len(bytes.TrimSpace(body)) > 0 && json.Valid(body)
}
