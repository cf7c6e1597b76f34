package api

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/alecgard/noderelay/internal/auth"
	"github.com/alecgard/noderelay/internal/gateway"
	"github.com/alecgard/noderelay/internal/ratelimit"
	"github.com/alecgard/noderelay/internal/rpc"
)

// Relay runs one inbound call through the pipeline.
type Relay interface {
	Serve(ctx context.Context, in gateway.Inbound) gateway.Reply
}

type rpcHandler struct {
	relay    Relay
	maxBody  int64
	onReject func(tier string)
}

// ServeHTTP handles POST / and POST /rpc.
func (h *rpcHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeFailure(w, rpc.NewFailure(rpc.MalformedRequest, "Request body too large"))
			return
		}
		writeFailure(w, rpc.NewFailure(rpc.MalformedRequest, "Unable to read request body"))
		return
	}

	reply := h.relay.Serve(r.Context(), gateway.Inbound{
		APIKey:    auth.ExtractAPIKey(r),
		ClientIP:  ClientIP(r),
		UserAgent: r.UserAgent(),
		Body:      body,
	})

	if reply.RateLimit != nil {
		ratelimit.SetHeaders(w, *reply.RateLimit)
	}
	if reply.Failure != nil && reply.Failure.Kind == rpc.RateLimited && h.onReject != nil && reply.Identity != nil {
		h.onReject(reply.Identity.Tier)
	}
	writeRaw(w, reply.Status, reply.Body)
}

// ClientIP returns the first X-Forwarded-For entry, then X-Real-IP, then the
// peer address without its port.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
