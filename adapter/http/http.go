// Package http implements the HTTP unary adapter (§4.7 "HTTP unary"):
// POST /<procedure> with JSON, content negotiation, and a bounded body size.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/forattini-dev/raffel-sub005"
	"github.com/forattini-dev/raffel-sub005/adapter"
)

// Adapter serves procedures over plain HTTP POST requests.
type Adapter struct {
	router      *raffel.Router
	maxBodySize int64
	server      *http.Server
}

// Config configures the HTTP adapter.
type Config struct {
	Addr        string
	MaxBodySize int64 // 0 uses adapter.MaxBodySize
}

// New creates an HTTP Adapter dispatching against router.
func New(router *raffel.Router, cfg Config) *Adapter {
	max := cfg.MaxBodySize
	if max <= 0 {
		max = adapter.MaxBodySize
	}
	a := &Adapter{router: router, maxBodySize: max}
	a.server = &http.Server{Addr: cfg.Addr, Handler: a}
	return a
}

// Start begins serving HTTP requests. It returns once the listener fails to
// start; a clean Stop-triggered shutdown returns http.ErrServerClosed, which
// callers should not treat as a failure.
func (a *Adapter) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return err
	}
	return a.server.Serve(ln)
}

// Stop drains in-flight requests within grace and then force-closes
// listeners (§4.7 step 7).
func (a *Adapter) Stop(ctx context.Context, grace time.Duration) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	return a.server.Shutdown(shutdownCtx)
}

// ServeHTTP implements the ingress→dispatch→egress pipeline for one
// request: POST /<procedure>, JSON body decode, router dispatch, JSON
// response/error encode (§4.7 steps 1-4).
func (a *Adapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	procedure := strings.TrimPrefix(r.URL.Path, "/")
	if procedure == "" {
		writeError(w, adapter.InvalidEnvelope("missing procedure in path"), nil)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, a.maxBodySize+1))
	if err != nil {
		writeError(w, adapter.ParseError(err), nil)
		return
	}
	if int64(len(body)) > a.maxBodySize {
		writeError(w, raffel.NewError(raffel.CodeInvalidArgument, "request body exceeds maximum size"), nil)
		return
	}

	var payload any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			writeError(w, adapter.ParseError(err), nil)
			return
		}
	}

	metadata := map[string]string{}
	if reqID := r.Header.Get("X-Request-Id"); reqID != "" {
		metadata[raffel.MetaRequestID] = reqID
	}
	if deadline := r.Header.Get("X-Deadline"); deadline != "" {
		metadata[raffel.MetaDeadline] = deadline
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		metadata[raffel.MetaAuthorization] = auth
	}
	if key := r.Header.Get("X-Api-Key"); key != "" {
		metadata[raffel.MetaAPIKey] = key
	}
	if tp := r.Header.Get("Traceparent"); tp != "" {
		metadata[raffel.MetaTraceParent] = tp
	}

	ctx := adapter.NewRequestContext(r.Context(), procedure, metadata, adapter.DeadlineFromMetadata(metadata))
	envelope := raffel.NewRequest(metadata[raffel.MetaRequestID], procedure, payload)
	envelope.Metadata = metadata
	envelope.Ctx = ctx

	go func() {
		<-r.Context().Done()
		ctx.Abort(raffel.NewError(raffel.CodeCancelled, "client closed connection"))
	}()

	result := a.router.Handle(ctx, envelope)

	if result.Stream != nil {
		writeError(w, raffel.NewError(raffel.CodeFailedPrecondition, "procedure is a stream handler; use the SSE adapter"), envelope.Metadata)
		return
	}

	if result.Envelope == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if result.Envelope.Type == raffel.TypeError {
		rpcErr, _ := result.Envelope.Payload.(*raffel.Error)
		if rpcErr == nil {
			rpcErr = raffel.NewError(raffel.CodeInternal, "unknown error")
		}
		writeError(w, rpcErr, envelope.Metadata)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if limit := envelope.Meta(raffel.MetaRateLimitLimit); limit != "" {
		w.Header().Set("X-Ratelimit-Limit", limit)
		w.Header().Set("X-Ratelimit-Remaining", envelope.Meta(raffel.MetaRateLimitRem))
	}
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{"result": result.Envelope.Payload})
}

// writeError encodes an RPC error as the {"error": {...}} wire shape,
// surfacing the same X-Ratelimit-* headers the success path sets (§ E2E
// rate-limit scenario: a RATE_LIMITED response must carry limit/remaining
// alongside Retry-After) whenever the dispatch pipeline stamped them onto
// metadata before failing.
func writeError(w http.ResponseWriter, e *raffel.Error, metadata map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	if limit := metadata[raffel.MetaRateLimitLimit]; limit != "" {
		w.Header().Set("X-Ratelimit-Limit", limit)
		w.Header().Set("X-Ratelimit-Remaining", metadata[raffel.MetaRateLimitRem])
	}
	if retryAfter, ok := e.Details["retryAfter"]; ok {
		w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfter))
	}
	w.WriteHeader(e.HTTPStatus())
	_ = json.NewEncoder(w).Encode(map[string]any{"error": e})
}
