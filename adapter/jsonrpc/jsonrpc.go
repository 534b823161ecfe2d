// Package jsonrpc implements the JSON-RPC 2.0 adapter (§4.7 "JSON-RPC
// 2.0"): method maps to procedure, params to payload, notifications to
// event envelopes, and batch requests are handled as an ordered list with
// responses returned in request order.
package jsonrpc

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"

	"github.com/forattini-dev/raffel-sub005"
	"github.com/forattini-dev/raffel-sub005/adapter"
)

// request is one JSON-RPC 2.0 request object. A missing/null ID marks a
// notification, mapped onto an event envelope.
type request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

func (r request) isNotification() bool { return len(r.ID) == 0 || string(r.ID) == "null" }

// response is one JSON-RPC 2.0 response object.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Adapter serves procedures over HTTP-carried JSON-RPC 2.0.
type Adapter struct {
	router *raffel.Router
}

// New creates a JSON-RPC Adapter dispatching against router.
func New(router *raffel.Router) *Adapter {
	return &Adapter{router: router}
}

// ServeHTTP accepts a single request object or a batch array per the
// JSON-RPC 2.0 spec (§4.7).
func (a *Adapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, adapter.MaxBodySize+1))
	if err != nil {
		writeSingle(w, errorResponse(nil, raffel.NewError(raffel.CodeParseError, err.Error())))
		return
	}

	trimmed := firstNonSpace(body)
	if trimmed == '[' {
		var reqs []request
		if err := json.Unmarshal(body, &reqs); err != nil {
			writeSingle(w, errorResponse(nil, raffel.NewError(raffel.CodeParseError, err.Error())))
			return
		}
		responses := a.handleBatch(r, reqs)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(responses)
		return
	}

	var req request
	if err := json.Unmarshal(body, &req); err != nil {
		writeSingle(w, errorResponse(nil, raffel.NewError(raffel.CodeParseError, err.Error())))
		return
	}
	resp := a.handleOne(r, req)
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeSingle(w, *resp)
}

// handleBatch dispatches every request concurrently but assembles
// responses in request order (§4.7 "responses returned in request order"),
// omitting notifications entirely.
func (a *Adapter) handleBatch(r *http.Request, reqs []request) []response {
	results := make([]*response, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req request) {
			defer wg.Done()
			results[i] = a.handleOne(r, req)
		}(i, req)
	}
	wg.Wait()

	ordered := make([]response, 0, len(results))
	for _, res := range results {
		if res != nil {
			ordered = append(ordered, *res)
		}
	}
	return ordered
}

func (a *Adapter) handleOne(r *http.Request, req request) *response {
	metadata := map[string]string{}
	if auth := r.Header.Get("Authorization"); auth != "" {
		metadata[raffel.MetaAuthorization] = auth
	}
	if deadline := r.Header.Get("X-Deadline"); deadline != "" {
		metadata[raffel.MetaDeadline] = deadline
	}

	var payload any
	if len(req.Params) > 0 {
		_ = json.Unmarshal(req.Params, &payload)
	}

	ctx := adapter.NewRequestContext(r.Context(), req.Method, metadata, adapter.DeadlineFromMetadata(metadata))

	envType := raffel.TypeRequest
	if req.isNotification() {
		envType = raffel.TypeEvent
	}

	envelope := &raffel.Envelope{ID: string(req.ID), Procedure: req.Method, Type: envType, Payload: payload, Metadata: metadata, Ctx: ctx}

	result := a.router.Handle(ctx, envelope)

	if req.isNotification() {
		return nil
	}

	if result.Stream != nil {
		// JSON-RPC over plain HTTP has no native streaming transport; the
		// first stream:error/stream:end collapses the call to one
		// response. Long-lived streams should use the WS or SSE adapters.
		for env, err := range result.Stream {
			if err != nil {
				return errResp(req.ID, raffel.DefaultErrorTransformer(err))
			}
			if env.Type == raffel.TypeStreamError {
				rpcErr, _ := env.Payload.(*raffel.Error)
				return errResp(req.ID, rpcErr)
			}
			if env.Type == raffel.TypeStreamEnd {
				return &response{JSONRPC: "2.0", Result: "stream completed", ID: req.ID}
			}
		}
		return &response{JSONRPC: "2.0", Result: nil, ID: req.ID}
	}

	if result.Envelope == nil {
		return &response{JSONRPC: "2.0", Result: nil, ID: req.ID}
	}
	if result.Envelope.Type == raffel.TypeError {
		rpcErr, _ := result.Envelope.Payload.(*raffel.Error)
		return errResp(req.ID, rpcErr)
	}
	return &response{JSONRPC: "2.0", Result: result.Envelope.Payload, ID: req.ID}
}

func errResp(id json.RawMessage, e *raffel.Error) *response {
	return &response{JSONRPC: "2.0", Error: errorResponse(id, e).Error, ID: id}
}

func errorResponse(id json.RawMessage, e *raffel.Error) response {
	if e == nil {
		e = raffel.NewError(raffel.CodeInternal, "unknown error")
	}
	return response{
		JSONRPC: "2.0",
		Error: &rpcError{
			Code:    raffel.JSONRPCCodeFromCode(e.Code),
			Message: e.Message,
			Data:    e.Details,
		},
		ID: id,
	}
}

func writeSingle(w http.ResponseWriter, resp response) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func firstNonSpace(b []byte) byte {
	for _, c := range b {
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' {
			continue
		}
		return c
	}
	return 0
}
