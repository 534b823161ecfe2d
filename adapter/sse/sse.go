// Package sse implements the HTTP Server-Sent Events streaming adapter
// (§4.7 "HTTP SSE stream", §6 "HTTP SSE").
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/forattini-dev/raffel-sub005"
	"github.com/forattini-dev/raffel-sub005/adapter"
)

// Config configures the SSE adapter.
type Config struct {
	// Heartbeat, if non-zero, sends a ": ping\n\n" comment on this interval
	// to keep intermediaries from timing out an idle connection (§6).
	Heartbeat time.Duration

	// WriteTimeout, if non-zero, sets a write deadline of this length on the
	// response before each frame is written. A write that misses it fails;
	// the adapter does not check write errors and does not abort the
	// stream's Context because of one.
	WriteTimeout time.Duration
}

// Adapter serves stream-kind procedures as GET /streams/<name> (§4.7).
type Adapter struct {
	router *raffel.Router
	cfg    Config
}

// New creates an SSE Adapter dispatching against router.
func New(router *raffel.Router, cfg Config) *Adapter {
	return &Adapter{router: router, cfg: cfg}
}

// ServeHTTP handles GET /streams/<name>; the query string becomes the
// handler's input payload (§4.7).
func (a *Adapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	procedure := strings.TrimPrefix(r.URL.Path, "/streams/")
	if procedure == "" {
		http.Error(w, "missing stream name", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	payload := map[string]any{}
	for k, vs := range r.URL.Query() {
		if len(vs) > 0 {
			payload[k] = vs[0]
		}
	}

	metadata := map[string]string{}
	if reqID := r.Header.Get("X-Request-Id"); reqID != "" {
		metadata[raffel.MetaRequestID] = reqID
	}
	if deadline := r.Header.Get("X-Deadline"); deadline != "" {
		metadata[raffel.MetaDeadline] = deadline
	}

	// A caller without header access (e.g. an <EventSource> in the browser,
	// which cannot set custom request headers) still needs a way to supply
	// requestId/deadline; bind those as ?requestId=&deadline= query overrides.
	var overrides struct {
		RequestID string `schema:"requestId"`
		Deadline  string `schema:"deadline"`
	}
	if err := adapter.DecodeQuery(r.URL.Query(), &overrides); err == nil {
		if overrides.RequestID != "" {
			metadata[raffel.MetaRequestID] = overrides.RequestID
		}
		if overrides.Deadline != "" {
			metadata[raffel.MetaDeadline] = overrides.Deadline
		}
	}

	ctx := adapter.NewRequestContext(r.Context(), procedure, metadata, adapter.DeadlineFromMetadata(metadata))
	envelope := raffel.NewRequest(metadata[raffel.MetaRequestID], procedure, payload)
	envelope.Metadata = metadata
	envelope.Ctx = ctx

	go func() {
		<-r.Context().Done()
		ctx.Abort(raffel.NewError(raffel.CodeCancelled, "client closed connection"))
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	result := a.router.Handle(ctx, envelope)
	if result.Stream == nil {
		writeSSEEvent(w, "error", result.Envelope)
		flusher.Flush()
		return
	}

	var heartbeat <-chan time.Time
	if a.cfg.Heartbeat > 0 {
		ticker := time.NewTicker(a.cfg.Heartbeat)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	events := make(chan *raffel.Envelope)
	go func() {
		defer close(events)
		for env, err := range result.Stream {
			if err != nil {
				return
			}
			select {
			case events <- env:
			case <-ctx.Done():
				return
			}
		}
	}()

	rc := http.NewResponseController(w)

	for {
		select {
		case env, ok := <-events:
			if !ok {
				return
			}
			if a.cfg.WriteTimeout > 0 {
				_ = rc.SetWriteDeadline(time.Now().Add(a.cfg.WriteTimeout))
			}
			switch env.Type {
			case raffel.TypeStreamData:
				// §6/§4.7: one "data" frame per stream:data, carrying only
				// the value — not the enclosing envelope.
				writeSSEEvent(w, "data", env.Payload)
				flusher.Flush()
			case raffel.TypeStreamError:
				writeSSEEvent(w, "error", env.Payload)
				flusher.Flush()
				return
			case raffel.TypeStreamEnd:
				fmt.Fprint(w, "event: end\ndata: {}\n\n")
				flusher.Flush()
				return
			}
		case <-heartbeat:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, name string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		body = []byte(`{"error":"failed to encode event"}`)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, body)
}
