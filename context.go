package raffel

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forattini-dev/raffel-sub005/internal/rpccontext"
)

// Auth holds the authenticated principal attached to a Context by an auth
// interceptor (see interceptors/auth.go). A nil *Auth or Authenticated=false
// means the caller is anonymous.
type Auth struct {
	Authenticated bool
	Principal     string
	Roles         []string
	Claims        map[string]any
}

// HasRole reports whether the authenticated principal carries role.
func (a *Auth) HasRole(role string) bool {
	if a == nil {
		return false
	}
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Tracing carries distributed-tracing identifiers, populated from the
// `traceparent` metadata key or generated fresh; `tracestate` is not read.
type Tracing struct {
	TraceID string
	SpanID  string
}

// Context is the per-request state threaded through the interceptor
// pipeline and handed to handlers. It embeds context.Context so it can be
// used anywhere a context.Context is expected; cancelling it (via Abort)
// cancels every derived context.Context, which is how the router and
// adapters observe cancellation at Stream read/write and interceptor next()
// boundaries.
type Context struct {
	context.Context

	requestID string
	procedure string
	deadline  *time.Time
	tracing   Tracing

	cancel context.CancelCauseFunc

	mu         sync.RWMutex
	auth       *Auth
	metadata   map[string]string
	extensions map[any]any
}

// NewContext creates a root Context for request id on procedure, deriving
// cancellation from parent. Adapters call this once per inbound request;
// tests can call it directly to exercise handlers/interceptors in
// isolation.
func NewContext(parent context.Context, requestID, procedure string, metadata map[string]string) *Context {
	if requestID == "" {
		requestID = generateID()
	}
	cctx, cancel := context.WithCancelCause(parent)
	c := &Context{
		Context:   cctx,
		requestID: requestID,
		procedure: procedure,
		cancel:    cancel,
		metadata:  metadata,
		tracing:   tracingFromMetadata(metadata),
	}
	c.Context = context.WithValue(c.Context, rpccontext.ContextKey, c)
	return c
}

func tracingFromMetadata(md map[string]string) Tracing {
	t := Tracing{}
	if md != nil {
		if tp := md[MetaTraceParent]; tp != "" {
			// traceparent format: version-traceid-spanid-flags
			if len(tp) >= 55 {
				t.TraceID = tp[3:35]
				t.SpanID = tp[36:52]
			}
		}
	}
	if t.TraceID == "" {
		t.TraceID = generateID()
	}
	if t.SpanID == "" {
		t.SpanID = generateID()[:16]
	}
	return t
}

// generateID returns a random request/span identifier.
func generateID() string {
	return uuid.New().String()
}

// RequestID returns the id of the originating request, stable for the
// lifetime of the correlation.
func (c *Context) RequestID() string { return c.requestID }

// Procedure returns the dotted procedure name being invoked.
func (c *Context) Procedure() string { return c.procedure }

// Tracing returns the trace/span identifiers for this request.
func (c *Context) Tracing() Tracing { return c.tracing }

// Deadline overrides context.Context's Deadline to reflect the
// router-derived effective deadline, if one has been set via SetDeadline.
func (c *Context) Deadline() (time.Time, bool) {
	c.mu.RLock()
	d := c.deadline
	c.mu.RUnlock()
	if d != nil {
		return *d, true
	}
	return c.Context.Deadline()
}

// SetDeadline records the effective deadline metadata without altering
// cancellation semantics (the timeout interceptor enforces the deadline
// separately, with its own time.Timer that aborts this Context when it
// fires). It exists so Context.Deadline() and the x-deadline metadata stay
// consistent for inspection by handlers and downstream hops.
func (c *Context) SetDeadline(t time.Time) {
	c.mu.Lock()
	c.deadline = &t
	c.mu.Unlock()
}

// Auth returns the authenticated principal, or nil if the request is
// anonymous or no auth interceptor ran.
func (c *Context) Auth() *Auth {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.auth
}

// SetAuth attaches the authenticated principal. Called by auth
// interceptors before the handler runs; handlers see a read-mostly Auth.
func (c *Context) SetAuth(a *Auth) {
	c.mu.Lock()
	c.auth = a
	c.mu.Unlock()
}

// Metadata returns the value of a metadata key from the originating
// envelope. Metadata is read-only from the handler's perspective.
func (c *Context) Metadata(key string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.metadata[key]
}

// extKey namespaces extension slots so unrelated interceptors/adapters
// cannot collide on a bare string or int key.
type extKey struct{ name string }

// NewExtensionKey creates a unique key for Context.Extension/SetExtension.
// Call once per concern (usually in a package var) and reuse the key.
func NewExtensionKey(name string) any { return &extKey{name} }

// Extension returns the value stored at key, or nil if unset.
func (c *Context) Extension(key any) any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.extensions == nil {
		return nil
	}
	return c.extensions[key]
}

// SetExtension stores value at key for the lifetime of the request. Used by
// interceptors to pass state to later interceptors/handlers (e.g. the
// rate-limit interceptor stamping the applied limit for the adapter to
// surface as response metadata).
func (c *Context) SetExtension(key, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.extensions == nil {
		c.extensions = make(map[any]any)
	}
	c.extensions[key] = value
}

// Abort cancels the Context and everything derived from it with reason. The
// router observes this at every suspension point (stream read/write,
// interceptor next(), handler body via ctx.Done()) and settles pending work
// with CANCELLED (or reason, if it is itself an *Error) within one
// scheduling quantum.
func (c *Context) Abort(reason error) {
	if reason == nil {
		reason = NewError(CodeCancelled, "aborted")
	}
	c.cancel(reason)
}

// Cause returns the reason Abort was called with, or context.Canceled /
// context.DeadlineExceeded for standard cancellation, or nil if still open.
func (c *Context) Cause() error {
	return context.Cause(c.Context)
}

// FromContext extracts the *Context a router/adapter attached to ctx.
func FromContext(ctx context.Context) (*Context, bool) {
	v := ctx.Value(rpccontext.ContextKey)
	c, ok := v.(*Context)
	return c, ok
}
