package raffel

import (
	"iter"
	"sync"
)

// Kind distinguishes the three handler shapes a Raffel server exposes.
type Kind string

const (
	KindProcedure Kind = "procedure" // unary request/response
	KindStream    Kind = "stream"    // ordered sequence of values
	KindEvent     Kind = "event"     // fire-and-forget, no response envelope
)

// Direction further classifies stream handlers; it is meaningless for
// procedure/event kinds.
type Direction string

const (
	DirectionUnary  Direction = "unary" // not the zero value: an unset Direction is ""
	DirectionServer Direction = "server"
	DirectionClient Direction = "client"
	DirectionBidi   Direction = "bidi"
)

// Validator validates a decoded payload, returning a descriptive error (not
// necessarily an *Error — DefaultErrorTransformer maps it) on failure. It is
// the adapter seam that lets any schema library plug into Raffel (design
// note: "Global validator registry ... becomes a per-server parameter").
type Validator func(payload any) error

// HandlerFunc is the single shape every registered handler implements at
// runtime: it receives the live Context and the decoded payload, and
// returns either a value (procedure), nothing meaningful (event), or an
// iterator of values (stream) via the returned iter.Seq2.
//
// Procedure/event handlers populate Result and leave Stream nil. Stream
// handlers return a nil Result and a non-nil Stream iterator. The router
// inspects which is set to decide how to lift the call (§4.4 step 4).
type HandlerFunc func(ctx *Context, payload any) (result any, stream iter.Seq2[any, error], err error)

// Hooks are the optional per-handler lifecycle callbacks (§4.4 "Hook
// contract").
type Hooks struct {
	// Before runs after global interceptors reach the handler and before the
	// handler itself; returning an error rejects the call before Handler runs.
	Before func(ctx *Context, input any) error

	// After runs once per successful result (chained left-to-right across
	// merged hooks) and may transform it.
	After func(ctx *Context, input any, result any) (any, error)

	// Error runs when the handler or an earlier hook fails; it may recover
	// (return a non-nil result and nil error) or re-map the error. Returning
	// the same error propagates it unchanged.
	Error func(ctx *Context, input any, err error) (any, error)
}

// HandlerDef is the full definition of one registered handler, the
// struct-based replacement for the teacher's fluent Exec/Query/Stream
// builders (design note: "Decorator/builder chaining ... re-expressed as
// explicit handler-definition structs").
type HandlerDef struct {
	Name      string
	Kind      Kind
	Direction Direction // streams only

	Handler HandlerFunc

	InputValidator  Validator
	OutputValidator Validator

	Hooks Hooks

	// Public marks a procedure/stream/event as public (§4.5 "Public
	// procedures bypass"). The core and interceptors.Auth do not read this
	// field; Auth exempts exactly the procedures its isPublic callback
	// reports.
	Public bool

	// Metadata carries protocol-specific hints (REST path override, gRPC
	// service/method name, ...) that adapters may consult; the core never
	// interprets it.
	Metadata map[string]string
}

// Registry is an indexed, write-once-at-startup, read-only-after-start
// store of handler definitions (§4.2). Lookups are O(1) on the hot path;
// registration happens during server setup.
type Registry struct {
	mu    sync.RWMutex
	byName map[string]*HandlerDef
	order []string // registration order, for deterministic List()
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*HandlerDef)}
}

// Register adds def to the registry. Fails with ALREADY_EXISTS if a
// handler of any kind already exists under def.Name — duplicate names
// collide regardless of kind (§4.2).
func (r *Registry) Register(def *HandlerDef) error {
	if def == nil || def.Name == "" {
		return Errorf(CodeInvalidArgument, "handler definition must have a name")
	}
	if def.Handler == nil {
		return Errorf(CodeInvalidArgument, "handler %q: Handler func is required", def.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[def.Name]; exists {
		return Errorf(CodeAlreadyExists, "handler %q already registered", def.Name)
	}

	r.byName[def.Name] = def
	r.order = append(r.order, def.Name)
	return nil
}

// Lookup returns the definition registered under name, or (nil, false).
func (r *Registry) Lookup(name string) (*HandlerDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.byName[name]
	return def, ok
}

// List returns every registered definition of the given kind, in
// registration order. Pass "" to list every handler regardless of kind.
func (r *Registry) List(kind Kind) []*HandlerDef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*HandlerDef, 0, len(r.order))
	for _, name := range r.order {
		def := r.byName[name]
		if kind == "" || def.Kind == kind {
			out = append(out, def)
		}
	}
	return out
}
