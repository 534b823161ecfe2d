package raffel

import (
	"iter"
	"sort"
	"strings"
	"sync"
)

// StreamHWM is the stream buffer depth the router uses when lifting a
// handler's generator/writer output. The router reads no per-request or
// per-handler override of it.
const StreamHWM = 16

// RouterHooks are global, pattern-matched lifecycle hooks merged with
// per-handler Hooks (§4.4 "Pattern-matched global hooks"). Pattern is one of
// an exact procedure name, "*" (matches everything), "a.*" (matches exactly
// one further dotted segment), or "a.**" (matches any number of further
// segments).
type RouterHooks struct {
	Pattern string
	Hooks   Hooks
}

// Router is the protocol-agnostic dispatch core: it resolves a procedure in
// the Registry, runs it through the interceptor and hook pipeline, and lifts
// the result into response/event/stream envelopes (§4.4).
type Router struct {
	registry *Registry

	mu           sync.RWMutex
	interceptors []Interceptor
	globalHooks  []RouterHooks
}

// NewRouter creates a Router dispatching against registry.
func NewRouter(registry *Registry) *Router {
	return &Router{registry: registry}
}

// Use appends a global interceptor. Interceptors observe requests in
// registration order and unwind in reverse (§4.4 "Ordering guarantees").
func (rt *Router) Use(interceptor Interceptor) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.interceptors = append(rt.interceptors, interceptor)
}

// UseHooks registers a pattern-matched global hook set.
func (rt *Router) UseHooks(pattern string, hooks Hooks) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.globalHooks = append(rt.globalHooks, RouterHooks{Pattern: pattern, Hooks: hooks})
}

func (rt *Router) snapshot() ([]Interceptor, []RouterHooks) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	ics := make([]Interceptor, len(rt.interceptors))
	copy(ics, rt.interceptors)
	hooks := make([]RouterHooks, len(rt.globalHooks))
	copy(hooks, rt.globalHooks)
	return ics, hooks
}

// patternSpecificity ranks a hook pattern so matching hooks can be applied
// most-specific-first (§9 open question decision, SPEC_FULL.md §E.3): an
// exact procedure name is most specific, then "a.*"-style single-segment
// wildcards (more dots = more specific), then "a.**" multi-segment
// wildcards, then the bare "*" catch-all.
func patternSpecificity(pattern string) int {
	switch {
	case pattern == "*":
		return 0
	case strings.HasSuffix(pattern, ".**"):
		return 10 + strings.Count(pattern, ".")
	case strings.Contains(pattern, "*"):
		return 100 + strings.Count(pattern, ".")
	default:
		return 1000 // exact match
	}
}

func patternMatches(pattern, procedure string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return pattern == procedure
	}
	if strings.HasSuffix(pattern, ".**") {
		prefix := strings.TrimSuffix(pattern, ".**")
		return procedure == prefix || strings.HasPrefix(procedure, prefix+".")
	}
	if strings.HasSuffix(pattern, ".*") {
		prefix := strings.TrimSuffix(pattern, ".*")
		rest := strings.TrimPrefix(procedure, prefix+".")
		if rest == procedure || rest == "" {
			return false
		}
		return !strings.Contains(rest, ".")
	}
	return false
}

// matchingHooks returns every global hook set whose pattern matches
// procedure, most-specific-first; ties keep registration order (the slice is
// already in registration order, and sort.SliceStable preserves it).
func matchingHooks(all []RouterHooks, procedure string) []Hooks {
	var matched []RouterHooks
	for _, h := range all {
		if patternMatches(h.Pattern, procedure) {
			matched = append(matched, h)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return patternSpecificity(matched[i].Pattern) > patternSpecificity(matched[j].Pattern)
	})
	out := make([]Hooks, len(matched))
	for i, h := range matched {
		out[i] = h.Hooks
	}
	return out
}

// Result is what Handle returns: at most one of Envelope (unary
// response/error) or Stream (a sequence of stream:start/data/end/error
// envelopes) is populated, per §4.4 step 4. Event-kind requests populate
// neither.
type Result struct {
	Envelope *Envelope
	Stream   iter.Seq2[*Envelope, error]
}

// Handle is the single entry point every adapter uses (§4.4). It resolves
// the handler, runs the interceptor/hook pipeline, and returns either a
// single response/error envelope or a stream of envelopes. Event-kind
// requests that succeed return a nil Envelope and nil Stream: per §4.4 step
// 4, an event acknowledges locally and produces no response envelope.
func (rt *Router) Handle(ctx *Context, envelope *Envelope) *Result {
	if envelope.Procedure == "" {
		return &Result{Envelope: rt.errorEnvelope(envelope, Errorf(CodeInvalidEnvelope, "envelope missing procedure"))}
	}

	def, ok := rt.registry.Lookup(envelope.Procedure)
	if !ok {
		return &Result{Envelope: rt.errorEnvelope(envelope, Errorf(CodeNotFound, "unknown procedure %q", envelope.Procedure))}
	}

	interceptors, globalHooks := rt.snapshot()
	hookChain := append(matchingHooks(globalHooks, def.Name), def.Hooks) // globals first, per-handler last

	final := rt.finalHandler(def, hookChain)
	dispatch := chainInterceptors(interceptors, envelope, final)

	result, streamSeq, err := dispatch(ctx, envelope.Payload)

	switch def.Kind {
	case KindEvent:
		if err != nil {
			// Events have no response envelope even on failure; the error
			// is only observable via logging/metrics interceptors.
			return &Result{}
		}
		return &Result{}

	case KindStream:
		if err != nil {
			return &Result{Envelope: rt.errorEnvelope(envelope, DefaultErrorTransformer(err))}
		}
		return &Result{Stream: rt.liftStream(ctx, envelope, streamSeq)}

	default: // KindProcedure
		if err != nil {
			return &Result{Envelope: rt.errorEnvelope(envelope, DefaultErrorTransformer(err))}
		}
		if def.OutputValidator != nil {
			if verr := def.OutputValidator(result); verr != nil {
				mapped := Errorf(CodeInternal, "output validation failed: %v", verr)
				return &Result{Envelope: rt.errorEnvelope(envelope, mapped)}
			}
		}
		resp := &Envelope{
			ID:        ResponseID(envelope.ID),
			Procedure: envelope.Procedure,
			Type:      TypeResponse,
			Payload:   result,
		}
		return &Result{Envelope: resp}
	}
}

// finalHandler wraps def.Handler with input validation and the merged
// before/after/error hook chain — the innermost link of the pipeline
// (§4.4 steps 3, 4; "Hook contract").
func (rt *Router) finalHandler(def *HandlerDef, hookChain []Hooks) Next {
	return func(ctx *Context, payload any) (result any, stream iter.Seq2[any, error], err error) {
		if def.InputValidator != nil {
			if verr := def.InputValidator(payload); verr != nil {
				mapped := DefaultErrorTransformer(verr)
				if mapped.Code == CodeInternal {
					mapped = Errorf(CodeValidationError, "%v", verr)
				}
				return nil, nil, mapped
			}
		}

		for _, h := range hookChain {
			if h.Before == nil {
				continue
			}
			if berr := h.Before(ctx, payload); berr != nil {
				return rt.runErrorHooks(ctx, payload, hookChain, berr)
			}
		}

		result, stream, err = def.Handler(ctx, payload)
		if err != nil {
			return rt.runErrorHooks(ctx, payload, hookChain, err)
		}

		if stream == nil {
			for _, h := range hookChain {
				if h.After == nil {
					continue
				}
				result, err = h.After(ctx, payload, result)
				if err != nil {
					return rt.runErrorHooks(ctx, payload, hookChain, err)
				}
			}
		}
		return result, stream, nil
	}
}

// runErrorHooks walks the merged hook chain's Error callbacks, any of which
// may recover (return a non-nil result and nil error) or re-map the error.
func (rt *Router) runErrorHooks(ctx *Context, payload any, hookChain []Hooks, err error) (any, iter.Seq2[any, error], error) {
	for _, h := range hookChain {
		if h.Error == nil {
			continue
		}
		result, herr := h.Error(ctx, payload, err)
		if herr == nil {
			return result, nil, nil
		}
		err = herr
	}
	return nil, nil, err
}

// liftStream drives the handler's generator/writer output into the
// stream:start → stream:data* → (stream:end | stream:error) envelope
// sequence (§4.4 step 4, §8 property 2).
//
// The handler's iter.Seq2 is never ranged directly: it is first lifted onto
// a *Stream[any] via liftGenerator (§4.3, §5 "the router's stream lifter ...
// consume the stream primitive which applies HWM back to the handler"), and
// this function drains that Stream through its own Seq. That indirection is
// what gives every handler's generator real backpressure — the lifting
// goroutine's Write blocks at HWM capacity, which in turn blocks the
// handler's own iteration — instead of a transport-facing loop outrunning a
// slow consumer.
func (rt *Router) liftStream(ctx *Context, req *Envelope, seq iter.Seq2[any, error]) iter.Seq2[*Envelope, error] {
	return func(yield func(*Envelope, error) bool) {
		if !yield(&Envelope{ID: req.ID, Procedure: req.Procedure, Type: TypeStreamStart}, nil) {
			return
		}
		if seq == nil {
			yield(&Envelope{ID: req.ID, Procedure: req.Procedure, Type: TypeStreamEnd}, nil)
			return
		}

		s := liftGenerator(ctx, seq, StreamHWM)
		for v, err := range s.Seq(ctx) {
			if err != nil {
				mapped := DefaultErrorTransformer(err)
				yield(&Envelope{
					ID:        req.ID,
					Procedure: req.Procedure,
					Type:      TypeStreamError,
					Payload:   mapped,
				}, nil)
				return
			}
			if !yield(&Envelope{
				ID:        req.ID,
				Procedure: req.Procedure,
				Type:      TypeStreamData,
				Payload:   v,
			}, nil) {
				// Seq's range-over-func contract cancels s with
				// ErrIterationStopped on this early return, which in turn
				// unblocks liftGenerator's producer goroutine.
				return
			}
		}
		yield(&Envelope{ID: req.ID, Procedure: req.Procedure, Type: TypeStreamEnd}, nil)
	}
}

func (rt *Router) errorEnvelope(req *Envelope, e *Error) *Envelope {
	return &Envelope{
		ID:        ResponseID(req.ID),
		Procedure: req.Procedure,
		Type:      TypeError,
		Payload:   maskInternal(e),
	}
}
