package raffel

import "iter"

// Next is the continuation an Interceptor calls to invoke the rest of the
// pipeline (the next interceptor, or ultimately the handler). Its return
// shape mirrors HandlerFunc: a value (procedure/event) or a stream iterator
// (stream kind), never both.
type Next func(ctx *Context, payload any) (result any, stream iter.Seq2[any, error], err error)

// Interceptor is protocol-agnostic middleware wrapped around every handler
// call, registered globally via Router.Use. Interceptors observe the
// envelope exactly once per request — including stream requests, where they
// wrap stream:start only; stream:data frames flow through without
// re-entering the pipeline (§4.4).
type Interceptor func(ctx *Context, envelope *Envelope, next Next) (result any, stream iter.Seq2[any, error], err error)

// chainInterceptors composes interceptors so that interceptors[0] is
// outermost (runs first on the way in, last on the way out), matching
// §4.4's ordering guarantee and testable property 3 (A.pre → B.pre →
// handler → B.post → A.post).
func chainInterceptors(interceptors []Interceptor, envelope *Envelope, final Next) Next {
	next := final
	for i := len(interceptors) - 1; i >= 0; i-- {
		ic := interceptors[i]
		inner := next
		next = func(ctx *Context, payload any) (any, iter.Seq2[any, error], error) {
			return ic(ctx, envelope, inner)
		}
	}
	return next
}
