package raffel

import (
	"context"
	"iter"
)

// liftGenerator wraps a handler-returned iter.Seq2 so it drives a *Stream[any]
// instead of being consumed directly. This is the uniform shape the router
// hands every adapter: regardless of whether a handler produced its output
// via an iterator (design note's "generator" style) or by writing into a
// stream handle (design note's "push" style), by the time the router emits
// stream:data frames it is always draining a *Stream[any].
func liftGenerator(ctx context.Context, seq iter.Seq2[any, error], hwm int) *Stream[any] {
	s := NewStream[any](hwm)
	go func() {
		for v, err := range seq {
			if err != nil {
				s.Error(err)
				return
			}
			if werr := s.Write(ctx, v); werr != nil {
				// Consumer went away or ctx died; stop pulling from the
				// generator. If the generator supports cancellation via
				// range-over-func's early-return convention, returning from
				// this goroutine without continuing the range does exactly
				// that on the next iteration attempt.
				return
			}
		}
		s.End()
	}()
	return s
}

// StreamWriter is the handle a "push"-style stream handler writes into,
// instead of returning an iter.Seq2 (design note 3: "both styles ... unify
// via a small StreamWriter handle"). Handlers that want imperative control
// over emission (e.g. a handler keeping a background subscription alive)
// take a *StreamWriter[T] parameter instead of returning a generator.
type StreamWriter[T any] struct {
	stream *Stream[T]
}

// Send writes v to the stream, honoring backpressure/cancellation via ctx.
func (w *StreamWriter[T]) Send(ctx context.Context, v T) error {
	return w.stream.Write(ctx, v)
}

// End signals no more values will be sent.
func (w *StreamWriter[T]) End() { w.stream.End() }

// Fail aborts the stream with err.
func (w *StreamWriter[T]) Fail(err error) { w.stream.Error(err) }

// liftWriter runs fn in its own goroutine, handing it a StreamWriter bound
// to a fresh Stream, and returns that Stream for the router to drain. If fn
// returns an error and the stream has not already reached a terminal state,
// that error becomes the stream's terminal error; otherwise the stream ends
// cleanly.
func liftWriter[T any](hwm int, fn func(w *StreamWriter[T]) error) *Stream[T] {
	s := NewStream[T](hwm)
	w := &StreamWriter[T]{stream: s}
	go func() {
		err := fn(w)
		if err != nil {
			s.Error(err)
			return
		}
		s.End()
	}()
	return s
}

// toAnySeq upcasts a typed iterator to iter.Seq2[any, error] so HandlerFunc's
// uniform any-typed stream shape can carry a strongly-typed handler's output.
func toAnySeq[T any](seq iter.Seq2[T, error]) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		for v, err := range seq {
			if !yield(v, err) {
				return
			}
		}
	}
}

// NewGeneratorHandler adapts a typed generator-style stream handler — one
// that returns an iter.Seq2[T, error] — into the untyped HandlerFunc shape
// Registry.Register expects (§9 design note: "Generator-based stream
// handlers become functions returning an async iterator ... the router
// recognises which path the handler uses and lifts uniformly").
func NewGeneratorHandler[T any](fn func(ctx *Context, payload any) (iter.Seq2[T, error], error)) HandlerFunc {
	return func(ctx *Context, payload any) (any, iter.Seq2[any, error], error) {
		seq, err := fn(ctx, payload)
		if err != nil {
			return nil, nil, err
		}
		return nil, toAnySeq(seq), nil
	}
}

// NewWriterHandler adapts a typed "push"-style stream handler — one that
// writes values into a StreamWriter instead of returning an iterator — into
// the same untyped HandlerFunc shape, via liftWriter (§9 design note, "...or
// writing to a stream handle"). hwm bounds the handler's own outbound
// buffer, independent of the HWM the router later applies when it lifts the
// resulting iter.Seq2 onto its own *Stream[any] in liftStream.
func NewWriterHandler[T any](hwm int, fn func(ctx *Context, payload any, w *StreamWriter[T]) error) HandlerFunc {
	return func(ctx *Context, payload any) (any, iter.Seq2[any, error], error) {
		s := liftWriter(hwm, func(w *StreamWriter[T]) error {
			return fn(ctx, payload, w)
		})
		return nil, toAnySeq(s.Seq(ctx)), nil
	}
}
