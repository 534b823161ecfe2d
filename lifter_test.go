package raffel

import (
	"context"
	"iter"
	"strings"
	"testing"
)

func TestNewGeneratorHandler_StreamsThroughRouter(t *testing.T) {
	handler := NewGeneratorHandler(func(ctx *Context, payload any) (iter.Seq2[int, error], error) {
		return func(yield func(int, error) bool) {
			for i := 1; i <= 3; i++ {
				if !yield(i, nil) {
					return
				}
			}
		}, nil
	})

	reg := NewRegistry()
	_ = reg.Register(&HandlerDef{Name: "gen", Kind: KindStream, Handler: handler})
	rt := NewRouter(reg)

	ctx := NewContext(context.Background(), "req-1", "gen", nil)
	result := rt.Handle(ctx, NewRequest("1", "gen", nil))
	if result.Stream == nil {
		t.Fatal("expected a stream result")
	}

	var values []any
	var shape []string
	for env, err := range result.Stream {
		if err != nil {
			t.Fatalf("unexpected iteration error: %v", err)
		}
		shape = append(shape, strings.TrimPrefix(string(env.Type), "stream:"))
		if env.Type == TypeStreamData {
			values = append(values, env.Payload)
		}
	}

	if strings.Join(shape, ",") != "start,data,data,data,end" {
		t.Fatalf("unexpected shape %v", shape)
	}
	if len(values) != 3 || values[0] != 1 || values[1] != 2 || values[2] != 3 {
		t.Fatalf("expected [1 2 3], got %v", values)
	}
}

func TestNewGeneratorHandler_PropagatesConstructionError(t *testing.T) {
	handler := NewGeneratorHandler(func(ctx *Context, payload any) (iter.Seq2[int, error], error) {
		return nil, NewError(CodeInvalidArgument, "cannot build generator")
	})

	reg := NewRegistry()
	_ = reg.Register(&HandlerDef{Name: "gen", Kind: KindStream, Handler: handler})
	rt := NewRouter(reg)

	ctx := NewContext(context.Background(), "req-1", "gen", nil)
	result := rt.Handle(ctx, NewRequest("1", "gen", nil))
	if result.Envelope == nil || result.Envelope.Type != TypeError {
		t.Fatalf("expected an error envelope when the generator fails to construct, got %+v", result)
	}
}

func TestNewWriterHandler_StreamsThroughRouter(t *testing.T) {
	handler := NewWriterHandler(4, func(ctx *Context, payload any, w *StreamWriter[string]) error {
		for _, v := range []string{"a", "b"} {
			if err := w.Send(ctx, v); err != nil {
				return err
			}
		}
		return nil
	})

	reg := NewRegistry()
	_ = reg.Register(&HandlerDef{Name: "push", Kind: KindStream, Handler: handler})
	rt := NewRouter(reg)

	ctx := NewContext(context.Background(), "req-1", "push", nil)
	result := rt.Handle(ctx, NewRequest("1", "push", nil))
	if result.Stream == nil {
		t.Fatal("expected a stream result")
	}

	var values []any
	var shape []string
	for env, err := range result.Stream {
		if err != nil {
			t.Fatalf("unexpected iteration error: %v", err)
		}
		shape = append(shape, strings.TrimPrefix(string(env.Type), "stream:"))
		if env.Type == TypeStreamData {
			values = append(values, env.Payload)
		}
	}

	if strings.Join(shape, ",") != "start,data,data,end" {
		t.Fatalf("unexpected shape %v", shape)
	}
	if len(values) != 2 || values[0] != "a" || values[1] != "b" {
		t.Fatalf("expected [a b], got %v", values)
	}
}

func TestNewWriterHandler_FailurePropagatesAsStreamError(t *testing.T) {
	handler := NewWriterHandler(4, func(ctx *Context, payload any, w *StreamWriter[string]) error {
		if err := w.Send(ctx, "only-value"); err != nil {
			return err
		}
		return NewError(CodeInternal, "writer blew up")
	})

	reg := NewRegistry()
	_ = reg.Register(&HandlerDef{Name: "push", Kind: KindStream, Handler: handler})
	rt := NewRouter(reg)

	ctx := NewContext(context.Background(), "req-1", "push", nil)
	result := rt.Handle(ctx, NewRequest("1", "push", nil))

	var shape []string
	for env, err := range result.Stream {
		if err != nil {
			t.Fatalf("unexpected iteration error: %v", err)
		}
		shape = append(shape, strings.TrimPrefix(string(env.Type), "stream:"))
	}
	if shape[len(shape)-1] != "error" {
		t.Fatalf("expected the sequence to end in stream:error, got %v", shape)
	}
}
