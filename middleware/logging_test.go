package middleware

import (
	"bytes"
	"context"
	"errors"
	"iter"
	"log/slog"
	"strings"
	"testing"

	"github.com/forattini-dev/raffel-sub005"
)

func newLoggingTestCtx(procedure string) *raffel.Context {
	return raffel.NewContext(context.Background(), "", procedure, nil)
}

func TestLoggingInterceptor_Success(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	interceptor := LoggingInterceptor(logger)
	ctx := newLoggingTestCtx("Users.Create")
	env := raffel.NewRequest("1", "Users.Create", "request")

	next := func(ctx *raffel.Context, payload any) (any, iter.Seq2[any, error], error) {
		return "response", nil, nil
	}

	result, _, err := interceptor(ctx, env, next)
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if result != "response" {
		t.Errorf("expected response, got %v", result)
	}

	logOutput := buf.String()
	if !strings.Contains(logOutput, "rpc started") {
		t.Error("expected 'rpc started' in log output")
	}
	if !strings.Contains(logOutput, "rpc completed") {
		t.Error("expected 'rpc completed' in log output")
	}
	if !strings.Contains(logOutput, "Users.Create") {
		t.Error("expected procedure name in log output")
	}
}

func TestLoggingInterceptor_Error(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	interceptor := LoggingInterceptor(logger)
	ctx := newLoggingTestCtx("Users.Create")
	env := raffel.NewRequest("1", "Users.Create", "request")

	testErr := errors.New("test error")
	next := func(ctx *raffel.Context, payload any) (any, iter.Seq2[any, error], error) {
		return nil, nil, testErr
	}

	result, _, err := interceptor(ctx, env, next)
	if !errors.Is(err, testErr) {
		t.Errorf("expected test error, got %v", err)
	}
	if result != nil {
		t.Errorf("expected nil result, got %v", result)
	}

	logOutput := buf.String()
	if !strings.Contains(logOutput, "rpc started") {
		t.Error("expected 'rpc started' in log output")
	}
	if !strings.Contains(logOutput, "rpc failed") {
		t.Error("expected 'rpc failed' in log output")
	}
	if !strings.Contains(logOutput, "test error") {
		t.Error("expected error message in log output")
	}
}

func TestLoggingInterceptor_NilLogger(t *testing.T) {
	interceptor := LoggingInterceptor(nil)
	ctx := newLoggingTestCtx("Users.Create")
	env := raffel.NewRequest("1", "Users.Create", "request")

	next := func(ctx *raffel.Context, payload any) (any, iter.Seq2[any, error], error) {
		return "response", nil, nil
	}

	result, _, err := interceptor(ctx, env, next)
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if result != "response" {
		t.Errorf("expected response, got %v", result)
	}
}

func TestLoggingInterceptor_LogsDuration(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	interceptor := LoggingInterceptor(logger)
	ctx := newLoggingTestCtx("Users.Create")
	env := raffel.NewRequest("1", "Users.Create", "request")

	next := func(ctx *raffel.Context, payload any) (any, iter.Seq2[any, error], error) {
		return "response", nil, nil
	}

	if _, _, err := interceptor(ctx, env, next); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	if !strings.Contains(buf.String(), "duration") {
		t.Error("expected 'duration' in log output")
	}
}

func TestLoggingInterceptor_PropagatesContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	interceptor := LoggingInterceptor(logger)
	ctx := newLoggingTestCtx("Users.Create")
	ctx.SetExtension(raffel.NewExtensionKey("test"), "test-value")
	env := raffel.NewRequest("1", "Users.Create", "request")

	var seen any
	next := func(ctx *raffel.Context, payload any) (any, iter.Seq2[any, error], error) {
		seen = ctx.RequestID()
		return "response", nil, nil
	}

	if _, _, err := interceptor(ctx, env, next); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if seen != ctx.RequestID() {
		t.Error("expected context to propagate through to the handler")
	}
}

func TestLoggingInterceptor_ProcedureInLogs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	interceptor := LoggingInterceptor(logger)

	procedures := []string{"Users.Create", "Posts.List", "Comments.Delete"}
	for _, proc := range procedures {
		t.Run(proc, func(t *testing.T) {
			buf.Reset()
			ctx := newLoggingTestCtx(proc)
			env := raffel.NewRequest("1", proc, nil)

			next := func(ctx *raffel.Context, payload any) (any, iter.Seq2[any, error], error) {
				return nil, nil, nil
			}

			if _, _, err := interceptor(ctx, env, next); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !strings.Contains(buf.String(), proc) {
				t.Errorf("expected procedure %s in log output", proc)
			}
		})
	}
}

func TestLoggingInterceptor_ErrorDetails(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	interceptor := LoggingInterceptor(logger)
	ctx := newLoggingTestCtx("Users.Create")
	env := raffel.NewRequest("1", "Users.Create", "request")

	customErr := raffel.NewError(raffel.CodeNotFound, "resource not found")
	next := func(ctx *raffel.Context, payload any) (any, iter.Seq2[any, error], error) {
		return nil, nil, customErr
	}

	if _, _, err := interceptor(ctx, env, next); !errors.Is(err, customErr) {
		t.Errorf("expected custom error, got %v", err)
	}

	logOutput := buf.String()
	if !strings.Contains(logOutput, "rpc failed") {
		t.Error("expected 'rpc failed' in log output")
	}
	if !strings.Contains(logOutput, "resource not found") {
		t.Error("expected error message in log output")
	}
}

func TestLoggingInterceptor_PassthroughPayload(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	interceptor := LoggingInterceptor(logger)
	ctx := newLoggingTestCtx("Users.Create")

	type testReq struct{ Key string }
	expected := testReq{Key: "value"}
	env := raffel.NewRequest("1", "Users.Create", expected)

	next := func(ctx *raffel.Context, payload any) (any, iter.Seq2[any, error], error) {
		if payload != expected {
			t.Error("expected payload to be passed through")
		}
		return "response", nil, nil
	}

	if _, _, err := interceptor(ctx, env, next); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
