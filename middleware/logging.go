package middleware

import (
	"iter"
	"log/slog"
	"time"

	"github.com/forattini-dev/raffel-sub005"
)

// LoggingInterceptor creates a global raffel.Interceptor that logs every
// dispatched envelope using slog, including duration and error status.
func LoggingInterceptor(logger *slog.Logger) raffel.Interceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return func(ctx *raffel.Context, envelope *raffel.Envelope, next raffel.Next) (any, iter.Seq2[any, error], error) {
		start := time.Now()

		logger.InfoContext(ctx, "rpc started",
			slog.String("procedure", envelope.Procedure),
			slog.String("type", string(envelope.Type)),
			slog.String("request_id", ctx.RequestID()),
		)

		result, stream, err := next(ctx, envelope.Payload)
		duration := time.Since(start)

		if err != nil {
			logger.ErrorContext(ctx, "rpc failed",
				slog.String("procedure", envelope.Procedure),
				slog.Duration("duration", duration),
				slog.Any("error", err),
			)
		} else {
			logger.InfoContext(ctx, "rpc completed",
				slog.String("procedure", envelope.Procedure),
				slog.Duration("duration", duration),
				slog.Bool("stream", stream != nil),
			)
		}

		return result, stream, err
	}
}
