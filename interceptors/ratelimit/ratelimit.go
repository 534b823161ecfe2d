// Package ratelimit implements the Rate limit interceptor from §4.5,
// pluggable across a handful of drivers (in-memory, filesystem, remote KV).
package ratelimit

import (
	"context"
	"iter"
	"strconv"
	"time"

	"github.com/forattini-dev/raffel-sub005"
)

// Result is what a Driver's Increment returns: the updated count for the
// current window and when that window resets.
type Result struct {
	Count   int
	ResetAt time.Time
}

// Driver is the rate-limit backend contract (§4.5 "driver interface").
// Increment must treat the read-modify-write of {count, resetAt} as atomic
// for a given key (§5 "Shared-resource policy"); two concurrent increments
// for the same key must observe counts differing by exactly 1 (§8 property
// 8).
type Driver interface {
	Increment(ctx context.Context, key string, window time.Duration) (Result, error)
	Decrement(ctx context.Context, key string) error
	Reset(ctx context.Context, key string) error
	Shutdown() error
}

// KeyGenerator derives a rate-limit key from the request. The default
// prefers auth.principal, then x-api-key, then a caller-supplied client
// hint, then the envelope's requestId (§4.5).
type KeyGenerator func(ctx *raffel.Context, envelope *raffel.Envelope) string

// DefaultKeyGenerator implements the precedence order from §4.5.
func DefaultKeyGenerator(clientHint func(ctx *raffel.Context) string) KeyGenerator {
	return func(ctx *raffel.Context, envelope *raffel.Envelope) string {
		if auth := ctx.Auth(); auth != nil && auth.Authenticated && auth.Principal != "" {
			return "principal:" + auth.Principal
		}
		if key := envelope.Meta(raffel.MetaAPIKey); key != "" {
			return "apikey:" + key
		}
		if clientHint != nil {
			if hint := clientHint(ctx); hint != "" {
				return "client:" + hint
			}
		}
		return "request:" + ctx.RequestID()
	}
}

// Config configures the Limiter interceptor.
type Config struct {
	Driver      Driver
	KeyPrefix   string
	KeyGen      KeyGenerator
	Window      time.Duration
	MaxRequests int
}

// Limiter raises RATE_LIMITED with {limit, remaining, resetAt, retryAfter}
// once a key exceeds MaxRequests within Window (§4.5). Adapters surface the
// rejection's metadata as x-ratelimit-* headers/fields.
func Limiter(cfg Config) raffel.Interceptor {
	return func(ctx *raffel.Context, envelope *raffel.Envelope, next raffel.Next) (any, iter.Seq2[any, error], error) {
		key := cfg.KeyPrefix + cfg.KeyGen(ctx, envelope)

		res, err := cfg.Driver.Increment(ctx, key, cfg.Window)
		if err != nil {
			return nil, nil, raffel.Errorf(raffel.CodeInternal, "rate limit driver: %v", err)
		}

		remaining := cfg.MaxRequests - res.Count
		if remaining < 0 {
			remaining = 0
		}

		envelope.WithMeta(raffel.MetaRateLimitLimit, strconv.Itoa(cfg.MaxRequests))
		envelope.WithMeta(raffel.MetaRateLimitRem, strconv.Itoa(remaining))
		envelope.WithMeta(raffel.MetaRateLimitReset, strconv.FormatInt(res.ResetAt.UnixMilli(), 10))

		if res.Count > cfg.MaxRequests {
			retryAfter := time.Until(res.ResetAt)
			if retryAfter < 0 {
				retryAfter = 0
			}
			envelope.WithMeta(raffel.MetaRetryAfter, strconv.Itoa(int(retryAfter.Seconds())))
			return nil, nil, raffel.Errorf(raffel.CodeRateLimited, "rate limit exceeded for key %q", key).
				WithDetails(map[string]any{
					"limit":     cfg.MaxRequests,
					"remaining": remaining,
					"resetAt":   res.ResetAt,
					"retryAfter": retryAfter.Seconds(),
				})
		}

		return next(ctx, envelope.Payload)
	}
}
