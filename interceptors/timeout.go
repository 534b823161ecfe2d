// Package interceptors holds the cross-cutting global interceptors the core
// ships with (§4.5): timeout, rate limiting (in the ratelimit subpackage),
// metrics, and auth.
package interceptors

import (
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/forattini-dev/raffel-sub005"
)

// TimeoutRule binds a per-procedure or pattern-matched timeout to a
// duration; Default applies when no rule matches.
type TimeoutRule struct {
	Pattern  string
	Timeout  time.Duration
}

// TimeoutConfig configures the Timeout interceptor.
type TimeoutConfig struct {
	Default time.Duration
	Rules   []TimeoutRule

	// CascadeReduction, if non-zero, is subtracted from a deadline relayed
	// via metadata before it is applied locally, floor-clamped to
	// CascadeFloor, to damp cascading tail latency across hops (§5
	// "cascading variant").
	CascadeReduction time.Duration
	CascadeFloor     time.Duration
}

func (c TimeoutConfig) timeoutFor(procedure string) time.Duration {
	best := c.Default
	bestSpecificity := -1
	for _, rule := range c.Rules {
		if !patternMatches(rule.Pattern, procedure) {
			continue
		}
		spec := specificity(rule.Pattern)
		if spec > bestSpecificity {
			bestSpecificity = spec
			best = rule.Timeout
		}
	}
	return best
}

func specificity(pattern string) int {
	if !strings.Contains(pattern, "*") {
		return 1000
	}
	return strings.Count(pattern, ".")
}

func patternMatches(pattern, procedure string) bool {
	if pattern == "*" || pattern == "" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return pattern == procedure
	}
	prefix := strings.TrimSuffix(strings.TrimSuffix(pattern, "**"), "*")
	prefix = strings.TrimSuffix(prefix, ".")
	return procedure == prefix || strings.HasPrefix(procedure, prefix+".")
}

// Timeout derives an effective deadline of min(ctx.Deadline, now+configured)
// per procedure, races next() against it, and maps expiry to
// DEADLINE_EXCEEDED (§4.5). The effective deadline is propagated downstream
// via the x-deadline metadata key.
func Timeout(cfg TimeoutConfig) raffel.Interceptor {
	return func(ctx *raffel.Context, envelope *raffel.Envelope, next raffel.Next) (any, iter.Seq2[any, error], error) {
		configured := cfg.timeoutFor(envelope.Procedure)

		deadline := time.Now().Add(configured)
		if configured <= 0 {
			deadline = time.Time{}
		}
		if existing, ok := ctx.Deadline(); ok && (deadline.IsZero() || existing.Before(deadline)) {
			deadline = existing
		}

		if relayed := envelope.Meta(raffel.MetaDeadline); relayed != "" && cfg.CascadeReduction > 0 {
			if ms, err := strconv.ParseInt(relayed, 10, 64); err == nil {
				relayedDeadline := time.UnixMilli(ms).Add(-cfg.CascadeReduction)
				floor := time.Now().Add(cfg.CascadeFloor)
				if relayedDeadline.Before(floor) {
					relayedDeadline = floor
				}
				if deadline.IsZero() || relayedDeadline.Before(deadline) {
					deadline = relayedDeadline
				}
			}
		}

		if deadline.IsZero() {
			return next(ctx, envelope.Payload)
		}

		if !deadline.After(time.Now()) {
			return nil, nil, raffel.NewError(raffel.CodeDeadlineExceeded, "deadline already passed").LocalDeadline()
		}

		ctx.SetDeadline(deadline)
		envelope.WithMeta(raffel.MetaDeadline, strconv.FormatInt(deadline.UnixMilli(), 10))

		type outcome struct {
			result any
			stream iter.Seq2[any, error]
			err    error
		}
		done := make(chan outcome, 1)
		start := time.Now()

		go func() {
			r, s, e := next(ctx, envelope.Payload)
			done <- outcome{r, s, e}
		}()

		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()

		select {
		case o := <-done:
			return o.result, o.stream, o.err
		case <-timer.C:
			ctx.Abort(raffel.NewError(raffel.CodeDeadlineExceeded, "deadline exceeded").LocalDeadline())
			return nil, nil, raffel.Errorf(raffel.CodeDeadlineExceeded, "deadline exceeded after %s", time.Since(start)).LocalDeadline()
		}
	}
}
