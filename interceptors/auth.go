package interceptors

import (
	"iter"

	"github.com/forattini-dev/raffel-sub005"
)

// AuthStrategy resolves an *raffel.Auth from the inbound envelope and
// context, or returns (nil, nil) to mean "no credentials presented". A
// non-nil error short-circuits the request with UNAUTHENTICATED.
type AuthStrategy func(ctx *raffel.Context, envelope *raffel.Envelope) (*raffel.Auth, error)

// BearerTokenStrategy builds an AuthStrategy that reads the Authorization
// metadata key ("Bearer <token>") and resolves it via verify.
func BearerTokenStrategy(verify func(token string) (*raffel.Auth, error)) AuthStrategy {
	return func(ctx *raffel.Context, envelope *raffel.Envelope) (*raffel.Auth, error) {
		header := envelope.Meta(raffel.MetaAuthorization)
		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			return nil, nil
		}
		return verify(header[len(prefix):])
	}
}

// APIKeyStrategy builds an AuthStrategy that reads the x-api-key metadata
// key (or a value already extracted by the adapter from a query parameter
// or WS subprotocol, for transports that cannot set headers — §4.5).
func APIKeyStrategy(verify func(key string) (*raffel.Auth, error)) AuthStrategy {
	return func(ctx *raffel.Context, envelope *raffel.Envelope) (*raffel.Auth, error) {
		key := envelope.Meta(raffel.MetaAPIKey)
		if key == "" {
			return nil, nil
		}
		return verify(key)
	}
}

// CookieStrategy builds an AuthStrategy that reads a session token the
// adapter has already lifted into the given metadata key (adapters own
// cookie parsing; the core only sees metadata).
func CookieStrategy(metaKey string, verify func(session string) (*raffel.Auth, error)) AuthStrategy {
	return func(ctx *raffel.Context, envelope *raffel.Envelope) (*raffel.Auth, error) {
		session := envelope.Meta(metaKey)
		if session == "" {
			return nil, nil
		}
		return verify(session)
	}
}

// AuthConfig configures the Auth interceptor. Strategies are tried in order;
// the first to return a non-nil Auth wins.
type AuthConfig struct {
	Strategies []AuthStrategy

	// RequireAuth, when true, rejects unauthenticated calls to non-public
	// procedures with UNAUTHENTICATED instead of letting them through
	// anonymous.
	RequireAuth bool
}

// Auth attaches ctx.Auth() by trying each configured strategy in turn.
// Public procedures (as reported by isPublic) bypass the RequireAuth check
// entirely — credentials are still attached if presented, but their absence
// is not an error (§4.5 "Public procedures bypass").
func Auth(cfg AuthConfig, isPublic func(procedure string) bool) raffel.Interceptor {
	return func(ctx *raffel.Context, envelope *raffel.Envelope, next raffel.Next) (any, iter.Seq2[any, error], error) {
		var auth *raffel.Auth
		for _, strategy := range cfg.Strategies {
			a, err := strategy(ctx, envelope)
			if err != nil {
				return nil, nil, raffel.Errorf(raffel.CodeUnauthenticated, "%v", err)
			}
			if a != nil {
				auth = a
				break
			}
		}

		if auth == nil && cfg.RequireAuth && (isPublic == nil || !isPublic(envelope.Procedure)) {
			return nil, nil, raffel.NewError(raffel.CodeUnauthenticated, "authentication required")
		}

		if auth != nil {
			ctx.SetAuth(auth)
		}

		return next(ctx, envelope.Payload)
	}
}
