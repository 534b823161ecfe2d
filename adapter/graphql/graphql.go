// Package graphql implements a GraphQL-over-HTTP adapter (§1 scope: wire
// protocol only). Schema generation from the Registry is an explicit
// Non-goal, so callers author a graph-gophers/graphql-go schema by hand and
// wire its resolvers to call Invoke for the procedures they want to expose
// as fields; this package supplies the HTTP transport and the resolver
// helper, not the schema.
package graphql

import (
	"encoding/json"
	"net/http"

	graphql "github.com/graph-gophers/graphql-go"
	"github.com/graph-gophers/graphql-go/relay"

	"github.com/forattini-dev/raffel-sub005"
	"github.com/forattini-dev/raffel-sub005/adapter"
)

// Adapter serves a hand-authored *graphql.Schema over HTTP using
// graph-gophers' relay handler, the standard way that library exposes
// POST /graphql (query/variables/operationName in, {data, errors} out).
type Adapter struct {
	handler http.Handler
}

// New wraps schema in graph-gophers' relay.Handler.
func New(schema *graphql.Schema) *Adapter {
	return &Adapter{handler: &relay.Handler{Schema: schema}}
}

// ServeHTTP delegates to the underlying graphql-go relay handler, bounding
// the request body to the same ceiling the other adapters apply (§4.7
// "supported body size has a hard ceiling").
func (a *Adapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, adapter.MaxBodySize)
	a.handler.ServeHTTP(w, r)
}

// Invoke is the resolver-side helper: it dispatches procedure through
// router as a unary call and returns its result (or the mapped GraphQL
// error), letting a schema's resolver method be a one-line call into
// Raffel instead of duplicating router logic per field.
func Invoke(ctx *raffel.Context, router *raffel.Router, procedure string, payload any) (any, error) {
	envelope := raffel.NewRequest(ctx.RequestID(), procedure, payload)
	envelope.Ctx = ctx

	result := router.Handle(ctx, envelope)
	if result.Envelope == nil {
		return nil, nil
	}
	if result.Envelope.Type == raffel.TypeError {
		rpcErr, _ := result.Envelope.Payload.(*raffel.Error)
		if rpcErr == nil {
			rpcErr = raffel.NewError(raffel.CodeInternal, "unknown error")
		}
		return nil, rpcErr
	}
	return result.Envelope.Payload, nil
}

// DecodeVariables is a convenience helper for resolvers that receive raw
// GraphQL input objects (json.RawMessage/map[string]any) and need a typed
// payload to hand Invoke.
func DecodeVariables(raw []byte, out any) error {
	return json.Unmarshal(raw, out)
}

// AdapterError maps a Raffel error onto the taxonomy shared across
// adapters, for resolvers that want to return a consistent shape instead of
// *raffel.Error directly.
func AdapterError(err error) *raffel.Error {
	return raffel.DefaultErrorTransformer(err)
}
