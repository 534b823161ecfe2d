// Package grpc implements a generic gRPC adapter (§4.7 "gRPC"): unary,
// server-stream, client-stream, and bidi all map 1:1 onto envelope types,
// with status codes from the §4.1 taxonomy.
//
// Unlike the other adapters, gRPC requires a compiled service descriptor
// per API (protoc-generated stubs), which is outside this package's scope
// (schema/codegen is a Non-goal, per spec.md). Instead this adapter exposes
// a single reflection-friendly generic streaming RPC, GenericCall, that any
// grpc.Server can register a service around once a .proto is authored for
// the deployment; it is the seam every stub's generated handler delegates
// into.
package grpc

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/forattini-dev/raffel-sub005"
	"github.com/forattini-dev/raffel-sub005/adapter"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Stream is the minimal bidi-stream surface GenericCall needs; both
// grpc.ServerStream-derived stubs and hand-rolled test doubles satisfy it.
type Stream interface {
	Context() context.Context
	RecvMsg(m any) error
	SendMsg(m any) error
}

// wireEnvelope is the JSON-over-bytes representation GenericCall exchanges
// with the client, carried inside whatever protobuf message type the
// .proto defines (typically a single `bytes envelope` field).
type wireEnvelope struct {
	Bytes []byte
}

// Adapter drives the router from a generic gRPC stream.
type Adapter struct {
	router *raffel.Router
}

// New creates a gRPC Adapter dispatching against router.
func New(router *raffel.Router) *Adapter {
	return &Adapter{router: router}
}

// GenericCall implements all four gRPC shapes uniformly: it reads envelopes
// from the stream until EOF (client half-close), dispatching each through
// the router, and writes back whatever the router produces. Direction is
// carried by the handler's own Direction field — a unary/server-stream
// handler naturally produces one/many responses regardless of how many
// requests the client happened to send before half-closing.
func (a *Adapter) GenericCall(stream Stream) error {
	ctx := stream.Context()

	for {
		var in wireEnvelope
		if err := stream.RecvMsg(&in); err != nil {
			if err == io.EOF {
				return nil
			}
			return status.Error(codes.Internal, err.Error())
		}

		var envelope raffel.Envelope
		if err := json.Unmarshal(in.Bytes, &envelope); err != nil {
			return grpcError(adapter.ParseError(err))
		}
		if envelope.Procedure == "" {
			return grpcError(adapter.InvalidEnvelope("missing procedure"))
		}

		reqCtx := adapter.NewRequestContext(ctx, envelope.Procedure, envelope.Metadata, deadlineFrom(ctx))
		envelope.Ctx = reqCtx

		result := a.router.Handle(reqCtx, &envelope)

		if result.Stream != nil {
			for env, err := range result.Stream {
				if err != nil {
					return grpcError(raffel.DefaultErrorTransformer(err))
				}
				if env.Type == raffel.TypeStreamError {
					rpcErr, _ := env.Payload.(*raffel.Error)
					return grpcError(rpcErr)
				}
				if sendErr := sendEnvelope(stream, env); sendErr != nil {
					reqCtx.Abort(raffel.NewError(raffel.CodeCancelled, "client stream closed"))
					return sendErr
				}
			}
			continue
		}

		if result.Envelope == nil {
			continue // event: no response frame
		}
		if result.Envelope.Type == raffel.TypeError {
			rpcErr, _ := result.Envelope.Payload.(*raffel.Error)
			return grpcError(rpcErr)
		}
		if err := sendEnvelope(stream, result.Envelope); err != nil {
			return err
		}
	}
}

func sendEnvelope(stream Stream, env *raffel.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	return stream.SendMsg(&wireEnvelope{Bytes: body})
}

func grpcError(e *raffel.Error) error {
	if e == nil {
		e = raffel.NewError(raffel.CodeInternal, "unknown error")
	}
	return status.Error(codes.Code(raffel.GRPCCodeFromCode(e.Code)), e.Message)
}

func deadlineFrom(ctx context.Context) adapter.DeadlineSource {
	return func() (time.Time, bool) {
		return ctx.Deadline()
	}
}
