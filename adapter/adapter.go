// Package adapter defines the transport-agnostic contract every protocol
// binding (HTTP, SSE, WebSocket, TCP, UDP, gRPC, JSON-RPC, GraphQL)
// implements on top of a *raffel.Router (§4.7).
package adapter

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/schema"

	"github.com/forattini-dev/raffel-sub005"
)

// queryDecoder binds a request's query string onto a tagged struct, the
// same `schema:"..."` struct-tag style the teacher used for its GET
// handlers' query parameters, repurposed here for adapter-level query
// overrides (request id, deadline hints) since payload itself stays a
// protocol-agnostic `any` rather than a per-handler typed struct.
var queryDecoder = schema.NewDecoder()

func init() {
	queryDecoder.IgnoreUnknownKeys(true)
}

// DecodeQuery binds values onto dst using `schema` struct tags.
func DecodeQuery(values url.Values, dst any) error {
	return queryDecoder.Decode(dst, values)
}

// Lifecycle is the idempotent start/stop contract every adapter satisfies
// (§4.7 step 7). Stop must drain in-flight work within grace and then force
// close.
type Lifecycle interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context, grace time.Duration) error
}

// DeadlineSource extracts a transport-native deadline signal (gRPC
// deadline, an HTTP x-deadline metadata value, ...), returning (zero, false)
// when the transport carried none (§4.7 step 2).
type DeadlineSource func() (time.Time, bool)

// NewRequestContext allocates a *raffel.Context for one inbound request,
// honoring an already-present x-request-id, deriving the effective deadline
// from the transport's DeadlineSource, and deriving cancellation from
// parent — which adapters cancel when the transport's own close/abort
// signal fires (§4.7 step 2, step 6).
func NewRequestContext(parent context.Context, procedure string, metadata map[string]string, deadline DeadlineSource) *raffel.Context {
	requestID := ""
	if metadata != nil {
		requestID = metadata[raffel.MetaRequestID]
	}
	ctx := raffel.NewContext(parent, requestID, procedure, metadata)
	if deadline != nil {
		if d, ok := deadline(); ok {
			ctx.SetDeadline(d)
		}
	}
	return ctx
}

// DeadlineFromMetadata builds a DeadlineSource that parses the x-deadline
// metadata value — milliseconds since epoch, relayed verbatim from a client
// header or query override — into a time.Time (§4.7 step 2). It reports
// false when the metadata key is absent or not a valid integer, leaving the
// request with no deadline rather than an arbitrary one.
func DeadlineFromMetadata(metadata map[string]string) DeadlineSource {
	return func() (time.Time, bool) {
		raw, ok := metadata[raffel.MetaDeadline]
		if !ok || raw == "" {
			return time.Time{}, false
		}
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		return time.UnixMilli(ms), true
	}
}

// MaxBodySize is the default hard ceiling (§4.7 "HTTP unary ... supported
// body size has a hard ceiling") adapters apply to an inbound unary body
// absent an explicit override: 4 MiB, generous for RPC payloads while
// bounding worst-case memory per request.
const MaxBodySize = 4 << 20

// MaxFrameSize is the default hard ceiling on one TCP-framed envelope,
// matching MaxBodySize; frames over this size are a DATA_LOSS connection
// error (§4.7 "TCP").
const MaxFrameSize = MaxBodySize

// ParseError wraps a transport ingress failure (malformed bytes, missing
// procedure) into the fixed taxonomy codes §4.7 step 1 requires.
func ParseError(err error) *raffel.Error {
	return raffel.Errorf(raffel.CodeParseError, "failed to parse envelope: %v", err)
}

// InvalidEnvelope reports a structurally invalid envelope (missing
// procedure, unrecognized type) per §4.7 step 1 / §8 boundary behaviour.
func InvalidEnvelope(reason string) *raffel.Error {
	return raffel.Errorf(raffel.CodeInvalidEnvelope, "invalid envelope: %s", reason)
}
