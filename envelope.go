// Package raffel is a protocol-agnostic RPC runtime. A request reaches a
// handler through an Envelope regardless of which transport carried it;
// responses flow back through the same abstraction.
package raffel

// Type identifies the shape of an Envelope.
type Type string

const (
	TypeRequest     Type = "request"
	TypeResponse    Type = "response"
	TypeError       Type = "error"
	TypeEvent       Type = "event"
	TypeStreamStart Type = "stream:start"
	TypeStreamData  Type = "stream:data"
	TypeStreamEnd   Type = "stream:end"
	TypeStreamError Type = "stream:error"
)

// Reserved metadata keys, honored bidirectionally by the router and adapters.
const (
	MetaRequestID      = "x-request-id"
	MetaDeadline       = "x-deadline" // ms epoch
	MetaRateLimitLimit = "x-ratelimit-limit"
	MetaRateLimitRem   = "x-ratelimit-remaining"
	MetaRateLimitReset = "x-ratelimit-reset"
	MetaRetryAfter     = "retry-after"
	MetaTraceParent    = "traceparent"
	MetaTraceState     = "tracestate"
	MetaAPIKey         = "x-api-key"
	MetaAuthorization  = "authorization"
)

// Envelope is the universal in-memory and on-wire message. Payload is opaque
// to the router; it is validated only when a validator is registered for
// Procedure.
type Envelope struct {
	ID        string            `json:"id,omitempty"`
	Procedure string            `json:"procedure,omitempty"`
	Type      Type              `json:"type"`
	Payload   any               `json:"payload,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`

	// Ctx is the per-request Context this envelope is associated with. It is
	// never serialized onto the wire.
	Ctx *Context `json:"-"`
}

// ResponseID returns the correlation id used for a unary response to a
// request envelope with the given id: "<id>:response".
func ResponseID(requestID string) string {
	return requestID + ":response"
}

// NewRequest builds a request envelope.
func NewRequest(id, procedure string, payload any) *Envelope {
	return &Envelope{ID: id, Procedure: procedure, Type: TypeRequest, Payload: payload}
}

// NewEvent builds a fire-and-forget event envelope. Events yield no response.
func NewEvent(id, procedure string, payload any) *Envelope {
	return &Envelope{ID: id, Procedure: procedure, Type: TypeEvent, Payload: payload}
}

// WithMeta returns a shallow copy of metadata with key set, creating the map
// if necessary. Envelope.Metadata is treated as copy-on-write by callers that
// use this helper.
func (e *Envelope) WithMeta(key, value string) *Envelope {
	m := make(map[string]string, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		m[k] = v
	}
	m[key] = value
	e.Metadata = m
	return e
}

// Meta returns the value for key, or "" if absent.
func (e *Envelope) Meta(key string) string {
	if e.Metadata == nil {
		return ""
	}
	return e.Metadata[key]
}
