// Package testutil provides testing helpers for HTTP handlers and Raffel RPC
// handlers/adapters. It is designed to be import-cycle safe (it does not
// import the root raffel package) so adapter packages can depend on it
// freely.
package testutil

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// RequestBuilder helps construct test HTTP requests with fluent API.
type RequestBuilder struct {
	method       string
	path         string
	body         []byte
	headers      map[string]string
	queryParams  map[string]string
	service      string
	rpcMethod    string
	contextSetup ContextSetupFunc
}

// NewRequest creates a new request builder.
// Optionally accepts a ContextSetupFunc to configure the request context.
func NewRequest(contextSetup ...ContextSetupFunc) *RequestBuilder {
	var setup ContextSetupFunc
	if len(contextSetup) > 0 {
		setup = contextSetup[0]
	}
	return &RequestBuilder{
		method:       "GET",
		path:         "/",
		headers:      make(map[string]string),
		queryParams:  make(map[string]string),
		service:      "TestService",
		rpcMethod:    "TestMethod",
		contextSetup: setup,
	}
}

// GET sets the HTTP method to GET.
func (b *RequestBuilder) GET(path string) *RequestBuilder {
	b.method = "GET"
	b.path = path
	return b
}

// POST sets the HTTP method to POST.
func (b *RequestBuilder) POST(path string) *RequestBuilder {
	b.method = "POST"
	b.path = path
	return b
}

// WithJSON sets the request body as JSON.
func (b *RequestBuilder) WithJSON(v any) *RequestBuilder {
	data, _ := json.Marshal(v)
	b.body = data
	b.headers["Content-Type"] = "application/json"
	return b
}

// WithBody sets the raw request body.
func (b *RequestBuilder) WithBody(body string) *RequestBuilder {
	b.body = []byte(body)
	return b
}

// WithHeader adds a header to the request.
func (b *RequestBuilder) WithHeader(key, value string) *RequestBuilder {
	b.headers[key] = value
	return b
}

// WithQuery adds a query parameter.
func (b *RequestBuilder) WithQuery(key, value string) *RequestBuilder {
	b.queryParams[key] = value
	return b
}

// WithRPCInfo sets the service and method for RPC context.
func (b *RequestBuilder) WithRPCInfo(service, method string) *RequestBuilder {
	b.service = service
	b.rpcMethod = method
	return b
}

// ContextSetupFunc is a function that sets up the request context.
// It receives the current context, response writer, and request, and returns a new context.
type ContextSetupFunc func(ctx context.Context, w http.ResponseWriter, r *http.Request, service, method string) context.Context

// Build creates the HTTP request and ResponseRecorder.
// Uses the contextSetup provided to NewRequest().
func (b *RequestBuilder) Build() (*http.Request, *httptest.ResponseRecorder) {
	path := b.path
	if len(b.queryParams) > 0 {
		params := []string{}
		for k, v := range b.queryParams {
			params = append(params, k+"="+v)
		}
		path += "?" + strings.Join(params, "&")
	}

	var bodyReader *bytes.Reader
	if len(b.body) > 0 {
		bodyReader = bytes.NewReader(b.body)
	}

	var req *http.Request
	if bodyReader != nil {
		req = httptest.NewRequest(b.method, path, bodyReader)
	} else {
		req = httptest.NewRequest(b.method, path, nil)
	}

	for k, v := range b.headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()

	// Set up RPC context if provided
	if b.contextSetup != nil {
		ctx := b.contextSetup(req.Context(), w, req, b.service, b.rpcMethod)
		req = req.WithContext(ctx)
	}

	return req, w
}

// AssertStatus checks that the response has the expected status code.
func AssertStatus(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int) {
	t.Helper()
	if w.Code != expectedStatus {
		t.Errorf("expected status %d, got %d\nBody: %s", expectedStatus, w.Code, w.Body.String())
	}
}

// AssertJSONResponse decodes the response body and compares it with expected value.
func AssertJSONResponse(t *testing.T, w *httptest.ResponseRecorder, expected any) {
	t.Helper()

	contentType := w.Header().Get("Content-Type")
	if !strings.Contains(contentType, "application/json") {
		t.Errorf("expected Content-Type to contain application/json, got %s", contentType)
	}

	// Use reflection to create the same type as expected
	expectedJSON, _ := json.Marshal(expected)
	actualJSON := w.Body.Bytes()

	// Compare as JSON to ignore formatting differences
	var expectedData, actualData any
	json.Unmarshal(expectedJSON, &expectedData)
	json.Unmarshal(actualJSON, &actualData)

	expectedStr, _ := json.MarshalIndent(expectedData, "", "  ")
	actualStr, _ := json.MarshalIndent(actualData, "", "  ")

	if string(expectedStr) != string(actualStr) {
		t.Errorf("response mismatch:\nExpected:\n%s\nActual:\n%s", expectedStr, actualStr)
	}
}

// ErrorResponse represents a generic error response with code and message.
type ErrorResponse struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// AssertJSONError checks that the response contains an error with the
// expected code, decoding the `{"error": {...}}` envelope the HTTP adapter
// writes (adapter/http.writeError).
func AssertJSONError(t *testing.T, w *httptest.ResponseRecorder, expectedCode string) *ErrorResponse {
	t.Helper()

	var wrapper struct {
		Error ErrorResponse `json:"error"`
	}
	if err := json.NewDecoder(w.Body).Decode(&wrapper); err != nil {
		t.Fatalf("failed to decode error response: %v\nBody: %s", err, w.Body.String())
	}

	errResp := wrapper.Error
	if errResp.Code != expectedCode {
		t.Errorf("expected error code %s, got %s (message: %s)", expectedCode, errResp.Code, errResp.Message)
	}

	return &errResp
}

// AssertHeader checks that a response header has the expected value.
func AssertHeader(t *testing.T, w *httptest.ResponseRecorder, key, expectedValue string) {
	t.Helper()
	actual := w.Header().Get(key)
	if actual != expectedValue {
		t.Errorf("expected header %s=%s, got %s", key, expectedValue, actual)
	}
}

// DecodeJSON decodes the response body into the provided value.
func DecodeJSON(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response: %v\nBody: %s", err, w.Body.String())
	}
}

// BuildTCPFrame encodes an envelope using the wire format from §6 ("TCP wire
// format"): a 4-byte big-endian length prefix followed by the UTF-8 JSON
// envelope.
func BuildTCPFrame(t *testing.T, envelope any) []byte {
	t.Helper()
	body, err := json.Marshal(envelope)
	if err != nil {
		t.Fatalf("failed to marshal envelope: %v", err)
	}
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	copy(frame[4:], body)
	return frame
}

// ReadTCPFrame reads one length-prefixed frame from r and decodes its JSON
// body into v. It fails the test on a short read or malformed length prefix.
func ReadTCPFrame(t *testing.T, r io.Reader, v any) {
	t.Helper()
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		t.Fatalf("failed to read frame header: %v", err)
	}
	n := binary.BigEndian.Uint32(header[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		t.Fatalf("failed to read frame body (%d bytes): %v", n, err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		t.Fatalf("failed to unmarshal frame body: %v\nBody: %s", err, body)
	}
}

// WSControlMessage mirrors the client-originated WebSocket control envelope
// shape from §6 ("WebSocket control messages").
type WSControlMessage struct {
	ID        string            `json:"id,omitempty"`
	Type      string            `json:"type"`
	Channel   string            `json:"channel,omitempty"`
	Event     string            `json:"event,omitempty"`
	Data      any               `json:"data,omitempty"`
	Procedure string            `json:"procedure,omitempty"`
	Payload   any               `json:"payload,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Subscribe builds a {type:"subscribe", channel} control message.
func Subscribe(channel string) WSControlMessage {
	return WSControlMessage{Type: "subscribe", Channel: channel}
}

// Unsubscribe builds a {type:"unsubscribe", channel} control message.
func Unsubscribe(channel string) WSControlMessage {
	return WSControlMessage{Type: "unsubscribe", Channel: channel}
}

// Publish builds a {type:"publish", channel, event, data} control message.
func Publish(channel, event string, data any) WSControlMessage {
	return WSControlMessage{Type: "publish", Channel: channel, Event: event, Data: data}
}

// StreamEnvelope is the minimal shape tests need to assert against a
// router-emitted stream sequence, independent of any adapter's wire framing.
type StreamEnvelope struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// AssertStreamSequence checks the testable-property-2 regex
// `start (data)* (end | error)`: exactly one stream:start, any number of
// stream:data, then exactly one stream:end or stream:error.
func AssertStreamSequence(t *testing.T, envelopes []StreamEnvelope) {
	t.Helper()
	if len(envelopes) < 2 {
		t.Fatalf("expected at least start+terminator, got %d envelopes", len(envelopes))
	}
	if envelopes[0].Type != "stream:start" {
		t.Errorf("expected first envelope to be stream:start, got %s", envelopes[0].Type)
	}
	last := envelopes[len(envelopes)-1]
	if last.Type != "stream:end" && last.Type != "stream:error" {
		t.Errorf("expected last envelope to be stream:end or stream:error, got %s", last.Type)
	}
	for _, e := range envelopes[1 : len(envelopes)-1] {
		if e.Type != "stream:data" {
			t.Errorf("expected only stream:data between start and terminator, got %s", e.Type)
		}
	}
}

// FrameConn is the minimal connection surface BuildTCPFrame/ReadTCPFrame
// tests drive: a place to write request frames and read response frames.
type FrameConn struct {
	io.Reader
	io.Writer
}

// WriteEnvelope is a convenience wrapper combining BuildTCPFrame and a write.
func WriteEnvelope(t *testing.T, w io.Writer, envelope any) {
	t.Helper()
	if _, err := w.Write(BuildTCPFrame(t, envelope)); err != nil {
		t.Fatalf("failed to write frame: %v", err)
	}
}

// WSMessageString renders a WSControlMessage as the JSON text frame a real
// WebSocket client would send.
func WSMessageString(t *testing.T, msg WSControlMessage) string {
	t.Helper()
	body, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("failed to marshal control message: %v", err)
	}
	return string(body)
}
