package testutil_test

import (
	"encoding/json"
	"iter"
	"net/http"
	"testing"

	"github.com/go-playground/validator/v10"

	"github.com/forattini-dev/raffel-sub005"
	httpadapter "github.com/forattini-dev/raffel-sub005/adapter/http"
	"github.com/forattini-dev/raffel-sub005/testutil"
)

// Example types for testing
type ExampleRequest struct {
	Name  string `json:"name" validate:"required"`
	Email string `json:"email" validate:"required,email"`
}

type ExampleResponse struct {
	Message string `json:"message"`
	ID      int    `json:"id"`
}

var exampleValidate = validator.New()

// decodePayload re-marshals the router's decoded any (a map[string]any for
// JSON object bodies) into a typed struct, the pattern every procedure
// handler in this package uses to get from envelope.Payload to its own
// request type.
func decodePayload(payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

// exampleHandler is a plain raffel.HandlerFunc: it decodes the payload, does
// its work, and returns a result with a nil stream (unary).
func exampleHandler(ctx *raffel.Context, payload any) (any, iter.Seq2[any, error], error) {
	var req ExampleRequest
	if err := decodePayload(payload, &req); err != nil {
		return nil, nil, raffel.Errorf(raffel.CodeParseError, "%v", err)
	}
	return &ExampleResponse{Message: "Hello, " + req.Name, ID: 123}, nil, nil
}

// validateExampleRequest is the handler's InputValidator: it runs before
// exampleHandler and maps struct-tag failures onto CodeValidationError via
// DefaultErrorTransformer (see router.go finalHandler).
func validateExampleRequest(payload any) error {
	var req ExampleRequest
	if err := decodePayload(payload, &req); err != nil {
		return err
	}
	return exampleValidate.Struct(req)
}

// whoamiHandler demonstrates reading adapter-populated metadata (the
// x-api-key header, in this case) from the Context rather than payload.
func whoamiHandler(ctx *raffel.Context, payload any) (any, iter.Seq2[any, error], error) {
	if ctx.Metadata(raffel.MetaAPIKey) != "secret" {
		return nil, nil, raffel.NewError(raffel.CodeUnauthenticated, "invalid api key")
	}
	return &ExampleResponse{Message: "authenticated"}, nil, nil
}

// newExampleAdapter wires a Registry+Router exposing the two handlers above
// behind the HTTP adapter, the setup every one of this file's tests shares.
func newExampleAdapter(t *testing.T) *httpadapter.Adapter {
	t.Helper()

	registry := raffel.NewRegistry()
	if err := registry.Register(&raffel.HandlerDef{
		Name:           "example.greet",
		Kind:           raffel.KindProcedure,
		Handler:        exampleHandler,
		InputValidator: validateExampleRequest,
		Public:         true,
	}); err != nil {
		t.Fatalf("register example.greet: %v", err)
	}
	if err := registry.Register(&raffel.HandlerDef{
		Name:    "example.whoami",
		Kind:    raffel.KindProcedure,
		Handler: whoamiHandler,
		Public:  true,
	}); err != nil {
		t.Fatalf("register example.whoami: %v", err)
	}

	router := raffel.NewRouter(registry)
	return httpadapter.New(router, httpadapter.Config{})
}

// TestExampleHandler_Success demonstrates the minimal request/response round
// trip through the HTTP adapter: POST /<procedure> with a JSON body in,
// {"result": ...} out.
func TestExampleHandler_Success(t *testing.T) {
	adapter := newExampleAdapter(t)

	req, w := testutil.NewRequest().
		POST("/example.greet").
		WithJSON(&ExampleRequest{Name: "Alice", Email: "alice@example.com"}).
		Build()

	adapter.ServeHTTP(w, req)

	testutil.AssertStatus(t, w, http.StatusOK)
	testutil.AssertJSONResponse(t, w, map[string]any{
		"result": &ExampleResponse{Message: "Hello, Alice", ID: 123},
	})
}

// TestExampleHandler_Validation demonstrates an InputValidator rejection
// surfacing as a VALIDATION_ERROR envelope.
func TestExampleHandler_Validation(t *testing.T) {
	adapter := newExampleAdapter(t)

	req, w := testutil.NewRequest().
		POST("/example.greet").
		WithJSON(&ExampleRequest{Name: "Alice", Email: "invalid-email"}).
		Build()

	adapter.ServeHTTP(w, req)

	testutil.AssertStatus(t, w, http.StatusBadRequest)
	errResp := testutil.AssertJSONError(t, w, string(raffel.CodeValidationError))

	if errResp.Message != "validation failed" {
		t.Errorf("expected validation error message, got %s", errResp.Message)
	}
}

// TestExampleHandler_CustomHeader demonstrates the x-api-key metadata path:
// the adapter lifts the X-Api-Key header into envelope metadata, and the
// handler reads it back via ctx.Metadata.
func TestExampleHandler_CustomHeader(t *testing.T) {
	adapter := newExampleAdapter(t)

	req, w := testutil.NewRequest().
		POST("/example.whoami").
		WithJSON(map[string]any{}).
		WithHeader("X-Api-Key", "secret").
		Build()

	adapter.ServeHTTP(w, req)

	testutil.AssertStatus(t, w, http.StatusOK)
}

// TestExampleHandler_CustomHeader_Unauthenticated shows the same handler
// rejecting a missing/incorrect key with UNAUTHENTICATED.
func TestExampleHandler_CustomHeader_Unauthenticated(t *testing.T) {
	adapter := newExampleAdapter(t)

	req, w := testutil.NewRequest().
		POST("/example.whoami").
		WithJSON(map[string]any{}).
		Build()

	adapter.ServeHTTP(w, req)

	testutil.AssertStatus(t, w, http.StatusUnauthorized)
	testutil.AssertJSONError(t, w, string(raffel.CodeUnauthenticated))
}

// ExampleRequestBuilder_comparison shows the before/after of driving the
// adapter directly with httptest vs. using the RequestBuilder helpers.
func ExampleRequestBuilder_comparison() {
	// BEFORE (manual setup - verbose):
	// body, _ := json.Marshal(&ExampleRequest{Name: "Alice", Email: "alice@example.com"})
	// req := httptest.NewRequest("POST", "/example.greet", bytes.NewReader(body))
	// req.Header.Set("Content-Type", "application/json")
	// w := httptest.NewRecorder()
	// adapter.ServeHTTP(w, req)

	// AFTER (using testutil - more concise):
	registry := raffel.NewRegistry()
	_ = registry.Register(&raffel.HandlerDef{Name: "example.greet", Kind: raffel.KindProcedure, Handler: exampleHandler, Public: true})
	adapter := httpadapter.New(raffel.NewRouter(registry), httpadapter.Config{})

	req, w := testutil.NewRequest().
		POST("/example.greet").
		WithJSON(&ExampleRequest{Name: "Alice", Email: "alice@example.com"}).
		Build()

	adapter.ServeHTTP(w, req)
	testutil.AssertStatus(nil, w, http.StatusOK)
}
