package raffel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrorCode is a machine-readable, closed-set error kind. Every kind maps to
// a canonical numeric status used verbatim by the HTTP and gRPC adapters.
type ErrorCode string

const (
	CodeNotFound            ErrorCode = "NOT_FOUND"
	CodeInvalidArgument     ErrorCode = "INVALID_ARGUMENT"
	CodeValidationError     ErrorCode = "VALIDATION_ERROR"
	CodeOutputValidation    ErrorCode = "OUTPUT_VALIDATION_ERROR"
	CodeUnauthenticated     ErrorCode = "UNAUTHENTICATED"
	CodePermissionDenied    ErrorCode = "PERMISSION_DENIED"
	CodeAlreadyExists       ErrorCode = "ALREADY_EXISTS"
	CodeFailedPrecondition  ErrorCode = "FAILED_PRECONDITION"
	CodeUnprocessableEntity ErrorCode = "UNPROCESSABLE_ENTITY"
	CodeRateLimited         ErrorCode = "RATE_LIMITED"
	CodeResourceExhausted   ErrorCode = "RESOURCE_EXHAUSTED"
	CodeDeadlineExceeded    ErrorCode = "DEADLINE_EXCEEDED"
	CodeCancelled           ErrorCode = "CANCELLED"
	CodeUnimplemented       ErrorCode = "UNIMPLEMENTED"
	CodeUnavailable         ErrorCode = "UNAVAILABLE"
	CodeBadGateway          ErrorCode = "BAD_GATEWAY"
	CodeGatewayTimeout      ErrorCode = "GATEWAY_TIMEOUT"
	CodeDataLoss            ErrorCode = "DATA_LOSS"
	CodeInternal            ErrorCode = "INTERNAL_ERROR"
	CodeParseError          ErrorCode = "PARSE_ERROR"
	CodeInvalidEnvelope     ErrorCode = "INVALID_ENVELOPE"
)

// retryableCodes is the set of codes a client is expected to retry.
var retryableCodes = map[ErrorCode]bool{
	CodeUnavailable:       true,
	CodeResourceExhausted: true,
	CodeDeadlineExceeded:  true,
	CodeRateLimited:       true,
	CodeInternal:          true,
	CodeBadGateway:        true,
	CodeGatewayTimeout:    true,
}

// Retryable reports whether a client is expected to retry a failure with
// this code.
func Retryable(code ErrorCode) bool { return retryableCodes[code] }

// Error is the standard error envelope carried in `error` and `stream:error`
// envelopes, and the JSON error body for HTTP/JSON adapters.
type Error struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`

	// localDeadline marks a DEADLINE_EXCEEDED raised by this process, as
	// opposed to one relayed from a downstream peer; it changes the HTTP
	// status from 504 to 408.
	localDeadline bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError creates a new RPC error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a new RPC error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetails attaches structured details and returns the error for chaining.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// LocalDeadline marks a DEADLINE_EXCEEDED as having originated in this
// process rather than been relayed from a downstream call.
func (e *Error) LocalDeadline() *Error {
	e.localDeadline = true
	return e
}

// ErrorTransformer maps an application error to an RPC error. Returning nil
// defers to DefaultErrorTransformer.
type ErrorTransformer func(error) *Error

// DefaultErrorTransformer maps stdlib and validator errors onto the
// taxonomy; anything unrecognized becomes CodeInternal.
func DefaultErrorTransformer(err error) *Error {
	if err == nil {
		return nil
	}

	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(CodeDeadlineExceeded, "context deadline exceeded").LocalDeadline()
	}
	if errors.Is(err, context.Canceled) {
		return NewError(CodeCancelled, "context canceled")
	}

	var valErrs validator.ValidationErrors
	if errors.As(err, &valErrs) {
		details := make(map[string]any, len(valErrs))
		for _, ve := range valErrs {
			details[ve.Field()] = ve.Tag()
		}
		return &Error{Code: CodeValidationError, Message: "validation failed", Details: details}
	}

	// errors.Join-style multi-errors: map on the first, keep every message.
	if u, ok := err.(interface{ Unwrap() []error }); ok {
		if errs := u.Unwrap(); len(errs) > 0 {
			first := DefaultErrorTransformer(errs[0])
			msgs := make([]string, len(errs))
			for i, e := range errs {
				msgs[i] = e.Error()
			}
			return &Error{Code: first.Code, Message: strings.Join(msgs, "; "), Details: first.Details}
		}
	}

	return NewError(CodeInternal, err.Error())
}

// maskInternal replaces an internal error's wire message with a generic one.
// Callers keep the original error for their own logs; this only affects what
// crosses the adapter boundary.
func maskInternal(e *Error) *Error {
	if e == nil || e.Code != CodeInternal {
		return e
	}
	return &Error{Code: e.Code, Message: "internal server error"}
}

// statusTable is the canonical numeric status mapping from spec §4.1.
var statusTable = map[ErrorCode]int{
	CodeNotFound:            http.StatusNotFound,
	CodeInvalidArgument:     http.StatusBadRequest,
	CodeValidationError:     http.StatusBadRequest,
	CodeOutputValidation:    http.StatusInternalServerError,
	CodeUnauthenticated:     http.StatusUnauthorized,
	CodePermissionDenied:    http.StatusForbidden,
	CodeAlreadyExists:       http.StatusConflict,
	CodeFailedPrecondition:  http.StatusPreconditionFailed,
	CodeUnprocessableEntity: http.StatusUnprocessableEntity,
	CodeRateLimited:         http.StatusTooManyRequests,
	CodeResourceExhausted:   http.StatusTooManyRequests,
	CodeDeadlineExceeded:    http.StatusGatewayTimeout,
	CodeCancelled:           499,
	CodeUnimplemented:       http.StatusNotImplemented,
	CodeUnavailable:         http.StatusServiceUnavailable,
	CodeBadGateway:          http.StatusBadGateway,
	CodeGatewayTimeout:      http.StatusGatewayTimeout,
	CodeDataLoss:            http.StatusInternalServerError,
	CodeInternal:            http.StatusInternalServerError,
	CodeParseError:          http.StatusBadRequest,
	CodeInvalidEnvelope:     http.StatusBadRequest,
}

// HTTPStatusFromCode maps an ErrorCode to an HTTP status code. Unknown codes
// map to 500.
func HTTPStatusFromCode(code ErrorCode) int {
	if status, ok := statusTable[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// HTTPStatus returns the effective HTTP status for a full Error, honoring
// the local-deadline special case (408 instead of 504).
func (e *Error) HTTPStatus() int {
	if e.Code == CodeDeadlineExceeded && e.localDeadline {
		return http.StatusRequestTimeout
	}
	return HTTPStatusFromCode(e.Code)
}

// jsonRPCCodeTable maps each ErrorCode to a fixed JSON-RPC 2.0 numeric error
// code. Standard JSON-RPC reserves -32700..-32600; Raffel's application
// codes occupy the -32000..-32015 "server error" band, one fixed slot per
// taxonomy entry.
var jsonRPCCodeTable = map[ErrorCode]int{
	CodeParseError:          -32700,
	CodeInvalidEnvelope:     -32600,
	CodeUnimplemented:       -32601,
	CodeInvalidArgument:     -32602,
	CodeInternal:            -32603,
	CodeNotFound:            -32000,
	CodeValidationError:     -32001,
	CodeOutputValidation:    -32002,
	CodeUnauthenticated:     -32003,
	CodePermissionDenied:    -32004,
	CodeAlreadyExists:       -32005,
	CodeFailedPrecondition:  -32006,
	CodeUnprocessableEntity: -32007,
	CodeRateLimited:         -32008,
	CodeResourceExhausted:   -32009,
	CodeDeadlineExceeded:    -32010,
	CodeCancelled:           -32011,
	CodeUnavailable:         -32012,
	CodeBadGateway:          -32013,
	CodeGatewayTimeout:      -32014,
	CodeDataLoss:            -32015,
}

// JSONRPCCodeFromCode returns the fixed numeric JSON-RPC error code for an
// ErrorCode, or -32099 (reserved/unassigned server error) if unrecognized.
func JSONRPCCodeFromCode(code ErrorCode) int {
	if n, ok := jsonRPCCodeTable[code]; ok {
		return n
	}
	return -32099
}

// grpcCodeTable maps taxonomy codes onto google.golang.org/grpc/codes wire
// numbers. Expressed as plain ints (rather than importing codes.Code) so the
// core package stays free of the grpc dependency; only the grpc adapter
// needs the typed value.
var grpcCodeTable = map[ErrorCode]uint32{
	CodeNotFound:            5,  // NotFound
	CodeInvalidArgument:     3,  // InvalidArgument
	CodeValidationError:     3,  // InvalidArgument
	CodeOutputValidation:    13, // Internal
	CodeUnauthenticated:     16, // Unauthenticated
	CodePermissionDenied:    7,  // PermissionDenied
	CodeAlreadyExists:       6,  // AlreadyExists
	CodeFailedPrecondition:  9,  // FailedPrecondition
	CodeUnprocessableEntity: 3,  // InvalidArgument
	CodeRateLimited:         8,  // ResourceExhausted
	CodeResourceExhausted:   8,  // ResourceExhausted
	CodeDeadlineExceeded:    4,  // DeadlineExceeded
	CodeCancelled:           1,  // Cancelled
	CodeUnimplemented:       12, // Unimplemented
	CodeUnavailable:         14, // Unavailable
	CodeBadGateway:          14, // Unavailable
	CodeGatewayTimeout:      4,  // DeadlineExceeded
	CodeDataLoss:            15, // DataLoss
	CodeInternal:            13, // Internal
	CodeParseError:          3,  // InvalidArgument
	CodeInvalidEnvelope:     3,  // InvalidArgument
}

// GRPCCodeFromCode returns the numeric grpc/codes.Code value for an
// ErrorCode. The grpc adapter casts this to codes.Code.
func GRPCCodeFromCode(code ErrorCode) uint32 {
	if n, ok := grpcCodeTable[code]; ok {
		return n
	}
	return 13 // Internal
}
