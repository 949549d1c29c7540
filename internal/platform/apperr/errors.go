// Package apperr provides the unified error taxonomy shared by every component.
//
// Internal engines (pipeline, authz) never let a Go error cross their public
// boundary as a panic or raw error — they convert to verdicts. Boundary
// handlers (HTTP endpoints, the webhook queue consumer) translate a Kind into
// a stable wire error code and HTTP status.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the error kinds named in the error handling design.
type Kind string

const (
	KindUnauthenticated     Kind = "unauthenticated"
	KindForbidden           Kind = "forbidden"
	KindInvalidRequest      Kind = "invalid_request"
	KindNotFound            Kind = "not_found"
	KindConflict            Kind = "conflict"
	KindPolicyDenied        Kind = "policy_denied"
	KindPolicyTimeout       Kind = "policy_timeout"
	KindPolicyError         Kind = "policy_error"
	KindSandboxUnavailable  Kind = "sandbox_unavailable"
	KindStorageError        Kind = "storage_error"
	KindSignatureInvalid    Kind = "signature_invalid"
	KindIdempotencyDuplicate Kind = "idempotency_duplicate"
	KindIntegrationError    Kind = "integration_error"
	KindInternal            Kind = "internal_error"
)

// httpStatus maps each Kind to the status code a boundary handler should use.
var httpStatus = map[Kind]int{
	KindUnauthenticated:      http.StatusUnauthorized,
	KindForbidden:            http.StatusForbidden,
	KindInvalidRequest:       http.StatusBadRequest,
	KindNotFound:             http.StatusNotFound,
	KindConflict:             http.StatusConflict,
	KindPolicyDenied:         http.StatusForbidden,
	KindPolicyTimeout:        http.StatusGatewayTimeout,
	KindPolicyError:          http.StatusInternalServerError,
	KindSandboxUnavailable:   http.StatusServiceUnavailable,
	KindStorageError:         http.StatusInternalServerError,
	KindSignatureInvalid:     http.StatusUnauthorized,
	KindIdempotencyDuplicate: http.StatusOK,
	KindIntegrationError:     http.StatusBadGateway,
	KindInternal:             http.StatusInternalServerError,
}

// HTTPStatus returns the status code a boundary handler should respond with
// for kind directly, without needing to wrap it in an Error first.
func (k Kind) HTTPStatus() int {
	if s, ok := httpStatus[k]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Error is a structured, wrapped error carrying a stable Kind.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus returns the status code a boundary handler should respond with.
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatus[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// WithDetails attaches a detail key/value pair and returns the receiver.
func (e *Error) WithDetails(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New builds an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind around an underlying error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, defaulting to KindInternal for unrecognized errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
