// Package errors provides standardized error handling for the ERI gateway.
// Every failure that crosses a package boundary is an *Error carrying an ErrorCode,
// so the HTTP layer and the return lifecycle can branch on the kind of failure.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a standardized error code for the ERI gateway.
type ErrorCode string

const (
	// Request errors
	ERI_VALIDATION  ErrorCode = "ERI_VALIDATION"  // General validation error
	ERI_BAD_REQUEST ErrorCode = "ERI_BAD_REQUEST" // Malformed request

	// Authentication/Authorization errors
	ERI_AUTHN       ErrorCode = "ERI_AUTHN"       // Authentication failed
	ERI_AUTHZ       ErrorCode = "ERI_AUTHZ"       // Authorization failed
	ERI_JWT_INVALID ErrorCode = "ERI_JWT_INVALID" // Invalid JWT
	ERI_JWT_EXPIRED ErrorCode = "ERI_JWT_EXPIRED" // Expired JWT

	// Resource errors
	ERI_NOT_FOUND ErrorCode = "ERI_NOT_FOUND" // Resource not found
	ERI_CONFLICT  ErrorCode = "ERI_CONFLICT"  // Resource conflict

	// Protocol and lifecycle errors
	ERI_SIGNING       ErrorCode = "ERI_SIGNING"       // Key material missing, malformed or backend unreachable
	ERI_ENVELOPE      ErrorCode = "ERI_ENVELOPE"      // Malformed authority response shape
	ERI_TRANSPORT     ErrorCode = "ERI_TRANSPORT"     // Network, timeout or non-2xx from the authority
	ERI_INVALID_STATE ErrorCode = "ERI_INVALID_STATE" // Lifecycle transition from an illegal status
	ERI_CRYPTO        ErrorCode = "ERI_CRYPTO"        // PII envelope decryption failure
	ERI_CONFIGURATION ErrorCode = "ERI_CONFIGURATION" // Missing or invalid startup configuration

	// Server errors
	ERI_INTERNAL        ErrorCode = "ERI_INTERNAL"        // Internal server error
	ERI_UNAVAILABLE     ErrorCode = "ERI_UNAVAILABLE"     // Service unavailable
	ERI_NOT_IMPLEMENTED ErrorCode = "ERI_NOT_IMPLEMENTED" // Not implemented
)

// Error represents a standardized error response.
type Error struct {
	Code          ErrorCode   `json:"code"`
	Message       string      `json:"message"`
	CorrelationID string      `json:"correlationId"`
	Details       interface{} `json:"details,omitempty"`
	HTTPStatus    int         `json:"-"`
	Cause         error       `json:"-"` // Underlying error, never serialized
}

// New creates a new Error with the specified code and message.
func New(code ErrorCode, message string, correlationID string) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// NewWithDetails creates a new Error with the specified code, message, and details.
func NewWithDetails(code ErrorCode, message string, correlationID string, details interface{}) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		Details:       details,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// Wrap creates a new Error that keeps cause reachable through errors.Unwrap.
func Wrap(code ErrorCode, message string, cause error) *Error {
	e := New(code, message, "")
	e.Cause = cause
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Details != nil {
		msg = fmt.Sprintf("%s (details: %v)", msg, e.Details)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same code.
// It lets callers write errors.Is(err, errordefs.New(errordefs.ERI_CRYPTO, "", "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithCorrelationID returns a copy of e stamped with the request correlation ID.
func (e *Error) WithCorrelationID(correlationID string) *Error {
	cp := *e
	cp.CorrelationID = correlationID
	return &cp
}

// CodeOf extracts the ErrorCode from any error chain, or ERI_INTERNAL.
func CodeOf(err error) ErrorCode {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ERI_INTERNAL
}

// As extracts the *Error from an error chain.
func As(err error) (*Error, bool) {
	var e *Error
	ok := stderrors.As(err, &e)
	return e, ok
}

// httpStatusCodeForCode maps error codes to HTTP status codes.
func httpStatusCodeForCode(code ErrorCode) int {
	switch code {
	case ERI_VALIDATION, ERI_BAD_REQUEST:
		return http.StatusBadRequest
	case ERI_AUTHZ:
		return http.StatusForbidden
	case ERI_AUTHN, ERI_JWT_INVALID, ERI_JWT_EXPIRED:
		return http.StatusUnauthorized
	case ERI_NOT_FOUND:
		return http.StatusNotFound
	case ERI_CONFLICT, ERI_INVALID_STATE:
		return http.StatusConflict
	case ERI_ENVELOPE, ERI_TRANSPORT:
		return http.StatusBadGateway
	case ERI_UNAVAILABLE:
		return http.StatusServiceUnavailable
	case ERI_NOT_IMPLEMENTED:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}
