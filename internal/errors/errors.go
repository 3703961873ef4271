// Package errors provides the coded error type used across the service.
// Every caller-facing failure carries a stable ErrorCode and a human-readable
// message; wrapped causes stay available for logging via Unwrap.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode is a stable classification of a failure.
type ErrorCode string

const (
	ErrCodeInvalidInput          ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound              ErrorCode = "NOT_FOUND"
	ErrCodeInvalidState          ErrorCode = "INVALID_STATE"
	ErrCodeUnauthorized          ErrorCode = "UNAUTHORIZED"
	ErrCodeNoApprovers           ErrorCode = "NO_APPROVERS"
	ErrCodeInsufficientApprovers ErrorCode = "INSUFFICIENT_APPROVERS"
	ErrCodeDependency            ErrorCode = "DEPENDENCY_FAILURE"
	ErrCodeConflict              ErrorCode = "CONFLICT"
	ErrCodeInternal              ErrorCode = "INTERNAL"
)

// Error is a coded error.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error carrying the same code, so callers can write
// errors.Is(err, errors.New(errors.ErrCodeNotFound, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New creates a coded error.
func New(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// NotFound reports a missing resource.
func NotFound(resource string, id any) *Error {
	return New(ErrCodeNotFound, fmt.Sprintf("%s %v not found", resource, id))
}

// InvalidInput reports a malformed request field.
func InvalidInput(field, message string) *Error {
	return New(ErrCodeInvalidInput, fmt.Sprintf("invalid %s: %s", field, message))
}

// InvalidState reports an operation not allowed in the current state.
func InvalidState(message string) *Error {
	return New(ErrCodeInvalidState, message)
}

// Unauthorized reports that the actor may not perform the operation.
func Unauthorized(message string) *Error {
	return New(ErrCodeUnauthorized, message)
}

// Conflict reports a concurrent modification. Callers may retry.
func Conflict(message string) *Error {
	return New(ErrCodeConflict, message)
}

// Code returns the code of the outermost *Error in the chain, or
// ErrCodeInternal when err carries none.
func Code(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err is classified with code.
func HasCode(err error, code ErrorCode) bool {
	return err != nil && Code(err) == code
}

// IsResolutionFailure reports whether err means no usable approver set
// could be built for a stage.
func IsResolutionFailure(err error) bool {
	c := Code(err)
	return c == ErrCodeNoApprovers || c == ErrCodeInsufficientApprovers
}

// IsRetriable reports whether the caller may retry the same request.
func IsRetriable(err error) bool {
	return Code(err) == ErrCodeConflict
}

// Message returns the caller-facing message without wrapped causes.
func Message(err error) string {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}

// HTTPStatus maps an error to the status code returned by the HTTP layer.
func HTTPStatus(err error) int {
	switch Code(err) {
	case ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeUnauthorized:
		return http.StatusForbidden
	case ErrCodeInvalidState, ErrCodeNoApprovers, ErrCodeInsufficientApprovers:
		return http.StatusUnprocessableEntity
	case ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeDependency:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
