// Package apperrors defines the service-wide error taxonomy. Every failure a
// caller can act on carries a Code; the HTTP layer maps codes to statuses.
package apperrors

import (
	"errors"
	"fmt"
)

// Code classifies an error for callers.
type Code string

const (
	// ErrCodeNotFound means the referenced workflow, step or threshold does not exist.
	ErrCodeNotFound Code = "NOT_FOUND"
	// ErrCodeUnauthorized means the actor is not permitted to perform the operation.
	ErrCodeUnauthorized Code = "UNAUTHORIZED"
	// ErrCodeConflict means the entity is not in a status that permits the
	// requested transition (already decided, workflow already terminal, lost race).
	ErrCodeConflict Code = "CONFLICT"
	// ErrCodeInvalidInput means a mandatory field is missing or malformed.
	ErrCodeInvalidInput Code = "INVALID_INPUT"
	// ErrCodeConfigConflict means threshold configuration is inconsistent:
	// overlapping ranges, or mutation of an in-use threshold's shape.
	ErrCodeConfigConflict Code = "CONFIGURATION_CONFLICT"
	// ErrCodeInternal is an unexpected infrastructure failure.
	ErrCodeInternal Code = "INTERNAL"
)

// Error is the concrete error type carried across layers.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is lets errors.Is match on code equality.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// New creates an error with a code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an error with a code and formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates an underlying error with a code and message.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, cause: err}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *Error {
	return Newf(ErrCodeNotFound, "%s %s not found", resource, id)
}

// Unauthorized reports an actor not permitted to act.
func Unauthorized(message string) *Error {
	return New(ErrCodeUnauthorized, message)
}

// InvalidInput reports a missing or malformed field.
func InvalidInput(field, message string) *Error {
	return Newf(ErrCodeInvalidInput, "%s: %s", field, message)
}

// CodeOf extracts the Code from err, or ErrCodeInternal for unclassified errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
