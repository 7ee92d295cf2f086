package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrUnauthorized    = "UNAUTHORIZED"
	ErrForbidden       = "FORBIDDEN"
	ErrNotFound        = "NOT_FOUND"
	ErrConflict        = "CONFLICT"
	ErrValidationError = "VALIDATION_ERROR"
	ErrInternalError   = "INTERNAL_ERROR"
)

// Engine error codes. Every one of them is recoverable by the caller; the
// engine never retries on its own.
const (
	ErrIllegalTransition = "ILLEGAL_TRANSITION"
	ErrStaleState        = "STALE_STATE"
	ErrStepUnauthorized  = "STEP_UNAUTHORIZED"
	ErrInstanceNotActive = "INSTANCE_NOT_ACTIVE"
	ErrInvalidArgument   = "INVALID_ARGUMENT"
	ErrUnavailable       = "UNAVAILABLE"
)

// ErrorEnvelope is the standard error returned by the engine and rendered by
// the HTTP layer. It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying infrastructure error, if any.
func (e *ErrorEnvelope) Unwrap() error {
	return e.cause
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// IsCode reports whether err is, or wraps, an ErrorEnvelope with the given code.
func IsCode(err error, code string) bool {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code == code
	}
	return false
}

// CodeOf returns the envelope code of err, or INTERNAL_ERROR for foreign errors.
func CodeOf(err error) string {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ErrInternalError
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error. It is used for failed
// authentication, not for step authorization.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewIllegalTransitionError returns an ILLEGAL_TRANSITION error.
func NewIllegalTransitionError(entityType string, from, to Status) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrIllegalTransition,
		Message: fmt.Sprintf("%s cannot move from %s to %s", entityType, from, to),
	}
}

// NewStaleStateError returns a STALE_STATE error. Callers should re-read the
// entity and retry.
func NewStaleStateError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrStaleState, Message: msg}
}

// NewStepUnauthorizedError returns a STEP_UNAUTHORIZED error.
func NewStepUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrStepUnauthorized, Message: msg}
}

// NewInstanceNotActiveError returns an INSTANCE_NOT_ACTIVE error.
func NewInstanceNotActiveError(instanceID string, status InstanceStatus) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInstanceNotActive,
		Message: fmt.Sprintf("workflow instance %q is %s", instanceID, status),
	}
}

// NewInvalidArgumentError returns an INVALID_ARGUMENT error for the named field.
func NewInvalidArgumentError(field, msg string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInvalidArgument,
		Message: msg,
		Details: []FieldError{{Field: field, Code: "INVALID", Message: msg}},
	}
}

// NewUnavailableError returns an UNAVAILABLE error wrapping an infrastructure
// failure. The cause stays reachable through errors.Is and errors.As.
func NewUnavailableError(cause error) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrUnavailable,
		Message: "The store is temporarily unavailable",
		cause:   cause,
	}
}
