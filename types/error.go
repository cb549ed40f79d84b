package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the measurement plane.
type ErrorCode string

// Message and identity error codes
const (
	ErrMissingField   ErrorCode = "MISSING_FIELD"
	ErrScheduleFormat ErrorCode = "SCHEDULE_FORMAT"
	ErrDecode         ErrorCode = "DECODE"
	ErrAmbiguousKind  ErrorCode = "AMBIGUOUS_KIND"
)

// Controller error codes
const (
	ErrValidation         ErrorCode = "VALIDATION"
	ErrInvalidMeasurement ErrorCode = "INVALID_MEASUREMENT"
	ErrTimeout            ErrorCode = "TIMEOUT"
)

// Agent error codes
const (
	ErrUnknownCapability  ErrorCode = "UNKNOWN_CAPABILITY"
	ErrUnknownMeasurement ErrorCode = "UNKNOWN_MEASUREMENT"
	ErrNoCapabilities     ErrorCode = "NO_CAPABILITIES"
	ErrTaskFailed         ErrorCode = "TASK_FAILED"
)

// Infrastructure error codes
const (
	ErrTransport ErrorCode = "TRANSPORT"
	ErrStorage   ErrorCode = "STORAGE"
	ErrConfig    ErrorCode = "CONFIG"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Field   string    `json:"field,omitempty"`
	Cause   error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = fmt.Sprintf("%s (field %q)", msg, e.Field)
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, msg, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithField records the message field the error is about.
func (e *Error) WithField(field string) *Error {
	e.Field = field
	return e
}

// MissingField builds the error returned when a required message field is absent.
func MissingField(field string) *Error {
	return NewError(ErrMissingField, "missing required field").WithField(field)
}

// GetErrorCode extracts the error code from an error, looking through wrapping.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is reports whether any error in err's chain is an *Error with the given code.
func Is(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
