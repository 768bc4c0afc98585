// Package errors provides the coded error type shared by the engine and the API
package errors

// Import as perr to avoid shadowing the standard library

import (
	stderrs "errors"
	"fmt"
	"net/http"
)

// ErrorCode classifies failures; values are part of the JSON wire format
type ErrorCode uint16

const (
	// ErrorCodeUnknown is for unclassified errors
	ErrorCodeUnknown ErrorCode = iota

	// ErrorCodeInvalidArgument is for malformed parameters (bad kind, bad day)
	ErrorCodeInvalidArgument

	// ErrorCodeValidation is for missing or bad payloads
	ErrorCodeValidation

	// ErrorCodeNotFound is for missing accounts or targets
	ErrorCodeNotFound

	// ErrorCodeWindowViolation is for toggles attempted inside a locked window
	ErrorCodeWindowViolation

	// ErrorCodeQuotaExhausted is for items refused because the daily budget is spent
	ErrorCodeQuotaExhausted

	// ErrorCodeNoEligibleTargets is for batches whose filter removed every target
	ErrorCodeNoEligibleTargets

	// ErrorCodeExecutorFailure is for a failed platform call; the field carries its class
	ErrorCodeExecutorFailure

	// ErrorCodeModeConflict is for manual/auto runs that would overlap
	ErrorCodeModeConflict

	// ErrorCodeDB is for storage failures
	ErrorCodeDB
)

var codeNames = map[ErrorCode]string{
	ErrorCodeUnknown:           "unknown",
	ErrorCodeInvalidArgument:   "invalid_argument",
	ErrorCodeValidation:        "validation",
	ErrorCodeNotFound:          "not_found",
	ErrorCodeWindowViolation:   "window_violation",
	ErrorCodeQuotaExhausted:    "quota_exhausted",
	ErrorCodeNoEligibleTargets: "no_eligible_targets",
	ErrorCodeExecutorFailure:   "executor_failure",
	ErrorCodeModeConflict:      "mode_conflict",
	ErrorCodeDB:                "db",
}

// String returns the snake_case name of the code
func (c ErrorCode) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return "unknown"
}

// HTTPStatusCode turns an ErrorCode into an http status code
func HTTPStatusCode(c ErrorCode) int {
	switch c {
	case ErrorCodeNotFound:
		return http.StatusNotFound
	case ErrorCodeInvalidArgument, ErrorCodeValidation:
		return http.StatusBadRequest
	case ErrorCodeWindowViolation, ErrorCodeModeConflict:
		return http.StatusConflict
	case ErrorCodeNoEligibleTargets:
		return http.StatusUnprocessableEntity
	case ErrorCodeQuotaExhausted:
		return http.StatusTooManyRequests
	case ErrorCodeExecutorFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error is the structured error type
// field names the offending input for validation errors and the failure class for executor failures
type Error struct {
	orig  error
	msg   string
	code  ErrorCode
	field string
	op    string
}

// Wire is the JSON form returned by the API
type Wire struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.orig != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.orig)
	}
	return e.msg
}

// Unwrap returns the wrapped error, if any
func (e *Error) Unwrap() error { return e.orig }

// Code returns the error code
func (e *Error) Code() ErrorCode { return e.code }

// Field returns the offending field or failure class, if any
func (e *Error) Field() string { return e.field }

// Op returns the operation label, if set
func (e *Error) Op() string { return e.op }

// Message returns the message without the wrapped cause
func (e *Error) Message() string { return e.msg }

// ToWire converts an *Error to a Wire payload
func (e *Error) ToWire() Wire { return Wire{Code: e.code.String(), Message: e.Error(), Field: e.field} }

// WireFrom converts any error into a Wire payload
func WireFrom(err error) Wire {
	if err == nil {
		return Wire{}
	}
	if e, ok := As(err); ok {
		return e.ToWire()
	}
	return Wire{Code: ErrorCodeUnknown.String(), Message: err.Error()}
}

// As unwraps and returns (*Error, true) if err is one of ours
func As(err error) (*Error, bool) {
	var e *Error
	if stderrs.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf extracts an ErrorCode from any error, defaulting to Unknown
func CodeOf(err error) ErrorCode {
	if e, ok := As(err); ok {
		return e.code
	}
	return ErrorCodeUnknown
}

// IsCode reports whether err has the given code
func IsCode(err error, code ErrorCode) bool { return CodeOf(err) == code }

// HTTPStatus returns the mapped HTTP status for any error
func HTTPStatus(err error) int { return HTTPStatusCode(CodeOf(err)) }

// FieldOf returns the field of an *Error, or ""
func FieldOf(err error) string {
	if e, ok := As(err); ok {
		return e.field
	}
	return ""
}

// WithField attaches a field to an *Error (copy-on-write). Foreign errors are returned unchanged
func WithField(err error, field string) error {
	if e, ok := As(err); ok {
		c := *e
		c.field = field
		return &c
	}
	return err
}

// WithOp attaches an operation label to an *Error (copy-on-write). Foreign errors are returned unchanged
func WithOp(err error, op string) error {
	if e, ok := As(err); ok {
		c := *e
		c.op = op
		return &c
	}
	return err
}

// New returns a new *Error with the given code and message
func New(code ErrorCode, msg string) error { return &Error{code: code, msg: msg} }

// Newf returns a new *Error with code and formatted message
func Newf(code ErrorCode, format string, a ...any) error {
	return &Error{code: code, msg: fmt.Sprintf(format, a...)}
}

// Wrap returns a new *Error that wraps orig with code and message
func Wrap(orig error, code ErrorCode, msg string) error {
	return &Error{code: code, msg: msg, orig: orig}
}

// Wrapf returns a new *Error that wraps orig with code and formatted message
func Wrapf(orig error, code ErrorCode, format string, a ...any) error {
	return &Error{code: code, msg: fmt.Sprintf(format, a...), orig: orig}
}

// Validation builds a validation error for a named field
func Validation(field, msg string) error {
	return &Error{code: ErrorCodeValidation, msg: msg, field: field}
}

// ExecutorFailure builds a classified platform failure
func ExecutorFailure(class string, orig error) error {
	msg := class
	if msg == "" {
		msg = "executor failure"
	}
	return &Error{code: ErrorCodeExecutorFailure, msg: msg, field: class, orig: orig}
}

// NotFoundf builds a not found error
func NotFoundf(format string, a ...any) error {
	return &Error{code: ErrorCodeNotFound, msg: fmt.Sprintf(format, a...) + " not found"}
}
