// Package errors provides the coded error taxonomy used across the engine.
//
// Errors fall into four kinds, each handled at a well-defined boundary:
// validation errors are rejected synchronously at registration time, security
// errors surface to the invoking principal and are never retried, dispatch
// errors fail the owning process step immediately, and transient errors are
// retried by the task queue independently of step retry policy.
package errors

import (
	"errors"
	"fmt"
)

// Code identifies a specific failure within an error kind.
type Code string

const (
	// Validation (VAL_1xxx)
	CodeInvalidCron      Code = "VAL_1001"
	CodeInvalidStep      Code = "VAL_1002"
	CodeInvalidInput     Code = "VAL_1003"
	CodeDuplicateStep    Code = "VAL_1004"
	CodeNestedParallel   Code = "VAL_1005"
	CodeTerminalInstance Code = "VAL_1006"

	// Security (SEC_2xxx)
	CodeAuthTagMismatch  Code = "SEC_2001"
	CodeCorruptPayload   Code = "SEC_2002"
	CodePermissionDenied Code = "SEC_2003"

	// Dispatch (DSP_3xxx)
	CodeUnknownRef Code = "DSP_3001"
	CodeWrongType  Code = "DSP_3002"
	CodeBadShape   Code = "DSP_3003"
	CodeBadHandler Code = "DSP_3004"

	// Transient (TRN_4xxx)
	CodeTransient Code = "TRN_4001"

	// Resource (RES_5xxx)
	CodeNotFound Code = "RES_5001"
)

// Kind groups codes by the boundary that handles them.
type Kind string

const (
	KindValidation Kind = "validation"
	KindSecurity   Kind = "security"
	KindDispatch   Kind = "dispatch"
	KindTransient  Kind = "transient"
	KindNotFound   Kind = "not_found"
)

// Error is a coded engine error, optionally wrapping an underlying cause.
type Error struct {
	Code    Code
	Kind    Kind
	Message string
	Ref     string // object reference the error relates to, if any
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Ref != "" {
		msg += fmt.Sprintf(" (ref=%s)", e.Ref)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a coded error without an underlying cause.
func New(kind Kind, code Code, message string) *Error {
	return &Error{Code: code, Kind: kind, Message: message}
}

// Wrap creates a coded error around an underlying cause.
func Wrap(kind Kind, code Code, message string, err error) *Error {
	return &Error{Code: code, Kind: kind, Message: message, Err: err}
}

// WithRef attaches an object reference and returns the error.
func (e *Error) WithRef(ref string) *Error {
	e.Ref = ref
	return e
}

// Validation constructs a validation error.
func Validation(code Code, format string, args ...any) *Error {
	return New(KindValidation, code, fmt.Sprintf(format, args...))
}

// Security constructs a security error.
func Security(code Code, format string, args ...any) *Error {
	return New(KindSecurity, code, fmt.Sprintf(format, args...))
}

// Dispatch constructs a dispatch error.
func Dispatch(code Code, format string, args ...any) *Error {
	return New(KindDispatch, code, fmt.Sprintf(format, args...))
}

// Transient marks err as retryable by the task queue.
func Transient(err error) *Error {
	return Wrap(KindTransient, CodeTransient, "transient failure", err)
}

// Transientf constructs a retryable error from a format string.
func Transientf(format string, args ...any) *Error {
	return New(KindTransient, CodeTransient, fmt.Sprintf(format, args...))
}

// NotFound constructs a missing-resource error.
func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, CodeNotFound, fmt.Sprintf(format, args...))
}

func kindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsTransient reports whether err is explicitly marked retryable. Everything
// else is treated as permanent.
func IsTransient(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindTransient
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindValidation
}

// IsSecurity reports whether err is a security error.
func IsSecurity(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindSecurity
}

// IsDispatch reports whether err is a dispatch error.
func IsDispatch(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindDispatch
}

// IsNotFound reports whether err is a missing-resource error.
func IsNotFound(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindNotFound
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// TypeName returns a short classification string for error_info records.
func TypeName(err error) string {
	if k, ok := kindOf(err); ok {
		return string(k)
	}
	return "error"
}

// As is a convenience re-export of the standard library errors.As.
func As(err error, target any) bool { return errors.As(err, target) }

// Is is a convenience re-export of the standard library errors.Is.
func Is(err, target error) bool { return errors.Is(err, target) }
