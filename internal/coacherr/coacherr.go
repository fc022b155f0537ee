// Package coacherr provides the structured error types used by the derivation
// engine and the coaching pipeline.
//
// None of these errors are meant to reach the API layer. Each one maps to a
// deterministic terminal value chosen by the component that raised it.
package coacherr

import (
	"errors"
	"fmt"
)

// Code categorises an error.
type Code string

const (
	// CodeDataShape marks ragged or absent streams.
	CodeDataShape Code = "DATA_SHAPE"
	// CodeValidation marks model output that fails its schema.
	CodeValidation Code = "VALIDATION"
	// CodeProviderCall marks transport failures and timeouts talking to the model backend.
	CodeProviderCall Code = "PROVIDER_CALL"
	// CodeDegenerate marks inputs that would divide by zero.
	CodeDegenerate Code = "COMPUTATION_DEGENERATE"
)

// Error is the base error type.
type Error struct {
	Code      Code
	Message   string
	Cause     error
	Retryable bool
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error with the same code, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// WithCause returns a copy wrapping cause.
func (e *Error) WithCause(cause error) *Error {
	return &Error{Code: e.Code, Message: e.Message, Cause: cause, Retryable: e.Retryable}
}

// WithMessage returns a copy with a custom message.
func (e *Error) WithMessage(msg string) *Error {
	return &Error{Code: e.Code, Message: msg, Cause: e.Cause, Retryable: e.Retryable}
}

var (
	ErrDataShape    = &Error{Code: CodeDataShape, Message: "stream channel unusable"}
	ErrValidation   = &Error{Code: CodeValidation, Message: "output failed schema validation"}
	ErrProviderCall = &Error{Code: CodeProviderCall, Message: "model backend call failed", Retryable: true}
	ErrDegenerate   = &Error{Code: CodeDegenerate, Message: "degenerate input"}
)

// Validation wraps a schema violation.
func Validation(cause error) *Error {
	return ErrValidation.WithCause(cause)
}

// ProviderCall wraps a backend failure. retryable is false for client errors
// that a second attempt cannot fix.
func ProviderCall(cause error, retryable bool) *Error {
	e := ErrProviderCall.WithCause(cause)
	e.Retryable = retryable
	return e
}

// IsRetryable reports whether err is a coded error marked retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// CodeOf returns the code of err, or "" if it carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
