// Package fault defines the error taxonomy shared by the marketplace
// core. Every externally observable failure carries one of the codes
// below; the HTTP layer maps codes to status lines and nothing else.
package fault

import (
	"errors"
	"fmt"
)

// Code classifies a failure.
type Code string

const (
	// CodeUnauthorized: missing, invalid, or disabled credential.
	CodeUnauthorized Code = "unauthorized"
	// CodeInvalidArgument: malformed or out-of-range input.
	CodeInvalidArgument Code = "invalid_argument"
	// CodeNotFound: referenced entity absent.
	CodeNotFound Code = "not_found"
	// CodeForbidden: authenticated but not entitled.
	CodeForbidden Code = "forbidden"
	// CodeInvalidState: entity not in a state permitting the
	// requested transition, including cap/race losses.
	CodeInvalidState Code = "invalid_state"
	// CodeRateLimited: flood control triggered.
	CodeRateLimited Code = "rate_limited"
	// CodeDeadlineExceeded: contract expired past its grace window.
	CodeDeadlineExceeded Code = "deadline_exceeded"
	// CodeInternal: unexpected store or infrastructure failure.
	CodeInternal Code = "internal"
)

// Error is a coded error. It wraps an optional cause.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes two faults equal when their codes match, so callers can
// compare against a bare code via errors.Is(err, fault.New(code, "")).
func (e *Error) Is(target error) bool {
	var fe *Error
	if errors.As(target, &fe) {
		return fe.Code == e.Code
	}
	return false
}

// New returns a coded error with a fixed message.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// Newf returns a coded error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap returns a coded error with an underlying cause.
func Wrap(code Code, msg string, err error) *Error {
	return &Error{Code: code, Msg: msg, Err: err}
}

// Internal wraps an unexpected failure as CodeInternal.
func Internal(msg string, err error) *Error {
	return &Error{Code: CodeInternal, Msg: msg, Err: err}
}

// CodeOf extracts the code from err, walking the wrap chain.
// Non-fault errors report CodeInternal; nil reports an empty code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
