// Package apperr defines the closed error taxonomy shared by every
// component. Agents and platform calls return these so callers can branch on
// the code, report a suggestion to the user, and map failures to stable
// process exit codes.
package apperr

import (
	"errors"
	"fmt"
)

// Code identifies one kind in the taxonomy. The set is closed; new kinds are
// a contract change for external callers.
type Code string

const (
	CodeConfig         Code = "CONFIG_ERROR"
	CodeValidation     Code = "VALIDATION_ERROR"
	CodeAuth           Code = "AUTH_ERROR"
	CodeNetwork        Code = "NETWORK_ERROR"
	CodeRateLimit      Code = "RATE_LIMIT"
	CodePrecondition   Code = "PRECONDITION_MISSING"
	CodeAgentFailed    Code = "AGENT_EXECUTION_FAILED"
	CodeSessionTimeout Code = "SESSION_TIMEOUT"
	CodeInternal       Code = "INTERNAL_ERROR"
)

// Stable process exit codes consumed by external wrappers.
const (
	ExitOK         = 0
	ExitGeneric    = 1
	ExitConfig     = 2
	ExitValidation = 3
	ExitNetwork    = 4
	ExitAuth       = 5
)

// Error carries the structured failure surface: machine code, human message,
// optional remediation suggestion, and free-form details (e.g. the missing
// artifact kind or a rate-limit reset time).
type Error struct {
	Code        Code   `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
	Suggestion  string `json:"suggestion,omitempty"`
	Details     any    `json:"details,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// New creates an Error with the given code and message. Every code except
// CodeInternal is recoverable.
func New(code Code, message string) *Error {
	return &Error{
		Code:        code,
		Message:     message,
		Recoverable: code != CodeInternal,
	}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, v ...any) *Error {
	return New(code, fmt.Sprintf(format, v...))
}

// Wrap creates an Error around a cause.
func Wrap(code Code, cause error, message string) *Error {
	err := New(code, message)
	err.cause = cause
	return err
}

// WithSuggestion attaches a remediation hint and returns the error.
func (e *Error) WithSuggestion(s string) *Error {
	e.Suggestion = s
	return e
}

// WithDetails attaches machine-readable details and returns the error.
func (e *Error) WithDetails(d any) *Error {
	e.Details = d
	return e
}

// CodeOf extracts the taxonomy code from err. Errors outside the taxonomy
// are internal by definition.
func CodeOf(err error) Code {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// IsRecoverable reports whether the failure is worth retrying or surfacing
// with a remediation path rather than aborting outright.
func IsRecoverable(err error) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Recoverable
	}
	return false
}

// ExitCodeFor maps an error to the stable CLI exit code table. Rate-limit
// errors never terminate the process; if one escapes this far it is treated
// as a platform error.
func ExitCodeFor(err error) int {
	if err == nil {
		return ExitOK
	}
	switch CodeOf(err) {
	case CodeConfig:
		return ExitConfig
	case CodeValidation:
		return ExitValidation
	case CodeAuth:
		return ExitAuth
	case CodeNetwork, CodeRateLimit:
		return ExitNetwork
	default:
		return ExitGeneric
	}
}
