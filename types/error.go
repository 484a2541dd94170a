package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode represents a unified error code across capflow.
type ErrorCode string

// Core error codes
const (
	ErrConfig               ErrorCode = "CONFIG_ERROR"
	ErrNoConnectionFound    ErrorCode = "NO_CONNECTION_FOUND"
	ErrDependencyResolution ErrorCode = "DEPENDENCY_RESOLUTION"
	ErrCompilation          ErrorCode = "COMPILATION_ERROR"
	ErrUserCode             ErrorCode = "USER_CODE_ERROR"
	ErrResourceLimit        ErrorCode = "RESOURCE_LIMIT"
)

// Supporting error codes
const (
	ErrCapabilityNotFound ErrorCode = "CAPABILITY_NOT_FOUND"
	ErrInvalidPlan        ErrorCode = "INVALID_PLAN"
	ErrUpstream           ErrorCode = "UPSTREAM_ERROR"
	ErrInternal           ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// ErrorCode returns the error code.
func (e *Error) ErrorCode() ErrorCode { return e.Code }

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// coded is implemented by every error type that carries an ErrorCode.
type coded interface {
	error
	ErrorCode() ErrorCode
}

// NewConfigError reports a missing or invalid configuration key.
func NewConfigError(key, message string) *Error {
	if key == "" {
		return NewError(ErrConfig, message)
	}
	return NewError(ErrConfig, fmt.Sprintf("%s (key %q)", message, key))
}

// NoConnectionFound reports that none of the configured connections has an acceptable kind.
func NoConnectionFound(kinds []string) *Error {
	return NewError(ErrNoConnectionFound,
		fmt.Sprintf("no connection found for kinds [%s]", strings.Join(kinds, ", ")))
}

// NewDependencyError reports a required package that could not be resolved at all.
func NewDependencyError(pkg, versionRange string, cause error) *Error {
	msg := fmt.Sprintf("package %s %s could not be resolved", pkg, versionRange)
	return NewError(ErrDependencyResolution, strings.TrimSpace(msg)).WithCause(cause)
}

// NewResourceLimitError reports quota exhaustion.
func NewResourceLimitError(message string, cause error) *Error {
	return NewError(ErrResourceLimit, message).WithCause(cause)
}

// Diagnostic is a single error-severity compiler message.
type Diagnostic struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Message string `json:"message"`
}

func (d Diagnostic) String() string {
	switch {
	case d.File != "" && d.Line > 0 && d.Column > 0:
		return fmt.Sprintf("%s:%d:%d: %s", d.File, d.Line, d.Column, d.Message)
	case d.File != "" && d.Line > 0:
		return fmt.Sprintf("%s:%d: %s", d.File, d.Line, d.Message)
	default:
		return d.Message
	}
}

// CompilationError carries the full diagnostic list of a failed compilation.
type CompilationError struct {
	SourceHash  string       `json:"source_hash"`
	Diagnostics []Diagnostic `json:"diagnostics"`
}

func (e *CompilationError) Error() string {
	lines := make([]string, 0, len(e.Diagnostics))
	for _, d := range e.Diagnostics {
		lines = append(lines, d.String())
	}
	return fmt.Sprintf("[%s] compilation of %s failed with %d error(s):\n%s",
		ErrCompilation, shortHash(e.SourceHash), len(e.Diagnostics), strings.Join(lines, "\n"))
}

// ErrorCode returns ErrCompilation.
func (e *CompilationError) ErrorCode() ErrorCode { return ErrCompilation }

// UserCodeError wraps a failure raised inside user-supplied code.
// Outer is the message reported by the runner, Inner the one raised by the code itself.
type UserCodeError struct {
	Outer string `json:"outer"`
	Inner string `json:"inner,omitempty"`
	Cause error  `json:"-"`
}

func (e *UserCodeError) Error() string {
	if e.Inner == "" {
		return fmt.Sprintf("[%s] %s", ErrUserCode, e.Outer)
	}
	return fmt.Sprintf("[%s] %s: %s", ErrUserCode, e.Outer, e.Inner)
}

// Unwrap returns the underlying cause, if any.
func (e *UserCodeError) Unwrap() error { return e.Cause }

// ErrorCode returns ErrUserCode.
func (e *UserCodeError) ErrorCode() ErrorCode { return ErrUserCode }

// GetErrorCode extracts the error code from an error chain.
func GetErrorCode(err error) ErrorCode {
	var c coded
	if errors.As(err, &c) {
		return c.ErrorCode()
	}
	return ""
}

// HasCode reports whether any error in the chain carries code.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		if c, ok := err.(coded); ok && c.ErrorCode() == code {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// IsResourceLimit reports whether err is (or wraps) a ResourceLimitError.
func IsResourceLimit(err error) bool {
	return HasCode(err, ErrResourceLimit)
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	if h == "" {
		return "source"
	}
	return h
}
