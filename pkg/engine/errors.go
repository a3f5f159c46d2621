package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for reporting and routing.
type ErrorClass string

const (
	// ErrorClassUsage indicates a caller-correctable failure.
	// Examples: unknown stack name, several stacks and none selected.
	ErrorClassUsage ErrorClass = "usage"

	// ErrorClassInternal indicates a broken invariant inside stackrun.
	// Examples: applying before a plan exists, a stack changing name mid-run.
	ErrorClassInternal ErrorClass = "internal"

	// ErrorClassExternal indicates a failure reported by the provisioning
	// engine, the synth command or the remote execution service.
	ErrorClassExternal ErrorClass = "external"

	// ErrorClassParse indicates best-effort parsing that could not make sense
	// of its input. Parse errors are logged, never routed to a run.
	ErrorClassParse ErrorClass = "parse"
)

// Error represents a classified error with context.
type Error struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Stack is the stack being processed when the error occurred, if any.
	Stack string `json:"stack,omitempty"`

	// Operation is the engine operation being performed (init, plan, apply...).
	Operation string `json:"operation,omitempty"`

	// Stderr holds the tail of the failing process' standard error.
	Stderr string `json:"stderr,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface. Usage errors are shown to the user
// verbatim, so the class is not part of the message.
func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	if e.Message == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewUsageError creates a new usage error.
func NewUsageError(message string, err error) *Error {
	return &Error{Class: ErrorClassUsage, Message: message, Err: err}
}

// NewInternalError creates a new internal-consistency error.
func NewInternalError(message string, err error) *Error {
	return &Error{Class: ErrorClassInternal, Message: message, Err: err}
}

// NewExternalError creates a new external failure.
func NewExternalError(message string, err error) *Error {
	return &Error{Class: ErrorClassExternal, Message: message, Err: err}
}

// NewParseError creates a new parse error.
func NewParseError(message string, err error) *Error {
	return &Error{Class: ErrorClassParse, Message: message, Err: err}
}

// WithStack adds stack context to an error.
func (e *Error) WithStack(stack string) *Error {
	e.Stack = stack
	return e
}

// WithOperation adds operation context to an error.
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithStderr attaches captured standard error output.
func (e *Error) WithStderr(stderr string) *Error {
	e.Stderr = stderr
	return e
}

// WithDetail adds a detail field to the error context.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ClassOf returns the class of the first classified error in the chain, or
// ErrorClassExternal for unclassified errors.
func ClassOf(err error) ErrorClass {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ErrorClassExternal
}

// IsUsage returns true if the error is classified as a usage error.
func IsUsage(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ErrorClassUsage
	}
	return false
}

// IsInternal returns true if the error is classified as an internal-consistency error.
func IsInternal(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ErrorClassInternal
	}
	return false
}

// IsExternal returns true if the error is classified as external.
func IsExternal(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ErrorClassExternal
	}
	return false
}

// IsParse returns true if the error is classified as a parse error.
func IsParse(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ErrorClassParse
	}
	return false
}

// Stderr returns the captured standard error carried anywhere in the chain,
// or the empty string.
func Stderr(err error) string {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return ""
		}
		if e.Stderr != "" {
			return e.Stderr
		}
		err = e.Err
	}
	return ""
}

// Common error codes.
const (
	ErrCodeNotSynthesized  = "NOT_SYNTHESIZED"
	ErrCodeUnknownStack    = "UNKNOWN_STACK"
	ErrCodeAmbiguousStack  = "AMBIGUOUS_STACK"
	ErrCodeStackChanged    = "STACK_CHANGED"
	ErrCodeMissingPlan     = "MISSING_PLAN"
	ErrCodeInvalidAction   = "INVALID_ACTION"
	ErrCodeProcessFailed   = "PROCESS_FAILED"
	ErrCodeVersionMismatch = "VERSION_MISMATCH"
	ErrCodeRemoteRun       = "REMOTE_RUN_FAILED"
	ErrCodePolicyDenied    = "POLICY_DENIED"
	ErrCodeLockHeld        = "LOCK_HELD"
	ErrCodeInvalidConfig   = "INVALID_CONFIG"
	ErrCodeStackDependency = "STACK_DEPENDENCY"
)
