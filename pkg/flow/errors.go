package flow

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeMalformedOutput   = "MALFORMED_OUTPUT"
	ErrCodeEmptyResult       = "EMPTY_RESULT"
	ErrCodeCapability        = "CAPABILITY_ERROR"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeStateFailed       = "STATE_FAILED"
	ErrCodeStore             = "STORE_ERROR"
)

// Error is the structured error type threaded through workflow executions.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StateID string         `json:"state_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *Error) Error() string {
	if e.StateID != "" {
		return fmt.Sprintf("[%s] state %s: %s", e.Code, e.StateID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithState attaches a state ID to the error.
func (e *Error) WithState(stateID string) *Error {
	e.StateID = stateID
	return e
}

// WithCause attaches an underlying cause.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// IsRetryable reports whether the error class may succeed on a later attempt.
// Malformed output and capability errors never do; they indicate a contract
// or configuration problem, not a transient fault.
func (e *Error) IsRetryable() bool {
	switch e.Code {
	case ErrCodeValidation, ErrCodeMalformedOutput, ErrCodeCapability, ErrCodeInvalidTransition, ErrCodeNotFound:
		return false
	default:
		return true
	}
}
