package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation   = "VALIDATION_ERROR"
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeConflict     = "CONFLICT"
	ErrCodeStore        = "STORE_ERROR"
	ErrCodeInvocation   = "INVOCATION_ERROR"
	ErrCodeExpression   = "EXPRESSION_ERROR"
	ErrCodeInternal     = "INTERNAL_ERROR"
	ErrCodePoolShutdown = "POOL_SHUTDOWN"
	ErrCodeCancelled    = "CANCELLED"
)

// EnactError is the structured error type returned across package boundaries.
type EnactError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Process string         `json:"process,omitempty"`
	Cause   error          `json:"-"`
}

func (e *EnactError) Error() string {
	if e.Process != "" {
		return fmt.Sprintf("[%s] process %s: %s", e.Code, e.Process, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *EnactError) Unwrap() error {
	return e.Cause
}

// NewError creates a new EnactError.
func NewError(code, message string) *EnactError {
	return &EnactError{Code: code, Message: message}
}

// NewErrorf creates a new EnactError with a formatted message.
func NewErrorf(code, format string, args ...any) *EnactError {
	return &EnactError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithProcess attaches an owning process path to the error.
func (e *EnactError) WithProcess(process string) *EnactError {
	e.Process = process
	return e
}

// WithCause attaches an underlying cause.
func (e *EnactError) WithCause(err error) *EnactError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *EnactError) WithDetails(details map[string]any) *EnactError {
	e.Details = details
	return e
}

// HasCode reports whether err is an EnactError carrying the given code.
func HasCode(err error, code string) bool {
	for err != nil {
		if e, ok := err.(*EnactError); ok && e.Code == code {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
