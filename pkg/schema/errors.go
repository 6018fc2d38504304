package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeAlreadyExists         = "ALREADY_EXISTS"
	ErrCodeNotFound              = "NOT_FOUND"
	ErrCodeUnresolvedPlaceholder = "UNRESOLVED_PLACEHOLDER"
	ErrCodeVendorMappingUnknown  = "VENDOR_MAPPING_UNKNOWN"
	ErrCodeTimeout               = "TIMEOUT"
	ErrCodeValidation            = "VALIDATION_ERROR"
	ErrCodeExecution             = "EXECUTION_ERROR"
	ErrCodeConflict              = "CONFLICT"
	ErrCodeLaunch                = "LAUNCH_ERROR"
	ErrCodeStore                 = "STORE_ERROR"
	ErrCodeVault                 = "VAULT_ERROR"
)

// FlowError is the structured error type for all seqflow operations.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

// IsRetryable classifies the error code for the whole-transition retry
// policy. Idempotency no-ops and configuration gaps are never retried;
// timeouts and store errors are.
func (e *FlowError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeTimeout, ErrCodeStore, ErrCodeExecution:
		return true
	default:
		return false
	}
}

// IsCode reports whether err is a FlowError with the given code.
func IsCode(err error, code string) bool {
	var fe *FlowError
	if !errors.As(err, &fe) {
		return false
	}
	return fe.Code == code
}
