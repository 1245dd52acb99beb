package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeConfiguration     = "CONFIGURATION_ERROR"
	ErrCodeActionExecution   = "ACTION_EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeInvalidSchedule   = "INVALID_SCHEDULE"
	ErrCodeAuth              = "AUTH_ERROR"
	ErrCodeMalformedPayload  = "MALFORMED_PAYLOAD"
	ErrCodeInterpolation     = "INTERPOLATION_ERROR"
	ErrCodeVault             = "VAULT_ERROR"
	ErrCodeStore             = "STORE_ERROR"
)

// HookflowError is the structured error type for all hookflow operations.
type HookflowError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	ActionID   string         `json:"action_id,omitempty"`
	ActionType ActionType     `json:"action_type,omitempty"`
	Cause      error          `json:"-"`
}

func (e *HookflowError) Error() string {
	if e.ActionType != "" {
		return fmt.Sprintf("[%s] %s action: %s", e.Code, e.ActionType, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *HookflowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new HookflowError.
func NewError(code, message string) *HookflowError {
	return &HookflowError{Code: code, Message: message}
}

// NewErrorf creates a new HookflowError with a formatted message.
func NewErrorf(code, format string, args ...any) *HookflowError {
	return &HookflowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithAction attaches the failing action's id and type.
func (e *HookflowError) WithAction(id string, typ ActionType) *HookflowError {
	e.ActionID = id
	e.ActionType = typ
	return e
}

// WithCause attaches an underlying cause.
func (e *HookflowError) WithCause(err error) *HookflowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *HookflowError) WithDetails(details map[string]any) *HookflowError {
	e.Details = details
	return e
}

// IsCode reports whether err (or anything it wraps) is a HookflowError with the given code.
func IsCode(err error, code string) bool {
	var he *HookflowError
	if errors.As(err, &he) {
		return he.Code == code
	}
	return false
}

// IsNotFound is shorthand for IsCode(err, ErrCodeNotFound).
func IsNotFound(err error) bool {
	return IsCode(err, ErrCodeNotFound)
}

// ActionExecutionError wraps a failure raised while running an action.
// Errors that already carry a configuration code pass through unchanged.
func ActionExecutionError(typ ActionType, cause error) *HookflowError {
	msg := cause.Error()
	var he *HookflowError
	if errors.As(cause, &he) {
		switch he.Code {
		case ErrCodeConfiguration, ErrCodeActionExecution:
			if he.ActionType == "" {
				he.ActionType = typ
			}
			return he
		}
		msg = he.Message
	}
	return &HookflowError{
		Code:       ErrCodeActionExecution,
		Message:    msg,
		ActionType: typ,
		Cause:      cause,
	}
}

// ConfigurationError marks a fatal, non-retryable misconfiguration.
func ConfigurationError(format string, args ...any) *HookflowError {
	return NewErrorf(ErrCodeConfiguration, format, args...)
}
