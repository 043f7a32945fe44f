package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeUnknownStep       = "UNKNOWN_STEP"
	ErrCodeStepInvocation    = "STEP_INVOCATION_ERROR"
	ErrCodeMergeTimeout      = "MERGE_TIMEOUT"
	ErrCodeSuspensionLost    = "SUSPENSION_LOST"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeExpression        = "EXPRESSION_ERROR"
)

// FlowError is the structured error type returned by every stepflow layer.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Step    string         `json:"step,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.Step, e.Message)
	}
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

// WithStep attaches a step name to the error.
func (e *FlowError) WithStep(step string) *FlowError {
	e.Step = step
	return e
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

// IsCode reports whether err, or any error it wraps, is a FlowError with the given code.
func IsCode(err error, code string) bool {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Code == code
	}
	return false
}

// NewUnknownStepError reports a reference to a step name the graph does not contain.
func NewUnknownStepError(name string) *FlowError {
	return NewErrorf(ErrCodeUnknownStep, "unknown step %q", name).WithStep(name)
}

// NewStepInvocationError wraps a failure raised by a step implementation.
func NewStepInvocationError(step string, cause error) *FlowError {
	msg := "step invocation failed"
	if cause != nil {
		msg = cause.Error()
	}
	return NewError(ErrCodeStepInvocation, msg).WithStep(step).WithCause(cause)
}

// NewMergeTimeoutError reports a fan-in step that never received all required inputs.
func NewMergeTimeoutError(step string, missing []int) *FlowError {
	return NewErrorf(ErrCodeMergeTimeout, "required inputs %v never arrived", missing).
		WithStep(step).
		WithDetails(map[string]any{"missing_inputs": missing})
}

// NewSuspensionLostError reports a resume signal with an unknown or expired token.
func NewSuspensionLostError(token, reason string) *FlowError {
	return NewErrorf(ErrCodeSuspensionLost, "suspension %q lost: %s", token, reason).
		WithDetails(map[string]any{"token": token})
}
