// SPDX-License-Identifier: Apache-2.0

// Package errors provides typed error handling with rich context for otto.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrorCode classifies otto errors for monitoring and recovery.
type ErrorCode string

const (
	// CodeInternal indicates an internal system error.
	CodeInternal ErrorCode = "INTERNAL_ERROR"

	// CodeInvalidInput indicates the input was invalid.
	CodeInvalidInput ErrorCode = "INVALID_INPUT"

	// CodeDuplicateTool indicates a tool name was registered twice.
	CodeDuplicateTool ErrorCode = "DUPLICATE_TOOL"

	// CodeToolNotFound indicates an unregistered capability was referenced.
	CodeToolNotFound ErrorCode = "TOOL_NOT_FOUND"

	// CodeInvalidPlan indicates a plan referenced an unknown tool or contains
	// a dependency cycle. Fatal to plan creation, never retried.
	CodeInvalidPlan ErrorCode = "INVALID_PLAN"

	// CodeIncompletePlan indicates a required tool parameter is missing.
	// Recoverable by soliciting the missing slot from the user.
	CodeIncompletePlan ErrorCode = "INCOMPLETE_PLAN"

	// CodeGuardrailDenied indicates a confirmation was refused or a blocklist
	// entry matched. Terminal for the step, never retried.
	CodeGuardrailDenied ErrorCode = "GUARDRAIL_DENIED"

	// CodeRateLimited indicates the per-session invocation budget was
	// exhausted for the current window.
	CodeRateLimited ErrorCode = "RATE_LIMITED"

	// CodeStepExecution indicates a tool invocation failed at runtime.
	CodeStepExecution ErrorCode = "STEP_EXECUTION"

	// CodeMemoryUnavailable indicates the semantic memory backend or the
	// embedding capability is unreachable. Non-fatal; callers degrade.
	CodeMemoryUnavailable ErrorCode = "MEMORY_UNAVAILABLE"

	// CodePlanAlreadyActive indicates a session already owns an active plan.
	CodePlanAlreadyActive ErrorCode = "PLAN_ALREADY_ACTIVE"

	// CodeTimeout indicates an operation exceeded its time limit.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeContextLost indicates the context was cancelled mid-operation.
	CodeContextLost ErrorCode = "CONTEXT_LOST"
)

// OttoError is a typed error with context for observability.
// It implements the error interface and supports errors.As / errors.Is.
type OttoError struct {
	Code        ErrorCode
	Message     string
	Err         error
	Context     map[string]interface{}
	Recoverable bool
}

// Error implements the error interface.
func (e *OttoError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *OttoError) Unwrap() error {
	return e.Err
}

// MarshalJSON implements json.Marshaler for structured logging.
func (e *OttoError) MarshalJSON() ([]byte, error) {
	payload := struct {
		Code        string                 `json:"code"`
		Message     string                 `json:"message"`
		Cause       string                 `json:"cause,omitempty"`
		Context     map[string]interface{} `json:"context,omitempty"`
		Recoverable bool                   `json:"recoverable"`
	}{
		Code:        string(e.Code),
		Message:     e.Message,
		Context:     e.Context,
		Recoverable: e.Recoverable,
	}
	if e.Err != nil {
		payload.Cause = e.Err.Error()
	}
	return json.Marshal(payload)
}

// New creates a new OttoError with the given code, message, and cause.
func New(code ErrorCode, msg string, cause error) *OttoError {
	return &OttoError{
		Code:        code,
		Message:     msg,
		Err:         cause,
		Context:     make(map[string]interface{}),
		Recoverable: defaultRecoverable(code),
	}
}

// Newf creates a new OttoError with a formatted message and no cause.
func Newf(code ErrorCode, format string, args ...any) *OttoError {
	return New(code, fmt.Sprintf(format, args...), nil)
}

// WithContext adds a key-value pair to the error context.
// Returns the error for method chaining.
func (e *OttoError) WithContext(key string, value interface{}) *OttoError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithRecoverable overrides whether the error can be recovered from.
func (e *OttoError) WithRecoverable(recoverable bool) *OttoError {
	e.Recoverable = recoverable
	return e
}

// AsOttoError attempts to convert an error to an OttoError.
// Unknown errors are wrapped as CodeInternal.
func AsOttoError(err error) *OttoError {
	if err == nil {
		return nil
	}
	var oe *OttoError
	if errors.As(err, &oe) {
		return oe
	}
	return New(CodeInternal, "wrapped error", err)
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code ErrorCode) bool {
	var oe *OttoError
	if !errors.As(err, &oe) {
		return false
	}
	return oe.Code == code
}

// IsRecoverable reports whether err should be retried. Untyped errors are
// treated as recoverable so that transient tool failures get their retries.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	var oe *OttoError
	if errors.As(err, &oe) {
		return oe.Recoverable
	}
	return true
}

// defaultRecoverable encodes the error taxonomy: rate limits and backend
// outages are temporary, validation and guardrail denials are not.
func defaultRecoverable(code ErrorCode) bool {
	switch code {
	case CodeRateLimited, CodeMemoryUnavailable, CodeStepExecution, CodeTimeout:
		return true
	default:
		return false
	}
}
