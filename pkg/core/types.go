// Package core defines the shared domain types of the otto agent core:
// entities, turns, tool results, sensitivity classes, and the lifecycle
// statuses of plans and plan steps.
package core

import (
	"time"
)

// Entity is a typed value extracted from a user utterance by the external
// NLU collaborator. Consumed read-only by the dialogue and planning layers.
type Entity struct {
	Type       string  `json:"type"`
	Value      string  `json:"value"`
	SourceSpan string  `json:"source_span,omitempty"`
	Confidence float64 `json:"confidence"`
}

// Turn is one user or assistant utterance in a conversation.
type Turn struct {
	Role      string    `json:"role"` // user, assistant
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// ToolResult is the outcome record of a single tool invocation. It is owned
// by the invoking step and folded into plan state after execution.
type ToolResult struct {
	Success bool          `json:"success"`
	Output  any           `json:"output,omitempty"`
	Error   string        `json:"error,omitempty"`
	Latency time.Duration `json:"latency"`
}

// Sensitivity classifies how dangerous a tool invocation is.
type Sensitivity string

const (
	// SensitivityNone requires no gating.
	SensitivityNone Sensitivity = "none"

	// SensitivityConfirm requires an explicit approval before dispatch.
	SensitivityConfirm Sensitivity = "confirm"

	// SensitivityBlocked is never dispatched.
	SensitivityBlocked Sensitivity = "blocked"
)

// PlanStatus describes the lifecycle state of a plan.
type PlanStatus string

const (
	PlanStatusCreated   PlanStatus = "created"
	PlanStatusExecuting PlanStatus = "executing"
	PlanStatusCompleted PlanStatus = "completed"
	PlanStatusFailed    PlanStatus = "failed"
	PlanStatusCancelled PlanStatus = "cancelled"
)

// Terminal reports whether the plan has reached a final state.
func (s PlanStatus) Terminal() bool {
	switch s {
	case PlanStatusCompleted, PlanStatusFailed, PlanStatusCancelled:
		return true
	}
	return false
}

// StepStatus describes the lifecycle state of a plan step.
type StepStatus string

const (
	StepStatusPending              StepStatus = "pending"
	StepStatusAwaitingConfirmation StepStatus = "awaiting_confirmation"
	StepStatusRunning              StepStatus = "running"
	StepStatusSucceeded            StepStatus = "succeeded"
	StepStatusFailed               StepStatus = "failed"
	StepStatusSkipped              StepStatus = "skipped"
	StepStatusCancelled            StepStatus = "cancelled"
)

// Terminal reports whether the step has reached a final state.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepStatusSucceeded, StepStatusFailed, StepStatusSkipped, StepStatusCancelled:
		return true
	}
	return false
}
