package core

import (
	"context"
	"time"
)

// EventType identifies a semantic event emitted on the progress channel.
type EventType string

const (
	EventStepStarted           EventType = "step.started"
	EventStepCompleted         EventType = "step.completed"
	EventStepFailed            EventType = "step.failed"
	EventStepSkipped           EventType = "step.skipped"
	EventPlanCompleted         EventType = "plan.completed"
	EventPlanFailed            EventType = "plan.failed"
	EventPlanCancelled         EventType = "plan.cancelled"
	EventConfirmationRequested EventType = "confirmation.requested"
)

// Event captures one progress or confirmation notification for the external
// presentation layer (voice/UI).
type Event struct {
	Type      EventType
	SessionID string
	PlanID    string
	StepID    string
	Timestamp time.Time
	Payload   map[string]any
}

// EventEmitter receives progress events. Implementations must be safe for
// concurrent use; the execution engine emits from worker goroutines.
type EventEmitter interface {
	Emit(ctx context.Context, event Event)
}

// NoopEventEmitter is a default no-op implementation.
type NoopEventEmitter struct{}

// Emit implements EventEmitter.
func (NoopEventEmitter) Emit(_ context.Context, _ Event) {}

// NewEvent builds an event stamped with the current time.
func NewEvent(eventType EventType, sessionID, planID, stepID string, payload map[string]any) Event {
	return Event{
		Type:      eventType,
		SessionID: sessionID,
		PlanID:    planID,
		StepID:    stepID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}
