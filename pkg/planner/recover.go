package planner

import (
	"context"

	"github.com/otto-voice/otto/pkg/core"
	"github.com/otto-voice/otto/pkg/errors"
)

// RecoverPlan rebuilds a plan from its audit trail: the creation event
// carries the plan document, and the later events replay every status
// transition recorded before the process went down. The returned plan
// reflects the last persisted state and can be handed to the execution
// engine's Resume.
func RecoverPlan(ctx context.Context, store AuditStore, planID string) (*Plan, error) {
	if store == nil {
		return nil, errors.Newf(errors.CodeInvalidInput, "audit store is required")
	}
	events, err := store.List(ctx, AuditFilter{PlanID: planID})
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "audit trail read failed", err)
	}

	var plan *Plan
	for _, event := range events {
		if event.StepID == "" && event.Status == string(core.PlanStatusCreated) {
			plan, err = ParseJSON([]byte(event.Detail))
			if err != nil {
				return nil, errors.New(errors.CodeInvalidPlan, "recorded plan document is unreadable", err).
					WithContext("plan_id", planID)
			}
			break
		}
	}
	if plan == nil {
		return nil, errors.Newf(errors.CodeInvalidInput, "no creation record for plan %q", planID)
	}

	for _, event := range events {
		if event.StepID == "" {
			if status, ok := planStatus(event.Status); ok {
				plan.Status = status
			}
			continue
		}
		step, ok := plan.Steps[event.StepID]
		if !ok {
			continue
		}
		if status, ok := stepStatus(event.Status); ok {
			step.Status = status
		}
	}
	return plan, nil
}

func planStatus(s string) (core.PlanStatus, bool) {
	switch status := core.PlanStatus(s); status {
	case core.PlanStatusCreated, core.PlanStatusExecuting, core.PlanStatusCompleted,
		core.PlanStatusFailed, core.PlanStatusCancelled:
		return status, true
	}
	return "", false
}

func stepStatus(s string) (core.StepStatus, bool) {
	switch status := core.StepStatus(s); status {
	case core.StepStatusPending, core.StepStatusAwaitingConfirmation, core.StepStatusRunning,
		core.StepStatusSucceeded, core.StepStatusFailed, core.StepStatusSkipped, core.StepStatusCancelled:
		return status, true
	}
	return "", false
}
