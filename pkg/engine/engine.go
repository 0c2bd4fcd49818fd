// Copyright 2026 © The Otto Authors
// SPDX-License-Identifier: Apache-2.0

// Package engine executes validated plans: a bounded worker pool walks the
// dependency graph, gates every step through guardrails, retries transient
// failures, and emits progress events for the presentation layer.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/otto-voice/otto/pkg/core"
	"github.com/otto-voice/otto/pkg/dialogue"
	"github.com/otto-voice/otto/pkg/errors"
	"github.com/otto-voice/otto/pkg/guardrails"
	"github.com/otto-voice/otto/pkg/planner"
	"github.com/otto-voice/otto/pkg/registry"
	"github.com/otto-voice/otto/pkg/resilience"
	"github.com/otto-voice/otto/pkg/telemetry"
)

// Options tunes the execution engine.
type Options struct {
	// Workers bounds how many steps run concurrently.
	Workers int

	// MaxRetries is how many times a failed step is retried beyond its first
	// attempt. Only recoverable failures are retried.
	MaxRetries int

	// InitialBackoff seeds the exponential backoff between retries.
	InitialBackoff time.Duration

	// StepTimeout bounds a single tool invocation. Zero disables the limit.
	StepTimeout time.Duration
}

func (o *Options) defaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 250 * time.Millisecond
	}
}

// Engine runs plans to a terminal status. One engine serves all sessions;
// per-plan state lives in a run that is dropped when the plan finishes.
type Engine struct {
	registry   *registry.Registry
	guardrails *guardrails.Guardrails
	dialogue   *dialogue.Manager
	emitter    core.EventEmitter
	audit      planner.AuditStore
	metrics    *telemetry.PlanMetrics
	tracer     trace.Tracer
	logger     *slog.Logger
	opts       Options

	mu   sync.Mutex
	runs map[string]*run
}

// run is the live state of one executing plan. claimed tracks steps handed
// to a worker but not yet past guardrails, so a blocked step can fail
// without ever reporting RUNNING.
type run struct {
	plan      *planner.Plan
	mu        sync.Mutex
	claimed   map[string]bool
	cancel    context.CancelFunc
	cancelled atomic.Bool
	reason    atomic.Value // string
}

// Option configures an Engine.
type Option func(*Engine)

// WithEventEmitter routes progress events to the given emitter.
func WithEventEmitter(emitter core.EventEmitter) Option {
	return func(e *Engine) { e.emitter = emitter }
}

// WithAuditStore records step and plan transitions to the given store,
// normally the same store the planner writes plan creation to.
func WithAuditStore(store planner.AuditStore) Option {
	return func(e *Engine) { e.audit = store }
}

// WithMetrics records plan and step outcomes.
func WithMetrics(metrics *telemetry.PlanMetrics) Option {
	return func(e *Engine) { e.metrics = metrics }
}

// WithDialogue ties execution to the dialogue manager's single-active-plan
// slot for each session.
func WithDialogue(dlg *dialogue.Manager) Option {
	return func(e *Engine) { e.dialogue = dlg }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// New creates an execution engine.
func New(reg *registry.Registry, g *guardrails.Guardrails, opts Options, options ...Option) *Engine {
	opts.defaults()
	e := &Engine{
		registry:   reg,
		guardrails: g,
		emitter:    core.NoopEventEmitter{},
		tracer:     otel.Tracer("otto/engine"),
		logger:     slog.Default(),
		opts:       opts,
		runs:       make(map[string]*run),
	}
	for _, option := range options {
		option(e)
	}
	return e
}

// Execute runs the plan until every step reaches a terminal status and
// returns the plan with statuses and partial results filled in. The call is
// synchronous; Cancel may be invoked concurrently from another goroutine.
//
// When a dialogue manager is attached, the session's single-active-plan slot
// is claimed first and released on return, so a second concurrent plan for
// the same session fails with PLAN_ALREADY_ACTIVE.
func (e *Engine) Execute(ctx context.Context, plan *planner.Plan) (*planner.Plan, error) {
	if err := plan.Validate(); err != nil {
		return nil, errors.New(errors.CodeInvalidPlan, "plan failed validation", err)
	}
	if plan.Status != core.PlanStatusCreated {
		return nil, errors.Newf(errors.CodeInvalidInput, "plan %q is in status %q, want %q", plan.ID, plan.Status, core.PlanStatusCreated)
	}

	if e.dialogue != nil {
		if err := e.dialogue.SetActivePlan(plan.SessionID, plan.ID); err != nil {
			return nil, err
		}
		defer e.dialogue.ClearActivePlan(plan.SessionID)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := &run{plan: plan, claimed: make(map[string]bool), cancel: cancel}
	e.mu.Lock()
	if _, exists := e.runs[plan.ID]; exists {
		e.mu.Unlock()
		return nil, errors.Newf(errors.CodePlanAlreadyActive, "plan %q is already executing", plan.ID)
	}
	e.runs[plan.ID] = r
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.runs, plan.ID)
		e.mu.Unlock()
	}()

	runCtx = telemetry.WithPlanScope(runCtx, plan.SessionID, plan.ID)
	ctx, span := e.tracer.Start(runCtx, "engine.execute",
		trace.WithAttributes(
			attribute.String("plan.id", plan.ID),
			attribute.String("session.id", plan.SessionID),
			attribute.Int("plan.steps", len(plan.Steps)),
		))
	defer span.End()

	r.setPlanStatus(core.PlanStatusExecuting)
	e.recordAudit(ctx, plan, "", string(core.PlanStatusExecuting), "")

	e.schedule(ctx, r)

	status := e.finish(ctx, r)
	span.SetAttributes(attribute.String("plan.status", string(status)))
	return plan, nil
}

// Cancel aborts an executing plan: pending steps become CANCELLED, pending
// confirmations are denied, and in-flight results are discarded. Returns
// INVALID_INPUT if the plan is not currently executing.
func (e *Engine) Cancel(ctx context.Context, planID, reason string) error {
	e.mu.Lock()
	r, ok := e.runs[planID]
	e.mu.Unlock()
	if !ok {
		return errors.Newf(errors.CodeInvalidInput, "plan %q is not executing", planID)
	}
	if reason == "" {
		reason = "plan cancelled"
	}
	r.reason.Store(reason)
	r.cancelled.Store(true)

	// Deny first so steps waiting on confirmation unblock with a denial
	// instead of a lost context.
	if err := e.guardrails.DenyPlan(ctx, planID, reason); err != nil {
		e.logger.WarnContext(ctx, "engine.cancel.deny_pending_failed",
			slog.String("plan_id", planID),
			slog.String("error", err.Error()),
		)
	}
	r.cancel()
	return nil
}

// Resume continues a plan reconstructed from the audit trail after a process
// restart. Steps that were in flight when the process died are rewound to
// PENDING and dispatched again; confirmation handles are durable, so a handle
// resolved while the process was down is honored instead of prompting twice.
// Steps already terminal keep their status and are not re-run.
func (e *Engine) Resume(ctx context.Context, plan *planner.Plan) (*planner.Plan, error) {
	for _, step := range plan.Steps {
		switch step.Status {
		case core.StepStatusRunning, core.StepStatusAwaitingConfirmation:
			step.Status = core.StepStatusPending
			step.Result = nil
		}
	}
	plan.Status = core.PlanStatusCreated
	e.logger.InfoContext(ctx, "engine.plan.resuming",
		slog.String("plan_id", plan.ID),
		slog.String("session_id", plan.SessionID),
	)
	return e.Execute(ctx, plan)
}

// outcome is the report a worker sends back for one step.
type outcome struct {
	stepID  string
	status  core.StepStatus
	result  *core.ToolResult
	err     error
	latency time.Duration
}

// schedule drives the plan to a terminal state: it repeatedly launches ready
// steps onto the worker pool and applies one outcome at a time.
func (e *Engine) schedule(ctx context.Context, r *run) {
	results := make(chan outcome)
	sem := make(chan struct{}, e.opts.Workers)
	inflight := 0

	for {
		if r.cancelled.Load() {
			e.cancelRemaining(ctx, r)
		} else {
			e.propagateSkips(ctx, r)
		launch:
			for _, stepID := range e.readySteps(r) {
				select {
				case sem <- struct{}{}:
				default:
					// Pool full; wait for an outcome before launching more.
					break launch
				}
				r.claim(stepID)
				inflight++
				go func(id string) {
					defer func() { <-sem }()
					results <- e.runStep(ctx, r, id)
				}(stepID)
			}
		}

		if inflight == 0 {
			if r.allTerminal() {
				return
			}
			// Nothing running yet: the next pass resolves remaining steps
			// through launch, skip propagation, or cancellation.
			continue
		}
		out := <-results
		inflight--
		e.apply(ctx, r, out)
	}
}

// readySteps returns pending steps whose dependencies have all succeeded, in
// declaration order. Declaration order is the scheduling tie-break, so plans
// execute deterministically when the worker pool is saturated.
func (e *Engine) readySteps(r *run) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ready []string
	for _, id := range r.plan.Order {
		step := r.plan.Steps[id]
		if step.Status != core.StepStatusPending || r.claimed[id] {
			continue
		}
		ok := true
		for _, dep := range step.DependsOn {
			if r.plan.Steps[dep].Status != core.StepStatusSucceeded {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	return ready
}

// propagateSkips marks pending steps whose dependencies can no longer
// succeed as SKIPPED, transitively.
func (e *Engine) propagateSkips(ctx context.Context, r *run) {
	for {
		var skipped []string
		r.mu.Lock()
		for _, id := range r.plan.Order {
			step := r.plan.Steps[id]
			if step.Status != core.StepStatusPending || r.claimed[id] {
				continue
			}
			for _, dep := range step.DependsOn {
				depStatus := r.plan.Steps[dep].Status
				if depStatus.Terminal() && depStatus != core.StepStatusSucceeded {
					step.Status = core.StepStatusSkipped
					skipped = append(skipped, id)
					break
				}
			}
		}
		r.mu.Unlock()

		if len(skipped) == 0 {
			return
		}
		for _, id := range skipped {
			e.emitter.Emit(ctx, core.NewEvent(core.EventStepSkipped, r.plan.SessionID, r.plan.ID, id, nil))
			e.recordAudit(ctx, r.plan, id, string(core.StepStatusSkipped), "dependency did not succeed")
			e.metrics.RecordStep(ctx, r.plan.Steps[id].Tool, string(core.StepStatusSkipped), 0)
		}
	}
}

// cancelRemaining marks every non-terminal, non-inflight step CANCELLED.
func (e *Engine) cancelRemaining(ctx context.Context, r *run) {
	var cancelled []string
	r.mu.Lock()
	for _, id := range r.plan.Order {
		step := r.plan.Steps[id]
		// Claimed steps are in flight; their outcomes are discarded when
		// they arrive.
		if step.Status == core.StepStatusPending && !r.claimed[id] {
			step.Status = core.StepStatusCancelled
			cancelled = append(cancelled, id)
		}
	}
	r.mu.Unlock()

	for _, id := range cancelled {
		e.recordAudit(ctx, r.plan, id, string(core.StepStatusCancelled), r.cancelReason())
		e.metrics.RecordStep(ctx, r.plan.Steps[id].Tool, string(core.StepStatusCancelled), 0)
	}
}

// apply folds one worker outcome into the plan. Outcomes arriving after
// cancellation are discarded: the step stays CANCELLED whatever the tool
// returned.
func (e *Engine) apply(ctx context.Context, r *run, out outcome) {
	plan := r.plan

	r.mu.Lock()
	step := plan.Steps[out.stepID]
	if r.cancelled.Load() {
		step.Status = core.StepStatusCancelled
		step.Result = nil
		r.mu.Unlock()
		e.recordAudit(ctx, plan, out.stepID, string(core.StepStatusCancelled), r.cancelReason())
		e.metrics.RecordStep(ctx, step.Tool, string(core.StepStatusCancelled), 0)
		return
	}
	step.Status = out.status
	step.Result = out.result
	r.mu.Unlock()

	latencyMS := float64(out.latency) / float64(time.Millisecond)
	switch out.status {
	case core.StepStatusSucceeded:
		e.emitter.Emit(ctx, core.NewEvent(core.EventStepCompleted, plan.SessionID, plan.ID, out.stepID, map[string]any{
			"tool": step.Tool,
		}))
		e.recordAudit(ctx, plan, out.stepID, string(out.status), "")
	case core.StepStatusFailed:
		e.emitter.Emit(ctx, core.NewEvent(core.EventStepFailed, plan.SessionID, plan.ID, out.stepID, map[string]any{
			"tool":  step.Tool,
			"error": errMessage(out.err),
		}))
		e.recordAudit(ctx, plan, out.stepID, string(out.status), errMessage(out.err))
	case core.StepStatusCancelled:
		e.recordAudit(ctx, plan, out.stepID, string(out.status), errMessage(out.err))
	}
	e.metrics.RecordStep(ctx, step.Tool, string(out.status), latencyMS)
}

// runStep takes one claimed step through guardrails, confirmation, and the
// retrying tool invocation, and reports the terminal outcome.
func (e *Engine) runStep(ctx context.Context, r *run, stepID string) outcome {
	plan := r.plan
	step := plan.Step(stepID)

	ctx, span := e.tracer.Start(ctx, "engine.step",
		trace.WithAttributes(
			attribute.String("plan.id", plan.ID),
			attribute.String("step.id", stepID),
			attribute.String("tool", step.Tool),
		))
	defer span.End()

	entry, err := e.registry.Get(step.Tool)
	if err != nil {
		// Validation should have caught this; treat a racing deregistration
		// as a terminal step failure.
		span.RecordError(err)
		return outcome{stepID: stepID, status: core.StepStatusFailed, err: err}
	}

	switch e.guardrails.Classify(entry.Spec, step.Params) {
	case core.SensitivityBlocked:
		// A blocked step never transitions to RUNNING work; it fails before
		// the tool is touched.
		err := errors.Newf(errors.CodeGuardrailDenied, "tool %q is blocked by policy", step.Tool).
			WithContext("step_id", stepID)
		span.RecordError(err)
		e.metrics.RecordGuardrailDenied(ctx, "blocklist")
		e.logger.WarnContext(ctx, "engine.step.blocked",
			slog.String("plan_id", plan.ID),
			slog.String("step_id", stepID),
			slog.String("tool", step.Tool),
		)
		return outcome{stepID: stepID, status: core.StepStatusFailed, err: err}

	case core.SensitivityConfirm:
		approved, err := e.awaitConfirmation(ctx, r, stepID, step)
		if err != nil {
			span.RecordError(err)
			return outcome{stepID: stepID, status: core.StepStatusCancelled, err: err}
		}
		if !approved {
			e.metrics.RecordGuardrailDenied(ctx, "confirmation_denied")
			return outcome{
				stepID: stepID,
				status: core.StepStatusCancelled,
				err: errors.Newf(errors.CodeGuardrailDenied, "confirmation denied for tool %q", step.Tool).
					WithContext("step_id", stepID),
			}
		}
	}

	// A spent rate-limit window pauses dispatch of this step until the window
	// rolls. The step stays PENDING while it waits; the wait is not a failure
	// and never charges the retry budget.
	if err := e.guardrails.AwaitRateLimit(ctx, plan.SessionID); err != nil {
		span.RecordError(err)
		return outcome{stepID: stepID, status: core.StepStatusCancelled, err: err}
	}

	r.setStepStatus(stepID, core.StepStatusRunning)
	e.emitter.Emit(ctx, core.NewEvent(core.EventStepStarted, plan.SessionID, plan.ID, stepID, map[string]any{
		"tool": step.Tool,
	}))
	e.recordAudit(ctx, plan, stepID, string(core.StepStatusRunning), "")

	result, latency, err := e.invoke(ctx, r, stepID, entry, step)
	if err != nil {
		return outcome{stepID: stepID, status: core.StepStatusFailed, err: err, latency: latency}
	}
	return outcome{stepID: stepID, status: core.StepStatusSucceeded, result: result, latency: latency}
}

// awaitConfirmation parks the step in AWAITING_CONFIRMATION until the handle
// resolves. The rate limit is charged only after approval. A handle already
// on record for this step, created before a restart, is reused: if it was
// resolved while the process was down, the stored outcome applies without
// prompting again.
func (e *Engine) awaitConfirmation(ctx context.Context, r *run, stepID string, step *planner.Step) (bool, error) {
	plan := r.plan
	r.setStepStatus(stepID, core.StepStatusAwaitingConfirmation)
	e.recordAudit(ctx, plan, stepID, string(core.StepStatusAwaitingConfirmation), "")

	record, err := e.guardrails.FindForStep(ctx, plan.ID, stepID)
	if err != nil {
		return false, errors.New(errors.CodeInternal, "confirmation lookup failed", err)
	}
	if record == nil {
		record, err = e.guardrails.RequestConfirmation(ctx, plan.SessionID, plan.ID, stepID, step.Tool, step.Params)
		if err != nil {
			return false, errors.New(errors.CodeInternal, "confirmation request failed", err)
		}
	}
	e.emitter.Emit(ctx, core.NewEvent(core.EventConfirmationRequested, plan.SessionID, plan.ID, stepID, map[string]any{
		"confirmation_id": record.ID,
		"tool":            step.Tool,
		"params":          step.Params,
	}))
	e.logger.InfoContext(ctx, "engine.step.awaiting_confirmation",
		slog.String("plan_id", plan.ID),
		slog.String("step_id", stepID),
		slog.String("confirmation_id", record.ID),
	)

	resolution, err := e.guardrails.Await(ctx, record.ID)
	if err != nil {
		return false, err
	}
	return resolution.Approved, nil
}

// invoke runs the tool with a per-attempt timeout and retries for recoverable
// failures. Rate-limit budget for the first attempt is acquired before the
// step transitions to RUNNING.
func (e *Engine) invoke(ctx context.Context, r *run, stepID string, entry registry.Entry, step *planner.Step) (*core.ToolResult, time.Duration, error) {
	plan := r.plan
	retry := resilience.DefaultRetryConfig().
		WithMaxAttempts(e.opts.MaxRetries + 1).
		WithInitialDelay(e.opts.InitialBackoff)

	var result *core.ToolResult
	attempt := 0
	started := time.Now()
	err := retry.DoNotify(ctx, func() error {
		// The first attempt's budget slot was consumed before dispatch; each
		// retry is its own invocation and waits for the window like any other.
		attempt++
		if attempt > 1 {
			if err := e.guardrails.AwaitRateLimit(ctx, plan.SessionID); err != nil {
				return err
			}
		}
		return resilience.WithTimeout(ctx, e.opts.StepTimeout, func(ctx context.Context) error {
			res, err := entry.Tool.Invoke(ctx, step.Params)
			if err != nil {
				return errors.New(errors.CodeStepExecution, fmt.Sprintf("tool %q failed", step.Tool), err).
					WithContext("step_id", stepID)
			}
			if res != nil && !res.Success {
				return errors.Newf(errors.CodeStepExecution, "tool %q reported failure: %s", step.Tool, res.Error).
					WithContext("step_id", stepID)
			}
			result = res
			return nil
		})
	}, func(attempt int, lastErr error) {
		r.incrementRetries(stepID)
		e.metrics.RecordRetry(ctx, step.Tool)
		e.logger.WarnContext(ctx, "engine.step.retry",
			slog.String("plan_id", plan.ID),
			slog.String("step_id", stepID),
			slog.Int("attempt", attempt),
			slog.String("error", lastErr.Error()),
		)
	})
	return result, time.Since(started), err
}

// finish computes and publishes the plan's terminal status.
func (e *Engine) finish(ctx context.Context, r *run) core.PlanStatus {
	plan := r.plan

	status := core.PlanStatusCompleted
	if r.cancelled.Load() {
		status = core.PlanStatusCancelled
	} else {
		r.mu.Lock()
		for _, step := range plan.Steps {
			if step.Status != core.StepStatusSucceeded {
				status = core.PlanStatusFailed
				break
			}
		}
		r.mu.Unlock()
	}
	r.setPlanStatus(status)

	eventType := core.EventPlanCompleted
	switch status {
	case core.PlanStatusFailed:
		eventType = core.EventPlanFailed
	case core.PlanStatusCancelled:
		eventType = core.EventPlanCancelled
	}
	e.emitter.Emit(ctx, core.NewEvent(eventType, plan.SessionID, plan.ID, "", map[string]any{
		"results": len(plan.Results()),
	}))
	e.recordAudit(ctx, plan, "", string(status), r.cancelReason())
	e.metrics.RecordPlan(ctx, string(status))
	e.logger.InfoContext(ctx, "engine.plan.finished",
		slog.String("plan_id", plan.ID),
		slog.String("session_id", plan.SessionID),
		slog.String("status", string(status)),
	)
	return status
}

func (e *Engine) recordAudit(ctx context.Context, plan *planner.Plan, stepID, status, detail string) {
	if e.audit == nil {
		return
	}
	err := e.audit.Record(ctx, planner.AuditEvent{
		PlanID:    plan.ID,
		SessionID: plan.SessionID,
		StepID:    stepID,
		Status:    status,
		Detail:    detail,
	})
	if err != nil {
		e.logger.WarnContext(ctx, "engine.audit.record_failed", slog.String("error", err.Error()))
	}
}

func (r *run) claim(stepID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.claimed[stepID] = true
}

func (r *run) setPlanStatus(status core.PlanStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plan.Status = status
}

func (r *run) setStepStatus(stepID string, status core.StepStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plan.Steps[stepID].Status = status
}

func (r *run) incrementRetries(stepID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plan.Steps[stepID].RetriesUsed++
}

func (r *run) allTerminal() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.plan.Terminal()
}

func (r *run) cancelReason() string {
	if reason, ok := r.reason.Load().(string); ok {
		return reason
	}
	return ""
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
