package planner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/otto-voice/otto/pkg/core"
	"github.com/otto-voice/otto/pkg/dialogue"
	"github.com/otto-voice/otto/pkg/errors"
	"github.com/otto-voice/otto/pkg/registry"
)

// Planner builds validated plans from user goals. It owns no execution: the
// output of CreatePlan is a Plan in status CREATED, ready to hand to the
// execution engine.
type Planner struct {
	reasoner Reasoner
	registry *registry.Registry
	dialogue *dialogue.Manager
	audit    AuditStore
	tracer   trace.Tracer
	logger   *slog.Logger
}

// Option configures a Planner.
type Option func(*Planner)

// WithAuditStore records plan lifecycle events to the given store.
func WithAuditStore(store AuditStore) Option {
	return func(p *Planner) { p.audit = store }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Planner) { p.logger = logger }
}

// New creates a planner. The dialogue manager may be nil, in which case
// plans are built without slot filling.
func New(reasoner Reasoner, reg *registry.Registry, dlg *dialogue.Manager, opts ...Option) *Planner {
	p := &Planner{
		reasoner: reasoner,
		registry: reg,
		dialogue: dlg,
		audit:    NewMemoryAuditStore(),
		tracer:   otel.Tracer("otto/planner"),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Audit returns the planner's audit store, shared with the execution engine.
func (p *Planner) Audit() AuditStore {
	return p.audit
}

// CreatePlan decomposes goal into a validated plan for the session.
//
// The reasoner's draft is untrusted and is checked in full: every tool must
// resolve in the registry (INVALID_PLAN otherwise), the dependency graph must
// be acyclic (INVALID_PLAN), and every required parameter must be supplied by
// the draft or fillable from the session's slots (INCOMPLETE_PLAN naming the
// missing parameters, so the dialogue layer can ask a follow-up question).
func (p *Planner) CreatePlan(ctx context.Context, sessionID, goal string) (*Plan, error) {
	ctx, span := p.tracer.Start(ctx, "planner.create_plan",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
		))
	defer span.End()

	if strings.TrimSpace(goal) == "" {
		return nil, errors.Newf(errors.CodeInvalidInput, "goal is required")
	}

	var snapshot dialogue.Snapshot
	if p.dialogue != nil {
		// An unseen session just means no slots are filled yet.
		if snap, err := p.dialogue.Snapshot(sessionID); err == nil {
			snapshot = snap
		}
	}

	draft, err := p.reasoner.Decompose(ctx, Request{
		Goal:             goal,
		Tools:            p.registry.List(),
		FilledSlots:      snapshot.FilledSlots,
		RecentTurns:      snapshot.RecentTurns,
		RetrievedContext: snapshot.RetrievedContext,
	})
	if err != nil {
		span.RecordError(err)
		return nil, errors.New(errors.CodeInvalidPlan, "goal decomposition failed", err).
			WithContext("goal", goal)
	}
	if draft == nil || len(draft.Steps) == 0 {
		return nil, errors.Newf(errors.CodeInvalidPlan, "reasoner produced an empty plan for goal %q", goal)
	}

	plan, err := p.assemble(sessionID, goal, draft, snapshot)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(
		attribute.String("plan.id", plan.ID),
		attribute.Int("plan.steps", len(plan.Steps)),
	)
	p.logger.InfoContext(ctx, "planner.plan.created",
		slog.String("plan_id", plan.ID),
		slog.String("session_id", sessionID),
		slog.Int("steps", len(plan.Steps)),
	)
	if p.audit != nil {
		// The creation event carries the full plan document so the plan can be
		// reconstructed from the audit trail after a restart.
		document, merr := MarshalJSON(plan)
		if merr != nil {
			document = []byte(goal)
		}
		if err := p.audit.Record(ctx, AuditEvent{
			PlanID:    plan.ID,
			SessionID: sessionID,
			Status:    string(core.PlanStatusCreated),
			Detail:    string(document),
		}); err != nil {
			p.logger.WarnContext(ctx, "planner.audit.record_failed", slog.String("error", err.Error()))
		}
	}
	return plan, nil
}

// assemble turns a draft into a validated Plan, assigning stable step ids and
// filling required parameters from the session's slots.
func (p *Planner) assemble(sessionID, goal string, draft *Draft, snapshot dialogue.Snapshot) (*Plan, error) {
	plan := &Plan{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Goal:      goal,
		Steps:     make(map[string]*Step, len(draft.Steps)),
		Order:     make([]string, 0, len(draft.Steps)),
		Status:    core.PlanStatusCreated,
		CreatedAt: time.Now().UTC(),
	}

	var missing []string
	for i, ds := range draft.Steps {
		id := fmt.Sprintf("step-%d", i+1)

		entry, err := p.registry.Get(ds.Tool)
		if err != nil {
			return nil, errors.New(errors.CodeInvalidPlan, "plan references an unregistered tool", err).
				WithContext("tool", ds.Tool).
				WithContext("step_id", id)
		}

		params := make(map[string]any, len(ds.Params))
		for k, v := range ds.Params {
			params[k] = v
		}
		for _, name := range entry.Spec.RequiredParams() {
			if _, ok := params[name]; ok {
				continue
			}
			if entity, ok := snapshot.FilledSlots[name]; ok {
				params[name] = entity.Value
				continue
			}
			missing = append(missing, fmt.Sprintf("%s.%s", ds.Tool, name))
		}

		deps := make([]string, 0, len(ds.DependsOn))
		for _, dep := range ds.DependsOn {
			if dep < 0 || dep >= len(draft.Steps) {
				return nil, errors.Newf(errors.CodeInvalidPlan, "step %q depends on out-of-range step index %d", id, dep)
			}
			deps = append(deps, fmt.Sprintf("step-%d", dep+1))
		}

		plan.Steps[id] = &Step{
			ID:        id,
			Tool:      ds.Tool,
			Params:    params,
			DependsOn: deps,
			Status:    core.StepStatusPending,
		}
		plan.Order = append(plan.Order, id)
	}

	if len(missing) > 0 {
		return nil, errors.Newf(errors.CodeIncompletePlan, "missing required parameters: %s", strings.Join(missing, ", ")).
			WithContext("missing_params", missing)
	}

	if err := plan.Validate(); err != nil {
		return nil, errors.New(errors.CodeInvalidPlan, "plan failed validation", err)
	}
	return plan, nil
}
