package planner

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/otto-voice/otto/pkg/core"
)

func linearPlan() *Plan {
	return &Plan{
		ID:        "plan-1",
		SessionID: "s1",
		Goal:      "g",
		Steps: map[string]*Step{
			"a": {ID: "a", Tool: "t1", Status: core.StepStatusPending},
			"b": {ID: "b", Tool: "t2", DependsOn: []string{"a"}, Status: core.StepStatusPending},
			"c": {ID: "c", Tool: "t3", DependsOn: []string{"b"}, Status: core.StepStatusPending},
		},
		Order:  []string{"a", "b", "c"},
		Status: core.PlanStatusCreated,
	}
}

func TestValidateAcceptsLinearChain(t *testing.T) {
	if err := linearPlan().Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateRejectsCycle(t *testing.T) {
	plan := linearPlan()
	plan.Steps["a"].DependsOn = []string{"c"}
	if err := plan.Validate(); err == nil {
		t.Fatal("expected cycle error")
	}
}

func TestValidateRejectsSelfDependency(t *testing.T) {
	plan := linearPlan()
	plan.Steps["b"].DependsOn = []string{"b"}
	if err := plan.Validate(); err == nil {
		t.Fatal("expected self-dependency error")
	}
}

func TestValidateRejectsUnknownDependency(t *testing.T) {
	plan := linearPlan()
	plan.Steps["c"].DependsOn = []string{"ghost"}
	if err := plan.Validate(); err == nil {
		t.Fatal("expected unknown dependency error")
	}
}

func TestValidateRejectsEmptyPlan(t *testing.T) {
	plan := &Plan{ID: "p", Steps: map[string]*Step{}}
	if err := plan.Validate(); err == nil {
		t.Fatal("expected error for empty plan")
	}
}

func TestResultsReturnsOnlySucceededSteps(t *testing.T) {
	plan := linearPlan()
	plan.Steps["a"].Status = core.StepStatusSucceeded
	plan.Steps["a"].Result = &core.ToolResult{Success: true, Output: "done"}
	plan.Steps["b"].Status = core.StepStatusFailed
	plan.Steps["c"].Status = core.StepStatusSkipped

	results := plan.Results()
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results["a"].Output != "done" {
		t.Fatalf("unexpected result: %+v", results["a"])
	}
}

func TestJSONRoundTrip(t *testing.T) {
	plan := linearPlan()
	data, err := MarshalJSON(plan)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	parsed, err := ParseJSON(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.ID != plan.ID || len(parsed.Steps) != 3 {
		t.Fatalf("round-trip mismatch: %+v", parsed)
	}
	if parsed.Step("b").DependsOn[0] != "a" {
		t.Fatalf("dependencies lost: %+v", parsed.Step("b"))
	}
}

func TestParseYAMLNormalizesFixture(t *testing.T) {
	fixture := []byte(`
id: plan-9
session_id: s1
goal: water the plants
steps:
  check:
    tool: soil_moisture
  water:
    tool: sprinkler
    depends_on: [check]
`)
	plan, err := ParseYAML(fixture)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if plan.Status != core.PlanStatusCreated {
		t.Fatalf("expected status backfilled, got %q", plan.Status)
	}
	if plan.Step("check").ID != "check" {
		t.Fatal("expected step id backfilled from map key")
	}
	if plan.Step("water").Status != core.StepStatusPending {
		t.Fatalf("expected pending, got %q", plan.Step("water").Status)
	}
	if len(plan.Order) != 2 {
		t.Fatalf("expected order backfilled, got %v", plan.Order)
	}
}

func TestParseJSONRejectsCycle(t *testing.T) {
	fixture := []byte(`{
		"id": "plan-9",
		"steps": {
			"a": {"tool": "t", "depends_on": ["b"]},
			"b": {"tool": "t", "depends_on": ["a"]}
		}
	}`)
	if _, err := ParseJSON(fixture); err == nil {
		t.Fatal("expected cycle error")
	}
}

func TestSQLiteAuditRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := OpenSQLiteAuditStore(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	events := []AuditEvent{
		{PlanID: "plan-1", SessionID: "s1", Status: "created", Detail: "goal"},
		{PlanID: "plan-1", SessionID: "s1", StepID: "step-1", Status: "running"},
		{PlanID: "plan-1", SessionID: "s1", StepID: "step-1", Status: "succeeded"},
		{PlanID: "plan-2", SessionID: "s2", Status: "created"},
	}
	for _, event := range events {
		if err := store.Record(ctx, event); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	byPlan, err := store.List(ctx, AuditFilter{PlanID: "plan-1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(byPlan) != 3 {
		t.Fatalf("expected 3 events for plan-1, got %d", len(byPlan))
	}
	if byPlan[0].Status != "created" || byPlan[2].Status != "succeeded" {
		t.Fatalf("expected insertion order, got %v", byPlan)
	}

	byStep, err := store.List(ctx, AuditFilter{StepID: "step-1", Status: "succeeded"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(byStep) != 1 {
		t.Fatalf("expected 1 event, got %d", len(byStep))
	}

	if err := store.Record(ctx, AuditEvent{Status: "created"}); err == nil {
		t.Fatal("expected error for missing plan_id")
	}
}
