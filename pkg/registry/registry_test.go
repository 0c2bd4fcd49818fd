package registry

import (
	"context"
	"testing"

	"github.com/otto-voice/otto/pkg/core"
	"github.com/otto-voice/otto/pkg/errors"
)

func noopTool(name string) Func {
	return Func{
		ToolName: name,
		Fn: func(_ context.Context, _ map[string]any) (*core.ToolResult, error) {
			return &core.ToolResult{Success: true}, nil
		},
	}
}

func TestRegisterAndGet(t *testing.T) {
	r := New()
	spec := Spec{
		Name: "set_timer",
		Params: []Param{
			{Name: "duration", Type: "string", Required: true},
			{Name: "label", Type: "string"},
		},
	}
	if err := r.Register(noopTool("set_timer"), spec); err != nil {
		t.Fatalf("register: %v", err)
	}

	entry, err := r.Get("set_timer")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entry.Spec.Sensitivity != core.SensitivityNone {
		t.Fatalf("expected default sensitivity none, got %q", entry.Spec.Sensitivity)
	}
	required := entry.Spec.RequiredParams()
	if len(required) != 1 || required[0] != "duration" {
		t.Fatalf("unexpected required params: %v", required)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	r := New()
	if err := r.Register(noopTool("get_weather"), Spec{Name: "get_weather"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	err := r.Register(noopTool("get_weather"), Spec{Name: "get_weather"})
	if !errors.HasCode(err, errors.CodeDuplicateTool) {
		t.Fatalf("expected DUPLICATE_TOOL, got %v", err)
	}
}

func TestGetUnknownTool(t *testing.T) {
	r := New()
	if _, err := r.Get("missing"); !errors.HasCode(err, errors.CodeToolNotFound) {
		t.Fatalf("expected TOOL_NOT_FOUND, got %v", err)
	}
}

func TestGetRejectsPartialMatch(t *testing.T) {
	r := New()
	if err := r.Register(noopTool("set_timer"), Spec{Name: "set_timer"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	// Prefixes, suffixes, and case variants must not resolve.
	for _, name := range []string{"set_time", "set_timer_v2", "Set_Timer", "timer"} {
		if _, err := r.Get(name); !errors.HasCode(err, errors.CodeToolNotFound) {
			t.Fatalf("expected TOOL_NOT_FOUND for %q, got %v", name, err)
		}
	}
}

func TestListSorted(t *testing.T) {
	r := New()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := r.Register(noopTool(name), Spec{Name: name}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	specs := r.List()
	if len(specs) != 3 {
		t.Fatalf("expected 3 specs, got %d", len(specs))
	}
	if specs[0].Name != "alpha" || specs[1].Name != "mid" || specs[2].Name != "zeta" {
		t.Fatalf("expected sorted order, got %v", specs)
	}
}
