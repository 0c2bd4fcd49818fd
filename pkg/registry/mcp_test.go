package registry

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/otto-voice/otto/pkg/core"
	"github.com/otto-voice/otto/pkg/errors"
)

// fakeCaller returns a canned MCP result and records the last call.
type fakeCaller struct {
	lastName string
	lastArgs map[string]any
	result   *mcp.CallToolResult
	err      error
}

func (f *fakeCaller) CallTool(_ context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	f.lastName = name
	f.lastArgs = args
	return f.result, f.err
}

func forecastTool() mcp.Tool {
	return mcp.Tool{
		Name:        "get_forecast",
		Description: "Weather forecast for a location",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"location": map[string]any{"type": "string"},
				"days":     map[string]any{"type": "number"},
			},
			Required: []string{"location"},
		},
	}
}

func TestMCPToolSpecDerivation(t *testing.T) {
	adapted, err := NewMCPTool(forecastTool(), &fakeCaller{})
	if err != nil {
		t.Fatalf("adapt: %v", err)
	}

	spec := adapted.Spec()
	if spec.Name != "get_forecast" {
		t.Fatalf("unexpected name: %q", spec.Name)
	}
	// Adapted tools carry no sensitivity metadata, so they default to confirm.
	if spec.Sensitivity != core.SensitivityConfirm {
		t.Fatalf("expected confirm sensitivity, got %q", spec.Sensitivity)
	}
	if len(spec.Params) != 2 {
		t.Fatalf("expected 2 params, got %v", spec.Params)
	}
	required := spec.RequiredParams()
	if len(required) != 1 || required[0] != "location" {
		t.Fatalf("unexpected required params: %v", required)
	}
}

func TestMCPToolInvokeDecodesJSONText(t *testing.T) {
	caller := &fakeCaller{result: &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: `{"temp": 21}`}},
	}}
	adapted, err := NewMCPTool(forecastTool(), caller)
	if err != nil {
		t.Fatalf("adapt: %v", err)
	}

	result, err := adapted.Invoke(context.Background(), map[string]any{"location": "Lisbon"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if caller.lastName != "get_forecast" || caller.lastArgs["location"] != "Lisbon" {
		t.Fatalf("call not forwarded: %s %v", caller.lastName, caller.lastArgs)
	}
	output, ok := result.Output.(map[string]any)
	if !ok || output["temp"] != float64(21) {
		t.Fatalf("expected decoded JSON output, got %v", result.Output)
	}
}

func TestMCPToolInvokeServerReportedError(t *testing.T) {
	caller := &fakeCaller{result: &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "city not found"}},
	}}
	adapted, err := NewMCPTool(forecastTool(), caller)
	if err != nil {
		t.Fatalf("adapt: %v", err)
	}

	result, err := adapted.Invoke(context.Background(), map[string]any{"location": "Atlantis"})
	if err != nil {
		t.Fatalf("server-side errors fold into the result: %v", err)
	}
	if result.Success || result.Error == "" {
		t.Fatalf("expected failed result with error text, got %+v", result)
	}
}

func TestMCPToolInvokeTransportError(t *testing.T) {
	caller := &fakeCaller{err: stderrors.New("pipe closed")}
	adapted, err := NewMCPTool(forecastTool(), caller)
	if err != nil {
		t.Fatalf("adapt: %v", err)
	}

	if _, err := adapted.Invoke(context.Background(), nil); !errors.HasCode(err, errors.CodeStepExecution) {
		t.Fatalf("expected STEP_EXECUTION, got %v", err)
	}
}

func TestMCPToolRegistersAndDispatches(t *testing.T) {
	caller := &fakeCaller{result: &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "sunny"}},
	}}
	adapted, err := NewMCPTool(forecastTool(), caller)
	if err != nil {
		t.Fatalf("adapt: %v", err)
	}

	r := New()
	if err := r.Register(adapted, adapted.Spec()); err != nil {
		t.Fatalf("register: %v", err)
	}
	entry, err := r.Get("get_forecast")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	result, err := entry.Tool.Invoke(context.Background(), map[string]any{"location": "Oslo"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if !result.Success || result.Output != "sunny" {
		t.Fatalf("unexpected result: %+v", result)
	}
}
