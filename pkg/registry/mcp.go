package registry

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/otto-voice/otto/pkg/core"
	"github.com/otto-voice/otto/pkg/errors"
)

// MCPCaller abstracts MCP tool execution for adapters.
type MCPCaller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
}

// MCPTool wraps a tool exposed by an MCP server so it satisfies the registry
// contract. The concrete server stays outside the core.
type MCPTool struct {
	tool   mcp.Tool
	caller MCPCaller
}

// NewMCPTool builds a registry Tool backed by an MCP tool definition and caller.
func NewMCPTool(tool mcp.Tool, caller MCPCaller) (*MCPTool, error) {
	if tool.Name == "" {
		return nil, errors.Newf(errors.CodeInvalidInput, "mcp tool name is required")
	}
	if caller == nil {
		return nil, errors.Newf(errors.CodeInvalidInput, "mcp tool caller is required")
	}
	return &MCPTool{tool: tool, caller: caller}, nil
}

// Name implements Tool.
func (t *MCPTool) Name() string { return t.tool.Name }

// Spec derives a registry spec from the MCP input schema. MCP carries no
// sensitivity metadata, so adapted tools default to confirm and rely on the
// guardrail blocklist for hard denials.
func (t *MCPTool) Spec() Spec {
	spec := Spec{
		Name:        t.tool.Name,
		Description: t.tool.Description,
		Sensitivity: core.SensitivityConfirm,
		SideEffects: "external",
	}
	required := make(map[string]bool, len(t.tool.InputSchema.Required))
	for _, name := range t.tool.InputSchema.Required {
		required[name] = true
	}
	for name, raw := range t.tool.InputSchema.Properties {
		paramType := "string"
		if prop, ok := raw.(map[string]any); ok {
			if pt, ok := prop["type"].(string); ok {
				paramType = pt
			}
		}
		spec.Params = append(spec.Params, Param{
			Name:     name,
			Type:     paramType,
			Required: required[name],
		})
	}
	return spec
}

// Invoke implements Tool by forwarding to the MCP caller and folding the
// result into a ToolResult.
func (t *MCPTool) Invoke(ctx context.Context, params map[string]any) (*core.ToolResult, error) {
	start := time.Now()
	result, err := t.caller.CallTool(ctx, t.tool.Name, params)
	latency := time.Since(start)
	if err != nil {
		return nil, errors.New(errors.CodeStepExecution, "mcp tool call failed", err).
			WithContext("tool", t.tool.Name)
	}
	output, err := mcpResultOutput(result)
	if err != nil {
		return &core.ToolResult{Success: false, Error: err.Error(), Latency: latency}, nil
	}
	return &core.ToolResult{Success: true, Output: output, Latency: latency}, nil
}

func mcpResultOutput(result *mcp.CallToolResult) (any, error) {
	if result == nil {
		return nil, errors.Newf(errors.CodeStepExecution, "mcp tool result is nil")
	}
	if result.IsError {
		return nil, errors.Newf(errors.CodeStepExecution, "mcp tool returned error: %s", mcpTextContent(result.Content))
	}
	if result.StructuredContent != nil {
		return result.StructuredContent, nil
	}
	if text := mcpTextContent(result.Content); text != "" {
		return decodeIfJSON(text), nil
	}
	return result, nil
}

func mcpTextContent(items []mcp.Content) string {
	if len(items) == 0 {
		return ""
	}
	var parts []string
	for _, item := range items {
		switch content := item.(type) {
		case mcp.TextContent:
			parts = append(parts, content.Text)
		case *mcp.TextContent:
			parts = append(parts, content.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func decodeIfJSON(text string) any {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var decoded any
		if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil {
			return decoded
		}
	}
	return text
}

var _ Tool = (*MCPTool)(nil)
