// Package registry catalogs the invocable capabilities available to the
// planner and the execution engine. Tools register once at process start and
// are dispatched through an explicit interface, never by reflection.
package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/otto-voice/otto/pkg/core"
	"github.com/otto-voice/otto/pkg/errors"
)

// Tool is a concrete capability implementation. Concrete tools (browser
// actions, system queries, external APIs) live outside the core and plug in
// through this contract.
type Tool interface {
	Name() string
	Invoke(ctx context.Context, params map[string]any) (*core.ToolResult, error)
}

// Param describes one parameter in a tool's schema.
type Param struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // string, number, boolean, object
	Required    bool   `json:"required"`
	Description string `json:"description,omitempty"`
}

// Spec is the registered contract of a tool: its schema, sensitivity class,
// and declared side effects. Immutable once registered.
type Spec struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Params      []Param          `json:"params,omitempty"`
	Sensitivity core.Sensitivity `json:"sensitivity"`
	SideEffects string           `json:"side_effects,omitempty"` // informational tag
}

// RequiredParams returns the names of required parameters in schema order.
func (s Spec) RequiredParams() []string {
	var out []string
	for _, p := range s.Params {
		if p.Required {
			out = append(out, p.Name)
		}
	}
	return out
}

// Entry pairs a tool implementation with its registered spec.
type Entry struct {
	Tool Tool
	Spec Spec
}

// Registry is the in-memory tool catalog. Safe for concurrent reads across
// sessions; registration happens at startup and is treated as immutable.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{tools: make(map[string]Entry)}
}

// Register adds a tool under its spec name. Fails with DUPLICATE_TOOL if the
// name is already taken.
func (r *Registry) Register(tool Tool, spec Spec) error {
	if tool == nil {
		return errors.Newf(errors.CodeInvalidInput, "tool is nil")
	}
	if spec.Name == "" {
		spec.Name = tool.Name()
	}
	if spec.Name == "" {
		return errors.Newf(errors.CodeInvalidInput, "tool name is required")
	}
	if spec.Sensitivity == "" {
		spec.Sensitivity = core.SensitivityNone
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[spec.Name]; exists {
		return errors.Newf(errors.CodeDuplicateTool, "tool %q already registered", spec.Name)
	}
	r.tools[spec.Name] = Entry{Tool: tool, Spec: spec}
	return nil
}

// Get returns the entry for an exact tool name. Partial or fuzzy matches are
// rejected with TOOL_NOT_FOUND; the planner must never silently resolve an
// ambiguous name.
func (r *Registry) Get(name string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.tools[name]
	if !ok {
		return Entry{}, errors.Newf(errors.CodeToolNotFound, "tool %q not registered", name)
	}
	return entry, nil
}

// List returns all registered specs sorted by name, for plan validation and
// for the planner's prompt construction.
func (r *Registry) List() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Spec, 0, len(r.tools))
	for _, entry := range r.tools {
		out = append(out, entry.Spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Func adapts a plain function into a Tool.
type Func struct {
	ToolName string
	Fn       func(ctx context.Context, params map[string]any) (*core.ToolResult, error)
}

// Name implements Tool.
func (f Func) Name() string { return f.ToolName }

// Invoke implements Tool.
func (f Func) Invoke(ctx context.Context, params map[string]any) (*core.ToolResult, error) {
	return f.Fn(ctx, params)
}

var _ Tool = Func{}
