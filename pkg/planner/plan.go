// Package planner turns a user goal into a validated plan: an acyclic graph
// of tool invocations with explicit dependencies, checked against the tool
// registry and the session's filled slots before anything executes.
package planner

import (
	"fmt"
	"time"

	"github.com/otto-voice/otto/pkg/core"
)

// Step is one unit of planned work: a tool invocation with its dependencies,
// status, and eventual result.
type Step struct {
	ID          string           `json:"id" yaml:"id"`
	Tool        string           `json:"tool" yaml:"tool"`
	Params      map[string]any   `json:"params,omitempty" yaml:"params,omitempty"`
	DependsOn   []string         `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Status      core.StepStatus  `json:"status" yaml:"status"`
	RetriesUsed int              `json:"retries_used" yaml:"retries_used"`
	Result      *core.ToolResult `json:"result,omitempty" yaml:"result,omitempty"`
}

// Plan is an ordered DAG of steps addressing one user goal. Steps live in a
// flat map keyed by id; Order preserves declaration order for deterministic
// scheduling tie-breaks.
type Plan struct {
	ID        string           `json:"id" yaml:"id"`
	SessionID string           `json:"session_id" yaml:"session_id"`
	Goal      string           `json:"goal" yaml:"goal"`
	Steps     map[string]*Step `json:"steps" yaml:"steps"`
	Order     []string         `json:"order" yaml:"order"`
	Status    core.PlanStatus  `json:"status" yaml:"status"`
	CreatedAt time.Time        `json:"created_at" yaml:"created_at"`
}

// Step returns the step with the given id, or nil.
func (p *Plan) Step(id string) *Step {
	if p == nil {
		return nil
	}
	return p.Steps[id]
}

// Validate ensures the plan is well-formed for execution: every step is
// present in the order, every dependency references an existing step, and
// the dependency graph is acyclic.
func (p *Plan) Validate() error {
	if p == nil {
		return fmt.Errorf("plan is nil")
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("plan has no steps")
	}
	if len(p.Order) != len(p.Steps) {
		return fmt.Errorf("plan order lists %d steps, have %d", len(p.Order), len(p.Steps))
	}
	for _, id := range p.Order {
		step, ok := p.Steps[id]
		if !ok {
			return fmt.Errorf("ordered step %q not found", id)
		}
		if step.ID == "" {
			step.ID = id
		}
		if step.Tool == "" {
			return fmt.Errorf("step %q missing tool", id)
		}
		for _, dep := range step.DependsOn {
			if dep == id {
				return fmt.Errorf("step %q depends on itself", id)
			}
			if _, ok := p.Steps[dep]; !ok {
				return fmt.Errorf("step %q depends on unknown step %q", id, dep)
			}
		}
	}
	if cycle := p.findCycle(); cycle != "" {
		return fmt.Errorf("cycle detected at step %q", cycle)
	}
	return nil
}

// findCycle runs Kahn's algorithm over the dependency graph and returns the
// id of a step stuck in a cycle, or empty if the graph is acyclic.
func (p *Plan) findCycle() string {
	indegree := make(map[string]int, len(p.Steps))
	dependents := make(map[string][]string, len(p.Steps))
	for id, step := range p.Steps {
		indegree[id] += 0
		for _, dep := range step.DependsOn {
			indegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var frontier []string
	for _, id := range p.Order {
		if indegree[id] == 0 {
			frontier = append(frontier, id)
		}
	}

	visited := 0
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		visited++
		for _, dependent := range dependents[id] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				frontier = append(frontier, dependent)
			}
		}
	}

	if visited == len(p.Steps) {
		return ""
	}
	for _, id := range p.Order {
		if indegree[id] > 0 {
			return id
		}
	}
	return "unknown"
}

// Terminal reports whether every step has reached a terminal status.
func (p *Plan) Terminal() bool {
	for _, step := range p.Steps {
		if !step.Status.Terminal() {
			return false
		}
	}
	return true
}

// Results returns the results of all succeeded steps keyed by step id.
// Partial results are retained even when the plan as a whole fails.
func (p *Plan) Results() map[string]*core.ToolResult {
	out := make(map[string]*core.ToolResult)
	for id, step := range p.Steps {
		if step.Status == core.StepStatusSucceeded && step.Result != nil {
			out[id] = step.Result
		}
	}
	return out
}
