package planner

import (
	"encoding/json"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/otto-voice/otto/pkg/core"
)

// MarshalJSON serializes the plan for audit records and API surfaces.
func MarshalJSON(p *Plan) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("plan is nil")
	}
	return json.Marshal(p)
}

// ParseJSON deserializes a plan and validates it.
func ParseJSON(data []byte) (*Plan, error) {
	var plan Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("parse plan json: %w", err)
	}
	normalize(&plan)
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return &plan, nil
}

// MarshalYAML serializes the plan as YAML, the format used for plan fixtures
// and operator inspection.
func MarshalYAML(p *Plan) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("plan is nil")
	}
	return yaml.Marshal(p)
}

// ParseYAML deserializes a YAML plan and validates it.
func ParseYAML(data []byte) (*Plan, error) {
	var plan Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("parse plan yaml: %w", err)
	}
	normalize(&plan)
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return &plan, nil
}

// normalize repairs redundant fields so hand-written fixtures can omit them:
// step ids are backfilled from map keys, missing statuses default to pending,
// and an absent order falls back to a deterministic sort of the step ids.
func normalize(p *Plan) {
	for id, step := range p.Steps {
		if step.ID == "" {
			step.ID = id
		}
		if step.Status == "" {
			step.Status = core.StepStatusPending
		}
	}
	if p.Status == "" {
		p.Status = core.PlanStatusCreated
	}
	if len(p.Order) == 0 {
		p.Order = sortedStepIDs(p)
	}
}

func sortedStepIDs(p *Plan) []string {
	ids := make([]string, 0, len(p.Steps))
	for id := range p.Steps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
