package planner

import (
	"context"
	"sync"

	"github.com/otto-voice/otto/pkg/core"
	"github.com/otto-voice/otto/pkg/errors"
	"github.com/otto-voice/otto/pkg/registry"
)

// Request is everything the reasoner gets to work with: the goal, the tool
// catalog, and the session's conversational state.
type Request struct {
	Goal             string
	Tools            []registry.Spec
	FilledSlots      map[string]core.Entity
	RecentTurns      []core.Turn
	RetrievedContext string
}

// DraftStep is one proposed step before validation. DependsOn holds indexes
// into the draft's step list; the planner assigns stable ids afterwards.
type DraftStep struct {
	Tool      string         `json:"tool" yaml:"tool"`
	Params    map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	DependsOn []int          `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
}

// Draft is the reasoner's proposed decomposition of a goal.
type Draft struct {
	Steps []DraftStep `json:"steps" yaml:"steps"`
}

// Reasoner decomposes a goal into a draft plan. Implementations wrap an LLM
// or any other decomposition strategy; the planner treats the draft as
// untrusted and validates it in full.
type Reasoner interface {
	Decompose(ctx context.Context, req Request) (*Draft, error)
}

// ReasonerFunc adapts a function into a Reasoner.
type ReasonerFunc func(ctx context.Context, req Request) (*Draft, error)

// Decompose implements Reasoner.
func (f ReasonerFunc) Decompose(ctx context.Context, req Request) (*Draft, error) {
	return f(ctx, req)
}

// ScriptedReasoner returns pre-canned drafts in order, one per call. Used in
// tests and demos where deterministic decomposition is required.
type ScriptedReasoner struct {
	mu     sync.Mutex
	drafts []*Draft
	err    error
	calls  int
}

// NewScriptedReasoner queues the given drafts for sequential replay.
func NewScriptedReasoner(drafts ...*Draft) *ScriptedReasoner {
	return &ScriptedReasoner{drafts: drafts}
}

// FailWith makes every subsequent call return err instead of a draft.
func (s *ScriptedReasoner) FailWith(err error) *ScriptedReasoner {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	return s
}

// Decompose implements Reasoner. Once the script is exhausted it fails with
// INTERNAL_ERROR so a runaway test loop surfaces immediately.
func (s *ScriptedReasoner) Decompose(_ context.Context, _ Request) (*Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if s.calls >= len(s.drafts) {
		return nil, errors.Newf(errors.CodeInternal, "scripted reasoner exhausted after %d calls", s.calls)
	}
	draft := s.drafts[s.calls]
	s.calls++
	return draft, nil
}

// Calls returns how many times Decompose has been invoked.
func (s *ScriptedReasoner) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

var _ Reasoner = (*ScriptedReasoner)(nil)
var _ Reasoner = ReasonerFunc(nil)
