// Copyright 2026 © The Otto Authors
// SPDX-License-Identifier: Apache-2.0

// Package guardrails gates plan step execution: sensitivity classification
// with a hard blocklist, per-session rate limits, and confirmation handles
// that suspend a step until an external actor approves or denies it.
package guardrails

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/otto-voice/otto/pkg/core"
	"github.com/otto-voice/otto/pkg/errors"
	"github.com/otto-voice/otto/pkg/registry"
)

// Resolution is the outcome of a confirmation handle.
type Resolution struct {
	Approved bool
	Reason   string
}

// Guardrails wires classification, rate limiting, and confirmations.
type Guardrails struct {
	blocklist  []string
	limiter    *RateLimiter
	store      ConfirmationStore
	confirmTTL time.Duration

	mu      sync.Mutex
	waiters map[string]chan Resolution
}

// Option configures a Guardrails instance.
type Option func(*Guardrails)

// WithBlocklist sets patterns that force a blocked classification. A pattern
// matches case-insensitively against the tool name and all parameter values.
func WithBlocklist(patterns ...string) Option {
	return func(g *Guardrails) {
		for _, p := range patterns {
			p = strings.ToLower(strings.TrimSpace(p))
			if p != "" {
				g.blocklist = append(g.blocklist, p)
			}
		}
	}
}

// WithRateLimiter sets the per-session invocation limiter.
func WithRateLimiter(limiter *RateLimiter) Option {
	return func(g *Guardrails) { g.limiter = limiter }
}

// WithConfirmationStore sets the backing store for confirmation handles.
func WithConfirmationStore(store ConfirmationStore) Option {
	return func(g *Guardrails) { g.store = store }
}

// WithConfirmationTTL sets how long a pending confirmation stays valid. Zero
// means handles never expire on their own.
func WithConfirmationTTL(ttl time.Duration) Option {
	return func(g *Guardrails) { g.confirmTTL = ttl }
}

// New creates a Guardrails instance. Defaults: no blocklist, 10 invocations
// per minute per session, in-memory confirmation store.
func New(opts ...Option) *Guardrails {
	g := &Guardrails{
		waiters: make(map[string]chan Resolution),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.limiter == nil {
		g.limiter = NewRateLimiter(DefaultRatePerMinute)
	}
	if g.store == nil {
		g.store = NewMemoryConfirmationStore()
	}
	return g
}

// Classify returns the effective sensitivity of invoking a tool with the
// given parameters. Blocklist membership always wins over tool metadata.
func (g *Guardrails) Classify(spec registry.Spec, params map[string]any) core.Sensitivity {
	if g.matchesBlocklist(spec.Name) {
		return core.SensitivityBlocked
	}
	for _, value := range params {
		if text, ok := value.(string); ok && g.matchesBlocklist(text) {
			return core.SensitivityBlocked
		}
	}
	if spec.Sensitivity == "" {
		return core.SensitivityNone
	}
	return spec.Sensitivity
}

func (g *Guardrails) matchesBlocklist(text string) bool {
	lowered := strings.ToLower(text)
	for _, pattern := range g.blocklist {
		if strings.Contains(lowered, pattern) {
			return true
		}
	}
	return false
}

// CheckRateLimit consumes one invocation slot for the session. Returns a
// RATE_LIMITED error naming the wait when the window budget is spent.
func (g *Guardrails) CheckRateLimit(sessionID string) error {
	allowed, retryAfter := g.limiter.Allow(sessionID)
	if allowed {
		return nil
	}
	return errors.Newf(errors.CodeRateLimited, "session %q exceeded %d invocations per %s", sessionID, g.limiter.Limit(), g.limiter.Window()).
		WithContext("retry_after", retryAfter.String())
}

// AwaitRateLimit blocks until the session has invocation budget, consuming
// one slot. Exhausting the window pauses the caller until it rolls; the only
// error is a cancelled ctx. Step dispatch uses this so a rate-limited step
// waits out the window instead of failing.
func (g *Guardrails) AwaitRateLimit(ctx context.Context, sessionID string) error {
	for {
		allowed, retryAfter := g.limiter.Allow(sessionID)
		if allowed {
			return nil
		}
		if retryAfter <= 0 {
			retryAfter = time.Second
		}
		timer := time.NewTimer(retryAfter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.New(errors.CodeContextLost, "rate limit wait cancelled", ctx.Err())
		case <-timer.C:
		}
	}
}

// RequestConfirmation persists a pending confirmation handle for a step and
// returns it. The step stays suspended until Resolve is called; persistence
// means a process restart does not lose the outstanding handle.
func (g *Guardrails) RequestConfirmation(ctx context.Context, sessionID, planID, stepID, tool string, params map[string]any) (*Confirmation, error) {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal confirmation params: %w", err)
	}
	var expiresAt time.Time
	if g.confirmTTL > 0 {
		expiresAt = time.Now().Add(g.confirmTTL).UTC()
	}
	record, err := g.store.Create(ctx, Confirmation{
		SessionID: sessionID,
		PlanID:    planID,
		StepID:    stepID,
		Tool:      tool,
		Params:    string(paramsJSON),
		ExpiresAt: expiresAt,
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// Await blocks until the confirmation is resolved or ctx is done. If the
// handle was already resolved (e.g. recovered after a restart), it returns
// immediately from the store.
func (g *Guardrails) Await(ctx context.Context, id string) (Resolution, error) {
	record, err := g.store.Get(ctx, id)
	if err != nil {
		return Resolution{}, err
	}
	if record.Status != ConfirmationPending {
		return Resolution{
			Approved: record.Status == ConfirmationApproved,
			Reason:   record.Reason,
		}, nil
	}

	ch := make(chan Resolution, 1)
	g.mu.Lock()
	g.waiters[id] = ch
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.waiters, id)
		g.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return Resolution{}, errors.New(errors.CodeContextLost, "confirmation wait cancelled", ctx.Err())
	case resolution := <-ch:
		return resolution, nil
	}
}

// Resolve approves or denies a pending confirmation and wakes its waiter.
func (g *Guardrails) Resolve(ctx context.Context, id string, approved bool, reason string) error {
	status := ConfirmationDenied
	if approved {
		status = ConfirmationApproved
	}
	if _, err := g.store.UpdateStatus(ctx, id, status, reason); err != nil {
		return err
	}

	g.mu.Lock()
	ch, ok := g.waiters[id]
	g.mu.Unlock()
	if ok {
		ch <- Resolution{Approved: approved, Reason: reason}
	}
	return nil
}

// Pending lists outstanding confirmations, optionally scoped to a plan.
// Used by the presentation layer and by restart recovery.
func (g *Guardrails) Pending(ctx context.Context, planID string) ([]*Confirmation, error) {
	return g.store.List(ctx, ConfirmationFilter{PlanID: planID, Status: ConfirmationPending})
}

// FindForStep returns the confirmation handle recorded for a plan step, or
// nil when none exists. Restart recovery uses this to pick up a handle that
// was created, and possibly resolved, before the process went down.
func (g *Guardrails) FindForStep(ctx context.Context, planID, stepID string) (*Confirmation, error) {
	records, err := g.store.List(ctx, ConfirmationFilter{PlanID: planID, StepID: stepID, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[0], nil
}

// DenyPlan denies every pending confirmation belonging to a plan. Called on
// plan cancellation so no handle stays dangling.
func (g *Guardrails) DenyPlan(ctx context.Context, planID, reason string) error {
	pending, err := g.store.List(ctx, ConfirmationFilter{PlanID: planID, Status: ConfirmationPending})
	if err != nil {
		return err
	}
	for _, record := range pending {
		if err := g.Resolve(ctx, record.ID, false, reason); err != nil {
			return err
		}
	}
	return nil
}

// Store exposes the confirmation store for recovery and sweeping.
func (g *Guardrails) Store() ConfirmationStore {
	return g.store
}
