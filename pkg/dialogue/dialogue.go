// Package dialogue maintains per-session conversational state: filled slots,
// bounded turn history, the active plan reference, and memory-augmented
// context. Sessions are independent; there is no process-wide singleton.
package dialogue

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/otto-voice/otto/pkg/core"
	"github.com/otto-voice/otto/pkg/errors"
	"github.com/otto-voice/otto/pkg/memory"
)

// Retriever is the slice of the semantic memory store the dialogue layer
// needs. A nil retriever runs the manager in degraded mode without context.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int, opts memory.RetrieveOptions) ([]memory.Scored, error)
}

// State is the conversational state of one session.
type State struct {
	SessionID        string
	FilledSlots      map[string]core.Entity
	ActivePlanID     string
	RecentTurns      []core.Turn
	RetrievedContext string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Snapshot is a read-only copy of a session's state handed to the planner.
type Snapshot struct {
	SessionID        string
	FilledSlots      map[string]core.Entity
	RecentTurns      []core.Turn
	RetrievedContext string
}

// Options configures a Manager.
type Options struct {
	// MaxRecentTurns bounds the turn history; oldest turns are evicted first.
	MaxRecentTurns int

	// RetrievalTopK is how many memory entries feed the retrieved context.
	RetrievalTopK int
}

// Manager owns the session-keyed state store.
type Manager struct {
	mu        sync.RWMutex
	sessions  map[string]*State
	retriever Retriever
	opts      Options
	logger    *slog.Logger
}

// NewManager creates a dialogue state manager. retriever may be nil.
func NewManager(retriever Retriever, opts Options) *Manager {
	if opts.MaxRecentTurns <= 0 {
		opts.MaxRecentTurns = 20
	}
	if opts.RetrievalTopK <= 0 {
		opts.RetrievalTopK = 5
	}
	return &Manager{
		sessions:  make(map[string]*State),
		retriever: retriever,
		opts:      opts,
		logger:    slog.Default(),
	}
}

// UpdateState merges new entities into the session's filled slots (overwrite
// semantics, keyed by entity type), appends the turn to the bounded history,
// and refreshes the retrieved context from semantic memory. Memory outages
// degrade to an empty context rather than failing the turn.
func (m *Manager) UpdateState(ctx context.Context, sessionID string, entities []core.Entity, turn core.Turn) error {
	if sessionID == "" {
		return errors.Newf(errors.CodeInvalidInput, "session id is required")
	}

	state := m.getOrCreate(sessionID)

	m.mu.Lock()
	for _, entity := range entities {
		if entity.Type == "" {
			continue
		}
		state.FilledSlots[entity.Type] = entity
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}
	state.RecentTurns = append(state.RecentTurns, turn)
	if overflow := len(state.RecentTurns) - m.opts.MaxRecentTurns; overflow > 0 {
		state.RecentTurns = state.RecentTurns[overflow:]
	}
	state.UpdatedAt = time.Now().UTC()
	m.mu.Unlock()

	m.refreshContext(ctx, state, turn.Text)
	return nil
}

// refreshContext replaces the session's retrieved context with the result of
// a semantic query for the latest turn.
func (m *Manager) refreshContext(ctx context.Context, state *State, query string) {
	if m.retriever == nil || strings.TrimSpace(query) == "" {
		return
	}

	results, err := m.retriever.Retrieve(ctx, query, m.opts.RetrievalTopK, memory.RetrieveOptions{
		SessionID: state.SessionID,
	})
	if err != nil {
		if errors.HasCode(err, errors.CodeMemoryUnavailable) {
			m.logger.WarnContext(ctx, "dialogue.context.degraded",
				slog.String("session_id", state.SessionID),
				slog.String("error", err.Error()),
			)
			m.mu.Lock()
			state.RetrievedContext = ""
			m.mu.Unlock()
			return
		}
		m.logger.ErrorContext(ctx, "dialogue.context.retrieve_failed",
			slog.String("session_id", state.SessionID),
			slog.String("error", err.Error()),
		)
		return
	}

	var parts []string
	for _, result := range results {
		parts = append(parts, result.Entry.Content)
	}
	m.mu.Lock()
	state.RetrievedContext = strings.Join(parts, "\n")
	m.mu.Unlock()
}

// Snapshot returns a deep-copied read-only view for the planner.
func (m *Manager) Snapshot(sessionID string) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.sessions[sessionID]
	if !ok {
		return Snapshot{}, errors.Newf(errors.CodeInvalidInput, "unknown session %q", sessionID)
	}

	slots := make(map[string]core.Entity, len(state.FilledSlots))
	for k, v := range state.FilledSlots {
		slots[k] = v
	}
	turns := make([]core.Turn, len(state.RecentTurns))
	copy(turns, state.RecentTurns)

	return Snapshot{
		SessionID:        state.SessionID,
		FilledSlots:      slots,
		RecentTurns:      turns,
		RetrievedContext: state.RetrievedContext,
	}, nil
}

// SetActivePlan marks planID as the session's single active plan. Fails with
// PLAN_ALREADY_ACTIVE if a different plan is already active.
func (m *Manager) SetActivePlan(sessionID, planID string) error {
	if planID == "" {
		return errors.Newf(errors.CodeInvalidInput, "plan id is required")
	}

	state := m.getOrCreate(sessionID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if state.ActivePlanID != "" && state.ActivePlanID != planID {
		return errors.Newf(errors.CodePlanAlreadyActive, "session %q already has active plan %q", sessionID, state.ActivePlanID).
			WithContext("active_plan_id", state.ActivePlanID)
	}
	state.ActivePlanID = planID
	return nil
}

// ClearActivePlan releases the session's active plan slot.
func (m *Manager) ClearActivePlan(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state, ok := m.sessions[sessionID]; ok {
		state.ActivePlanID = ""
	}
}

// ActivePlan returns the session's active plan id, empty if none.
func (m *Manager) ActivePlan(sessionID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if state, ok := m.sessions[sessionID]; ok {
		return state.ActivePlanID
	}
	return ""
}

// EndSession drops all state for a session. Invoked by the external
// session-lifecycle policy on expiry or explicit close.
func (m *Manager) EndSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

func (m *Manager) getOrCreate(sessionID string) *State {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.sessions[sessionID]
	if !ok {
		now := time.Now().UTC()
		state = &State{
			SessionID:   sessionID,
			FilledSlots: make(map[string]core.Entity),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		m.sessions[sessionID] = state
	}
	return state
}
