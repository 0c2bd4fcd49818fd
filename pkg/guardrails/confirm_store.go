package guardrails

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ConfirmationStatus captures the lifecycle of a confirmation handle.
type ConfirmationStatus string

const (
	ConfirmationPending  ConfirmationStatus = "pending"
	ConfirmationApproved ConfirmationStatus = "approved"
	ConfirmationDenied   ConfirmationStatus = "denied"
)

// Confirmation is the durable record behind an AWAITING_CONFIRMATION step.
type Confirmation struct {
	ID        string             `json:"id"`
	SessionID string             `json:"session_id"`
	PlanID    string             `json:"plan_id"`
	StepID    string             `json:"step_id"`
	Tool      string             `json:"tool"`
	Params    string             `json:"params"` // JSON-encoded parameters
	Status    ConfirmationStatus `json:"status"`
	Reason    string             `json:"reason,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
	ExpiresAt time.Time          `json:"expires_at,omitempty"`
}

// ConfirmationFilter limits confirmation queries.
type ConfirmationFilter struct {
	SessionID      string
	PlanID         string
	StepID         string
	Status         ConfirmationStatus
	ExpiringBefore time.Time
	Limit          int
}

// ConfirmationStore persists confirmation handles so that a process restart
// can recover plans suspended on an outstanding confirmation.
type ConfirmationStore interface {
	Create(ctx context.Context, record Confirmation) (*Confirmation, error)
	Get(ctx context.Context, id string) (*Confirmation, error)
	List(ctx context.Context, filter ConfirmationFilter) ([]*Confirmation, error)
	UpdateStatus(ctx context.Context, id string, status ConfirmationStatus, reason string) (*Confirmation, error)
}

// MemoryConfirmationStore keeps confirmations in memory.
type MemoryConfirmationStore struct {
	mu      sync.RWMutex
	records map[string]*Confirmation
}

// NewMemoryConfirmationStore creates an in-memory confirmation store.
func NewMemoryConfirmationStore() *MemoryConfirmationStore {
	return &MemoryConfirmationStore{records: make(map[string]*Confirmation)}
}

// Create inserts a new confirmation record.
func (s *MemoryConfirmationStore) Create(_ context.Context, record Confirmation) (*Confirmation, error) {
	if record.StepID == "" {
		return nil, fmt.Errorf("step_id is required")
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.Status == "" {
		record.Status = ConfirmationPending
	}
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	copied := record
	s.mu.Lock()
	s.records[record.ID] = &copied
	s.mu.Unlock()

	out := copied
	return &out, nil
}

// Get returns a confirmation record by id.
func (s *MemoryConfirmationStore) Get(_ context.Context, id string) (*Confirmation, error) {
	s.mu.RLock()
	record, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("confirmation %q not found", id)
	}
	out := *record
	return &out, nil
}

// List returns confirmations matching the filter.
func (s *MemoryConfirmationStore) List(_ context.Context, filter ConfirmationFilter) ([]*Confirmation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Confirmation, 0)
	for _, record := range s.records {
		if filter.SessionID != "" && record.SessionID != filter.SessionID {
			continue
		}
		if filter.PlanID != "" && record.PlanID != filter.PlanID {
			continue
		}
		if filter.StepID != "" && record.StepID != filter.StepID {
			continue
		}
		if filter.Status != "" && record.Status != filter.Status {
			continue
		}
		if !filter.ExpiringBefore.IsZero() {
			if record.ExpiresAt.IsZero() || record.ExpiresAt.After(filter.ExpiringBefore) {
				continue
			}
		}
		copied := *record
		out = append(out, &copied)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// UpdateStatus updates the confirmation status and reason.
func (s *MemoryConfirmationStore) UpdateStatus(_ context.Context, id string, status ConfirmationStatus, reason string) (*Confirmation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("confirmation %q not found", id)
	}
	record.Status = status
	record.Reason = reason
	record.UpdatedAt = time.Now().UTC()
	out := *record
	return &out, nil
}

var _ ConfirmationStore = (*MemoryConfirmationStore)(nil)
