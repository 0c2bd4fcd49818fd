package planner

import (
	"context"
	"sync"
	"time"
)

// AuditEvent records one plan or step status transition. StepID is empty for
// plan-level events.
type AuditEvent struct {
	PlanID    string
	SessionID string
	StepID    string
	Status    string
	Detail    string
	At        time.Time
}

// AuditFilter narrows a List call. Zero values match everything.
type AuditFilter struct {
	PlanID    string
	SessionID string
	StepID    string
	Status    string
	Limit     int
}

// AuditStore persists the execution history of plans. The planner records
// plan creation; the execution engine records every subsequent transition.
type AuditStore interface {
	Record(ctx context.Context, event AuditEvent) error
	List(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)
}

// MemoryAuditStore is an in-process audit store for tests and single-run use.
type MemoryAuditStore struct {
	mu     sync.Mutex
	events []AuditEvent
}

// NewMemoryAuditStore creates an empty in-memory audit store.
func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{}
}

// Record implements AuditStore.
func (s *MemoryAuditStore) Record(_ context.Context, event AuditEvent) error {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// List implements AuditStore, returning events in insertion order.
func (s *MemoryAuditStore) List(_ context.Context, filter AuditFilter) ([]AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]AuditEvent, 0, len(s.events))
	for _, event := range s.events {
		if filter.PlanID != "" && event.PlanID != filter.PlanID {
			continue
		}
		if filter.SessionID != "" && event.SessionID != filter.SessionID {
			continue
		}
		if filter.StepID != "" && event.StepID != filter.StepID {
			continue
		}
		if filter.Status != "" && event.Status != filter.Status {
			continue
		}
		out = append(out, event)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

var _ AuditStore = (*MemoryAuditStore)(nil)
