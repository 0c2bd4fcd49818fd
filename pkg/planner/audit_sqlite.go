package planner

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const auditTable = "otto_plan_audit"

// SQLiteAuditStore persists plan audit events so a run's history survives
// process restarts and can be inspected offline.
type SQLiteAuditStore struct {
	db *sql.DB
}

// OpenSQLiteAuditStore opens (or creates) the database at path and ensures
// the schema.
func OpenSQLiteAuditStore(path string) (*SQLiteAuditStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	return NewSQLiteAuditStore(db)
}

// NewSQLiteAuditStore wraps an existing database handle and ensures the
// schema.
func NewSQLiteAuditStore(db *sql.DB) (*SQLiteAuditStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		plan_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		step_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		at INTEGER NOT NULL
	)`, auditTable)
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("ensure audit schema: %w", err)
	}
	return &SQLiteAuditStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteAuditStore) Close() error {
	return s.db.Close()
}

// Record implements AuditStore.
func (s *SQLiteAuditStore) Record(ctx context.Context, event AuditEvent) error {
	if event.PlanID == "" {
		return fmt.Errorf("plan_id is required")
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (plan_id, session_id, step_id, status, detail, at) VALUES (?, ?, ?, ?, ?, ?)", auditTable),
		event.PlanID, event.SessionID, event.StepID, event.Status, event.Detail, event.At.UnixMilli())
	return err
}

// List implements AuditStore, returning events oldest first.
func (s *SQLiteAuditStore) List(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	where := "1=1"
	args := make([]any, 0)
	if filter.PlanID != "" {
		where += " AND plan_id = ?"
		args = append(args, filter.PlanID)
	}
	if filter.SessionID != "" {
		where += " AND session_id = ?"
		args = append(args, filter.SessionID)
	}
	if filter.StepID != "" {
		where += " AND step_id = ?"
		args = append(args, filter.StepID)
	}
	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, filter.Status)
	}
	limit := ""
	if filter.Limit > 0 {
		limit = fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	query := fmt.Sprintf("SELECT plan_id, session_id, step_id, status, detail, at FROM %s WHERE %s ORDER BY at ASC, rowid ASC%s", auditTable, where, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]AuditEvent, 0)
	for rows.Next() {
		var (
			event AuditEvent
			atMs  int64
		)
		if err := rows.Scan(&event.PlanID, &event.SessionID, &event.StepID, &event.Status, &event.Detail, &atMs); err != nil {
			return nil, err
		}
		event.At = time.UnixMilli(atMs).UTC()
		out = append(out, event)
	}
	return out, rows.Err()
}

var _ AuditStore = (*SQLiteAuditStore)(nil)
