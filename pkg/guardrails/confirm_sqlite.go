package guardrails

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const confirmationTable = "otto_confirmations"

// SQLiteConfirmationStore persists confirmations in a SQLite database so
// pending handles survive a process restart.
type SQLiteConfirmationStore struct {
	db *sql.DB
}

// OpenSQLiteConfirmationStore opens (or creates) the database at path and
// ensures the schema.
func OpenSQLiteConfirmationStore(path string) (*SQLiteConfirmationStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open confirmation db: %w", err)
	}
	return NewSQLiteConfirmationStore(db)
}

// NewSQLiteConfirmationStore wraps an existing database handle and ensures
// the schema.
func NewSQLiteConfirmationStore(db *sql.DB) (*SQLiteConfirmationStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		plan_id TEXT NOT NULL,
		step_id TEXT NOT NULL,
		tool TEXT NOT NULL,
		params TEXT NOT NULL,
		status TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL DEFAULT 0
	)`, confirmationTable)
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("ensure confirmation schema: %w", err)
	}
	return &SQLiteConfirmationStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteConfirmationStore) Close() error {
	return s.db.Close()
}

// Create inserts a confirmation record.
func (s *SQLiteConfirmationStore) Create(ctx context.Context, record Confirmation) (*Confirmation, error) {
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

	expiresAt := int64(0)
	if !record.ExpiresAt.IsZero() {
		expiresAt = record.ExpiresAt.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (id, session_id, plan_id, step_id, tool, params, status, reason, created_at, updated_at, expires_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)", confirmationTable),
		record.ID, record.SessionID, record.PlanID, record.StepID, record.Tool, record.Params,
		string(record.Status), record.Reason, record.CreatedAt.UnixMilli(), record.UpdatedAt.UnixMilli(), expiresAt)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, record.ID)
}

// Get returns a confirmation record by id.
func (s *SQLiteConfirmationStore) Get(ctx context.Context, id string) (*Confirmation, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT id, session_id, plan_id, step_id, tool, params, status, reason, created_at, updated_at, expires_at FROM %s WHERE id = ?", confirmationTable),
		id,
	)
	record, err := scanConfirmation(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("confirmation %q not found", id)
	}
	return record, err
}

// List returns confirmations matching the filter, most recently updated first.
func (s *SQLiteConfirmationStore) List(ctx context.Context, filter ConfirmationFilter) ([]*Confirmation, error) {
	where := "1=1"
	args := make([]any, 0)
	if filter.SessionID != "" {
		where += " AND session_id = ?"
		args = append(args, filter.SessionID)
	}
	if filter.PlanID != "" {
		where += " AND plan_id = ?"
		args = append(args, filter.PlanID)
	}
	if filter.StepID != "" {
		where += " AND step_id = ?"
		args = append(args, filter.StepID)
	}
	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if !filter.ExpiringBefore.IsZero() {
		where += " AND expires_at > 0 AND expires_at <= ?"
		args = append(args, filter.ExpiringBefore.UnixMilli())
	}
	limit := ""
	if filter.Limit > 0 {
		limit = fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	query := fmt.Sprintf("SELECT id, session_id, plan_id, step_id, tool, params, status, reason, created_at, updated_at, expires_at FROM %s WHERE %s ORDER BY updated_at DESC%s", confirmationTable, where, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*Confirmation, 0)
	for rows.Next() {
		record, err := scanConfirmation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

// UpdateStatus updates the confirmation status and reason.
func (s *SQLiteConfirmationStore) UpdateStatus(ctx context.Context, id string, status ConfirmationStatus, reason string) (*Confirmation, error) {
	result, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET status = ?, reason = ?, updated_at = ? WHERE id = ?", confirmationTable),
		string(status), reason, time.Now().UTC().UnixMilli(), id)
	if err != nil {
		return nil, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, fmt.Errorf("confirmation %q not found", id)
	}
	return s.Get(ctx, id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConfirmation(row rowScanner) (*Confirmation, error) {
	var (
		record      Confirmation
		status      string
		createdAtMs int64
		updatedAtMs int64
		expiresAtMs int64
	)
	if err := row.Scan(&record.ID, &record.SessionID, &record.PlanID, &record.StepID, &record.Tool,
		&record.Params, &status, &record.Reason, &createdAtMs, &updatedAtMs, &expiresAtMs); err != nil {
		return nil, err
	}
	record.Status = ConfirmationStatus(status)
	record.CreatedAt = time.UnixMilli(createdAtMs).UTC()
	record.UpdatedAt = time.UnixMilli(updatedAtMs).UTC()
	if expiresAtMs > 0 {
		record.ExpiresAt = time.UnixMilli(expiresAtMs).UTC()
	}
	return &record, nil
}

var _ ConfirmationStore = (*SQLiteConfirmationStore)(nil)
