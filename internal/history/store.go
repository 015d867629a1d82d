// Package history persists operations and their log lines so past runs can be inspected.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ontree-co/flashnode/internal/logging"
)

// Operation statuses
const (
	StatusRunning     = "running"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
	StatusInterrupted = "interrupted"
)

// Log levels
const (
	LevelDebug   = "debug"
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// ErrNotFound is returned when an operation ID is unknown
var ErrNotFound = errors.New("operation not found")

// Record is one stored operation
type Record struct {
	ID            string     `json:"id"`
	OperationType string     `json:"operation_type"`
	Source        string     `json:"source"`
	Command       string     `json:"command"`
	Status        string     `json:"status"`
	Message       string     `json:"message"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at"`
}

// LogLine is one stored log line of an operation
type LogLine struct {
	ID          int64     `json:"id"`
	OperationID string    `json:"operation_id"`
	Timestamp   time.Time `json:"timestamp"`
	Level       string    `json:"level"`
	Message     string    `json:"message"`
}

// Store reads and writes the history tables
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a store on an already migrated database
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) timestamp() time.Time {
	return s.now().UTC()
}

// Create inserts a running operation
func (s *Store) Create(ctx context.Context, rec Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.timestamp()
	}
	if rec.Status == "" {
		rec.Status = StatusRunning
	}

	query := `
		INSERT INTO operations (id, operation_type, source, command, status, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query, rec.ID, rec.OperationType, rec.Source, rec.Command, rec.Status, rec.Message, rec.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create operation %s: %w", rec.ID, err)
	}
	return nil
}

// AppendLog stores one log line for an operation
func (s *Store) AppendLog(ctx context.Context, operationID, level, message string) error {
	query := `
		INSERT INTO operation_logs (operation_id, timestamp, level, message)
		VALUES (?, ?, ?, ?)
	`
	if _, err := s.db.ExecContext(ctx, query, operationID, s.timestamp(), level, message); err != nil {
		return fmt.Errorf("failed to write operation log: %w", err)
	}
	return nil
}

// Complete marks an operation finished
func (s *Store) Complete(ctx context.Context, id string, success bool, message string) error {
	status := StatusFailed
	if success {
		status = StatusCompleted
	}

	query := `
		UPDATE operations
		SET status = ?, message = ?, completed_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query, status, message, s.timestamp(), id)
	if err != nil {
		return fmt.Errorf("failed to complete operation %s: %w", id, err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

const recordColumns = `id, operation_type, source, command, status, message, created_at, completed_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (Record, error) {
	var rec Record
	var completedAt sql.NullTime
	if err := row.Scan(&rec.ID, &rec.OperationType, &rec.Source, &rec.Command, &rec.Status, &rec.Message, &rec.CreatedAt, &completedAt); err != nil {
		return Record{}, err
	}
	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}
	return rec, nil
}

// Get returns a single operation
func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM operations WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to read operation %s: %w", id, err)
	}
	return rec, nil
}

// List returns the most recent operations, newest first
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM operations ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query operations: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			logging.Errorf("Failed to close rows: %v", err)
		}
	}()

	records := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation row: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Logs returns all log lines of an operation in the order they were written
func (s *Store) Logs(ctx context.Context, operationID string) ([]LogLine, error) {
	query := `
		SELECT id, operation_id, timestamp, level, message
		FROM operation_logs
		WHERE operation_id = ?
		ORDER BY id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, operationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query logs: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			logging.Errorf("Failed to close rows: %v", err)
		}
	}()

	lines := []LogLine{}
	for rows.Next() {
		var line LogLine
		if err := rows.Scan(&line.ID, &line.OperationID, &line.Timestamp, &line.Level, &line.Message); err != nil {
			return nil, fmt.Errorf("failed to scan log row: %w", err)
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// MarkInterrupted fails every operation still marked running. Only one operation runs per
// process, so at startup any such row belongs to a process that died mid-run.
func (s *Store) MarkInterrupted(ctx context.Context) (int64, error) {
	query := `
		UPDATE operations
		SET status = ?, message = 'Operation interrupted by restart', completed_at = ?
		WHERE status = ?
	`
	result, err := s.db.ExecContext(ctx, query, StatusInterrupted, s.timestamp(), StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to mark interrupted operations: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		logging.Warnf("Failed to get affected rows: %v", err)
		return 0, nil
	}
	if affected > 0 {
		logging.Warnf("Marked %d interrupted operations as failed", affected)
	}
	return affected, nil
}

// CleanupOldLogs removes operations (and their log lines) created before olderThan ago
func (s *Store) CleanupOldLogs(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.timestamp().Add(-olderThan)

	if _, err := s.db.ExecContext(ctx, `DELETE FROM operation_logs WHERE timestamp < ?`, cutoff); err != nil {
		return 0, fmt.Errorf("failed to cleanup old logs: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `DELETE FROM operations WHERE created_at < ? AND status != ?`, cutoff, StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup old operations: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		logging.Warnf("Failed to get affected rows: %v", err)
		affected = 0
	}
	if affected > 0 {
		logging.Infof("Cleaned up %d old operations", affected)
	}
	return affected, nil
}
