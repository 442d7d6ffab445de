// Package task implements the async task engine: durable task records with a
// best-effort cache in front, retry scheduling, polling, and a registry of
// cancellation handles for in-flight work.
package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"omnigate/internal/domain"
)

// ErrTaskNotFound is returned when no task exists for an id.
var ErrTaskNotFound = errors.New("task: not found")

// =============================================================================
// Store
// =============================================================================

const taskColumns = `id, type, state, virtual_key_id, metadata, progress_percent,
	progress_message, result, error, retry_count, max_retries, next_retry_at,
	created_at, updated_at, completed_at`

// Store persists tasks in the async_tasks table. The table is the source of
// truth; the engine layers a best-effort cache on top.
type Store struct {
	db *sql.DB
}

// NewStore creates a task store over an open database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Insert writes a new task row.
func (s *Store) Insert(ctx context.Context, t *domain.AsyncTask) error {
	const q = `INSERT INTO async_tasks (` + taskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err := s.db.ExecContext(ctx, q,
		t.ID, string(t.Type), string(t.State), t.VirtualKeyID,
		nullJSON(t.Metadata), t.ProgressPercent, nullString(t.ProgressMessage),
		nullJSON(t.Result), nullString(t.Error), t.RetryCount, t.MaxRetries,
		nullTime(t.NextRetryAt), t.CreatedAt, t.UpdatedAt, nullTime(t.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting task %s: %w", t.ID, err)
	}
	return nil
}

// Get reads one task row.
func (s *Store) Get(ctx context.Context, id string) (*domain.AsyncTask, error) {
	const q = `SELECT ` + taskColumns + ` FROM async_tasks WHERE id = $1`
	t, err := scanTask(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("reading task %s: %w", id, err)
	}
	return t, nil
}

// Update replaces every mutable column of a task row.
func (s *Store) Update(ctx context.Context, t *domain.AsyncTask) error {
	const q = `UPDATE async_tasks SET
		state = $2, metadata = $3, progress_percent = $4, progress_message = $5,
		result = $6, error = $7, retry_count = $8, next_retry_at = $9,
		updated_at = $10, completed_at = $11
		WHERE id = $1`

	res, err := s.db.ExecContext(ctx, q,
		t.ID, string(t.State), nullJSON(t.Metadata), t.ProgressPercent,
		nullString(t.ProgressMessage), nullJSON(t.Result), nullString(t.Error),
		t.RetryCount, nullTime(t.NextRetryAt), t.UpdatedAt, nullTime(t.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("updating task %s: %w", t.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, t.ID)
	}
	return nil
}

// Delete removes a task row.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM async_tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting task %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return nil
}

// Pending lists non-terminal tasks, oldest first. taskType narrows the
// result when non-empty.
func (s *Store) Pending(ctx context.Context, taskType domain.TaskType, limit int) ([]*domain.AsyncTask, error) {
	if limit <= 0 {
		limit = 100
	}

	q := `SELECT ` + taskColumns + ` FROM async_tasks
		WHERE state IN ('pending', 'processing')`
	args := []any{}
	if taskType != "" {
		q += ` AND type = $1`
		args = append(args, string(taskType))
	}
	q += fmt.Sprintf(` ORDER BY created_at ASC LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing pending tasks: %w", err)
	}
	defer rows.Close()

	var out []*domain.AsyncTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning pending task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteOlderThan removes terminal tasks completed before the cutoff and
// returns how many rows went away.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	const q = `DELETE FROM async_tasks
		WHERE completed_at IS NOT NULL AND completed_at < $1`

	res, err := s.db.ExecContext(ctx, q, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleaning up tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting cleaned up tasks: %w", err)
	}
	return n, nil
}

// =============================================================================
// Row mapping
// =============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*domain.AsyncTask, error) {
	var (
		t                       domain.AsyncTask
		taskType, state         string
		metadata, result        []byte
		progressMessage, errMsg sql.NullString
		nextRetryAt, completed  sql.NullTime
	)

	err := row.Scan(
		&t.ID, &taskType, &state, &t.VirtualKeyID, &metadata, &t.ProgressPercent,
		&progressMessage, &result, &errMsg, &t.RetryCount, &t.MaxRetries,
		&nextRetryAt, &t.CreatedAt, &t.UpdatedAt, &completed,
	)
	if err != nil {
		return nil, err
	}

	t.Type = domain.TaskType(taskType)
	t.State = domain.TaskState(state)
	t.Metadata = json.RawMessage(metadata)
	t.Result = json.RawMessage(result)
	if progressMessage.Valid {
		t.ProgressMessage = progressMessage.String
	}
	if errMsg.Valid {
		t.Error = errMsg.String
	}
	if nextRetryAt.Valid {
		at := nextRetryAt.Time
		t.NextRetryAt = &at
	}
	if completed.Valid {
		at := completed.Time
		t.CompletedAt = &at
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
