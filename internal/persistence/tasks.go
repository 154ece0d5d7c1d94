package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// UpsertTask inserts or replaces a task record keyed by task_id.
func (s *Store) UpsertTask(ctx context.Context, rec TaskRecord) error {
	if strings.TrimSpace(rec.TaskID) == "" {
		return fmt.Errorf("task_id is required")
	}
	if strings.TrimSpace(rec.SessionID) == "" {
		return fmt.Errorf("session_id is required")
	}
	if rec.Status == "" {
		rec.Status = TaskStarted
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (task_id, session_id, fingerprint, status, title, started_at, completed_at, response)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(task_id) DO UPDATE SET
				session_id = excluded.session_id,
				fingerprint = excluded.fingerprint,
				status = excluded.status,
				title = excluded.title,
				started_at = excluded.started_at,
				completed_at = excluded.completed_at,
				response = excluded.response;
		`, rec.TaskID, rec.SessionID, rec.Fingerprint, rec.Status, rec.Title,
			rec.StartedAt.UTC(), nullableTime(rec.CompletedAt), rec.Response)
		if err != nil {
			return fmt.Errorf("upsert task: %w", err)
		}
		return nil
	})
}

// OpenTasks returns all Started records for a session, oldest first. The
// ordering is the FIFO tie-break the correlator relies on; task_id breaks
// exact start-time ties deterministically.
func (s *Store) OpenTasks(ctx context.Context, sessionID string) ([]TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, session_id, fingerprint, status, title, started_at, completed_at, response
		FROM tasks
		WHERE session_id = ? AND status = ?
		ORDER BY started_at ASC, task_id ASC;
	`, sessionID, TaskStarted)
	if err != nil {
		return nil, fmt.Errorf("query open tasks: %w", err)
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("open task rows: %w", err)
	}
	return out, nil
}

// GetTask returns the record for task_id, or nil when absent.
func (s *Store) GetTask(ctx context.Context, taskID string) (*TaskRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, session_id, fingerprint, status, title, started_at, completed_at, response
		FROM tasks
		WHERE task_id = ?;
	`, taskID)
	rec, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CompleteTask transitions a record Started→Completed, attaching the response
// payload. The status guard makes the transition single-shot: a second
// completion against the same record reports false instead of overwriting.
func (s *Store) CompleteTask(ctx context.Context, taskID string, completedAt time.Time, response string) (bool, error) {
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, completed_at = ?, response = ?
			WHERE task_id = ? AND status = ?;
		`, TaskCompleted, completedAt.UTC(), response, taskID, TaskStarted)
		if err != nil {
			return fmt.Errorf("complete task: %w", err)
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// PurgeTasks deletes task records started before the cutoff, regardless of
// status. Returns the number of rows removed.
func (s *Store) PurgeTasks(ctx context.Context, cutoff time.Time) (int64, error) {
	var purged int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE started_at < ?;`, cutoff.UTC())
		if err != nil {
			return fmt.Errorf("purge tasks: %w", err)
		}
		purged, _ = res.RowsAffected()
		return nil
	})
	return purged, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (TaskRecord, error) {
	var rec TaskRecord
	var completed sql.NullTime
	if err := row.Scan(&rec.TaskID, &rec.SessionID, &rec.Fingerprint, &rec.Status,
		&rec.Title, &rec.StartedAt, &completed, &rec.Response); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, err
		}
		return rec, fmt.Errorf("scan task: %w", err)
	}
	if completed.Valid {
		t := completed.Time
		rec.CompletedAt = &t
	}
	return rec, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
