package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// GetThread returns the thread binding for a session key, or nil when absent.
func (s *Store) GetThread(ctx context.Context, sessionKey string) (*ThreadRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_key, channel_id, thread_ref, created_at, last_used_at
		FROM threads
		WHERE session_key = ?;
	`, sessionKey)

	var rec ThreadRecord
	err := row.Scan(&rec.SessionKey, &rec.ChannelID, &rec.ThreadRef, &rec.CreatedAt, &rec.LastUsedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan thread: %w", err)
	}
	return &rec, nil
}

// PutThread inserts or replaces the binding for a session key. One key, one
// authoritative thread_ref.
func (s *Store) PutThread(ctx context.Context, rec ThreadRecord) error {
	if strings.TrimSpace(rec.SessionKey) == "" {
		return fmt.Errorf("session_key is required")
	}
	if strings.TrimSpace(rec.ThreadRef) == "" {
		return fmt.Errorf("thread_ref is required")
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO threads (session_key, channel_id, thread_ref, created_at, last_used_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(session_key) DO UPDATE SET
				channel_id = excluded.channel_id,
				thread_ref = excluded.thread_ref,
				last_used_at = excluded.last_used_at;
		`, rec.SessionKey, rec.ChannelID, rec.ThreadRef, rec.CreatedAt.UTC(), rec.LastUsedAt.UTC())
		if err != nil {
			return fmt.Errorf("put thread: %w", err)
		}
		return nil
	})
}

// TouchThread refreshes last_used_at for a bound key.
func (s *Store) TouchThread(ctx context.Context, sessionKey string, usedAt time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE threads SET last_used_at = ? WHERE session_key = ?;
		`, usedAt.UTC(), sessionKey)
		if err != nil {
			return fmt.Errorf("touch thread: %w", err)
		}
		return nil
	})
}

// DeleteThread removes a binding so a later ensure recreates it.
func (s *Store) DeleteThread(ctx context.Context, sessionKey string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM threads WHERE session_key = ?;`, sessionKey)
		if err != nil {
			return fmt.Errorf("delete thread: %w", err)
		}
		return nil
	})
}

// StaleThreads lists bindings not used since the cutoff, oldest first.
func (s *Store) StaleThreads(ctx context.Context, cutoff time.Time) ([]ThreadRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_key, channel_id, thread_ref, created_at, last_used_at
		FROM threads
		WHERE last_used_at < ?
		ORDER BY last_used_at ASC;
	`, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("query stale threads: %w", err)
	}
	defer rows.Close()

	var stale []ThreadRecord
	for rows.Next() {
		var rec ThreadRecord
		if err := rows.Scan(&rec.SessionKey, &rec.ChannelID, &rec.ThreadRef, &rec.CreatedAt, &rec.LastUsedAt); err != nil {
			return nil, fmt.Errorf("scan stale thread: %w", err)
		}
		stale = append(stale, rec)
	}
	return stale, rows.Err()
}

// PurgeThreads deletes thread bindings not used since the cutoff.
func (s *Store) PurgeThreads(ctx context.Context, cutoff time.Time) (int64, error) {
	var purged int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM threads WHERE last_used_at < ?;`, cutoff.UTC())
		if err != nil {
			return fmt.Errorf("purge threads: %w", err)
		}
		purged, _ = res.RowsAffected()
		return nil
	})
	return purged, err
}
