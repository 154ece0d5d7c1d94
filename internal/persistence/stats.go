package persistence

import "context"

// Stats summarizes the store for diagnostics.
type Stats struct {
	TotalTasks int64 `json:"total_tasks"`
	OpenTasks  int64 `json:"open_tasks"`
	Threads    int64 `json:"threads"`
}

// Stats counts the rows backing the status command.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`).Scan(&st.TotalTasks); err != nil {
		return st, err
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE status = ?`, TaskStarted,
	).Scan(&st.OpenTasks); err != nil {
		return st, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM threads`).Scan(&st.Threads); err != nil {
		return st, err
	}
	return st, nil
}
