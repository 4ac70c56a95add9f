package scheduler

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rand/herald/internal/db"
)

// SQLStore persists task timing in the agent database.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a task state store.
func NewSQLStore(sqlDB *sql.DB) *SQLStore {
	return &SQLStore{db: sqlDB}
}

// Save upserts one task's state.
func (s *SQLStore) Save(ctx context.Context, st TaskState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_state (name, last_run, next_due, last_result, runs, failures)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			last_run = excluded.last_run,
			next_due = excluded.next_due,
			last_result = excluded.last_result,
			runs = excluded.runs,
			failures = excluded.failures
	`, st.Name, db.Nanos(st.LastRun), db.Nanos(st.NextDue), st.LastResult.String(), st.Runs, st.Failures)
	if err != nil {
		return fmt.Errorf("save task state %s: %w", st.Name, err)
	}
	return nil
}

// Load returns every persisted task state keyed by name.
func (s *SQLStore) Load(ctx context.Context) (map[string]TaskState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, last_run, next_due, last_result, runs, failures FROM task_state`)
	if err != nil {
		return nil, fmt.Errorf("query task state: %w", err)
	}
	defer rows.Close()

	out := make(map[string]TaskState)
	for rows.Next() {
		var (
			st            TaskState
			lastRun, next int64
			lastResult    string
		)
		if err := rows.Scan(&st.Name, &lastRun, &next, &lastResult, &st.Runs, &st.Failures); err != nil {
			return nil, fmt.Errorf("scan task state: %w", err)
		}
		st.LastRun = db.UnixNano(lastRun)
		st.NextDue = db.UnixNano(next)
		st.LastResult = parseState(lastResult)
		out[st.Name] = st
	}
	return out, rows.Err()
}
