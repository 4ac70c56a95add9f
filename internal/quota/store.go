package quota

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rand/herald/internal/db"
)

// Store persists credential counters so quota survives restarts.
type Store struct {
	db *sql.DB
}

// NewStore creates a credential state store on the agent database.
func NewStore(sqlDB *sql.DB) *Store {
	return &Store{db: sqlDB}
}

// Save upserts the state of one credential.
func (s *Store) Save(ctx context.Context, st State) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credential_state (key_id, provider, used, tokens, period_start, status, error_count, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key_id) DO UPDATE SET
			provider = excluded.provider,
			used = excluded.used,
			tokens = excluded.tokens,
			period_start = excluded.period_start,
			status = excluded.status,
			error_count = excluded.error_count,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`, st.KeyID, st.Provider, st.Used, st.Tokens, db.Nanos(st.PeriodStart), st.Status.String(),
		st.ErrorCount, st.LastError, db.Nanos(st.LastUsed))
	if err != nil {
		return fmt.Errorf("save credential %s: %w", st.KeyID, err)
	}
	return nil
}

// Load returns all persisted credential states keyed by key id.
func (s *Store) Load(ctx context.Context) (map[string]State, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key_id, provider, used, tokens, period_start, status, error_count, last_error, updated_at
		FROM credential_state
	`)
	if err != nil {
		return nil, fmt.Errorf("query credential state: %w", err)
	}
	defer rows.Close()

	states := make(map[string]State)
	for rows.Next() {
		var (
			st                   State
			periodStart, updated int64
			status               string
		)
		if err := rows.Scan(&st.KeyID, &st.Provider, &st.Used, &st.Tokens, &periodStart,
			&status, &st.ErrorCount, &st.LastError, &updated); err != nil {
			return nil, fmt.Errorf("scan credential state: %w", err)
		}
		st.Status, err = ParseStatus(status)
		if err != nil {
			return nil, err
		}
		st.PeriodStart = db.UnixNano(periodStart)
		st.LastUsed = db.UnixNano(updated)
		states[st.KeyID] = st
	}
	return states, rows.Err()
}
