// Package memory is the agent's append-only record of task outcomes and the
// lessons drawn from them.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/rand/herald/internal/clock"
	"github.com/rand/herald/internal/db"
)

var (
	// ErrPersistence wraps every failure to durably write or delete entries.
	ErrPersistence = errors.New("memory persistence failure")

	// ErrStrategicReserved is returned when Append is used for a strategic
	// entry.
	ErrStrategicReserved = errors.New("strategic entries are reserved for the improvement loop")

	// ErrInvalidEntry is returned for entries missing required fields.
	ErrInvalidEntry = errors.New("invalid memory entry")
)

// ErrNotFound is returned when an entry does not exist.
type ErrNotFound struct {
	ID int64
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("memory entry %d not found", e.ID)
}

// Reader is the read-only handle.
type Reader interface {
	Query(ctx context.Context, f Filter) Seq
	Latest(ctx context.Context, f Filter, n int) ([]Entry, error)
}

// Recorder is the handle task bodies and the scheduler hold.
type Recorder interface {
	Reader
	Append(ctx context.Context, e Entry) (int64, error)
}

// StrategicWriter is the handle held by the improvement loop.
type StrategicWriter interface {
	Recorder
	AppendStrategic(ctx context.Context, e Entry) (int64, error)
}

const defaultPageSize = 256

// Store is the SQLite-backed memory store.
type Store struct {
	db       *sql.DB
	clock    clock.Clock
	pageSize int
	logger   *slog.Logger
}

// Option customises a Store.
type Option func(*Store)

// WithClock sets the clock used to timestamp entries.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithPageSize sets how many rows Query fetches per round trip.
func WithPageSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// NewStore creates a memory store on the agent database.
func NewStore(sqlDB *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:       sqlDB,
		clock:    clock.Real{},
		pageSize: defaultPageSize,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append durably writes a non-strategic entry and returns its id.
func (s *Store) Append(ctx context.Context, e Entry) (int64, error) {
	if e.Kind == KindStrategic {
		return 0, ErrStrategicReserved
	}
	return s.append(ctx, e)
}

// AppendStrategic durably writes a strategic entry.
func (s *Store) AppendStrategic(ctx context.Context, e Entry) (int64, error) {
	e.Kind = KindStrategic
	return s.append(ctx, e)
}

func (s *Store) append(ctx context.Context, e Entry) (int64, error) {
	if _, err := ParseKind(string(e.Kind)); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	if strings.TrimSpace(e.Content) == "" {
		return 0, fmt.Errorf("%w: empty content", ErrInvalidEntry)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock.Now()
	}

	meta := []byte("{}")
	if len(e.Metadata) > 0 {
		var err error
		if meta, err = json.Marshal(e.Metadata); err != nil {
			return 0, fmt.Errorf("%w: marshal metadata: %v", ErrInvalidEntry, err)
		}
	}

	var id int64
	err := db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO memory_entries (created_at, kind, task, run_id, outcome, content, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, db.Nanos(e.CreatedAt), string(e.Kind), e.Task, e.RunID, string(e.Outcome), e.Content, string(meta))
		if err != nil {
			return fmt.Errorf("insert entry: %w", err)
		}
		if id, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("entry id: %w", err)
		}

		for _, tag := range normalizeTags(e.Tags) {
			if _, err := tx.ExecContext(ctx, `INSERT INTO memory_tags (entry_id, tag) VALUES (?, ?)`, id, tag); err != nil {
				return fmt.Errorf("insert tag %q: %w", tag, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return id, nil
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Get returns a single entry.
func (s *Store) Get(ctx context.Context, id int64) (Entry, error) {
	entries, err := s.fetch(ctx, `WHERE e.id = ?`, []any{id}, "")
	if err != nil {
		return Entry{}, err
	}
	if len(entries) == 0 {
		return Entry{}, ErrNotFound{ID: id}
	}
	return entries[0], nil
}

// Prune applies a retention policy and returns how many entries it removed.
// It is the only way entries are ever deleted.
func (s *Store) Prune(ctx context.Context, p Policy) (int, error) {
	var removed int64
	err := db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if p.MaxAge > 0 {
			cutoff := s.clock.Now().Add(-p.MaxAge)
			res, err := tx.ExecContext(ctx, `DELETE FROM memory_entries WHERE created_at < ?`, db.Nanos(cutoff))
			if err != nil {
				return fmt.Errorf("prune by age: %w", err)
			}
			n, _ := res.RowsAffected()
			removed += n
		}
		if p.MaxEntries > 0 {
			res, err := tx.ExecContext(ctx, `
				DELETE FROM memory_entries
				WHERE id NOT IN (SELECT id FROM memory_entries ORDER BY id DESC LIMIT ?)
			`, p.MaxEntries)
			if err != nil {
				return fmt.Errorf("prune by count: %w", err)
			}
			n, _ := res.RowsAffected()
			removed += n
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if removed > 0 {
		s.logger.Info("pruned memory", "removed", removed, "max_age", p.MaxAge, "max_entries", p.MaxEntries)
	}
	return int(removed), nil
}

// Stats returns counts per kind and the id and time range of stored entries.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ByKind: make(map[Kind]int64)}

	var oldest, newest sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(MAX(id), 0), MIN(created_at), MAX(created_at) FROM memory_entries
	`).Scan(&stats.Total, &stats.MaxID, &oldest, &newest)
	if err != nil {
		return nil, fmt.Errorf("count entries: %w", err)
	}
	if oldest.Valid {
		stats.Oldest = db.UnixNano(oldest.Int64)
		stats.Newest = db.UnixNano(newest.Int64)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM memory_entries GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("count by kind: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			kind  string
			count int64
		)
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, fmt.Errorf("scan kind count: %w", err)
		}
		stats.ByKind[Kind(kind)] = count
	}
	return stats, rows.Err()
}

func (s *Store) watermark(ctx context.Context) (int64, error) {
	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM memory_entries`).Scan(&id); err != nil {
		return 0, fmt.Errorf("read watermark: %w", err)
	}
	return id, nil
}
