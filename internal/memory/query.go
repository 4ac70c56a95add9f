package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"slices"
	"strings"

	"github.com/rand/herald/internal/db"
)

// Seq is a lazy sequence of entries in ascending id order. Ranging over it
// more than once restarts from the beginning with the same snapshot.
type Seq = iter.Seq2[Entry, error]

// Query returns the entries matching f as of the moment Query is called.
// Entries appended while the sequence is consumed are never yielded.
func (s *Store) Query(ctx context.Context, f Filter) Seq {
	watermark, werr := s.watermark(ctx)

	return func(yield func(Entry, error) bool) {
		if werr != nil {
			yield(Entry{}, werr)
			return
		}

		after, emitted := f.AfterID, 0
		for {
			where, args := f.where(after, watermark)
			page, err := s.fetch(ctx, where, args, fmt.Sprintf("ORDER BY id ASC LIMIT %d", s.pageSize))
			if err != nil {
				yield(Entry{}, err)
				return
			}
			for _, e := range page {
				if !yield(e, nil) {
					return
				}
				emitted++
				if f.Limit > 0 && emitted >= f.Limit {
					return
				}
			}
			if len(page) < s.pageSize {
				return
			}
			after = page[len(page)-1].ID
		}
	}
}

// Latest returns the newest n entries matching f, in ascending id order.
func (s *Store) Latest(ctx context.Context, f Filter, n int) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}
	watermark, err := s.watermark(ctx)
	if err != nil {
		return nil, err
	}
	where, args := f.where(f.AfterID, watermark)
	entries, err := s.fetch(ctx, where, args, fmt.Sprintf("ORDER BY id DESC LIMIT %d", n))
	if err != nil {
		return nil, err
	}
	slices.Reverse(entries)
	return entries, nil
}

// Collect drains seq into a slice.
func Collect(seq Seq) ([]Entry, error) {
	var out []Entry
	for e, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (f Filter) where(after, watermark int64) (string, []any) {
	clauses := []string{"e.id > ?", "e.id <= ?"}
	args := []any{after, watermark}

	if f.Kind != "" {
		clauses = append(clauses, "e.kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.Task != "" {
		clauses = append(clauses, "e.task = ?")
		args = append(args, f.Task)
	}
	if f.Outcome != OutcomeNone {
		clauses = append(clauses, "e.outcome = ?")
		args = append(args, string(f.Outcome))
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "e.created_at >= ?")
		args = append(args, db.Nanos(f.Since))
	}
	if tags := normalizeTags(f.TagsAny); len(tags) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(tags)), ",")
		clauses = append(clauses, "EXISTS (SELECT 1 FROM memory_tags t WHERE t.entry_id = e.id AND t.tag IN ("+placeholders+"))")
		for _, t := range tags {
			args = append(args, t)
		}
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

// fetch loads entries and their tags. where must reference the entries
// table as e.
func (s *Store) fetch(ctx context.Context, where string, args []any, tail string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.created_at, e.kind, e.task, e.run_id, e.outcome, e.content, e.metadata
		FROM memory_entries e `+where+` `+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var (
		entries []Entry
		index   = make(map[int64]int)
	)
	for rows.Next() {
		var (
			e         Entry
			createdAt int64
			kind      string
			outcome   string
			meta      string
		)
		if err := rows.Scan(&e.ID, &createdAt, &kind, &e.Task, &e.RunID, &outcome, &e.Content, &meta); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.CreatedAt = db.UnixNano(createdAt)
		e.Kind = Kind(kind)
		e.Outcome = Outcome(outcome)
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata of entry %d: %w", e.ID, err)
			}
		}
		index[e.ID] = len(entries)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	rows.Close()

	if len(entries) == 0 {
		return entries, nil
	}
	if err := s.attachTags(ctx, entries, index); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) attachTags(ctx context.Context, entries []Entry, index map[int64]int) error {
	lo, hi := entries[0].ID, entries[0].ID
	for _, e := range entries {
		lo, hi = min(lo, e.ID), max(hi, e.ID)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT entry_id, tag FROM memory_tags
		WHERE entry_id BETWEEN ? AND ?
		ORDER BY entry_id, tag
	`, lo, hi)
	if err != nil {
		return fmt.Errorf("query tags: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id  int64
			tag string
		)
		if err := rows.Scan(&id, &tag); err != nil {
			return fmt.Errorf("scan tag: %w", err)
		}
		if i, ok := index[id]; ok {
			entries[i].Tags = append(entries[i].Tags, tag)
		}
	}
	return rows.Err()
}
