// Package improve derives failure patterns from recorded task runs and
// writes them back as strategic guidance.
package improve

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rand/herald/internal/clock"
	"github.com/rand/herald/internal/llm"
	"github.com/rand/herald/internal/memory"
)

// Tags the loop writes and reads.
const (
	TagStrategy = "strategy"
	TagRun      = "improvement_run"

	metaLastEntryID = "last_entry_id"
	metaSinceID     = "since_entry_id"
)

// Config configures the improvement loop.
type Config struct {
	// Threshold is the failure rate a task must exceed before a strategy
	// is written for it.
	// Default: 0.5
	Threshold float64 `yaml:"threshold" json:"threshold"`

	// MinSamples is the minimum number of runs analysed per task.
	// Default: 3
	MinSamples int `yaml:"min_samples" json:"min_samples"`
}

// DefaultConfig returns the loop defaults.
func DefaultConfig() Config {
	return Config{Threshold: 0.5, MinSamples: 3}
}

// Advisor elaborates on a detected pattern. Usually the provider rotator.
type Advisor interface {
	Complete(ctx context.Context, prompt string, c llm.Constraints) (string, error)
}

// Engine runs improvement cycles against the memory store.
type Engine struct {
	store   memory.StrategicWriter
	advisor Advisor
	config  Config
	clock   clock.Clock
	logger  *slog.Logger

	mu       sync.Mutex
	restored bool
	lastID   int64
	lastRun  time.Time
	applied  int
}

// Option customises an Engine.
type Option func(*Engine)

// WithConfig overrides the defaults.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.config = cfg }
}

// WithAdvisor sets an optional LLM advisor.
func WithAdvisor(a Advisor) Option {
	return func(e *Engine) { e.advisor = a }
}

// WithClock sets the clock.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an improvement engine.
func New(store memory.StrategicWriter, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		config: DefaultConfig(),
		clock:  clock.Real{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.config.Threshold <= 0 || e.config.Threshold >= 1 {
		e.config.Threshold = 0.5
	}
	if e.config.MinSamples <= 0 {
		e.config.MinSamples = 3
	}
	return e
}

// Restore loads the position of the last improvement run from memory.
func (e *Engine) Restore(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.restore(ctx)
}

func (e *Engine) restore(ctx context.Context) error {
	marks, err := e.store.Latest(ctx, memory.Filter{Kind: memory.KindSemantic, TagsAny: []string{TagRun}}, 1)
	if err != nil {
		return fmt.Errorf("load improvement marker: %w", err)
	}
	e.restored = true
	if len(marks) == 0 {
		return nil
	}
	m := marks[0]
	id, err := strconv.ParseInt(m.Metadata[metaLastEntryID], 10, 64)
	if err != nil {
		e.logger.Warn("ignoring malformed improvement marker", "entry", m.ID, "error", err)
		return nil
	}
	e.lastID = id
	e.lastRun = m.CreatedAt
	return nil
}

// LastRun returns when the last cycle completed, or the zero time.
func (e *Engine) LastRun() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastRun
}

// Applied returns how many strategies this engine has written.
func (e *Engine) Applied() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.applied
}

type taskStats struct {
	samples  int
	failures int
	tags     map[string]int
}

func (s *taskStats) rate() float64 {
	if s.samples == 0 {
		return 0
	}
	return float64(s.failures) / float64(s.samples)
}

// Improve analyses every episodic entry recorded since the previous cycle
// and appends one strategic entry per task whose failure rate exceeds the
// threshold. New entries are returned ordered by task name.
func (e *Engine) Improve(ctx context.Context) ([]memory.Entry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.restored {
		if err := e.restore(ctx); err != nil {
			return nil, err
		}
	}

	stats := make(map[string]*taskStats)
	lastID, episodes := e.lastID, 0
	for entry, err := range e.store.Query(ctx, memory.Filter{Kind: memory.KindEpisodic, AfterID: e.lastID}) {
		if err != nil {
			return nil, fmt.Errorf("read episodes: %w", err)
		}
		lastID = max(lastID, entry.ID)
		episodes++
		if entry.Task == "" {
			continue
		}
		st, ok := stats[entry.Task]
		if !ok {
			st = &taskStats{tags: make(map[string]int)}
			stats[entry.Task] = st
		}
		st.samples++
		if entry.Outcome == memory.OutcomeFailure {
			st.failures++
			for _, tag := range entry.Tags {
				if !generic(tag) {
					st.tags[tag]++
				}
			}
		}
	}

	tasks := make([]string, 0, len(stats))
	for name := range stats {
		tasks = append(tasks, name)
	}
	slices.Sort(tasks)

	var created []memory.Entry
	for _, name := range tasks {
		st := stats[name]
		if st.samples < e.config.MinSamples || st.rate() <= e.config.Threshold {
			continue
		}
		written, err := e.writtenSince(ctx, name)
		if err != nil {
			return created, err
		}
		if written {
			e.logger.Debug("strategy already recorded for these episodes", "task", name)
			continue
		}
		entry := e.strategy(ctx, name, st)
		entry.Metadata[metaSinceID] = strconv.FormatInt(e.lastID, 10)
		id, err := e.store.AppendStrategic(ctx, entry)
		if err != nil {
			return created, fmt.Errorf("write strategy for %s: %w", name, err)
		}
		entry.ID = id
		entry.Kind = memory.KindStrategic
		created = append(created, entry)
		e.applied++
		e.logger.Info("strategy recorded", "task", name, "pattern", entry.Metadata["pattern"], "failure_rate", entry.Metadata["failure_rate"])
	}

	_, err := e.store.Append(ctx, memory.Entry{
		Kind:    memory.KindSemantic,
		Content: fmt.Sprintf("improvement run analysed %d episodes and wrote %d strategies", episodes, len(created)),
		Tags:    []string{TagRun},
		Metadata: map[string]string{
			metaLastEntryID: strconv.FormatInt(lastID, 10),
			"episodes":      strconv.Itoa(episodes),
			"strategies":    strconv.Itoa(len(created)),
		},
	})
	if err != nil {
		return created, fmt.Errorf("write improvement marker: %w", err)
	}
	e.lastID = lastID
	e.lastRun = e.clock.Now()
	return created, nil
}

// writtenSince reports whether a previous cycle that did not complete
// already wrote task's strategy for the episodes after e.lastID.
func (e *Engine) writtenSince(ctx context.Context, task string) (bool, error) {
	prev, err := e.store.Latest(ctx, memory.Filter{Kind: memory.KindStrategic, Task: task}, 1)
	if err != nil {
		return false, fmt.Errorf("read strategies for %s: %w", task, err)
	}
	return len(prev) > 0 && prev[0].Metadata[metaSinceID] == strconv.FormatInt(e.lastID, 10), nil
}

func (e *Engine) strategy(ctx context.Context, task string, st *taskStats) memory.Entry {
	pattern := dominant(st.tags)
	content := fmt.Sprintf("%s fails %d of %d runs (%.0f%%), predominantly with %s: %s",
		task, st.failures, st.samples, st.rate()*100, pattern, Recommendation(pattern))

	if e.advisor != nil {
		if extra := e.advise(ctx, content); extra != "" {
			content += ". " + extra
		}
	}

	return memory.Entry{
		Kind:    memory.KindStrategic,
		Task:    task,
		Content: content,
		Tags:    []string{TagStrategy, "task:" + task, "pattern:" + pattern},
		Metadata: map[string]string{
			"failure_rate": strconv.FormatFloat(st.rate(), 'f', 2, 64),
			"samples":      strconv.Itoa(st.samples),
			"failures":     strconv.Itoa(st.failures),
			"pattern":      pattern,
		},
	}
}

func (e *Engine) advise(ctx context.Context, finding string) string {
	text, err := e.advisor.Complete(ctx, "Suggest one concrete next step for this recurring automation failure: "+finding, llm.Constraints{
		System:      "You are an operations analyst. Answer with a single sentence.",
		MaxTokens:   80,
		Temperature: 0.2,
	})
	if err != nil {
		e.logger.Debug("advisor unavailable", "error", err)
		return ""
	}
	return firstSentence(text)
}

func firstSentence(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, ".!?\n"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// generic tags describe every failure and say nothing about the cause.
func generic(tag string) bool {
	switch tag {
	case string(memory.OutcomeFailure), string(memory.OutcomeSuccess), "providers_exhausted":
		return true
	}
	return strings.HasPrefix(tag, "task:")
}

// dominant returns the most frequent tag, breaking ties by name.
func dominant(counts map[string]int) string {
	best, n := "unknown", 0
	for tag, c := range counts {
		if c > n || (c == n && tag < best) {
			best, n = tag, c
		}
	}
	return best
}

var recommendations = map[string]string{
	"rate_limited":        "reduce frequency or add provider diversity",
	"quota_exhausted":     "reduce frequency or raise provider quotas",
	"auth_invalid":        "replace the rejected API keys",
	"transient":           "check provider availability and stagger the schedule",
	"cancelled":           "allow longer task timeouts or stagger the schedule",
	"panic":               "inspect the task implementation for defects",
	"persistence_failure": "check disk space and database health",
	"publish_rejected":    "review publisher credentials and content limits",
}

// Recommendation returns the fixed advice for a failure pattern.
func Recommendation(pattern string) string {
	if r, ok := recommendations[pattern]; ok {
		return r
	}
	return "review recent failures before the next run"
}
