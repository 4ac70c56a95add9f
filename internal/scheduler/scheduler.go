// Package scheduler drives the agent's fixed set of interval jobs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rand/herald/internal/clock"
	"github.com/rand/herald/internal/llm"
	"github.com/rand/herald/internal/memory"
	"github.com/rand/herald/internal/rotator"
)

// Recorder receives one episodic entry per task run.
type Recorder interface {
	Append(ctx context.Context, e memory.Entry) (int64, error)
}

// Config configures a Scheduler.
type Config struct {
	// PollInterval is how often Run re-evaluates due tasks.
	// Default: 30 seconds
	PollInterval time.Duration

	// MaxParallel bounds concurrently executing tasks under Run.
	// Default: 4
	MaxParallel int
}

// Scheduler exclusively owns task state.
type Scheduler struct {
	config   Config
	clock    clock.Clock
	recorder Recorder
	store    StateStore
	logger   *slog.Logger
	onResult func(RunResult)

	mu     sync.Mutex
	tasks  []*task
	byName map[string]*task

	sem chan struct{}
	wg  sync.WaitGroup

	runs     atomic.Int64
	failures atomic.Int64
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithConfig overrides the default configuration.
func WithConfig(cfg Config) Option {
	return func(s *Scheduler) { s.config = cfg }
}

// WithClock sets the clock.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithRecorder sets where run outcomes are recorded.
func WithRecorder(r Recorder) Option {
	return func(s *Scheduler) { s.recorder = r }
}

// WithStateStore persists task timing.
func WithStateStore(st StateStore) Option {
	return func(s *Scheduler) { s.store = st }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithResultHook is called after every run completes.
func WithResultHook(fn func(RunResult)) Option {
	return func(s *Scheduler) { s.onResult = fn }
}

// New creates an empty scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		config: Config{PollInterval: 30 * time.Second, MaxParallel: 4},
		clock:  clock.Real{},
		logger: slog.Default(),
		byName: make(map[string]*task),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.config.PollInterval <= 0 {
		s.config.PollInterval = 30 * time.Second
	}
	if s.config.MaxParallel <= 0 {
		s.config.MaxParallel = 4
	}
	s.sem = make(chan struct{}, s.config.MaxParallel)
	return s
}

// Register adds a task. Registration order is the tie-break priority when
// several tasks are due at once.
func (s *Scheduler) Register(t Task) error {
	if strings.TrimSpace(t.Name) == "" {
		return errors.New("scheduler: task name required")
	}
	if t.Interval <= 0 {
		return fmt.Errorf("scheduler: task %q: interval must be positive", t.Name)
	}
	if t.Action == nil {
		return fmt.Errorf("scheduler: task %q: no action", t.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byName[t.Name]; ok {
		return fmt.Errorf("scheduler: duplicate task %q", t.Name)
	}
	tk := &task{
		Task:     t,
		priority: len(s.tasks),
		nextDue:  s.clock.Now().Add(t.InitialDelay),
	}
	s.tasks = append(s.tasks, tk)
	s.byName[t.Name] = tk
	return nil
}

// Restore loads persisted timing for registered tasks. Next-due is
// recomputed from the last run and the current interval.
func (s *Scheduler) Restore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	states, err := s.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load task state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for name, st := range states {
		t, ok := s.byName[name]
		if !ok || st.LastRun.IsZero() {
			continue
		}
		t.lastRun = st.LastRun
		t.nextDue = st.LastRun.Add(t.Interval)
		t.lastResult = st.LastResult
		t.runs = st.Runs
		t.failures = st.Failures
	}
	return nil
}

// claimDue marks every due task Running, in priority order.
func (s *Scheduler) claimDue(now time.Time) []*task {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*task
	for _, t := range s.tasks {
		if t.state(now) == Due {
			t.running = true
			due = append(due, t)
		}
	}
	return due
}

// Tick runs every task due at now, one after another in priority order,
// and returns one result per task run.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) []RunResult {
	due := s.claimDue(now)
	results := make([]RunResult, 0, len(due))
	for _, t := range due {
		results = append(results, s.execute(ctx, t, now))
	}
	return results
}

// Run evaluates due tasks every PollInterval and dispatches each to its own
// goroutine until ctx is cancelled. It then waits for in-flight runs.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", "tasks", len(s.tasks), "poll", s.config.PollInterval)

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		now := s.clock.Now()
		for _, t := range s.claimDue(now) {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				select {
				case s.sem <- struct{}{}:
					defer func() { <-s.sem }()
				case <-ctx.Done():
					s.release(t)
					return
				}
				s.execute(ctx, t, now)
			}()
		}

		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping, waiting for running tasks")
			s.wg.Wait()
			return nil
		case <-ticker.C:
		}
	}
}

// release drops the claim on a task that never started. Its timing is left
// as it was so it is due again on the next start.
func (s *Scheduler) release(t *task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.running = false
	s.logger.Info("task not started before shutdown", "task", t.Name)
}

// Wait blocks until every dispatched run has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) execute(ctx context.Context, t *task, now time.Time) RunResult {
	s.mu.Lock()
	rc := RunContext{Task: t.Name, RunID: ulid.Make().String(), Started: now, Run: t.runs + 1}
	s.mu.Unlock()

	log := s.logger.With("task", t.Name, "run_id", rc.RunID)
	log.Info("task started")

	outcome, err := invoke(ctx, t.Action, rc)
	failed := err != nil || !outcome.Success

	res := RunResult{
		Task:     t.Name,
		RunID:    rc.RunID,
		Outcome:  outcome,
		Err:      err,
		Started:  now,
		Duration: s.clock.Now().Sub(now),
		NextDue:  now.Add(t.Interval),
	}

	if s.recorder != nil {
		// Outcomes are recorded even when the run was cut short by shutdown.
		recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		id, perr := s.recorder.Append(recCtx, episode(t.Name, rc.RunID, outcome, err, res.Duration))
		cancel()
		if perr != nil {
			log.Error("failed to record task outcome", "error", perr)
			failed = true
			res.Err = errors.Join(err, perr)
		}
		res.EntryID = id
	}

	res.State = Completed
	if failed {
		res.State = Failed
	}

	st := s.finish(t, now, res)
	s.saveState(ctx, st)

	if failed {
		log.Warn("task failed", "detail", outcome.Detail, "error", res.Err, "next_due", res.NextDue)
	} else {
		log.Info("task completed", "detail", outcome.Detail, "next_due", res.NextDue)
	}
	if s.onResult != nil {
		s.onResult(res)
	}
	return res
}

// finish re-arms t from the run's start time regardless of outcome, so
// missed intervals collapse into one run and failures wait a full interval.
func (s *Scheduler) finish(t *task, now time.Time, res RunResult) TaskState {
	s.runs.Add(1)
	if res.State == Failed {
		s.failures.Add(1)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t.running = false
	t.lastRun = now
	t.nextDue = now.Add(t.Interval)
	t.lastResult = res.State
	t.runs++
	t.lastError = ""
	if res.State == Failed {
		t.failures++
		if res.Err != nil {
			t.lastError = res.Err.Error()
		} else {
			t.lastError = res.Outcome.Detail
		}
	}
	return TaskState{
		Name:       t.Name,
		LastRun:    t.lastRun,
		NextDue:    t.nextDue,
		LastResult: t.lastResult,
		Runs:       t.runs,
		Failures:   t.failures,
	}
}

func (s *Scheduler) saveState(ctx context.Context, st TaskState) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.store.Save(ctx, st); err != nil {
		s.logger.Warn("failed to persist task state", "task", st.Name, "error", err)
	}
}

// invoke runs the action, turning a panic into an error.
func invoke(ctx context.Context, a Action, rc RunContext) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{Success: false, Detail: fmt.Sprintf("panic: %v", r), Tags: []string{"panic"}}
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return a.Run(ctx, rc)
}

// ErrPanic marks a run whose action panicked.
var ErrPanic = errors.New("task panicked")

func episode(name, runID string, o Outcome, err error, d time.Duration) memory.Entry {
	outcome := memory.OutcomeSuccess
	if err != nil || !o.Success {
		outcome = memory.OutcomeFailure
	}

	tags := append([]string{"task:" + name, string(outcome)}, o.Tags...)
	tags = append(tags, failureTags(err)...)

	content := o.Detail
	if err != nil {
		content = fmt.Sprintf("%s failed: %v", name, err)
		if o.Detail != "" && !strings.HasPrefix(o.Detail, "panic:") {
			content = o.Detail + ": " + err.Error()
		}
	}
	if strings.TrimSpace(content) == "" {
		content = fmt.Sprintf("%s %s", name, outcome)
	}

	meta := map[string]string{"duration": d.String()}
	if err != nil {
		meta["error"] = err.Error()
	}
	return memory.Entry{
		Kind:     memory.KindEpisodic,
		Task:     name,
		RunID:    runID,
		Outcome:  outcome,
		Content:  content,
		Tags:     tags,
		Metadata: meta,
	}
}

// failureTags names the error class so the improvement loop can group
// failures by cause.
func failureTags(err error) []string {
	if err == nil {
		return nil
	}

	var ex *rotator.ExhaustedError
	switch {
	case errors.As(err, &ex):
		tags := []string{"providers_exhausted"}
		if d := ex.Dominant(); d != llm.Success {
			tags = append(tags, d.String())
		} else {
			tags = append(tags, "quota_exhausted")
		}
		return tags
	case errors.Is(err, ErrPanic):
		return []string{"panic"}
	case errors.Is(err, memory.ErrPersistence):
		return []string{"persistence_failure"}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return []string{"cancelled"}
	default:
		return []string{"error"}
	}
}

// Status reports every task as of now.
func (s *Scheduler) Status(now time.Time) []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TaskStatus, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, TaskStatus{
			Name:       t.Name,
			Priority:   t.priority,
			Interval:   t.Interval,
			State:      t.state(now),
			LastResult: t.lastResult,
			LastRun:    t.lastRun,
			NextDue:    t.nextDue,
			Runs:       t.runs,
			Failures:   t.failures,
			LastError:  t.lastError,
		})
	}
	return out
}

// Counts returns the number of runs and failed runs since start.
func (s *Scheduler) Counts() (runs, failures int64) {
	return s.runs.Load(), s.failures.Load()
}

// Tasks returns registered task names in priority order.
func (s *Scheduler) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tasks))
	for _, t := range s.tasks {
		names = append(names, t.Name)
	}
	return names
}
