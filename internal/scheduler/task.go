package scheduler

import (
	"context"
	"time"
)

// State is where a task is in its run cycle.
type State int

const (
	Idle State = iota
	Due
	Running
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Due:
		return "due"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(b []byte) error {
	*s = parseState(string(b))
	return nil
}

func parseState(s string) State {
	switch s {
	case "due":
		return Due
	case "running":
		return Running
	case "completed":
		return Completed
	case "failed":
		return Failed
	default:
		return Idle
	}
}

// Outcome is what a task body reports.
type Outcome struct {
	Success bool     `json:"success"`
	Detail  string   `json:"detail"`
	Tags    []string `json:"tags,omitempty"`
}

// RunContext describes the run a task body is executing.
type RunContext struct {
	Task    string
	RunID   string
	Started time.Time

	// Run is the 1-based run number of this task since it was first
	// scheduled.
	Run int
}

// Action is a task body. Implementations must not retain rc.
type Action interface {
	Run(ctx context.Context, rc RunContext) (Outcome, error)
}

// ActionFunc adapts a function to an Action.
type ActionFunc func(ctx context.Context, rc RunContext) (Outcome, error)

func (f ActionFunc) Run(ctx context.Context, rc RunContext) (Outcome, error) {
	return f(ctx, rc)
}

// Task declares one interval job.
type Task struct {
	Name     string
	Interval time.Duration
	Action   Action

	// InitialDelay postpones the first run after startup when no previous
	// run is known.
	InitialDelay time.Duration
}

// RunResult is the outcome of one task run.
type RunResult struct {
	Task     string        `json:"task"`
	RunID    string        `json:"run_id"`
	State    State         `json:"state"`
	Outcome  Outcome       `json:"outcome"`
	Err      error         `json:"-"`
	EntryID  int64         `json:"entry_id,omitempty"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	NextDue  time.Time     `json:"next_due"`
}

// TaskStatus is a read-only view of one task.
type TaskStatus struct {
	Name       string        `json:"name"`
	Priority   int           `json:"priority"`
	Interval   time.Duration `json:"interval"`
	State      State         `json:"state"`
	LastResult State         `json:"last_result"`
	LastRun    time.Time     `json:"last_run,omitzero"`
	NextDue    time.Time     `json:"next_due"`
	Runs       int           `json:"runs"`
	Failures   int           `json:"failures"`
	LastError  string        `json:"last_error,omitempty"`
}

// TaskState is the persisted part of a task.
type TaskState struct {
	Name       string
	LastRun    time.Time
	NextDue    time.Time
	LastResult State
	Runs       int
	Failures   int
}

// StateStore persists task timing across restarts.
type StateStore interface {
	Load(ctx context.Context) (map[string]TaskState, error)
	Save(ctx context.Context, st TaskState) error
}

type task struct {
	Task
	priority int

	running    bool
	lastResult State
	lastRun    time.Time
	nextDue    time.Time
	runs       int
	failures   int
	lastError  string
}

func (t *task) state(now time.Time) State {
	switch {
	case t.running:
		return Running
	case !now.Before(t.nextDue):
		return Due
	default:
		return Idle
	}
}
