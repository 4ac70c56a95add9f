package skills

import (
	"context"
	"fmt"

	"github.com/rand/herald/internal/memory"
	"github.com/rand/herald/internal/scheduler"
	"github.com/rand/herald/internal/status"
)

// NewStatusReport returns the action that writes the status snapshot to
// path.
func NewStatusReport(src status.Snapshotter, path string) scheduler.Action {
	return scheduler.ActionFunc(func(ctx context.Context, rc scheduler.RunContext) (scheduler.Outcome, error) {
		s := src.Snapshot()
		if err := status.WriteReport(path, s); err != nil {
			return scheduler.Outcome{Detail: "writing status report"}, err
		}
		return scheduler.Outcome{
			Success: true,
			Detail:  fmt.Sprintf("status report written: %d runs, %d failed", s.TasksRun, s.TasksFailed),
			Tags:    []string{"report"},
		}, nil
	})
}

// Pruner applies a retention policy.
type Pruner interface {
	Prune(ctx context.Context, p memory.Policy) (int, error)
}

// NewMemoryPrune returns the action that applies the retention policy.
func NewMemoryPrune(p Pruner, policy memory.Policy) scheduler.Action {
	return scheduler.ActionFunc(func(ctx context.Context, rc scheduler.RunContext) (scheduler.Outcome, error) {
		n, err := p.Prune(ctx, policy)
		if err != nil {
			return scheduler.Outcome{Detail: "pruning memory"}, err
		}
		return scheduler.Outcome{Success: true, Detail: fmt.Sprintf("pruned %d entries", n), Tags: []string{"retention"}}, nil
	})
}
