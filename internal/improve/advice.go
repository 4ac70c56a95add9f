package improve

import (
	"context"
	"strconv"
	"strings"

	"github.com/rand/herald/internal/memory"
	"github.com/rand/herald/internal/scheduler"
)

// MaxAdvice bounds how many strategies a task is shown.
const MaxAdvice = 3

// Advice returns the newest strategic entries recorded for task, oldest
// first. Callers consult them; nothing enforces them.
func Advice(ctx context.Context, r memory.Reader, task string) ([]memory.Entry, error) {
	return r.Latest(ctx, memory.Filter{Kind: memory.KindStrategic, TagsAny: []string{"task:" + task}}, MaxAdvice)
}

// Prompt renders advice as a block suitable for appending to an LLM prompt.
func Prompt(advice []memory.Entry) string {
	if len(advice) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Lessons from previous runs:\n")
	for _, a := range advice {
		b.WriteString("- ")
		b.WriteString(a.Content)
		b.WriteByte('\n')
	}
	return b.String()
}

// Job runs one improvement cycle as a scheduled task.
func (e *Engine) Job() scheduler.Action {
	return scheduler.ActionFunc(func(ctx context.Context, rc scheduler.RunContext) (scheduler.Outcome, error) {
		created, err := e.Improve(ctx)
		if err != nil {
			return scheduler.Outcome{}, err
		}
		tags := []string{"improvement"}
		for _, c := range created {
			tags = append(tags, "strategy_for:"+c.Task)
		}
		return scheduler.Outcome{
			Success: true,
			Detail:  pluralStrategies(len(created)),
			Tags:    tags,
		}, nil
	})
}

func pluralStrategies(n int) string {
	if n == 1 {
		return "1 strategy recorded"
	}
	return strconv.Itoa(n) + " strategies recorded"
}
