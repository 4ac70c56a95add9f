// Package skills holds the task bodies the scheduler runs: content
// generation, outreach, and housekeeping.
package skills

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/sahilm/fuzzy"

	"github.com/rand/herald/internal/config"
	"github.com/rand/herald/internal/improve"
	"github.com/rand/herald/internal/memory"
	"github.com/rand/herald/internal/rotator"
	"github.com/rand/herald/internal/scheduler"
	"github.com/rand/herald/internal/status"
)

// Skill names.
const (
	SocialMedia     = "social_media"
	LibraryOutreach = "library_outreach"
	ContestCheck    = "contest_check"
	BlogContent     = "blog_content"
	StatusReport    = "status_report"
	MemoryPrune     = "memory_prune"
	SelfImprovement = "self_improvement"
)

// Builtin lists every skill the agent registers.
var Builtin = []string{SocialMedia, LibraryOutreach, ContestCheck, BlogContent, StatusReport, MemoryPrune, SelfImprovement}

// ErrUnknownSkill is returned by Lookup for unregistered names.
var ErrUnknownSkill = errors.New("unknown skill")

// Registry maps skill names to actions. It is filled at startup and only
// read afterwards.
type Registry struct {
	skills map[string]scheduler.Action
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{skills: make(map[string]scheduler.Action)}
}

// Register adds a skill.
func (r *Registry) Register(name string, a scheduler.Action) error {
	if strings.TrimSpace(name) == "" || a == nil {
		return fmt.Errorf("skills: invalid registration %q", name)
	}
	if _, ok := r.skills[name]; ok {
		return fmt.Errorf("skills: duplicate skill %q", name)
	}
	r.skills[name] = a
	return nil
}

// Lookup returns the action registered under name.
func (r *Registry) Lookup(name string) (scheduler.Action, error) {
	a, ok := r.skills[name]
	if !ok {
		if m := fuzzy.Find(name, r.Names()); len(m) > 0 {
			return nil, fmt.Errorf("%w %q (did you mean %q?)", ErrUnknownSkill, name, m[0].Str)
		}
		return nil, fmt.Errorf("%w %q", ErrUnknownSkill, name)
	}
	return a, nil
}

// Names returns registered skill names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.skills))
	for n := range r.skills {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Deps are the collaborators shared by the content skills.
type Deps struct {
	LLM       rotator.Completer
	Memory    memory.Recorder
	Publisher Publisher
	Catalog   config.Catalog
	KPI       *status.KPI
	Logger    *slog.Logger
}

func (d Deps) withDefaults() Deps {
	if d.KPI == nil {
		d.KPI = &status.KPI{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Publisher == nil {
		d.Publisher = NewDryRunPublisher(d.Logger)
	}
	return d
}

// RegisterContent registers the LLM-backed skills.
func (r *Registry) RegisterContent(d Deps) error {
	d = d.withDefaults()
	return errors.Join(
		r.Register(SocialMedia, &socialMedia{d}),
		r.Register(LibraryOutreach, &libraryOutreach{d}),
		r.Register(ContestCheck, &contestCheck{d}),
		r.Register(BlogContent, &blogContent{d}),
	)
}

// advice loads the strategies recorded for task and renders them for a
// prompt. Failure to read them never fails the task.
func (d Deps) advice(ctx context.Context, task string) string {
	if d.Memory == nil {
		return ""
	}
	entries, err := improve.Advice(ctx, d.Memory, task)
	if err != nil {
		d.Logger.Warn("failed to load advice", "task", task, "error", err)
		return ""
	}
	return improve.Prompt(entries)
}

// pick rotates through n items by run number.
func pick(run, n int) int {
	if n == 0 {
		return -1
	}
	return max(run-1, 0) % n
}

func slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
