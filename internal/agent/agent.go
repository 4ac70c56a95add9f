// Package agent builds the agent's object graph from configuration and
// runs it.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rand/herald/internal/clock"
	"github.com/rand/herald/internal/config"
	"github.com/rand/herald/internal/db"
	"github.com/rand/herald/internal/improve"
	"github.com/rand/herald/internal/llm"
	"github.com/rand/herald/internal/logging"
	"github.com/rand/herald/internal/memory"
	"github.com/rand/herald/internal/quota"
	"github.com/rand/herald/internal/rotator"
	"github.com/rand/herald/internal/scheduler"
	"github.com/rand/herald/internal/skills"
	"github.com/rand/herald/internal/status"
)

// Agent owns every long-lived component. Each is built once in New and
// handed to its collaborators explicitly.
type Agent struct {
	Config    *config.Config
	Memory    *memory.Store
	Ledger    *quota.Ledger
	Rotator   *rotator.Rotator
	Scheduler *scheduler.Scheduler
	Improve   *improve.Engine
	Status    *status.Collector
	KPI       *status.KPI
	Skills    *skills.Registry

	db     *db.DB
	clock  clock.Clock
	logger *slog.Logger
}

type options struct {
	clock      clock.Clock
	logger     *slog.Logger
	httpClient *http.Client
	publisher  skills.Publisher
}

// Option customises New.
type Option func(*options)

// WithClock sets the clock every component uses.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the root logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithHTTPClient sets the client LLM backends use.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithPublisher overrides the configured publisher.
func WithPublisher(p skills.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// New validates cfg, opens the database and wires the components. Persisted
// credential counters, task timing and the improvement position are
// restored before New returns.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Agent, error) {
	o := options{clock: clock.Real{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(skills.Builtin...); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	d, err := db.Open(ctx, db.Options{Path: cfg.DBPath()})
	if err != nil {
		return nil, err
	}
	a := &Agent{Config: cfg, db: d, clock: o.clock, logger: o.logger, KPI: &status.KPI{}}
	if err := a.wire(ctx, o); err != nil {
		d.Close()
		return nil, err
	}
	return a, nil
}

func (a *Agent) wire(ctx context.Context, o options) error {
	cfg, log := a.Config, a.logger

	a.Memory = memory.NewStore(a.db.SQL(),
		memory.WithClock(a.clock),
		memory.WithLogger(logging.ForComponent(log, "memory")),
	)

	a.Ledger = quota.NewLedger(cfg.Quota.Period.Std(), a.clock)
	specs, err := a.providerSpecs(o.httpClient)
	if err != nil {
		return err
	}
	quotaStore := quota.NewStore(a.db.SQL())
	a.Rotator, err = rotator.New(a.Ledger, specs,
		rotator.WithConfig(rotator.Config{
			CallTimeout:       cfg.Rotator.CallTimeout.Std(),
			TransientAttempts: cfg.Rotator.TransientAttempts,
			TransientBackoff:  cfg.Rotator.TransientBackoff.Std(),
		}),
		rotator.WithLogger(logging.ForComponent(log, "rotator")),
		rotator.WithStateSaver(quotaStore),
	)
	if err != nil {
		return fmt.Errorf("build rotator: %w", err)
	}
	states, err := quotaStore.Load(ctx)
	if err != nil {
		return fmt.Errorf("load credential state: %w", err)
	}
	restored := a.Rotator.Restore(states)

	a.Improve = improve.New(a.Memory,
		improve.WithConfig(improve.Config{Threshold: cfg.Improve.Threshold, MinSamples: cfg.Improve.MinSamples}),
		improve.WithAdvisor(a.Rotator),
		improve.WithClock(a.clock),
		improve.WithLogger(logging.ForComponent(log, "improve")),
	)
	if err := a.Improve.Restore(ctx); err != nil {
		return err
	}

	a.Scheduler = scheduler.New(
		scheduler.WithConfig(scheduler.Config{
			PollInterval: cfg.Scheduler.PollInterval.Std(),
			MaxParallel:  cfg.Scheduler.MaxParallel,
		}),
		scheduler.WithClock(a.clock),
		scheduler.WithRecorder(a.Memory),
		scheduler.WithStateStore(scheduler.NewSQLStore(a.db.SQL())),
		scheduler.WithLogger(logging.ForComponent(log, "scheduler")),
	)
	a.Status = status.NewCollector(status.Sources{
		Tasks:     a.Scheduler,
		Providers: a.Rotator,
		Improve:   a.Improve,
		KPI:       a.KPI,
	}, a.clock)

	publisher := o.publisher
	if publisher == nil {
		publisher = newPublisher(cfg.Publish, logging.ForComponent(log, "publish"))
	}
	a.Skills = skills.NewRegistry()
	err = errors.Join(
		a.Skills.RegisterContent(skills.Deps{
			LLM:       a.Rotator,
			Memory:    a.Memory,
			Publisher: publisher,
			Catalog:   cfg.Catalog,
			KPI:       a.KPI,
			Logger:    logging.ForComponent(log, "skills"),
		}),
		a.Skills.Register(skills.StatusReport, skills.NewStatusReport(a.Status, cfg.StatusReportPath())),
		a.Skills.Register(skills.MemoryPrune, skills.NewMemoryPrune(a.Memory, memory.Policy{
			MaxAge:     cfg.Memory.MaxAge.Std(),
			MaxEntries: cfg.Memory.MaxEntries,
		})),
		a.Skills.Register(skills.SelfImprovement, a.Improve.Job()),
	)
	if err != nil {
		return err
	}

	for _, t := range cfg.Tasks {
		action, err := a.Skills.Lookup(t.Skill)
		if err != nil {
			return fmt.Errorf("task %s: %w", t.Name, err)
		}
		err = a.Scheduler.Register(scheduler.Task{
			Name:         t.Name,
			Interval:     t.Interval.Std(),
			Action:       action,
			InitialDelay: t.InitialDelay.Std(),
		})
		if err != nil {
			return err
		}
	}
	if err := a.Scheduler.Restore(ctx); err != nil {
		return err
	}

	log.Info("agent ready",
		"instance", a.Status.InstanceID(),
		"providers", len(specs),
		"credentials_restored", restored,
		"tasks", len(cfg.Tasks),
		"db", a.db.Path(),
	)
	return nil
}

func (a *Agent) providerSpecs(client *http.Client) ([]rotator.ProviderSpec, error) {
	now := a.clock.Now()
	var specs []rotator.ProviderSpec
	for _, p := range a.Config.Enabled() {
		backend, err := llm.New(llm.Config{
			Name:        p.Name,
			Kind:        p.Kind,
			BaseURL:     p.BaseURL,
			Model:       p.Model,
			MaxTokens:   p.MaxTokens,
			Temperature: p.Temperature,
			HTTPClient:  client,
		})
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", p.Name, err)
		}
		spec := rotator.ProviderSpec{Name: p.Name, Backend: backend, RequestsPerMinute: p.RequestsPerMinute}
		for _, key := range p.Keys {
			spec.Credentials = append(spec.Credentials, quota.NewCredential(p.Name, key, p.Limit, now))
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func newPublisher(cfg config.PublishConfig, logger *slog.Logger) skills.Publisher {
	if cfg.Mode == config.PublishWebhook {
		return skills.NewWebhookPublisher(cfg.Endpoint, cfg.Token, cfg.Timeout.Std(), logger)
	}
	return skills.NewDryRunPublisher(logger)
}

// Run drives the scheduler, and the status server when enabled, until ctx
// is cancelled. On the way out it records a shutdown entry and persists
// credential counters.
func (a *Agent) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Scheduler.Run(gctx) })
	if a.Config.Status.Enabled {
		srv := status.NewServer(a.Config.Status.Addr, a.Status, logging.ForComponent(a.logger, "status"))
		g.Go(func() error { return srv.Run(gctx) })
	}
	err := g.Wait()

	shutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	return errors.Join(err, a.Shutdown(shutCtx))
}

// Shutdown records the shutdown and persists credential counters.
func (a *Agent) Shutdown(ctx context.Context) error {
	s := a.Status.Snapshot()
	_, merr := a.Memory.Append(ctx, memory.Entry{
		Kind:    memory.KindSemantic,
		Content: fmt.Sprintf("agent shut down after %s: %d task runs, %d failed", s.Uptime, s.TasksRun, s.TasksFailed),
		Tags:    []string{"shutdown"},
		Metadata: map[string]string{
			"instance_id":  s.InstanceID,
			"tasks_run":    strconv.FormatInt(s.TasksRun, 10),
			"tasks_failed": strconv.FormatInt(s.TasksFailed, 10),
		},
	})
	serr := a.Rotator.SaveAll(ctx)
	if merr != nil || serr != nil {
		a.logger.Error("shutdown incomplete", "memory_error", merr, "quota_error", serr)
	} else {
		a.logger.Info("agent stopped", "uptime", s.Uptime, "tasks_run", s.TasksRun)
	}
	return errors.Join(merr, serr)
}

// Close releases the database.
func (a *Agent) Close() error {
	return a.db.Close()
}
