// Package status assembles the agent's read-only health view and serves it
// over HTTP.
package status

import (
	"sync/atomic"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/google/uuid"

	"github.com/rand/herald/internal/clock"
	"github.com/rand/herald/internal/rotator"
	"github.com/rand/herald/internal/scheduler"
)

// KPI counts what the skills produced since start.
type KPI struct {
	posts    atomic.Int64
	articles atomic.Int64
	emails   atomic.Int64
	contests atomic.Int64
	rejected atomic.Int64
}

func (k *KPI) PostPublished() { k.posts.Add(1) }

func (k *KPI) ArticlePublished() { k.articles.Add(1) }

func (k *KPI) EmailDrafted() { k.emails.Add(1) }

func (k *KPI) ContestChecked() { k.contests.Add(1) }

// PublishRejected counts content the publisher refused.
func (k *KPI) PublishRejected() { k.rejected.Add(1) }

// KPISnapshot is a point-in-time copy of the counters.
type KPISnapshot struct {
	PostsPublished      int64 `json:"posts_published"`
	ArticlesPublished   int64 `json:"articles_published"`
	EmailsDrafted       int64 `json:"emails_drafted"`
	ContestsChecked     int64 `json:"contests_checked"`
	PublishRejected     int64 `json:"publish_rejected"`
	ImprovementsApplied int64 `json:"improvements_applied"`
}

// Snapshot copies the counters.
func (k *KPI) Snapshot() KPISnapshot {
	if k == nil {
		return KPISnapshot{}
	}
	return KPISnapshot{
		PostsPublished:    k.posts.Load(),
		ArticlesPublished: k.articles.Load(),
		EmailsDrafted:     k.emails.Load(),
		ContestsChecked:   k.contests.Load(),
		PublishRejected:   k.rejected.Load(),
	}
}

// TaskSource is the scheduler's read side.
type TaskSource interface {
	Status(now time.Time) []scheduler.TaskStatus
	Counts() (runs, failures int64)
}

// ProviderSource is the rotator's read side.
type ProviderSource interface {
	Status() []rotator.ProviderStatus
	Metrics() rotator.Metrics
}

// ImprovementSource is the improvement loop's read side.
type ImprovementSource interface {
	LastRun() time.Time
	Applied() int
}

// Snapshot is the status report.
type Snapshot struct {
	InstanceID      string                   `json:"instance_id"`
	Machine         string                   `json:"machine,omitempty"`
	Started         time.Time                `json:"started"`
	GeneratedAt     time.Time                `json:"generated_at"`
	Uptime          string                   `json:"uptime"`
	TasksRun        int64                    `json:"tasks_run"`
	TasksFailed     int64                    `json:"tasks_failed"`
	QuotaRemaining  map[string]int           `json:"quota_remaining"`
	LastImprovement time.Time                `json:"last_improvement,omitzero"`
	Providers       []rotator.ProviderStatus `json:"providers"`
	Rotator         rotator.Metrics          `json:"rotator"`
	Tasks           []scheduler.TaskStatus   `json:"tasks"`
	KPI             KPISnapshot              `json:"kpi"`
}

// Collector builds snapshots from the live components. Any source may be
// nil.
type Collector struct {
	id      string
	machine string
	started time.Time
	clock   clock.Clock

	tasks     TaskSource
	providers ProviderSource
	improve   ImprovementSource
	kpi       *KPI
}

// Sources are the components a Collector reads.
type Sources struct {
	Tasks     TaskSource
	Providers ProviderSource
	Improve   ImprovementSource
	KPI       *KPI
}

// NewCollector creates a collector with a fresh instance id. The machine
// id is empty where the platform does not expose one.
func NewCollector(src Sources, clk clock.Clock) *Collector {
	if clk == nil {
		clk = clock.Real{}
	}
	// ProtectedID hashes the machine id with the app id.
	machine, _ := machineid.ProtectedID("herald")
	return &Collector{
		id:        uuid.NewString(),
		machine:   machine,
		started:   clk.Now(),
		clock:     clk,
		tasks:     src.Tasks,
		providers: src.Providers,
		improve:   src.Improve,
		kpi:       src.KPI,
	}
}

// InstanceID identifies this process.
func (c *Collector) InstanceID() string { return c.id }

// Snapshot reports the current state without changing it.
func (c *Collector) Snapshot() Snapshot {
	now := c.clock.Now()
	s := Snapshot{
		InstanceID:     c.id,
		Machine:        c.machine,
		Started:        c.started,
		GeneratedAt:    now,
		Uptime:         now.Sub(c.started).Truncate(time.Second).String(),
		QuotaRemaining: make(map[string]int),
		KPI:            c.kpi.Snapshot(),
	}
	if c.tasks != nil {
		s.TasksRun, s.TasksFailed = c.tasks.Counts()
		s.Tasks = c.tasks.Status(now)
	}
	if c.providers != nil {
		s.Providers = c.providers.Status()
		s.Rotator = c.providers.Metrics()
		for _, p := range s.Providers {
			s.QuotaRemaining[p.Name] = p.Remaining
		}
	}
	if c.improve != nil {
		s.LastImprovement = c.improve.LastRun()
		s.KPI.ImprovementsApplied = int64(c.improve.Applied())
	}
	return s
}
