package status

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rand/herald/internal/clock"
	"github.com/rand/herald/internal/logging"
	"github.com/rand/herald/internal/quota"
	"github.com/rand/herald/internal/rotator"
	"github.com/rand/herald/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

type fakeTasks struct{}

func (fakeTasks) Status(now time.Time) []scheduler.TaskStatus {
	return []scheduler.TaskStatus{
		{Name: "social_media_morning", Interval: 8 * time.Hour, State: scheduler.Due, LastResult: scheduler.Failed, NextDue: now, Runs: 3, Failures: 1},
		{Name: "status_report", Priority: 1, Interval: 6 * time.Hour, State: scheduler.Running, NextDue: now.Add(time.Hour)},
	}
}

func (fakeTasks) Counts() (int64, int64) { return 7, 2 }

type fakeProviders struct{}

func (fakeProviders) Status() []rotator.ProviderStatus {
	return []rotator.ProviderStatus{
		{Name: "gemini", Remaining: 1490, Available: 1, Calls: 10, Credentials: []rotator.CredentialStatus{
			{State: quota.State{KeyID: "gemini-0a1b2c3d", Provider: "gemini", Limit: 1500, Used: 10, Remaining: 1490, Status: quota.Available}},
		}},
		{Name: "groq", Remaining: 0, Exhausted: 1, Credentials: []rotator.CredentialStatus{
			{State: quota.State{KeyID: "groq-9f8e7d6c", Provider: "groq", Limit: 5, Used: 5, Status: quota.Exhausted}},
		}},
	}
}

func (fakeProviders) Metrics() rotator.Metrics {
	return rotator.Metrics{TotalCalls: 15, TotalExhausted: 1, LastExhaustedAt: epoch}
}

type fakeImprove struct{}

func (fakeImprove) LastRun() time.Time { return epoch.Add(-time.Hour) }
func (fakeImprove) Applied() int       { return 2 }

func newTestCollector(clk clock.Clock) (*Collector, *KPI) {
	kpi := &KPI{}
	return NewCollector(Sources{Tasks: fakeTasks{}, Providers: fakeProviders{}, Improve: fakeImprove{}, KPI: kpi}, clk), kpi
}

func TestSnapshot(t *testing.T) {
	clk := clock.NewFake(epoch)
	c, kpi := newTestCollector(clk)
	kpi.PostPublished()
	kpi.PostPublished()
	kpi.EmailDrafted()
	kpi.ContestChecked()

	clk.Advance(90 * time.Minute)
	s := c.Snapshot()

	assert.Equal(t, c.InstanceID(), s.InstanceID)
	assert.Len(t, s.InstanceID, 36)
	assert.Equal(t, "1h30m0s", s.Uptime)
	assert.Equal(t, int64(7), s.TasksRun)
	assert.Equal(t, int64(2), s.TasksFailed)
	assert.Equal(t, map[string]int{"gemini": 1490, "groq": 0}, s.QuotaRemaining)
	assert.Equal(t, epoch.Add(-time.Hour), s.LastImprovement)
	assert.Equal(t, KPISnapshot{PostsPublished: 2, EmailsDrafted: 1, ContestsChecked: 1, ImprovementsApplied: 2}, s.KPI)
	assert.Len(t, s.Tasks, 2)
	assert.Equal(t, int64(15), s.Rotator.TotalCalls)
}

func TestSnapshotWithoutSources(t *testing.T) {
	s := NewCollector(Sources{}, clock.NewFake(epoch)).Snapshot()
	assert.Zero(t, s.TasksRun)
	assert.Empty(t, s.QuotaRemaining)
	assert.True(t, s.LastImprovement.IsZero())
}

func TestRouter(t *testing.T) {
	c, _ := newTestCollector(clock.NewFake(epoch))
	router := NewRouter(c, logging.Discard())

	t.Run("healthz", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "ok", body["status"])
		assert.Equal(t, c.InstanceID(), body["instance_id"])
	})

	t.Run("status", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"tasks_run":7`)
		assert.Contains(t, rec.Body.String(), `"status":"exhausted"`)
		assert.Contains(t, rec.Body.String(), `"state":"running"`)
		assert.NotContains(t, rec.Body.String(), "secret")
	})

	t.Run("read only", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/status", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestServeAndFetch(t *testing.T) {
	c, _ := newTestCollector(clock.NewFake(epoch))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- NewServer(ln.Addr().String(), c, logging.Discard()).Serve(ctx, ln) }()

	s, err := Fetch(t.Context(), nil, ln.Addr().String())
	require.NoError(t, err)
	assert.Equal(t, c.InstanceID(), s.InstanceID)
	require.Len(t, s.Providers, 2)
	assert.Equal(t, quota.Exhausted, s.Providers[1].Credentials[0].Status)
	assert.Equal(t, scheduler.Running, s.Tasks[1].State)
	assert.Equal(t, 6*time.Hour, s.Tasks[1].Interval)

	cancel()
	require.NoError(t, <-done)

	_, err = Fetch(t.Context(), nil, "http://"+ln.Addr().String())
	assert.Error(t, err)
}

func TestWriteReport(t *testing.T) {
	c, _ := newTestCollector(clock.NewFake(epoch))
	path := filepath.Join(t.TempDir(), "data", "status_report.json")

	require.NoError(t, WriteReport(path, c.Snapshot()))
	require.NoError(t, WriteReport(path, c.Snapshot()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var s Snapshot
	require.NoError(t, json.Unmarshal(data, &s))
	assert.Equal(t, c.InstanceID(), s.InstanceID)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")

	back, err := ReadReport(path)
	require.NoError(t, err)
	assert.Equal(t, s.InstanceID, back.InstanceID)

	_, err = ReadReport(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
