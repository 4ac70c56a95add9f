package cmd

import (
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rand/herald/internal/db"
	"github.com/rand/herald/internal/logging"
	"github.com/rand/herald/internal/quota"
	"github.com/rand/herald/internal/status"
)

func TestProvidersShowsPersistedUsage(t *testing.T) {
	dataDir := isolate(t)
	t.Setenv("GROQ_API_KEY", "gsk_first")
	t.Setenv("GROQ_API_KEY_1", "gsk_second")

	d, err := db.Open(t.Context(), db.Options{Path: filepath.Join(dataDir, "herald.db")})
	require.NoError(t, err)
	require.NoError(t, quota.NewStore(d.SQL()).Save(t.Context(), quota.State{
		KeyID:       quota.KeyID("groq", "gsk_first"),
		Provider:    "groq",
		Used:        42,
		PeriodStart: time.Now().Add(-time.Hour),
		Status:      quota.Available,
		LastError:   "rate limited",
	}))
	require.NoError(t, d.Close())

	out := mustExecute(t, "providers", "-D", dataDir)
	assert.Contains(t, out, "gsk_********")
	assert.Contains(t, out, "42/14,400")
	assert.Contains(t, out, "0/14,400")
	assert.Contains(t, out, "last error: rate limited")

	out = mustExecute(t, "providers", "-D", dataDir, "--json")
	var rows []credentialRow
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, 1, rows[0].Rank)
	assert.Equal(t, 42, rows[0].Used)
	assert.Equal(t, 14400-42, rows[0].Remaining)
	assert.Equal(t, 0, rows[1].Used)
}

func TestProvidersResetsElapsedPeriod(t *testing.T) {
	dataDir := isolate(t)
	t.Setenv("GEMINI_API_KEY", "AIza-key")

	d, err := db.Open(t.Context(), db.Options{Path: filepath.Join(dataDir, "herald.db")})
	require.NoError(t, err)
	require.NoError(t, quota.NewStore(d.SQL()).Save(t.Context(), quota.State{
		KeyID:       quota.KeyID("gemini", "AIza-key"),
		Provider:    "gemini",
		Used:        1500,
		PeriodStart: time.Now().Add(-25 * time.Hour),
		Status:      quota.Exhausted,
	}))
	require.NoError(t, d.Close())

	out := mustExecute(t, "providers", "-D", dataDir, "-j")
	var rows []credentialRow
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, quota.Available, rows[0].Status)
	assert.Equal(t, 0, rows[0].Used)
}

func TestImproveCommand(t *testing.T) {
	dataDir := isolate(t)

	out := mustExecute(t, "improve", "-D", dataDir)
	assert.Contains(t, out, "No task is failing")

	seedMemory(t, dataDir,
		episode("social_media_morning", false, "rate_limited"),
		episode("social_media_morning", false, "rate_limited"),
		episode("social_media_morning", false, "rate_limited"),
		episode("social_media_morning", true),
	)
	out = mustExecute(t, "improve", "-D", dataDir)
	assert.Contains(t, out, "social_media_morning fails 3 of 4 runs")
	assert.Contains(t, out, "1 strategy recorded")

	out = mustExecute(t, "improve", "-D", dataDir)
	assert.Contains(t, out, "No task is failing", "episodes are analysed once")

	out = mustExecute(t, "memory", "query", "-D", dataDir, "-k", "strategic")
	assert.Contains(t, out, "rate_limited")
}

type fixedSnapshot status.Snapshot

func (f fixedSnapshot) Snapshot() status.Snapshot { return status.Snapshot(f) }

func testSnapshot() status.Snapshot {
	now := time.Now()
	return status.Snapshot{
		InstanceID:  "0e7c6a8e-1111-4222-8333-444455556666",
		Started:     now.Add(-3 * time.Hour),
		GeneratedAt: now,
		Uptime:      "3h0m0s",
		TasksRun:    1234,
		TasksFailed: 5,
	}
}

func TestStatusFromEndpoint(t *testing.T) {
	dataDir := isolate(t)
	srv := httptest.NewServer(status.NewRouter(fixedSnapshot(testSnapshot()), logging.Discard()))
	defer srv.Close()

	out := mustExecute(t, "status", "-D", dataDir, "--addr", srv.URL)
	assert.Contains(t, out, "Agent 0e7c6a8e-1111-4222-8333-444455556666")
	assert.Contains(t, out, "1,234 (5 failed)")
	assert.Contains(t, out, "Last improvement: never")

	out = mustExecute(t, "status", "-D", dataDir, "--addr", srv.URL, "--json")
	var s status.Snapshot
	require.NoError(t, json.Unmarshal([]byte(out), &s))
	assert.Equal(t, int64(1234), s.TasksRun)
}

func TestStatusFromReportFile(t *testing.T) {
	dataDir := isolate(t)

	_, err := execute(t, "status", "-D", dataDir, "--file")
	require.Error(t, err)

	require.NoError(t, status.WriteReport(filepath.Join(dataDir, "status_report.json"), testSnapshot()))
	out := mustExecute(t, "status", "-D", dataDir, "--file")
	assert.Contains(t, out, "0e7c6a8e")
}

func TestStatusUnreachable(t *testing.T) {
	dataDir := isolate(t)
	srv := httptest.NewServer(nil)
	addr := srv.URL
	srv.Close()

	_, err := execute(t, "status", "-D", dataDir, "--addr", addr)
	assert.Error(t, err)
}

