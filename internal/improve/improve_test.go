package improve

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rand/herald/internal/clock"
	"github.com/rand/herald/internal/db"
	"github.com/rand/herald/internal/llm"
	"github.com/rand/herald/internal/logging"
	"github.com/rand/herald/internal/memory"
	"github.com/rand/herald/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*memory.Store, *clock.Fake) {
	t.Helper()
	d, err := db.Open(t.Context(), db.Options{Path: filepath.Join(t.TempDir(), "herald.db")})
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	clk := clock.NewFake(epoch)
	return memory.NewStore(d.SQL(), memory.WithClock(clk), memory.WithLogger(logging.Discard())), clk
}

func newTestEngine(store memory.StrategicWriter, clk clock.Clock, opts ...Option) *Engine {
	opts = append([]Option{WithClock(clk), WithLogger(logging.Discard())}, opts...)
	return New(store, opts...)
}

func record(t *testing.T, store *memory.Store, task string, failed bool, tags ...string) {
	t.Helper()
	outcome := memory.OutcomeSuccess
	if failed {
		outcome = memory.OutcomeFailure
	}
	_, err := store.Append(t.Context(), memory.Entry{
		Kind:    memory.KindEpisodic,
		Task:    task,
		Outcome: outcome,
		Content: fmt.Sprintf("%s %s", task, outcome),
		Tags:    append([]string{"task:" + task, string(outcome)}, tags...),
	})
	require.NoError(t, err)
}

func strategic(t *testing.T, store *memory.Store) []memory.Entry {
	t.Helper()
	entries, err := memory.Collect(store.Query(t.Context(), memory.Filter{Kind: memory.KindStrategic}))
	require.NoError(t, err)
	return entries
}

func TestRateLimitPatternProducesOneStrategy(t *testing.T) {
	store, clk := newTestStore(t)
	for i := range 10 {
		if i < 6 {
			record(t, store, "X", true, "providers_exhausted", "rate_limited")
		} else {
			record(t, store, "X", false)
		}
	}

	created, err := newTestEngine(store, clk).Improve(t.Context())
	require.NoError(t, err)
	require.Len(t, created, 1)

	s := created[0]
	assert.Equal(t, memory.KindStrategic, s.Kind)
	assert.Equal(t, "X", s.Task)
	assert.Contains(t, s.Content, "rate_limited")
	assert.Contains(t, s.Content, "reduce frequency or add provider diversity")
	assert.ElementsMatch(t, []string{"strategy", "task:X", "pattern:rate_limited"}, s.Tags)
	assert.Equal(t, "0.60", s.Metadata["failure_rate"])
	assert.Equal(t, "10", s.Metadata["samples"])
	assert.Equal(t, "6", s.Metadata["failures"])

	assert.Len(t, strategic(t, store), 1)
}

func TestThresholdIsStrict(t *testing.T) {
	store, clk := newTestStore(t)
	for i := range 10 {
		record(t, store, "half", i < 5, "transient")
	}

	created, err := newTestEngine(store, clk).Improve(t.Context())
	require.NoError(t, err)
	assert.Empty(t, created)
}

func TestMinSamples(t *testing.T) {
	store, clk := newTestStore(t)
	record(t, store, "rare", true, "panic")
	record(t, store, "rare", true, "panic")

	e := newTestEngine(store, clk)
	created, err := e.Improve(t.Context())
	require.NoError(t, err)
	assert.Empty(t, created)

	// The two earlier runs are consumed; a third alone is still too few.
	record(t, store, "rare", true, "panic")
	created, err = e.Improve(t.Context())
	require.NoError(t, err)
	assert.Empty(t, created)
}

func TestStrategiesOrderedByTask(t *testing.T) {
	store, clk := newTestStore(t)
	for range 3 {
		record(t, store, "zeta", true, "auth_invalid")
		record(t, store, "alpha", true, "error")
		record(t, store, "mid", false)
	}

	created, err := newTestEngine(store, clk).Improve(t.Context())
	require.NoError(t, err)
	require.Len(t, created, 2)
	assert.Equal(t, "alpha", created[0].Task)
	assert.Equal(t, "zeta", created[1].Task)
	assert.Contains(t, created[1].Content, "replace the rejected API keys")
	assert.Less(t, created[0].ID, created[1].ID)
}

func TestOnlyNewEpisodesAreAnalysed(t *testing.T) {
	store, clk := newTestStore(t)
	for range 4 {
		record(t, store, "X", true, "rate_limited")
	}

	e := newTestEngine(store, clk)
	created, err := e.Improve(t.Context())
	require.NoError(t, err)
	require.Len(t, created, 1)

	clk.Advance(24 * time.Hour)
	created, err = e.Improve(t.Context())
	require.NoError(t, err)
	assert.Empty(t, created)
	assert.Equal(t, epoch.Add(24*time.Hour), e.LastRun())

	// A fresh engine picks up where the last cycle stopped.
	restarted := newTestEngine(store, clk)
	require.NoError(t, restarted.Restore(t.Context()))
	assert.True(t, restarted.LastRun().Equal(epoch.Add(24*time.Hour)))

	created, err = restarted.Improve(t.Context())
	require.NoError(t, err)
	assert.Empty(t, created)
	assert.Len(t, strategic(t, store), 1)

	markers, err := memory.Collect(store.Query(t.Context(), memory.Filter{Kind: memory.KindSemantic, TagsAny: []string{TagRun}}))
	require.NoError(t, err)
	assert.Len(t, markers, 3)
}

// markerFailingStore fails the next improvement marker write.
type markerFailingStore struct {
	*memory.Store
	fail bool
}

func (s *markerFailingStore) Append(ctx context.Context, e memory.Entry) (int64, error) {
	if s.fail && e.HasTag(TagRun) {
		s.fail = false
		return 0, errors.New("disk full")
	}
	return s.Store.Append(ctx, e)
}

func TestIncompleteCycleDoesNotDuplicateStrategies(t *testing.T) {
	store, clk := newTestStore(t)
	for range 4 {
		record(t, store, "A", true, "rate_limited")
		record(t, store, "B", true, "auth_invalid")
	}

	flaky := &markerFailingStore{Store: store, fail: true}
	e := newTestEngine(flaky, clk)
	created, err := e.Improve(t.Context())
	require.Error(t, err)
	assert.Len(t, created, 2)
	assert.Len(t, strategic(t, store), 2)

	// The retried cycle sees the same episodes and only completes the marker.
	clk.Advance(time.Hour)
	created, err = e.Improve(t.Context())
	require.NoError(t, err)
	assert.Empty(t, created)
	assert.Len(t, strategic(t, store), 2)
	assert.True(t, e.LastRun().Equal(epoch.Add(time.Hour)))

	// New failures after the completed cycle are analysed again.
	for range 4 {
		record(t, store, "A", true, "rate_limited")
	}
	created, err = e.Improve(t.Context())
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, "A", created[0].Task)
	assert.Len(t, strategic(t, store), 3)
}

func TestDominantIgnoresGenericTags(t *testing.T) {
	assert.Equal(t, "rate_limited", dominant(map[string]int{"rate_limited": 2, "error": 1}))
	assert.Equal(t, "auth_invalid", dominant(map[string]int{"auth_invalid": 2, "transient": 2}))
	assert.Equal(t, "unknown", dominant(nil))

	assert.True(t, generic("failure"))
	assert.True(t, generic("providers_exhausted"))
	assert.True(t, generic("task:X"))
	assert.False(t, generic("rate_limited"))
}

type advisorFunc func(ctx context.Context, prompt string, c llm.Constraints) (string, error)

func (f advisorFunc) Complete(ctx context.Context, prompt string, c llm.Constraints) (string, error) {
	return f(ctx, prompt, c)
}

func TestAdvisorElaborates(t *testing.T) {
	store, clk := newTestStore(t)
	for range 3 {
		record(t, store, "X", true, "rate_limited")
	}

	var prompt string
	advisor := advisorFunc(func(ctx context.Context, p string, c llm.Constraints) (string, error) {
		prompt = p
		return "Move the evening post to a quieter provider. Also consider caching.", nil
	})

	created, err := newTestEngine(store, clk, WithAdvisor(advisor)).Improve(t.Context())
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Contains(t, prompt, "rate_limited")
	assert.Contains(t, created[0].Content, "Move the evening post to a quieter provider")
	assert.NotContains(t, created[0].Content, "caching")
}

func TestAdvisorFailureIsIgnored(t *testing.T) {
	store, clk := newTestStore(t)
	for range 3 {
		record(t, store, "X", true, "rate_limited")
	}

	advisor := advisorFunc(func(ctx context.Context, p string, c llm.Constraints) (string, error) {
		return "", errors.New("all providers exhausted")
	})

	created, err := newTestEngine(store, clk, WithAdvisor(advisor)).Improve(t.Context())
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.True(t, strings.HasSuffix(created[0].Content, Recommendation("rate_limited")))
}

func TestAdvice(t *testing.T) {
	store, clk := newTestStore(t)
	for range 3 {
		record(t, store, "X", true, "rate_limited")
		record(t, store, "Y", false)
	}
	_, err := newTestEngine(store, clk).Improve(t.Context())
	require.NoError(t, err)

	advice, err := Advice(t.Context(), store, "X")
	require.NoError(t, err)
	require.Len(t, advice, 1)
	assert.Contains(t, Prompt(advice), "Lessons from previous runs:\n- X fails 3 of 3 runs")

	advice, err = Advice(t.Context(), store, "Y")
	require.NoError(t, err)
	assert.Empty(t, advice)
	assert.Empty(t, Prompt(advice))
}

func TestJob(t *testing.T) {
	store, clk := newTestStore(t)
	for range 3 {
		record(t, store, "X", true, "rate_limited")
	}

	e := newTestEngine(store, clk)
	out, err := e.Job().Run(t.Context(), scheduler.RunContext{Task: "self_improvement"})
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, "1 strategy recorded", out.Detail)
	assert.Contains(t, out.Tags, "strategy_for:X")
	assert.Equal(t, 1, e.Applied())
}
