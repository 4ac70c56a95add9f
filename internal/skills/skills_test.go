package skills

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rand/herald/internal/clock"
	"github.com/rand/herald/internal/config"
	"github.com/rand/herald/internal/db"
	"github.com/rand/herald/internal/llm"
	"github.com/rand/herald/internal/logging"
	"github.com/rand/herald/internal/memory"
	"github.com/rand/herald/internal/rotator"
	"github.com/rand/herald/internal/scheduler"
	"github.com/rand/herald/internal/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

type fakeLLM struct {
	mu      sync.Mutex
	prompts []string
	reply   func(prompt string) (string, error)
}

func (f *fakeLLM) Complete(ctx context.Context, prompt string, c llm.Constraints) (string, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()
	return f.reply(prompt)
}

func replying(text string) *fakeLLM {
	return &fakeLLM{reply: func(string) (string, error) { return text, nil }}
}

type recordingPublisher struct {
	mu     sync.Mutex
	posts  []Post
	reject map[string]bool
}

func (p *recordingPublisher) Publish(ctx context.Context, post Post) (Receipt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pl := range post.Platforms {
		if p.reject[pl] {
			return Receipt{}, &PublishError{StatusCode: 422, Body: "rejected"}
		}
	}
	p.posts = append(p.posts, post)
	return Receipt{ID: "p1", Platforms: post.Platforms}, nil
}

func newTestMemory(t *testing.T) *memory.Store {
	t.Helper()
	d, err := db.Open(t.Context(), db.Options{Path: filepath.Join(t.TempDir(), "herald.db")})
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return memory.NewStore(d.SQL(), memory.WithClock(clock.NewFake(epoch)), memory.WithLogger(logging.Discard()))
}

func testCatalog() config.Catalog {
	return config.Catalog{
		Author: "A. Writer",
		Books: []config.Book{
			{Title: "The Obituarist", Genre: "Thriller", Hook: "Every death has an author.", Keywords: []string{"noir"}},
			{Title: "Summer of 1989", Genre: "Drama"},
		},
		Platforms: []string{"twitter", "mastodon"},
		Libraries: []config.Library{
			{Name: "Biblioteca Nacional", Email: "adq@bne.example", Country: "ES", Language: "es"},
			{Name: "City Library", Email: "books@city.example"},
		},
	}
}

func run(t *testing.T, a scheduler.Action, task string, n int) scheduler.Outcome {
	t.Helper()
	out, err := a.Run(t.Context(), scheduler.RunContext{Task: task, RunID: "run-1", Started: epoch, Run: n})
	require.NoError(t, err)
	return out
}

func lookup(t *testing.T, d Deps, name string) scheduler.Action {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, r.RegisterContent(d))
	a, err := r.Lookup(name)
	require.NoError(t, err)
	return a
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterContent(Deps{LLM: replying("x")}))
	require.NoError(t, r.Register(MemoryPrune, NewMemoryPrune(nil, memory.Policy{})))

	assert.Equal(t, []string{BlogContent, ContestCheck, LibraryOutreach, MemoryPrune, SocialMedia}, r.Names())
	assert.Error(t, r.Register(SocialMedia, replyingAction()))
	assert.Error(t, r.Register("", replyingAction()))

	_, err := r.Lookup("fax")
	assert.ErrorIs(t, err, ErrUnknownSkill)

	_, err = r.Lookup("social")
	require.ErrorIs(t, err, ErrUnknownSkill)
	assert.Contains(t, err.Error(), `did you mean "social_media"?`)
}

func replyingAction() scheduler.Action {
	return scheduler.ActionFunc(func(ctx context.Context, rc scheduler.RunContext) (scheduler.Outcome, error) {
		return scheduler.Outcome{Success: true}, nil
	})
}

func TestSocialMediaPublishesPerPlatform(t *testing.T) {
	gen := replying(`<b>"Every death has an author."</b> Read The Obituarist &amp; more #noir`)
	pub := &recordingPublisher{}
	kpi := &status.KPI{}
	a := lookup(t, Deps{LLM: gen, Publisher: pub, Catalog: testCatalog(), KPI: kpi, Logger: logging.Discard()}, SocialMedia)

	out := run(t, a, "social_media_evening", 1)
	assert.True(t, out.Success)
	assert.Contains(t, out.Detail, `"The Obituarist"`)
	assert.Contains(t, out.Tags, "book:the-obituarist")
	assert.Contains(t, out.Tags, "platform:mastodon")

	require.Len(t, pub.posts, 2)
	assert.Equal(t, []string{"twitter"}, pub.posts[0].Platforms)
	assert.NotContains(t, pub.posts[0].Content, "<b>")
	assert.Contains(t, pub.posts[0].Content, "& more")
	assert.Equal(t, int64(2), kpi.Snapshot().PostsPublished)

	require.Len(t, gen.prompts, 2)
	assert.Contains(t, gen.prompts[0], "evening post for twitter")
	assert.Contains(t, gen.prompts[0], "under 280 characters")

	// The next run promotes the next book.
	out = run(t, a, "social_media_morning", 2)
	assert.Contains(t, out.Detail, "Summer of 1989")
}

func TestSocialMediaRejectedPlatform(t *testing.T) {
	pub := &recordingPublisher{reject: map[string]bool{"mastodon": true}}
	kpi := &status.KPI{}
	a := lookup(t, Deps{LLM: replying("hello"), Publisher: pub, Catalog: testCatalog(), KPI: kpi, Logger: logging.Discard()}, SocialMedia)

	out := run(t, a, "social_media_morning", 1)
	assert.False(t, out.Success)
	assert.Contains(t, out.Tags, TagPublishRejected)
	assert.Contains(t, out.Detail, "rejected by mastodon")
	assert.Equal(t, int64(1), kpi.Snapshot().PostsPublished)
	assert.Equal(t, int64(1), kpi.Snapshot().PublishRejected)
}

func TestSocialMediaProviderFailure(t *testing.T) {
	gen := &fakeLLM{reply: func(string) (string, error) {
		return "", &rotator.ExhaustedError{Attempts: []rotator.Attempt{{Provider: "gemini", Class: llm.RateLimited}}}
	}}
	a := lookup(t, Deps{LLM: gen, Catalog: testCatalog(), Logger: logging.Discard()}, SocialMedia)

	_, err := a.Run(t.Context(), scheduler.RunContext{Task: "social_media_morning", Run: 1})
	assert.ErrorIs(t, err, rotator.ErrAllProvidersExhausted)
}

func TestSocialMediaEmptyCatalog(t *testing.T) {
	a := lookup(t, Deps{LLM: replying("x")}, SocialMedia)
	out := run(t, a, "social_media_morning", 1)
	assert.False(t, out.Success)
	assert.Equal(t, []string{TagCatalogEmpty}, out.Tags)
}

func TestAdviceReachesPrompt(t *testing.T) {
	mem := newTestMemory(t)
	_, err := mem.AppendStrategic(t.Context(), memory.Entry{
		Task:    "social_media_morning",
		Content: "social_media_morning fails 6 of 10 runs (60%), predominantly with rate_limited: reduce frequency or add provider diversity",
		Tags:    []string{"strategy", "task:social_media_morning"},
	})
	require.NoError(t, err)

	gen := replying("post")
	a := lookup(t, Deps{LLM: gen, Memory: mem, Catalog: testCatalog(), Logger: logging.Discard()}, SocialMedia)
	run(t, a, "social_media_morning", 1)

	require.NotEmpty(t, gen.prompts)
	assert.Contains(t, gen.prompts[0], "Lessons from previous runs:")
	assert.Contains(t, gen.prompts[0], "add provider diversity")

	run(t, a, "social_media_evening", 1)
	assert.NotContains(t, gen.prompts[len(gen.prompts)-1], "Lessons from previous runs:")
}

func TestLibraryOutreachRecordsProcedure(t *testing.T) {
	mem := newTestMemory(t)
	kpi := &status.KPI{}
	gen := replying("Subject: Adquisición de títulos\nEstimados bibliotecarios,\nles escribo...")
	a := lookup(t, Deps{LLM: gen, Memory: mem, Catalog: testCatalog(), KPI: kpi, Logger: logging.Discard()}, LibraryOutreach)

	out := run(t, a, LibraryOutreach, 1)
	assert.True(t, out.Success)
	assert.Contains(t, out.Detail, "Biblioteca Nacional")
	assert.Contains(t, gen.prompts[0], `language "es"`)
	assert.Equal(t, int64(1), kpi.Snapshot().EmailsDrafted)

	entries, err := memory.Collect(mem.Query(t.Context(), memory.Filter{Kind: memory.KindProcedural}))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, LibraryOutreach, e.Task)
	assert.Equal(t, "run-1", e.RunID)
	assert.Contains(t, e.Tags, "template:es")
	assert.Equal(t, "Adquisición de títulos", e.Metadata["subject"])
	assert.True(t, strings.HasPrefix(e.Metadata["draft"], "Estimados"))

	out = run(t, a, LibraryOutreach, 2)
	assert.Contains(t, out.Detail, "en email to City Library")
}

func TestContestCheckRecordsFact(t *testing.T) {
	mem := newTestMemory(t)
	kpi := &status.KPI{}
	a := lookup(t, Deps{LLM: replying("Kindle Storyteller Award - deadline Aug 31\nIndie Thriller Prize"), Memory: mem, Catalog: testCatalog(), KPI: kpi}, ContestCheck)

	out := run(t, a, ContestCheck, 1)
	assert.True(t, out.Success)
	assert.Equal(t, "recorded 2 contest lines", out.Detail)

	entries, err := memory.Collect(mem.Query(t.Context(), memory.Filter{Kind: memory.KindSemantic, TagsAny: []string{"contest"}}))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Content, "Kindle Storyteller Award")
	assert.Equal(t, int64(1), kpi.Snapshot().ContestsChecked)
}

func TestBlogContent(t *testing.T) {
	pub := &recordingPublisher{}
	gen := replying(`<h2>Death and words</h2><p>An <em>essay</em>.</p><script>alert(1)</script><a href="https://example.com">buy</a>`)
	a := lookup(t, Deps{LLM: gen, Publisher: pub, Catalog: testCatalog()}, BlogContent)

	out := run(t, a, BlogContent, 1)
	assert.True(t, out.Success)
	require.Len(t, pub.posts, 1)
	p := pub.posts[0]
	assert.Equal(t, []string{BlogPlatform}, p.Platforms)
	assert.Equal(t, "Inside The Obituarist", p.Title)
	assert.Contains(t, p.Content, "<h2>Death and words</h2>")
	assert.NotContains(t, p.Content, "<script>")
	assert.Contains(t, p.Content, `rel="nofollow`)
	assert.Contains(t, out.Detail, "words)")
}

func TestBlogContentArchivesArticle(t *testing.T) {
	pub := &recordingPublisher{}
	mem := newTestMemory(t)
	gen := replying(`<h1>Who  Writes the Dead?</h1><p>An <strong>essay</strong> on obituaries.</p>`)
	a := lookup(t, Deps{LLM: gen, Memory: mem, Publisher: pub, Catalog: testCatalog()}, BlogContent)

	out := run(t, a, BlogContent, 1)
	require.True(t, out.Success)
	require.Len(t, pub.posts, 1)
	assert.Equal(t, "Who Writes the Dead?", pub.posts[0].Title)

	archived, err := mem.Latest(t.Context(), memory.Filter{Kind: memory.KindSemantic, TagsAny: []string{"article"}}, 5)
	require.NoError(t, err)
	require.Len(t, archived, 1)
	e := archived[0]
	assert.Contains(t, e.Content, "**essay**")
	assert.NotContains(t, e.Content, "<p>")
	assert.Equal(t, "Who Writes the Dead?", e.Metadata["title"])
	assert.Equal(t, "p1", e.Metadata["receipt_id"])
	assert.True(t, e.HasTag("book:the-obituarist"))
}

func TestArticleHelpers(t *testing.T) {
	assert.Equal(t, "fallback", ArticleTitle("<p>no heading</p>", "fallback"))
	assert.Equal(t, "Title", ArticleTitle("<h2>Sub</h2><h1> Title </h1>", "fallback"))
	assert.Equal(t, 4, ArticleWords("<h1>One two</h1><p>three <em>four</em></p>"))

	out, err := ArticleMarkdown(`<h2>Part</h2><ul><li>a</li></ul>`)
	require.NoError(t, err)
	assert.Contains(t, out, "## Part")
	assert.Contains(t, out, "- a")
}

func TestStatusReportWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status_report.json")
	src := status.NewCollector(status.Sources{}, clock.NewFake(epoch))

	out := run(t, NewStatusReport(src, path), StatusReport, 1)
	assert.True(t, out.Success)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var s status.Snapshot
	require.NoError(t, json.Unmarshal(data, &s))
	assert.Equal(t, src.InstanceID(), s.InstanceID)
}

type fakePruner struct {
	policy memory.Policy
	err    error
}

func (f *fakePruner) Prune(ctx context.Context, p memory.Policy) (int, error) {
	f.policy = p
	return 4, f.err
}

func TestMemoryPrune(t *testing.T) {
	p := &fakePruner{}
	policy := memory.Policy{MaxAge: 24 * time.Hour, MaxEntries: 100}

	out := run(t, NewMemoryPrune(p, policy), MemoryPrune, 1)
	assert.True(t, out.Success)
	assert.Equal(t, "pruned 4 entries", out.Detail)
	assert.Equal(t, policy, p.policy)

	p.err = memory.ErrPersistence
	_, err := NewMemoryPrune(p, policy).Run(t.Context(), scheduler.RunContext{})
	assert.ErrorIs(t, err, memory.ErrPersistence)
}

func TestSanitizePost(t *testing.T) {
	assert.Equal(t, "Tom & Jerry's", SanitizePost(`<p>"Tom &amp; Jerry's"</p>`, 0))

	long := strings.Repeat("word ", 100)
	got := SanitizePost(long, 280)
	assert.LessOrEqual(t, len([]rune(got)), 280)
	assert.True(t, strings.HasSuffix(got, "word…"))

	assert.Equal(t, 280, PostLimit("Twitter"))
	assert.Equal(t, defaultPostLimit, PostLimit("myspace"))
}

func TestWebhookPublisher(t *testing.T) {
	var calls atomic.Int32
	var got webhookBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		assert.Equal(t, "/api/posts", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		if n == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"post_42"}`))
	}))
	defer srv.Close()

	pub := NewWebhookPublisher(srv.URL+"/api/", "tok", time.Second, logging.Discard())
	pub.backoff = time.Millisecond

	rcpt, err := pub.Publish(t.Context(), Post{Content: "hi", Platforms: []string{"twitter"}})
	require.NoError(t, err)
	assert.Equal(t, "post_42", rcpt.ID)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "hi", got.Content)
	assert.Equal(t, []string{"twitter"}, got.Providers)
	assert.True(t, got.PostNow)
}

func TestWebhookPublisherRejects(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "content too long", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	pub := NewWebhookPublisher(srv.URL, "", time.Second, logging.Discard())
	pub.backoff = time.Millisecond

	_, err := pub.Publish(t.Context(), Post{Content: "x", Platforms: []string{"twitter"}})
	assert.ErrorIs(t, err, ErrPublishRejected)
	var pe *PublishError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, http.StatusUnprocessableEntity, pe.StatusCode)
	assert.Equal(t, int32(1), calls.Load(), "client errors are not retried")
}

func TestDryRunPublisher(t *testing.T) {
	r, err := NewDryRunPublisher(logging.Discard()).Publish(t.Context(), Post{Content: "x", Platforms: []string{"blog"}})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(r.ID, "dry-run-"))
}
