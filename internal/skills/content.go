package skills

import (
	"context"
	"fmt"
	"strings"

	"github.com/rand/herald/internal/config"
	"github.com/rand/herald/internal/llm"
	"github.com/rand/herald/internal/memory"
	"github.com/rand/herald/internal/scheduler"
)

const (
	TagPublishRejected = "publish_rejected"
	TagCatalogEmpty    = "catalog_empty"
)

type socialMedia struct{ Deps }

// Run writes one post per configured platform about the next book in the
// catalogue and publishes each.
func (s *socialMedia) Run(ctx context.Context, rc scheduler.RunContext) (scheduler.Outcome, error) {
	books := s.Catalog.Books
	if len(books) == 0 {
		return scheduler.Outcome{Detail: "catalog has no books", Tags: []string{TagCatalogEmpty}}, nil
	}
	book := books[pick(rc.Run, len(books))]
	advice := s.advice(ctx, rc.Task)

	var published, rejected []string
	for _, platform := range s.Catalog.Platforms {
		text, err := s.LLM.Complete(ctx, postPrompt(s.Catalog.Author, book, platform, timeOfDay(rc.Task), advice), llm.Constraints{
			System:      "You write short, engaging social media posts that promote books. Reply with the post text only.",
			MaxTokens:   300,
			Temperature: 0.8,
		})
		if err != nil {
			return scheduler.Outcome{
				Detail: fmt.Sprintf("generating %s post for %q", platform, book.Title),
				Tags:   []string{"book:" + slug(book.Title)},
			}, err
		}

		content := SanitizePost(text, PostLimit(platform))
		if content == "" {
			rejected = append(rejected, platform)
			continue
		}
		if _, err := s.Publisher.Publish(ctx, Post{Content: content, Platforms: []string{platform}}); err != nil {
			s.Logger.Warn("post rejected", "task", rc.Task, "platform", platform, "error", err)
			s.KPI.PublishRejected()
			rejected = append(rejected, platform)
			continue
		}
		s.KPI.PostPublished()
		published = append(published, platform)
	}

	tags := []string{"book:" + slug(book.Title)}
	for _, p := range published {
		tags = append(tags, "platform:"+p)
	}
	detail := fmt.Sprintf("promoted %q on %s", book.Title, list(published))
	if len(rejected) > 0 {
		tags = append(tags, TagPublishRejected)
		detail += fmt.Sprintf("; rejected by %s", list(rejected))
	}
	return scheduler.Outcome{Success: len(rejected) == 0, Detail: detail, Tags: tags}, nil
}

func timeOfDay(task string) string {
	for _, slot := range []string{"morning", "afternoon", "evening"} {
		if strings.HasSuffix(task, slot) {
			return slot
		}
	}
	return "day"
}

func postPrompt(author string, b config.Book, platform, slot, advice string) string {
	var p strings.Builder
	fmt.Fprintf(&p, "Write a %s post for %s about the book %q", slot, platform, b.Title)
	if author != "" {
		fmt.Fprintf(&p, " by %s", author)
	}
	p.WriteString(".\n")
	if b.Genre != "" {
		fmt.Fprintf(&p, "Genre: %s\n", b.Genre)
	}
	if b.Hook != "" {
		fmt.Fprintf(&p, "Hook: %s\n", b.Hook)
	}
	if b.URL != "" {
		fmt.Fprintf(&p, "Link: %s\n", b.URL)
	}
	if len(b.Keywords) > 0 {
		fmt.Fprintf(&p, "Turn some of these into hashtags: %s\n", strings.Join(b.Keywords, ", "))
	}
	fmt.Fprintf(&p, "Keep it under %d characters.\n", PostLimit(platform))
	p.WriteString(advice)
	return p.String()
}

func list(items []string) string {
	if len(items) == 0 {
		return "no platforms"
	}
	return strings.Join(items, ", ")
}

type libraryOutreach struct{ Deps }

// Run drafts an acquisition request for the next library contact and
// records the template it used.
func (s *libraryOutreach) Run(ctx context.Context, rc scheduler.RunContext) (scheduler.Outcome, error) {
	libs := s.Catalog.Libraries
	if len(libs) == 0 {
		return scheduler.Outcome{Detail: "no library contacts configured", Tags: []string{"no_contacts"}}, nil
	}
	lib := libs[pick(rc.Run, len(libs))]
	lang := lib.Language
	if lang == "" {
		lang = "en"
	}

	titles := make([]string, 0, len(s.Catalog.Books))
	for _, b := range s.Catalog.Books {
		titles = append(titles, b.Title)
	}
	prompt := fmt.Sprintf(
		"Write a short, polite email in language %q to the acquisitions team at %s asking them to add books by %s to their catalogue. Titles: %s. First line is the subject.\n%s",
		lang, lib.Name, s.Catalog.Author, strings.Join(titles, "; "), s.advice(ctx, rc.Task),
	)
	text, err := s.LLM.Complete(ctx, prompt, llm.Constraints{
		System:      "You are a literary agent writing to librarians.",
		MaxTokens:   700,
		Temperature: 0.5,
	})
	if err != nil {
		return scheduler.Outcome{Detail: "drafting email to " + lib.Name}, err
	}

	draft := SanitizePost(text, 0)
	subject, body, _ := strings.Cut(draft, "\n")
	subject = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(subject), "Subject:"))

	if s.Memory != nil {
		_, err := s.Memory.Append(ctx, memory.Entry{
			Kind:    memory.KindProcedural,
			Task:    rc.Task,
			RunID:   rc.RunID,
			Content: fmt.Sprintf("outreach to %s used the %s introduction template with %d titles", lib.Name, lang, len(titles)),
			Tags:    []string{"outreach", "template:" + lang, "library:" + slug(lib.Name)},
			Metadata: map[string]string{
				"library": lib.Name,
				"email":   lib.Email,
				"country": lib.Country,
				"subject": subject,
				"draft":   strings.TrimSpace(body),
			},
		})
		if err != nil {
			return scheduler.Outcome{Detail: "recording outreach draft"}, err
		}
	}
	s.KPI.EmailDrafted()
	return scheduler.Outcome{
		Success: true,
		Detail:  fmt.Sprintf("drafted %s email to %s <%s>", lang, lib.Name, lib.Email),
		Tags:    []string{"outreach", "library:" + slug(lib.Name)},
	}, nil
}

type contestCheck struct{ Deps }

// Run asks for open writing contests that suit the catalogue and keeps the
// summary as a semantic fact.
func (s *contestCheck) Run(ctx context.Context, rc scheduler.RunContext) (scheduler.Outcome, error) {
	if len(s.Catalog.Books) == 0 {
		return scheduler.Outcome{Detail: "catalog has no books", Tags: []string{TagCatalogEmpty}}, nil
	}
	var books strings.Builder
	for _, b := range s.Catalog.Books {
		fmt.Fprintf(&books, "- %s (%s)\n", b.Title, b.Genre)
	}
	prompt := "List up to five open literary contests or awards that accept self-published books like these, one line each with the deadline if known:\n" +
		books.String() + s.advice(ctx, rc.Task)

	text, err := s.LLM.Complete(ctx, prompt, llm.Constraints{
		System:      "You track literary contests for independent authors. Be concise.",
		MaxTokens:   500,
		Temperature: 0.3,
	})
	if err != nil {
		return scheduler.Outcome{Detail: "checking contests"}, err
	}

	summary := SanitizePost(text, 0)
	if summary == "" {
		return scheduler.Outcome{Detail: "empty contest summary", Tags: []string{"empty_response"}}, nil
	}
	if s.Memory != nil {
		if _, err := s.Memory.Append(ctx, memory.Entry{
			Kind:    memory.KindSemantic,
			Task:    rc.Task,
			RunID:   rc.RunID,
			Content: summary,
			Tags:    []string{"contest"},
		}); err != nil {
			return scheduler.Outcome{Detail: "recording contest summary"}, err
		}
	}
	s.KPI.ContestChecked()
	lines := strings.Count(summary, "\n") + 1
	return scheduler.Outcome{Success: true, Detail: fmt.Sprintf("recorded %d contest lines", lines), Tags: []string{"contest"}}, nil
}

type blogContent struct{ Deps }

// BlogPlatform is the platform long-form articles are published to.
const BlogPlatform = "blog"

// Run writes a long-form article about the next book and publishes it.
func (s *blogContent) Run(ctx context.Context, rc scheduler.RunContext) (scheduler.Outcome, error) {
	books := s.Catalog.Books
	if len(books) == 0 {
		return scheduler.Outcome{Detail: "catalog has no books", Tags: []string{TagCatalogEmpty}}, nil
	}
	book := books[pick(rc.Run, len(books))]

	prompt := fmt.Sprintf("Write a blog article of about 600 words in simple HTML (h1, p, h2, ul, strong, em) about the themes of %q, a %s book by %s. Start with an h1 title.\n%s",
		book.Title, book.Genre, s.Catalog.Author, s.advice(ctx, rc.Task))
	text, err := s.LLM.Complete(ctx, prompt, llm.Constraints{
		System:      "You are a book blogger.",
		MaxTokens:   1500,
		Temperature: 0.7,
	})
	if err != nil {
		return scheduler.Outcome{Detail: fmt.Sprintf("writing article for %q", book.Title)}, err
	}

	article := SanitizeArticle(text)
	if article == "" {
		return scheduler.Outcome{Detail: "empty article", Tags: []string{"empty_response"}}, nil
	}
	title := ArticleTitle(article, "Inside "+book.Title)
	receipt, err := s.Publisher.Publish(ctx, Post{Title: title, Content: article, Platforms: []string{BlogPlatform}})
	if err != nil {
		s.KPI.PublishRejected()
		return scheduler.Outcome{Detail: fmt.Sprintf("publishing %q: %v", title, err), Tags: []string{TagPublishRejected}}, nil
	}
	s.KPI.ArticlePublished()
	s.archive(ctx, rc, book, title, article, receipt)

	return scheduler.Outcome{
		Success: true,
		Detail:  fmt.Sprintf("published article %q (%d words)", title, ArticleWords(article)),
		Tags:    []string{"book:" + slug(book.Title), "platform:" + BlogPlatform},
	}, nil
}

// archive keeps a Markdown copy of a published article so later runs can
// see what was already written. Failures are only logged.
func (s *blogContent) archive(ctx context.Context, rc scheduler.RunContext, book config.Book, title, article string, receipt Receipt) {
	if s.Memory == nil {
		return
	}
	text, err := ArticleMarkdown(article)
	if err != nil {
		s.Logger.Warn("convert article", "title", title, "err", err)
		text = article
	}
	_, err = s.Memory.Append(ctx, memory.Entry{
		Kind:    memory.KindSemantic,
		Task:    rc.Task,
		RunID:   rc.RunID,
		Content: text,
		Tags:    []string{"article", "book:" + slug(book.Title)},
		Metadata: map[string]string{
			"title":      title,
			"book":       book.Title,
			"receipt_id": receipt.ID,
		},
	})
	if err != nil {
		s.Logger.Warn("archive article", "title", title, "err", err)
	}
}
