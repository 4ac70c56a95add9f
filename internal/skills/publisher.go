package skills

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sethvargo/go-retry"
	"github.com/tidwall/gjson"
)

// ErrPublishRejected marks content the publishing service refused.
var ErrPublishRejected = errors.New("publish rejected")

// Post is content bound for one or more platforms.
type Post struct {
	Title     string
	Content   string
	Platforms []string
}

// Receipt identifies a published post.
type Receipt struct {
	ID        string
	Platforms []string
}

// Publisher sends content to external platforms.
type Publisher interface {
	Publish(ctx context.Context, p Post) (Receipt, error)
}

// PublishError is a non-2xx answer from the publishing service.
type PublishError struct {
	StatusCode int
	Body       string
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish: status %d: %s", e.StatusCode, e.Body)
}

func (e *PublishError) Unwrap() error { return ErrPublishRejected }

// WebhookPublisher posts to a social scheduling API in the shape
// POST {endpoint}/posts {"content", "providers", "postNow"}.
type WebhookPublisher struct {
	endpoint string
	token    string
	client   *http.Client
	logger   *slog.Logger
	attempts uint64
	backoff  time.Duration
}

// NewWebhookPublisher creates a webhook publisher.
func NewWebhookPublisher(endpoint, token string, timeout time.Duration, logger *slog.Logger) *WebhookPublisher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WebhookPublisher{
		endpoint: strings.TrimRight(endpoint, "/"),
		token:    token,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
		attempts: 3,
		backoff:  time.Second,
	}
}

type webhookBody struct {
	Content   string   `json:"content"`
	Title     string   `json:"title,omitempty"`
	Providers []string `json:"providers"`
	Media     []string `json:"media"`
	PostNow   bool     `json:"postNow"`
}

// Publish sends p. Server errors and network failures are retried; 4xx
// answers are returned as *PublishError immediately.
func (w *WebhookPublisher) Publish(ctx context.Context, p Post) (Receipt, error) {
	body, err := json.Marshal(webhookBody{
		Content:   p.Content,
		Title:     p.Title,
		Providers: p.Platforms,
		Media:     []string{},
		PostNow:   true,
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("encode post: %w", err)
	}

	var receipt Receipt
	backoff := retry.WithMaxRetries(w.attempts-1, retry.NewExponential(w.backoff))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		r, err := w.send(ctx, body)
		if err != nil {
			var pe *PublishError
			if errors.As(err, &pe) && pe.StatusCode < 500 {
				return err
			}
			w.logger.Debug("publish attempt failed", "error", err)
			return retry.RetryableError(err)
		}
		receipt = r
		return nil
	})
	if err != nil {
		return Receipt{}, err
	}
	receipt.Platforms = p.Platforms
	return receipt, nil
}

func (w *WebhookPublisher) send(ctx context.Context, body []byte) (Receipt, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint+"/posts", bytes.NewReader(body))
	if err != nil {
		return Receipt{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("publish: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Receipt{}, fmt.Errorf("publish: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Receipt{}, &PublishError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	id := gjson.GetBytes(data, "id").String()
	if id == "" {
		id = gjson.GetBytes(data, "0.postId").String()
	}
	return Receipt{ID: id}, nil
}

// DryRunPublisher logs content instead of sending it.
type DryRunPublisher struct {
	logger *slog.Logger
}

// NewDryRunPublisher creates a publisher that only logs.
func NewDryRunPublisher(logger *slog.Logger) *DryRunPublisher {
	return &DryRunPublisher{logger: logger}
}

func (d *DryRunPublisher) Publish(ctx context.Context, p Post) (Receipt, error) {
	id := "dry-run-" + ulid.Make().String()
	d.logger.Info("dry run publish", "id", id, "platforms", p.Platforms, "title", p.Title, "chars", len([]rune(p.Content)))
	return Receipt{ID: id, Platforms: p.Platforms}, nil
}
