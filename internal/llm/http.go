package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
)

const (
	// maxErrorBody bounds how much of an error response is kept for messages.
	maxErrorBody = 512
	// maxResponseBody bounds how much of any response is read.
	maxResponseBody = 4 << 20
)

func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody+1))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	if len(b) > maxResponseBody {
		return resp.StatusCode, nil, fmt.Errorf("response larger than %d bytes", maxResponseBody)
	}
	return resp.StatusCode, b, nil
}

func statusError(provider string, status int, class Classification, body []byte) *CallError {
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return &CallError{
		Provider:   provider,
		StatusCode: status,
		Class:      class,
		Err:        fmt.Errorf("%s", bytes.TrimSpace(body)),
	}
}
