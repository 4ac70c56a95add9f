package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

const (
	openAIBaseURL      = "https://api.groq.com/openai/v1"
	openAIDefaultModel = "llama-3.3-70b-versatile"
)

func init() {
	Register("openai", newOpenAI, "openai-compatible", "groq", "nvidia", "zai")
}

// openAICompatible talks to any vendor exposing the OpenAI chat completions
// API (Groq, NVIDIA NIM, Z.ai).
type openAICompatible struct {
	cfg Config
}

func newOpenAI(cfg Config) (Backend, error) {
	cfg.BaseURL = strings.TrimRight(orString(cfg.BaseURL, openAIBaseURL), "/") + "/"
	cfg.Model = orString(cfg.Model, openAIDefaultModel)
	cfg.Name = orString(cfg.Name, "openai")
	return &openAICompatible{cfg: cfg}, nil
}

func (o *openAICompatible) Complete(ctx context.Context, secret string, req Request) (Response, error) {
	// Retries are the rotator's job; the SDK must surface every failure.
	client := openai.NewClient(
		option.WithAPIKey(secret),
		option.WithBaseURL(o.cfg.BaseURL),
		option.WithHTTPClient(o.cfg.HTTPClient),
		option.WithMaxRetries(0),
	)

	var messages []openai.ChatCompletionMessageParamUnion
	if strings.TrimSpace(req.System) != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(o.cfg.Model),
		Messages:    messages,
		MaxTokens:   openai.Int(int64(orInt(req.MaxTokens, orInt(o.cfg.MaxTokens, 2048)))),
		Temperature: openai.Float(orFloat(req.Temperature, orFloat(o.cfg.Temperature, 0.7))),
	}

	completion, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return Response{}, &CallError{
				Provider:   o.cfg.Name,
				StatusCode: apiErr.StatusCode,
				Class:      openAIStatus.Classify(apiErr.StatusCode),
				Err:        err,
			}
		}
		return Response{}, transportError(o.cfg.Name, err)
	}

	if len(completion.Choices) == 0 || strings.TrimSpace(completion.Choices[0].Message.Content) == "" {
		return Response{}, &CallError{Provider: o.cfg.Name, Class: Transient, Err: fmt.Errorf("empty response")}
	}
	return Response{
		Text:         completion.Choices[0].Message.Content,
		InputTokens:  completion.Usage.PromptTokens,
		OutputTokens: completion.Usage.CompletionTokens,
	}, nil
}
