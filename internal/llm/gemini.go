package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	geminiBaseURL      = "https://generativelanguage.googleapis.com/v1beta"
	geminiDefaultModel = "gemini-2.0-flash"
)

func init() {
	Register("gemini", newGemini, "google")
}

type gemini struct {
	cfg Config
}

func newGemini(cfg Config) (Backend, error) {
	cfg.BaseURL = strings.TrimRight(orString(cfg.BaseURL, geminiBaseURL), "/")
	cfg.Model = strings.TrimPrefix(orString(cfg.Model, geminiDefaultModel), "models/")
	cfg.Name = orString(cfg.Name, "gemini")
	return &gemini{cfg: cfg}, nil
}

func (g *gemini) Complete(ctx context.Context, secret string, req Request) (Response, error) {
	body, err := g.buildBody(req)
	if err != nil {
		return Response{}, &CallError{Provider: g.cfg.Name, Class: Transient, Err: err}
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", g.cfg.BaseURL, g.cfg.Model)
	status, resp, err := postJSON(ctx, g.cfg.HTTPClient, url, map[string]string{"x-goog-api-key": secret}, body)
	if err != nil {
		return Response{}, transportError(g.cfg.Name, err)
	}
	if class := classifyGemini(status, resp); class != Success {
		return Response{}, statusError(g.cfg.Name, status, class, resp)
	}

	text := gjson.GetBytes(resp, "candidates.0.content.parts.0.text").String()
	if strings.TrimSpace(text) == "" {
		return Response{}, &CallError{Provider: g.cfg.Name, StatusCode: status, Class: Transient, Err: fmt.Errorf("empty response")}
	}
	return Response{
		Text:         text,
		InputTokens:  gjson.GetBytes(resp, "usageMetadata.promptTokenCount").Int(),
		OutputTokens: gjson.GetBytes(resp, "usageMetadata.candidatesTokenCount").Int(),
	}, nil
}

func (g *gemini) buildBody(req Request) ([]byte, error) {
	body := []byte(`{"contents":[{"role":"user","parts":[{"text":""}]}],"generationConfig":{}}`)
	body, err := sjson.SetBytes(body, "contents.0.parts.0.text", req.Prompt)
	if err != nil {
		return nil, err
	}
	if system := req.System; strings.TrimSpace(system) != "" {
		if body, err = sjson.SetRawBytes(body, "systemInstruction", []byte(`{"parts":[{"text":""}]}`)); err != nil {
			return nil, err
		}
		if body, err = sjson.SetBytes(body, "systemInstruction.parts.0.text", system); err != nil {
			return nil, err
		}
	}
	if body, err = sjson.SetBytes(body, "generationConfig.maxOutputTokens", orInt(req.MaxTokens, orInt(g.cfg.MaxTokens, 2048))); err != nil {
		return nil, err
	}
	return sjson.SetBytes(body, "generationConfig.temperature", orFloat(req.Temperature, orFloat(g.cfg.Temperature, 0.7)))
}
