package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	huggingFaceBaseURL      = "https://api-inference.huggingface.co/models"
	huggingFaceDefaultModel = "meta-llama/Llama-3.2-3B-Instruct"
)

func init() {
	Register("huggingface", newHuggingFace, "hf")
}

// huggingFace calls the text-generation inference API, which takes a single
// prompt string rather than chat messages.
type huggingFace struct {
	cfg Config
}

func newHuggingFace(cfg Config) (Backend, error) {
	cfg.BaseURL = strings.TrimRight(orString(cfg.BaseURL, huggingFaceBaseURL), "/")
	cfg.Model = orString(cfg.Model, huggingFaceDefaultModel)
	cfg.Name = orString(cfg.Name, "huggingface")
	return &huggingFace{cfg: cfg}, nil
}

func (h *huggingFace) Complete(ctx context.Context, secret string, req Request) (Response, error) {
	prompt := req.Prompt
	if strings.TrimSpace(req.System) != "" {
		prompt = req.System + "\n\n" + prompt
	}

	body, err := sjson.SetBytes([]byte(`{"parameters":{"return_full_text":false}}`), "inputs", prompt)
	if err == nil {
		body, err = sjson.SetBytes(body, "parameters.max_new_tokens", orInt(req.MaxTokens, orInt(h.cfg.MaxTokens, 1024)))
	}
	if err == nil {
		body, err = sjson.SetBytes(body, "parameters.temperature", orFloat(req.Temperature, orFloat(h.cfg.Temperature, 0.7)))
	}
	if err != nil {
		return Response{}, &CallError{Provider: h.cfg.Name, Class: Transient, Err: err}
	}

	url := fmt.Sprintf("%s/%s", h.cfg.BaseURL, h.cfg.Model)
	status, resp, err := postJSON(ctx, h.cfg.HTTPClient, url, map[string]string{"Authorization": "Bearer " + secret}, body)
	if err != nil {
		return Response{}, transportError(h.cfg.Name, err)
	}
	if class := huggingFaceStatus.Classify(status); class != Success {
		return Response{}, statusError(h.cfg.Name, status, class, resp)
	}

	// The API returns either a list of generations or a single object.
	text := gjson.GetBytes(resp, "0.generated_text").String()
	if text == "" {
		text = gjson.GetBytes(resp, "generated_text").String()
	}
	if strings.TrimSpace(text) == "" {
		return Response{}, &CallError{Provider: h.cfg.Name, StatusCode: status, Class: Transient, Err: fmt.Errorf("empty response")}
	}
	return Response{Text: strings.TrimSpace(text)}, nil
}
