package llm

import (
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// StatusTable maps HTTP status codes to classifications for one vendor.
// Codes missing from the table are transient.
type StatusTable map[int]Classification

// Status tables per backend kind. Vendors disagree on what 402, 403 and 503
// mean, so each kind gets its own explicit mapping.
var (
	openAIStatus = StatusTable{
		http.StatusTooManyRequests: RateLimited,
		http.StatusPaymentRequired: RateLimited,
		http.StatusUnauthorized:    AuthInvalid,
		http.StatusForbidden:       AuthInvalid,
	}

	// Gemini reports exhausted project quota and disabled billing as 403,
	// and a bad key as 400 with reason API_KEY_INVALID.
	geminiStatus = StatusTable{
		http.StatusTooManyRequests: RateLimited,
		http.StatusForbidden:       RateLimited,
		http.StatusUnauthorized:    AuthInvalid,
	}

	// The HF inference API answers 503 while a model is cold or the free
	// tier is saturated, and 402 once monthly credits run out.
	huggingFaceStatus = StatusTable{
		http.StatusTooManyRequests:    RateLimited,
		http.StatusPaymentRequired:    RateLimited,
		http.StatusServiceUnavailable: RateLimited,
		http.StatusUnauthorized:       AuthInvalid,
		http.StatusForbidden:          AuthInvalid,
	}
)

// Classify returns the classification for status.
func (t StatusTable) Classify(status int) Classification {
	if status >= 200 && status < 300 {
		return Success
	}
	if c, ok := t[status]; ok {
		return c
	}
	return Transient
}

func classifyGemini(status int, body []byte) Classification {
	if status == http.StatusBadRequest {
		for _, reason := range gjson.GetBytes(body, "error.details.#.reason").Array() {
			if reason.String() == "API_KEY_INVALID" {
				return AuthInvalid
			}
		}
		if strings.Contains(gjson.GetBytes(body, "error.message").String(), "API key not valid") {
			return AuthInvalid
		}
	}
	return geminiStatus.Classify(status)
}

// transportError classifies a failure that happened before any HTTP status
// was received.
func transportError(provider string, err error) *CallError {
	return &CallError{Provider: provider, Class: Transient, Err: err}
}
