// Package llm defines the provider backends the rotator calls through and
// the failure classification they report.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// Classification is the outcome class of one provider call.
type Classification int

const (
	Success Classification = iota
	RateLimited
	AuthInvalid
	Transient
)

func (c Classification) String() string {
	switch c {
	case Success:
		return "success"
	case RateLimited:
		return "rate_limited"
	case AuthInvalid:
		return "auth_invalid"
	case Transient:
		return "transient"
	default:
		return "unknown"
	}
}

// Sentinels matched by errors.Is against a *CallError of the same class.
var (
	ErrRateLimited = errors.New("rate limited")
	ErrAuthInvalid = errors.New("authentication invalid")
	ErrTransient   = errors.New("transient failure")
)

func (c Classification) sentinel() error {
	switch c {
	case RateLimited:
		return ErrRateLimited
	case AuthInvalid:
		return ErrAuthInvalid
	default:
		return ErrTransient
	}
}

// CallError is a classified provider failure.
type CallError struct {
	Provider   string
	StatusCode int
	Class      Classification
	Err        error
}

func (e *CallError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Provider, e.Class, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Class, e.Err)
}

func (e *CallError) Unwrap() []error {
	return []error{e.Class.sentinel(), e.Err}
}

// Classify maps any error returned by a Backend to its Classification.
// Timeouts and unrecognised errors are transient.
func Classify(err error) Classification {
	if err == nil {
		return Success
	}
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Class
	}
	return Transient
}

// Constraints shape a completion request.
type Constraints struct {
	System      string
	MaxTokens   int
	Temperature float64
}

// Request is a single completion call.
type Request struct {
	Prompt string
	Constraints
}

// Response is a successful completion.
type Response struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
}

// Backend performs one completion call against a vendor API using the
// given secret. Failures are returned as *CallError.
type Backend interface {
	Complete(ctx context.Context, secret string, req Request) (Response, error)
}

// BackendFunc adapts a function to a Backend.
type BackendFunc func(ctx context.Context, secret string, req Request) (Response, error)

func (f BackendFunc) Complete(ctx context.Context, secret string, req Request) (Response, error) {
	return f(ctx, secret, req)
}
