// Package rotator routes completion calls across providers and their
// credentials, failing over on rate limits, bad keys and transient errors.
package rotator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"

	"github.com/rand/herald/internal/llm"
	"github.com/rand/herald/internal/quota"
)

// Completer is the LLM call capability handed to skills.
type Completer interface {
	Complete(ctx context.Context, prompt string, c llm.Constraints) (string, error)
}

// StateSaver persists credential counters after they change.
type StateSaver interface {
	Save(ctx context.Context, st quota.State) error
}

// Config configures a Rotator.
type Config struct {
	// CallTimeout bounds every provider call. Expiry is a transient failure.
	// Default: 60 seconds
	CallTimeout time.Duration

	// TransientAttempts is the total number of tries a credential gets on
	// transient failures before the pass moves on.
	// Default: 2
	TransientAttempts int

	// TransientBackoff is the pause between transient retries.
	// Default: 2 seconds
	TransientBackoff time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		CallTimeout:       60 * time.Second,
		TransientAttempts: 2,
		TransientBackoff:  2 * time.Second,
	}
}

// ProviderSpec declares one provider. Providers are tried in the order they
// are passed to New.
type ProviderSpec struct {
	Name        string
	Backend     llm.Backend
	Credentials []*quota.Credential

	// RequestsPerMinute paces calls to the vendor. Zero disables pacing.
	RequestsPerMinute int
}

type slot struct {
	cred *quota.Credential

	// inflight admits one call per credential at a time.
	inflight chan struct{}
}

func (s *slot) tryAcquire() bool {
	select {
	case s.inflight <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *slot) acquire(ctx context.Context) error {
	select {
	case s.inflight <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *slot) release() { <-s.inflight }

type provider struct {
	name    string
	rank    int
	backend llm.Backend
	limiter *rate.Limiter
	slots   []*slot

	// cursor is the slot index the next pass starts from. Guarded by
	// Rotator.mu.
	cursor int

	calls    atomic.Int64
	failures atomic.Int64
}

// Rotator owns every credential and is the only component that mutates
// their counters.
type Rotator struct {
	config    Config
	ledger    *quota.Ledger
	providers []*provider
	saver     StateSaver
	logger    *slog.Logger

	mu sync.Mutex

	totalCalls      atomic.Int64
	totalExhausted  atomic.Int64
	lastExhaustedAt atomic.Int64
}

// Option customises a Rotator.
type Option func(*Rotator)

// WithConfig overrides the default configuration.
func WithConfig(cfg Config) Option {
	return func(r *Rotator) { r.config = cfg }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Rotator) { r.logger = l }
}

// WithStateSaver persists credential state after every change.
func WithStateSaver(s StateSaver) Option {
	return func(r *Rotator) { r.saver = s }
}

// New creates a Rotator over the given providers, in priority order.
func New(ledger *quota.Ledger, specs []ProviderSpec, opts ...Option) (*Rotator, error) {
	if ledger == nil {
		return nil, errors.New("rotator: nil ledger")
	}
	if len(specs) == 0 {
		return nil, errors.New("rotator: no providers")
	}

	r := &Rotator{
		config: DefaultConfig(),
		ledger: ledger,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.config.CallTimeout <= 0 {
		r.config.CallTimeout = 60 * time.Second
	}
	if r.config.TransientAttempts <= 0 {
		r.config.TransientAttempts = 2
	}
	if r.config.TransientBackoff <= 0 {
		r.config.TransientBackoff = 2 * time.Second
	}

	seen := make(map[string]bool)
	keys := make(map[string]bool)
	for i, spec := range specs {
		if spec.Name == "" || spec.Backend == nil {
			return nil, fmt.Errorf("rotator: provider %d needs a name and a backend", i)
		}
		if seen[spec.Name] {
			return nil, fmt.Errorf("rotator: duplicate provider %q", spec.Name)
		}
		seen[spec.Name] = true

		p := &provider{name: spec.Name, rank: i, backend: spec.Backend}
		if spec.RequestsPerMinute > 0 {
			p.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(spec.RequestsPerMinute)), 1)
		}
		for _, c := range spec.Credentials {
			if c == nil || c.Provider != spec.Name {
				return nil, fmt.Errorf("rotator: credential does not belong to provider %q", spec.Name)
			}
			if keys[c.KeyID] {
				return nil, fmt.Errorf("rotator: duplicate credential %s", c.KeyID)
			}
			keys[c.KeyID] = true
			p.slots = append(p.slots, &slot{cred: c, inflight: make(chan struct{}, 1)})
		}
		r.providers = append(r.providers, p)
	}

	ledger.SetTransitionCallback(func(t quota.Transition) {
		r.logger.Info("credential status changed",
			"provider", t.Provider, "key", t.KeyID,
			"from", t.From.String(), "to", t.To.String(), "reason", t.Reason)
	})

	return r, nil
}

// Restore applies persisted counters to the matching credentials.
func (r *Rotator) Restore(states map[string]quota.State) int {
	n := 0
	for _, p := range r.providers {
		for _, s := range p.slots {
			if st, ok := states[s.cred.KeyID]; ok {
				r.ledger.Restore(s.cred, st)
				n++
			}
		}
	}
	return n
}

// Complete runs one rotation pass and returns the first successful
// completion. Per-credential failures are absorbed; the only errors returned
// are an *ExhaustedError and the caller's context error.
func (r *Rotator) Complete(ctx context.Context, prompt string, c llm.Constraints) (string, error) {
	req := llm.Request{Prompt: prompt, Constraints: c}
	pass := &ExhaustedError{}

	for _, p := range r.providers {
		n := len(p.slots)
		if n == 0 {
			continue
		}

		r.mu.Lock()
		start := p.cursor
		r.mu.Unlock()

		var deferred []int
		for k := 0; k < n; k++ {
			idx := (start + k) % n
			s := p.slots[idx]
			if !s.tryAcquire() {
				deferred = append(deferred, idx)
				continue
			}
			text, ok, err := r.attempt(ctx, p, idx, s, req, pass)
			if err != nil || ok {
				return text, err
			}
		}

		// Credentials busy with another caller's call are waited on last.
		for _, idx := range deferred {
			s := p.slots[idx]
			if !r.ledger.IsAvailable(s.cred) {
				pass.Skipped++
				continue
			}
			if err := s.acquire(ctx); err != nil {
				return "", err
			}
			text, ok, err := r.attempt(ctx, p, idx, s, req, pass)
			if err != nil || ok {
				return text, err
			}
		}
	}

	r.totalExhausted.Add(1)
	r.lastExhaustedAt.Store(r.ledger.Now().UnixNano())
	r.logger.Warn("all providers exhausted", "skipped", pass.Skipped, "attempts", len(pass.Attempts))
	return "", pass
}

// attempt tries one credential. The caller must hold the slot; attempt
// releases it. It reports ok when the call succeeded, and a non-nil error
// only when the caller's context ended.
func (r *Rotator) attempt(ctx context.Context, p *provider, idx int, s *slot, req llm.Request, pass *ExhaustedError) (string, bool, error) {
	defer s.release()

	if !r.ledger.IsAvailable(s.cred) {
		pass.Skipped++
		return "", false, nil
	}
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return "", false, ctx.Err()
			}
			pass.Attempts = append(pass.Attempts, Attempt{Provider: p.name, KeyID: s.cred.KeyID, Class: llm.Transient, Error: err.Error()})
			return "", false, nil
		}
	}

	var (
		resp    llm.Response
		lastErr error
	)
	backoff := retry.WithMaxRetries(uint64(r.config.TransientAttempts-1), retry.NewConstant(r.config.TransientBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		r.totalCalls.Add(1)
		p.calls.Add(1)

		callCtx, cancel := context.WithTimeout(ctx, r.config.CallTimeout)
		defer cancel()

		out, err := p.backend.Complete(callCtx, s.cred.Secret, req)
		if err == nil {
			resp = out
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if llm.Classify(err) == llm.Transient {
			r.logger.Debug("transient provider failure", "provider", p.name, "key", s.cred.KeyID, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})

	if err == nil {
		r.ledger.RecordUse(s.cred)
		if tokens := resp.InputTokens + resp.OutputTokens; tokens > 0 {
			r.ledger.AddTokens(s.cred, tokens)
		}
		r.mu.Lock()
		p.cursor = (idx + 1) % len(p.slots)
		r.mu.Unlock()
		r.persist(ctx, s.cred)
		return resp.Text, true, nil
	}

	if ctx.Err() != nil {
		return "", false, ctx.Err()
	}
	if lastErr == nil {
		lastErr = err
	}

	p.failures.Add(1)
	class := llm.Classify(lastErr)
	switch class {
	case llm.RateLimited:
		r.ledger.MarkExhausted(s.cred, lastErr.Error())
	case llm.AuthInvalid:
		r.ledger.MarkInvalid(s.cred, lastErr.Error())
	default:
		r.ledger.RecordError(s.cred, lastErr.Error())
	}
	pass.Attempts = append(pass.Attempts, Attempt{
		Provider: p.name,
		KeyID:    s.cred.KeyID,
		Class:    class,
		Error:    lastErr.Error(),
	})
	r.logger.Warn("provider call failed", "provider", p.name, "key", s.cred.KeyID, "class", class.String(), "error", lastErr)
	r.persist(ctx, s.cred)
	return "", false, nil
}

func (r *Rotator) persist(ctx context.Context, c *quota.Credential) {
	if r.saver == nil {
		return
	}
	// Counters must land even while the caller is shutting down.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.saver.Save(ctx, r.ledger.Snapshot(c)); err != nil {
		r.logger.Warn("failed to persist credential state", "key", c.KeyID, "error", err)
	}
}

// SaveAll persists every credential. Used on shutdown.
func (r *Rotator) SaveAll(ctx context.Context) error {
	if r.saver == nil {
		return nil
	}
	var errs []error
	for _, p := range r.providers {
		for _, s := range p.slots {
			if err := r.saver.Save(ctx, r.ledger.Snapshot(s.cred)); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
