package quota

import (
	"sync"
	"time"

	"github.com/rand/herald/internal/clock"
)

// DefaultPeriod is the quota window most LLM vendors use.
const DefaultPeriod = 24 * time.Hour

// Transition describes a credential status change.
type Transition struct {
	KeyID    string
	Provider string
	From     Status
	To       Status
	Reason   string
}

// Ledger is the bookkeeping for credential usage. Period rollover is applied
// lazily on every access, so no background timer is needed.
type Ledger struct {
	mu     sync.Mutex
	period time.Duration
	clock  clock.Clock

	onTransition func(Transition)
}

// NewLedger creates a ledger with the given quota period.
func NewLedger(period time.Duration, clk clock.Clock) *Ledger {
	if period <= 0 {
		period = DefaultPeriod
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Ledger{period: period, clock: clk}
}

// SetTransitionCallback sets a callback invoked (under the ledger lock) on
// every status change.
func (l *Ledger) SetTransitionCallback(cb func(Transition)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onTransition = cb
}

// Now returns the ledger's current time.
func (l *Ledger) Now() time.Time {
	return l.clock.Now()
}

// Period returns the configured quota period.
func (l *Ledger) Period() time.Duration {
	return l.period
}

// ResetIfPeriodElapsed zeroes the counter and restores an Exhausted
// credential once its period has elapsed. Invalid credentials stay Invalid.
func (l *Ledger) ResetIfPeriodElapsed(c *Credential) {
	c.validate()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetLocked(c, l.clock.Now())
}

func (l *Ledger) resetLocked(c *Credential, now time.Time) {
	if now.Sub(c.PeriodStart) < l.period {
		return
	}
	c.Used = 0
	c.Tokens = 0
	c.PeriodStart = now
	if c.Status == Exhausted {
		l.transitionLocked(c, Available, "period elapsed")
	}
}

// IsAvailable reports whether c may be used for a call right now.
func (l *Ledger) IsAvailable(c *Credential) bool {
	c.validate()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetLocked(c, l.clock.Now())
	return c.Status == Available && c.Used < c.Limit
}

// RecordUse counts one successful call. Reaching the limit exhausts c.
func (l *Ledger) RecordUse(c *Credential) {
	c.validate()
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	l.resetLocked(c, now)
	c.Used++
	c.LastUsed = now
	if c.Used >= c.Limit && c.Status == Available {
		l.transitionLocked(c, Exhausted, "limit reached")
	}
}

// AddTokens records token consumption reported by the provider. It is
// informational and does not affect availability.
func (l *Ledger) AddTokens(c *Credential, n int64) {
	c.validate()
	l.mu.Lock()
	defer l.mu.Unlock()
	c.Tokens += n
}

// MarkExhausted sidelines c until its period rolls over, regardless of its
// counted usage.
func (l *Ledger) MarkExhausted(c *Credential, reason string) {
	c.validate()
	l.mu.Lock()
	defer l.mu.Unlock()
	c.ErrorCount++
	c.LastError = reason
	if c.Status == Available {
		l.transitionLocked(c, Exhausted, reason)
	}
}

// MarkInvalid sidelines c permanently.
func (l *Ledger) MarkInvalid(c *Credential, reason string) {
	c.validate()
	l.mu.Lock()
	defer l.mu.Unlock()
	c.ErrorCount++
	c.LastError = reason
	if c.Status != Invalid {
		l.transitionLocked(c, Invalid, reason)
	}
}

// RecordError notes a failure that does not change availability.
func (l *Ledger) RecordError(c *Credential, reason string) {
	c.validate()
	l.mu.Lock()
	defer l.mu.Unlock()
	c.ErrorCount++
	c.LastError = reason
}

// Remaining returns how many calls c may still make this period.
func (l *Ledger) Remaining(c *Credential) int {
	c.validate()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetLocked(c, l.clock.Now())
	return remainingLocked(c)
}

func remainingLocked(c *Credential) int {
	if c.Status != Available {
		return 0
	}
	return max(c.Limit-c.Used, 0)
}

// Snapshot returns a copy of c's counters as they would read after any due
// reset. It does not mutate c.
func (l *Ledger) Snapshot(c *Credential) State {
	c.validate()
	l.mu.Lock()
	defer l.mu.Unlock()

	view := *c
	if now := l.clock.Now(); now.Sub(view.PeriodStart) >= l.period {
		view.Used = 0
		view.Tokens = 0
		view.PeriodStart = now
		if view.Status == Exhausted {
			view.Status = Available
		}
	}
	return State{
		KeyID:       view.KeyID,
		Provider:    view.Provider,
		Limit:       view.Limit,
		Used:        view.Used,
		Remaining:   remainingLocked(&view),
		Tokens:      view.Tokens,
		PeriodStart: view.PeriodStart,
		Status:      view.Status,
		ErrorCount:  view.ErrorCount,
		LastError:   view.LastError,
		LastUsed:    view.LastUsed,
	}
}

// Restore applies persisted counters to c. Invalid is not restored: a
// restart is a configuration reload and gives sidelined keys another chance.
func (l *Ledger) Restore(c *Credential, s State) {
	c.validate()
	l.mu.Lock()
	defer l.mu.Unlock()

	c.Used = s.Used
	c.Tokens = s.Tokens
	c.PeriodStart = s.PeriodStart
	c.ErrorCount = s.ErrorCount
	c.LastError = s.LastError
	c.LastUsed = s.LastUsed
	c.Status = Available
	if s.Status == Exhausted || c.Used >= c.Limit {
		c.Status = Exhausted
	}
	l.resetLocked(c, l.clock.Now())
}

func (l *Ledger) transitionLocked(c *Credential, to Status, reason string) {
	from := c.Status
	c.Status = to
	if l.onTransition != nil && from != to {
		l.onTransition(Transition{
			KeyID:    c.KeyID,
			Provider: c.Provider,
			From:     from,
			To:       to,
			Reason:   reason,
		})
	}
}
