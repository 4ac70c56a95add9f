// Package quota tracks per-credential usage against periodic call limits.
package quota

import (
	"fmt"
	"strings"
	"time"

	"github.com/zeebo/xxh3"
)

// Status is the availability of a credential.
type Status int

const (
	// Available credentials may be selected for calls.
	Available Status = iota

	// Exhausted credentials have hit their limit (or were rate limited) and
	// return to Available at period rollover.
	Exhausted

	// Invalid credentials failed authentication and are never used again
	// until the configuration is reloaded.
	Invalid
)

func (s Status) String() string {
	switch s {
	case Available:
		return "available"
	case Exhausted:
		return "exhausted"
	case Invalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "available":
		return Available, nil
	case "exhausted":
		return Exhausted, nil
	case "invalid":
		return Invalid, nil
	default:
		return Available, fmt.Errorf("unknown credential status %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Credential is one API key bound to one provider, with its own quota.
// Counters are mutated only through a Ledger.
type Credential struct {
	Provider string
	Secret   string
	KeyID    string
	Limit    int

	Used        int
	Tokens      int64
	PeriodStart time.Time
	Status      Status
	ErrorCount  int
	LastError   string
	LastUsed    time.Time
}

// NewCredential creates an Available credential whose period starts at now.
func NewCredential(provider, secret string, limit int, now time.Time) *Credential {
	return &Credential{
		Provider:    provider,
		Secret:      secret,
		KeyID:       KeyID(provider, secret),
		Limit:       limit,
		PeriodStart: now,
		Status:      Available,
	}
}

// KeyID derives a stable, non-secret identifier for a credential.
func KeyID(provider, secret string) string {
	return fmt.Sprintf("%s-%016x", provider, xxh3.HashString(secret))[:len(provider)+9]
}

// vendorPrefixes are the fixed, non-secret key prefixes providers issue.
var vendorPrefixes = []string{"gsk_", "nvapi-", "AIza", "hf_", "sk-"}

// Mask hides secret entirely, keeping only a known vendor prefix so keys
// from different providers can still be told apart.
func Mask(secret string) string {
	if secret == "" {
		return ""
	}
	for _, p := range vendorPrefixes {
		if strings.HasPrefix(secret, p) && len(secret) > len(p) {
			return p + strings.Repeat("*", 8)
		}
	}
	return strings.Repeat("*", 8)
}

// Masked returns the secret as Mask shows it.
func (c *Credential) Masked() string {
	return Mask(c.Secret)
}

func (c *Credential) validate() {
	if c == nil {
		panic("quota: nil credential")
	}
	if c.Provider == "" || c.KeyID == "" || c.Limit <= 0 {
		panic(fmt.Sprintf("quota: malformed credential provider=%q key=%q limit=%d", c.Provider, c.KeyID, c.Limit))
	}
}

// State is a point-in-time copy of a credential's counters, safe to hand to
// other components and to persist.
type State struct {
	KeyID       string    `json:"key_id"`
	Provider    string    `json:"provider"`
	Limit       int       `json:"limit"`
	Used        int       `json:"used"`
	Remaining   int       `json:"remaining"`
	Tokens      int64     `json:"tokens"`
	PeriodStart time.Time `json:"period_start"`
	Status      Status    `json:"status"`
	ErrorCount  int       `json:"error_count"`
	LastError   string    `json:"last_error,omitempty"`
	LastUsed    time.Time `json:"last_used,omitzero"`
}
