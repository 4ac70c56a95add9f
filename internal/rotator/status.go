package rotator

import (
	"time"

	"github.com/rand/herald/internal/quota"
)

// CredentialStatus is a read-only view of one credential. Credentials are
// identified by KeyID only.
type CredentialStatus struct {
	quota.State
}

// ProviderStatus is a read-only view of one provider's quota.
type ProviderStatus struct {
	Name        string             `json:"name"`
	Rank        int                `json:"rank"`
	Remaining   int                `json:"remaining"`
	Available   int                `json:"available"`
	Exhausted   int                `json:"exhausted"`
	Invalid     int                `json:"invalid"`
	Calls       int64              `json:"calls"`
	Failures    int64              `json:"failures"`
	Credentials []CredentialStatus `json:"credentials"`
}

// Metrics summarises rotator activity.
type Metrics struct {
	TotalCalls      int64     `json:"total_calls"`
	TotalExhausted  int64     `json:"total_exhausted"`
	LastExhaustedAt time.Time `json:"last_exhausted_at,omitzero"`
}

// Status reports per-provider quota. It never mutates credential state.
func (r *Rotator) Status() []ProviderStatus {
	out := make([]ProviderStatus, 0, len(r.providers))
	for _, p := range r.providers {
		ps := ProviderStatus{
			Name:     p.name,
			Rank:     p.rank,
			Calls:    p.calls.Load(),
			Failures: p.failures.Load(),
		}
		for _, s := range p.slots {
			st := r.ledger.Snapshot(s.cred)
			ps.Remaining += st.Remaining
			switch st.Status {
			case quota.Available:
				ps.Available++
			case quota.Exhausted:
				ps.Exhausted++
			case quota.Invalid:
				ps.Invalid++
			}
			ps.Credentials = append(ps.Credentials, CredentialStatus{State: st})
		}
		out = append(out, ps)
	}
	return out
}

// Metrics returns aggregate counters.
func (r *Rotator) Metrics() Metrics {
	m := Metrics{
		TotalCalls:     r.totalCalls.Load(),
		TotalExhausted: r.totalExhausted.Load(),
	}
	if ns := r.lastExhaustedAt.Load(); ns > 0 {
		m.LastExhaustedAt = time.Unix(0, ns)
	}
	return m
}
