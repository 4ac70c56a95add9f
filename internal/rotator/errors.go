package rotator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rand/herald/internal/llm"
)

// ErrAllProvidersExhausted is returned when a full rotation pass found no
// credential able to serve the call.
var ErrAllProvidersExhausted = errors.New("all providers exhausted")

// Attempt records one credential that was tried and failed during a pass.
type Attempt struct {
	Provider string             `json:"provider"`
	KeyID    string             `json:"key_id"`
	Class    llm.Classification `json:"class"`
	Error    string             `json:"error"`
}

// ExhaustedError details a failed rotation pass. It matches
// ErrAllProvidersExhausted under errors.Is.
type ExhaustedError struct {
	// Skipped counts credentials passed over as Exhausted or Invalid
	// without a network call.
	Skipped  int
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("%v: %d credentials unavailable", ErrAllProvidersExhausted, e.Skipped)
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s=%s", a.KeyID, a.Class))
	}
	return fmt.Sprintf("%v: %d unavailable, tried %s", ErrAllProvidersExhausted, e.Skipped, strings.Join(parts, ", "))
}

func (e *ExhaustedError) Is(target error) bool {
	return target == ErrAllProvidersExhausted
}

// Dominant returns the most frequent failure class among the attempts, or
// Success when nothing was attempted.
func (e *ExhaustedError) Dominant() llm.Classification {
	counts := map[llm.Classification]int{}
	best, bestN := llm.Success, 0
	for _, a := range e.Attempts {
		counts[a.Class]++
		if counts[a.Class] > bestN {
			best, bestN = a.Class, counts[a.Class]
		}
	}
	return best
}
