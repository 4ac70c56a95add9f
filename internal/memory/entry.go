package memory

import (
	"fmt"
	"slices"
	"time"
)

// Kind classifies an entry by the nature of its content.
type Kind string

const (
	// KindEpisodic records a specific event, such as one task run.
	KindEpisodic Kind = "episodic"
	// KindSemantic records a general fact.
	KindSemantic Kind = "semantic"
	// KindProcedural records how something is done.
	KindProcedural Kind = "procedural"
	// KindStrategic records a long-term plan. Only the improvement loop
	// writes these.
	KindStrategic Kind = "strategic"
)

// Kinds lists every kind.
var Kinds = []Kind{KindEpisodic, KindSemantic, KindProcedural, KindStrategic}

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !slices.Contains(Kinds, k) {
		return "", fmt.Errorf("unknown memory kind %q", s)
	}
	return k, nil
}

// Outcome is the result a task run reported.
type Outcome string

const (
	OutcomeNone    Outcome = ""
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Entry is one immutable memory record.
type Entry struct {
	ID        int64     `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Kind      Kind      `json:"kind"`

	// Task and RunID link the entry to the scheduled run that produced it.
	Task    string  `json:"task,omitempty"`
	RunID   string  `json:"run_id,omitempty"`
	Outcome Outcome `json:"outcome,omitempty"`

	Content  string            `json:"content"`
	Tags     []string          `json:"tags,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// HasTag reports whether the entry carries tag.
func (e Entry) HasTag(tag string) bool {
	return slices.Contains(e.Tags, tag)
}

// Filter selects entries for Query. Zero fields match everything.
type Filter struct {
	Kind    Kind
	Task    string
	Outcome Outcome

	// TagsAny matches entries carrying at least one of the tags.
	TagsAny []string

	// Since matches entries created at or after the given time.
	Since time.Time

	// AfterID matches entries with a greater id.
	AfterID int64

	// Limit caps the number of entries yielded. Zero means no cap.
	Limit int
}

// Policy is a retention policy. Zero fields disable that rule.
type Policy struct {
	// MaxAge removes entries created before now-MaxAge.
	MaxAge time.Duration

	// MaxEntries keeps only the newest MaxEntries entries.
	MaxEntries int
}

// Stats summarises the store.
type Stats struct {
	Total  int64          `json:"total"`
	ByKind map[Kind]int64 `json:"by_kind"`
	MaxID  int64          `json:"max_id"`
	Oldest time.Time      `json:"oldest,omitzero"`
	Newest time.Time      `json:"newest,omitzero"`
}
