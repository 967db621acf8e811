package report

import "time"

// SectionResult is one section of the compiled document, in declared order.
type SectionResult struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Content  string     `json:"content"`
	Status   UnitStatus `json:"status"`
	Degraded bool       `json:"degraded"`
	Reason   string     `json:"reason,omitempty"`
}

// Document is the final compiled report.
type Document struct {
	ThreadID   string          `json:"thread_id"`
	Topic      string          `json:"topic"`
	Sections   []SectionResult `json:"sections"`
	Markdown   string          `json:"markdown"`
	HTML       string          `json:"html,omitempty"`
	Gaps       []string        `json:"gaps,omitempty"`
	Notices    []string        `json:"notices,omitempty"`
	CompiledAt time.Time       `json:"compiled_at"`
}

// Degraded reports whether any section is a placeholder.
func (d *Document) Degraded() bool {
	return len(d.Gaps) > 0
}

// Metrics is one performance sample recorded per pipeline run.
type Metrics struct {
	UnitID          string    `json:"unit_id,omitempty"`
	DurationSeconds float64   `json:"duration_seconds"`
	TokensUsed      int       `json:"tokens_used"`
	APICalls        int       `json:"api_calls"`
	Errors          []string  `json:"errors"`
	RecordedAt      time.Time `json:"recorded_at"`
}

// EstimateTokens approximates token usage from character counts.
func EstimateTokens(texts ...string) int {
	n := 0
	for _, t := range texts {
		n += len(t)
	}
	return n / 4
}
