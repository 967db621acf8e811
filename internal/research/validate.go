package research

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/reportflow/internal/llm"
	"github.com/Kocoro-lab/reportflow/internal/report"
	"github.com/Kocoro-lab/reportflow/internal/util"
)

// Validator scores a candidate query for a unit.
type Validator interface {
	Validate(ctx context.Context, query string, unit report.Unit, topic string) report.QueryValidation
}

// HeuristicValidator scores from length, overlap with the unit and noise.
type HeuristicValidator struct{}

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "of": true, "and": true, "or": true, "in": true,
	"on": true, "for": true, "to": true, "with": true, "is": true, "are": true, "how": true, "what": true,
}

func keywords(texts ...string) map[string]bool {
	out := make(map[string]bool)
	for _, t := range texts {
		for _, w := range util.Words(t) {
			if len(w) > 2 && !stopWords[w] {
				out[w] = true
			}
		}
	}
	return out
}

func (HeuristicValidator) Validate(_ context.Context, query string, unit report.Unit, topic string) report.QueryValidation {
	words := util.Words(query)
	n := len(words)

	var specificity float64
	switch {
	case n == 0:
		specificity = 0
	case n <= 2:
		specificity = 0.3
	case n <= 14:
		specificity = 1
	case n <= 25:
		specificity = 0.7
	default:
		specificity = 0.4
	}

	relevance := 0.4
	scope := keywords(topic, unit.Name, unit.Description)
	if len(scope) == 0 {
		relevance = 0.7
	}
	for w := range keywords(query) {
		if scope[w] {
			relevance += 0.3
		}
	}

	letters, noise := 0, 0
	for _, r := range query {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r):
			letters++
		case strings.ContainsRune("-'\",.?:&/()", r):
		default:
			noise++
		}
	}
	clarity := 0.0
	if letters > 0 {
		clarity = 1 - float64(noise)/float64(letters+noise)*3
	}
	if len(strings.TrimSpace(query)) < 8 {
		clarity -= 0.4
	}

	return report.QueryValidation{
		Specificity: specificity,
		Relevance:   min(relevance, 1),
		Clarity:     max(clarity, 0),
	}
}

// LLMValidator asks the generator for scores. Any failure scores zero.
type LLMValidator struct {
	gen    llm.Generator
	logger *zap.Logger
}

func NewLLMValidator(gen llm.Generator, logger *zap.Logger) *LLMValidator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMValidator{gen: gen, logger: logger}
}

const validatePrompt = `Evaluate this web search query for researching the report section below.
Score each criterion from 0 to 1:
- specificity: is it focused enough to return targeted results?
- relevance: does it serve the section's purpose?
- clarity: is it unambiguous and well formed?

Report topic: %s
Section: %s - %s
Query: %s

Reply with JSON only: {"specificity": 0.0, "relevance": 0.0, "clarity": 0.0}`

func (v *LLMValidator) Validate(ctx context.Context, query string, unit report.Unit, topic string) report.QueryValidation {
	text, err := llm.Text(ctx, v.gen, llm.Request{
		Prompt:      fmt.Sprintf(validatePrompt, topic, unit.Name, unit.Description, query),
		Temperature: llm.Temp(0),
		MaxTokens:   128,
	})
	if err != nil {
		v.logger.Warn("Query validation failed", zap.String("unit_id", unit.ID), zap.String("query", query), zap.Error(err))
		return report.QueryValidation{}
	}
	parsed, ok := llm.ExtractJSON(text)
	if !ok || !parsed.IsObject() {
		return report.QueryValidation{}
	}
	return report.QueryValidation{
		Specificity: parsed.Get("specificity").Float(),
		Relevance:   parsed.Get("relevance").Float(),
		Clarity:     parsed.Get("clarity").Float(),
	}
}
