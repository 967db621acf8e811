package search

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/reportflow/internal/llm"
	"github.com/Kocoro-lab/reportflow/internal/util"
)

// ComplexityScorer estimates how demanding a query is, in [0,1].
type ComplexityScorer interface {
	Score(ctx context.Context, query string) float64
}

// neutralComplexity is used when the scorer cannot produce a value.
const neutralComplexity = 0.5

// LLMComplexityScorer asks the content generator for a score.
type LLMComplexityScorer struct {
	gen    llm.Generator
	logger *zap.Logger
}

func NewLLMComplexityScorer(gen llm.Generator, logger *zap.Logger) *LLMComplexityScorer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMComplexityScorer{gen: gen, logger: logger}
}

const complexityPrompt = `Rate the complexity of answering this search query on a scale from 0 to 1,
where 0 is a simple factual lookup and 1 requires deep multi-source analysis.
Consider technical depth, number of concepts, comparisons and time sensitivity.
Reply with a single number only.

Query: %s`

// Score returns the parsed score, or 0.5 on any failure.
func (s *LLMComplexityScorer) Score(ctx context.Context, query string) float64 {
	text, err := llm.Text(ctx, s.gen, llm.Request{
		Prompt:      fmt.Sprintf(complexityPrompt, query),
		Temperature: llm.Temp(0.1),
		MaxTokens:   16,
	})
	if err != nil {
		s.logger.Debug("Complexity scoring failed", zap.String("query", query), zap.Error(err))
		return neutralComplexity
	}
	v, ok := util.ParseNumericValue(text)
	if !ok {
		return neutralComplexity
	}
	return clamp01(v)
}

// HeuristicComplexityScorer scores queries from their surface features.
type HeuristicComplexityScorer struct{}

var (
	comparisonTerms = map[string]bool{"vs": true, "versus": true, "compare": true, "comparison": true, "difference": true, "tradeoffs": true, "pros": true, "cons": true}
	temporalTerms   = map[string]bool{"latest": true, "trend": true, "trends": true, "forecast": true, "history": true, "evolution": true, "since": true, "future": true}
	conjunctions    = map[string]bool{"and": true, "or": true, "while": true, "whereas": true, "how": true, "why": true, "impact": true}
)

// Score combines length, conjunction count and analytical vocabulary.
func (HeuristicComplexityScorer) Score(_ context.Context, query string) float64 {
	words := util.Words(query)
	if len(words) == 0 {
		return 0
	}
	score := 0.1 + min(float64(len(words))/20, 0.35)
	var conj, cmp, temporal int
	for _, w := range words {
		switch {
		case comparisonTerms[w]:
			cmp++
		case temporalTerms[w]:
			temporal++
		case conjunctions[w]:
			conj++
		}
	}
	score += min(float64(conj)*0.08, 0.2)
	if cmp > 0 {
		score += 0.2
	}
	if temporal > 0 {
		score += 0.1
	}
	if strings.Count(query, ",") >= 2 {
		score += 0.05
	}
	return clamp01(score)
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}
