package providers

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/reportflow/internal/llm"
	"github.com/Kocoro-lab/reportflow/internal/search"
)

// LLM answers queries from the content generator. Grounded mode asks for
// cited sources as JSON; plain mode returns the model's own knowledge.
type LLM struct {
	name     string
	priority int
	tier     search.Tier
	grounded bool
	gen      llm.Generator
	logger   *zap.Logger
}

func NewLLM(cfg Config, gen llm.Generator, grounded bool, logger *zap.Logger) *LLM {
	if logger == nil {
		logger = zap.NewNop()
	}
	tier := search.Tier(cfg.Tier)
	if tier == "" {
		tier = search.TierStandard
		if grounded {
			tier = search.TierPremium
		}
	}
	return &LLM{name: cfg.Name, priority: cfg.Priority, tier: tier, grounded: grounded, gen: gen, logger: logger}
}

func (l *LLM) Name() string      { return l.name }
func (l *LLM) Priority() int     { return l.priority }
func (l *LLM) Tier() search.Tier { return l.tier }

const groundedPrompt = `Research the following query using up-to-date, verifiable web knowledge.
Respond with JSON only: {"answer": "...", "sources": [{"title": "...", "url": "...", "snippet": "..."}]}
Cite only sources you are confident exist.

Query: %s`

const plainPrompt = `Provide a thorough, factual briefing that answers the following research query.
Include concrete figures, dates and named entities where known.

Query: %s`

func (l *LLM) Search(ctx context.Context, query string) (*search.Result, error) {
	prompt := plainPrompt
	temperature := 0.3
	if l.grounded {
		prompt = groundedPrompt
		temperature = 0.7
	}
	text, err := llm.Text(ctx, l.gen, llm.Request{Prompt: fmt.Sprintf(prompt, query), Temperature: llm.Temp(temperature)})
	if err != nil {
		return nil, err
	}
	if !l.grounded {
		return &search.Result{Provider: l.name, Text: text}, nil
	}

	parsed, ok := llm.ExtractJSON(text)
	if !ok || !parsed.IsObject() {
		l.logger.Debug("Grounded reply was not JSON, using raw text")
		return &search.Result{Provider: l.name, Text: text}, nil
	}
	res := &search.Result{Provider: l.name, Text: strings.TrimSpace(parsed.Get("answer").String())}
	for _, s := range parsed.Get("sources").Array() {
		res.Sources = append(res.Sources, search.Source{
			Title:   s.Get("title").String(),
			URL:     s.Get("url").String(),
			Content: s.Get("snippet").String(),
		})
	}
	return res, nil
}
