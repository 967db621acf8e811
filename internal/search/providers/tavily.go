package providers

import (
	"context"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/reportflow/internal/ratecontrol"
	"github.com/Kocoro-lab/reportflow/internal/search"
)

// Tavily is an indexed web search API returning sources with raw page content.
type Tavily struct{ base }

func NewTavily(cfg Config, limits *ratecontrol.Limits, logger *zap.Logger) *Tavily {
	return &Tavily{newBase(cfg, "https://api.tavily.com", search.TierPremium, limits, logger)}
}

func (t *Tavily) Search(ctx context.Context, query string) (*search.Result, error) {
	body, err := t.postJSON(ctx, t.baseURL+"/search", map[string]any{
		"api_key":             t.apiKey,
		"query":               query,
		"max_results":         t.max,
		"include_raw_content": true,
		"include_answer":      true,
		"topic":               "general",
	}, nil)
	if err != nil {
		return nil, err
	}

	parsed := gjson.ParseBytes(body)
	res := &search.Result{Provider: t.name, Text: parsed.Get("answer").String()}
	parsed.Get("results").ForEach(func(_, r gjson.Result) bool {
		res.Sources = append(res.Sources, search.Source{
			Title:   r.Get("title").String(),
			URL:     r.Get("url").String(),
			Content: r.Get("content").String(),
			Raw:     r.Get("raw_content").String(),
		})
		return true
	})
	return res, nil
}
