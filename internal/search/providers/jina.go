package providers

import (
	"context"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/reportflow/internal/ratecontrol"
	"github.com/Kocoro-lab/reportflow/internal/search"
)

// Jina queries the DeepSearch chat endpoint, which answers with the URLs it read.
type Jina struct{ base }

func NewJina(cfg Config, limits *ratecontrol.Limits, logger *zap.Logger) *Jina {
	return &Jina{newBase(cfg, "https://deepsearch.jina.ai", search.TierStandard, limits, logger)}
}

func (j *Jina) Search(ctx context.Context, query string) (*search.Result, error) {
	body, err := j.postJSON(ctx, j.baseURL+"/v1/chat/completions", map[string]any{
		"model":            "jina-deepsearch-v1",
		"messages":         []map[string]string{{"role": "user", "content": query}},
		"stream":           false,
		"reasoning_effort": "low",
	}, map[string]string{"Authorization": "Bearer " + j.apiKey})
	if err != nil {
		return nil, err
	}

	parsed := gjson.ParseBytes(body)
	var parts []string
	parsed.Get("choices.#.message.content").ForEach(func(_, c gjson.Result) bool {
		if s := strings.TrimSpace(c.String()); s != "" {
			parts = append(parts, s)
		}
		return true
	})
	res := &search.Result{Provider: j.name, Text: strings.Join(parts, "\n\n")}
	parsed.Get("readURLs").ForEach(func(_, u gjson.Result) bool {
		if len(res.Sources) < j.max {
			res.Sources = append(res.Sources, search.Source{Title: u.String(), URL: u.String()})
		}
		return true
	})
	return res, nil
}
