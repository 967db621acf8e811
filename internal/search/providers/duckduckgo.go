package providers

import (
	"context"
	"net/url"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/reportflow/internal/ratecontrol"
	"github.com/Kocoro-lab/reportflow/internal/search"
)

// DuckDuckGo uses the keyless instant answer API as a last-resort metasearch.
type DuckDuckGo struct{ base }

func NewDuckDuckGo(cfg Config, limits *ratecontrol.Limits, logger *zap.Logger) *DuckDuckGo {
	return &DuckDuckGo{newBase(cfg, "https://api.duckduckgo.com", search.TierStandard, limits, logger)}
}

func (d *DuckDuckGo) Search(ctx context.Context, query string) (*search.Result, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "json")
	params.Set("no_html", "1")
	params.Set("skip_disambig", "1")
	body, err := d.get(ctx, d.baseURL+"/?"+params.Encode())
	if err != nil {
		return nil, err
	}

	parsed := gjson.ParseBytes(body)
	res := &search.Result{Provider: d.name}
	if abstract := parsed.Get("AbstractText").String(); abstract != "" {
		res.Sources = append(res.Sources, search.Source{
			Title:   parsed.Get("Heading").String(),
			URL:     parsed.Get("AbstractURL").String(),
			Content: abstract,
		})
	}
	var collect func(topics gjson.Result)
	collect = func(topics gjson.Result) {
		topics.ForEach(func(_, t gjson.Result) bool {
			if nested := t.Get("Topics"); nested.Exists() {
				collect(nested)
			} else if text := t.Get("Text").String(); text != "" {
				res.Sources = append(res.Sources, search.Source{Title: text, URL: t.Get("FirstURL").String(), Content: text})
			}
			return len(res.Sources) < d.max
		})
	}
	collect(parsed.Get("RelatedTopics"))
	return res, nil
}
