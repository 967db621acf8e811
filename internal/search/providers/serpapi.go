package providers

import (
	"context"
	"net/url"
	"strconv"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/reportflow/internal/ratecontrol"
	"github.com/Kocoro-lab/reportflow/internal/search"
)

// SerpAPI wraps the SerpAPI search engine results API.
type SerpAPI struct{ base }

func NewSerpAPI(cfg Config, limits *ratecontrol.Limits, logger *zap.Logger) *SerpAPI {
	return &SerpAPI{newBase(cfg, "https://serpapi.com", search.TierStandard, limits, logger)}
}

func (s *SerpAPI) Search(ctx context.Context, query string) (*search.Result, error) {
	params := url.Values{}
	params.Set("api_key", s.apiKey)
	params.Set("q", query)
	params.Set("num", strconv.Itoa(s.max))
	body, err := s.get(ctx, s.baseURL+"/search?"+params.Encode())
	if err != nil {
		return nil, err
	}

	res := &search.Result{Provider: s.name}
	gjson.GetBytes(body, "organic_results").ForEach(func(_, r gjson.Result) bool {
		res.Sources = append(res.Sources, search.Source{
			Title:   r.Get("title").String(),
			URL:     r.Get("link").String(),
			Content: r.Get("snippet").String(),
		})
		return len(res.Sources) < s.max
	})
	return res, nil
}
