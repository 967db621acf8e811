package providers

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/reportflow/internal/llm"
	"github.com/Kocoro-lab/reportflow/internal/ratecontrol"
	"github.com/Kocoro-lab/reportflow/internal/search"
)

// Defaults lists the providers in their reference priority order.
func Defaults() []Config {
	return []Config{
		{Name: "llm_grounded", Enabled: true, Priority: 1, Tier: string(search.TierPremium)},
		{Name: "llm_plain", Enabled: true, Priority: 2, Tier: string(search.TierStandard)},
		{Name: "tavily", Enabled: true, Priority: 3, Tier: string(search.TierPremium)},
		{Name: "jina", Enabled: true, Priority: 4, Tier: string(search.TierStandard)},
		{Name: "serpapi", Enabled: true, Priority: 5, Tier: string(search.TierStandard)},
		{Name: "duckduckgo", Enabled: true, Priority: 6, Tier: string(search.TierStandard)},
	}
}

// Build instantiates every enabled provider. Keyed providers without an API
// key and LLM providers without a generator are skipped with a warning.
func Build(cfgs []Config, gen llm.Generator, limits *ratecontrol.Limits, logger *zap.Logger) ([]search.Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var out []search.Provider
	for _, cfg := range cfgs {
		if !cfg.Enabled {
			continue
		}
		skip := func(reason string) {
			logger.Warn("Search provider disabled", zap.String("provider", cfg.Name), zap.String("reason", reason))
		}
		switch cfg.Name {
		case "llm_grounded", "llm_plain":
			if gen == nil {
				skip("no content generator configured")
				continue
			}
			out = append(out, NewLLM(cfg, gen, cfg.Name == "llm_grounded", logger))
		case "tavily", "jina", "serpapi":
			if cfg.APIKey == "" {
				skip("missing api_key")
				continue
			}
			switch cfg.Name {
			case "tavily":
				out = append(out, NewTavily(cfg, limits, logger))
			case "jina":
				out = append(out, NewJina(cfg, limits, logger))
			default:
				out = append(out, NewSerpAPI(cfg, limits, logger))
			}
		case "duckduckgo":
			out = append(out, NewDuckDuckGo(cfg, limits, logger))
		default:
			return nil, fmt.Errorf("unknown search provider %q", cfg.Name)
		}
	}
	return out, nil
}
