package ratecontrol

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

type fileConfig struct {
	RateLimits struct {
		DefaultRPM    int                  `yaml:"default_rpm"`
		DefaultTPM    int                  `yaml:"default_tpm"`
		TierOverrides map[string]RateLimit `yaml:"tier_overrides"`
		Providers     map[string]RateLimit `yaml:"provider_overrides"`
	} `yaml:"rate_limits"`
}

// RateLimit is a requests-per-minute and tokens-per-minute budget. Zero means unlimited.
type RateLimit struct {
	RPM int `yaml:"rpm"`
	TPM int `yaml:"tpm"`
}

var builtInProviderLimits = map[string]RateLimit{
	"openai":     {RPM: 30, TPM: 60000},
	"tavily":     {RPM: 60},
	"jina":       {RPM: 100},
	"serpapi":    {RPM: 30},
	"duckduckgo": {RPM: 20},
}

// Limits resolves limits per provider and tier and paces callers with
// token-bucket limiters.
type Limits struct {
	mu       sync.Mutex
	cfg      fileConfig
	limiters map[string]*pacer
	logger   *zap.Logger
}

// Load reads rate limits from a YAML file. A missing or empty path yields the built-in limits.
func Load(path string, logger *zap.Logger) (*Limits, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Limits{limiters: make(map[string]*pacer), logger: logger}
	if path == "" {
		return l, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn("Rate limit config not found, using built-in limits", zap.String("path", path))
			return l, nil
		}
		return nil, fmt.Errorf("read rate limit config: %w", err)
	}
	if err := yaml.Unmarshal(data, &l.cfg); err != nil {
		return nil, fmt.Errorf("parse rate limit config %s: %w", path, err)
	}
	logger.Info("Loaded rate limit configuration", zap.String("path", path))
	return l, nil
}

func key(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// LimitForTier returns the tier override or the configured defaults.
func (l *Limits) LimitForTier(tier string) RateLimit {
	if override, ok := l.cfg.RateLimits.TierOverrides[key(tier)]; ok {
		return override
	}
	return RateLimit{RPM: l.cfg.RateLimits.DefaultRPM, TPM: l.cfg.RateLimits.DefaultTPM}
}

// LimitForProvider returns the configured override or the built-in limit.
func (l *Limits) LimitForProvider(provider string) RateLimit {
	if override, ok := l.cfg.RateLimits.Providers[key(provider)]; ok {
		return override
	}
	return builtInProviderLimits[key(provider)]
}

// CombineLimits keeps the stricter positive value of each dimension.
func CombineLimits(a, b RateLimit) RateLimit {
	limit := RateLimit{RPM: minPositive(a.RPM, b.RPM), TPM: minPositive(a.TPM, b.TPM)}
	if limit.RPM == 0 {
		limit.RPM = max(a.RPM, b.RPM)
	}
	if limit.TPM == 0 {
		limit.TPM = max(a.TPM, b.TPM)
	}
	return limit
}

// Wait blocks until provider (in tier) may issue one request of estimatedTokens.
// Requests and tokens draw from budgets shared by every caller of the same key.
func (l *Limits) Wait(ctx context.Context, provider, tier string, estimatedTokens int) error {
	if l == nil {
		return nil
	}
	p := l.pacer(provider, tier)
	if p == nil {
		return nil
	}
	start := time.Now()
	if p.requests != nil {
		if err := p.requests.Wait(ctx); err != nil {
			return err
		}
	}
	if p.tokens != nil && estimatedTokens > 0 {
		if err := p.tokens.WaitN(ctx, min(estimatedTokens, p.tokens.Burst())); err != nil {
			return err
		}
	}
	if waited := time.Since(start); waited > time.Second {
		l.logger.Debug("Rate limited provider call",
			zap.String("provider", provider),
			zap.Int("tokens", estimatedTokens),
			zap.Duration("waited", waited),
		)
	}
	return nil
}

// pacer holds the request and token buckets of one provider/tier key.
// Either may be nil when that dimension is unlimited.
type pacer struct {
	requests *rate.Limiter
	tokens   *rate.Limiter
}

func (l *Limits) pacer(provider, tier string) *pacer {
	k := key(provider) + "/" + key(tier)
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.limiters[k]; ok {
		return p
	}
	combined := CombineLimits(l.LimitForTier(tier), l.LimitForProvider(provider))
	var p *pacer
	if combined.RPM > 0 || combined.TPM > 0 {
		p = &pacer{}
		if combined.RPM > 0 {
			p.requests = rate.NewLimiter(rate.Every(time.Minute/time.Duration(combined.RPM)), 1)
		}
		if combined.TPM > 0 {
			p.tokens = rate.NewLimiter(rate.Limit(float64(combined.TPM)/60), combined.TPM)
		}
	}
	l.limiters[k] = p
	return p
}

func minPositive(a, b int) int {
	switch {
	case a <= 0 && b <= 0:
		return 0
	case a <= 0:
		return b
	case b <= 0:
		return a
	default:
		return min(a, b)
	}
}
