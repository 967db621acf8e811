// Package providers implements the concrete search backends.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/reportflow/internal/circuitbreaker"
	"github.com/Kocoro-lab/reportflow/internal/interceptors"
	"github.com/Kocoro-lab/reportflow/internal/ratecontrol"
	"github.com/Kocoro-lab/reportflow/internal/search"
	"github.com/Kocoro-lab/reportflow/internal/tracing"
)

// Config describes one provider instance.
type Config struct {
	Name       string        `mapstructure:"name"`
	Enabled    bool          `mapstructure:"enabled"`
	Priority   int           `mapstructure:"priority"`
	Tier       string        `mapstructure:"tier"`
	APIKey     string        `mapstructure:"api_key"`
	BaseURL    string        `mapstructure:"base_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxResults int           `mapstructure:"max_results"`
}

const maxBodyBytes = 8 << 20

// base carries what every HTTP-backed provider shares.
type base struct {
	name     string
	priority int
	tier     search.Tier
	apiKey   string
	baseURL  string
	max      int
	client   *circuitbreaker.HTTPWrapper
	limits   *ratecontrol.Limits
	logger   *zap.Logger
}

func newBase(cfg Config, defaultURL string, defaultTier search.Tier, limits *ratecontrol.Limits, logger *zap.Logger) base {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	b := base{
		name:     cfg.Name,
		priority: cfg.Priority,
		tier:     search.Tier(cfg.Tier),
		apiKey:   cfg.APIKey,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		max:      cfg.MaxResults,
		limits:   limits,
		logger:   logger.With(zap.String("provider", cfg.Name)),
	}
	if b.tier == "" {
		b.tier = defaultTier
	}
	if b.baseURL == "" {
		b.baseURL = defaultURL
	}
	if b.max <= 0 {
		b.max = 5
	}
	transport := interceptors.NewWorkflowHTTPRoundTripper(nil)
	b.client = circuitbreaker.NewHTTPWrapper(&http.Client{Timeout: timeout, Transport: transport}, cfg.Name, "search", logger)
	return b
}

func (b *base) Name() string      { return b.name }
func (b *base) Priority() int     { return b.priority }
func (b *base) Tier() search.Tier { return b.tier }

// do sends req through the rate limiter and breaker and returns the body of
// a 2xx response.
func (b *base) do(ctx context.Context, req *http.Request) ([]byte, error) {
	if err := b.limits.Wait(ctx, b.name, string(b.tier), 0); err != nil {
		return nil, err
	}
	ctx, span := tracing.StartSpan(ctx, "provider.http", "provider", b.name)
	defer span.End()
	req = req.WithContext(ctx)
	tracing.InjectTraceparent(ctx, req)
	req.Header.Set("Accept", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", b.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%s read body: %w", b.name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s: %w", b.name, &circuitbreaker.StatusError{Code: resp.StatusCode})
	}
	return body, nil
}

func (b *base) postJSON(ctx context.Context, url string, payload any, headers map[string]string) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return b.do(ctx, req)
}

func (b *base) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return b.do(ctx, req)
}
