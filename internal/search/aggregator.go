package search

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/Kocoro-lab/reportflow/internal/metrics"
	"github.com/Kocoro-lab/reportflow/internal/tracing"
)

// Config tunes the aggregator.
type Config struct {
	MaxConcurrent       int           // bulkhead slots
	CallTimeout         time.Duration // per provider call
	Adaptive            bool
	ComplexityThreshold float64
	MaxContextChars     int
	MaxCharsPerSource   int
}

// DefaultConfig matches the reference behaviour.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:       3,
		CallTimeout:         25 * time.Second,
		Adaptive:            true,
		ComplexityThreshold: 0.65,
		MaxContextChars:     60000,
		MaxCharsPerSource:   20000,
	}
}

// Aggregator runs queries against the registry with a bulkhead, a
// per-call timeout and ordered fallback. First non-empty result wins.
type Aggregator struct {
	registry *Registry
	scorer   ComplexityScorer
	sem      *semaphore.Weighted
	logger   *zap.Logger

	mu  sync.RWMutex
	cfg Config
}

// NewAggregator creates an aggregator. scorer may be nil.
func NewAggregator(registry *Registry, scorer ComplexityScorer, cfg Config, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig().CallTimeout
	}
	return &Aggregator{
		registry: registry,
		scorer:   scorer,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		cfg:      cfg,
		logger:   logger,
	}
}

// UpdateConfig applies live-tunable knobs. The bulkhead size is fixed at construction.
func (a *Aggregator) UpdateConfig(cfg Config) {
	a.mu.Lock()
	defer a.mu.Unlock()
	slots := a.cfg.MaxConcurrent
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = a.cfg.CallTimeout
	}
	a.cfg = cfg
	a.cfg.MaxConcurrent = slots
}

func (a *Aggregator) config() Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// Search returns the first non-empty provider result for query, or nil when
// every provider failed. The only error is cancellation of ctx.
func (a *Aggregator) Search(ctx context.Context, query string) (*Result, error) {
	res, _, err := a.search(ctx, query)
	return res, err
}

// search also reports how many providers were called.
func (a *Aggregator) search(ctx context.Context, query string) (*Result, int, error) {
	cfg := a.config()
	providers := a.order(ctx, query, cfg)

	waitStart := time.Now()
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return nil, 0, err
	}
	metrics.BulkheadWait.Observe(time.Since(waitStart).Seconds())
	metrics.BulkheadInUse.Inc()
	defer func() {
		metrics.BulkheadInUse.Dec()
		a.sem.Release(1)
	}()

	calls := 0
	for _, p := range providers {
		calls++
		res, err := a.call(ctx, p, query, cfg.CallTimeout)
		if err == nil && !res.Empty() {
			res.Provider = p.Name()
			return res, calls, nil
		}
		if ctx.Err() != nil {
			return nil, calls, ctx.Err()
		}
		if err == nil {
			err = errors.New("empty result")
		}
		a.logger.Warn("Search provider failed",
			zap.String("provider", p.Name()),
			zap.Int("priority", p.Priority()),
			zap.String("query", query),
			zap.Error(err),
		)
	}

	metrics.SearchExhausted.Inc()
	a.logger.Warn("All search providers failed for query", zap.String("query", query))
	return nil, calls, nil
}

// order returns providers by priority, optionally moving the tier that suits
// the query complexity to the front.
func (a *Aggregator) order(ctx context.Context, query string, cfg Config) []Provider {
	providers := a.registry.ListByPriority()
	if !cfg.Adaptive || a.scorer == nil {
		return providers
	}
	score := a.scorer.Score(ctx, query)
	metrics.ComplexityScores.Observe(score)
	tier := TierStandard
	if score >= cfg.ComplexityThreshold {
		tier = TierPremium
	}
	a.logger.Debug("Query complexity scored",
		zap.String("query", query),
		zap.Float64("score", score),
		zap.String("preferred_tier", string(tier)),
	)
	return preferTier(providers, tier)
}

type outcome struct {
	res *Result
	err error
}

func (a *Aggregator) call(ctx context.Context, p Provider, query string, timeout time.Duration) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "search.provider", "provider", p.Name())
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("provider panic: %v", r)}
			}
		}()
		res, err := p.Search(callCtx, query)
		done <- outcome{res: res, err: err}
	}()

	var o outcome
	select {
	case o = <-done:
	case <-callCtx.Done():
		o = outcome{err: fmt.Errorf("provider timed out after %s: %w", timeout, callCtx.Err())}
	}
	metrics.ProviderLatency.WithLabelValues(p.Name()).Observe(time.Since(start).Seconds())

	result := "hit"
	switch {
	case o.err != nil && errors.Is(o.err, context.DeadlineExceeded):
		result = "timeout"
	case o.err != nil:
		result = "error"
	case o.res.Empty():
		result = "empty"
	}
	metrics.ProviderCalls.WithLabelValues(p.Name(), result).Inc()
	tracing.End(span, o.err)
	return o.res, o.err
}

// Many is the merged outcome of SearchMany.
type Many struct {
	Context string
	URLs    []string
	Hits    int
	// Calls counts provider calls, including fallbacks.
	Calls int
}

// SearchMany runs queries concurrently (bounded by the bulkhead) and merges
// their results in query order, deduplicating sources by URL.
func (a *Aggregator) SearchMany(ctx context.Context, queries []string) (*Many, error) {
	cfg := a.config()
	results := make([]*Result, len(queries))
	calls := make([]int, len(queries))

	g, gctx := errgroup.WithContext(ctx)
	for i, q := range queries {
		g.Go(func() error {
			res, n, err := a.search(gctx, q)
			calls[i] = n
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	b := newContextBuilder(cfg.MaxCharsPerSource)
	out := &Many{}
	for _, n := range calls {
		out.Calls += n
	}
	for _, r := range results {
		if r == nil {
			continue
		}
		out.Hits++
		b.add(r)
	}
	out.Context = b.build(cfg.MaxContextChars)
	out.URLs = b.urls
	return out, nil
}
