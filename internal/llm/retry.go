package llm

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	openai "github.com/openai/openai-go"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/reportflow/internal/metrics"
)

// RetryConfig bounds call-site retries of transient generator errors.
type RetryConfig struct {
	Attempts        int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryConfig is 3 attempts backing off between 1s and 10s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{Attempts: 3, InitialInterval: time.Second, MaxInterval: 10 * time.Second}
}

// RetryingGenerator retries transient failures of the wrapped generator with
// exponential backoff. Non-transient errors are returned immediately.
type RetryingGenerator struct {
	next   Generator
	cfg    RetryConfig
	label  string
	logger *zap.Logger
}

// WithRetry wraps g.
func WithRetry(g Generator, cfg RetryConfig, label string, logger *zap.Logger) *RetryingGenerator {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryingGenerator{next: g, cfg: cfg, label: label, logger: logger}
}

func (r *RetryingGenerator) newBackOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.cfg.InitialInterval
	eb.MaxInterval = r.cfg.MaxInterval
	eb.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(r.cfg.Attempts-1)), ctx)
}

// Generate implements Generator.
func (r *RetryingGenerator) Generate(ctx context.Context, req Request) (*Response, error) {
	var out *Response
	op := func() error {
		resp, err := r.next.Generate(ctx, req)
		if err != nil {
			if IsTransient(err) && ctx.Err() == nil {
				return err
			}
			return backoff.Permanent(err)
		}
		out = resp
		return nil
	}
	notify := func(err error, wait time.Duration) {
		metrics.GeneratorRetries.WithLabelValues(r.label).Inc()
		r.logger.Warn("Transient generator error, backing off",
			zap.Error(err),
			zap.Duration("wait", wait),
		)
	}
	if err := backoff.RetryNotify(op, r.newBackOff(ctx), notify); err != nil {
		return nil, err
	}
	return out, nil
}

// IsTransient reports whether err is worth retrying: rate limiting, server
// errors, timeouts and network failures.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"rate limit", "resource exhausted", "resource_exhausted", "429", "503", "timeout", "connection reset"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
