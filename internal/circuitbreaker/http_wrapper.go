package circuitbreaker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPWrapper wraps an http.Client with a circuit breaker for one search provider.
type HTTPWrapper struct {
	client  *http.Client
	cb      *CircuitBreaker
	service string
}

// NewHTTPWrapper creates a breaker-wrapped client named after the provider.
func NewHTTPWrapper(client *http.Client, name, service string, logger *zap.Logger) *HTTPWrapper {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	cb := NewCircuitBreaker(name, ProviderConfig(name), logger)
	GlobalMetricsCollector.Register(service, cb)
	return &HTTPWrapper{client: client, cb: cb, service: service}
}

// Breaker exposes the underlying breaker.
func (hw *HTTPWrapper) Breaker() *CircuitBreaker { return hw.cb }

// Do executes req through the breaker. 429 and 5xx responses count as
// breaker failures and are returned as *StatusError with the body closed.
func (hw *HTTPWrapper) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	state := hw.cb.State()
	err := hw.cb.Execute(req.Context(), func(ctx context.Context) error {
		r, err := hw.client.Do(req.WithContext(ctx))
		if err != nil {
			return err
		}
		if r.StatusCode == http.StatusTooManyRequests || r.StatusCode >= 500 {
			_ = r.Body.Close()
			return &StatusError{Code: r.StatusCode}
		}
		resp = r
		return nil
	})
	GlobalMetricsCollector.RecordRequest(hw.cb.name, hw.service, state, err == nil)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// StatusError reports a non-success HTTP status from a provider.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d %s", e.Code, http.StatusText(e.Code))
}
