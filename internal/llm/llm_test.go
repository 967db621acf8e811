package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap/zaptest"
)

func fastRetry() RetryConfig {
	return RetryConfig{Attempts: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}
}

func TestRetryingGeneratorRetriesTransient(t *testing.T) {
	calls := 0
	g := GeneratorFunc(func(ctx context.Context, req Request) (*Response, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("429 rate limit exceeded")
		}
		return &Response{Text: "ok"}, nil
	})

	resp, err := WithRetry(g, fastRetry(), "test", zaptest.NewLogger(t)).Generate(context.Background(), Request{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	assert.Equal(t, 3, calls)
}

func TestRetryingGeneratorStopsAfterAttempts(t *testing.T) {
	calls := 0
	g := GeneratorFunc(func(ctx context.Context, req Request) (*Response, error) {
		calls++
		return nil, errors.New("503 service unavailable")
	})

	_, err := WithRetry(g, fastRetry(), "test", zaptest.NewLogger(t)).Generate(context.Background(), Request{})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryingGeneratorPermanentError(t *testing.T) {
	calls := 0
	g := GeneratorFunc(func(ctx context.Context, req Request) (*Response, error) {
		calls++
		return nil, errors.New("invalid prompt")
	})

	_, err := WithRetry(g, fastRetry(), "test", zaptest.NewLogger(t)).Generate(context.Background(), Request{})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)))
	assert.True(t, IsTransient(errors.New("RESOURCE_EXHAUSTED: quota")))
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(ErrEmptyResponse))
	assert.False(t, IsTransient(nil))
}

func TestTextRejectsBlank(t *testing.T) {
	g := GeneratorFunc(func(ctx context.Context, req Request) (*Response, error) {
		return &Response{Text: "  \n"}, nil
	})
	_, err := Text(context.Background(), g, Request{})
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestExtractJSON(t *testing.T) {
	res, ok := ExtractJSON("Here is the plan:\n```json\n[{\"name\":\"Intro\"}]\n```")
	require.True(t, ok)
	assert.Equal(t, "Intro", res.Get("0.name").String())

	res, ok = ExtractJSON(`{"specificity":0.8,"relevance":0.7,"clarity":0.9}`)
	require.True(t, ok)
	assert.InDelta(t, 0.7, res.Get("relevance").Float(), 1e-9)

	_, ok = ExtractJSON("no json here")
	assert.False(t, ok)
}

func TestOpenAIGenerator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"1","object":"chat.completion","created":1,"model":"gpt-4o-mini",
"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"generated"}}],
"usage":{"prompt_tokens":3,"completion_tokens":4,"total_tokens":7}}`))
	}))
	defer srv.Close()

	g, err := NewOpenAIGenerator(OpenAIConfig{APIKey: "k", BaseURL: srv.URL, Model: "gpt-4o-mini"}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	resp, err := g.Generate(context.Background(), Request{System: "s", Prompt: "p", MaxTokens: 10})
	require.NoError(t, err)
	assert.Equal(t, "generated", resp.Text)
	assert.Equal(t, 7, resp.TokensUsed)
}

func TestOpenAIGeneratorHonorsZeroTemperature(t *testing.T) {
	temps := make(chan gjson.Result, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		temps <- gjson.GetBytes(body, "temperature")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"1","object":"chat.completion","created":1,"model":"m",
"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"ok"}}]}`))
	}))
	defer srv.Close()

	g, err := NewOpenAIGenerator(OpenAIConfig{APIKey: "k", BaseURL: srv.URL, Model: "m", Temperature: 0.4}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = g.Generate(context.Background(), Request{Prompt: "p", Temperature: Temp(0)})
	require.NoError(t, err)
	got := <-temps
	require.True(t, got.Exists())
	assert.Equal(t, 0.0, got.Float())

	_, err = g.Generate(context.Background(), Request{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, 0.4, (<-temps).Float())
}

func TestOpenAIGeneratorRequiresKey(t *testing.T) {
	_, err := NewOpenAIGenerator(OpenAIConfig{Model: "m"}, nil, nil)
	assert.Error(t, err)
}
