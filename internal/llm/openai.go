package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/reportflow/internal/metrics"
	"github.com/Kocoro-lab/reportflow/internal/ratecontrol"
)

// OpenAIConfig configures the OpenAI chat completions generator.
type OpenAIConfig struct {
	APIKey          string
	BaseURL         string
	Model           string
	Temperature     float64
	MaxOutputTokens int
	Timeout         time.Duration
}

// OpenAIGenerator implements Generator with the official openai-go SDK.
type OpenAIGenerator struct {
	client openai.Client
	cfg    OpenAIConfig
	limits *ratecontrol.Limits
	logger *zap.Logger
}

// NewOpenAIGenerator validates cfg and builds the client.
func NewOpenAIGenerator(cfg OpenAIConfig, limits *ratecontrol.Limits, logger *zap.Logger) (*OpenAIGenerator, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api key missing; provide llm.api_key")
	}
	if cfg.Model == "" {
		return nil, errors.New("llm model is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	return &OpenAIGenerator{
		client: openai.NewClient(opts...),
		cfg:    cfg,
		limits: limits,
		logger: logger,
	}, nil
}

// Model returns the configured model name.
func (o *OpenAIGenerator) Model() string { return o.cfg.Model }

// Generate sends one chat completion request.
func (o *OpenAIGenerator) Generate(ctx context.Context, req Request) (*Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = o.cfg.MaxOutputTokens
	}
	temperature := o.cfg.Temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}

	if err := o.limits.Wait(ctx, "openai", "", (len(req.System)+len(req.Prompt))/4+maxTokens); err != nil {
		return nil, err
	}

	var msgs []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		msgs = append(msgs, openai.SystemMessage(req.System))
	}
	msgs = append(msgs, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(o.cfg.Model),
		Messages:    msgs,
		Temperature: openai.Float(temperature),
	}
	if maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(maxTokens))
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		metrics.GeneratorCalls.WithLabelValues(o.cfg.Model, "error").Inc()
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		metrics.GeneratorCalls.WithLabelValues(o.cfg.Model, "empty").Inc()
		return nil, ErrEmptyResponse
	}
	metrics.GeneratorCalls.WithLabelValues(o.cfg.Model, "success").Inc()
	return &Response{
		Text:       resp.Choices[0].Message.Content,
		Model:      resp.Model,
		TokensUsed: int(resp.Usage.TotalTokens),
	}, nil
}
