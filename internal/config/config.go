package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Kocoro-lab/reportflow/internal/approval"
	"github.com/Kocoro-lab/reportflow/internal/executor"
	"github.com/Kocoro-lab/reportflow/internal/llm"
	"github.com/Kocoro-lab/reportflow/internal/research"
	"github.com/Kocoro-lab/reportflow/internal/search"
	"github.com/Kocoro-lab/reportflow/internal/search/providers"
	"github.com/Kocoro-lab/reportflow/internal/tracing"
)

// Config is the complete service configuration.
type Config struct {
	Service     ServiceConfig     `mapstructure:"service"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Workflow    WorkflowConfig    `mapstructure:"workflow"`
	Approval    approval.Policy   `mapstructure:"approval"`
	Search      SearchConfig      `mapstructure:"search"`
	LLM         LLMConfig         `mapstructure:"llm"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Streaming   StreamingConfig   `mapstructure:"streaming"`
	Tracing     tracing.Config    `mapstructure:"tracing"`
	Temporal    TemporalConfig    `mapstructure:"temporal"`
	Auth        AuthConfig        `mapstructure:"auth"`
	RateControl RateControlConfig `mapstructure:"ratecontrol"`
}

type ServiceConfig struct {
	HTTPPort int `mapstructure:"http_port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

type WorkflowConfig struct {
	MaxUnits           int    `mapstructure:"max_units"`
	MaxConcurrentUnits int    `mapstructure:"max_concurrent_units"`
	QueriesPerUnit     int    `mapstructure:"queries_per_unit"`
	RenderHTML         bool   `mapstructure:"render_html"`
	Planner            string `mapstructure:"planner"`   // llm or static
	Structure          string `mapstructure:"structure"` // report outline handed to the llm planner
	Validator          string `mapstructure:"validator"` // llm or heuristic
}

type SearchConfig struct {
	MaxConcurrent       int                `mapstructure:"max_concurrent"`
	CallTimeout         time.Duration      `mapstructure:"call_timeout"`
	Adaptive            bool               `mapstructure:"adaptive"`
	Scorer              string             `mapstructure:"scorer"` // llm or heuristic
	ComplexityThreshold float64            `mapstructure:"complexity_threshold"`
	MaxContextChars     int                `mapstructure:"max_context_chars"`
	MaxCharsPerSource   int                `mapstructure:"max_chars_per_source"`
	Providers           []providers.Config `mapstructure:"providers"`
}

type RetryConfig struct {
	Attempts        int           `mapstructure:"attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

type LLMConfig struct {
	Model           string        `mapstructure:"model"`
	APIKey          string        `mapstructure:"api_key"`
	BaseURL         string        `mapstructure:"base_url"`
	Temperature     float64       `mapstructure:"temperature"`
	MaxOutputTokens int           `mapstructure:"max_output_tokens"`
	Timeout         time.Duration `mapstructure:"timeout"`
	Retry           RetryConfig   `mapstructure:"retry"`
}

type StorageConfig struct {
	Units struct {
		Driver string `mapstructure:"driver"` // sqlite3 or postgres
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"units"`
	Checkpoints struct {
		Backend string        `mapstructure:"backend"` // sql, redis or memory
		TTL     time.Duration `mapstructure:"ttl"`
	} `mapstructure:"checkpoints"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type StreamingConfig struct {
	RingCapacity int   `mapstructure:"ring_capacity"`
	RedisMirror  bool  `mapstructure:"redis_mirror"`
	MaxLen       int64 `mapstructure:"max_len"`
	// Retention keeps a finished thread's events for late subscribers.
	Retention time.Duration `mapstructure:"retention"`
}

type TemporalConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Host      string `mapstructure:"host"`
	Namespace string `mapstructure:"namespace"`
	TaskQueue string `mapstructure:"task_queue"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

type RateControlConfig struct {
	Path string `mapstructure:"path"`
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Service.HTTPPort <= 0 || c.Service.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("service.http_port out of range: %d", c.Service.HTTPPort))
	}
	if c.Workflow.MaxUnits <= 0 {
		errs = append(errs, errors.New("workflow.max_units must be positive"))
	}
	if c.Workflow.MaxConcurrentUnits <= 0 {
		errs = append(errs, errors.New("workflow.max_concurrent_units must be positive"))
	}
	if c.Approval.Timeout <= 0 {
		errs = append(errs, errors.New("approval.timeout must be positive"))
	}
	switch c.Approval.TimeoutAction {
	case approval.TimeoutApprove, approval.TimeoutReject, approval.TimeoutSuspend:
	default:
		errs = append(errs, fmt.Errorf("approval.timeout_action %q is not one of approve, reject, suspend", c.Approval.TimeoutAction))
	}
	if c.Approval.MaxReviews < 0 {
		errs = append(errs, errors.New("approval.max_reviews must not be negative"))
	}
	if c.Search.ComplexityThreshold < 0 || c.Search.ComplexityThreshold > 1 {
		errs = append(errs, fmt.Errorf("search.complexity_threshold must be in [0,1]: %v", c.Search.ComplexityThreshold))
	}
	if c.Workflow.Planner != "llm" && c.Workflow.Planner != "static" {
		errs = append(errs, fmt.Errorf("workflow.planner %q is not llm or static", c.Workflow.Planner))
	}
	switch c.Storage.Units.Driver {
	case "sqlite3", "postgres":
	default:
		errs = append(errs, fmt.Errorf("storage.units.driver %q is not sqlite3 or postgres", c.Storage.Units.Driver))
	}
	switch c.Storage.Checkpoints.Backend {
	case "sql", "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("storage.checkpoints.backend %q is not sql, redis or memory", c.Storage.Checkpoints.Backend))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q is not json or console", c.Logging.Format))
	}
	return errors.Join(errs...)
}

func (c *Config) Executor() executor.Config {
	return executor.Config{MaxUnits: c.Workflow.MaxUnits, MaxConcurrentUnits: c.Workflow.MaxConcurrentUnits}
}

func (c *Config) Research() research.Config {
	cfg := research.DefaultConfig()
	if c.Workflow.QueriesPerUnit > 0 {
		cfg.QueriesPerUnit = c.Workflow.QueriesPerUnit
	}
	if c.LLM.MaxOutputTokens > 0 {
		cfg.PrimaryMaxTokens = c.LLM.MaxOutputTokens
	}
	return cfg
}

func (c *Config) Aggregator() search.Config {
	return search.Config{
		MaxConcurrent:       c.Search.MaxConcurrent,
		CallTimeout:         c.Search.CallTimeout,
		Adaptive:            c.Search.Adaptive,
		ComplexityThreshold: c.Search.ComplexityThreshold,
		MaxContextChars:     c.Search.MaxContextChars,
		MaxCharsPerSource:   c.Search.MaxCharsPerSource,
	}
}

func (c *Config) OpenAI() llm.OpenAIConfig {
	return llm.OpenAIConfig{
		APIKey:          c.LLM.APIKey,
		BaseURL:         c.LLM.BaseURL,
		Model:           c.LLM.Model,
		Temperature:     c.LLM.Temperature,
		MaxOutputTokens: c.LLM.MaxOutputTokens,
		Timeout:         c.LLM.Timeout,
	}
}

func (c *Config) Retry() llm.RetryConfig {
	return llm.RetryConfig{
		Attempts:        c.LLM.Retry.Attempts,
		InitialInterval: c.LLM.Retry.InitialInterval,
		MaxInterval:     c.LLM.Retry.MaxInterval,
	}
}
