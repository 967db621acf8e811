package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/reportflow/internal/approval"
	"github.com/Kocoro-lab/reportflow/internal/search/providers"
)

const (
	// PathEnv names the config file; DefaultPath is used when it is unset.
	PathEnv     = "REPORTFLOW_CONFIG"
	DefaultPath = "./config/reportflow.yaml"
	envPrefix   = "REPORTFLOW"
)

// ChangeCallback receives the previous and the newly applied configuration.
type ChangeCallback func(old, updated *Config)

// Manager owns the viper instance and the current configuration snapshot.
type Manager struct {
	v         *viper.Viper
	path      string
	fileFound bool
	logger    *zap.Logger

	mu        sync.RWMutex
	cfg       *Config
	callbacks []ChangeCallback
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.http_port", 8081)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("workflow.max_units", 12)
	v.SetDefault("workflow.max_concurrent_units", 4)
	v.SetDefault("workflow.queries_per_unit", 3)
	v.SetDefault("workflow.render_html", true)
	v.SetDefault("workflow.planner", "llm")
	v.SetDefault("workflow.structure", "")
	v.SetDefault("workflow.validator", "llm")

	policy := approval.DefaultPolicy()
	v.SetDefault("approval.timeout", policy.Timeout)
	v.SetDefault("approval.timeout_action", string(policy.TimeoutAction))
	v.SetDefault("approval.max_reviews", policy.MaxReviews)
	v.SetDefault("approval.wait_in_process", policy.WaitInProcess)
	v.SetDefault("approval.vocabulary", policy.Vocabulary)

	v.SetDefault("search.max_concurrent", 3)
	v.SetDefault("search.call_timeout", "25s")
	v.SetDefault("search.adaptive", true)
	v.SetDefault("search.scorer", "llm")
	v.SetDefault("search.complexity_threshold", 0.65)
	v.SetDefault("search.max_context_chars", 60000)
	v.SetDefault("search.max_chars_per_source", 20000)

	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.temperature", 0.1)
	v.SetDefault("llm.max_output_tokens", 8192)
	v.SetDefault("llm.timeout", "120s")
	v.SetDefault("llm.retry.attempts", 3)
	v.SetDefault("llm.retry.initial_interval", "1s")
	v.SetDefault("llm.retry.max_interval", "10s")

	v.SetDefault("storage.units.driver", "sqlite3")
	v.SetDefault("storage.units.dsn", "file:reportflow.db")
	v.SetDefault("storage.checkpoints.backend", "sql")
	v.SetDefault("storage.checkpoints.ttl", "168h")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("streaming.ring_capacity", 256)
	v.SetDefault("streaming.redis_mirror", false)
	v.SetDefault("streaming.max_len", 1000)
	v.SetDefault("streaming.retention", "5m")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "reportflow")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")

	v.SetDefault("temporal.enabled", false)
	v.SetDefault("temporal.host", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "reportflow")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "reportflow")
	v.SetDefault("ratecontrol.path", "./config/ratelimits.yaml")
}

// Load reads the file at path (or REPORTFLOW_CONFIG, or DefaultPath),
// applies REPORTFLOW_* env overrides and validates the result. A missing
// file leaves defaults and env in effect.
func Load(path string, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path == "" {
		path = os.Getenv(PathEnv)
	}
	if path == "" {
		path = DefaultPath
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	m := &Manager{v: v, path: path, logger: logger}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		logger.Info("Config file not found, using defaults and environment", zap.String("path", path))
	} else {
		m.fileFound = true
	}

	cfg, err := m.decode()
	if err != nil {
		return nil, err
	}
	m.cfg = cfg
	return m, nil
}

func (m *Manager) decode() (*Config, error) {
	var cfg Config
	if err := m.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.Search.Providers) == 0 {
		cfg.Search.Providers = providers.Defaults()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Get returns the current snapshot. Callers must not mutate it.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Path is the config file location, whether or not it exists.
func (m *Manager) Path() string { return m.path }

// OnChange registers a callback run after every successful reload.
func (m *Manager) OnChange(cb ChangeCallback) {
	m.mu.Lock()
	m.callbacks = append(m.callbacks, cb)
	m.mu.Unlock()
}

// Reload re-reads the file and applies it. An invalid file keeps the
// previous snapshot.
func (m *Manager) Reload() error {
	if m.fileFound {
		if err := m.v.ReadInConfig(); err != nil {
			return fmt.Errorf("re-read config: %w", err)
		}
	}
	updated, err := m.decode()
	if err != nil {
		return err
	}

	m.mu.Lock()
	old := m.cfg
	m.cfg = updated
	callbacks := append([]ChangeCallback(nil), m.callbacks...)
	m.mu.Unlock()

	for _, cb := range callbacks {
		cb(old, updated)
	}
	return nil
}

// Watch enables hot reload through fsnotify. It is a no-op without a file.
func (m *Manager) Watch() {
	if !m.fileFound {
		return
	}
	m.v.OnConfigChange(func(e fsnotify.Event) {
		if err := m.Reload(); err != nil {
			m.logger.Warn("Config reload rejected", zap.String("file", e.Name), zap.Error(err))
			return
		}
		m.logger.Info("Config reloaded", zap.String("file", e.Name), zap.String("op", e.Op.String()))
	})
	m.v.WatchConfig()
	m.logger.Info("Watching config for changes", zap.String("path", m.path))
}
