package circuitbreaker

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ProviderConfig returns the breaker configuration for one search provider.
// Env overrides: CB_<PROVIDER>_FAILURE_THRESHOLD, CB_<PROVIDER>_TIMEOUT, and
// the provider-independent CB_PROVIDER_* variants.
func ProviderConfig(provider string) Config {
	cfg := DefaultConfig()
	prefixes := []string{"CB_PROVIDER_", "CB_" + envKey(provider) + "_"}
	for _, p := range prefixes {
		cfg.MaxRequests = getEnvUint32(p+"MAX_REQUESTS", cfg.MaxRequests)
		cfg.Interval = getEnvDuration(p+"INTERVAL", cfg.Interval)
		cfg.Timeout = getEnvDuration(p+"TIMEOUT", cfg.Timeout)
		cfg.FailureThreshold = getEnvUint32(p+"FAILURE_THRESHOLD", cfg.FailureThreshold)
		cfg.SuccessThreshold = getEnvUint32(p+"SUCCESS_THRESHOLD", cfg.SuccessThreshold)
	}
	return cfg
}

func envKey(name string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(name))
}

func getEnvUint32(key string, defaultValue uint32) uint32 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseUint(val, 10, 32); err == nil {
			return uint32(parsed)
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return defaultValue
}
