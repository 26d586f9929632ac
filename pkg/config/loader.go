package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, as in
// STREAMLINE_RETRY_MAX_ITEM_RETRIES.
const EnvPrefix = "STREAMLINE"

type loaderConfig struct {
	configFile string
	envFile    string
	envPrefix  string
}

// Option configures Load.
type Option func(*loaderConfig)

// WithConfigFile reads a YAML file. A missing file is an error.
func WithConfigFile(path string) Option {
	return func(lc *loaderConfig) { lc.configFile = path }
}

// WithEnvFile loads a .env file before reading the environment. Variables
// already set in the environment win.
func WithEnvFile(path string) Option {
	return func(lc *loaderConfig) { lc.envFile = path }
}

// WithEnvPrefix overrides EnvPrefix.
func WithEnvPrefix(prefix string) Option {
	return func(lc *loaderConfig) { lc.envPrefix = prefix }
}

// Load reads defaults, the optional config file, the optional .env file and
// the environment, in increasing precedence, then validates the result.
func Load(opts ...Option) (*Settings, error) {
	lc := loaderConfig{envPrefix: EnvPrefix}
	for _, opt := range opts {
		opt(&lc)
	}

	v := viper.New()
	setDefaults(v)

	if lc.configFile != "" {
		v.SetConfigFile(lc.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", lc.configFile, err)
		}
	}

	if lc.envFile != "" {
		if _, err := os.Stat(lc.envFile); err == nil {
			if err := godotenv.Load(lc.envFile); err != nil {
				return nil, fmt.Errorf("loading env file %s: %w", lc.envFile, err)
			}
		}
	}

	v.SetEnvPrefix(lc.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Default returns the settings Load produces with no file and an empty
// environment.
func Default() *Settings {
	v := viper.New()
	setDefaults(v)
	var s Settings
	_ = v.Unmarshal(&s)
	return &s
}

// setDefaults registers every key so that AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.output", "stdout")
	v.SetDefault("logger.no_color", false)
	v.SetDefault("logger.timestamp", true)

	v.SetDefault("runner.notify_buffer", 256)
	v.SetDefault("runner.notify_flush_timeout", "1s")
	v.SetDefault("runner.timeout", "0s")

	v.SetDefault("retry.max_item_retries", 0)
	v.SetDefault("retry.max_stage_restart_attempts", 3)
	v.SetDefault("retry.max_consecutive_stage_attempts", 5)
	v.SetDefault("retry.max_materialized_items", 1000)

	v.SetDefault("parallel.max_concurrency", 4)
	v.SetDefault("parallel.queue_capacity", 64)
	v.SetDefault("parallel.overflow_policy", "block")
	v.SetDefault("parallel.preserve_ordering", true)
	v.SetDefault("parallel.output_buffer_capacity", 0)

	v.SetDefault("breaker.mode", "consecutive_failures")
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.window_size", 20)
	v.SetDefault("breaker.failure_rate", 0.5)
	v.SetDefault("breaker.minimum_operations", 0)
	v.SetDefault("breaker.recovery_timeout", "30s")
	v.SetDefault("breaker.half_open_max_calls", 1)

	v.SetDefault("dead_letter.backend", BackendLog)
	v.SetDefault("dead_letter.redis.addr", "")
	v.SetDefault("dead_letter.redis.password", "")
	v.SetDefault("dead_letter.redis.db", 0)
	v.SetDefault("dead_letter.redis.key", "streamline:deadletters")
	v.SetDefault("dead_letter.redis.max_len", 10000)
	v.SetDefault("dead_letter.redis.timeout", "2s")
	v.SetDefault("dead_letter.sqlite.dsn", "")
	v.SetDefault("dead_letter.file.path", "")
	v.SetDefault("dead_letter.file.flush_interval", "1s")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "streamline")
}
