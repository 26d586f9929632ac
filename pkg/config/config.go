package config

import (
	"time"

	"github.com/vnykmshr/streamline/pkg/common/logger"
	"github.com/vnykmshr/streamline/pkg/common/validation"
	"github.com/vnykmshr/streamline/pkg/pipeline"
	"github.com/vnykmshr/streamline/pkg/resilience/breaker"
	"github.com/vnykmshr/streamline/pkg/streaming/channel"
)

// Settings is the complete engine configuration.
type Settings struct {
	Logger     logger.Config      `mapstructure:"logger"`
	Runner     RunnerSettings     `mapstructure:"runner"`
	Retry      RetrySettings      `mapstructure:"retry"`
	Parallel   ParallelSettings   `mapstructure:"parallel"`
	Breaker    BreakerSettings    `mapstructure:"breaker"`
	DeadLetter DeadLetterSettings `mapstructure:"dead_letter"`
	Metrics    MetricsSettings    `mapstructure:"metrics"`
}

// RunnerSettings configures pipeline.Runner.
type RunnerSettings struct {
	NotifyBuffer       int           `mapstructure:"notify_buffer" validate:"gte=0"`
	NotifyFlushTimeout time.Duration `mapstructure:"notify_flush_timeout" validate:"gte=0"`
	Timeout            time.Duration `mapstructure:"timeout" validate:"gte=0"`
}

// RetrySettings mirror pipeline.RetryOptions.
type RetrySettings struct {
	MaxItemRetries              int `mapstructure:"max_item_retries" validate:"gte=0"`
	MaxStageRestartAttempts     int `mapstructure:"max_stage_restart_attempts" validate:"gte=0"`
	MaxConsecutiveStageAttempts int `mapstructure:"max_consecutive_stage_attempts" validate:"gte=0"`
	MaxMaterializedItems        int `mapstructure:"max_materialized_items" validate:"gte=0"`
}

// Options converts the settings.
func (s RetrySettings) Options() pipeline.RetryOptions {
	return pipeline.RetryOptions{
		MaxItemRetries:              s.MaxItemRetries,
		MaxStageRestartAttempts:     s.MaxStageRestartAttempts,
		MaxConsecutiveStageAttempts: s.MaxConsecutiveStageAttempts,
		MaxMaterializedItems:        s.MaxMaterializedItems,
	}
}

// ParallelSettings are the defaults for parallel stages.
type ParallelSettings struct {
	MaxConcurrency       int    `mapstructure:"max_concurrency" validate:"gt=0"`
	QueueCapacity        int    `mapstructure:"queue_capacity" validate:"gt=0"`
	OverflowPolicy       string `mapstructure:"overflow_policy" validate:"oneof=block drop_newest drop_oldest"`
	PreserveOrdering     bool   `mapstructure:"preserve_ordering"`
	OutputBufferCapacity int    `mapstructure:"output_buffer_capacity" validate:"gte=0"`
}

// Strategy converts the settings.
func (s ParallelSettings) Strategy() (pipeline.Parallel, error) {
	policy, err := channel.ParseStrategy(s.OverflowPolicy)
	if err != nil {
		return pipeline.Parallel{}, err
	}
	return pipeline.Parallel{
		MaxConcurrency:       s.MaxConcurrency,
		QueueCapacity:        s.QueueCapacity,
		OverflowPolicy:       policy,
		PreserveOrdering:     s.PreserveOrdering,
		OutputBufferCapacity: s.OutputBufferCapacity,
	}, nil
}

// BreakerSettings are the defaults for circuit breakers of resilient stages.
type BreakerSettings struct {
	Mode              string        `mapstructure:"mode" validate:"oneof=consecutive_failures rolling_window_count rolling_window_rate hybrid"`
	FailureThreshold  int           `mapstructure:"failure_threshold" validate:"gt=0"`
	WindowSize        int           `mapstructure:"window_size" validate:"gt=0"`
	FailureRate       float64       `mapstructure:"failure_rate" validate:"gt=0,lte=1"`
	MinimumOperations int           `mapstructure:"minimum_operations" validate:"gte=0"`
	RecoveryTimeout   time.Duration `mapstructure:"recovery_timeout" validate:"gt=0"`
	HalfOpenMaxCalls  int           `mapstructure:"half_open_max_calls" validate:"gt=0"`
}

// Config converts the settings. The stage id is filled in by the runner.
func (s BreakerSettings) Config() (breaker.Config, error) {
	mode, err := breaker.ParseMode(s.Mode)
	if err != nil {
		return breaker.Config{}, err
	}
	cfg := breaker.Config{
		Mode:              mode,
		FailureThreshold:  s.FailureThreshold,
		WindowSize:        s.WindowSize,
		FailureRate:       s.FailureRate,
		MinimumOperations: s.MinimumOperations,
		RecoveryTimeout:   s.RecoveryTimeout,
		HalfOpenMaxCalls:  s.HalfOpenMaxCalls,
	}
	return cfg, cfg.Validate()
}

// MetricsSettings configures the Prometheus registry.
type MetricsSettings struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

// Validate checks struct tags and the rules that span fields.
func (s *Settings) Validate() error {
	if err := validation.Struct("config", s); err != nil {
		return err
	}
	if err := s.Retry.Options().Validate(); err != nil {
		return err
	}
	if _, err := s.Breaker.Config(); err != nil {
		return err
	}
	return s.DeadLetter.validate()
}

// RunnerConfig builds a pipeline.Config from the settings. Sinks and
// listeners are wired by the caller.
func (s *Settings) RunnerConfig() pipeline.Config {
	retry := s.Retry.Options()
	log := logger.New(s.Logger)
	return pipeline.Config{
		Retry:              &retry,
		Logger:             &log,
		NotifyBuffer:       s.Runner.NotifyBuffer,
		NotifyFlushTimeout: s.Runner.NotifyFlushTimeout,
		Timeout:            s.Runner.Timeout,
	}
}
