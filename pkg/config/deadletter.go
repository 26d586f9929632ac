package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	sferrors "github.com/vnykmshr/streamline/pkg/common/errors"
	"github.com/vnykmshr/streamline/pkg/resilience/deadletter"
)

// Dead-letter backends.
const (
	BackendMemory = "memory"
	BackendLog    = "log"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
	BackendFile   = "file"
)

// DeadLetterSettings selects and configures the dead-letter sink.
type DeadLetterSettings struct {
	Backend string         `mapstructure:"backend" validate:"oneof=memory log redis sqlite file"`
	Redis   RedisSettings  `mapstructure:"redis"`
	SQLite  SQLiteSettings `mapstructure:"sqlite"`
	File    FileSettings   `mapstructure:"file"`
}

// RedisSettings configures the Redis backend.
type RedisSettings struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db" validate:"gte=0"`
	Key      string        `mapstructure:"key"`
	MaxLen   int64         `mapstructure:"max_len" validate:"gte=0"`
	Timeout  time.Duration `mapstructure:"timeout" validate:"gte=0"`
}

// SQLiteSettings configures the SQLite backend.
type SQLiteSettings struct {
	DSN string `mapstructure:"dsn"`
}

// FileSettings configures the JSON-lines file backend.
type FileSettings struct {
	Path          string        `mapstructure:"path"`
	FlushInterval time.Duration `mapstructure:"flush_interval" validate:"gte=0"`
}

func (s DeadLetterSettings) validate() error {
	switch s.Backend {
	case BackendRedis:
		if s.Redis.Addr == "" {
			return sferrors.NewValidationError("config", "dead_letter.redis.addr", s.Redis.Addr,
				"is required for the redis backend")
		}
	case BackendSQLite:
		if s.SQLite.DSN == "" {
			return sferrors.NewValidationError("config", "dead_letter.sqlite.dsn", s.SQLite.DSN,
				"is required for the sqlite backend")
		}
	case BackendFile:
		if s.File.Path == "" {
			return sferrors.NewValidationError("config", "dead_letter.file.path", s.File.Path,
				"is required for the file backend")
		}
	}
	return nil
}

// Open builds the configured sink. The returned close function releases
// the backend's connections and is never nil.
func (s DeadLetterSettings) Open(ctx context.Context, log zerolog.Logger) (deadletter.Sink, func() error, error) {
	noop := func() error { return nil }
	if err := s.validate(); err != nil {
		return nil, noop, err
	}

	switch s.Backend {
	case BackendMemory:
		return deadletter.NewMemorySink(), noop, nil

	case BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     s.Redis.Addr,
			Password: s.Redis.Password,
			DB:       s.Redis.DB,
		})
		sink, err := deadletter.NewRedisSink(deadletter.RedisConfig{
			Client:  client,
			Key:     s.Redis.Key,
			MaxLen:  s.Redis.MaxLen,
			Timeout: s.Redis.Timeout,
		})
		if err != nil {
			_ = client.Close()
			return nil, noop, err
		}
		if err := client.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Str("addr", s.Redis.Addr).Msg("redis dead-letter backend unreachable")
		}
		return sink, client.Close, nil

	case BackendSQLite:
		sink, err := deadletter.OpenSQLite(ctx, s.SQLite.DSN)
		if err != nil {
			return nil, noop, err
		}
		return sink, sink.Close, nil

	case BackendFile:
		f, err := os.OpenFile(s.File.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, noop, fmt.Errorf("open dead-letter file: %w", err)
		}
		sink, err := deadletter.NewWriterSink(f, deadletter.WriterConfig{
			FlushInterval: s.File.FlushInterval,
			OnError: func(err error) {
				log.Error().Err(err).Str("path", s.File.Path).Msg("dead-letter file flush failed")
			},
		})
		if err != nil {
			_ = f.Close()
			return nil, noop, err
		}
		return sink, sink.Close, nil

	default:
		return deadletter.NewLogSink(log), noop, nil
	}
}
