package deadletter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	sferrors "github.com/vnykmshr/streamline/pkg/common/errors"
)

// RedisClient is the subset of redis.Cmdable the sink needs.
// *redis.Client, *redis.ClusterClient and redis.UniversalClient satisfy it.
type RedisClient interface {
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
}

// RedisConfig holds configuration for RedisSink.
type RedisConfig struct {
	// Client used to reach Redis.
	Client RedisClient

	// Key is the list the records are appended to.
	Key string

	// MaxLen caps the list length, keeping the newest entries. Zero means
	// no cap.
	MaxLen int64

	// Timeout bounds each Record call. Zero means the caller's context only.
	Timeout time.Duration
}

// RedisSink appends JSON-encoded records to a Redis list.
type RedisSink struct {
	config RedisConfig
}

// NewRedisSink creates a RedisSink.
func NewRedisSink(config RedisConfig) (*RedisSink, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("redis dead-letter sink: client cannot be nil")
	}
	if config.Key == "" {
		config.Key = "streamline:deadletters"
	}
	if config.MaxLen < 0 {
		return nil, fmt.Errorf("redis dead-letter sink: max length cannot be negative")
	}
	return &RedisSink{config: config}, nil
}

// Key returns the list key records are written to.
func (s *RedisSink) Key() string {
	return s.config.Key
}

// Record implements Sink.
func (s *RedisSink) Record(ctx context.Context, rec Record) error {
	data, err := rec.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to encode dead letter: %w", err)
	}

	if s.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.Timeout)
		defer cancel()
	}

	if err := s.config.Client.RPush(ctx, s.config.Key, data).Err(); err != nil {
		return sferrors.NewOperationError("deadletter", "redis.rpush", err).WithContext("key " + s.config.Key)
	}
	if s.config.MaxLen > 0 {
		if err := s.config.Client.LTrim(ctx, s.config.Key, -s.config.MaxLen, -1).Err(); err != nil {
			return sferrors.NewOperationError("deadletter", "redis.ltrim", err).WithContext("key " + s.config.Key)
		}
	}
	return nil
}
