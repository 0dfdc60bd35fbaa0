package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/skyrelay/gateway/internal/util"
)

// Prometheus metrics for store operations.
var (
	storeOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shared_store_operations_total",
			Help: "Total number of shared store operations",
		},
		[]string{"operation", "status"},
	)

	storeOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shared_store_operation_duration_seconds",
			Help:    "Duration of shared store operations in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"operation"},
	)
)

// incrementWithExpiryScript atomically increments a counter and sets the
// expiry when the key is created by this call.
// KEYS[1] = key
// ARGV[1] = delta
// ARGV[2] = expiration in seconds
var incrementWithExpiryScript = redis.NewScript(`
	local current = redis.call('INCRBY', KEYS[1], ARGV[1])
	if current == tonumber(ARGV[1]) then
		redis.call('EXPIRE', KEYS[1], ARGV[2])
	end
	return current
`)

// RedisConfig holds configuration for the Redis store.
type RedisConfig struct {
	Address  string
	Password string
	DB       int

	// Connection pool settings
	PoolSize     int
	MinIdleConns int
	MaxRetries   int

	// Timeouts
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Logger for the Redis store.
	Logger *zap.Logger
}

// DefaultRedisConfig returns a RedisConfig with default values.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Address:      "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// RedisStore implements Store using Redis.
type RedisStore struct {
	client *redis.Client
	logger *zap.Logger
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a new Redis store.
func NewRedisStore(config *RedisConfig) *RedisStore {
	if config == nil {
		config = DefaultRedisConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         config.Address,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		MaxRetries:   config.MaxRetries,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})

	return &RedisStore{client: client, logger: logger}
}

// NewRedisStoreWithClient creates a Redis store around an existing client.
// Tests use it with miniredis.
func NewRedisStoreWithClient(client *redis.Client, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{client: client, logger: logger}
}

// Get retrieves the string value for the given key.
func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.instrument("get", func() error {
		v, err := s.client.Get(ctx, key).Result()
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", &ErrKeyNotFound{Key: key}
		}
		return "", s.wrapUnavailable("get", err)
	}
	return value, nil
}

// GetInt retrieves the integer value for the given key.
func (s *RedisStore) GetInt(ctx context.Context, key string) (int64, error) {
	var value int64
	err := s.instrument("get", func() error {
		v, err := s.client.Get(ctx, key).Int64()
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, &ErrKeyNotFound{Key: key}
		}
		return 0, s.wrapUnavailable("get", err)
	}
	return value, nil
}

// Set sets the value for the given key with an expiration.
func (s *RedisStore) Set(ctx context.Context, key, value string, expiration time.Duration) error {
	err := s.instrument("set", func() error {
		return s.client.Set(ctx, key, value, expiration).Err()
	})
	if err != nil {
		return s.wrapUnavailable("set", err)
	}
	return nil
}

// Expire sets the expiration for an existing key.
func (s *RedisStore) Expire(ctx context.Context, key string, expiration time.Duration) error {
	err := s.instrument("expire", func() error {
		return s.client.Expire(ctx, key, expiration).Err()
	})
	if err != nil {
		return s.wrapUnavailable("expire", err)
	}
	return nil
}

// IncrementWithExpiry atomically increments the value and sets expiration
// if the key is new.
func (s *RedisStore) IncrementWithExpiry(
	ctx context.Context, key string, delta int64, expiration time.Duration,
) (int64, error) {
	var value int64
	err := s.instrument("incr", func() error {
		seconds := int64(expiration / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		v, err := incrementWithExpiryScript.Run(ctx, s.client, []string{key}, delta, seconds).Int64()
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	if err != nil {
		return 0, s.wrapUnavailable("incr", err)
	}
	return value, nil
}

// MSetWithExpiry sets all key/value pairs and their expiration in one
// transaction pipeline.
func (s *RedisStore) MSetWithExpiry(
	ctx context.Context, pairs map[string]string, expiration time.Duration,
) error {
	err := s.instrument("mset", func() error {
		pipe := s.client.TxPipeline()
		for k, v := range pairs {
			pipe.Set(ctx, k, v, expiration)
		}
		_, err := pipe.Exec(ctx)
		return err
	})
	if err != nil {
		return s.wrapUnavailable("mset", err)
	}
	return nil
}

// MGet retrieves the values for the given keys; missing keys are absent
// from the returned map.
func (s *RedisStore) MGet(ctx context.Context, keys ...string) (map[string]string, error) {
	if len(keys) == 0 {
		return map[string]string{}, nil
	}

	var values []interface{}
	err := s.instrument("mget", func() error {
		v, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return err
		}
		values = v
		return nil
	})
	if err != nil {
		return nil, s.wrapUnavailable("mget", err)
	}

	result := make(map[string]string, len(keys))
	for i, v := range values {
		if v == nil {
			continue
		}
		if str, ok := v.(string); ok {
			result[keys[i]] = str
		}
	}
	return result, nil
}

// Delete removes the key from the store.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	err := s.instrument("delete", func() error {
		return s.client.Del(ctx, key).Err()
	})
	if err != nil {
		return s.wrapUnavailable("delete", err)
	}
	return nil
}

// Ping verifies store connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	err := s.instrument("ping", func() error {
		return s.client.Ping(ctx).Err()
	})
	if err != nil {
		return s.wrapUnavailable("ping", err)
	}
	return nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// instrument runs fn and records operation metrics.
func (s *RedisStore) instrument(operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	storeOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())

	status := "success"
	if err != nil && !errors.Is(err, redis.Nil) {
		status = "error"
	}
	storeOperationsTotal.WithLabelValues(operation, status).Inc()
	return err
}

// wrapUnavailable converts a Redis error into the typed store-unavailable
// error callers dispatch fail-open decisions on.
func (s *RedisStore) wrapUnavailable(operation string, err error) error {
	s.logger.Debug("shared store operation failed",
		zap.String("operation", operation),
		zap.Error(err),
	)
	return fmt.Errorf("%w: %s: %v", util.ErrStoreUnavailable, operation, err)
}
