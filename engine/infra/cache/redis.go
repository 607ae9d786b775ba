package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	appconfig "github.com/certa-labs/certa/pkg/config"
	"github.com/certa-labs/certa/pkg/logger"
)

const fallbackRedisPingTimeout time.Duration = 5 * time.Second

// Redis owns the shared connection used by the queue and the job state.
type Redis struct {
	client redis.UniversalClient
	config *appconfig.RedisConfig
	once   sync.Once // guarantees idempotent, race-free Close
	ctx    context.Context
}

// NewRedis connects and pings the server described by cfg.
func NewRedis(ctx context.Context, cfg *appconfig.RedisConfig) (*Redis, error) {
	log := logger.FromContext(ctx).With("component", "infra_redis")
	ctx = logger.ContextWithLogger(ctx, log)
	if cfg == nil {
		return nil, fmt.Errorf("redis config is required")
	}
	client, err := buildRedisClient(cfg)
	if err != nil {
		return nil, err
	}
	timeout := cfg.PingTimeout
	if timeout <= 0 {
		timeout = fallbackRedisPingTimeout
	}
	if err := pingRedis(ctx, client, timeout); err != nil {
		client.Close()
		return nil, err
	}
	logRedisConnection(ctx, cfg, client)
	return &Redis{
		client: client,
		config: cfg,
		ctx:    ctx,
	}, nil
}

// NewFromClient wraps an existing client, typically one pointed at miniredis.
func NewFromClient(ctx context.Context, client redis.UniversalClient) *Redis {
	return &Redis{client: client, config: &appconfig.RedisConfig{}, ctx: ctx}
}

// buildRedisClient configures the Redis client from the provided config.
func buildRedisClient(cfg *appconfig.RedisConfig) (redis.UniversalClient, error) {
	if cfg.URL != "" {
		opt, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing Redis URL: %w", err)
		}
		if pw := cfg.Password.Value(); pw != "" && opt.Password == "" {
			opt.Password = pw
		}
		return redis.NewClient(opt), nil
	}
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis url or addr is required")
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password.Value(),
		DB:       cfg.DB,
	}), nil
}

// pingRedis validates connectivity within the configured timeout.
func pingRedis(ctx context.Context, client redis.UniversalClient, timeout time.Duration) error {
	pingCtx, pingCancel := context.WithTimeout(ctx, timeout)
	defer pingCancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("pinging Redis server (timeout=%s): %w", timeout, err)
	}
	return nil
}

func logRedisConnection(ctx context.Context, cfg *appconfig.RedisConfig, client redis.UniversalClient) {
	addr := cfg.Addr
	if c, ok := client.(*redis.Client); ok {
		addr = c.Options().Addr
	}
	logger.FromContext(ctx).With(
		"cache_driver", "redis",
		"addr", addr,
		"db", cfg.DB,
	).Info("Redis connection established")
}

// Close shuts down the Redis connection.
func (r *Redis) Close() error {
	var err error
	r.once.Do(func() {
		err = r.client.Close()
		if err != nil {
			logger.FromContext(r.ctx).Error("Redis connection close failed", "error", err)
		} else {
			logger.FromContext(r.ctx).Debug("Redis connection closed")
		}
	})
	return err
}

// Client returns the underlying Redis client
func (r *Redis) Client() redis.UniversalClient {
	return r.client
}

// Ping checks if the Redis server is reachable
func (r *Redis) Ping(ctx context.Context) *redis.StatusCmd {
	return r.client.Ping(ctx)
}

// HealthCheck verifies the server answers and accepts writes.
func (r *Redis) HealthCheck(ctx context.Context) error {
	log := logger.FromContext(ctx)
	if err := r.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	testKey := "health_check_test"
	testValue := "test_value"
	if err := r.client.Set(ctx, testKey, testValue, 10*time.Second).Err(); err != nil {
		return fmt.Errorf("set operation failed: %w", err)
	}
	result, err := r.client.Get(ctx, testKey).Result()
	if err != nil {
		return fmt.Errorf("get operation failed: %w", err)
	}
	if result != testValue {
		return fmt.Errorf("get result mismatch: expected %s, got %s", testValue, result)
	}
	if err := r.client.Del(ctx, testKey).Err(); err != nil {
		log.Debug("failed to clean up test key", "key", testKey, "error", err)
	}
	return nil
}
