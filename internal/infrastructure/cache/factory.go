package cache

import (
	"context"
	"fmt"

	"github.com/salesflow/backend/internal/domain/shared"
	"github.com/salesflow/backend/internal/infrastructure/config"
	"go.uber.org/zap"
)

// IdempotencyStoreFactory picks the processed-event store from configuration
type IdempotencyStoreFactory struct {
	redisConfig           config.RedisConfig
	logger                *zap.Logger
	allowInMemoryFallback bool
	durable               shared.IdempotencyStore
}

// IdempotencyStoreFactoryOption configures the factory
type IdempotencyStoreFactoryOption func(*IdempotencyStoreFactory)

// WithLogger sets the logger for the factory
func WithLogger(logger *zap.Logger) IdempotencyStoreFactoryOption {
	return func(f *IdempotencyStoreFactory) {
		f.logger = logger
	}
}

// WithInMemoryFallback controls whether an unreachable Redis falls back to memory
func WithInMemoryFallback(allow bool) IdempotencyStoreFactoryOption {
	return func(f *IdempotencyStoreFactory) {
		f.allowInMemoryFallback = allow
	}
}

// WithDurableStore replaces the in-memory store with a database-backed one
// whenever Redis is disabled or unreachable
func WithDurableStore(store shared.IdempotencyStore) IdempotencyStoreFactoryOption {
	return func(f *IdempotencyStoreFactory) {
		f.durable = store
	}
}

// NewIdempotencyStoreFactory creates a new factory
func NewIdempotencyStoreFactory(cfg config.RedisConfig, opts ...IdempotencyStoreFactoryOption) *IdempotencyStoreFactory {
	f := &IdempotencyStoreFactory{
		redisConfig:           cfg,
		logger:                zap.NewNop(),
		allowInMemoryFallback: true,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// CreateStore returns a Redis store when Redis is enabled and reachable,
// otherwise the durable store or an in-memory one if fallback is allowed
func (f *IdempotencyStoreFactory) CreateStore(ctx context.Context) (shared.IdempotencyStore, error) {
	if !f.redisConfig.Enabled {
		if f.durable != nil {
			f.logger.Info("Redis disabled, using database payment event store")
			return f.durable, nil
		}
		f.logger.Info("Redis disabled, using in-memory payment event store")
		return NewInMemoryIdempotencyStore(0), nil
	}

	store, err := NewRedisIdempotencyStore(ctx, RedisConfig{
		Host:     f.redisConfig.Host,
		Port:     f.redisConfig.Port,
		Password: f.redisConfig.Password,
		DB:       f.redisConfig.DB,
	}, f.redisConfig.KeyPrefix)
	if err == nil {
		f.logger.Info("Using Redis payment event store",
			zap.String("host", f.redisConfig.Host),
			zap.Int("port", f.redisConfig.Port))
		return store, nil
	}
	if !f.allowInMemoryFallback {
		return nil, fmt.Errorf("redis required for payment idempotency but unavailable: %w", err)
	}

	if f.durable != nil {
		f.logger.Warn("Redis unavailable, falling back to database payment event store", zap.Error(err))
		return f.durable, nil
	}
	f.logger.Warn("Redis unavailable, falling back to in-memory payment event store; "+
		"duplicate webhooks may be applied twice across instances",
		zap.Error(err))
	return NewInMemoryIdempotencyStore(0), nil
}
