package cache

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/cfdisync/backend/internal/domain/shared"
	"github.com/cfdisync/backend/internal/infrastructure/config"
)

// LockerFactory builds the document locker for the configured deployment.
type LockerFactory struct {
	redisConfig           config.RedisConfig
	logger                *zap.Logger
	allowInMemoryFallback bool
}

// LockerFactoryOption is a functional option for configuring the factory
type LockerFactoryOption func(*LockerFactory)

// WithLogger sets the logger for the factory
func WithLogger(logger *zap.Logger) LockerFactoryOption {
	return func(f *LockerFactory) {
		f.logger = logger
	}
}

// WithInMemoryFallback controls whether an unreachable Redis degrades to a
// process-local locker. Default is true.
func WithInMemoryFallback(allow bool) LockerFactoryOption {
	return func(f *LockerFactory) {
		f.allowInMemoryFallback = allow
	}
}

// NewLockerFactory creates a new factory
func NewLockerFactory(cfg config.RedisConfig, opts ...LockerFactoryOption) *LockerFactory {
	f := &LockerFactory{
		redisConfig:           cfg,
		logger:                zap.NewNop(),
		allowInMemoryFallback: true,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// CreateLocker returns a Redis locker when Redis is enabled and reachable,
// otherwise an in-memory one if fallback is allowed.
func (f *LockerFactory) CreateLocker() (shared.KeyedLocker, error) {
	if !f.redisConfig.Enabled {
		f.logger.Info("Redis disabled, using in-memory document locks")
		return NewInMemoryDocumentLocker(), nil
	}

	locker, err := NewRedisDocumentLocker(f.redisConfig.Addr(), f.redisConfig.Password, f.redisConfig.DB)
	if err == nil {
		f.logger.Info("using Redis document locks", zap.String("addr", f.redisConfig.Addr()))
		return locker, nil
	}
	if !f.allowInMemoryFallback {
		return nil, fmt.Errorf("Redis required for document locks but unavailable: %w", err)
	}

	f.logger.Warn("Redis unavailable, falling back to in-memory document locks. "+
		"Concurrent sweeps in other processes may check the same document.",
		zap.Error(err),
	)
	return NewInMemoryDocumentLocker(), nil
}
