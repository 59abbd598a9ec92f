package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/cfdisync/backend/internal/domain/shared"
)

const defaultLockPrefix = "cfdi:lock:"

// releaseScript deletes the key only while it still holds the caller's
// token, so an owner whose TTL lapsed cannot free a successor's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisDocumentLocker implements shared.KeyedLocker with SET NX PX, shared
// by every process that talks to the same Redis.
type RedisDocumentLocker struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisDocumentLocker connects to Redis and verifies the connection.
func NewRedisDocumentLocker(addr, password string, db int) (*RedisDocumentLocker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisDocumentLockerWithClient(client, ""), nil
}

// NewRedisDocumentLockerWithClient wraps an existing client.
func NewRedisDocumentLockerWithClient(client redis.UniversalClient, keyPrefix string) *RedisDocumentLocker {
	if keyPrefix == "" {
		keyPrefix = defaultLockPrefix
	}
	return &RedisDocumentLocker{client: client, keyPrefix: keyPrefix}
}

// TryLock acquires key for ttl or returns shared.ErrLockHeld.
func (l *RedisDocumentLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	redisKey := l.keyPrefix + key
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, redisKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, shared.ErrLockHeld
	}

	release := func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{redisKey}, token).Err(); err != nil {
			return fmt.Errorf("failed to release lock %s: %w", key, err)
		}
		return nil
	}
	return release, nil
}

// Close closes the Redis client
func (l *RedisDocumentLocker) Close() error {
	return l.client.Close()
}

var _ shared.KeyedLocker = (*RedisDocumentLocker)(nil)
