package authflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStorage is a Storage backed by Redis, for deployments where several
// processes share one session. All keys are namespaced with a configurable
// prefix so the instance can be shared with other applications.
type RedisStorage struct {
	client    redis.UniversalClient
	keyPrefix string
}

// RedisConfig configures the Redis connection for NewRedisStorage.
type RedisConfig struct {
	// Addr is the Redis server address, e.g. "127.0.0.1:6379".
	Addr string

	// Password authenticates the connection. Empty means no AUTH.
	Password string

	// DB selects the Redis logical database.
	DB int

	// KeyPrefix is prepended to every key. Empty means no extra prefix.
	KeyPrefix string
}

// NewRedisStorage connects to Redis and returns a Storage backed by it.
func NewRedisStorage(cfg RedisConfig) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisStorageWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisStorageWithClient wraps an existing Redis client. Useful for
// testing with miniredis or for sharing a client across components.
func NewRedisStorageWithClient(client redis.UniversalClient, keyPrefix string) *RedisStorage {
	return &RedisStorage{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

func (s *RedisStorage) key(key string) string {
	return s.keyPrefix + key
}

func (s *RedisStorage) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get key %q: %w", key, err)
	}
	return value, true, nil
}

func (s *RedisStorage) Set(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("failed to set key %q: %w", key, err)
	}
	return nil
}

func (s *RedisStorage) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete key %q: %w", key, err)
	}
	return nil
}

func (s *RedisStorage) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.key(prefix)+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), s.keyPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan keys: %w", err)
	}
	return keys, nil
}

// Client exposes the underlying Redis client, so a RedisLock can share
// the connection.
func (s *RedisStorage) Client() redis.UniversalClient {
	return s.client
}

// Health verifies the Redis connection is alive.
func (s *RedisStorage) Health(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// Close releases the underlying Redis client.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}

// redisReleaseScript deletes a lock key only when the caller still owns it,
// so a lock that expired and was re-acquired elsewhere is never released by
// the previous holder.
var redisReleaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLock is a Lock backed by Redis. Acquisition is a single SET NX with
// a lease TTL, which is atomic, so it does not need the write-settle-verify
// round trips of the generic storage lock.
type RedisLock struct {
	client    redis.UniversalClient
	keyPrefix string
	lease     time.Duration
	retryWait time.Duration
}

// NewRedisLock creates a Lock on an existing Redis client. The keyPrefix
// should match the one given to the Redis storage sharing the instance.
func NewRedisLock(client redis.UniversalClient, keyPrefix string) *RedisLock {
	return &RedisLock{
		client:    client,
		keyPrefix: keyPrefix,
		lease:     defaultLockLease,
		retryWait: defaultLockRetryWait,
	}
}

func (l *RedisLock) Acquire(ctx context.Context, name string, timeout time.Duration) (Release, error) {
	owner := uuid.NewString()
	key := l.keyPrefix + lockKeyPrefix + name
	deadline := time.Now().Add(timeout)

	for {
		acquired, err := l.client.SetNX(ctx, key, owner, l.lease).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		if acquired {
			release := func() {
				releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				// Best effort. If the release fails the lease TTL
				// reclaims the lock.
				_ = redisReleaseScript.Run(releaseCtx, l.client, []string{key}, owner).Err()
			}
			return release, nil
		}

		if !time.Now().Add(l.retryWait).Before(deadline) {
			return nil, ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retryWait):
		}
	}
}

// Compile-time interface checks.
var (
	_ Storage = (*RedisStorage)(nil)
	_ Lock    = (*RedisLock)(nil)
)
