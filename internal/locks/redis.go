package locks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLock is a RunLock shared by every process pointing at the same Redis.
type RedisLock struct {
	client redis.UniversalClient
}

// NewRedisLock wraps an existing client.
func NewRedisLock(client redis.UniversalClient) *RedisLock {
	return &RedisLock{client: client}
}

// NewRedisLockFromURL parses a redis:// URL and connects.
func NewRedisLockFromURL(url string) (*RedisLock, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisLock(redis.NewClient(opts)), nil
}

// Ping checks connectivity.
func (l *RedisLock) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (l *RedisLock) Close() error { return l.client.Close() }

// TryAcquire implements RunLock with SET NX PX and a compare-and-delete release.
func (l *RedisLock) TryAcquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	token := uuid.New().String()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return func() {}, false, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return func() {}, false, nil
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			_ = releaseScript.Run(context.WithoutCancel(ctx), l.client, []string{key}, token).Err()
		})
	}, true, nil
}
