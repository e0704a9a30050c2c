package reaper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultLockKey = "bullion:reaper:lock"

// Locker elects the replica allowed to sweep. Acquire returns a release func
// when the lock was taken and ok=false when another holder has it.
type Locker interface {
	Acquire(ctx context.Context, ttl time.Duration) (release func(context.Context) error, ok bool, err error)
}

// releaseScript deletes the lock only if it still carries our value.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a single-instance Redis lease (SET NX PX).
type RedisLocker struct {
	client *redis.Client
	key    string
}

func NewRedisLocker(client *redis.Client, key string) *RedisLocker {
	if key == "" {
		key = defaultLockKey
	}
	return &RedisLocker{client: client, key: key}
}

func (l *RedisLocker) Acquire(ctx context.Context, ttl time.Duration) (func(context.Context) error, bool, error) {
	if ttl <= 0 {
		return nil, false, fmt.Errorf("invalid lock ttl")
	}
	value := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, value, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire reaper lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func(ctx context.Context) error {
		err := releaseScript.Run(ctx, l.client, []string{l.key}, value).Err()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("release reaper lock: %w", err)
		}
		return nil
	}
	return release, true, nil
}

// LocalLocker always grants the lock. Used when Redis is not configured.
type LocalLocker struct{}

func (LocalLocker) Acquire(context.Context, time.Duration) (func(context.Context) error, bool, error) {
	return func(context.Context) error { return nil }, true, nil
}
