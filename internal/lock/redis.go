package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// releaseScript удаляет ключ, только если значение совпадает с токеном владельца.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript переставляет TTL, только если ключ всё ещё у владельца.
var extendScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker — блокировка через SET NX PX.
type RedisLocker struct {
	client goredis.Cmdable
}

// NewRedisLocker создаёт RedisLocker. Клиентом владеет вызывающий.
func NewRedisLocker(client goredis.Cmdable) *RedisLocker {
	return &RedisLocker{client: client}
}

// Acquire пытается занять key на ttl.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("lock %s: setnx: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &redisLease{client: l.client, key: key, token: token}, true, nil
}

type redisLease struct {
	client goredis.Cmdable
	key    string
	token  string
}

func (rl *redisLease) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, rl.client, []string{rl.key}, rl.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("lock %s: extend: %w", rl.key, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotHeld, rl.key)
	}
	return nil
}

func (rl *redisLease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, rl.client, []string{rl.key}, rl.token).Int()
	if err != nil {
		return fmt.Errorf("lock %s: release: %w", rl.key, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotHeld, rl.key)
	}
	return nil
}
