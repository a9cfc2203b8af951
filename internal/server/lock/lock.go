// Package lock serializes reconciliation runs across processes.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/motivearchive/internal/common"
	"github.com/redis/go-redis/v9"
)

// Locker acquires a named lock. The returned release func is safe to call
// once the lock has expired.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, err error)
}

// Noop grants every lock. It is used when no Redis is configured and only a
// single process runs reconciliations.
type Noop struct{}

func (Noop) Acquire(context.Context, string, time.Duration) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

// redisClient is the part of *redis.Client used here.
type redisClient interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

// releaseScript deletes the key only while it still holds our token.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`

// newToken is a seam for tests.
var newToken = func() (string, error) {
	return common.MakeRandHexString(16)
}

// Redis implements Locker with SET NX PX and a token-checked release.
type Redis struct {
	client redisClient
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (l *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	token, err := newToken()
	if err != nil {
		return nil, fmt.Errorf("lock token: %w", err)
	}

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis error: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", common.ErrLocked, key)
	}

	release := func(ctx context.Context) error {
		err := l.client.Eval(ctx, releaseScript, []string{key}, token).Err()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("redis error: %w", err)
		}
		return nil
	}
	return release, nil
}
