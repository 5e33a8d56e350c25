package lock

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/edvin/deployctl/internal/platform"
)

// releaseScript deletes the key only while it still carries our ownership
// token, so an expired-and-reacquired lock is never released out from under
// the new holder.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`

// RedisClient is the subset of go-redis client methods used by RedisLock.
// Keeping it as an interface enables mocking in tests.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

// RedisLock implements Locker with SET NX plus a TTL, giving cluster-wide
// exclusion with automatic recovery if the holding process crashes.
type RedisLock struct {
	client        RedisClient
	ttl           time.Duration
	retryInterval time.Duration
	logger        zerolog.Logger
}

// NewRedisLock creates a RedisLock. ttl bounds how long a crashed holder can
// block other deployments.
func NewRedisLock(client RedisClient, ttl time.Duration, logger zerolog.Logger) *RedisLock {
	return &RedisLock{
		client:        client,
		ttl:           ttl,
		retryInterval: 50 * time.Millisecond,
		logger:        logger,
	}
}

// Acquire polls SET NX until the lock is obtained or timeout elapses.
func (l *RedisLock) Acquire(ctx context.Context, resource string, timeout time.Duration) (*Handle, bool, error) {
	token := platform.NewID()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		ok, err := l.client.SetNX(ctx, resource, token, l.ttl).Result()
		if err != nil {
			return nil, false, err
		}
		if ok {
			return newHandle(resource, func() {
				// The acquisition context may already be cancelled on
				// failure paths; release must still go through.
				releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := l.client.Eval(releaseCtx, releaseScript, []string{resource}, token).Err(); err != nil && err != redis.Nil {
					l.logger.Error().Err(err).Str("resource", resource).Msg("failed to release redis lock")
				}
			}), true, nil
		}

		select {
		case <-time.After(l.retryInterval):
		case <-deadline.C:
			return nil, false, nil
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
}
