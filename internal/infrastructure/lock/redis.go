// Package lock provides the Redis-backed guard that keeps two rebuilds of the
// same scope from running at once across processes.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"

	"stockledger/internal/core/apperror"
	"stockledger/internal/domain/stock"
	"stockledger/pkg/logger"
)

const keyPrefix = "stockledger:lock:"

// RedisGuard implements stock.Guard on top of redislock.
// Locks are not retried: a second rebuild of a running scope fails fast.
type RedisGuard struct {
	client redis.UniversalClient
	locker *redislock.Client
	ttl    time.Duration
}

var _ stock.Guard = (*RedisGuard)(nil)

// NewRedisGuard creates a guard whose locks expire after ttl.
// The ttl bounds how long a crashed rebuild can block the next one.
func NewRedisGuard(client redis.UniversalClient, ttl time.Duration) *RedisGuard {
	return &RedisGuard{
		client: client,
		locker: redislock.New(client),
		ttl:    ttl,
	}
}

// Acquire obtains key and returns the function that releases it.
func (g *RedisGuard) Acquire(ctx context.Context, key string) (func(context.Context), error) {
	lk, err := g.locker.Obtain(ctx, keyPrefix+key, g.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, apperror.NewConflict(fmt.Sprintf("%s is already running", key)).
			WithDetail("lock", key)
	}
	if err != nil {
		return nil, fmt.Errorf("obtain lock %s: %w", key, err)
	}

	logger.Debug(ctx, "lock obtained", "key", key, "ttl", g.ttl)

	return func(ctx context.Context) {
		if err := lk.Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			logger.Warn(ctx, "failed to release lock", "key", key, "error", err)
		}
	}, nil
}

// Ping checks that Redis is reachable.
func (g *RedisGuard) Ping(ctx context.Context) error {
	return g.client.Ping(ctx).Err()
}

// Connect opens a Redis client and verifies it with PING.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return rdb, nil
}
