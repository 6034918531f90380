/*
Package lock provides a Redis-backed reconciliation.Locker.

PURPOSE:
  The in-process KeyedLocker only keeps ticks apart inside one process.
  When several server replicas share one database, the per-job tick lock
  must live outside the process; RedisLocker puts it in Redis using
  bsm/redislock (SET NX with a TTL, token-checked release).

USAGE:
  rdb, err := lock.Connect(ctx, lock.Options{Addr: "localhost:6379"})
  locker := lock.NewRedisLocker(rdb)
  orch, _ := reconciliation.NewOrchestrator(reconciliation.Options{Locker: locker, ...})

FAILURE MODE:
  A lock that is already held maps to reconciliation.ErrTickInProgress.
  Any other Redis error is returned wrapped; the tick does not run.
*/
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/warp/reconciliation-engine/reconciliation"
)

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// Connect opens a Redis client and checks it with PING.
func Connect(ctx context.Context, opts Options) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}
	return rdb, nil
}

// RedisLocker implements reconciliation.Locker on top of redislock.
type RedisLocker struct {
	client *redislock.Client
}

func NewRedisLocker(rdb redislock.RedisClient) *RedisLocker {
	return &RedisLocker{client: redislock.New(rdb)}
}

// Obtain tries once, without retry, to take key for ttl.
func (l *RedisLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (reconciliation.Lock, error) {
	lk, err := l.client.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, reconciliation.ErrTickInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("failed to obtain lock %s: %w", key, err)
	}
	return &redisLock{lock: lk}, nil
}

type redisLock struct {
	lock *redislock.Lock
}

// Release drops the lock. A lock that already expired is not an error.
func (l *redisLock) Release(ctx context.Context) error {
	err := l.lock.Release(ctx)
	if errors.Is(err, redislock.ErrLockNotHeld) {
		return nil
	}
	return err
}
