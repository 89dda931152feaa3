package lock

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"

	logx "adsync/pkg/logx"
)

// Redis shares the lock across hosts through a Redis key.
type Redis struct {
	client *redis.Client
	locks  *redislock.Client
	log    logx.Logger
}

func NewRedis(client *redis.Client, log logx.Logger) *Redis {
	return &Redis{client: client, locks: redislock.New(client), log: log}
}

func (r *Redis) Obtain(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	l, err := r.locks.Obtain(ctx, key, ttl, &redislock.Options{RetryStrategy: redislock.NoRetry()})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrNotObtained
	}
	if err != nil {
		return nil, err
	}
	r.log.Debug("redis lock obtained", logx.String("key", key), logx.Duration("ttl", ttl))
	return &redisLease{lock: l}, nil
}

func (r *Redis) Close() error { return r.client.Close() }

type redisLease struct {
	lock *redislock.Lock
}

func (l *redisLease) Key() string { return l.lock.Key() }

func (l *redisLease) Refresh(ctx context.Context, ttl time.Duration) error {
	err := l.lock.Refresh(ctx, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return ErrNotObtained
	}
	return err
}

func (l *redisLease) Release(ctx context.Context) error {
	err := l.lock.Release(ctx)
	if errors.Is(err, redislock.ErrLockNotHeld) {
		return nil
	}
	return err
}
