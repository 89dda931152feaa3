// Package lock keeps two service instances from running the workflow at once.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"adsync/internal/config"
	logx "adsync/pkg/logx"
)

// ErrNotObtained means another holder owns the key.
var ErrNotObtained = errors.New("lock not obtained")

// Locker hands out exclusive leases. Obtain never waits for a busy key.
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (Lease, error)
	Close() error
}

// Lease is a held lock. Refresh extends it by ttl; Release is idempotent.
type Lease interface {
	Key() string
	Refresh(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

// Open builds the configured locker. Driver "none" returns a locker that
// always succeeds.
func Open(cfg config.LockConfig, log logx.Logger) (Locker, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "local":
		return NewLocal(), nil
	case "none":
		return noop{}, nil
	case "redis":
		opts, err := redis.ParseURL(strings.TrimSpace(cfg.RedisURL))
		if err != nil {
			return nil, fmt.Errorf("lock.redis_url: %w", err)
		}
		return NewRedis(redis.NewClient(opts), log), nil
	default:
		return nil, fmt.Errorf("unknown lock driver %q", cfg.Driver)
	}
}

// Hold refreshes lease every ttl/2 until ctx ends. A failed refresh is logged
// and retried on the next tick.
func Hold(ctx context.Context, lease Lease, ttl time.Duration, log logx.Logger) {
	if ttl <= 0 {
		return
	}
	t := time.NewTicker(ttl / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := lease.Refresh(ctx, ttl); err != nil && ctx.Err() == nil {
				log.Warn("lock refresh failed", logx.String("key", lease.Key()), logx.Err(err))
			}
		}
	}
}

// Local is an in-process locker with TTL expiry.
type Local struct {
	mu   sync.Mutex
	held map[string]localEntry
	seq  uint64
}

type localEntry struct {
	token   uint64
	expires time.Time
}

func NewLocal() *Local { return &Local{held: map[string]localEntry{}} }

func (l *Local) Obtain(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.held[key]; ok && (e.expires.IsZero() || now.Before(e.expires)) {
		return nil, ErrNotObtained
	}
	l.seq++
	e := localEntry{token: l.seq}
	if ttl > 0 {
		e.expires = now.Add(ttl)
	}
	l.held[key] = e
	return &localLease{owner: l, key: key, token: e.token}, nil
}

func (l *Local) Close() error { return nil }

type localLease struct {
	owner *Local
	key   string
	token uint64
}

func (ll *localLease) Key() string { return ll.key }

func (ll *localLease) Refresh(_ context.Context, ttl time.Duration) error {
	l := ll.owner
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.held[ll.key]
	if !ok || e.token != ll.token {
		return ErrNotObtained
	}
	if ttl > 0 {
		e.expires = time.Now().Add(ttl)
	}
	l.held[ll.key] = e
	return nil
}

func (ll *localLease) Release(context.Context) error {
	l := ll.owner
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.held[ll.key]; ok && e.token == ll.token {
		delete(l.held, ll.key)
	}
	return nil
}

type noop struct{}

func (noop) Obtain(_ context.Context, key string, _ time.Duration) (Lease, error) {
	return noopLease(key), nil
}
func (noop) Close() error { return nil }

type noopLease string

func (n noopLease) Key() string                                { return string(n) }
func (noopLease) Refresh(context.Context, time.Duration) error { return nil }
func (noopLease) Release(context.Context) error                { return nil }
