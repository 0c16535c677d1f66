// Package lock provides the cluster-wide mutexes that keep the relay and
// reconciliation single-flight across instances.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "graphsync:lock:"

var ErrEmptyLockName = errors.New("lock name is required")

// Unlock releases a held lock. It is safe to call once.
type Unlock func(ctx context.Context) error

type Locker interface {
	// TryLock makes a single attempt. ok is false when another holder has it.
	TryLock(ctx context.Context, name string, ttl time.Duration) (unlock Unlock, ok bool, err error)
}

type RedisLocker struct {
	rs *redsync.Redsync
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{rs: redsync.New(goredis.NewPool(client))}
}

func (l *RedisLocker) TryLock(ctx context.Context, name string, ttl time.Duration) (Unlock, bool, error) {
	if strings.TrimSpace(name) == "" {
		return nil, false, ErrEmptyLockName
	}

	mutex := l.rs.NewMutex(keyPrefix+name,
		redsync.WithExpiry(ttl),
		redsync.WithTries(1),
	)

	if err := mutex.LockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) ||
			strings.Contains(err.Error(), "lock already taken") {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}

	unlock := func(ctx context.Context) error {
		ok, err := mutex.UnlockContext(ctx)
		if err != nil {
			return fmt.Errorf("failed to release lock %s: %w", name, err)
		}
		if !ok {
			return fmt.Errorf("lock %s was not held", name)
		}
		return nil
	}
	return unlock, true, nil
}

// NoopLocker always grants the lock. Single-process deployments and tests use it.
type NoopLocker struct{}

func (NoopLocker) TryLock(context.Context, string, time.Duration) (Unlock, bool, error) {
	return func(context.Context) error { return nil }, true, nil
}
