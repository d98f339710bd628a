package scan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ErrBatchInProgress is returned when another instance holds the lock for the same batch range
var ErrBatchInProgress = errors.New("batch scan already in progress")

// Locker guards batch ranges across instances
type Locker interface {
	// Obtain takes the lock for key or returns ErrBatchInProgress
	Obtain(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, err error)
}

// RedisLocker implements Locker with redislock
type RedisLocker struct {
	client *redislock.Client
}

// NewRedisLocker creates a Locker over a Redis client
func NewRedisLocker(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{client: redislock.New(rdb)}
}

func (l *RedisLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	lock, err := l.client.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrBatchInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("failed to obtain batch lock: %w", err)
	}
	return func(ctx context.Context) error {
		err := lock.Release(ctx)
		if errors.Is(err, redislock.ErrLockNotHeld) {
			return nil
		}
		return err
	}, nil
}
