package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"

	"avfuel/internal/domain/recalc"
	"avfuel/pkg/logger"
)

// HousekeepingLockKey is shared by every worker process of a deployment.
const HousekeepingLockKey = "avfuel:lock:recalc-housekeeping"

var _ recalc.HousekeepingLock = (*HousekeepingLock)(nil)

// HousekeepingLock is a non-blocking Redis lock around the queue sweep.
type HousekeepingLock struct {
	locker *redislock.Client
	key    string
	ttl    time.Duration
}

// NewHousekeepingLock creates the lock. ttl bounds how long a crashed holder blocks others.
func NewHousekeepingLock(rdb redis.UniversalClient, ttl time.Duration) *HousekeepingLock {
	return &HousekeepingLock{
		locker: redislock.New(rdb),
		key:    HousekeepingLockKey,
		ttl:    ttl,
	}
}

// TryAcquire obtains the lock once, without retrying.
func (l *HousekeepingLock) TryAcquire(ctx context.Context) (func(context.Context), bool, error) {
	lock, err := l.locker.Obtain(ctx, l.key, l.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("obtain %s: %w", l.key, err)
	}

	release := func(ctx context.Context) {
		if err := lock.Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			logger.Warn(ctx, "failed to release housekeeping lock", "key", l.key, "error", err)
		}
	}
	return release, true, nil
}
