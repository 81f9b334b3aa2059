package utils

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/mmdatafocus/opsfeedback_backend/config"
)

var (
	ErrLockNotObtained = errors.New("lock is held by another worker")
	ErrLockUnavailable = errors.New("redis lock not initialized")
)

// ObtainLock takes a redis lock on lockType:key.
// The returned release func is safe to call once; it ignores release errors.
func ObtainLock(ctx context.Context, lockType string, key string, ttl time.Duration) (func(), error) {
	locker := config.GetRedisLock()
	if locker == nil {
		return func() {}, ErrLockUnavailable
	}
	lockKey := fmt.Sprintf("%s:%s", lockType, key)
	lock, err := locker.Obtain(ctx, lockKey, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return func() {}, ErrLockNotObtained
	} else if err != nil {
		return func() {}, err
	}
	return func() {
		// Release with a fresh context so a cancelled caller still frees the key.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = lock.Release(releaseCtx)
	}, nil
}
