package utils

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/mmdatafocus/panel_ledger/config"
)

const (
	entityLockBackoff = 100 * time.Millisecond
	entityLockRetries = 100
)

var entityLockTTL = 30 * time.Second

var (
	localLocksMu sync.Mutex
	localLocks   = map[string]chan struct{}{}
)

// EntityLock serializes same-entity ledger maintenance (rollover, reconciliation, late events)
// across instances with a Redis lock, or within the process when Redis is not configured.
// The returned release func must be called exactly once.
func EntityLock(ctx context.Context, entityId int, lockType string) (release func(), err error) {
	key := fmt.Sprintf("%s:entity:%d", lockType, entityId)
	locker := config.GetRedisLock()
	if locker == nil {
		return localLock(ctx, key)
	}

	lock, err := locker.Obtain(ctx, key, entityLockTTL, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(entityLockBackoff), entityLockRetries),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		config.LogError(config.GetLogger(), "lock.go", "EntityLock", "Could not obtain lock for entity", key, err)
		return nil, fmt.Errorf("%w: %s", ErrLockNotObtained, key)
	} else if err != nil {
		config.LogError(config.GetLogger(), "lock.go", "EntityLock", "Error obtaining lock for entity", key, err)
		return nil, StorageError(err)
	}

	// Long reconciliations outlive the TTL; keep the lock alive until release.
	stopRefresh := keepAlive(entityLockTTL/3, func() error {
		refreshCtx, cancel := context.WithTimeout(context.Background(), entityLockTTL/3)
		defer cancel()
		return lock.Refresh(refreshCtx, entityLockTTL, nil)
	}, func(err error) {
		config.LogError(config.GetLogger(), "lock.go", "EntityLock", "Refreshing lock", key, err)
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			stopRefresh()
			// Release with a fresh context: the caller's may already be cancelled.
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := lock.Release(releaseCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				config.LogError(config.GetLogger(), "lock.go", "EntityLock", "Releasing lock", key, err)
			}
		})
	}, nil
}

// keepAlive calls refresh every interval until the returned stop func is called.
// A failed refresh is reported and retried on the next tick. stop waits for the loop to exit.
func keepAlive(interval time.Duration, refresh func() error, onError func(error)) (stop func()) {
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := refresh(); err != nil {
					onError(err)
				}
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			<-exited
		})
	}
}

func localLock(ctx context.Context, key string) (func(), error) {
	localLocksMu.Lock()
	ch, ok := localLocks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		localLocks[key] = ch
	}
	localLocksMu.Unlock()

	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-ch }) }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %w", ErrLockNotObtained, key, ctx.Err())
	}
}
