package utils

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bsm/redislock"
	"github.com/mmdatafocus/panel_ledger/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntityLockSerializesWithoutRedis(t *testing.T) {
	ctx := context.Background()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := EntityLock(ctx, 9001, "test")
			if !assert.NoError(t, err) {
				return
			}
			defer release()
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
}

func TestEntityLockHonoursContext(t *testing.T) {
	release, err := EntityLock(context.Background(), 9002, "test")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = EntityLock(ctx, 9002, "test")
	assert.True(t, errors.Is(err, ErrLockNotObtained))
	assert.True(t, IsRetryable(err))

	// Other entities and lock types are independent.
	other, err := EntityLock(context.Background(), 9003, "test")
	require.NoError(t, err)
	other()

	release()
	release()
	again, err := EntityLock(context.Background(), 9002, "test")
	require.NoError(t, err)
	again()
}

func TestKeepAliveRefreshesUntilStopped(t *testing.T) {
	var calls, failures int32
	stop := keepAlive(5*time.Millisecond, func() error {
		if atomic.AddInt32(&calls, 1) == 2 {
			return errors.New("redis: connection reset")
		}
		return nil
	}, func(error) { atomic.AddInt32(&failures, 1) })

	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) >= 4 }, time.Second, time.Millisecond)
	stop()
	stop()
	stopped := atomic.LoadInt32(&calls)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, stopped, atomic.LoadInt32(&calls), "no refresh after stop")
	assert.Equal(t, int32(1), atomic.LoadInt32(&failures), "a failed refresh does not end the loop")
}

func TestEntityLockRedis(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires redis)")
	}
	if os.Getenv("REDIS_ADDRESS") == "" {
		t.Skip("REDIS_ADDRESS not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	config.ConnectRedisWithRetry(ctx)
	require.NotNil(t, config.GetRedisLock())
	t.Cleanup(config.CloseRedis)

	release, err := EntityLock(ctx, 9101, "test")
	require.NoError(t, err)
	released := make(chan struct{})
	go func() {
		time.Sleep(50 * time.Millisecond)
		release()
		close(released)
	}()

	second, err := EntityLock(ctx, 9101, "test")
	require.NoError(t, err)
	select {
	case <-released:
	default:
		t.Fatal("second holder got the lock before the first released it")
	}
	second()
}

func TestEntityLockRedisOutlivesTTL(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires redis)")
	}
	if os.Getenv("REDIS_ADDRESS") == "" {
		t.Skip("REDIS_ADDRESS not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	config.ConnectRedisWithRetry(ctx)
	require.NotNil(t, config.GetRedisLock())
	t.Cleanup(config.CloseRedis)

	ttl := entityLockTTL
	entityLockTTL = 300 * time.Millisecond
	t.Cleanup(func() { entityLockTTL = ttl })

	release, err := EntityLock(ctx, 9102, "test")
	require.NoError(t, err)
	defer release()
	time.Sleep(3 * entityLockTTL)

	_, err = config.GetRedisLock().Obtain(ctx, "test:entity:9102", time.Second, nil)
	assert.ErrorIs(t, err, redislock.ErrNotObtained, "the held lock is still refreshed")
}
