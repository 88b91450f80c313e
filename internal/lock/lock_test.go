package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseMutualExclusion(t *testing.T, locker Locker) {
	t.Helper()
	const workers = 8
	var inside int32
	var maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locker.Acquire(context.Background(), "order:shared")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, maxInside)
}

func TestMemoryLockerMutualExclusion(t *testing.T) {
	locker := NewMemoryLocker()
	exerciseMutualExclusion(t, locker)
	assert.Equal(t, 0, locker.size())
}

func TestMemoryLockerKeysAreIndependent(t *testing.T) {
	locker := NewMemoryLocker()
	releaseA, err := locker.Acquire(context.Background(), OrderKey(uuid.New()))
	require.NoError(t, err)
	defer releaseA()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	releaseB, err := locker.Acquire(ctx, SellerKey(uuid.New()))
	require.NoError(t, err)
	releaseB()
}

func TestMemoryLockerHonoursContext(t *testing.T) {
	locker := NewMemoryLocker()
	release, err := locker.Acquire(context.Background(), "seller:1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locker.Acquire(ctx, "seller:1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release() // second call is a no-op
	assert.Equal(t, 0, locker.size())
}

func newRedisLocker(t *testing.T, ttl time.Duration) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	locker := NewRedisLocker(client, ttl)
	locker.pollEvery = time.Millisecond
	return locker, mr
}

func TestRedisLockerMutualExclusion(t *testing.T) {
	locker, _ := newRedisLocker(t, 5*time.Second)
	exerciseMutualExclusion(t, locker)
}

func TestRedisLockerReleaseChecksToken(t *testing.T) {
	locker, mr := newRedisLocker(t, time.Second)

	release, err := locker.Acquire(context.Background(), "order:1")
	require.NoError(t, err)
	assert.True(t, mr.Exists("ledger:lock:order:1"))

	// Lease expires and someone else takes the key.
	mr.FastForward(2 * time.Second)
	other, err := locker.Acquire(context.Background(), "order:1")
	require.NoError(t, err)

	release()
	assert.True(t, mr.Exists("ledger:lock:order:1"), "stale release must not delete the new holder's lease")

	other()
	assert.False(t, mr.Exists("ledger:lock:order:1"))
}

func TestRedisLockerHonoursContext(t *testing.T) {
	locker, _ := newRedisLocker(t, 5*time.Second)
	release, err := locker.Acquire(context.Background(), "seller:1")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locker.Acquire(ctx, "seller:1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
