package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockRegistry_MutualExclusion(t *testing.T) {
	r := NewLockRegistry(LockOptions{})

	var (
		inside  int32
		maxSeen int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := r.Acquire(context.Background(), "0xabc:BUY")
			if !assert.NoError(t, err) {
				return
			}
			defer release()

			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxSeen)
				if n <= m || atomic.CompareAndSwapInt32(&maxSeen, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxSeen)
	assert.Equal(t, 0, r.Len())
}

func TestLockRegistry_DifferentKeysDoNotBlock(t *testing.T) {
	r := NewLockRegistry(LockOptions{})

	relA, err := r.Acquire(context.Background(), "a")
	require.NoError(t, err)
	defer relA()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	relB, err := r.Acquire(ctx, "b")
	require.NoError(t, err)
	relB()
}

func TestLockRegistry_AcquireTimesOut(t *testing.T) {
	r := NewLockRegistry(LockOptions{})

	release, err := r.Acquire(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = r.Acquire(ctx, "k")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// the timed-out waiter left no extra reference behind
	release()
	assert.Equal(t, 0, r.Len())
}

func TestLockRegistry_ReleaseIsIdempotent(t *testing.T) {
	r := NewLockRegistry(LockOptions{})

	release, err := r.Acquire(context.Background(), "k")
	require.NoError(t, err)
	release()
	release()

	again, ok := r.TryAcquire("k")
	require.True(t, ok)
	_, ok = r.TryAcquire("k")
	assert.False(t, ok)
	again()
	assert.Equal(t, 0, r.Len())
}

func TestLockRegistry_NoLeakAfterManyKeys(t *testing.T) {
	r := NewLockRegistry(LockOptions{MaxSize: 100})

	var wg sync.WaitGroup
	for i := 0; i < 500; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("key-%d", i%50)
			release, err := r.Acquire(context.Background(), key)
			if err != nil {
				return
			}
			release()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, r.Len())
}

func TestLockRegistry_FullRegistryNeverEvictsHeldLocks(t *testing.T) {
	r := NewLockRegistry(LockOptions{MaxSize: 2})

	relA, err := r.Acquire(context.Background(), "a")
	require.NoError(t, err)
	relB, err := r.Acquire(context.Background(), "b")
	require.NoError(t, err)

	_, err = r.Acquire(context.Background(), "c")
	require.ErrorIs(t, err, ErrBusy)
	_, ok := r.TryAcquire("c")
	assert.False(t, ok)

	// a is still exclusively held
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = r.Acquire(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 2, r.Len())

	// a free slot makes room again
	relB()
	relC, err := r.Acquire(context.Background(), "c")
	require.NoError(t, err)
	relC()
	relA()
	assert.Equal(t, 0, r.Len())
}
