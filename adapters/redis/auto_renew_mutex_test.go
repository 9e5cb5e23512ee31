package redis

import (
	"context"
	"testing"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestAutoRenewMutex_TryLock(t *testing.T) {
	t.Run("acquire and release", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		_, client, cleanup := setupMiniredis(t)
		defer cleanup()

		mutex := NewAutoRenewMutex(client, "sweeper")
		lockCtx, ok, err := mutex.TryLock(context.Background())
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, mutex.Valid())

		released, err := mutex.Unlock()
		require.NoError(t, err)
		assert.True(t, released)

		select {
		case <-lockCtx.Done():
		case <-time.After(100 * time.Millisecond):
			t.Error("lock context was not cancelled after unlock")
		}
	})

	t.Run("held by another instance", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		_, client, cleanup := setupMiniredis(t)
		defer cleanup()

		holder := NewAutoRenewMutex(client, "sweeper")
		_, ok, err := holder.TryLock(context.Background())
		require.NoError(t, err)
		require.True(t, ok)

		other := NewAutoRenewMutex(client, "sweeper")
		lockCtx, ok, err := other.TryLock(context.Background())
		assert.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, lockCtx)

		_, err = holder.Unlock()
		require.NoError(t, err)

		// 釋放後另一個實例可以取得
		_, ok, err = other.TryLock(context.Background())
		require.NoError(t, err)
		assert.True(t, ok)
		_, err = other.Unlock()
		require.NoError(t, err)
	})

	t.Run("redis error", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		client, mock, cleanup := setupTest(t)
		defer cleanup()

		mock.Regexp().ExpectSetNX("sweeper", ".*", 8*time.Second).SetErr(redis.ErrClosed)

		mutex := NewAutoRenewMutex(client, "sweeper")
		lockCtx, ok, err := mutex.TryLock(context.Background())
		var redisErr *redsync.RedisError
		require.ErrorAs(t, err, &redisErr)
		assert.ErrorIs(t, redisErr.Err, redis.ErrClosed)
		assert.False(t, ok)
		assert.Nil(t, lockCtx)
	})

	t.Run("cancelled context", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		_, client, cleanup := setupMiniredis(t)
		defer cleanup()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		mutex := NewAutoRenewMutex(client, "sweeper")
		_, ok, err := mutex.TryLock(ctx)
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, ok)
	})
}

func TestAutoRenewMutex_Lock(t *testing.T) {
	t.Run("waits until released", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		_, client, cleanup := setupMiniredis(t)
		defer cleanup()

		holder := NewAutoRenewMutex(client, "archiver")
		_, err := holder.Lock(context.Background())
		require.NoError(t, err)

		waiter := NewAutoRenewMutex(client, "archiver", WithAutoRenewMutexRetryDelay(20*time.Millisecond))
		acquired := make(chan error, 1)
		go func() {
			_, err := waiter.Lock(context.Background())
			acquired <- err
		}()

		select {
		case <-acquired:
			t.Fatal("lock acquired while held")
		case <-time.After(100 * time.Millisecond):
		}

		_, err = holder.Unlock()
		require.NoError(t, err)
		require.NoError(t, <-acquired)
		_, err = waiter.Unlock()
		require.NoError(t, err)
	})

	t.Run("renews before expiry", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		mr, client, cleanup := setupMiniredis(t)
		defer cleanup()

		mutex := NewAutoRenewMutex(client, "archiver",
			WithAutoRenewMutexExpiry(time.Second),
			WithAutoRenewMutexRenewInterval(50*time.Millisecond))
		_, err := mutex.Lock(context.Background())
		require.NoError(t, err)

		time.Sleep(150 * time.Millisecond)
		assert.True(t, mr.Exists("archiver"))
		assert.True(t, mutex.Valid())

		_, err = mutex.Unlock()
		require.NoError(t, err)
		assert.False(t, mr.Exists("archiver"))
	})
}
