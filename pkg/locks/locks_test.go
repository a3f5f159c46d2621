package locks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error)
}

func newRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client, "", WithRetryInterval(10*time.Millisecond)), mr
}

func lockers(t *testing.T) map[string]locker {
	rl, _ := newRedisLocker(t)
	return map[string]locker{
		"memory": NewMemoryLocker(WithRetryInterval(10 * time.Millisecond)),
		"redis":  rl,
	}
}

func TestLockUnlock(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			unlock, err := l.Lock(ctx, "stack:web", time.Minute)
			require.NoError(t, err)
			require.NoError(t, unlock(ctx))

			// Free again after unlock.
			unlock, err = l.Lock(ctx, "stack:web", time.Minute)
			require.NoError(t, err)
			require.NoError(t, unlock(ctx))

			// A second unlock finds nothing to release.
			assert.ErrorIs(t, unlock(ctx), ErrNotHeld)
		})
	}
}

func TestLockContention(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			unlock, err := l.Lock(context.Background(), "stack:web", time.Minute)
			require.NoError(t, err)
			defer unlock(context.Background())

			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()

			_, err = l.Lock(ctx, "stack:web", time.Minute)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrLockHeld)
			assert.ErrorIs(t, err, context.DeadlineExceeded)

			// Other keys are independent.
			other, err := l.Lock(context.Background(), "stack:network", time.Minute)
			require.NoError(t, err)
			require.NoError(t, other(context.Background()))
		})
	}
}

func TestLockWaitsForRelease(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			unlock, err := l.Lock(context.Background(), "stack:web", time.Minute)
			require.NoError(t, err)

			var wg sync.WaitGroup
			wg.Add(1)
			var secondErr error
			go func() {
				defer wg.Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				var next func(context.Context) error
				next, secondErr = l.Lock(ctx, "stack:web", time.Minute)
				if secondErr == nil {
					secondErr = next(context.Background())
				}
			}()

			time.Sleep(30 * time.Millisecond)
			require.NoError(t, unlock(context.Background()))
			wg.Wait()
			assert.NoError(t, secondErr)
		})
	}
}

func TestRedisLockExpires(t *testing.T) {
	l, mr := newRedisLocker(t)
	ctx := context.Background()

	stale, err := l.Lock(ctx, "stack:web", time.Second)
	require.NoError(t, err)
	assert.True(t, mr.Exists(DefaultPrefix+"stack:web"))

	mr.FastForward(2 * time.Second)

	fresh, err := l.Lock(ctx, "stack:web", time.Minute)
	require.NoError(t, err)

	// The expired owner must not release the new owner's lock.
	assert.ErrorIs(t, stale(ctx), ErrNotHeld)
	assert.True(t, mr.Exists(DefaultPrefix+"stack:web"))
	require.NoError(t, fresh(ctx))
	assert.False(t, mr.Exists(DefaultPrefix+"stack:web"))
}

func TestRedisLockError(t *testing.T) {
	l, mr := newRedisLocker(t)
	mr.Close()

	_, err := l.Lock(context.Background(), "stack:web", time.Minute)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrLockHeld))
}

func TestMemoryLockExpires(t *testing.T) {
	l := NewMemoryLocker()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	stale, err := l.Lock(ctx, "stack:web", time.Second)
	require.NoError(t, err)
	assert.True(t, l.Held("stack:web"))

	now = now.Add(2 * time.Second)
	assert.False(t, l.Held("stack:web"))

	fresh, err := l.Lock(ctx, "stack:web", time.Minute)
	require.NoError(t, err)
	assert.ErrorIs(t, stale(ctx), ErrNotHeld)
	require.NoError(t, fresh(ctx))
	assert.False(t, l.Held("stack:web"))
}

func TestDialRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := DialRedis(context.Background(), mr.Addr())
	require.NoError(t, err)
	require.NoError(t, client.Close())

	addr := mr.Addr()
	mr.Close()
	_, err = DialRedis(context.Background(), addr)
	assert.Error(t, err)
}
