package locks

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryEntry struct {
	token   string
	expires time.Time
}

// MemoryLocker is an in-process locker. Locks expire after their TTL like
// Redis keys do, so an owner that never unlocks cannot block forever.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]memoryEntry
	opts  options
	now   func() time.Time
}

// NewMemoryLocker creates an in-process locker.
func NewMemoryLocker(opts ...Option) *MemoryLocker {
	return &MemoryLocker{
		locks: make(map[string]memoryEntry),
		opts:  buildOptions(opts),
		now:   time.Now,
	}
}

// Lock blocks until key is free or ctx is done.
func (l *MemoryLocker) Lock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	token := uuid.New().String()

	err := acquire(ctx, key, l.opts.retry, func(context.Context) (bool, error) {
		l.mu.Lock()
		defer l.mu.Unlock()

		now := l.now()
		if held, ok := l.locks[key]; ok && now.Before(held.expires) {
			return false, nil
		}
		l.locks[key] = memoryEntry{token: token, expires: now.Add(ttl)}
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()

		held, ok := l.locks[key]
		if !ok || held.token != token {
			return ErrNotHeld
		}
		delete(l.locks, key)
		return nil
	}, nil
}

// Held reports whether key is currently locked.
func (l *MemoryLocker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	held, ok := l.locks[key]
	return ok && l.now().Before(held.expires)
}
