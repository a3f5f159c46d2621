package locks

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultRetryInterval is how often a blocked Lock call retries.
const DefaultRetryInterval = 100 * time.Millisecond

var (
	// ErrLockHeld is returned when the context ends before the lock is free.
	ErrLockHeld = errors.New("lock is held by another owner")

	// ErrNotHeld is returned by an unlock function when the lock expired or
	// was taken over before it was released.
	ErrNotHeld = errors.New("lock is no longer held")
)

// UnlockFunc releases a lock acquired by Lock.
type UnlockFunc func(ctx context.Context) error

// Option configures a locker.
type Option func(*options)

type options struct {
	retry time.Duration
}

// WithRetryInterval sets how often a blocked Lock call retries.
func WithRetryInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.retry = d
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{retry: DefaultRetryInterval}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// acquire calls try until it succeeds, fails, or ctx is done.
func acquire(ctx context.Context, key string, retry time.Duration, try func(ctx context.Context) (bool, error)) error {
	ticker := time.NewTicker(retry)
	defer ticker.Stop()

	for {
		ok, err := try(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %w", ErrLockHeld, key, ctx.Err())
		case <-ticker.C:
		}
	}
}
