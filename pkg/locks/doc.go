// Package locks provides the per-stack locks that keep two deploys or
// destroys of the same stack from running at once.
//
// RedisLocker coordinates processes on different machines through a shared
// Redis server. MemoryLocker serves a single process, which is the default
// when no Redis address is configured.
//
// Both lockers block until the lock is acquired or the context is done, and
// both hand back an unlock function that only releases the lock if it is still
// held by the same owner:
//
//	unlock, err := locker.Lock(ctx, "stack:web", 30*time.Minute)
//	if err != nil {
//		return err
//	}
//	defer unlock(context.Background())
package locks
