package ports

import (
	"context"
	"time"
)

// SweepLock serialises sweeps across processes sharing the same store.
type SweepLock interface {
	// Acquire returns domain.ErrLockHeld when another process holds key.
	// The returned release func is safe to call more than once.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}
