package shared

import (
	"context"
	"errors"
	"time"
)

// ErrLockHeld is returned by TryLock when another worker owns the key.
var ErrLockHeld = errors.New("lock is held by another worker")

// KeyedLocker grants short-lived exclusive ownership of a key across
// processes. Release must be called by the owner; the TTL bounds how long a
// crashed owner can block others.
type KeyedLocker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, err error)
}
