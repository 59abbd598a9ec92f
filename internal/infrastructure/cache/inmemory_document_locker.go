package cache

import (
	"context"
	"sync"
	"time"

	"github.com/cfdisync/backend/internal/domain/shared"
)

type lockEntry struct {
	token     uint64
	expiresAt time.Time
}

// InMemoryDocumentLocker implements shared.KeyedLocker inside one process.
// It is the fallback when Redis is not configured.
type InMemoryDocumentLocker struct {
	mu      sync.Mutex
	entries map[string]lockEntry
	next    uint64
	now     func() time.Time
}

// NewInMemoryDocumentLocker creates an empty locker.
func NewInMemoryDocumentLocker() *InMemoryDocumentLocker {
	return &InMemoryDocumentLocker{
		entries: make(map[string]lockEntry),
		now:     time.Now,
	}
}

// TryLock acquires key for ttl or returns shared.ErrLockHeld. An expired
// entry is taken over.
func (l *InMemoryDocumentLocker) TryLock(_ context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, held := l.entries[key]; held && now.Before(e.expiresAt) {
		return nil, shared.ErrLockHeld
	}
	l.next++
	token := l.next
	l.entries[key] = lockEntry{token: token, expiresAt: now.Add(ttl)}

	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if e, ok := l.entries[key]; ok && e.token == token {
			delete(l.entries, key)
		}
		return nil
	}, nil
}

// Size returns the number of held or expired-but-unreleased keys.
func (l *InMemoryDocumentLocker) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

var _ shared.KeyedLocker = (*InMemoryDocumentLocker)(nil)
