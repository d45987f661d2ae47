package repository

import (
	"context"
	"sync"
)

// MemorySiteLocker implements SiteLocker with in-process mutexes. Suitable
// for tests and single-instance deployments; multi-instance setups use the
// advisory-lock implementation in the postgres package.
type MemorySiteLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewMemorySiteLocker returns an empty locker.
func NewMemorySiteLocker() *MemorySiteLocker {
	return &MemorySiteLocker{held: make(map[string]struct{})}
}

// TryLockSite acquires the lock for siteID or returns ErrLocked.
func (l *MemorySiteLocker) TryLockSite(_ context.Context, siteID string) (UnlockFunc, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[siteID]; ok {
		return nil, ErrLocked
	}
	l.held[siteID] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, siteID)
			l.mu.Unlock()
		})
	}, nil
}
