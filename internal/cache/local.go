package cache

import (
	"context"
	"sync"
	"time"
)

// LocalLocker is an in-process lock used when Redis is not configured.
// It only serializes callers inside one process.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]time.Time
}

// NewLocalLocker creates an in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]time.Time)}
}

// Acquire takes the named lock if it is free or its ttl elapsed.
func (l *LocalLocker) Acquire(_ context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if until, ok := l.held[key]; ok && now.Before(until) {
		return nil, false, nil
	}

	until := now.Add(ttl)
	l.held[key] = until

	release := func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.held[key].Equal(until) {
			delete(l.held, key)
			return nil
		}
		return ErrLockNotHeld
	}
	return release, true, nil
}
