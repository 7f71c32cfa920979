// Package mocks provides in-memory test doubles for external collaborators.
package mocks

import (
	"context"
	"sync"
	"time"
)

// MockCache is an in-memory stand-in for the Redis cache and lock.
// Expirations are ignored.
type MockCache struct {
	mu    sync.Mutex
	data  map[string]string
	locks map[string]bool

	Gets    int
	Sets    int
	Deletes int

	// Err, when set, is returned by every operation.
	Err error
}

// NewMockCache creates a new mock cache instance
func NewMockCache() *MockCache {
	return &MockCache{
		data:  make(map[string]string),
		locks: make(map[string]bool),
	}
}

// Get retrieves a value, returning "" for missing keys like the real cache.
func (m *MockCache) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Gets++
	if m.Err != nil {
		return "", m.Err
	}
	return m.data[key], nil
}

// Set stores a value.
func (m *MockCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Sets++
	if m.Err != nil {
		return m.Err
	}
	switch v := value.(type) {
	case string:
		m.data[key] = v
	case []byte:
		m.data[key] = string(v)
	}
	return nil
}

// Del deletes keys.
func (m *MockCache) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Deletes++
	if m.Err != nil {
		return m.Err
	}
	for _, key := range keys {
		delete(m.data, key)
	}
	return nil
}

// Has reports whether key holds a value.
func (m *MockCache) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.data[key]
	return ok
}

// Acquire takes the named lock if nobody holds it.
func (m *MockCache) Acquire(_ context.Context, key string, _ time.Duration) (func(context.Context) error, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return nil, false, m.Err
	}
	if m.locks[key] {
		return nil, false, nil
	}
	m.locks[key] = true

	return func(context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.locks, key)
		return nil
	}, true, nil
}

// HoldLock marks a lock as taken by another process.
func (m *MockCache) HoldLock(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locks[key] = true
}

// Clear resets the mock cache (useful for tests)
func (m *MockCache) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data = make(map[string]string)
	m.locks = make(map[string]bool)
	m.Gets, m.Sets, m.Deletes = 0, 0, 0
	m.Err = nil
}
