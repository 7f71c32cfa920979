package mocks

import (
	"context"
	"sync"
)

// PublishedMessage is one message captured by MockPublisher.
type PublishedMessage struct {
	Key  string
	Body []byte
}

// MockPublisher records published events. FailNext makes the next n
// Publish calls return Err.
type MockPublisher struct {
	mu       sync.Mutex
	Messages []PublishedMessage
	FailNext int
	Err      error
	Closed   bool
}

// Publish records the message or fails if FailNext is positive.
func (m *MockPublisher) Publish(_ context.Context, key string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailNext > 0 {
		m.FailNext--
		return m.Err
	}
	m.Messages = append(m.Messages, PublishedMessage{Key: key, Body: append([]byte(nil), body...)})
	return nil
}

// Close marks the publisher closed.
func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

// Count returns the number of published messages.
func (m *MockPublisher) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Messages)
}
