package mocks

import (
	"sync"

	"github.com/aimd54/loyalty-ledger/internal/mattermost"
)

// MockNotifier captures operator notifications instead of posting them.
type MockNotifier struct {
	mu      sync.Mutex
	Winners [][]mattermost.WinnerLine
	Digests [][]mattermost.AtRiskClient
	Err     error
}

// SendMonthlyWinners records the announcement.
func (m *MockNotifier) SendMonthlyWinners(_ string, winners []mattermost.WinnerLine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Winners = append(m.Winners, winners)
	return nil
}

// SendAtRiskDigest records the digest.
func (m *MockNotifier) SendAtRiskDigest(clients []mattermost.AtRiskClient, total int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Digests = append(m.Digests, clients)
	return nil
}
