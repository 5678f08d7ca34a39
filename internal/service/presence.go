package service

import (
	"context"
	"sync"
	"time"

	"github.com/eventmarket/messaging/internal/model"
)

// MemoryPresence is a process-local PresenceStore. Services sharing one
// value see each other's connections.
type MemoryPresence struct {
	mu   sync.Mutex
	live map[string]int // userID -> instances holding a live connection
	seen map[string]time.Time
}

var _ PresenceStore = (*MemoryPresence)(nil)

func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{
		live: make(map[string]int),
		seen: make(map[string]time.Time),
	}
}

func (m *MemoryPresence) Connect(_ context.Context, userID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.live[userID]++
	m.seen[userID] = at
	return m.live[userID] == 1, nil
}

func (m *MemoryPresence) Disconnect(_ context.Context, userID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.live[userID] > 1 {
		m.live[userID]--
		return false, nil
	}
	delete(m.live, userID)
	m.seen[userID] = at
	return true, nil
}

func (m *MemoryPresence) Get(_ context.Context, userID string) (model.Presence, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.seen[userID]
	if !ok {
		return model.Presence{}, false, nil
	}
	return model.Presence{UserID: userID, IsOnline: m.live[userID] > 0, LastSeen: &at}, true, nil
}
