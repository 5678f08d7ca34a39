package typing

import (
	"context"
	"sync"
	"time"

	"github.com/eventmarket/messaging/internal/model"
)

// MemoryStore is a process-local Store. Entries older than PurgeAfter are
// removed by Sweep, which Run calls periodically.
type MemoryStore struct {
	mu      sync.Mutex
	signals map[string]Signal
	now     func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store. A nil now uses time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{signals: make(map[string]Signal), now: now}
}

func (m *MemoryStore) Set(_ context.Context, threadID string, side model.UserType, sig Signal) error {
	m.mu.Lock()
	m.signals[Key(threadID, side)] = sig
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, threadID string, side model.UserType) (Signal, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sig, ok := m.signals[Key(threadID, side)]
	if !ok || m.now().Sub(sig.Timestamp) >= PurgeAfter {
		return Signal{}, false, nil
	}
	return sig, true, nil
}

// Sweep drops expired entries and returns how many were removed.
func (m *MemoryStore) Sweep() int {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, sig := range m.signals {
		if now.Sub(sig.Timestamp) >= PurgeAfter {
			delete(m.signals, key)
			removed++
		}
	}
	return removed
}

// Run sweeps every interval until ctx is done.
func (m *MemoryStore) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Len returns the number of retained entries.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.signals)
}
