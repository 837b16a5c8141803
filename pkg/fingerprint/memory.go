package fingerprint

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-process dedup index for tests and development runs.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
	clock   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]Entry),
		clock:   time.Now,
	}
}

func (m *MemoryStore) Lookup(ctx context.Context, fp string) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[fp]
	return e, ok, nil
}

func (m *MemoryStore) Register(ctx context.Context, fp, draftID string, metadata map[string]string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.entries[fp]; ok {
		return existing, nil
	}
	e := Entry{
		Fingerprint:  fp,
		DraftID:      draftID,
		Metadata:     metadata,
		RegisteredAt: m.clock().UTC(),
	}
	m.entries[fp] = e
	return e, nil
}
