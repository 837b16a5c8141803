package casestore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/orderpilot/orderpilot/pkg/contracts"
)

// MemoryStore keeps cases in process memory. For tests and development runs.
type MemoryStore struct {
	mu    sync.RWMutex
	cases map[string]*contracts.Case
	clock func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cases: make(map[string]*contracts.Case),
		clock: time.Now,
	}
}

func (m *MemoryStore) Create(ctx context.Context, c *contracts.Case) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.cases[c.CaseID]; ok {
		return ErrAlreadyExists
	}
	now := m.clock().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	m.cases[c.CaseID] = cloneCase(c)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, caseID string) (*contracts.Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.cases[caseID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneCase(c), nil
}

func (m *MemoryStore) Update(ctx context.Context, c *contracts.Case) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.cases[c.CaseID]; !ok {
		return ErrNotFound
	}
	c.UpdatedAt = m.clock().UTC()
	m.cases[c.CaseID] = cloneCase(c)
	return nil
}

func (m *MemoryStore) List(ctx context.Context, f Filter) ([]*contracts.Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*contracts.Case
	for _, c := range m.cases {
		if f.TenantID != "" && c.TenantID != f.TenantID {
			continue
		}
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		out = append(out, cloneCase(c))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func cloneCase(c *contracts.Case) *contracts.Case {
	// JSON round-trip copies the nested maps and slices too.
	raw, _ := json.Marshal(c)
	var out contracts.Case
	_ = json.Unmarshal(raw, &out)
	return &out
}

// MemoryMatchCache is the in-process durable-tier stand-in for tests.
type MemoryMatchCache struct {
	mu      sync.RWMutex
	entries map[string]MatchEntry
	clock   func() time.Time
}

func NewMemoryMatchCache() *MemoryMatchCache {
	return &MemoryMatchCache{
		entries: make(map[string]MatchEntry),
		clock:   time.Now,
	}
}

func (m *MemoryMatchCache) GetMatch(ctx context.Context, tenantID, key string) (MatchEntry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[tenantID+"\x00"+key]
	return e, ok, nil
}

func (m *MemoryMatchCache) PutMatch(ctx context.Context, tenantID, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[tenantID+"\x00"+key] = MatchEntry{Value: value, CachedAt: m.clock().UTC()}
	return nil
}
