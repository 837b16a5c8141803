package evidence

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is the in-process reference implementation, used by tests and
// the workflow replay harness.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore creates an empty in-memory evidence store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (s *MemoryStore) Put(ctx context.Context, path string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.blobs[path]; ok {
		if !bytes.Equal(existing, data) {
			return "", ErrImmutablePath
		}
		return HashBytes(existing), nil
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	s.blobs[path] = cp
	return HashBytes(cp), nil
}

func (s *MemoryStore) PutAppend(ctx context.Context, path string, record []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	line := make([]byte, 0, len(record)+1)
	line = append(line, record...)
	if len(line) == 0 || line[len(line)-1] != '\n' {
		line = append(line, '\n')
	}
	s.blobs[path] = append(s.blobs[path], line...)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, path string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.blobs[path]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (s *MemoryStore) Exists(ctx context.Context, path string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[path]
	return ok, nil
}

func (s *MemoryStore) List(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var paths []string
	for p := range s.blobs {
		if strings.HasPrefix(p, prefix) {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths, nil
}
