package eventlog

import (
	"context"
	"sync"

	"github.com/orderpilot/orderpilot/pkg/contracts"
)

// MemoryBackend keeps event streams in process memory. For tests and
// single-node development runs.
type MemoryBackend struct {
	mu      sync.Mutex
	streams map[string][]contracts.AuditEvent
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{streams: make(map[string][]contracts.AuditEvent)}
}

func (m *MemoryBackend) Append(ctx context.Context, ev *contracts.AuditEvent) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := *ev
	stored.Seq = uint64(len(m.streams[ev.CaseID])) + 1
	m.streams[ev.CaseID] = append(m.streams[ev.CaseID], stored)
	return stored.Seq, nil
}

func (m *MemoryBackend) ReadByCase(ctx context.Context, caseID string, fromSeq uint64) ([]contracts.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stream := m.streams[caseID]
	out := make([]contracts.AuditEvent, 0, len(stream))
	for _, ev := range stream {
		if fromSeq == 0 || ev.Seq >= fromSeq {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *MemoryBackend) LastSequence(ctx context.Context, caseID string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint64(len(m.streams[caseID])), nil
}
