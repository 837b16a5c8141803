package outbox

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryQueue is the in-process queue used by tests and single-node runs.
type MemoryQueue struct {
	mu      sync.Mutex
	nextID  int64
	entries map[int64]*Entry
	byCase  map[string]int64
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		entries: make(map[int64]*Entry),
		byCase:  make(map[string]int64),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, e *Entry) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if id, ok := q.byCase[e.CaseID]; ok {
		return id, nil
	}
	q.nextID++
	cp := *e
	cp.ID = q.nextID
	cp.State = StatePending
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	q.entries[cp.ID] = &cp
	q.byCase[cp.CaseID] = cp.ID
	return cp.ID, nil
}

func (q *MemoryQueue) Pending(ctx context.Context, now time.Time, limit int) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []Entry
	for _, e := range q.entries {
		if e.State == StatePending && !e.NextAttemptAt.After(now) {
			due = append(due, *e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (q *MemoryQueue) MarkDone(ctx context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return ErrNotFound
	}
	e.State = StateDone
	return nil
}

func (q *MemoryQueue) Reschedule(ctx context.Context, id int64, nextAttempt time.Time, lastError string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return ErrNotFound
	}
	e.Attempts++
	e.NextAttemptAt = nextAttempt
	e.LastError = lastError
	if e.Attempts >= maxAttempts {
		e.State = StateDead
	}
	return nil
}

func (q *MemoryQueue) Get(ctx context.Context, id int64) (*Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}
