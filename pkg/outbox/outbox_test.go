package outbox

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEntry(caseID string) *Entry {
	return &Entry{
		CaseID:           caseID,
		TenantID:         "t1",
		IdempotencyToken: "fp-" + caseID,
		Payload:          json.RawMessage(`{"customer_id":"cust-1","lines":[]}`),
		NextAttemptAt:    time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC),
	}
}

func TestEnqueueIsIdempotentPerCase(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	id1, err := q.Enqueue(ctx, testEntry("C-1"))
	require.NoError(t, err)
	id2, err := q.Enqueue(ctx, testEntry("C-1"))
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	id3, err := q.Enqueue(ctx, testEntry("C-2"))
	require.NoError(t, err)
	assert.NotEqual(t, id1, id3)
}

func TestPendingReturnsDueEntriesOldestFirst(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	due := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

	first := testEntry("C-1")
	first.CreatedAt = due.Add(-2 * time.Minute)
	second := testEntry("C-2")
	second.CreatedAt = due.Add(-1 * time.Minute)
	later := testEntry("C-3")
	later.CreatedAt = due
	later.NextAttemptAt = due.Add(time.Hour)

	for _, e := range []*Entry{second, first, later} {
		_, err := q.Enqueue(ctx, e)
		require.NoError(t, err)
	}

	got, err := q.Pending(ctx, due, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "C-1", got[0].CaseID)
	assert.Equal(t, "C-2", got[1].CaseID)
}

func TestMarkDoneRemovesFromPending(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	id, err := q.Enqueue(ctx, testEntry("C-1"))
	require.NoError(t, err)
	require.NoError(t, q.MarkDone(ctx, id))

	got, err := q.Pending(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, got)

	e, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateDone, e.State)

	assert.ErrorIs(t, q.MarkDone(ctx, 999), ErrNotFound)
}

func TestRescheduleParksDeadAfterMaxAttempts(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	id, err := q.Enqueue(ctx, testEntry("C-1"))
	require.NoError(t, err)

	next := time.Date(2026, 3, 4, 13, 0, 0, 0, time.UTC)
	for i := 0; i < maxAttempts; i++ {
		require.NoError(t, q.Reschedule(ctx, id, next, "catalog unavailable"))
	}

	e, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateDead, e.State)
	assert.Equal(t, maxAttempts, e.Attempts)
	assert.Equal(t, "catalog unavailable", e.LastError)

	got, err := q.Pending(ctx, next.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}
