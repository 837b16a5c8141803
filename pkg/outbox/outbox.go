// Package outbox is the durable retry queue for draft creations that
// exhausted their in-workflow retries. A case that lands here is sealed
// as queued_for_retry; an external consumer drains the queue once the
// catalog recovers and finishes the draft with the recorded idempotency
// token, so the retry can never double-create.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var ErrNotFound = errors.New("outbox: entry not found")

// State tracks an entry through the queue.
type State string

const (
	StatePending State = "pending"
	StateDone    State = "done"
	StateDead    State = "dead"
)

// Entry is one deferred draft creation. Payload is the exact draft body
// the workflow would have sent, idempotency token included, so the
// consumer replays it verbatim.
type Entry struct {
	ID               int64           `json:"id"`
	CaseID           string          `json:"case_id"`
	TenantID         string          `json:"tenant_id"`
	IdempotencyToken string          `json:"idempotency_token"`
	Payload          json.RawMessage `json:"payload"`
	State            State           `json:"state"`
	Attempts         int             `json:"attempts"`
	NextAttemptAt    time.Time       `json:"next_attempt_at"`
	CreatedAt        time.Time       `json:"created_at"`
	LastError        string          `json:"last_error,omitempty"`
}

// Queue persists deferred draft creations.
type Queue interface {
	// Enqueue stores a new pending entry and returns its id. A second
	// enqueue for the same case is a no-op returning the existing id;
	// one case has at most one outstanding draft.
	Enqueue(ctx context.Context, e *Entry) (int64, error)
	// Pending returns entries due at or before now, oldest first.
	Pending(ctx context.Context, now time.Time, limit int) ([]Entry, error)
	// MarkDone records a successful replay.
	MarkDone(ctx context.Context, id int64) error
	// Reschedule bumps the attempt count and defers the entry. Entries
	// that keep failing are parked as dead rather than retried forever.
	Reschedule(ctx context.Context, id int64, nextAttempt time.Time, lastError string) error
	// Get returns a single entry by id.
	Get(ctx context.Context, id int64) (*Entry, error)
}

// maxAttempts before an entry is parked as dead.
const maxAttempts = 10
