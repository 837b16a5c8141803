// Package eventlog implements the per-case append-only event stream. Each
// case has its own densely numbered sequence; an append is durable before
// the workflow engine treats the corresponding state transition as
// committed. Payloads above the configured size are spilled to the evidence
// store and the event keeps only a pointer and hash.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/orderpilot/orderpilot/pkg/contracts"
	"github.com/orderpilot/orderpilot/pkg/errkind"
	"github.com/orderpilot/orderpilot/pkg/evidence"
	"github.com/orderpilot/orderpilot/pkg/redact"
)

// Backend persists events and assigns dense per-case sequence numbers.
type Backend interface {
	Append(ctx context.Context, ev *contracts.AuditEvent) (uint64, error)
	ReadByCase(ctx context.Context, caseID string, fromSeq uint64) ([]contracts.AuditEvent, error)
	LastSequence(ctx context.Context, caseID string) (uint64, error)
}

// Log is the event log used by the rest of the core: a backend wrapped with
// redaction and large-payload spilling.
type Log struct {
	backend    Backend
	blobs      evidence.Store
	filter     *redact.Filter
	largeLimit int
	clock      func() time.Time
}

// New creates a Log. largeLimit is the inline-payload byte cap; payloads
// above it are spilled to the evidence store.
func New(backend Backend, blobs evidence.Store, largeLimit int) *Log {
	return &Log{
		backend:    backend,
		blobs:      blobs,
		filter:     redact.NewFilter(),
		largeLimit: largeLimit,
		clock:      time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (l *Log) WithClock(clock func() time.Time) *Log {
	l.clock = clock
	return l
}

// Append redacts, spills if oversized, persists, and returns the assigned
// sequence number.
func (l *Log) Append(ctx context.Context, ev *contracts.AuditEvent) (uint64, error) {
	if ev.CaseID == "" {
		return 0, errkind.New(errkind.CodeInvalidRequest, "event without case_id")
	}
	if ev.TS.IsZero() {
		ev.TS = l.clock().UTC()
	}

	if ev.Data != nil {
		scrubbed, notes := l.filter.Map(ev.Data)
		ev.Data = scrubbed
		ev.Redactions = append(ev.Redactions, notes...)
	}

	if err := l.spillIfLarge(ctx, ev); err != nil {
		return 0, err
	}

	seq, err := l.backend.Append(ctx, ev)
	if err != nil {
		return 0, err
	}
	ev.Seq = seq
	return seq, nil
}

func (l *Log) spillIfLarge(ctx context.Context, ev *contracts.AuditEvent) error {
	if ev.Data == nil {
		return nil
	}
	inline, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("eventlog: marshal payload: %w", err)
	}
	if len(inline) <= l.largeLimit {
		return nil
	}

	path := evidence.SpillPath(ev.CaseID, uuid.New().String())
	hash, err := l.blobs.Put(ctx, path, inline)
	if err != nil {
		return errkind.Wrap(errkind.CodeStorageUnavailable, "spill event payload", err)
	}
	ev.Data = map[string]any{"spilled": true}
	ev.Pointers = append(ev.Pointers, contracts.BlobPointer{Path: path, SHA256: hash})
	return nil
}

// ReadByCase returns events for a case starting at fromSeq (inclusive;
// 0 means from the beginning), in sequence order.
func (l *Log) ReadByCase(ctx context.Context, caseID string, fromSeq uint64) ([]contracts.AuditEvent, error) {
	return l.backend.ReadByCase(ctx, caseID, fromSeq)
}

// LastSequence returns the highest committed sequence for a case (0 if none).
func (l *Log) LastSequence(ctx context.Context, caseID string) (uint64, error) {
	return l.backend.LastSequence(ctx, caseID)
}

// VerifyDense checks the density invariant for a case: sequence numbers
// must form 1..n with no gaps or duplicates. A violation is corruption.
func (l *Log) VerifyDense(ctx context.Context, caseID string) error {
	events, err := l.backend.ReadByCase(ctx, caseID, 0)
	if err != nil {
		return err
	}
	for i, ev := range events {
		if ev.Seq != uint64(i)+1 {
			return errkind.Newf(errkind.CodeEventLogGap,
				"case %s: expected seq %d at position %d, got %d", caseID, i+1, i, ev.Seq)
		}
	}
	return nil
}

// ExportJSONL writes the case's full event stream to the evidence store at
// the dated log path and returns that path.
func (l *Log) ExportJSONL(ctx context.Context, caseID string, day time.Time) (string, error) {
	events, err := l.backend.ReadByCase(ctx, caseID, 0)
	if err != nil {
		return "", err
	}
	path := evidence.EventLogPath(caseID, day)
	for _, ev := range events {
		line, err := json.Marshal(ev)
		if err != nil {
			return "", fmt.Errorf("eventlog: marshal event %d: %w", ev.Seq, err)
		}
		if err := l.blobs.PutAppend(ctx, path, line); err != nil {
			return "", err
		}
	}
	return path, nil
}
