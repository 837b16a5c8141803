// Package notify defines the notification collaborator: the channel through
// which users learn about case progress. The core only speaks this
// interface; chat-bot and web surfaces implement it elsewhere.
package notify

import (
	"context"
	"log/slog"

	"github.com/orderpilot/orderpilot/pkg/contracts"
)

// Kind names the notification moments the pipeline emits.
type Kind string

const (
	KindReadyForApproval Kind = "ready_for_approval"
	KindNeedsCorrections Kind = "needs_corrections"
	KindNeedsSelection   Kind = "needs_selection"
	KindReminder         Kind = "reminder"
	KindComplete         Kind = "complete"
	KindCancelled        Kind = "cancelled"
	KindFailed           Kind = "failed"
	KindQueued           Kind = "queued_for_retry"
)

// Message is the uniform notification shape. Every terminal outcome carries
// the same fields: outcome, reference id, and the next step if any.
// Technical detail never appears here; it stays in the event log.
type Message struct {
	Kind          Kind                       `json:"kind"`
	CaseID        string                     `json:"case_id"`
	CorrelationID string                     `json:"correlation_id"`
	Summary       string                     `json:"summary"`
	NextStep      string                     `json:"next_step,omitempty"`
	Thread        contracts.ChatThreadHandle `json:"thread"`
}

// Notifier delivers a message to the user-facing surface.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// SlogNotifier logs notifications instead of delivering them. The default
// wiring for workers without a chat surface attached.
type SlogNotifier struct {
	Logger *slog.Logger
}

func (n *SlogNotifier) Notify(ctx context.Context, msg Message) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notification",
		"kind", string(msg.Kind),
		"case_id", msg.CaseID,
		"correlation_id", msg.CorrelationID,
		"summary", msg.Summary,
		"next_step", msg.NextStep,
	)
	return nil
}

// Recorder captures messages for tests.
type Recorder struct {
	Messages []Message
}

func (r *Recorder) Notify(ctx context.Context, msg Message) error {
	r.Messages = append(r.Messages, msg)
	return nil
}
