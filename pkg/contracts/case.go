// Package contracts defines the boundary types shared across the order
// pipeline: cases, canonical orders, committee verdicts, audit events, and
// the signal payloads delivered into running workflows. Components exchange
// these types as JSON; unrecognized shapes are rejected at ingest.
package contracts

import "time"

// Status is the case lifecycle state. The workflow engine is the only
// component that transitions it; every transition produces exactly one
// event-log entry.
type Status string

const (
	StatusStoringFile               Status = "storing_file"
	StatusParsing                   Status = "parsing"
	StatusRunningCommittee          Status = "running_committee"
	StatusAwaitingCorrections       Status = "awaiting_corrections"
	StatusResolvingCustomer         Status = "resolving_customer"
	StatusAwaitingCustomerSelection Status = "awaiting_customer_selection"
	StatusResolvingItems            Status = "resolving_items"
	StatusAwaitingItemSelection     Status = "awaiting_item_selection"
	StatusAwaitingApproval          Status = "awaiting_approval"
	StatusCreatingDraft             Status = "creating_draft"
	StatusQueuedForRetry            Status = "queued_for_retry"

	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Terminal reports whether a status ends the workflow.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// Case is the top-level aggregate for one uploaded order. It is created when
// a file upload arrives, mutated exclusively by the workflow engine, and
// archived (never destroyed) after terminal status.
type Case struct {
	CaseID        string    `json:"case_id"`
	TenantID      string    `json:"tenant_id"`
	UserID        string    `json:"user_id"`
	Status        Status    `json:"status"`
	CorrelationID string    `json:"correlation_id"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`

	// CanonicalPath points at the current canonical-order artifact in the
	// evidence store; PriorVersions lists superseded versions oldest first.
	CanonicalPath string   `json:"canonical_path,omitempty"`
	PriorVersions []string `json:"prior_versions,omitempty"`

	VerdictSummary *VerdictSummary `json:"verdict_summary,omitempty"`

	ResolvedCustomerID string            `json:"resolved_customer_id,omitempty"`
	ResolvedItems      map[int]string    `json:"resolved_items,omitempty"` // line number → catalog item id
	ExternalDraftID    string            `json:"external_draft_id,omitempty"`
	ExternalDraftNo    string            `json:"external_draft_number,omitempty"`
	ManifestHash       string            `json:"manifest_hash,omitempty"`
	ChatThread         ChatThreadHandle  `json:"chat_thread"`
	FailureCode        string            `json:"failure_code,omitempty"`
	Annotations        map[string]string `json:"annotations,omitempty"`
}

// VerdictSummary is the compact committee outcome kept on the case record.
type VerdictSummary struct {
	Consensus         Consensus `json:"consensus"`
	NeedsHuman        bool      `json:"needs_human"`
	OverallConfidence float64   `json:"overall_confidence"`
	DisagreementCount int       `json:"disagreement_count"`
	VerdictPath       string    `json:"verdict_path"`
}

// ChatThreadHandle identifies the conversation that receives notifications
// for a case. Opaque to the core.
type ChatThreadHandle struct {
	ChannelID string `json:"channel_id,omitempty"`
	ThreadID  string `json:"thread_id,omitempty"`
}

// StartRequest is the control-surface input that creates a case.
type StartRequest struct {
	CaseID        string           `json:"case_id"`
	BlobURI       string           `json:"blob_uri"`
	TenantID      string           `json:"tenant_id"`
	UserID        string           `json:"user_id"`
	CorrelationID string           `json:"correlation_id,omitempty"`
	ChatContext   ChatThreadHandle `json:"chat_context"`
}
