package contracts

import "time"

// Actor identifies who caused an audit event.
type Actor string

const (
	ActorSystem   Actor = "system"
	ActorUser     Actor = "user"
	ActorProvider Actor = "provider"
)

// EventType is the closed taxonomy of case events.
type EventType string

const (
	EventCaseStarted        EventType = "case.started"
	EventFileStored         EventType = "file.stored"
	EventParseCompleted     EventType = "parse.completed"
	EventParseBlocked       EventType = "parse.blocked"
	EventStatusChanged      EventType = "status.changed"
	EventCommitteeSelected  EventType = "committee.selected"
	EventProviderCalled     EventType = "committee.provider_called"
	EventVerdictReached     EventType = "committee.verdict"
	EventCorrectionsApplied EventType = "corrections.applied"
	EventCustomerResolved   EventType = "customer.resolved"
	EventItemsResolved      EventType = "items.resolved"
	EventSelectionApplied   EventType = "selection.applied"
	EventApprovalRequested  EventType = "approval.requested"
	EventApprovalReceived   EventType = "approval.received"
	EventDraftCreated       EventType = "draft.created"
	EventDraftDeduplicated  EventType = "draft.deduplicated"
	EventFingerprinted      EventType = "fingerprint.registered"
	EventSignalIgnored      EventType = "signal.ignored"
	EventSignalReceived     EventType = "signal.received"
	EventActivityRecorded   EventType = "activity.recorded"
	EventMarkerRecorded     EventType = "marker.recorded"
	EventContinuedAsNew     EventType = "workflow.continued_as_new"
	EventWorkflowCompleted  EventType = "workflow.completed"
	EventWorkflowFailed     EventType = "workflow.failed"
	EventWorkflowCancelled  EventType = "workflow.cancelled"
	EventQueuedForRetry     EventType = "workflow.queued_for_retry"
	EventBundleSealed       EventType = "audit.bundle_sealed"
	EventNotificationSent   EventType = "notification.sent"
	EventStaleCacheServed   EventType = "stale_cache"
)

// BlobPointer references a large payload spilled to the evidence store.
type BlobPointer struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

// AuditEvent is one record in a case's append-only event stream. Sequence
// numbers are dense and strictly increasing per case; a gap indicates
// corruption.
type AuditEvent struct {
	Seq         uint64         `json:"seq"`
	TS          time.Time      `json:"ts"`
	CaseID      string         `json:"case_id"`
	TenantID    string         `json:"tenant_id"`
	Type        EventType      `json:"type"`
	Actor       Actor          `json:"actor"`
	Correlation string         `json:"correlation"`
	Data        map[string]any `json:"data,omitempty"`
	Pointers    []BlobPointer  `json:"pointers,omitempty"`
	Redactions  []string       `json:"redactions,omitempty"`
}

// ManifestEntry is one artifact reference inside an audit bundle manifest.
type ManifestEntry struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

// AuditManifest is the sealed, content-addressed index of every artifact a
// case produced. Written once at terminal status (and at queued_for_retry so
// the case stays auditable); immutable thereafter.
type AuditManifest struct {
	CaseID       string          `json:"case_id"`
	FinalStatus  Status          `json:"final_status"`
	Artifacts    []ManifestEntry `json:"artifacts"`
	EventLogPath string          `json:"event_log_path"`
	EventCount   uint64          `json:"event_count"`
	FinalizedAt  time.Time       `json:"finalized_at"`
	// PreviousExecutionID links bundles across continue-as-new boundaries.
	PreviousExecutionID string `json:"previous_execution_id,omitempty"`
}
