package workflow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/orderpilot/orderpilot/pkg/audit"
	"github.com/orderpilot/orderpilot/pkg/casestore"
	"github.com/orderpilot/orderpilot/pkg/catalog"
	"github.com/orderpilot/orderpilot/pkg/committee"
	"github.com/orderpilot/orderpilot/pkg/contracts"
	"github.com/orderpilot/orderpilot/pkg/errkind"
	"github.com/orderpilot/orderpilot/pkg/eventlog"
	"github.com/orderpilot/orderpilot/pkg/evidence"
	"github.com/orderpilot/orderpilot/pkg/fingerprint"
	"github.com/orderpilot/orderpilot/pkg/matching"
	"github.com/orderpilot/orderpilot/pkg/notify"
	"github.com/orderpilot/orderpilot/pkg/observability"
	"github.com/orderpilot/orderpilot/pkg/outbox"
	"github.com/orderpilot/orderpilot/pkg/parser"
	"github.com/orderpilot/orderpilot/pkg/redact"
)

// FetchFunc retrieves an uploaded blob by its URI.
type FetchFunc func(ctx context.Context, uri string) ([]byte, error)

// CatalogAPI is the slice of the catalog client the activities use.
type CatalogAPI interface {
	GetCustomer(ctx context.Context, tenantID, id string) (*catalog.Customer, error)
	GetItem(ctx context.Context, tenantID, id string) (*catalog.Item, error)
	CreateDraft(ctx context.Context, tenantID string, payload catalog.DraftPayload, idempotencyToken string) (*catalog.DraftResult, error)
	FindDraftByIdempotencyToken(ctx context.Context, tenantID, token string) (*catalog.DraftResult, error)
}

// Activities bundles the collaborators the pipeline steps call. Each step
// is registered as a named activity; its result enters workflow history.
type Activities struct {
	Blobs        evidence.Store
	Events       *eventlog.Log
	Cases        casestore.Store
	Parser       parser.Parser
	Committee    *committee.Committee
	Matcher      *matching.Engine
	Fingerprints fingerprint.Store
	Catalog      CatalogAPI
	Sealer       *audit.Sealer
	Outbox       outbox.Queue
	Notifier     notify.Notifier
	Fetch        FetchFunc
	Obs          *observability.Provider

	Granularity    fingerprint.Granularity
	Tolerance      float64
	ExpectedFields []string
	SampleCap      int
	Filter         *redact.Filter
	Clock          func() time.Time
}

// RegisterAll wires every pipeline activity into the engine.
func (a *Activities) RegisterAll(e *Engine) {
	if a.Clock == nil {
		a.Clock = time.Now
	}
	if a.Filter == nil {
		a.Filter = redact.NewFilter()
	}
	if a.Granularity == "" {
		a.Granularity = fingerprint.BucketDay
	}
	if a.Tolerance == 0 {
		a.Tolerance = 0.01
	}
	if len(a.ExpectedFields) == 0 {
		a.ExpectedFields = []string{"customer", "sku", "quantity"}
	}
	if a.SampleCap == 0 {
		a.SampleCap = 5
	}

	e.Register("store_file", typed(a.StoreFile))
	e.Register("parse_file", typed(a.ParseFile))
	e.Register("apply_corrections", typed(a.ApplyCorrections))
	e.Register("run_committee", typed(a.RunCommittee))
	e.Register("resolve_customer", typed(a.ResolveCustomer))
	e.Register("resolve_items", typed(a.ResolveItems))
	e.Register("create_draft", typed(a.CreateDraft))
	e.Register("seal_bundle", typed(a.SealBundle))
	e.Register("notify_user", typed(a.NotifyUser))
	e.Register("enqueue_outbox", typed(a.EnqueueOutbox))
}

// typed adapts a strongly-typed activity to the engine's raw-JSON contract.
func typed[I any, O any](fn func(ctx context.Context, in I) (O, error)) ActivityFunc {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var in I
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, errkind.Wrap(errkind.CodeInvariantViolated, "decode activity input", err)
			}
		}
		return fn(ctx, in)
	}
}

func (a *Activities) append(ctx context.Context, caseID, tenantID, correlation string, typ contracts.EventType, data map[string]any) error {
	_, err := a.Events.Append(ctx, &contracts.AuditEvent{
		CaseID:      caseID,
		TenantID:    tenantID,
		Type:        typ,
		Actor:       contracts.ActorSystem,
		Correlation: correlation,
		Data:        data,
	})
	return err
}

// --- store_file ---

type StoreFileInput struct {
	CaseID      string `json:"case_id"`
	TenantID    string `json:"tenant_id"`
	Correlation string `json:"correlation"`
	BlobURI     string `json:"blob_uri"`
}

type StoreFileResult struct {
	FileSHA256 string `json:"file_sha256"`
	Path       string `json:"path"`
	SizeBytes  int    `json:"size_bytes"`
}

// StoreFile copies the uploaded spreadsheet into the evidence store. A
// re-upload after a blocked parse lands on a content-named path, so both
// attempts' files survive into the audit bundle.
func (a *Activities) StoreFile(ctx context.Context, in StoreFileInput) (StoreFileResult, error) {
	data, err := a.Fetch(ctx, in.BlobURI)
	if err != nil {
		return StoreFileResult{}, errkind.Wrap(errkind.CodeStorageUnavailable, "fetch upload", err)
	}
	sha := evidence.HashBytes(data)
	path := evidence.OriginalPath(in.CaseID)
	if ok, err := a.Blobs.Exists(ctx, path); err != nil {
		return StoreFileResult{}, errkind.Wrap(errkind.CodeStorageUnavailable, "probe original", err)
	} else if ok {
		existing, err := a.Blobs.Get(ctx, path)
		if err != nil {
			return StoreFileResult{}, errkind.Wrap(errkind.CodeStorageUnavailable, "read original", err)
		}
		if evidence.HashBytes(existing) != sha {
			path = evidence.ReuploadPath(in.CaseID, sha)
		}
	}
	if _, err := a.Blobs.Put(ctx, path, data); err != nil {
		return StoreFileResult{}, err
	}
	if err := a.append(ctx, in.CaseID, in.TenantID, in.Correlation, contracts.EventFileStored, map[string]any{
		"path":        path,
		"file_sha256": sha,
		"size_bytes":  len(data),
	}); err != nil {
		return StoreFileResult{}, err
	}
	return StoreFileResult{FileSHA256: sha, Path: path, SizeBytes: len(data)}, nil
}

// --- parse_file ---

type ParseFileInput struct {
	CaseID      string `json:"case_id"`
	TenantID    string `json:"tenant_id"`
	Correlation string `json:"correlation"`
	Path        string `json:"path"`
	FileSHA256  string `json:"file_sha256"`
	Version     int    `json:"version"`
}

type ParseFileResult struct {
	Blocked       bool                        `json:"blocked"`
	BlockedReason string                      `json:"blocked_reason,omitempty"`
	CanonicalPath string                      `json:"canonical_path,omitempty"`
	Version       int                         `json:"version,omitempty"`
	CustomerName  string                      `json:"customer_name,omitempty"`
	Language      string                      `json:"language,omitempty"`
	Candidates    []contracts.CandidateColumn `json:"candidates,omitempty"`
	LineCount     int                         `json:"line_count,omitempty"`
}

// ParseFile runs the parser collaborator over the stored original and
// persists the canonical order it produces.
func (a *Activities) ParseFile(ctx context.Context, in ParseFileInput) (ParseFileResult, error) {
	path := in.Path
	if path == "" {
		path = evidence.OriginalPath(in.CaseID)
	}
	data, err := a.Blobs.Get(ctx, path)
	if err != nil {
		return ParseFileResult{}, errkind.Wrap(errkind.CodeStorageUnavailable, "load original", err)
	}

	res, err := a.Parser.Parse(ctx, "original.xlsx", data)
	if err != nil {
		return ParseFileResult{}, err
	}
	if res.Blocked {
		if !res.BlockedReason.Valid() {
			return ParseFileResult{}, errkind.Newf(errkind.CodeInvariantViolated,
				"parser reported unknown blocked reason %q", res.BlockedReason)
		}
		if err := a.append(ctx, in.CaseID, in.TenantID, in.Correlation, contracts.EventParseBlocked, map[string]any{
			"reason": string(res.BlockedReason),
		}); err != nil {
			return ParseFileResult{}, err
		}
		return ParseFileResult{Blocked: true, BlockedReason: string(res.BlockedReason)}, nil
	}

	order := res.Order
	if order == nil {
		return ParseFileResult{}, errkind.New(errkind.CodeInvariantViolated, "parser returned neither order nor blocked outcome")
	}
	if err := parser.CheckVersion(order); err != nil {
		return ParseFileResult{}, err
	}
	if order.Metadata.FileSHA256 == "" {
		order.Metadata.FileSHA256 = in.FileSHA256
	}
	version := in.Version
	if version <= 0 {
		version = 1
	}
	order.Version = version
	parser.Validate(order, a.Tolerance)

	canonicalPath := evidence.CanonicalPath(in.CaseID, version)
	raw, err := json.Marshal(order)
	if err != nil {
		return ParseFileResult{}, errkind.Wrap(errkind.CodeInvariantViolated, "encode canonical order", err)
	}
	if _, err := a.Blobs.Put(ctx, canonicalPath, raw); err != nil {
		return ParseFileResult{}, err
	}
	if err := a.append(ctx, in.CaseID, in.TenantID, in.Correlation, contracts.EventParseCompleted, map[string]any{
		"canonical_path": canonicalPath,
		"version":        version,
		"line_count":     len(order.Lines),
		"issue_count":    len(order.Issues),
	}); err != nil {
		return ParseFileResult{}, err
	}
	return ParseFileResult{
		CanonicalPath: canonicalPath,
		Version:       version,
		CustomerName:  order.Customer.Name,
		Language:      order.Metadata.LanguageHint,
		Candidates:    res.Candidates,
		LineCount:     len(order.Lines),
	}, nil
}

// --- apply_corrections ---

type ApplyCorrectionsInput struct {
	CaseID        string                      `json:"case_id"`
	TenantID      string                      `json:"tenant_id"`
	Correlation   string                      `json:"correlation"`
	CanonicalPath string                      `json:"canonical_path"`
	Patches       []contracts.CorrectionPatch `json:"patches"`
	SubmittedBy   string                      `json:"submitted_by"`
}

type ApplyCorrectionsResult struct {
	CanonicalPath string            `json:"canonical_path"`
	Version       int               `json:"version"`
	Pins          map[string]string `json:"pins,omitempty"` // field → pinned column id
}

// ApplyCorrections produces the next canonical version from user patches.
// Patches addressing "mapping/<field>" pin a column for the committee
// re-run instead of editing order content.
func (a *Activities) ApplyCorrections(ctx context.Context, in ApplyCorrectionsInput) (ApplyCorrectionsResult, error) {
	order, err := a.loadCanonical(ctx, in.CanonicalPath)
	if err != nil {
		return ApplyCorrectionsResult{}, err
	}

	pins := map[string]string{}
	var fieldPatches []contracts.CorrectionPatch
	for _, p := range in.Patches {
		if field, ok := mappingPin(p.Path); ok {
			pins[field] = p.NewValue
			continue
		}
		fieldPatches = append(fieldPatches, p)
	}

	next, err := parser.ApplyPatches(order, fieldPatches)
	if err != nil {
		return ApplyCorrectionsResult{}, err
	}
	parser.Revalidate(next, a.Tolerance)

	path := evidence.CanonicalPath(in.CaseID, next.Version)
	raw, err := json.Marshal(next)
	if err != nil {
		return ApplyCorrectionsResult{}, errkind.Wrap(errkind.CodeInvariantViolated, "encode canonical order", err)
	}
	if _, err := a.Blobs.Put(ctx, path, raw); err != nil {
		return ApplyCorrectionsResult{}, err
	}

	patchBlob, err := json.Marshal(map[string]any{
		"patches":      in.Patches,
		"submitted_by": in.SubmittedBy,
		"from_version": order.Version,
		"to_version":   next.Version,
	})
	if err != nil {
		return ApplyCorrectionsResult{}, errkind.Wrap(errkind.CodeInvariantViolated, "encode correction record", err)
	}
	if _, err := a.Blobs.Put(ctx, evidence.CorrectionPath(in.CaseID, a.Clock().UTC()), patchBlob); err != nil {
		return ApplyCorrectionsResult{}, err
	}
	if err := a.append(ctx, in.CaseID, in.TenantID, in.Correlation, contracts.EventCorrectionsApplied, map[string]any{
		"patch_count":  len(in.Patches),
		"pin_count":    len(pins),
		"submitted_by": in.SubmittedBy,
		"to_version":   next.Version,
	}); err != nil {
		return ApplyCorrectionsResult{}, err
	}
	if len(pins) == 0 {
		pins = nil
	}
	return ApplyCorrectionsResult{CanonicalPath: path, Version: next.Version, Pins: pins}, nil
}

func mappingPin(path string) (string, bool) {
	const prefix = "mapping/"
	if len(path) > len(prefix) && path[:len(prefix)] == prefix {
		return path[len(prefix):], true
	}
	return "", false
}

// --- run_committee ---

type RunCommitteeInput struct {
	CaseID     string                      `json:"case_id"`
	TenantID   string                      `json:"tenant_id"`
	Round      int                         `json:"round"`
	Candidates []contracts.CandidateColumn `json:"candidates"`
	Language   string                      `json:"language"`
	Pins       map[string]string           `json:"pins,omitempty"`
}

type RunCommitteeResult struct {
	Verdict     *contracts.CommitteeVerdict `json:"verdict"`
	VerdictPath string                      `json:"verdict_path"`
}

// RunCommittee builds the evidence pack and runs the review committee.
func (a *Activities) RunCommittee(ctx context.Context, in RunCommitteeInput) (RunCommitteeResult, error) {
	var constraints []string
	for field, col := range in.Pins {
		constraints = append(constraints, "field "+field+" is pinned to column "+col)
	}
	pack := committee.BuildEvidencePack(in.CaseID, in.Round, in.Candidates,
		a.ExpectedFields, in.Language, constraints, a.SampleCap, a.Filter)

	verdict, _, err := a.Committee.Run(ctx, in.TenantID, pack)
	if err != nil {
		return RunCommitteeResult{}, err
	}
	return RunCommitteeResult{
		Verdict:     verdict,
		VerdictPath: evidence.VerdictPath(in.CaseID, in.Round),
	}, nil
}

// --- resolve_customer ---

type ResolveCustomerInput struct {
	CaseID        string `json:"case_id"`
	TenantID      string `json:"tenant_id"`
	Correlation   string `json:"correlation"`
	CanonicalPath string `json:"canonical_path"`
	OverrideID    string `json:"override_id,omitempty"`
}

type ResolveCustomerResult struct {
	Status     matching.Resolution  `json:"status"`
	CustomerID string               `json:"customer_id,omitempty"`
	Candidates []matching.Candidate `json:"candidates,omitempty"`
	Stale      bool                 `json:"stale,omitempty"`
}

// ResolveCustomer matches the customer free-text, or validates a user
// selection when one was provided.
func (a *Activities) ResolveCustomer(ctx context.Context, in ResolveCustomerInput) (ResolveCustomerResult, error) {
	if in.OverrideID != "" {
		cust, err := a.Catalog.GetCustomer(ctx, in.TenantID, in.OverrideID)
		if err != nil {
			return ResolveCustomerResult{}, err
		}
		if err := a.append(ctx, in.CaseID, in.TenantID, in.Correlation, contracts.EventCustomerResolved, map[string]any{
			"customer_id": cust.ID,
			"via":         "selection",
		}); err != nil {
			return ResolveCustomerResult{}, err
		}
		return ResolveCustomerResult{Status: matching.Resolved, CustomerID: cust.ID}, nil
	}

	order, err := a.loadCanonical(ctx, in.CanonicalPath)
	if err != nil {
		return ResolveCustomerResult{}, err
	}
	res, err := a.Matcher.ResolveCustomer(ctx, in.TenantID, order.Customer.Name)
	if err != nil {
		return ResolveCustomerResult{}, err
	}
	if res.Stale {
		if err := a.append(ctx, in.CaseID, in.TenantID, in.Correlation, contracts.EventStaleCacheServed, map[string]any{
			"target": "customer",
		}); err != nil {
			return ResolveCustomerResult{}, err
		}
	}
	if res.Status == matching.Resolved {
		if err := a.append(ctx, in.CaseID, in.TenantID, in.Correlation, contracts.EventCustomerResolved, map[string]any{
			"customer_id": res.CustomerID,
			"via":         "matching",
		}); err != nil {
			return ResolveCustomerResult{}, err
		}
	}
	return ResolveCustomerResult{
		Status:     res.Status,
		CustomerID: res.CustomerID,
		Candidates: res.Candidates,
		Stale:      res.Stale,
	}, nil
}

// --- resolve_items ---

type ResolveItemsInput struct {
	CaseID        string         `json:"case_id"`
	TenantID      string         `json:"tenant_id"`
	Correlation   string         `json:"correlation"`
	CanonicalPath string         `json:"canonical_path"`
	Overrides     map[int]string `json:"overrides,omitempty"` // line number → item id
}

type ResolveItemsResult struct {
	Resolved   []matching.ItemResult `json:"resolved"`
	Unresolved []matching.ItemResult `json:"unresolved,omitempty"`
}

// ResolveItems matches every order line, honoring user selections first.
func (a *Activities) ResolveItems(ctx context.Context, in ResolveItemsInput) (ResolveItemsResult, error) {
	order, err := a.loadCanonical(ctx, in.CanonicalPath)
	if err != nil {
		return ResolveItemsResult{}, err
	}

	var resolved []matching.ItemResult
	var toMatch []contracts.LineItem
	for _, line := range order.Lines {
		id, picked := in.Overrides[line.LineNumber]
		if !picked {
			toMatch = append(toMatch, line)
			continue
		}
		item, err := a.Catalog.GetItem(ctx, in.TenantID, id)
		if err != nil {
			return ResolveItemsResult{}, err
		}
		res := matching.ItemResult{
			LineNumber:   line.LineNumber,
			Status:       matching.Resolved,
			ItemID:       item.ID,
			CatalogPrice: item.Price,
		}
		if line.UnitPrice != 0 {
			res.PriceAudit = &contracts.PriceAudit{
				LineNumber:   line.LineNumber,
				SheetPrice:   line.UnitPrice,
				CatalogPrice: item.Price,
				Differs:      line.UnitPrice != item.Price,
			}
		}
		resolved = append(resolved, res)
	}

	matched, unresolved, err := a.Matcher.ResolveAllItems(ctx, in.TenantID, toMatch)
	if err != nil {
		return ResolveItemsResult{}, err
	}
	resolved = append(resolved, matched...)
	for _, r := range resolved {
		if r.Stale {
			if err := a.append(ctx, in.CaseID, in.TenantID, in.Correlation, contracts.EventStaleCacheServed, map[string]any{
				"target":      "item",
				"line_number": r.LineNumber,
			}); err != nil {
				return ResolveItemsResult{}, err
			}
		}
	}
	if err := a.append(ctx, in.CaseID, in.TenantID, in.Correlation, contracts.EventItemsResolved, map[string]any{
		"resolved_count":   len(resolved),
		"unresolved_count": len(unresolved),
	}); err != nil {
		return ResolveItemsResult{}, err
	}
	return ResolveItemsResult{Resolved: resolved, Unresolved: unresolved}, nil
}

// --- create_draft ---

type CreateDraftInput struct {
	CaseID        string          `json:"case_id"`
	TenantID      string          `json:"tenant_id"`
	Correlation   string          `json:"correlation"`
	CanonicalPath string          `json:"canonical_path"`
	CustomerID    string          `json:"customer_id"`
	ItemsByLine   map[int]string  `json:"items_by_line"`
	PricesByLine  map[int]float64 `json:"prices_by_line"`
	At            time.Time       `json:"at"` // marker-recorded, for the dedup bucket
}

type CreateDraftResult struct {
	DraftID     string `json:"draft_id"`
	DraftNumber string `json:"draft_number"`
	IsDuplicate bool   `json:"is_duplicate"`
	Fingerprint string `json:"fingerprint"`
}

// CreateDraft creates the external draft at most once per fingerprint.
// Dedup order: fingerprint store, then the catalog's idempotency-token
// scan (recovers lost creation responses), then actual creation.
func (a *Activities) CreateDraft(ctx context.Context, in CreateDraftInput) (CreateDraftResult, error) {
	order, err := a.loadCanonical(ctx, in.CanonicalPath)
	if err != nil {
		return CreateDraftResult{}, err
	}
	fp, err := fingerprint.Compute(order.Metadata.FileSHA256, in.CustomerID, order.Lines, in.At, a.Granularity)
	if err != nil {
		return CreateDraftResult{}, errkind.Wrap(errkind.CodeInvariantViolated, "compute fingerprint", err)
	}

	if entry, found, err := a.Fingerprints.Lookup(ctx, fp); err != nil {
		return CreateDraftResult{}, errkind.Wrap(errkind.CodeStorageUnavailable, "fingerprint lookup", err)
	} else if found {
		if err := a.append(ctx, in.CaseID, in.TenantID, in.Correlation, contracts.EventDraftDeduplicated, map[string]any{
			"fingerprint": fp,
			"draft_id":    entry.DraftID,
		}); err != nil {
			return CreateDraftResult{}, err
		}
		if a.Obs != nil {
			a.Obs.DraftDeduplicated(ctx, observability.AttrCaseID.String(in.CaseID))
		}
		return CreateDraftResult{DraftID: entry.DraftID, IsDuplicate: true, Fingerprint: fp}, nil
	}

	if existing, err := a.Catalog.FindDraftByIdempotencyToken(ctx, in.TenantID, fp); err != nil {
		return CreateDraftResult{}, err
	} else if existing != nil {
		return a.registerDraft(ctx, in, fp, existing)
	}

	payload := a.draftPayload(order, in)
	reqBlob, err := json.Marshal(map[string]any{"payload": payload, "idempotency_token": fp})
	if err != nil {
		return CreateDraftResult{}, errkind.Wrap(errkind.CodeInvariantViolated, "encode draft request", err)
	}
	if _, err := a.Blobs.Put(ctx, evidence.ExternalRequestPath(in.CaseID), reqBlob); err != nil {
		return CreateDraftResult{}, err
	}

	created, err := a.Catalog.CreateDraft(ctx, in.TenantID, payload, fp)
	if err != nil {
		return CreateDraftResult{}, err
	}
	respBlob, err := json.Marshal(created)
	if err != nil {
		return CreateDraftResult{}, errkind.Wrap(errkind.CodeInvariantViolated, "encode draft response", err)
	}
	if _, err := a.Blobs.Put(ctx, evidence.ExternalResponsePath(in.CaseID), respBlob); err != nil {
		return CreateDraftResult{}, err
	}
	return a.registerDraft(ctx, in, fp, created)
}

func (a *Activities) draftPayload(order *contracts.CanonicalOrder, in CreateDraftInput) catalog.DraftPayload {
	payload := catalog.DraftPayload{CustomerID: in.CustomerID, Reference: in.CaseID}
	for _, line := range order.Lines {
		id, ok := in.ItemsByLine[line.LineNumber]
		if !ok {
			continue
		}
		payload.Lines = append(payload.Lines, catalog.DraftLine{
			ItemID:    id,
			Quantity:  line.Quantity,
			UnitPrice: in.PricesByLine[line.LineNumber],
		})
	}
	return payload
}

func (a *Activities) registerDraft(ctx context.Context, in CreateDraftInput, fp string, res *catalog.DraftResult) (CreateDraftResult, error) {
	entry, err := a.Fingerprints.Register(ctx, fp, res.DraftID, map[string]string{
		"case_id":   in.CaseID,
		"tenant_id": in.TenantID,
	})
	if err != nil {
		return CreateDraftResult{}, errkind.Wrap(errkind.CodeStorageUnavailable, "fingerprint register", err)
	}
	eventType := contracts.EventDraftCreated
	if res.IsDuplicate || entry.DraftID != res.DraftID {
		eventType = contracts.EventDraftDeduplicated
	}
	if a.Obs != nil {
		if eventType == contracts.EventDraftCreated {
			a.Obs.DraftCreated(ctx, observability.AttrCaseID.String(in.CaseID))
		} else {
			a.Obs.DraftDeduplicated(ctx, observability.AttrCaseID.String(in.CaseID))
		}
	}
	if err := a.append(ctx, in.CaseID, in.TenantID, in.Correlation, eventType, map[string]any{
		"fingerprint":  fp,
		"draft_id":     entry.DraftID,
		"draft_number": res.DraftNumber,
	}); err != nil {
		return CreateDraftResult{}, err
	}
	if err := a.append(ctx, in.CaseID, in.TenantID, in.Correlation, contracts.EventFingerprinted, map[string]any{
		"fingerprint": fp,
		"draft_id":    entry.DraftID,
	}); err != nil {
		return CreateDraftResult{}, err
	}
	return CreateDraftResult{
		DraftID:     entry.DraftID,
		DraftNumber: res.DraftNumber,
		IsDuplicate: res.IsDuplicate || entry.DraftID != res.DraftID,
		Fingerprint: fp,
	}, nil
}

// --- seal_bundle ---

type SealBundleInput struct {
	CaseID      string `json:"case_id"`
	TenantID    string `json:"tenant_id"`
	Correlation string `json:"correlation"`
	// Outcome names the workflow-level terminal event to record before
	// sealing: completed, failed, cancelled, or empty for queued_for_retry
	// (which records its own event at enqueue time).
	Outcome string `json:"outcome,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

type SealBundleResult struct {
	ManifestHash  string `json:"manifest_hash"`
	ArtifactCount int    `json:"artifact_count"`
}

// SealBundle records the workflow outcome and finalizes the audit bundle.
func (a *Activities) SealBundle(ctx context.Context, in SealBundleInput) (SealBundleResult, error) {
	var outcomeEvent contracts.EventType
	switch in.Outcome {
	case "completed":
		outcomeEvent = contracts.EventWorkflowCompleted
	case "failed":
		outcomeEvent = contracts.EventWorkflowFailed
	case "cancelled":
		outcomeEvent = contracts.EventWorkflowCancelled
	}
	if outcomeEvent != "" {
		if err := a.append(ctx, in.CaseID, in.TenantID, in.Correlation, outcomeEvent, map[string]any{
			"reason": in.Reason,
		}); err != nil {
			return SealBundleResult{}, err
		}
	}

	c, err := a.Cases.Get(ctx, in.CaseID)
	if err != nil {
		return SealBundleResult{}, errkind.Wrap(errkind.CodeStorageUnavailable, "load case", err)
	}
	manifest, hash, err := a.Sealer.Seal(ctx, c)
	if err != nil {
		return SealBundleResult{}, err
	}
	return SealBundleResult{ManifestHash: hash, ArtifactCount: len(manifest.Artifacts)}, nil
}

// --- notify_user ---

type NotifyUserInput struct {
	Message  notify.Message `json:"message"`
	TenantID string         `json:"tenant_id"`
}

type NotifyUserResult struct {
	Sent bool `json:"sent"`
}

// NotifyUser delivers one notification and records the delivery.
func (a *Activities) NotifyUser(ctx context.Context, in NotifyUserInput) (NotifyUserResult, error) {
	if a.Notifier == nil {
		return NotifyUserResult{}, nil
	}
	if err := a.Notifier.Notify(ctx, in.Message); err != nil {
		return NotifyUserResult{}, err
	}
	if err := a.append(ctx, in.Message.CaseID, in.TenantID, in.Message.CorrelationID, contracts.EventNotificationSent, map[string]any{
		"kind": string(in.Message.Kind),
	}); err != nil {
		return NotifyUserResult{}, err
	}
	return NotifyUserResult{Sent: true}, nil
}

// --- enqueue_outbox ---

type EnqueueOutboxInput struct {
	Draft         CreateDraftInput `json:"draft"`
	FailureReason string           `json:"failure_reason"`
}

type EnqueueOutboxResult struct {
	OutboxID    int64  `json:"outbox_id"`
	Fingerprint string `json:"fingerprint"`
}

// EnqueueOutbox parks a draft creation that exhausted its retries. The
// entry carries the exact payload and idempotency token the consumer will
// replay, so recovery can never double-create.
func (a *Activities) EnqueueOutbox(ctx context.Context, in EnqueueOutboxInput) (EnqueueOutboxResult, error) {
	order, err := a.loadCanonical(ctx, in.Draft.CanonicalPath)
	if err != nil {
		return EnqueueOutboxResult{}, err
	}
	fp, err := fingerprint.Compute(order.Metadata.FileSHA256, in.Draft.CustomerID, order.Lines, in.Draft.At, a.Granularity)
	if err != nil {
		return EnqueueOutboxResult{}, errkind.Wrap(errkind.CodeInvariantViolated, "compute fingerprint", err)
	}
	payload, err := json.Marshal(a.draftPayload(order, in.Draft))
	if err != nil {
		return EnqueueOutboxResult{}, errkind.Wrap(errkind.CodeInvariantViolated, "encode outbox payload", err)
	}

	id, err := a.Outbox.Enqueue(ctx, &outbox.Entry{
		CaseID:           in.Draft.CaseID,
		TenantID:         in.Draft.TenantID,
		IdempotencyToken: fp,
		Payload:          payload,
		NextAttemptAt:    a.Clock().UTC(),
		CreatedAt:        a.Clock().UTC(),
	})
	if err != nil {
		return EnqueueOutboxResult{}, errkind.Wrap(errkind.CodeStorageUnavailable, "enqueue outbox", err)
	}
	if err := a.append(ctx, in.Draft.CaseID, in.Draft.TenantID, in.Draft.Correlation, contracts.EventQueuedForRetry, map[string]any{
		"outbox_id":   id,
		"fingerprint": fp,
		"reason":      in.FailureReason,
	}); err != nil {
		return EnqueueOutboxResult{}, err
	}
	return EnqueueOutboxResult{OutboxID: id, Fingerprint: fp}, nil
}

func (a *Activities) loadCanonical(ctx context.Context, path string) (*contracts.CanonicalOrder, error) {
	raw, err := a.Blobs.Get(ctx, path)
	if err != nil {
		return nil, errkind.Wrap(errkind.CodeStorageUnavailable, "load canonical order", err)
	}
	var order contracts.CanonicalOrder
	if err := json.Unmarshal(raw, &order); err != nil {
		return nil, errkind.Wrap(errkind.CodeInvariantViolated, "decode canonical order", err)
	}
	return &order, nil
}
