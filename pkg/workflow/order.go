package workflow

import (
	"errors"
	"fmt"
	"time"

	"github.com/orderpilot/orderpilot/pkg/contracts"
	"github.com/orderpilot/orderpilot/pkg/errkind"
	"github.com/orderpilot/orderpilot/pkg/matching"
	"github.com/orderpilot/orderpilot/pkg/notify"
)

// OrderWorkflow is the order-ingestion pipeline: store, parse, committee,
// customer, items, approval, draft, finalize. It is replay-deterministic;
// all I/O happens in activities and all waits happen at AwaitSignal.
func OrderWorkflow(w *Context) error {
	err := orderPipeline(w)

	var can *continueAsNew
	switch {
	case err == nil:
		return nil
	case errors.As(err, &can), errors.Is(err, errRunTimeout):
		return err
	case errors.Is(err, errTerminated):
		reason := w.Case().Annotations["terminate_reason"]
		return finalize(w, contracts.StatusCancelled, notify.KindCancelled,
			"The order was cancelled.", reason)
	default:
		w.Case().FailureCode = string(errkind.CodeOf(err))
		return finalize(w, contracts.StatusFailed, notify.KindFailed,
			errkind.UserMessage(err), err.Error())
	}
}

func orderPipeline(w *Context) error {
	c := w.Case()

	// Step 1: store the upload in the evidence store.
	var stored StoreFileResult
	if err := w.ExecuteActivity("store_file", StoreFileInput{
		CaseID:      c.CaseID,
		TenantID:    c.TenantID,
		Correlation: c.CorrelationID,
		BlobURI:     c.Annotations["blob_uri"],
	}, StandardRetry, &stored); err != nil {
		return err
	}

	// Step 2: parse. A blocked outcome waits for a fresh upload and
	// restarts the pipeline via continue-as-new.
	if err := w.SetStatus(contracts.StatusParsing); err != nil {
		return err
	}
	var parsed ParseFileResult
	if err := w.ExecuteActivity("parse_file", ParseFileInput{
		CaseID:      c.CaseID,
		TenantID:    c.TenantID,
		Correlation: c.CorrelationID,
		Path:        stored.Path,
		FileSHA256:  stored.FileSHA256,
		Version:     1,
	}, StandardRetry, &parsed); err != nil {
		return err
	}
	if parsed.Blocked {
		if err := notifyUser(w, notify.KindNeedsCorrections,
			fmt.Sprintf("The file could not be processed (%s). Please upload a corrected file.", parsed.BlockedReason),
			"upload a new file"); err != nil {
			return err
		}
		sig, err := w.AwaitSignal(contracts.SignalFileReuploaded)
		if err != nil {
			return err
		}
		payload, err := DecodeSignal[contracts.FileReuploadedPayload](sig)
		if err != nil {
			return err
		}
		return w.ContinueAsNew("file_reuploaded", true, payload.NewBlobURI)
	}
	canonicalPath := parsed.CanonicalPath
	c.CanonicalPath = canonicalPath
	if err := w.SaveCase(); err != nil {
		return err
	}

	// Step 3: review committee, re-run after each correction round until
	// no human is needed.
	round := 1
	var pins map[string]string
	for {
		if err := w.SetStatus(contracts.StatusRunningCommittee); err != nil {
			return err
		}
		var reviewed RunCommitteeResult
		if err := w.ExecuteActivity("run_committee", RunCommitteeInput{
			CaseID:     c.CaseID,
			TenantID:   c.TenantID,
			Round:      round,
			Candidates: parsed.Candidates,
			Language:   parsed.Language,
			Pins:       pins,
		}, StandardRetry, &reviewed); err != nil {
			return err
		}
		c.VerdictSummary = reviewed.Verdict.Summary(reviewed.VerdictPath)
		if err := w.SaveCase(); err != nil {
			return err
		}
		if !reviewed.Verdict.NeedsHuman {
			break
		}

		if err := w.SetStatus(contracts.StatusAwaitingCorrections); err != nil {
			return err
		}
		if err := notifyUser(w, notify.KindNeedsCorrections,
			"The automatic review was not confident about some fields. Please confirm or correct them.",
			"submit corrections"); err != nil {
			return err
		}
		sig, err := w.AwaitSignal(contracts.SignalCorrectionsSubmitted)
		if err != nil {
			return err
		}
		payload, err := DecodeSignal[contracts.CorrectionsSubmittedPayload](sig)
		if err != nil {
			return err
		}
		var applied ApplyCorrectionsResult
		if err := w.ExecuteActivity("apply_corrections", ApplyCorrectionsInput{
			CaseID:        c.CaseID,
			TenantID:      c.TenantID,
			Correlation:   c.CorrelationID,
			CanonicalPath: canonicalPath,
			Patches:       payload.Patches,
			SubmittedBy:   payload.SubmittedBy,
		}, StandardRetry, &applied); err != nil {
			return err
		}
		c.PriorVersions = append(c.PriorVersions, canonicalPath)
		canonicalPath = applied.CanonicalPath
		c.CanonicalPath = canonicalPath
		if err := w.SaveCase(); err != nil {
			return err
		}
		for field, col := range applied.Pins {
			if pins == nil {
				pins = map[string]string{}
			}
			pins[field] = col
		}
		round++
	}

	// Step 4: resolve the customer, looping through selection on ambiguity.
	customerOverride := ""
	var customer ResolveCustomerResult
	for {
		if err := w.SetStatus(contracts.StatusResolvingCustomer); err != nil {
			return err
		}
		if err := w.ExecuteActivity("resolve_customer", ResolveCustomerInput{
			CaseID:        c.CaseID,
			TenantID:      c.TenantID,
			Correlation:   c.CorrelationID,
			CanonicalPath: canonicalPath,
			OverrideID:    customerOverride,
		}, StandardRetry, &customer); err != nil {
			return err
		}
		if customer.Status == matching.Resolved {
			break
		}

		if err := w.SetStatus(contracts.StatusAwaitingCustomerSelection); err != nil {
			return err
		}
		if err := notifyUser(w, notify.KindNeedsSelection,
			customerSelectionSummary(customer.Candidates), "pick the customer"); err != nil {
			return err
		}
		sig, err := w.AwaitSignal(contracts.SignalSelectionsSubmitted)
		if err != nil {
			return err
		}
		payload, err := DecodeSignal[contracts.SelectionsSubmittedPayload](sig)
		if err != nil {
			return err
		}
		if payload.CustomerID != "" {
			customerOverride = payload.CustomerID
		}
	}
	c.ResolvedCustomerID = customer.CustomerID
	if err := w.SaveCase(); err != nil {
		return err
	}

	// Step 5: resolve items, looping through selection for unresolved lines.
	overrides := map[int]string{}
	var items ResolveItemsResult
	for {
		if err := w.SetStatus(contracts.StatusResolvingItems); err != nil {
			return err
		}
		if err := w.ExecuteActivity("resolve_items", ResolveItemsInput{
			CaseID:        c.CaseID,
			TenantID:      c.TenantID,
			Correlation:   c.CorrelationID,
			CanonicalPath: canonicalPath,
			Overrides:     overrides,
		}, StandardRetry, &items); err != nil {
			return err
		}
		if len(items.Unresolved) == 0 {
			break
		}

		if err := w.SetStatus(contracts.StatusAwaitingItemSelection); err != nil {
			return err
		}
		if err := notifyUser(w, notify.KindNeedsSelection,
			fmt.Sprintf("%d line item(s) could not be matched. Please pick the right catalog items.", len(items.Unresolved)),
			"pick the items"); err != nil {
			return err
		}
		sig, err := w.AwaitSignal(contracts.SignalSelectionsSubmitted)
		if err != nil {
			return err
		}
		payload, err := DecodeSignal[contracts.SelectionsSubmittedPayload](sig)
		if err != nil {
			return err
		}
		for line, id := range payload.Items {
			overrides[line] = id
		}
	}
	itemsByLine := map[int]string{}
	pricesByLine := map[int]float64{}
	for _, r := range items.Resolved {
		itemsByLine[r.LineNumber] = r.ItemID
		pricesByLine[r.LineNumber] = r.CatalogPrice
	}
	c.ResolvedItems = itemsByLine
	if err := w.SaveCase(); err != nil {
		return err
	}

	// Step 6: human approval gate.
	if err := w.SetStatus(contracts.StatusAwaitingApproval); err != nil {
		return err
	}
	if err := notifyUser(w, notify.KindReadyForApproval,
		"The order is ready. Please approve or reject it.", "approve or reject"); err != nil {
		return err
	}
	sig, err := w.AwaitSignal(contracts.SignalApprovalReceived)
	if err != nil {
		return err
	}
	approval, err := DecodeSignal[contracts.ApprovalReceivedPayload](sig)
	if err != nil {
		return err
	}
	if !approval.Approved {
		return finalize(w, contracts.StatusCancelled, notify.KindCancelled,
			"The order was rejected and will not be created.", approval.Comments)
	}

	// Step 7: create the external draft exactly once per fingerprint.
	if err := w.SetStatus(contracts.StatusCreatingDraft); err != nil {
		return err
	}
	var at time.Time
	if err := w.Marker("draft_time", func() (any, error) {
		return w.engine.clock().UTC(), nil
	}, &at); err != nil {
		return err
	}
	draftInput := CreateDraftInput{
		CaseID:        c.CaseID,
		TenantID:      c.TenantID,
		Correlation:   c.CorrelationID,
		CanonicalPath: canonicalPath,
		CustomerID:    customer.CustomerID,
		ItemsByLine:   itemsByLine,
		PricesByLine:  pricesByLine,
		At:            at,
	}
	var draft CreateDraftResult
	if err := w.ExecuteActivity("create_draft", draftInput, AggressiveRetry, &draft); err != nil {
		if errkind.IsRetryable(err) {
			return queueForRetry(w, draftInput, err)
		}
		return err
	}
	c.ExternalDraftID = draft.DraftID
	c.ExternalDraftNo = draft.DraftNumber
	if err := w.SaveCase(); err != nil {
		return err
	}

	// Step 8: finalize.
	return finalize(w, contracts.StatusCompleted, notify.KindComplete,
		"The order draft was created.", draft.DraftID)
}

// finalize runs the terminal path: one status transition, outcome event,
// sealed bundle, uniform notification. Interrupts are suppressed so a
// terminate arriving mid-finalization cannot strand the bundle.
func finalize(w *Context, status contracts.Status, kind notify.Kind, summary, detail string) error {
	w.finalizing = true
	c := w.Case()

	if err := w.SetStatus(status); err != nil {
		return err
	}
	var sealed SealBundleResult
	if err := w.ExecuteActivity("seal_bundle", SealBundleInput{
		CaseID:      c.CaseID,
		TenantID:    c.TenantID,
		Correlation: c.CorrelationID,
		Outcome:     outcomeName(status),
		Reason:      detail,
	}, StandardRetry, &sealed); err != nil {
		return err
	}
	c.ManifestHash = sealed.ManifestHash
	if err := w.SaveCase(); err != nil {
		return err
	}
	return notifyUser(w, kind, summary, "")
}

// queueForRetry parks a transiently failed draft creation: non-terminal
// queued_for_retry status, outbox record, sealed bundle. The user never
// sees a claim of success.
func queueForRetry(w *Context, draftInput CreateDraftInput, cause error) error {
	w.finalizing = true
	c := w.Case()

	if err := w.SetStatus(contracts.StatusQueuedForRetry); err != nil {
		return err
	}
	var queued EnqueueOutboxResult
	if err := w.ExecuteActivity("enqueue_outbox", EnqueueOutboxInput{
		Draft:         draftInput,
		FailureReason: string(errkind.CodeOf(cause)),
	}, StandardRetry, &queued); err != nil {
		return err
	}
	var sealed SealBundleResult
	if err := w.ExecuteActivity("seal_bundle", SealBundleInput{
		CaseID:      c.CaseID,
		TenantID:    c.TenantID,
		Correlation: c.CorrelationID,
	}, StandardRetry, &sealed); err != nil {
		return err
	}
	c.ManifestHash = sealed.ManifestHash
	if err := w.SaveCase(); err != nil {
		return err
	}
	return notifyUser(w, notify.KindQueued, errkind.UserMessage(cause), "no action needed")
}

func notifyUser(w *Context, kind notify.Kind, summary, nextStep string) error {
	c := w.Case()
	var out NotifyUserResult
	return w.ExecuteActivity("notify_user", NotifyUserInput{
		TenantID: c.TenantID,
		Message: notify.Message{
			Kind:          kind,
			CaseID:        c.CaseID,
			CorrelationID: c.CorrelationID,
			Summary:       summary,
			NextStep:      nextStep,
			Thread:        c.ChatThread,
		},
	}, StandardRetry, &out)
}

func customerSelectionSummary(candidates []matching.Candidate) string {
	if len(candidates) == 0 {
		return "No matching customer was found. Please pick one manually."
	}
	s := "More than one customer matches:"
	for i, cand := range candidates {
		if i == 3 {
			break
		}
		s += fmt.Sprintf(" %s (%s);", cand.Label, cand.ID)
	}
	return s + " please pick the right one."
}

func outcomeName(status contracts.Status) string {
	switch status {
	case contracts.StatusCompleted:
		return "completed"
	case contracts.StatusFailed:
		return "failed"
	case contracts.StatusCancelled:
		return "cancelled"
	}
	return ""
}
