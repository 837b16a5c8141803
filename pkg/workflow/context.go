package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/orderpilot/orderpilot/pkg/contracts"
	"github.com/orderpilot/orderpilot/pkg/errkind"
	"github.com/orderpilot/orderpilot/pkg/evidence"
	"github.com/orderpilot/orderpilot/pkg/observability"
)

// errTerminated unwinds the workflow function after an external terminate.
var errTerminated = errors.New("workflow: terminated")

// errRunTimeout unwinds the workflow so the engine can rotate the execution
// via continue-as-new instead of failing it.
var errRunTimeout = errors.New("workflow: run timeout")

// continueAsNew unwinds the workflow to start a fresh execution.
type continueAsNew struct {
	Reason     string
	Reset      bool
	NewBlobURI string
}

func (c *continueAsNew) Error() string { return "workflow: continue-as-new: " + c.Reason }

// ReceivedSignal is a signal delivered into a waiting workflow.
type ReceivedSignal struct {
	Name    contracts.SignalName
	Payload json.RawMessage
}

// Context is the replay-safe face of one workflow execution. Workflow code
// may not read the clock, generate ids, or do I/O directly; everything
// non-deterministic flows through ExecuteActivity, AwaitSignal, or Marker,
// each of which records its outcome in history and reproduces it on replay.
type Context struct {
	ctx    context.Context
	engine *Engine
	run    *run
	caseID string
	cursor *cursor

	kase *contracts.Case

	// finalizing suppresses interrupt checks while the cancellation or
	// failure path runs its last activities (seal, notify).
	finalizing bool
}

// Case returns the workflow's view of the case record. Mutations become
// durable through SetStatus and activity results, never directly.
func (w *Context) Case() *contracts.Case { return w.kase }

// ExecuteActivity runs (or replays) a named activity. Live execution
// acquires an activity slot, retries per policy, and records the final
// outcome; replay returns the recorded outcome without side effects.
// The input hash is recorded so replay detects drifting arguments.
func (w *Context) ExecuteActivity(name string, input any, policy RetryPolicy, out any) error {
	rawInput, err := json.Marshal(input)
	if err != nil {
		return errkind.Wrap(errkind.CodeInvariantViolated, "encode activity input", err)
	}
	inputHash := evidence.HashBytes(rawInput)

	if ev, err := w.cursor.next(contracts.EventActivityRecorded, "name", name); err != nil {
		return err
	} else if ev != nil {
		if recorded, _ := ev.Data["input_sha256"].(string); recorded != inputHash {
			return errkind.Newf(errkind.CodeDeterminismViolated,
				"activity %s input diverged from history at seq %d", name, ev.Seq)
		}
		if code, _ := ev.Data["error_code"].(string); code != "" {
			msg, _ := ev.Data["error_message"].(string)
			return errkind.New(errkind.Code(code), msg)
		}
		return decodeData(ev.Data["result"], out)
	}

	if err := w.checkInterrupts(); err != nil {
		return err
	}
	result, attempts, actErr := w.engine.runActivity(w.ctx, w.caseID, name, rawInput, policy)

	data := map[string]any{
		"name":         name,
		"input_sha256": inputHash,
		"attempts":     attempts,
	}
	if actErr != nil {
		data["error_code"] = string(errkind.CodeOf(actErr))
		data["error_message"] = actErr.Error()
	} else {
		data["result"] = result
	}
	if _, err := w.engine.events.Append(w.ctx, &contracts.AuditEvent{
		CaseID:      w.caseID,
		TenantID:    w.kase.TenantID,
		Type:        contracts.EventActivityRecorded,
		Actor:       contracts.ActorSystem,
		Correlation: w.kase.CorrelationID,
		Data:        data,
	}); err != nil {
		return err
	}
	if actErr != nil {
		return errkind.New(errkind.CodeOf(actErr), actErr.Error())
	}
	return decodeData(result, out)
}

// AwaitSignal suspends until one of the named signals is delivered.
// Out-of-state deliveries never reach here; the engine records those as
// ignored. Replay consumes the recorded delivery instead of waiting.
func (w *Context) AwaitSignal(names ...contracts.SignalName) (*ReceivedSignal, error) {
	if ev, err := w.cursor.next(contracts.EventSignalReceived, "", ""); err != nil {
		return nil, err
	} else if ev != nil {
		name, _ := ev.Data["name"].(string)
		if !signalExpected(contracts.SignalName(name), names) {
			return nil, errkind.Newf(errkind.CodeDeterminismViolated,
				"replay delivered signal %q outside its wait at seq %d", name, ev.Seq)
		}
		raw, err := json.Marshal(ev.Data["payload"])
		if err != nil {
			return nil, errkind.Wrap(errkind.CodeDeterminismViolated, "re-encode signal payload", err)
		}
		return &ReceivedSignal{Name: contracts.SignalName(name), Payload: raw}, nil
	}

	if err := w.checkInterrupts(); err != nil {
		return nil, err
	}
	w.run.setAwaiting(names)
	defer w.run.setAwaiting(nil)

	if obs := w.engine.obs; obs != nil {
		obs.HumanWaitEntered(w.ctx, observability.AttrCaseID.String(w.caseID))
		defer obs.HumanWaitResolved(w.ctx, observability.AttrCaseID.String(w.caseID))
	}

	reminder := time.NewTicker(w.engine.opts.ReminderInterval)
	defer reminder.Stop()

	for {
		select {
		case delivered := <-w.run.signals:
			if !signalExpected(delivered.Name, names) {
				// Raced past a previous wait; record and keep waiting.
				var stale any
				_ = json.Unmarshal(delivered.Payload, &stale)
				_, _ = w.engine.events.Append(w.ctx, &contracts.AuditEvent{
					CaseID:      w.caseID,
					TenantID:    w.kase.TenantID,
					Type:        contracts.EventSignalIgnored,
					Actor:       contracts.ActorUser,
					Correlation: w.kase.CorrelationID,
					Data:        map[string]any{"name": string(delivered.Name), "payload": stale},
				})
				continue
			}
			var payload any
			if len(delivered.Payload) > 0 {
				if err := json.Unmarshal(delivered.Payload, &payload); err != nil {
					return nil, errkind.Wrap(errkind.CodeInvalidRequest, "decode signal payload", err)
				}
			}
			if _, err := w.engine.events.Append(w.ctx, &contracts.AuditEvent{
				CaseID:      w.caseID,
				TenantID:    w.kase.TenantID,
				Type:        contracts.EventSignalReceived,
				Actor:       contracts.ActorUser,
				Correlation: w.kase.CorrelationID,
				Data:        map[string]any{"name": string(delivered.Name), "payload": payload},
			}); err != nil {
				return nil, err
			}
			return &ReceivedSignal{Name: delivered.Name, Payload: delivered.Payload}, nil
		case <-w.run.terminated:
			return nil, errTerminated
		case <-w.run.runDeadline:
			return nil, errRunTimeout
		case <-reminder.C:
			w.engine.remind(w.ctx, w.kase, names)
		case <-w.ctx.Done():
			return nil, w.ctx.Err()
		}
	}
}

// Marker records a computed non-deterministic value (time, generated ids)
// so replay sees the original instead of recomputing.
func (w *Context) Marker(name string, compute func() (any, error), out any) error {
	if ev, err := w.cursor.next(contracts.EventMarkerRecorded, "name", name); err != nil {
		return err
	} else if ev != nil {
		return decodeData(ev.Data["value"], out)
	}

	value, err := compute()
	if err != nil {
		return err
	}
	if _, err := w.engine.events.Append(w.ctx, &contracts.AuditEvent{
		CaseID:      w.caseID,
		TenantID:    w.kase.TenantID,
		Type:        contracts.EventMarkerRecorded,
		Actor:       contracts.ActorSystem,
		Correlation: w.kase.CorrelationID,
		Data:        map[string]any{"name": name, "value": value},
	}); err != nil {
		return err
	}
	return decodeData(value, out)
}

// SetStatus transitions the case. Exactly one status.changed event per
// transition; the case store is updated after the event is durable.
func (w *Context) SetStatus(status contracts.Status) error {
	from := w.kase.Status
	if from == status {
		return nil
	}

	if ev, err := w.cursor.next(contracts.EventStatusChanged, "status", string(status)); err != nil {
		return err
	} else if ev != nil {
		w.kase.Status = status
		return nil
	}

	if _, err := w.engine.events.Append(w.ctx, &contracts.AuditEvent{
		CaseID:      w.caseID,
		TenantID:    w.kase.TenantID,
		Type:        contracts.EventStatusChanged,
		Actor:       contracts.ActorSystem,
		Correlation: w.kase.CorrelationID,
		Data:        map[string]any{"status": string(status), "from": string(from)},
	}); err != nil {
		return err
	}
	w.kase.Status = status
	w.kase.UpdatedAt = w.engine.clock().UTC()
	return w.engine.cases.Update(w.ctx, w.kase)
}

// SaveCase persists non-status case mutations made by the workflow
// (resolved ids, draft references, manifest hash). During replay the
// mutations re-derive identically, so the write is skipped.
func (w *Context) SaveCase() error {
	if w.cursor.replaying() {
		return nil
	}
	w.kase.UpdatedAt = w.engine.clock().UTC()
	return w.engine.cases.Update(w.ctx, w.kase)
}

// ContinueAsNew ends this execution and starts a fresh one for the same
// case. reset drops the pipeline history (used for file re-uploads).
func (w *Context) ContinueAsNew(reason string, reset bool, newBlobURI string) error {
	return &continueAsNew{Reason: reason, Reset: reset, NewBlobURI: newBlobURI}
}

// checkInterrupts honors terminate and run-timeout at suspension points.
func (w *Context) checkInterrupts() error {
	if w.finalizing {
		return nil
	}
	select {
	case <-w.run.terminated:
		return errTerminated
	case <-w.run.runDeadline:
		return errRunTimeout
	default:
		return nil
	}
}

func signalExpected(name contracts.SignalName, names []contracts.SignalName) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// DecodeSignal unmarshals a received payload into its typed form.
func DecodeSignal[T any](sig *ReceivedSignal) (T, error) {
	var payload T
	if len(sig.Payload) == 0 {
		return payload, errkind.Newf(errkind.CodeInvalidRequest, "signal %s: empty payload", sig.Name)
	}
	if err := json.Unmarshal(sig.Payload, &payload); err != nil {
		return payload, errkind.Wrap(errkind.CodeInvalidRequest,
			fmt.Sprintf("signal %s: malformed payload", sig.Name), err)
	}
	return payload, nil
}
