package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/orderpilot/orderpilot/pkg/casestore"
	"github.com/orderpilot/orderpilot/pkg/contracts"
	"github.com/orderpilot/orderpilot/pkg/errkind"
	"github.com/orderpilot/orderpilot/pkg/eventlog"
	"github.com/orderpilot/orderpilot/pkg/notify"
	"github.com/orderpilot/orderpilot/pkg/observability"
)

// ErrSignalRejected reports a signal delivered while the workflow was not
// waiting for it. The payload is still recorded in the event log.
var ErrSignalRejected = errors.New("workflow: signal not accepted in current state")

// ErrUnknownWorkflow reports an id with no case behind it.
var ErrUnknownWorkflow = errors.New("workflow: unknown workflow id")

// ActivityFunc is a registered side-effecting step. Input arrives as the
// JSON the workflow recorded; the returned value must survive a JSON round
// trip, because history is its only durable home.
type ActivityFunc func(ctx context.Context, input json.RawMessage) (any, error)

// WorkflowFunc is the deterministic pipeline body run per case.
type WorkflowFunc func(w *Context) error

// Options bound the engine's resource usage.
type Options struct {
	ActivitySlots    int           // concurrent activities across all cases
	WorkflowSlots    int           // concurrent workflow executions
	ActivityTimeout  time.Duration // soft start-to-close per attempt
	RunTimeout       time.Duration // per-execution; exhaustion rotates via continue-as-new
	ReminderInterval time.Duration // human-wait reminder cadence
}

func (o *Options) setDefaults() {
	if o.ActivitySlots <= 0 {
		o.ActivitySlots = 20
	}
	if o.WorkflowSlots <= 0 {
		o.WorkflowSlots = 10
	}
	if o.ActivityTimeout <= 0 {
		o.ActivityTimeout = 5 * time.Minute
	}
	if o.RunTimeout <= 0 {
		o.RunTimeout = 12 * time.Hour
	}
	if o.ReminderInterval <= 0 {
		o.ReminderInterval = 4 * time.Hour
	}
}

// deliveredSignal is an accepted signal in flight to a waiting workflow.
type deliveredSignal struct {
	Name    contracts.SignalName
	Payload json.RawMessage
}

// run is the live execution state for one case.
type run struct {
	caseID      string
	executionID string
	signals     chan deliveredSignal
	terminated  chan struct{}
	runDeadline <-chan time.Time

	mu            sync.Mutex
	awaiting      []contracts.SignalName
	terminateOnce sync.Once
}

func (r *run) setAwaiting(names []contracts.SignalName) {
	r.mu.Lock()
	r.awaiting = names
	r.mu.Unlock()
}

func (r *run) awaitingSignal(name contracts.SignalName) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.awaiting {
		if n == name {
			return true
		}
	}
	return false
}

// Engine owns workflow executions: one goroutine per live case, replaying
// recorded history on resume. The case id is the workflow identity.
type Engine struct {
	cases      casestore.Store
	events     *eventlog.Log
	workflowFn WorkflowFunc
	notifier   notify.Notifier
	logger     *slog.Logger
	opts       Options

	activities map[string]ActivityFunc
	actSlots   chan struct{}
	wfSlots    chan struct{}

	obs *observability.Provider

	sleep func(ctx context.Context, d time.Duration) error
	clock func() time.Time
	newID func() string

	mu   sync.Mutex
	runs map[string]*run
	wg   sync.WaitGroup
}

func NewEngine(cases casestore.Store, events *eventlog.Log, fn WorkflowFunc, notifier notify.Notifier, logger *slog.Logger, opts Options) *Engine {
	opts.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cases:      cases,
		events:     events,
		workflowFn: fn,
		notifier:   notifier,
		logger:     logger,
		opts:       opts,
		activities: make(map[string]ActivityFunc),
		actSlots:   make(chan struct{}, opts.ActivitySlots),
		wfSlots:    make(chan struct{}, opts.WorkflowSlots),
		sleep:      sleepCtx,
		clock:      time.Now,
		newID:      uuid.NewString,
		runs:       make(map[string]*run),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetObservability attaches the metrics/tracing provider. Optional; the
// engine runs dark without one.
func (e *Engine) SetObservability(p *observability.Provider) {
	e.obs = p
}

// Register binds an activity name to its implementation.
func (e *Engine) Register(name string, fn ActivityFunc) {
	e.activities[name] = fn
}

// Start creates the case and launches its workflow execution. A duplicate
// start for the same case id coalesces with the existing run and returns
// the same workflow id.
func (e *Engine) Start(ctx context.Context, req *contracts.StartRequest) (string, error) {
	if req.CaseID == "" || req.BlobURI == "" || req.TenantID == "" {
		return "", errkind.New(errkind.CodeInvalidRequest, "case_id, blob_uri, and tenant_id are required")
	}
	correlation := req.CorrelationID
	if correlation == "" {
		correlation = e.newID()
	}

	now := e.clock().UTC()
	c := &contracts.Case{
		CaseID:        req.CaseID,
		TenantID:      req.TenantID,
		UserID:        req.UserID,
		Status:        contracts.StatusStoringFile,
		CorrelationID: correlation,
		CreatedAt:     now,
		UpdatedAt:     now,
		ChatThread:    req.ChatContext,
		Annotations:   map[string]string{"blob_uri": req.BlobURI},
	}
	if err := e.cases.Create(ctx, c); err != nil {
		if errors.Is(err, casestore.ErrAlreadyExists) {
			return req.CaseID, casestore.ErrAlreadyExists
		}
		return "", err
	}

	if _, err := e.events.Append(ctx, &contracts.AuditEvent{
		CaseID:      c.CaseID,
		TenantID:    c.TenantID,
		Type:        contracts.EventCaseStarted,
		Actor:       contracts.ActorUser,
		Correlation: correlation,
		Data:        map[string]any{"blob_uri": req.BlobURI, "user_id": req.UserID},
	}); err != nil {
		return "", err
	}

	e.launch(c.CaseID)
	return c.CaseID, nil
}

// Resume relaunches executions for all non-terminal cases, replaying each
// against its recorded history. Called once at worker start.
func (e *Engine) Resume(ctx context.Context) error {
	for _, status := range []contracts.Status{
		contracts.StatusStoringFile, contracts.StatusParsing,
		contracts.StatusRunningCommittee, contracts.StatusAwaitingCorrections,
		contracts.StatusResolvingCustomer, contracts.StatusAwaitingCustomerSelection,
		contracts.StatusResolvingItems, contracts.StatusAwaitingItemSelection,
		contracts.StatusAwaitingApproval, contracts.StatusCreatingDraft,
	} {
		cases, err := e.cases.List(ctx, casestore.Filter{Status: status})
		if err != nil {
			return err
		}
		for _, c := range cases {
			e.launch(c.CaseID)
		}
	}
	return nil
}

// Signal delivers a named signal. Known signals the workflow is waiting
// for are handed to it; anything else is recorded as ignored and rejected.
func (e *Engine) Signal(ctx context.Context, workflowID string, name contracts.SignalName, payload json.RawMessage) error {
	c, err := e.cases.Get(ctx, workflowID)
	if err != nil {
		if errors.Is(err, casestore.ErrNotFound) {
			return ErrUnknownWorkflow
		}
		return err
	}

	e.mu.Lock()
	r := e.runs[workflowID]
	e.mu.Unlock()

	accepted := contracts.KnownSignal(name) && r != nil && r.awaitingSignal(name)
	if !accepted {
		var decoded any
		_ = json.Unmarshal(payload, &decoded)
		if _, err := e.events.Append(ctx, &contracts.AuditEvent{
			CaseID:      c.CaseID,
			TenantID:    c.TenantID,
			Type:        contracts.EventSignalIgnored,
			Actor:       contracts.ActorUser,
			Correlation: c.CorrelationID,
			Data: map[string]any{
				"name":    string(name),
				"status":  string(c.Status),
				"payload": decoded,
			},
		}); err != nil {
			return err
		}
		return ErrSignalRejected
	}

	select {
	case r.signals <- deliveredSignal{Name: name, Payload: payload}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueryState is the result of the declared "state" query.
type QueryState struct {
	WorkflowID      string            `json:"workflow_id"`
	Status          contracts.Status  `json:"status"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	HistoryLength   uint64            `json:"history_length"`
	AwaitingSignals []string          `json:"awaiting_signals,omitempty"`
	Result          map[string]string `json:"result,omitempty"`
}

// Query executes a declared read-only query against a workflow.
func (e *Engine) Query(ctx context.Context, workflowID, name string) (any, error) {
	if name != "state" {
		return nil, errkind.Newf(errkind.CodeInvalidRequest, "unknown query %q", name)
	}
	return e.State(ctx, workflowID)
}

// State reports the live view of one workflow.
func (e *Engine) State(ctx context.Context, workflowID string) (*QueryState, error) {
	c, err := e.cases.Get(ctx, workflowID)
	if err != nil {
		if errors.Is(err, casestore.ErrNotFound) {
			return nil, ErrUnknownWorkflow
		}
		return nil, err
	}
	seq, err := e.events.LastSequence(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	state := &QueryState{
		WorkflowID:    c.CaseID,
		Status:        c.Status,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
		HistoryLength: seq,
	}
	e.mu.Lock()
	if r := e.runs[workflowID]; r != nil {
		r.mu.Lock()
		for _, n := range r.awaiting {
			state.AwaitingSignals = append(state.AwaitingSignals, string(n))
		}
		r.mu.Unlock()
	}
	e.mu.Unlock()

	if c.Status == contracts.StatusCompleted {
		state.Result = map[string]string{
			"external_draft_id":     c.ExternalDraftID,
			"external_draft_number": c.ExternalDraftNo,
		}
	}
	return state, nil
}

// Terminate asks the workflow to cancel at its next suspension point. The
// workflow seals its audit bundle before going terminal.
func (e *Engine) Terminate(ctx context.Context, workflowID, reason string) error {
	c, err := e.cases.Get(ctx, workflowID)
	if err != nil {
		if errors.Is(err, casestore.ErrNotFound) {
			return ErrUnknownWorkflow
		}
		return err
	}
	if c.Status.Terminal() {
		return nil
	}

	e.mu.Lock()
	r := e.runs[workflowID]
	e.mu.Unlock()
	if r == nil {
		return ErrUnknownWorkflow
	}
	if c.Annotations == nil {
		c.Annotations = map[string]string{}
	}
	c.Annotations["terminate_reason"] = reason
	if err := e.cases.Update(ctx, c); err != nil {
		return err
	}
	r.terminateOnce.Do(func() { close(r.terminated) })
	return nil
}

// Drain stops accepting new executions and waits for in-flight workflow
// goroutines to park, up to the grace period.
func (e *Engine) Drain(grace time.Duration) {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
	}
}

// launch starts (or restarts) the execution goroutine for a case.
func (e *Engine) launch(caseID string) {
	e.mu.Lock()
	if _, live := e.runs[caseID]; live {
		e.mu.Unlock()
		return
	}
	r := &run{
		caseID:      caseID,
		executionID: e.newID(),
		signals:     make(chan deliveredSignal, 4),
		terminated:  make(chan struct{}),
		runDeadline: time.After(e.opts.RunTimeout),
	}
	e.runs[caseID] = r
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.execute(context.Background(), r)
	}()
}

// execute replays history and runs the workflow function to completion,
// handling the three ways it can unwind: continue-as-new, terminate, and
// failure.
func (e *Engine) execute(ctx context.Context, r *run) {
	e.wfSlots <- struct{}{}
	defer func() { <-e.wfSlots }()

	c, err := e.cases.Get(ctx, r.caseID)
	if err != nil {
		e.logger.Error("workflow load failed", "case_id", r.caseID, "error", err)
		e.forget(r.caseID)
		return
	}
	history, err := e.events.ReadByCase(ctx, r.caseID, 0)
	if err != nil {
		e.logger.Error("workflow history read failed", "case_id", r.caseID, "error", err)
		e.forget(r.caseID)
		return
	}

	cur := newCursor(history)
	if cur.replaying() {
		// The stored case carries the latest status; replay must start
		// from the same initial state the original execution saw.
		c.Status = contracts.StatusStoringFile
	}
	w := &Context{ctx: ctx, engine: e, run: r, caseID: r.caseID, cursor: cur, kase: c}
	err = e.workflowFn(w)

	var can *continueAsNew
	switch {
	case err == nil:
		e.forget(r.caseID)
		e.observeOutcome(ctx, w.kase)
	case errors.As(err, &can):
		e.rotate(ctx, w, r, can)
	case errors.Is(err, errRunTimeout):
		e.rotate(ctx, w, r, &continueAsNew{Reason: "run_timeout"})
	case errors.Is(err, errTerminated):
		e.forget(r.caseID)
		e.logger.Info("workflow terminated", "case_id", r.caseID)
	default:
		e.forget(r.caseID)
		e.logger.Error("workflow failed", "case_id", r.caseID,
			"code", string(errkind.CodeOf(err)), "error", err)
		if e.obs != nil {
			e.obs.WorkflowFailed(ctx,
				observability.AttrCaseID.String(r.caseID),
				observability.AttrErrorCode.String(string(errkind.CodeOf(err))),
			)
		}
	}
}

// observeOutcome counts a finished execution by its terminal case status.
func (e *Engine) observeOutcome(ctx context.Context, c *contracts.Case) {
	if e.obs == nil {
		return
	}
	attrs := []attribute.KeyValue{
		observability.AttrCaseID.String(c.CaseID),
		observability.AttrStatus.String(string(c.Status)),
	}
	switch c.Status {
	case contracts.StatusFailed, contracts.StatusQueuedForRetry:
		e.obs.WorkflowFailed(ctx, attrs...)
	default:
		e.obs.WorkflowCompleted(ctx, attrs...)
	}
}

// rotate records the continue-as-new boundary and relaunches the case as a
// fresh execution. The case id is preserved; the new execution carries a
// back-reference to the previous one.
func (e *Engine) rotate(ctx context.Context, w *Context, r *run, can *continueAsNew) {
	data := map[string]any{
		"reason":                can.Reason,
		"reset":                 can.Reset,
		"previous_execution_id": r.executionID,
	}
	if can.NewBlobURI != "" {
		data["new_blob_uri"] = can.NewBlobURI
	}
	if _, err := e.events.Append(ctx, &contracts.AuditEvent{
		CaseID:      r.caseID,
		TenantID:    w.kase.TenantID,
		Type:        contracts.EventContinuedAsNew,
		Actor:       contracts.ActorSystem,
		Correlation: w.kase.CorrelationID,
		Data:        data,
	}); err != nil {
		e.logger.Error("continue-as-new record failed", "case_id", r.caseID, "error", err)
		e.forget(r.caseID)
		return
	}

	if w.kase.Annotations == nil {
		w.kase.Annotations = map[string]string{}
	}
	w.kase.Annotations["previous_execution_id"] = r.executionID
	if can.NewBlobURI != "" {
		w.kase.Annotations["blob_uri"] = can.NewBlobURI
	}
	if can.Reset {
		w.kase.Status = contracts.StatusStoringFile
	}
	w.kase.UpdatedAt = e.clock().UTC()
	if err := e.cases.Update(ctx, w.kase); err != nil {
		e.logger.Error("continue-as-new case update failed", "case_id", r.caseID, "error", err)
	}

	e.forget(r.caseID)
	e.launch(r.caseID)
}

func (e *Engine) forget(caseID string) {
	e.mu.Lock()
	delete(e.runs, caseID)
	e.mu.Unlock()
}

// runActivity executes a registered activity with retries per policy.
// Returns the JSON-normalized result and the number of attempts consumed.
func (e *Engine) runActivity(ctx context.Context, caseID, name string, input json.RawMessage, policy RetryPolicy) (any, int, error) {
	if e.obs == nil {
		return e.attemptActivity(ctx, caseID, name, input, policy)
	}
	ctx, finish := e.obs.TrackActivity(ctx, name,
		observability.AttrCaseID.String(caseID),
		observability.AttrActivity.String(name),
	)
	result, attempts, err := e.attemptActivity(ctx, caseID, name, input, policy)
	finish(err)
	return result, attempts, err
}

func (e *Engine) attemptActivity(ctx context.Context, caseID, name string, input json.RawMessage, policy RetryPolicy) (any, int, error) {
	fn, ok := e.activities[name]
	if !ok {
		return nil, 0, errkind.Newf(errkind.CodeInvariantViolated, "activity %q not registered", name)
	}

	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := BackoffFor(BackoffParams{
				CaseID:       caseID,
				ActivityName: name,
				AttemptIndex: attempt - 1,
			}, policy, lastErr)
			if err := e.sleep(ctx, delay); err != nil {
				return nil, attempt, err
			}
		}

		e.actSlots <- struct{}{}
		attemptCtx, cancel := context.WithTimeout(ctx, e.opts.ActivityTimeout)
		result, err := fn(attemptCtx, input)
		cancel()
		<-e.actSlots

		if err == nil {
			normalized, nerr := normalizeJSON(result)
			if nerr != nil {
				return nil, attempt + 1, nerr
			}
			return normalized, attempt + 1, nil
		}
		lastErr = err
		if !errkind.IsRetryable(err) {
			return nil, attempt + 1, err
		}
		code := errkind.CodeOf(err)
		e.logger.Warn("activity retry", "case_id", caseID, "activity", name,
			"attempt", attempt+1, "code", string(code))
		if e.obs != nil && (code == errkind.CodeCatalogUnavailable || code == errkind.CodeCatalogRateLimited) {
			e.obs.CatalogRetry(ctx,
				observability.AttrActivity.String(name),
				observability.AttrErrorCode.String(string(code)),
			)
		}
	}
	return nil, policy.MaxAttempts, lastErr
}

// remind emits a human-wait reminder through the notifier. Reminders are
// side effects outside history; replay never resends them.
func (e *Engine) remind(ctx context.Context, c *contracts.Case, awaiting []contracts.SignalName) {
	if e.notifier == nil {
		return
	}
	next := "waiting for user action"
	if len(awaiting) > 0 {
		next = "waiting for " + string(awaiting[0])
	}
	_ = e.notifier.Notify(ctx, notify.Message{
		Kind:          notify.KindReminder,
		CaseID:        c.CaseID,
		CorrelationID: c.CorrelationID,
		Summary:       "This order is still waiting on you.",
		NextStep:      next,
		Thread:        c.ChatThread,
	})
}

// normalizeJSON forces a value through a JSON round trip so the recorded
// history shape and the live shape are identical.
func normalizeJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errkind.Wrap(errkind.CodeInvariantViolated, "encode activity result", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errkind.Wrap(errkind.CodeInvariantViolated, "normalize activity result", err)
	}
	return out, nil
}
