package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderpilot/orderpilot/pkg/audit"
	"github.com/orderpilot/orderpilot/pkg/casestore"
	"github.com/orderpilot/orderpilot/pkg/catalog"
	"github.com/orderpilot/orderpilot/pkg/committee"
	"github.com/orderpilot/orderpilot/pkg/config"
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
)

// contentParser scripts parse outcomes by file content. Results are copied
// per call so activity mutations never leak between executions.
type contentParser struct {
	mu      sync.Mutex
	results map[string]*parser.Result
}

func (p *contentParser) Parse(ctx context.Context, filename string, file []byte) (*parser.Result, error) {
	p.mu.Lock()
	res, ok := p.results[string(file)]
	p.mu.Unlock()
	if !ok {
		return nil, errkind.Newf(errkind.CodeParseUnparsable, "no parse scripted for %q", string(file))
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return nil, err
	}
	var out parser.Result
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// seqProvider replays one scripted response per invocation; the last one
// repeats. Counts calls so tests can prove replay never re-invokes it.
type seqProvider struct {
	id     string
	family string

	mu        sync.Mutex
	responses []string
	calls     int
}

func (p *seqProvider) ID() string     { return p.id }
func (p *seqProvider) Family() string { return p.family }

func (p *seqProvider) Invoke(ctx context.Context, prompt string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	idx := p.calls - 1
	if idx >= len(p.responses) {
		idx = len(p.responses) - 1
	}
	return p.responses[idx], nil
}

func (p *seqProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// fakeCatalog implements CatalogAPI and matching.Searcher against in-memory
// fixtures, with idempotent draft creation keyed by token.
type fakeCatalog struct {
	mu        sync.Mutex
	customers []catalog.Customer
	items     []catalog.Item

	createErr   error
	createCalls int
	draftSeq    int
	created     map[string]*catalog.DraftResult
	payloads    []catalog.DraftPayload
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		customers: []catalog.Customer{{ID: "C1", Name: "Acme GmbH"}},
		items: []catalog.Item{
			{ID: "I1", SKU: "SKU-1", Name: "Widget", Price: 42.00},
			{ID: "I2", SKU: "SKU-2", Name: "Gadget", Price: 5.00},
		},
		created: map[string]*catalog.DraftResult{},
	}
}

func (f *fakeCatalog) setCustomers(cs []catalog.Customer) {
	f.mu.Lock()
	f.customers = cs
	f.mu.Unlock()
}

func (f *fakeCatalog) failCreates(err error) {
	f.mu.Lock()
	f.createErr = err
	f.mu.Unlock()
}

func (f *fakeCatalog) creates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls
}

func (f *fakeCatalog) lastPayload() catalog.DraftPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.payloads[len(f.payloads)-1]
}

func (f *fakeCatalog) GetCustomer(ctx context.Context, tenantID, id string) (*catalog.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.customers {
		if c.ID == id {
			out := c
			return &out, nil
		}
	}
	return nil, errkind.Newf(errkind.CodeInvalidRequest, "no such customer %q", id)
}

func (f *fakeCatalog) GetItem(ctx context.Context, tenantID, id string) (*catalog.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, it := range f.items {
		if it.ID == id {
			out := it
			return &out, nil
		}
	}
	return nil, errkind.Newf(errkind.CodeInvalidRequest, "no such item %q", id)
}

func (f *fakeCatalog) SearchCustomer(ctx context.Context, tenantID, name string) ([]catalog.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]catalog.Customer(nil), f.customers...), nil
}

func (f *fakeCatalog) SearchItem(ctx context.Context, tenantID string, q catalog.ItemQuery) ([]catalog.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var hits []catalog.Item
	for _, it := range f.items {
		switch {
		case q.SKU != "" && it.SKU != q.SKU:
		case q.GTIN != "" && it.GTIN != q.GTIN:
		default:
			hits = append(hits, it)
		}
	}
	return hits, nil
}

func (f *fakeCatalog) CreateDraft(ctx context.Context, tenantID string, payload catalog.DraftPayload, token string) (*catalog.DraftResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return nil, f.createErr
	}
	if existing, ok := f.created[token]; ok {
		dup := *existing
		dup.IsDuplicate = true
		return &dup, nil
	}
	f.draftSeq++
	res := &catalog.DraftResult{
		DraftID:     fmt.Sprintf("D-%d", f.draftSeq),
		DraftNumber: fmt.Sprintf("10%02d", f.draftSeq),
	}
	f.created[token] = res
	f.payloads = append(f.payloads, payload)
	return res, nil
}

func (f *fakeCatalog) FindDraftByIdempotencyToken(ctx context.Context, tenantID, token string) (*catalog.DraftResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if res, ok := f.created[token]; ok {
		out := *res
		out.IsDuplicate = true
		return &out, nil
	}
	return nil, nil
}

// noteRecorder is a concurrency-safe notification sink.
type noteRecorder struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (r *noteRecorder) Notify(ctx context.Context, msg notify.Message) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
	return nil
}

func (r *noteRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func (r *noteRecorder) last(kind notify.Kind) (notify.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.msgs) - 1; i >= 0; i-- {
		if r.msgs[i].Kind == kind {
			return r.msgs[i], true
		}
	}
	return notify.Message{}, false
}

func voteResponse(t *testing.T, votes map[string]string, confidence float64) string {
	t.Helper()
	resp := contracts.CommitteeResponse{OverallConfidence: confidence, Issues: []string{}}
	for field, col := range votes {
		resp.Mappings = append(resp.Mappings, contracts.FieldMapping{
			Field:            field,
			SelectedColumnID: col,
			Confidence:       confidence,
			Reasoning:        "header match",
		})
	}
	raw, err := json.Marshal(resp)
	require.NoError(t, err)
	return string(raw)
}

func unanimousPool(t *testing.T) []committee.Provider {
	t.Helper()
	resp := voteResponse(t, map[string]string{"sku": "col-a", "quantity": "col-b"}, 0.95)
	return []committee.Provider{
		&seqProvider{id: "p1", family: "f1", responses: []string{resp}},
		&seqProvider{id: "p2", family: "f2", responses: []string{resp}},
		&seqProvider{id: "p3", family: "f3", responses: []string{resp}},
	}
}

func packColumns() []contracts.CandidateColumn {
	return []contracts.CandidateColumn{
		{ColumnID: "col-a", Header: "Artikel"},
		{ColumnID: "col-b", Header: "Menge"},
		{ColumnID: "col-c", Header: "Kunde"},
	}
}

func goodParse() *parser.Result {
	return &parser.Result{
		Order: &contracts.CanonicalOrder{
			Version: 1,
			Metadata: contracts.OrderMetadata{
				SourceFilename: "order.xlsx",
				ParserVersion:  "2.1.0",
				LanguageHint:   "de",
			},
			Customer: contracts.CustomerBlock{Name: "Acme GmbH"},
			Lines: []contracts.LineItem{
				{LineNumber: 1, Description: "Widget", Quantity: 10, UnitPrice: 39.50, SKU: "SKU-1"},
				{LineNumber: 2, Description: "Gadget", Quantity: 0, SKU: "SKU-2"},
			},
		},
		Candidates: packColumns(),
	}
}

// env wires a full in-memory pipeline around one Engine.
type env struct {
	t      *testing.T
	blobs  evidence.Store
	events *eventlog.Log
	cases  casestore.Store
	fps    fingerprint.Store
	queue  *outbox.MemoryQueue
	cat    *fakeCatalog
	notes  *noteRecorder
	acts   *Activities
	engine *Engine
}

func newEnv(t *testing.T, pool []committee.Provider) *env {
	t.Helper()
	blobs := evidence.NewMemoryStore()
	events := eventlog.New(eventlog.NewMemoryBackend(), blobs, 64*1024)

	weights, err := config.LoadWeights("")
	require.NoError(t, err)
	comm, err := committee.New(pool, weights, blobs, events, committee.Options{})
	require.NoError(t, err)

	files := map[string][]byte{
		"mem://good":    []byte("good order sheet"),
		"mem://blocked": []byte("sheet full of formulas"),
	}
	scripted := &contentParser{results: map[string]*parser.Result{
		"good order sheet":       goodParse(),
		"sheet full of formulas": {Blocked: true, BlockedReason: parser.BlockedFormulas},
	}}

	e := &env{
		t:      t,
		blobs:  blobs,
		events: events,
		cases:  casestore.NewMemoryStore(),
		fps:    fingerprint.NewMemoryStore(),
		queue:  outbox.NewMemoryQueue(),
		cat:    newFakeCatalog(),
		notes:  &noteRecorder{},
	}
	e.acts = &Activities{
		Blobs:        blobs,
		Events:       events,
		Cases:        e.cases,
		Parser:       scripted,
		Committee:    comm,
		Matcher:      matching.New(e.cat, matching.NewMemoryCache(), nil, matching.Options{}),
		Fingerprints: e.fps,
		Catalog:      e.cat,
		Sealer:       audit.NewSealer(blobs, events),
		Outbox:       e.queue,
		Notifier:     e.notes,
		Fetch: func(ctx context.Context, uri string) ([]byte, error) {
			data, ok := files[uri]
			if !ok {
				return nil, errkind.Newf(errkind.CodeInvalidRequest, "unknown blob uri %q", uri)
			}
			return data, nil
		},
		ExpectedFields: []string{"sku", "quantity"},
	}
	e.engine = e.newEngine()
	return e
}

// newEngine builds an engine over the env's stores. Tests call it a second
// time to simulate a worker restart against the same durable state.
func (e *env) newEngine() *Engine {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := NewEngine(e.cases, e.events, OrderWorkflow, e.notes, logger, Options{
		RunTimeout:       time.Hour,
		ReminderInterval: time.Hour,
		ActivityTimeout:  time.Minute,
	})
	eng.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	e.acts.RegisterAll(eng)
	return eng
}

func (e *env) start(caseID, uri string) {
	e.t.Helper()
	id, err := e.engine.Start(context.Background(), &contracts.StartRequest{
		CaseID:   caseID,
		BlobURI:  uri,
		TenantID: "t1",
		UserID:   "u1",
	})
	require.NoError(e.t, err)
	require.Equal(e.t, caseID, id)
}

func (e *env) getCase(caseID string) *contracts.Case {
	e.t.Helper()
	c, err := e.cases.Get(context.Background(), caseID)
	require.NoError(e.t, err)
	return c
}

func (e *env) waitStatus(caseID string, want contracts.Status) *contracts.Case {
	e.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c := e.getCase(caseID)
		if c.Status == want {
			return c
		}
		time.Sleep(2 * time.Millisecond)
	}
	e.t.Fatalf("case %s never reached %s (last %s)", caseID, want, e.getCase(caseID).Status)
	return nil
}

// waitSealed waits for the status and its sealed audit bundle.
func (e *env) waitSealed(caseID string, want contracts.Status) *contracts.Case {
	e.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c := e.getCase(caseID)
		if c.Status == want && c.ManifestHash != "" {
			return c
		}
		time.Sleep(2 * time.Millisecond)
	}
	e.t.Fatalf("case %s never sealed in %s", caseID, want)
	return nil
}

func (e *env) waitAwaitingOn(eng *Engine, caseID string, name contracts.SignalName) {
	e.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st, err := eng.State(context.Background(), caseID)
		require.NoError(e.t, err)
		for _, n := range st.AwaitingSignals {
			if n == string(name) {
				return
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	e.t.Fatalf("case %s never awaited signal %s", caseID, name)
}

func (e *env) signalOn(eng *Engine, caseID string, name contracts.SignalName, payload any) {
	e.t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(e.t, err)
	e.waitAwaitingOn(eng, caseID, name)
	require.NoError(e.t, eng.Signal(context.Background(), caseID, name, raw))
}

func (e *env) signal(caseID string, name contracts.SignalName, payload any) {
	e.t.Helper()
	e.signalOn(e.engine, caseID, name, payload)
}

func (e *env) approve(caseID string) {
	e.t.Helper()
	e.signal(caseID, contracts.SignalApprovalReceived,
		contracts.ApprovalReceivedPayload{Approved: true, By: "ops"})
}

func (e *env) eventTypes(caseID string) []contracts.EventType {
	e.t.Helper()
	stream, err := e.events.ReadByCase(context.Background(), caseID, 0)
	require.NoError(e.t, err)
	types := make([]contracts.EventType, 0, len(stream))
	for _, ev := range stream {
		types = append(types, ev.Type)
	}
	return types
}

func TestStartValidatesRequiredFields(t *testing.T) {
	e := newEnv(t, unanimousPool(t))

	_, err := e.engine.Start(context.Background(), &contracts.StartRequest{CaseID: "c", BlobURI: "mem://good"})
	require.Error(t, err)
	assert.Equal(t, errkind.CodeInvalidRequest, errkind.CodeOf(err))
}

func TestDuplicateStartCoalesces(t *testing.T) {
	e := newEnv(t, unanimousPool(t))
	e.start("case-dup-start", "mem://good")

	id, err := e.engine.Start(context.Background(), &contracts.StartRequest{
		CaseID:   "case-dup-start",
		BlobURI:  "mem://good",
		TenantID: "t1",
	})
	require.ErrorIs(t, err, casestore.ErrAlreadyExists)
	assert.Equal(t, "case-dup-start", id)

	e.approve("case-dup-start")
	e.waitSealed("case-dup-start", contracts.StatusCompleted)
	assert.Equal(t, 1, e.cat.creates())
}

func TestSignalOutsideItsWaitIsRecordedAndRejected(t *testing.T) {
	e := newEnv(t, unanimousPool(t))
	e.start("case-oos", "mem://good")
	e.waitAwaitingOn(e.engine, "case-oos", contracts.SignalApprovalReceived)

	raw, err := json.Marshal(contracts.CorrectionsSubmittedPayload{SubmittedBy: "ops"})
	require.NoError(t, err)
	err = e.engine.Signal(context.Background(), "case-oos", contracts.SignalCorrectionsSubmitted, raw)
	require.ErrorIs(t, err, ErrSignalRejected)

	err = e.engine.Signal(context.Background(), "case-oos", "Bogus", raw)
	require.ErrorIs(t, err, ErrSignalRejected)

	assert.Contains(t, e.eventTypes("case-oos"), contracts.EventSignalIgnored)
	assert.Equal(t, contracts.StatusAwaitingApproval, e.getCase("case-oos").Status)

	e.approve("case-oos")
	e.waitSealed("case-oos", contracts.StatusCompleted)
}

func TestSignalUnknownWorkflow(t *testing.T) {
	e := newEnv(t, unanimousPool(t))

	err := e.engine.Signal(context.Background(), "nope", contracts.SignalApprovalReceived, nil)
	require.ErrorIs(t, err, ErrUnknownWorkflow)

	_, err = e.engine.State(context.Background(), "nope")
	require.ErrorIs(t, err, ErrUnknownWorkflow)
}

func TestQueryStateReportsProgressAndResult(t *testing.T) {
	e := newEnv(t, unanimousPool(t))
	e.start("case-query", "mem://good")
	e.waitAwaitingOn(e.engine, "case-query", contracts.SignalApprovalReceived)

	got, err := e.engine.Query(context.Background(), "case-query", "state")
	require.NoError(t, err)
	st, ok := got.(*QueryState)
	require.True(t, ok)
	assert.Equal(t, contracts.StatusAwaitingApproval, st.Status)
	assert.Contains(t, st.AwaitingSignals, string(contracts.SignalApprovalReceived))
	assert.NotZero(t, st.HistoryLength)
	assert.Nil(t, st.Result)

	_, err = e.engine.Query(context.Background(), "case-query", "bogus")
	require.Error(t, err)

	e.approve("case-query")
	c := e.waitSealed("case-query", contracts.StatusCompleted)

	st, err = e.engine.State(context.Background(), "case-query")
	require.NoError(t, err)
	assert.Equal(t, c.ExternalDraftID, st.Result["external_draft_id"])
}

func TestTerminateCancelsAndSealsBundle(t *testing.T) {
	e := newEnv(t, unanimousPool(t))
	e.start("case-term", "mem://good")
	e.waitAwaitingOn(e.engine, "case-term", contracts.SignalApprovalReceived)

	require.NoError(t, e.engine.Terminate(context.Background(), "case-term", "user asked"))
	c := e.waitSealed("case-term", contracts.StatusCancelled)
	assert.Equal(t, "user asked", c.Annotations["terminate_reason"])
	assert.Empty(t, c.ExternalDraftID)
	assert.Zero(t, e.cat.creates())

	types := e.eventTypes("case-term")
	assert.Contains(t, types, contracts.EventWorkflowCancelled)
	assert.Contains(t, types, contracts.EventBundleSealed)

	_, ok := e.notes.last(notify.KindCancelled)
	assert.True(t, ok)

	// Terminating a terminal case is a no-op.
	require.NoError(t, e.engine.Terminate(context.Background(), "case-term", "again"))
}

func TestResumeReplaysHistoryWithoutRepeatingSideEffects(t *testing.T) {
	pool := unanimousPool(t)
	e := newEnv(t, pool)
	e.start("case-resume", "mem://good")
	e.waitAwaitingOn(e.engine, "case-resume", contracts.SignalApprovalReceived)

	ctx := context.Background()
	seqBefore, err := e.events.LastSequence(ctx, "case-resume")
	require.NoError(t, err)
	committeeCalls := 0
	for _, p := range pool {
		committeeCalls += p.(*seqProvider).callCount()
	}
	notesBefore := e.notes.count()

	// A second engine over the same stores stands in for a restarted worker;
	// the first engine's goroutine is abandoned, as a crash would leave it.
	restarted := e.newEngine()
	require.NoError(t, restarted.Resume(ctx))
	e.waitAwaitingOn(restarted, "case-resume", contracts.SignalApprovalReceived)

	seqAfter, err := e.events.LastSequence(ctx, "case-resume")
	require.NoError(t, err)
	assert.Equal(t, seqBefore, seqAfter, "replay must not append history")

	replayed := 0
	for _, p := range pool {
		replayed += p.(*seqProvider).callCount()
	}
	assert.Equal(t, committeeCalls, replayed, "replay must not re-invoke providers")
	assert.Zero(t, e.cat.creates())
	assert.Equal(t, notesBefore, e.notes.count(), "replay must not re-notify")

	e.signalOn(restarted, "case-resume", contracts.SignalApprovalReceived,
		contracts.ApprovalReceivedPayload{Approved: true, By: "ops"})
	c := e.waitSealed("case-resume", contracts.StatusCompleted)
	assert.Equal(t, "D-1", c.ExternalDraftID)
	assert.Equal(t, 1, e.cat.creates())
}

func TestWorkflowRunsWithTelemetryAttached(t *testing.T) {
	obs, err := observability.New(context.Background(), &observability.Config{Enabled: false})
	require.NoError(t, err)

	e := newEnv(t, unanimousPool(t))
	e.engine.SetObservability(obs)
	e.acts.Obs = obs

	e.start("case-obs", "mem://good")
	e.approve("case-obs")
	c := e.waitSealed("case-obs", contracts.StatusCompleted)
	assert.Equal(t, contracts.StatusCompleted, c.Status)
	assert.Equal(t, "D-1", c.ExternalDraftID)
}
