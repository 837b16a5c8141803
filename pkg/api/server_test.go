package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderpilot/orderpilot/pkg/casestore"
	"github.com/orderpilot/orderpilot/pkg/contracts"
	"github.com/orderpilot/orderpilot/pkg/errkind"
	"github.com/orderpilot/orderpilot/pkg/evidence"
	"github.com/orderpilot/orderpilot/pkg/workflow"
)

// fakeEngine scripts engine answers per workflow id.
type fakeEngine struct {
	mu         sync.Mutex
	started    []*contracts.StartRequest
	states     map[string]*workflow.QueryState
	awaiting   map[string][]contracts.SignalName
	terminated map[string]string
	startErr   error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		states:     make(map[string]*workflow.QueryState),
		awaiting:   make(map[string][]contracts.SignalName),
		terminated: make(map[string]string),
	}
}

func (f *fakeEngine) Start(ctx context.Context, req *contracts.StartRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if req.CaseID == "" || req.BlobURI == "" || req.TenantID == "" {
		return "", errkind.New(errkind.CodeInvalidRequest, "case_id, blob_uri, and tenant_id are required")
	}
	if f.startErr != nil {
		return req.CaseID, f.startErr
	}
	f.started = append(f.started, req)
	return req.CaseID, nil
}

func (f *fakeEngine) State(ctx context.Context, id string) (*workflow.QueryState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.states[id]
	if !ok {
		return nil, workflow.ErrUnknownWorkflow
	}
	return s, nil
}

func (f *fakeEngine) Query(ctx context.Context, id, name string) (any, error) {
	if name != "state" {
		return nil, errkind.Newf(errkind.CodeInvalidRequest, "unknown query %q", name)
	}
	return f.State(ctx, id)
}

func (f *fakeEngine) Signal(ctx context.Context, id string, name contracts.SignalName, payload json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.states[id]; !ok {
		return workflow.ErrUnknownWorkflow
	}
	for _, n := range f.awaiting[id] {
		if n == name {
			return nil
		}
	}
	return workflow.ErrSignalRejected
}

func (f *fakeEngine) Terminate(ctx context.Context, id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.states[id]; !ok {
		return workflow.ErrUnknownWorkflow
	}
	f.terminated[id] = reason
	return nil
}

func newTestServer(t *testing.T, eng *fakeEngine, ready func(context.Context) error) http.Handler {
	t.Helper()
	srv := NewServer(eng, testLogger(), ready)
	return srv.Routes(nil, nil)
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestStartAccepted(t *testing.T) {
	eng := newFakeEngine()
	h := newTestServer(t, eng, nil)

	w := do(t, h, http.MethodPost, "/workflow/start", contracts.StartRequest{
		CaseID:   "case-1",
		BlobURI:  "s3://uploads/case-1.xlsx",
		TenantID: "t1",
		UserID:   "u1",
	})

	require.Equal(t, http.StatusAccepted, w.Code)
	var resp StartResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "case-1", resp.WorkflowID)
	assert.Equal(t, "/workflow/case-1/status", resp.StatusURL)
	assert.Equal(t, "/workflow/case-1/signal/{name}", resp.SignalURLTemplate)
	assert.Equal(t, "/workflow/case-1/terminate", resp.TerminateURL)
	assert.NotEmpty(t, w.Header().Get("X-Correlation-ID"))

	require.Len(t, eng.started, 1)
	assert.Equal(t, w.Header().Get("X-Correlation-ID"), eng.started[0].CorrelationID,
		"generated correlation id flows into the start request")
}

func TestStartSuppliedCorrelationIDWins(t *testing.T) {
	eng := newFakeEngine()
	h := newTestServer(t, eng, nil)

	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(contracts.StartRequest{
		CaseID: "case-1", BlobURI: "mem://x", TenantID: "t1",
	}))
	req := httptest.NewRequest(http.MethodPost, "/workflow/start", &buf)
	req.Header.Set("X-Correlation-ID", "corr-42")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "corr-42", w.Header().Get("X-Correlation-ID"))
	assert.Equal(t, "corr-42", eng.started[0].CorrelationID)
}

func TestStartValidation(t *testing.T) {
	h := newTestServer(t, newFakeEngine(), nil)

	w := do(t, h, http.MethodPost, "/workflow/start", contracts.StartRequest{CaseID: "case-1"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))

	var problem ProblemDetail
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &problem))
	assert.Equal(t, "https://orderpilot.dev/errors/400", problem.Type)
	assert.Contains(t, problem.Detail, "blob_uri")
}

func TestStartDuplicateConflicts(t *testing.T) {
	eng := newFakeEngine()
	eng.startErr = casestore.ErrAlreadyExists
	h := newTestServer(t, eng, nil)

	w := do(t, h, http.MethodPost, "/workflow/start", contracts.StartRequest{
		CaseID: "case-1", BlobURI: "mem://x", TenantID: "t1",
	})
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestStatus(t *testing.T) {
	eng := newFakeEngine()
	eng.states["case-1"] = &workflow.QueryState{
		WorkflowID:      "case-1",
		Status:          contracts.StatusAwaitingApproval,
		HistoryLength:   17,
		AwaitingSignals: []string{string(contracts.SignalApprovalReceived)},
	}
	h := newTestServer(t, eng, nil)

	w := do(t, h, http.MethodGet, "/workflow/case-1/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var state workflow.QueryState
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &state))
	assert.Equal(t, contracts.StatusAwaitingApproval, state.Status)
	assert.Equal(t, uint64(17), state.HistoryLength)

	w = do(t, h, http.MethodGet, "/workflow/nope/status", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSignalDeliveryAndRejection(t *testing.T) {
	eng := newFakeEngine()
	eng.states["case-1"] = &workflow.QueryState{WorkflowID: "case-1", Status: contracts.StatusAwaitingApproval}
	eng.awaiting["case-1"] = []contracts.SignalName{contracts.SignalApprovalReceived}
	h := newTestServer(t, eng, nil)

	w := do(t, h, http.MethodPost, "/workflow/case-1/signal/ApprovalReceived",
		contracts.ApprovalReceivedPayload{Approved: true, By: "ops"})
	require.Equal(t, http.StatusAccepted, w.Code)

	w = do(t, h, http.MethodPost, "/workflow/case-1/signal/FileReuploaded",
		contracts.FileReuploadedPayload{NewBlobURI: "mem://again"})
	require.Equal(t, http.StatusConflict, w.Code)
	var problem ProblemDetail
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &problem))
	assert.Contains(t, problem.Detail, "recorded in the event log")

	w = do(t, h, http.MethodPost, "/workflow/nope/signal/ApprovalReceived",
		contracts.ApprovalReceivedPayload{Approved: true})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTerminateAndCancel(t *testing.T) {
	eng := newFakeEngine()
	eng.states["case-1"] = &workflow.QueryState{WorkflowID: "case-1", Status: contracts.StatusParsing}
	eng.states["case-2"] = &workflow.QueryState{WorkflowID: "case-2", Status: contracts.StatusParsing}
	h := newTestServer(t, eng, nil)

	w := do(t, h, http.MethodPost, "/workflow/case-1/terminate", TerminateRequest{Reason: "wrong file"})
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "terminated", resp["status"])
	assert.Equal(t, "wrong file", eng.terminated["case-1"])

	w = do(t, h, http.MethodPost, "/workflow/case-2/cancel", TerminateRequest{})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "cancelling", resp["status"])
	assert.Equal(t, "requested via API", eng.terminated["case-2"])

	w = do(t, h, http.MethodPost, "/workflow/nope/terminate", TerminateRequest{Reason: "x"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestQuery(t *testing.T) {
	eng := newFakeEngine()
	eng.states["case-1"] = &workflow.QueryState{WorkflowID: "case-1", Status: contracts.StatusCompleted}
	h := newTestServer(t, eng, nil)

	w := do(t, h, http.MethodGet, "/workflow/case-1/query/state", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, h, http.MethodGet, "/workflow/case-1/query/bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestProbes(t *testing.T) {
	eng := newFakeEngine()

	h := newTestServer(t, eng, func(context.Context) error { return nil })
	for _, path := range []string{"/health", "/ready", "/live"} {
		w := do(t, h, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusOK, w.Code, path)
	}

	h = newTestServer(t, eng, func(context.Context) error { return context.DeadlineExceeded })
	w := do(t, h, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	w = do(t, h, http.MethodGet, "/live", nil)
	assert.Equal(t, http.StatusOK, w.Code, "liveness ignores backend state")
}

func TestEvidenceLink(t *testing.T) {
	eng := newFakeEngine()
	eng.states["case-1"] = &workflow.QueryState{WorkflowID: "case-1", Status: contracts.StatusCompleted}

	// Presigning disabled: endpoint does not exist.
	h := newTestServer(t, eng, nil)
	w := do(t, h, http.MethodGet, "/workflow/case-1/evidence/audit/manifest.json", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	srv := NewServer(eng, testLogger(), nil)
	presigner, err := evidence.NewPresigner("test-secret", "https://core.local/evidence")
	require.NoError(t, err)
	srv.EnablePresign(presigner)
	h = srv.Routes(nil, nil)

	w = do(t, h, http.MethodGet, "/workflow/case-1/evidence/audit/manifest.json", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		URL       string `json:"url"`
		ExpiresIn int    `json:"expires_in"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp.URL, "https://core.local/evidence?token=")
	assert.Equal(t, 900, resp.ExpiresIn)

	path, _, err := presigner.Verify(strings.TrimPrefix(resp.URL, "https://core.local/evidence?token="))
	require.NoError(t, err)
	assert.Equal(t, "case-1/audit/manifest.json", path)

	w = do(t, h, http.MethodGet, "/workflow/nope/evidence/audit/manifest.json", nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "unknown workflow")
}

func TestIdempotencyReplaysStart(t *testing.T) {
	eng := newFakeEngine()
	srv := NewServer(eng, testLogger(), nil)
	h := srv.Routes(nil, NewIdempotencyStore(time.Minute))

	body := contracts.StartRequest{CaseID: "case-1", BlobURI: "mem://x", TenantID: "t1"}
	var first, second *httptest.ResponseRecorder
	for _, w := range []**httptest.ResponseRecorder{&first, &second} {
		var buf bytes.Buffer
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
		req := httptest.NewRequest(http.MethodPost, "/workflow/start", &buf)
		req.Header.Set("Idempotency-Key", "key-1")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		*w = rec
	}

	assert.Equal(t, http.StatusAccepted, first.Code)
	assert.Equal(t, http.StatusAccepted, second.Code)
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Len(t, eng.started, 1, "duplicate request never reaches the engine")
}
