package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/orderpilot/orderpilot/pkg/casestore"
	"github.com/orderpilot/orderpilot/pkg/contracts"
	"github.com/orderpilot/orderpilot/pkg/errkind"
	"github.com/orderpilot/orderpilot/pkg/evidence"
	"github.com/orderpilot/orderpilot/pkg/workflow"
)

// Engine is the slice of the workflow engine the control surface drives.
type Engine interface {
	Start(ctx context.Context, req *contracts.StartRequest) (string, error)
	State(ctx context.Context, workflowID string) (*workflow.QueryState, error)
	Query(ctx context.Context, workflowID, name string) (any, error)
	Signal(ctx context.Context, workflowID string, name contracts.SignalName, payload json.RawMessage) error
	Terminate(ctx context.Context, workflowID, reason string) error
}

// Server exposes the workflow engine over HTTP.
type Server struct {
	engine    Engine
	logger    *slog.Logger
	presigner *evidence.Presigner
	// readyCheck probes the durable backends; /ready fails while it errors.
	readyCheck func(context.Context) error
}

// EnablePresign turns on the evidence presign endpoint. Without it the
// endpoint answers 404.
func (s *Server) EnablePresign(p *evidence.Presigner) { s.presigner = p }

// NewServer wires the control surface around an engine.
func NewServer(engine Engine, logger *slog.Logger, readyCheck func(context.Context) error) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{engine: engine, logger: logger, readyCheck: readyCheck}
}

// Routes builds the handler tree, correlation ids outermost so every
// response — including rate-limit rejections — carries one.
func (s *Server) Routes(limiter *GlobalRateLimiter, idem IdempotencyStorer) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /workflow/start", s.handleStart)
	mux.HandleFunc("GET /workflow/{id}/status", s.handleStatus)
	mux.HandleFunc("POST /workflow/{id}/signal/{name}", s.handleSignal)
	mux.HandleFunc("POST /workflow/{id}/terminate", s.handleTerminate)
	mux.HandleFunc("POST /workflow/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /workflow/{id}/query/{name}", s.handleQuery)
	mux.HandleFunc("GET /workflow/{id}/evidence/{path...}", s.handleEvidenceLink)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /live", s.handleLive)

	var h http.Handler = mux
	if idem != nil {
		h = IdempotencyMiddleware(idem)(h)
	}
	if limiter != nil {
		h = limiter.Middleware(h)
	}
	return CorrelationMiddleware(h)
}

// StartResponse acknowledges an accepted workflow start.
type StartResponse struct {
	WorkflowID        string `json:"workflow_id"`
	StatusURL         string `json:"status_url"`
	SignalURLTemplate string `json:"signal_url_template"`
	TerminateURL      string `json:"terminate_url"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req contracts.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.CorrelationID == "" {
		req.CorrelationID = r.Header.Get(correlationHeader)
	}

	id, err := s.engine.Start(r.Context(), &req)
	switch {
	case errors.Is(err, casestore.ErrAlreadyExists):
		WriteConflict(w, fmt.Sprintf("case %q already exists", req.CaseID))
		return
	case err != nil && errkind.CodeOf(err) == errkind.CodeInvalidRequest:
		WriteBadRequest(w, "case_id, blob_uri, and tenant_id are required")
		return
	case err != nil:
		WriteInternal(w, err)
		return
	}

	s.logger.Info("workflow started",
		"workflow_id", id,
		"tenant_id", req.TenantID,
		"correlation_id", req.CorrelationID)

	writeJSON(w, http.StatusAccepted, StartResponse{
		WorkflowID:        id,
		StatusURL:         fmt.Sprintf("/workflow/%s/status", id),
		SignalURLTemplate: fmt.Sprintf("/workflow/%s/signal/{name}", id),
		TerminateURL:      fmt.Sprintf("/workflow/%s/terminate", id),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	state, err := s.engine.State(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	name := contracts.SignalName(r.PathValue("name"))

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var payload json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		WriteBadRequest(w, "Signal payload must be valid JSON")
		return
	}

	err := s.engine.Signal(r.Context(), id, name, payload)
	switch {
	case errors.Is(err, workflow.ErrSignalRejected):
		// The engine has already recorded the payload as ignored.
		WriteConflict(w, fmt.Sprintf("workflow is not awaiting signal %q; payload recorded in the event log", name))
		return
	case err != nil:
		s.writeEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"workflow_id": id,
		"signal":      string(name),
		"status":      "delivered",
	})
}

// TerminateRequest names the operator's reason for stopping a workflow.
type TerminateRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	s.stop(w, r, "terminated")
}

// Cancel shares the terminate path: the engine's stop is already graceful,
// parking the workflow at its next suspension point to seal the bundle.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.stop(w, r, "cancelling")
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request, outcome string) {
	id := r.PathValue("id")

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req TerminateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.Reason == "" {
		req.Reason = "requested via API"
	}

	if err := s.engine.Terminate(r.Context(), id, req.Reason); err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	s.logger.Info("workflow stop requested", "workflow_id", id, "reason", req.Reason)
	writeJSON(w, http.StatusOK, map[string]string{"workflow_id": id, "status": outcome})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	result, err := s.engine.Query(r.Context(), r.PathValue("id"), r.PathValue("name"))
	if err != nil {
		if errkind.CodeOf(err) == errkind.CodeInvalidRequest {
			WriteBadRequest(w, fmt.Sprintf("unknown query %q", r.PathValue("name")))
			return
		}
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleEvidenceLink mints a short-lived signed URL for one artifact in the
// case's evidence tree. The blob itself is served by the download endpoint
// that verifies the token.
func (s *Server) handleEvidenceLink(w http.ResponseWriter, r *http.Request) {
	if s.presigner == nil {
		WriteNotFound(w, "evidence presigning is not enabled")
		return
	}
	id := r.PathValue("id")
	if _, err := s.engine.State(r.Context(), id); err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	const ttl = 15 * time.Minute
	path := id + "/" + r.PathValue("path")
	url, err := s.presigner.PresignRead(path, ttl, []string{"operator"})
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"url":        url,
		"expires_in": int(ttl.Seconds()),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "orderpilot",
		"status":  "ok",
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.readyCheck != nil {
		if err := s.readyCheck(r.Context()); err != nil {
			s.logger.Warn("readiness probe failed", "error", err)
			WriteServiceUnavailable(w, "backend not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, workflow.ErrUnknownWorkflow):
		WriteNotFound(w, "unknown workflow id")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		WriteErrorR(w, r, http.StatusGatewayTimeout, "Gateway Timeout", "the request was cancelled before the engine answered")
	default:
		WriteInternal(w, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
