// Package server exposes the inbound HTTP contract: task submission and
// polling, investigation submission and polling, context management, and
// operational statistics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/cpas-project/orchestrator/internal/faults"
	"github.com/cpas-project/orchestrator/internal/health"
	"github.com/cpas-project/orchestrator/internal/investigation"
	"github.com/cpas-project/orchestrator/internal/orchestrator"
	"github.com/cpas-project/orchestrator/internal/registry"
	"github.com/cpas-project/orchestrator/internal/session"
	"github.com/cpas-project/orchestrator/internal/storage"
)

// Server wires the HTTP surface to the orchestration core.
type Server struct {
	orch     *orchestrator.Orchestrator
	coord    *investigation.Coordinator
	sessions *session.Manager
	reg      *registry.Registry
	logger   *zap.Logger
	http     *http.Server
}

// New builds the server listening on addr. healthHandler may be nil.
func New(addr string, orch *orchestrator.Orchestrator, coord *investigation.Coordinator, sessions *session.Manager, reg *registry.Registry, healthHandler *health.HTTPHandler, logger *zap.Logger) *Server {
	s := &Server{
		orch:     orch,
		coord:    coord,
		sessions: sessions,
		reg:      reg,
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /tasks", s.handleSubmitTask)
	mux.HandleFunc("GET /tasks/{id}", s.handleGetTask)
	mux.HandleFunc("DELETE /tasks/{id}", s.handleCancelTask)
	mux.HandleFunc("POST /investigations", s.handleSubmitInvestigation)
	mux.HandleFunc("GET /investigations/{id}", s.handleGetInvestigation)
	mux.HandleFunc("POST /contexts", s.handleCreateContext)
	mux.HandleFunc("GET /contexts/{id}", s.handleGetContext)
	mux.HandleFunc("GET /stats", s.handleStats)
	if healthHandler != nil {
		healthHandler.RegisterRoutes(mux)
	}

	s.http = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.logger.Info("API server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type submitTaskRequest struct {
	Description  string   `json:"description"`
	Priority     string   `json:"priority"`
	ContextID    string   `json:"context_id,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	priority, err := orchestrator.ParsePriority(req.Priority)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	taskID, err := s.orch.Submit(r.Context(), req.Description, priority, req.ContextID, req.Capabilities)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.orch.GetTask(r.PathValue("id"))
	if errors.Is(err, orchestrator.ErrTaskNotFound) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	} else if err != nil {
		s.writeFault(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	err := s.orch.Cancel(r.PathValue("id"))
	switch {
	case errors.Is(err, orchestrator.ErrTaskNotFound):
		s.writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, orchestrator.ErrNotCancellable):
		s.writeError(w, http.StatusConflict, "task already terminal")
	case err != nil:
		s.writeFault(w, err)
	default:
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancellation requested"})
	}
}

type submitInvestigationRequest struct {
	Target  string             `json:"target"`
	Type    investigation.Type `json:"type"`
	Modules []string           `json:"modules,omitempty"`
	// Deadline overrides the configured fan-out deadline for this
	// investigation, as a duration string like "45s".
	Deadline string `json:"deadline,omitempty"`
}

func (s *Server) handleSubmitInvestigation(w http.ResponseWriter, r *http.Request) {
	var req submitInvestigationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Type == "" {
		req.Type = investigation.TypeComprehensive
	}
	var deadline time.Duration
	if req.Deadline != "" {
		d, err := time.ParseDuration(req.Deadline)
		if err != nil || d <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid deadline")
			return
		}
		deadline = d
	}

	id, err := s.coord.Start(req.Target, req.Type, req.Modules, deadline)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"investigation_id": id})
}

func (s *Server) handleGetInvestigation(w http.ResponseWriter, r *http.Request) {
	inv, err := s.coord.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "investigation not found")
		return
	} else if err != nil {
		s.writeFault(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, inv)
}

func (s *Server) handleCreateContext(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		s.writeError(w, http.StatusServiceUnavailable, "context store unavailable")
		return
	}
	c, err := s.sessions.Create(r.Context())
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"context_id": c.ID})
}

func (s *Server) handleGetContext(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		s.writeError(w, http.StatusServiceUnavailable, "context store unavailable")
		return
	}
	c, err := s.sessions.Get(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, session.ErrContextNotFound):
		s.writeError(w, http.StatusNotFound, "context not found")
	case errors.Is(err, session.ErrContextExpired):
		s.writeError(w, http.StatusGone, "context expired")
	case err != nil:
		s.writeFault(w, err)
	default:
		s.writeJSON(w, http.StatusOK, c)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"tasks":          s.orch.Snapshot(),
		"registry":       s.reg.Snapshot(),
		"investigations": s.coord.Status(),
	})
}

// writeFault maps classified errors to status codes; permanent input
// problems are the caller's fault.
func (s *Server) writeFault(w http.ResponseWriter, err error) {
	switch faults.Classify(err) {
	case faults.KindPermanent:
		s.writeError(w, http.StatusBadRequest, err.Error())
	case faults.KindCollaboratorUnavailable:
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, message string) {
	s.writeJSON(w, code, map[string]string{"error": message})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}
