// Package daemon exposes the engine over HTTP and WebSocket on
// localhost.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alantheprice/devosd/pkg/approval"
	"github.com/alantheprice/devosd/pkg/config"
	"github.com/alantheprice/devosd/pkg/engine"
	"github.com/alantheprice/devosd/pkg/events"
	"github.com/alantheprice/devosd/pkg/history"
	"github.com/alantheprice/devosd/pkg/logging"
)

// Server is the daemon's HTTP surface.
type Server struct {
	cfg      *config.Config
	logger   *logging.Logger
	engine   *engine.Engine
	bus      *events.Bus
	history  *history.Store
	server   *http.Server
	upgrader websocket.Upgrader
	started  time.Time
}

// NewServer wires the HTTP surface. history may be nil.
func NewServer(cfg *config.Config, logger *logging.Logger, eng *engine.Engine, bus *events.Bus, hist *history.Store) *Server {
	return &Server{
		cfg:     cfg,
		logger:  logger,
		engine:  eng,
		bus:     bus,
		history: hist,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				return strings.Contains(origin, "localhost") || strings.Contains(origin, "127.0.0.1")
			},
		},
		started: time.Now(),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/v1/command", s.handleSubmit)
	mux.HandleFunc("GET /api/v1/command/{id}/status", s.handleStatus)
	mux.HandleFunc("POST /api/v1/command/{id}/approve", s.handleApprove)
	mux.HandleFunc("GET /api/v1/jobs", s.handleJobs)
	mux.HandleFunc("GET /api/v1/history", s.handleHistory)
	mux.HandleFunc("GET /ws/events", s.handleWebSocket)
	return mux
}

// Start serves until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.APIHost, s.cfg.APIPort)
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Daemon listening on http://%s", addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	historyState := "ok"
	if s.history == nil {
		historyState = "disabled"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": time.Since(s.started).Seconds(),
		"services": map[string]string{
			"engine":  "ok",
			"events":  "ok",
			"history": historyState,
		},
	})
}

type submitRequest struct {
	Command         string         `json:"command"`
	UserID          string         `json:"user_id"`
	Context         map[string]any `json:"context,omitempty"`
	ApprovalTimeout int            `json:"approval_timeout,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}
	if req.UserID == "" {
		req.UserID = "developer"
	}

	job := s.engine.SubmitWith(req.Command, req.UserID, engine.SubmitOptions{
		ClientContext:   req.Context,
		ApprovalTimeout: time.Duration(req.ApprovalTimeout) * time.Second,
	})

	// The engine resolves model selection and the approval decision
	// before returning; only planning and execution continue in the
	// background.
	snapshot := job.Snapshot()
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":            snapshot.ID,
		"status":            snapshot.Status,
		"requires_approval": snapshot.RequiresApproval,
		"estimated_cost":    snapshot.CostUSD,
		"model_used":        snapshot.ModelUsed,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := s.engine.Job(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job.Snapshot())
}

type approveRequest struct {
	Approved   bool   `json:"approved"`
	Remember   bool   `json:"remember"`
	Note       string `json:"note"`
	ApprovedBy string `json:"approved_by"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	job, ok := s.engine.Job(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	snapshot := job.Snapshot()
	if snapshot.ApprovalID == "" {
		writeError(w, http.StatusConflict, "job does not require approval")
		return
	}

	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ApprovedBy == "" {
		req.ApprovedBy = snapshot.UserID
	}

	outcome := s.engine.HandleApproval(snapshot.ApprovalID, approval.Response{
		Approved:   req.Approved,
		Remember:   req.Remember,
		Note:       req.Note,
		ApprovedBy: req.ApprovedBy,
	})
	if !outcome.Success {
		writeError(w, http.StatusGone, outcome.Error)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.engine.Jobs()

	if userID := r.URL.Query().Get("user_id"); userID != "" {
		filtered := jobs[:0]
		for _, job := range jobs {
			if job.UserID == userID {
				filtered = append(filtered, job)
			}
		}
		jobs = filtered
	}

	if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
		if limit, err := strconv.Atoi(limitParam); err == nil && limit >= 0 && limit < len(jobs) {
			jobs = jobs[:limit]
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "history is disabled")
		return
	}

	limit := 50
	if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
		if parsed, err := strconv.Atoi(limitParam); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	userID := r.URL.Query().Get("user_id")
	records, err := s.history.Recent(userID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	totals, err := s.history.Totals(userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to aggregate history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"records": records,
		"count":   len(records),
		"totals":  totals,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
