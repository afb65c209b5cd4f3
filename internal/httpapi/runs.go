// Package httpapi exposes the run lifecycle and event streams over HTTP:
// a JSON surface for managed runs, SSE and WebSocket consumers, and the
// direct streaming endpoint that executes the agent inside the request.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dockrion/dockrion/go/events/internal/events"
	"github.com/dockrion/dockrion/go/events/internal/runmanager"
	"github.com/dockrion/dockrion/go/events/internal/streaming"
)

// RunsHandler handles run lifecycle HTTP requests.
type RunsHandler struct {
	mgr    *runmanager.Manager
	agent  runmanager.AgentFunc
	logger *zap.Logger
}

// NewRunsHandler creates a run lifecycle handler. Every accepted run is
// executed by agent.
func NewRunsHandler(mgr *runmanager.Manager, agent runmanager.AgentFunc, logger *zap.Logger) *RunsHandler {
	return &RunsHandler{mgr: mgr, agent: agent, logger: logger}
}

// RegisterRoutes registers run routes on the provided mux.
func (h *RunsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/runs", h.handleCreate)
	mux.HandleFunc("GET /api/v1/runs", h.handleList)
	mux.HandleFunc("GET /api/v1/runs/stats", h.handleStats)
	mux.HandleFunc("GET /api/v1/runs/{id}", h.handleGet)
	mux.HandleFunc("GET /api/v1/runs/{id}/result", h.handleResult)
	mux.HandleFunc("DELETE /api/v1/runs/{id}", h.handleCancel)
}

// CreateRunRequest is the body of POST /api/v1/runs. Events narrows the
// per-run filter; absent means the configured default.
type CreateRunRequest struct {
	Payload map[string]any `json:"payload"`
	RunID   string         `json:"run_id,omitempty"`
	Events  []string       `json:"events,omitempty"`
}

// CreateRunResponse acknowledges an accepted run.
type CreateRunResponse struct {
	RunID     string    `json:"run_id"`
	Status    string    `json:"status"`
	EventsURL string    `json:"events_url"`
	CreatedAt time.Time `json:"created_at"`
}

// handleCreate handles POST /api/v1/runs. The run is registered and
// started; results arrive on the event stream.
func (h *RunsHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	var filter *events.Filter
	if req.Events != nil {
		f, err := events.ResolveFilter(req.Events)
		if err != nil {
			sendError(w, err.Error(), http.StatusBadRequest)
			return
		}
		filter = f
	}

	run, err := h.mgr.CreateRun(ctx, runmanager.CreateOptions{RunID: req.RunID})
	if err != nil {
		sendError(w, err.Error(), statusFor(err))
		return
	}
	if err := h.mgr.StartWithFilter(ctx, run.RunID, h.agent, req.Payload, filter); err != nil {
		sendError(w, err.Error(), statusFor(err))
		return
	}

	h.logger.Info("run accepted",
		zap.String("run_id", run.RunID),
		zap.Bool("client_id", req.RunID != ""),
	)

	sendJSON(w, http.StatusAccepted, CreateRunResponse{
		RunID:     run.RunID,
		Status:    "accepted",
		EventsURL: fmt.Sprintf("/api/v1/runs/%s/events", run.RunID),
		CreatedAt: run.CreatedAt,
	})
}

// ListRunsResponse is the body of GET /api/v1/runs.
type ListRunsResponse struct {
	Runs  []*streaming.Run `json:"runs"`
	Count int              `json:"count"`
}

// handleList handles GET /api/v1/runs?status=running,completed&limit=50.
func (h *RunsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	var statuses []streaming.Status
	if s := r.URL.Query().Get("status"); s != "" {
		for _, part := range strings.Split(s, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				statuses = append(statuses, streaming.Status(part))
			}
		}
	}
	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			sendError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	runs, err := h.mgr.ListRuns(r.Context(), statuses...)
	if err != nil {
		sendError(w, err.Error(), statusFor(err))
		return
	}
	if len(runs) > limit {
		runs = runs[:limit]
	}
	if runs == nil {
		runs = []*streaming.Run{}
	}
	sendJSON(w, http.StatusOK, ListRunsResponse{Runs: runs, Count: len(runs)})
}

// handleStats handles GET /api/v1/runs/stats.
func (h *RunsHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.mgr.Stats(r.Context())
	if err != nil {
		sendError(w, err.Error(), statusFor(err))
		return
	}
	sendJSON(w, http.StatusOK, stats)
}

// handleGet handles GET /api/v1/runs/{id}.
func (h *RunsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	run, err := h.mgr.GetStatus(r.Context(), runID)
	if err != nil {
		sendError(w, err.Error(), statusFor(err))
		return
	}
	sendJSON(w, http.StatusOK, run)
}

// ResultResponse is the body of GET /api/v1/runs/{id}/result.
type ResultResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
	Result any    `json:"result"`
}

// handleResult handles GET /api/v1/runs/{id}/result. Runs that have not
// completed answer 409 with the blocking condition.
func (h *RunsHandler) handleResult(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	result, err := h.mgr.GetResult(r.Context(), runID)
	if err != nil {
		sendError(w, err.Error(), statusFor(err))
		return
	}
	sendJSON(w, http.StatusOK, ResultResponse{
		RunID:  runID,
		Status: string(streaming.StatusCompleted),
		Result: result,
	})
}

// CancelResponse acknowledges a cancellation request.
type CancelResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// handleCancel handles DELETE /api/v1/runs/{id}?reason=....
func (h *RunsHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	reason := r.URL.Query().Get("reason")

	if err := h.mgr.Cancel(r.Context(), runID, reason); err != nil {
		sendError(w, err.Error(), statusFor(err))
		return
	}
	h.logger.Info("run cancel requested", zap.String("run_id", runID))
	sendJSON(w, http.StatusAccepted, CancelResponse{
		RunID:  runID,
		Status: string(streaming.StatusCancelled),
	})
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, streaming.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, runmanager.ErrInvalidRunID):
		return http.StatusBadRequest
	case errors.Is(err, streaming.ErrRunExists),
		errors.Is(err, streaming.ErrAlreadyTerminal),
		errors.Is(err, streaming.ErrRunActive),
		errors.Is(err, runmanager.ErrRunFailed),
		errors.Is(err, runmanager.ErrRunCancelled):
		return http.StatusConflict
	case errors.Is(err, runmanager.ErrShuttingDown),
		errors.Is(err, streaming.ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// sendJSON writes a JSON response
func sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func sendError(w http.ResponseWriter, message string, code int) {
	sendJSON(w, code, map[string]string{"error": message})
}
