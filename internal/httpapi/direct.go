package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dockrion/dockrion/go/events/internal/events"
	"github.com/dockrion/dockrion/go/events/internal/metrics"
	"github.com/dockrion/dockrion/go/events/internal/runmanager"
	"github.com/dockrion/dockrion/go/events/internal/streamctx"
)

// DirectHandler executes the agent inside the request and streams its
// events straight back as SSE. Nothing is stored: no run record, no
// replay, no reconnect. Clients that need those use managed runs.
type DirectHandler struct {
	agent     runmanager.AgentFunc
	agentName string
	framework string
	filter    *events.Filter
	logger    *zap.Logger
}

// NewDirectHandler creates the direct streaming handler. filter is the
// service default; a request events list overrides it.
func NewDirectHandler(agent runmanager.AgentFunc, agentName, framework string, filter *events.Filter, logger *zap.Logger) *DirectHandler {
	return &DirectHandler{
		agent:     agent,
		agentName: agentName,
		framework: framework,
		filter:    filter,
		logger:    logger,
	}
}

// RegisterRoutes registers the direct streaming route on the provided mux.
func (h *DirectHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/stream", h.handleStream)
}

// DirectRequest is the body of POST /api/v1/stream.
type DirectRequest struct {
	Payload map[string]any `json:"payload"`
	Events  []string       `json:"events,omitempty"`
}

type agentResult struct {
	output any
	err    error
}

// handleStream handles POST /api/v1/stream.
func (h *DirectHandler) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req DirectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	filter := h.filter
	if req.Events != nil {
		f, err := events.ResolveFilter(req.Events)
		if err != nil {
			sendError(w, err.Error(), http.StatusBadRequest)
			return
		}
		filter = f
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		sendError(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	// The correlation id rides the run_id slot on the wire but names no
	// stored run; querying it anywhere else yields not-found.
	correlationID := uuid.NewString()
	sc := streamctx.NewDirect(correlationID, filter, h.logger, 0)

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	metrics.StreamConnections.WithLabelValues("direct").Inc()
	defer metrics.StreamConnections.WithLabelValues("direct").Dec()

	fmt.Fprintf(w, ": connected %s\n\n", correlationID)
	flusher.Flush()

	start := time.Now()
	sc.TryStarted(ctx, h.agentName, h.framework, nil)
	h.flush(w, flusher, sc)

	done := make(chan agentResult, 1)
	go func() {
		agentCtx := streamctx.NewContext(ctx, sc)
		out, err := invokeAgent(agentCtx, h.agent, req.Payload)
		done <- agentResult{output: out, err: err}
	}()

	for {
		select {
		case <-ctx.Done():
			// client went away; the shared context stops the agent too
			h.logger.Debug("direct stream client disconnected",
				zap.String("correlation_id", correlationID))
			return
		case <-sc.Notify():
			h.flush(w, flusher, sc)
		case res := <-done:
			if res.err != nil {
				h.logger.Warn("direct agent failed",
					zap.String("correlation_id", correlationID),
					zap.Error(res.err))
				sc.TryError(ctx, res.err.Error(), events.CodeInternal, nil)
			} else {
				sc.TryComplete(ctx, res.output, time.Since(start), nil)
			}
			h.flush(w, flusher, sc)
			return
		}
	}
}

// flush drains the queue and frames every event.
func (h *DirectHandler) flush(w http.ResponseWriter, flusher http.Flusher, sc *streamctx.StreamContext) {
	drained := sc.DrainQueued()
	if len(drained) == 0 {
		return
	}
	for _, ev := range drained {
		if err := writeFrame(w, ev); err != nil {
			return
		}
	}
	flusher.Flush()
}

// invokeAgent calls the agent with panic containment.
func invokeAgent(ctx context.Context, agent runmanager.AgentFunc, input map[string]any) (output any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("agent panicked: %v", r)
		}
	}()
	return agent(ctx, input)
}
