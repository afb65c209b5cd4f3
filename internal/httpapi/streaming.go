package httpapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dockrion/dockrion/go/events/internal/events"
	"github.com/dockrion/dockrion/go/events/internal/metrics"
	"github.com/dockrion/dockrion/go/events/internal/runmanager"
)

// Limits bounds streaming consumers.
type Limits struct {
	// DefaultTimeout caps a connection when the client sends no timeout
	// query parameter.
	DefaultTimeout time.Duration
	// MaxTimeout is the ceiling a timeout query parameter can request.
	MaxTimeout time.Duration
	// MaxSubscribersPerRun rejects additional consumers of one run.
	// Zero means unlimited.
	MaxSubscribersPerRun int
	// PingInterval spaces keepalive comments and WS pings.
	PingInterval time.Duration
}

func (l Limits) withDefaults() Limits {
	if l.DefaultTimeout <= 0 {
		l.DefaultTimeout = 300 * time.Second
	}
	if l.MaxTimeout <= 0 {
		l.MaxTimeout = 3600 * time.Second
	}
	if l.PingInterval <= 0 {
		l.PingInterval = 15 * time.Second
	}
	return l
}

// StreamHandler serves SSE and WebSocket consumers for managed runs.
type StreamHandler struct {
	mgr    *runmanager.Manager
	limits Limits
	logger *zap.Logger

	mu   sync.Mutex
	subs map[string]int
}

// NewStreamHandler creates a streaming handler for managed runs.
func NewStreamHandler(mgr *runmanager.Manager, limits Limits, logger *zap.Logger) *StreamHandler {
	return &StreamHandler{
		mgr:    mgr,
		limits: limits.withDefaults(),
		logger: logger,
		subs:   make(map[string]int),
	}
}

// RegisterRoutes registers streaming routes on the provided mux.
func (h *StreamHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/runs/{id}/events", h.handleSSE)
	mux.HandleFunc("GET /api/v1/runs/{id}/ws", h.handleWS)
}

// handleSSE streams run events via Server-Sent Events.
// GET /api/v1/runs/{id}/events
func (h *StreamHandler) handleSSE(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if _, err := h.mgr.GetStatus(r.Context(), runID); err != nil {
		sendError(w, err.Error(), statusFor(err))
		return
	}

	fromSeq := resumePoint(r)

	flusher, ok := w.(http.Flusher)
	if !ok {
		sendError(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	release, err := h.acquire(runID)
	if err != nil {
		sendError(w, err.Error(), http.StatusTooManyRequests)
		return
	}
	defer release()

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout(r))
	defer cancel()

	ch, err := h.mgr.Bus().Subscribe(ctx, runID, fromSeq, true)
	if err != nil {
		sendError(w, err.Error(), statusFor(err))
		return
	}

	// CORS (dev-friendly)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	metrics.StreamConnections.WithLabelValues("sse").Inc()
	defer metrics.StreamConnections.WithLabelValues("sse").Dec()

	// Initial comment to establish the stream
	fmt.Fprintf(w, ": connected to run %s\n\n", runID)
	flusher.Flush()

	ping := time.NewTicker(h.limits.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE client disconnected", zap.String("run_id", runID))
			return
		case ev, open := <-ch:
			if !open {
				// terminal delivered, or the subscription fell behind;
				// clients resume with Last-Event-ID
				return
			}
			if err := writeFrame(w, ev); err != nil {
				return
			}
			flusher.Flush()
		case <-ping.C:
			// keep connections alive through proxies
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

// writeFrame writes one SSE frame. The event sequence doubles as the SSE
// event id so Last-Event-ID reconnects resume precisely.
func writeFrame(w io.Writer, e events.Event) error {
	frame, err := e.SSE()
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "id: %d\n", e.Sequence); err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// resumePoint resolves the first sequence the client wants. An explicit
// from_sequence query wins; otherwise Last-Event-ID (header or query)
// names the last seen event and the stream resumes after it.
func resumePoint(r *http.Request) int64 {
	if q := r.URL.Query().Get("from_sequence"); q != "" {
		if n, err := strconv.ParseInt(q, 10, 64); err == nil && n >= 0 {
			return n
		}
	}
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseInt(lei, 10, 64); err == nil && n >= 0 {
			return n + 1
		}
	}
	if q := r.URL.Query().Get("last_event_id"); q != "" {
		if n, err := strconv.ParseInt(q, 10, 64); err == nil && n >= 0 {
			return n + 1
		}
	}
	return 0
}

// timeout resolves the connection lifetime from the timeout query
// parameter, clamped to the configured ceiling.
func (h *StreamHandler) timeout(r *http.Request) time.Duration {
	d := h.limits.DefaultTimeout
	if q := r.URL.Query().Get("timeout"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n >= 1 {
			d = time.Duration(n) * time.Second
		}
	}
	if d > h.limits.MaxTimeout {
		d = h.limits.MaxTimeout
	}
	return d
}

// acquire reserves a subscriber slot for the run.
func (h *StreamHandler) acquire(runID string) (func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.limits.MaxSubscribersPerRun > 0 && h.subs[runID] >= h.limits.MaxSubscribersPerRun {
		return nil, fmt.Errorf("run %s has too many subscribers", runID)
	}
	h.subs[runID]++
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.subs[runID]--
		if h.subs[runID] <= 0 {
			delete(h.subs, runID)
		}
	}, nil
}
