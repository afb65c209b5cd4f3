package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dockrion/dockrion/go/events/internal/metrics"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // secure via proxy in prod
}

// handleWS streams run events over a WebSocket. Frames carry the same
// flat JSON documents as the SSE data lines.
// GET /api/v1/runs/{id}/ws
func (h *StreamHandler) handleWS(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if _, err := h.mgr.GetStatus(r.Context(), runID); err != nil {
		sendError(w, err.Error(), statusFor(err))
		return
	}

	fromSeq := resumePoint(r)

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

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	metrics.StreamConnections.WithLabelValues("websocket").Inc()
	defer metrics.StreamConnections.WithLabelValues("websocket").Dec()

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	// Reader pump: clients send nothing meaningful, but reads drive the
	// pong handler and surface closes.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(20 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("WS client disconnected", zap.String("run_id", runID))
			return
		case ev, open := <-ch:
			if !open {
				deadline := time.Now().Add(time.Second)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"), deadline)
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}
