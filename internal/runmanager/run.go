package runmanager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dockrion/dockrion/go/events/internal/events"
	"github.com/dockrion/dockrion/go/events/internal/metrics"
	"github.com/dockrion/dockrion/go/events/internal/streamctx"
	"github.com/dockrion/dockrion/go/events/internal/streaming"
	"github.com/dockrion/dockrion/go/events/internal/tracing"
)

// errRunTimeout is the cancellation cause set by the run duration
// ceiling.
var errRunTimeout = errors.New("run exceeded maximum duration")

// cancelRequest is the cancellation cause carrying an explicit cancel
// reason, from a client or from shutdown.
type cancelRequest struct{ reason string }

func (c *cancelRequest) Error() string { return "cancel requested: " + c.reason }

// execute runs the agent to completion and publishes exactly one
// terminal event. It is the only goroutine that touches this run's
// stream context apart from a forced cancel.
func (m *Manager) execute(runCtx context.Context, timeoutCancel context.CancelFunc, entry *activeRun, run *streaming.Run, agent AgentFunc, input map[string]any) {
	defer m.wg.Done()
	defer close(entry.done)
	defer timeoutCancel()
	defer func() {
		entry.cancel(nil)
		m.mu.Lock()
		delete(m.active, run.RunID)
		m.mu.Unlock()
		metrics.RunsActive.Dec()
	}()

	sc := entry.sc
	pubCtx := context.Background()

	startedAt := time.Now().UTC()
	if run.StartedAt != nil {
		startedAt = *run.StartedAt
	}

	if err := sc.EmitStarted(pubCtx, m.cfg.AgentName, m.cfg.Framework, nil); err != nil {
		m.logger.Error("started event publish failed",
			zap.String("run_id", run.RunID), zap.Error(err))
	}
	if sc.Terminated() {
		// the degraded path already terminated the stream
		m.forceRecord(run.RunID, streaming.StatusFailed, nil, "event delivery failed")
		metrics.RecordRunFinished(string(streaming.StatusFailed), time.Since(startedAt).Seconds())
		return
	}

	hbStop := make(chan struct{})
	var hbDone chan struct{}
	if m.cfg.HeartbeatInterval > 0 {
		hbDone = make(chan struct{})
		go m.heartbeat(runCtx, sc, hbStop, hbDone)
	}

	agentCtx, span := tracing.StartRunSpan(runCtx, "run.execute", run.RunID)
	output, agentErr := runAgent(streamctx.NewContext(agentCtx, sc), agent, input)
	if agentErr != nil {
		span.RecordError(agentErr)
	}
	span.End()

	close(hbStop)
	if hbDone != nil {
		<-hbDone
	}

	var (
		status  streaming.Status
		emitErr error
		errMsg  string
	)
	cause := context.Cause(runCtx)
	var cancelled *cancelRequest
	switch {
	case runCtx.Err() != nil && errors.Is(cause, errRunTimeout):
		status = streaming.StatusFailed
		errMsg = errRunTimeout.Error()
		emitErr = sc.EmitError(pubCtx, errMsg, events.CodeTimeout,
			map[string]any{"timeout_seconds": m.cfg.MaxRunDuration.Seconds()})
	case runCtx.Err() != nil && errors.As(cause, &cancelled):
		status = streaming.StatusCancelled
		emitErr = sc.EmitCancelled(pubCtx, cancelled.reason)
	case agentErr != nil:
		status = streaming.StatusFailed
		errMsg = agentErr.Error()
		emitErr = sc.EmitError(pubCtx, errMsg, events.CodeInternal, nil)
	default:
		status = streaming.StatusCompleted
		emitErr = sc.EmitComplete(pubCtx, output, time.Since(startedAt), nil)
	}

	if emitErr != nil {
		m.logger.Error("terminal event publish failed",
			zap.String("run_id", run.RunID),
			zap.String("status", string(status)),
			zap.Error(emitErr))
		var result any
		if status == streaming.StatusCompleted {
			result = output
		}
		m.forceRecord(run.RunID, status, result, errMsg)
	}

	duration := time.Since(startedAt)
	metrics.RecordRunFinished(string(status), duration.Seconds())
	m.logger.Info("run finished",
		zap.String("run_id", run.RunID),
		zap.String("status", string(status)),
		zap.Duration("duration", duration))
}

// heartbeat emits liveness events until the run ends. Heartbeats pass
// through the run's filter like any other event.
func (m *Manager) heartbeat(ctx context.Context, sc *streamctx.StreamContext, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			sc.TryHeartbeat(context.Background())
		case <-ctx.Done():
			return
		case <-stop:
			return
		}
	}
}

// runAgent invokes the agent with panic containment.
func runAgent(ctx context.Context, agent AgentFunc, input map[string]any) (output any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("agent panicked: %v", r)
		}
	}()
	return agent(ctx, input)
}

// forceRecord writes a terminal record directly, bypassing the stream.
// Used only when the terminal event could not be published.
func (m *Manager) forceRecord(runID string, status streaming.Status, result any, errMsg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	run, err := m.backend.GetRun(ctx, runID)
	if err != nil {
		m.logger.Error("run record fallback read failed",
			zap.String("run_id", runID), zap.Error(err))
		return
	}
	if run.Status.Terminal() {
		return
	}
	now := time.Now().UTC()
	run.Status = status
	run.FinishedAt = &now
	run.Result = result
	run.Error = errMsg
	if err := m.backend.UpdateRun(ctx, run); err != nil {
		m.logger.Error("run record fallback update failed",
			zap.String("run_id", runID), zap.Error(err))
	}
}
