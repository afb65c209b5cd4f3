// Package streamctx provides the emission API handed to agent code. A
// StreamContext owns its run's sequence counter and terminal gate and
// multiplexes accepted events into one of two sinks: an internal drain
// queue for direct in-request streaming, or an event bus for managed
// runs.
package streamctx

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dockrion/dockrion/go/events/internal/events"
	"github.com/dockrion/dockrion/go/events/internal/metrics"
	"github.com/dockrion/dockrion/go/events/internal/streaming"
)

// Mode selects the sink events are routed to.
type Mode int

const (
	// ModeQueue buffers accepted events for the caller to drain.
	ModeQueue Mode = iota
	// ModeBus publishes accepted events to an event bus.
	ModeBus
)

// Publisher is the bus-mode sink. *streaming.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, e events.Event) error
}

// StreamContext serializes all emission for one run: filter decision,
// sequence assignment, and sink write happen under one lock, so events
// reach the sink in sequence order with no gaps among accepted events.
type StreamContext struct {
	runID  string
	mode   Mode
	filter *events.Filter
	logger *zap.Logger
	bus    Publisher

	mu         sync.Mutex
	seq        int64
	terminated bool
	queue      *eventQueue
}

// NewDirect builds a queue-mode context for direct in-request streaming.
// correlationID takes the run_id slot on emitted events but is never
// stored anywhere. highWater <= 0 selects the default queue bound.
func NewDirect(correlationID string, filter *events.Filter, logger *zap.Logger, highWater int) *StreamContext {
	if filter == nil {
		filter = events.AllEvents()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamContext{
		runID:  correlationID,
		mode:   ModeQueue,
		filter: filter,
		logger: logger,
		queue:  newEventQueue(highWater),
	}
}

// NewBus builds a bus-mode context for a managed run.
func NewBus(runID string, filter *events.Filter, bus Publisher, logger *zap.Logger) *StreamContext {
	if filter == nil {
		filter = events.AllEvents()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamContext{
		runID:  runID,
		mode:   ModeBus,
		filter: filter,
		logger: logger,
		bus:    bus,
	}
}

// RunID returns the run (or correlation) identifier events carry.
func (c *StreamContext) RunID() string { return c.runID }

// Mode returns the sink mode.
func (c *StreamContext) Mode() Mode { return c.mode }

// Terminated reports whether a terminal event has been emitted (or
// attempted) through this context.
func (c *StreamContext) Terminated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminated
}

// NextSequence returns the sequence the next accepted event will get.
func (c *StreamContext) NextSequence() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// emit runs the acceptance pipeline: terminal gate, filter, sequence
// stamp, sink write. Filter rejections and post-terminal emits drop
// silently; only sink failures surface.
func (c *StreamContext) emit(ctx context.Context, e events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.terminated {
		metrics.EventsDropped.WithLabelValues(metrics.DropPostTerminal).Inc()
		c.logger.Debug("emit after terminal dropped",
			zap.String("run_id", c.runID),
			zap.String("type", string(e.Type)))
		return nil
	}
	if !c.filter.Allows(e.Type) {
		metrics.EventsFiltered.WithLabelValues(string(e.Type)).Inc()
		return nil
	}

	e.Sequence = c.seq
	c.seq++
	if e.Type.Terminal() {
		c.terminated = true
	}

	if c.mode == ModeQueue {
		c.queue.push(e)
		return nil
	}
	return c.publishLocked(ctx, e)
}

// publishLocked writes to the bus. A failed non-terminal publish is
// converted into a synthesized error event that reuses the failed
// sequence slot and terminates the stream; the synthesized event gets
// exactly one delivery attempt.
func (c *StreamContext) publishLocked(ctx context.Context, e events.Event) error {
	err := c.bus.Publish(ctx, e)
	if err == nil {
		return nil
	}
	if errors.Is(err, streaming.ErrAlreadyTerminal) {
		c.terminated = true
		c.logger.Debug("backend already terminal, dropping event",
			zap.String("run_id", c.runID),
			zap.String("type", string(e.Type)))
		return nil
	}

	c.logger.Warn("event publish failed",
		zap.String("run_id", c.runID),
		zap.String("type", string(e.Type)),
		zap.Int64("sequence", e.Sequence),
		zap.Error(err))

	if e.Type.Terminal() {
		return err
	}

	syn := events.NewError(c.runID, "event delivery failed: "+err.Error(), events.CodePublishFailed,
		map[string]any{"failed_type": string(e.Type)})
	syn.Sequence = e.Sequence
	c.terminated = true
	if synErr := c.bus.Publish(ctx, syn); synErr != nil {
		c.logger.Error("degraded error publish failed, stream has no terminal event",
			zap.String("run_id", c.runID),
			zap.Error(synErr))
	}
	return err
}

// Blocking emitters. Each returns the sink error, if any; dropped and
// filtered events return nil.

func (c *StreamContext) EmitStarted(ctx context.Context, agentName, framework string, metadata map[string]any) error {
	return c.emit(ctx, events.NewStarted(c.runID, agentName, framework, metadata))
}

func (c *StreamContext) EmitProgress(ctx context.Context, step string, progress float64, message string) error {
	return c.emit(ctx, events.NewProgress(c.runID, step, progress, message))
}

func (c *StreamContext) EmitCheckpoint(ctx context.Context, name string, data map[string]any) error {
	return c.emit(ctx, events.NewCheckpoint(c.runID, name, data))
}

func (c *StreamContext) EmitToken(ctx context.Context, content, finishReason string) error {
	return c.emit(ctx, events.NewToken(c.runID, content, finishReason))
}

func (c *StreamContext) EmitStep(ctx context.Context, nodeName string, duration time.Duration, inputKeys, outputKeys []string) error {
	return c.emit(ctx, events.NewStep(c.runID, nodeName, duration, inputKeys, outputKeys))
}

func (c *StreamContext) EmitComplete(ctx context.Context, output any, latency time.Duration, metadata map[string]any) error {
	return c.emit(ctx, events.NewComplete(c.runID, output, latency, metadata))
}

func (c *StreamContext) EmitError(ctx context.Context, message, code string, details map[string]any) error {
	return c.emit(ctx, events.NewError(c.runID, message, code, details))
}

func (c *StreamContext) EmitCancelled(ctx context.Context, reason string) error {
	return c.emit(ctx, events.NewCancelled(c.runID, reason))
}

func (c *StreamContext) EmitHeartbeat(ctx context.Context) error {
	return c.emit(ctx, events.NewHeartbeat(c.runID))
}

func (c *StreamContext) EmitCustom(ctx context.Context, name string, data map[string]any) error {
	return c.emit(ctx, events.NewCustom(c.runID, name, data))
}

// Fire-and-forget emitters. Errors are captured, logged, and already
// surfaced on-stream by the degraded path; agent code never sees them.

func (c *StreamContext) TryStarted(ctx context.Context, agentName, framework string, metadata map[string]any) {
	c.forget(c.EmitStarted(ctx, agentName, framework, metadata))
}

func (c *StreamContext) TryProgress(ctx context.Context, step string, progress float64, message string) {
	c.forget(c.EmitProgress(ctx, step, progress, message))
}

func (c *StreamContext) TryCheckpoint(ctx context.Context, name string, data map[string]any) {
	c.forget(c.EmitCheckpoint(ctx, name, data))
}

func (c *StreamContext) TryToken(ctx context.Context, content, finishReason string) {
	c.forget(c.EmitToken(ctx, content, finishReason))
}

func (c *StreamContext) TryStep(ctx context.Context, nodeName string, duration time.Duration, inputKeys, outputKeys []string) {
	c.forget(c.EmitStep(ctx, nodeName, duration, inputKeys, outputKeys))
}

func (c *StreamContext) TryComplete(ctx context.Context, output any, latency time.Duration, metadata map[string]any) {
	c.forget(c.EmitComplete(ctx, output, latency, metadata))
}

func (c *StreamContext) TryError(ctx context.Context, message, code string, details map[string]any) {
	c.forget(c.EmitError(ctx, message, code, details))
}

func (c *StreamContext) TryCancelled(ctx context.Context, reason string) {
	c.forget(c.EmitCancelled(ctx, reason))
}

func (c *StreamContext) TryHeartbeat(ctx context.Context) {
	c.forget(c.EmitHeartbeat(ctx))
}

func (c *StreamContext) TryCustom(ctx context.Context, name string, data map[string]any) {
	c.forget(c.EmitCustom(ctx, name, data))
}

func (c *StreamContext) forget(err error) {
	if err != nil {
		c.logger.Debug("fire-and-forget emit failed", zap.String("run_id", c.runID), zap.Error(err))
	}
}

// DrainQueued atomically removes and returns all queued events in
// sequence order. Bus-mode contexts have nothing to drain.
func (c *StreamContext) DrainQueued() []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.queue == nil {
		return nil
	}
	return c.queue.drain()
}

// QueueSize reports the number of queued events.
func (c *StreamContext) QueueSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.queue == nil {
		return 0
	}
	return len(c.queue.items)
}

// HasQueued reports whether any events await draining.
func (c *StreamContext) HasQueued() bool { return c.QueueSize() > 0 }

// Notify returns a channel that receives a signal when events arrive in
// the queue. Nil for bus-mode contexts.
func (c *StreamContext) Notify() <-chan struct{} {
	if c.queue == nil {
		return nil
	}
	return c.queue.notify
}
