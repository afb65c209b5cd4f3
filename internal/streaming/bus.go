package streaming

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/dockrion/dockrion/go/events/internal/events"
	"github.com/dockrion/dockrion/go/events/internal/tracing"
)

// Bus is the uniform event fabric handed to producers and consumers.
// It is a pure facade over a Backend; all state lives there, so a Bus
// can be shared freely across goroutines.
type Bus struct {
	backend Backend
}

// NewBus wraps a backend.
func NewBus(backend Backend) *Bus {
	return &Bus{backend: backend}
}

// Backend exposes the underlying capability set for components that
// need the run store as well.
func (b *Bus) Backend() Backend { return b.backend }

// Publish persists an event and fans it out to live subscribers.
func (b *Bus) Publish(ctx context.Context, e events.Event) error {
	ctx, span := tracing.StartRunSpan(ctx, "bus.publish", e.RunID)
	defer span.End()
	span.SetAttributes(
		attribute.String("event.type", string(e.Type)),
		attribute.Int64("event.sequence", e.Sequence),
	)

	if err := b.backend.Publish(ctx, e); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// Subscribe opens a replay-then-live subscription; see Backend.Subscribe.
func (b *Bus) Subscribe(ctx context.Context, runID string, fromSequence int64, includeHistorical bool) (<-chan events.Event, error) {
	return b.backend.Subscribe(ctx, runID, fromSequence, includeHistorical)
}

// GetEvents is a one-shot ordered query with no live tail.
func (b *Bus) GetEvents(ctx context.Context, runID string, fromSequence int64, limit int) ([]events.Event, error) {
	return b.backend.GetEvents(ctx, runID, fromSequence, limit)
}

// Trim deletes all stored events for a run.
func (b *Bus) Trim(ctx context.Context, runID string) error {
	return b.backend.Trim(ctx, runID)
}

// HealthCheck probes the backend.
func (b *Bus) HealthCheck(ctx context.Context) error {
	return b.backend.HealthCheck(ctx)
}

// Close releases the backend.
func (b *Bus) Close() error { return b.backend.Close() }
