package streamctx

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dockrion/dockrion/go/events/internal/events"
	"github.com/dockrion/dockrion/go/events/internal/streaming"
)

// stubPublisher fails the first failNext publishes with err and records
// everything that lands.
type stubPublisher struct {
	mu        sync.Mutex
	failNext  int
	err       error
	published []events.Event
}

func (p *stubPublisher) Publish(ctx context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext > 0 {
		p.failNext--
		return p.err
	}
	p.published = append(p.published, e)
	return nil
}

func (p *stubPublisher) events() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Event, len(p.published))
	copy(out, p.published)
	return out
}

func recvEvent(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		require.True(t, ok, "channel closed before expected event")
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return events.Event{}
	}
}

func requireClosed(t *testing.T, ch <-chan events.Event) {
	t.Helper()
	select {
	case _, ok := <-ch:
		require.False(t, ok, "expected channel to be closed")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

func TestStreamContextQueueMode(t *testing.T) {
	ctx := context.Background()

	t.Run("sequences stay dense across filter drops", func(t *testing.T) {
		filter, err := events.Preset("minimal")
		require.NoError(t, err)
		sc := NewDirect("req-1", filter, zap.NewNop(), 0)

		require.NoError(t, sc.EmitStarted(ctx, "echo", "native", nil))
		require.NoError(t, sc.EmitProgress(ctx, "load", 0.2, "loading"))
		require.NoError(t, sc.EmitToken(ctx, "hi", ""))
		require.NoError(t, sc.EmitComplete(ctx, map[string]any{"ok": true}, 0, nil))

		drained := sc.DrainQueued()
		require.Len(t, drained, 2)
		assert.Equal(t, events.TypeStarted, drained[0].Type)
		assert.Equal(t, int64(0), drained[0].Sequence)
		assert.Equal(t, events.TypeComplete, drained[1].Type)
		assert.Equal(t, int64(1), drained[1].Sequence)
	})

	t.Run("first terminal wins", func(t *testing.T) {
		sc := NewDirect("req-2", events.AllEvents(), zap.NewNop(), 0)

		require.NoError(t, sc.EmitError(ctx, "boom", "", nil))
		require.NoError(t, sc.EmitComplete(ctx, "late", 0, nil))
		require.NoError(t, sc.EmitToken(ctx, "late", ""))

		drained := sc.DrainQueued()
		require.Len(t, drained, 1)
		assert.Equal(t, events.TypeError, drained[0].Type)
		assert.Equal(t, events.CodeInternal, drained[0].Code)
		assert.True(t, sc.Terminated())
	})

	t.Run("custom events respect the whitelist", func(t *testing.T) {
		filter, err := events.NewFilter([]string{"custom:plan"})
		require.NoError(t, err)
		sc := NewDirect("req-3", filter, zap.NewNop(), 0)

		require.NoError(t, sc.EmitCustom(ctx, "plan", map[string]any{"steps": 3}))
		require.NoError(t, sc.EmitCustom(ctx, "scratch", map[string]any{"x": 1}))

		drained := sc.DrainQueued()
		require.Len(t, drained, 1)
		assert.Equal(t, events.Custom("plan"), drained[0].Type)
		assert.Equal(t, int64(0), drained[0].Sequence)
	})

	t.Run("heartbeats pass through the filter like any other type", func(t *testing.T) {
		filter, err := events.Preset("minimal")
		require.NoError(t, err)
		sc := NewDirect("req-4", filter, zap.NewNop(), 0)

		require.NoError(t, sc.EmitHeartbeat(ctx))
		assert.Zero(t, sc.QueueSize())
		assert.Equal(t, int64(0), sc.NextSequence())
	})

	t.Run("try variants enqueue like the blocking ones", func(t *testing.T) {
		sc := NewDirect("req-5", events.AllEvents(), zap.NewNop(), 0)

		sc.TryToken(ctx, "a", "")
		sc.TryStep(ctx, "plan", 12*time.Millisecond, []string{"q"}, []string{"a"})
		sc.TryComplete(ctx, "done", 30*time.Millisecond, nil)
		sc.TryToken(ctx, "dropped", "")

		drained := sc.DrainQueued()
		require.Len(t, drained, 3)
		assert.Equal(t, events.TypeComplete, drained[2].Type)
	})
}

func TestStreamContextBusMode(t *testing.T) {
	ctx := context.Background()
	backend := streaming.NewMemoryBackend(streaming.Options{}, zap.NewNop())
	t.Cleanup(func() { _ = backend.Close() })
	bus := streaming.NewBus(backend)

	sub, err := backend.Subscribe(ctx, "run-bus", 0, true)
	require.NoError(t, err)

	sc := NewBus("run-bus", events.AllEvents(), bus, zap.NewNop())
	require.NoError(t, sc.EmitStarted(ctx, "echo", "native", nil))
	require.NoError(t, sc.EmitToken(ctx, "hello", ""))
	require.NoError(t, sc.EmitComplete(ctx, "done", 50*time.Millisecond, nil))

	first := recvEvent(t, sub)
	assert.Equal(t, events.TypeStarted, first.Type)
	assert.Equal(t, int64(0), first.Sequence)
	second := recvEvent(t, sub)
	assert.Equal(t, events.TypeToken, second.Type)
	third := recvEvent(t, sub)
	assert.Equal(t, events.TypeComplete, third.Type)
	assert.Equal(t, int64(2), third.Sequence)
	requireClosed(t, sub)

	// the terminal gate swallows anything emitted afterwards
	require.NoError(t, sc.EmitToken(ctx, "late", ""))
	stored, err := backend.GetEvents(ctx, "run-bus", 0, 0)
	require.NoError(t, err)
	assert.Len(t, stored, 3)
}

func TestStreamContextPublishFailure(t *testing.T) {
	ctx := context.Background()

	t.Run("failed publish synthesizes a terminal error in the same slot", func(t *testing.T) {
		stub := &stubPublisher{failNext: 1, err: streaming.ErrBackendUnavailable}
		sc := NewBus("run-f1", events.AllEvents(), stub, zap.NewNop())

		err := sc.EmitToken(ctx, "x", "")
		require.ErrorIs(t, err, streaming.ErrBackendUnavailable)

		published := stub.events()
		require.Len(t, published, 1)
		assert.Equal(t, events.TypeError, published[0].Type)
		assert.Equal(t, events.CodePublishFailed, published[0].Code)
		assert.Equal(t, int64(0), published[0].Sequence)
		assert.Equal(t, "token", published[0].Details["failed_type"])
		assert.True(t, sc.Terminated())

		// nothing more goes out once the degraded terminal is down
		require.NoError(t, sc.EmitComplete(ctx, "late", 0, nil))
		assert.Len(t, stub.events(), 1)
	})

	t.Run("backend terminal short-circuits quietly", func(t *testing.T) {
		stub := &stubPublisher{failNext: 1, err: streaming.ErrAlreadyTerminal}
		sc := NewBus("run-f2", events.AllEvents(), stub, zap.NewNop())

		require.NoError(t, sc.EmitToken(ctx, "x", ""))
		assert.Empty(t, stub.events())
		assert.True(t, sc.Terminated())
	})

	t.Run("failed terminal publish is returned as-is", func(t *testing.T) {
		stub := &stubPublisher{failNext: 1, err: streaming.ErrBackendUnavailable}
		sc := NewBus("run-f3", events.AllEvents(), stub, zap.NewNop())

		err := sc.EmitComplete(ctx, "out", 0, nil)
		require.ErrorIs(t, err, streaming.ErrBackendUnavailable)
		assert.Empty(t, stub.events())
		assert.True(t, sc.Terminated())
	})
}

func TestAmbientContext(t *testing.T) {
	assert.Nil(t, FromContext(context.Background()))

	sc := NewDirect("req-amb", events.AllEvents(), zap.NewNop(), 0)
	ctx := NewContext(context.Background(), sc)
	assert.Same(t, sc, FromContext(ctx))

	inner := NewDirect("req-inner", events.AllEvents(), zap.NewNop(), 0)
	child := NewContext(ctx, inner)
	assert.Same(t, inner, FromContext(child))
	assert.Same(t, sc, FromContext(ctx))
}
