package streaming

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dockrion/dockrion/go/events/internal/events"
)

func TestNewBackendKinds(t *testing.T) {
	ctx := context.Background()
	logger := zap.NewNop()

	t.Run("in_memory", func(t *testing.T) {
		b, err := NewBackend(ctx, Options{Backend: BackendInMemory}, logger)
		require.NoError(t, err)
		defer b.Close()
		_, ok := b.(*MemoryBackend)
		assert.True(t, ok)
	})

	t.Run("redis", func(t *testing.T) {
		mr, err := miniredis.Run()
		require.NoError(t, err)
		defer mr.Close()

		b, err := NewBackend(ctx, Options{Backend: BackendRedis, RedisURL: "redis://" + mr.Addr()}, logger)
		require.NoError(t, err)
		defer b.Close()
		_, ok := b.(*RedisBackend)
		assert.True(t, ok)
	})

	t.Run("unreachable redis", func(t *testing.T) {
		mr, err := miniredis.Run()
		require.NoError(t, err)
		addr := mr.Addr()
		mr.Close()

		_, err = NewBackend(ctx, Options{Backend: BackendRedis, RedisURL: "redis://" + addr}, logger)
		require.ErrorIs(t, err, ErrBackendUnavailable)
	})

	t.Run("bad url", func(t *testing.T) {
		_, err := NewBackend(ctx, Options{Backend: BackendRedis, RedisURL: "://nope"}, logger)
		require.Error(t, err)
	})

	t.Run("unknown kind", func(t *testing.T) {
		_, err := NewBackend(ctx, Options{Backend: "etcd"}, logger)
		require.Error(t, err)
	})
}

func TestBusFacade(t *testing.T) {
	backend := NewMemoryBackend(Options{}, zap.NewNop())
	bus := NewBus(backend)
	defer bus.Close()
	ctx := context.Background()
	runID := "run-bus"

	require.NoError(t, bus.Publish(ctx, mkEvent(runID, 0, events.TypeStarted)))
	require.NoError(t, bus.Publish(ctx, mkEvent(runID, 1, events.TypeToken)))

	stored, err := bus.GetEvents(ctx, runID, 0, 0)
	require.NoError(t, err)
	require.Len(t, stored, 2)

	sub, err := bus.Subscribe(ctx, runID, 0, true)
	require.NoError(t, err)
	got := collect(t, sub, 2)
	assert.Equal(t, events.TypeStarted, got[0].Type)

	require.NoError(t, bus.Trim(ctx, runID))
	stored, err = bus.GetEvents(ctx, runID, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, stored)

	assert.NoError(t, bus.HealthCheck(ctx))
	assert.Same(t, backend, bus.Backend())
}
