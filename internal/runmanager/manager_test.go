package runmanager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dockrion/dockrion/go/events/internal/events"
	"github.com/dockrion/dockrion/go/events/internal/streamctx"
	"github.com/dockrion/dockrion/go/events/internal/streaming"
)

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	backend := streaming.NewMemoryBackend(streaming.Options{}, zap.NewNop())
	t.Cleanup(func() { _ = backend.Close() })
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = -1 // off unless a test asks for them
	}
	m := NewManager(backend, cfg, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

func echoAgent(ctx context.Context, input map[string]any) (any, error) {
	if sc := streamctx.FromContext(ctx); sc != nil {
		sc.TryToken(ctx, "echo", "stop")
	}
	return map[string]any{"echo": input["message"]}, nil
}

func blockingAgent(ctx context.Context, _ map[string]any) (any, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func collectAll(t *testing.T, ch <-chan events.Event) []events.Event {
	t.Helper()
	var out []events.Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, e)
		case <-deadline:
			t.Fatalf("timed out collecting events, got %d so far", len(out))
		}
	}
}

func waitStatus(t *testing.T, m *Manager, runID string, want streaming.Status) *streaming.Run {
	t.Helper()
	var run *streaming.Run
	require.Eventually(t, func() bool {
		var err error
		run, err = m.GetStatus(context.Background(), runID)
		return err == nil && run.Status == want
	}, 5*time.Second, 10*time.Millisecond)
	return run
}

func TestCreateRun(t *testing.T) {
	ctx := context.Background()

	t.Run("generates a uuid when no id is supplied", func(t *testing.T) {
		m := newTestManager(t, Config{})
		run, err := m.CreateRun(ctx, CreateOptions{})
		require.NoError(t, err)
		_, err = uuid.Parse(run.RunID)
		assert.NoError(t, err)
		assert.Equal(t, streaming.StatusPending, run.Status)
		assert.Nil(t, run.StartedAt)
	})

	t.Run("accepts well-formed client ids when enabled", func(t *testing.T) {
		m := newTestManager(t, Config{AllowClientIDs: true})
		run, err := m.CreateRun(ctx, CreateOptions{RunID: "batch-42_a", TTL: 10 * time.Minute})
		require.NoError(t, err)
		assert.Equal(t, "batch-42_a", run.RunID)
		assert.Equal(t, int64(600), run.TTLSeconds)
	})

	t.Run("rejects client ids when disabled", func(t *testing.T) {
		m := newTestManager(t, Config{})
		_, err := m.CreateRun(ctx, CreateOptions{RunID: "batch-42"})
		assert.ErrorIs(t, err, ErrInvalidRunID)
	})

	t.Run("rejects malformed ids", func(t *testing.T) {
		m := newTestManager(t, Config{AllowClientIDs: true})
		for _, id := range []string{"-leading", "has space", "semi;colon", string(make([]byte, 200))} {
			_, err := m.CreateRun(ctx, CreateOptions{RunID: id})
			assert.ErrorIs(t, err, ErrInvalidRunID, "id %q", id)
		}
	})

	t.Run("duplicate ids are refused", func(t *testing.T) {
		m := newTestManager(t, Config{AllowClientIDs: true})
		_, err := m.CreateRun(ctx, CreateOptions{RunID: "dup"})
		require.NoError(t, err)
		_, err = m.CreateRun(ctx, CreateOptions{RunID: "dup"})
		assert.ErrorIs(t, err, streaming.ErrRunExists)
	})
}

func TestRunCompletes(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Config{AgentName: "echo", Framework: "native"})

	run, err := m.CreateRun(ctx, CreateOptions{})
	require.NoError(t, err)
	sub, err := m.Backend().Subscribe(ctx, run.RunID, 0, true)
	require.NoError(t, err)

	require.NoError(t, m.Start(ctx, run.RunID, echoAgent, map[string]any{"message": "hi"}))

	got := collectAll(t, sub)
	require.Len(t, got, 3)
	assert.Equal(t, events.TypeStarted, got[0].Type)
	assert.Equal(t, "echo", got[0].AgentName)
	assert.Equal(t, events.TypeToken, got[1].Type)
	assert.Equal(t, events.TypeComplete, got[2].Type)
	assert.Equal(t, int64(2), got[2].Sequence)
	require.NotNil(t, got[2].LatencySeconds)

	final := waitStatus(t, m, run.RunID, streaming.StatusCompleted)
	assert.NotNil(t, final.StartedAt)
	assert.NotNil(t, final.FinishedAt)

	result, err := m.GetResult(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"echo": "hi"}, result)

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.ByStatus[streaming.StatusCompleted])
}

func TestRunFails(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Config{})

	t.Run("agent error", func(t *testing.T) {
		run, err := m.CreateRun(ctx, CreateOptions{})
		require.NoError(t, err)
		require.NoError(t, m.Start(ctx, run.RunID, func(ctx context.Context, _ map[string]any) (any, error) {
			return nil, errors.New("model unavailable")
		}, nil))

		waitStatus(t, m, run.RunID, streaming.StatusFailed)
		stored, err := m.Backend().GetEvents(ctx, run.RunID, 0, 0)
		require.NoError(t, err)
		last := stored[len(stored)-1]
		assert.Equal(t, events.TypeError, last.Type)
		assert.Equal(t, events.CodeInternal, last.Code)
		assert.Equal(t, "model unavailable", last.Error)

		_, err = m.GetResult(ctx, run.RunID)
		require.ErrorIs(t, err, ErrRunFailed)
		assert.Contains(t, err.Error(), "model unavailable")
	})

	t.Run("agent panic", func(t *testing.T) {
		run, err := m.CreateRun(ctx, CreateOptions{})
		require.NoError(t, err)
		require.NoError(t, m.Start(ctx, run.RunID, func(ctx context.Context, _ map[string]any) (any, error) {
			panic("nil map write")
		}, nil))

		final := waitStatus(t, m, run.RunID, streaming.StatusFailed)
		assert.Contains(t, final.Error, "panicked")
	})
}

func TestRunTimeout(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Config{MaxRunDuration: 50 * time.Millisecond})

	run, err := m.CreateRun(ctx, CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx, run.RunID, blockingAgent, nil))

	waitStatus(t, m, run.RunID, streaming.StatusFailed)
	stored, err := m.Backend().GetEvents(ctx, run.RunID, 0, 0)
	require.NoError(t, err)
	last := stored[len(stored)-1]
	assert.Equal(t, events.TypeError, last.Type)
	assert.Equal(t, events.CodeTimeout, last.Code)
}

func TestRunCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("cooperative cancel", func(t *testing.T) {
		m := newTestManager(t, Config{})
		run, err := m.CreateRun(ctx, CreateOptions{})
		require.NoError(t, err)
		sub, err := m.Backend().Subscribe(ctx, run.RunID, 0, true)
		require.NoError(t, err)
		require.NoError(t, m.Start(ctx, run.RunID, blockingAgent, nil))

		require.NoError(t, m.Cancel(ctx, run.RunID, "user requested"))

		got := collectAll(t, sub)
		last := got[len(got)-1]
		assert.Equal(t, events.TypeCancelled, last.Type)
		assert.Equal(t, "user requested", last.Reason)

		waitStatus(t, m, run.RunID, streaming.StatusCancelled)
		_, err = m.GetResult(ctx, run.RunID)
		assert.ErrorIs(t, err, ErrRunCancelled)
	})

	t.Run("pending runs can be cancelled", func(t *testing.T) {
		m := newTestManager(t, Config{})
		run, err := m.CreateRun(ctx, CreateOptions{})
		require.NoError(t, err)

		require.NoError(t, m.Cancel(ctx, run.RunID, ""))
		final, err := m.GetStatus(ctx, run.RunID)
		require.NoError(t, err)
		assert.Equal(t, streaming.StatusCancelled, final.Status)

		stored, err := m.Backend().GetEvents(ctx, run.RunID, 0, 0)
		require.NoError(t, err)
		require.Len(t, stored, 1)
		assert.Equal(t, events.TypeCancelled, stored[0].Type)
		assert.Equal(t, int64(0), stored[0].Sequence)
	})

	t.Run("unknown run", func(t *testing.T) {
		m := newTestManager(t, Config{})
		err := m.Cancel(ctx, "nope", "")
		assert.ErrorIs(t, err, streaming.ErrRunNotFound)
	})

	t.Run("terminal run", func(t *testing.T) {
		m := newTestManager(t, Config{})
		run, err := m.CreateRun(ctx, CreateOptions{})
		require.NoError(t, err)
		require.NoError(t, m.Start(ctx, run.RunID, echoAgent, nil))
		waitStatus(t, m, run.RunID, streaming.StatusCompleted)

		err = m.Cancel(ctx, run.RunID, "")
		assert.ErrorIs(t, err, streaming.ErrAlreadyTerminal)
	})

	t.Run("unresponsive agent is forced out after the grace window", func(t *testing.T) {
		m := newTestManager(t, Config{CancelGrace: 50 * time.Millisecond})
		release := make(chan struct{})
		defer close(release)

		run, err := m.CreateRun(ctx, CreateOptions{})
		require.NoError(t, err)
		require.NoError(t, m.Start(ctx, run.RunID, func(ctx context.Context, _ map[string]any) (any, error) {
			<-release // ignores ctx on purpose
			return "too late", nil
		}, nil))

		require.NoError(t, m.Cancel(ctx, run.RunID, "stuck"))
		final, err := m.GetStatus(ctx, run.RunID)
		require.NoError(t, err)
		assert.Equal(t, streaming.StatusCancelled, final.Status)
	})
}

func TestHeartbeats(t *testing.T) {
	ctx := context.Background()

	t.Run("emitted while the agent works", func(t *testing.T) {
		m := newTestManager(t, Config{HeartbeatInterval: 20 * time.Millisecond})
		run, err := m.CreateRun(ctx, CreateOptions{})
		require.NoError(t, err)
		sub, err := m.Backend().Subscribe(ctx, run.RunID, 0, true)
		require.NoError(t, err)

		require.NoError(t, m.Start(ctx, run.RunID, func(ctx context.Context, _ map[string]any) (any, error) {
			time.Sleep(110 * time.Millisecond)
			return "ok", nil
		}, nil))

		got := collectAll(t, sub)
		beats := 0
		for _, e := range got {
			if e.Type == events.TypeHeartbeat {
				beats++
			}
		}
		assert.GreaterOrEqual(t, beats, 2)
	})

	t.Run("filtered heartbeats never consume sequences", func(t *testing.T) {
		filter, err := events.Preset("minimal")
		require.NoError(t, err)
		m := newTestManager(t, Config{HeartbeatInterval: 20 * time.Millisecond, Filter: filter})
		run, err := m.CreateRun(ctx, CreateOptions{})
		require.NoError(t, err)
		sub, err := m.Backend().Subscribe(ctx, run.RunID, 0, true)
		require.NoError(t, err)

		require.NoError(t, m.Start(ctx, run.RunID, func(ctx context.Context, _ map[string]any) (any, error) {
			time.Sleep(80 * time.Millisecond)
			return "ok", nil
		}, nil))

		got := collectAll(t, sub)
		require.Len(t, got, 2)
		assert.Equal(t, events.TypeStarted, got[0].Type)
		assert.Equal(t, int64(0), got[0].Sequence)
		assert.Equal(t, events.TypeComplete, got[1].Type)
		assert.Equal(t, int64(1), got[1].Sequence)
	})
}

func TestStartErrors(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Config{})

	t.Run("unknown run", func(t *testing.T) {
		err := m.Start(ctx, "missing", echoAgent, nil)
		assert.ErrorIs(t, err, streaming.ErrRunNotFound)
	})

	t.Run("already running", func(t *testing.T) {
		run, err := m.CreateRun(ctx, CreateOptions{})
		require.NoError(t, err)
		require.NoError(t, m.Start(ctx, run.RunID, blockingAgent, nil))
		err = m.Start(ctx, run.RunID, echoAgent, nil)
		assert.ErrorIs(t, err, streaming.ErrRunActive)
		require.NoError(t, m.Cancel(ctx, run.RunID, "cleanup"))
	})

	t.Run("already terminal", func(t *testing.T) {
		run, err := m.CreateRun(ctx, CreateOptions{})
		require.NoError(t, err)
		require.NoError(t, m.Start(ctx, run.RunID, echoAgent, nil))
		waitStatus(t, m, run.RunID, streaming.StatusCompleted)
		err = m.Start(ctx, run.RunID, echoAgent, nil)
		assert.ErrorIs(t, err, streaming.ErrAlreadyTerminal)
	})
}

func TestDeleteRun(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Config{})

	run, err := m.CreateRun(ctx, CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx, run.RunID, blockingAgent, nil))

	err = m.DeleteRun(ctx, run.RunID)
	assert.ErrorIs(t, err, streaming.ErrRunActive)

	require.NoError(t, m.Cancel(ctx, run.RunID, ""))
	waitStatus(t, m, run.RunID, streaming.StatusCancelled)

	require.NoError(t, m.DeleteRun(ctx, run.RunID))
	_, err = m.GetStatus(ctx, run.RunID)
	assert.ErrorIs(t, err, streaming.ErrRunNotFound)
	stored, err := m.Backend().GetEvents(ctx, run.RunID, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestShutdownCancelsActiveRuns(t *testing.T) {
	ctx := context.Background()
	backend := streaming.NewMemoryBackend(streaming.Options{}, zap.NewNop())
	t.Cleanup(func() { _ = backend.Close() })
	m := NewManager(backend, Config{HeartbeatInterval: -1}, zap.NewNop())

	run, err := m.CreateRun(ctx, CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx, run.RunID, blockingAgent, nil))
	require.Eventually(t, func() bool { return m.ActiveRuns() == 1 }, time.Second, 5*time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(shutdownCtx))
	assert.Zero(t, m.ActiveRuns())

	final, err := m.GetStatus(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, streaming.StatusCancelled, final.Status)

	err = m.Start(ctx, run.RunID, echoAgent, nil)
	assert.ErrorIs(t, err, ErrShuttingDown)
}
