package events

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventIDFormat(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		e := NewHeartbeat("run-1")
		require.True(t, strings.HasPrefix(e.ID, "evt-"), "id %q missing prefix", e.ID)
		require.Len(t, e.ID, 16, "evt- plus 12 hex chars")
		_, dup := seen[e.ID]
		require.False(t, dup, "duplicate id %q", e.ID)
		seen[e.ID] = struct{}{}
	}
}

func TestTypeHelpers(t *testing.T) {
	t.Run("custom", func(t *testing.T) {
		ct := Custom("fraud_check")
		assert.Equal(t, Type("custom:fraud_check"), ct)
		assert.True(t, ct.IsCustom())
		assert.Equal(t, "fraud_check", ct.CustomName())
		assert.False(t, TypeToken.IsCustom())
		assert.Equal(t, "", TypeToken.CustomName())
	})

	t.Run("terminal", func(t *testing.T) {
		for _, typ := range []Type{TypeComplete, TypeError, TypeCancelled} {
			assert.True(t, typ.Terminal(), "%s should be terminal", typ)
		}
		for _, typ := range []Type{TypeStarted, TypeToken, TypeStep, TypeProgress, TypeCheckpoint, TypeHeartbeat, Custom("x")} {
			assert.False(t, typ.Terminal(), "%s should not be terminal", typ)
		}
	})

	t.Run("mandatory", func(t *testing.T) {
		for _, typ := range []Type{TypeStarted, TypeComplete, TypeError, TypeCancelled} {
			assert.True(t, typ.Mandatory(), "%s should be mandatory", typ)
		}
		for _, typ := range []Type{TypeToken, TypeStep, TypeProgress, TypeCheckpoint, TypeHeartbeat, Custom("x")} {
			assert.False(t, typ.Mandatory(), "%s should be configurable", typ)
		}
	})
}

func TestNewProgressClamps(t *testing.T) {
	cases := []struct {
		in, want float64
	}{
		{-0.5, 0},
		{0, 0},
		{0.42, 0.42},
		{1, 1},
		{1.5, 1},
	}
	for _, tc := range cases {
		e := NewProgress("run-1", "load", tc.in, "loading")
		require.NotNil(t, e.Progress)
		assert.Equal(t, tc.want, *e.Progress)
	}
}

func TestNewErrorDefaultCode(t *testing.T) {
	e := NewError("run-1", "boom", "", nil)
	assert.Equal(t, CodeInternal, e.Code)

	e = NewError("run-1", "too slow", CodeTimeout, nil)
	assert.Equal(t, CodeTimeout, e.Code)
}

func TestNewStepOmitsZeroDuration(t *testing.T) {
	e := NewStep("run-1", "parse", 0, nil, nil)
	assert.Nil(t, e.DurationMs)

	e = NewStep("run-1", "parse", 1500*time.Millisecond, []string{"doc"}, []string{"tokens"})
	require.NotNil(t, e.DurationMs)
	assert.Equal(t, int64(1500), *e.DurationMs)
}

func TestWireFieldNames(t *testing.T) {
	e := NewStarted("run-1", "support-bot", "langgraph", map[string]any{"tier": "gold"})
	e.Sequence = 0

	raw, err := json.Marshal(e)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))

	for _, key := range []string{"id", "type", "run_id", "sequence", "ts", "agent_name", "framework", "metadata"} {
		assert.Contains(t, fields, key)
	}
	assert.NotContains(t, fields, "timestamp")
	assert.NotContains(t, fields, "content", "unset payload fields must be absent")
}

func TestJSONRoundTrip(t *testing.T) {
	orig := NewComplete("run-7", map[string]any{"answer": "42"}, 2300*time.Millisecond, map[string]any{"model": "gpt"})
	orig.Sequence = 5

	raw, err := json.Marshal(orig)
	require.NoError(t, err)

	parsed, err := ParseEvent(raw)
	require.NoError(t, err)

	assert.Equal(t, orig.ID, parsed.ID)
	assert.Equal(t, TypeComplete, parsed.Type)
	assert.Equal(t, "run-7", parsed.RunID)
	assert.Equal(t, int64(5), parsed.Sequence)
	assert.True(t, orig.Timestamp.Equal(parsed.Timestamp))
	require.NotNil(t, parsed.LatencySeconds)
	assert.InDelta(t, 2.3, *parsed.LatencySeconds, 1e-9)
	assert.Equal(t, map[string]any{"answer": "42"}, parsed.Output)
}

func TestParseEvent(t *testing.T) {
	t.Run("missing type", func(t *testing.T) {
		_, err := ParseEvent([]byte(`{"run_id":"r1","sequence":0}`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "type")
	})

	t.Run("missing run_id", func(t *testing.T) {
		_, err := ParseEvent([]byte(`{"type":"token","sequence":0}`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "run_id")
	})

	t.Run("unknown type preserved", func(t *testing.T) {
		e, err := ParseEvent([]byte(`{"type":"mystery","run_id":"r1","sequence":3}`))
		require.NoError(t, err)
		assert.Equal(t, Type("mystery"), e.Type)
		assert.Equal(t, int64(3), e.Sequence)
	})

	t.Run("invalid json", func(t *testing.T) {
		_, err := ParseEvent([]byte(`{nope`))
		require.Error(t, err)
	})
}

func TestSSEFrame(t *testing.T) {
	e := NewToken("run-1", "hel", "")
	e.Sequence = 2

	frame, err := e.SSE()
	require.NoError(t, err)

	s := string(frame)
	assert.True(t, strings.HasPrefix(s, "event: token\ndata: "), "frame %q", s)
	assert.True(t, strings.HasSuffix(s, "\n\n"))

	payload := strings.TrimSuffix(strings.TrimPrefix(s, "event: token\ndata: "), "\n\n")
	parsed, err := ParseEvent([]byte(payload))
	require.NoError(t, err)
	assert.Equal(t, "hel", parsed.Content)
	assert.Equal(t, int64(2), parsed.Sequence)
}
