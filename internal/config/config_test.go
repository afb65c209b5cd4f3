package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dockrion/dockrion/go/events/internal/events"
	"github.com/dockrion/dockrion/go/events/internal/streaming"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFrom("")
	require.NoError(t, err)

	assert.Equal(t, streaming.BackendInMemory, cfg.Backend)
	assert.Equal(t, 15, cfg.HeartbeatInterval)
	assert.Equal(t, 3600, cfg.MaxRunDuration)
	assert.Equal(t, 30, cfg.CancelGraceSeconds)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 8081, cfg.Health.Port)
	assert.Equal(t, 2112, cfg.Metrics.Port)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
	assert.Equal(t, int64(3600), cfg.Redis.StreamTTLSeconds)
	assert.Equal(t, int64(1000), cfg.Redis.MaxEventsPerRun)
	assert.Equal(t, 10, cfg.Redis.ConnectionPoolSize)
	assert.Equal(t, streaming.TTLPostMortem, cfg.Redis.TTLPolicy)
	assert.Nil(t, cfg.Events.Allowed)

	f, err := cfg.Filter()
	require.NoError(t, err)
	assert.True(t, f.Allows(events.TypeToken))
	assert.True(t, f.Allows(events.Custom("anything")))
}

func TestLoadFromFile(t *testing.T) {
	path := writeTempConfig(t, `
backend: redis
heartbeat_interval: 5
max_run_duration: 120
redis:
  url: redis://cache:6379/1
  stream_ttl_seconds: 600
  ttl_policy: sliding
events:
  allowed: chat
server:
  port: 9090
logging:
  level: debug
  development: true
`)
	cfg, err := LoadFrom(path)
	require.NoError(t, err)

	assert.Equal(t, streaming.BackendRedis, cfg.Backend)
	assert.Equal(t, 5, cfg.HeartbeatInterval)
	assert.Equal(t, 120, cfg.MaxRunDuration)
	assert.Equal(t, "redis://cache:6379/1", cfg.Redis.URL)
	assert.Equal(t, int64(600), cfg.Redis.StreamTTLSeconds)
	assert.Equal(t, streaming.TTLSliding, cfg.Redis.TTLPolicy)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Development)

	f, err := cfg.Filter()
	require.NoError(t, err)
	assert.True(t, f.Allows(events.TypeToken))
	assert.False(t, f.Allows(events.TypeProgress))

	opts := cfg.StreamingOptions()
	assert.Equal(t, streaming.BackendRedis, opts.Backend)
	assert.Equal(t, 10*time.Minute, opts.StreamTTL)
	assert.Equal(t, int64(1000), opts.MaxEventsPerRun)
}

func TestEventsAllowedShapes(t *testing.T) {
	t.Run("explicit list", func(t *testing.T) {
		path := writeTempConfig(t, `
events:
  allowed:
    - token
    - custom:fraud_check
`)
		cfg, err := LoadFrom(path)
		require.NoError(t, err)
		require.Equal(t, []string{"token", "custom:fraud_check"}, cfg.Events.Allowed)

		f, err := cfg.Filter()
		require.NoError(t, err)
		assert.True(t, f.Allows(events.TypeToken))
		assert.False(t, f.Allows(events.TypeStep))
		assert.True(t, f.Allows(events.Custom("fraud_check")))
		assert.False(t, f.Allows(events.Custom("other")))
	})

	t.Run("empty list means lifecycle only", func(t *testing.T) {
		path := writeTempConfig(t, `
events:
  allowed: []
`)
		cfg, err := LoadFrom(path)
		require.NoError(t, err)
		require.NotNil(t, cfg.Events.Allowed)
		require.Empty(t, cfg.Events.Allowed)

		f, err := cfg.Filter()
		require.NoError(t, err)
		assert.False(t, f.Allows(events.TypeToken))
		assert.True(t, f.Allows(events.TypeComplete))
	})

	t.Run("absent means everything", func(t *testing.T) {
		path := writeTempConfig(t, `
backend: in_memory
`)
		cfg, err := LoadFrom(path)
		require.NoError(t, err)
		assert.Nil(t, cfg.Events.Allowed)
	})

	t.Run("unknown entry fails", func(t *testing.T) {
		path := writeTempConfig(t, `
events:
  allowed:
    - tokens
`)
		_, err := LoadFrom(path)
		assert.Error(t, err)
	})
}

func TestCustomMode(t *testing.T) {
	t.Run("none strips custom admission", func(t *testing.T) {
		path := writeTempConfig(t, `
events:
  allowed: all
  custom_mode: none
`)
		cfg, err := LoadFrom(path)
		require.NoError(t, err)
		f, err := cfg.Filter()
		require.NoError(t, err)
		assert.True(t, f.Allows(events.TypeToken))
		assert.False(t, f.Allows(events.Custom("plan")))
	})

	t.Run("explicit whitelists names", func(t *testing.T) {
		path := writeTempConfig(t, `
events:
  custom_mode: explicit
  custom_events:
    - plan
    - custom:review
`)
		cfg, err := LoadFrom(path)
		require.NoError(t, err)
		f, err := cfg.Filter()
		require.NoError(t, err)
		assert.True(t, f.Allows(events.Custom("plan")))
		assert.True(t, f.Allows(events.Custom("review")))
		assert.False(t, f.Allows(events.Custom("other")))
	})

	t.Run("invalid mode fails validation", func(t *testing.T) {
		path := writeTempConfig(t, `
events:
  custom_mode: some
`)
		_, err := LoadFrom(path)
		assert.Error(t, err)
	})
}

func TestMetricsToggle(t *testing.T) {
	t.Run("on unless disabled", func(t *testing.T) {
		path := writeTempConfig(t, "backend: in_memory\n")
		cfg, err := LoadFrom(path)
		require.NoError(t, err)
		assert.True(t, cfg.Metrics.Enabled)
	})

	t.Run("explicit opt-out", func(t *testing.T) {
		path := writeTempConfig(t, "metrics:\n  enabled: false\n")
		cfg, err := LoadFrom(path)
		require.NoError(t, err)
		assert.False(t, cfg.Metrics.Enabled)
	})
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("EVENTS_BACKEND", "redis")
	t.Setenv("REDIS_URL", "redis://env-host:6379/2")
	t.Setenv("PORT", "7070")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := LoadFrom("")
	require.NoError(t, err)
	assert.Equal(t, streaming.BackendRedis, cfg.Backend)
	assert.Equal(t, "redis://env-host:6379/2", cfg.Redis.URL)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestValidateRejectsBadEnums(t *testing.T) {
	t.Run("unknown backend", func(t *testing.T) {
		path := writeTempConfig(t, "backend: etcd\n")
		_, err := LoadFrom(path)
		assert.ErrorContains(t, err, "backend")
	})

	t.Run("unknown ttl policy", func(t *testing.T) {
		path := writeTempConfig(t, "redis:\n  ttl_policy: forever\n")
		_, err := LoadFrom(path)
		assert.ErrorContains(t, err, "ttl_policy")
	})
}
