// Package config loads the service configuration: a single immutable
// record read at startup from a YAML file with environment overrides,
// plus the agent manifest that containers mount next to the agent code.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"

	"github.com/dockrion/dockrion/go/events/internal/events"
	"github.com/dockrion/dockrion/go/events/internal/streaming"
)

// Config is the complete service configuration. It is loaded once and
// never mutated afterwards.
type Config struct {
	// Backend selects the event backend: in_memory or redis.
	Backend string `mapstructure:"backend" yaml:"backend"`

	// HeartbeatInterval is the seconds between heartbeat events.
	HeartbeatInterval int `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`

	// MaxRunDuration is the hard cap in seconds on a running run.
	MaxRunDuration int `mapstructure:"max_run_duration" yaml:"max_run_duration"`

	// CancelGraceSeconds is how long a cancel waits for the agent to
	// yield before the stream is terminated out from under it.
	CancelGraceSeconds int `mapstructure:"cancel_grace_seconds" yaml:"cancel_grace_seconds"`

	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Redis      RedisConfig      `mapstructure:"redis" yaml:"redis"`
	Events     EventsConfig     `mapstructure:"events" yaml:"events"`
	Runs       RunsConfig       `mapstructure:"runs" yaml:"runs"`
	Agent      AgentConfig      `mapstructure:"agent" yaml:"agent"`
	Connection ConnectionConfig `mapstructure:"connection" yaml:"connection"`
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
	Health     HealthConfig     `mapstructure:"health" yaml:"health"`
	Tracing    TracingConfig    `mapstructure:"tracing" yaml:"tracing"`
}

// ServerConfig contains the public HTTP server settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout" yaml:"graceful_timeout"`
}

// RedisConfig contains the Redis backend settings.
type RedisConfig struct {
	URL                string `mapstructure:"url" yaml:"url"`
	StreamTTLSeconds   int64  `mapstructure:"stream_ttl_seconds" yaml:"stream_ttl_seconds"`
	MaxEventsPerRun    int64  `mapstructure:"max_events_per_run" yaml:"max_events_per_run"`
	ConnectionPoolSize int    `mapstructure:"connection_pool_size" yaml:"connection_pool_size"`
	TTLPolicy          string `mapstructure:"ttl_policy" yaml:"ttl_policy"`
}

// EventsConfig controls the emit filter. Allowed distinguishes unset
// (nil, everything admitted) from an explicit empty list (lifecycle
// only), so it is populated by hand rather than by Unmarshal.
type EventsConfig struct {
	Allowed      []string `mapstructure:"-" yaml:"allowed"`
	CustomMode   string   `mapstructure:"custom_mode" yaml:"custom_mode"`
	CustomEvents []string `mapstructure:"custom_events" yaml:"custom_events"`
}

// RunsConfig contains run lifecycle settings.
type RunsConfig struct {
	AllowClientIDs bool `mapstructure:"allow_client_ids" yaml:"allow_client_ids"`
}

// AgentConfig identifies the agent this container serves.
type AgentConfig struct {
	Name        string `mapstructure:"name" yaml:"name"`
	Framework   string `mapstructure:"framework" yaml:"framework"`
	Description string `mapstructure:"description" yaml:"description"`
}

// ConnectionConfig bounds streaming consumers.
type ConnectionConfig struct {
	DefaultTimeoutSeconds int `mapstructure:"default_timeout" yaml:"default_timeout"`
	MaxSubscribersPerRun  int `mapstructure:"max_subscribers_per_run" yaml:"max_subscribers_per_run"`
}

// LoggingConfig contains logger settings.
type LoggingConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Development bool   `mapstructure:"development" yaml:"development"`
}

// MetricsConfig contains the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" yaml:"port"`
}

// HealthConfig contains the health endpoint settings.
type HealthConfig struct {
	Port int `mapstructure:"port" yaml:"port"`
}

// TracingConfig contains OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled" yaml:"enabled"`
	ServiceName  string  `mapstructure:"service_name" yaml:"service_name"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"`
	SampleRate   float64 `mapstructure:"sample_rate" yaml:"sample_rate"`
}

// Load reads the config file named by CONFIG_PATH, falling back to the
// first of config/events.yaml or /app/config/events.yaml that exists. A
// missing file yields pure defaults. Environment overrides are applied
// last.
func Load() (*Config, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		for _, c := range []string{"config/events.yaml", "/app/config/events.yaml"} {
			if _, err := os.Stat(c); err == nil {
				cfgPath = c
				break
			}
		}
	}
	return LoadFrom(cfgPath)
}

// LoadFrom reads configuration from path. An empty path yields pure
// defaults plus environment overrides.
func LoadFrom(path string) (*Config, error) {
	var cfg Config
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
		// on unless the file says otherwise
		v.SetDefault("metrics.enabled", true)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := v.Unmarshal(&cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
		allowed, err := allowedFromViper(v)
		if err != nil {
			return nil, err
		}
		cfg.Events.Allowed = allowed
	} else {
		cfg.Metrics.Enabled = true
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// allowedFromViper reads events.allowed, which may be absent (nil), a
// preset name, or a list of event type entries.
func allowedFromViper(v *viper.Viper) ([]string, error) {
	if !v.IsSet("events.allowed") {
		return nil, nil
	}
	switch val := v.Get("events.allowed").(type) {
	case string:
		return []string{val}, nil
	case []string:
		out := make([]string, len(val))
		copy(out, val)
		return out, nil
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("events.allowed entries must be strings, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	case nil:
		// "allowed:" with no value admits everything
		return nil, nil
	default:
		return nil, fmt.Errorf("events.allowed must be a preset name or a list, got %T", val)
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("EVENTS_BACKEND"); v != "" {
		cfg.Backend = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("HEALTH_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			cfg.Health.Port = p
		}
	}
	if v := os.Getenv("METRICS_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			cfg.Metrics.Port = p
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Tracing.OTLPEndpoint = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Backend == "" {
		cfg.Backend = streaming.BackendInMemory
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 15
	}
	if cfg.MaxRunDuration == 0 {
		cfg.MaxRunDuration = 3600
	}
	if cfg.CancelGraceSeconds == 0 {
		cfg.CancelGraceSeconds = 30
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		// streaming responses outlive ordinary request deadlines
		cfg.Server.WriteTimeout = 0
	}
	if cfg.Server.GracefulTimeout == 0 {
		cfg.Server.GracefulTimeout = 15 * time.Second
	}
	if cfg.Redis.URL == "" {
		cfg.Redis.URL = "redis://localhost:6379/0"
	}
	if cfg.Redis.StreamTTLSeconds == 0 {
		cfg.Redis.StreamTTLSeconds = 3600
	}
	if cfg.Redis.MaxEventsPerRun == 0 {
		cfg.Redis.MaxEventsPerRun = 1000
	}
	if cfg.Redis.ConnectionPoolSize == 0 {
		cfg.Redis.ConnectionPoolSize = 10
	}
	if cfg.Redis.TTLPolicy == "" {
		cfg.Redis.TTLPolicy = streaming.TTLPostMortem
	}
	if cfg.Agent.Name == "" {
		cfg.Agent.Name = "agent"
	}
	if cfg.Agent.Framework == "" {
		cfg.Agent.Framework = "custom"
	}
	if cfg.Connection.DefaultTimeoutSeconds == 0 {
		cfg.Connection.DefaultTimeoutSeconds = 300
	}
	if cfg.Connection.MaxSubscribersPerRun == 0 {
		cfg.Connection.MaxSubscribersPerRun = 100
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 2112
	}
	if cfg.Health.Port == 0 {
		cfg.Health.Port = 8081
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "dockrion-events"
	}
	if cfg.Tracing.SampleRate == 0 {
		cfg.Tracing.SampleRate = 1.0
	}
}

// Validate checks enumerated options. Filter construction is validated
// separately by Filter.
func (c *Config) Validate() error {
	switch c.Backend {
	case streaming.BackendInMemory, streaming.BackendRedis:
	default:
		return fmt.Errorf("backend must be %s or %s, got %q",
			streaming.BackendInMemory, streaming.BackendRedis, c.Backend)
	}
	switch c.Redis.TTLPolicy {
	case streaming.TTLPostMortem, streaming.TTLSliding:
	default:
		return fmt.Errorf("redis.ttl_policy must be %s or %s, got %q",
			streaming.TTLPostMortem, streaming.TTLSliding, c.Redis.TTLPolicy)
	}
	switch c.Events.CustomMode {
	case "", events.CustomModeNone, events.CustomModeAll, events.CustomModeExplicit:
	default:
		return fmt.Errorf("events.custom_mode must be %s, %s or %s, got %q",
			events.CustomModeNone, events.CustomModeAll, events.CustomModeExplicit, c.Events.CustomMode)
	}
	if _, err := c.Filter(); err != nil {
		return err
	}
	return nil
}

// Filter resolves events.allowed and events.custom_mode into the emit
// filter.
func (c *Config) Filter() (*events.Filter, error) {
	f, err := events.ResolveFilter(c.Events.Allowed)
	if err != nil {
		return nil, err
	}
	if c.Events.CustomMode != "" {
		f, err = f.WithCustom(c.Events.CustomMode, c.Events.CustomEvents)
		if err != nil {
			return nil, err
		}
	}
	return f, nil
}

// StreamingOptions maps the configuration onto backend options.
func (c *Config) StreamingOptions() streaming.Options {
	return streaming.Options{
		Backend:         c.Backend,
		RedisURL:        c.Redis.URL,
		StreamTTL:       time.Duration(c.Redis.StreamTTLSeconds) * time.Second,
		MaxEventsPerRun: c.Redis.MaxEventsPerRun,
		PoolSize:        c.Redis.ConnectionPoolSize,
		TTLPolicy:       c.Redis.TTLPolicy,
	}
}

// HeartbeatDuration returns the heartbeat interval as a duration.
// Negative values disable heartbeats.
func (c *Config) HeartbeatDuration() time.Duration {
	return time.Duration(c.HeartbeatInterval) * time.Second
}

// MaxRunDurationTime returns the run ceiling as a duration.
func (c *Config) MaxRunDurationTime() time.Duration {
	return time.Duration(c.MaxRunDuration) * time.Second
}

// CancelGrace returns the cancel grace window as a duration.
func (c *Config) CancelGrace() time.Duration {
	return time.Duration(c.CancelGraceSeconds) * time.Second
}
