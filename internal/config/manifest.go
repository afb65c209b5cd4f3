package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest is the agent manifest mounted into the container next to the
// agent code. Only the sections this service consumes are modeled;
// unknown sections are ignored so newer manifests keep loading.
type Manifest struct {
	Version   string             `yaml:"version"`
	Agent     ManifestAgent      `yaml:"agent"`
	Streaming *ManifestStreaming `yaml:"streaming"`
}

// ManifestAgent identifies the packaged agent.
type ManifestAgent struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Framework   string `yaml:"framework"`
	Entrypoint  string `yaml:"entrypoint"`
	Handler     string `yaml:"handler"`
}

// ManifestStreaming mirrors the manifest's streaming section. Pointer
// fields distinguish absent from false.
type ManifestStreaming struct {
	AsyncRuns      *bool               `yaml:"async_runs"`
	Backend        string              `yaml:"backend"`
	Redis          *ManifestRedis      `yaml:"redis"`
	AllowClientIDs *bool               `yaml:"allow_client_ids"`
	Events         *ManifestEvents     `yaml:"events"`
	Connection     *ManifestConnection `yaml:"connection"`
}

// ManifestRedis carries Redis settings. URL supports ${VAR} expansion.
type ManifestRedis struct {
	URL                string `yaml:"url"`
	StreamTTLSeconds   int64  `yaml:"stream_ttl_seconds"`
	MaxEventsPerRun    int64  `yaml:"max_events_per_run"`
	ConnectionPoolSize int    `yaml:"connection_pool_size"`
}

// ManifestEvents carries the emit policy. Allowed may be a preset name,
// a list of event type entries, or absent.
type ManifestEvents struct {
	Allowed           any `yaml:"allowed"`
	HeartbeatInterval int `yaml:"heartbeat_interval"`
	MaxRunDuration    int `yaml:"max_run_duration"`
}

// ManifestConnection carries streaming consumer bounds.
type ManifestConnection struct {
	DefaultTimeout       int `yaml:"default_timeout"`
	MaxSubscribersPerRun int `yaml:"max_subscribers_per_run"`
}

var (
	agentNamePattern   = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)
	customNamePattern  = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	supportedManifests = map[string]struct{}{"1.0": {}}
)

// LoadManifest reads the manifest named by MANIFEST_PATH, falling back
// to dockrion.yaml in the working directory then /app/dockrion.yaml.
// No manifest present returns (nil, nil); the service config stands
// alone.
func LoadManifest() (*Manifest, error) {
	path := os.Getenv("MANIFEST_PATH")
	if path == "" {
		for _, c := range []string{"dockrion.yaml", "/app/dockrion.yaml"} {
			if _, err := os.Stat(c); err == nil {
				path = c
				break
			}
		}
	}
	if path == "" {
		return nil, nil
	}
	return LoadManifestFrom(path)
}

// LoadManifestFrom reads and validates the manifest at path.
func LoadManifestFrom(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return &m, nil
}

// Validate checks the sections this service consumes.
func (m *Manifest) Validate() error {
	if _, ok := supportedManifests[m.Version]; !ok {
		return fmt.Errorf("unsupported manifest version %q", m.Version)
	}
	if m.Agent.Name == "" {
		return fmt.Errorf("agent.name is required")
	}
	if !agentNamePattern.MatchString(m.Agent.Name) {
		return fmt.Errorf("invalid agent name %q", m.Agent.Name)
	}

	s := m.Streaming
	if s == nil {
		return nil
	}
	switch s.Backend {
	case "", "memory", "in_memory", "redis":
	default:
		return fmt.Errorf("streaming.backend must be memory or redis, got %q", s.Backend)
	}
	if r := s.Redis; r != nil {
		if r.StreamTTLSeconds != 0 && (r.StreamTTLSeconds < 60 || r.StreamTTLSeconds > 604800) {
			return fmt.Errorf("redis.stream_ttl_seconds must be between 60 and 604800")
		}
		if r.MaxEventsPerRun != 0 && (r.MaxEventsPerRun < 10 || r.MaxEventsPerRun > 100000) {
			return fmt.Errorf("redis.max_events_per_run must be between 10 and 100000")
		}
	}
	if e := s.Events; e != nil {
		if e.HeartbeatInterval != 0 && (e.HeartbeatInterval < 1 || e.HeartbeatInterval > 300) {
			return fmt.Errorf("events.heartbeat_interval must be between 1 and 300 seconds")
		}
		if e.MaxRunDuration != 0 && (e.MaxRunDuration < 1 || e.MaxRunDuration > 86400) {
			return fmt.Errorf("events.max_run_duration must be between 1 and 86400 seconds")
		}
		if _, err := e.AllowedList(); err != nil {
			return err
		}
	}
	if c := s.Connection; c != nil {
		if c.DefaultTimeout != 0 && (c.DefaultTimeout < 1 || c.DefaultTimeout > 3600) {
			return fmt.Errorf("connection.default_timeout must be between 1 and 3600 seconds")
		}
		if c.MaxSubscribersPerRun != 0 && (c.MaxSubscribersPerRun < 1 || c.MaxSubscribersPerRun > 1000) {
			return fmt.Errorf("connection.max_subscribers_per_run must be between 1 and 1000")
		}
	}
	return nil
}

// AllowedList normalizes the allowed field to a slice: nil means
// everything is admitted. Custom entries must be identifiers.
func (e *ManifestEvents) AllowedList() ([]string, error) {
	var entries []string
	switch val := e.Allowed.(type) {
	case nil:
		return nil, nil
	case string:
		entries = []string{val}
	case []any:
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("events.allowed entries must be strings, got %T", item)
			}
			entries = append(entries, s)
		}
		if entries == nil {
			entries = []string{}
		}
	case []string:
		entries = val
	default:
		return nil, fmt.Errorf("events.allowed must be a preset name or a list, got %T", val)
	}
	for _, entry := range entries {
		if name, ok := strings.CutPrefix(entry, "custom:"); ok {
			if !customNamePattern.MatchString(name) {
				return nil, fmt.Errorf("invalid custom event name %q", name)
			}
		}
	}
	return entries, nil
}

// Apply folds manifest settings into the service configuration. The
// manifest speaks for the packaged agent and wins over file defaults;
// environment overrides applied earlier stay in force only for unset
// manifest fields.
func (m *Manifest) Apply(cfg *Config) error {
	cfg.Agent.Name = m.Agent.Name
	if m.Agent.Framework != "" {
		cfg.Agent.Framework = m.Agent.Framework
	}
	if m.Agent.Description != "" {
		cfg.Agent.Description = m.Agent.Description
	}

	s := m.Streaming
	if s == nil {
		return nil
	}
	switch s.Backend {
	case "memory", "in_memory":
		cfg.Backend = "in_memory"
	case "redis":
		cfg.Backend = "redis"
	}
	if s.AllowClientIDs != nil {
		cfg.Runs.AllowClientIDs = *s.AllowClientIDs
	}
	if r := s.Redis; r != nil {
		if r.URL != "" {
			cfg.Redis.URL = os.ExpandEnv(r.URL)
		}
		if r.StreamTTLSeconds != 0 {
			cfg.Redis.StreamTTLSeconds = r.StreamTTLSeconds
		}
		if r.MaxEventsPerRun != 0 {
			cfg.Redis.MaxEventsPerRun = r.MaxEventsPerRun
		}
		if r.ConnectionPoolSize != 0 {
			cfg.Redis.ConnectionPoolSize = r.ConnectionPoolSize
		}
	}
	if e := s.Events; e != nil {
		allowed, err := e.AllowedList()
		if err != nil {
			return err
		}
		if allowed != nil {
			cfg.Events.Allowed = allowed
		}
		if e.HeartbeatInterval != 0 {
			cfg.HeartbeatInterval = e.HeartbeatInterval
		}
		if e.MaxRunDuration != 0 {
			cfg.MaxRunDuration = e.MaxRunDuration
		}
	}
	if c := s.Connection; c != nil {
		if c.DefaultTimeout != 0 {
			cfg.Connection.DefaultTimeoutSeconds = c.DefaultTimeout
		}
		if c.MaxSubscribersPerRun != 0 {
			cfg.Connection.MaxSubscribersPerRun = c.MaxSubscribersPerRun
		}
	}
	return cfg.Validate()
}
