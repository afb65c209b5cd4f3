package health

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dockrion/dockrion/go/events/internal/streaming"
)

// Latency above this threshold marks an otherwise healthy component
// as degraded.
const slowCheckThreshold = 100 * time.Millisecond

// BackendHealthChecker probes the event backend through its
// HealthCheck capability, whichever kind is configured.
type BackendHealthChecker struct {
	backend streaming.Backend
	kind    string
	logger  *zap.Logger
	timeout time.Duration
}

// NewBackendHealthChecker creates a checker for the configured backend.
// kind is the configured backend name, reported in check details.
func NewBackendHealthChecker(backend streaming.Backend, kind string, logger *zap.Logger) *BackendHealthChecker {
	return &BackendHealthChecker{
		backend: backend,
		kind:    kind,
		logger:  logger,
		timeout: 5 * time.Second,
	}
}

func (b *BackendHealthChecker) Name() string           { return "backend" }
func (b *BackendHealthChecker) IsCritical() bool       { return true }
func (b *BackendHealthChecker) Timeout() time.Duration { return b.timeout }

func (b *BackendHealthChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Component: "backend",
		Critical:  true,
		Timestamp: start,
	}

	err := b.backend.HealthCheck(ctx)
	result.Duration = time.Since(start)
	result.Details = map[string]any{
		"kind":       b.kind,
		"latency_ms": result.Duration.Milliseconds(),
	}

	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "Event backend unreachable"
		return result
	}

	if result.Duration > slowCheckThreshold {
		result.Status = StatusDegraded
		result.Message = "Event backend responding but with high latency"
	} else {
		result.Status = StatusHealthy
		result.Message = "Event backend healthy"
	}
	return result
}

// RedisHealthChecker checks Redis connectivity directly, adding
// connection pool statistics the backend-level check cannot see.
type RedisHealthChecker struct {
	client  redis.UniversalClient
	logger  *zap.Logger
	timeout time.Duration
}

// NewRedisHealthChecker creates a Redis health checker
func NewRedisHealthChecker(client redis.UniversalClient, logger *zap.Logger) *RedisHealthChecker {
	return &RedisHealthChecker{
		client:  client,
		logger:  logger,
		timeout: 5 * time.Second,
	}
}

func (r *RedisHealthChecker) Name() string           { return "redis" }
func (r *RedisHealthChecker) IsCritical() bool       { return true }
func (r *RedisHealthChecker) Timeout() time.Duration { return r.timeout }

func (r *RedisHealthChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Component: "redis",
		Critical:  true,
		Timestamp: start,
	}

	err := r.client.Ping(ctx).Err()
	result.Duration = time.Since(start)

	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "Redis ping failed"
		result.Details = map[string]any{
			"latency_ms": result.Duration.Milliseconds(),
		}
		return result
	}

	if result.Duration > slowCheckThreshold {
		result.Status = StatusDegraded
		result.Message = "Redis responding but with high latency"
	} else {
		result.Status = StatusHealthy
		result.Message = "Redis healthy"
	}

	stats := r.client.PoolStats()
	result.Details = map[string]any{
		"latency_ms":    result.Duration.Milliseconds(),
		"total_conns":   stats.TotalConns,
		"idle_conns":    stats.IdleConns,
		"pool_hits":     stats.Hits,
		"pool_misses":   stats.Misses,
		"pool_timeouts": stats.Timeouts,
	}
	return result
}

// CustomHealthChecker allows for custom health check logic
type CustomHealthChecker struct {
	name     string
	critical bool
	timeout  time.Duration
	checkFn  func(ctx context.Context) CheckResult
}

// NewCustomHealthChecker creates a custom health checker
func NewCustomHealthChecker(name string, critical bool, timeout time.Duration, checkFn func(ctx context.Context) CheckResult) *CustomHealthChecker {
	return &CustomHealthChecker{
		name:     name,
		critical: critical,
		timeout:  timeout,
		checkFn:  checkFn,
	}
}

func (c *CustomHealthChecker) Name() string           { return c.name }
func (c *CustomHealthChecker) IsCritical() bool       { return c.critical }
func (c *CustomHealthChecker) Timeout() time.Duration { return c.timeout }

func (c *CustomHealthChecker) Check(ctx context.Context) CheckResult {
	return c.checkFn(ctx)
}
