// Package streaming provides the event fabric for runs: a Backend
// capability interface with in-memory and Redis Streams implementations,
// the run record store, and the Bus facade handed to producers and
// consumers.
package streaming

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dockrion/dockrion/go/events/internal/events"
)

// Sentinel errors surfaced by backends and the run store.
var (
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrRunNotFound        = errors.New("run not found")
	ErrRunExists          = errors.New("run already exists")
	ErrAlreadyTerminal    = errors.New("run already terminal")
	ErrRunActive          = errors.New("run still active")
)

// Backend kind names accepted in configuration.
const (
	BackendInMemory = "in_memory"
	BackendRedis    = "redis"
)

// Stream TTL policies.
const (
	TTLPostMortem = "post_mortem"
	TTLSliding    = "sliding"
)

// Backend stores events and run records and fans events out to live
// subscribers. Implementations are safe for concurrent producers and
// subscribers. Publishing a terminal event commits the event and the
// run record transition as one logical write.
type Backend interface {
	// Publish persists an event and offers it to live subscribers
	// without ever blocking on them. Returns ErrAlreadyTerminal if the
	// run has already terminated.
	Publish(ctx context.Context, e events.Event) error

	// Subscribe opens a replay-then-live subscription. Stored events
	// with sequence >= fromSequence are yielded first (when
	// includeHistorical), then live events until the terminal event or
	// ctx cancellation, after which the channel is closed. A channel
	// closed without a terminal event means the subscriber fell behind
	// or the backend went away; callers reconnect with fromSequence.
	Subscribe(ctx context.Context, runID string, fromSequence int64, includeHistorical bool) (<-chan events.Event, error)

	// GetEvents is a one-shot ordered query with no live tail.
	// limit <= 0 means no limit.
	GetEvents(ctx context.Context, runID string, fromSequence int64, limit int) ([]events.Event, error)

	// Trim deletes all stored events for a run.
	Trim(ctx context.Context, runID string) error

	// Run record store. SaveRun is create-strict; UpdateRun refuses to
	// move a terminal record to a different status.
	SaveRun(ctx context.Context, run *Run) error
	UpdateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListRuns(ctx context.Context, statuses ...Status) ([]*Run, error)
	DeleteRun(ctx context.Context, runID string) error

	HealthCheck(ctx context.Context) error
	Close() error
}

// Options configures a backend independent of its kind.
type Options struct {
	Backend          string
	RedisURL         string
	StreamTTL        time.Duration
	MaxEventsPerRun  int64
	PoolSize         int
	TTLPolicy        string
	SubscriberBuffer int
	// BlockWindow bounds each XREAD BLOCK call so tails stay
	// responsive to cancellation.
	BlockWindow time.Duration
	// Circuit knobs: after BreakerThreshold consecutive operation
	// failures the backend rejects immediately for BreakerCooldown.
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

func (o Options) withDefaults() Options {
	if o.Backend == "" {
		o.Backend = BackendInMemory
	}
	if o.StreamTTL <= 0 {
		o.StreamTTL = time.Hour
	}
	if o.MaxEventsPerRun <= 0 {
		o.MaxEventsPerRun = 1000
	}
	if o.PoolSize <= 0 {
		o.PoolSize = 10
	}
	if o.TTLPolicy == "" {
		o.TTLPolicy = TTLPostMortem
	}
	if o.SubscriberBuffer <= 0 {
		o.SubscriberBuffer = 64
	}
	if o.BlockWindow <= 0 {
		o.BlockWindow = 5 * time.Second
	}
	if o.BreakerThreshold <= 0 {
		o.BreakerThreshold = 5
	}
	if o.BreakerCooldown <= 0 {
		o.BreakerCooldown = 10 * time.Second
	}
	return o
}

// NewBackend builds the configured backend. ctx bounds startup probes
// only; it does not scope the backend's lifetime.
func NewBackend(ctx context.Context, opts Options, logger *zap.Logger) (Backend, error) {
	opts = opts.withDefaults()
	switch opts.Backend {
	case BackendInMemory:
		return NewMemoryBackend(opts, logger), nil
	case BackendRedis:
		ropts, err := redis.ParseURL(opts.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		ropts.PoolSize = opts.PoolSize
		client := redis.NewClient(ropts)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		return NewRedisBackend(client, opts, logger), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", opts.Backend)
	}
}

// send forwards one event to a subscriber channel, giving up when the
// subscription context ends.
func send(ctx context.Context, out chan<- events.Event, e events.Event) bool {
	select {
	case out <- e:
		return true
	case <-ctx.Done():
		return false
	}
}
