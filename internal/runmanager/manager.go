// Package runmanager drives the lifecycle of managed runs. It owns the
// pending, running, terminal record transitions, executes agent work in
// background goroutines with heartbeats and a duration ceiling, and
// turns cancellation requests into cooperative context cancellation
// with a bounded grace window.
package runmanager

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dockrion/dockrion/go/events/internal/events"
	"github.com/dockrion/dockrion/go/events/internal/metrics"
	"github.com/dockrion/dockrion/go/events/internal/streamctx"
	"github.com/dockrion/dockrion/go/events/internal/streaming"
)

var (
	ErrInvalidRunID = errors.New("invalid run id")
	ErrRunFailed    = errors.New("run failed")
	ErrRunCancelled = errors.New("run cancelled")
	ErrShuttingDown = errors.New("manager shutting down")
)

var runIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,127}$`)

// AgentFunc is one unit of agent work. The run's stream context is
// bound into ctx; implementations emit through streamctx.FromContext
// and honor ctx cancellation.
type AgentFunc func(ctx context.Context, input map[string]any) (any, error)

// Config carries the manager's tunables. Zero values select defaults.
type Config struct {
	AgentName         string
	Framework         string
	HeartbeatInterval time.Duration
	MaxRunDuration    time.Duration
	CancelGrace       time.Duration
	DefaultTTL        time.Duration
	AllowClientIDs    bool
	Filter            *events.Filter
}

func (c Config) withDefaults() Config {
	if c.AgentName == "" {
		c.AgentName = "agent"
	}
	if c.Framework == "" {
		c.Framework = "native"
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.MaxRunDuration == 0 {
		c.MaxRunDuration = time.Hour
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = 30 * time.Second
	}
	if c.Filter == nil {
		c.Filter = events.AllEvents()
	}
	return c
}

// Manager coordinates run records, agent goroutines, and the event bus.
type Manager struct {
	backend streaming.Backend
	bus     *streaming.Bus
	cfg     Config
	logger  *zap.Logger

	mu     sync.Mutex
	active map[string]*activeRun
	closed bool
	wg     sync.WaitGroup
}

type activeRun struct {
	sc     *streamctx.StreamContext
	cancel context.CancelCauseFunc
	done   chan struct{}
}

func NewManager(backend streaming.Backend, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		backend: backend,
		bus:     streaming.NewBus(backend),
		cfg:     cfg.withDefaults(),
		logger:  logger,
		active:  make(map[string]*activeRun),
	}
}

// Bus returns the event bus runs publish through.
func (m *Manager) Bus() *streaming.Bus { return m.bus }

// Backend returns the underlying event backend.
func (m *Manager) Backend() streaming.Backend { return m.backend }

// ActiveRuns reports the number of in-flight agent goroutines.
func (m *Manager) ActiveRuns() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// CreateOptions controls run creation. RunID is optional; when set it
// must match the accepted id shape and client ids must be enabled.
type CreateOptions struct {
	RunID string
	TTL   time.Duration
}

// CreateRun registers a pending run record and returns it.
func (m *Manager) CreateRun(ctx context.Context, opts CreateOptions) (*streaming.Run, error) {
	runID := opts.RunID
	if runID != "" {
		if !m.cfg.AllowClientIDs {
			return nil, fmt.Errorf("%w: client-supplied ids are disabled", ErrInvalidRunID)
		}
		if !runIDPattern.MatchString(runID) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidRunID, runID)
		}
	} else {
		runID = uuid.NewString()
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = m.cfg.DefaultTTL
	}
	run := &streaming.Run{
		RunID:      runID,
		Status:     streaming.StatusPending,
		CreatedAt:  time.Now().UTC(),
		TTLSeconds: int64(ttl / time.Second),
	}
	if err := m.backend.SaveRun(ctx, run); err != nil {
		return nil, err
	}
	m.logger.Info("run created", zap.String("run_id", runID))
	return run, nil
}

// Start moves a pending run to running and launches the agent
// goroutine. It returns once the run is registered; results arrive on
// the stream.
func (m *Manager) Start(ctx context.Context, runID string, agent AgentFunc, input map[string]any) error {
	return m.StartWithFilter(ctx, runID, agent, input, nil)
}

// StartWithFilter is Start with a per-run filter overriding the
// service-wide one. A nil filter keeps the configured default.
func (m *Manager) StartWithFilter(ctx context.Context, runID string, agent AgentFunc, input map[string]any, filter *events.Filter) error {
	if filter == nil {
		filter = m.cfg.Filter
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrShuttingDown
	}
	existing := m.active[runID]
	m.mu.Unlock()
	if existing != nil {
		select {
		case <-existing.done:
			// finished; the record check below gives the precise error
		default:
			return fmt.Errorf("%w: %s", streaming.ErrRunActive, runID)
		}
	}

	run, err := m.backend.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	switch {
	case run.Status.Terminal():
		return fmt.Errorf("%w: %s", streaming.ErrAlreadyTerminal, runID)
	case run.Status != streaming.StatusPending:
		return fmt.Errorf("%w: %s is %s", streaming.ErrRunActive, runID, run.Status)
	}

	now := time.Now().UTC()
	run.Status = streaming.StatusRunning
	run.StartedAt = &now
	if err := m.backend.UpdateRun(ctx, run); err != nil {
		return err
	}

	runCtx := context.Background()
	timeoutCancel := func() {}
	if m.cfg.MaxRunDuration > 0 {
		runCtx, timeoutCancel = context.WithTimeoutCause(runCtx, m.cfg.MaxRunDuration, errRunTimeout)
	}
	runCtx, cancel := context.WithCancelCause(runCtx)

	entry := &activeRun{
		sc:     streamctx.NewBus(runID, filter, m.bus, m.logger),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel(nil)
		timeoutCancel()
		return ErrShuttingDown
	}
	m.active[runID] = entry
	m.wg.Add(1)
	m.mu.Unlock()

	metrics.RunsStarted.Inc()
	metrics.RunsActive.Inc()
	m.logger.Info("run started", zap.String("run_id", runID))

	go m.execute(runCtx, timeoutCancel, entry, run, agent, input)
	return nil
}

// Cancel requests cooperative cancellation and waits up to the grace
// window. Agents that do not yield in time have their stream terminated
// out from under them.
func (m *Manager) Cancel(ctx context.Context, runID, reason string) error {
	if reason == "" {
		reason = "cancelled by client"
	}

	m.mu.Lock()
	entry := m.active[runID]
	m.mu.Unlock()
	if entry != nil {
		select {
		case <-entry.done:
			entry = nil // already finished; fall through to the record
		default:
		}
	}

	if entry != nil {
		entry.cancel(&cancelRequest{reason: reason})
		select {
		case <-entry.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.cfg.CancelGrace):
		}
		m.logger.Warn("cancel grace expired, forcing terminal",
			zap.String("run_id", runID))
		if err := entry.sc.EmitCancelled(context.Background(), reason); err != nil {
			m.forceRecord(runID, streaming.StatusCancelled, nil, "")
		}
		return nil
	}

	// not running here: pending records can still be cancelled
	run, err := m.backend.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return fmt.Errorf("%w: %s", streaming.ErrAlreadyTerminal, runID)
	}
	sc := streamctx.NewBus(runID, m.cfg.Filter, m.bus, m.logger)
	if err := sc.EmitCancelled(ctx, reason); err != nil {
		return err
	}
	m.logger.Info("run cancelled before start", zap.String("run_id", runID))
	return nil
}

// GetStatus returns the run record.
func (m *Manager) GetStatus(ctx context.Context, runID string) (*streaming.Run, error) {
	return m.backend.GetRun(ctx, runID)
}

// GetResult returns the stored result of a completed run. Failed and
// cancelled runs surface ErrRunFailed and ErrRunCancelled; runs that
// have not terminated surface streaming.ErrRunActive.
func (m *Manager) GetResult(ctx context.Context, runID string) (any, error) {
	run, err := m.backend.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	switch run.Status {
	case streaming.StatusCompleted:
		return run.Result, nil
	case streaming.StatusFailed:
		return nil, fmt.Errorf("%w: %s", ErrRunFailed, run.Error)
	case streaming.StatusCancelled:
		return nil, ErrRunCancelled
	default:
		return nil, fmt.Errorf("%w: %s is %s", streaming.ErrRunActive, runID, run.Status)
	}
}

// ListRuns returns run records, optionally filtered by status, newest
// first.
func (m *Manager) ListRuns(ctx context.Context, statuses ...streaming.Status) ([]*streaming.Run, error) {
	return m.backend.ListRuns(ctx, statuses...)
}

// Stats aggregates run counts by status.
func (m *Manager) Stats(ctx context.Context) (*streaming.RunStats, error) {
	runs, err := m.backend.ListRuns(ctx)
	if err != nil {
		return nil, err
	}
	stats := &streaming.RunStats{
		Total:    len(runs),
		ByStatus: make(map[streaming.Status]int),
	}
	for _, r := range runs {
		stats.ByStatus[r.Status]++
	}
	return stats, nil
}

// DeleteRun removes a terminal run's record and events.
func (m *Manager) DeleteRun(ctx context.Context, runID string) error {
	run, err := m.backend.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if !run.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", streaming.ErrRunActive, runID, run.Status)
	}
	if err := m.backend.Trim(ctx, runID); err != nil {
		return err
	}
	if err := m.backend.DeleteRun(ctx, runID); err != nil {
		return err
	}
	m.logger.Info("run deleted", zap.String("run_id", runID))
	return nil
}

// Shutdown cancels all active runs and waits for their goroutines to
// finish or ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	entries := make([]*activeRun, 0, len(m.active))
	for _, e := range m.active {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	for _, e := range entries {
		e.cancel(&cancelRequest{reason: "server shutting down"})
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
