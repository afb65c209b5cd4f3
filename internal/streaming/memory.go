package streaming

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dockrion/dockrion/go/events/internal/events"
	"github.com/dockrion/dockrion/go/events/internal/metrics"
)

const memoryJanitorInterval = 30 * time.Second

// MemoryBackend is the single-process reference backend. Events and run
// records live in a per-run entry guarded by its own mutex; the registry
// map is guarded separately so runs do not contend with each other.
type MemoryBackend struct {
	logger *zap.Logger
	opts   Options

	mu      sync.RWMutex
	streams map[string]*memStream

	// dropLog throttles slow-subscriber warnings under fan-out storms.
	dropLog *rate.Limiter

	janitorStop chan struct{}
	janitorDone chan struct{}
	closeOnce   sync.Once
}

// memStream is the per-run state: stored events, live subscribers, the
// run record, and the terminal marker. All fields are guarded by mu.
type memStream struct {
	mu          sync.Mutex
	events      []events.Event
	subscribers map[chan events.Event]struct{}
	record      *Run
	terminated  bool
	finishedAt  time.Time
}

// NewMemoryBackend builds the in-memory backend and starts its TTL
// janitor.
func NewMemoryBackend(opts Options, logger *zap.Logger) *MemoryBackend {
	b := &MemoryBackend{
		logger:      logger,
		opts:        opts.withDefaults(),
		streams:     make(map[string]*memStream),
		dropLog:     rate.NewLimiter(rate.Every(time.Second), 5),
		janitorStop: make(chan struct{}),
		janitorDone: make(chan struct{}),
	}
	go b.janitor()
	return b
}

func (b *MemoryBackend) stream(runID string, create bool) *memStream {
	b.mu.RLock()
	s := b.streams[runID]
	b.mu.RUnlock()
	if s != nil || !create {
		return s
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if s = b.streams[runID]; s == nil {
		s = &memStream{subscribers: make(map[chan events.Event]struct{})}
		b.streams[runID] = s
	}
	return s
}

// Publish appends the event, commits a terminal transition in the same
// critical section, and fans out to subscribers with non-blocking sends.
// A full subscriber channel costs that subscriber its subscription; it
// recovers by reconnecting with fromSequence.
func (b *MemoryBackend) Publish(ctx context.Context, e events.Event) error {
	if e.RunID == "" {
		return fmt.Errorf("publish: empty run_id")
	}
	start := time.Now()
	s := b.stream(e.RunID, true)

	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		metrics.EventsDropped.WithLabelValues(metrics.DropPostTerminal).Inc()
		b.logger.Debug("event after terminal dropped",
			zap.String("run_id", e.RunID),
			zap.String("type", string(e.Type)))
		return ErrAlreadyTerminal
	}
	s.append(e, b.opts.MaxEventsPerRun)
	if e.Type.Terminal() {
		s.terminated = true
		s.finishedAt = e.Timestamp
		if s.record != nil {
			s.record.applyTerminal(e)
		}
	}
	for ch := range s.subscribers {
		select {
		case ch <- e:
		default:
			delete(s.subscribers, ch)
			close(ch)
			metrics.EventsDropped.WithLabelValues(metrics.DropSlowSubscriber).Inc()
			if b.dropLog.Allow() {
				b.logger.Warn("dropping slow subscriber",
					zap.String("run_id", e.RunID),
					zap.Int64("sequence", e.Sequence))
			}
		}
	}
	s.mu.Unlock()

	metrics.RecordPublish(BackendInMemory, string(e.Type), time.Since(start).Seconds())
	return nil
}

// append stores the event, evicting the oldest non-mandatory event once
// the per-run cap is reached. Mandatory events are only evicted when
// nothing else is left.
func (s *memStream) append(e events.Event, max int64) {
	if max > 0 && int64(len(s.events)) >= max {
		victim := 0
		for i := range s.events {
			if !s.events[i].Type.Mandatory() {
				victim = i
				break
			}
		}
		s.events = append(s.events[:victim], s.events[victim+1:]...)
		metrics.EventsDropped.WithLabelValues(metrics.DropEvicted).Inc()
	}
	s.events = append(s.events, e)
}

// Subscribe snapshots stored events and registers the live channel under
// the same lock, so no event falls between replay and tail.
func (b *MemoryBackend) Subscribe(ctx context.Context, runID string, fromSequence int64, includeHistorical bool) (<-chan events.Event, error) {
	s := b.stream(runID, true)
	out := make(chan events.Event, b.opts.SubscriberBuffer)

	s.mu.Lock()
	var snapshot []events.Event
	if includeHistorical {
		for _, e := range s.events {
			if e.Sequence >= fromSequence {
				snapshot = append(snapshot, e)
			}
		}
	}
	var live chan events.Event
	if !s.terminated {
		live = make(chan events.Event, b.opts.SubscriberBuffer)
		s.subscribers[live] = struct{}{}
	}
	s.mu.Unlock()

	go b.pump(ctx, s, snapshot, live, out)
	return out, nil
}

func (b *MemoryBackend) pump(ctx context.Context, s *memStream, snapshot []events.Event, live chan events.Event, out chan events.Event) {
	metrics.SubscribersActive.WithLabelValues(BackendInMemory).Inc()
	defer metrics.SubscribersActive.WithLabelValues(BackendInMemory).Dec()
	defer close(out)
	defer b.unregister(s, live)

	for _, e := range snapshot {
		if !send(ctx, out, e) {
			return
		}
		if e.Type.Terminal() {
			return
		}
	}
	if live == nil {
		return
	}
	for {
		select {
		case e, ok := <-live:
			if !ok {
				// dropped as a slow subscriber or backend closed
				return
			}
			if !send(ctx, out, e) {
				return
			}
			if e.Type.Terminal() {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (b *MemoryBackend) unregister(s *memStream, live chan events.Event) {
	if live == nil {
		return
	}
	s.mu.Lock()
	if _, ok := s.subscribers[live]; ok {
		delete(s.subscribers, live)
		close(live)
	}
	s.mu.Unlock()
}

// GetEvents returns stored events with sequence >= fromSequence in order.
func (b *MemoryBackend) GetEvents(ctx context.Context, runID string, fromSequence int64, limit int) ([]events.Event, error) {
	s := b.stream(runID, false)
	if s == nil {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []events.Event
	for _, e := range s.events {
		if e.Sequence < fromSequence {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Trim drops all stored events for the run, keeping the record and any
// live subscribers.
func (b *MemoryBackend) Trim(ctx context.Context, runID string) error {
	s := b.stream(runID, false)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	s.events = nil
	s.mu.Unlock()
	return nil
}

func (b *MemoryBackend) SaveRun(ctx context.Context, run *Run) error {
	s := b.stream(run.RunID, true)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.record != nil {
		return fmt.Errorf("save run %s: %w", run.RunID, ErrRunExists)
	}
	s.record = run.Clone()
	return nil
}

func (b *MemoryBackend) UpdateRun(ctx context.Context, run *Run) error {
	s := b.stream(run.RunID, false)
	if s == nil {
		return fmt.Errorf("update run %s: %w", run.RunID, ErrRunNotFound)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.record == nil {
		return fmt.Errorf("update run %s: %w", run.RunID, ErrRunNotFound)
	}
	if s.record.Status.Terminal() && run.Status != s.record.Status {
		return fmt.Errorf("update run %s: %w", run.RunID, ErrAlreadyTerminal)
	}
	s.record = run.Clone()
	return nil
}

func (b *MemoryBackend) GetRun(ctx context.Context, runID string) (*Run, error) {
	s := b.stream(runID, false)
	if s == nil {
		return nil, fmt.Errorf("get run %s: %w", runID, ErrRunNotFound)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.record == nil {
		return nil, fmt.Errorf("get run %s: %w", runID, ErrRunNotFound)
	}
	return s.record.Clone(), nil
}

// ListRuns returns records newest-first, optionally filtered by status.
func (b *MemoryBackend) ListRuns(ctx context.Context, statuses ...Status) ([]*Run, error) {
	b.mu.RLock()
	entries := make([]*memStream, 0, len(b.streams))
	for _, s := range b.streams {
		entries = append(entries, s)
	}
	b.mu.RUnlock()

	wanted := make(map[Status]struct{}, len(statuses))
	for _, st := range statuses {
		wanted[st] = struct{}{}
	}

	var runs []*Run
	for _, s := range entries {
		s.mu.Lock()
		rec := s.record
		if rec != nil {
			rec = rec.Clone()
		}
		s.mu.Unlock()
		if rec == nil {
			continue
		}
		if len(wanted) > 0 {
			if _, ok := wanted[rec.Status]; !ok {
				continue
			}
		}
		runs = append(runs, rec)
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	return runs, nil
}

func (b *MemoryBackend) DeleteRun(ctx context.Context, runID string) error {
	b.mu.Lock()
	s := b.streams[runID]
	if s == nil {
		b.mu.Unlock()
		return fmt.Errorf("delete run %s: %w", runID, ErrRunNotFound)
	}
	delete(b.streams, runID)
	b.mu.Unlock()

	s.closeSubscribers()
	return nil
}

func (s *memStream) closeSubscribers() {
	s.mu.Lock()
	for ch := range s.subscribers {
		delete(s.subscribers, ch)
		close(ch)
	}
	s.mu.Unlock()
}

func (b *MemoryBackend) HealthCheck(ctx context.Context) error { return nil }

func (b *MemoryBackend) Close() error {
	b.closeOnce.Do(func() {
		close(b.janitorStop)
		<-b.janitorDone

		b.mu.Lock()
		streams := b.streams
		b.streams = make(map[string]*memStream)
		b.mu.Unlock()
		for _, s := range streams {
			s.closeSubscribers()
		}
	})
	return nil
}

func (b *MemoryBackend) janitor() {
	defer close(b.janitorDone)
	ticker := time.NewTicker(memoryJanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := b.sweepExpired(time.Now()); n > 0 {
				b.logger.Debug("swept expired runs", zap.Int("count", n))
			}
		case <-b.janitorStop:
			return
		}
	}
}

// sweepExpired removes whole run entries whose terminal event is older
// than the retention window. Returns the number of entries removed.
func (b *MemoryBackend) sweepExpired(now time.Time) int {
	b.mu.Lock()
	var victims []*memStream
	for id, s := range b.streams {
		s.mu.Lock()
		ttl := b.opts.StreamTTL
		if s.record != nil && s.record.TTLSeconds > 0 {
			ttl = time.Duration(s.record.TTLSeconds) * time.Second
		}
		expired := s.terminated && !s.finishedAt.IsZero() && now.Sub(s.finishedAt) > ttl
		s.mu.Unlock()
		if expired {
			delete(b.streams, id)
			victims = append(victims, s)
		}
	}
	b.mu.Unlock()

	for _, s := range victims {
		s.closeSubscribers()
	}
	return len(victims)
}
