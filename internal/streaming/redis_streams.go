package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dockrion/dockrion/go/events/internal/events"
	"github.com/dockrion/dockrion/go/events/internal/metrics"
)

const (
	keyPrefix    = "dockrion:"
	runsIndexKey = keyPrefix + "runs:index"

	writeAttempts = 2
	readAttempts  = 4
	xreadCount    = 100
)

func streamKey(runID string) string { return keyPrefix + "stream:" + runID }
func runKey(runID string) string    { return keyPrefix + "run:" + runID }

// RedisBackend stores each run's events in a Redis Stream and its record
// in a hash, with a sorted set indexing runs by creation time. Entry IDs
// are assigned by Redis; ordering authority stays with the seq field
// stamped by the producer, so replay survives backend restarts.
type RedisBackend struct {
	client  *redis.Client
	logger  *zap.Logger
	opts    Options
	breaker *breaker
}

// NewRedisBackend wraps an existing client. Callers own client liveness
// up to this point; Close releases it.
func NewRedisBackend(client *redis.Client, opts Options, logger *zap.Logger) *RedisBackend {
	opts = opts.withDefaults()
	return &RedisBackend{
		client:  client,
		logger:  logger,
		opts:    opts,
		breaker: newBreaker(BackendRedis, opts.BreakerThreshold, opts.BreakerCooldown, logger),
	}
}

func permanentErr(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, redis.Nil) ||
		errors.Is(err, ErrAlreadyTerminal) ||
		errors.Is(err, ErrRunExists) ||
		errors.Is(err, ErrRunNotFound) ||
		errors.Is(err, ErrRunActive)
}

// breakerOutcomeOf classifies a permanent error for the circuit:
// context endings say nothing about backend health, every other
// sentinel is an authoritative answer from a live backend.
func breakerOutcomeOf(err error) breakerOutcome {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return breakerAbandoned
	}
	return breakerSuccess
}

// withRetry runs fn behind the circuit with a bounded retry budget and
// exponential backoff. Sentinel and context errors pass through
// untouched; exhausted budgets surface as ErrBackendUnavailable and
// count against the circuit, which rejects immediately while open.
func (b *RedisBackend) withRetry(ctx context.Context, op string, attempts int, fn func(context.Context) error) error {
	gen, ok := b.breaker.allow()
	if !ok {
		metrics.RecordBackendError(BackendRedis, op)
		return fmt.Errorf("%s: %w: circuit open", op, ErrBackendUnavailable)
	}
	backoff := 100 * time.Millisecond
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			b.breaker.record(gen, breakerSuccess)
			return nil
		}
		if permanentErr(err) {
			b.breaker.record(gen, breakerOutcomeOf(err))
			return err
		}
		if i == attempts-1 {
			break
		}
		metrics.BackendRetries.WithLabelValues(BackendRedis, op).Inc()
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			b.breaker.record(gen, breakerAbandoned)
			return ctx.Err()
		}
		backoff *= 2
	}
	b.breaker.record(gen, breakerFailure)
	metrics.RecordBackendError(BackendRedis, op)
	b.logger.Warn("redis operation failed",
		zap.String("op", op),
		zap.Int("attempts", attempts),
		zap.Error(err))
	return fmt.Errorf("%s: %w: %v", op, ErrBackendUnavailable, err)
}

func (b *RedisBackend) xadd(ctx context.Context, pipe redis.Cmdable, e events.Event, payload []byte) {
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(e.RunID),
		MaxLen: b.opts.MaxEventsPerRun,
		Approx: true,
		ID:     "*",
		Values: map[string]any{
			"seq":     e.Sequence,
			"type":    string(e.Type),
			"payload": payload,
			"ts":      e.Timestamp.UnixMilli(),
		},
	})
}

// Publish XADDs the event with approximate capping. Terminal events also
// commit the run record transition in the same MULTI/EXEC.
func (b *RedisBackend) Publish(ctx context.Context, e events.Event) error {
	if e.RunID == "" {
		return fmt.Errorf("publish: empty run_id")
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", e.ID, err)
	}
	if e.Type.Terminal() {
		return b.publishTerminal(ctx, e, payload)
	}
	return b.withRetry(ctx, "xadd", writeAttempts, func(ctx context.Context) error {
		start := time.Now()
		pipe := b.client.Pipeline()
		b.xadd(ctx, pipe, e, payload)
		if b.opts.TTLPolicy == TTLSliding {
			pipe.Expire(ctx, streamKey(e.RunID), b.opts.StreamTTL)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		metrics.RecordPublish(BackendRedis, string(e.Type), time.Since(start).Seconds())
		return nil
	})
}

func (b *RedisBackend) publishTerminal(ctx context.Context, e events.Event, payload []byte) error {
	return b.withRetry(ctx, "publish_terminal", writeAttempts, func(ctx context.Context) error {
		vals, err := b.client.HMGet(ctx, runKey(e.RunID), "status", "ttl_seconds").Result()
		if err != nil {
			return err
		}
		recordExists := vals[0] != nil
		if recordExists {
			if cur, _ := vals[0].(string); Status(cur).Terminal() {
				metrics.EventsDropped.WithLabelValues(metrics.DropPostTerminal).Inc()
				b.logger.Debug("terminal already recorded, dropping event",
					zap.String("run_id", e.RunID),
					zap.String("type", string(e.Type)))
				return ErrAlreadyTerminal
			}
		}
		ttl := b.opts.StreamTTL
		if recordExists && vals[1] != nil {
			if secs, err := strconv.ParseInt(vals[1].(string), 10, 64); err == nil && secs > 0 {
				ttl = time.Duration(secs) * time.Second
			}
		}

		start := time.Now()
		pipe := b.client.TxPipeline()
		b.xadd(ctx, pipe, e, payload)
		if recordExists {
			pipe.HSet(ctx, runKey(e.RunID), terminalFields(e))
			pipe.Expire(ctx, runKey(e.RunID), ttl)
		}
		pipe.Expire(ctx, streamKey(e.RunID), ttl)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		metrics.RecordPublish(BackendRedis, string(e.Type), time.Since(start).Seconds())
		return nil
	})
}

func terminalFields(e events.Event) map[string]any {
	fields := map[string]any{
		"status":      string(statusOf(e)),
		"finished_at": e.Timestamp.Format(time.RFC3339Nano),
	}
	switch e.Type {
	case events.TypeComplete:
		if e.Output != nil {
			if raw, err := json.Marshal(e.Output); err == nil {
				fields["result"] = raw
			}
		}
	case events.TypeError:
		fields["error"] = e.Error
	}
	return fields
}

func statusOf(e events.Event) Status {
	st, _ := statusFromEvent(e.Type)
	return st
}

// Subscribe replays stored entries ordered by seq, then tails with XREAD
// BLOCK in a bounded loop until the terminal event, ctx cancellation, or
// an unrecoverable backend fault.
func (b *RedisBackend) Subscribe(ctx context.Context, runID string, fromSequence int64, includeHistorical bool) (<-chan events.Event, error) {
	out := make(chan events.Event, b.opts.SubscriberBuffer)
	go b.tail(ctx, runID, fromSequence, includeHistorical, out)
	return out, nil
}

func (b *RedisBackend) tail(ctx context.Context, runID string, fromSequence int64, includeHistorical bool, out chan<- events.Event) {
	metrics.SubscribersActive.WithLabelValues(BackendRedis).Inc()
	defer metrics.SubscribersActive.WithLabelValues(BackendRedis).Dec()
	defer close(out)

	lastSeq := fromSequence - 1
	lastID := "0-0"

	if includeHistorical {
		replay, maxID, err := b.rangeEvents(ctx, runID)
		if err != nil {
			b.logger.Warn("replay failed", zap.String("run_id", runID), zap.Error(err))
			return
		}
		lastID = maxID
		for _, e := range replay {
			if e.Sequence <= lastSeq {
				continue
			}
			if !send(ctx, out, e) {
				return
			}
			lastSeq = e.Sequence
			if e.Type.Terminal() {
				return
			}
		}
	} else {
		// live-only: position at the current stream tip
		entries, err := b.client.XRevRangeN(ctx, streamKey(runID), "+", "-", 1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			b.logger.Warn("tip lookup failed", zap.String("run_id", runID), zap.Error(err))
			return
		}
		if len(entries) > 0 {
			lastID = entries[0].ID
		}
	}

	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		res, err := b.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{streamKey(runID), lastID},
			Count:   xreadCount,
			Block:   b.opts.BlockWindow,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // block window elapsed, keep polling
			}
			if ctx.Err() != nil {
				return
			}
			metrics.RecordBackendError(BackendRedis, "xread")
			b.logger.Warn("xread failed, backing off",
				zap.String("run_id", runID),
				zap.Duration("backoff", backoff),
				zap.Error(err))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			// resume from the last acked seq, not the entry ID
			lastID = b.resyncID(ctx, runID, lastSeq)
			continue
		}
		backoff = time.Second

		for _, stream := range res {
			for _, msg := range stream.Messages {
				lastID = msg.ID
				e, ok := b.decodeEntry(runID, msg)
				if !ok || e.Sequence <= lastSeq {
					continue
				}
				if !send(ctx, out, e) {
					return
				}
				lastSeq = e.Sequence
				if e.Type.Terminal() {
					return
				}
			}
		}
	}
}

// resyncID maps the last acknowledged seq back to a stream entry ID so a
// tail can resume authoritatively after a fault.
func (b *RedisBackend) resyncID(ctx context.Context, runID string, lastSeq int64) string {
	entries, err := b.client.XRange(ctx, streamKey(runID), "-", "+").Result()
	if err != nil {
		return "0-0"
	}
	id := "0-0"
	for _, msg := range entries {
		raw, _ := msg.Values["seq"].(string)
		seq, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || seq > lastSeq {
			break
		}
		id = msg.ID
	}
	return id
}

// rangeEvents fetches and decodes the whole stream sorted by seq, also
// returning the highest entry ID seen for tail positioning.
func (b *RedisBackend) rangeEvents(ctx context.Context, runID string) ([]events.Event, string, error) {
	var msgs []redis.XMessage
	err := b.withRetry(ctx, "xrange", readAttempts, func(ctx context.Context) error {
		var err error
		msgs, err = b.client.XRange(ctx, streamKey(runID), "-", "+").Result()
		return err
	})
	if err != nil {
		return nil, "0-0", err
	}
	maxID := "0-0"
	out := make([]events.Event, 0, len(msgs))
	for _, msg := range msgs {
		maxID = msg.ID
		if e, ok := b.decodeEntry(runID, msg); ok {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, maxID, nil
}

func (b *RedisBackend) decodeEntry(runID string, msg redis.XMessage) (events.Event, bool) {
	raw, _ := msg.Values["payload"].(string)
	if raw == "" {
		b.logger.Warn("stream entry missing payload",
			zap.String("run_id", runID),
			zap.String("entry_id", msg.ID))
		return events.Event{}, false
	}
	e, err := events.ParseEvent([]byte(raw))
	if err != nil {
		b.logger.Warn("undecodable stream entry",
			zap.String("run_id", runID),
			zap.String("entry_id", msg.ID),
			zap.Error(err))
		return events.Event{}, false
	}
	return e, true
}

func (b *RedisBackend) GetEvents(ctx context.Context, runID string, fromSequence int64, limit int) ([]events.Event, error) {
	all, _, err := b.rangeEvents(ctx, runID)
	if err != nil {
		return nil, err
	}
	var out []events.Event
	for _, e := range all {
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

func (b *RedisBackend) Trim(ctx context.Context, runID string) error {
	return b.withRetry(ctx, "trim", writeAttempts, func(ctx context.Context) error {
		return b.client.Del(ctx, streamKey(runID)).Err()
	})
}

func (b *RedisBackend) SaveRun(ctx context.Context, run *Run) error {
	created, err := b.client.HSetNX(ctx, runKey(run.RunID), "run_id", run.RunID).Result()
	if err != nil {
		metrics.RecordBackendError(BackendRedis, "save_run")
		return fmt.Errorf("save run: %w: %v", ErrBackendUnavailable, err)
	}
	if !created {
		return fmt.Errorf("save run %s: %w", run.RunID, ErrRunExists)
	}
	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, runKey(run.RunID), runFields(run))
	pipe.ZAdd(ctx, runsIndexKey, redis.Z{
		Score:  float64(run.CreatedAt.UnixMilli()),
		Member: run.RunID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		metrics.RecordBackendError(BackendRedis, "save_run")
		return fmt.Errorf("save run: %w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

func (b *RedisBackend) UpdateRun(ctx context.Context, run *Run) error {
	return b.withRetry(ctx, "update_run", writeAttempts, func(ctx context.Context) error {
		vals, err := b.client.HMGet(ctx, runKey(run.RunID), "run_id", "status").Result()
		if err != nil {
			return err
		}
		if vals[0] == nil {
			return fmt.Errorf("update run %s: %w", run.RunID, ErrRunNotFound)
		}
		if cur, _ := vals[1].(string); Status(cur).Terminal() && run.Status != Status(cur) {
			return fmt.Errorf("update run %s: %w", run.RunID, ErrAlreadyTerminal)
		}
		return b.client.HSet(ctx, runKey(run.RunID), runFields(run)).Err()
	})
}

func (b *RedisBackend) GetRun(ctx context.Context, runID string) (*Run, error) {
	var fields map[string]string
	err := b.withRetry(ctx, "get_run", readAttempts, func(ctx context.Context) error {
		var err error
		fields, err = b.client.HGetAll(ctx, runKey(runID)).Result()
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("get run %s: %w", runID, ErrRunNotFound)
	}
	return runFromHash(fields)
}

// ListRuns walks the creation-time index newest-first, dropping index
// entries whose records have expired.
func (b *RedisBackend) ListRuns(ctx context.Context, statuses ...Status) ([]*Run, error) {
	var ids []string
	err := b.withRetry(ctx, "list_runs", readAttempts, func(ctx context.Context) error {
		var err error
		ids, err = b.client.ZRevRange(ctx, runsIndexKey, 0, -1).Result()
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := b.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, runKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		metrics.RecordBackendError(BackendRedis, "list_runs")
		return nil, fmt.Errorf("list runs: %w: %v", ErrBackendUnavailable, err)
	}

	wanted := make(map[Status]struct{}, len(statuses))
	for _, st := range statuses {
		wanted[st] = struct{}{}
	}

	var runs []*Run
	var stale []any
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			stale = append(stale, ids[i])
			continue
		}
		run, err := runFromHash(fields)
		if err != nil {
			b.logger.Warn("unreadable run record", zap.String("run_id", ids[i]), zap.Error(err))
			continue
		}
		if len(wanted) > 0 {
			if _, ok := wanted[run.Status]; !ok {
				continue
			}
		}
		runs = append(runs, run)
	}
	if len(stale) > 0 {
		if err := b.client.ZRem(ctx, runsIndexKey, stale...).Err(); err != nil {
			b.logger.Debug("index cleanup failed", zap.Error(err))
		}
	}
	return runs, nil
}

func (b *RedisBackend) DeleteRun(ctx context.Context, runID string) error {
	return b.withRetry(ctx, "delete_run", writeAttempts, func(ctx context.Context) error {
		pipe := b.client.TxPipeline()
		del := pipe.Del(ctx, runKey(runID))
		pipe.Del(ctx, streamKey(runID))
		pipe.ZRem(ctx, runsIndexKey, runID)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		if del.Val() == 0 {
			return fmt.Errorf("delete run %s: %w", runID, ErrRunNotFound)
		}
		return nil
	})
}

func (b *RedisBackend) HealthCheck(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// Client exposes the underlying connection for health probes that want
// pool statistics beyond the plain HealthCheck ping.
func (b *RedisBackend) Client() *redis.Client { return b.client }

func (b *RedisBackend) Close() error { return b.client.Close() }

func runFields(run *Run) map[string]any {
	fields := map[string]any{
		"run_id":      run.RunID,
		"status":      string(run.Status),
		"created_at":  run.CreatedAt.Format(time.RFC3339Nano),
		"ttl_seconds": run.TTLSeconds,
	}
	if run.StartedAt != nil {
		fields["started_at"] = run.StartedAt.Format(time.RFC3339Nano)
	}
	if run.FinishedAt != nil {
		fields["finished_at"] = run.FinishedAt.Format(time.RFC3339Nano)
	}
	if run.Result != nil {
		if raw, err := json.Marshal(run.Result); err == nil {
			fields["result"] = raw
		}
	}
	if run.Error != "" {
		fields["error"] = run.Error
	}
	return fields
}

func runFromHash(fields map[string]string) (*Run, error) {
	run := &Run{
		RunID:  fields["run_id"],
		Status: Status(fields["status"]),
		Error:  fields["error"],
	}
	if run.RunID == "" {
		return nil, fmt.Errorf("run record missing run_id")
	}
	var err error
	if run.CreatedAt, err = time.Parse(time.RFC3339Nano, fields["created_at"]); err != nil {
		return nil, fmt.Errorf("run %s: bad created_at: %w", run.RunID, err)
	}
	if raw := fields["started_at"]; raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("run %s: bad started_at: %w", run.RunID, err)
		}
		run.StartedAt = &t
	}
	if raw := fields["finished_at"]; raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("run %s: bad finished_at: %w", run.RunID, err)
		}
		run.FinishedAt = &t
	}
	if raw := fields["result"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &run.Result); err != nil {
			return nil, fmt.Errorf("run %s: bad result: %w", run.RunID, err)
		}
	}
	if raw := fields["ttl_seconds"]; raw != "" {
		if run.TTLSeconds, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return nil, fmt.Errorf("run %s: bad ttl_seconds: %w", run.RunID, err)
		}
	}
	return run, nil
}
