package streaming

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dockrion/dockrion/go/events/internal/metrics"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerHalfOpen
	breakerOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "closed"
	case breakerHalfOpen:
		return "half-open"
	case breakerOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Operation outcomes reported back to the breaker. Abandoned means the
// caller's context ended mid-operation: it says nothing about backend
// health and only releases the half-open probe slot.
type breakerOutcome int

const (
	breakerSuccess breakerOutcome = iota
	breakerFailure
	breakerAbandoned
)

// breaker is a consecutive-failure circuit over backend operations.
// While open it rejects immediately, so producers fall through to the
// degraded path instead of stacking retry budgets on a dead backend.
// After the cooldown one probe at a time is let through; consecutive
// probe successes close the circuit, any probe failure reopens it.
//
// Outcomes carry the generation handed out by allow; a state change
// bumps the generation so outcomes from before the change are ignored.
type breaker struct {
	name      string
	threshold uint32
	cooldown  time.Duration
	recovery  uint32

	logger *zap.Logger

	mu         sync.Mutex
	state      breakerState
	generation uint64
	failures   uint32
	successes  uint32
	probing    bool
	openUntil  time.Time
}

func newBreaker(name string, threshold int, cooldown time.Duration, logger *zap.Logger) *breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 10 * time.Second
	}
	return &breaker{
		name:      name,
		threshold: uint32(threshold),
		cooldown:  cooldown,
		recovery:  2,
		logger:    logger,
	}
}

// allow reports whether an operation may proceed and returns the
// generation to hand back to record.
func (cb *breaker) allow() (uint64, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.refresh(time.Now()) {
	case breakerHalfOpen:
		if cb.probing {
			return cb.generation, false
		}
		cb.probing = true
		return cb.generation, true
	case breakerOpen:
		return cb.generation, false
	default:
		return cb.generation, true
	}
}

// record reports the outcome of an operation admitted by allow.
func (cb *breaker) record(gen uint64, outcome breakerOutcome) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	cb.refresh(now)
	if gen != cb.generation {
		return
	}

	switch outcome {
	case breakerSuccess:
		cb.onSuccess(now)
	case breakerFailure:
		cb.onFailure(now)
	case breakerAbandoned:
		cb.probing = false
	}
}

func (cb *breaker) currentState() breakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.refresh(time.Now())
}

// refresh applies the time-based open -> half-open transition.
// Callers hold cb.mu.
func (cb *breaker) refresh(now time.Time) breakerState {
	if cb.state == breakerOpen && cb.openUntil.Before(now) {
		cb.setState(breakerHalfOpen, now)
	}
	return cb.state
}

func (cb *breaker) onSuccess(now time.Time) {
	switch cb.state {
	case breakerClosed:
		cb.failures = 0
	case breakerHalfOpen:
		cb.probing = false
		cb.successes++
		if cb.successes >= cb.recovery {
			cb.setState(breakerClosed, now)
		}
	}
}

func (cb *breaker) onFailure(now time.Time) {
	switch cb.state {
	case breakerClosed:
		cb.failures++
		if cb.failures >= cb.threshold {
			cb.setState(breakerOpen, now)
		}
	case breakerHalfOpen:
		cb.setState(breakerOpen, now)
	}
}

func (cb *breaker) setState(state breakerState, now time.Time) {
	if cb.state == state {
		return
	}
	prev := cb.state
	cb.state = state
	cb.generation++
	cb.failures = 0
	cb.successes = 0
	cb.probing = false
	if state == breakerOpen {
		cb.openUntil = now.Add(cb.cooldown)
	}

	metrics.CircuitState.WithLabelValues(cb.name).Set(float64(state))
	cb.logger.Info("circuit state changed",
		zap.String("name", cb.name),
		zap.String("from", prev.String()),
		zap.String("to", state.String()))
}
