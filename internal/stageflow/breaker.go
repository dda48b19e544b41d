package stageflow

import (
	"sync"
	"time"
)

// BreakerState is one of the three circuit-breaker states (spec.md §4.3).
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerKey indexes circuit-breaker state. ModelID is compared by
// value, including the zero value — a stage with no model never
// collides with a different stage's null model_id because the
// operation/provider fields still differ in practice (spec.md §4.3
// "Key semantics").
type BreakerKey struct {
	Operation string
	Provider  string
	ModelID   string
}

type breakerEntry struct {
	state              BreakerState
	openedAt           time.Time
	failures           []time.Time
	halfOpenSuccesses  int
}

// BreakerConfig carries the breaker's tunables (spec.md §6 defaults).
type BreakerConfig struct {
	ObserveOnly         bool
	FailureThreshold    int
	FailureWindow       time.Duration
	OpenDuration        time.Duration
	HalfOpenProbeCount  int
}

// DefaultBreakerConfig matches spec.md §6's documented defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		ObserveOnly:        false,
		FailureThreshold:   5,
		FailureWindow:      60 * time.Second,
		OpenDuration:       30 * time.Second,
		HalfOpenProbeCount: 3,
	}
}

// CircuitBreaker is a concurrent, process-wide map from BreakerKey to
// state, serialized by a single mutex (spec.md §4.3). Grounded in
// original_source/stageflow/observability/observability.py's
// CircuitBreaker class (note_attempt/record_success/record_failure/
// is_open), translated from asyncio.Lock + module-level singleton to a
// mutex-protected map with an explicit constructor.
type CircuitBreaker struct {
	cfg  BreakerConfig
	sink EventSink

	mu      sync.Mutex
	entries map[BreakerKey]*breakerEntry

	now func() time.Time
}

// NewCircuitBreaker constructs a breaker with the given config. sink may
// be nil, in which case CurrentSink() is consulted lazily on every
// transition (the breaker has no StageContext to thread a sink through,
// per spec.md §9's documented exception).
func NewCircuitBreaker(cfg BreakerConfig, sink EventSink) *CircuitBreaker {
	return &CircuitBreaker{
		cfg:     cfg,
		sink:    sink,
		entries: make(map[BreakerKey]*breakerEntry),
		now:     time.Now,
	}
}

func (b *CircuitBreaker) emit(eventType string, data map[string]any) {
	sink := b.sink
	if sink == nil {
		sink = CurrentSink()
	}
	sink.TryEmit(eventType, data)
}

func (b *CircuitBreaker) get(key BreakerKey) *breakerEntry {
	e, ok := b.entries[key]
	if !ok {
		e = &breakerEntry{state: BreakerClosed}
		b.entries[key] = e
	}
	return e
}

// NoteAttempt is a no-op observation hook matching the source's
// note_attempt: it lazily checks whether an open breaker's open_duration
// has elapsed and transitions it to half_open if so. Calling it on a
// closed breaker has no effect (spec.md §8 idempotence property).
func (b *CircuitBreaker) NoteAttempt(key BreakerKey) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.get(key)
	b.maybeHalfOpenLocked(key, e)
}

func (b *CircuitBreaker) maybeHalfOpenLocked(key BreakerKey, e *breakerEntry) {
	if e.state != BreakerOpen {
		return
	}
	if b.now().Sub(e.openedAt) < b.cfg.OpenDuration {
		return
	}
	prev := e.state
	e.state = BreakerHalfOpen
	e.halfOpenSuccesses = 0
	b.emit("circuit.half_opened", map[string]any{
		"operation":      key.Operation,
		"provider":       key.Provider,
		"model_id":       key.ModelID,
		"previous_state": string(prev),
		"new_state":      string(e.state),
		"reason":         "open_duration_elapsed",
	})
}

// IsOpen reports whether calls for key should currently be denied. In
// observe-only mode this always returns false, but the underlying state
// machine is still maintained and its events still fire (spec.md §4.3).
func (b *CircuitBreaker) IsOpen(key BreakerKey) bool {
	if b.cfg.ObserveOnly {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.get(key)
	b.maybeHalfOpenLocked(key, e)
	return e.state == BreakerOpen
}

// RecordSuccess reports a successful call, advancing a half-open
// breaker's probe count toward closing it.
func (b *CircuitBreaker) RecordSuccess(key BreakerKey) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.get(key)
	if e.state != BreakerHalfOpen {
		return
	}
	e.halfOpenSuccesses++
	if e.halfOpenSuccesses >= b.cfg.HalfOpenProbeCount {
		prev := e.state
		e.state = BreakerClosed
		e.openedAt = time.Time{}
		e.failures = nil
		e.halfOpenSuccesses = 0
		b.emit("circuit.closed", map[string]any{
			"operation":      key.Operation,
			"provider":       key.Provider,
			"model_id":       key.ModelID,
			"previous_state": string(prev),
			"new_state":      string(e.state),
			"reason":         "half_open_probe_succeeded",
		})
	}
}

// RecordFailure reports a failed call. A half-open failure immediately
// reopens the breaker; a closed-state failure is pruned into the
// sliding window and compared against the threshold.
func (b *CircuitBreaker) RecordFailure(key BreakerKey, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.get(key)
	now := b.now()

	if e.state == BreakerHalfOpen {
		prev := e.state
		e.state = BreakerOpen
		e.openedAt = now
		e.halfOpenSuccesses = 0
		if reason == "" {
			reason = "half_open_probe_failed"
		}
		b.emit("circuit.opened", map[string]any{
			"operation":      key.Operation,
			"provider":       key.Provider,
			"model_id":       key.ModelID,
			"previous_state": string(prev),
			"new_state":      string(e.state),
			"reason":         reason,
		})
		return
	}

	cutoff := now.Add(-b.cfg.FailureWindow)
	pruned := e.failures[:0]
	for _, f := range e.failures {
		if f.After(cutoff) {
			pruned = append(pruned, f)
		}
	}
	e.failures = append(pruned, now)

	if e.state == BreakerClosed && len(e.failures) >= b.cfg.FailureThreshold {
		prev := e.state
		e.state = BreakerOpen
		e.openedAt = now
		e.halfOpenSuccesses = 0
		if reason == "" {
			reason = "failure_threshold_exceeded"
		}
		b.emit("circuit.opened", map[string]any{
			"operation":      key.Operation,
			"provider":       key.Provider,
			"model_id":       key.ModelID,
			"previous_state": string(prev),
			"new_state":      string(e.state),
			"reason":         reason,
			"failure_count":  len(e.failures),
			"window_seconds": int(b.cfg.FailureWindow.Seconds()),
		})
	}
}

// State returns the current state for key, for tests and diagnostics.
func (b *CircuitBreaker) State(key BreakerKey) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.get(key).state
}
