package stageflow

import "sync"

// EventSink is the abstraction every core component emits through.
// Emit is the blocking, error-returning form; TryEmit is fire-and-forget
// and must never block or panic — implementations may buffer, drop, or
// schedule asynchronously (spec.md §4.8).
type EventSink interface {
	Emit(eventType string, data map[string]any) error
	TryEmit(eventType string, data map[string]any)
}

// NoOpSink discards every event. It is the default sink used whenever a
// run is constructed without an explicit one.
type NoOpSink struct{}

func (NoOpSink) Emit(string, map[string]any) error { return nil }
func (NoOpSink) TryEmit(string, map[string]any)    {}

var _ EventSink = NoOpSink{}

// current holds the process-scoped default sink slot described in
// spec.md §4.8 / §9: an escape hatch for deep call sites (the circuit
// breaker registry, primarily) that have no StageContext to carry an
// EventSink through. Core components that do have a StageContext must
// use its Sink field instead of this slot.
var current struct {
	mu   sync.RWMutex
	sink EventSink
}

// SetCurrentSink installs the process-scoped default sink.
func SetCurrentSink(sink EventSink) {
	current.mu.Lock()
	defer current.mu.Unlock()
	current.sink = sink
}

// ClearCurrentSink resets the process-scoped default sink to a no-op,
// primarily for test isolation between runs.
func ClearCurrentSink() {
	current.mu.Lock()
	defer current.mu.Unlock()
	current.sink = nil
}

// CurrentSink returns the process-scoped default sink, or NoOpSink{} if
// none has been set.
func CurrentSink() EventSink {
	current.mu.RLock()
	defer current.mu.RUnlock()
	if current.sink == nil {
		return NoOpSink{}
	}
	return current.sink
}

// MultiSink fans every TryEmit/Emit out to N sinks. Emit errors from
// individual sinks are collected but do not stop delivery to the rest;
// TryEmit swallows every sink's error, consistent with its contract.
type MultiSink struct {
	Sinks []EventSink
}

func (m MultiSink) Emit(eventType string, data map[string]any) error {
	var firstErr error
	for _, s := range m.Sinks {
		if err := s.Emit(eventType, data); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m MultiSink) TryEmit(eventType string, data map[string]any) {
	for _, s := range m.Sinks {
		s.TryEmit(eventType, data)
	}
}

var _ EventSink = MultiSink{}
