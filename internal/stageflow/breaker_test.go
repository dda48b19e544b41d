package stageflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBreakerConfig() BreakerConfig {
	return BreakerConfig{
		ObserveOnly:        false,
		FailureThreshold:   3,
		FailureWindow:      time.Minute,
		OpenDuration:       time.Second,
		HalfOpenProbeCount: 2,
	}
}

func TestBreakerStartsClosed(t *testing.T) {
	b := NewCircuitBreaker(testBreakerConfig(), &recordingSink{})
	key := BreakerKey{Operation: "llm.generate", Provider: "openai", ModelID: "gpt"}
	assert.Equal(t, BreakerClosed, b.State(key))
	assert.False(t, b.IsOpen(key))
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	sink := &recordingSink{}
	b := NewCircuitBreaker(testBreakerConfig(), sink)
	key := BreakerKey{Operation: "llm.generate", Provider: "openai", ModelID: "gpt"}

	b.RecordFailure(key, "err1")
	b.RecordFailure(key, "err2")
	assert.Equal(t, BreakerClosed, b.State(key))

	b.RecordFailure(key, "err3")
	assert.Equal(t, BreakerOpen, b.State(key))
	assert.True(t, b.IsOpen(key))
	assert.Equal(t, 1, sink.countOf("circuit.opened"))
}

func TestBreakerPrunesFailuresOutsideWindow(t *testing.T) {
	cfg := testBreakerConfig()
	cfg.FailureWindow = 10 * time.Millisecond
	b := NewCircuitBreaker(cfg, &recordingSink{})
	key := BreakerKey{Operation: "op", Provider: "p", ModelID: "m"}

	b.RecordFailure(key, "e1")
	b.RecordFailure(key, "e2")
	time.Sleep(20 * time.Millisecond)
	b.RecordFailure(key, "e3")

	assert.Equal(t, BreakerClosed, b.State(key), "failures outside the window must not count toward the threshold")
}

func TestBreakerHalfOpensAfterOpenDurationAndClosesAfterProbes(t *testing.T) {
	cfg := testBreakerConfig()
	b := NewCircuitBreaker(cfg, &recordingSink{})
	key := BreakerKey{Operation: "op", Provider: "p", ModelID: "m"}

	fakeNow := time.Now()
	b.now = func() time.Time { return fakeNow }

	b.RecordFailure(key, "e1")
	b.RecordFailure(key, "e2")
	b.RecordFailure(key, "e3")
	require.Equal(t, BreakerOpen, b.State(key))

	fakeNow = fakeNow.Add(cfg.OpenDuration + time.Millisecond)
	b.NoteAttempt(key)
	assert.Equal(t, BreakerHalfOpen, b.State(key))

	b.RecordSuccess(key)
	assert.Equal(t, BreakerHalfOpen, b.State(key), "must stay half_open until probe count reached")
	b.RecordSuccess(key)
	assert.Equal(t, BreakerClosed, b.State(key))
}

func TestBreakerHalfOpenFailureReopensImmediately(t *testing.T) {
	cfg := testBreakerConfig()
	b := NewCircuitBreaker(cfg, &recordingSink{})
	key := BreakerKey{Operation: "op", Provider: "p", ModelID: "m"}

	fakeNow := time.Now()
	b.now = func() time.Time { return fakeNow }

	b.RecordFailure(key, "e1")
	b.RecordFailure(key, "e2")
	b.RecordFailure(key, "e3")
	fakeNow = fakeNow.Add(cfg.OpenDuration + time.Millisecond)
	b.NoteAttempt(key)
	require.Equal(t, BreakerHalfOpen, b.State(key))

	b.RecordFailure(key, "probe_failed")
	assert.Equal(t, BreakerOpen, b.State(key))
}

func TestBreakerObserveOnlyNeverReportsOpen(t *testing.T) {
	cfg := testBreakerConfig()
	cfg.ObserveOnly = true
	b := NewCircuitBreaker(cfg, &recordingSink{})
	key := BreakerKey{Operation: "op", Provider: "p", ModelID: "m"}

	b.RecordFailure(key, "e1")
	b.RecordFailure(key, "e2")
	b.RecordFailure(key, "e3")

	assert.False(t, b.IsOpen(key), "observe_only must always report false even though state machine opens")
	assert.Equal(t, BreakerOpen, b.State(key), "underlying state still transitions in observe_only mode")
}

func TestBreakerKeysAreIndependent(t *testing.T) {
	b := NewCircuitBreaker(testBreakerConfig(), &recordingSink{})
	k1 := BreakerKey{Operation: "llm.generate", Provider: "openai", ModelID: "gpt"}
	k2 := BreakerKey{Operation: "llm.generate", Provider: "anthropic", ModelID: "claude"}

	b.RecordFailure(k1, "e1")
	b.RecordFailure(k1, "e2")
	b.RecordFailure(k1, "e3")

	assert.Equal(t, BreakerOpen, b.State(k1))
	assert.Equal(t, BreakerClosed, b.State(k2))
}
