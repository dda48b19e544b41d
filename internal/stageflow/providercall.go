package stageflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ProviderCall is the persisted record of one external-provider
// invocation (spec.md §4.4). Persistence itself is an external
// collaborator (spec.md §1) — ProviderCallStore is the seam; a no-op
// implementation is the default.
type ProviderCall struct {
	ID              uuid.UUID
	Operation       string
	Provider        string
	ModelID         string
	StartedAt       time.Time
	LatencyMs       int64
	TTFTMs          *int64
	Tokens          int
	AudioDurationMs int64
	Success         bool
	Error           string
	TimedOut        bool
}

// ProviderCallStore persists ProviderCall records. Concrete
// implementations (gorm-backed, etc.) live outside the core.
type ProviderCallStore interface {
	Save(ctx context.Context, call *ProviderCall) error
}

// NoOpProviderCallStore discards every record.
type NoOpProviderCallStore struct{}

func (NoOpProviderCallStore) Save(context.Context, *ProviderCall) error { return nil }

// ProviderCallError annotates an error escaping ProviderCallLogger with
// the provider-call identifier, so downstream failure summarization can
// link back to the persisted record (spec.md §4.4).
type ProviderCallError struct {
	CallID uuid.UUID
	Err    error
}

func (e *ProviderCallError) Error() string {
	return fmt.Sprintf("provider call %s: %v", e.CallID, e.Err)
}

func (e *ProviderCallError) Unwrap() error { return e.Err }

// ProviderCallLogger wraps a one-shot external call or a streamed
// response with timeout enforcement, circuit-breaker gating, and
// ProviderCall persistence (spec.md §4.4).
type ProviderCallLogger struct {
	Breaker *CircuitBreaker
	Store   ProviderCallStore
	Timeout time.Duration
}

func (p *ProviderCallLogger) store() ProviderCallStore {
	if p.Store != nil {
		return p.Store
	}
	return NoOpProviderCallStore{}
}

func (p *ProviderCallLogger) timeout() time.Duration {
	if p.Timeout > 0 {
		return p.Timeout
	}
	return 30 * time.Second
}

// Call wraps a one-shot call. sink receives provider.call.* events
// carrying the call's identifiers.
func (p *ProviderCallLogger) Call(ctx context.Context, sink EventSink, key BreakerKey, fn func(ctx context.Context) (map[string]any, error)) (map[string]any, *ProviderCall, error) {
	if sink == nil {
		sink = NoOpSink{}
	}
	call := &ProviderCall{
		ID:        uuid.New(),
		Operation: key.Operation,
		Provider:  key.Provider,
		ModelID:   key.ModelID,
		StartedAt: time.Now(),
	}

	sink.TryEmit("provider.call.started", map[string]any{
		"operation":        key.Operation,
		"provider":         key.Provider,
		"model_id":         key.ModelID,
		"provider_call_id": call.ID.String(),
	})

	if p.Breaker != nil {
		p.Breaker.NoteAttempt(key)
		if p.Breaker.IsOpen(key) {
			sink.TryEmit(key.Operation+".breaker.denied", map[string]any{
				"operation": key.Operation,
				"provider":  key.Provider,
				"model_id":  key.ModelID,
				"reason":    "circuit_open",
			})
			return nil, nil, &CircuitOpenError{Operation: key.Operation, Provider: key.Provider, ModelID: key.ModelID}
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, p.timeout())
	defer cancel()

	result, err := fn(callCtx)
	call.LatencyMs = time.Since(call.StartedAt).Milliseconds()
	call.TimedOut = callCtx.Err() == context.DeadlineExceeded

	if err != nil || call.TimedOut {
		call.Success = false
		if call.TimedOut {
			call.Error = "timeout"
		} else {
			call.Error = err.Error()
		}
		if p.Breaker != nil {
			p.Breaker.RecordFailure(key, call.Error)
		}
		sink.TryEmit("provider.call.failed", map[string]any{
			"operation":        key.Operation,
			"provider":         key.Provider,
			"model_id":         key.ModelID,
			"provider_call_id": call.ID.String(),
			"latency_ms":       call.LatencyMs,
			"success":          false,
			"error":            call.Error,
			"timeout":          call.TimedOut,
		})
		_ = p.store().Save(ctx, call)
		wrapped := err
		if wrapped == nil {
			wrapped = fmt.Errorf("timeout")
		}
		return nil, call, &ProviderCallError{CallID: call.ID, Err: wrapped}
	}

	call.Success = true
	if p.Breaker != nil {
		p.Breaker.RecordSuccess(key)
	}
	sink.TryEmit("provider.call.succeeded", map[string]any{
		"operation":        key.Operation,
		"provider":         key.Provider,
		"model_id":         key.ModelID,
		"provider_call_id": call.ID.String(),
		"latency_ms":       call.LatencyMs,
		"success":          true,
	})
	_ = p.store().Save(ctx, call)
	return result, call, nil
}

// StreamFn matches the shape of a streamed provider call grounded in
// internal/inference/engine/oaihttp/client.go's StreamText(ctx, ...,
// onDelta func(delta string)) — a callback-driven stream rather than a
// channel/generator, so no language-specific generator protocol is
// needed (spec.md §9).
type StreamFn func(ctx context.Context, onDelta func(chunk string) error) error

// CallStream wraps a streamed call, recording TTFT as the time to the
// first forwarded chunk and emitting provider.call.ttft exactly once.
// The inner stream's context is cancelled on timeout or error, closing
// it per spec.md §4.4.
func (p *ProviderCallLogger) CallStream(ctx context.Context, sink EventSink, key BreakerKey, fn StreamFn, onDelta func(chunk string) error) (*ProviderCall, error) {
	if sink == nil {
		sink = NoOpSink{}
	}
	call := &ProviderCall{
		ID:        uuid.New(),
		Operation: key.Operation,
		Provider:  key.Provider,
		ModelID:   key.ModelID,
		StartedAt: time.Now(),
	}

	sink.TryEmit("provider.call.started", map[string]any{
		"operation":        key.Operation,
		"provider":         key.Provider,
		"model_id":         key.ModelID,
		"provider_call_id": call.ID.String(),
	})

	if p.Breaker != nil {
		p.Breaker.NoteAttempt(key)
		if p.Breaker.IsOpen(key) {
			sink.TryEmit(key.Operation+".breaker.denied", map[string]any{
				"operation": key.Operation,
				"provider":  key.Provider,
				"model_id":  key.ModelID,
				"reason":    "circuit_open",
			})
			return nil, &CircuitOpenError{Operation: key.Operation, Provider: key.Provider, ModelID: key.ModelID}
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, p.timeout())
	defer cancel()

	var ttftRecorded bool
	wrappedOnDelta := func(chunk string) error {
		if !ttftRecorded {
			ttftRecorded = true
			ttft := time.Since(call.StartedAt).Milliseconds()
			call.TTFTMs = &ttft
			sink.TryEmit("provider.call.ttft", map[string]any{
				"operation":        key.Operation,
				"provider":         key.Provider,
				"model_id":         key.ModelID,
				"provider_call_id": call.ID.String(),
				"ttft_ms":          ttft,
			})
		}
		if onDelta != nil {
			return onDelta(chunk)
		}
		return nil
	}

	err := fn(callCtx, wrappedOnDelta)
	call.LatencyMs = time.Since(call.StartedAt).Milliseconds()
	call.TimedOut = callCtx.Err() == context.DeadlineExceeded

	if err != nil || call.TimedOut {
		call.Success = false
		if call.TimedOut {
			call.Error = "timeout"
		} else {
			call.Error = err.Error()
		}
		if p.Breaker != nil {
			p.Breaker.RecordFailure(key, call.Error)
		}
		sink.TryEmit("provider.call.failed", map[string]any{
			"operation":        key.Operation,
			"provider":         key.Provider,
			"model_id":         key.ModelID,
			"provider_call_id": call.ID.String(),
			"latency_ms":       call.LatencyMs,
			"success":          false,
			"error":            call.Error,
			"timeout":          call.TimedOut,
		})
		_ = p.store().Save(ctx, call)
		wrapped := err
		if wrapped == nil {
			wrapped = fmt.Errorf("timeout")
		}
		return call, &ProviderCallError{CallID: call.ID, Err: wrapped}
	}

	call.Success = true
	if p.Breaker != nil {
		p.Breaker.RecordSuccess(key)
	}
	sink.TryEmit("provider.call.succeeded", map[string]any{
		"operation":        key.Operation,
		"provider":         key.Provider,
		"model_id":         key.ModelID,
		"provider_call_id": call.ID.String(),
		"latency_ms":       call.LatencyMs,
		"success":          true,
	})
	_ = p.store().Save(ctx, call)
	return call, nil
}
