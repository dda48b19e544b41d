package stageflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingCallStore struct {
	calls []*ProviderCall
}

func (s *recordingCallStore) Save(ctx context.Context, call *ProviderCall) error {
	s.calls = append(s.calls, call)
	return nil
}

func TestProviderCallLoggerSucceeds(t *testing.T) {
	store := &recordingCallStore{}
	logger := &ProviderCallLogger{Store: store, Timeout: time.Second}
	key := BreakerKey{Operation: "llm.generate", Provider: "openai", ModelID: "gpt"}

	result, call, err := logger.Call(context.Background(), &recordingSink{}, key, func(ctx context.Context) (map[string]any, error) {
		return map[string]any{"text": "hi"}, nil
	})

	require.NoError(t, err)
	assert.Equal(t, "hi", result["text"])
	assert.True(t, call.Success)
	require.Len(t, store.calls, 1)
	assert.Equal(t, call.ID, store.calls[0].ID)
}

func TestProviderCallLoggerWrapsError(t *testing.T) {
	logger := &ProviderCallLogger{Store: &recordingCallStore{}, Timeout: time.Second}
	key := BreakerKey{Operation: "llm.generate", Provider: "openai", ModelID: "gpt"}

	_, _, err := logger.Call(context.Background(), &recordingSink{}, key, func(ctx context.Context) (map[string]any, error) {
		return nil, errors.New("upstream exploded")
	})

	require.Error(t, err)
	var pErr *ProviderCallError
	require.ErrorAs(t, err, &pErr)
	assert.EqualError(t, errors.Unwrap(pErr), "upstream exploded")
}

func TestProviderCallLoggerEnforcesTimeout(t *testing.T) {
	logger := &ProviderCallLogger{Store: &recordingCallStore{}, Timeout: 10 * time.Millisecond}
	key := BreakerKey{Operation: "llm.generate", Provider: "openai", ModelID: "gpt"}

	_, call, err := logger.Call(context.Background(), &recordingSink{}, key, func(ctx context.Context) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	require.Error(t, err)
	assert.True(t, call.TimedOut)
}

func TestProviderCallLoggerDeniesWhenBreakerOpen(t *testing.T) {
	b := NewCircuitBreaker(testBreakerConfig(), &recordingSink{})
	key := BreakerKey{Operation: "llm.generate", Provider: "openai", ModelID: "gpt"}
	b.RecordFailure(key, "e1")
	b.RecordFailure(key, "e2")
	b.RecordFailure(key, "e3")
	require.True(t, b.IsOpen(key))

	logger := &ProviderCallLogger{Breaker: b, Store: &recordingCallStore{}}
	invoked := false
	_, _, err := logger.Call(context.Background(), &recordingSink{}, key, func(ctx context.Context) (map[string]any, error) {
		invoked = true
		return nil, nil
	})

	require.Error(t, err)
	var cErr *CircuitOpenError
	require.ErrorAs(t, err, &cErr)
	assert.False(t, invoked)
}

func TestProviderCallStreamRecordsTTFTOnce(t *testing.T) {
	logger := &ProviderCallLogger{Store: &recordingCallStore{}, Timeout: time.Second}
	key := BreakerKey{Operation: "tts.synthesize", Provider: "openai", ModelID: "tts-1"}
	sink := &recordingSink{}

	var deltas []string
	call, err := logger.CallStream(context.Background(), sink, key, func(ctx context.Context, onDelta func(chunk string) error) error {
		if err := onDelta("chunk1"); err != nil {
			return err
		}
		if err := onDelta("chunk2"); err != nil {
			return err
		}
		return nil
	}, func(chunk string) error {
		deltas = append(deltas, chunk)
		return nil
	})

	require.NoError(t, err)
	require.NotNil(t, call.TTFTMs)
	assert.Equal(t, []string{"chunk1", "chunk2"}, deltas)
	assert.Equal(t, 1, sink.countOf("provider.call.ttft"))
}
