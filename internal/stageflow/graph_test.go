package stageflow

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSnapshot() *ContextSnapshot {
	return &ContextSnapshot{PipelineRunID: uuid.New(), CreatedAt: time.Now()}
}

func TestRunLinearChainPropagatesData(t *testing.T) {
	p := NewPipeline().
		WithStage("a", func(ctx *StageContext) (StageOutput, error) {
			return OK(map[string]any{"value": 1}), nil
		}, KindTransform, nil, false).
		WithStage("b", func(ctx *StageContext) (StageOutput, error) {
			v, ok := ctx.Inputs.Get("value")
			require.True(t, ok)
			return OK(map[string]any{"value": v.(int) + 1}), nil
		}, KindTransform, []string{"a"}, false)

	g, err := p.Build()
	require.NoError(t, err)

	results, err := g.Run(context.Background(), newSnapshot(), StagePorts{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, results["b"].Data["value"])
}

func TestRunExploitsDiamondParallelism(t *testing.T) {
	var inFlight int32
	var maxInFlight int32
	var mu sync.Mutex

	track := func(ctx *StageContext) (StageOutput, error) {
		n := atomic.AddInt32(&inFlight, 1)
		mu.Lock()
		if n > maxInFlight {
			maxInFlight = n
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return OK(nil), nil
	}

	p := NewPipeline().
		WithStage("a", func(ctx *StageContext) (StageOutput, error) { return OK(nil), nil }, KindTransform, nil, false).
		WithStage("b", track, KindTransform, []string{"a"}, false).
		WithStage("c", track, KindTransform, []string{"a"}, false).
		WithStage("d", func(ctx *StageContext) (StageOutput, error) { return OK(nil), nil }, KindTransform, []string{"b", "c"}, false)

	g, err := p.Build()
	require.NoError(t, err)

	_, err = g.Run(context.Background(), newSnapshot(), StagePorts{}, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), maxInFlight, "b and c share no dependency and must run concurrently")
}

func TestRunConditionalStageSkipsWhenUpstreamSkipped(t *testing.T) {
	var bInvoked bool
	p := NewPipeline().
		WithStage("a", func(ctx *StageContext) (StageOutput, error) { return Skip("no_audio"), nil }, KindTransform, nil, false).
		WithStage("b", func(ctx *StageContext) (StageOutput, error) {
			bInvoked = true
			return OK(nil), nil
		}, KindTransform, []string{"a"}, true)

	g, err := p.Build()
	require.NoError(t, err)

	results, err := g.Run(context.Background(), newSnapshot(), StagePorts{}, nil)
	require.NoError(t, err)
	assert.False(t, bInvoked, "conditional stage must not be invoked when a dependency was skipped")
	assert.Equal(t, StatusSkip, results["b"].Status)
	assert.Equal(t, "no_audio", results["b"].Data["reason"])
}

func TestRunConditionalStageSkipsOnTruthySkipReasonData(t *testing.T) {
	p := NewPipeline().
		WithStage("a", func(ctx *StageContext) (StageOutput, error) {
			return OK(map[string]any{"skip_reason": "guard_blocked"}), nil
		}, KindTransform, nil, false).
		WithStage("b", func(ctx *StageContext) (StageOutput, error) { return OK(nil), nil }, KindTransform, []string{"a"}, true)

	g, err := p.Build()
	require.NoError(t, err)

	results, err := g.Run(context.Background(), newSnapshot(), StagePorts{}, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusSkip, results["b"].Status)
	assert.Equal(t, "guard_blocked", results["b"].Data["reason"])
}

func TestRunNonConditionalStageIgnoresUpstreamSkip(t *testing.T) {
	var bInvoked bool
	p := NewPipeline().
		WithStage("a", func(ctx *StageContext) (StageOutput, error) { return Skip("no_audio"), nil }, KindTransform, nil, false).
		WithStage("b", func(ctx *StageContext) (StageOutput, error) {
			bInvoked = true
			return OK(nil), nil
		}, KindTransform, []string{"a"}, false)

	g, err := p.Build()
	require.NoError(t, err)

	_, err = g.Run(context.Background(), newSnapshot(), StagePorts{}, nil)
	require.NoError(t, err)
	assert.True(t, bInvoked, "a non-conditional stage must run regardless of upstream skip")
}

func TestRunStageFailureReturnsStageExecutionError(t *testing.T) {
	p := NewPipeline().
		WithStage("a", func(ctx *StageContext) (StageOutput, error) { return Fail("provider_unavailable"), nil }, KindTransform, nil, false)

	g, err := p.Build()
	require.NoError(t, err)

	_, err = g.Run(context.Background(), newSnapshot(), StagePorts{}, nil)
	require.Error(t, err)
	var serr *StageExecutionError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "a", serr.Stage)
}

func TestRunStageCancelReturnsPipelineCancelledWithPartial(t *testing.T) {
	p := NewPipeline().
		WithStage("a", func(ctx *StageContext) (StageOutput, error) { return OK(nil), nil }, KindTransform, nil, false).
		WithStage("b", func(ctx *StageContext) (StageOutput, error) { return Cancel("user_hung_up"), nil }, KindTransform, []string{"a"}, false).
		WithStage("c", func(ctx *StageContext) (StageOutput, error) {
			time.Sleep(50 * time.Millisecond)
			return OK(nil), nil
		}, KindTransform, nil, false)

	g, err := p.Build()
	require.NoError(t, err)

	results, err := g.Run(context.Background(), newSnapshot(), StagePorts{}, nil)
	require.Error(t, err)
	var cerr *PipelineCancelled
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "b", cerr.Stage)
	assert.Equal(t, "user_hung_up", cerr.Reason)
	assert.Contains(t, results, "a")
	assert.Contains(t, results, "b")
}

func TestRunAmbientCancellationFillsRemainingAsFail(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	p := NewPipeline().
		WithStage("a", func(ctx *StageContext) (StageOutput, error) {
			time.Sleep(200 * time.Millisecond)
			return OK(nil), nil
		}, KindTransform, nil, false)

	g, err := p.Build()
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	results, err := g.Run(ctx, newSnapshot(), StagePorts{}, nil)
	require.Error(t, err)
	var aerr *AmbientCancelled
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, StatusFail, results["a"].Status)
}

func TestRunEmitsStartedCompletedEvents(t *testing.T) {
	sink := &recordingSink{}
	p := NewPipeline().WithStage("a", noopRunner, KindTransform, nil, false)
	g, err := p.Build()
	require.NoError(t, err)

	_, err = g.Run(context.Background(), newSnapshot(), StagePorts{}, sink)
	require.NoError(t, err)
	assert.Equal(t, 1, sink.countOf("stage.a.started"))
	assert.Equal(t, 1, sink.countOf("stage.a.completed"))
}

func TestConditionalSkipReasonHelper(t *testing.T) {
	reason, ok := conditionalSkipReason(map[string]StageOutput{
		"x": OK(nil),
		"y": Skip("timed_out"),
	})
	require.True(t, ok)
	assert.Equal(t, "timed_out", reason)

	_, ok = conditionalSkipReason(map[string]StageOutput{"x": OK(nil)})
	assert.False(t, ok)
}
