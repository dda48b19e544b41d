package stageflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrchestratorExecuteCompletes(t *testing.T) {
	o := NewOrchestrator()
	p := NewPipeline().WithStage("a", noopRunner, KindTransform, nil, false)
	g, err := p.Build()
	require.NoError(t, err)

	snap := newSnapshot()
	results, err := o.Execute(context.Background(), g, snap, StagePorts{}, nil, false)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, results["a"].Status)

	state, ok := o.State(snap.PipelineRunID)
	require.True(t, ok)
	assert.Equal(t, RunCompleted, state)
}

func TestOrchestratorExecuteMarksFailed(t *testing.T) {
	o := NewOrchestrator()
	p := NewPipeline().WithStage("a", func(ctx *StageContext) (StageOutput, error) { return Fail("broke"), nil }, KindTransform, nil, false)
	g, err := p.Build()
	require.NoError(t, err)

	snap := newSnapshot()
	_, err = o.Execute(context.Background(), g, snap, StagePorts{}, nil, false)
	require.Error(t, err)

	state, ok := o.State(snap.PipelineRunID)
	require.True(t, ok)
	assert.Equal(t, RunFailed, state)

	rec := o.Record(snap.PipelineRunID)
	require.NotNil(t, rec)
	assert.Error(t, rec.FailureErr)
}

func TestOrchestratorExecuteMarksCancelledGracefullyOnStageCancel(t *testing.T) {
	o := NewOrchestrator()
	p := NewPipeline().WithStage("a", func(ctx *StageContext) (StageOutput, error) { return Cancel("done_early"), nil }, KindTransform, nil, false)
	g, err := p.Build()
	require.NoError(t, err)

	snap := newSnapshot()
	_, err = o.Execute(context.Background(), g, snap, StagePorts{}, nil, false)
	require.NoError(t, err, "a graceful cancel is not surfaced as an Orchestrator-level error")

	state, ok := o.State(snap.PipelineRunID)
	require.True(t, ok)
	assert.Equal(t, RunCancelledGracefully, state)

	rec := o.Record(snap.PipelineRunID)
	assert.NoError(t, rec.FailureErr, "cancellation is not a failure")
}

func TestOrchestratorRequestCancelStopsInFlightRun(t *testing.T) {
	o := NewOrchestrator()
	p := NewPipeline().WithStage("a", func(ctx *StageContext) (StageOutput, error) {
		<-ctx.Context.Done()
		// Give the scheduler's own ctx.Done() case a deterministic head
		// start over this goroutine's result so the test observes the
		// ambient-cancellation path rather than racing a stage failure.
		time.Sleep(100 * time.Millisecond)
		return Fail("canceled mid-flight"), nil
	}, KindTransform, nil, false)
	g, err := p.Build()
	require.NoError(t, err)

	snap := newSnapshot()
	done := make(chan struct{})
	go func() {
		o.Execute(context.Background(), g, snap, StagePorts{}, nil, false)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	o.RequestCancel(snap.PipelineRunID)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RequestCancel did not stop the in-flight run")
	}

	state, ok := o.State(snap.PipelineRunID)
	require.True(t, ok)
	assert.Equal(t, RunCancelled, state)
}

func TestOrchestratorRequestCancelIsIdempotentForUnknownRun(t *testing.T) {
	o := NewOrchestrator()
	unknown := newSnapshot().PipelineRunID
	assert.NotPanics(t, func() {
		o.RequestCancel(unknown)
		o.RequestCancel(unknown)
	})
	assert.True(t, o.IsCancelRequested(unknown))
}

func TestOrchestratorExecuteEmitsSpecEventsOnCompletion(t *testing.T) {
	o := NewOrchestrator()
	p := NewPipeline().WithStage("a", noopRunner, KindTransform, nil, false)
	g, err := p.Build()
	require.NoError(t, err)

	sink := &recordingSink{}
	snap := newSnapshot()
	_, err = o.Execute(context.Background(), g, snap, StagePorts{}, sink, false)
	require.NoError(t, err)

	events := sink.snapshot()
	require.Len(t, events, 4)
	assert.Equal(t, "pipeline.started", events[0].Type)
	assert.Equal(t, "pipeline.completed", events[3].Type)
	assert.Equal(t, snap.PipelineRunID.String(), events[3].Data["run_id"])

	assert.Equal(t, 0, sink.countOf("pipeline.run.started"))
	assert.Equal(t, 0, sink.countOf("pipeline.run.finished"))
}

func TestOrchestratorExecuteEmitsCancelledGracefullyWithReason(t *testing.T) {
	o := NewOrchestrator()
	p := NewPipeline().WithStage("a", func(ctx *StageContext) (StageOutput, error) {
		return Cancel("done_early"), nil
	}, KindTransform, nil, false)
	g, err := p.Build()
	require.NoError(t, err)

	sink := &recordingSink{}
	snap := newSnapshot()
	_, err = o.Execute(context.Background(), g, snap, StagePorts{}, sink, false)
	require.NoError(t, err)

	events := sink.snapshot()
	require.Len(t, events, 4)
	assert.Equal(t, "pipeline.cancelled_gracefully", events[3].Type)
	assert.Equal(t, "a", events[3].Data["cancelled_by_stage"])
	assert.Equal(t, "done_early", events[3].Data["reason"])
	assert.Contains(t, events[3].Data, "stages_completed")
}

func TestOrchestratorExecuteEmitsFailedWithError(t *testing.T) {
	o := NewOrchestrator()
	p := NewPipeline().WithStage("a", func(ctx *StageContext) (StageOutput, error) {
		return Fail("broke"), nil
	}, KindTransform, nil, false)
	g, err := p.Build()
	require.NoError(t, err)

	sink := &recordingSink{}
	snap := newSnapshot()
	_, err = o.Execute(context.Background(), g, snap, StagePorts{}, sink, false)
	require.Error(t, err)

	events := sink.snapshot()
	require.Len(t, events, 5)
	assert.Equal(t, "pipeline.failed", events[4].Type)
	assert.NotEmpty(t, events[4].Data["error"])
}

func TestOrchestratorForgetRemovesRecord(t *testing.T) {
	o := NewOrchestrator()
	p := NewPipeline().WithStage("a", noopRunner, KindTransform, nil, false)
	g, err := p.Build()
	require.NoError(t, err)

	snap := newSnapshot()
	_, err = o.Execute(context.Background(), g, snap, StagePorts{}, nil, false)
	require.NoError(t, err)

	o.Forget(snap.PipelineRunID)
	_, ok := o.State(snap.PipelineRunID)
	assert.False(t, ok)
}
