package stageflow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RunState is one of a pipeline run's lifecycle states (spec.md §4.6).
type RunState string

const (
	RunCreated            RunState = "created"
	RunRunning            RunState = "running"
	RunStreaming          RunState = "streaming"
	RunCompleted          RunState = "completed"
	RunFailed             RunState = "failed"
	RunCancelled          RunState = "cancelled"
	RunCancelledGracefully RunState = "cancelled_gracefully"
)

// RunRecord is the Orchestrator's bookkeeping for one pipeline run: its
// current lifecycle state, terminal outcome (once reached), and the
// context.CancelFunc used to service RequestCancel.
type RunRecord struct {
	RunID      uuid.UUID
	State      RunState
	StartedAt  time.Time
	EndedAt    *time.Time
	Results    map[string]StageOutput
	FailureErr error

	cancel context.CancelFunc
}

// Orchestrator owns every in-flight run's lifecycle state and serves as
// the single place cancellation requests and terminal-state transitions
// happen (spec.md §4.6). It does not itself schedule stages — that is
// StageGraph.Run's job; Orchestrator wraps that call with lifecycle
// bookkeeping and a cancellation registry.
type Orchestrator struct {
	mu      sync.Mutex
	runs    map[uuid.UUID]*RunRecord
	cancels map[uuid.UUID]struct{} // requested-but-not-yet-observed cancels
}

// NewOrchestrator returns an empty Orchestrator.
func NewOrchestrator() *Orchestrator {
	return &Orchestrator{
		runs:    make(map[uuid.UUID]*RunRecord),
		cancels: make(map[uuid.UUID]struct{}),
	}
}

// RequestCancel marks runID for cancellation and, if the run is
// currently tracked, cancels its context immediately. Calling it for an
// unknown or already-terminal run id is a harmless no-op, matching
// spec.md §4.6's "cancellation is idempotent and safe to call any
// number of times."
func (o *Orchestrator) RequestCancel(runID uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancels[runID] = struct{}{}
	if rec, ok := o.runs[runID]; ok && rec.cancel != nil {
		rec.cancel()
	}
}

// IsCancelRequested reports whether RequestCancel has been called for
// runID, regardless of whether the run has observed it yet.
func (o *Orchestrator) IsCancelRequested(runID uuid.UUID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.cancels[runID]
	return ok
}

// State returns the current lifecycle state of runID, or ("", false) if
// unknown.
func (o *Orchestrator) State(runID uuid.UUID) (RunState, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.runs[runID]
	if !ok {
		return "", false
	}
	return rec.State, true
}

// Record returns a copy of runID's bookkeeping record, or nil if
// unknown.
func (o *Orchestrator) Record(runID uuid.UUID) *RunRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.runs[runID]
	if !ok {
		return nil
	}
	cp := *rec
	return &cp
}

// StateCounts returns the number of currently-tracked runs per
// RunState (keyed by its string value), for queue-depth style metrics
// collectors.
func (o *Orchestrator) StateCounts() map[string]int {
	o.mu.Lock()
	defer o.mu.Unlock()
	counts := make(map[string]int)
	for _, rec := range o.runs {
		counts[string(rec.State)]++
	}
	return counts
}

func (o *Orchestrator) setState(runID uuid.UUID, mutate func(*RunRecord)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if rec, ok := o.runs[runID]; ok {
		mutate(rec)
	}
}

// Execute drives one pipeline run end to end: created -> running ->
// (one of) completed / failed / cancelled / cancelled_gracefully
// (spec.md §4.6's state machine). graph, snapshot, ports and sink are
// passed straight through to StageGraph.Run; streaming is indicated via
// the isStreaming flag so the intermediate "streaming" state is
// observable by callers polling State() mid-run.
func (o *Orchestrator) Execute(ctx context.Context, graph *StageGraph, snapshot *ContextSnapshot, ports StagePorts, sink EventSink, isStreaming bool) (map[string]StageOutput, error) {
	if sink == nil {
		sink = NoOpSink{}
	}
	runID := snapshot.PipelineRunID
	runCtx, cancel := context.WithCancel(ctx)

	o.mu.Lock()
	if _, already := o.cancels[runID]; already {
		cancel()
	}
	o.runs[runID] = &RunRecord{RunID: runID, State: RunCreated, StartedAt: time.Now(), cancel: cancel}
	o.mu.Unlock()

	state := RunRunning
	if isStreaming {
		state = RunStreaming
	}
	o.setState(runID, func(r *RunRecord) { r.State = state })
	sink.TryEmit("pipeline.started", map[string]any{})

	results, err := graph.Run(runCtx, snapshot, ports, sink)
	cancel()

	now := time.Now()
	final := o.finalState(results, err)

	o.setState(runID, func(r *RunRecord) {
		r.State = final
		r.EndedAt = &now
		r.Results = results
		r.FailureErr = o.failureOf(final, err)
	})

	o.mu.Lock()
	delete(o.cancels, runID)
	o.mu.Unlock()

	o.emitTerminalEvent(sink, runID, final, results, err)

	if final == RunCompleted || final == RunCancelledGracefully {
		return results, nil
	}
	return results, err
}

// emitTerminalEvent emits the one spec-documented event (spec.md §6)
// that corresponds to a run's terminal lifecycle state, using exactly
// the payload keys the event schema table names for that type. The
// event stream is the authoritative record of a run's outcome
// (spec.md §7), so nothing here is reconstructible only from RunRecord.
func (o *Orchestrator) emitTerminalEvent(sink EventSink, runID uuid.UUID, final RunState, results map[string]StageOutput, err error) {
	switch final {
	case RunCompleted:
		payload := map[string]any{"run_id": runID.String()}
		for name, out := range results {
			payload[name] = out
		}
		sink.TryEmit("pipeline.completed", payload)
	case RunCancelledGracefully:
		var pc *PipelineCancelled
		reason, byStage := "", ""
		if errors.As(err, &pc) {
			reason = pc.Reason
			byStage = pc.Stage
		}
		sink.TryEmit("pipeline.cancelled_gracefully", map[string]any{
			"run_id":             runID.String(),
			"reason":             reason,
			"cancelled_by_stage": byStage,
			"stages_completed":   stageNames(results),
		})
	case RunCancelled:
		sink.TryEmit("pipeline.canceled", map[string]any{
			"run_id": runID.String(),
		})
	case RunFailed:
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		sink.TryEmit("pipeline.failed", map[string]any{
			"run_id": runID.String(),
			"error":  msg,
		})
	}
}

func stageNames(results map[string]StageOutput) []string {
	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	return names
}

// finalState maps a StageGraph.Run outcome to one of the four terminal
// lifecycle states (spec.md §4.6, §7):
//   - nil error                -> completed
//   - *PipelineCancelled        -> cancelled_gracefully (a stage's own
//     CANCEL is not a failure)
//   - *AmbientCancelled         -> cancelled (externally requested)
//   - any other error           -> failed
func (o *Orchestrator) finalState(results map[string]StageOutput, err error) RunState {
	if err == nil {
		return RunCompleted
	}
	var pc *PipelineCancelled
	if errors.As(err, &pc) {
		return RunCancelledGracefully
	}
	var ac *AmbientCancelled
	if errors.As(err, &ac) {
		return RunCancelled
	}
	return RunFailed
}

// failureOf preserves the original error only for the failed terminal
// state; the two cancellation states are not failures and carry no
// FailureErr, matching the "CANCEL is not an error" rule (spec.md §3).
func (o *Orchestrator) failureOf(state RunState, err error) error {
	if state == RunFailed {
		return err
	}
	return nil
}

// Forget removes runID's bookkeeping record. Call it once a caller has
// observed the terminal state and no longer needs Record()/State()
// (the Orchestrator otherwise retains every run's record for its
// process lifetime).
func (o *Orchestrator) Forget(runID uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.runs, runID)
	delete(o.cancels, runID)
}
