package stageflow

import "fmt"

// ValidationError reports a pipeline-construction invariant violation,
// surfaced only from Pipeline.Build, never from Run (spec.md §7).
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "pipeline validation: " + e.Reason }

// CycleDetectedError names a dependency cycle found during Build.
type CycleDetectedError struct {
	Cycle []string
}

func (e *CycleDetectedError) Error() string {
	return fmt.Sprintf("pipeline validation: dependency cycle detected: %v", e.Cycle)
}

// StageExecutionError wraps a stage's FAIL output, runner error or panic
// as it escapes Run, naming the offending stage. RETRY outputs are not
// wrapped.
type StageExecutionError struct {
	Stage      string
	Original   error
	Recoverable bool
}

func (e *StageExecutionError) Error() string {
	return fmt.Sprintf("stage %q failed: %v", e.Stage, e.Original)
}

func (e *StageExecutionError) Unwrap() error { return e.Original }

// PipelineCancelled is raised when a stage returns a CANCEL status. It is
// not an error condition — callers (the Orchestrator) map it to a
// successful "cancelled_gracefully" terminal state (spec.md §4.1, §7).
type PipelineCancelled struct {
	Stage   string
	Reason  string
	Partial map[string]StageOutput
}

func (e *PipelineCancelled) Error() string {
	return fmt.Sprintf("pipeline cancelled by stage %q: %s", e.Stage, e.Reason)
}

// AmbientCancelled is raised when the run's context is cancelled from
// outside the scheduler (ambient cancellation, spec.md §5).
type AmbientCancelled struct {
	Partial map[string]StageOutput
}

func (e *AmbientCancelled) Error() string { return "pipeline canceled" }

// DeadlockError indicates the scheduler ran out of ready/in-flight work
// with stages still pending — a scheduler bug, since cycles are caught
// at Build time (spec.md §4.1 step 3a).
type DeadlockError struct {
	Pending []string
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("deadlocked stage graph; remaining stages: %v", e.Pending)
}

// CircuitOpenError is returned by provider-call sites when the breaker
// denies an attempt (spec.md §4.3, §7).
type CircuitOpenError struct {
	Operation string
	Provider  string
	ModelID   string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for (%s, %s, %s)", e.Operation, e.Provider, e.ModelID)
}

// MaxDepthExceededError protects the subpipeline spawner against
// runaway recursion (spec.md §4.5).
type MaxDepthExceededError struct {
	RunID string
	Depth int
	Max   int
}

func (e *MaxDepthExceededError) Error() string {
	return fmt.Sprintf("subpipeline depth %d exceeds max %d at run %s", e.Depth, e.Max, e.RunID)
}
