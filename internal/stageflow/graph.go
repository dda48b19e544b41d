package stageflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// StageGraph is a validated, ready-to-run pipeline (spec.md §4.1). It is
// built exclusively via Pipeline.Build and is itself immutable; Run may
// be called any number of times (including concurrently) against the
// same StageGraph with different snapshots.
type StageGraph struct {
	specs map[string]StageSpec
	order []string

	// Interceptors is the ordered middleware chain applied around every
	// stage invocation (spec.md §4.2). Nil means stages run bare — no
	// timeout, breaker, metrics, or tracing wrapping.
	Interceptors []Interceptor
}

// Names returns the graph's stage names in the pipeline's insertion
// order.
func (g *StageGraph) Names() []string { return append([]string(nil), g.order...) }

type nodeResult struct {
	name   string
	output StageOutput
	err    error
}

// Run executes every stage exactly once in dependency order with
// maximal legal concurrency (spec.md §4.1 "Algorithm (happy path)").
// It never mutates snapshot. ports is shared by reference across every
// stage invocation. sink may be nil, in which case a NoOpSink is used.
//
// On success it returns a map whose key set equals Names(). On a
// stage-initiated CANCEL it returns the partial map and a
// *PipelineCancelled error. On a FAIL (or an unexpected runner panic) it
// returns nil and a *StageExecutionError. On ambient cancellation of ctx
// it returns the partial map (synthetic FAIL filled in for every
// not-yet-completed name) and a *AmbientCancelled error.
func (g *StageGraph) Run(ctx context.Context, snapshot *ContextSnapshot, ports StagePorts, sink EventSink) (map[string]StageOutput, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if sink == nil {
		sink = NoOpSink{}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	timer := NewPipelineTimer()
	completed := make(map[string]StageOutput, len(g.specs))
	inDegree := make(map[string]int, len(g.specs))
	for name, spec := range g.specs {
		inDegree[name] = len(spec.Dependencies)
	}

	results := make(chan nodeResult)
	active := 0

	schedule := func(name string) {
		spec := g.specs[name]
		prior := make(map[string]StageOutput, len(spec.Dependencies))
		for _, dep := range spec.Dependencies {
			prior[dep] = completed[dep]
		}
		inputs := StageInputs{Snapshot: snapshot, PriorOutputs: prior, Ports: ports}
		active++
		go func() {
			defer func() {
				if r := recover(); r != nil {
					results <- nodeResult{name: name, output: Fail(fmt.Sprint(r)), err: &StageExecutionError{Stage: name, Original: fmt.Errorf("panic: %v", r)}}
				}
			}()
			out, err := g.runStage(runCtx, spec, inputs, snapshot, sink, timer)
			results <- nodeResult{name: name, output: out, err: err}
		}()
	}

	drain := func(n int) {
		for i := 0; i < n; i++ {
			<-results
		}
	}

	for _, name := range g.order {
		if inDegree[name] == 0 {
			schedule(name)
		}
	}

	for len(completed) < len(g.specs) {
		if active == 0 {
			return nil, &DeadlockError{Pending: pendingNames(g.specs, completed)}
		}

		select {
		case <-ctx.Done():
			cancel()
			drain(active)
			for _, name := range g.order {
				if _, ok := completed[name]; !ok {
					completed[name] = Fail("Pipeline canceled")
				}
			}
			return completed, &AmbientCancelled{Partial: completed}

		case res := <-results:
			active--
			completed[res.name] = res.output

			if res.err != nil {
				cancel()
				drain(active)
				return nil, res.err
			}

			if res.output.Status == StatusCancel {
				cancel()
				drain(active)
				reason, _ := res.output.Data["cancel_reason"].(string)
				return completed, &PipelineCancelled{Stage: res.name, Reason: reason, Partial: completed}
			}

			for _, candidate := range g.order {
				for _, dep := range g.specs[candidate].Dependencies {
					if dep == res.name {
						inDegree[candidate]--
						if inDegree[candidate] == 0 {
							schedule(candidate)
						}
						break
					}
				}
			}
		}
	}

	return completed, nil
}

func pendingNames(specs map[string]StageSpec, completed map[string]StageOutput) []string {
	pending := make([]string, 0, len(specs)-len(completed))
	for name := range specs {
		if _, ok := completed[name]; !ok {
			pending = append(pending, name)
		}
	}
	sort.Strings(pending)
	return pending
}

// runStage invokes the interceptor-wrapped conditional-skip check,
// started/completed/failed/skipped event emission, and the runner
// itself (spec.md §4.1 "Stage construction per invocation" and
// "Observability").
func (g *StageGraph) runStage(ctx context.Context, spec StageSpec, inputs StageInputs, snapshot *ContextSnapshot, sink EventSink, timer *PipelineTimer) (StageOutput, error) {
	stageCtx := &StageContext{
		Context:   ctx,
		Snapshot:  snapshot,
		Inputs:    inputs,
		Timer:     timer,
		Sink:      sink,
		StageName: spec.Name,
	}

	if spec.Conditional {
		if reason, ok := conditionalSkipReason(inputs.PriorOutputs); ok {
			stageCtx.Emit(fmt.Sprintf("stage.%s.skipped", spec.Name), map[string]any{"reason": reason})
			return Skip(reason), nil
		}
	}

	stageCtx.Emit(fmt.Sprintf("stage.%s.started", spec.Name), map[string]any{"kind": string(spec.Kind)})
	started := time.Now()

	raw, runErr := RunWithInterceptors(spec.Run, stageCtx, g.Interceptors)
	duration := time.Since(started)

	if runErr != nil {
		stageCtx.Emit(fmt.Sprintf("stage.%s.failed", spec.Name), map[string]any{
			"error":       runErr.Error(),
			"duration_ms": duration.Milliseconds(),
		})
		return Fail(runErr.Error()), &StageExecutionError{Stage: spec.Name, Original: runErr}
	}

	stageCtx.Emit(fmt.Sprintf("stage.%s.completed", spec.Name), map[string]any{
		"status":      string(raw.Status),
		"duration_ms": duration.Milliseconds(),
	})

	if raw.Status == StatusFail {
		stageCtx.Emit(fmt.Sprintf("stage.%s.failed", spec.Name), map[string]any{
			"error":       raw.Error,
			"duration_ms": duration.Milliseconds(),
		})
		return raw, &StageExecutionError{Stage: spec.Name, Original: errors.New(raw.Error)}
	}

	return raw, nil
}

// conditionalSkipReason implements spec.md §4.1's promoted rule (see
// SPEC_FULL.md §4.1 design-note callout and spec.md §9's open question):
// a dependency's status is SKIP, or its data carries a truthy
// "skip_reason" — whichever is found first.
func conditionalSkipReason(prior map[string]StageOutput) (string, bool) {
	for _, out := range prior {
		if out.Status == StatusSkip {
			if reason, ok := out.Data["reason"].(string); ok && reason != "" {
				return reason, true
			}
			return "upstream_skip", true
		}
	}
	for _, out := range prior {
		if v, ok := out.Data["skip_reason"]; ok && truthy(v) {
			if s, ok := v.(string); ok {
				return s, true
			}
			return fmt.Sprint(v), true
		}
	}
	return "", false
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	default:
		return true
	}
}
