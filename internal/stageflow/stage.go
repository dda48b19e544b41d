package stageflow

import "context"

// Stage is the contract a producer satisfies to participate in a
// pipeline: name, kind (informational), and a single execute call.
// The engine calls Execute exactly once per invocation; implementations
// must not retain ctx after returning (spec.md §6).
type Stage interface {
	Name() string
	Kind() StageKind
	Execute(ctx *StageContext) (StageOutput, error)
}

// Runner is the bare function form a StageSpec wraps. Most stages are
// registered as a Runner rather than a full Stage value.
type Runner func(ctx *StageContext) (StageOutput, error)

// StageSpec is an immutable declaration of one node in a pipeline. Build
// one via Pipeline.WithStage; StageSpec values are never mutated once a
// Pipeline holds them.
type StageSpec struct {
	Name         string
	Kind         StageKind
	Run          Runner
	Dependencies []string
	Conditional  bool
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// StagePorts is an opaque, immutable bundle of injected capabilities
// (status/token/audio-chunk sinks, provider handles, queues). The core
// never interprets its contents; it is carried by reference from the
// run's construction to every stage invocation unchanged, grounded in
// original_source/stageflow/stages/ports.py's StagePorts dataclass.
type StagePorts struct {
	SendStatus     func(stage, state string, data map[string]any)
	SendToken      func(token string)
	SendAudioChunk func(chunk []byte, contentType string, sequence int, final bool)

	Extra map[string]any
}

// StageInputs is the per-invocation, immutable bundle the scheduler
// synthesizes before calling a runner.
type StageInputs struct {
	Snapshot     *ContextSnapshot
	PriorOutputs map[string]StageOutput
	Ports        StagePorts
}

// Get looks up a key across this stage's declared prior-output data,
// newest-dependency-first is not defined (map iteration order is
// unspecified); used by stages that want a named upstream value without
// knowing which dependency set it.
func (in StageInputs) Get(key string) (any, bool) {
	for _, out := range in.PriorOutputs {
		if v, ok := out.Data[key]; ok {
			return v, true
		}
	}
	return nil, false
}

// StageContext is passed to every Runner. It wraps the run's snapshot,
// this invocation's StageInputs, the run-shared PipelineTimer, and the
// EventSink bound to this run — threaded explicitly per spec.md §9's
// guidance against dynamic-scoping tricks.
type StageContext struct {
	Context context.Context

	Snapshot *ContextSnapshot
	Inputs   StageInputs
	Timer    *PipelineTimer
	Sink     EventSink

	StageName string

	// scratch is interceptor-private bookkeeping (e.g. the Timeout
	// interceptor's cancel func) threaded between its Before/After hooks
	// without requiring interceptor instances to hold per-invocation
	// state (they are shared across concurrently-running stages).
	scratch map[string]any
}

func (c *StageContext) scratchSet(key string, v any) {
	if c.scratch == nil {
		c.scratch = make(map[string]any)
	}
	c.scratch[key] = v
}

func (c *StageContext) scratchGet(key string) (any, bool) {
	if c.scratch == nil {
		return nil, false
	}
	v, ok := c.scratch[key]
	return v, ok
}

// withContext returns a shallow copy of c with Context replaced —
// interceptors use this instead of mutating the shared StageContext in
// place, since the same *StageContext pointer flows through every
// Before/After hook of the chain for one invocation.
func (c *StageContext) withContext(ctx context.Context) *StageContext {
	next := *c
	next.Context = ctx
	return &next
}

// Emit is a convenience wrapper forwarding to the bound sink's TryEmit,
// stamping the stage name into the event data.
func (c *StageContext) Emit(eventType string, data map[string]any) {
	if c == nil || c.Sink == nil {
		return
	}
	merged := make(map[string]any, len(data)+1)
	for k, v := range data {
		merged[k] = v
	}
	if c.StageName != "" {
		merged["stage"] = c.StageName
	}
	c.Sink.TryEmit(eventType, merged)
}
