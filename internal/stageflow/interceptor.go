package stageflow

import (
	"context"
	"fmt"
	"time"
)

// InterceptorResultKind tags an Interceptor.AfterStage outcome
// (spec.md §4.2).
type InterceptorResultKind int

const (
	ResultUnchanged InterceptorResultKind = iota
	ResultReplaced
	ResultRetry
	ResultAbort
)

// InterceptorResult is the tagged union an interceptor's AfterStage hook
// returns.
type InterceptorResult struct {
	Kind   InterceptorResultKind
	Output StageOutput
	Err    error
}

// Unchanged leaves the stage's output/error untouched.
func Unchanged() InterceptorResult { return InterceptorResult{Kind: ResultUnchanged} }

// Replaced substitutes a new output and clears any error.
func Replaced(out StageOutput) InterceptorResult {
	return InterceptorResult{Kind: ResultReplaced, Output: out}
}

// Abort replaces the error (and, if non-nil, converts the output to a
// FAIL carrying its message).
func Abort(err error) InterceptorResult { return InterceptorResult{Kind: ResultAbort, Err: err} }

// Interceptor wraps a stage invocation. BeforeStage may return a
// replacement StageContext (e.g. with a deadline attached), a
// short-circuit StageOutput (skipping the inner call and every
// remaining interceptor's BeforeStage and the inner runner itself — used
// by CircuitBreakerInterceptor's denial path), or an error (also
// short-circuits, mapped to FAIL). AfterStage runs for every interceptor
// whose BeforeStage actually ran, in reverse order, and may replace the
// output or the error (spec.md §4.2).
type Interceptor interface {
	BeforeStage(ctx *StageContext) (next *StageContext, shortCircuit *StageOutput, err error)
	AfterStage(ctx *StageContext, output StageOutput, err error) InterceptorResult
}

// RunWithInterceptors composes before_stage (in order), the inner runFn,
// then after_stage (in reverse order) — spec.md §4.2's
// "run_with_interceptors". The inner function is invoked at most once,
// and only when no interceptor short-circuits.
func RunWithInterceptors(runFn func(ctx *StageContext) (StageOutput, error), ctx *StageContext, chain []Interceptor) (StageOutput, error) {
	curCtx := ctx
	applied := 0

	var shortOutput *StageOutput
	var shortErr error

beforeLoop:
	for _, ic := range chain {
		next, out, err := ic.BeforeStage(curCtx)
		if next != nil {
			curCtx = next
		}
		applied++
		switch {
		case err != nil:
			shortErr = err
			break beforeLoop
		case out != nil:
			shortOutput = out
			break beforeLoop
		}
	}

	var output StageOutput
	var err error
	switch {
	case shortOutput != nil:
		output = *shortOutput
	case shortErr != nil:
		output = Fail(shortErr.Error())
		err = shortErr
	default:
		output, err = runFn(curCtx)
	}

	for i := applied - 1; i >= 0; i-- {
		res := chain[i].AfterStage(curCtx, output, err)
		switch res.Kind {
		case ResultReplaced:
			output = res.Output
			err = nil
		case ResultAbort:
			err = res.Err
			if err != nil {
				output = Fail(err.Error())
			}
		case ResultRetry, ResultUnchanged:
			// RETRY is surfaced to the caller as-is; the core scheduler
			// has no built-in retry loop and does not abort the run on
			// RETRY the way it does on FAIL (spec.md §4.1 step 5 names
			// only FAIL) — a stage or a bespoke interceptor that wants
			// actual retries must loop internally before returning,
			// preserving "exactly-once" for the chain.
		}
	}

	return output, err
}

// --- Canonical interceptors (spec.md §4.2), outermost first: Logging,
// Metrics, Tracing, Timeout, CircuitBreaker. ---

// Logger is the minimal structured-logging surface interceptors and
// other core components depend on; stageflowlog.Logger implements it.
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
}

// LoggingInterceptor records structured start/end with correlation ids
// and durations.
type LoggingInterceptor struct {
	Log Logger
}

func (l LoggingInterceptor) BeforeStage(ctx *StageContext) (*StageContext, *StageOutput, error) {
	if l.Log != nil {
		l.Log.Info("stage starting", "stage", ctx.StageName, "run_id", runIDOf(ctx))
	}
	ctx.scratchSet("logging.started_at", time.Now())
	return nil, nil, nil
}

func (l LoggingInterceptor) AfterStage(ctx *StageContext, output StageOutput, err error) InterceptorResult {
	if l.Log == nil {
		return Unchanged()
	}
	var started time.Time
	if v, ok := ctx.scratchGet("logging.started_at"); ok {
		started, _ = v.(time.Time)
	}
	fields := []any{"stage", ctx.StageName, "status", string(output.Status), "run_id", runIDOf(ctx)}
	if !started.IsZero() {
		fields = append(fields, "duration_ms", time.Since(started).Milliseconds())
	}
	if err != nil {
		fields = append(fields, "error", err.Error())
		l.Log.Error("stage failed", fields...)
	} else {
		l.Log.Info("stage finished", fields...)
	}
	return Unchanged()
}

func runIDOf(ctx *StageContext) string {
	if ctx == nil || ctx.Snapshot == nil {
		return ""
	}
	return ctx.Snapshot.PipelineRunID.String()
}

// MetricsInterceptor accumulates per-stage counters and duration
// histograms (spec.md §4.2 item 2). Backed by the lightweight hand-
// rolled registry in metrics.go, matching the teacher's
// internal/observability/metrics.go approach of not depending on an
// external metrics client library.
type MetricsInterceptor struct {
	Metrics *Metrics
}

func (m MetricsInterceptor) BeforeStage(ctx *StageContext) (*StageContext, *StageOutput, error) {
	if m.Metrics != nil {
		m.Metrics.StageInvocations.Inc(ctx.StageName)
	}
	ctx.scratchSet("metrics.started_at", time.Now())
	return nil, nil, nil
}

func (m MetricsInterceptor) AfterStage(ctx *StageContext, output StageOutput, err error) InterceptorResult {
	if m.Metrics == nil {
		return Unchanged()
	}
	if v, ok := ctx.scratchGet("metrics.started_at"); ok {
		if started, ok := v.(time.Time); ok {
			m.Metrics.StageDuration.Observe(ctx.StageName, time.Since(started).Seconds())
		}
	}
	m.Metrics.StageOutcomes.Inc(ctx.StageName, string(output.Status))
	return Unchanged()
}

// TracingInterceptor attaches span ids so child subpipelines inherit the
// parent span context (spec.md §4.2 item 3). Tracer is
// go.opentelemetry.io/otel/trace.Tracer; kept as an interface field here
// so the core package depends only on the otel trace API surface, not a
// concrete SDK.
type TracingInterceptor struct {
	Tracer Tracer
}

// Tracer is the subset of otel's trace.Tracer the core needs, isolating
// the core from importing the SDK directly at this layer. otel's
// trace.Tracer does not implement it directly (its Start takes variadic
// options and returns trace.Span); a small adapter is needed.
type Tracer interface {
	Start(ctx context.Context, spanName string) (context.Context, Span)
}

// Span is the subset of otel's trace.Span the core needs.
type Span interface {
	End()
	RecordError(err error)
	SetStatusError(msg string)
}

func (t TracingInterceptor) BeforeStage(ctx *StageContext) (*StageContext, *StageOutput, error) {
	if t.Tracer == nil {
		return nil, nil, nil
	}
	spanCtx, span := t.Tracer.Start(ctx.Context, "stage."+ctx.StageName)
	ctx.scratchSet("tracing.span", span)
	return ctx.withContext(spanCtx), nil, nil
}

func (t TracingInterceptor) AfterStage(ctx *StageContext, output StageOutput, err error) InterceptorResult {
	v, ok := ctx.scratchGet("tracing.span")
	if !ok {
		return Unchanged()
	}
	span, ok := v.(Span)
	if !ok || span == nil {
		return Unchanged()
	}
	defer span.End()
	if err != nil {
		span.RecordError(err)
		span.SetStatusError(err.Error())
	} else if output.Status == StatusFail {
		span.SetStatusError(output.Error)
	}
	return Unchanged()
}

// TimeoutInterceptor enforces a per-stage wall-clock budget. On expiry
// the inner stage's context is cancelled and the interceptor converts
// the outcome to FAIL with reason "timeout" (spec.md §4.2 item 4, §7).
type TimeoutInterceptor struct {
	Default  time.Duration
	PerStage map[string]time.Duration
}

func (t TimeoutInterceptor) timeoutFor(stage string) time.Duration {
	if d, ok := t.PerStage[stage]; ok && d > 0 {
		return d
	}
	if t.Default > 0 {
		return t.Default
	}
	return 30 * time.Second
}

func (t TimeoutInterceptor) BeforeStage(ctx *StageContext) (*StageContext, *StageOutput, error) {
	timeout := t.timeoutFor(ctx.StageName)
	deadlineCtx, cancel := context.WithTimeout(ctx.Context, timeout)
	ctx.scratchSet("timeout.cancel", cancel)
	return ctx.withContext(deadlineCtx), nil, nil
}

func (t TimeoutInterceptor) AfterStage(ctx *StageContext, output StageOutput, err error) InterceptorResult {
	if v, ok := ctx.scratchGet("timeout.cancel"); ok {
		if cancel, ok := v.(context.CancelFunc); ok {
			defer cancel()
		}
	}
	if ctx.Context.Err() == context.DeadlineExceeded {
		return Abort(fmt.Errorf("stage %q timed out after %s: timeout", ctx.StageName, t.timeoutFor(ctx.StageName)))
	}
	return Unchanged()
}

// CircuitBreakerInterceptor consults the breaker for (stage, provider,
// model) before invoking the stage, when KeyFor reports the stage's
// config exposes a provider+model. On open it denies with FAIL
// "circuit_open" and emits "<op>.breaker.denied" without invoking the
// stage at all (spec.md §4.2 item 5).
type CircuitBreakerInterceptor struct {
	Breaker *CircuitBreaker
	KeyFor  func(ctx *StageContext) (BreakerKey, bool)
}

func (c CircuitBreakerInterceptor) BeforeStage(ctx *StageContext) (*StageContext, *StageOutput, error) {
	if c.Breaker == nil || c.KeyFor == nil {
		return nil, nil, nil
	}
	key, ok := c.KeyFor(ctx)
	if !ok {
		return nil, nil, nil
	}
	ctx.scratchSet("breaker.key", key)
	c.Breaker.NoteAttempt(key)
	if c.Breaker.IsOpen(key) {
		ctx.Emit(key.Operation+".breaker.denied", map[string]any{
			"operation": key.Operation,
			"provider":  key.Provider,
			"model_id":  key.ModelID,
			"reason":    "circuit_open",
		})
		// Mark this FAIL as our own denial so AfterStage does not
		// RecordFailure a second time against an already-open breaker.
		ctx.scratchSet("breaker.denied", true)
		out := Fail("circuit_open")
		return nil, &out, nil
	}
	return nil, nil, nil
}

func (c CircuitBreakerInterceptor) AfterStage(ctx *StageContext, output StageOutput, err error) InterceptorResult {
	if c.Breaker == nil {
		return Unchanged()
	}
	v, ok := ctx.scratchGet("breaker.key")
	if !ok {
		return Unchanged()
	}
	key, ok := v.(BreakerKey)
	if !ok {
		return Unchanged()
	}
	if denied, _ := ctx.scratchGet("breaker.denied"); denied == true {
		// BeforeStage already denied this attempt without running the
		// stage; the breaker's window must not double-count it.
		return Unchanged()
	}
	if err != nil || output.Status == StatusFail {
		reason := output.Error
		if reason == "" && err != nil {
			reason = err.Error()
		}
		c.Breaker.RecordFailure(key, reason)
	} else {
		c.Breaker.RecordSuccess(key)
	}
	return Unchanged()
}

var (
	_ Interceptor = LoggingInterceptor{}
	_ Interceptor = MetricsInterceptor{}
	_ Interceptor = TracingInterceptor{}
	_ Interceptor = TimeoutInterceptor{}
	_ Interceptor = CircuitBreakerInterceptor{}
)
