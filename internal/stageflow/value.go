// Package stageflow implements the Stageflow DAG orchestration core: an
// immutable stage I/O model, a dependency-driven scheduler, an interceptor
// chain, a circuit breaker, a subpipeline spawner, and a lifecycle
// orchestrator. Concrete stage implementations, persistence-backed event
// sinks, and transport harnesses live in sibling packages and depend on
// this one, never the reverse.
package stageflow

import (
	"time"

	"github.com/google/uuid"
)

// StageStatus is the terminal status of a single stage invocation.
type StageStatus string

const (
	StatusOK     StageStatus = "OK"
	StatusSkip   StageStatus = "SKIP"
	StatusCancel StageStatus = "CANCEL"
	StatusFail   StageStatus = "FAIL"
	StatusRetry  StageStatus = "RETRY"
)

// StageKind is informational metadata attached to a StageSpec; it never
// alters scheduling decisions.
type StageKind string

const (
	KindTransform StageKind = "TRANSFORM"
	KindEnrich    StageKind = "ENRICH"
	KindRoute     StageKind = "ROUTE"
	KindGuard     StageKind = "GUARD"
	KindWork      StageKind = "WORK"
	KindAgent     StageKind = "AGENT"
)

// Artifact is a side artifact produced by a stage (e.g. a rendered image,
// a generated audio clip) alongside its primary data.
type Artifact struct {
	Type      string    `json:"type"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// StageEvent is an event recorded locally on a StageOutput in addition to
// whatever the EventSink receives; kept so a stage's own completion
// record is self-contained for replay/debugging.
type StageEvent struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// StageOutput is the immutable result of exactly one stage invocation.
// Construct one of the canonical variants below rather than the struct
// literal directly — they enforce the per-status data invariants
// (SKIP always carries "reason", CANCEL always carries "cancel_reason",
// FAIL/RETRY always carry a non-empty Error).
type StageOutput struct {
	Status    StageStatus    `json:"status"`
	Data      map[string]any `json:"data"`
	Artifacts []Artifact     `json:"artifacts,omitempty"`
	Events    []StageEvent   `json:"events,omitempty"`
	Error     string         `json:"error,omitempty"`
}

func cloneData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

// OK constructs a successful stage output carrying the given data.
func OK(data map[string]any) StageOutput {
	return StageOutput{Status: StatusOK, Data: cloneData(data)}
}

// Skip constructs a conditional-skip output. data["reason"] is always
// set to reason regardless of whether the caller passed a "reason" key.
func Skip(reason string) StageOutput {
	return StageOutput{Status: StatusSkip, Data: map[string]any{"reason": reason}}
}

// Cancel constructs a graceful-cancel output. This is not an error — the
// scheduler treats it as success-with-no-more-work.
func Cancel(reason string) StageOutput {
	return StageOutput{Status: StatusCancel, Data: map[string]any{"cancel_reason": reason}}
}

// Fail constructs a fatal-failure output. err must be non-empty.
func Fail(err string) StageOutput {
	return StageOutput{Status: StatusFail, Data: map[string]any{}, Error: err}
}

// Retry constructs a retryable-failure output. err must be non-empty.
// The scheduler does not abort the run on RETRY the way it does on FAIL
// (spec.md §4.1 step 5 names only FAIL); RETRY is recorded as that
// stage's completed output and its dependents proceed normally. A stage
// or an interceptor wishing to actually retry must do so before
// returning — the scheduler itself runs no retry loop.
func Retry(err string) StageOutput {
	return StageOutput{Status: StatusRetry, Data: map[string]any{}, Error: err}
}

// IsTerminalFailure reports whether the status represents FAIL or RETRY,
// the two statuses that require a non-empty Error per spec.md §3.
func (s StageStatus) IsTerminalFailure() bool {
	return s == StatusFail || s == StatusRetry
}

// Role is the author of a Message within a ContextSnapshot.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one entry in a ContextSnapshot's ordered conversation log.
type Message struct {
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Timestamp *time.Time     `json:"timestamp,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// RoutingDecision records how a run was routed to a pipeline/topology.
type RoutingDecision struct {
	AgentID  string `json:"agent_id,omitempty"`
	Pipeline string `json:"pipeline,omitempty"`
	Topology string `json:"topology,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// ProfileEnrichment is the "profile" enrichment kind.
type ProfileEnrichment struct {
	Data map[string]any `json:"data"`
}

// MemorySummaryEnrichment is the "memory summary" enrichment kind.
type MemorySummaryEnrichment struct {
	Summary string `json:"summary"`
}

// DocumentRef is one document surfaced as an enrichment.
type DocumentRef struct {
	ID      string `json:"id"`
	Title   string `json:"title,omitempty"`
	Snippet string `json:"snippet,omitempty"`
	URI     string `json:"uri,omitempty"`
}

// WebResult is a supplemental enrichment kind carried over from
// original_source/stageflow/context/context_snapshot.py (see
// SPEC_FULL.md §3) — a web-search hit surfaced to later stages.
type WebResult struct {
	Query     string    `json:"query"`
	URL       string    `json:"url"`
	Title     string    `json:"title,omitempty"`
	Snippet   string    `json:"snippet,omitempty"`
	FetchedAt time.Time `json:"fetched_at"`
}

// ContextSnapshot is the immutable, sole input shared by every stage of a
// run. Once constructed it is never mutated; stages observe it only by
// reference through StageInputs.
type ContextSnapshot struct {
	PipelineRunID uuid.UUID  `json:"pipeline_run_id"`
	RequestID     *uuid.UUID `json:"request_id,omitempty"`
	SessionID     *uuid.UUID `json:"session_id,omitempty"`
	UserID        *uuid.UUID `json:"user_id,omitempty"`
	OrgID         *uuid.UUID `json:"org_id,omitempty"`
	InteractionID *uuid.UUID `json:"interaction_id,omitempty"`

	Topology      string `json:"topology"`
	ExecutionMode string `json:"execution_mode"`

	Messages []Message `json:"messages"`

	Routing *RoutingDecision `json:"routing,omitempty"`

	Profile       *ProfileEnrichment       `json:"profile,omitempty"`
	MemorySummary *MemorySummaryEnrichment `json:"memory_summary,omitempty"`
	Documents     []DocumentRef            `json:"documents,omitempty"`
	WebResults    []WebResult              `json:"web_results,omitempty"`

	InputText        string   `json:"input_text,omitempty"`
	AudioDurationSecs *float64 `json:"audio_duration_secs,omitempty"`

	Extensions map[string]any `json:"extensions,omitempty"`

	CreatedAt time.Time      `json:"created_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Clone returns a structural copy to use as a child run's starting
// snapshot (see Subpipeline spawner, §4.5). The Messages, Documents and
// WebResults slices, each message's Metadata, Extensions and Metadata
// are copied; pointer fields (such as Profile) are shared with the
// receiver.
func (s ContextSnapshot) Clone() ContextSnapshot {
	out := s
	out.Messages = append([]Message(nil), s.Messages...)
	for i, m := range out.Messages {
		if m.Metadata != nil {
			out.Messages[i].Metadata = cloneData(m.Metadata)
		}
	}
	out.Documents = append([]DocumentRef(nil), s.Documents...)
	out.WebResults = append([]WebResult(nil), s.WebResults...)
	if s.Extensions != nil {
		out.Extensions = cloneData(s.Extensions)
	}
	if s.Metadata != nil {
		out.Metadata = cloneData(s.Metadata)
	}
	return out
}

// PipelineTimer is a monotonic wall-clock reference shared by every stage
// of one run, so latency attribution (stage durations, TTFT) is
// consistent even if system clock adjustments occur mid-run.
type PipelineTimer struct {
	start time.Time
}

// NewPipelineTimer returns a timer anchored at the current instant.
func NewPipelineTimer() *PipelineTimer {
	return &PipelineTimer{start: time.Now()}
}

// Elapsed returns the duration since the timer was created.
func (t *PipelineTimer) Elapsed() time.Duration {
	return time.Since(t.start)
}

// StartedAt returns the timer's anchor instant.
func (t *PipelineTimer) StartedAt() time.Time {
	return t.start
}
