package demo

import (
	"github.com/stageflow/stageflow/internal/stageflow"
)

// Stages bundles the concrete demo stage implementations used to build
// the sample pipeline. cmd/stageflow-run constructs one of these from
// its wired collaborators (engine, gcp clients, neo4j driver, TTS
// client) and passes it to BuildPipeline.
type Stages struct {
	SpeechIn  *SpeechInStage
	Enrich    *EnrichStage
	Route     *RouteStage
	LLM       *LLMStage
	Guard     *GuardStage
	SpeechOut *SpeechOutStage
	DocInt    *DocIntStage
}

// BuildPipeline wires two root stages, speech_in and doc_int, into
// enrich, then enrich -> route -> llm -> guard -> speech_out, as one
// stageflow.Pipeline (SPEC_FULL.md §4.11). Every stage except route is
// conditional: it is skipped when a dependency returned SKIP or carries
// a non-empty skip_reason, per the core scheduler's conditional-skip
// semantics (spec.md §4.7). A CANCEL from any stage ends the whole run.
func BuildPipeline(s Stages) stageflow.Pipeline {
	p := stageflow.NewPipeline()

	p = p.WithStage("speech_in", s.SpeechIn.AsRunner(), stageflow.KindWork, nil, true)
	p = p.WithStage("doc_int", s.DocInt.AsRunner(), stageflow.KindWork, nil, true)
	p = p.WithStage("enrich", s.Enrich.AsRunner(), stageflow.KindEnrich, []string{"speech_in", "doc_int"}, true)
	p = p.WithStage("route", s.Route.AsRunner(), stageflow.KindRoute, []string{"enrich"}, false)
	p = p.WithStage("llm", s.LLM.AsRunner(), stageflow.KindAgent, []string{"route"}, true)
	p = p.WithStage("guard", s.Guard.AsRunner(), stageflow.KindGuard, []string{"llm"}, true)
	p = p.WithStage("speech_out", s.SpeechOut.AsRunner(), stageflow.KindWork, []string{"guard"}, true)

	return p
}
