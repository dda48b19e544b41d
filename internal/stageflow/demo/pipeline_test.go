package demo

import (
	"sort"
	"testing"
)

func TestBuildPipelineProducesValidGraph(t *testing.T) {
	stages := Stages{
		SpeechIn:  &SpeechInStage{},
		DocInt:    &DocIntStage{},
		Enrich:    &EnrichStage{},
		Route:     &RouteStage{},
		LLM:       &LLMStage{},
		Guard:     &GuardStage{},
		SpeechOut: &SpeechOutStage{},
	}

	graph, err := BuildPipeline(stages).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	got := graph.Names()
	sort.Strings(got)

	want := []string{"doc_int", "enrich", "guard", "llm", "route", "speech_in", "speech_out"}
	if len(got) != len(want) {
		t.Fatalf("unexpected stage count: got=%v want=%v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected stage names: got=%v want=%v", got, want)
		}
	}
}
