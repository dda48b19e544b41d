package demo

import (
	"bytes"
	"testing"

	"golang.org/x/image/font/basicfont"

	"github.com/stageflow/stageflow/internal/stageflow"
)

func guardInputs(text string) stageflow.StageInputs {
	return stageflow.StageInputs{
		PriorOutputs: map[string]stageflow.StageOutput{
			"llm": stageflow.OK(map[string]any{"text": text}),
		},
	}
}

func TestGuardStageSkipsWhenNoText(t *testing.T) {
	s := &GuardStage{}
	ctx := &stageflow.StageContext{Inputs: stageflow.StageInputs{}}

	out, err := s.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != stageflow.StatusSkip {
		t.Fatalf("unexpected status: %s", out.Status)
	}
}

func TestGuardStageCancelsOnDeniedWord(t *testing.T) {
	s := &GuardStage{Cfg: GuardStageConfig{DeniedWords: []string{"forbidden"}}}
	ctx := &stageflow.StageContext{Inputs: guardInputs("this contains a Forbidden term")}

	out, err := s.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != stageflow.StatusCancel {
		t.Fatalf("unexpected status: %s", out.Status)
	}
	if out.Data["cancel_reason"] == "" {
		t.Fatal("expected non-empty cancel_reason")
	}
}

func TestGuardStageAllowsCleanText(t *testing.T) {
	s := &GuardStage{Cfg: GuardStageConfig{DeniedWords: []string{"forbidden"}}}
	ctx := &stageflow.StageContext{Inputs: guardInputs("a perfectly ordinary answer")}

	out, err := s.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != stageflow.StatusOK {
		t.Fatalf("unexpected status: %s", out.Status)
	}
	if out.Data["guarded_text"] != "a perfectly ordinary answer" {
		t.Fatalf("unexpected guarded_text: %v", out.Data["guarded_text"])
	}
	if len(out.Artifacts) != 0 {
		t.Fatalf("expected no artifacts, got %d", len(out.Artifacts))
	}
}

func TestGuardStageRendersCaptionOnVisualClaim(t *testing.T) {
	s := &GuardStage{fontFace: basicfont.Face7x13}
	ctx := &stageflow.StageContext{Inputs: guardInputs("here is an image of the chart you asked for")}

	out, err := s.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != stageflow.StatusOK {
		t.Fatalf("unexpected status: %s", out.Status)
	}
	if len(out.Artifacts) != 1 {
		t.Fatalf("expected exactly one artifact, got %d", len(out.Artifacts))
	}
	png, ok := out.Artifacts[0].Payload.([]byte)
	if !ok || len(png) == 0 {
		t.Fatalf("expected non-empty png payload, got %T", out.Artifacts[0].Payload)
	}
	if !bytes.HasPrefix(png, []byte("\x89PNG")) {
		t.Fatal("artifact payload is not a PNG")
	}
}
