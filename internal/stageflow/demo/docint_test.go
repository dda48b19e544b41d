package demo

import (
	"context"
	"testing"

	cgcp "github.com/stageflow/stageflow/internal/clients/gcp"
	pgcp "github.com/stageflow/stageflow/internal/platform/gcp"
	"github.com/stageflow/stageflow/internal/stageflow"
)

type fakeDocument struct {
	result *pgcp.DocAIResult
	err    error
}

func (f fakeDocument) ProcessBytes(ctx context.Context, req pgcp.DocAIProcessBytesRequest) (*pgcp.DocAIResult, error) {
	return f.result, f.err
}
func (f fakeDocument) ProcessGCSOnline(ctx context.Context, req pgcp.DocAIProcessGCSRequest) (*pgcp.DocAIResult, error) {
	return f.result, f.err
}
func (f fakeDocument) BatchProcessGCS(ctx context.Context, req pgcp.DocAIBatchRequest) (*pgcp.DocAIBatchResult, error) {
	return nil, f.err
}
func (f fakeDocument) Close() error { return nil }

type fakeVision struct {
	result *cgcp.VisionOCRResult
	err    error
}

func (f fakeVision) OCRImageBytes(ctx context.Context, img []byte, mimeType string) (*cgcp.VisionOCRResult, error) {
	return f.result, f.err
}
func (f fakeVision) OCRFileInGCS(ctx context.Context, gcsSourceURI, mimeType, gcsOutputPrefix string, maxPages int) (*cgcp.VisionOCRResult, error) {
	return f.result, f.err
}
func (f fakeVision) Close() error { return nil }

type fakeVideo struct {
	result *pgcp.VideoAIResult
	err    error
}

func (f fakeVideo) AnnotateVideoGCS(ctx context.Context, gcsURI string, cfg pgcp.VideoAIConfig) (*pgcp.VideoAIResult, error) {
	return f.result, f.err
}
func (f fakeVideo) Close() error { return nil }

func TestDocIntStageSkipsWithoutInput(t *testing.T) {
	s := &DocIntStage{Calls: &stageflow.ProviderCallLogger{}}
	ctx := &stageflow.StageContext{
		Context: context.Background(),
		Inputs:  stageflow.StageInputs{Ports: stageflow.StagePorts{}},
	}

	out, err := s.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != stageflow.StatusSkip {
		t.Fatalf("unexpected status: %s", out.Status)
	}
}

func TestDocIntStageRunsDocumentPath(t *testing.T) {
	s := &DocIntStage{
		Doc:   fakeDocument{result: &pgcp.DocAIResult{PrimaryText: "invoice total $42"}},
		Calls: &stageflow.ProviderCallLogger{},
	}
	ctx := &stageflow.StageContext{
		Context: context.Background(),
		Inputs: stageflow.StageInputs{
			Ports: stageflow.StagePorts{Extra: map[string]any{
				"doc_bytes":     []byte("%PDF-1.4 ..."),
				"doc_mime_type": "application/pdf",
			}},
		},
	}

	out, err := s.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != stageflow.StatusOK {
		t.Fatalf("unexpected status: %s", out.Status)
	}
	if out.Data["text"] != "invoice total $42" {
		t.Fatalf("unexpected text: %v", out.Data["text"])
	}
	if out.Data["source"] != "documentai" {
		t.Fatalf("unexpected source: %v", out.Data["source"])
	}
}

func TestDocIntStageRunsVisionPath(t *testing.T) {
	s := &DocIntStage{
		Vision: fakeVision{result: &cgcp.VisionOCRResult{PrimaryText: "hand-written note"}},
		Calls:  &stageflow.ProviderCallLogger{},
	}
	ctx := &stageflow.StageContext{
		Context: context.Background(),
		Inputs: stageflow.StageInputs{
			Ports: stageflow.StagePorts{Extra: map[string]any{
				"image_bytes":     []byte{0xFF, 0xD8, 0xFF},
				"image_mime_type": "image/jpeg",
			}},
		},
	}

	out, err := s.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Data["source"] != "vision_ocr" {
		t.Fatalf("unexpected source: %v", out.Data["source"])
	}
	if out.Data["text"] != "hand-written note" {
		t.Fatalf("unexpected text: %v", out.Data["text"])
	}
}

func TestDocIntStageRunsVideoPath(t *testing.T) {
	s := &DocIntStage{
		Video: fakeVideo{result: &pgcp.VideoAIResult{PrimaryText: "narrator explains the chart"}},
		Calls: &stageflow.ProviderCallLogger{},
	}
	ctx := &stageflow.StageContext{
		Context: context.Background(),
		Inputs: stageflow.StageInputs{
			Ports: stageflow.StagePorts{Extra: map[string]any{
				"video_gcs_uri": "gs://bucket/clip.mp4",
			}},
		},
	}

	out, err := s.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Data["source"] != "videointelligence" {
		t.Fatalf("unexpected source: %v", out.Data["source"])
	}
}

func TestDocIntStageFailsOnDocumentError(t *testing.T) {
	s := &DocIntStage{
		Doc:   fakeDocument{err: context.DeadlineExceeded},
		Calls: &stageflow.ProviderCallLogger{},
	}
	ctx := &stageflow.StageContext{
		Context: context.Background(),
		Inputs: stageflow.StageInputs{
			Ports: stageflow.StagePorts{Extra: map[string]any{
				"doc_gcs_uri": "gs://bucket/doc.pdf",
			}},
		},
	}

	out, err := s.Run(ctx)
	if err == nil {
		t.Fatal("expected error")
	}
	if out.Status != stageflow.StatusFail {
		t.Fatalf("unexpected status: %s", out.Status)
	}
}
