package demo

import (
	"context"
	"fmt"

	cgcp "github.com/stageflow/stageflow/internal/clients/gcp"
	pgcp "github.com/stageflow/stageflow/internal/platform/gcp"
	"github.com/stageflow/stageflow/internal/stageflow"
)

// DocIntStageConfig names the Document AI processor this stage calls
// for structured documents, and the flags controlling when Vision OCR
// or Video Intelligence are consulted instead.
type DocIntStageConfig struct {
	ProjectID        string
	Location         string
	ProcessorID      string
	ProcessorVersion string

	VisionOutputPrefix string
	VisionMaxPages     int

	Video pgcp.VideoAIConfig
}

// DocIntStage extracts text/structure from whatever input artifact the
// run carries, grounded in internal/platform/gcp's Document AI client
// and internal/clients/gcp's Vision client, with Video Intelligence as
// the fallback path for video sources (SPEC_FULL.md §4.11, C13).
//
// It reads its input from StagePorts.Extra using the same key
// convention as SpeechInStage: "doc_gcs_uri"/"doc_bytes"/"doc_mime_type"
// for documents, "image_bytes"/"image_mime_type" for standalone images,
// and "video_gcs_uri" for video. All three are optional; a run with
// none of them skips this stage.
type DocIntStage struct {
	Cfg    DocIntStageConfig
	Doc    pgcp.Document
	Vision cgcp.Vision
	Video  pgcp.Video
	Calls  *stageflow.ProviderCallLogger
}

func (s *DocIntStage) docBreakerKey() stageflow.BreakerKey {
	return stageflow.BreakerKey{Operation: "docint.document", Provider: "gcp", ModelID: s.Cfg.ProcessorID}
}

func (s *DocIntStage) visionBreakerKey() stageflow.BreakerKey {
	return stageflow.BreakerKey{Operation: "docint.vision_ocr", Provider: "gcp", ModelID: "document_text_detection"}
}

func (s *DocIntStage) videoBreakerKey() stageflow.BreakerKey {
	return stageflow.BreakerKey{Operation: "docint.video", Provider: "gcp", ModelID: s.Cfg.Video.Model}
}

// Run implements stageflow.Runner. Document AI is tried first for any
// document-shaped input; Vision OCR handles standalone images; video
// sources go through Video Intelligence. Exactly one path runs per
// invocation, chosen by which Extra keys are populated.
func (s *DocIntStage) Run(ctx *stageflow.StageContext) (stageflow.StageOutput, error) {
	extra := ctx.Inputs.Ports.Extra

	docGCSURI, _ := extra["doc_gcs_uri"].(string)
	docBytes, _ := extra["doc_bytes"].([]byte)
	docMimeType, _ := extra["doc_mime_type"].(string)

	imageBytes, _ := extra["image_bytes"].([]byte)
	imageMimeType, _ := extra["image_mime_type"].(string)

	videoGCSURI, _ := extra["video_gcs_uri"].(string)

	switch {
	case docGCSURI != "" || len(docBytes) > 0:
		return s.runDocument(ctx, docGCSURI, docBytes, docMimeType)
	case len(imageBytes) > 0:
		return s.runVisionBytes(ctx, imageBytes, imageMimeType)
	case videoGCSURI != "":
		return s.runVideo(ctx, videoGCSURI)
	default:
		return stageflow.Skip("no document, image, or video input"), nil
	}
}

func (s *DocIntStage) runDocument(ctx *stageflow.StageContext, gcsURI string, data []byte, mimeType string) (stageflow.StageOutput, error) {
	if mimeType == "" {
		mimeType = "application/pdf"
	}

	result, _, err := s.Calls.Call(ctx.Context, ctx.Sink, s.docBreakerKey(), func(callCtx context.Context) (map[string]any, error) {
		var (
			res *pgcp.DocAIResult
			err error
		)
		if gcsURI != "" {
			res, err = s.Doc.ProcessGCSOnline(callCtx, pgcp.DocAIProcessGCSRequest{
				ProjectID:        s.Cfg.ProjectID,
				Location:         s.Cfg.Location,
				ProcessorID:      s.Cfg.ProcessorID,
				ProcessorVersion: s.Cfg.ProcessorVersion,
				MimeType:         mimeType,
				GCSURI:           gcsURI,
			})
		} else {
			res, err = s.Doc.ProcessBytes(callCtx, pgcp.DocAIProcessBytesRequest{
				ProjectID:        s.Cfg.ProjectID,
				Location:         s.Cfg.Location,
				ProcessorID:      s.Cfg.ProcessorID,
				ProcessorVersion: s.Cfg.ProcessorVersion,
				MimeType:         mimeType,
				Data:             data,
			})
		}
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"text":     res.PrimaryText,
			"segments": res.Segments,
			"tables":   res.Tables,
			"forms":    res.Forms,
			"warnings": res.Warnings,
			"source":   "documentai",
		}, nil
	})
	if err != nil {
		return stageflow.Fail(fmt.Sprintf("docint stage (document): %v", err)), err
	}
	return stageflow.OK(result), nil
}

func (s *DocIntStage) runVisionBytes(ctx *stageflow.StageContext, img []byte, mimeType string) (stageflow.StageOutput, error) {
	result, _, err := s.Calls.Call(ctx.Context, ctx.Sink, s.visionBreakerKey(), func(callCtx context.Context) (map[string]any, error) {
		res, err := s.Vision.OCRImageBytes(callCtx, img, mimeType)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"text":     res.PrimaryText,
			"pages":    res.Pages,
			"segments": res.Segments,
			"warnings": res.Warnings,
			"source":   "vision_ocr",
		}, nil
	})
	if err != nil {
		return stageflow.Fail(fmt.Sprintf("docint stage (vision): %v", err)), err
	}
	return stageflow.OK(result), nil
}

func (s *DocIntStage) runVideo(ctx *stageflow.StageContext, gcsURI string) (stageflow.StageOutput, error) {
	result, _, err := s.Calls.Call(ctx.Context, ctx.Sink, s.videoBreakerKey(), func(callCtx context.Context) (map[string]any, error) {
		res, err := s.Video.AnnotateVideoGCS(callCtx, gcsURI, s.Cfg.Video)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"text":                res.PrimaryText,
			"transcript_segments": res.TranscriptSegments,
			"text_segments":       res.TextSegments,
			"shot_segments":       res.ShotSegments,
			"warnings":            res.Warnings,
			"source":              "videointelligence",
		}, nil
	})
	if err != nil {
		return stageflow.Fail(fmt.Sprintf("docint stage (video): %v", err)), err
	}
	return stageflow.OK(result), nil
}

func (s *DocIntStage) AsRunner() stageflow.Runner {
	return s.Run
}
