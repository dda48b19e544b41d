package demo

import (
	"context"
	"fmt"

	"github.com/stageflow/stageflow/internal/clients/gcp"
	"github.com/stageflow/stageflow/internal/stageflow"
)

// SpeechInStage transcribes inbound audio before the rest of the
// pipeline runs, adapted from internal/clients/gcp/speech.go's
// TranscribeAudioBytes/TranscribeAudioGCS. Audio arrives via
// StagePorts.Extra — the core treats that bundle as opaque, so this
// stage owns the "audio_bytes"/"audio_mime_type"/"audio_gcs_uri" key
// convention.
type SpeechInStage struct {
	Speech gcp.Speech
	Cfg    gcp.SpeechConfig
	Calls  *stageflow.ProviderCallLogger
}

func (s *SpeechInStage) breakerKey() stageflow.BreakerKey {
	return stageflow.BreakerKey{Operation: "speech.transcribe", Provider: "gcp", ModelID: s.Cfg.Model}
}

// Run implements stageflow.Runner. It is a conditional stage: absent any
// audio input it skips rather than failing, so text-only runs of the
// demo pipeline are unaffected.
func (s *SpeechInStage) Run(ctx *stageflow.StageContext) (stageflow.StageOutput, error) {
	extra := ctx.Inputs.Ports.Extra
	gcsURI, _ := extra["audio_gcs_uri"].(string)
	audioBytes, _ := extra["audio_bytes"].([]byte)
	mimeType, _ := extra["audio_mime_type"].(string)

	if gcsURI == "" && len(audioBytes) == 0 {
		return stageflow.Skip("no audio input"), nil
	}

	result, _, err := s.Calls.Call(ctx.Context, ctx.Sink, s.breakerKey(), func(callCtx context.Context) (map[string]any, error) {
		var (
			res *gcp.SpeechResult
			err error
		)
		if gcsURI != "" {
			res, err = s.Speech.TranscribeAudioGCS(callCtx, gcsURI, s.Cfg)
		} else {
			res, err = s.Speech.TranscribeAudioBytes(callCtx, audioBytes, mimeType, s.Cfg)
		}
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"text":     res.PrimaryText,
			"segments": res.Segments,
			"warnings": res.Warnings,
		}, nil
	})
	if err != nil {
		return stageflow.Fail(fmt.Sprintf("speech-in stage: %v", err)), err
	}

	return stageflow.OK(result), nil
}

func (s *SpeechInStage) AsRunner() stageflow.Runner {
	return s.Run
}
