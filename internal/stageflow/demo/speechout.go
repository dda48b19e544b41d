package demo

import (
	"context"
	"fmt"

	"github.com/stageflow/stageflow/internal/stageflow"
)

// TextToSpeech synthesizes audio for guarded text. It is intentionally
// a narrow interface — the core pipeline never depends on a specific
// vendor; cmd/stageflow-run wires in whichever concrete TTS client is
// available (SPEC_FULL.md §4.11 describes this as "stubbed as a
// provider-call-wrapped interface so a concrete TTS client can be
// swapped in").
type TextToSpeech interface {
	Synthesize(ctx context.Context, text string, voice string) (audio []byte, contentType string, err error)
}

// SpeechOutStageConfig names the voice and the chunk size used when
// streaming synthesized audio back through StagePorts.SendAudioChunk.
type SpeechOutStageConfig struct {
	Voice          string
	ChunkBytes     int
	ContentTypeDef string
}

// SpeechOutStage synthesizes audio for the guard stage's guarded text,
// streaming it to the caller in fixed-size chunks via
// StagePorts.SendAudioChunk, mirroring SendToken's incremental-delivery
// shape for the audio modality (SPEC_FULL.md §4.11).
type SpeechOutStage struct {
	Cfg   SpeechOutStageConfig
	TTS   TextToSpeech
	Calls *stageflow.ProviderCallLogger
}

func (s *SpeechOutStage) breakerKey() stageflow.BreakerKey {
	return stageflow.BreakerKey{Operation: "tts.synthesize", Provider: "tts", ModelID: s.Cfg.Voice}
}

func (s *SpeechOutStage) chunkBytes() int {
	if s.Cfg.ChunkBytes > 0 {
		return s.Cfg.ChunkBytes
	}
	return 32 * 1024
}

// Run implements stageflow.Runner. Conditional on guard: it reads
// "guarded_text" from prior outputs and skips if it is absent or empty.
// A guard denial is a CANCEL, which ends the run before this stage.
func (s *SpeechOutStage) Run(ctx *stageflow.StageContext) (stageflow.StageOutput, error) {
	v, ok := ctx.Inputs.Get("guarded_text")
	text, _ := v.(string)
	if !ok || text == "" {
		return stageflow.Skip("no guarded text to synthesize"), nil
	}

	result, _, err := s.Calls.Call(ctx.Context, ctx.Sink, s.breakerKey(), func(callCtx context.Context) (map[string]any, error) {
		audio, contentType, err := s.TTS.Synthesize(callCtx, text, s.Cfg.Voice)
		if err != nil {
			return nil, err
		}
		if contentType == "" {
			contentType = s.Cfg.ContentTypeDef
		}
		if contentType == "" {
			contentType = "audio/mpeg"
		}

		if ctx.Inputs.Ports.SendAudioChunk != nil {
			chunk := s.chunkBytes()
			for i := 0; i < len(audio); i += chunk {
				end := i + chunk
				final := end >= len(audio)
				if end > len(audio) {
					end = len(audio)
				}
				ctx.Inputs.Ports.SendAudioChunk(audio[i:end], contentType, i/chunk, final)
			}
			if len(audio) == 0 {
				ctx.Inputs.Ports.SendAudioChunk(nil, contentType, 0, true)
			}
		}

		return map[string]any{
			"audio_bytes":  len(audio),
			"content_type": contentType,
		}, nil
	})
	if err != nil {
		return stageflow.Fail(fmt.Sprintf("speech-out stage: %v", err)), err
	}

	return stageflow.OK(result), nil
}

func (s *SpeechOutStage) AsRunner() stageflow.Runner {
	return s.Run
}
