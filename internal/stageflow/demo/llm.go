// Package demo wires the core stageflow engine to concrete external
// collaborators (LLM generation, speech, enrichment lookups, routing,
// caption rendering, TTS, document intelligence) into one runnable
// sample pipeline, grounded in the teacher's internal/inference and
// internal/clients packages (SPEC_FULL.md §4.11).
package demo

import (
	"context"
	"fmt"
	"strings"

	"github.com/stageflow/stageflow/internal/inference/engine"
	"github.com/stageflow/stageflow/internal/stageflow"
)

// LLMStageConfig names the provider/model this stage calls and the
// upstream data keys it reads the prompt from.
type LLMStageConfig struct {
	Provider    string
	ModelID     string
	Temperature float64

	// PromptKey is looked up across prior stage outputs via
	// StageInputs.Get. Every message in the snapshot's Messages is sent;
	// a non-empty string found under PromptKey is appended after them as
	// a trailing user message.
	PromptKey string
}

// LLMStage streams a chat completion through engine.Engine, forwarding
// tokens to StagePorts.SendToken and logging the call via
// ProviderCallLogger, directly adapting
// internal/inference/engine/oaihttp/client.go's StreamText callback
// shape into stageflow.StreamFn (spec.md §4.4, §9).
type LLMStage struct {
	Cfg    LLMStageConfig
	Engine engine.Engine
	Calls  *stageflow.ProviderCallLogger
}

func (s *LLMStage) breakerKey() stageflow.BreakerKey {
	return stageflow.BreakerKey{Operation: "llm.generate", Provider: s.Cfg.Provider, ModelID: s.Cfg.ModelID}
}

func (s *LLMStage) prompt(ctx *stageflow.StageContext) []engine.Message {
	var out []engine.Message
	for _, m := range ctx.Snapshot.Messages {
		out = append(out, engine.Message{Role: m.Role, Content: m.Content})
	}

	if s.Cfg.PromptKey != "" {
		if v, ok := ctx.Inputs.Get(s.Cfg.PromptKey); ok {
			if text, ok := v.(string); ok && text != "" {
				out = append(out, engine.Message{Role: "user", Content: text})
			}
		}
	}
	return out
}

// Run implements stageflow.Runner.
func (s *LLMStage) Run(ctx *stageflow.StageContext) (stageflow.StageOutput, error) {
	messages := s.prompt(ctx)
	if len(messages) == 0 {
		return stageflow.Fail("llm stage: no prompt material"), nil
	}

	var full strings.Builder
	streamFn := func(callCtx context.Context, onDelta func(chunk string) error) error {
		_, err := s.Engine.StreamText(callCtx, s.Cfg.ModelID, messages, engine.GenerateOptions{Temperature: s.Cfg.Temperature}, func(delta string) {
			full.WriteString(delta)
			if onDelta != nil {
				_ = onDelta(delta)
			}
		})
		return err
	}

	onDelta := func(chunk string) error {
		if ctx.Inputs.Ports.SendToken != nil {
			ctx.Inputs.Ports.SendToken(chunk)
		}
		return nil
	}

	_, err := s.Calls.CallStream(ctx.Context, ctx.Sink, s.breakerKey(), streamFn, onDelta)
	if err != nil {
		return stageflow.Fail(fmt.Sprintf("llm stage: %v", err)), err
	}

	return stageflow.OK(map[string]any{"text": full.String()}), nil
}

// AsRunner adapts Run to the stageflow.Runner function type expected by
// StageSpec.Run.
func (s *LLMStage) AsRunner() stageflow.Runner {
	return s.Run
}
