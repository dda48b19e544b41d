package demo

import (
	"bytes"
	"fmt"
	"image/color"
	"os"
	"strings"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"

	"github.com/stageflow/stageflow/internal/stageflow"
)

// GuardStageConfig carries the caption-rendering font and the
// content-policy keyword denylist.
type GuardStageConfig struct {
	FontPath    string
	FontSize    float64
	DeniedWords []string

	// CaptionWidth/Height size the rendered PNG; the caption text wraps
	// within it.
	CaptionWidth  int
	CaptionHeight int

	VisualClaimMarkers []string
}

// GuardStage applies a content-policy check to the llm stage's output
// and, when the text contains a visual claim, burns a caption image
// using fogleman/gg + golang/freetype — the exact library pairing and
// TTF-loading pattern in internal/services/avatar.go's
// GenerateUserAvatar/loadFontFace, repurposed here from avatar
// rendering to text-caption rendering (SPEC_FULL.md §4.11). It is
// conditional on llm: if llm skipped or was itself denied upstream,
// this stage has nothing to guard and skips too.
type GuardStage struct {
	Cfg      GuardStageConfig
	fontFace font.Face
}

func (s *GuardStage) ensureFontFace() (font.Face, error) {
	if s.fontFace != nil {
		return s.fontFace, nil
	}
	if s.Cfg.FontPath == "" {
		return nil, fmt.Errorf("guard stage: FontPath not configured")
	}
	size := s.Cfg.FontSize
	if size <= 0 {
		size = 48
	}
	fontBytes, err := os.ReadFile(s.Cfg.FontPath)
	if err != nil {
		return nil, fmt.Errorf("read caption font: %w", err)
	}
	parsed, err := truetype.Parse(fontBytes)
	if err != nil {
		return nil, fmt.Errorf("parse caption font: %w", err)
	}
	face := truetype.NewFace(parsed, &truetype.Options{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingNone,
	})
	s.fontFace = face
	return face, nil
}

func (s *GuardStage) deniedWord(text string) string {
	lower := strings.ToLower(text)
	for _, w := range s.Cfg.DeniedWords {
		if w != "" && strings.Contains(lower, strings.ToLower(w)) {
			return w
		}
	}
	return ""
}

func (s *GuardStage) hasVisualClaim(text string) bool {
	markers := s.Cfg.VisualClaimMarkers
	if len(markers) == 0 {
		markers = []string{"here is an image", "picture shows", "as shown in the image"}
	}
	lower := strings.ToLower(text)
	for _, m := range markers {
		if strings.Contains(lower, strings.ToLower(m)) {
			return true
		}
	}
	return false
}

// Run implements stageflow.Runner.
func (s *GuardStage) Run(ctx *stageflow.StageContext) (stageflow.StageOutput, error) {
	text, _ := ctx.Inputs.Get("text")
	responseText, _ := text.(string)
	if responseText == "" {
		return stageflow.Skip("no llm output to guard"), nil
	}

	if denied := s.deniedWord(responseText); denied != "" {
		return stageflow.Cancel(fmt.Sprintf("content policy denied term: %q", denied)), nil
	}

	data := map[string]any{"guarded_text": responseText}
	var artifacts []stageflow.Artifact

	if s.hasVisualClaim(responseText) {
		png, err := s.renderCaption(responseText)
		if err != nil {
			return stageflow.Fail(fmt.Sprintf("guard stage: caption render: %v", err)), err
		}
		artifacts = append(artifacts, stageflow.Artifact{
			Type:    "caption_png",
			Payload: png,
		})
		data["caption_alt_text"] = responseText
	}

	out := stageflow.OK(data)
	out.Artifacts = artifacts
	return out, nil
}

func (s *GuardStage) renderCaption(text string) ([]byte, error) {
	face, err := s.ensureFontFace()
	if err != nil {
		return nil, err
	}

	width := s.Cfg.CaptionWidth
	if width <= 0 {
		width = 1024
	}
	height := s.Cfg.CaptionHeight
	if height <= 0 {
		height = 256
	}

	dc := gg.NewContext(width, height)
	dc.SetColor(color.Black)
	dc.DrawRectangle(0, 0, float64(width), float64(height))
	dc.Fill()

	dc.SetFontFace(face)
	dc.SetColor(color.White)
	margin := 24.0
	dc.DrawStringWrapped(text, margin, margin, 0, 0, float64(width)-2*margin, 1.4, gg.AlignLeft)

	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return nil, fmt.Errorf("encode caption PNG: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *GuardStage) AsRunner() stageflow.Runner {
	return s.Run
}
