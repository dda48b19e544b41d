package demo

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/stageflow/stageflow/internal/stageflow"
)

type fakeProfileLookup struct {
	data map[string]any
	err  error
}

func (f fakeProfileLookup) Profile(ctx context.Context, userID string) (map[string]any, error) {
	return f.data, f.err
}

type fakeMemoryLookup struct {
	summary string
	err     error
}

func (f fakeMemoryLookup) RelatedInteractions(ctx context.Context, interactionID string, limit int) (string, error) {
	return f.summary, f.err
}

type fakeDocumentLookup struct {
	docs []stageflow.DocumentRef
	err  error
}

func (f fakeDocumentLookup) Documents(ctx context.Context, query string, limit int) ([]stageflow.DocumentRef, error) {
	return f.docs, f.err
}

func TestEnrichStageFansOutAndMerges(t *testing.T) {
	userID := uuid.New()
	interactionID := uuid.New()

	s := &EnrichStage{
		Cfg:      EnrichStageConfig{MaxConcurrency: 2},
		Profile:  fakeProfileLookup{data: map[string]any{"plan": "pro"}},
		Memory:   fakeMemoryLookup{summary: "discussed billing last week"},
		Document: fakeDocumentLookup{docs: []stageflow.DocumentRef{{ID: "doc-1", Title: "Billing FAQ"}}},
	}

	ctx := &stageflow.StageContext{
		Context: context.Background(),
		Snapshot: &stageflow.ContextSnapshot{
			UserID:        &userID,
			InteractionID: &interactionID,
			InputText:     "how do I update my billing info",
		},
	}

	out, err := s.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != stageflow.StatusOK {
		t.Fatalf("unexpected status: %s", out.Status)
	}
	if out.Data["memory_summary"] != "discussed billing last week" {
		t.Fatalf("unexpected memory_summary: %v", out.Data["memory_summary"])
	}
	profile, ok := out.Data["profile"].(map[string]any)
	if !ok || profile["plan"] != "pro" {
		t.Fatalf("unexpected profile: %v", out.Data["profile"])
	}
	docs, ok := out.Data["documents"].([]stageflow.DocumentRef)
	if !ok || len(docs) != 1 || docs[0].ID != "doc-1" {
		t.Fatalf("unexpected documents: %v", out.Data["documents"])
	}
}

func TestEnrichStageSkipsLookupsWithoutIdentifiers(t *testing.T) {
	s := &EnrichStage{
		Profile: fakeProfileLookup{data: map[string]any{"plan": "pro"}},
		Memory:  fakeMemoryLookup{summary: "should not appear"},
	}

	ctx := &stageflow.StageContext{
		Context:  context.Background(),
		Snapshot: &stageflow.ContextSnapshot{},
	}

	out, err := s.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(out.Data) != 0 {
		t.Fatalf("expected no enrichment data without identifiers, got %v", out.Data)
	}
}

func TestEnrichStageFailsWhenLookupErrors(t *testing.T) {
	userID := uuid.New()
	s := &EnrichStage{
		Profile: fakeProfileLookup{err: errors.New("profile store unavailable")},
	}

	ctx := &stageflow.StageContext{
		Context:  context.Background(),
		Snapshot: &stageflow.ContextSnapshot{UserID: &userID},
	}

	out, err := s.Run(ctx)
	if err == nil {
		t.Fatal("expected error")
	}
	if out.Status != stageflow.StatusFail {
		t.Fatalf("unexpected status: %s", out.Status)
	}
}
