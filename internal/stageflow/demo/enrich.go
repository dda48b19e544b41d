package demo

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"golang.org/x/sync/errgroup"

	"github.com/stageflow/stageflow/internal/stageflow"
)

// MemoryLookup resolves prior-interaction lineage for a run, backed by
// neo4j-go-driver/v5 (SPEC_FULL.md §4.11). Kept as an interface so
// EnrichStage's fan-out is testable without a live driver.
type MemoryLookup interface {
	RelatedInteractions(ctx context.Context, interactionID string, limit int) (string, error)
}

// Neo4jMemoryLookup queries prior interactions linked to the current one
// by an :EMITTED/:FOLLOWS-style lineage graph, grounded in
// internal/stageflow/event/neo4j.go's driver/session usage pattern.
type Neo4jMemoryLookup struct {
	Driver   neo4j.DriverWithContext
	Database string
}

const relatedInteractionsCypher = `
MATCH (i:Interaction {id: $interaction_id})-[:FOLLOWS*1..3]->(prior:Interaction)
RETURN prior.summary AS summary
ORDER BY prior.occurred_at DESC
LIMIT $limit
`

func (m *Neo4jMemoryLookup) RelatedInteractions(ctx context.Context, interactionID string, limit int) (string, error) {
	if interactionID == "" {
		return "", nil
	}
	database := m.Database
	if database == "" {
		database = "neo4j"
	}
	session := m.Driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: database, AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		records, err := tx.Run(ctx, relatedInteractionsCypher, map[string]any{
			"interaction_id": interactionID,
			"limit":          limit,
		})
		if err != nil {
			return nil, err
		}
		var summaries []string
		for records.Next(ctx) {
			if v, ok := records.Record().Get("summary"); ok {
				if s, ok := v.(string); ok && s != "" {
					summaries = append(summaries, s)
				}
			}
		}
		return summaries, records.Err()
	})
	if err != nil {
		return "", err
	}
	summaries, _ := result.([]string)
	joined := ""
	for i, s := range summaries {
		if i > 0 {
			joined += "\n"
		}
		joined += s
	}
	return joined, nil
}

// ProfileLookup and DocumentLookup are the other two sub-lookups
// EnrichStage fans out to, alongside MemoryLookup. Concrete backends
// (Postgres-backed profile store, a document index) are left to the
// caller; cmd/stageflow-run wires only the Neo4j-backed MemoryLookup and
// supplies neither of these.
type ProfileLookup interface {
	Profile(ctx context.Context, userID string) (map[string]any, error)
}

type DocumentLookup interface {
	Documents(ctx context.Context, query string, limit int) ([]stageflow.DocumentRef, error)
}

// EnrichStageConfig bounds the fan-out concurrency and the number of
// related interactions/documents pulled per run.
type EnrichStageConfig struct {
	MaxConcurrency  int
	MemoryLimit     int
	DocumentLimit   int
}

// EnrichStage fans out independent sub-lookups using
// golang.org/x/sync/errgroup with g.SetLimit(n), the exact bounded-
// parallel idiom in internal/modules/learning/steps/embed_chunks.go.
// It never mutates the run's ContextSnapshot — enrichment data flows
// downstream only through this stage's own StageOutput.Data, which
// conditional stages read via StageInputs.Get like any other dependency
// output (SPEC_FULL.md §4.11).
type EnrichStage struct {
	Cfg      EnrichStageConfig
	Profile  ProfileLookup
	Memory   MemoryLookup
	Document DocumentLookup
}

func (s *EnrichStage) maxConcurrency() int {
	if s.Cfg.MaxConcurrency > 0 {
		return s.Cfg.MaxConcurrency
	}
	return 3
}

// Run implements stageflow.Runner.
func (s *EnrichStage) Run(ctx *stageflow.StageContext) (stageflow.StageOutput, error) {
	snap := ctx.Snapshot

	var (
		profile   map[string]any
		memory    string
		documents []stageflow.DocumentRef
	)

	g, gctx := errgroup.WithContext(ctx.Context)
	g.SetLimit(s.maxConcurrency())

	if s.Profile != nil && snap.UserID != nil {
		g.Go(func() error {
			p, err := s.Profile.Profile(gctx, snap.UserID.String())
			if err != nil {
				return fmt.Errorf("profile lookup: %w", err)
			}
			profile = p
			return nil
		})
	}

	if s.Memory != nil && snap.InteractionID != nil {
		g.Go(func() error {
			m, err := s.Memory.RelatedInteractions(gctx, snap.InteractionID.String(), s.memoryLimit())
			if err != nil {
				return fmt.Errorf("memory lookup: %w", err)
			}
			memory = m
			return nil
		})
	}

	if s.Document != nil && snap.InputText != "" {
		g.Go(func() error {
			d, err := s.Document.Documents(gctx, snap.InputText, s.documentLimit())
			if err != nil {
				return fmt.Errorf("document lookup: %w", err)
			}
			documents = d
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return stageflow.Fail(fmt.Sprintf("enrich stage: %v", err)), err
	}

	data := map[string]any{}
	if profile != nil {
		data["profile"] = profile
	}
	if memory != "" {
		data["memory_summary"] = memory
	}
	if len(documents) > 0 {
		data["documents"] = documents
	}

	return stageflow.OK(data), nil
}

func (s *EnrichStage) memoryLimit() int {
	if s.Cfg.MemoryLimit > 0 {
		return s.Cfg.MemoryLimit
	}
	return 5
}

func (s *EnrichStage) documentLimit() int {
	if s.Cfg.DocumentLimit > 0 {
		return s.Cfg.DocumentLimit
	}
	return 5
}

func (s *EnrichStage) AsRunner() stageflow.Runner {
	return s.Run
}
