package event

import (
	"context"
	"encoding/json"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/stageflow/stageflow/internal/stageflow"
)

// Neo4jSink writes each event as an (:Event) node linked to its run,
// building a lineage graph queryable for "everything that happened in
// run X" or "every run a given stage failed in". Grounded in
// internal/platform/neo4jdb/client.go's driver construction and
// session-per-call pattern.
type Neo4jSink struct {
	driver   neo4j.DriverWithContext
	database string
	log      Logger
}

// NewNeo4jSink wraps an already-constructed driver (see
// internal/platform/neo4jdb for the NewFromEnv pattern this assumes the
// caller already ran).
func NewNeo4jSink(driver neo4j.DriverWithContext, database string, log Logger) *Neo4jSink {
	if database == "" {
		database = "neo4j"
	}
	return &Neo4jSink{driver: driver, database: database, log: log}
}

const writeEventCypher = `
MERGE (r:PipelineRun {run_id: $run_id})
CREATE (e:Event {type: $type, data: $data, emitted_at: $emitted_at})
CREATE (r)-[:EMITTED]->(e)
`

func (s *Neo4jSink) Emit(eventType string, data map[string]any) error {
	ctx := context.Background()
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.database, AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	runID, _ := data["run_id"].(string)
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}

	_, err = session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return tx.Run(ctx, writeEventCypher, map[string]any{
			"run_id":     runID,
			"type":       eventType,
			"data":       string(payload),
			"emitted_at": time.Now().UTC().Format(time.RFC3339Nano),
		})
	})
	return err
}

func (s *Neo4jSink) TryEmit(eventType string, data map[string]any) {
	if err := s.Emit(eventType, data); err != nil && s.log != nil {
		s.log.Warn("neo4j event write failed", "event_type", eventType, "error", err)
	}
}

var _ stageflow.EventSink = (*Neo4jSink)(nil)
