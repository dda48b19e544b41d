package event

import (
	"path/filepath"
	"testing"
)

func TestSQLiteSinkEmitPersistsRow(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "events.db")

	sink, err := NewSQLiteSink(dbPath, nil)
	if err != nil {
		t.Fatalf("NewSQLiteSink: %v", err)
	}

	if err := sink.Emit("pipeline.run.completed", map[string]any{"run_id": "abc-123"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	var count int64
	if err := sink.db.Model(&PipelineEventRecord{}).Count(&count).Error; err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if count != 1 {
		t.Fatalf("unexpected row count: got=%d want=1", count)
	}
}

func TestSQLiteSinkTryEmitSwallowsMarshalError(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "events.db")

	sink, err := NewSQLiteSink(dbPath, &capturingLogger{})
	if err != nil {
		t.Fatalf("NewSQLiteSink: %v", err)
	}

	// A channel value cannot be marshaled to JSON, so TryEmit must log a
	// warning rather than panic.
	sink.TryEmit("pipeline.run.failed", map[string]any{"bad": make(chan int)})
}
