package event

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/stageflow/stageflow/internal/stageflow"
)

// SQLiteSink is PostgresSink's local/dev-mode twin: same
// PipelineEventRecord shape, same fire-and-forget TryEmit contract,
// backed by a single file so a run can be replayed offline without a
// running Postgres instance. Grounded in the same gorm.io/datatypes.JSON
// pattern as PostgresSink; the only difference is the driver.
type SQLiteSink struct {
	db  *gorm.DB
	log Logger
}

// NewSQLiteSink opens (creating if absent) the sqlite file at path,
// migrates the events table, and returns a ready sink.
func NewSQLiteSink(path string, log Logger) (*SQLiteSink, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&PipelineEventRecord{}); err != nil {
		return nil, err
	}
	return &SQLiteSink{db: db, log: log}, nil
}

func (s *SQLiteSink) Emit(eventType string, data map[string]any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	rec := PipelineEventRecord{
		EventType: eventType,
		Data:      datatypes.JSON(payload),
		EmittedAt: time.Now().UTC(),
	}
	return s.db.WithContext(context.Background()).Create(&rec).Error
}

func (s *SQLiteSink) TryEmit(eventType string, data map[string]any) {
	if err := s.Emit(eventType, data); err != nil && s.log != nil {
		s.log.Warn("sqlite event write failed", "event_type", eventType, "error", err)
	}
}

var _ stageflow.EventSink = (*SQLiteSink)(nil)
