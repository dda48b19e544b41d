package event

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/stageflow/stageflow/internal/stageflow"
)

// PipelineEventRecord is the persisted row for one emitted event,
// grounded in the teacher's gorm.io/datatypes.JSON usage for
// semi-structured payload columns (internal/modules/chat/steps's
// repeated datatypes.JSON fields).
type PipelineEventRecord struct {
	ID        uint64         `gorm:"primaryKey;autoIncrement"`
	EventType string         `gorm:"index;size:128;not null"`
	Data      datatypes.JSON `gorm:"type:jsonb"`
	EmittedAt time.Time      `gorm:"index;not null"`
}

func (PipelineEventRecord) TableName() string { return "stageflow_events" }

// PostgresSink persists every event as a row, fire-and-forget via
// TryEmit. Construction runs AutoMigrate once so the table exists
// without a separate migration step (acceptable for this demo harness;
// a production deployment would use an explicit migration tool).
type PostgresSink struct {
	db  *gorm.DB
	log Logger
}

// Logger is the minimal logging surface PostgresSink needs for
// publish-failure diagnostics; stageflowlog.Logger satisfies it.
type Logger interface {
	Warn(msg string, kv ...any)
}

// NewPostgresSink opens dsn, migrates the events table, and returns a
// ready sink.
func NewPostgresSink(dsn string, log Logger) (*PostgresSink, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&PipelineEventRecord{}); err != nil {
		return nil, err
	}
	return &PostgresSink{db: db, log: log}, nil
}

func (s *PostgresSink) Emit(eventType string, data map[string]any) error {
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

func (s *PostgresSink) TryEmit(eventType string, data map[string]any) {
	if err := s.Emit(eventType, data); err != nil && s.log != nil {
		s.log.Warn("postgres event write failed", "event_type", eventType, "error", err)
	}
}

var _ stageflow.EventSink = (*PostgresSink)(nil)
