package ingest

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// IngestActivity is an append-only audit row: one per activity event a
// pipeline stage reports (start, kind, bytes, entity URI, result code,
// description). Modeled on db/postgres.go's RabbitLog, trimmed to the
// fields ActivityLog.RecordActivity needs instead of a message-processing
// log.
type IngestActivity struct {
	gorm.Model
	OutputConnection string
	DocKey           string
	StageQualifier   string // not set by RecordActivity; qualified stage names arrive prefixed onto Kind
	Kind             string
	Bytes            int64
	EntityURI        string
	ResultCode       string
	Description      string
	StartedAt        int64 // ms since epoch
}

func (IngestActivity) TableName() string { return "ingestactivities" }

// ActivityStore persists IngestActivity rows via GORM, the same ORM the
// teacher uses for its append-only log table.
type ActivityStore struct {
	db               *gorm.DB
	outputConnection string
	docKey           string
}

// NewActivityStore opens a GORM connection to dsn and runs AutoMigrate for
// the IngestActivity model, mirroring db/postgres.go's PGMigrations.
func NewActivityStore(dsn string) (*ActivityStore, error) {
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, NewError(KindPermanent, "activity.open", err)
	}
	if err := gdb.AutoMigrate(&IngestActivity{}); err != nil {
		return nil, NewError(KindPermanent, "activity.automigrate", err)
	}
	sqlDB, err := gdb.DB()
	if err == nil {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(100)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}
	return &ActivityStore{db: gdb}, nil
}

// Scoped returns a derived ActivityStore that qualifies every recorded
// activity with output/doc_key, the way a pipeline stage does when it
// forwards activity reporting down the fan-out tree.
func (a *ActivityStore) Scoped(outputConnection, docKey string) *ActivityStore {
	return &ActivityStore{db: a.db, outputConnection: outputConnection, docKey: docKey}
}

// RecordActivity implements ActivityLog.
func (a *ActivityStore) RecordActivity(ctx context.Context, start int64, kind string, bytes int64, entityURI, code, description string) error {
	row := IngestActivity{
		OutputConnection: a.outputConnection,
		DocKey:           a.docKey,
		Kind:             kind,
		Bytes:            bytes,
		EntityURI:        entityURI,
		ResultCode:       code,
		Description:      description,
		StartedAt:        start,
	}
	if err := a.db.WithContext(ctx).Create(&row).Error; err != nil {
		return NewError(KindPermanent, "activity.record", err)
	}
	return nil
}

// QualifiedActivitySink collapses the deep OutputRecordingActivity /
// OutputRemoveActivitiesWrapper / OutputAddActivitiesWrapper inheritance
// chain (§9) into one composed value: a name qualifier plus a delegate.
// Every stage-specific capability is implemented by qualifying the stage
// name and delegating.
type QualifiedActivitySink struct {
	qualifier string
	delegate  ActivityLog
}

// NewQualifiedActivitySink wraps delegate so every RecordActivity call is
// prefixed with qualifier (a connection name), per §6's "stage names must
// be qualified by connection name when stages forward activity".
func NewQualifiedActivitySink(qualifier string, delegate ActivityLog) *QualifiedActivitySink {
	return &QualifiedActivitySink{qualifier: qualifier, delegate: delegate}
}

func (q *QualifiedActivitySink) RecordActivity(ctx context.Context, start int64, kind string, bytes int64, entityURI, code, description string) error {
	return q.delegate.RecordActivity(ctx, start, fmt.Sprintf("%s:%s", q.qualifier, kind), bytes, entityURI, code, description)
}
