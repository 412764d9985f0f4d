// Package audit records rotation tick outcomes to ClickHouse for
// operational history. This is an observability trail of control-plane
// events, not a persistence layer for SandboxState itself.
package audit

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/clickhouse"
	"gorm.io/gorm"
)

// Writer records tick outcomes. Implementations must be safe to call from
// the rotation controller's hot path without blocking it materially.
type Writer interface {
	RecordTick(ctx context.Context, rec TickAuditEntry)
	Close() error
}

// TickAuditEntry mirrors rotation.TickRecord without importing pkg/rotation,
// so pkg/audit has no dependency on the controller package.
type TickAuditEntry struct {
	TickID      string    `gorm:"column:tick_id"`
	StartedAt   time.Time `gorm:"column:started_at"`
	DurationMs  int64     `gorm:"column:duration_ms"`
	Reason      string    `gorm:"column:reason"`
	Provisioned string    `gorm:"column:provisioned_id"`
	Promoted    bool      `gorm:"column:promoted"`
	DrainedIDs  string    `gorm:"column:drained_ids"` // comma-joined; ClickHouse Array(String) is overkill for this volume
	Error       string    `gorm:"column:error"`
}

// TableName pins the gorm model to a fixed table name.
func (TickAuditEntry) TableName() string { return "watchdog_tick_audit" }

const createTableDDL = `
CREATE TABLE IF NOT EXISTS watchdog_tick_audit (
	tick_id String,
	started_at DateTime64(3),
	duration_ms Int64,
	reason String,
	provisioned_id String,
	promoted UInt8,
	drained_ids String,
	error String
) ENGINE = MergeTree()
ORDER BY (started_at, tick_id)
`

// ClickHouseWriter batches tick records and flushes them to ClickHouse on a
// fixed interval, following the batching-writer-with-background-flush-loop
// shape used for other ClickHouse-backed audit trails in this codebase's
// lineage.
type ClickHouseWriter struct {
	db            *gorm.DB
	log           *zap.Logger
	batchSize     int
	flushInterval time.Duration

	entries chan TickAuditEntry
	done    chan struct{}
}

// NewClickHouseWriter opens a ClickHouse connection via gorm, issues the
// audit table DDL, and starts a background flush loop.
func NewClickHouseWriter(dsn string, batchSize int, flushInterval time.Duration, log *zap.Logger) (*ClickHouseWriter, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	if flushInterval <= 0 {
		flushInterval = 10 * time.Second
	}

	db, err := gorm.Open(clickhouse.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.Exec(createTableDDL).Error; err != nil {
		return nil, err
	}

	w := &ClickHouseWriter{
		db: db, log: log, batchSize: batchSize, flushInterval: flushInterval,
		entries: make(chan TickAuditEntry, batchSize*4),
		done:    make(chan struct{}),
	}
	go w.flushLoop()
	return w, nil
}

// RecordTick enqueues rec for the next flush. It never blocks the caller
// for longer than it takes to push onto a buffered channel; when the buffer
// is full, rec itself is dropped rather than stalling a tick.
func (w *ClickHouseWriter) RecordTick(ctx context.Context, rec TickAuditEntry) {
	select {
	case w.entries <- rec:
	default:
		w.log.Warn("audit buffer full, dropping tick record", zap.String("tick_id", rec.TickID))
	}
}

func (w *ClickHouseWriter) flushLoop() {
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	batch := make([]TickAuditEntry, 0, w.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := w.db.Create(&batch).Error; err != nil {
			w.log.Warn("failed to flush tick audit batch", zap.Error(err), zap.Int("batch_size", len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-w.done:
			flush()
			return
		case <-ticker.C:
			flush()
		case e := <-w.entries:
			batch = append(batch, e)
			if len(batch) >= w.batchSize {
				flush()
			}
		}
	}
}

// Close stops the flush loop after a final flush.
func (w *ClickHouseWriter) Close() error {
	close(w.done)
	sqlDB, err := w.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
