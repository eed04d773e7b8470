/*
Package postgres provides a PostgreSQL event source built on gorm.

PURPOSE:
  Same contract as store/sqlite, for deployments where the operational
  records already live in PostgreSQL. Variant fields are kept in a JSONB
  payload so adding an event field needs no migration.

SOFT DELETE:
  volume_events.deleted_at is gorm.DeletedAt, so every query gorm builds
  skips soft-deleted rows without an explicit filter.

KEY TABLES:
  batches, volume_events, reconciliation_runs (AutoMigrate on New)

SEE ALSO:
  - store/record.go: Row codec shared with SQLite
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/volume-engine/store"
	"github.com/warp/volume-engine/volume"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// =============================================================================
// MODELS
// =============================================================================

type batchModel struct {
	ID                    string          `gorm:"primaryKey"`
	ParentBatchID         string          `gorm:"index"`
	Classification        string          `gorm:"not null"`
	DeclaredInitialLiters decimal.Decimal `gorm:"type:numeric(18,6);not null"`
	OriginStatus          string          `gorm:"index;not null"`
	IsDerivedBySplit      bool
	StartedAt             *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

func (batchModel) TableName() string { return "batches" }

type eventModel struct {
	ID         string         `gorm:"primaryKey"`
	BatchID    string         `gorm:"index:idx_volume_events_batch_time,priority:1;not null"`
	Kind       string         `gorm:"not null"`
	OccurredAt time.Time      `gorm:"index:idx_volume_events_batch_time,priority:2;index;not null"`
	Payload    datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt  time.Time
	DeletedAt  gorm.DeletedAt `gorm:"index"`
}

func (eventModel) TableName() string { return "volume_events" }

// BeforeCreate assigns an ID to events recorded without one.
func (m *eventModel) BeforeCreate(_ *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}

type runModel struct {
	ID               uuid.UUID       `gorm:"type:uuid;primaryKey"`
	PeriodStart      time.Time       `gorm:"uniqueIndex:idx_reconciliation_runs_period,priority:1"`
	PeriodEnd        time.Time       `gorm:"uniqueIndex:idx_reconciliation_runs_period,priority:2"`
	Status           string          `gorm:"index"`
	LedgerClosing    decimal.Decimal `gorm:"type:numeric(18,6)"`
	WaterfallClosing decimal.Decimal `gorm:"type:numeric(18,6)"`
	Variance         decimal.Decimal `gorm:"type:numeric(18,6)"`
	DominantCategory string
	Anomalies        int
	Error            string
	StartedAt        *time.Time
	CompletedAt      *time.Time
	CreatedAt        time.Time
}

func (runModel) TableName() string { return "reconciliation_runs" }

// =============================================================================
// STORE
// =============================================================================

// Store implements volume.Source and store.RunLog on PostgreSQL.
type Store struct {
	db *gorm.DB
}

// New connects to dsn and migrates the schema.
func New(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return NewWithDB(db)
}

// NewWithDB wraps an existing connection and migrates the schema.
func NewWithDB(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&batchModel{}, &eventModel{}, &runModel{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveBatch inserts or replaces a batch.
func (s *Store) SaveBatch(ctx context.Context, b volume.Batch) error {
	m := batchModel{
		ID:                    string(b.ID),
		ParentBatchID:         string(b.ParentBatchID),
		Classification:        string(b.Classification),
		DeclaredInitialLiters: b.DeclaredInitialVolume.Liters,
		OriginStatus:          string(b.OriginStatus),
		IsDerivedBySplit:      b.IsDerivedBySplit,
	}
	if !b.StartedAt.IsZero() {
		t := pgTime(b.StartedAt)
		m.StartedAt = &t
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&m).Error
}

func (s *Store) Batches(ctx context.Context) ([]volume.Batch, error) {
	var models []batchModel
	if err := s.db.WithContext(ctx).Order("id").Find(&models).Error; err != nil {
		return nil, volume.WrapDataAccess("postgres: query batches", err)
	}
	out := make([]volume.Batch, 0, len(models))
	for _, m := range models {
		b := volume.Batch{
			ID:                    volume.BatchID(m.ID),
			ParentBatchID:         volume.BatchID(m.ParentBatchID),
			Classification:        volume.Classification(m.Classification),
			DeclaredInitialVolume: volume.Volume{Liters: m.DeclaredInitialLiters},
			OriginStatus:          volume.OriginStatus(m.OriginStatus),
			IsDerivedBySplit:      m.IsDerivedBySplit,
		}
		if m.StartedAt != nil {
			b.StartedAt = m.StartedAt.UTC()
		}
		out = append(out, b)
	}
	return out, nil
}

// AppendEvents inserts events in one transaction.
func (s *Store) AppendEvents(ctx context.Context, events ...volume.VolumeEvent) error {
	models := make([]eventModel, 0, len(events))
	for _, e := range events {
		rec, err := store.FromEvent(e)
		if err != nil {
			return err
		}
		payload, err := json.Marshal(rec.EventPayload)
		if err != nil {
			return fmt.Errorf("encode event %s: %w", rec.ID, err)
		}
		m := eventModel{
			ID:         rec.ID,
			BatchID:    rec.BatchID,
			Kind:       rec.Kind,
			OccurredAt: pgTime(rec.At),
			Payload:    datatypes.JSON(payload),
		}
		if rec.Deleted {
			m.DeletedAt = gorm.DeletedAt{Time: time.Now().UTC(), Valid: true}
		}
		models = append(models, m)
	}
	if len(models) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(models, store.ChunkSize).Error
	})
}

// SoftDeleteEvent sets deleted_at on an event.
func (s *Store) SoftDeleteEvent(ctx context.Context, id volume.EventID) error {
	res := s.db.WithContext(ctx).Delete(&eventModel{}, "id = ?", string(id))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("soft delete event %s: not found", id)
	}
	return nil
}

func (s *Store) EventsFor(ctx context.Context, ids []volume.BatchID, cutoff time.Time) (map[volume.BatchID][]volume.VolumeEvent, error) {
	out := make(map[volume.BatchID][]volume.VolumeEvent, len(ids))
	for _, id := range ids {
		out[id] = []volume.VolumeEvent{}
	}
	for _, chunk := range store.Chunk(ids, store.ChunkSize) {
		keys := make([]string, len(chunk))
		for i, id := range chunk {
			keys[i] = string(id)
		}
		var models []eventModel
		err := s.db.WithContext(ctx).
			Where("batch_id IN ? AND occurred_at <= ?", keys, pgTime(cutoff)).
			Order("batch_id, occurred_at, id").
			Find(&models).Error
		if err != nil {
			return nil, volume.WrapDataAccess("postgres: events for batches", err)
		}
		for _, m := range models {
			e, err := m.toEvent()
			if err != nil {
				return nil, volume.WrapDataAccess("postgres: decode event", err)
			}
			out[e.Header().BatchID] = append(out[e.Header().BatchID], e)
		}
	}
	return out, nil
}

func (s *Store) EventsInRange(ctx context.Context, r volume.Range) ([]volume.VolumeEvent, error) {
	q := s.db.WithContext(ctx)
	if !r.From.IsZero() {
		if r.FromInclusive {
			q = q.Where("occurred_at >= ?", pgTime(r.From))
		} else {
			q = q.Where("occurred_at > ?", pgTime(r.From))
		}
	}
	if r.ToInclusive {
		q = q.Where("occurred_at <= ?", pgTime(r.To))
	} else {
		q = q.Where("occurred_at < ?", pgTime(r.To))
	}

	var models []eventModel
	if err := q.Order("occurred_at, id").Find(&models).Error; err != nil {
		return nil, volume.WrapDataAccess("postgres: events in range", err)
	}
	out := make([]volume.VolumeEvent, 0, len(models))
	for _, m := range models {
		e, err := m.toEvent()
		if err != nil {
			return nil, volume.WrapDataAccess("postgres: decode event", err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (m eventModel) toEvent() (volume.VolumeEvent, error) {
	rec := store.EventRecord{
		ID:      m.ID,
		BatchID: m.BatchID,
		Kind:    m.Kind,
		At:      m.OccurredAt.UTC(),
		Deleted: m.DeletedAt.Valid,
	}
	if err := json.Unmarshal(m.Payload, &rec.EventPayload); err != nil {
		return nil, fmt.Errorf("decode payload of event %s: %w", m.ID, err)
	}
	return rec.ToEvent()
}

// =============================================================================
// RUN LOG
// =============================================================================

func (s *Store) SaveReconciliationRun(ctx context.Context, r store.ReconciliationRun) error {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return fmt.Errorf("reconciliation run id %q: %w", r.ID, err)
	}
	m := runModel{
		ID:               id,
		PeriodStart:      pgTime(r.PeriodStart),
		PeriodEnd:        pgTime(r.PeriodEnd),
		Status:           r.Status,
		LedgerClosing:    r.LedgerClosing.Liters,
		WaterfallClosing: r.WaterfallClosing.Liters,
		Variance:         r.Variance.Liters,
		DominantCategory: r.DominantCategory,
		Anomalies:        r.Anomalies,
		Error:            r.Error,
		StartedAt:        r.StartedAt,
		CompletedAt:      r.CompletedAt,
		CreatedAt:        r.CreatedAt,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "period_start"}, {Name: "period_end"}},
		UpdateAll: true,
	}).Create(&m).Error
}

func (s *Store) GetReconciliationRuns(ctx context.Context, status string) ([]store.ReconciliationRun, error) {
	q := s.db.WithContext(ctx).Order("period_start DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var models []runModel
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	runs := make([]store.ReconciliationRun, 0, len(models))
	for _, m := range models {
		runs = append(runs, store.ReconciliationRun{
			ID:               m.ID.String(),
			PeriodStart:      m.PeriodStart.UTC(),
			PeriodEnd:        m.PeriodEnd.UTC(),
			Status:           m.Status,
			LedgerClosing:    volume.Volume{Liters: m.LedgerClosing},
			WaterfallClosing: volume.Volume{Liters: m.WaterfallClosing},
			Variance:         volume.Volume{Liters: m.Variance},
			DominantCategory: m.DominantCategory,
			Anomalies:        m.Anomalies,
			Error:            m.Error,
			StartedAt:        m.StartedAt,
			CompletedAt:      m.CompletedAt,
			CreatedAt:        m.CreatedAt,
		})
	}
	return runs, nil
}

func (s *Store) IsReconciliationComplete(ctx context.Context, p volume.Period) (bool, error) {
	var m runModel
	err := s.db.WithContext(ctx).
		Where("period_start = ? AND period_end = ? AND status = ?", pgTime(p.Start), pgTime(p.End), store.RunCompleted).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// pgTime drops what timestamptz cannot hold. Postgres rounds to the
// microsecond, which would push a closing cutoff of 23:59:59.999999999 into
// the next day.
func pgTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
