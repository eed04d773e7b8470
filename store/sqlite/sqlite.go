/*
Package sqlite provides a SQLite-backed implementation of the event source.

PURPOSE:
  Implements volume.Source (batches, per-batch events, event ranges) and the
  reconciliation run log using SQLite. The engine only reads through the
  Source methods; the write methods exist for ingestion tooling and tests.

INTERFACES IMPLEMENTED:
  volume.BatchSource: Batch listing
  volume.EventStore:  Bulk per-batch event fetch up to a cutoff
  volume.EventTable:  Global event range scans for the waterfall

IMMUTABLE EVENTS:
  - No UPDATE of event volumes, ever
  - Corrections are new events or a soft delete (deleted = 1)
  - Soft-deleted rows never leave this package

KEY TABLES:
  batches:             One row per batch
  volume_events:       Every event variant, flattened (see store/record.go)
  reconciliation_runs: Summary of each run, unique per period (store.RunLog)

INDEXES:
  - idx_events_batch_time: EventsFor (hot path)
  - idx_events_time:       EventsInRange

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. With PostgreSQL the database handles
  this instead (see store/postgres).

WAL MODE:
  SQLite is opened with WAL so readers don't block the single writer.

USAGE:
  store, err := sqlite.New("./data/volume.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  rec, _ := volume.NewReconciler(store, policy, logger)

SEE ALSO:
  - volume/store.go: Interface definitions
  - volume/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/volume-engine/store"
	"github.com/warp/volume-engine/volume"
)

// Store implements volume.Source using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Each connection to ":memory:" is its own database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Batches
	CREATE TABLE IF NOT EXISTS batches (
		id TEXT PRIMARY KEY,
		parent_batch_id TEXT NOT NULL DEFAULT '',
		classification TEXT NOT NULL,
		declared_initial_liters TEXT NOT NULL,
		origin_status TEXT NOT NULL,
		is_derived_by_split BOOLEAN NOT NULL DEFAULT FALSE,
		started_at TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	-- Volume events (immutable; soft delete only)
	CREATE TABLE IF NOT EXISTS volume_events (
		id TEXT PRIMARY KEY,
		batch_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		occurred_at TEXT NOT NULL,
		deleted BOOLEAN NOT NULL DEFAULT FALSE,
		counterpart_batch_id TEXT NOT NULL DEFAULT '',
		external_source BOOLEAN NOT NULL DEFAULT FALSE,
		volume_liters TEXT NOT NULL,
		loss_liters TEXT NOT NULL DEFAULT '',
		units_produced INTEGER NOT NULL DEFAULT 0,
		unit_size_ml INTEGER NOT NULL DEFAULT 0,
		voided BOOLEAN NOT NULL DEFAULT FALSE,
		subtype TEXT NOT NULL DEFAULT '',
		historical_backfill BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL
	);

	-- Hot path: all events of a set of batches up to a cutoff
	CREATE INDEX IF NOT EXISTS idx_events_batch_time
		ON volume_events(batch_id, occurred_at) WHERE deleted = 0;

	-- Waterfall range scans
	CREATE INDEX IF NOT EXISTS idx_events_time
		ON volume_events(occurred_at) WHERE deleted = 0;

	-- Reconciliation runs
	CREATE TABLE IF NOT EXISTS reconciliation_runs (
		id TEXT PRIMARY KEY,
		period_start TEXT NOT NULL,
		period_end TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		ledger_closing TEXT NOT NULL DEFAULT '0',
		waterfall_closing TEXT NOT NULL DEFAULT '0',
		variance TEXT NOT NULL DEFAULT '0',
		dominant_category TEXT NOT NULL DEFAULT '',
		anomalies INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		started_at TEXT,
		completed_at TEXT,
		created_at TEXT NOT NULL,
		UNIQUE(period_start, period_end)
	);

	CREATE INDEX IF NOT EXISTS idx_reconciliation_runs_status
		ON reconciliation_runs(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// BATCHES
// =============================================================================

// SaveBatch inserts or replaces a batch.
func (s *Store) SaveBatch(ctx context.Context, b volume.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	started := ""
	if !b.StartedAt.IsZero() {
		started = store.FormatTime(b.StartedAt)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO batches (id, parent_batch_id, classification, declared_initial_liters,
			origin_status, is_derived_by_split, started_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			parent_batch_id = excluded.parent_batch_id,
			classification = excluded.classification,
			declared_initial_liters = excluded.declared_initial_liters,
			origin_status = excluded.origin_status,
			is_derived_by_split = excluded.is_derived_by_split,
			started_at = excluded.started_at
	`,
		string(b.ID), string(b.ParentBatchID), string(b.Classification),
		b.DeclaredInitialVolume.Liters.String(), string(b.OriginStatus),
		b.IsDerivedBySplit, started, store.FormatTime(time.Now()),
	)
	return err
}

// Batches returns every batch ordered by ID.
func (s *Store) Batches(ctx context.Context) ([]volume.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, parent_batch_id, classification, declared_initial_liters,
			origin_status, is_derived_by_split, started_at
		FROM batches
		ORDER BY id
	`)
	if err != nil {
		return nil, volume.WrapDataAccess("sqlite: query batches", err)
	}
	defer rows.Close()

	var batches []volume.Batch
	for rows.Next() {
		var (
			b                                 volume.Batch
			id, parent, class, liters, status string
			started                           string
		)
		if err := rows.Scan(&id, &parent, &class, &liters, &status, &b.IsDerivedBySplit, &started); err != nil {
			return nil, volume.WrapDataAccess("sqlite: scan batch", err)
		}
		b.ID = volume.BatchID(id)
		b.ParentBatchID = volume.BatchID(parent)
		b.Classification = volume.Classification(class)
		b.OriginStatus = volume.OriginStatus(status)
		if b.DeclaredInitialVolume, err = volume.ParseLiters(liters); err != nil {
			return nil, volume.WrapDataAccess("sqlite: decode batch "+id, err)
		}
		if started != "" {
			if b.StartedAt, err = store.ParseTime(started); err != nil {
				return nil, volume.WrapDataAccess("sqlite: decode batch "+id, err)
			}
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, volume.WrapDataAccess("sqlite: iterate batches", err)
	}
	return batches, nil
}

// =============================================================================
// VOLUME EVENTS
// =============================================================================

// AppendEvents inserts events atomically. Existing IDs are rejected.
func (s *Store) AppendEvents(ctx context.Context, events ...volume.VolumeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO volume_events (id, batch_id, kind, occurred_at, deleted,
			counterpart_batch_id, external_source, volume_liters, loss_liters,
			units_produced, unit_size_ml, voided, subtype, historical_backfill, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := store.FormatTime(time.Now())
	for _, e := range events {
		r, err := store.FromEvent(e)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx,
			r.ID, r.BatchID, r.Kind, store.FormatTime(r.At), r.Deleted,
			r.Counterpart, r.ExternalSource, r.Volume, r.Loss,
			r.UnitsProduced, r.UnitSizeMl, r.Voided, r.Subtype, r.HistoricalBackfill, now,
		); err != nil {
			return fmt.Errorf("insert event %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

// SoftDeleteEvent marks an event deleted. It is the only mutation allowed on
// volume_events.
func (s *Store) SoftDeleteEvent(ctx context.Context, id volume.EventID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE volume_events SET deleted = 1 WHERE id = ?`, string(id))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("soft delete event %s: not found", id)
	}
	return nil
}

const eventColumns = `id, batch_id, kind, occurred_at, deleted, counterpart_batch_id,
	external_source, volume_liters, loss_liters, units_produced, unit_size_ml,
	voided, subtype, historical_backfill`

// EventsFor returns non-deleted events with occurred_at <= cutoff for each
// batch, in chunks of store.ChunkSize IDs per query.
func (s *Store) EventsFor(ctx context.Context, ids []volume.BatchID, cutoff time.Time) (map[volume.BatchID][]volume.VolumeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[volume.BatchID][]volume.VolumeEvent, len(ids))
	for _, id := range ids {
		out[id] = []volume.VolumeEvent{}
	}

	for _, chunk := range store.Chunk(ids, store.ChunkSize) {
		args := make([]any, 0, len(chunk)+1)
		args = append(args, store.FormatTime(cutoff))
		for _, id := range chunk {
			args = append(args, string(id))
		}
		query := `SELECT ` + eventColumns + `
			FROM volume_events
			WHERE deleted = 0 AND occurred_at <= ?
				AND batch_id IN (` + placeholders(len(chunk)) + `)
			ORDER BY batch_id, occurred_at, id`

		events, err := s.queryEvents(ctx, query, args...)
		if err != nil {
			return nil, volume.WrapDataAccess("sqlite: events for batches", err)
		}
		for _, e := range events {
			bid := e.Header().BatchID
			out[bid] = append(out[bid], e)
		}
	}
	return out, nil
}

// EventsInRange returns every non-deleted event whose time is in r.
func (s *Store) EventsInRange(ctx context.Context, r volume.Range) ([]volume.VolumeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var where []string
	var args []any
	where = append(where, "deleted = 0")
	if !r.From.IsZero() {
		op := ">"
		if r.FromInclusive {
			op = ">="
		}
		where = append(where, "occurred_at "+op+" ?")
		args = append(args, store.FormatTime(r.From))
	}
	op := "<"
	if r.ToInclusive {
		op = "<="
	}
	where = append(where, "occurred_at "+op+" ?")
	args = append(args, store.FormatTime(r.To))

	query := `SELECT ` + eventColumns + `
		FROM volume_events
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY occurred_at, id`

	events, err := s.queryEvents(ctx, query, args...)
	if err != nil {
		return nil, volume.WrapDataAccess("sqlite: events in range", err)
	}
	return events, nil
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]volume.VolumeEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []volume.VolumeEvent
	for rows.Next() {
		var r store.EventRecord
		var at string
		if err := rows.Scan(
			&r.ID, &r.BatchID, &r.Kind, &at, &r.Deleted, &r.Counterpart,
			&r.ExternalSource, &r.Volume, &r.Loss, &r.UnitsProduced, &r.UnitSizeMl,
			&r.Voided, &r.Subtype, &r.HistoricalBackfill,
		); err != nil {
			return nil, err
		}
		if r.At, err = store.ParseTime(at); err != nil {
			return nil, err
		}
		e, err := r.ToEvent()
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// =============================================================================
// RECONCILIATION RUNS STORE
// =============================================================================

// SaveReconciliationRun saves a reconciliation run. A second run for the same
// period replaces the first.
func (s *Store) SaveReconciliationRun(ctx context.Context, r store.ReconciliationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO reconciliation_runs (id, period_start, period_end, status,
			ledger_closing, waterfall_closing, variance, dominant_category,
			anomalies, error, started_at, completed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(period_start, period_end) DO UPDATE SET
			id = excluded.id,
			status = excluded.status,
			ledger_closing = excluded.ledger_closing,
			waterfall_closing = excluded.waterfall_closing,
			variance = excluded.variance,
			dominant_category = excluded.dominant_category,
			anomalies = excluded.anomalies,
			error = excluded.error,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
	`

	var startedAt, completedAt *string
	if r.StartedAt != nil {
		s := store.FormatTime(*r.StartedAt)
		startedAt = &s
	}
	if r.CompletedAt != nil {
		s := store.FormatTime(*r.CompletedAt)
		completedAt = &s
	}

	_, err := s.db.ExecContext(ctx, query,
		r.ID, store.FormatTime(r.PeriodStart), store.FormatTime(r.PeriodEnd), r.Status,
		r.LedgerClosing.Liters.String(), r.WaterfallClosing.Liters.String(), r.Variance.Liters.String(),
		r.DominantCategory, r.Anomalies, r.Error,
		startedAt, completedAt, store.FormatTime(r.CreatedAt),
	)
	return err
}

// GetReconciliationRuns returns runs, newest period first. An empty status
// returns all.
func (s *Store) GetReconciliationRuns(ctx context.Context, status string) ([]store.ReconciliationRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, period_start, period_end, status, ledger_closing, waterfall_closing,
			variance, dominant_category, anomalies, error, started_at, completed_at, created_at
		FROM reconciliation_runs`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY period_start DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []store.ReconciliationRun
	for rows.Next() {
		var r store.ReconciliationRun
		var periodStart, periodEnd, ledger, waterfall, variance, createdAt string
		var startedAt, completedAt sql.NullString
		if err := rows.Scan(
			&r.ID, &periodStart, &periodEnd, &r.Status, &ledger, &waterfall,
			&variance, &r.DominantCategory, &r.Anomalies, &r.Error,
			&startedAt, &completedAt, &createdAt,
		); err != nil {
			return nil, err
		}

		r.PeriodStart, _ = store.ParseTime(periodStart)
		r.PeriodEnd, _ = store.ParseTime(periodEnd)
		r.CreatedAt, _ = store.ParseTime(createdAt)
		r.LedgerClosing, _ = volume.ParseLiters(ledger)
		r.WaterfallClosing, _ = volume.ParseLiters(waterfall)
		r.Variance, _ = volume.ParseLiters(variance)
		if startedAt.Valid {
			t, _ := store.ParseTime(startedAt.String)
			r.StartedAt = &t
		}
		if completedAt.Valid {
			t, _ := store.ParseTime(completedAt.String)
			r.CompletedAt = &t
		}

		runs = append(runs, r)
	}

	return runs, rows.Err()
}

// IsReconciliationComplete checks if a period has already been reconciled.
func (s *Store) IsReconciliationComplete(ctx context.Context, p volume.Period) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM reconciliation_runs
		WHERE period_start = ? AND period_end = ? AND status = 'completed'
	`, store.FormatTime(p.Start), store.FormatTime(p.End)).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
