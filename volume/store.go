/*
store.go - Read-only access to batches and volume events

PURPOSE:
  Defines the boundary between the engine and whatever records the
  producer's operations. The engine only reads; nothing here writes.

KEY INTERFACES:
  BatchSource: Every known batch (the arena counterparts resolve against)
  EventStore:  Per-batch events up to a cutoff, bulk-fetched and grouped
  EventTable:  Global events in a timestamp range, for the waterfall
  Source:      All three, what a reconciliation run needs

CONTRACT:
  - Soft-deleted events are never returned
  - A batch ID with no events maps to an empty list, not an error
  - Any storage failure is returned wrapped in DataAccessError and aborts
    the run; there is no best-effort mode

IMPLEMENTATIONS:
  - volume/store/memory.go: In-memory for tests and fixtures
  - store/sqlite/sqlite.go: SQLite
  - store/postgres/postgres.go: PostgreSQL via gorm

SEE ALSO:
  - aggregate.go: Calls EventsFor once per run
  - waterfall.go: Calls EventsInRange
*/
package volume

import (
	"context"
	"sort"
	"time"
)

// BatchSource lists batches.
type BatchSource interface {
	// Batches returns every batch, regardless of status.
	Batches(ctx context.Context) ([]Batch, error)
}

// EventStore returns per-batch event history.
type EventStore interface {
	// EventsFor returns the non-deleted events with At <= cutoff for each
	// requested batch, grouped by owning batch and ordered by time.
	EventsFor(ctx context.Context, ids []BatchID, cutoff time.Time) (map[BatchID][]VolumeEvent, error)
}

// EventTable returns events across all batches.
type EventTable interface {
	// EventsInRange returns every non-deleted event whose At is in r.
	EventsInRange(ctx context.Context, r Range) ([]VolumeEvent, error)
}

// Source is everything a reconciliation run reads.
type Source interface {
	BatchSource
	EventStore
	EventTable
}

// SortEvents orders events by time, then ID.
func SortEvents(events []VolumeEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i].Header(), events[j].Header()
		if !a.At.Equal(b.At) {
			return a.At.Before(b.At)
		}
		return a.ID < b.ID
	})
}

func sortBatches(batches []Batch) {
	sort.Slice(batches, func(i, j int) bool { return batches[i].ID < batches[j].ID })
}

func batchIDs(batches []Batch) []BatchID {
	ids := make([]BatchID, len(batches))
	for i, b := range batches {
		ids[i] = b.ID
	}
	return ids
}
