// Package store provides in-process Source implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/volume-engine/volume"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory holds batches and their events. Events are kept sorted by time per
// owning batch. Writes exist for fixtures only; the engine never calls them.
type Memory struct {
	mu      sync.RWMutex
	batches map[volume.BatchID]volume.Batch
	events  map[volume.BatchID][]volume.VolumeEvent

	// failWith makes every read fail, to exercise fatal paths.
	failWith error
}

func NewMemory() *Memory {
	return &Memory{
		batches: make(map[volume.BatchID]volume.Batch),
		events:  make(map[volume.BatchID][]volume.VolumeEvent),
	}
}

// AddBatch registers or replaces a batch.
func (m *Memory) AddBatch(b volume.Batch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches[b.ID] = b
}

// Record appends events to their owning batches.
func (m *Memory) Record(events ...volume.VolumeEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range events {
		m.insertLocked(e)
	}
}

func (m *Memory) insertLocked(e volume.VolumeEvent) {
	h := e.Header()
	evs := m.events[h.BatchID]

	i := sort.Search(len(evs), func(i int) bool {
		return evs[i].Header().At.After(h.At)
	})
	evs = append(evs, nil)
	copy(evs[i+1:], evs[i:])
	evs[i] = e
	m.events[h.BatchID] = evs
}

// SoftDelete marks an event deleted. It reports whether the event was found.
func (m *Memory) SoftDelete(id volume.EventID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for batchID, evs := range m.events {
		for i, e := range evs {
			if e.Header().ID != id {
				continue
			}
			evs[i] = withDeleted(e)
			m.events[batchID] = evs
			return true
		}
	}
	return false
}

// FailWith makes subsequent reads return err wrapped as a data access
// failure. nil restores normal operation.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

func (m *Memory) Batches(_ context.Context) ([]volume.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failWith != nil {
		return nil, volume.WrapDataAccess("memory: list batches", m.failWith)
	}

	out := make([]volume.Batch, 0, len(m.batches))
	for _, b := range m.batches {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) EventsFor(_ context.Context, ids []volume.BatchID, cutoff time.Time) (map[volume.BatchID][]volume.VolumeEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failWith != nil {
		return nil, volume.WrapDataAccess("memory: events for batches", m.failWith)
	}

	out := make(map[volume.BatchID][]volume.VolumeEvent, len(ids))
	for _, id := range ids {
		result := []volume.VolumeEvent{}
		for _, e := range m.events[id] {
			h := e.Header()
			if h.Deleted || h.At.After(cutoff) {
				continue
			}
			result = append(result, e)
		}
		out[id] = result
	}
	return out, nil
}

func (m *Memory) EventsInRange(_ context.Context, r volume.Range) ([]volume.VolumeEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failWith != nil {
		return nil, volume.WrapDataAccess("memory: events in range", m.failWith)
	}

	var out []volume.VolumeEvent
	for _, evs := range m.events {
		for _, e := range evs {
			h := e.Header()
			if !h.Deleted && r.Contains(h.At) {
				out = append(out, e)
			}
		}
	}
	volume.SortEvents(out)
	return out, nil
}

// withDeleted returns a copy of e with its Deleted flag set.
func withDeleted(e volume.VolumeEvent) volume.VolumeEvent {
	switch ev := e.(type) {
	case volume.TransferOut:
		ev.Deleted = true
		return ev
	case volume.TransferIn:
		ev.Deleted = true
		return ev
	case volume.MergeIn:
		ev.Deleted = true
		return ev
	case volume.MergeOut:
		ev.Deleted = true
		return ev
	case volume.PackagingRun:
		ev.Deleted = true
		return ev
	case volume.KegFill:
		ev.Deleted = true
		return ev
	case volume.DistillationShipment:
		ev.Deleted = true
		return ev
	case volume.ProcessLoss:
		ev.Deleted = true
		return ev
	case volume.VolumeAdjustment:
		ev.Deleted = true
		return ev
	}
	return e
}
