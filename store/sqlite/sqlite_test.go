package sqlite_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/volume-engine/store"
	"github.com/warp/volume-engine/store/sqlite"
	"github.com/warp/volume-engine/volume"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func day(m time.Month, d int) time.Time {
	return time.Date(2026, m, d, 0, 0, 0, 0, time.UTC)
}

func hdr(id, batch string, at time.Time) volume.EventHeader {
	return volume.EventHeader{ID: volume.EventID(id), BatchID: volume.BatchID(batch), At: at}
}

func seed(t *testing.T, s *sqlite.Store) {
	ctx := context.Background()
	require.NoError(t, s.SaveBatch(ctx, volume.Batch{
		ID: "A", Classification: volume.ClassBaseFerment, OriginStatus: volume.OriginVerified,
		DeclaredInitialVolume: volume.MustParseLiters("1000"), StartedAt: day(time.February, 10),
	}))
	require.NoError(t, s.SaveBatch(ctx, volume.Batch{
		ID: "B", ParentBatchID: "A", Classification: volume.ClassBaseFerment, OriginStatus: volume.OriginVerified,
		DeclaredInitialVolume: volume.MustParseLiters("0"), StartedAt: day(time.February, 20),
	}))
	require.NoError(t, s.AppendEvents(ctx,
		volume.TransferOut{EventHeader: hdr("t1-out", "A", day(time.February, 20)), ToBatch: "B",
			Moved: volume.MustParseLiters("400"), Lost: volume.MustParseLiters("10")},
		volume.TransferIn{EventHeader: hdr("t1-in", "B", day(time.February, 20)), FromBatch: "A",
			Moved: volume.MustParseLiters("400")},
		volume.PackagingRun{EventHeader: hdr("p1", "B", day(time.March, 5)),
			Taken: volume.MustParseLiters("100"), DeclaredLoss: volume.Zero(), UnitsProduced: 100, UnitSizeMl: 1000},
		volume.ProcessLoss{EventHeader: hdr("l1", "A", day(time.March, 10)),
			LossKind: volume.LossFiltering, Lost: volume.MustParseLiters("5")},
	))
}

// =============================================================================
// BATCH AND EVENT TESTS
// =============================================================================

func TestBatches_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)

	batches, err := s.Batches(context.Background())
	require.NoError(t, err)
	require.Len(t, batches, 2)

	b := batches[1]
	assert.Equal(t, volume.BatchID("B"), b.ID)
	assert.Equal(t, volume.BatchID("A"), b.ParentBatchID)
	assert.True(t, b.StartedAt.Equal(day(time.February, 20)))
	assert.True(t, batches[0].DeclaredInitialVolume.Equal(volume.MustParseLiters("1000")))
}

func TestSaveBatch_Upserts(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)
	ctx := context.Background()

	require.NoError(t, s.SaveBatch(ctx, volume.Batch{
		ID: "A", Classification: volume.ClassBaseFerment, OriginStatus: volume.OriginDuplicate,
		DeclaredInitialVolume: volume.MustParseLiters("1000"),
	}))

	batches, err := s.Batches(ctx)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, volume.OriginDuplicate, batches[0].OriginStatus)
	assert.True(t, batches[0].StartedAt.IsZero())
}

func TestEventsFor_CutoffAndSoftDelete(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)
	ctx := context.Background()

	require.NoError(t, s.SoftDeleteEvent(ctx, "p1"))

	events, err := s.EventsFor(ctx, []volume.BatchID{"A", "B", "missing"}, day(time.March, 10))
	require.NoError(t, err)

	require.Len(t, events["A"], 2, "loss exactly at the cutoff is included")
	require.Len(t, events["B"], 1)
	assert.Empty(t, events["missing"])

	out, ok := events["A"][0].(volume.TransferOut)
	require.True(t, ok)
	assert.Equal(t, volume.BatchID("B"), out.ToBatch)
	assert.True(t, out.Lost.Equal(volume.MustParseLiters("10")))

	events, err = s.EventsFor(ctx, []volume.BatchID{"A"}, day(time.March, 9))
	require.NoError(t, err)
	assert.Len(t, events["A"], 1)
}

func TestEventsFor_ChunksLargeBatchLists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ids := make([]volume.BatchID, 0, store.ChunkSize+20)
	for i := 0; i < store.ChunkSize+20; i++ {
		id := fmt.Sprintf("X%04d", i)
		ids = append(ids, volume.BatchID(id))
		require.NoError(t, s.AppendEvents(ctx, volume.VolumeAdjustment{
			EventHeader: hdr("j"+id, id, day(time.March, 1)),
			Amount:      volume.MustParseLiters("1"),
			Reason:      volume.ReasonCorrection,
		}))
	}

	events, err := s.EventsFor(ctx, ids, day(time.March, 31))
	require.NoError(t, err)
	assert.Len(t, events, len(ids))
	assert.Len(t, events["X0519"], 1)
}

func TestEventsInRange_Boundaries(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)
	ctx := context.Background()
	march := volume.MonthPeriod(2026, time.March)

	opening, err := s.EventsInRange(ctx, march.OpeningRange())
	require.NoError(t, err)
	assert.Len(t, opening, 2)

	inPeriod, err := s.EventsInRange(ctx, march.Range())
	require.NoError(t, err)
	require.Len(t, inPeriod, 2)
	assert.Equal(t, volume.EventID("p1"), inPeriod[0].Header().ID)

	exclusive, err := s.EventsInRange(ctx, volume.Range{From: day(time.March, 5), To: day(time.March, 10)})
	require.NoError(t, err)
	assert.Empty(t, exclusive)
}

func TestAppendEvents_RejectsDuplicateID(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)

	err := s.AppendEvents(context.Background(), volume.ProcessLoss{
		EventHeader: hdr("l1", "A", day(time.March, 11)), LossKind: volume.LossFiltering, Lost: volume.MustParseLiters("1"),
	})
	assert.Error(t, err)
}

func TestSoftDeleteEvent_NotFound(t *testing.T) {
	s := newTestStore(t)
	assert.Error(t, s.SoftDeleteEvent(context.Background(), "nope"))
}

// =============================================================================
// ENGINE OVER SQLITE
// =============================================================================

func TestReconcile_OverSQLite(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)

	r, err := volume.NewReconciler(s, volume.DefaultPolicy(), nil)
	require.NoError(t, err)
	rec, err := r.Reconcile(context.Background(), volume.MonthPeriod(2026, time.March))
	require.NoError(t, err)

	assert.True(t, rec.Variance.LedgerTotal.Equal(volume.MustParseLiters("885")), rec.Variance.LedgerTotal.String())
	assert.True(t, rec.Variance.Total.IsZero(), rec.Variance.Total.String())
}

// =============================================================================
// RUN LOG TESTS
// =============================================================================

func TestRunLog_UniquePerPeriod(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	march := volume.MonthPeriod(2026, time.March)
	now := day(time.April, 1)

	running := store.ReconciliationRun{
		ID: "run-1", PeriodStart: march.Start, PeriodEnd: march.End,
		Status: store.RunRunning, StartedAt: &now, CreatedAt: now,
	}
	require.NoError(t, s.SaveReconciliationRun(ctx, running))

	done, err := s.IsReconciliationComplete(ctx, march)
	require.NoError(t, err)
	assert.False(t, done)

	completed := running
	completed.ID = "run-2"
	completed.Status = store.RunCompleted
	completed.Variance = volume.MustParseLiters("-12.5")
	completed.DominantCategory = string(volume.CategoryPackaging)
	completed.CompletedAt = &now
	require.NoError(t, s.SaveReconciliationRun(ctx, completed))

	done, err = s.IsReconciliationComplete(ctx, march)
	require.NoError(t, err)
	assert.True(t, done)

	runs, err := s.GetReconciliationRuns(ctx, "")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-2", runs[0].ID)
	assert.True(t, runs[0].Variance.Equal(volume.MustParseLiters("-12.5")))
	assert.True(t, runs[0].PeriodEnd.Equal(march.End))
	require.NotNil(t, runs[0].CompletedAt)
}

func TestRunLog_FilterAndOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := day(time.May, 1)

	for _, m := range []time.Month{time.February, time.March} {
		p := volume.MonthPeriod(2026, m)
		require.NoError(t, s.SaveReconciliationRun(ctx, store.ReconciliationRun{
			ID: m.String(), PeriodStart: p.Start, PeriodEnd: p.End, Status: store.RunCompleted, CreatedAt: now,
		}))
	}
	p := volume.MonthPeriod(2026, time.April)
	require.NoError(t, s.SaveReconciliationRun(ctx, store.ReconciliationRun{
		ID: "april", PeriodStart: p.Start, PeriodEnd: p.End, Status: store.RunFailed, Error: "boom", CreatedAt: now,
	}))

	all, err := s.GetReconciliationRuns(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "april", all[0].ID)
	assert.Equal(t, "February", all[2].ID)

	failed, err := s.GetReconciliationRuns(ctx, store.RunFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "boom", failed[0].Error)
}
