package volume_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/warp/volume-engine/volume"
	"github.com/warp/volume-engine/volume/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

var (
	feb10 = day(2026, time.February, 10)
	feb20 = day(2026, time.February, 20)
	mar05 = day(2026, time.March, 5)
	mar10 = day(2026, time.March, 10)
	mar20 = day(2026, time.March, 20)
	apr02 = day(2026, time.April, 2)

	march = volume.MonthPeriod(2026, time.March)
)

func liters(s string) volume.Volume { return volume.MustParseLiters(s) }

// assertLiters compares decimal values, ignoring scale.
func assertLiters(t *testing.T, want string, got volume.Volume, msg ...any) {
	t.Helper()
	w := decimal.RequireFromString(want)
	if !got.Liters.Equal(w) {
		assert.Fail(t, "volume mismatch", "want %s L, got %s L %v", w, got.Liters, msg)
	}
}

func hdr(id, batch string, at time.Time) volume.EventHeader {
	return volume.EventHeader{ID: volume.EventID(id), BatchID: volume.BatchID(batch), At: at}
}

func wine(id, declared string, started time.Time) volume.Batch {
	return volume.Batch{
		ID:                    volume.BatchID(id),
		Classification:        volume.ClassBaseFerment,
		DeclaredInitialVolume: liters(declared),
		OriginStatus:          volume.OriginVerified,
		StartedAt:             started,
	}
}

func child(id, parent, declared string, started time.Time) volume.Batch {
	b := wine(id, declared, started)
	b.ParentBatchID = volume.BatchID(parent)
	return b
}

func transfer(id, from, to string, at time.Time, moved, lost string) (volume.TransferOut, volume.TransferIn) {
	out := volume.TransferOut{EventHeader: hdr(id+"-out", from, at), ToBatch: volume.BatchID(to), Moved: liters(moved), Lost: liters(lost)}
	in := volume.TransferIn{EventHeader: hdr(id+"-in", to, at), FromBatch: volume.BatchID(from), Moved: liters(moved)}
	return out, in
}

func bottling(id, batch string, at time.Time, taken string, units, sizeMl int64, loss string) volume.PackagingRun {
	return volume.PackagingRun{
		EventHeader:   hdr(id, batch, at),
		Taken:         liters(taken),
		DeclaredLoss:  liters(loss),
		UnitsProduced: units,
		UnitSizeMl:    sizeMl,
	}
}

func filterLoss(id, batch string, at time.Time, lost string) volume.ProcessLoss {
	return volume.ProcessLoss{EventHeader: hdr(id, batch, at), LossKind: volume.LossFiltering, Lost: liters(lost)}
}

// cellar is a small clean history:
//
//	Feb 10  A started with 1000 L
//	Feb 20  A -> B 400 L (10 L lost); B is A's child declared at 0 L
//	Mar 05  B bottles 100 L (100 x 1 L, no loss)
//	Mar 10  A loses 5 L filtering
//
// Ledger and waterfall agree on it for March: opening 990, closing 885.
func cellar() *store.Memory {
	m := store.NewMemory()
	m.AddBatch(wine("A", "1000", feb10))
	m.AddBatch(child("B", "A", "0", feb20))
	out, in := transfer("t1", "A", "B", feb20, "400", "10")
	m.Record(out, in)
	m.Record(bottling("p1", "B", mar05, "100", 100, 1000, "0"))
	m.Record(filterLoss("l1", "A", mar10, "5"))
	return m
}
