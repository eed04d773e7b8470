package store_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/volume-engine/store"
	"github.com/warp/volume-engine/volume"
)

var at = time.Date(2026, time.March, 5, 14, 30, 0, 123456789, time.UTC)

func TestEventRecord_PackagingRun(t *testing.T) {
	run := volume.PackagingRun{
		EventHeader:   volume.EventHeader{ID: "p1", BatchID: "B", At: at},
		Taken:         volume.MustParseLiters("100.25"),
		DeclaredLoss:  volume.MustParseLiters("2"),
		UnitsProduced: 131,
		UnitSizeMl:    750,
		Voided:        true,
	}

	rec, err := store.FromEvent(run)
	require.NoError(t, err)
	assert.Equal(t, "packaging_run", rec.Kind)
	assert.Equal(t, "100.25", rec.Volume)

	back, err := rec.ToEvent()
	require.NoError(t, err)
	got, ok := back.(volume.PackagingRun)
	require.True(t, ok)
	assert.True(t, got.Taken.Equal(run.Taken))
	assert.True(t, got.DeclaredLoss.Equal(run.DeclaredLoss))
	assert.Equal(t, run.UnitsProduced, got.UnitsProduced)
	assert.True(t, got.Voided)
	assert.True(t, got.At.Equal(at))
}

func TestEventRecord_MergeInExternal(t *testing.T) {
	merge := volume.MergeIn{
		EventHeader: volume.EventHeader{ID: "m1", BatchID: "A", At: at},
		Source:      volume.MergeSource{External: true},
		Added:       volume.MustParseLiters("12"),
	}

	rec, err := store.FromEvent(merge)
	require.NoError(t, err)
	back, err := rec.ToEvent()
	require.NoError(t, err)

	_, hasCounterpart := volume.Counterpart(back)
	assert.False(t, hasCounterpart)
}

func TestEventRecord_SignedAdjustment(t *testing.T) {
	adj := volume.VolumeAdjustment{
		EventHeader: volume.EventHeader{ID: "j1", BatchID: "A", At: at, Deleted: true},
		Amount:      volume.MustParseLiters("-3.5"),
		Reason:      volume.ReasonSpill,
	}

	rec, err := store.FromEvent(adj)
	require.NoError(t, err)
	back, err := rec.ToEvent()
	require.NoError(t, err)

	got := back.(volume.VolumeAdjustment)
	assert.True(t, got.Amount.Equal(adj.Amount))
	assert.Equal(t, volume.ReasonSpill, got.Reason)
	assert.True(t, got.Deleted)
}

func TestEventRecord_UnknownKind(t *testing.T) {
	_, err := store.EventRecord{ID: "x", Kind: "barrel_roll", EventPayload: store.EventPayload{Volume: "1"}}.ToEvent()
	assert.Error(t, err)

	_, err = store.EventRecord{ID: "y", Kind: "process_loss", EventPayload: store.EventPayload{Volume: "lots"}}.ToEvent()
	assert.Error(t, err)
}

func TestTimeLayout_SortsAsText(t *testing.T) {
	early := store.FormatTime(time.Date(2026, time.March, 5, 9, 0, 0, 5, time.UTC))
	late := store.FormatTime(time.Date(2026, time.March, 5, 10, 0, 0, 0, time.FixedZone("CET", 3600)))

	// 10:00 CET is 09:00 UTC.
	assert.Less(t, early, late)

	parsed, err := store.ParseTime(early)
	require.NoError(t, err)
	assert.Equal(t, 5, parsed.Nanosecond())
}

func TestChunk(t *testing.T) {
	ids := []volume.BatchID{"a", "b", "c", "d", "e"}
	chunks := store.Chunk(ids, 2)
	assert.Equal(t, [][]volume.BatchID{{"a", "b"}, {"c", "d"}, {"e"}}, chunks)
	assert.Empty(t, store.Chunk(nil, 2))
}
