package volume_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/volume-engine/volume"
)

func TestDecompose_LinesAddUpToTotal(t *testing.T) {
	ledger := volume.CategoryTotals{
		volume.CategoryOpening:   liters("1000"),
		volume.CategoryPackaging: liters("-200"),
		volume.CategoryClamping:  liters("15"),
	}
	waterfall := volume.CategoryTotals{
		volume.CategoryOpening:    liters("1400"),
		volume.CategoryPackaging:  liters("-210"),
		volume.CategoryProduction: liters("50"),
	}

	sheet := volume.Decompose(ledger, waterfall)

	require.Len(t, sheet.Lines, len(volume.TrackedCategories))
	sum := volume.Zero()
	for _, l := range sheet.Lines {
		sum = sum.Add(l.Delta)
		assertLiters(t, l.WaterfallTotal.Sub(l.LedgerTotal).Liters.String(), l.Delta, l.Category)
	}
	assertLiters(t, sheet.Total.Liters.String(), sum)
	assertLiters(t, "815", sheet.LedgerTotal)
	assertLiters(t, "1240", sheet.WaterfallTotal)
	assertLiters(t, "425", sheet.Total)
}

func TestDecompose_SortedByMagnitude(t *testing.T) {
	ledger := volume.CategoryTotals{volume.CategoryOpening: liters("1000"), volume.CategoryClamping: liters("15")}
	waterfall := volume.CategoryTotals{volume.CategoryOpening: liters("1400"), volume.CategoryPackaging: liters("-10")}

	sheet := volume.Decompose(ledger, waterfall)

	assert.Equal(t, volume.CategoryOpening, sheet.Lines[0].Category)
	assert.Equal(t, volume.CategoryClamping, sheet.Lines[1].Category)
	assert.Equal(t, volume.CategoryPackaging, sheet.Lines[2].Category)
	// Zero lines keep the tracked order.
	assert.Equal(t, volume.CategoryProduction, sheet.Lines[3].Category)

	top, ok := sheet.Dominant()
	require.True(t, ok)
	assertLiters(t, "400", top.Delta)
}

func TestDecompose_NoVariance(t *testing.T) {
	same := volume.CategoryTotals{volume.CategoryOpening: liters("10")}
	sheet := volume.Decompose(same, same)

	_, ok := sheet.Dominant()
	assert.False(t, ok)
	assert.False(t, sheet.Exceeds(volume.Zero()))
	assertLiters(t, "0", sheet.Total)
}

func TestVarianceSheet_Exceeds(t *testing.T) {
	sheet := volume.Decompose(
		volume.CategoryTotals{volume.CategoryPackaging: liters("-100")},
		volume.CategoryTotals{volume.CategoryPackaging: liters("-101.5")},
	)

	assert.True(t, sheet.Exceeds(liters("1")))
	assert.False(t, sheet.Exceeds(liters("1.5")))

	line, ok := sheet.Line(volume.CategoryPackaging)
	require.True(t, ok)
	assertLiters(t, "-1.5", line.Delta)
}
