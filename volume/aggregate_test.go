package volume_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/volume-engine/volume"
	"github.com/warp/volume-engine/volume/store"
)

func newAggregator(t *testing.T, src volume.LedgerSource) *volume.Aggregator {
	t.Helper()
	agg, err := volume.NewAggregator(src, volume.DefaultPolicy(), nil)
	require.NoError(t, err)
	return agg
}

// =============================================================================
// ELIGIBILITY
// =============================================================================

func TestIsEligible(t *testing.T) {
	dup := wine("D", "10", feb10)
	dup.OriginStatus = volume.OriginDuplicate

	excludedChild := child("E", "A", "10", feb10)
	excludedChild.OriginStatus = volume.OriginExcluded

	split := wine("S", "10", feb10)
	split.OriginStatus = volume.OriginDuplicate
	split.IsDerivedBySplit = true

	pending := wine("P", "10", feb10)
	pending.OriginStatus = volume.OriginPending

	assert.False(t, volume.IsEligible(dup))
	assert.True(t, volume.IsEligible(excludedChild), "parented batches stay reconstructable")
	assert.True(t, volume.IsEligible(split), "split derivatives stay reconstructable")
	assert.True(t, volume.IsEligible(pending))
}

func TestSelectBatches_FiltersAndSorts(t *testing.T) {
	late := wine("Z", "10", mar20)
	dup := wine("D", "10", feb10)
	dup.OriginStatus = volume.OriginDuplicate
	juice := wine("J", "10", feb10)
	juice.Classification = volume.ClassJuiceOnly

	all := []volume.Batch{late, wine("B", "1", feb10), dup, juice, wine("A", "1", feb10)}
	taxes := volume.DefaultTaxClassMap()

	got := volume.SelectBatches(all, mar10, volume.AggregateFilter{}, taxes)
	assert.Equal(t, []volume.BatchID{"A", "B", "J"}, ids(got))

	got = volume.SelectBatches(all, mar10, volume.AggregateFilter{TaxClasses: []volume.TaxClass{volume.TaxNonTaxableJuice}}, taxes)
	assert.Equal(t, []volume.BatchID{"J"}, ids(got))

	got = volume.SelectBatches(all, apr02, volume.AggregateFilter{BatchIDs: []volume.BatchID{"Z", "B"}}, taxes)
	assert.Equal(t, []volume.BatchID{"B", "Z"}, ids(got))
}

func ids(batches []volume.Batch) []volume.BatchID {
	out := make([]volume.BatchID, 0, len(batches))
	for _, b := range batches {
		out = append(out, b.ID)
	}
	return out
}

// =============================================================================
// AGGREGATION
// =============================================================================

func TestAggregate_SumsClampedByTaxClass(t *testing.T) {
	// GIVEN: The cellar history, plus a distillate batch and a juice batch
	m := cellar()
	d := wine("D", "70", feb10)
	d.Classification = volume.ClassDistillateResult
	m.AddBatch(d)
	j := wine("J", "30", feb10)
	j.Classification = volume.ClassJuiceOnly
	m.AddBatch(j)

	res, err := newAggregator(t, m).Aggregate(context.Background(), mar20, volume.AggregateFilter{})
	require.NoError(t, err)

	// THEN: A 585 + B 300 in still wine, juice separate, distillate excluded
	assertLiters(t, "885", res.Totals[volume.TaxStillWine].ClampedVolume)
	assert.Equal(t, 2, res.Totals[volume.TaxStillWine].Batches)
	assertLiters(t, "30", res.Totals[volume.TaxNonTaxableJuice].ClampedVolume)
	assertLiters(t, "70", res.Excluded[volume.TaxDistilledSpirits].ClampedVolume)
	assertLiters(t, "915", res.Total().ClampedVolume)
	assert.NotContains(t, res.Totals, volume.TaxDistilledSpirits)
}

func TestAggregate_Deterministic(t *testing.T) {
	m := cellar()
	for i := 0; i < 50; i++ {
		m.AddBatch(wine(fmt.Sprintf("X%02d", i), "10", feb10))
		m.Record(filterLoss(fmt.Sprintf("x%02d", i), fmt.Sprintf("X%02d", i), mar05, "1"))
	}
	policy := volume.DefaultPolicy()
	policy.Workers = 4
	agg, err := volume.NewAggregator(m, policy, nil)
	require.NoError(t, err)

	first, err := agg.Aggregate(context.Background(), mar20, volume.AggregateFilter{})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := agg.Aggregate(context.Background(), mar20, volume.AggregateFilter{})
		require.NoError(t, err)
		assertLiters(t, first.Total().ClampedVolume.Liters.String(), again.Total().ClampedVolume)
		assert.Equal(t, batchOrder(first), batchOrder(again))
	}
	assertLiters(t, "1335", first.Total().ClampedVolume) // 885 + 50 x 9
}

func batchOrder(r volume.AggregateResult) []volume.BatchID {
	out := make([]volume.BatchID, 0, len(r.Balances))
	for _, b := range r.Balances {
		out = append(out, b.BatchID)
	}
	return out
}

func TestAggregateAt_MatchesSeparateCalls(t *testing.T) {
	m := cellar()
	agg := newAggregator(t, m)
	ctx := context.Background()

	both, err := agg.AggregateAt(ctx, volume.AggregateFilter{}, march.OpeningCutoff(), march.ClosingCutoff())
	require.NoError(t, err)
	require.Len(t, both, 2)

	opening, err := agg.Aggregate(ctx, march.OpeningCutoff(), volume.AggregateFilter{})
	require.NoError(t, err)
	closing, err := agg.Aggregate(ctx, march.ClosingCutoff(), volume.AggregateFilter{})
	require.NoError(t, err)

	assertLiters(t, "990", both[0].Total().ClampedVolume)
	assertLiters(t, "885", both[1].Total().ClampedVolume)
	assertLiters(t, opening.Total().ClampedVolume.Liters.String(), both[0].Total().ClampedVolume)
	assertLiters(t, closing.Total().ClampedVolume.Liters.String(), both[1].Total().ClampedVolume)
}

func TestAggregateAt_BatchStartedLaterIsNotInEarlierCutoff(t *testing.T) {
	m := cellar()
	m.AddBatch(wine("N", "50", mar10))
	both, err := newAggregator(t, m).AggregateAt(context.Background(), volume.AggregateFilter{}, mar05, mar20)
	require.NoError(t, err)

	assert.Equal(t, 2, both[0].Total().Batches)
	assert.Equal(t, 3, both[1].Total().Batches)
}

func TestAggregate_ConservationAcrossTransfer(t *testing.T) {
	// GIVEN: Two unrelated batches moving volume with no loss
	m := store.NewMemory()
	m.AddBatch(wine("A", "500", feb10))
	m.AddBatch(wine("B", "100", feb10))
	out, in := transfer("t1", "A", "B", mar05, "200", "0")
	m.Record(out, in)

	agg := newAggregator(t, m)
	before, err := agg.Aggregate(context.Background(), feb20, volume.AggregateFilter{})
	require.NoError(t, err)
	after, err := agg.Aggregate(context.Background(), mar10, volume.AggregateFilter{})
	require.NoError(t, err)

	// THEN: The total does not change
	assertLiters(t, "600", before.Total().ClampedVolume)
	assertLiters(t, "600", after.Total().ClampedVolume)
	assert.Empty(t, after.Anomalies)
}

func TestAggregate_ReportsUnmatchedTransferLeg(t *testing.T) {
	m := store.NewMemory()
	m.AddBatch(wine("A", "500", feb10))
	m.AddBatch(wine("B", "100", feb10))
	out, _ := transfer("t1", "A", "B", mar05, "200", "0")
	m.Record(out)

	res, err := newAggregator(t, m).Aggregate(context.Background(), mar10, volume.AggregateFilter{})
	require.NoError(t, err)

	// THEN: The out leg still applies and is reported
	assertLiters(t, "400", res.Total().ClampedVolume)
	assert.Equal(t, []volume.AnomalyKind{volume.AnomalyUnmatchedTransferLeg}, anomalyKinds(res.Anomalies))
}

func TestAggregate_StoreFailureIsFatal(t *testing.T) {
	m := cellar()
	m.FailWith(errors.New("connection reset"))

	_, err := newAggregator(t, m).Aggregate(context.Background(), mar20, volume.AggregateFilter{})

	require.Error(t, err)
	assert.True(t, volume.IsFatal(err))
	assert.ErrorIs(t, err, volume.ErrDataAccess)
}

func TestAggregate_Cancelled(t *testing.T) {
	m := cellar()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newAggregator(t, m).Aggregate(ctx, mar20, volume.AggregateFilter{})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBalance_UnknownBatch(t *testing.T) {
	_, err := newAggregator(t, cellar()).Balance(context.Background(), "nope", mar20)
	assert.ErrorIs(t, err, volume.ErrBatchNotFound)
	assert.True(t, volume.IsNotFound(err))
}

func TestBalance_IgnoresEligibility(t *testing.T) {
	m := store.NewMemory()
	d := wine("D", "40", feb10)
	d.OriginStatus = volume.OriginDuplicate
	m.AddBatch(d)

	bal, err := newAggregator(t, m).Balance(context.Background(), "D", mar20)
	require.NoError(t, err)
	assertLiters(t, "40", bal.Clamped)
}

func TestNewAggregator_Validation(t *testing.T) {
	_, err := volume.NewAggregator(nil, volume.DefaultPolicy(), nil)
	assert.ErrorIs(t, err, volume.ErrSourceRequired)

	bad := volume.DefaultPolicy()
	bad.Workers = -1
	_, err = volume.NewAggregator(store.NewMemory(), bad, nil)
	assert.ErrorIs(t, err, volume.ErrInvalidPolicy)
}
