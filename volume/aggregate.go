/*
aggregate.go - Ledger-side tax-class totals

PURPOSE:
  Runs the Reconstructor over every eligible batch and sums clamped volume
  and clamped loss per tax class. The result is the "ledger" figure the
  waterfall is checked against.

FLOW:
  1. List all batches once; they are the arena counterparts resolve in
  2. Select eligible batches started at or before the latest cutoff
  3. Bulk-fetch their events in one EventsFor call
  4. Fan out reconstruction, bounded by Policy.Workers
  5. Sum per tax class in batch ID order

DETERMINISM:
  Decimal addition is exact, and summation happens after the fan-out in a
  fixed order, so two runs over the same snapshot give identical totals.

FAILURE:
  Any storage error aborts the whole aggregation. No partial totals are
  returned.
*/
package volume

import (
	"context"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// LedgerSource is what the aggregator reads.
type LedgerSource interface {
	BatchSource
	EventStore
}

// TaxClassTotal is the ledger figure for one tax class at one instant.
type TaxClassTotal struct {
	TaxClass          TaxClass  `json:"tax_class"`
	AsOf              time.Time `json:"as_of"`
	ClampedVolume     Volume    `json:"clamped_volume"`
	ClampedLossVolume Volume    `json:"clamped_loss_volume"`
	Batches           int       `json:"batches"`
}

// AggregateResult is one ledger aggregation.
type AggregateResult struct {
	AsOf time.Time

	// Totals holds the primary tax classes; Excluded holds classes the tax
	// class map tracks separately.
	Totals   map[TaxClass]TaxClassTotal
	Excluded map[TaxClass]TaxClassTotal

	// Categories is the summed per-batch breakdown, keyed by tax class.
	Categories map[TaxClass]CategoryTotals

	// Balances is sorted by batch ID.
	Balances  []BatchBalance
	Anomalies []Anomaly
}

// Total sums the primary tax classes.
func (r AggregateResult) Total() TaxClassTotal {
	t := TaxClassTotal{AsOf: r.AsOf, ClampedVolume: Zero(), ClampedLossVolume: Zero()}
	for _, tc := range SortedTaxClasses(r.Totals) {
		ct := r.Totals[tc]
		t.ClampedVolume = t.ClampedVolume.Add(ct.ClampedVolume)
		t.ClampedLossVolume = t.ClampedLossVolume.Add(ct.ClampedLossVolume)
		t.Batches += ct.Batches
	}
	return t
}

// Aggregator computes ledger totals. It is safe for concurrent use.
type Aggregator struct {
	source LedgerSource
	policy Policy
	logger logrus.FieldLogger
}

// NewAggregator validates policy and returns an Aggregator.
func NewAggregator(source LedgerSource, policy Policy, logger logrus.FieldLogger) (*Aggregator, error) {
	if source == nil {
		return nil, ErrSourceRequired
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = discardLogger()
	}
	return &Aggregator{source: source, policy: policy, logger: logger}, nil
}

// Aggregate computes per-tax-class totals at cutoff.
func (a *Aggregator) Aggregate(ctx context.Context, cutoff time.Time, filter AggregateFilter) (AggregateResult, error) {
	results, err := a.AggregateAt(ctx, filter, cutoff)
	if err != nil {
		return AggregateResult{}, err
	}
	return results[0], nil
}

// AggregateAt computes totals at several cutoffs from a single event fetch.
// Results are returned in the order of cutoffs.
func (a *Aggregator) AggregateAt(ctx context.Context, filter AggregateFilter, cutoffs ...time.Time) ([]AggregateResult, error) {
	if len(cutoffs) == 0 {
		return nil, nil
	}
	latest := cutoffs[0]
	for _, c := range cutoffs[1:] {
		if c.After(latest) {
			latest = c
		}
	}

	all, err := a.source.Batches(ctx)
	if err != nil {
		return nil, WrapDataAccess("list batches", err)
	}
	index := NewBatchIndex(all)
	selected := SelectBatches(all, latest, filter, a.policy.TaxClasses)

	events, err := a.source.EventsFor(ctx, batchIDs(selected), latest)
	if err != nil {
		return nil, WrapDataAccess("fetch batch events", err)
	}

	// balances[i][j] is batch i at cutoff j.
	balances := make([][]BatchBalance, len(selected))
	rec := NewReconstructor(a.policy, index, a.logger)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers())
	for i, b := range selected {
		i, b := i, b
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			evs := events[b.ID]
			row := make([]BatchBalance, len(cutoffs))
			for j, cutoff := range cutoffs {
				row[j] = rec.ReconstructBalance(b, evs, cutoff)
			}
			balances[i] = row
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	results := make([]AggregateResult, len(cutoffs))
	for j, cutoff := range cutoffs {
		res := newAggregateResult(cutoff)
		for i, b := range selected {
			if b.StartedAt.After(cutoff) {
				continue
			}
			res.add(balances[i][j], a.policy.TaxClasses)
		}
		for _, an := range AuditTransferPairs(events, cutoff) {
			an.log(a.logger)
			res.Anomalies = append(res.Anomalies, an)
		}
		SortAnomalies(res.Anomalies)
		results[j] = res

		total := res.Total()
		a.logger.WithFields(logrus.Fields{
			"as_of":     cutoff.Format(time.RFC3339Nano),
			"batches":   total.Batches,
			"clamped":   total.ClampedVolume.Liters.String(),
			"loss":      total.ClampedLossVolume.Liters.String(),
			"anomalies": len(res.Anomalies),
		}).Info("ledger aggregated")
	}
	return results, nil
}

// Balance reconstructs a single batch at cutoff, regardless of eligibility.
func (a *Aggregator) Balance(ctx context.Context, id BatchID, cutoff time.Time) (BatchBalance, error) {
	all, err := a.source.Batches(ctx)
	if err != nil {
		return BatchBalance{}, WrapDataAccess("list batches", err)
	}
	index := NewBatchIndex(all)
	b, ok := index.Resolve(id)
	if !ok {
		return BatchBalance{}, ErrBatchNotFound
	}
	events, err := a.source.EventsFor(ctx, []BatchID{id}, cutoff)
	if err != nil {
		return BatchBalance{}, WrapDataAccess("fetch batch events", err)
	}
	return NewReconstructor(a.policy, index, a.logger).ReconstructBalance(b, events[id], cutoff), nil
}

func (a *Aggregator) workers() int {
	if a.policy.Workers > 0 {
		return a.policy.Workers
	}
	return runtime.GOMAXPROCS(0)
}

func newAggregateResult(cutoff time.Time) AggregateResult {
	return AggregateResult{
		AsOf:       cutoff,
		Totals:     map[TaxClass]TaxClassTotal{},
		Excluded:   map[TaxClass]TaxClassTotal{},
		Categories: map[TaxClass]CategoryTotals{},
	}
}

func (r *AggregateResult) add(bal BatchBalance, taxes TaxClassMap) {
	bucket := r.Totals
	if taxes.IsExcluded(bal.TaxClass) {
		bucket = r.Excluded
	}
	t, ok := bucket[bal.TaxClass]
	if !ok {
		t = TaxClassTotal{TaxClass: bal.TaxClass, AsOf: r.AsOf, ClampedVolume: Zero(), ClampedLossVolume: Zero()}
	}
	t.ClampedVolume = t.ClampedVolume.Add(bal.Clamped)
	t.ClampedLossVolume = t.ClampedLossVolume.Add(bal.ClampedLoss)
	t.Batches++
	bucket[bal.TaxClass] = t

	cats, ok := r.Categories[bal.TaxClass]
	if !ok {
		cats = CategoryTotals{}
		r.Categories[bal.TaxClass] = cats
	}
	cats.Merge(bal.Categories)

	r.Balances = append(r.Balances, bal)
	r.Anomalies = append(r.Anomalies, bal.Anomalies...)
}
