/*
reconcile.go - One reconciliation run for a reporting period

PURPOSE:
  Ties the two independent computations together. For a period it
  aggregates the ledger at the opening and closing cutoffs, computes the
  waterfall, and decomposes the difference overall and per tax class.

LEDGER CATEGORIES:
  The ledger's category totals for a period are derived so they add up to
  its closing balance:

    opening        = Σ clamped at the opening cutoff
    flow category  = breakdown at closing - breakdown at opening
    clamping       = clamped loss at closing - clamped loss at opening

  Since clamped = rawNet + clampedLoss per batch, the categories sum to
  Σ clamped at closing exactly. The waterfall's categories sum to its own
  closing, so the variance total is always closing(waterfall) -
  closing(ledger).

CONCURRENCY:
  Ledger and waterfall run concurrently; either failing aborts the run.

SEE ALSO:
  - api/scheduler.go: Runs this for each closed month
  - store/sqlite/sqlite.go: Persists run summaries
*/
package volume

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Reconciliation is the full output of one run.
type Reconciliation struct {
	RunID      uuid.UUID
	Period     Period
	StartedAt  time.Time
	FinishedAt time.Time

	Opening   AggregateResult
	Closing   AggregateResult
	Waterfall WaterfallResult

	// Variance covers the primary tax classes; ByClass has one sheet per
	// class seen on either side, excluded classes included.
	Variance VarianceSheet
	ByClass  map[TaxClass]VarianceSheet

	Anomalies []Anomaly
}

// Reconciler runs reconciliations.
type Reconciler struct {
	aggregator *Aggregator
	waterfall  *Waterfall
	logger     logrus.FieldLogger
	now        func() time.Time
}

// NewReconciler builds the aggregator and waterfall over one source.
func NewReconciler(source Source, policy Policy, logger logrus.FieldLogger) (*Reconciler, error) {
	if source == nil {
		return nil, ErrSourceRequired
	}
	if logger == nil {
		logger = discardLogger()
	}
	agg, err := NewAggregator(source, policy, logger.WithField("component", "ledger"))
	if err != nil {
		return nil, err
	}
	wf, err := NewWaterfall(source, policy, logger.WithField("component", "waterfall"))
	if err != nil {
		return nil, err
	}
	return &Reconciler{aggregator: agg, waterfall: wf, logger: logger, now: time.Now}, nil
}

// Aggregator exposes the ledger side for single-cutoff queries.
func (r *Reconciler) Aggregator() *Aggregator { return r.aggregator }

// Waterfall exposes the waterfall side.
func (r *Reconciler) Waterfall() *Waterfall { return r.waterfall }

// Reconcile runs both computations for period and decomposes the variance.
// It either returns a complete Reconciliation or an error; never both.
func (r *Reconciler) Reconcile(ctx context.Context, period Period) (*Reconciliation, error) {
	if err := period.Validate(); err != nil {
		return nil, err
	}
	run := &Reconciliation{RunID: uuid.New(), Period: period, StartedAt: r.now()}
	log := r.logger.WithFields(logrus.Fields{"run_id": run.RunID.String(), "period": period.String()})
	log.Info("reconciliation started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		results, err := r.aggregator.AggregateAt(gctx, AggregateFilter{}, period.OpeningCutoff(), period.ClosingCutoff())
		if err != nil {
			return err
		}
		run.Opening, run.Closing = results[0], results[1]
		return nil
	})
	g.Go(func() error {
		wf, err := r.waterfall.Compute(gctx, period)
		if err != nil {
			return err
		}
		run.Waterfall = wf
		return nil
	})
	if err := g.Wait(); err != nil {
		log.WithError(err).Error("reconciliation failed")
		return nil, err
	}

	overallLedger, overallWaterfall := CategoryTotals{}, CategoryTotals{}
	run.ByClass = map[TaxClass]VarianceSheet{}
	for _, tc := range r.classes(run) {
		ledger := LedgerCategories(run.Opening, run.Closing, tc)
		waterfall := run.Waterfall.line(tc).Categories()

		sheet := Decompose(ledger, waterfall)
		sheet.TaxClass = tc
		run.ByClass[tc] = sheet

		if !r.aggregator.policy.TaxClasses.IsExcluded(tc) {
			overallLedger.Merge(ledger)
			overallWaterfall.Merge(waterfall)
		}
	}
	run.Variance = Decompose(overallLedger, overallWaterfall)

	run.Anomalies = append(run.Anomalies, run.Closing.Anomalies...)
	run.Anomalies = append(run.Anomalies, run.Waterfall.Anomalies...)
	SortAnomalies(run.Anomalies)
	run.FinishedAt = r.now()

	fields := logrus.Fields{
		"ledger_closing":    run.Variance.LedgerTotal.Liters.String(),
		"waterfall_closing": run.Variance.WaterfallTotal.Liters.String(),
		"variance":          run.Variance.Total.Liters.String(),
		"anomalies":         len(run.Anomalies),
	}
	if top, ok := run.Variance.Dominant(); ok {
		fields["dominant_category"] = top.Category
	}
	log.WithFields(fields).Info("reconciliation finished")
	return run, nil
}

// classes returns every tax class on either side, sorted.
func (r *Reconciler) classes(run *Reconciliation) []TaxClass {
	seen := map[TaxClass]bool{}
	for _, m := range []map[TaxClass]TaxClassTotal{run.Opening.Totals, run.Opening.Excluded, run.Closing.Totals, run.Closing.Excluded} {
		for tc := range m {
			seen[tc] = true
		}
	}
	for _, m := range []map[TaxClass]WaterfallLine{run.Waterfall.Lines, run.Waterfall.Excluded} {
		for tc := range m {
			seen[tc] = true
		}
	}
	return SortedTaxClasses(seen)
}

// LedgerCategories derives the ledger's per-category totals for one tax
// class over the period between opening and closing.
func LedgerCategories(opening, closing AggregateResult, tc TaxClass) CategoryTotals {
	out := CategoryTotals{}
	start, end := opening.total(tc), closing.total(tc)

	out.Add(CategoryOpening, start.ClampedVolume)
	flows := closing.Categories[tc].Minus(opening.Categories[tc])
	for _, c := range FlowCategories {
		out.Add(c, flows.Get(c))
	}
	out.Add(CategoryClamping, end.ClampedLossVolume.Sub(start.ClampedLossVolume))
	return out
}

// total returns the class total from either bucket, zero when absent.
func (r AggregateResult) total(tc TaxClass) TaxClassTotal {
	if t, ok := r.Totals[tc]; ok {
		return t
	}
	if t, ok := r.Excluded[tc]; ok {
		return t
	}
	return TaxClassTotal{TaxClass: tc, AsOf: r.AsOf, ClampedVolume: Zero(), ClampedLossVolume: Zero()}
}

// line returns the waterfall line for tc from either bucket.
func (r WaterfallResult) line(tc TaxClass) WaterfallLine {
	if l, ok := r.Lines[tc]; ok {
		return l
	}
	if l, ok := r.Excluded[tc]; ok {
		return l
	}
	return newWaterfallLine(tc)
}
