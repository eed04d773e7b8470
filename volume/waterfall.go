/*
waterfall.go - Independent aggregate over the global event tables

PURPOSE:
  Computes opening balance, production, removals, process losses and
  distillation for a period as direct sums over date ranges, without
  replaying any batch. It exists to be compared with the ledger.

WHAT IT DELIBERATELY DOES NOT SHARE WITH THE LEDGER:
  - No eligibility filter: every event counts, whatever its batch status
  - No transfer-derivation heuristic: production is declared initial volume
    of batches started in the period, filtered by WaterfallConfig
  - No clamping: a batch driven negative stays negative here
  - Boundaries come from WaterfallConfig.Apply, not from the ledger cutoffs

  Each of these is a place the two figures can drift; the variance
  decomposer reports them per category.

LINE LAYOUT (per tax class):
  Opening
  + Production + NonProductionIntake
  + Transfers (in - out - transfer loss)
  + Merges (in - out)
  - Packaging (bottling and kegging: the removals)
  - Distillation (shipped only)
  + Adjustments (signed)
  - ProcessLosses
  = Closing

SEE ALSO:
  - policy.go: WaterfallConfig
  - variance.go: Compares WaterfallLine.Categories with the ledger
*/
package volume

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// WaterfallSource is what the waterfall reads.
type WaterfallSource interface {
	BatchSource
	EventTable
}

// WaterfallLine is the waterfall for one tax class.
type WaterfallLine struct {
	TaxClass            TaxClass `json:"tax_class"`
	Opening             Volume   `json:"opening"`
	Production          Volume   `json:"production"`
	NonProductionIntake Volume   `json:"non_production_intake"`
	Transfers           Volume   `json:"transfers"`
	Merges              Volume   `json:"merges"`
	Packaging           Volume   `json:"packaging"`
	Distillation        Volume   `json:"distillation"`
	Adjustments         Volume   `json:"adjustments"`
	ProcessLosses       Volume   `json:"process_losses"`
	Closing             Volume   `json:"closing"`
}

func newWaterfallLine(tc TaxClass) WaterfallLine {
	z := Zero()
	return WaterfallLine{
		TaxClass: tc, Opening: z, Production: z, NonProductionIntake: z,
		Transfers: z, Merges: z, Packaging: z, Distillation: z,
		Adjustments: z, ProcessLosses: z, Closing: z,
	}
}

// Categories returns the line as signed category totals. Clamping is always
// zero on the waterfall side.
func (l WaterfallLine) Categories() CategoryTotals {
	return CategoryTotals{
		CategoryOpening:             l.Opening,
		CategoryProduction:          l.Production,
		CategoryNonProductionIntake: l.NonProductionIntake,
		CategoryTransfers:           l.Transfers,
		CategoryMerges:              l.Merges,
		CategoryPackaging:           l.Packaging,
		CategoryDistillation:        l.Distillation,
		CategoryAdjustments:         l.Adjustments,
		CategoryProcessLosses:       l.ProcessLosses,
		CategoryClamping:            Zero(),
	}
}

func (l *WaterfallLine) add(c Category, v Volume) {
	switch c {
	case CategoryOpening:
		l.Opening = l.Opening.Add(v)
	case CategoryProduction:
		l.Production = l.Production.Add(v)
	case CategoryNonProductionIntake:
		l.NonProductionIntake = l.NonProductionIntake.Add(v)
	case CategoryTransfers:
		l.Transfers = l.Transfers.Add(v)
	case CategoryMerges:
		l.Merges = l.Merges.Add(v)
	case CategoryPackaging:
		l.Packaging = l.Packaging.Add(v)
	case CategoryDistillation:
		l.Distillation = l.Distillation.Add(v)
	case CategoryAdjustments:
		l.Adjustments = l.Adjustments.Add(v)
	case CategoryProcessLosses:
		l.ProcessLosses = l.ProcessLosses.Add(v)
	}
}

func (l *WaterfallLine) close() {
	l.Closing = l.Categories().Total()
}

func (l WaterfallLine) plus(o WaterfallLine) WaterfallLine {
	for c, v := range o.Categories() {
		l.add(c, v)
	}
	l.close()
	return l
}

// WaterfallResult is one waterfall computation.
type WaterfallResult struct {
	// Period is the effective period after WaterfallConfig overrides.
	Period    Period
	Lines     map[TaxClass]WaterfallLine
	Excluded  map[TaxClass]WaterfallLine
	Anomalies []Anomaly
}

// Total sums the primary tax classes.
func (r WaterfallResult) Total() WaterfallLine {
	total := newWaterfallLine("")
	for _, tc := range SortedTaxClasses(r.Lines) {
		total = total.plus(r.Lines[tc])
	}
	return total
}

// Waterfall computes the independent aggregate.
type Waterfall struct {
	source WaterfallSource
	policy Policy
	logger logrus.FieldLogger
}

// NewWaterfall validates policy and returns a Waterfall.
func NewWaterfall(source WaterfallSource, policy Policy, logger logrus.FieldLogger) (*Waterfall, error) {
	if source == nil {
		return nil, ErrSourceRequired
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = discardLogger()
	}
	return &Waterfall{source: source, policy: policy, logger: logger}, nil
}

// Compute runs the waterfall for period.
func (w *Waterfall) Compute(ctx context.Context, period Period) (WaterfallResult, error) {
	if err := period.Validate(); err != nil {
		return WaterfallResult{}, err
	}
	cfg := w.policy.Waterfall
	effective := cfg.Apply(period)

	batches, err := w.source.Batches(ctx)
	if err != nil {
		return WaterfallResult{}, WrapDataAccess("list batches", err)
	}
	index := NewBatchIndex(batches)

	var opening, inPeriod []VolumeEvent
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		evs, err := w.source.EventsInRange(gctx, effective.OpeningRange())
		if err != nil {
			return WrapDataAccess("fetch opening events", err)
		}
		opening = evs
		return nil
	})
	g.Go(func() error {
		evs, err := w.source.EventsInRange(gctx, effective.Range())
		if err != nil {
			return WrapDataAccess("fetch period events", err)
		}
		inPeriod = evs
		return nil
	})
	if err := g.Wait(); err != nil {
		return WaterfallResult{}, err
	}

	lines := map[TaxClass]*WaterfallLine{}
	line := func(tc TaxClass) *WaterfallLine {
		l, ok := lines[tc]
		if !ok {
			nl := newWaterfallLine(tc)
			l = &nl
			lines[tc] = l
		}
		return l
	}

	// Intake: declared initial volume of batches started before or in the period.
	for _, b := range batches {
		if !w.countsIntake(b) {
			continue
		}
		tc := w.policy.TaxClasses.ClassOf(b.Classification)
		switch {
		case effective.BeforeStart(b.StartedAt):
			line(tc).add(CategoryOpening, b.DeclaredInitialVolume)
		case effective.Contains(b.StartedAt):
			cat := CategoryProduction
			if !CountsAsProduction(b) {
				cat = CategoryNonProductionIntake
			}
			line(tc).add(cat, b.DeclaredInitialVolume)
		}
	}

	var anomalies []Anomaly
	apply := func(events []VolumeEvent, intoOpening bool) {
		for _, e := range events {
			h := e.Header()
			if h.Deleted {
				continue
			}
			b, ok := index.Resolve(h.BatchID)
			if !ok {
				an := Anomaly{
					Kind:    AnomalyOrphanEvent,
					BatchID: h.BatchID,
					EventID: h.ID,
					Volume:  legVolume(e),
					Detail:  fmt.Sprintf("%s event owned by unknown batch skipped by waterfall", e.Kind()),
				}
				an.log(w.logger)
				anomalies = append(anomalies, an)
				continue
			}
			cat, v, known := w.flow(e)
			if !known {
				continue
			}
			if intoOpening {
				cat = CategoryOpening
			}
			line(w.policy.TaxClasses.ClassOf(b.Classification)).add(cat, v)
		}
	}
	apply(opening, true)
	apply(inPeriod, false)

	res := WaterfallResult{
		Period:    effective,
		Lines:     map[TaxClass]WaterfallLine{},
		Excluded:  map[TaxClass]WaterfallLine{},
		Anomalies: anomalies,
	}
	for tc, l := range lines {
		l.close()
		if w.policy.TaxClasses.IsExcluded(tc) {
			res.Excluded[tc] = *l
		} else {
			res.Lines[tc] = *l
		}
	}
	SortAnomalies(res.Anomalies)

	total := res.Total()
	w.logger.WithFields(logrus.Fields{
		"period":  effective.String(),
		"opening": total.Opening.Liters.String(),
		"closing": total.Closing.Liters.String(),
		"events":  len(opening) + len(inPeriod),
	}).Info("waterfall computed")
	return res, nil
}

// countsIntake applies the waterfall's production filters to a batch.
func (w *Waterfall) countsIntake(b Batch) bool {
	cfg := w.policy.Waterfall
	if !cfg.countsStatus(b.OriginStatus) {
		return false
	}
	if cfg.SkipSplitDerivedProduction && b.IsDerivedBySplit {
		return false
	}
	if cfg.SkipParentedProduction && b.HasParent() {
		return false
	}
	return true
}

// flow returns the signed contribution of one event.
func (w *Waterfall) flow(e VolumeEvent) (Category, Volume, bool) {
	cfg := w.policy.Waterfall
	switch ev := e.(type) {
	case TransferIn:
		return CategoryTransfers, ev.Moved, true
	case TransferOut:
		return CategoryTransfers, ev.Moved.Add(ev.Lost).Neg(), true
	case MergeIn:
		return CategoryMerges, ev.Added, true
	case MergeOut:
		return CategoryMerges, ev.Removed.Neg(), true
	case PackagingRun:
		if ev.Voided {
			return CategoryPackaging, Zero(), true
		}
		if cfg.PackagingLoss == PackagingLossAlwaysSeparate {
			return CategoryPackaging, ev.Taken.Add(ev.DeclaredLoss).Neg(), true
		}
		out, _ := PackagingOutflow(ev, w.policy.PackagingLossTolerance)
		return CategoryPackaging, out.Neg(), true
	case KegFill:
		return CategoryPackaging, KegOutflow(ev).Neg(), true
	case DistillationShipment:
		if !ev.Status.Shipped() {
			return CategoryDistillation, Zero(), true
		}
		return CategoryDistillation, ev.Sent.Neg(), true
	case ProcessLoss:
		if !CountsProcessLoss(ev, cfg.CountHistoricalBackfill) {
			return CategoryProcessLosses, Zero(), true
		}
		return CategoryProcessLosses, ev.Lost.Neg(), true
	case VolumeAdjustment:
		return CategoryAdjustments, ev.Amount, true
	}
	return "", Zero(), false
}

