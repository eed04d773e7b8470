/*
reconstruct.go - Point-in-time balance of a single batch

PURPOSE:
  Replays one batch's events up to a cutoff and computes how much liquid it
  holds. This is the computational core of the engine; the aggregator and
  the reconciler only ever add up its results.

ALGORITHM:
  1. Drop soft-deleted events, events after the cutoff, events owned by
     another batch, and legs whose counterpart batch cannot be resolved.
  2. Transfer derivation: a batch with a parent whose transfers-in reach
     TransferDerivationThreshold x declared initial starts from zero.
  3. Inflows  = effective initial + merges in + transfers in + positive adjustments
  4. Outflows = merges out + transfers out (moved + lost) + packaging + kegging
                + shipped distillation + process losses (minus backfilled racking)
                + |negative adjustments|
  5. rawNet = inflows - outflows
  6. clamped = max(0, rawNet), clampedLoss = max(0, -rawNet)

PACKAGING:
  expected = units x unit size (ml) / 1000
  |taken - (expected + declared loss)| <  tolerance  -> outflow = taken
  |taken - (expected + declared loss)| >= tolerance  -> outflow = taken + declared loss

EXAMPLE:
  Batch A: 1000 L declared, transfers 400 L (10 L lost) to B
    A: 1000 - 400 - 10 = 590 L
  Batch B: parent A, declared 0, receives 400 L, packages 380 x 1 L
    B: 0 + 400 - 380 = 20 L

SEE ALSO:
  - events.go: Variants replayed here
  - aggregate.go: Runs this over every eligible batch
*/
package volume

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// BatchBalance is the reconstructed state of one batch at a cutoff.
type BatchBalance struct {
	BatchID  BatchID
	TaxClass TaxClass
	AsOf     time.Time

	DeclaredInitial  Volume
	EffectiveInitial Volume
	TransferDerived  bool

	Inflows     Volume
	Outflows    Volume
	RawNet      Volume
	Clamped     Volume
	ClampedLoss Volume

	// Categories splits RawNet into signed contributions.
	Categories CategoryTotals

	// EmbeddedLossRuns counts packaging runs whose declared loss was
	// already inside the taken volume.
	EmbeddedLossRuns int

	Anomalies []Anomaly
}

// Reconstructor replays batch events. It holds no mutable state and is safe
// for concurrent use.
type Reconstructor struct {
	policy  Policy
	batches BatchIndex
	logger  logrus.FieldLogger
}

// NewReconstructor builds a Reconstructor. batches resolves counterpart
// references; a nil logger discards anomaly logs.
func NewReconstructor(policy Policy, batches BatchIndex, logger logrus.FieldLogger) *Reconstructor {
	return &Reconstructor{policy: policy, batches: batches, logger: logger}
}

// ReconstructBalance computes batch's clamped volume at cutoff from events.
func (r *Reconstructor) ReconstructBalance(batch Batch, events []VolumeEvent, cutoff time.Time) BatchBalance {
	bal := BatchBalance{
		BatchID:          batch.ID,
		TaxClass:         r.policy.TaxClasses.ClassOf(batch.Classification),
		AsOf:             cutoff,
		DeclaredInitial:  batch.DeclaredInitialVolume,
		EffectiveInitial: Zero(),
		Inflows:          Zero(),
		Outflows:         Zero(),
		Categories:       CategoryTotals{},
	}

	visible := r.visibleEvents(batch, events, cutoff, &bal)

	// 1. Transfer derivation
	transfersIn := Zero()
	for _, e := range visible {
		if ti, ok := e.(TransferIn); ok {
			transfersIn = transfersIn.Add(ti.Moved)
		}
	}
	started := batch.StartedAt.IsZero() || !batch.StartedAt.After(cutoff)
	if started {
		bal.EffectiveInitial = batch.DeclaredInitialVolume
		if r.IsTransferDerived(batch, transfersIn) {
			bal.TransferDerived = true
			bal.EffectiveInitial = Zero()
		}
	}
	intake := CategoryProduction
	if !CountsAsProduction(batch) {
		intake = CategoryNonProductionIntake
	}
	bal.Inflows = bal.Inflows.Add(bal.EffectiveInitial)
	bal.Categories.Add(intake, bal.EffectiveInitial)

	// 2-3. One rule per variant
	for _, e := range visible {
		in, out, cat := r.apply(e, &bal)
		bal.Inflows = bal.Inflows.Add(in)
		bal.Outflows = bal.Outflows.Add(out)
		bal.Categories.Add(cat, in.Sub(out))
	}

	// 4-5. Net and clamp
	bal.RawNet = bal.Inflows.Sub(bal.Outflows)
	bal.Clamped = bal.RawNet.ClampAtZero()
	bal.ClampedLoss = bal.RawNet.Neg().ClampAtZero()
	if bal.ClampedLoss.IsPositive() {
		r.record(&bal, Anomaly{
			Kind:    AnomalyClampedNegative,
			BatchID: batch.ID,
			Volume:  bal.ClampedLoss,
			Detail:  fmt.Sprintf("outflows exceed inflows by %s; reported as loss", bal.ClampedLoss),
		})
	}
	return bal
}

// IsTransferDerived reports whether batch's declared initial volume was
// most likely populated from the transfers it received.
func (r *Reconstructor) IsTransferDerived(batch Batch, transfersIn Volume) bool {
	if !batch.HasParent() {
		return false
	}
	threshold := batch.DeclaredInitialVolume.Mul(r.policy.TransferDerivationThreshold)
	return transfersIn.GreaterThanOrEqual(threshold)
}

// visibleEvents filters events down to the ones that take part in replay.
func (r *Reconstructor) visibleEvents(batch Batch, events []VolumeEvent, cutoff time.Time, bal *BatchBalance) []VolumeEvent {
	visible := make([]VolumeEvent, 0, len(events))
	for _, e := range events {
		if !countable(e, cutoff) {
			continue
		}
		h := e.Header()
		if h.BatchID != batch.ID {
			r.record(bal, Anomaly{
				Kind:        AnomalyForeignEvent,
				BatchID:     batch.ID,
				EventID:     h.ID,
				Counterpart: h.BatchID,
				Detail:      fmt.Sprintf("%s event owned by %s skipped", e.Kind(), h.BatchID),
			})
			continue
		}
		if cp, ok := Counterpart(e); ok {
			if _, found := r.batches.Resolve(cp); !found {
				uce := &UnresolvedCounterpartError{BatchID: batch.ID, EventID: h.ID, Kind: e.Kind(), Counterpart: cp}
				r.record(bal, Anomaly{
					Kind:        AnomalyUnresolvedCounterpart,
					BatchID:     batch.ID,
					EventID:     h.ID,
					Counterpart: cp,
					Volume:      legVolume(e),
					Detail:      uce.Error() + "; leg excluded",
				})
				continue
			}
		}
		visible = append(visible, e)
	}
	return visible
}

// apply returns the inflow, outflow and category of one event.
func (r *Reconstructor) apply(e VolumeEvent, bal *BatchBalance) (in, out Volume, cat Category) {
	in, out = Zero(), Zero()
	switch ev := e.(type) {
	case TransferIn:
		return ev.Moved, out, CategoryTransfers
	case TransferOut:
		return in, ev.Moved.Add(ev.Lost), CategoryTransfers
	case MergeIn:
		return ev.Added, out, CategoryMerges
	case MergeOut:
		return in, ev.Removed, CategoryMerges
	case PackagingRun:
		if ev.Voided {
			return in, out, CategoryPackaging
		}
		outflow, embedded := PackagingOutflow(ev, r.policy.PackagingLossTolerance)
		if embedded {
			bal.EmbeddedLossRuns++
		}
		return in, outflow, CategoryPackaging
	case KegFill:
		return in, KegOutflow(ev), CategoryPackaging
	case DistillationShipment:
		if !ev.Status.Shipped() {
			return in, out, CategoryDistillation
		}
		return in, ev.Sent, CategoryDistillation
	case ProcessLoss:
		if !CountsProcessLoss(ev, false) {
			return in, out, CategoryProcessLosses
		}
		return in, ev.Lost, CategoryProcessLosses
	case VolumeAdjustment:
		if ev.Amount.IsNegative() {
			return in, ev.Amount.Abs(), CategoryAdjustments
		}
		return ev.Amount, out, CategoryAdjustments
	default:
		h := e.Header()
		r.record(bal, Anomaly{
			Kind:    AnomalyUnknownEvent,
			BatchID: h.BatchID,
			EventID: h.ID,
			Detail:  fmt.Sprintf("unsupported event kind %q skipped", e.Kind()),
		})
		return in, out, CategoryAdjustments
	}
}

func (r *Reconstructor) record(bal *BatchBalance, a Anomaly) {
	bal.Anomalies = append(bal.Anomalies, a)
	a.log(r.logger)
}

// =============================================================================
// VARIANT RULES - Shared with the waterfall
// =============================================================================

// ExpectedProductVolume is units x unit size converted to liters.
func ExpectedProductVolume(run PackagingRun) Volume {
	ml := decimal.NewFromInt(run.UnitsProduced).Mul(decimal.NewFromInt(run.UnitSizeMl))
	return Volume{Liters: ml.Div(thousand)}
}

// PackagingOutflow returns how much a non-voided run removes from its batch
// and whether the declared loss was already embedded in the taken volume.
func PackagingOutflow(run PackagingRun, tolerance Volume) (Volume, bool) {
	expected := ExpectedProductVolume(run).Add(run.DeclaredLoss)
	if run.Taken.Sub(expected).Abs().LessThan(tolerance) {
		return run.Taken, true
	}
	return run.Taken.Add(run.DeclaredLoss), false
}

// KegOutflow returns how much a keg fill removes. Voided fills remove nothing.
func KegOutflow(fill KegFill) Volume {
	if fill.Voided {
		return Zero()
	}
	return fill.Taken.Add(fill.DeclaredLoss)
}

// CountsProcessLoss reports whether a loss takes part in the balance.
// Backfilled racking entries are skipped unless includeBackfill is set.
func CountsProcessLoss(loss ProcessLoss, includeBackfill bool) bool {
	if loss.HistoricalBackfill && loss.LossKind == LossRacking {
		return includeBackfill
	}
	return true
}

// legVolume is the headline volume of an event, for anomaly reporting.
func legVolume(e VolumeEvent) Volume {
	switch ev := e.(type) {
	case TransferOut:
		return ev.Moved.Add(ev.Lost)
	case TransferIn:
		return ev.Moved
	case MergeIn:
		return ev.Added
	case MergeOut:
		return ev.Removed
	}
	return Zero()
}
