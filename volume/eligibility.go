package volume

import "time"

// =============================================================================
// ELIGIBILITY - Which batches take part in a reconciliation run
// =============================================================================

// IsEligible reports whether batch participates in ledger reconciliation.
//
// Batches marked duplicate or excluded drop out, unless they are split
// derivatives or have a parent: a transfer's destination must stay
// reconstructable even if someone later marked it duplicate.
func IsEligible(batch Batch) bool {
	if batch.OriginStatus != OriginDuplicate && batch.OriginStatus != OriginExcluded {
		return true
	}
	return batch.IsDerivedBySplit || batch.HasParent()
}

// CountsAsProduction reports whether a batch's initial volume is reported as
// production. It is independent of IsEligible: a juice-only batch is
// reconciled but its intake is not production.
func CountsAsProduction(batch Batch) bool {
	return batch.Classification != ClassJuiceOnly
}

// AggregateFilter narrows an aggregation. Empty fields mean no restriction.
type AggregateFilter struct {
	BatchIDs   []BatchID
	TaxClasses []TaxClass
}

// SelectBatches returns the eligible batches started at or before cutoff
// that pass filter, sorted by ID.
func SelectBatches(batches []Batch, cutoff time.Time, filter AggregateFilter, taxes TaxClassMap) []Batch {
	ids := make(map[BatchID]bool, len(filter.BatchIDs))
	for _, id := range filter.BatchIDs {
		ids[id] = true
	}
	classes := make(map[TaxClass]bool, len(filter.TaxClasses))
	for _, tc := range filter.TaxClasses {
		classes[tc] = true
	}

	selected := make([]Batch, 0, len(batches))
	for _, b := range batches {
		if !IsEligible(b) {
			continue
		}
		if !b.StartedAt.IsZero() && b.StartedAt.After(cutoff) {
			continue
		}
		if len(ids) > 0 && !ids[b.ID] {
			continue
		}
		if len(classes) > 0 && !classes[taxes.ClassOf(b.Classification)] {
			continue
		}
		selected = append(selected, b)
	}
	sortBatches(selected)
	return selected
}
