package volume

import (
	"sort"
)

// =============================================================================
// VARIANCE DECOMPOSITION - Where the ledger and the waterfall disagree
// =============================================================================

// VarianceReport is the difference for one category.
type VarianceReport struct {
	Category       Category `json:"category"`
	LedgerTotal    Volume   `json:"ledger_total"`
	WaterfallTotal Volume   `json:"waterfall_total"`
	Delta          Volume   `json:"delta"` // waterfall - ledger
}

// VarianceSheet is a full decomposition. Lines are sorted by |Delta|
// descending so the dominant cause of a mismatch comes first; ties keep the
// TrackedCategories order.
//
// Total always equals WaterfallTotal - LedgerTotal.
type VarianceSheet struct {
	TaxClass       TaxClass         `json:"tax_class,omitempty"`
	Lines          []VarianceReport `json:"lines"`
	LedgerTotal    Volume           `json:"ledger_total"`
	WaterfallTotal Volume           `json:"waterfall_total"`
	Total          Volume           `json:"total"`
}

// Decompose compares ledger and waterfall category by category.
func Decompose(ledger, waterfall CategoryTotals) VarianceSheet {
	sheet := VarianceSheet{
		Lines:          make([]VarianceReport, 0, len(TrackedCategories)),
		LedgerTotal:    Zero(),
		WaterfallTotal: Zero(),
		Total:          Zero(),
	}
	for _, c := range TrackedCategories {
		l, w := ledger.Get(c), waterfall.Get(c)
		d := w.Sub(l)
		sheet.Lines = append(sheet.Lines, VarianceReport{Category: c, LedgerTotal: l, WaterfallTotal: w, Delta: d})
		sheet.LedgerTotal = sheet.LedgerTotal.Add(l)
		sheet.WaterfallTotal = sheet.WaterfallTotal.Add(w)
		sheet.Total = sheet.Total.Add(d)
	}
	sort.SliceStable(sheet.Lines, func(i, j int) bool {
		return sheet.Lines[i].Delta.Abs().GreaterThan(sheet.Lines[j].Delta.Abs())
	})
	return sheet
}

// Exceeds reports whether any line, or the total, is further from zero
// than tolerance. The engine never gates on it; callers decide what to do.
func (s VarianceSheet) Exceeds(tolerance Volume) bool {
	if s.Total.Abs().GreaterThan(tolerance) {
		return true
	}
	for _, l := range s.Lines {
		if l.Delta.Abs().GreaterThan(tolerance) {
			return true
		}
	}
	return false
}

// Line returns the report for c.
func (s VarianceSheet) Line(c Category) (VarianceReport, bool) {
	for _, l := range s.Lines {
		if l.Category == c {
			return l, true
		}
	}
	return VarianceReport{}, false
}

// Dominant returns the largest contributor, if any line is non-zero.
func (s VarianceSheet) Dominant() (VarianceReport, bool) {
	if len(s.Lines) == 0 || s.Lines[0].Delta.IsZero() {
		return VarianceReport{}, false
	}
	return s.Lines[0], true
}
