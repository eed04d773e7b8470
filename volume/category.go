package volume

// =============================================================================
// CATEGORIES - Signed contributions to a balance
// =============================================================================

// Category is a bucket of signed volume contributions. The ledger and the
// waterfall both report every flow in exactly one category, so the category
// totals of either side sum to that side's closing balance.
type Category string

const (
	CategoryOpening             Category = "opening"
	CategoryProduction          Category = "production"
	CategoryNonProductionIntake Category = "non_production_intake"
	CategoryTransfers           Category = "transfers"
	CategoryMerges              Category = "merges"
	CategoryPackaging           Category = "packaging"
	CategoryDistillation        Category = "distillation"
	CategoryAdjustments         Category = "adjustments"
	CategoryProcessLosses       Category = "process_losses"
	CategoryClamping            Category = "clamping"
)

// FlowCategories are the categories a single batch replay produces.
var FlowCategories = []Category{
	CategoryProduction,
	CategoryNonProductionIntake,
	CategoryTransfers,
	CategoryMerges,
	CategoryPackaging,
	CategoryDistillation,
	CategoryAdjustments,
	CategoryProcessLosses,
}

// TrackedCategories is every category the variance decomposer reports.
var TrackedCategories = []Category{
	CategoryOpening,
	CategoryProduction,
	CategoryNonProductionIntake,
	CategoryTransfers,
	CategoryMerges,
	CategoryPackaging,
	CategoryDistillation,
	CategoryAdjustments,
	CategoryProcessLosses,
	CategoryClamping,
}

// CategoryTotals holds one signed volume per category.
type CategoryTotals map[Category]Volume

// Add accumulates v into c.
func (ct CategoryTotals) Add(c Category, v Volume) {
	ct[c] = ct[c].Add(v)
}

// Get returns the total for c, zero when absent.
func (ct CategoryTotals) Get(c Category) Volume {
	if v, ok := ct[c]; ok {
		return v
	}
	return Zero()
}

// Merge adds every category of o into ct.
func (ct CategoryTotals) Merge(o CategoryTotals) {
	for c, v := range o {
		ct.Add(c, v)
	}
}

// Minus returns ct - o for every category present in either.
func (ct CategoryTotals) Minus(o CategoryTotals) CategoryTotals {
	out := CategoryTotals{}
	for c, v := range ct {
		out.Add(c, v)
	}
	for c, v := range o {
		out.Add(c, v.Neg())
	}
	return out
}

// Total sums all categories.
func (ct CategoryTotals) Total() Volume {
	total := Zero()
	for _, c := range TrackedCategories {
		total = total.Add(ct.Get(c))
	}
	return total
}
