package volume

import (
	"fmt"
	"sort"
)

// =============================================================================
// TAX CLASS MAP - Classification to regulatory bucket
// =============================================================================

// TaxClass is a regulatory bucket volumes are reported in.
type TaxClass string

const (
	TaxStillWine        TaxClass = "still_wine_under_16"
	TaxSparklingWine    TaxClass = "sparkling_wine"
	TaxDessertWine      TaxClass = "dessert_wine_16_to_21"
	TaxNonTaxableJuice  TaxClass = "non_taxable_juice"
	TaxDistilledSpirits TaxClass = "distilled_spirits"
	TaxOther            TaxClass = "other"
)

// TaxClassMap maps classifications to tax classes. Classes listed in
// Excluded are kept out of the primary volume totals and reported
// separately.
type TaxClassMap struct {
	Classes  map[Classification]TaxClass
	Excluded map[TaxClass]bool
	Fallback TaxClass
}

// DefaultTaxClassMap excludes distillates from the primary calculation.
func DefaultTaxClassMap() TaxClassMap {
	return TaxClassMap{
		Classes: map[Classification]TaxClass{
			ClassBaseFerment:      TaxStillWine,
			ClassSecondaryFerment: TaxSparklingWine,
			ClassFortifiedBlend:   TaxDessertWine,
			ClassJuiceOnly:        TaxNonTaxableJuice,
			ClassDistillateResult: TaxDistilledSpirits,
			ClassOther:            TaxOther,
		},
		Excluded: map[TaxClass]bool{TaxDistilledSpirits: true},
		Fallback: TaxOther,
	}
}

// ClassOf returns the tax class for a classification.
func (m TaxClassMap) ClassOf(c Classification) TaxClass {
	if tc, ok := m.Classes[c]; ok {
		return tc
	}
	return m.Fallback
}

// IsExcluded reports whether a tax class is tracked outside the primary totals.
func (m TaxClassMap) IsExcluded(tc TaxClass) bool {
	return m.Excluded[tc]
}

// Validate checks the map is usable.
func (m TaxClassMap) Validate() error {
	if m.Fallback == "" {
		return fmt.Errorf("%w: tax class map needs a fallback class", ErrInvalidPolicy)
	}
	for c := range m.Classes {
		if !c.Valid() {
			return fmt.Errorf("%w: unknown classification %q in tax class map", ErrInvalidPolicy, c)
		}
	}
	return nil
}

// SortedTaxClasses returns the keys of m in lexical order.
func SortedTaxClasses[V any](m map[TaxClass]V) []TaxClass {
	keys := make([]TaxClass, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
