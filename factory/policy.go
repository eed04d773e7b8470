/*
Package factory converts policy documents into volume.Policy.

PURPOSE:
  The derivation threshold, the packaging tolerance, the tax-class map and
  the waterfall filters are regulatory policy. They live in a YAML (or JSON)
  document so compliance staff can change them without a code change, and
  the factory turns that document into a validated volume.Policy.

DOCUMENT SCHEMA (YAML; the same keys work as JSON):
  transfer_derivation_threshold: "0.90"
  packaging_loss_tolerance_liters: "2"
  workers: 8
  tax_classes:
    fallback: other
    excluded: [distilled_spirits]
    classes:
      base-ferment: still_wine_under_16
      juice-only: non_taxable_juice
  waterfall:
    start_inclusive: true
    end_inclusive: false
    production_statuses: [pending, verified]
    skip_split_derived_production: true
    skip_parented_production: false
    count_historical_backfill: false
    packaging_loss: tolerance

KEY FEATURES:
  - Missing keys keep DefaultPolicy values
  - Unknown keys are rejected
  - The result is validated before it is returned

USAGE:
  f := factory.NewPolicyFactory()
  policy, err := f.LoadFile("policy.yaml")

SEE ALSO:
  - volume/policy.go: Policy type definition
*/
package factory

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/shopspring/decimal"
	"github.com/warp/volume-engine/volume"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// DOCUMENT SCHEMA TYPES
// =============================================================================

// PolicyDocument is the file representation of a policy.
type PolicyDocument struct {
	TransferDerivationThreshold  *string        `yaml:"transfer_derivation_threshold,omitempty" json:"transfer_derivation_threshold,omitempty"`
	PackagingLossToleranceLiters *string        `yaml:"packaging_loss_tolerance_liters,omitempty" json:"packaging_loss_tolerance_liters,omitempty"`
	Workers                      *int           `yaml:"workers,omitempty" json:"workers,omitempty"`
	TaxClasses                   *TaxClassesDoc `yaml:"tax_classes,omitempty" json:"tax_classes,omitempty"`
	Waterfall                    *WaterfallDoc  `yaml:"waterfall,omitempty" json:"waterfall,omitempty"`
}

// TaxClassesDoc represents the tax-class map. A present classes map
// replaces the default map entirely.
type TaxClassesDoc struct {
	Fallback string            `yaml:"fallback,omitempty" json:"fallback,omitempty"`
	Excluded []string          `yaml:"excluded,omitempty" json:"excluded,omitempty"`
	Classes  map[string]string `yaml:"classes,omitempty" json:"classes,omitempty"`
}

// WaterfallDoc represents the waterfall filters.
type WaterfallDoc struct {
	StartInclusive             *bool    `yaml:"start_inclusive,omitempty" json:"start_inclusive,omitempty"`
	EndInclusive               *bool    `yaml:"end_inclusive,omitempty" json:"end_inclusive,omitempty"`
	ProductionStatuses         []string `yaml:"production_statuses,omitempty" json:"production_statuses,omitempty"`
	SkipSplitDerivedProduction *bool    `yaml:"skip_split_derived_production,omitempty" json:"skip_split_derived_production,omitempty"`
	SkipParentedProduction     *bool    `yaml:"skip_parented_production,omitempty" json:"skip_parented_production,omitempty"`
	CountHistoricalBackfill    *bool    `yaml:"count_historical_backfill,omitempty" json:"count_historical_backfill,omitempty"`
	PackagingLoss              string   `yaml:"packaging_loss,omitempty" json:"packaging_loss,omitempty"`
}

// =============================================================================
// POLICY FACTORY
// =============================================================================

// PolicyFactory converts policy documents to volume.Policy.
type PolicyFactory struct{}

// NewPolicyFactory creates a new policy factory.
func NewPolicyFactory() *PolicyFactory {
	return &PolicyFactory{}
}

// LoadFile reads a policy document from path. An empty path returns the
// default policy.
func (f *PolicyFactory) LoadFile(path string) (volume.Policy, error) {
	if path == "" {
		return volume.DefaultPolicy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return volume.Policy{}, fmt.Errorf("failed to read policy file: %w", err)
	}
	return f.ParsePolicy(data)
}

// ParsePolicy parses a YAML or JSON document.
func (f *PolicyFactory) ParsePolicy(data []byte) (volume.Policy, error) {
	var doc PolicyDocument
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return volume.Policy{}, fmt.Errorf("%w: failed to parse policy document: %v", volume.ErrInvalidPolicy, err)
	}
	return f.FromDocument(doc)
}

// FromDocument overlays doc on DefaultPolicy and validates the result.
func (f *PolicyFactory) FromDocument(doc PolicyDocument) (volume.Policy, error) {
	p := volume.DefaultPolicy()

	if doc.TransferDerivationThreshold != nil {
		d, err := decimal.NewFromString(*doc.TransferDerivationThreshold)
		if err != nil {
			return volume.Policy{}, fmt.Errorf("%w: transfer_derivation_threshold: %v", volume.ErrInvalidPolicy, err)
		}
		p.TransferDerivationThreshold = d
	}
	if doc.PackagingLossToleranceLiters != nil {
		v, err := volume.ParseLiters(*doc.PackagingLossToleranceLiters)
		if err != nil {
			return volume.Policy{}, fmt.Errorf("%w: packaging_loss_tolerance_liters: %v", volume.ErrInvalidPolicy, err)
		}
		p.PackagingLossTolerance = v
	}
	if doc.Workers != nil {
		p.Workers = *doc.Workers
	}
	if doc.TaxClasses != nil {
		p.TaxClasses = parseTaxClasses(*doc.TaxClasses, p.TaxClasses)
	}
	if doc.Waterfall != nil {
		p.Waterfall = parseWaterfall(*doc.Waterfall, p.Waterfall)
	}

	if err := p.Validate(); err != nil {
		return volume.Policy{}, err
	}
	return p, nil
}

// ToDocument converts a Policy back to its document form.
func (f *PolicyFactory) ToDocument(p volume.Policy) PolicyDocument {
	threshold := p.TransferDerivationThreshold.String()
	tolerance := p.PackagingLossTolerance.Liters.String()
	workers := p.Workers

	tc := &TaxClassesDoc{Fallback: string(p.TaxClasses.Fallback), Classes: map[string]string{}}
	for c, class := range p.TaxClasses.Classes {
		tc.Classes[string(c)] = string(class)
	}
	for _, class := range volume.SortedTaxClasses(p.TaxClasses.Excluded) {
		if p.TaxClasses.Excluded[class] {
			tc.Excluded = append(tc.Excluded, string(class))
		}
	}

	w := p.Waterfall
	wd := &WaterfallDoc{
		StartInclusive:             w.StartInclusive,
		EndInclusive:               w.EndInclusive,
		SkipSplitDerivedProduction: boolPtr(w.SkipSplitDerivedProduction),
		SkipParentedProduction:     boolPtr(w.SkipParentedProduction),
		CountHistoricalBackfill:    boolPtr(w.CountHistoricalBackfill),
		PackagingLoss:              string(w.PackagingLoss),
	}
	for _, s := range w.ProductionStatuses {
		wd.ProductionStatuses = append(wd.ProductionStatuses, string(s))
	}

	return PolicyDocument{
		TransferDerivationThreshold:  &threshold,
		PackagingLossToleranceLiters: &tolerance,
		Workers:                      &workers,
		TaxClasses:                   tc,
		Waterfall:                    wd,
	}
}

// Marshal renders p as YAML.
func (f *PolicyFactory) Marshal(p volume.Policy) ([]byte, error) {
	return yaml.Marshal(f.ToDocument(p))
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseTaxClasses(d TaxClassesDoc, base volume.TaxClassMap) volume.TaxClassMap {
	m := base
	if d.Fallback != "" {
		m.Fallback = volume.TaxClass(d.Fallback)
	}
	if d.Classes != nil {
		m.Classes = make(map[volume.Classification]volume.TaxClass, len(d.Classes))
		for c, class := range d.Classes {
			m.Classes[volume.Classification(c)] = volume.TaxClass(class)
		}
	}
	if d.Excluded != nil {
		m.Excluded = make(map[volume.TaxClass]bool, len(d.Excluded))
		for _, class := range d.Excluded {
			m.Excluded[volume.TaxClass(class)] = true
		}
	}
	return m
}

func parseWaterfall(d WaterfallDoc, base volume.WaterfallConfig) volume.WaterfallConfig {
	c := base
	if d.StartInclusive != nil {
		c.StartInclusive = d.StartInclusive
	}
	if d.EndInclusive != nil {
		c.EndInclusive = d.EndInclusive
	}
	if d.ProductionStatuses != nil {
		c.ProductionStatuses = make([]volume.OriginStatus, 0, len(d.ProductionStatuses))
		for _, s := range d.ProductionStatuses {
			c.ProductionStatuses = append(c.ProductionStatuses, volume.OriginStatus(s))
		}
	}
	if d.SkipSplitDerivedProduction != nil {
		c.SkipSplitDerivedProduction = *d.SkipSplitDerivedProduction
	}
	if d.SkipParentedProduction != nil {
		c.SkipParentedProduction = *d.SkipParentedProduction
	}
	if d.CountHistoricalBackfill != nil {
		c.CountHistoricalBackfill = *d.CountHistoricalBackfill
	}
	if d.PackagingLoss != "" {
		c.PackagingLoss = volume.PackagingLossMode(d.PackagingLoss)
	}
	return c
}

func boolPtr(b bool) *bool { return &b }
