/*
policy.go - Injected reconciliation policy

PURPOSE:
  Every number the engine uses to interpret ambiguous history lives here so
  regulatory policy can change without a code change. The two heuristics are
  empirically tuned, not formal accounting rules:

  TransferDerivationThreshold (default 0.90):
    A batch with a parent whose transfers-in reach this fraction of its
    declared initial volume is treated as transfer-derived; its declared
    initial volume is ignored so the transfer is not counted twice.

  PackagingLossTolerance (default 2 L):
    A packaging run whose taken volume is within this distance of
    expected product + declared loss already includes the loss.

WATERFALL FILTERS:
  The waterfall is configured separately from the ledger on purpose. Its
  boundary inclusivity and status filters are the usual source of drift,
  and WaterfallConfig makes them explicit and auditable.

SEE ALSO:
  - factory/policy.go: Loads a Policy from YAML or JSON
*/
package volume

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// PackagingLossMode tells the waterfall how to count packaging declared loss.
type PackagingLossMode string

const (
	// PackagingLossWithinTolerance applies the same embedded-loss rule as the ledger.
	PackagingLossWithinTolerance PackagingLossMode = "tolerance"
	// PackagingLossAlwaysSeparate always adds declared loss to the outflow.
	PackagingLossAlwaysSeparate PackagingLossMode = "always_separate"
)

// Policy is the configuration surface of the engine.
type Policy struct {
	TransferDerivationThreshold decimal.Decimal
	PackagingLossTolerance      Volume
	TaxClasses                  TaxClassMap
	Waterfall                   WaterfallConfig

	// Workers bounds per-batch fan-out. Zero means one per CPU.
	Workers int
}

// WaterfallConfig holds the waterfall's own filtering rules.
type WaterfallConfig struct {
	// StartInclusive/EndInclusive override the period's boundaries when set.
	StartInclusive *bool
	EndInclusive   *bool

	// ProductionStatuses lists the origin statuses whose declared initial
	// volume counts as production.
	ProductionStatuses []OriginStatus

	// SkipSplitDerivedProduction leaves split-derived batches out of production.
	SkipSplitDerivedProduction bool

	// SkipParentedProduction leaves batches with a parent out of production.
	SkipParentedProduction bool

	// CountHistoricalBackfill includes backfilled racking losses.
	CountHistoricalBackfill bool

	PackagingLoss PackagingLossMode
}

// DefaultPolicy returns the policy the engine ships with.
func DefaultPolicy() Policy {
	return Policy{
		TransferDerivationThreshold: decimal.RequireFromString("0.90"),
		PackagingLossTolerance:      LitersFromInt(2),
		TaxClasses:                  DefaultTaxClassMap(),
		Waterfall:                   DefaultWaterfallConfig(),
	}
}

// DefaultWaterfallConfig counts pending and verified batches as production
// and leaves split-derived batches out.
func DefaultWaterfallConfig() WaterfallConfig {
	return WaterfallConfig{
		ProductionStatuses:         []OriginStatus{OriginPending, OriginVerified},
		SkipSplitDerivedProduction: true,
		PackagingLoss:              PackagingLossWithinTolerance,
	}
}

// Validate checks ranges.
func (p Policy) Validate() error {
	if p.TransferDerivationThreshold.IsNegative() || p.TransferDerivationThreshold.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: transfer derivation threshold %s outside [0, 1]",
			ErrInvalidPolicy, p.TransferDerivationThreshold)
	}
	if p.PackagingLossTolerance.IsNegative() {
		return fmt.Errorf("%w: packaging loss tolerance %s is negative",
			ErrInvalidPolicy, p.PackagingLossTolerance)
	}
	if p.Workers < 0 {
		return fmt.Errorf("%w: workers %d is negative", ErrInvalidPolicy, p.Workers)
	}
	switch p.Waterfall.PackagingLoss {
	case PackagingLossWithinTolerance, PackagingLossAlwaysSeparate:
	default:
		return fmt.Errorf("%w: unknown packaging loss mode %q", ErrInvalidPolicy, p.Waterfall.PackagingLoss)
	}
	return p.TaxClasses.Validate()
}

// countsStatus reports whether the waterfall counts s as production.
func (c WaterfallConfig) countsStatus(s OriginStatus) bool {
	for _, st := range c.ProductionStatuses {
		if st == s {
			return true
		}
	}
	return false
}

// Apply returns p with the configured boundary overrides.
func (c WaterfallConfig) Apply(p Period) Period {
	if c.StartInclusive != nil {
		p.StartInclusive = *c.StartInclusive
	}
	if c.EndInclusive != nil {
		p.EndInclusive = *c.EndInclusive
	}
	return p
}
