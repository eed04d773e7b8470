/*
Package volume provides the volume reconciliation engine.

PURPOSE:
  This package reconstructs how much liquid every batch holds at an arbitrary
  point in time by replaying its recorded volume events, aggregates those
  balances into regulatory tax classes, computes an independent aggregate
  "waterfall" over the same period, and decomposes any difference between
  the two into signed per-category variances.

KEY CONCEPTS IN THIS FILE (types.go):
  - Volume: A quantity of liquid, always normalized to liters
  - Batch: A tracked quantity of liquid from creation to depletion
  - Classification / OriginStatus: Human-asserted attributes of a batch
  - BatchID / EventID: Type-safe identifiers

DESIGN PRINCIPLES:
  1. Derived, never cached: balances are recomputed from events every run
  2. Precision: decimal.Decimal everywhere, no floating point in sums
  3. Arena lookup: batches reference each other by ID, never by pointer
  4. Read-only: the engine never writes back to the event store

USAGE:
  rec := volume.NewReconstructor(volume.DefaultPolicy(), batches, logger)
  bal := rec.ReconstructBalance(batch, events, cutoff)
  fmt.Println(bal.Clamped, bal.ClampedLoss)

SEE ALSO:
  - events.go: The closed set of volume events
  - reconstruct.go: Per-batch replay
  - aggregate.go: Tax-class totals
  - waterfall.go: Independent aggregate
  - variance.go: Variance decomposition
*/
package volume

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// VOLUME - Quantity of liquid in liters
// =============================================================================

// Volume is a quantity of liquid normalized to liters.
type Volume struct {
	Liters decimal.Decimal
}

// Unit is a source unit accepted at the adapter boundary.
type Unit string

const (
	UnitLiters      Unit = "l"
	UnitMilliliters Unit = "ml"
	UnitHectoliters Unit = "hl"
	UnitGallons     Unit = "gal" // US liquid gallon
)

var (
	thousand     = decimal.NewFromInt(1000)
	hundred      = decimal.NewFromInt(100)
	litersPerGal = decimal.RequireFromString("3.785411784")
	zeroLiters   = Volume{Liters: decimal.Zero}
)

// Zero is the empty volume.
func Zero() Volume { return zeroLiters }

// L returns a volume of the given number of liters.
func L(liters float64) Volume {
	return Volume{Liters: decimal.NewFromFloat(liters)}
}

// LitersFromInt returns a volume of n liters.
func LitersFromInt(n int64) Volume {
	return Volume{Liters: decimal.NewFromInt(n)}
}

// ParseLiters parses a decimal string as liters.
func ParseLiters(s string) (Volume, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Volume{}, fmt.Errorf("parse liters %q: %w", s, err)
	}
	return Volume{Liters: d}, nil
}

// MustParseLiters is ParseLiters for literals; it panics on malformed input.
func MustParseLiters(s string) Volume {
	return Volume{Liters: decimal.RequireFromString(s)}
}

// FromUnit converts a quantity expressed in unit into liters.
func FromUnit(value decimal.Decimal, unit Unit) (Volume, error) {
	switch unit {
	case UnitLiters, "":
		return Volume{Liters: value}, nil
	case UnitMilliliters:
		return Volume{Liters: value.Div(thousand)}, nil
	case UnitHectoliters:
		return Volume{Liters: value.Mul(hundred)}, nil
	case UnitGallons:
		return Volume{Liters: value.Mul(litersPerGal)}, nil
	default:
		return Volume{}, fmt.Errorf("unknown volume unit %q", unit)
	}
}

func (v Volume) Add(o Volume) Volume          { return Volume{Liters: v.Liters.Add(o.Liters)} }
func (v Volume) Sub(o Volume) Volume          { return Volume{Liters: v.Liters.Sub(o.Liters)} }
func (v Volume) Mul(s decimal.Decimal) Volume { return Volume{Liters: v.Liters.Mul(s)} }
func (v Volume) Neg() Volume                  { return Volume{Liters: v.Liters.Neg()} }
func (v Volume) Abs() Volume                  { return Volume{Liters: v.Liters.Abs()} }
func (v Volume) IsZero() bool                 { return v.Liters.IsZero() }
func (v Volume) IsNegative() bool             { return v.Liters.IsNegative() }
func (v Volume) IsPositive() bool             { return v.Liters.IsPositive() }
func (v Volume) Cmp(o Volume) int             { return v.Liters.Cmp(o.Liters) }
func (v Volume) Equal(o Volume) bool          { return v.Liters.Equal(o.Liters) }
func (v Volume) GreaterThan(o Volume) bool    { return v.Liters.GreaterThan(o.Liters) }
func (v Volume) LessThan(o Volume) bool       { return v.Liters.LessThan(o.Liters) }

// GreaterThanOrEqual reports whether v >= o.
func (v Volume) GreaterThanOrEqual(o Volume) bool { return v.Liters.GreaterThanOrEqual(o.Liters) }

// ClampAtZero returns max(0, v).
func (v Volume) ClampAtZero() Volume {
	if v.IsNegative() {
		return zeroLiters
	}
	return v
}

// String renders the volume with four decimals, e.g. "12.5000 L".
func (v Volume) String() string { return v.Liters.StringFixed(4) + " L" }

// MarshalJSON encodes the liters as a JSON string to keep full precision.
func (v Volume) MarshalJSON() ([]byte, error) { return v.Liters.MarshalJSON() }

// UnmarshalJSON accepts a JSON string or number of liters.
func (v *Volume) UnmarshalJSON(b []byte) error { return v.Liters.UnmarshalJSON(b) }

// Sum adds up vs.
func Sum(vs ...Volume) Volume {
	total := zeroLiters
	for _, v := range vs {
		total = total.Add(v)
	}
	return total
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type BatchID string
type EventID string

// =============================================================================
// BATCH - A tracked quantity of liquid
// =============================================================================

// Classification is the product classification of a batch.
type Classification string

const (
	ClassBaseFerment      Classification = "base-ferment"
	ClassSecondaryFerment Classification = "secondary-ferment"
	ClassFortifiedBlend   Classification = "fortified-blend"
	ClassJuiceOnly        Classification = "juice-only"
	ClassDistillateResult Classification = "distillate-result"
	ClassOther            Classification = "other"
)

// Valid reports whether c is one of the known classifications.
func (c Classification) Valid() bool {
	switch c {
	case ClassBaseFerment, ClassSecondaryFerment, ClassFortifiedBlend,
		ClassJuiceOnly, ClassDistillateResult, ClassOther:
		return true
	}
	return false
}

// OriginStatus is a human-asserted flag about whether a batch's declared
// initial volume counts as new production.
type OriginStatus string

const (
	OriginPending   OriginStatus = "pending"
	OriginVerified  OriginStatus = "verified"
	OriginDuplicate OriginStatus = "duplicate"
	OriginExcluded  OriginStatus = "excluded"
)

// Batch is a quantity of liquid tracked as a unit from creation to depletion.
//
// ParentBatchID is a weak lookup relation. A batch is never owned by its
// parent and is never dropped because its parent is.
type Batch struct {
	ID                    BatchID
	ParentBatchID         BatchID // empty when the batch has no parent
	Classification        Classification
	DeclaredInitialVolume Volume
	OriginStatus          OriginStatus
	IsDerivedBySplit      bool
	StartedAt             time.Time
}

// HasParent reports whether the batch was created from another batch.
func (b Batch) HasParent() bool { return b.ParentBatchID != "" }

// BatchIndex is an arena of batches keyed by ID. Counterpart references on
// events are resolved through it.
type BatchIndex map[BatchID]Batch

// NewBatchIndex indexes batches by ID. Later duplicates win.
func NewBatchIndex(batches []Batch) BatchIndex {
	idx := make(BatchIndex, len(batches))
	for _, b := range batches {
		idx[b.ID] = b
	}
	return idx
}

// Resolve looks up a batch by ID.
func (idx BatchIndex) Resolve(id BatchID) (Batch, bool) {
	b, ok := idx[id]
	return b, ok
}
