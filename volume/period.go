package volume

import (
	"fmt"
	"time"
)

// =============================================================================
// PERIOD - The reporting window for a reconciliation run
// =============================================================================

// Period is the reporting window of a reconciliation run.
//
// The ledger side always uses closed cutoffs (At <= cutoff). The boundary
// flags only govern the waterfall's range filters, which is where the two
// computations are allowed to disagree.
//
// Examples:
//   - Calendar month, closed:      [Mar 1 00:00, Mar 31 23:59:59.999999999]
//   - Half-open month:             [Mar 1 00:00, Apr 1 00:00)
type Period struct {
	Start          time.Time
	End            time.Time
	StartInclusive bool
	EndInclusive   bool
}

// ClosedPeriod returns [start, end].
func ClosedPeriod(start, end time.Time) Period {
	return Period{Start: start, End: end, StartInclusive: true, EndInclusive: true}
}

// MonthPeriod returns the closed calendar month in UTC.
func MonthPeriod(year int, month time.Month) Period {
	start := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0).Add(-time.Nanosecond)
	return ClosedPeriod(start, end)
}

// PreviousMonth returns the closed calendar month before the one containing t.
func PreviousMonth(t time.Time) Period {
	first := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -1, 0)
	return MonthPeriod(first.Year(), first.Month())
}

// Validate checks that the period is well formed.
func (p Period) Validate() error {
	if p.Start.IsZero() || p.End.IsZero() {
		return fmt.Errorf("%w: start and end are required", ErrInvalidPeriod)
	}
	if p.End.Before(p.Start) {
		return fmt.Errorf("%w: end %s before start %s", ErrInvalidPeriod,
			p.End.Format(time.RFC3339), p.Start.Format(time.RFC3339))
	}
	return nil
}

// Contains reports whether t falls in the period under its boundary rules.
func (p Period) Contains(t time.Time) bool {
	return p.Range().Contains(t)
}

// BeforeStart reports whether t belongs to the opening balance, i.e. falls
// before the period under its start boundary rule.
func (p Period) BeforeStart(t time.Time) bool {
	return p.OpeningRange().Contains(t)
}

// OpeningCutoff is the last instant included in the ledger's opening
// balance: the instant before Start.
func (p Period) OpeningCutoff() time.Time {
	return p.Start.Add(-time.Nanosecond)
}

// ClosingCutoff is the ledger's closing cutoff.
func (p Period) ClosingCutoff() time.Time {
	return p.End
}

// String renders the period with interval notation.
func (p Period) String() string {
	lb, rb := "(", ")"
	if p.StartInclusive {
		lb = "["
	}
	if p.EndInclusive {
		rb = "]"
	}
	return lb + p.Start.Format(time.RFC3339) + ", " + p.End.Format(time.RFC3339) + rb
}

// =============================================================================
// RANGE - Timestamp filter handed to event tables
// =============================================================================

// Range selects events by timestamp. A zero From is unbounded below.
type Range struct {
	From          time.Time
	To            time.Time
	FromInclusive bool
	ToInclusive   bool
}

// Contains reports whether t is inside the range.
func (r Range) Contains(t time.Time) bool {
	if !r.From.IsZero() {
		if r.FromInclusive && t.Before(r.From) {
			return false
		}
		if !r.FromInclusive && !t.After(r.From) {
			return false
		}
	}
	if r.ToInclusive {
		return !t.After(r.To)
	}
	return t.Before(r.To)
}

// Range is the in-period range.
func (p Period) Range() Range {
	return Range{From: p.Start, To: p.End, FromInclusive: p.StartInclusive, ToInclusive: p.EndInclusive}
}

// OpeningRange is everything before the period under its start rule.
func (p Period) OpeningRange() Range {
	return Range{To: p.Start, ToInclusive: !p.StartInclusive}
}
