/*
errors.go - Centralized error types for the reconciliation engine

PURPOSE:
  All error types in one place. Only data-access failures abort a run; every
  other irregularity in the event history is reported as an Anomaly and the
  run continues.

ERROR CATEGORIES:
  1. Fatal - DataAccessError: the event store could not be read
  2. Input - invalid period or policy supplied by the caller
  3. Recoverable - UnresolvedCounterpartError, surfaced through Anomaly

NOT ERRORS:
  - A negative reconstructed balance is clamped and reported as loss
  - A non-zero variance is the decomposer's normal output

SEE ALSO:
  - anomaly.go: Recoverable data-quality signals
  - store.go: Adapters wrap failures in DataAccessError
*/
package volume

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrDataAccess is returned when source events cannot be read. A run that
	// sees it produces no totals at all.
	ErrDataAccess = errors.New("could not read source events")

	// ErrBatchNotFound is returned by single-batch lookups.
	ErrBatchNotFound = errors.New("batch not found")

	// ErrInvalidPeriod is returned when a period is malformed.
	ErrInvalidPeriod = errors.New("invalid period")

	// ErrInvalidPolicy is returned when policy values are out of range.
	ErrInvalidPolicy = errors.New("invalid reconciliation policy")

	// ErrSourceRequired is returned when a component is built without a source.
	ErrSourceRequired = errors.New("event source is required")

	// ErrUnresolvedCounterpart marks an event whose counterpart batch is unknown.
	ErrUnresolvedCounterpart = errors.New("unresolved counterpart reference")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// DataAccessError wraps a storage failure with the operation that failed.
type DataAccessError struct {
	Op  string
	Err error
}

func (e *DataAccessError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrDataAccess, e.Op, e.Err)
}

// Unwrap exposes both the sentinel and the cause.
func (e *DataAccessError) Unwrap() []error {
	return []error{ErrDataAccess, e.Err}
}

// WrapDataAccess wraps err as a DataAccessError. nil stays nil.
func WrapDataAccess(op string, err error) error {
	if err == nil {
		return nil
	}
	var dae *DataAccessError
	if errors.As(err, &dae) {
		return err
	}
	return &DataAccessError{Op: op, Err: err}
}

// UnresolvedCounterpartError describes one leg whose counterpart is unknown.
type UnresolvedCounterpartError struct {
	BatchID     BatchID
	EventID     EventID
	Kind        EventKind
	Counterpart BatchID
}

func (e *UnresolvedCounterpartError) Error() string {
	return fmt.Sprintf("%s: %s event %s on batch %s references %s",
		ErrUnresolvedCounterpart, e.Kind, e.EventID, e.BatchID, e.Counterpart)
}

func (e *UnresolvedCounterpartError) Unwrap() error {
	return ErrUnresolvedCounterpart
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsFatal reports whether err must abort a reconciliation run.
func IsFatal(err error) bool {
	return errors.Is(err, ErrDataAccess)
}

// IsClientError reports whether err was caused by caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidPeriod) || errors.Is(err, ErrInvalidPolicy)
}

// IsNotFound reports whether err indicates a missing batch.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrBatchNotFound)
}
