/*
errors.go - Error taxonomy for the inventory engine

PURPOSE:
  Every error a caller can see classifies into one of four kinds:
  validation, not found, conflict, internal. Sentinels are chained with
  %w so errors.Is works at both levels:

    errors.Is(err, ErrDuplicateCode)  // specific
    errors.Is(err, ErrConflict)       // kind

  Structured errors carry context and unwrap to their sentinel.

SEE ALSO:
  - store/sqlstore: Maps driver errors onto these sentinels
  - api/handlers.go: Maps kinds onto HTTP status codes
*/
package inventory

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")

	// ErrDuplicateCode is returned when a code column already holds the value.
	ErrDuplicateCode = fmt.Errorf("%w: duplicate code", ErrConflict)

	// ErrInsufficientStock is returned when a removal exceeds derived stock.
	ErrInsufficientStock = fmt.Errorf("%w: insufficient stock", ErrValidation)

	// ErrUnknownTxType is returned for types outside the sign table.
	ErrUnknownTxType = fmt.Errorf("%w: unknown transaction type", ErrValidation)

	// ErrStaleSnapshot is returned when stock moved after the caller read it.
	ErrStaleSnapshot = fmt.Errorf("%w: stock changed since it was read", ErrConflict)

	ErrTransferNotPending = fmt.Errorf("%w: transfer request is not pending", ErrConflict)
	ErrAlreadyReversed    = fmt.Errorf("%w: operation already reversed", ErrConflict)
	ErrAlreadyInactive    = fmt.Errorf("%w: record already inactive", ErrConflict)

	// ErrCorruptLedger is returned on read when a stored row cannot be signed.
	ErrCorruptLedger = errors.New("corrupt ledger row")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid is shorthand for a field-level ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

type UnknownTxTypeError struct {
	Type TxType
}

func (e *UnknownTxTypeError) Error() string {
	return fmt.Sprintf("unknown transaction type %q", string(e.Type))
}

func (e *UnknownTxTypeError) Unwrap() error { return ErrUnknownTxType }

type InsufficientStockError struct {
	ItemID    ItemID
	StoreNo   StoreNo
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for item %s at store %d: available %s, requested %s",
		e.ItemID, e.StoreNo, e.Available, e.Requested)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

type StaleSnapshotError struct {
	ItemID   ItemID
	StoreNo  StoreNo
	Expected decimal.Decimal
	Actual   decimal.Decimal
}

func (e *StaleSnapshotError) Error() string {
	return fmt.Sprintf("stock for item %s at store %d is %s, caller expected %s",
		e.ItemID, e.StoreNo, e.Actual, e.Expected)
}

func (e *StaleSnapshotError) Unwrap() error { return ErrStaleSnapshot }

type TransferStateError struct {
	ID     string
	Status TransferStatus
}

func (e *TransferStateError) Error() string {
	return fmt.Sprintf("transfer request %s is %s, not PENDING", e.ID, e.Status)
}

func (e *TransferStateError) Unwrap() error { return ErrTransferNotPending }

// =============================================================================
// ERROR HELPERS
// =============================================================================

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	default:
		return "internal"
	}
}

// KindOf classifies err. nil is internal; callers check nil first.
func KindOf(err error) Kind {
	switch {
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	default:
		return KindInternal
	}
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict returns true when a retry with fresh state might succeed.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
