/*
errors.go - Centralized error types for the fee engine

ERROR CATEGORIES:
  1. Validation - bad input, detected before any write
  2. Not found - missing student, definition or obligation
  3. Insufficient credit - ledger draw exceeds what exists
  4. Concurrency conflict - lost update detected at write time
  5. Persistence - underlying store failure

Validation and not-found errors are returned before a transaction opens.
Credit, concurrency and persistence errors abort the active transaction.
Audit failures never surface here; see audit.go.

USAGE:
  if errors.Is(err, fees.ErrInsufficientCredit) { ... }

  var nf *fees.NotFoundError
  if errors.As(err, &nf) { log(nf.Entity, nf.ID) }
*/
package fees

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation          = errors.New("validation failed")
	ErrNotFound            = errors.New("not found")
	ErrInsufficientCredit  = errors.New("insufficient credit")
	ErrConcurrencyConflict = errors.New("concurrent modification detected")
	ErrPersistence         = errors.New("persistence failure")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

type InsufficientCreditError struct {
	StudentID StudentID
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientCreditError) Error() string {
	return fmt.Sprintf("insufficient credit for %s: available %s, requested %s",
		e.StudentID, e.Available.StringFixed(MoneyScale), e.Requested.StringFixed(MoneyScale))
}

func (e *InsufficientCreditError) Unwrap() error { return ErrInsufficientCredit }

type ConcurrencyConflictError struct {
	Entity string
	ID     string
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("concurrent modification of %s %s", e.Entity, e.ID)
}

func (e *ConcurrencyConflictError) Unwrap() error { return ErrConcurrencyConflict }

// PersistenceError wraps a driver error. Both the sentinel and the
// underlying error match errors.Is.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

// Persistence wraps err unless it is nil or already a domain error.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConcurrencyConflict) ||
		errors.Is(err, ErrInsufficientCredit) || errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrPersistence) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed in a fresh transaction.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrInsufficientCredit)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// ErrorCode maps an error to the stable code carried by PaymentResult.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInsufficientCredit):
		return "insufficient_credit"
	case errors.Is(err, ErrConcurrencyConflict):
		return "concurrency_conflict"
	default:
		return "persistence_error"
	}
}
