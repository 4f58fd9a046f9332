/*
errors.go - Centralized error types for the ledger core

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers classify failures with errors.Is against the sentinels and read
  the numbers from the structured errors with errors.As.

ERROR CATEGORIES:
  1. NotFound            - referenced entity absent
  2. InvalidState        - operation not permitted given current status,
                           or a total-amount revision below what is committed
  3. InsufficientBalance - amount exceeds the relevant balance (0.01 tolerance)
  4. Conflict            - duplicate number/name, or delete blocked by children
  5. Forbidden           - actor lacks the elevated role
  6. Validation          - malformed input (non-positive amount, blank number)

MESSAGES:
  Operators reconcile real money, so every structured error names the
  entity and the amounts involved.

SEE ALSO:
  - ledger.go: Returns these errors
  - api/handlers.go: Maps them to HTTP status codes
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidState        = errors.New("invalid state")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrConflict            = errors.New("conflict")
	ErrForbidden           = errors.New("forbidden")
	ErrValidation          = errors.New("validation failed")

	// ErrDuplicateKey is returned by stores when a unique constraint rejects
	// a write. The ledger translates it into a ConflictError.
	ErrDuplicateKey = errors.New("duplicate key")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundError names the missing entity.
type NotFoundError struct {
	Entity string
	ID     int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// InsufficientBalanceError reports a requested amount above the balance it
// draws on.
type InsufficientBalanceError struct {
	Balance   string // e.g. `available balance of credit note "2024NC000123"`
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("requested amount %s exceeds %s of %s",
		e.Requested.StringFixed(2), e.Balance, e.Available.StringFixed(2))
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// Shortfall is how much the request exceeds the balance by.
func (e *InsufficientBalanceError) Shortfall() decimal.Decimal {
	return e.Requested.Sub(e.Available)
}

// StateError reports an operation the current status does not allow.
type StateError struct {
	Subject string
	Status  Status
	Action  string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s: %s has status %s", e.Action, e.Subject, e.Status)
}

func (e *StateError) Unwrap() error { return ErrInvalidState }

// ShortfallError reports a total-amount revision below the committed amount.
type ShortfallError struct {
	Number    string
	NewTotal  decimal.Decimal
	Committed decimal.Decimal
}

func (e *ShortfallError) Shortfall() decimal.Decimal {
	return e.Committed.Sub(e.NewTotal)
}

func (e *ShortfallError) Error() string {
	return fmt.Sprintf("new total %s of credit note %q is below the %s already committed (shortfall %s)",
		e.NewTotal.StringFixed(2), e.Number, e.Committed.StringFixed(2), e.Shortfall().StringFixed(2))
}

func (e *ShortfallError) Unwrap() error { return ErrInvalidState }

// ConflictError reports a uniqueness violation or a delete blocked by a
// dependent relation.
type ConflictError struct {
	Resource string
	Reason   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: %s", e.Resource, e.Reason)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// ForbiddenError reports an actor without the elevated role.
type ForbiddenError struct {
	Actor  string
	Action string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("%s is not allowed to %s", e.Actor, e.Action)
}

func (e *ForbiddenError) Unwrap() error { return ErrForbidden }

// ValidationError reports malformed input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to the request, not a fault.
func IsClientError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrValidation)
}

// IsNotFound returns true if the error indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func notFound(entity string, id int64) error {
	return &NotFoundError{Entity: entity, ID: id}
}
