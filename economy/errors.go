/*
errors.go - Business-rule errors for the economy domain

PURPOSE:
  All domain error types in one place. These errors abort transactions
  before any write: the engine propagates them immediately without retry.

ERROR CATEGORIES:
  1. Validation errors - Bad asset types, amounts, unknown gifts
  2. Resource errors - Insufficient balance or inventory
  3. Rule errors - Tier restrictions, duplicate activations, refund limits
  4. Compensation errors - Rollback failed, manual reconciliation needed

MESSAGE SAFETY:
  Every Error() string here is safe to return to an end user. Internal
  detail (document versions, conflict sites) stays in server-side logs.

USAGE:
  if errors.Is(err, economy.ErrInsufficientBalance) { ... }

  var verr *economy.ValidationError
  if errors.As(err, &verr) { ... }

SEE ALSO:
  - engine/errors.go: Concurrency errors the executor produces
  - api/handlers.go: Maps these onto HTTP status codes
*/
package economy

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is the base for request-shape failures.
	ErrValidation = errors.New("invalid request")

	// ErrAccountNotFound is returned when the account document is absent.
	ErrAccountNotFound = errors.New("account not found")

	// ErrAccountExists is returned when creating an account that exists.
	ErrAccountExists = errors.New("account already exists")

	// ErrInsufficientBalance is returned when a debit exceeds the balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInsufficientInventory is returned when a consume exceeds the counter.
	ErrInsufficientInventory = errors.New("insufficient inventory")

	// ErrDuplicateActivation is returned when a live effect already exists
	// for the same potion and target.
	ErrDuplicateActivation = errors.New("effect already active for this target")

	// ErrTierRestricted is returned when the account's tier does not allow
	// the requested item.
	ErrTierRestricted = errors.New("not available for your membership tier")

	// ErrAlreadyReserved is returned when a reservation reference is reused.
	ErrAlreadyReserved = errors.New("reservation reference already used")

	// ErrReservationNotFound is returned by confirm/rollback for an unknown
	// reference.
	ErrReservationNotFound = errors.New("reservation not found")

	// ErrAlreadyRefunded is returned when a transaction was refunded before.
	ErrAlreadyRefunded = errors.New("transaction already refunded")

	// ErrRefundWindowClosed is returned when the refund window has passed.
	ErrRefundWindowClosed = errors.New("refund window closed")

	// ErrTransactionNotFound is returned when a refund names an unknown or
	// foreign transaction.
	ErrTransactionNotFound = errors.New("transaction not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field. Unwraps to ErrValidation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// CompensationError reports that a rollback transaction itself failed. The
// Reference is a stable code logged alongside the full detail, for manual
// reconciliation. Never swallow this error.
type CompensationError struct {
	Reference string
	Cause     error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("compensation failed, reference %s", e.Reference)
}

func (e *CompensationError) Unwrap() error { return e.Cause }

// IsClientError reports whether err is caused by the request rather than the
// system, so the API layer can map it to a 4xx status.
func IsClientError(err error) bool {
	for _, target := range []error{
		ErrValidation, ErrAccountNotFound, ErrAccountExists,
		ErrInsufficientBalance, ErrInsufficientInventory,
		ErrDuplicateActivation, ErrTierRestricted,
		ErrAlreadyReserved, ErrReservationNotFound,
		ErrAlreadyRefunded, ErrRefundWindowClosed, ErrTransactionNotFound,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
