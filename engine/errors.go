/*
errors.go - Centralized error types for the transactional core

PURPOSE:
  All engine error types in one place for consistency and discoverability.
  Domain packages wrap these errors with business context.

ERROR CATEGORIES:
  1. Concurrency errors - Version conflicts and retry exhaustion
  2. Idempotency errors - Missing or duplicate request keys
  3. Store errors - Persistence-level failures

USAGE:
  Domain packages and callers test with errors.Is:

    if errors.Is(err, engine.ErrTransientConflict) {
        // safe to retry the whole request
    }

SEE ALSO:
  - executor.go: Produces ErrTransientConflict
  - store.go: Implementations produce ErrVersionConflict
  - economy/errors.go: Business-rule errors built on the same pattern
*/
package engine

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrVersionConflict is returned by a store commit when a document read by
	// the transaction changed since the snapshot. The executor retries on it;
	// it never escapes to callers directly.
	ErrVersionConflict = errors.New("document version conflict")

	// ErrTransientConflict is returned after conflict retries are exhausted.
	// The operation did not commit and is safe to retry from the top.
	ErrTransientConflict = errors.New("transient conflict, please retry")

	// ErrDocumentNotFound is returned when a required document is absent.
	ErrDocumentNotFound = errors.New("document not found")

	// ErrDuplicateRecord is returned when an append reuses an existing record id.
	ErrDuplicateRecord = errors.New("duplicate record id")

	// ErrIdempotencyKeyRequired is returned when a financial operation is
	// invoked without a caller-supplied idempotency key.
	ErrIdempotencyKeyRequired = errors.New("idempotency key required")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ConflictError reports where a version conflict was detected. It stays
// server-side: the executor logs it and surfaces ErrTransientConflict only.
type ConflictError struct {
	Key      Key
	Expected int64
	Actual   int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s: expected %d, found %d", e.Key, e.Expected, e.Actual)
}

func (e *ConflictError) Unwrap() error { return ErrVersionConflict }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on a fresh attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientConflict) || errors.Is(err, ErrVersionConflict)
}
