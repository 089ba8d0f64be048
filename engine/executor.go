/*
executor.go - Retrying transaction executor

PURPOSE:
  The Executor is the single entry point for every state mutation in the
  system. It reads a consistent snapshot of the named documents, invokes the
  transaction function, and commits the staged writes atomically, retrying
  the whole function from scratch when the store detects a write conflict.

CONTRACT FOR TRANSACTION FUNCTIONS:
  - May be invoked more than once per Run call; must be free of side effects
    other than the writes they stage and the result variables they assign.
  - A returned error ABORTS the transaction: nothing is written and the error
    propagates immediately without retry. This is how business rules
    (insufficient balance, tier restrictions) reject an operation.

RETRY POLICY:
  Storage-level version conflicts retry with exponential backoff (sethvargo/
  go-retry), bounded at 5 attempts. Exhaustion surfaces ErrTransientConflict;
  the precise conflict detail is logged server-side only.

SEE ALSO:
  - store.go: The commit contract the executor relies on
  - errors.go: ErrVersionConflict / ErrTransientConflict
*/
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// =============================================================================
// EXECUTOR
// =============================================================================

const (
	// DefaultMaxAttempts bounds how many times a transaction function runs
	// before the conflict is reported as transient.
	DefaultMaxAttempts = 5

	// DefaultBaseBackoff is the initial delay between conflict retries.
	DefaultBaseBackoff = 5 * time.Millisecond
)

// TxnFunc reads from the snapshot and stages writes. See the contract above.
type TxnFunc func(snap *Snapshot, w *Writes) error

// Executor runs transaction functions against a DocStore with bounded,
// backed-off retries on write conflicts.
type Executor struct {
	store       DocStore
	log         *zap.Logger
	maxAttempts uint64
	baseBackoff time.Duration
}

// NewExecutor creates an executor with the default retry policy.
func NewExecutor(store DocStore, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{
		store:       store,
		log:         log,
		maxAttempts: DefaultMaxAttempts,
		baseBackoff: DefaultBaseBackoff,
	}
}

// WithRetryPolicy overrides attempts and base backoff. Zero values keep the
// current setting.
func (e *Executor) WithRetryPolicy(attempts uint64, base time.Duration) *Executor {
	if attempts > 0 {
		e.maxAttempts = attempts
	}
	if base > 0 {
		e.baseBackoff = base
	}
	return e
}

// Run executes fn over a snapshot of keys and commits its writes atomically.
// Business errors from fn abort immediately; version conflicts retry fn from
// a fresh snapshot until the attempt budget is spent.
func (e *Executor) Run(ctx context.Context, keys []Key, fn TxnFunc) error {
	backoff := retry.WithMaxRetries(e.maxAttempts-1, retry.NewExponential(e.baseBackoff))

	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++

		snap, err := e.store.GetMulti(ctx, keys)
		if err != nil {
			return err
		}

		w := NewWrites(snap)
		if err := fn(snap, w); err != nil {
			// Business abort: no writes, no retry.
			return err
		}
		if w.Empty() {
			return nil
		}

		if err := e.store.Commit(ctx, snap.ReadVersions(), w); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				e.log.Debug("commit conflict, retrying transaction",
					zap.Int("attempt", attempt),
					zap.Error(err))
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})

	if err != nil && errors.Is(err, ErrVersionConflict) {
		// Retries exhausted. Log the raw detail, return the generic error.
		e.log.Warn("transaction retries exhausted",
			zap.Int("attempts", attempt),
			zap.Error(err))
		return ErrTransientConflict
	}
	return err
}
