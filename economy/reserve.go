/*
reserve.go - Reserve/confirm/rollback for multi-step workflows

PURPOSE:
  Some operations sandwich an external side effect (an image or voice
  generation call) between consuming a resource and delivering the result.
  The external step cannot live inside a storage transaction, so the
  consume is split: Reserve decrements the counter and sets a one-time
  marker keyed by a caller-chosen reference; Confirm finalizes the marker
  after the external step succeeds; Rollback restores the counter when it
  fails.

GUARANTEES:
  - A reference reserves at most once: a retried Reserve with the same
    reference aborts with ErrAlreadyReserved instead of deducting again.
  - Exactly one of: reserve+confirm committed, reserve fully rolled back,
    or a compensation failure logged with a stable reference code. Units
    are never lost without a trace.
  - Rollback only restores from the reserved status. A confirmed
    reservation is final.

SEE ALSO:
  - types.go: Reservation and its status lifecycle
  - inventory.go: The single-transaction consume for simple cases
*/
package economy

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/warp/economy-engine/engine"
	"go.uber.org/zap"
)

// =============================================================================
// RESERVE / CONFIRM / ROLLBACK
// =============================================================================

// reserveInventory decrements the counter and records the reservation under
// ref, one transaction. The unset-to-set transition of the marker is what
// makes a retried reserve safe.
func (s *Service) reserveInventory(ctx context.Context, userID string, card CardType, amount int64, ref string) (*ReserveResult, error) {
	if amount <= 0 {
		return nil, &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if ref == "" {
		return nil, &ValidationError{Field: "reference", Reason: "must not be empty"}
	}

	key := accountKey(userID)
	var res ReserveResult

	err := s.exec.Run(ctx, []engine.Key{key}, func(snap *engine.Snapshot, w *engine.Writes) error {
		acct, err := loadAccount(snap, userID)
		if err != nil {
			return err
		}
		if _, exists := acct.Reservations[ref]; exists {
			return ErrAlreadyReserved
		}
		if acct.Inventory[card] < amount {
			return ErrInsufficientInventory
		}

		now := s.now()
		acct.Inventory[card] -= amount
		acct.Reservations[ref] = Reservation{
			CardType:   card,
			Amount:     amount,
			Status:     ReservationReserved,
			ReservedAt: now,
		}
		acct.UpdatedAt = now
		res = ReserveResult{
			Reference: ref,
			CardType:  card,
			Amount:    amount,
			Remaining: acct.Inventory[card],
		}
		return w.Put(key, acct)
	})
	if err != nil {
		return nil, err
	}

	s.audit.Record(engine.AuditEntry{
		UserID:       userID,
		ResourceType: string(card),
		Action:       engine.AuditConsume,
		Amount:       amount,
		Before:       res.Remaining + amount,
		After:        res.Remaining,
		Reason:       "reserve",
		Metadata:     map[string]string{"reference": ref},
	})
	return &res, nil
}

// confirmReservation finalizes a reservation after the external step
// succeeded. Confirming an already-confirmed reservation is a no-op, so the
// caller may retry safely.
func (s *Service) confirmReservation(ctx context.Context, userID, ref string) error {
	key := accountKey(userID)
	return s.exec.Run(ctx, []engine.Key{key}, func(snap *engine.Snapshot, w *engine.Writes) error {
		acct, err := loadAccount(snap, userID)
		if err != nil {
			return err
		}
		r, ok := acct.Reservations[ref]
		if !ok {
			return ErrReservationNotFound
		}
		if r.Status == ReservationConfirmed {
			return nil
		}

		now := s.now()
		r.Status = ReservationConfirmed
		r.ConfirmedAt = &now
		acct.Reservations[ref] = r
		acct.UpdatedAt = now
		return w.Put(key, acct)
	})
}

// rollbackReservation restores the reserved units and removes the marker.
// Only a reservation still in the reserved status can roll back.
func (s *Service) rollbackReservation(ctx context.Context, userID, ref string) error {
	key := accountKey(userID)
	var card CardType
	var amount, after int64

	err := s.exec.Run(ctx, []engine.Key{key}, func(snap *engine.Snapshot, w *engine.Writes) error {
		acct, err := loadAccount(snap, userID)
		if err != nil {
			return err
		}
		r, ok := acct.Reservations[ref]
		if !ok {
			return ErrReservationNotFound
		}
		if r.Status != ReservationReserved {
			return &ValidationError{Field: "reference", Reason: "reservation already confirmed"}
		}

		card, amount = r.CardType, r.Amount
		acct.Inventory[r.CardType] += r.Amount
		after = acct.Inventory[r.CardType]
		delete(acct.Reservations, ref)
		acct.UpdatedAt = s.now()
		return w.Put(key, acct)
	})
	if err != nil {
		return err
	}

	s.audit.Record(engine.AuditEntry{
		UserID:       userID,
		ResourceType: string(card),
		Action:       engine.AuditAdd,
		Amount:       amount,
		Before:       after - amount,
		After:        after,
		Reason:       "reservation rollback",
		Metadata:     map[string]string{"reference": ref},
	})
	return nil
}

// =============================================================================
// COORDINATOR - The full reserve/external/confirm-or-rollback cycle
// =============================================================================

// ExternalStep is the side-effecting call between reserve and confirm. The
// coordinator bounds it with a timeout; a timeout is a failure and triggers
// rollback.
type ExternalStep func(ctx context.Context) error

// DefaultStepTimeout bounds the external step when the coordinator's caller
// does not override it.
const DefaultStepTimeout = 60 * time.Second

// Coordinator drives the reserve/external/confirm-or-rollback cycle and
// owns the compensation-failure escalation.
type Coordinator struct {
	svc         *Service
	log         *zap.Logger
	stepTimeout time.Duration
}

// NewCoordinator wires a coordinator over the service.
func NewCoordinator(svc *Service, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{svc: svc, log: log, stepTimeout: DefaultStepTimeout}
}

// WithStepTimeout overrides the external-step timeout. Zero keeps current.
func (c *Coordinator) WithStepTimeout(d time.Duration) *Coordinator {
	if d > 0 {
		c.stepTimeout = d
	}
	return c
}

// Execute reserves amount units of card under ref, runs step, and confirms
// on success or rolls back on failure. A failed rollback is escalated: the
// full detail is logged as a compensation failure under a stable reference
// code, and a CompensationError carrying that code is returned.
func (c *Coordinator) Execute(ctx context.Context, userID string, card CardType, amount int64, ref string, step ExternalStep) error {
	if _, err := c.svc.reserveInventory(ctx, userID, card, amount, ref); err != nil {
		return err
	}

	stepCtx, cancel := context.WithTimeout(ctx, c.stepTimeout)
	stepErr := step(stepCtx)
	cancel()

	if stepErr == nil {
		if err := c.svc.confirmReservation(ctx, userID, ref); err != nil {
			// The units are already consumed and the external step is done;
			// the reservation stays in the reserved status and a later
			// confirm retry can finalize it. Surface the error as-is.
			return err
		}
		return nil
	}

	// Rollback runs on a detached context: the caller may already have
	// given up, but the units must still come back.
	rbCtx, rbCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer rbCancel()
	if rbErr := c.svc.rollbackReservation(rbCtx, userID, ref); rbErr != nil {
		code := uuid.NewString()
		c.log.Error("compensation failure, manual reconciliation required",
			zap.String("reference", code),
			zap.String("userId", userID),
			zap.String("reservation", ref),
			zap.String("cardType", string(card)),
			zap.Int64("amount", amount),
			zap.NamedError("stepError", stepErr),
			zap.NamedError("rollbackError", rbErr))
		return &CompensationError{Reference: code, Cause: rbErr}
	}
	return stepErr
}

// IsCompensationFailure reports whether err carries a compensation failure.
func IsCompensationFailure(err error) bool {
	var ce *CompensationError
	return errors.As(err, &ce)
}
