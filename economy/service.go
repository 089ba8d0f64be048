/*
service.go - The economy service facade

PURPOSE:
  Service is what the API layer talks to. Every financially effective
  operation takes a caller-supplied idempotency key and runs through the
  guard: a repeated key returns the first execution's result, and
  concurrent duplicates collapse onto one execution. Read operations and
  the structurally idempotent reservation finalizers skip the guard.

KEY NAMESPACING:
  Guard keys are prefixed with the operation name and user id, so the same
  client key on different operations or users cannot collide.

SEE ALSO:
  - engine/idempotency.go: Guard semantics
  - wallet.go / inventory.go / potion.go / gift.go / reserve.go: The
    underlying transactions
*/
package economy

import (
	"context"
	"encoding/json"
	"time"

	"github.com/warp/economy-engine/engine"
	"go.uber.org/zap"
)

// =============================================================================
// SERVICE
// =============================================================================

// Service exposes the economy operations. Construct with NewService.
type Service struct {
	store engine.Store
	exec  *engine.Executor
	guard engine.Guard
	audit *engine.Recorder
	log   *zap.Logger
	now   func() time.Time
}

// NewService wires the service over a store, idempotency guard and audit
// recorder. The logger may be nil.
func NewService(store engine.Store, guard engine.Guard, audit *engine.Recorder, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		store: store,
		exec:  engine.NewExecutor(store, log),
		guard: guard,
		audit: audit,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source. Tests only.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Executor exposes the underlying executor for callers composing their own
// transactions (and for retry-policy tuning at startup).
func (s *Service) Executor() *engine.Executor { return s.exec }

// guarded funnels an operation through the idempotency guard and decodes
// the (possibly cached) JSON result back into its concrete type.
func guarded[T any](ctx context.Context, s *Service, op, userID, key string, fn func(ctx context.Context) (*T, error)) (*T, error) {
	if key == "" {
		return nil, engine.ErrIdempotencyKeyRequired
	}
	raw, _, err := s.guard.Do(ctx, op+":"+userID+":"+key, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// =============================================================================
// WALLET
// =============================================================================

// CreditWallet adds coins to the balance.
func (s *Service) CreditWallet(ctx context.Context, key, userID string, amount int64, reason string, metadata map[string]string) (*WalletResult, error) {
	return guarded(ctx, s, "creditWallet", userID, key, func(ctx context.Context) (*WalletResult, error) {
		return s.credit(ctx, userID, amount, CoinTxCredit, reason, metadata)
	})
}

// DebitWallet removes coins from the balance.
func (s *Service) DebitWallet(ctx context.Context, key, userID string, amount int64, reason string, metadata map[string]string) (*WalletResult, error) {
	return guarded(ctx, s, "debitWallet", userID, key, func(ctx context.Context) (*WalletResult, error) {
		return s.debit(ctx, userID, amount, CoinTxSpend, reason, metadata)
	})
}

// AdjustBalance is the administrative credit path, recorded distinctly in
// the history.
func (s *Service) AdjustBalance(ctx context.Context, key, userID string, amount int64, reason string) (*WalletResult, error) {
	return guarded(ctx, s, "adjustBalance", userID, key, func(ctx context.Context) (*WalletResult, error) {
		return s.credit(ctx, userID, amount, CoinTxAdmin, reason, nil)
	})
}

// SetBalance overwrites the balance to an absolute value, recording the
// signed difference as an admin entry. Test accounts and support tooling.
func (s *Service) SetBalance(ctx context.Context, key, userID string, balance int64) (*WalletResult, error) {
	return guarded(ctx, s, "setBalance", userID, key, func(ctx context.Context) (*WalletResult, error) {
		return s.setBalance(ctx, userID, balance)
	})
}

// RefundTransaction reverses a prior spend within the refund window,
// taking back any assets the spend granted.
func (s *Service) RefundTransaction(ctx context.Context, key, userID, transactionID string) (*WalletResult, error) {
	return guarded(ctx, s, "refund", userID, key, func(ctx context.Context) (*WalletResult, error) {
		return s.refund(ctx, userID, transactionID)
	})
}

// =============================================================================
// INVENTORY
// =============================================================================

// AddInventory increments a card counter. assetType accepts legacy aliases.
func (s *Service) AddInventory(ctx context.Context, key, userID, assetType string, amount int64, reason string) (*InventoryResult, error) {
	card, err := ParseCardType(assetType)
	if err != nil {
		return nil, err
	}
	return guarded(ctx, s, "addInventory", userID, key, func(ctx context.Context) (*InventoryResult, error) {
		return s.addAsset(ctx, userID, card, amount, reason)
	})
}

// ConsumeInventory decrements a card counter.
func (s *Service) ConsumeInventory(ctx context.Context, key, userID, assetType string, amount int64, reason string) (*InventoryResult, error) {
	card, err := ParseCardType(assetType)
	if err != nil {
		return nil, err
	}
	return guarded(ctx, s, "consumeInventory", userID, key, func(ctx context.Context) (*InventoryResult, error) {
		return s.consumeAsset(ctx, userID, card, amount, reason)
	})
}

// PurchasePackage buys the bundle registered under sku: one transaction
// debits the price and credits every card it contains.
func (s *Service) PurchasePackage(ctx context.Context, key, userID, sku string) (*PackagePurchaseResult, error) {
	return guarded(ctx, s, "purchasePackage", userID, key, func(ctx context.Context) (*PackagePurchaseResult, error) {
		return s.purchasePackage(ctx, userID, sku)
	})
}

// =============================================================================
// POTIONS
// =============================================================================

// PurchasePotion buys quantity units at the catalog price. priceHint is
// what the client displayed; it is never charged. A stale hint is logged
// and flagged on the result so the client can reconcile its display.
func (s *Service) PurchasePotion(ctx context.Context, key, userID, potionType string, quantity, priceHint int64) (*PotionPurchaseResult, error) {
	potion, err := ParsePotionType(potionType)
	if err != nil {
		return nil, err
	}
	mismatch := priceHint > 0 && priceHint != PotionUnitPrice(potion)
	if mismatch {
		s.log.Info("stale potion price hint",
			zap.String("userId", userID),
			zap.String("potionType", potionType),
			zap.Int64("hint", priceHint),
			zap.Int64("catalog", PotionUnitPrice(potion)))
	}
	return guarded(ctx, s, "purchasePotion", userID, key, func(ctx context.Context) (*PotionPurchaseResult, error) {
		res, err := s.purchasePotion(ctx, userID, potion, quantity)
		if err != nil {
			return nil, err
		}
		res.PriceMismatch = mismatch
		return res, nil
	})
}

// ActivatePotion burns one unit against a target.
func (s *Service) ActivatePotion(ctx context.Context, key, userID, potionType, targetID string) (*PotionActivateResult, error) {
	potion, err := ParsePotionType(potionType)
	if err != nil {
		return nil, err
	}
	return guarded(ctx, s, "activatePotion", userID, key, func(ctx context.Context) (*PotionActivateResult, error) {
		return s.activatePotion(ctx, userID, potion, targetID)
	})
}

// =============================================================================
// GIFTS
// =============================================================================

// SendGift sends giftID to targetID at the live tier price.
func (s *Service) SendGift(ctx context.Context, key, userID, targetID, giftID string) (*GiftResult, error) {
	return guarded(ctx, s, "sendGift", userID, key, func(ctx context.Context) (*GiftResult, error) {
		return s.sendGift(ctx, userID, targetID, giftID)
	})
}

// =============================================================================
// RESERVATIONS
// =============================================================================

// ReserveInventory starts a reserve/confirm/rollback workflow. The
// reservation reference itself makes a retried reserve safe, so the guard
// key and the reference usually coincide at the call site.
func (s *Service) ReserveInventory(ctx context.Context, key, userID, assetType string, amount int64, ref string) (*ReserveResult, error) {
	card, err := ParseCardType(assetType)
	if err != nil {
		return nil, err
	}
	return guarded(ctx, s, "reserveInventory", userID, key, func(ctx context.Context) (*ReserveResult, error) {
		return s.reserveInventory(ctx, userID, card, amount, ref)
	})
}

// ConfirmReservation finalizes a reservation. Idempotent by construction;
// no guard key needed.
func (s *Service) ConfirmReservation(ctx context.Context, userID, ref string) error {
	return s.confirmReservation(ctx, userID, ref)
}

// RollbackReservation restores a reserved resource. Idempotent in effect: a
// second rollback finds no reservation and reports ErrReservationNotFound.
func (s *Service) RollbackReservation(ctx context.Context, userID, ref string) error {
	return s.rollbackReservation(ctx, userID, ref)
}
