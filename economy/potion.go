/*
potion.go - Two-phase consumables with time-bound effects

PURPOSE:
  Potions are bought into inventory (purchase) and later burned against a
  specific target (activate), producing an effect that lasts EffectDuration.
  Purchase and activation are each one atomic transaction.

STATE MACHINE per (account, potionType, target):
  None -> InInventory  (purchase: balance down, inventory up)
       -> Active       (activate: inventory down, effect written)
       -> Expired      (lazy: now past expiresAt, no sweep required)

PRICING AND TIER:
  The membership tier is read from the account INSIDE the purchase
  transaction. brainBoost upgrades the model, so the top tier (whose model
  is already the best) cannot buy it; every other potion is open to all
  tiers. A price hint supplied by the caller is advisory only and never
  participates in the charge; the catalog price at commit time does.

CONCURRENT ACTIVATION:
  Two activations racing for the last unit both pass the inventory check
  against the same snapshot; only one commit survives the version check.
  The loser re-runs against the decremented account, finds the counter at
  zero, and aborts with ErrInsufficientInventory - no negative counters, no
  double effects.

SEE ALSO:
  - types.go: Potion catalog, Effect, EffectKey
  - membership: The tier set checked by the brainBoost restriction
*/
package economy

import (
	"context"

	"github.com/google/uuid"
	"github.com/warp/economy-engine/engine"
)

// =============================================================================
// PURCHASE
// =============================================================================

// purchasePotion debits quantity x catalog price and increments the potion
// inventory, one transaction. Tier restrictions are enforced against the
// tier stored on the account at commit time.
func (s *Service) purchasePotion(ctx context.Context, userID string, potion PotionType, quantity int64) (*PotionPurchaseResult, error) {
	if quantity <= 0 {
		return nil, &ValidationError{Field: "quantity", Reason: "must be positive"}
	}

	key := accountKey(userID)
	txID := uuid.NewString()
	unitPrice := PotionUnitPrice(potion)
	total := unitPrice * quantity
	var res PotionPurchaseResult

	err := s.exec.Run(ctx, []engine.Key{key}, func(snap *engine.Snapshot, w *engine.Writes) error {
		acct, err := loadAccount(snap, userID)
		if err != nil {
			return err
		}
		if PotionTierRestricted(potion, acct.MembershipTier) {
			return ErrTierRestricted
		}
		if acct.Balance < total {
			return ErrInsufficientBalance
		}

		now := s.now()
		res = PotionPurchaseResult{
			PotionType:      potion,
			Quantity:        quantity,
			UnitPrice:       unitPrice,
			TotalPrice:      total,
			PreviousBalance: acct.Balance,
			NewBalance:      acct.Balance - total,
			InventoryCount:  acct.PotionInventory[potion] + quantity,
		}
		acct.Balance = res.NewBalance
		acct.PotionInventory[potion] = res.InventoryCount
		acct.UpdatedAt = now

		if err := w.Put(key, acct); err != nil {
			return err
		}
		return appendCoinTx(w, CoinTransaction{
			ID:            txID,
			UserID:        userID,
			Type:          CoinTxSpend,
			Amount:        total,
			BalanceBefore: res.PreviousBalance,
			BalanceAfter:  res.NewBalance,
			Reason:        "potion purchase",
			Metadata: map[string]string{
				"potionType":      string(potion),
				assetsMetadataKey: marshalAssets(map[string]int64{string(potion): quantity}),
			},
			CreatedAt: now,
		})
	})
	if err != nil {
		return nil, err
	}

	s.audit.Record(engine.AuditEntry{
		UserID:       userID,
		ResourceType: string(potion),
		Action:       engine.AuditAdd,
		Amount:       quantity,
		Before:       res.InventoryCount - quantity,
		After:        res.InventoryCount,
		Reason:       "potion purchase",
	})
	return &res, nil
}

// =============================================================================
// ACTIVATION
// =============================================================================

// activatePotion burns one unit from inventory and writes the effect for
// target, expiring after EffectDuration. An unexpired effect for the same
// (potion, target) pair aborts with ErrDuplicateActivation; an expired one
// is replaced.
func (s *Service) activatePotion(ctx context.Context, userID string, potion PotionType, targetID string) (*PotionActivateResult, error) {
	if targetID == "" {
		return nil, &ValidationError{Field: "targetId", Reason: "must not be empty"}
	}

	key := accountKey(userID)
	effectKey := EffectKey(potion, targetID)
	var res PotionActivateResult

	err := s.exec.Run(ctx, []engine.Key{key}, func(snap *engine.Snapshot, w *engine.Writes) error {
		acct, err := loadAccount(snap, userID)
		if err != nil {
			return err
		}
		now := s.now()
		if acct.PotionInventory[potion] < 1 {
			return ErrInsufficientInventory
		}
		if existing, ok := acct.ActiveEffects[effectKey]; ok && existing.Active(now) {
			return ErrDuplicateActivation
		}

		res = PotionActivateResult{
			PotionType:     potion,
			TargetID:       targetID,
			ExpiresAt:      now.Add(EffectDuration),
			InventoryCount: acct.PotionInventory[potion] - 1,
		}
		acct.PotionInventory[potion] = res.InventoryCount
		acct.ActiveEffects[effectKey] = Effect{
			TargetID:    targetID,
			PotionType:  potion,
			ActivatedAt: now,
			ExpiresAt:   res.ExpiresAt,
		}
		acct.UpdatedAt = now
		return w.Put(key, acct)
	})
	if err != nil {
		return nil, err
	}

	s.audit.Record(engine.AuditEntry{
		UserID:       userID,
		ResourceType: string(potion),
		Action:       engine.AuditConsume,
		Amount:       1,
		Before:       res.InventoryCount + 1,
		After:        res.InventoryCount,
		Reason:       "potion activation",
		Metadata:     map[string]string{"targetId": targetID},
	})
	return &res, nil
}

// =============================================================================
// EFFECT QUERIES
// =============================================================================

// IsEffectActive reports whether an unexpired effect exists for the pair.
// Expiry is evaluated lazily; no background sweep is involved.
func (s *Service) IsEffectActive(ctx context.Context, userID string, potion PotionType, targetID string) (bool, error) {
	acct, err := s.GetAccount(ctx, userID)
	if err != nil {
		return false, err
	}
	e, ok := acct.ActiveEffects[EffectKey(potion, targetID)]
	return ok && e.Active(s.now()), nil
}

// ActiveEffects returns the account's unexpired effects.
func (s *Service) ActiveEffects(ctx context.Context, userID string) ([]Effect, error) {
	acct, err := s.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	var live []Effect
	for _, e := range acct.ActiveEffects {
		if e.Active(now) {
			live = append(live, e)
		}
	}
	return live, nil
}

// CleanupExpiredEffects physically removes expired effect entries. Optional
// housekeeping: expiry already works without it.
func (s *Service) CleanupExpiredEffects(ctx context.Context, userID string) (int, error) {
	key := accountKey(userID)
	removed := 0
	err := s.exec.Run(ctx, []engine.Key{key}, func(snap *engine.Snapshot, w *engine.Writes) error {
		acct, err := loadAccount(snap, userID)
		if err != nil {
			return err
		}
		now := s.now()
		removed = 0
		for k, e := range acct.ActiveEffects {
			if !e.Active(now) {
				delete(acct.ActiveEffects, k)
				removed++
			}
		}
		if removed == 0 {
			return nil
		}
		acct.UpdatedAt = now
		return w.Put(key, acct)
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}
