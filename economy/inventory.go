/*
inventory.go - Non-negative card counters

PURPOSE:
  Add and consume consumable cards. Counters never go negative: consume
  aborts with ErrInsufficientInventory before any write when the counter is
  short, and two concurrent consumes of the last unit race on the document
  version, so the loser retries against the decremented state and aborts
  cleanly.

SEE ALSO:
  - reserve.go: The reserve/confirm/rollback variant of consume for
    multi-step workflows
*/
package economy

import (
	"context"

	"github.com/warp/economy-engine/engine"
)

// addAsset atomically increments an inventory counter.
func (s *Service) addAsset(ctx context.Context, userID string, card CardType, amount int64, reason string) (*InventoryResult, error) {
	if amount <= 0 {
		return nil, &ValidationError{Field: "amount", Reason: "must be positive"}
	}

	key := accountKey(userID)
	var res InventoryResult

	err := s.exec.Run(ctx, []engine.Key{key}, func(snap *engine.Snapshot, w *engine.Writes) error {
		acct, err := loadAccount(snap, userID)
		if err != nil {
			return err
		}

		res = InventoryResult{
			CardType: card,
			Previous: acct.Inventory[card],
			Current:  acct.Inventory[card] + amount,
		}
		acct.Inventory[card] = res.Current
		acct.UpdatedAt = s.now()
		return w.Put(key, acct)
	})
	if err != nil {
		return nil, err
	}

	s.audit.Record(engine.AuditEntry{
		UserID:       userID,
		ResourceType: string(card),
		Action:       engine.AuditAdd,
		Amount:       amount,
		Before:       res.Previous,
		After:        res.Current,
		Reason:       reason,
	})
	return &res, nil
}

// consumeAsset atomically decrements an inventory counter, refusing to go
// below zero.
func (s *Service) consumeAsset(ctx context.Context, userID string, card CardType, amount int64, reason string) (*InventoryResult, error) {
	if amount <= 0 {
		return nil, &ValidationError{Field: "amount", Reason: "must be positive"}
	}

	key := accountKey(userID)
	var res InventoryResult

	err := s.exec.Run(ctx, []engine.Key{key}, func(snap *engine.Snapshot, w *engine.Writes) error {
		acct, err := loadAccount(snap, userID)
		if err != nil {
			return err
		}
		if acct.Inventory[card] < amount {
			return ErrInsufficientInventory
		}

		res = InventoryResult{
			CardType: card,
			Previous: acct.Inventory[card],
			Current:  acct.Inventory[card] - amount,
		}
		acct.Inventory[card] = res.Current
		acct.UpdatedAt = s.now()
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
		Before:       res.Previous,
		After:        res.Current,
		Reason:       reason,
	})
	return &res, nil
}
