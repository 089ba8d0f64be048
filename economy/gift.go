/*
gift.go - Gift sending with live pricing and per-recipient stats

PURPOSE:
  Sending a gift is one transaction with five effects: read the current
  tier, price the gift against it, debit the wallet, append the immutable
  GiftTransaction, append the wallet history entry, and fold the gift into
  the per-recipient stats document. They commit together or not at all - a
  debited-but-unrecorded gift is structurally impossible.

PRICING:
  finalPrice = ceil(basePrice x (1 - discount(tier))), computed with
  shopspring/decimal so the rounded result is exact. Integer coins in,
  integer coins out; the decimal stays inside the pricing function. The
  discount is whatever tier the committing snapshot shows - a precomputed
  or caller-supplied price is never trusted.

SEE ALSO:
  - types.go: GiftTransaction, RecipientGiftStats
  - membership: GiftDiscount per tier
*/
package economy

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/economy-engine/engine"
	"github.com/warp/economy-engine/membership"
)

// =============================================================================
// CATALOG
// =============================================================================

// giftCatalog maps gift ids to base coin prices.
var giftCatalog = map[string]int64{
	"rose":       15,
	"coffee":     20,
	"chocolate":  25,
	"icecream":   30,
	"cake":       40,
	"flower":     50,
	"teddy":      60,
	"perfume":    80,
	"lipstick":   100,
	"watch":      120,
	"ring":       150,
	"necklace":   180,
	"handbag":    250,
	"diamond":    350,
	"bouquet":    500,
	"sports_car": 800,
	"crown":      1000,
	"mansion":    1500,
	"island":     2000,
	"rocket":     3000,
}

// GiftBasePrice returns the catalog price for giftID.
func GiftBasePrice(giftID string) (int64, error) {
	base, ok := giftCatalog[giftID]
	if !ok {
		return 0, &ValidationError{Field: "giftId", Reason: "unknown gift"}
	}
	return base, nil
}

// GiftPrice computes the discounted price for a tier, rounding up so a
// discount never rounds a gift below its proportional cost.
func GiftPrice(basePrice int64, tier membership.Tier) int64 {
	discount := membership.GiftDiscount(tier)
	if discount.IsZero() {
		return basePrice
	}
	price := decimal.NewFromInt(basePrice).Mul(decimal.NewFromInt(1).Sub(discount))
	return price.Ceil().IntPart()
}

// =============================================================================
// SEND
// =============================================================================

// sendGift executes the five-effect gift transaction described in the file
// header.
func (s *Service) sendGift(ctx context.Context, userID, targetID, giftID string) (*GiftResult, error) {
	if targetID == "" {
		return nil, &ValidationError{Field: "targetId", Reason: "must not be empty"}
	}
	basePrice, err := GiftBasePrice(giftID)
	if err != nil {
		return nil, err
	}

	acctKey := accountKey(userID)
	statsKey := giftStatsKey(userID, targetID)
	txID := uuid.NewString()
	var res GiftResult

	err = s.exec.Run(ctx, []engine.Key{acctKey, statsKey}, func(snap *engine.Snapshot, w *engine.Writes) error {
		acct, err := loadAccount(snap, userID)
		if err != nil {
			return err
		}

		tier := acct.MembershipTier
		finalPrice := GiftPrice(basePrice, tier)
		if acct.Balance < finalPrice {
			return ErrInsufficientBalance
		}

		now := s.now()
		res = GiftResult{
			TransactionID:   txID,
			GiftID:          giftID,
			BasePrice:       basePrice,
			Discount:        membership.GiftDiscount(tier),
			FinalPrice:      finalPrice,
			PreviousBalance: acct.Balance,
			NewBalance:      acct.Balance - finalPrice,
			Tier:            tier,
		}
		acct.Balance = res.NewBalance
		acct.UpdatedAt = now
		if err := w.Put(acctKey, acct); err != nil {
			return err
		}

		if err := w.Append(engine.Record{
			Collection: GiftTxCollection,
			ID:         txID,
			UserID:     userID,
			TargetID:   targetID,
			CreatedAt:  now,
		}, GiftTransaction{
			ID:             txID,
			UserID:         userID,
			TargetID:       targetID,
			GiftID:         giftID,
			BasePrice:      basePrice,
			Discount:       res.Discount,
			FinalPrice:     finalPrice,
			BalanceBefore:  res.PreviousBalance,
			BalanceAfter:   res.NewBalance,
			TierAtPurchase: tier,
			Status:         "completed",
			CreatedAt:      now,
		}); err != nil {
			return err
		}

		if err := appendCoinTx(w, CoinTransaction{
			ID:            txID + ":coins",
			UserID:        userID,
			Type:          CoinTxGift,
			Amount:        finalPrice,
			BalanceBefore: res.PreviousBalance,
			BalanceAfter:  res.NewBalance,
			Reason:        "gift: " + giftID,
			Metadata: map[string]string{
				"giftId":            giftID,
				"targetId":          targetID,
				"giftTransactionId": txID,
			},
			CreatedAt: now,
		}); err != nil {
			return err
		}

		var stats RecipientGiftStats
		if ok, err := snap.Get(statsKey, &stats); err != nil {
			return err
		} else if !ok {
			stats = RecipientGiftStats{
				UserID:   userID,
				TargetID: targetID,
				PerGift:  make(map[string]GiftCount),
			}
		}
		if stats.PerGift == nil {
			stats.PerGift = make(map[string]GiftCount)
		}
		gc := stats.PerGift[giftID]
		gc.Count++
		gc.TotalCost += finalPrice
		gc.LastSentAt = now
		stats.PerGift[giftID] = gc
		stats.TotalGifts++
		stats.TotalSpent += finalPrice
		stats.UpdatedAt = now
		return w.Put(statsKey, stats)
	})
	if err != nil {
		return nil, err
	}

	s.audit.Record(engine.AuditEntry{
		UserID:       userID,
		ResourceType: "coins",
		Action:       engine.AuditConsume,
		Amount:       res.FinalPrice,
		Before:       res.PreviousBalance,
		After:        res.NewBalance,
		Reason:       "gift: " + giftID,
		Metadata: map[string]string{
			"giftId":   giftID,
			"targetId": targetID,
		},
	})
	return &res, nil
}

// =============================================================================
// QUERIES
// =============================================================================

// GiftHistory returns the user's sent gifts, newest first, optionally
// filtered by recipient.
func (s *Service) GiftHistory(ctx context.Context, userID, targetID string, limit, offset int) ([]GiftTransaction, error) {
	recs, err := s.store.QueryRecords(ctx, GiftTxCollection, engine.RecordFilter{
		UserID:   userID,
		TargetID: targetID,
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		return nil, err
	}
	txs := make([]GiftTransaction, 0, len(recs))
	for _, rec := range recs {
		var tx GiftTransaction
		if err := json.Unmarshal(rec.Data, &tx); err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

// GiftStats returns the aggregates for one (sender, recipient) pair. A pair
// with no gifts yields zero-valued stats.
func (s *Service) GiftStats(ctx context.Context, userID, targetID string) (*RecipientGiftStats, error) {
	key := giftStatsKey(userID, targetID)
	snap, err := s.store.GetMulti(ctx, []engine.Key{key})
	if err != nil {
		return nil, err
	}
	stats := RecipientGiftStats{
		UserID:   userID,
		TargetID: targetID,
		PerGift:  make(map[string]GiftCount),
	}
	if _, err := snap.Get(key, &stats); err != nil {
		return nil, err
	}
	if stats.PerGift == nil {
		stats.PerGift = make(map[string]GiftCount)
	}
	return &stats, nil
}
