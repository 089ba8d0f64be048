/*
package.go - Coin-priced card bundles

PURPOSE:
  A package bundles several unlock cards under one SKU at a price below the
  sum of its parts. Purchase is one transaction: the coin debit, the
  inventory credits, and the history entry either all commit or none do.
  The history entry records the granted assets so a refund can roll them
  back.

SEE ALSO:
  - wallet.go: The refund that consumes the recorded asset grants
  - inventory.go: Single-card mutations
*/
package economy

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/warp/economy-engine/engine"
)

// =============================================================================
// CATALOG
// =============================================================================

// CardPackage is one purchasable bundle.
type CardPackage struct {
	SKU      string             `json:"sku"`
	Name     string             `json:"name"`
	Price    int64              `json:"price"`
	Contents map[CardType]int64 `json:"contents"`
}

var packageCatalog = map[string]CardPackage{
	"starter": {
		SKU:   "starter",
		Name:  "Starter Pack",
		Price: 150,
		Contents: map[CardType]int64{
			CardPhotoUnlock:     3,
			CardCharacterUnlock: 1,
		},
	},
	"creator": {
		SKU:   "creator",
		Name:  "Creator Pack",
		Price: 400,
		Contents: map[CardType]int64{
			CardCreate:      2,
			CardPhotoUnlock: 5,
		},
	},
	"collector": {
		SKU:   "collector",
		Name:  "Collector Pack",
		Price: 900,
		Contents: map[CardType]int64{
			CardPhotoUnlock:     10,
			CardVideoUnlock:     3,
			CardVoiceUnlock:     3,
			CardCharacterUnlock: 3,
		},
	},
}

// Packages returns the catalog, cheapest first.
func Packages() []CardPackage {
	out := make([]CardPackage, 0, len(packageCatalog))
	for _, p := range packageCatalog {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Price < out[j].Price })
	return out
}

// =============================================================================
// PURCHASE
// =============================================================================

// purchasePackage debits the package price and credits its contents, one
// transaction. The granted quantities go into the history entry's metadata
// for refund rollback.
func (s *Service) purchasePackage(ctx context.Context, userID, sku string) (*PackagePurchaseResult, error) {
	pkg, ok := packageCatalog[sku]
	if !ok {
		return nil, &ValidationError{Field: "sku", Reason: "unknown package"}
	}

	key := accountKey(userID)
	txID := uuid.NewString()
	granted := make(map[string]int64, len(pkg.Contents))
	for card, qty := range pkg.Contents {
		granted[string(card)] = qty
	}
	var res PackagePurchaseResult

	err := s.exec.Run(ctx, []engine.Key{key}, func(snap *engine.Snapshot, w *engine.Writes) error {
		acct, err := loadAccount(snap, userID)
		if err != nil {
			return err
		}
		if acct.Balance < pkg.Price {
			return ErrInsufficientBalance
		}

		now := s.now()
		res = PackagePurchaseResult{
			TransactionID:   txID,
			SKU:             pkg.SKU,
			Price:           pkg.Price,
			PreviousBalance: acct.Balance,
			NewBalance:      acct.Balance - pkg.Price,
			Granted:         pkg.Contents,
		}
		acct.Balance = res.NewBalance
		for card, qty := range pkg.Contents {
			acct.Inventory[card] += qty
		}
		acct.UpdatedAt = now

		if err := w.Put(key, acct); err != nil {
			return err
		}
		return appendCoinTx(w, CoinTransaction{
			ID:            txID,
			UserID:        userID,
			Type:          CoinTxSpend,
			Amount:        pkg.Price,
			BalanceBefore: res.PreviousBalance,
			BalanceAfter:  res.NewBalance,
			Reason:        "package purchase: " + pkg.Name,
			Metadata: map[string]string{
				"sku":             sku,
				assetsMetadataKey: marshalAssets(granted),
			},
			CreatedAt: now,
		})
	})
	if err != nil {
		return nil, err
	}

	s.audit.Record(engine.AuditEntry{
		UserID:       userID,
		ResourceType: "coins",
		Action:       engine.AuditConsume,
		Amount:       pkg.Price,
		Before:       res.PreviousBalance,
		After:        res.NewBalance,
		Reason:       "package purchase",
		Metadata:     map[string]string{"sku": sku},
	})
	for card, qty := range pkg.Contents {
		s.audit.Record(engine.AuditEntry{
			UserID:       userID,
			ResourceType: string(card),
			Action:       engine.AuditAdd,
			Amount:       qty,
			Reason:       "package purchase",
			Metadata:     map[string]string{"sku": sku},
		})
	}
	return &res, nil
}
