/*
wallet.go - The coin ledger

PURPOSE:
  Credit and debit the integer coin balance, with an immutable history entry
  committed in the same transaction as every balance change. All currency
  math is integer; there is no floating point anywhere in the ledger.

REFUNDS:
  A spend may be refunded once within RefundWindow. The original history
  record is never edited: the refund appends a new credit entry and creates
  a one-time marker document keyed by the original transaction id, whose
  create-once semantics (version 0 check) make double refunds impossible
  even under concurrent requests. When the original spend granted assets
  (recorded in its metadata), the refund takes them back in the same
  transaction, clamping at zero for whatever the user already consumed.

SEE ALSO:
  - types.go: CoinTransaction and RefundMarker
  - engine/audit.go: The asynchronous trail these mutations also feed
*/
package economy

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/warp/economy-engine/engine"
	"go.uber.org/zap"
)

// =============================================================================
// CREDIT / DEBIT
// =============================================================================

// debit atomically decreases the balance and appends the history entry.
// Aborts with ErrInsufficientBalance before any write when the balance is
// short.
func (s *Service) debit(ctx context.Context, userID string, amount int64, txType CoinTxType, reason string, metadata map[string]string) (*WalletResult, error) {
	if amount <= 0 {
		return nil, &ValidationError{Field: "amount", Reason: "must be positive"}
	}

	key := accountKey(userID)
	txID := uuid.NewString()
	var res WalletResult

	err := s.exec.Run(ctx, []engine.Key{key}, func(snap *engine.Snapshot, w *engine.Writes) error {
		acct, err := loadAccount(snap, userID)
		if err != nil {
			return err
		}
		if acct.Balance < amount {
			return ErrInsufficientBalance
		}

		now := s.now()
		res = WalletResult{
			TransactionID:   txID,
			PreviousBalance: acct.Balance,
			NewBalance:      acct.Balance - amount,
		}
		acct.Balance = res.NewBalance
		acct.UpdatedAt = now

		if err := w.Put(key, acct); err != nil {
			return err
		}
		return appendCoinTx(w, CoinTransaction{
			ID:            txID,
			UserID:        userID,
			Type:          txType,
			Amount:        amount,
			BalanceBefore: res.PreviousBalance,
			BalanceAfter:  res.NewBalance,
			Reason:        reason,
			Metadata:      metadata,
			CreatedAt:     now,
		})
	})
	if err != nil {
		return nil, err
	}

	s.audit.Record(engine.AuditEntry{
		UserID:       userID,
		ResourceType: "coins",
		Action:       engine.AuditConsume,
		Amount:       amount,
		Before:       res.PreviousBalance,
		After:        res.NewBalance,
		Reason:       reason,
		Metadata:     metadata,
	})
	return &res, nil
}

// credit atomically increases the balance. Unconditional apart from amount
// validation.
func (s *Service) credit(ctx context.Context, userID string, amount int64, txType CoinTxType, reason string, metadata map[string]string) (*WalletResult, error) {
	if amount <= 0 {
		return nil, &ValidationError{Field: "amount", Reason: "must be positive"}
	}

	key := accountKey(userID)
	txID := uuid.NewString()
	var res WalletResult

	err := s.exec.Run(ctx, []engine.Key{key}, func(snap *engine.Snapshot, w *engine.Writes) error {
		acct, err := loadAccount(snap, userID)
		if err != nil {
			return err
		}

		now := s.now()
		res = WalletResult{
			TransactionID:   txID,
			PreviousBalance: acct.Balance,
			NewBalance:      acct.Balance + amount,
		}
		acct.Balance = res.NewBalance
		acct.UpdatedAt = now

		if err := w.Put(key, acct); err != nil {
			return err
		}
		return appendCoinTx(w, CoinTransaction{
			ID:            txID,
			UserID:        userID,
			Type:          txType,
			Amount:        amount,
			BalanceBefore: res.PreviousBalance,
			BalanceAfter:  res.NewBalance,
			Reason:        reason,
			Metadata:      metadata,
			CreatedAt:     now,
		})
	})
	if err != nil {
		return nil, err
	}

	s.audit.Record(engine.AuditEntry{
		UserID:       userID,
		ResourceType: "coins",
		Action:       engine.AuditAdd,
		Amount:       amount,
		Before:       res.PreviousBalance,
		After:        res.NewBalance,
		Reason:       reason,
		Metadata:     metadata,
	})
	return &res, nil
}

func appendCoinTx(w *engine.Writes, tx CoinTransaction) error {
	return w.Append(engine.Record{
		Collection: CoinTxCollection,
		ID:         tx.ID,
		UserID:     tx.UserID,
		CreatedAt:  tx.CreatedAt,
	}, tx)
}

// =============================================================================
// ADMIN OVERRIDE
// =============================================================================

// setBalance overwrites the balance to an absolute value and records the
// signed difference as an admin history entry. Test accounts and support
// tooling only.
func (s *Service) setBalance(ctx context.Context, userID string, newBalance int64) (*WalletResult, error) {
	if newBalance < 0 {
		return nil, &ValidationError{Field: "balance", Reason: "must not be negative"}
	}

	key := accountKey(userID)
	txID := uuid.NewString()
	var res WalletResult

	err := s.exec.Run(ctx, []engine.Key{key}, func(snap *engine.Snapshot, w *engine.Writes) error {
		acct, err := loadAccount(snap, userID)
		if err != nil {
			return err
		}

		now := s.now()
		res = WalletResult{
			TransactionID:   txID,
			PreviousBalance: acct.Balance,
			NewBalance:      newBalance,
		}
		acct.Balance = newBalance
		acct.UpdatedAt = now

		if err := w.Put(key, acct); err != nil {
			return err
		}
		// Admin entries carry the signed difference, unlike the always
		// positive credit/debit amounts.
		return appendCoinTx(w, CoinTransaction{
			ID:            txID,
			UserID:        userID,
			Type:          CoinTxAdmin,
			Amount:        newBalance - res.PreviousBalance,
			BalanceBefore: res.PreviousBalance,
			BalanceAfter:  newBalance,
			Reason:        "admin balance set",
			CreatedAt:     now,
		})
	})
	if err != nil {
		return nil, err
	}

	action := engine.AuditAdd
	diff := res.NewBalance - res.PreviousBalance
	if diff < 0 {
		action = engine.AuditConsume
		diff = -diff
	}
	s.audit.Record(engine.AuditEntry{
		UserID:       userID,
		ResourceType: "coins",
		Action:       action,
		Amount:       diff,
		Before:       res.PreviousBalance,
		After:        res.NewBalance,
		Reason:       "admin balance set",
	})
	return &res, nil
}

// =============================================================================
// ASSET GRANT METADATA
// =============================================================================

// assetsMetadataKey is the history-metadata key under which a spend records
// the assets it granted, as a JSON map of asset name to quantity. The refund
// reads it to roll the grants back.
const assetsMetadataKey = "assets"

func marshalAssets(assets map[string]int64) string {
	data, err := json.Marshal(assets)
	if err != nil {
		return ""
	}
	return string(data)
}

// rollbackGrantedAssets removes the assets a refunded spend granted, card
// and potion counters alike, clamping at zero when the user has already
// consumed part of the grant.
func (s *Service) rollbackGrantedAssets(acct *Account, original CoinTransaction) {
	raw := original.Metadata[assetsMetadataKey]
	if raw == "" {
		return
	}
	var granted map[string]int64
	if err := json.Unmarshal([]byte(raw), &granted); err != nil {
		s.log.Warn("unreadable asset grants on refunded transaction",
			zap.String("transactionId", original.ID),
			zap.Error(err))
		return
	}

	for name, qty := range granted {
		var have int64
		if card, err := ParseCardType(name); err == nil {
			have = acct.Inventory[card]
			acct.Inventory[card] = max(have-qty, 0)
		} else if potion, perr := ParsePotionType(name); perr == nil {
			have = acct.PotionInventory[potion]
			acct.PotionInventory[potion] = max(have-qty, 0)
		} else {
			continue
		}
		if have < qty {
			s.log.Warn("partial asset rollback on refund",
				zap.String("userId", acct.ID),
				zap.String("transactionId", original.ID),
				zap.String("asset", name),
				zap.Int64("granted", qty),
				zap.Int64("remaining", have))
		}
	}
}

// =============================================================================
// REFUNDS
// =============================================================================

// Refund reverses a prior spend: credits the amount back, takes back any
// assets the spend granted, and marks the original transaction as refunded
// via a create-once marker document.
func (s *Service) refund(ctx context.Context, userID, transactionID string) (*WalletResult, error) {
	if transactionID == "" {
		return nil, &ValidationError{Field: "transactionId", Reason: "must not be empty"}
	}

	rec, found, err := s.store.GetRecord(ctx, CoinTxCollection, transactionID)
	if err != nil {
		return nil, err
	}
	if !found || rec.UserID != userID {
		return nil, ErrTransactionNotFound
	}
	var original CoinTransaction
	if err := json.Unmarshal(rec.Data, &original); err != nil {
		return nil, err
	}
	switch original.Type {
	case CoinTxSpend, CoinTxGift:
	default:
		return nil, &ValidationError{Field: "transactionId", Reason: "transaction is not refundable"}
	}
	if s.now().Sub(original.CreatedAt) > RefundWindow {
		return nil, ErrRefundWindowClosed
	}

	acctKey := accountKey(userID)
	markerKey := refundKey(transactionID)
	refundTxID := uuid.NewString()
	var res WalletResult

	err = s.exec.Run(ctx, []engine.Key{acctKey, markerKey}, func(snap *engine.Snapshot, w *engine.Writes) error {
		if snap.Version(markerKey) != 0 {
			return ErrAlreadyRefunded
		}
		acct, err := loadAccount(snap, userID)
		if err != nil {
			return err
		}

		now := s.now()
		res = WalletResult{
			TransactionID:   refundTxID,
			PreviousBalance: acct.Balance,
			NewBalance:      acct.Balance + original.Amount,
		}
		acct.Balance = res.NewBalance
		s.rollbackGrantedAssets(acct, original)
		acct.UpdatedAt = now

		if err := w.Put(acctKey, acct); err != nil {
			return err
		}
		if err := w.Put(markerKey, RefundMarker{
			TransactionID: transactionID,
			UserID:        userID,
			Amount:        original.Amount,
			RefundTxID:    refundTxID,
			CreatedAt:     now,
		}); err != nil {
			return err
		}
		return appendCoinTx(w, CoinTransaction{
			ID:            refundTxID,
			UserID:        userID,
			Type:          CoinTxRefund,
			Amount:        original.Amount,
			BalanceBefore: res.PreviousBalance,
			BalanceAfter:  res.NewBalance,
			Reason:        "refund of " + transactionID,
			Metadata:      map[string]string{"originalTransactionId": transactionID},
			CreatedAt:     now,
		})
	})
	if err != nil {
		return nil, err
	}

	s.audit.Record(engine.AuditEntry{
		UserID:       userID,
		ResourceType: "coins",
		Action:       engine.AuditAdd,
		Amount:       original.Amount,
		Before:       res.PreviousBalance,
		After:        res.NewBalance,
		Reason:       "refund",
		Metadata:     map[string]string{"originalTransactionId": transactionID},
	})
	return &res, nil
}

// =============================================================================
// HISTORY
// =============================================================================

// WalletHistory returns the user's coin transactions, newest first.
func (s *Service) WalletHistory(ctx context.Context, userID string, limit, offset int) ([]CoinTransaction, error) {
	recs, err := s.store.QueryRecords(ctx, CoinTxCollection, engine.RecordFilter{
		UserID: userID,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return nil, err
	}
	txs := make([]CoinTransaction, 0, len(recs))
	for _, rec := range recs {
		var tx CoinTransaction
		if err := json.Unmarshal(rec.Data, &tx); err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, nil
}
