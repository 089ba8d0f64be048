/*
Package economy implements the virtual-economy domain: the coin wallet,
card inventories, potion effects, gifts, and the reservation workflow for
multi-step operations.

PURPOSE:
  Everything financially effective in the application flows through this
  package. Each operation is a transaction function executed by the engine:
  it reads the account (and related documents) from one consistent snapshot,
  validates the business rules, and stages all of its writes so they commit
  together or not at all.

KEY CONCEPTS IN THIS FILE (types.go):
  - CardType / PotionType: Closed sets of consumable resources
  - Account:               The versioned per-user state document
  - CoinTransaction:       Immutable wallet history entry
  - GiftTransaction:       Immutable record of a sent gift
  - RecipientGiftStats:    Per-(sender, recipient) aggregates
  - Reservation:           Marker for the reserve/confirm/rollback workflow

COLLECTIONS:
  accounts           versioned documents, keyed by user id
  gift_stats         versioned documents, keyed by userId:targetId
  refunds            versioned documents, keyed by the refunded tx id
  coin_transactions  append-only records
  gift_transactions  append-only records

SEE ALSO:
  - service.go: The facade the API layer calls
  - engine/types.go: Snapshot/Writes machinery these types ride on
*/
package economy

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/economy-engine/engine"
	"github.com/warp/economy-engine/membership"
)

// =============================================================================
// COLLECTIONS
// =============================================================================

const (
	AccountCollection   = "accounts"
	GiftStatsCollection = "gift_stats"
	RefundCollection    = "refunds"

	CoinTxCollection = "coin_transactions"
	GiftTxCollection = "gift_transactions"
)

func accountKey(userID string) engine.Key {
	return engine.Key{Collection: AccountCollection, ID: userID}
}

func giftStatsKey(userID, targetID string) engine.Key {
	return engine.Key{Collection: GiftStatsCollection, ID: userID + ":" + targetID}
}

func refundKey(txID string) engine.Key {
	return engine.Key{Collection: RefundCollection, ID: txID}
}

// =============================================================================
// CARD TYPES
// =============================================================================

// CardType enumerates the consumable card resources an account can hold.
type CardType string

const (
	CardCharacterUnlock CardType = "characterUnlockCard"
	CardPhotoUnlock     CardType = "photoUnlockCard"
	CardVideoUnlock     CardType = "videoUnlockCard"
	CardVoiceUnlock     CardType = "voiceUnlockCard"
	CardCreate          CardType = "createCard"
)

// cardAliases maps legacy plural spellings, still sent by older clients and
// present in stored documents, onto the canonical names.
var cardAliases = map[string]CardType{
	"characterUnlockCards": CardCharacterUnlock,
	"photoUnlockCards":     CardPhotoUnlock,
	"videoUnlockCards":     CardVideoUnlock,
	"voiceUnlockCards":     CardVoiceUnlock,
	"createCards":          CardCreate,
}

// ParseCardType validates s against the closed card-type set, accepting
// legacy aliases. Returns ErrValidation for anything else.
func ParseCardType(s string) (CardType, error) {
	switch CardType(s) {
	case CardCharacterUnlock, CardPhotoUnlock, CardVideoUnlock, CardVoiceUnlock, CardCreate:
		return CardType(s), nil
	}
	if c, ok := cardAliases[s]; ok {
		return c, nil
	}
	return "", &ValidationError{Field: "assetType", Reason: "unknown asset type"}
}

// =============================================================================
// POTION TYPES
// =============================================================================

// PotionType enumerates the two-phase consumables: bought into inventory,
// then activated against a target for a fixed duration.
type PotionType string

const (
	PotionMemoryBoost PotionType = "memoryBoost"
	PotionBrainBoost  PotionType = "brainBoost"
)

// EffectDuration is how long an activated potion effect lasts.
const EffectDuration = 30 * 24 * time.Hour

type potionSpec struct {
	UnitPrice int64
	// RestrictedTiers may not buy this potion. brainBoost upgrades the
	// model, so the top tier, whose model is already the best, is excluded.
	RestrictedTiers []membership.Tier
}

var potionSpecs = map[PotionType]potionSpec{
	PotionMemoryBoost: {UnitPrice: 300},
	PotionBrainBoost:  {UnitPrice: 500, RestrictedTiers: []membership.Tier{membership.TierVVIP}},
}

// ParsePotionType validates s against the closed potion-type set.
func ParsePotionType(s string) (PotionType, error) {
	if _, ok := potionSpecs[PotionType(s)]; ok {
		return PotionType(s), nil
	}
	return "", &ValidationError{Field: "potionType", Reason: "unknown potion type"}
}

// PotionUnitPrice returns the catalog price of one unit.
func PotionUnitPrice(t PotionType) int64 {
	return potionSpecs[t].UnitPrice
}

// PotionTierRestricted reports whether tier is barred from buying t.
func PotionTierRestricted(t PotionType, tier membership.Tier) bool {
	for _, r := range potionSpecs[t].RestrictedTiers {
		if membership.Normalize(tier) == r {
			return true
		}
	}
	return false
}

// EffectKey identifies an active effect on an account: one live effect per
// (potionType, target) pair.
func EffectKey(t PotionType, targetID string) string {
	return string(t) + ":" + targetID
}

// Effect is a time-bound marker written by potion activation.
type Effect struct {
	TargetID    string     `json:"targetId"`
	PotionType  PotionType `json:"potionType"`
	ActivatedAt time.Time  `json:"activatedAt"`
	ExpiresAt   time.Time  `json:"expiresAt"`
}

// Active reports whether the effect is live at now.
func (e Effect) Active(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// =============================================================================
// RESERVATIONS
// =============================================================================

// ReservationStatus tracks the reserve/confirm lifecycle. There is no
// "rolled back" status: rollback removes the reservation entirely.
type ReservationStatus string

const (
	ReservationReserved  ReservationStatus = "reserved"
	ReservationConfirmed ReservationStatus = "confirmed"
)

// Reservation is the one-time marker set by ReserveInventory. It pins the
// decremented units to a caller-chosen reference so a retried reserve cannot
// deduct twice, and rollback knows exactly what to restore.
type Reservation struct {
	CardType    CardType          `json:"cardType"`
	Amount      int64             `json:"amount"`
	Status      ReservationStatus `json:"status"`
	ReservedAt  time.Time         `json:"reservedAt"`
	ConfirmedAt *time.Time        `json:"confirmedAt,omitempty"`
}

// =============================================================================
// WALLET HISTORY
// =============================================================================

// CoinTxType classifies wallet history entries. Amounts are always the
// absolute number of coins moved; the type carries the direction.
type CoinTxType string

const (
	CoinTxSpend  CoinTxType = "spend"
	CoinTxCredit CoinTxType = "credit"
	CoinTxGift   CoinTxType = "gift"
	CoinTxRefund CoinTxType = "refund"
	CoinTxAdmin  CoinTxType = "admin"
)

// CoinTransaction is an immutable wallet history entry, committed in the
// same transaction as the balance change it records.
type CoinTransaction struct {
	ID            string            `json:"id"`
	UserID        string            `json:"userId"`
	Type          CoinTxType        `json:"type"`
	Amount        int64             `json:"amount"`
	BalanceBefore int64             `json:"balanceBefore"`
	BalanceAfter  int64             `json:"balanceAfter"`
	Reason        string            `json:"reason"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
}

// RefundWindow bounds how long after a spend it may be refunded.
const RefundWindow = 7 * 24 * time.Hour

// RefundMarker is the create-once document that makes each coin transaction
// refundable at most once while keeping the history records immutable.
type RefundMarker struct {
	TransactionID string    `json:"transactionId"`
	UserID        string    `json:"userId"`
	Amount        int64     `json:"amount"`
	RefundTxID    string    `json:"refundTxId"`
	CreatedAt     time.Time `json:"createdAt"`
}

// =============================================================================
// GIFTS
// =============================================================================

// GiftTransaction is the immutable record of one sent gift. The discount and
// tier fields capture what was actually applied inside the committing
// transaction, for later dispute resolution.
type GiftTransaction struct {
	ID             string          `json:"id"`
	UserID         string          `json:"userId"`
	TargetID       string          `json:"targetId"`
	GiftID         string          `json:"giftId"`
	BasePrice      int64           `json:"basePrice"`
	Discount       decimal.Decimal `json:"discount"`
	FinalPrice     int64           `json:"finalPrice"`
	BalanceBefore  int64           `json:"balanceBefore"`
	BalanceAfter   int64           `json:"balanceAfter"`
	TierAtPurchase membership.Tier `json:"tierAtPurchase"`
	Status         string          `json:"status"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// GiftCount aggregates one gift id within RecipientGiftStats.
type GiftCount struct {
	Count      int64     `json:"count"`
	TotalCost  int64     `json:"totalCost"`
	LastSentAt time.Time `json:"lastSentAt"`
}

// RecipientGiftStats aggregates everything a user has sent one recipient.
// Updated in the same transaction as the gift itself.
type RecipientGiftStats struct {
	UserID     string               `json:"userId"`
	TargetID   string               `json:"targetId"`
	PerGift    map[string]GiftCount `json:"perGift"`
	TotalGifts int64                `json:"totalGifts"`
	TotalSpent int64                `json:"totalSpent"`
	UpdatedAt  time.Time            `json:"updatedAt"`
}

// =============================================================================
// OPERATION RESULTS
// =============================================================================

// WalletResult reports a balance mutation.
type WalletResult struct {
	TransactionID   string `json:"transactionId"`
	PreviousBalance int64  `json:"previousBalance"`
	NewBalance      int64  `json:"newBalance"`
}

// InventoryResult reports an inventory mutation.
type InventoryResult struct {
	CardType CardType `json:"cardType"`
	Previous int64    `json:"previous"`
	Current  int64    `json:"current"`
}

// PotionPurchaseResult reports a potion purchase. UnitPrice and TotalPrice
// are the authoritative catalog charge; PriceMismatch flags a stale client
// hint so the display can reconcile.
type PotionPurchaseResult struct {
	PotionType      PotionType `json:"potionType"`
	Quantity        int64      `json:"quantity"`
	UnitPrice       int64      `json:"unitPrice"`
	TotalPrice      int64      `json:"totalPrice"`
	PriceMismatch   bool       `json:"priceMismatch,omitempty"`
	PreviousBalance int64      `json:"previousBalance"`
	NewBalance      int64      `json:"newBalance"`
	InventoryCount  int64      `json:"inventoryCount"`
}

// PotionActivateResult reports a potion activation.
type PotionActivateResult struct {
	PotionType     PotionType `json:"potionType"`
	TargetID       string     `json:"targetId"`
	ExpiresAt      time.Time  `json:"expiresAt"`
	InventoryCount int64      `json:"inventoryCount"`
}

// GiftResult reports a sent gift, including the pricing breakdown actually
// applied.
type GiftResult struct {
	TransactionID   string          `json:"transactionId"`
	GiftID          string          `json:"giftId"`
	BasePrice       int64           `json:"basePrice"`
	Discount        decimal.Decimal `json:"discount"`
	FinalPrice      int64           `json:"finalPrice"`
	PreviousBalance int64           `json:"previousBalance"`
	NewBalance      int64           `json:"newBalance"`
	Tier            membership.Tier `json:"tier"`
}

// ReserveResult reports a successful reservation.
type ReserveResult struct {
	Reference string   `json:"reference"`
	CardType  CardType `json:"cardType"`
	Amount    int64    `json:"amount"`
	Remaining int64    `json:"remaining"`
}

// PackagePurchaseResult reports a bundle purchase.
type PackagePurchaseResult struct {
	TransactionID   string             `json:"transactionId"`
	SKU             string             `json:"sku"`
	Price           int64              `json:"price"`
	PreviousBalance int64              `json:"previousBalance"`
	NewBalance      int64              `json:"newBalance"`
	Granted         map[CardType]int64 `json:"granted"`
}
