/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Validation is done in handlers and the domain layer, not in DTOs. DTOs
  are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - economy/types.go: The domain types these project
*/
package api

import (
	"time"

	"github.com/warp/economy-engine/economy"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// CreateAccountRequest creates an account at registration.
type CreateAccountRequest struct {
	UserID string `json:"userId"`
	Tier   string `json:"tier,omitempty"`
}

// WalletMutationRequest credits or debits the coin balance.
type WalletMutationRequest struct {
	Amount   int64             `json:"amount"`
	Reason   string            `json:"reason"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// RefundRequest refunds a prior spend.
type RefundRequest struct {
	TransactionID string `json:"transactionId"`
}

// SetBalanceRequest overwrites the balance. Admin surface.
type SetBalanceRequest struct {
	Balance int64 `json:"balance"`
}

// PurchasePackageRequest buys a card bundle by SKU.
type PurchasePackageRequest struct {
	SKU string `json:"sku"`
}

// InventoryMutationRequest adds or consumes cards.
type InventoryMutationRequest struct {
	AssetType string `json:"assetType"`
	Amount    int64  `json:"amount"`
	Reason    string `json:"reason"`
}

// PurchasePotionRequest buys potions at the catalog price. Price is the
// price the client displayed; it is advisory only.
type PurchasePotionRequest struct {
	PotionType string `json:"potionType"`
	Quantity   int64  `json:"quantity"`
	Price      int64  `json:"price,omitempty"`
}

// ActivatePotionRequest burns one potion against a target.
type ActivatePotionRequest struct {
	PotionType string `json:"potionType"`
	TargetID   string `json:"targetId"`
}

// SendGiftRequest sends one gift.
type SendGiftRequest struct {
	TargetID string `json:"targetId"`
	GiftID   string `json:"giftId"`
}

// ReserveRequest starts a reserve/confirm/rollback workflow.
type ReserveRequest struct {
	AssetType string `json:"assetType"`
	Amount    int64  `json:"amount"`
	Reference string `json:"reference"`
}

// ReservationActionRequest confirms or rolls back a reservation.
type ReservationActionRequest struct {
	Reference string `json:"reference"`
}

// SetTierRequest changes the membership tier.
type SetTierRequest struct {
	Tier string `json:"tier"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// AccountDTO projects the account document.
type AccountDTO struct {
	ID              string           `json:"id"`
	Balance         int64            `json:"balance"`
	Inventory       map[string]int64 `json:"inventory"`
	PotionInventory map[string]int64 `json:"potionInventory"`
	MembershipTier  string           `json:"membershipTier"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

// NewAccountDTO converts a domain account.
func NewAccountDTO(a *economy.Account) AccountDTO {
	inv := make(map[string]int64, len(a.Inventory))
	for k, v := range a.Inventory {
		inv[string(k)] = v
	}
	potions := make(map[string]int64, len(a.PotionInventory))
	for k, v := range a.PotionInventory {
		potions[string(k)] = v
	}
	return AccountDTO{
		ID:              a.ID,
		Balance:         a.Balance,
		Inventory:       inv,
		PotionInventory: potions,
		MembershipTier:  string(a.MembershipTier),
		UpdatedAt:       a.UpdatedAt,
	}
}

// EffectDTO projects an active effect.
type EffectDTO struct {
	PotionType  string    `json:"potionType"`
	TargetID    string    `json:"targetId"`
	ActivatedAt time.Time `json:"activatedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// ErrorResponse is the error body for all failures.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
