/*
handlers.go - HTTP API handlers for the virtual-economy engine

PURPOSE:
  Exposes the economy service via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Accounts:
    POST   /api/accounts                         Create account
    GET    /api/accounts/{id}                    Get account state
    PUT    /api/accounts/{id}/tier               Set membership tier

  Wallet:
    POST   /api/accounts/{id}/wallet/credit      Credit coins
    POST   /api/accounts/{id}/wallet/debit       Debit coins
    PUT    /api/accounts/{id}/wallet/balance     Admin: set absolute balance
    POST   /api/accounts/{id}/wallet/refund      Refund a spend
    GET    /api/accounts/{id}/wallet/history     Coin transaction history

  Inventory:
    POST   /api/accounts/{id}/inventory/add      Add cards
    POST   /api/accounts/{id}/inventory/consume  Consume cards
    POST   /api/accounts/{id}/packages           Buy a card bundle
    GET    /api/packages                         Bundle catalog
    POST   /api/accounts/{id}/reservations       Reserve cards
    POST   /api/accounts/{id}/reservations/confirm
    POST   /api/accounts/{id}/reservations/rollback

  Potions:
    POST   /api/accounts/{id}/potions/purchase   Buy potions
    POST   /api/accounts/{id}/potions/activate   Activate against a target
    GET    /api/accounts/{id}/effects            List active effects

  Gifts:
    POST   /api/accounts/{id}/gifts              Send a gift
    GET    /api/accounts/{id}/gifts              Gift history
    GET    /api/accounts/{id}/gifts/stats        Per-recipient stats

IDEMPOTENCY:
  Every financially effective POST requires an X-Idempotency-Key header.
  A missing key is a 400; a repeated key returns the original result.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, missing idempotency key
  - 404: Account / transaction / reservation not found
  - 409: Insufficient balance or inventory, duplicates, tier restrictions
  - 500: Internal errors, compensation failures
  - 503: Transient conflict, safe to retry

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - economy/service.go: The operations behind every endpoint
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/warp/economy-engine/economy"
	"github.com/warp/economy-engine/engine"
	"github.com/warp/economy-engine/membership"
)

// IdempotencyHeader carries the caller-supplied request key.
const IdempotencyHeader = "X-Idempotency-Key"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Svc *economy.Service
}

// NewHandler creates a new handler over the economy service.
func NewHandler(svc *economy.Service) *Handler {
	return &Handler{Svc: svc}
}

// =============================================================================
// ACCOUNT HANDLERS
// =============================================================================

// CreateAccount creates an account.
// POST /api/accounts
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body", err)
		return
	}

	acct, err := h.Svc.CreateAccount(r.Context(), req.UserID, membership.Tier(req.Tier))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, NewAccountDTO(acct))
}

// GetAccount returns the account state.
// GET /api/accounts/{id}
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.Svc.GetAccount(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, NewAccountDTO(acct))
}

// SetTier changes the membership tier.
// PUT /api/accounts/{id}/tier
func (h *Handler) SetTier(w http.ResponseWriter, r *http.Request) {
	var req SetTierRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body", err)
		return
	}
	if err := h.Svc.SetMembershipTier(r.Context(), chi.URLParam(r, "id"), membership.Tier(req.Tier)); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// WALLET HANDLERS
// =============================================================================

// CreditWallet adds coins.
// POST /api/accounts/{id}/wallet/credit
func (h *Handler) CreditWallet(w http.ResponseWriter, r *http.Request) {
	var req WalletMutationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body", err)
		return
	}

	res, err := h.Svc.CreditWallet(r.Context(), idemKey(r), chi.URLParam(r, "id"),
		req.Amount, req.Reason, req.Metadata)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// DebitWallet removes coins.
// POST /api/accounts/{id}/wallet/debit
func (h *Handler) DebitWallet(w http.ResponseWriter, r *http.Request) {
	var req WalletMutationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body", err)
		return
	}

	res, err := h.Svc.DebitWallet(r.Context(), idemKey(r), chi.URLParam(r, "id"),
		req.Amount, req.Reason, req.Metadata)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// SetBalance overwrites the coin balance. Admin surface; the gateway in
// front of this service restricts who reaches it.
// PUT /api/accounts/{id}/wallet/balance
func (h *Handler) SetBalance(w http.ResponseWriter, r *http.Request) {
	var req SetBalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body", err)
		return
	}

	res, err := h.Svc.SetBalance(r.Context(), idemKey(r), chi.URLParam(r, "id"), req.Balance)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// RefundWallet refunds a prior spend.
// POST /api/accounts/{id}/wallet/refund
func (h *Handler) RefundWallet(w http.ResponseWriter, r *http.Request) {
	var req RefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body", err)
		return
	}

	res, err := h.Svc.RefundTransaction(r.Context(), idemKey(r), chi.URLParam(r, "id"), req.TransactionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// WalletHistory returns coin transactions, newest first.
// GET /api/accounts/{id}/wallet/history?limit=&offset=
func (h *Handler) WalletHistory(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	txs, err := h.Svc.WalletHistory(r.Context(), chi.URLParam(r, "id"), limit, offset)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

// =============================================================================
// INVENTORY HANDLERS
// =============================================================================

// AddInventory increments a card counter.
// POST /api/accounts/{id}/inventory/add
func (h *Handler) AddInventory(w http.ResponseWriter, r *http.Request) {
	var req InventoryMutationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body", err)
		return
	}

	res, err := h.Svc.AddInventory(r.Context(), idemKey(r), chi.URLParam(r, "id"),
		req.AssetType, req.Amount, req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ConsumeInventory decrements a card counter.
// POST /api/accounts/{id}/inventory/consume
func (h *Handler) ConsumeInventory(w http.ResponseWriter, r *http.Request) {
	var req InventoryMutationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body", err)
		return
	}

	res, err := h.Svc.ConsumeInventory(r.Context(), idemKey(r), chi.URLParam(r, "id"),
		req.AssetType, req.Amount, req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListPackages returns the bundle catalog, cheapest first.
// GET /api/packages
func (h *Handler) ListPackages(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, economy.Packages())
}

// PurchasePackage buys a card bundle by SKU.
// POST /api/accounts/{id}/packages
func (h *Handler) PurchasePackage(w http.ResponseWriter, r *http.Request) {
	var req PurchasePackageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body", err)
		return
	}

	res, err := h.Svc.PurchasePackage(r.Context(), idemKey(r), chi.URLParam(r, "id"), req.SKU)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// =============================================================================
// RESERVATION HANDLERS
// =============================================================================

// Reserve starts a reserve/confirm/rollback workflow.
// POST /api/accounts/{id}/reservations
func (h *Handler) Reserve(w http.ResponseWriter, r *http.Request) {
	var req ReserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body", err)
		return
	}

	res, err := h.Svc.ReserveInventory(r.Context(), idemKey(r), chi.URLParam(r, "id"),
		req.AssetType, req.Amount, req.Reference)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ConfirmReservation finalizes a reservation.
// POST /api/accounts/{id}/reservations/confirm
func (h *Handler) ConfirmReservation(w http.ResponseWriter, r *http.Request) {
	var req ReservationActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body", err)
		return
	}
	if err := h.Svc.ConfirmReservation(r.Context(), chi.URLParam(r, "id"), req.Reference); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "confirmed"})
}

// RollbackReservation restores a reserved resource.
// POST /api/accounts/{id}/reservations/rollback
func (h *Handler) RollbackReservation(w http.ResponseWriter, r *http.Request) {
	var req ReservationActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body", err)
		return
	}
	if err := h.Svc.RollbackReservation(r.Context(), chi.URLParam(r, "id"), req.Reference); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rolled_back"})
}

// =============================================================================
// POTION HANDLERS
// =============================================================================

// PurchasePotion buys potions at the catalog price.
// POST /api/accounts/{id}/potions/purchase
func (h *Handler) PurchasePotion(w http.ResponseWriter, r *http.Request) {
	var req PurchasePotionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body", err)
		return
	}

	res, err := h.Svc.PurchasePotion(r.Context(), idemKey(r), chi.URLParam(r, "id"),
		req.PotionType, req.Quantity, req.Price)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ActivatePotion burns one potion against a target.
// POST /api/accounts/{id}/potions/activate
func (h *Handler) ActivatePotion(w http.ResponseWriter, r *http.Request) {
	var req ActivatePotionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body", err)
		return
	}

	res, err := h.Svc.ActivatePotion(r.Context(), idemKey(r), chi.URLParam(r, "id"),
		req.PotionType, req.TargetID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListEffects returns the account's unexpired effects.
// GET /api/accounts/{id}/effects
func (h *Handler) ListEffects(w http.ResponseWriter, r *http.Request) {
	effects, err := h.Svc.ActiveEffects(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	dtos := make([]EffectDTO, 0, len(effects))
	for _, e := range effects {
		dtos = append(dtos, EffectDTO{
			PotionType:  string(e.PotionType),
			TargetID:    e.TargetID,
			ActivatedAt: e.ActivatedAt,
			ExpiresAt:   e.ExpiresAt,
		})
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// GIFT HANDLERS
// =============================================================================

// SendGift sends one gift at the live tier price.
// POST /api/accounts/{id}/gifts
func (h *Handler) SendGift(w http.ResponseWriter, r *http.Request) {
	var req SendGiftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body", err)
		return
	}

	res, err := h.Svc.SendGift(r.Context(), idemKey(r), chi.URLParam(r, "id"),
		req.TargetID, req.GiftID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GiftHistory returns sent gifts, newest first.
// GET /api/accounts/{id}/gifts?targetId=&limit=&offset=
func (h *Handler) GiftHistory(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	txs, err := h.Svc.GiftHistory(r.Context(), chi.URLParam(r, "id"),
		r.URL.Query().Get("targetId"), limit, offset)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

// GiftStats returns per-recipient aggregates.
// GET /api/accounts/{id}/gifts/stats?targetId=
func (h *Handler) GiftStats(w http.ResponseWriter, r *http.Request) {
	targetID := r.URL.Query().Get("targetId")
	if targetID == "" {
		writeError(w, http.StatusBadRequest, "targetId is required", nil)
		return
	}
	stats, err := h.Svc.GiftStats(r.Context(), chi.URLParam(r, "id"), targetID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// =============================================================================
// HELPERS
// =============================================================================

func idemKey(r *http.Request) string {
	return r.Header.Get(IdempotencyHeader)
}

func pagination(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps domain and engine errors onto HTTP statuses. Client
// errors echo their safe messages; everything else stays generic.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrIdempotencyKeyRequired):
		writeError(w, http.StatusBadRequest, err.Error(), nil)
	case errors.Is(err, economy.ErrAccountNotFound),
		errors.Is(err, economy.ErrTransactionNotFound),
		errors.Is(err, economy.ErrReservationNotFound):
		writeError(w, http.StatusNotFound, err.Error(), nil)
	case errors.Is(err, economy.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error(), nil)
	case economy.IsClientError(err):
		// Remaining client errors are conflicts with current state.
		writeError(w, http.StatusConflict, err.Error(), nil)
	case errors.Is(err, engine.ErrTransientConflict):
		writeError(w, http.StatusServiceUnavailable, err.Error(), nil)
	default:
		writeError(w, http.StatusInternalServerError, "Internal error", nil)
	}
}
