/*
account.go - The per-user account document and legacy normalization

PURPOSE:
  Account is the single versioned document holding everything mutable about
  a user's economy state: coin balance, card inventory, potion inventory,
  active effects, reservations, and membership tier. Keeping it in one
  document means any combination of these fields can be mutated atomically
  by one optimistic transaction.

LEGACY NORMALIZATION:
  Historic documents stored the balance under walletBalance, wallet.balance
  or coins, and inventory counters under plural card names. Instead of
  checking every alternative at every call site, loadAccount normalizes the
  whole document into the canonical schema once, right after unmarshalling;
  the next successful commit persists the canonical form.

SEE ALSO:
  - types.go: Card/potion/effect/reservation types stored on the account
  - wallet.go: Balance mutations
*/
package economy

import (
	"context"
	"time"

	"github.com/warp/economy-engine/engine"
	"github.com/warp/economy-engine/membership"
)

// =============================================================================
// ACCOUNT DOCUMENT
// =============================================================================

// Account is the versioned per-user state document.
type Account struct {
	ID              string                 `json:"id"`
	Balance         int64                  `json:"balance"`
	Inventory       map[CardType]int64     `json:"inventory"`
	PotionInventory map[PotionType]int64   `json:"potionInventory"`
	ActiveEffects   map[string]Effect      `json:"activeEffects"`
	Reservations    map[string]Reservation `json:"reservations,omitempty"`
	MembershipTier  membership.Tier        `json:"membershipTier"`
	CreatedAt       time.Time              `json:"createdAt"`
	UpdatedAt       time.Time              `json:"updatedAt"`

	// Legacy balance locations. Read once by normalize, never written back.
	LegacyWalletBalance *int64        `json:"walletBalance,omitempty"`
	LegacyWallet        *legacyWallet `json:"wallet,omitempty"`
	LegacyCoins         *int64        `json:"coins,omitempty"`
}

type legacyWallet struct {
	Balance *int64 `json:"balance,omitempty"`
}

// normalize rewrites a freshly-loaded document into the canonical schema:
// legacy balance fields coalesce into Balance (first hit wins, canonical
// field takes precedence when set), plural inventory keys fold into the
// canonical card names, nil maps become empty, unknown tiers become free.
func (a *Account) normalize() {
	if a.Balance == 0 {
		for _, legacy := range []*int64{a.legacyWalletNested(), a.LegacyWalletBalance, a.LegacyCoins} {
			if legacy != nil && *legacy > 0 {
				a.Balance = *legacy
				break
			}
		}
	}
	a.LegacyWalletBalance = nil
	a.LegacyWallet = nil
	a.LegacyCoins = nil

	if a.Inventory == nil {
		a.Inventory = make(map[CardType]int64)
	}
	for alias, canonical := range cardAliases {
		if n, ok := a.Inventory[CardType(alias)]; ok {
			a.Inventory[canonical] += n
			delete(a.Inventory, CardType(alias))
		}
	}

	if a.PotionInventory == nil {
		a.PotionInventory = make(map[PotionType]int64)
	}
	if a.ActiveEffects == nil {
		a.ActiveEffects = make(map[string]Effect)
	}
	if a.Reservations == nil {
		a.Reservations = make(map[string]Reservation)
	}
	a.MembershipTier = membership.Normalize(a.MembershipTier)
}

func (a *Account) legacyWalletNested() *int64 {
	if a.LegacyWallet == nil {
		return nil
	}
	return a.LegacyWallet.Balance
}

// loadAccount reads and normalizes the account document from a snapshot.
func loadAccount(snap *engine.Snapshot, userID string) (*Account, error) {
	var acct Account
	ok, err := snap.Get(accountKey(userID), &acct)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAccountNotFound
	}
	acct.normalize()
	return &acct, nil
}

// =============================================================================
// ACCOUNT LIFECYCLE
// =============================================================================

// CreateAccount creates the account document at registration. Idempotent
// creation is the caller's concern; a second create fails with
// ErrAccountExists.
func (s *Service) CreateAccount(ctx context.Context, userID string, tier membership.Tier) (*Account, error) {
	if userID == "" {
		return nil, &ValidationError{Field: "userId", Reason: "must not be empty"}
	}

	key := accountKey(userID)
	var created Account
	err := s.exec.Run(ctx, []engine.Key{key}, func(snap *engine.Snapshot, w *engine.Writes) error {
		if snap.Version(key) != 0 {
			return ErrAccountExists
		}
		now := s.now()
		created = Account{
			ID:              userID,
			Inventory:       make(map[CardType]int64),
			PotionInventory: make(map[PotionType]int64),
			ActiveEffects:   make(map[string]Effect),
			Reservations:    make(map[string]Reservation),
			MembershipTier:  membership.Normalize(tier),
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		return w.Put(key, created)
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// GetAccount loads the account in its canonical form.
func (s *Service) GetAccount(ctx context.Context, userID string) (*Account, error) {
	snap, err := s.store.GetMulti(ctx, []engine.Key{accountKey(userID)})
	if err != nil {
		return nil, err
	}
	return loadAccount(snap, userID)
}

// SetMembershipTier updates the tier on the account document. Concurrent
// purchases either commit before this (old pricing) or conflict and retry
// against the new tier; there is no window where a stale tier prices a
// commit.
func (s *Service) SetMembershipTier(ctx context.Context, userID string, tier membership.Tier) error {
	if !tier.Valid() {
		return &ValidationError{Field: "tier", Reason: "unknown tier"}
	}
	key := accountKey(userID)
	return s.exec.Run(ctx, []engine.Key{key}, func(snap *engine.Snapshot, w *engine.Writes) error {
		acct, err := loadAccount(snap, userID)
		if err != nil {
			return err
		}
		acct.MembershipTier = tier
		acct.UpdatedAt = s.now()
		return w.Put(key, acct)
	})
}
