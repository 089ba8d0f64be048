package economy_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/economy-engine/economy"
	"github.com/warp/economy-engine/engine"
	"github.com/warp/economy-engine/membership"
)

// =============================================================================
// ADD / CONSUME
// =============================================================================

func TestInventory_AddAndConsume(t *testing.T) {
	// GIVEN: An account with no cards
	// WHEN: 3 create cards are added and 2 consumed
	// THEN: The counter tracks 0 -> 3 -> 1

	svc, _ := newTestService(t)
	ctx := context.Background()
	newFundedAccount(t, svc, "u1", membership.TierFree, 0)

	res, err := svc.AddInventory(ctx, key(), "u1", "createCard", 3, "package purchase")
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Previous)
	assert.Equal(t, int64(3), res.Current)

	res, err = svc.ConsumeInventory(ctx, key(), "u1", "createCard", 2, "character creation")
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Previous)
	assert.Equal(t, int64(1), res.Current)

	acct, err := svc.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), acct.Inventory[economy.CardCreate])
}

func TestInventory_ConsumeAtZeroFails(t *testing.T) {
	// GIVEN: A create-card counter at 0
	// WHEN: One card is consumed (legacy plural asset name)
	// THEN: ErrInsufficientInventory, account state unchanged

	svc, _ := newTestService(t)
	ctx := context.Background()
	newFundedAccount(t, svc, "u1", membership.TierFree, 50)

	_, err := svc.ConsumeInventory(ctx, key(), "u1", "createCards", 1, "character creation")
	assert.ErrorIs(t, err, economy.ErrInsufficientInventory)

	acct, err := svc.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), acct.Inventory[economy.CardCreate])
	assert.Equal(t, int64(50), acct.Balance)
}

func TestInventory_LegacyAliasesNormalize(t *testing.T) {
	// GIVEN: Adds using legacy plural names
	// WHEN: The account is read back
	// THEN: Counters live under the canonical card types

	svc, _ := newTestService(t)
	ctx := context.Background()
	newFundedAccount(t, svc, "u1", membership.TierFree, 0)

	_, err := svc.AddInventory(ctx, key(), "u1", "photoUnlockCards", 2, "grant")
	require.NoError(t, err)
	_, err = svc.AddInventory(ctx, key(), "u1", "photoUnlockCard", 1, "grant")
	require.NoError(t, err)

	acct, err := svc.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), acct.Inventory[economy.CardPhotoUnlock])
	assert.NotContains(t, acct.Inventory, economy.CardType("photoUnlockCards"))
}

func TestInventory_LegacyDocumentNormalizesOnLoad(t *testing.T) {
	// GIVEN: A stored document in the historic schema (walletBalance, plural
	//        inventory keys, no tier)
	// WHEN: The account is loaded and then mutated
	// THEN: Loads present the canonical schema, and the first commit
	//       persists it

	svc, mem := newTestService(t)
	ctx := context.Background()

	legacyKey := engine.Key{Collection: "accounts", ID: "u-legacy"}
	snap, err := mem.GetMulti(ctx, []engine.Key{legacyKey})
	require.NoError(t, err)
	w := engine.NewWrites(snap)
	require.NoError(t, w.Put(legacyKey, map[string]any{
		"id":            "u-legacy",
		"walletBalance": 120,
		"inventory":     map[string]int64{"createCards": 2, "photoUnlockCard": 1},
	}))
	require.NoError(t, mem.Commit(ctx, snap.ReadVersions(), w))

	acct, err := svc.GetAccount(ctx, "u-legacy")
	require.NoError(t, err)
	assert.Equal(t, int64(120), acct.Balance, "walletBalance coalesces into balance")
	assert.Equal(t, int64(2), acct.Inventory[economy.CardCreate], "plural key folds into canonical")
	assert.Equal(t, int64(1), acct.Inventory[economy.CardPhotoUnlock])
	assert.Equal(t, membership.TierFree, acct.MembershipTier, "missing tier defaults to free")

	// A mutation persists the canonical schema.
	_, err = svc.DebitWallet(ctx, key(), "u-legacy", 20, "spend", nil)
	require.NoError(t, err)
	acct, err = svc.GetAccount(ctx, "u-legacy")
	require.NoError(t, err)
	assert.Equal(t, int64(100), acct.Balance)
}

func TestInventory_UnknownAssetTypeRejected(t *testing.T) {
	// GIVEN: An account
	// WHEN: An asset type outside the closed set is used
	// THEN: Validation error before any key is consumed

	svc, _ := newTestService(t)
	ctx := context.Background()
	newFundedAccount(t, svc, "u1", membership.TierFree, 0)

	_, err := svc.AddInventory(ctx, key(), "u1", "plutoniumCard", 1, "grant")
	assert.ErrorIs(t, err, economy.ErrValidation)
	_, err = svc.ConsumeInventory(ctx, key(), "u1", "", 1, "use")
	assert.ErrorIs(t, err, economy.ErrValidation)
}

func TestInventory_AmountValidation(t *testing.T) {
	// GIVEN: An account
	// WHEN: Adding or consuming non-positive amounts
	// THEN: Validation errors

	svc, _ := newTestService(t)
	ctx := context.Background()
	newFundedAccount(t, svc, "u1", membership.TierFree, 0)

	_, err := svc.AddInventory(ctx, key(), "u1", "createCard", 0, "grant")
	assert.ErrorIs(t, err, economy.ErrValidation)
	_, err = svc.ConsumeInventory(ctx, key(), "u1", "createCard", -1, "use")
	assert.ErrorIs(t, err, economy.ErrValidation)
}
