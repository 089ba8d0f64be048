package membership_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/warp/economy-engine/membership"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, membership.TierFree, membership.Normalize(""))
	assert.Equal(t, membership.TierFree, membership.Normalize("platinum"))
	assert.Equal(t, membership.TierVIP, membership.Normalize(membership.TierVIP))
}

func TestGiftDiscount(t *testing.T) {
	cases := []struct {
		tier membership.Tier
		want string
	}{
		{membership.TierFree, "0"},
		{membership.TierVIP, "0.1"},
		{membership.TierVVIP, "0.2"},
		{membership.Tier("unknown"), "0"},
	}
	for _, tc := range cases {
		want, err := decimal.NewFromString(tc.want)
		assert.NoError(t, err)
		assert.True(t, membership.GiftDiscount(tc.tier).Equal(want), "tier %s", tc.tier)
	}
}

func TestAtLeastOrdering(t *testing.T) {
	assert.True(t, membership.TierVVIP.AtLeast(membership.TierVIP))
	assert.True(t, membership.TierVIP.AtLeast(membership.TierVIP))
	assert.False(t, membership.TierFree.AtLeast(membership.TierVIP))
	// Unknown tiers rank as free.
	assert.False(t, membership.Tier("platinum").AtLeast(membership.TierVIP))
}
