/*
Package membership defines subscription tiers and the economic privileges
attached to them.

PURPOSE:
  Tier is read from the account document INSIDE each transaction, never from
  a cached value, so a tier change concurrent with a purchase either lands
  before the snapshot (new price applies) or conflicts the commit (purchase
  retries and sees the new tier). Pricing and eligibility therefore always
  reflect the tier at commit time.

TIERS:
  free: Baseline. No discounts, standard catalog access.
  vip:  10% gift discount.
  vvip: 20% gift discount. Already runs the best model, so the brainBoost
        potion is not sold to it.

SEE ALSO:
  - economy/gift.go: Applies GiftDiscount to catalog prices
  - economy/potion.go: Checks the restricted-tier set on purchase
*/
package membership

import "github.com/shopspring/decimal"

// Tier is a user's subscription level.
type Tier string

const (
	TierFree Tier = "free"
	TierVIP  Tier = "vip"
	TierVVIP Tier = "vvip"
)

// Valid reports whether t is a known tier. The zero value is not valid;
// accounts normalize a missing tier to TierFree at load time.
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierVIP, TierVVIP:
		return true
	}
	return false
}

// Normalize maps unknown or empty tiers to free.
func Normalize(t Tier) Tier {
	if !t.Valid() {
		return TierFree
	}
	return t
}

var giftDiscounts = map[Tier]decimal.Decimal{
	TierFree: decimal.Zero,
	TierVIP:  decimal.NewFromFloat(0.10),
	TierVVIP: decimal.NewFromFloat(0.20),
}

// GiftDiscount returns the fractional gift discount for t (0 for free or
// unknown tiers).
func GiftDiscount(t Tier) decimal.Decimal {
	return giftDiscounts[Normalize(t)]
}

// AtLeast reports whether t grants the privileges of required. Tiers order
// free < vip < vvip.
func (t Tier) AtLeast(required Tier) bool {
	return rank(Normalize(t)) >= rank(Normalize(required))
}

func rank(t Tier) int {
	switch t {
	case TierVVIP:
		return 2
	case TierVIP:
		return 1
	default:
		return 0
	}
}
