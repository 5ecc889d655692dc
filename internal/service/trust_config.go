package service

import (
	"time"

	"github.com/shopspring/decimal"

	"trust-service/internal/models"
)

// TierThreshold maps a minimum lifetime net sales volume to a seller level
// and its commission rate. Thresholds are evaluated in ascending order.
type TierThreshold struct {
	Level          string
	MinLifetimeNet decimal.Decimal
	CommissionRate decimal.Decimal
}

// TrustConfig is the immutable tuning for the trust engine, resolved once at
// startup and passed into constructors. Score bounds, per-event deltas, the
// one-time identity bonus and the seller tier table all live here so no code
// path reaches for global settings at runtime.
type TrustConfig struct {
	ScoreMin     int
	ScoreMax     int
	ScoreDefault int

	// Per-event deltas. Buyer and seller sides are independent; an event
	// kind may move either or both.
	OrderPaidBuyerDelta       int
	OrderPaidSellerDelta      int
	ShippedOnTimeDelta        int
	ShippedLateDelta          int
	EscrowReleasedBuyerDelta  int
	EscrowReleasedSellerDelta int
	LoginFailBuyerDelta       int

	// IdentityBonus is granted at most once per side when KYC is approved.
	IdentityBonus int

	// HandlingWindow is how long a seller has between payment capture and
	// shipment before the shipped event counts as late.
	HandlingWindow time.Duration

	// Tiers must be sorted by ascending MinLifetimeNet, starting at zero.
	Tiers []TierThreshold
}

// DefaultTrustConfig returns the production tuning.
func DefaultTrustConfig() TrustConfig {
	return TrustConfig{
		ScoreMin:     0,
		ScoreMax:     100,
		ScoreDefault: 50,

		OrderPaidBuyerDelta:       2,
		OrderPaidSellerDelta:      1,
		ShippedOnTimeDelta:        1,
		ShippedLateDelta:          -2,
		EscrowReleasedBuyerDelta:  1,
		EscrowReleasedSellerDelta: 1,
		LoginFailBuyerDelta:       -2,

		IdentityBonus: 10,

		HandlingWindow: 48 * time.Hour,

		Tiers: []TierThreshold{
			{Level: models.LevelAmator, MinLifetimeNet: decimal.Zero, CommissionRate: decimal.RequireFromString("10")},
			{Level: models.LevelRising, MinLifetimeNet: decimal.RequireFromString("1000"), CommissionRate: decimal.RequireFromString("8")},
			{Level: models.LevelTop, MinLifetimeNet: decimal.RequireFromString("5000"), CommissionRate: decimal.RequireFromString("6")},
			{Level: models.LevelVIP, MinLifetimeNet: decimal.RequireFromString("20000"), CommissionRate: decimal.RequireFromString("5")},
		},
	}
}

// TierFor returns the highest tier whose threshold the given lifetime net
// sales volume meets.
func (c TrustConfig) TierFor(lifetimeNet decimal.Decimal) TierThreshold {
	tier := c.Tiers[0]
	for _, t := range c.Tiers {
		if lifetimeNet.GreaterThanOrEqual(t.MinLifetimeNet) {
			tier = t
		}
	}
	return tier
}

// CommissionFor returns the commission rate for a seller level. The rate is
// fully determined by the level; there is no per-seller override.
func (c TrustConfig) CommissionFor(level string) decimal.Decimal {
	for _, t := range c.Tiers {
		if t.Level == level {
			return t.CommissionRate
		}
	}
	return c.Tiers[0].CommissionRate
}
