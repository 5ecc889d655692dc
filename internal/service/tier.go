package service

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trust-service/internal/models"
	"trust-service/internal/util"
)

// TierService advances sellers through the volume tiers and keeps the
// commission rate in lockstep with the current tier.
type TierService struct {
	cfg    TrustConfig
	store  TrustStore
	logger *zap.Logger
}

// NewTierService creates the seller tier engine.
func NewTierService(cfg TrustConfig, store TrustStore) *TierService {
	return &TierService{
		cfg:    cfg,
		store:  store,
		logger: util.GetLogger(),
	}
}

// RegisterSellerSale adds a paid sale's net amount to the seller's lifetime
// volume and re-evaluates the tier.
//
// Caller contract: invoke exactly once per sale event. Unlike the trust
// ledger this function is NOT internally idempotent; calling it twice with
// the same amount double-counts. Making it idempotent here would silently
// change accounting semantics at the call sites, so the asymmetry stands.
//
// Tiers only ever move upward. A later drop in sales velocity never
// downgrades a seller; the level reflects lifetime volume, and lifetime
// volume is monotone.
func (s *TierService) RegisterSellerSale(ctx context.Context, sellerUserID int64, saleNetAmount decimal.Decimal) error {
	ctx, span := util.StartSpan(ctx, "TierService.RegisterSellerSale")
	defer span.End()

	if saleNetAmount.LessThanOrEqual(decimal.Zero) {
		return models.Validationf("register seller sale: amount must be positive, got %s", saleNetAmount)
	}

	var upgradedTo string
	_, err := s.store.UpdateSellerProfileTx(ctx, sellerUserID, func(p *models.SellerProfile) error {
		p.LifetimeSalesNet = p.LifetimeSalesNet.Add(saleNetAmount)

		target := s.cfg.TierFor(p.LifetimeSalesNet)
		if models.LevelRank(target.Level) > models.LevelRank(p.SellerLevel) {
			p.SellerLevel = target.Level
			p.CommissionRate = target.CommissionRate
			upgradedTo = target.Level
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to register seller sale: %w", err)
	}

	if upgradedTo != "" {
		util.SellerTierUpgradesTotal.WithLabelValues(upgradedTo).Inc()
		s.logger.Info("Seller tier upgraded",
			zap.Int64("seller_id", sellerUserID),
			zap.String("level", upgradedTo))
	}

	return nil
}
