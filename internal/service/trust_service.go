package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"trust-service/internal/models"
	"trust-service/internal/util"
)

// TrustStore is the persistence boundary for the trust ledger and profiles.
// Implemented by store.Store; tests plug in an in-memory fake.
type TrustStore interface {
	// InsertTrustEvent conditionally inserts ev keyed on (kind,
	// source_event_id) and, when the row is new, applies the clamped score
	// deltas and any one-time identity bonuses inside the same transaction.
	// A replay returns the existing row with created=false and no side
	// effects.
	InsertTrustEvent(ctx context.Context, ev *models.TrustScoreEvent, scoreMin, scoreMax, buyerBonus, sellerBonus int) (*models.TrustScoreEvent, bool, error)

	// GrantBuyerIdentityBonus adds the bonus once, guarded by the profile's
	// marker column. Returns false without side effects when the bonus was
	// already granted.
	GrantBuyerIdentityBonus(ctx context.Context, userID int64, bonus, scoreMin, scoreMax int) (bool, error)
	GrantSellerIdentityBonus(ctx context.Context, userID int64, bonus, scoreMin, scoreMax int) (bool, error)

	// ApproveKYC flips kyc_status to APPROVED and stamps the approval time.
	// Returns false when the profile was already approved.
	ApproveKYC(ctx context.Context, userID int64, approvedAt time.Time) (bool, error)

	GetProfile(ctx context.Context, userID int64) (*models.Profile, error)
	GetSellerProfile(ctx context.Context, userID int64) (*models.SellerProfile, error)

	// UpdateSellerProfileTx locks the seller profile row, applies mutate and
	// persists the result in one transaction.
	UpdateSellerProfileTx(ctx context.Context, userID int64, mutate func(*models.SellerProfile) error) (*models.SellerProfile, error)
}

// TrustCache is the redis-backed cache and counter surface.
type TrustCache interface {
	GetTrustSnapshot(ctx context.Context, userID int64) (*TrustSnapshot, error)
	SetTrustSnapshot(ctx context.Context, snap *TrustSnapshot) error
	InvalidateTrustSnapshot(ctx context.Context, userID int64) error

	// RegisterLoginFailure bumps the windowed failure counter and returns
	// the running count plus an identifier for the current window.
	RegisterLoginFailure(ctx context.Context, userID int64) (int64, string, error)
}

// EventSink publishes domain events to the broker. All publishing is
// best-effort from the caller's point of view.
type EventSink interface {
	PublishTrustScoreChanged(ctx context.Context, event *models.TrustScoreChangedEvent) error
	PublishOrderPaid(ctx context.Context, event *models.OrderPaidEvent) error
	PublishOrderShipped(ctx context.Context, event *models.OrderShippedEvent) error
	PublishEscrowReleased(ctx context.Context, event *models.EscrowReleasedEvent) error
	PublishEscrowDisputed(ctx context.Context, event *models.EscrowDisputedEvent) error
}

// TrustSnapshot is the cached, read-side view of a user's trust state.
type TrustSnapshot struct {
	UserID           int64  `json:"user_id"`
	BuyerTrustScore  int    `json:"buyer_trust_score"`
	BuyerTrustClass  string `json:"buyer_trust_class"`
	KYCStatus        string `json:"kyc_status"`
	SellerTrustScore *int   `json:"seller_trust_score,omitempty"`
	SellerTrustClass string `json:"seller_trust_class,omitempty"`
	SellerLevel      string `json:"seller_level,omitempty"`
	CommissionRate   string `json:"commission_rate,omitempty"`
}

// TrustService owns the append-only trust ledger and every mutation of the
// buyer/seller trust scores. No other code path writes a score.
type TrustService struct {
	cfg                TrustConfig
	store              TrustStore
	cache              TrustCache
	events             EventSink
	loginFailThreshold int64
	logger             *zap.Logger
}

// NewTrustService creates the trust engine. cache and events may be nil.
func NewTrustService(cfg TrustConfig, store TrustStore, cache TrustCache, events EventSink, loginFailThreshold int) *TrustService {
	if loginFailThreshold <= 0 {
		loginFailThreshold = 5
	}
	return &TrustService{
		cfg:                cfg,
		store:              store,
		cache:              cache,
		events:             events,
		loginFailThreshold: int64(loginFailThreshold),
		logger:             util.GetLogger(),
	}
}

// Config returns the engine tuning.
func (s *TrustService) Config() TrustConfig { return s.cfg }

// RecordEventParams describes one real-world occurrence to append to the
// ledger. SourceEventID must be stable across redeliveries of the same
// occurrence; it is the idempotency key together with Kind.
type RecordEventParams struct {
	UserID         int64
	Kind           models.TrustEventKind
	SourceApp      string
	SourceEventID  string
	Meta           string
	DeltaBuyer     int
	DeltaSeller    int
	ApplyBonusSync bool
}

// RecordEvent appends one ledger event and applies its score deltas, clamped
// to the configured bounds, in a single transaction. Replaying the same
// (kind, source_event_id) returns the existing row and changes nothing.
func (s *TrustService) RecordEvent(ctx context.Context, p RecordEventParams) (*models.TrustScoreEvent, error) {
	ctx, span := util.StartSpan(ctx, "TrustService.RecordEvent")
	defer span.End()

	start := time.Now()
	defer func() {
		util.ScoreUpdateLatency.Observe(time.Since(start).Seconds())
	}()

	if p.UserID == 0 {
		return nil, models.Validationf("record event: user id is required")
	}
	if p.Kind == "" {
		return nil, models.Validationf("record event: kind is required")
	}
	if p.SourceEventID == "" {
		return nil, models.Validationf("record event: source event id is required")
	}

	ev := &models.TrustScoreEvent{
		TargetUserID:  p.UserID,
		Kind:          p.Kind,
		SourceApp:     p.SourceApp,
		SourceEventID: p.SourceEventID,
		DeltaBuyer:    p.DeltaBuyer,
		DeltaSeller:   p.DeltaSeller,
		Meta:          p.Meta,
	}

	var buyerBonus, sellerBonus int
	if p.ApplyBonusSync && p.Kind == models.EventKYCApproved {
		buyerBonus = s.cfg.IdentityBonus
		sellerBonus = s.cfg.IdentityBonus
	}

	stored, created, err := s.store.InsertTrustEvent(ctx, ev, s.cfg.ScoreMin, s.cfg.ScoreMax, buyerBonus, sellerBonus)
	if err != nil {
		return nil, fmt.Errorf("failed to record trust event: %w", err)
	}

	if !created {
		util.TrustEventsDuplicateTotal.WithLabelValues(string(p.Kind)).Inc()
		s.logger.Info("Duplicate trust event absorbed",
			zap.String("kind", string(p.Kind)),
			zap.String("source_event_id", p.SourceEventID))
		return stored, nil
	}

	util.TrustEventsRecordedTotal.WithLabelValues(string(p.Kind)).Inc()
	s.logger.Info("Trust event recorded",
		zap.String("kind", string(p.Kind)),
		zap.Int64("user_id", p.UserID),
		zap.Int("delta_buyer", p.DeltaBuyer),
		zap.Int("delta_seller", p.DeltaSeller))

	s.invalidateSnapshot(ctx, p.UserID)
	s.publishScoreChanged(ctx, stored)

	return stored, nil
}

// ApplyBuyerIdentityBonuses grants the one-time KYC bonus to the buyer
// profile. Re-invocation after the bonus was granted is a no-op.
func (s *TrustService) ApplyBuyerIdentityBonuses(ctx context.Context, userID int64) (bool, error) {
	granted, err := s.store.GrantBuyerIdentityBonus(ctx, userID, s.cfg.IdentityBonus, s.cfg.ScoreMin, s.cfg.ScoreMax)
	if err != nil {
		return false, fmt.Errorf("failed to apply buyer identity bonus: %w", err)
	}
	if granted {
		util.IdentityBonusGrantedTotal.WithLabelValues("buyer").Inc()
		s.invalidateSnapshot(ctx, userID)
	}
	return granted, nil
}

// ApplySellerIdentityBonuses grants the one-time KYC bonus to the seller
// profile, independently of the buyer side.
func (s *TrustService) ApplySellerIdentityBonuses(ctx context.Context, userID int64) (bool, error) {
	granted, err := s.store.GrantSellerIdentityBonus(ctx, userID, s.cfg.IdentityBonus, s.cfg.ScoreMin, s.cfg.ScoreMax)
	if err != nil {
		return false, fmt.Errorf("failed to apply seller identity bonus: %w", err)
	}
	if granted {
		util.IdentityBonusGrantedTotal.WithLabelValues("seller").Inc()
		s.invalidateSnapshot(ctx, userID)
	}
	return granted, nil
}

// ApproveKYC marks the user's KYC as approved and records the KYC_APPROVED
// ledger event with synchronous bonus application. Approving an already
// approved profile is a no-op.
func (s *TrustService) ApproveKYC(ctx context.Context, userID int64, sourceEventID string) error {
	ctx, span := util.StartSpan(ctx, "TrustService.ApproveKYC")
	defer span.End()

	changed, err := s.store.ApproveKYC(ctx, userID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to approve KYC: %w", err)
	}
	if !changed {
		s.logger.Info("KYC already approved, replaying ledger event",
			zap.Int64("user_id", userID))
	}

	// Record the event even when the status flip was a replay: a transient
	// ledger failure after the flip committed would otherwise lose the
	// bonus on every retry. The deterministic source event id keeps the
	// retry idempotent.
	if sourceEventID == "" {
		sourceEventID = fmt.Sprintf("kyc-approved:%d", userID)
	}

	_, err = s.RecordEvent(ctx, RecordEventParams{
		UserID:         userID,
		Kind:           models.EventKYCApproved,
		SourceApp:      "accounts",
		SourceEventID:  sourceEventID,
		ApplyBonusSync: true,
	})
	return err
}

// RegisterLoginFailure counts a failed login against the redis window and,
// exactly when the threshold is crossed, records one negative-delta ledger
// event. The window id inside the source event id keeps redeliveries and
// further failures in the same window idempotent.
func (s *TrustService) RegisterLoginFailure(ctx context.Context, userID int64) error {
	if s.cache == nil {
		return nil
	}

	count, windowID, err := s.cache.RegisterLoginFailure(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to register login failure: %w", err)
	}
	if count < s.loginFailThreshold {
		return nil
	}

	_, err = s.RecordEvent(ctx, RecordEventParams{
		UserID:        userID,
		Kind:          models.EventLoginFail,
		SourceApp:     "accounts",
		SourceEventID: fmt.Sprintf("login-fail:%d:%s", userID, windowID),
		DeltaBuyer:    s.cfg.LoginFailBuyerDelta,
	})
	return err
}

// GetTrustSnapshot returns the read-side trust view, served from the redis
// cache when warm.
func (s *TrustService) GetTrustSnapshot(ctx context.Context, userID int64) (*TrustSnapshot, error) {
	if s.cache != nil {
		snap, err := s.cache.GetTrustSnapshot(ctx, userID)
		if err != nil {
			s.logger.Warn("Trust snapshot cache read failed", zap.Error(err))
		} else if snap != nil {
			return snap, nil
		}
	}

	profile, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}

	snap := &TrustSnapshot{
		UserID:          userID,
		BuyerTrustScore: profile.BuyerTrustScore,
		BuyerTrustClass: models.TrustClass(profile.BuyerTrustScore),
		KYCStatus:       profile.KYCStatus,
	}

	seller, err := s.store.GetSellerProfile(ctx, userID)
	if err == nil && seller != nil {
		score := seller.SellerTrustScore
		snap.SellerTrustScore = &score
		snap.SellerTrustClass = models.TrustClass(score)
		snap.SellerLevel = seller.SellerLevel
		snap.CommissionRate = seller.CommissionRate.String()
	}

	if s.cache != nil {
		if err := s.cache.SetTrustSnapshot(ctx, snap); err != nil {
			s.logger.Warn("Trust snapshot cache write failed", zap.Error(err))
		}
	}

	return snap, nil
}

func (s *TrustService) invalidateSnapshot(ctx context.Context, userID int64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateTrustSnapshot(ctx, userID); err != nil {
		s.logger.Warn("Failed to invalidate trust snapshot",
			zap.Int64("user_id", userID), zap.Error(err))
	}
}

func (s *TrustService) publishScoreChanged(ctx context.Context, ev *models.TrustScoreEvent) {
	if s.events == nil {
		return
	}
	event := &models.TrustScoreChangedEvent{
		BaseEvent:   models.NewBaseEvent(models.EventTypeTrustScoreChanged),
		UserID:      ev.TargetUserID,
		Kind:        string(ev.Kind),
		DeltaBuyer:  ev.DeltaBuyer,
		DeltaSeller: ev.DeltaSeller,
	}
	if err := s.events.PublishTrustScoreChanged(ctx, event); err != nil {
		s.logger.Error("Failed to publish TrustScoreChanged event", zap.Error(err))
	}
}
