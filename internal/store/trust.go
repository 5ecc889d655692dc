package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"trust-service/internal/models"
	"trust-service/internal/util"
)

// InsertTrustEvent conditionally inserts the ledger event and, when new,
// applies the clamped score deltas and any one-time identity bonuses inside
// the same transaction. The unique index on (kind, source_event_id) is the
// idempotency backstop; a replay returns the existing row untouched.
func (s *Store) InsertTrustEvent(ctx context.Context, ev *models.TrustScoreEvent, scoreMin, scoreMax, buyerBonus, sellerBonus int) (*models.TrustScoreEvent, bool, error) {
	var created bool

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		row := tx.QueryRowxContext(ctx, `
			INSERT INTO trust_score_events
				(target_user_id, kind, source_app, source_event_id, delta_buyer, delta_seller, meta)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (kind, source_event_id) DO NOTHING
			RETURNING id, created_at`,
			ev.TargetUserID, ev.Kind, ev.SourceApp, ev.SourceEventID,
			ev.DeltaBuyer, ev.DeltaSeller, ev.Meta)

		if err := row.Scan(&ev.ID, &ev.CreatedAt); err != nil {
			if err == sql.ErrNoRows {
				// Replay: the row exists, nothing to apply.
				return nil
			}
			return fmt.Errorf("failed to insert trust event: %w", err)
		}
		created = true

		if ev.DeltaBuyer != 0 || buyerBonus > 0 {
			if err := adjustBuyerScoreTx(ctx, tx, ev.TargetUserID, ev.DeltaBuyer, buyerBonus, scoreMin, scoreMax); err != nil {
				return err
			}
		}
		if ev.DeltaSeller != 0 || sellerBonus > 0 {
			if err := adjustSellerScoreTx(ctx, tx, ev.TargetUserID, ev.DeltaSeller, sellerBonus, scoreMin, scoreMax); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if !created {
		existing, err := s.getTrustEvent(ctx, ev.Kind, ev.SourceEventID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	return ev, true, nil
}

func (s *Store) getTrustEvent(ctx context.Context, kind models.TrustEventKind, sourceEventID string) (*models.TrustScoreEvent, error) {
	var ev models.TrustScoreEvent
	err := s.db.GetContext(ctx, &ev,
		"SELECT * FROM trust_score_events WHERE kind = $1 AND source_event_id = $2",
		kind, sourceEventID)
	if err != nil {
		return nil, fmt.Errorf("failed to load trust event: %w", err)
	}
	return &ev, nil
}

// ListTrustEvents returns a user's ledger, newest first.
func (s *Store) ListTrustEvents(ctx context.Context, userID int64, limit int) ([]models.TrustScoreEvent, error) {
	var events []models.TrustScoreEvent
	err := s.db.SelectContext(ctx, &events,
		"SELECT * FROM trust_score_events WHERE target_user_id = $1 ORDER BY created_at DESC LIMIT $2",
		userID, limit)
	return events, err
}

// adjustBuyerScoreTx locks the profile row, clamps delta plus an optional
// marker-guarded identity bonus, and writes the score back.
func adjustBuyerScoreTx(ctx context.Context, tx *sqlx.Tx, userID int64, delta, bonus, scoreMin, scoreMax int) error {
	var cur struct {
		Score        int  `db:"buyer_trust_score"`
		BonusApplied bool `db:"identity_bonus_applied"`
	}
	err := tx.GetContext(ctx, &cur,
		"SELECT buyer_trust_score, identity_bonus_applied FROM profiles WHERE user_id = $1 FOR UPDATE",
		userID)
	if err != nil {
		return fmt.Errorf("failed to lock profile %d: %w", userID, err)
	}

	next := models.ClampScore(cur.Score, delta, scoreMin, scoreMax)
	if next != cur.Score+delta {
		util.TrustScoreClampedTotal.WithLabelValues("buyer").Inc()
	}

	grantBonus := bonus > 0 && !cur.BonusApplied
	if grantBonus {
		next = models.ClampScore(next, bonus, scoreMin, scoreMax)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE profiles
		SET buyer_trust_score = $1,
		    identity_bonus_applied = identity_bonus_applied OR $2,
		    updated_at = NOW()
		WHERE user_id = $3`,
		next, grantBonus, userID)
	if err != nil {
		return fmt.Errorf("failed to update profile %d: %w", userID, err)
	}
	if grantBonus {
		util.IdentityBonusGrantedTotal.WithLabelValues("buyer").Inc()
	}
	return nil
}

func adjustSellerScoreTx(ctx context.Context, tx *sqlx.Tx, userID int64, delta, bonus, scoreMin, scoreMax int) error {
	var cur struct {
		Score        int  `db:"seller_trust_score"`
		BonusApplied bool `db:"identity_bonus_applied"`
	}
	err := tx.GetContext(ctx, &cur,
		"SELECT seller_trust_score, identity_bonus_applied FROM seller_profiles WHERE user_id = $1 FOR UPDATE",
		userID)
	if err != nil {
		if err == sql.ErrNoRows && delta == 0 {
			// KYC bonus for a user with no seller profile: nothing to grant.
			return nil
		}
		return fmt.Errorf("failed to lock seller profile %d: %w", userID, err)
	}

	next := models.ClampScore(cur.Score, delta, scoreMin, scoreMax)
	if next != cur.Score+delta {
		util.TrustScoreClampedTotal.WithLabelValues("seller").Inc()
	}

	grantBonus := bonus > 0 && !cur.BonusApplied
	if grantBonus {
		next = models.ClampScore(next, bonus, scoreMin, scoreMax)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE seller_profiles
		SET seller_trust_score = $1,
		    identity_bonus_applied = identity_bonus_applied OR $2,
		    updated_at = NOW()
		WHERE user_id = $3`,
		next, grantBonus, userID)
	if err != nil {
		return fmt.Errorf("failed to update seller profile %d: %w", userID, err)
	}
	if grantBonus {
		util.IdentityBonusGrantedTotal.WithLabelValues("seller").Inc()
	}
	return nil
}

// GrantBuyerIdentityBonus applies the one-time bonus standalone, guarded by
// the profile marker. Returns false without side effects when already
// granted.
func (s *Store) GrantBuyerIdentityBonus(ctx context.Context, userID int64, bonus, scoreMin, scoreMax int) (bool, error) {
	granted := false
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var cur struct {
			Score        int  `db:"buyer_trust_score"`
			BonusApplied bool `db:"identity_bonus_applied"`
		}
		err := tx.GetContext(ctx, &cur,
			"SELECT buyer_trust_score, identity_bonus_applied FROM profiles WHERE user_id = $1 FOR UPDATE",
			userID)
		if err != nil {
			return fmt.Errorf("failed to lock profile %d: %w", userID, err)
		}
		if cur.BonusApplied {
			return nil
		}

		next := models.ClampScore(cur.Score, bonus, scoreMin, scoreMax)
		_, err = tx.ExecContext(ctx, `
			UPDATE profiles
			SET buyer_trust_score = $1, identity_bonus_applied = TRUE, updated_at = NOW()
			WHERE user_id = $2`,
			next, userID)
		if err != nil {
			return fmt.Errorf("failed to update profile %d: %w", userID, err)
		}
		granted = true
		return nil
	})
	return granted, err
}

// GrantSellerIdentityBonus is the seller-side twin of GrantBuyerIdentityBonus.
func (s *Store) GrantSellerIdentityBonus(ctx context.Context, userID int64, bonus, scoreMin, scoreMax int) (bool, error) {
	granted := false
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var cur struct {
			Score        int  `db:"seller_trust_score"`
			BonusApplied bool `db:"identity_bonus_applied"`
		}
		err := tx.GetContext(ctx, &cur,
			"SELECT seller_trust_score, identity_bonus_applied FROM seller_profiles WHERE user_id = $1 FOR UPDATE",
			userID)
		if err != nil {
			return fmt.Errorf("failed to lock seller profile %d: %w", userID, err)
		}
		if cur.BonusApplied {
			return nil
		}

		next := models.ClampScore(cur.Score, bonus, scoreMin, scoreMax)
		_, err = tx.ExecContext(ctx, `
			UPDATE seller_profiles
			SET seller_trust_score = $1, identity_bonus_applied = TRUE, updated_at = NOW()
			WHERE user_id = $2`,
			next, userID)
		if err != nil {
			return fmt.Errorf("failed to update seller profile %d: %w", userID, err)
		}
		granted = true
		return nil
	})
	return granted, err
}

// ApproveKYC flips kyc_status to APPROVED once. Returns false when the
// profile was already approved.
func (s *Store) ApproveKYC(ctx context.Context, userID int64, approvedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE profiles
		SET kyc_status = $1, kyc_approved_at = $2, updated_at = NOW()
		WHERE user_id = $3 AND kyc_status <> $1`,
		models.KYCApproved, approvedAt, userID)
	if err != nil {
		return false, fmt.Errorf("failed to approve KYC for user %d: %w", userID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetProfile retrieves a buyer profile by user id.
func (s *Store) GetProfile(ctx context.Context, userID int64) (*models.Profile, error) {
	var profile models.Profile
	err := s.db.GetContext(ctx, &profile, "SELECT * FROM profiles WHERE user_id = $1", userID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("profile not found: %d", userID)
	}
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

// GetSellerProfile retrieves a seller profile by user id.
func (s *Store) GetSellerProfile(ctx context.Context, userID int64) (*models.SellerProfile, error) {
	var profile models.SellerProfile
	err := s.db.GetContext(ctx, &profile, "SELECT * FROM seller_profiles WHERE user_id = $1", userID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("seller profile not found: %d", userID)
	}
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

// UpdateSellerProfileTx locks the seller profile row, applies mutate and
// persists the result in one transaction.
func (s *Store) UpdateSellerProfileTx(ctx context.Context, userID int64, mutate func(*models.SellerProfile) error) (*models.SellerProfile, error) {
	var profile models.SellerProfile
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &profile,
			"SELECT * FROM seller_profiles WHERE user_id = $1 FOR UPDATE", userID)
		if err != nil {
			return fmt.Errorf("failed to lock seller profile %d: %w", userID, err)
		}

		if err := mutate(&profile); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE seller_profiles
			SET seller_trust_score = $1,
			    seller_level = $2,
			    commission_rate = $3,
			    lifetime_sales_net = $4,
			    updated_at = NOW()
			WHERE user_id = $5`,
			profile.SellerTrustScore, profile.SellerLevel,
			profile.CommissionRate, profile.LifetimeSalesNet, userID)
		if err != nil {
			return fmt.Errorf("failed to update seller profile %d: %w", userID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &profile, nil
}
