package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trust-service/internal/models"
)

func newTestTrustService(store *memTrustStore) *TrustService {
	return NewTrustService(DefaultTrustConfig(), store, nil, &memEventSink{}, 5)
}

func TestRecordEventAppliesDeltaOnce(t *testing.T) {
	store := newMemTrustStore()
	store.addProfile(1, 50)
	svc := newTestTrustService(store)
	ctx := context.Background()

	params := RecordEventParams{
		UserID:        1,
		Kind:          models.EventOrderPaid,
		SourceApp:     "orders",
		SourceEventID: "order-paid:42",
		DeltaBuyer:    2,
	}

	first, err := svc.RecordEvent(ctx, params)
	require.NoError(t, err)
	require.NotNil(t, first)

	// Redelivery of the same occurrence returns the stored row untouched.
	second, err := svc.RecordEvent(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	assert.Len(t, store.events, 1)

	profile, err := store.GetProfile(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 52, profile.BuyerTrustScore)
}

func TestRecordEventSameSourceDifferentKind(t *testing.T) {
	store := newMemTrustStore()
	store.addProfile(1, 50)
	svc := newTestTrustService(store)
	ctx := context.Background()

	_, err := svc.RecordEvent(ctx, RecordEventParams{
		UserID: 1, Kind: models.EventOrderPaid,
		SourceApp: "orders", SourceEventID: "evt-1", DeltaBuyer: 2,
	})
	require.NoError(t, err)

	// The idempotency key is (kind, source_event_id), not the id alone.
	_, err = svc.RecordEvent(ctx, RecordEventParams{
		UserID: 1, Kind: models.EventEscrowReleased,
		SourceApp: "orders", SourceEventID: "evt-1", DeltaBuyer: 1,
	})
	require.NoError(t, err)

	assert.Len(t, store.events, 2)

	profile, err := store.GetProfile(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 53, profile.BuyerTrustScore)
}

func TestRecordEventValidation(t *testing.T) {
	svc := newTestTrustService(newMemTrustStore())
	ctx := context.Background()

	_, err := svc.RecordEvent(ctx, RecordEventParams{
		Kind: models.EventOrderPaid, SourceEventID: "x",
	})
	assert.True(t, models.IsValidation(err))

	_, err = svc.RecordEvent(ctx, RecordEventParams{
		UserID: 1, SourceEventID: "x",
	})
	assert.True(t, models.IsValidation(err))

	_, err = svc.RecordEvent(ctx, RecordEventParams{
		UserID: 1, Kind: models.EventOrderPaid,
	})
	assert.True(t, models.IsValidation(err))
}

func TestScoreClampsAtBounds(t *testing.T) {
	store := newMemTrustStore()
	store.addProfile(1, 95)
	store.addProfile(2, 3)
	svc := newTestTrustService(store)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := svc.RecordEvent(ctx, RecordEventParams{
			UserID: 1, Kind: models.EventOrderPaid,
			SourceApp: "orders", SourceEventID: string(rune('a' + i)),
			DeltaBuyer: 20,
		})
		require.NoError(t, err)
	}
	profile, err := store.GetProfile(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 100, profile.BuyerTrustScore)

	for i := 0; i < 4; i++ {
		_, err := svc.RecordEvent(ctx, RecordEventParams{
			UserID: 2, Kind: models.EventLoginFail,
			SourceApp: "accounts", SourceEventID: string(rune('a' + i)),
			DeltaBuyer: -30,
		})
		require.NoError(t, err)
	}
	profile, err = store.GetProfile(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 0, profile.BuyerTrustScore)
}

func TestClampScore(t *testing.T) {
	tests := []struct {
		name     string
		score    int
		delta    int
		expected int
	}{
		{"within bounds", 50, 10, 60},
		{"saturates high", 95, 20, 100},
		{"saturates low", 3, -30, 0},
		{"exact ceiling", 98, 2, 100},
		{"exact floor", 2, -2, 0},
		{"no movement", 50, 0, 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, models.ClampScore(tt.score, tt.delta, 0, 100))
		})
	}
}

func TestTrustClassBoundaries(t *testing.T) {
	assert.Equal(t, "A", models.TrustClass(100))
	assert.Equal(t, "A", models.TrustClass(85))
	assert.Equal(t, "B", models.TrustClass(84))
	assert.Equal(t, "B", models.TrustClass(70))
	assert.Equal(t, "C", models.TrustClass(69))
	assert.Equal(t, "C", models.TrustClass(50))
	assert.Equal(t, "D", models.TrustClass(49))
	assert.Equal(t, "D", models.TrustClass(0))
}

func TestApproveKYCGrantsBonusOnce(t *testing.T) {
	store := newMemTrustStore()
	store.addProfile(7, 50)
	store.addSeller(7, 50)
	svc := newTestTrustService(store)
	ctx := context.Background()

	require.NoError(t, svc.ApproveKYC(ctx, 7, ""))

	profile, err := store.GetProfile(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 60, profile.BuyerTrustScore)
	assert.Equal(t, models.KYCApproved, profile.KYCStatus)
	assert.True(t, profile.IdentityBonusApplied)

	seller, err := store.GetSellerProfile(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 60, seller.SellerTrustScore)

	// Second approval is a no-op end to end.
	require.NoError(t, svc.ApproveKYC(ctx, 7, ""))

	profile, err = store.GetProfile(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 60, profile.BuyerTrustScore)
	assert.Len(t, store.events, 1)
}

func TestApproveKYCRetriesLedgerEventAfterFailure(t *testing.T) {
	store := newMemTrustStore()
	store.addProfile(7, 50)
	store.addSeller(7, 50)
	svc := newTestTrustService(store)
	ctx := context.Background()

	// The status flip commits, then the ledger write fails transiently.
	store.failInsert = errors.New("ledger unavailable")
	err := svc.ApproveKYC(ctx, 7, "")
	require.Error(t, err)

	profile, err := store.GetProfile(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, models.KYCApproved, profile.KYCStatus)
	assert.Equal(t, 50, profile.BuyerTrustScore)
	assert.Empty(t, store.events)

	// The retry must still record the event and grant the bonus even though
	// the flip is now a replay.
	store.failInsert = nil
	require.NoError(t, svc.ApproveKYC(ctx, 7, ""))

	profile, err = store.GetProfile(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 60, profile.BuyerTrustScore)

	seller, err := store.GetSellerProfile(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 60, seller.SellerTrustScore)
	assert.Len(t, store.events, 1)
}

func TestIdentityBonusMarkerGuards(t *testing.T) {
	store := newMemTrustStore()
	store.addProfile(3, 50)
	store.addSeller(3, 40)
	svc := newTestTrustService(store)
	ctx := context.Background()

	granted, err := svc.ApplyBuyerIdentityBonuses(ctx, 3)
	require.NoError(t, err)
	assert.True(t, granted)

	granted, err = svc.ApplyBuyerIdentityBonuses(ctx, 3)
	require.NoError(t, err)
	assert.False(t, granted)

	profile, err := store.GetProfile(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 60, profile.BuyerTrustScore)

	granted, err = svc.ApplySellerIdentityBonuses(ctx, 3)
	require.NoError(t, err)
	assert.True(t, granted)

	granted, err = svc.ApplySellerIdentityBonuses(ctx, 3)
	require.NoError(t, err)
	assert.False(t, granted)

	seller, err := store.GetSellerProfile(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 50, seller.SellerTrustScore)
}

func TestLoginFailureThreshold(t *testing.T) {
	store := newMemTrustStore()
	store.addProfile(9, 50)
	cache := newMemTrustCache("w1")
	svc := NewTrustService(DefaultTrustConfig(), store, cache, nil, 5)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, svc.RegisterLoginFailure(ctx, 9))
	}
	assert.Empty(t, store.events)

	// Fifth failure crosses the threshold and records exactly one event.
	require.NoError(t, svc.RegisterLoginFailure(ctx, 9))
	assert.Len(t, store.events, 1)

	profile, err := store.GetProfile(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, 48, profile.BuyerTrustScore)

	// More failures in the same window hit the same source event id.
	require.NoError(t, svc.RegisterLoginFailure(ctx, 9))
	require.NoError(t, svc.RegisterLoginFailure(ctx, 9))
	assert.Len(t, store.events, 1)

	profile, err = store.GetProfile(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, 48, profile.BuyerTrustScore)
}

func TestGetTrustSnapshot(t *testing.T) {
	store := newMemTrustStore()
	store.addProfile(5, 72)
	seller := store.addSeller(5, 88)
	seller.SellerLevel = models.LevelRising
	svc := newTestTrustService(store)

	snap, err := svc.GetTrustSnapshot(context.Background(), 5)
	require.NoError(t, err)

	assert.Equal(t, int64(5), snap.UserID)
	assert.Equal(t, 72, snap.BuyerTrustScore)
	assert.Equal(t, "B", snap.BuyerTrustClass)
	require.NotNil(t, snap.SellerTrustScore)
	assert.Equal(t, 88, *snap.SellerTrustScore)
	assert.Equal(t, "A", snap.SellerTrustClass)
	assert.Equal(t, models.LevelRising, snap.SellerLevel)
}
