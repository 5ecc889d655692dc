package service

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trust-service/internal/models"
	"trust-service/internal/util"
)

// OrderStore is the persistence boundary for orders, payments and refunds.
type OrderStore interface {
	GetOrder(ctx context.Context, orderID int64) (*models.Order, error)
	GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error)

	// MarkOrderPaid latches payment_status PENDING->PAID and sets escrow
	// HELD. Returns false when the order already left PENDING.
	MarkOrderPaid(ctx context.Context, orderID int64) (bool, error)
	// MarkOrderPaymentFailed latches PENDING->FAILED.
	MarkOrderPaymentFailed(ctx context.Context, orderID int64) (bool, error)
	// MarkOrderShipped sets SHIPPED with the timestamp; false if already set.
	MarkOrderShipped(ctx context.Context, orderID int64, shippedAt time.Time) (bool, error)
	MarkOrderDelivered(ctx context.Context, orderID int64, deliveredAt time.Time) (bool, error)
	// MarkEscrowDisputed moves HELD->DISPUTED; false when not currently HELD.
	MarkEscrowDisputed(ctx context.Context, orderID int64) (bool, error)
	// MarkEscrowHeld moves DISPUTED->HELD (dispute resolved without refund).
	MarkEscrowHeld(ctx context.Context, orderID int64) (bool, error)
	// ReleaseEscrow moves HELD or DISPUTED to terminal RELEASED.
	ReleaseEscrow(ctx context.Context, orderID int64) (bool, error)
	ListOrdersForAutoRelease(ctx context.Context, deliveredBefore time.Time, limit int) ([]models.Order, error)

	CreatePayment(ctx context.Context, payment *models.Payment) error
	GetPayment(ctx context.Context, paymentID int64) (*models.Payment, error)
	// FirstSucceededPayment returns the earliest SUCCEEDED payment for the
	// order, or nil when none exists.
	FirstSucceededPayment(ctx context.Context, orderID int64) (*models.Payment, error)
	UpdatePaymentStatus(ctx context.Context, paymentID int64, status string) error

	// ReserveRefund locks the payment row, checks the refundable balance
	// against every non-failed refund and inserts the PENDING row when it
	// fits. Returns false without inserting when the cap would be exceeded.
	ReserveRefund(ctx context.Context, refund *models.Refund, paymentAmount decimal.Decimal) (bool, error)
	UpdateRefundStatus(ctx context.Context, refundID int64, status string) error
}

// OrderService drives the order/escrow state machine. Order state is
// authoritative; the trust hooks hanging off each transition are best-effort
// and never block or roll back the transition itself.
type OrderService struct {
	store  OrderStore
	trust  *TrustService
	tier   *TierService
	events EventSink
	logger *zap.Logger
}

// NewOrderService creates the order state machine.
func NewOrderService(store OrderStore, trust *TrustService, tier *TierService, events EventSink) *OrderService {
	return &OrderService{
		store:  store,
		trust:  trust,
		tier:   tier,
		events: events,
		logger: util.GetLogger(),
	}
}

// GetOrder returns an order with its line items.
func (s *OrderService) GetOrder(ctx context.Context, orderID int64) (*models.Order, []models.OrderItem, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	items, err := s.store.GetOrderItems(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	return order, items, nil
}

// MarkAsPaid latches the order to PAID with escrow HELD and fans out the
// paid-side trust events. Re-invocation after the latch is a no-op, which
// absorbs webhook redelivery.
func (s *OrderService) MarkAsPaid(ctx context.Context, orderID int64) error {
	ctx, span := util.StartSpan(ctx, "OrderService.MarkAsPaid")
	defer span.End()

	changed, err := s.store.MarkOrderPaid(ctx, orderID)
	if err != nil {
		return fmt.Errorf("failed to mark order %d paid: %w", orderID, err)
	}
	if !changed {
		s.logger.Info("Order already left PENDING, skipping paid transition",
			zap.Int64("order_id", orderID))
		return nil
	}

	util.OrdersPaidTotal.Inc()

	if err := s.OnOrderPaid(ctx, orderID); err != nil {
		util.TrustHookFailuresTotal.WithLabelValues("order_paid").Inc()
		s.logger.Error("Trust hook failed for paid order, order state is committed",
			zap.Int64("order_id", orderID), zap.Error(err))
	}

	order, err := s.store.GetOrder(ctx, orderID)
	if err == nil && s.events != nil {
		event := &models.OrderPaidEvent{
			BaseEvent:   models.NewBaseEvent(models.EventTypeOrderPaid),
			OrderID:     orderID,
			BuyerID:     order.BuyerID,
			TotalAmount: order.TotalAmount.String(),
		}
		if err := s.events.PublishOrderPaid(ctx, event); err != nil {
			s.logger.Error("Failed to publish OrderPaid event", zap.Error(err))
		}
	}

	return nil
}

// OnOrderPaid records the paid-side ledger events: buyer bonus, one seller
// bonus per distinct seller, and one tier sale registration per seller for
// that seller's share of the order. Deterministic source event ids keep the
// ledger side idempotent even though the caller already latched the order.
func (s *OrderService) OnOrderPaid(ctx context.Context, orderID int64) error {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("failed to load order %d: %w", orderID, err)
	}
	items, err := s.store.GetOrderItems(ctx, orderID)
	if err != nil {
		return fmt.Errorf("failed to load items for order %d: %w", orderID, err)
	}

	cfg := s.trust.Config()

	if _, err := s.trust.RecordEvent(ctx, RecordEventParams{
		UserID:        order.BuyerID,
		Kind:          models.EventOrderPaid,
		SourceApp:     "orders",
		SourceEventID: fmt.Sprintf("order-paid:%d", orderID),
		DeltaBuyer:    cfg.OrderPaidBuyerDelta,
	}); err != nil {
		return err
	}

	for sellerID, share := range sellerShares(items) {
		if _, err := s.trust.RecordEvent(ctx, RecordEventParams{
			UserID:        sellerID,
			Kind:          models.EventOrderPaid,
			SourceApp:     "orders",
			SourceEventID: fmt.Sprintf("order-paid:%d:seller:%d", orderID, sellerID),
			DeltaSeller:   cfg.OrderPaidSellerDelta,
		}); err != nil {
			return err
		}

		// Tier registration is deliberately not idempotent; the ledger
		// event above is the replay guard for this code path.
		if err := s.tier.RegisterSellerSale(ctx, sellerID, share); err != nil {
			return err
		}
	}

	return nil
}

// MarkShipped registers the shipment and scores the seller on handling time.
func (s *OrderService) MarkShipped(ctx context.Context, orderID int64, shippedAt time.Time) error {
	ctx, span := util.StartSpan(ctx, "OrderService.MarkShipped")
	defer span.End()

	changed, err := s.store.MarkOrderShipped(ctx, orderID, shippedAt)
	if err != nil {
		return fmt.Errorf("failed to mark order %d shipped: %w", orderID, err)
	}
	if !changed {
		return nil
	}

	onTime, err := s.OnOrderShipped(ctx, orderID, shippedAt)
	if err != nil {
		util.TrustHookFailuresTotal.WithLabelValues("order_shipped").Inc()
		s.logger.Error("Trust hook failed for shipped order, order state is committed",
			zap.Int64("order_id", orderID), zap.Error(err))
	}

	if s.events != nil {
		event := &models.OrderShippedEvent{
			BaseEvent: models.NewBaseEvent(models.EventTypeOrderShipped),
			OrderID:   orderID,
			ShippedAt: shippedAt,
			OnTime:    onTime,
		}
		if err := s.events.PublishOrderShipped(ctx, event); err != nil {
			s.logger.Error("Failed to publish OrderShipped event", zap.Error(err))
		}
	}

	return nil
}

// OnOrderShipped compares shipped_at against the handling window measured
// from the first successful payment (falling back to order creation) and
// records the on-time or late seller delta per seller.
func (s *OrderService) OnOrderShipped(ctx context.Context, orderID int64, shippedAt time.Time) (bool, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return false, fmt.Errorf("failed to load order %d: %w", orderID, err)
	}
	items, err := s.store.GetOrderItems(ctx, orderID)
	if err != nil {
		return false, fmt.Errorf("failed to load items for order %d: %w", orderID, err)
	}

	paidAt := order.CreatedAt
	if payment, err := s.store.FirstSucceededPayment(ctx, orderID); err != nil {
		return false, fmt.Errorf("failed to load payment for order %d: %w", orderID, err)
	} else if payment != nil {
		paidAt = payment.CreatedAt
	}

	cfg := s.trust.Config()
	deadline := paidAt.Add(cfg.HandlingWindow)
	onTime := !shippedAt.After(deadline)

	delta := cfg.ShippedOnTimeDelta
	if !onTime {
		delta = cfg.ShippedLateDelta
	}

	for sellerID := range sellerShares(items) {
		if _, err := s.trust.RecordEvent(ctx, RecordEventParams{
			UserID:        sellerID,
			Kind:          models.EventOrderShipped,
			SourceApp:     "logistics",
			SourceEventID: fmt.Sprintf("order-shipped:%d:seller:%d", orderID, sellerID),
			Meta:          fmt.Sprintf(`{"on_time":%t}`, onTime),
			DeltaSeller:   delta,
		}); err != nil {
			return onTime, err
		}
	}

	return onTime, nil
}

// MarkDelivered records the courier delivery confirmation. The auto-release
// clock starts here.
func (s *OrderService) MarkDelivered(ctx context.Context, orderID int64, deliveredAt time.Time) error {
	_, err := s.store.MarkOrderDelivered(ctx, orderID, deliveredAt)
	if err != nil {
		return fmt.Errorf("failed to mark order %d delivered: %w", orderID, err)
	}
	return nil
}

// MarkEscrowDisputed moves escrow HELD->DISPUTED. Re-entering DISPUTED is a
// no-op; disputing a RELEASED order is a policy violation.
func (s *OrderService) MarkEscrowDisputed(ctx context.Context, orderID int64, reason string) error {
	ctx, span := util.StartSpan(ctx, "OrderService.MarkEscrowDisputed")
	defer span.End()

	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("failed to load order %d: %w", orderID, err)
	}

	switch order.EscrowStatus {
	case models.EscrowReleased:
		return models.Policyf("order %d: escrow already released, cannot dispute", orderID)
	case models.EscrowDisputed:
		return nil
	}

	changed, err := s.store.MarkEscrowDisputed(ctx, orderID)
	if err != nil {
		return fmt.Errorf("failed to dispute escrow for order %d: %w", orderID, err)
	}
	if !changed {
		return nil
	}

	util.EscrowDisputedTotal.Inc()
	s.logger.Info("Escrow disputed",
		zap.Int64("order_id", orderID), zap.String("reason", reason))

	if s.events != nil {
		event := &models.EscrowDisputedEvent{
			BaseEvent: models.NewBaseEvent(models.EventTypeEscrowDisputed),
			OrderID:   orderID,
			Reason:    reason,
		}
		if err := s.events.PublishEscrowDisputed(ctx, event); err != nil {
			s.logger.Error("Failed to publish EscrowDisputed event", zap.Error(err))
		}
	}

	return nil
}

// ResolveDisputeToHeld returns a DISPUTED order to HELD when the dispute is
// closed without a refund.
func (s *OrderService) ResolveDisputeToHeld(ctx context.Context, orderID int64) error {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("failed to load order %d: %w", orderID, err)
	}
	if order.EscrowStatus == models.EscrowReleased {
		return models.Policyf("order %d: escrow already released", orderID)
	}
	if _, err := s.store.MarkEscrowHeld(ctx, orderID); err != nil {
		return fmt.Errorf("failed to return order %d to held: %w", orderID, err)
	}
	return nil
}

// ReleaseEscrow moves escrow to terminal RELEASED and fans out the
// completion trust events. trigger is "manual" or "auto". Releasing an
// already released order is a no-op.
func (s *OrderService) ReleaseEscrow(ctx context.Context, orderID int64, trigger string) error {
	ctx, span := util.StartSpan(ctx, "OrderService.ReleaseEscrow")
	defer span.End()

	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("failed to load order %d: %w", orderID, err)
	}
	if order.EscrowStatus == models.EscrowReleased {
		return nil
	}
	if order.PaymentStatus != models.OrderPaymentPaid {
		return models.Validationf("order %d: cannot release escrow before payment", orderID)
	}

	changed, err := s.store.ReleaseEscrow(ctx, orderID)
	if err != nil {
		return fmt.Errorf("failed to release escrow for order %d: %w", orderID, err)
	}
	if !changed {
		return nil
	}

	util.EscrowReleasedTotal.WithLabelValues(trigger).Inc()

	if err := s.OnEscrowReleased(ctx, orderID); err != nil {
		util.TrustHookFailuresTotal.WithLabelValues("escrow_released").Inc()
		s.logger.Error("Trust hook failed for released escrow, order state is committed",
			zap.Int64("order_id", orderID), zap.Error(err))
	}

	if s.events != nil {
		event := &models.EscrowReleasedEvent{
			BaseEvent: models.NewBaseEvent(models.EventTypeEscrowReleased),
			OrderID:   orderID,
			Trigger:   trigger,
		}
		if err := s.events.PublishEscrowReleased(ctx, event); err != nil {
			s.logger.Error("Failed to publish EscrowReleased event", zap.Error(err))
		}
	}

	return nil
}

// OnEscrowReleased records the completion bonuses: buyer and each distinct
// seller. These are distinct from the paid-side bonuses; both apply to the
// same order over its lifetime.
func (s *OrderService) OnEscrowReleased(ctx context.Context, orderID int64) error {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("failed to load order %d: %w", orderID, err)
	}
	items, err := s.store.GetOrderItems(ctx, orderID)
	if err != nil {
		return fmt.Errorf("failed to load items for order %d: %w", orderID, err)
	}

	cfg := s.trust.Config()

	if _, err := s.trust.RecordEvent(ctx, RecordEventParams{
		UserID:        order.BuyerID,
		Kind:          models.EventEscrowReleased,
		SourceApp:     "orders",
		SourceEventID: fmt.Sprintf("escrow-released:%d", orderID),
		DeltaBuyer:    cfg.EscrowReleasedBuyerDelta,
	}); err != nil {
		return err
	}

	for sellerID := range sellerShares(items) {
		if _, err := s.trust.RecordEvent(ctx, RecordEventParams{
			UserID:        sellerID,
			Kind:          models.EventEscrowReleased,
			SourceApp:     "orders",
			SourceEventID: fmt.Sprintf("escrow-released:%d:seller:%d", orderID, sellerID),
			DeltaSeller:   cfg.EscrowReleasedSellerDelta,
		}); err != nil {
			return err
		}
	}

	return nil
}

// MarkPaymentFailed latches the order to FAILED. Payment failure carries no
// trust penalty; only explicit negative-delta events do.
func (s *OrderService) MarkPaymentFailed(ctx context.Context, orderID int64, reason string) error {
	changed, err := s.store.MarkOrderPaymentFailed(ctx, orderID)
	if err != nil {
		return fmt.Errorf("failed to mark order %d payment failed: %w", orderID, err)
	}
	if changed {
		util.OrdersPaymentFailedTotal.WithLabelValues(reason).Inc()
		s.logger.Warn("Order payment failed",
			zap.Int64("order_id", orderID), zap.String("reason", reason))
	}
	return nil
}

// AutoReleaseDue releases escrow for every order delivered before the cutoff
// that is still held with no open dispute. Returns the number released.
func (s *OrderService) AutoReleaseDue(ctx context.Context, deliveredBefore time.Time, limit int) (int, error) {
	orders, err := s.store.ListOrdersForAutoRelease(ctx, deliveredBefore, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list orders for auto release: %w", err)
	}

	released := 0
	for _, order := range orders {
		if err := s.ReleaseEscrow(ctx, order.ID, "auto"); err != nil {
			s.logger.Error("Auto release failed",
				zap.Int64("order_id", order.ID), zap.Error(err))
			continue
		}
		released++
	}
	return released, nil
}

// sellerShares groups order lines by seller and sums each seller's net take.
func sellerShares(items []models.OrderItem) map[int64]decimal.Decimal {
	shares := make(map[int64]decimal.Decimal)
	for _, item := range items {
		shares[item.SellerID] = shares[item.SellerID].Add(item.LineTotal())
	}
	return shares
}
