package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"trust-service/internal/models"
)

// GetOrder retrieves an order by ID
func (s *Store) GetOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", orderID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("order not found: %d", orderID)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderItems retrieves all line items for an order
func (s *Store) GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := s.db.SelectContext(ctx, &items,
		"SELECT * FROM order_items WHERE order_id = $1", orderID)
	return items, err
}

// MarkOrderPaid latches payment_status PENDING->PAID and holds escrow.
func (s *Store) MarkOrderPaid(ctx context.Context, orderID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET payment_status = $1, escrow_status = $2, updated_at = NOW()
		WHERE id = $3 AND payment_status = $4`,
		models.OrderPaymentPaid, models.EscrowHeld, orderID, models.OrderPaymentPending)
	return rowsChanged(res, err)
}

// MarkOrderPaymentFailed latches payment_status PENDING->FAILED.
func (s *Store) MarkOrderPaymentFailed(ctx context.Context, orderID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET payment_status = $1, updated_at = NOW()
		WHERE id = $2 AND payment_status = $3`,
		models.OrderPaymentFailed, orderID, models.OrderPaymentPending)
	return rowsChanged(res, err)
}

// MarkOrderShipped records the shipment exactly once.
func (s *Store) MarkOrderShipped(ctx context.Context, orderID int64, shippedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET shipping_status = $1, shipped_at = $2, updated_at = NOW()
		WHERE id = $3 AND shipped_at IS NULL`,
		models.ShippingShipped, shippedAt, orderID)
	return rowsChanged(res, err)
}

// MarkOrderDelivered records the courier delivery confirmation exactly once.
func (s *Store) MarkOrderDelivered(ctx context.Context, orderID int64, deliveredAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET shipping_status = $1, delivered_at = $2, updated_at = NOW()
		WHERE id = $3 AND delivered_at IS NULL`,
		models.ShippingDelivered, deliveredAt, orderID)
	return rowsChanged(res, err)
}

// MarkEscrowDisputed moves HELD->DISPUTED.
func (s *Store) MarkEscrowDisputed(ctx context.Context, orderID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET escrow_status = $1, updated_at = NOW()
		WHERE id = $2 AND escrow_status = $3`,
		models.EscrowDisputed, orderID, models.EscrowHeld)
	return rowsChanged(res, err)
}

// MarkEscrowHeld moves DISPUTED->HELD (dispute resolved without refund).
func (s *Store) MarkEscrowHeld(ctx context.Context, orderID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET escrow_status = $1, updated_at = NOW()
		WHERE id = $2 AND escrow_status = $3`,
		models.EscrowHeld, orderID, models.EscrowDisputed)
	return rowsChanged(res, err)
}

// ReleaseEscrow moves HELD or DISPUTED to terminal RELEASED.
func (s *Store) ReleaseEscrow(ctx context.Context, orderID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET escrow_status = $1, updated_at = NOW()
		WHERE id = $2 AND escrow_status IN ($3, $4)`,
		models.EscrowReleased, orderID, models.EscrowHeld, models.EscrowDisputed)
	return rowsChanged(res, err)
}

// ListOrdersForAutoRelease returns paid, held orders delivered before the
// cutoff, oldest delivery first.
func (s *Store) ListOrdersForAutoRelease(ctx context.Context, deliveredBefore time.Time, limit int) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders, `
		SELECT * FROM orders
		WHERE escrow_status = $1
		  AND payment_status = $2
		  AND delivered_at IS NOT NULL
		  AND delivered_at < $3
		ORDER BY delivered_at
		LIMIT $4`,
		models.EscrowHeld, models.OrderPaymentPaid, deliveredBefore, limit)
	return orders, err
}

// CreatePayment creates a new payment record
func (s *Store) CreatePayment(ctx context.Context, payment *models.Payment) error {
	query := `
		INSERT INTO payments (order_id, status, amount, external_id)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at`

	return s.db.GetContext(ctx, payment, query,
		payment.OrderID, payment.Status, payment.Amount, payment.ExternalID)
}

// GetPayment retrieves a payment by ID
func (s *Store) GetPayment(ctx context.Context, paymentID int64) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.GetContext(ctx, &payment, "SELECT * FROM payments WHERE id = $1", paymentID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("payment not found: %d", paymentID)
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// FirstSucceededPayment returns the earliest SUCCEEDED payment for an order,
// or nil when no payment was captured.
func (s *Store) FirstSucceededPayment(ctx context.Context, orderID int64) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.GetContext(ctx, &payment, `
		SELECT * FROM payments
		WHERE order_id = $1 AND status = $2
		ORDER BY created_at
		LIMIT 1`,
		orderID, models.PaymentStatusSucceeded)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// UpdatePaymentStatus updates payment status
func (s *Store) UpdatePaymentStatus(ctx context.Context, paymentID int64, status string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE payments SET status = $1, updated_at = NOW() WHERE id = $2",
		status, paymentID)
	return err
}

// ReserveRefund locks the payment row, re-checks the refundable balance and
// inserts the PENDING refund when it fits. Every non-FAILED refund counts
// against the cap, so a pending refund reserves its amount until it settles
// or fails; two concurrent refunds for the remainder serialize on the lock
// and the second is rejected. Returns false without inserting when the cap
// would be exceeded.
func (s *Store) ReserveRefund(ctx context.Context, refund *models.Refund, paymentAmount decimal.Decimal) (bool, error) {
	reserved := false
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var paymentID int64
		err := tx.GetContext(ctx, &paymentID,
			"SELECT id FROM payments WHERE id = $1 FOR UPDATE", refund.PaymentID)
		if err != nil {
			return fmt.Errorf("failed to lock payment %d: %w", refund.PaymentID, err)
		}

		var taken decimal.Decimal
		err = tx.GetContext(ctx, &taken, `
			SELECT COALESCE(SUM(amount), 0) FROM refunds
			WHERE payment_id = $1 AND status <> $2`,
			refund.PaymentID, models.RefundStatusFailed)
		if err != nil {
			return fmt.Errorf("failed to sum refunds for payment %d: %w", refund.PaymentID, err)
		}

		if refund.Amount.GreaterThan(paymentAmount.Sub(taken)) {
			return nil
		}

		err = tx.GetContext(ctx, refund, `
			INSERT INTO refunds (payment_id, order_id, status, amount, to_wallet)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id, created_at, updated_at`,
			refund.PaymentID, refund.OrderID, refund.Status, refund.Amount, refund.ToWallet)
		if err != nil {
			return fmt.Errorf("failed to insert refund: %w", err)
		}
		reserved = true
		return nil
	})
	return reserved, err
}

// UpdateRefundStatus updates refund status
func (s *Store) UpdateRefundStatus(ctx context.Context, refundID int64, status string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE refunds SET status = $1, updated_at = NOW() WHERE id = $2",
		status, refundID)
	return err
}

func rowsChanged(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
