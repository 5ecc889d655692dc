package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trust-service/internal/models"
	"trust-service/internal/util"
)

// WalletStore is the persistence boundary for wallets and their append-only
// transaction log.
type WalletStore interface {
	GetWalletByUserID(ctx context.Context, userID int64) (*models.Wallet, error)

	// FindWalletTransaction returns the transaction matching (wallet,
	// tx_type, external_id), or nil when none exists.
	FindWalletTransaction(ctx context.Context, walletID int64, txType, externalID string) (*models.WalletTransaction, error)

	// ApplyWalletTransaction locks the wallet row, appends a transaction
	// with the post-move balance snapshot and updates the balance, all in
	// one transaction. amount is signed. The (wallet, tx_type, external_id)
	// duplicate check runs under the wallet lock: a replay returns the
	// existing transaction with applied=false and no balance movement, even
	// when both deliveries race. A debit below zero fails with
	// models.ErrInsufficientFunds and changes nothing.
	ApplyWalletTransaction(ctx context.Context, walletID int64, txType string, amount decimal.Decimal, externalID string) (*models.WalletTransaction, bool, error)

	// ChargeOrderTx debits the wallet, inserts a SUCCEEDED payment and
	// latches the order to PAID with escrow HELD as one atomic unit.
	ChargeOrderTx(ctx context.Context, walletID, orderID int64, amount decimal.Decimal, externalID string) (*models.WalletTransaction, *models.Payment, error)
}

// RefundProvider is the payment processor's refund API, called for refunds
// that go back to the original card instead of the wallet.
type RefundProvider interface {
	RefundPayment(ctx context.Context, providerTxID string, amount decimal.Decimal) (string, error)
}

// WalletService owns wallet balances and orchestrates order charges and
// refunds against the order state machine.
type WalletService struct {
	store    WalletStore
	orders   OrderStore
	machine  *OrderService
	provider RefundProvider
	logger   *zap.Logger
}

// NewWalletService creates the wallet ledger service.
func NewWalletService(store WalletStore, orders OrderStore, machine *OrderService, provider RefundProvider) *WalletService {
	return &WalletService{
		store:    store,
		orders:   orders,
		machine:  machine,
		provider: provider,
		logger:   util.GetLogger(),
	}
}

// GetWallet returns a user's wallet.
func (s *WalletService) GetWallet(ctx context.Context, userID int64) (*models.Wallet, error) {
	return s.store.GetWalletByUserID(ctx, userID)
}

// Credit adds amount to the wallet. A replay with the same (wallet, tx_type,
// external_id) returns the existing transaction without double-crediting.
func (s *WalletService) Credit(ctx context.Context, userID int64, amount decimal.Decimal, txType, externalID string) (*models.WalletTransaction, error) {
	ctx, span := util.StartSpan(ctx, "WalletService.Credit")
	defer span.End()

	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, models.Validationf("credit: amount must be positive, got %s", amount)
	}

	wallet, err := s.store.GetWalletByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}

	tx, applied, err := s.store.ApplyWalletTransaction(ctx, wallet.ID, txType, amount, externalID)
	if err != nil {
		return nil, fmt.Errorf("failed to credit wallet: %w", err)
	}
	if !applied {
		s.logger.Info("Duplicate wallet credit absorbed",
			zap.Int64("wallet_id", wallet.ID), zap.String("external_id", externalID))
		return tx, nil
	}

	util.WalletCreditsTotal.WithLabelValues(txType).Inc()
	return tx, nil
}

// Debit removes amount from the wallet, failing with ErrInsufficientFunds
// when the balance cannot cover it. Same idempotent replay contract as
// Credit.
func (s *WalletService) Debit(ctx context.Context, userID int64, amount decimal.Decimal, txType, externalID string) (*models.WalletTransaction, error) {
	ctx, span := util.StartSpan(ctx, "WalletService.Debit")
	defer span.End()

	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, models.Validationf("debit: amount must be positive, got %s", amount)
	}

	wallet, err := s.store.GetWalletByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}

	tx, applied, err := s.store.ApplyWalletTransaction(ctx, wallet.ID, txType, amount.Neg(), externalID)
	if err != nil {
		if errors.Is(err, models.ErrInsufficientFunds) {
			util.WalletInsufficientFundsTotal.Inc()
			return nil, err
		}
		return nil, fmt.Errorf("failed to debit wallet: %w", err)
	}
	if !applied {
		s.logger.Info("Duplicate wallet debit absorbed",
			zap.Int64("wallet_id", wallet.ID), zap.String("external_id", externalID))
		return tx, nil
	}

	util.WalletDebitsTotal.WithLabelValues(txType).Inc()
	return tx, nil
}

// ChargeOrderFromWallet debits the buyer's wallet, creates the payment and
// latches the order to PAID as one atomic unit, then fans out the paid-side
// trust hooks best-effort. On any failure the payment is recorded as FAILED,
// the order is latched to FAILED, and the error is re-raised so the caller
// can surface it.
func (s *WalletService) ChargeOrderFromWallet(ctx context.Context, orderID int64) (*models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "WalletService.ChargeOrderFromWallet")
	defer span.End()

	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	externalID := fmt.Sprintf("wallet-charge:order:%d", orderID)

	wallet, err := s.store.GetWalletByUserID(ctx, order.BuyerID)
	if err != nil {
		return nil, err
	}

	if existing, err := s.store.FindWalletTransaction(ctx, wallet.ID, models.TxOrderPayment, externalID); err != nil {
		return nil, fmt.Errorf("failed to check charge idempotency: %w", err)
	} else if existing != nil {
		s.logger.Info("Duplicate order charge absorbed",
			zap.Int64("order_id", orderID))
		payment, err := s.orders.FirstSucceededPayment(ctx, orderID)
		if err != nil {
			return nil, err
		}
		return payment, nil
	}

	if order.PaymentStatus != models.OrderPaymentPending {
		return nil, models.Validationf("order %d: payment status is %s, expected PENDING", orderID, order.PaymentStatus)
	}

	_, payment, err := s.store.ChargeOrderTx(ctx, wallet.ID, orderID, order.TotalAmount, externalID)
	if err != nil {
		s.recordChargeFailure(ctx, orderID, order.TotalAmount, err)
		return nil, err
	}

	util.WalletDebitsTotal.WithLabelValues(models.TxOrderPayment).Inc()
	util.OrdersPaidTotal.Inc()

	// Order state is committed; scoring is best-effort from here.
	if err := s.machine.OnOrderPaid(ctx, orderID); err != nil {
		util.TrustHookFailuresTotal.WithLabelValues("order_paid").Inc()
		s.logger.Error("Trust hook failed after wallet charge, order state is committed",
			zap.Int64("order_id", orderID), zap.Error(err))
	}

	return payment, nil
}

// recordChargeFailure writes the FAILED payment row and latches the order.
// Failure to record the failure is only logged; the original error is what
// the caller gets.
func (s *WalletService) recordChargeFailure(ctx context.Context, orderID int64, amount decimal.Decimal, cause error) {
	if errors.Is(cause, models.ErrInsufficientFunds) {
		util.WalletInsufficientFundsTotal.Inc()
	}

	payment := &models.Payment{
		OrderID: orderID,
		Status:  models.PaymentStatusFailed,
		Amount:  amount,
	}
	if err := s.orders.CreatePayment(ctx, payment); err != nil {
		s.logger.Error("Failed to record failed payment",
			zap.Int64("order_id", orderID), zap.Error(err))
	}

	if err := s.machine.MarkPaymentFailed(ctx, orderID, failureReason(cause)); err != nil {
		s.logger.Error("Failed to mark order payment failed",
			zap.Int64("order_id", orderID), zap.Error(err))
	}
}

func failureReason(err error) string {
	if errors.Is(err, models.ErrInsufficientFunds) {
		return "insufficient_funds"
	}
	return "charge_error"
}

// RefundPayment reverses part or all of a captured payment. Refunds are
// categorically rejected once escrow is RELEASED: a seller who has been paid
// out cannot be auto-reversed, that path is manual reconciliation. Otherwise
// the order is forced into DISPUTED, a refund row is created and settled to
// the wallet or through the processor.
func (s *WalletService) RefundPayment(ctx context.Context, paymentID int64, amount decimal.Decimal, toWallet bool) (*models.Refund, error) {
	ctx, span := util.StartSpan(ctx, "WalletService.RefundPayment")
	defer span.End()

	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, models.Validationf("refund: amount must be positive, got %s", amount)
	}

	payment, err := s.orders.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.Status != models.PaymentStatusSucceeded {
		return nil, models.Validationf("refund: payment %d has status %s, nothing captured", paymentID, payment.Status)
	}

	order, err := s.orders.GetOrder(ctx, payment.OrderID)
	if err != nil {
		return nil, err
	}
	if order.EscrowStatus == models.EscrowReleased {
		util.RefundsRejectedTotal.WithLabelValues("escrow_released").Inc()
		return nil, models.Policyf("order %d: escrow already released, refund requires manual reconciliation", order.ID)
	}

	refund := &models.Refund{
		PaymentID: paymentID,
		OrderID:   order.ID,
		Status:    models.RefundStatusPending,
		Amount:    amount,
		ToWallet:  toWallet,
	}

	// The reservation locks the payment row and re-checks the cap under the
	// lock, so concurrent refunds for the remainder cannot both pass.
	reserved, err := s.orders.ReserveRefund(ctx, refund, payment.Amount)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve refund: %w", err)
	}
	if !reserved {
		util.RefundsRejectedTotal.WithLabelValues("over_refundable").Inc()
		return nil, models.Validationf("refund: amount %s exceeds the refundable balance of payment %d", amount, paymentID)
	}

	if err := s.machine.MarkEscrowDisputed(ctx, order.ID, "refund_requested"); err != nil {
		s.failRefund(ctx, refund.ID)
		return nil, err
	}

	if toWallet {
		externalID := fmt.Sprintf("refund:%d", refund.ID)
		if _, err := s.Credit(ctx, order.BuyerID, amount, models.TxRefund, externalID); err != nil {
			s.failRefund(ctx, refund.ID)
			return nil, fmt.Errorf("failed to credit refund to wallet: %w", err)
		}
	} else {
		if s.provider == nil {
			s.failRefund(ctx, refund.ID)
			return nil, models.Validationf("refund: no payment provider configured for card refunds")
		}
		if _, err := s.provider.RefundPayment(ctx, payment.ExternalID, amount); err != nil {
			s.failRefund(ctx, refund.ID)
			return nil, fmt.Errorf("payment provider refund failed: %w", err)
		}
	}

	if err := s.orders.UpdateRefundStatus(ctx, refund.ID, models.RefundStatusSucceeded); err != nil {
		return nil, fmt.Errorf("failed to finalize refund %d: %w", refund.ID, err)
	}
	refund.Status = models.RefundStatusSucceeded

	util.RefundsSucceededTotal.Inc()
	s.logger.Info("Refund completed",
		zap.Int64("refund_id", refund.ID),
		zap.Int64("payment_id", paymentID),
		zap.String("amount", amount.String()),
		zap.Bool("to_wallet", toWallet))

	return refund, nil
}

func (s *WalletService) failRefund(ctx context.Context, refundID int64) {
	if err := s.orders.UpdateRefundStatus(ctx, refundID, models.RefundStatusFailed); err != nil {
		s.logger.Error("Failed to mark refund failed",
			zap.Int64("refund_id", refundID), zap.Error(err))
	}
}
