package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"trust-service/internal/models"
)

// GetWalletByUserID returns the user's wallet, creating an empty one on
// first use.
func (s *Store) GetWalletByUserID(ctx context.Context, userID int64) (*models.Wallet, error) {
	var wallet models.Wallet
	err := s.db.GetContext(ctx, &wallet, "SELECT * FROM wallets WHERE user_id = $1", userID)
	if err == nil {
		return &wallet, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO wallets (user_id, balance) VALUES ($1, 0) ON CONFLICT (user_id) DO NOTHING",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to create wallet for user %d: %w", userID, err)
	}

	err = s.db.GetContext(ctx, &wallet, "SELECT * FROM wallets WHERE user_id = $1", userID)
	if err != nil {
		return nil, err
	}
	return &wallet, nil
}

// FindWalletTransaction returns the transaction matching (wallet, tx_type,
// external_id), or nil when none exists.
func (s *Store) FindWalletTransaction(ctx context.Context, walletID int64, txType, externalID string) (*models.WalletTransaction, error) {
	var tx models.WalletTransaction
	err := s.db.GetContext(ctx, &tx, `
		SELECT * FROM wallet_transactions
		WHERE wallet_id = $1 AND tx_type = $2 AND external_id = $3`,
		walletID, txType, externalID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// ListWalletTransactions returns a wallet's audit trail, newest first.
func (s *Store) ListWalletTransactions(ctx context.Context, walletID int64, limit int) ([]models.WalletTransaction, error) {
	var txs []models.WalletTransaction
	err := s.db.SelectContext(ctx, &txs, `
		SELECT * FROM wallet_transactions
		WHERE wallet_id = $1 ORDER BY created_at DESC LIMIT $2`,
		walletID, limit)
	return txs, err
}

// ApplyWalletTransaction locks the wallet row, appends the signed
// transaction with its balance snapshot and updates the balance. The
// duplicate check on (wallet, tx_type, external_id) runs under the wallet
// lock, so concurrent replays of the same external id serialize and the
// loser gets the existing row back with applied=false. A debit that would
// take the balance below zero fails with ErrInsufficientFunds and changes
// nothing.
func (s *Store) ApplyWalletTransaction(ctx context.Context, walletID int64, txType string, amount decimal.Decimal, externalID string) (*models.WalletTransaction, bool, error) {
	var walletTx models.WalletTransaction
	applied := false

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var balance decimal.Decimal
		err := tx.GetContext(ctx, &balance,
			"SELECT balance FROM wallets WHERE id = $1 FOR UPDATE", walletID)
		if err != nil {
			return fmt.Errorf("failed to lock wallet %d: %w", walletID, err)
		}

		if externalID != "" {
			err := tx.GetContext(ctx, &walletTx, `
				SELECT * FROM wallet_transactions
				WHERE wallet_id = $1 AND tx_type = $2 AND external_id = $3`,
				walletID, txType, externalID)
			if err == nil {
				return nil
			}
			if err != sql.ErrNoRows {
				return err
			}
		}

		newBalance := balance.Add(amount)
		if newBalance.IsNegative() {
			return fmt.Errorf("wallet %d: balance %s cannot cover %s: %w",
				walletID, balance, amount.Neg(), models.ErrInsufficientFunds)
		}

		_, err = tx.ExecContext(ctx,
			"UPDATE wallets SET balance = $1, updated_at = NOW() WHERE id = $2",
			newBalance, walletID)
		if err != nil {
			return fmt.Errorf("failed to update wallet %d: %w", walletID, err)
		}

		walletTx, err = insertWalletTransactionTx(ctx, tx, walletID, txType, amount, newBalance, externalID)
		if err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &walletTx, applied, nil
}

// ChargeOrderTx debits the wallet, records the SUCCEEDED payment and latches
// the order to PAID with escrow HELD, all in one transaction.
func (s *Store) ChargeOrderTx(ctx context.Context, walletID, orderID int64, amount decimal.Decimal, externalID string) (*models.WalletTransaction, *models.Payment, error) {
	var walletTx models.WalletTransaction
	var payment models.Payment

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE orders
			SET payment_status = $1, escrow_status = $2, updated_at = NOW()
			WHERE id = $3 AND payment_status = $4`,
			models.OrderPaymentPaid, models.EscrowHeld, orderID, models.OrderPaymentPending)
		if changed, err := rowsChanged(res, err); err != nil {
			return err
		} else if !changed {
			return fmt.Errorf("order %d is no longer pending payment", orderID)
		}

		newBalance, err := moveBalanceTx(ctx, tx, walletID, amount.Neg())
		if err != nil {
			return err
		}

		walletTx, err = insertWalletTransactionTx(ctx, tx, walletID, models.TxOrderPayment, amount.Neg(), newBalance, externalID)
		if err != nil {
			return err
		}

		payment = models.Payment{
			OrderID:    orderID,
			Status:     models.PaymentStatusSucceeded,
			Amount:     amount,
			ExternalID: externalID,
		}
		return tx.GetContext(ctx, &payment, `
			INSERT INTO payments (order_id, status, amount, external_id)
			VALUES ($1, $2, $3, $4)
			RETURNING id, created_at, updated_at`,
			payment.OrderID, payment.Status, payment.Amount, payment.ExternalID)
	})
	if err != nil {
		return nil, nil, err
	}
	return &walletTx, &payment, nil
}

// moveBalanceTx locks the wallet, applies the signed amount and returns the
// new balance.
func moveBalanceTx(ctx context.Context, tx *sqlx.Tx, walletID int64, amount decimal.Decimal) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := tx.GetContext(ctx, &balance,
		"SELECT balance FROM wallets WHERE id = $1 FOR UPDATE", walletID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to lock wallet %d: %w", walletID, err)
	}

	newBalance := balance.Add(amount)
	if newBalance.IsNegative() {
		return decimal.Zero, fmt.Errorf("wallet %d: balance %s cannot cover %s: %w",
			walletID, balance, amount.Neg(), models.ErrInsufficientFunds)
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE wallets SET balance = $1, updated_at = NOW() WHERE id = $2",
		newBalance, walletID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to update wallet %d: %w", walletID, err)
	}
	return newBalance, nil
}

func insertWalletTransactionTx(ctx context.Context, tx *sqlx.Tx, walletID int64, txType string, amount, balanceAfter decimal.Decimal, externalID string) (models.WalletTransaction, error) {
	walletTx := models.WalletTransaction{
		WalletID:     walletID,
		TxType:       txType,
		Amount:       amount,
		BalanceAfter: balanceAfter,
		ExternalID:   externalID,
	}
	err := tx.GetContext(ctx, &walletTx, `
		INSERT INTO wallet_transactions (wallet_id, tx_type, amount, balance_after, external_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		walletID, txType, amount, balanceAfter, externalID)
	if err != nil {
		return walletTx, fmt.Errorf("failed to insert wallet transaction: %w", err)
	}
	return walletTx, nil
}
