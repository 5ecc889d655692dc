package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"trust-service/internal/broker"
	"trust-service/internal/models"
	"trust-service/internal/service"
	"trust-service/internal/util"
)

// PaymentWorker bridges the payment processor's webhook events, delivered on
// the payments topic, into the order state machine. The processor redelivers
// at-least-once; the PAID latch and the trust ledger's idempotency make
// replays harmless.
type PaymentWorker struct {
	consumer *broker.Consumer
	handler  *broker.PaymentEventHandler
	logger   *zap.Logger
}

// NewPaymentWorker creates a new payment worker
func NewPaymentWorker(consumer *broker.Consumer, orders *service.OrderService) *PaymentWorker {
	handler := broker.NewPaymentEventHandler()

	handler.OnPaymentSucceeded(func(ctx context.Context, event *models.PaymentSucceededEvent) error {
		return orders.MarkAsPaid(ctx, event.OrderID)
	})
	handler.OnPaymentFailed(func(ctx context.Context, event *models.PaymentFailedEvent) error {
		return orders.MarkPaymentFailed(ctx, event.OrderID, event.Reason)
	})

	return &PaymentWorker{
		consumer: consumer,
		handler:  handler,
		logger:   util.GetLogger(),
	}
}

// Start starts the worker
func (w *PaymentWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting payment worker")
	return w.consumer.StartConsuming(ctx, w.handler.HandleMessage)
}

// Stop stops the worker
func (w *PaymentWorker) Stop() error {
	w.logger.Info("Stopping payment worker")
	return w.consumer.Close()
}

// EscrowReleaseWorker periodically releases escrow for orders delivered long
// enough ago with no open dispute. Held funds otherwise sit until a manual
// admin release, which is the gap this worker closes.
type EscrowReleaseWorker struct {
	orders        *service.OrderService
	releaseAfter  time.Duration
	sweepInterval time.Duration
	batchSize     int
	logger        *zap.Logger
}

// NewEscrowReleaseWorker creates the auto-release sweeper.
func NewEscrowReleaseWorker(orders *service.OrderService, releaseAfterDays int) *EscrowReleaseWorker {
	if releaseAfterDays <= 0 {
		releaseAfterDays = 7
	}
	return &EscrowReleaseWorker{
		orders:        orders,
		releaseAfter:  time.Duration(releaseAfterDays) * 24 * time.Hour,
		sweepInterval: time.Hour,
		batchSize:     100,
		logger:        util.GetLogger(),
	}
}

// Start runs the sweep loop until the context is cancelled.
func (w *EscrowReleaseWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting escrow release worker",
		zap.Duration("release_after", w.releaseAfter))

	ticker := time.NewTicker(w.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Escrow release worker stopping")
			return ctx.Err()
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *EscrowReleaseWorker) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-w.releaseAfter)
	released, err := w.orders.AutoReleaseDue(ctx, cutoff, w.batchSize)
	if err != nil {
		w.logger.Error("Escrow auto-release sweep failed", zap.Error(err))
		return
	}
	if released > 0 {
		w.logger.Info("Escrow auto-release sweep completed",
			zap.Int("released", released))
	}
}
