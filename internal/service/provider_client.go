package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trust-service/internal/util"
)

// ProviderClient talks to the external payment processor's refund API. The
// processor is an opaque collaborator: calls use a short fixed timeout and
// any failure maps to a FAILED refund rather than an indefinite PENDING.
//
// The HTTP integration is mocked here the same way the payment capture side
// is; swap processFn for a real transport when wiring a processor.
type ProviderClient struct {
	timeout   time.Duration
	logger    *zap.Logger
	processFn func(ctx context.Context, providerTxID string, amount decimal.Decimal) (string, error)
}

// NewProviderClient creates a processor client with the default 5s timeout.
func NewProviderClient() *ProviderClient {
	c := &ProviderClient{
		timeout: 5 * time.Second,
		logger:  util.GetLogger(),
	}
	c.processFn = c.mockRefund
	return c
}

// RefundPayment asks the processor to reverse amount against the original
// capture and returns the processor's refund reference.
func (c *ProviderClient) RefundPayment(ctx context.Context, providerTxID string, amount decimal.Decimal) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		util.RefundProviderLatency.Observe(time.Since(start).Seconds())
	}()

	ref, err := c.processFn(ctx, providerTxID, amount)
	if err != nil {
		c.logger.Warn("Provider refund failed",
			zap.String("provider_tx_id", providerTxID),
			zap.Error(err))
		return "", err
	}

	c.logger.Info("Provider refund accepted",
		zap.String("provider_tx_id", providerTxID),
		zap.String("refund_ref", ref),
		zap.String("amount", amount.String()))
	return ref, nil
}

func (c *ProviderClient) mockRefund(ctx context.Context, providerTxID string, amount decimal.Decimal) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(50 * time.Millisecond):
	}
	return fmt.Sprintf("RFD-%s", uuid.New().String()[:8]), nil
}
