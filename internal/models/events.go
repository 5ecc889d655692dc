package models

import (
	"time"

	"github.com/google/uuid"
)

// Event types carried on the Kafka topics
const (
	EventTypePaymentSucceeded  = "payment.succeeded"
	EventTypePaymentFailed     = "payment.failed"
	EventTypeOrderPaid         = "order.paid"
	EventTypeOrderShipped      = "order.shipped"
	EventTypeEscrowReleased    = "escrow.released"
	EventTypeEscrowDisputed    = "escrow.disputed"
	EventTypeTrustScoreChanged = "trust.score_changed"
)

// BaseEvent contains common event metadata
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// NewBaseEvent stamps a fresh event envelope.
func NewBaseEvent(eventType string) BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now(),
	}
}

// PaymentSucceededEvent arrives from the payment processor webhook bridge.
// The processor redelivers on its own schedule; EventID doubles as the
// idempotency source for the trust ledger.
type PaymentSucceededEvent struct {
	BaseEvent
	OrderID    int64  `json:"order_id"`
	Amount     string `json:"amount"`
	ExternalID string `json:"external_id"`
}

// PaymentFailedEvent arrives from the payment processor webhook bridge.
type PaymentFailedEvent struct {
	BaseEvent
	OrderID int64  `json:"order_id"`
	Reason  string `json:"reason"`
}

// OrderPaidEvent is published after an order latches to PAID.
type OrderPaidEvent struct {
	BaseEvent
	OrderID     int64  `json:"order_id"`
	BuyerID     int64  `json:"buyer_id"`
	TotalAmount string `json:"total_amount"`
}

// OrderShippedEvent is published after a shipment is registered.
type OrderShippedEvent struct {
	BaseEvent
	OrderID   int64     `json:"order_id"`
	ShippedAt time.Time `json:"shipped_at"`
	OnTime    bool      `json:"on_time"`
}

// EscrowReleasedEvent is published when held funds are released to sellers.
type EscrowReleasedEvent struct {
	BaseEvent
	OrderID int64  `json:"order_id"`
	Trigger string `json:"trigger"` // "manual" or "auto"
}

// EscrowDisputedEvent is published when an order enters dispute.
type EscrowDisputedEvent struct {
	BaseEvent
	OrderID int64  `json:"order_id"`
	Reason  string `json:"reason"`
}

// TrustScoreChangedEvent notifies downstream consumers (search ranking,
// moderation) that a user's score moved.
type TrustScoreChangedEvent struct {
	BaseEvent
	UserID      int64  `json:"user_id"`
	Kind        string `json:"kind"`
	DeltaBuyer  int    `json:"delta_buyer"`
	DeltaSeller int    `json:"delta_seller"`
}
