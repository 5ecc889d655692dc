package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"trust-service/internal/models"
)

// EventPublisher publishes domain events on the trust topic. It satisfies
// service.EventSink.
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishTrustScoreChanged publishes a trust.score_changed event
func (ep *EventPublisher) PublishTrustScoreChanged(ctx context.Context, event *models.TrustScoreChangedEvent) error {
	key := fmt.Sprintf("user-%d", event.UserID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishOrderPaid publishes an order.paid event
func (ep *EventPublisher) PublishOrderPaid(ctx context.Context, event *models.OrderPaidEvent) error {
	key := fmt.Sprintf("order-%d", event.OrderID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishOrderShipped publishes an order.shipped event
func (ep *EventPublisher) PublishOrderShipped(ctx context.Context, event *models.OrderShippedEvent) error {
	key := fmt.Sprintf("order-%d", event.OrderID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishEscrowReleased publishes an escrow.released event
func (ep *EventPublisher) PublishEscrowReleased(ctx context.Context, event *models.EscrowReleasedEvent) error {
	key := fmt.Sprintf("order-%d", event.OrderID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishEscrowDisputed publishes an escrow.disputed event
func (ep *EventPublisher) PublishEscrowDisputed(ctx context.Context, event *models.EscrowDisputedEvent) error {
	key := fmt.Sprintf("order-%d", event.OrderID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PaymentEventHandler routes payment processor webhook events delivered on
// the payments topic.
type PaymentEventHandler struct {
	onSucceeded func(context.Context, *models.PaymentSucceededEvent) error
	onFailed    func(context.Context, *models.PaymentFailedEvent) error
}

// NewPaymentEventHandler creates a new payment event handler
func NewPaymentEventHandler() *PaymentEventHandler {
	return &PaymentEventHandler{}
}

// OnPaymentSucceeded registers a handler for payment.succeeded events
func (h *PaymentEventHandler) OnPaymentSucceeded(handler func(context.Context, *models.PaymentSucceededEvent) error) {
	h.onSucceeded = handler
}

// OnPaymentFailed registers a handler for payment.failed events
func (h *PaymentEventHandler) OnPaymentFailed(handler func(context.Context, *models.PaymentFailedEvent) error) {
	h.onFailed = handler
}

// HandleMessage routes messages to the appropriate handler.
func (h *PaymentEventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	switch baseEvent.EventType {
	case models.EventTypePaymentSucceeded:
		if h.onSucceeded != nil {
			var event models.PaymentSucceededEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal payment.succeeded event: %w", err)
			}
			return h.onSucceeded(ctx, &event)
		}

	case models.EventTypePaymentFailed:
		if h.onFailed != nil {
			var event models.PaymentFailedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal payment.failed event: %w", err)
			}
			return h.onFailed(ctx, &event)
		}
	}

	return nil
}
