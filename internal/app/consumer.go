/**
 * @description
 * Consumer-side adapter for marketplace events arriving over RabbitMQ. The
 * platform core publishes order lifecycle events; the settlement engine only
 * cares about cancellations, which void any not-yet-released settlements.
 */

package app

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
)

// orderCancelledMessage is the payload published on order.cancelled.
type orderCancelledMessage struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

// OrderEventConsumer adapts broker deliveries to service calls.
type OrderEventConsumer struct {
	service *Service
	timeout time.Duration
}

// OrderEventConsumer returns the adapter bound to this service.
func (s *Service) OrderEventConsumer() *OrderEventConsumer {
	return &OrderEventConsumer{service: s, timeout: 30 * time.Second}
}

// HandleOrderCancelled processes one order.cancelled delivery. Returning
// false re-queues the delivery; malformed payloads are acked and dropped
// because redelivery cannot fix them.
func (c *OrderEventConsumer) HandleOrderCancelled(body []byte) bool {
	var msg orderCancelledMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		log.Printf("level=warn component=order_consumer msg=\"dropping malformed order.cancelled payload\" err=%v", err)
		return true
	}
	orderID, err := uuid.Parse(msg.OrderID)
	if err != nil {
		log.Printf("level=warn component=order_consumer msg=\"dropping order.cancelled with invalid order_id\" order_id=%q err=%v", msg.OrderID, err)
		return true
	}

	reason := msg.Reason
	if reason == "" {
		reason = "order cancelled"
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if err := c.service.CancelOrderSettlements(ctx, orderID, reason); err != nil {
		log.Printf("level=error component=order_consumer msg=\"cancellation failed; re-queuing\" order_id=%s err=%v", orderID, err)
		return false
	}
	return true
}
