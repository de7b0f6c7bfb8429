/**
 * @description
 * Typed gateway webhook payloads. The raw envelope is parsed exactly once at
 * the HTTP boundary into one of the event structs below; the reconciliation
 * engine never reads stringly-typed maps. Fields the engine does not model are
 * preserved in an opaque Extra bag per event.
 */

package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Gateway event types the reconciliation engine recognizes.
const (
	EventCheckoutSessionCompleted = "checkout.session.completed"
	EventTransferCreated          = "transfer.created"
	EventTransferUpdated          = "transfer.updated"
	EventTransferReversed         = "transfer.reversed"
	EventTransferFailed           = "transfer.failed"
	EventRefundUpdated            = "refund.updated"
	EventRefundFailed             = "refund.failed"
	EventPayoutUpdated            = "payout.updated"
	EventPayoutPaid               = "payout.paid"
	EventPayoutFailed             = "payout.failed"
	EventPayoutCanceled           = "payout.canceled"
	EventAccountUpdated           = "account.updated"
)

// WebhookEnvelope is the generic inbound shape: { id, event_type, data: { object } }.
type WebhookEnvelope struct {
	ID        string `json:"id"`
	EventType string `json:"event_type"`
	Data      struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// PaymentConfirmedEvent is a checkout.session.completed payload: the buyer's
// payment succeeded and settlement transactions must be fanned out per seller.
type PaymentConfirmedEvent struct {
	EventID            string
	OrderID            uuid.UUID
	BuyerID            uuid.UUID
	CheckoutSessionRef string
	PaymentIntentRef   string
	AmountTotal        int64
	Currency           string
	ShippingAddress    string
	Extra              json.RawMessage
}

// TransferStatusEvent covers transfer.created/updated/reversed/failed.
type TransferStatusEvent struct {
	EventID       string
	TransactionID uuid.UUID
	TransferRef   string
	Amount        int64
	Currency      string
	Destination   string
	Reversed      bool
	FailureReason string
	Extra         json.RawMessage
}

// RefundStatusEvent covers refund.updated and refund.failed.
type RefundStatusEvent struct {
	EventID          string
	OrderID          uuid.UUID
	RefundRef        string
	PaymentIntentRef string
	Amount           int64
	Status           string
	FailureReason    string
	Extra            json.RawMessage
}

// PayoutStatusEvent covers payout.updated/paid/failed/canceled.
type PayoutStatusEvent struct {
	EventID        string
	PayoutRef      string
	Status         string
	Amount         int64
	Currency       string
	ArrivalDate    *time.Time
	FailureCode    string
	FailureMessage string
	Extra          json.RawMessage
}

// AccountUpdatedEvent reflects a change to a seller's external account.
type AccountUpdatedEvent struct {
	EventID          string
	GatewayAccountID string
	DetailsSubmitted bool
	ChargesEnabled   bool
	PayoutsEnabled   bool
	Extra            json.RawMessage
}

// GatewayEvent is the tagged union produced by ParseGatewayEvent. Exactly one
// of the pointer fields is non-nil for a recognized event type; all are nil
// for types the engine does not handle.
type GatewayEvent struct {
	ID   string
	Type string

	PaymentConfirmed *PaymentConfirmedEvent
	Transfer         *TransferStatusEvent
	Refund           *RefundStatusEvent
	Payout           *PayoutStatusEvent
	Account          *AccountUpdatedEvent
}

// Recognized reports whether the event maps to a reconciliation action.
func (e *GatewayEvent) Recognized() bool {
	return e.PaymentConfirmed != nil || e.Transfer != nil || e.Refund != nil ||
		e.Payout != nil || e.Account != nil
}

type sessionObject struct {
	ID            string `json:"id"`
	PaymentIntent string `json:"payment_intent"`
	AmountTotal   int64  `json:"amount_total"`
	Currency      string `json:"currency"`
	Metadata      struct {
		OrderID string `json:"order_id"`
		UserID  string `json:"user_id"`
	} `json:"metadata"`
	CustomerDetails struct {
		Address struct {
			Line1      string `json:"line1"`
			City       string `json:"city"`
			PostalCode string `json:"postal_code"`
			Country    string `json:"country"`
		} `json:"address"`
	} `json:"customer_details"`
}

type transferObject struct {
	ID          string `json:"id"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Destination string `json:"destination"`
	Reversed    bool   `json:"reversed"`
	Metadata    struct {
		TransactionID string `json:"transaction_id"`
	} `json:"metadata"`
	FailureMessage string `json:"failure_message"`
}

type refundObject struct {
	ID            string `json:"id"`
	Amount        int64  `json:"amount"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason"`
	PaymentIntent string `json:"payment_intent"`
	Metadata      struct {
		OrderID string `json:"order_id"`
	} `json:"metadata"`
}

type payoutObject struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	ArrivalDate    int64  `json:"arrival_date"` // unix seconds
	FailureCode    string `json:"failure_code"`
	FailureMessage string `json:"failure_message"`
}

type accountObject struct {
	ID               string `json:"id"`
	DetailsSubmitted bool   `json:"details_submitted"`
	ChargesEnabled   bool   `json:"charges_enabled"`
	PayoutsEnabled   bool   `json:"payouts_enabled"`
}

// ParseGatewayEvent decodes a verified webhook body into the typed union.
// Unrecognized event types return an envelope-only GatewayEvent, not an error:
// the sender must still be acknowledged so it stops redelivering.
func ParseGatewayEvent(body []byte) (*GatewayEvent, error) {
	var env WebhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode webhook envelope: %w", err)
	}
	if env.EventType == "" {
		return nil, fmt.Errorf("webhook envelope missing event_type")
	}

	event := &GatewayEvent{ID: env.ID, Type: env.EventType}
	object := env.Data.Object

	switch env.EventType {
	case EventCheckoutSessionCompleted:
		var obj sessionObject
		if err := json.Unmarshal(object, &obj); err != nil {
			return nil, fmt.Errorf("decode checkout session object: %w", err)
		}
		orderID, err := uuid.Parse(obj.Metadata.OrderID)
		if err != nil {
			return nil, fmt.Errorf("checkout session %s has invalid order_id metadata: %w", obj.ID, err)
		}
		buyerID, err := uuid.Parse(obj.Metadata.UserID)
		if err != nil {
			return nil, fmt.Errorf("checkout session %s has invalid user_id metadata: %w", obj.ID, err)
		}
		addr := obj.CustomerDetails.Address
		event.PaymentConfirmed = &PaymentConfirmedEvent{
			EventID:            env.ID,
			OrderID:            orderID,
			BuyerID:            buyerID,
			CheckoutSessionRef: obj.ID,
			PaymentIntentRef:   obj.PaymentIntent,
			AmountTotal:        obj.AmountTotal,
			Currency:           normalizeCurrency(obj.Currency),
			ShippingAddress:    strings.TrimSpace(strings.Join([]string{addr.Line1, addr.City, addr.PostalCode, addr.Country}, " ")),
			Extra:              object,
		}

	case EventTransferCreated, EventTransferUpdated, EventTransferReversed, EventTransferFailed:
		var obj transferObject
		if err := json.Unmarshal(object, &obj); err != nil {
			return nil, fmt.Errorf("decode transfer object: %w", err)
		}
		transactionID, err := uuid.Parse(obj.Metadata.TransactionID)
		if err != nil {
			return nil, fmt.Errorf("transfer %s has invalid transaction_id metadata: %w", obj.ID, err)
		}
		reversed := obj.Reversed ||
			env.EventType == EventTransferReversed ||
			env.EventType == EventTransferFailed
		event.Transfer = &TransferStatusEvent{
			EventID:       env.ID,
			TransactionID: transactionID,
			TransferRef:   obj.ID,
			Amount:        obj.Amount,
			Currency:      normalizeCurrency(obj.Currency),
			Destination:   obj.Destination,
			Reversed:      reversed,
			FailureReason: obj.FailureMessage,
			Extra:         object,
		}

	case EventRefundUpdated, EventRefundFailed:
		var obj refundObject
		if err := json.Unmarshal(object, &obj); err != nil {
			return nil, fmt.Errorf("decode refund object: %w", err)
		}
		orderID, err := uuid.Parse(obj.Metadata.OrderID)
		if err != nil {
			return nil, fmt.Errorf("refund %s has invalid order_id metadata: %w", obj.ID, err)
		}
		status := obj.Status
		if env.EventType == EventRefundFailed {
			status = "failed"
		}
		event.Refund = &RefundStatusEvent{
			EventID:          env.ID,
			OrderID:          orderID,
			RefundRef:        obj.ID,
			PaymentIntentRef: obj.PaymentIntent,
			Amount:           obj.Amount,
			Status:           status,
			FailureReason:    obj.FailureReason,
			Extra:            object,
		}

	case EventPayoutUpdated, EventPayoutPaid, EventPayoutFailed, EventPayoutCanceled:
		var obj payoutObject
		if err := json.Unmarshal(object, &obj); err != nil {
			return nil, fmt.Errorf("decode payout object: %w", err)
		}
		var arrival *time.Time
		if obj.ArrivalDate > 0 {
			at := time.Unix(obj.ArrivalDate, 0).UTC()
			arrival = &at
		}
		status := obj.Status
		switch env.EventType {
		case EventPayoutPaid:
			status = "paid"
		case EventPayoutFailed:
			status = "failed"
		case EventPayoutCanceled:
			status = "canceled"
		}
		event.Payout = &PayoutStatusEvent{
			EventID:        env.ID,
			PayoutRef:      obj.ID,
			Status:         status,
			Amount:         obj.Amount,
			Currency:       normalizeCurrency(obj.Currency),
			ArrivalDate:    arrival,
			FailureCode:    obj.FailureCode,
			FailureMessage: obj.FailureMessage,
			Extra:          object,
		}

	case EventAccountUpdated:
		var obj accountObject
		if err := json.Unmarshal(object, &obj); err != nil {
			return nil, fmt.Errorf("decode account object: %w", err)
		}
		event.Account = &AccountUpdatedEvent{
			EventID:          env.ID,
			GatewayAccountID: obj.ID,
			DetailsSubmitted: obj.DetailsSubmitted,
			ChargesEnabled:   obj.ChargesEnabled,
			PayoutsEnabled:   obj.PayoutsEnabled,
			Extra:            object,
		}
	}

	return event, nil
}

func normalizeCurrency(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
