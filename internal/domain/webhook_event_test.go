package domain

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
)

func TestParseGatewayEvent_CheckoutSessionCompleted(t *testing.T) {
	orderID := uuid.New()
	buyerID := uuid.New()
	body := fmt.Sprintf(`{
		"id": "evt_1",
		"event_type": "checkout.session.completed",
		"data": {"object": {
			"id": "cs_123",
			"payment_intent": "pi_456",
			"amount_total": 16000,
			"currency": "usd",
			"metadata": {"order_id": %q, "user_id": %q},
			"customer_details": {"address": {"line1": "1 Main St", "city": "Springfield", "postal_code": "12345", "country": "US"}}
		}}
	}`, orderID, buyerID)

	event, err := ParseGatewayEvent([]byte(body))
	if err != nil {
		t.Fatalf("ParseGatewayEvent: %v", err)
	}
	if !event.Recognized() || event.PaymentConfirmed == nil {
		t.Fatal("expected a recognized payment-confirmed event")
	}

	pc := event.PaymentConfirmed
	if pc.OrderID != orderID || pc.BuyerID != buyerID {
		t.Fatal("metadata ids must be parsed into uuids")
	}
	if pc.PaymentIntentRef != "pi_456" || pc.CheckoutSessionRef != "cs_123" {
		t.Fatalf("unexpected refs: %q %q", pc.PaymentIntentRef, pc.CheckoutSessionRef)
	}
	if pc.Currency != "USD" {
		t.Fatalf("currency must be normalized to upper case, got %q", pc.Currency)
	}
	if pc.AmountTotal != 16000 {
		t.Fatalf("amount: got %d", pc.AmountTotal)
	}
}

func TestParseGatewayEvent_InvalidOrderMetadataRejected(t *testing.T) {
	body := `{
		"id": "evt_2",
		"event_type": "checkout.session.completed",
		"data": {"object": {"id": "cs_1", "metadata": {"order_id": "not-a-uuid", "user_id": "also-bad"}}}
	}`
	if _, err := ParseGatewayEvent([]byte(body)); err == nil {
		t.Fatal("invalid uuid metadata must fail at the boundary")
	}
}

func TestParseGatewayEvent_TransferFailedImpliesReversed(t *testing.T) {
	transactionID := uuid.New()
	body := fmt.Sprintf(`{
		"id": "evt_3",
		"event_type": "transfer.failed",
		"data": {"object": {
			"id": "tr_9", "amount": 8140, "currency": "usd", "destination": "acct_7",
			"reversed": false,
			"metadata": {"transaction_id": %q},
			"failure_message": "account closed"
		}}
	}`, transactionID)

	event, err := ParseGatewayEvent([]byte(body))
	if err != nil {
		t.Fatalf("ParseGatewayEvent: %v", err)
	}
	if event.Transfer == nil {
		t.Fatal("expected a transfer event")
	}
	if !event.Transfer.Reversed {
		t.Fatal("transfer.failed must imply reversed even when the object flag is false")
	}
	if event.Transfer.TransactionID != transactionID {
		t.Fatal("transaction id must come from transfer metadata")
	}
	if event.Transfer.FailureReason != "account closed" {
		t.Fatalf("failure reason: got %q", event.Transfer.FailureReason)
	}
}

func TestParseGatewayEvent_PayoutEventTypeOverridesStatus(t *testing.T) {
	body := `{
		"id": "evt_4",
		"event_type": "payout.paid",
		"data": {"object": {"id": "po_1", "status": "in_transit", "amount": 13340, "currency": "usd", "arrival_date": 1735689600}}
	}`
	event, err := ParseGatewayEvent([]byte(body))
	if err != nil {
		t.Fatalf("ParseGatewayEvent: %v", err)
	}
	if event.Payout == nil {
		t.Fatal("expected a payout event")
	}
	if event.Payout.Status != "paid" {
		t.Fatalf("payout.paid must force status paid, got %q", event.Payout.Status)
	}
	if event.Payout.ArrivalDate == nil {
		t.Fatal("arrival date must be decoded from unix seconds")
	}
}

func TestParseGatewayEvent_UnknownTypeIsAckable(t *testing.T) {
	body := `{"id": "evt_5", "event_type": "invoice.finalized", "data": {"object": {}}}`
	event, err := ParseGatewayEvent([]byte(body))
	if err != nil {
		t.Fatalf("unknown types must parse, got %v", err)
	}
	if event.Recognized() {
		t.Fatal("unknown type must not map to a reconciliation action")
	}
	if event.ID != "evt_5" || event.Type != "invoice.finalized" {
		t.Fatal("envelope fields must survive for logging")
	}
}

func TestParseGatewayEvent_MissingEventTypeRejected(t *testing.T) {
	if _, err := ParseGatewayEvent([]byte(`{"id": "evt_6", "data": {"object": {}}}`)); err == nil {
		t.Fatal("an envelope without event_type must be rejected")
	}
	if _, err := ParseGatewayEvent([]byte(`not json`)); err == nil {
		t.Fatal("malformed json must be rejected")
	}
}
