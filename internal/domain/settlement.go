/**
 * @description
 * This file defines the core domain models for the settlement-service.
 * These structs represent the main entities used throughout the service's
 * business logic, database interactions, and API layers.
 *
 * @notes
 * - Amounts are stored as `int64` in the smallest currency unit (cents),
 *   which avoids floating-point inaccuracies with financial data.
 * - Exchange rates use shopspring/decimal so conversion rounding is exact.
 */

package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SettlementStatus is the lifecycle state of a settlement transaction.
type SettlementStatus string

const (
	StatusPending       SettlementStatus = "pending"
	StatusHeld          SettlementStatus = "held"
	StatusProcessing    SettlementStatus = "processing"
	StatusCompleted     SettlementStatus = "completed"
	StatusReleased      SettlementStatus = "released"
	StatusDisputed      SettlementStatus = "disputed"
	StatusWaitingRefund SettlementStatus = "waiting_refund"
	StatusRefunded      SettlementStatus = "refunded"
	StatusFailedRefund  SettlementStatus = "failed_refund"
	StatusFailed        SettlementStatus = "failed"
	StatusCancelled     SettlementStatus = "cancelled"
)

// Terminal reports whether no transition is defined out of the status.
// Released is not terminal: a paid payout still moves it to completed.
func (s SettlementStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusRefunded, StatusFailed:
		return true
	}
	return false
}

// SettlementTransaction tracks money owed to one seller for one order.
// This struct maps directly to the `settlement_transactions` table.
type SettlementTransaction struct {
	ID      uuid.UUID `json:"id"`
	OrderID uuid.UUID `json:"order_id"`
	SellerID uuid.UUID `json:"seller_id"`
	BuyerID  uuid.UUID `json:"buyer_id"`

	GrossAmount int64  `json:"gross_amount"` // in minor units
	PlatformFee int64  `json:"platform_fee"` // in minor units
	GatewayFee  int64  `json:"gateway_fee"`  // in minor units
	NetAmount   int64  `json:"net_amount"`   // gross - platform_fee - gateway_fee
	Currency    string `json:"currency"`

	Status             SettlementStatus `json:"status"`
	HoldReason         *string          `json:"hold_reason,omitempty"`
	HoldStartDate      *time.Time       `json:"hold_start_date,omitempty"`
	PlannedReleaseDate *time.Time       `json:"planned_release_date,omitempty"`
	ActualReleaseDate  *time.Time       `json:"actual_release_date,omitempty"`

	// TransferRef is the gateway transfer id; nil until a transfer is requested.
	TransferRef *string `json:"transfer_ref,omitempty"`

	// Idempotency anchors: external references used to de-duplicate
	// reprocessing of the same upstream event. Both are indexed.
	PaymentIntentRef   string `json:"payment_intent_ref"`
	CheckoutSessionRef string `json:"checkout_session_ref"`

	PayedOut bool       `json:"payed_out"`
	PayoutID *uuid.UUID `json:"payout_id,omitempty"`

	// ReviewFlaggedAt is set when a transaction has sat in processing past the
	// confirmation grace window and needs manual reconciliation.
	ReviewFlaggedAt *time.Time `json:"review_flagged_at,omitempty"`

	Notes    string            `json:"notes"` // appended on each transition, never overwritten
	Metadata map[string]string `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CheckAmounts verifies the money invariant on a settlement transaction.
func (t *SettlementTransaction) CheckAmounts() error {
	if t.NetAmount != t.GrossAmount-t.PlatformFee-t.GatewayFee {
		return fmt.Errorf("net amount %d does not equal gross %d - platform %d - gateway %d",
			t.NetAmount, t.GrossAmount, t.PlatformFee, t.GatewayFee)
	}
	if t.NetAmount < 0 {
		return fmt.Errorf("net amount %d is negative", t.NetAmount)
	}
	return nil
}

// FeeSchedule holds the platform and gateway fee parameters used when a
// settlement transaction is created.
type FeeSchedule struct {
	PlatformPercent   float64
	GatewayPercent    float64
	GatewayFixedMinor int64
}

// Apply computes platform fee, gateway fee, and net for a gross amount.
// Percent fees round half-up to the nearest minor unit, not truncate, so fee
// leakage does not accumulate in the platform's favor.
func (f FeeSchedule) Apply(grossMinor int64) (platform, gateway, net int64, err error) {
	gross := decimal.NewFromInt(grossMinor)
	platform = gross.Mul(decimal.NewFromFloat(f.PlatformPercent)).Div(decimal.NewFromInt(100)).Round(0).IntPart()
	gateway = gross.Mul(decimal.NewFromFloat(f.GatewayPercent)).Div(decimal.NewFromInt(100)).Round(0).IntPart() + f.GatewayFixedMinor
	net = grossMinor - platform - gateway
	if net < 0 {
		return 0, 0, 0, fmt.Errorf("fees %d exceed gross amount %d", platform+gateway, grossMinor)
	}
	return platform, gateway, net, nil
}

// Payout aggregates many completed settlement transactions bound for one
// seller's bank account.
type Payout struct {
	ID               uuid.UUID  `json:"id"`
	SellerID         uuid.UUID  `json:"seller_id"`
	GatewayPayoutRef *string    `json:"gateway_payout_ref,omitempty"`
	Status           string     `json:"status"` // e.g. 'pending', 'in_transit', 'paid', 'failed', 'canceled'
	TotalAmount      int64      `json:"total_amount"` // in minor units; equals the sum of item amounts
	Currency         string     `json:"currency"`
	ArrivalDate      *time.Time `json:"arrival_date,omitempty"`
	FailureCode      *string    `json:"failure_code,omitempty"`
	FailureMessage   *string    `json:"failure_message,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// PayoutItem is a denormalized audit line copied from the settlement
// transaction at grouping time so payout reporting never re-reads transaction
// state. Items are never deleted, even when the payout batch fails.
type PayoutItem struct {
	ID                      uuid.UUID `json:"id"`
	PayoutID                uuid.UUID `json:"payout_id"`
	SettlementTransactionID uuid.UUID `json:"settlement_transaction_id"`
	Amount                  int64     `json:"amount"` // in minor units
	Currency                string    `json:"currency"`
	OrderRef                string    `json:"order_ref"`
	Description             string    `json:"description"`
	TransferDate            time.Time `json:"transfer_date"`
	CreatedAt               time.Time `json:"created_at"`
}

// ExchangeRateSnapshot is one append-only captured rate for a currency pair.
// The current rate for a pair is the most recent snapshot.
type ExchangeRateSnapshot struct {
	ID             int64           `json:"id"`
	BaseCurrency   string          `json:"base_currency"`
	TargetCurrency string          `json:"target_currency"`
	Rate           decimal.Decimal `json:"rate"`
	CapturedAt     time.Time       `json:"captured_at"`
	Source         string          `json:"source"`
}

// FreshAt reports whether the snapshot is young enough to be used for
// conversion decisions at the given instant.
func (s ExchangeRateSnapshot) FreshAt(now time.Time, threshold time.Duration) bool {
	return now.Sub(s.CapturedAt) <= threshold
}

// SellerPayoutAccount is the settlement-service's view of a seller's payout
// destination at the gateway. Maintained by account.updated webhooks.
type SellerPayoutAccount struct {
	SellerID         uuid.UUID `json:"seller_id"`
	GatewayAccountID string    `json:"gateway_account_id"`
	DetailsSubmitted bool      `json:"details_submitted"`
	ChargesEnabled   bool      `json:"charges_enabled"`
	PayoutsEnabled   bool      `json:"payouts_enabled"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Transferable reports whether the account can receive a transfer.
func (a *SellerPayoutAccount) Transferable() bool {
	return a != nil && a.GatewayAccountID != "" && a.DetailsSubmitted && a.PayoutsEnabled
}

// CurrencyBalance is the platform's available balance in one currency.
type CurrencyBalance struct {
	Currency  string `json:"currency"`
	Available int64  `json:"available"` // in minor units
}

// ConversionDecision is the outcome of the currency conversion selector.
type ConversionDecision struct {
	Currency  string          `json:"currency"`
	Amount    int64           `json:"amount"` // in minor units of Currency
	Converted bool            `json:"converted"`
	Rate      decimal.Decimal `json:"rate,omitempty"` // zero when Converted is false
}

// ReleaseResult is returned to the caller of a successful release request.
type ReleaseResult struct {
	TransactionID uuid.UUID        `json:"transaction_id"`
	TransferRef   string           `json:"transfer_ref"`
	Currency      string           `json:"currency"`
	Amount        int64            `json:"amount"`
	Status        SettlementStatus `json:"status"`
}

// OrderSellerTotal is one seller's share of an order, used to fan out
// settlement transactions when the buyer's payment is confirmed.
type OrderSellerTotal struct {
	SellerID    uuid.UUID `json:"seller_id"`
	GrossAmount int64     `json:"gross_amount"` // in minor units
	Currency    string    `json:"currency"`
	ItemCount   int       `json:"item_count"`
}
