/**
 * @description
 * This file contains the core service type for the settlement engine. The
 * `Service` struct orchestrates the settlement state machine, the webhook
 * reconciliation engine, the currency conversion selector, and payout
 * grouping, coordinating between the database repository, the payment gateway
 * client, and the message broker.
 *
 * Key features:
 * - Every state-mutating operation runs through the TxRunner so row locking
 *   and serialization-failure retries are applied uniformly.
 * - Business-rule violations are returned as typed errors, never panics, so
 *   the API layer can translate them into actionable responses.
 *
 * @dependencies
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/gatewayclient, pkg/rabbitmq: For external service communication.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/vendora/settlement-service/internal/domain"
	"github.com/vendora/settlement-service/internal/store"
	"github.com/vendora/settlement-service/pkg/gatewayclient"
	"github.com/vendora/settlement-service/pkg/rabbitmq"
)

// EventsExchange is the topic exchange settlement lifecycle events go to.
const EventsExchange = "marketplace.events"

var (
	// ErrNotTransferable is returned when a release is requested for a
	// transaction that is not in held.
	ErrNotTransferable = errors.New("transaction is not transferable")

	// ErrTransferNotReady is returned when a release is requested before the
	// planned release date.
	ErrTransferNotReady = errors.New("transaction hold period has not elapsed")

	// ErrNoPayoutDestination is returned when the seller has no usable payout
	// destination registered at the gateway.
	ErrNoPayoutDestination = errors.New("seller has no payout destination")

	// ErrExchangeRateUnavailable is returned when conversion would require a
	// missing or stale exchange rate. Stale data blocks, it never degrades.
	ErrExchangeRateUnavailable = errors.New("exchange rate unavailable")

	// ErrInsufficientBalance is returned when no currency holds enough funds
	// for the transfer, even after conversion.
	ErrInsufficientBalance = errors.New("insufficient balance for transfer")

	// ErrNothingToPayOut is returned when a seller has no released,
	// not-yet-paid-out transactions to group.
	ErrNothingToPayOut = errors.New("no settled transactions eligible for payout")
)

// ExchangeRateUnavailableError carries the pair and age that blocked a conversion.
type ExchangeRateUnavailableError struct {
	Base   string
	Target string
	Age    time.Duration // zero when no snapshot exists at all
}

func (e *ExchangeRateUnavailableError) Error() string {
	if e.Age == 0 {
		return fmt.Sprintf("no exchange rate recorded for %s->%s", e.Base, e.Target)
	}
	return fmt.Sprintf("exchange rate for %s->%s is stale (age %s)", e.Base, e.Target, e.Age)
}

func (e *ExchangeRateUnavailableError) Is(target error) bool {
	return target == ErrExchangeRateUnavailable
}

// InsufficientBalanceError reports the shortfall so the operator can act.
type InsufficientBalanceError struct {
	Currency  string // currency of the closest candidate
	Required  int64  // in minor units of Currency
	Available int64  // in minor units of Currency
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: need %d %s, have %d (short %d)",
		e.Required, e.Currency, e.Available, e.Required-e.Available)
}

func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}

// TxRunner executes a unit of work in a transaction at a given isolation
// level, retrying on serialization/deadlock failures. Satisfied by
// store.TxManager; stubbed in tests.
type TxRunner interface {
	RunInTx(ctx context.Context, opts pgx.TxOptions, fn func(repo store.Repository) error) error
}

// Gateway is the subset of payment-gateway operations the engine issues.
type Gateway interface {
	CreateTransfer(ctx context.Context, req gatewayclient.TransferRequest) (*gatewayclient.Transfer, error)
	CreateRefund(ctx context.Context, req gatewayclient.RefundRequest) (*gatewayclient.Refund, error)
	RetrieveCheckoutSession(ctx context.Context, id string) (*gatewayclient.CheckoutSession, error)
	GetBalance(ctx context.Context) (*gatewayclient.Balance, error)
}

// ReplayGuard short-circuits recently seen webhook event ids. Best effort:
// the database idempotency anchors remain the source of truth. Forget
// releases an id claimed by Seen when applying the event failed, so the
// gateway's redelivery gets a fresh attempt instead of a duplicate ack.
type ReplayGuard interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Forget(ctx context.Context, eventID string) error
}

// Params bundles the tunables the service needs from configuration.
type Params struct {
	HoldDuration    time.Duration // funds held this long after payment confirmation
	RateFreshness   time.Duration // maximum exchange-rate snapshot age for conversions
	ProcessingGrace time.Duration // processing without confirmation past this is flagged
	PaymentTimeout  time.Duration // pending past this is a cancellation candidate
	Fees            domain.FeeSchedule
}

// Service provides the core business logic for settlement and reconciliation.
type Service struct {
	repo     store.Repository
	tx       TxRunner
	gateway  Gateway
	producer rabbitmq.Publisher
	guard    ReplayGuard
	params   Params
}

// NewService creates a new settlement service instance.
func NewService(repo store.Repository, tx TxRunner, gateway Gateway, producer rabbitmq.Publisher, params Params) *Service {
	if params.HoldDuration <= 0 {
		params.HoldDuration = 30 * 24 * time.Hour
	}
	if params.RateFreshness <= 0 {
		params.RateFreshness = 24 * time.Hour
	}
	if params.ProcessingGrace <= 0 {
		params.ProcessingGrace = 48 * time.Hour
	}
	if params.PaymentTimeout <= 0 {
		params.PaymentTimeout = 24 * time.Hour
	}
	return &Service{
		repo:     repo,
		tx:       tx,
		gateway:  gateway,
		producer: producer,
		params:   params,
	}
}

// SetReplayGuard installs an optional webhook replay guard (Redis-backed in
// production). The service works without one.
func (s *Service) SetReplayGuard(guard ReplayGuard) {
	s.guard = guard
}

// GetSettlement retrieves a settlement transaction by id.
func (s *Service) GetSettlement(ctx context.Context, id uuid.UUID) (*domain.SettlementTransaction, error) {
	return s.repo.GetSettlement(ctx, id)
}

// ListSettlementsBySeller retrieves a seller's settlement transactions.
func (s *Service) ListSettlementsBySeller(ctx context.Context, sellerID uuid.UUID, limit, offset int) ([]domain.SettlementTransaction, error) {
	return s.repo.ListSettlementsBySeller(ctx, sellerID, limit, offset)
}

// RecordExchangeRate appends an exchange-rate snapshot. Rates are append-only;
// the freshest snapshot per pair wins for conversion decisions. Currency codes
// are stored normalized so lookups by the conversion selector find them.
func (s *Service) RecordExchangeRate(ctx context.Context, snapshot domain.ExchangeRateSnapshot) error {
	snapshot.BaseCurrency = normalizeCurrencyCode(snapshot.BaseCurrency)
	snapshot.TargetCurrency = normalizeCurrencyCode(snapshot.TargetCurrency)
	if snapshot.CapturedAt.IsZero() {
		snapshot.CapturedAt = time.Now().UTC()
	}
	return s.repo.InsertExchangeRateSnapshot(ctx, snapshot)
}

// publishSettlementEvent emits a lifecycle event. Publish failures are
// logged, not returned: the financial write has already committed.
func (s *Service) publishSettlementEvent(ctx context.Context, routingKey string, t *domain.SettlementTransaction, reason string) {
	if s.producer == nil {
		return
	}
	event := rabbitmq.SettlementEvent{
		TransactionID: t.ID,
		OrderID:       t.OrderID,
		SellerID:      t.SellerID,
		Status:        string(t.Status),
		Amount:        t.NetAmount,
		Currency:      t.Currency,
		Reason:        reason,
		Timestamp:     time.Now().UTC(),
	}
	if err := s.producer.Publish(ctx, EventsExchange, routingKey, event); err != nil {
		log.Printf("level=warn component=settlement_service msg=\"event publish failed\" routing_key=%s transaction_id=%s err=%v", routingKey, t.ID, err)
	}
}

func (s *Service) publishPayoutEvent(ctx context.Context, routingKey string, p *domain.Payout, reason string) {
	if s.producer == nil {
		return
	}
	event := rabbitmq.PayoutEvent{
		PayoutID:  p.ID,
		SellerID:  p.SellerID,
		Status:    p.Status,
		Amount:    p.TotalAmount,
		Currency:  p.Currency,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
	if err := s.producer.Publish(ctx, EventsExchange, routingKey, event); err != nil {
		log.Printf("level=warn component=settlement_service msg=\"event publish failed\" routing_key=%s payout_id=%s err=%v", routingKey, p.ID, err)
	}
}
