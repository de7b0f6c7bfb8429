/**
 * @description
 * This file defines the Repository interface for the settlement-service's data
 * access layer. The interface lets the application layer depend on behavior
 * rather than on a concrete PostgreSQL implementation, which keeps the core
 * reconciliation logic testable with in-memory stubs.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/vendora/settlement-service/internal/domain"
)

var (
	ErrSettlementNotFound    = errors.New("settlement transaction not found")
	ErrPayoutNotFound        = errors.New("payout not found")
	ErrSellerAccountNotFound = errors.New("seller payout account not found")
	ErrExchangeRateNotFound  = errors.New("exchange rate not found")
	ErrOrderNotFound         = errors.New("order not found")
	ErrDuplicateSettlement   = errors.New("settlement already exists for payment reference")
)

// Querier is the subset of pgx operations the repository needs. Both
// *pgxpool.Pool and pgx.Tx satisfy it, so the same repository methods run
// against the pool for reads and against an open transaction for the
// lock-and-mutate paths driven by the TxManager.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository defines the data access operations for settlement reconciliation.
type Repository interface {
	// Settlement transactions
	CreateSettlementTransaction(ctx context.Context, t *domain.SettlementTransaction) error
	GetSettlement(ctx context.Context, id uuid.UUID) (*domain.SettlementTransaction, error)
	GetSettlementForUpdate(ctx context.Context, id uuid.UUID) (*domain.SettlementTransaction, error)
	FindSettlementsByOrderForUpdate(ctx context.Context, orderID uuid.UUID) ([]domain.SettlementTransaction, error)
	FindSettlementByTransferRefForUpdate(ctx context.Context, transferRef string) (*domain.SettlementTransaction, error)
	SettlementExistsForPaymentIntent(ctx context.Context, paymentIntentRef string) (bool, error)
	UpdateSettlement(ctx context.Context, t *domain.SettlementTransaction, note string) error
	ListSettlementsBySeller(ctx context.Context, sellerID uuid.UUID, limit, offset int) ([]domain.SettlementTransaction, error)

	// Sweep candidates
	ListDueForRelease(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
	ListStuckProcessing(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error)
	ListExpiredPendingOrders(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error)

	// Payout grouping
	ListReleasedUnpaidOut(ctx context.Context, sellerID uuid.UUID) ([]domain.SettlementTransaction, error)
	CreatePayout(ctx context.Context, payout *domain.Payout, items []domain.PayoutItem) error
	GetPayoutByGatewayRefForUpdate(ctx context.Context, gatewayPayoutRef string) (*domain.Payout, error)
	UpdatePayout(ctx context.Context, payout *domain.Payout) error
	ListPayoutItems(ctx context.Context, payoutID uuid.UUID) ([]domain.PayoutItem, error)
	ResetPayedOutForPayout(ctx context.Context, payoutID uuid.UUID, note string) (int64, error)

	// Sellers and orders (read-side views maintained elsewhere)
	GetSellerPayoutAccount(ctx context.Context, sellerID uuid.UUID) (*domain.SellerPayoutAccount, error)
	UpdateSellerPayoutAccountByGatewayID(ctx context.Context, account domain.SellerPayoutAccount) error
	GetOrderSellerTotals(ctx context.Context, orderID uuid.UUID) ([]domain.OrderSellerTotal, error)

	// Exchange rates (append-only)
	InsertExchangeRateSnapshot(ctx context.Context, snapshot domain.ExchangeRateSnapshot) error
	LatestExchangeRate(ctx context.Context, base, target string) (*domain.ExchangeRateSnapshot, error)
}
