/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface. It contains all the SQL needed to interact with the settlement
 * transaction, payout, exchange rate, seller, and order tables.
 *
 * @notes
 * - Every mutating lookup uses `FOR UPDATE` so concurrent webhook deliveries
 *   and release requests for the same record serialize at the row level.
 * - Notes are appended with string concatenation in SQL; a settlement's audit
 *   trail is never overwritten.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/vendora/settlement-service/internal/domain"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db Querier
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db Querier) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const settlementColumns = `
	id, order_id, seller_id, buyer_id,
	gross_amount, platform_fee, gateway_fee, net_amount, currency,
	status, hold_reason, hold_start_date, planned_release_date, actual_release_date,
	transfer_ref, payment_intent_ref, checkout_session_ref,
	payed_out, payout_id, review_flagged_at,
	COALESCE(notes, '') AS notes, COALESCE(metadata, '{}'::jsonb) AS metadata,
	created_at, updated_at`

func scanSettlement(row pgx.Row) (*domain.SettlementTransaction, error) {
	var t domain.SettlementTransaction
	var metadata []byte
	err := row.Scan(
		&t.ID, &t.OrderID, &t.SellerID, &t.BuyerID,
		&t.GrossAmount, &t.PlatformFee, &t.GatewayFee, &t.NetAmount, &t.Currency,
		&t.Status, &t.HoldReason, &t.HoldStartDate, &t.PlannedReleaseDate, &t.ActualReleaseDate,
		&t.TransferRef, &t.PaymentIntentRef, &t.CheckoutSessionRef,
		&t.PayedOut, &t.PayoutID, &t.ReviewFlaggedAt,
		&t.Notes, &metadata,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
			return nil, fmt.Errorf("decode settlement metadata: %w", err)
		}
	}
	return &t, nil
}

// CreateSettlementTransaction inserts a new settlement transaction. The money
// invariant is checked before anything is written.
func (r *PostgresRepository) CreateSettlementTransaction(ctx context.Context, t *domain.SettlementTransaction) error {
	if err := t.CheckAmounts(); err != nil {
		return fmt.Errorf("refusing to persist settlement %s: %w", t.ID, err)
	}

	metadata, err := json.Marshal(t.Metadata)
	if err != nil {
		return fmt.Errorf("encode settlement metadata: %w", err)
	}

	query := `
		INSERT INTO settlement_transactions (
			id, order_id, seller_id, buyer_id,
			gross_amount, platform_fee, gateway_fee, net_amount, currency,
			status, hold_reason, hold_start_date, planned_release_date, actual_release_date,
			transfer_ref, payment_intent_ref, checkout_session_ref,
			payed_out, payout_id, review_flagged_at, notes, metadata,
			created_at, updated_at
		)
		VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8, $9,
			$10, $11, $12, $13, $14,
			$15, $16, $17,
			$18, $19, $20, $21, $22::jsonb,
			NOW(), NOW()
		)
		ON CONFLICT (payment_intent_ref, seller_id) DO NOTHING
	`
	result, err := r.db.Exec(ctx, query,
		t.ID, t.OrderID, t.SellerID, t.BuyerID,
		t.GrossAmount, t.PlatformFee, t.GatewayFee, t.NetAmount, t.Currency,
		t.Status, t.HoldReason, t.HoldStartDate, t.PlannedReleaseDate, t.ActualReleaseDate,
		t.TransferRef, t.PaymentIntentRef, t.CheckoutSessionRef,
		t.PayedOut, t.PayoutID, t.ReviewFlaggedAt, t.Notes, string(metadata),
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrDuplicateSettlement
	}
	return nil
}

// GetSettlement retrieves a settlement transaction without locking it.
func (r *PostgresRepository) GetSettlement(ctx context.Context, id uuid.UUID) (*domain.SettlementTransaction, error) {
	query := `SELECT ` + settlementColumns + ` FROM settlement_transactions WHERE id = $1`
	t, err := scanSettlement(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrSettlementNotFound
		}
		return nil, err
	}
	return t, nil
}

// GetSettlementForUpdate retrieves a settlement transaction under a row-level
// lock. Callers must be inside a transaction started by the TxManager.
func (r *PostgresRepository) GetSettlementForUpdate(ctx context.Context, id uuid.UUID) (*domain.SettlementTransaction, error) {
	query := `SELECT ` + settlementColumns + ` FROM settlement_transactions WHERE id = $1 FOR UPDATE`
	t, err := scanSettlement(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrSettlementNotFound
		}
		return nil, err
	}
	return t, nil
}

// FindSettlementsByOrderForUpdate locks and returns every settlement
// transaction fanned out for an order. Rows are ordered by id so concurrent
// mutators acquire locks in the same order and cannot deadlock each other.
func (r *PostgresRepository) FindSettlementsByOrderForUpdate(ctx context.Context, orderID uuid.UUID) ([]domain.SettlementTransaction, error) {
	query := `SELECT ` + settlementColumns + ` FROM settlement_transactions WHERE order_id = $1 ORDER BY id FOR UPDATE`
	rows, err := r.db.Query(ctx, query, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var settlements []domain.SettlementTransaction
	for rows.Next() {
		t, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		settlements = append(settlements, *t)
	}
	return settlements, rows.Err()
}

// FindSettlementByTransferRefForUpdate locks the settlement transaction whose
// gateway transfer reference matches. Used as a fallback correlation when a
// transfer webhook carries no transaction_id metadata.
func (r *PostgresRepository) FindSettlementByTransferRefForUpdate(ctx context.Context, transferRef string) (*domain.SettlementTransaction, error) {
	query := `SELECT ` + settlementColumns + ` FROM settlement_transactions WHERE transfer_ref = $1 FOR UPDATE`
	t, err := scanSettlement(r.db.QueryRow(ctx, query, transferRef))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrSettlementNotFound
		}
		return nil, err
	}
	return t, nil
}

// SettlementExistsForPaymentIntent reports whether any settlement was already
// fanned out for the payment intent. This is the fan-out idempotency anchor.
func (r *PostgresRepository) SettlementExistsForPaymentIntent(ctx context.Context, paymentIntentRef string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM settlement_transactions WHERE payment_intent_ref = $1)`
	if err := r.db.QueryRow(ctx, query, paymentIntentRef).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// UpdateSettlement persists the mutable fields of a settlement transaction and
// appends a note to its audit trail. The money invariant is re-checked on
// every write.
func (r *PostgresRepository) UpdateSettlement(ctx context.Context, t *domain.SettlementTransaction, note string) error {
	if err := t.CheckAmounts(); err != nil {
		return fmt.Errorf("refusing to persist settlement %s: %w", t.ID, err)
	}

	metadata, err := json.Marshal(t.Metadata)
	if err != nil {
		return fmt.Errorf("encode settlement metadata: %w", err)
	}

	query := `
		UPDATE settlement_transactions
		SET
			status = $2,
			hold_reason = $3,
			hold_start_date = $4,
			planned_release_date = $5,
			actual_release_date = $6,
			transfer_ref = $7,
			payed_out = $8,
			payout_id = $9,
			review_flagged_at = $10,
			metadata = $11::jsonb,
			notes = CASE
				WHEN $12 = '' THEN COALESCE(notes, '')
				WHEN COALESCE(notes, '') = '' THEN $12
				ELSE notes || E'\n' || $12
			END,
			updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.Exec(ctx, query,
		t.ID, t.Status, t.HoldReason, t.HoldStartDate, t.PlannedReleaseDate,
		t.ActualReleaseDate, t.TransferRef, t.PayedOut, t.PayoutID,
		t.ReviewFlaggedAt, string(metadata), note,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrSettlementNotFound
	}
	return nil
}

// ListSettlementsBySeller retrieves a seller's settlement transactions, newest first.
func (r *PostgresRepository) ListSettlementsBySeller(ctx context.Context, sellerID uuid.UUID, limit, offset int) ([]domain.SettlementTransaction, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + settlementColumns + `
		FROM settlement_transactions
		WHERE seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`
	rows, err := r.db.Query(ctx, query, sellerID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var settlements []domain.SettlementTransaction
	for rows.Next() {
		t, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		settlements = append(settlements, *t)
	}
	return settlements, rows.Err()
}

// ListDueForRelease returns ids of held transactions whose planned release
// date has passed. Candidates only; each release re-checks state under lock.
func (r *PostgresRepository) ListDueForRelease(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id FROM settlement_transactions
		WHERE status = 'held' AND planned_release_date <= $1
		ORDER BY planned_release_date
		LIMIT $2
	`
	return r.listIDs(ctx, query, now, limit)
}

// ListStuckProcessing returns ids of transactions that entered processing
// before the cutoff and have not been flagged for review yet.
func (r *PostgresRepository) ListStuckProcessing(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id FROM settlement_transactions
		WHERE status = 'processing' AND updated_at <= $1 AND review_flagged_at IS NULL
		ORDER BY updated_at
		LIMIT $2
	`
	return r.listIDs(ctx, query, cutoff, limit)
}

// ListExpiredPendingOrders returns distinct order ids whose settlements are
// still pending past the payment deadline.
func (r *PostgresRepository) ListExpiredPendingOrders(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT DISTINCT order_id FROM settlement_transactions
		WHERE status = 'pending' AND created_at <= $1
		LIMIT $2
	`
	return r.listIDs(ctx, query, cutoff, limit)
}

func (r *PostgresRepository) listIDs(ctx context.Context, query string, args ...any) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListReleasedUnpaidOut locks and returns a seller's released transactions not
// yet included in a payout batch.
func (r *PostgresRepository) ListReleasedUnpaidOut(ctx context.Context, sellerID uuid.UUID) ([]domain.SettlementTransaction, error) {
	query := `SELECT ` + settlementColumns + `
		FROM settlement_transactions
		WHERE seller_id = $1 AND status IN ('released', 'completed') AND payed_out = false
		ORDER BY id
		FOR UPDATE`
	rows, err := r.db.Query(ctx, query, sellerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var settlements []domain.SettlementTransaction
	for rows.Next() {
		t, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		settlements = append(settlements, *t)
	}
	return settlements, rows.Err()
}

// CreatePayout inserts a payout and its denormalized items in one shot.
// The caller is expected to run this inside a TxManager unit of work.
func (r *PostgresRepository) CreatePayout(ctx context.Context, payout *domain.Payout, items []domain.PayoutItem) error {
	var itemTotal int64
	for _, item := range items {
		itemTotal += item.Amount
	}
	if itemTotal != payout.TotalAmount {
		return fmt.Errorf("payout %s total %d does not equal item sum %d", payout.ID, payout.TotalAmount, itemTotal)
	}

	payoutQuery := `
		INSERT INTO payouts (
			id, seller_id, gateway_payout_ref, status, total_amount, currency,
			arrival_date, failure_code, failure_message, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
	`
	if _, err := r.db.Exec(ctx, payoutQuery,
		payout.ID, payout.SellerID, payout.GatewayPayoutRef, payout.Status,
		payout.TotalAmount, payout.Currency, payout.ArrivalDate,
		payout.FailureCode, payout.FailureMessage,
	); err != nil {
		return err
	}

	itemQuery := `
		INSERT INTO payout_items (
			id, payout_id, settlement_transaction_id, amount, currency,
			order_ref, description, transfer_date, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
	`
	for _, item := range items {
		if _, err := r.db.Exec(ctx, itemQuery,
			item.ID, item.PayoutID, item.SettlementTransactionID, item.Amount,
			item.Currency, item.OrderRef, item.Description, item.TransferDate,
		); err != nil {
			return err
		}
	}
	return nil
}

// GetPayoutByGatewayRefForUpdate locks the payout matching a gateway payout reference.
func (r *PostgresRepository) GetPayoutByGatewayRefForUpdate(ctx context.Context, gatewayPayoutRef string) (*domain.Payout, error) {
	var p domain.Payout
	query := `
		SELECT id, seller_id, gateway_payout_ref, status, total_amount, currency,
		       arrival_date, failure_code, failure_message, created_at, updated_at
		FROM payouts
		WHERE gateway_payout_ref = $1
		FOR UPDATE
	`
	err := r.db.QueryRow(ctx, query, gatewayPayoutRef).Scan(
		&p.ID, &p.SellerID, &p.GatewayPayoutRef, &p.Status, &p.TotalAmount,
		&p.Currency, &p.ArrivalDate, &p.FailureCode, &p.FailureMessage,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPayoutNotFound
		}
		return nil, err
	}
	return &p, nil
}

// UpdatePayout persists the mutable fields of a payout.
func (r *PostgresRepository) UpdatePayout(ctx context.Context, payout *domain.Payout) error {
	query := `
		UPDATE payouts
		SET gateway_payout_ref = $2, status = $3, arrival_date = $4,
		    failure_code = $5, failure_message = $6, updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.Exec(ctx, query,
		payout.ID, payout.GatewayPayoutRef, payout.Status, payout.ArrivalDate,
		payout.FailureCode, payout.FailureMessage,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrPayoutNotFound
	}
	return nil
}

// ListPayoutItems retrieves the audit items of a payout.
func (r *PostgresRepository) ListPayoutItems(ctx context.Context, payoutID uuid.UUID) ([]domain.PayoutItem, error) {
	query := `
		SELECT id, payout_id, settlement_transaction_id, amount, currency,
		       order_ref, description, transfer_date, created_at
		FROM payout_items
		WHERE payout_id = $1
		ORDER BY created_at
	`
	rows, err := r.db.Query(ctx, query, payoutID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.PayoutItem
	for rows.Next() {
		var item domain.PayoutItem
		if err := rows.Scan(
			&item.ID, &item.PayoutID, &item.SettlementTransactionID, &item.Amount,
			&item.Currency, &item.OrderRef, &item.Description, &item.TransferDate,
			&item.CreatedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ResetPayedOutForPayout clears the payed_out marker on every transaction in
// a failed payout batch so they become eligible for re-inclusion. PayoutItem
// audit rows are left untouched.
func (r *PostgresRepository) ResetPayedOutForPayout(ctx context.Context, payoutID uuid.UUID, note string) (int64, error) {
	query := `
		UPDATE settlement_transactions
		SET payed_out = false,
		    payout_id = NULL,
		    notes = CASE
				WHEN $2 = '' THEN COALESCE(notes, '')
				WHEN COALESCE(notes, '') = '' THEN $2
				ELSE notes || E'\n' || $2
			END,
		    updated_at = NOW()
		WHERE payout_id = $1
	`
	result, err := r.db.Exec(ctx, query, payoutID, note)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

// GetSellerPayoutAccount retrieves the payout destination state for a seller.
func (r *PostgresRepository) GetSellerPayoutAccount(ctx context.Context, sellerID uuid.UUID) (*domain.SellerPayoutAccount, error) {
	var a domain.SellerPayoutAccount
	query := `
		SELECT seller_id, gateway_account_id, details_submitted, charges_enabled, payouts_enabled, updated_at
		FROM seller_payout_accounts
		WHERE seller_id = $1
	`
	err := r.db.QueryRow(ctx, query, sellerID).Scan(
		&a.SellerID, &a.GatewayAccountID, &a.DetailsSubmitted,
		&a.ChargesEnabled, &a.PayoutsEnabled, &a.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrSellerAccountNotFound
		}
		return nil, err
	}
	return &a, nil
}

// UpdateSellerPayoutAccountByGatewayID applies an account.updated webhook to
// the local view of the seller's payout destination. Update-only: accounts
// this marketplace never onboarded report ErrSellerAccountNotFound.
func (r *PostgresRepository) UpdateSellerPayoutAccountByGatewayID(ctx context.Context, account domain.SellerPayoutAccount) error {
	query := `
		UPDATE seller_payout_accounts
		SET details_submitted = $2, charges_enabled = $3, payouts_enabled = $4, updated_at = NOW()
		WHERE gateway_account_id = $1
	`
	result, err := r.db.Exec(ctx, query,
		account.GatewayAccountID, account.DetailsSubmitted,
		account.ChargesEnabled, account.PayoutsEnabled,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrSellerAccountNotFound
	}
	return nil
}

// GetOrderSellerTotals aggregates an order's line items per seller for the
// settlement fan-out. Orders themselves are owned by the catalog side of the
// platform; this is a read-only view.
func (r *PostgresRepository) GetOrderSellerTotals(ctx context.Context, orderID uuid.UUID) ([]domain.OrderSellerTotal, error) {
	query := `
		SELECT oi.seller_id, SUM(oi.price * oi.quantity) AS gross_amount, o.currency, COUNT(*) AS item_count
		FROM order_items oi
		JOIN orders o ON o.id = oi.order_id
		WHERE oi.order_id = $1
		GROUP BY oi.seller_id, o.currency
		ORDER BY oi.seller_id
	`
	rows, err := r.db.Query(ctx, query, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var totals []domain.OrderSellerTotal
	for rows.Next() {
		var t domain.OrderSellerTotal
		if err := rows.Scan(&t.SellerID, &t.GrossAmount, &t.Currency, &t.ItemCount); err != nil {
			return nil, err
		}
		totals = append(totals, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(totals) == 0 {
		return nil, ErrOrderNotFound
	}
	return totals, nil
}

// InsertExchangeRateSnapshot appends one captured rate. Snapshots are never
// updated or deleted; the latest one wins for conversion decisions.
func (r *PostgresRepository) InsertExchangeRateSnapshot(ctx context.Context, snapshot domain.ExchangeRateSnapshot) error {
	query := `
		INSERT INTO exchange_rates (base_currency, target_currency, rate, captured_at, source)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := r.db.Exec(ctx, query,
		snapshot.BaseCurrency, snapshot.TargetCurrency,
		snapshot.Rate.String(), snapshot.CapturedAt, snapshot.Source,
	)
	return err
}

// LatestExchangeRate returns the most recent snapshot for a currency pair.
func (r *PostgresRepository) LatestExchangeRate(ctx context.Context, base, target string) (*domain.ExchangeRateSnapshot, error) {
	var s domain.ExchangeRateSnapshot
	var rate string
	query := `
		SELECT id, base_currency, target_currency, rate::text, captured_at, source
		FROM exchange_rates
		WHERE base_currency = $1 AND target_currency = $2
		ORDER BY captured_at DESC
		LIMIT 1
	`
	err := r.db.QueryRow(ctx, query, base, target).Scan(
		&s.ID, &s.BaseCurrency, &s.TargetCurrency, &rate, &s.CapturedAt, &s.Source,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrExchangeRateNotFound
		}
		return nil, err
	}
	parsed, err := decimal.NewFromString(rate)
	if err != nil {
		return nil, fmt.Errorf("parse stored rate %q: %w", rate, err)
	}
	s.Rate = parsed
	return &s, nil
}
