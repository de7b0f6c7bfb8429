/**
 * @description
 * The TxManager executes a unit of work inside a database transaction at a
 * chosen isolation level and retries the whole unit on serialization or
 * deadlock failures. Every settlement lifecycle write goes through it; the
 * handlers and sweeps never touch the pool directly for mutations, which
 * guarantees a consistent locking discipline at every entry point.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrRetriesExhausted is surfaced after all retries fail on
// serialization/deadlock errors. It wraps the last underlying error.
var ErrRetriesExhausted = errors.New("transaction retries exhausted")

const (
	defaultMaxRetries        = 3
	defaultBaseDelay         = 100 * time.Millisecond
	defaultBackoffMultiplier = 2.0
)

// txBeginner is the subset of pgxpool.Pool the manager needs; a seam for tests.
type txBeginner interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// TxManager runs units of work with retry-on-serialization-failure semantics.
type TxManager struct {
	db                txBeginner
	maxRetries        int
	baseDelay         time.Duration
	backoffMultiplier float64
}

// NewTxManager creates a TxManager with the default retry policy
// (3 retries, 100ms base delay, 2.0 backoff multiplier).
func NewTxManager(db txBeginner) *TxManager {
	return &TxManager{
		db:                db,
		maxRetries:        defaultMaxRetries,
		baseDelay:         defaultBaseDelay,
		backoffMultiplier: defaultBackoffMultiplier,
	}
}

// Serializable is the isolation used for financial writes: release requests,
// transfer confirmation, refund confirmation, payout reconciliation.
func Serializable() pgx.TxOptions {
	return pgx.TxOptions{IsoLevel: pgx.Serializable}
}

// RepeatableRead suits multi-row reads that feed a single decision.
func RepeatableRead() pgx.TxOptions {
	return pgx.TxOptions{IsoLevel: pgx.RepeatableRead}
}

// ReadCommitted suits read-heavy reporting paths.
func ReadCommitted() pgx.TxOptions {
	return pgx.TxOptions{IsoLevel: pgx.ReadCommitted}
}

// RunInTx executes fn inside a transaction with the given options. On a
// serialization failure or deadlock the entire unit of work is retried from
// scratch, not just the failed statement, sleeping
// baseDelay * multiplier^attempt between attempts. Business errors returned
// by fn are never retried. Once retries are exhausted the caller gets
// ErrRetriesExhausted wrapping the last database error, not the raw error.
func (m *TxManager) RunInTx(ctx context.Context, opts pgx.TxOptions, fn func(repo Repository) error) error {
	var lastErr error

	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		if attempt > 0 {
			delay := m.backoffDelay(attempt - 1)
			log.Printf("level=warn component=txmanager msg=\"retrying unit of work\" attempt=%d delay=%s err=%v", attempt, delay, lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := m.runOnce(ctx, opts, fn)
		if err == nil {
			return nil
		}
		if !IsRetryableTxError(err) {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("%w: %w", ErrRetriesExhausted, lastErr)
}

func (m *TxManager) runOnce(ctx context.Context, opts pgx.TxOptions, fn func(repo Repository) error) error {
	tx, err := m.db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(NewPostgresRepository(tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (m *TxManager) backoffDelay(attempt int) time.Duration {
	delay := float64(m.baseDelay)
	for i := 0; i < attempt; i++ {
		delay *= m.backoffMultiplier
	}
	return time.Duration(delay)
}

// IsRetryableTxError reports whether an error is a PostgreSQL serialization
// failure (40001) or deadlock (40P01), the only classes the manager retries.
func IsRetryableTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}
