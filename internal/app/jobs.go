/**
 * @description
 * Background sweeps that keep the settlement ledger moving without operator
 * action: releasing settlements whose hold elapsed, flagging transfers stuck
 * in processing past the confirmation grace window, and cancelling
 * settlements for orders whose payment never confirmed.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/vendora/settlement-service/internal/domain"
	"github.com/vendora/settlement-service/internal/store"
)

const sweepBatchSize = 100

// ReleaseDueSettlements releases every held settlement whose planned release
// date has passed. Each transaction is released independently so one bad row
// (missing payout account, drained balance) never blocks the rest.
func (s *Service) ReleaseDueSettlements(ctx context.Context) {
	ids, err := s.repo.ListDueForRelease(ctx, time.Now().UTC(), sweepBatchSize)
	if err != nil {
		log.Printf("level=error component=release_sweep msg=\"listing due settlements failed\" err=%v", err)
		return
	}
	if len(ids) == 0 {
		return
	}
	log.Printf("level=info component=release_sweep msg=\"releasing due settlements\" count=%d", len(ids))

	released := 0
	for _, id := range ids {
		_, err := s.RequestRelease(ctx, id, "release_sweep")
		switch {
		case err == nil:
			released++
		case errors.Is(err, ErrNotTransferable):
			// Raced with a webhook or operator between list and lock.
			log.Printf("level=info component=release_sweep msg=\"skipped; no longer held\" transaction_id=%s", id)
		case errors.Is(err, ErrNoPayoutDestination),
			errors.Is(err, ErrExchangeRateUnavailable),
			errors.Is(err, ErrInsufficientBalance):
			log.Printf("level=warn component=release_sweep msg=\"release blocked\" transaction_id=%s err=%v", id, err)
		default:
			log.Printf("level=error component=release_sweep msg=\"release failed\" transaction_id=%s err=%v", id, err)
		}
	}
	log.Printf("level=info component=release_sweep msg=\"sweep finished\" released=%d of=%d", released, len(ids))
}

// FlagStuckProcessing marks transactions sitting in processing past the
// confirmation grace window for manual review. The status is left alone: the
// transfer may still confirm, and reconciliation stays webhook-driven.
func (s *Service) FlagStuckProcessing(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.params.ProcessingGrace)
	ids, err := s.repo.ListStuckProcessing(ctx, cutoff, sweepBatchSize)
	if err != nil {
		log.Printf("level=error component=stuck_sweep msg=\"listing stuck transactions failed\" err=%v", err)
		return
	}

	for _, id := range ids {
		var flagged *domain.SettlementTransaction
		err := s.tx.RunInTx(ctx, store.Serializable(), func(repo store.Repository) error {
			flagged = nil
			t, err := repo.GetSettlementForUpdate(ctx, id)
			if err != nil {
				return err
			}
			if t.Status != domain.StatusProcessing || t.ReviewFlaggedAt != nil {
				return nil
			}
			now := time.Now().UTC()
			t.ReviewFlaggedAt = &now
			note := fmt.Sprintf("no transfer confirmation after %s; flagged for review", s.params.ProcessingGrace)
			if err := repo.UpdateSettlement(ctx, t, note); err != nil {
				return err
			}
			flagged = t
			return nil
		})
		if err != nil {
			log.Printf("level=error component=stuck_sweep msg=\"flagging failed\" transaction_id=%s err=%v", id, err)
			continue
		}
		if flagged != nil {
			log.Printf("level=warn component=stuck_sweep msg=\"transaction flagged for review\" transaction_id=%s transfer_ref=%v", id, flagged.TransferRef)
			s.publishSettlementEvent(ctx, "settlement.review_flagged", flagged, "transfer confirmation overdue")
		}
	}
}

// CancelExpiredPendingOrders voids settlements for orders whose payment never
// confirmed within the payment timeout.
func (s *Service) CancelExpiredPendingOrders(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.params.PaymentTimeout)
	orderIDs, err := s.repo.ListExpiredPendingOrders(ctx, cutoff, sweepBatchSize)
	if err != nil {
		log.Printf("level=error component=timeout_sweep msg=\"listing expired pending orders failed\" err=%v", err)
		return
	}

	for _, orderID := range orderIDs {
		if err := s.CancelOrderSettlements(ctx, orderID, "payment not confirmed within timeout"); err != nil {
			log.Printf("level=error component=timeout_sweep msg=\"cancellation failed\" order_id=%s err=%v", orderID, err)
		}
	}
}
