/**
 * @description
 * Payout grouping: collects a seller's released, not-yet-paid-out settlement
 * transactions into one payout batch with denormalized audit items. The batch
 * total always equals the sum of its items, and marking the transactions
 * payed_out happens in the same transaction as creating the batch.
 */

package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/vendora/settlement-service/internal/domain"
	"github.com/vendora/settlement-service/internal/store"
)

// BuildPayout groups a seller's eligible settlement transactions into a new
// payout batch. Only transactions sharing the seller's first-seen currency go
// into one batch; mixed-currency leftovers wait for their own run.
func (s *Service) BuildPayout(ctx context.Context, sellerID uuid.UUID) (*domain.Payout, error) {
	var payout *domain.Payout

	err := s.tx.RunInTx(ctx, store.Serializable(), func(repo store.Repository) error {
		eligible, err := repo.ListReleasedUnpaidOut(ctx, sellerID)
		if err != nil {
			return err
		}
		if len(eligible) == 0 {
			return fmt.Errorf("%w: seller %s", ErrNothingToPayOut, sellerID)
		}

		currency := eligible[0].Currency
		now := time.Now().UTC()
		batch := &domain.Payout{
			ID:       uuid.New(),
			SellerID: sellerID,
			Status:   "pending",
			Currency: currency,
		}

		var items []domain.PayoutItem
		for i := range eligible {
			t := &eligible[i]
			if t.Currency != currency {
				log.Printf("level=info component=payouts msg=\"deferring off-currency transaction\" transaction_id=%s currency=%s batch_currency=%s", t.ID, t.Currency, currency)
				continue
			}

			transferDate := now
			if t.ActualReleaseDate != nil {
				transferDate = *t.ActualReleaseDate
			}
			items = append(items, domain.PayoutItem{
				ID:                      uuid.New(),
				PayoutID:                batch.ID,
				SettlementTransactionID: t.ID,
				Amount:                  t.NetAmount,
				Currency:                t.Currency,
				OrderRef:                t.OrderID.String(),
				Description:             fmt.Sprintf("settlement for order %s", t.OrderID),
				TransferDate:            transferDate,
			})
			batch.TotalAmount += t.NetAmount

			t.PayedOut = true
			t.PayoutID = &batch.ID
			if err := repo.UpdateSettlement(ctx, t, fmt.Sprintf("grouped into payout %s", batch.ID)); err != nil {
				return err
			}
		}

		if err := repo.CreatePayout(ctx, batch, items); err != nil {
			return err
		}
		payout = batch
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publishPayoutEvent(ctx, "payout.created", payout, "")
	return payout, nil
}

// GetPayoutItems lists the audit lines of a payout batch.
func (s *Service) GetPayoutItems(ctx context.Context, payoutID uuid.UUID) ([]domain.PayoutItem, error) {
	return s.repo.ListPayoutItems(ctx, payoutID)
}
