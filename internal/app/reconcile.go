/**
 * @description
 * The webhook reconciliation engine. Gateway webhooks arrive at least once and
 * out of order; every handler here locks the affected rows, re-reads state
 * under the lock, and treats an already-applied transition as a duplicate to
 * acknowledge rather than an error. The database idempotency anchors
 * (payment_intent_ref per seller, transfer ref, payout ref) are the source of
 * truth; the Redis replay guard in front of them is only an optimization.
 *
 * Key features:
 * - checkout.session.completed fans out one held settlement per seller.
 * - transfer.* confirms or reverses an in-flight release.
 * - refund.* finalizes or fails an in-flight refund.
 * - payout.* tracks batch delivery and resets grouping on failure.
 * - account.updated maintains the local view of seller payout readiness.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/vendora/settlement-service/internal/domain"
	"github.com/vendora/settlement-service/internal/store"
)

// ReconcileOutcome describes what the engine did with a webhook event.
type ReconcileOutcome string

const (
	// OutcomeApplied means the event caused at least one state change.
	OutcomeApplied ReconcileOutcome = "applied"
	// OutcomeDuplicate means the event's effect was already recorded.
	OutcomeDuplicate ReconcileOutcome = "duplicate"
	// OutcomeUnhandled means the event references nothing this service tracks.
	OutcomeUnhandled ReconcileOutcome = "unhandled"
)

// ApplyGatewayEvent dispatches a verified, parsed webhook event to the
// matching reconciliation handler. Every outcome except an error must be
// acknowledged to the gateway so it stops redelivering.
func (s *Service) ApplyGatewayEvent(ctx context.Context, event *domain.GatewayEvent) (ReconcileOutcome, error) {
	if !event.Recognized() {
		log.Printf("level=info component=reconciler msg=\"ignoring unhandled event type\" event_id=%s event_type=%s", event.ID, event.Type)
		return OutcomeUnhandled, nil
	}

	claimed := false
	if s.guard != nil && event.ID != "" {
		seen, err := s.guard.Seen(ctx, event.ID)
		switch {
		case err != nil:
			log.Printf("level=warn component=reconciler msg=\"replay guard unavailable; falling through to database\" event_id=%s err=%v", event.ID, err)
		case seen:
			log.Printf("level=info component=reconciler msg=\"replayed event short-circuited\" event_id=%s event_type=%s", event.ID, event.Type)
			return OutcomeDuplicate, nil
		default:
			claimed = true
		}
	}

	outcome, err := s.dispatchGatewayEvent(ctx, event)
	if err != nil && claimed {
		// The event was never applied; release the claim so the gateway's
		// redelivery is not mistaken for a replay of a settled event.
		if forgetErr := s.guard.Forget(ctx, event.ID); forgetErr != nil {
			log.Printf("level=warn component=reconciler msg=\"replay guard release failed; event may be dropped until the guard key expires\" event_id=%s err=%v", event.ID, forgetErr)
		}
	}
	return outcome, err
}

func (s *Service) dispatchGatewayEvent(ctx context.Context, event *domain.GatewayEvent) (ReconcileOutcome, error) {
	switch {
	case event.PaymentConfirmed != nil:
		return s.applyPaymentConfirmed(ctx, event.PaymentConfirmed)
	case event.Transfer != nil:
		return s.applyTransferEvent(ctx, event.Transfer)
	case event.Refund != nil:
		return s.applyRefundEvent(ctx, event.Refund)
	case event.Payout != nil:
		return s.applyPayoutEvent(ctx, event.Payout)
	case event.Account != nil:
		return s.applyAccountUpdated(ctx, event.Account)
	}
	return OutcomeUnhandled, nil
}

// applyPaymentConfirmed fans a confirmed checkout out into one held settlement
// transaction per seller on the order. The unique (payment_intent_ref,
// seller_id) constraint absorbs concurrent duplicates of the same event.
func (s *Service) applyPaymentConfirmed(ctx context.Context, event *domain.PaymentConfirmedEvent) (ReconcileOutcome, error) {
	paymentIntentRef := event.PaymentIntentRef
	if paymentIntentRef == "" {
		// Some gateway configurations omit the intent on the session payload.
		session, err := s.gateway.RetrieveCheckoutSession(ctx, event.CheckoutSessionRef)
		if err != nil {
			return OutcomeUnhandled, fmt.Errorf("resolve payment intent for session %s: %w", event.CheckoutSessionRef, err)
		}
		paymentIntentRef = session.PaymentIntent
		if paymentIntentRef == "" {
			return OutcomeUnhandled, fmt.Errorf("checkout session %s has no payment intent", event.CheckoutSessionRef)
		}
	}

	var created []domain.SettlementTransaction
	outcome := OutcomeApplied

	err := s.tx.RunInTx(ctx, store.Serializable(), func(repo store.Repository) error {
		created = created[:0]
		outcome = OutcomeApplied

		exists, err := repo.SettlementExistsForPaymentIntent(ctx, paymentIntentRef)
		if err != nil {
			return err
		}
		if exists {
			outcome = OutcomeDuplicate
			return nil
		}

		totals, err := repo.GetOrderSellerTotals(ctx, event.OrderID)
		if errors.Is(err, store.ErrOrderNotFound) {
			outcome = OutcomeUnhandled
			return nil
		}
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		for _, total := range totals {
			platform, gateway, net, err := s.params.Fees.Apply(total.GrossAmount)
			if err != nil {
				return fmt.Errorf("fee schedule for order %s seller %s: %w", event.OrderID, total.SellerID, err)
			}

			t := &domain.SettlementTransaction{
				ID:                 uuid.New(),
				OrderID:            event.OrderID,
				SellerID:           total.SellerID,
				BuyerID:            event.BuyerID,
				GrossAmount:        total.GrossAmount,
				PlatformFee:        platform,
				GatewayFee:         gateway,
				NetAmount:          net,
				Currency:           total.Currency,
				Status:             domain.StatusPending,
				PaymentIntentRef:   paymentIntentRef,
				CheckoutSessionRef: event.CheckoutSessionRef,
				Notes:              fmt.Sprintf("created from payment %s (%d items)", paymentIntentRef, total.ItemCount),
			}
			if err := markHeld(t, now, s.params.HoldDuration, "standard settlement hold"); err != nil {
				return err
			}

			if err := repo.CreateSettlementTransaction(ctx, t); err != nil {
				if errors.Is(err, store.ErrDuplicateSettlement) {
					outcome = OutcomeDuplicate
					return nil
				}
				return err
			}
			created = append(created, *t)
		}
		return nil
	})
	if err != nil {
		return OutcomeUnhandled, err
	}

	if outcome == OutcomeApplied {
		for i := range created {
			s.publishSettlementEvent(ctx, "settlement.held", &created[i], "payment confirmed")
		}
		log.Printf("level=info component=reconciler msg=\"payment fanned out\" order_id=%s payment_intent=%s sellers=%d", event.OrderID, paymentIntentRef, len(created))
	}
	return outcome, nil
}

// applyTransferEvent reconciles transfer.created/updated/reversed/failed. A
// successful transfer moves processing to released; a reversal or failure
// returns the row to held with the ref cleared and the original hold dates
// untouched, so the money is immediately releasable again.
func (s *Service) applyTransferEvent(ctx context.Context, event *domain.TransferStatusEvent) (ReconcileOutcome, error) {
	var changed *domain.SettlementTransaction
	var routingKey, reason string
	outcome := OutcomeApplied

	err := s.tx.RunInTx(ctx, store.Serializable(), func(repo store.Repository) error {
		changed = nil
		outcome = OutcomeApplied

		t, err := repo.GetSettlementForUpdate(ctx, event.TransactionID)
		if errors.Is(err, store.ErrSettlementNotFound) && event.TransferRef != "" {
			t, err = repo.FindSettlementByTransferRefForUpdate(ctx, event.TransferRef)
		}
		if errors.Is(err, store.ErrSettlementNotFound) {
			outcome = OutcomeUnhandled
			return nil
		}
		if err != nil {
			return err
		}

		if event.Reversed {
			if t.Status != domain.StatusProcessing {
				// Reversal for a row that already settled elsewhere or never
				// left held; the event is stale.
				outcome = OutcomeDuplicate
				return nil
			}
			reason = event.FailureReason
			if reason == "" {
				reason = "transfer reversed by gateway"
			}
			if err := returnToHold(t, reason); err != nil {
				return err
			}
			if err := repo.UpdateSettlement(ctx, t, fmt.Sprintf("transfer %s failed: %s", event.TransferRef, reason)); err != nil {
				return err
			}
			changed = t
			routingKey = "settlement.held"
			return nil
		}

		switch t.Status {
		case domain.StatusProcessing:
			if err := markReleased(t, time.Now().UTC()); err != nil {
				return err
			}
			if err := repo.UpdateSettlement(ctx, t, fmt.Sprintf("transfer %s confirmed", event.TransferRef)); err != nil {
				return err
			}
			changed = t
			routingKey = "settlement.released"
			reason = "transfer confirmed"
		default:
			// Already released/completed, or back in held after a failure the
			// gateway later contradicted. Either way, nothing to apply.
			outcome = OutcomeDuplicate
		}
		return nil
	})
	if err != nil {
		return OutcomeUnhandled, err
	}

	if changed != nil {
		s.publishSettlementEvent(ctx, routingKey, changed, reason)
	}
	return outcome, nil
}

// applyRefundEvent finalizes refunds for every waiting_refund settlement on
// the order. refund.failed moves them to failed_refund, from which a new
// refund request can retry.
func (s *Service) applyRefundEvent(ctx context.Context, event *domain.RefundStatusEvent) (ReconcileOutcome, error) {
	var changed []domain.SettlementTransaction
	var routingKey string
	outcome := OutcomeApplied
	succeeded := event.Status == "succeeded"

	err := s.tx.RunInTx(ctx, store.Serializable(), func(repo store.Repository) error {
		changed = changed[:0]
		outcome = OutcomeApplied

		transactions, err := repo.FindSettlementsByOrderForUpdate(ctx, event.OrderID)
		if err != nil {
			return err
		}
		if len(transactions) == 0 {
			outcome = OutcomeUnhandled
			return nil
		}

		for i := range transactions {
			t := &transactions[i]
			if t.Status != domain.StatusWaitingRefund {
				continue
			}
			var note string
			if succeeded {
				if err := markRefunded(t); err != nil {
					return err
				}
				note = fmt.Sprintf("refund %s confirmed", event.RefundRef)
				routingKey = "settlement.refunded"
			} else {
				if err := markFailedRefund(t); err != nil {
					return err
				}
				note = fmt.Sprintf("refund %s failed: %s", event.RefundRef, event.FailureReason)
				routingKey = "settlement.failed_refund"
			}
			if err := repo.UpdateSettlement(ctx, t, note); err != nil {
				return err
			}
			changed = append(changed, *t)
		}
		if len(changed) == 0 {
			outcome = OutcomeDuplicate
		}
		return nil
	})
	if err != nil {
		return OutcomeUnhandled, err
	}

	for i := range changed {
		s.publishSettlementEvent(ctx, routingKey, &changed[i], event.FailureReason)
	}
	return outcome, nil
}

// applyPayoutEvent tracks a payout batch through the gateway. A failed or
// canceled payout resets the payed_out flag on its transactions so the next
// grouping run picks them up again; the payout row and its audit items stay.
// A paid payout completes every transaction it carried.
func (s *Service) applyPayoutEvent(ctx context.Context, event *domain.PayoutStatusEvent) (ReconcileOutcome, error) {
	var changedPayout *domain.Payout
	var routingKey, reason string
	outcome := OutcomeApplied

	err := s.tx.RunInTx(ctx, store.Serializable(), func(repo store.Repository) error {
		changedPayout = nil
		outcome = OutcomeApplied

		payout, err := repo.GetPayoutByGatewayRefForUpdate(ctx, event.PayoutRef)
		if errors.Is(err, store.ErrPayoutNotFound) {
			outcome = OutcomeUnhandled
			return nil
		}
		if err != nil {
			return err
		}

		if payout.Status == event.Status {
			outcome = OutcomeDuplicate
			return nil
		}
		if payout.Status == "paid" || payout.Status == "failed" || payout.Status == "canceled" {
			// Settled batches do not change state on late deliveries.
			outcome = OutcomeDuplicate
			return nil
		}

		payout.Status = event.Status
		payout.ArrivalDate = event.ArrivalDate
		if event.FailureCode != "" {
			payout.FailureCode = &event.FailureCode
		}
		if event.FailureMessage != "" {
			payout.FailureMessage = &event.FailureMessage
		}
		if err := repo.UpdatePayout(ctx, payout); err != nil {
			return err
		}

		switch event.Status {
		case "failed", "canceled":
			reason = event.FailureMessage
			if reason == "" {
				reason = "payout " + event.Status
			}
			n, err := repo.ResetPayedOutForPayout(ctx, payout.ID, fmt.Sprintf("payout %s %s: requeued for grouping", event.PayoutRef, event.Status))
			if err != nil {
				return err
			}
			log.Printf("level=warn component=reconciler msg=\"payout failed; transactions requeued\" payout_id=%s gateway_ref=%s transactions=%d", payout.ID, event.PayoutRef, n)
			routingKey = "payout.failed"

		case "paid":
			items, err := repo.ListPayoutItems(ctx, payout.ID)
			if err != nil {
				return err
			}
			for _, item := range items {
				t, err := repo.GetSettlementForUpdate(ctx, item.SettlementTransactionID)
				if err != nil {
					return err
				}
				if err := markCompleted(t); err != nil {
					if errors.Is(err, errAlreadyApplied) {
						continue
					}
					return err
				}
				if err := repo.UpdateSettlement(ctx, t, fmt.Sprintf("payout %s paid", event.PayoutRef)); err != nil {
					return err
				}
			}
			reason = "payout paid"
			routingKey = "payout.paid"

		default:
			reason = "payout " + event.Status
			routingKey = "payout.updated"
		}

		changedPayout = payout
		return nil
	})
	if err != nil {
		return OutcomeUnhandled, err
	}

	if changedPayout != nil {
		s.publishPayoutEvent(ctx, routingKey, changedPayout, reason)
	}
	return outcome, nil
}

// applyAccountUpdated refreshes the local view of a seller's payout readiness.
func (s *Service) applyAccountUpdated(ctx context.Context, event *domain.AccountUpdatedEvent) (ReconcileOutcome, error) {
	outcome := OutcomeApplied
	err := s.tx.RunInTx(ctx, store.ReadCommitted(), func(repo store.Repository) error {
		err := repo.UpdateSellerPayoutAccountByGatewayID(ctx, domain.SellerPayoutAccount{
			GatewayAccountID: event.GatewayAccountID,
			DetailsSubmitted: event.DetailsSubmitted,
			ChargesEnabled:   event.ChargesEnabled,
			PayoutsEnabled:   event.PayoutsEnabled,
			UpdatedAt:        time.Now().UTC(),
		})
		if errors.Is(err, store.ErrSellerAccountNotFound) {
			// An account this marketplace never onboarded; nothing to track.
			outcome = OutcomeUnhandled
			return nil
		}
		return err
	})
	if err != nil {
		return OutcomeUnhandled, err
	}
	return outcome, nil
}
