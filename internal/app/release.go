/**
 * @description
 * Release-side operations: requesting a gateway transfer for a held
 * settlement, requesting a refund, opening and resolving disputes, and
 * cancelling an order's settlements. Each operation locks the row(s) it
 * mutates inside a serializable transaction and re-validates state under the
 * lock before acting, so concurrent webhooks, sweeps, and operator requests
 * serialize cleanly.
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
	"github.com/vendora/settlement-service/pkg/gatewayclient"
)

// RequestRelease issues a gateway transfer for a held settlement transaction.
//
// The flow runs inside one serializable transaction: lock the row, verify it
// is held and due, verify the seller's payout destination, pick a transfer
// currency against the live gateway balance, issue the transfer with the
// transaction id as the idempotency key, and persist the transfer ref together
// with the processing status. The gateway-side idempotency key means a
// serialization retry of the whole unit cannot double-pay.
func (s *Service) RequestRelease(ctx context.Context, id uuid.UUID, actor string) (*domain.ReleaseResult, error) {
	var result *domain.ReleaseResult
	var released *domain.SettlementTransaction

	err := s.tx.RunInTx(ctx, store.Serializable(), func(repo store.Repository) error {
		t, err := repo.GetSettlementForUpdate(ctx, id)
		if err != nil {
			return err
		}

		if t.Status != domain.StatusHeld {
			return fmt.Errorf("%w: transaction %s is %s", ErrNotTransferable, t.ID, t.Status)
		}
		now := time.Now().UTC()
		if t.PlannedReleaseDate != nil && now.Before(*t.PlannedReleaseDate) {
			return fmt.Errorf("%w: transaction %s releasable at %s", ErrTransferNotReady, t.ID, t.PlannedReleaseDate.Format(time.RFC3339))
		}

		account, err := repo.GetSellerPayoutAccount(ctx, t.SellerID)
		if errors.Is(err, store.ErrSellerAccountNotFound) {
			return fmt.Errorf("%w: seller %s", ErrNoPayoutDestination, t.SellerID)
		}
		if err != nil {
			return err
		}
		if !account.Transferable() {
			return fmt.Errorf("%w: seller %s account %s is not ready for payouts", ErrNoPayoutDestination, t.SellerID, account.GatewayAccountID)
		}

		balance, err := s.gateway.GetBalance(ctx)
		if err != nil {
			return fmt.Errorf("fetch gateway balance: %w", err)
		}
		decision, err := s.selectTransferCurrency(ctx, repo, t.Currency, t.NetAmount, availableBalances(balance), now)
		if err != nil {
			return err
		}

		transfer, err := s.gateway.CreateTransfer(ctx, gatewayclient.TransferRequest{
			Amount:        decision.Amount,
			Currency:      decision.Currency,
			Destination:   account.GatewayAccountID,
			TransferGroup: "order_" + t.OrderID.String(),
			Metadata: map[string]string{
				"transaction_id": t.ID.String(),
				"order_id":       t.OrderID.String(),
			},
			IdempotencyKey: t.ID.String(),
		})
		if err != nil {
			return fmt.Errorf("create gateway transfer: %w", err)
		}

		if err := markProcessing(t, transfer.ID); err != nil {
			return err
		}
		note := fmt.Sprintf("transfer %s requested by %s: %d %s", transfer.ID, actor, decision.Amount, decision.Currency)
		if decision.Converted {
			note = fmt.Sprintf("%s (converted from %d %s at rate %s)", note, t.NetAmount, t.Currency, decision.Rate.String())
		}
		if err := repo.UpdateSettlement(ctx, t, note); err != nil {
			return err
		}

		released = t
		result = &domain.ReleaseResult{
			TransactionID: t.ID,
			TransferRef:   transfer.ID,
			Currency:      decision.Currency,
			Amount:        decision.Amount,
			Status:        t.Status,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publishSettlementEvent(ctx, "settlement.processing", released, "transfer requested")
	return result, nil
}

// RequestRefund moves a held or disputed settlement to waiting_refund and asks
// the gateway to refund the buyer's payment. Completion arrives later as a
// refund webhook; this call only parks the transaction.
func (s *Service) RequestRefund(ctx context.Context, id uuid.UUID, amount int64, reason, actor string) error {
	var refunding *domain.SettlementTransaction

	err := s.tx.RunInTx(ctx, store.Serializable(), func(repo store.Repository) error {
		t, err := repo.GetSettlementForUpdate(ctx, id)
		if err != nil {
			return err
		}

		switch t.Status {
		case domain.StatusHeld, domain.StatusDisputed, domain.StatusFailedRefund:
		default:
			return fmt.Errorf("%w: cannot refund transaction %s in %s", ErrInvalidTransition, t.ID, t.Status)
		}

		refund, err := s.gateway.CreateRefund(ctx, gatewayclient.RefundRequest{
			PaymentIntent: t.PaymentIntentRef,
			Amount:        amount,
			Reason:        reason,
			Metadata: map[string]string{
				"transaction_id": t.ID.String(),
				"order_id":       t.OrderID.String(),
			},
			IdempotencyKey: "refund_" + t.ID.String(),
		})
		if err != nil {
			return fmt.Errorf("create gateway refund: %w", err)
		}

		if err := markWaitingRefund(t); err != nil {
			return err
		}
		note := fmt.Sprintf("refund %s requested by %s", refund.ID, actor)
		if reason != "" {
			note = note + ": " + reason
		}
		if err := repo.UpdateSettlement(ctx, t, note); err != nil {
			return err
		}
		refunding = t
		return nil
	})
	if err != nil {
		return err
	}

	s.publishSettlementEvent(ctx, "settlement.waiting_refund", refunding, reason)
	return nil
}

// OpenDispute freezes a held settlement under a buyer dispute.
func (s *Service) OpenDispute(ctx context.Context, id uuid.UUID, reason string) error {
	var disputed *domain.SettlementTransaction

	err := s.tx.RunInTx(ctx, store.Serializable(), func(repo store.Repository) error {
		t, err := repo.GetSettlementForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := markDisputed(t, reason); err != nil {
			if errors.Is(err, errAlreadyApplied) {
				return nil
			}
			return err
		}
		if err := repo.UpdateSettlement(ctx, t, "dispute opened: "+reason); err != nil {
			return err
		}
		disputed = t
		return nil
	})
	if err != nil {
		return err
	}

	if disputed != nil {
		s.publishSettlementEvent(ctx, "settlement.disputed", disputed, reason)
	}
	return nil
}

// ResolveDispute returns a disputed settlement to held (seller won). The
// losing-seller path goes through RequestRefund instead.
func (s *Service) ResolveDispute(ctx context.Context, id uuid.UUID, note string) error {
	var resolved *domain.SettlementTransaction

	err := s.tx.RunInTx(ctx, store.Serializable(), func(repo store.Repository) error {
		t, err := repo.GetSettlementForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if t.Status != domain.StatusDisputed {
			return fmt.Errorf("%w: transaction %s is %s, not disputed", ErrInvalidTransition, t.ID, t.Status)
		}
		if err := transition(t, domain.StatusHeld); err != nil {
			return err
		}
		if err := repo.UpdateSettlement(ctx, t, "dispute resolved for seller: "+note); err != nil {
			return err
		}
		resolved = t
		return nil
	})
	if err != nil {
		return err
	}

	s.publishSettlementEvent(ctx, "settlement.held", resolved, "dispute resolved")
	return nil
}

// CancelOrderSettlements voids every cancellable settlement on an order.
// Transactions already processing or terminal are skipped with a log line;
// money in flight at the gateway cannot be cancelled locally.
func (s *Service) CancelOrderSettlements(ctx context.Context, orderID uuid.UUID, reason string) error {
	var cancelled []domain.SettlementTransaction

	err := s.tx.RunInTx(ctx, store.Serializable(), func(repo store.Repository) error {
		cancelled = cancelled[:0]
		transactions, err := repo.FindSettlementsByOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}

		for i := range transactions {
			t := &transactions[i]
			switch t.Status {
			case domain.StatusPending, domain.StatusHeld:
				if err := markCancelled(t, reason); err != nil {
					return err
				}
				if err := repo.UpdateSettlement(ctx, t, "cancelled: "+reason); err != nil {
					return err
				}
				cancelled = append(cancelled, *t)
			default:
				log.Printf("level=info component=settlement_service msg=\"skipping non-cancellable transaction\" transaction_id=%s status=%s order_id=%s", t.ID, t.Status, orderID)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for i := range cancelled {
		s.publishSettlementEvent(ctx, "settlement.cancelled", &cancelled[i], reason)
	}
	return nil
}

func availableBalances(balance *gatewayclient.Balance) []domain.CurrencyBalance {
	if balance == nil {
		return nil
	}
	out := make([]domain.CurrencyBalance, 0, len(balance.Available))
	for _, b := range balance.Available {
		out = append(out, domain.CurrencyBalance{
			Currency:  normalizeCurrencyCode(b.Currency),
			Available: b.Amount,
		})
	}
	return out
}
