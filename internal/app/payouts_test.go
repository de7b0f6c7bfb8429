package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/vendora/settlement-service/internal/domain"
)

func releasedSettlement(sellerID uuid.UUID, net int64, currency string) domain.SettlementTransaction {
	tx := heldSettlement(time.Hour)
	tx.SellerID = sellerID
	tx.Status = domain.StatusReleased
	tx.GrossAmount = net
	tx.PlatformFee = 0
	tx.GatewayFee = 0
	tx.NetAmount = net
	tx.Currency = currency
	released := time.Now().UTC().Add(-time.Hour)
	tx.ActualReleaseDate = &released
	return tx
}

func TestBuildPayout_GroupsReleasedTransactions(t *testing.T) {
	repo := newMemRepo()
	service, _, publisher := newTestService(repo)

	sellerID := uuid.New()
	a := releasedSettlement(sellerID, 8140, "USD")
	b := releasedSettlement(sellerID, 5200, "USD")
	repo.put(a)
	repo.put(b)

	// Already grouped and held rows must be ignored.
	grouped := releasedSettlement(sellerID, 999, "USD")
	grouped.PayedOut = true
	existing := uuid.New()
	grouped.PayoutID = &existing
	repo.put(grouped)
	stillHeld := heldSettlement(time.Hour)
	stillHeld.SellerID = sellerID
	repo.put(stillHeld)

	payout, err := service.BuildPayout(context.Background(), sellerID)
	if err != nil {
		t.Fatalf("BuildPayout: %v", err)
	}

	if payout.TotalAmount != 13340 {
		t.Fatalf("expected total 13340, got %d", payout.TotalAmount)
	}
	if payout.Currency != "USD" || payout.Status != "pending" {
		t.Fatalf("unexpected payout header: %+v", payout)
	}

	items, _ := repo.ListPayoutItems(context.Background(), payout.ID)
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	var itemSum int64
	for _, item := range items {
		itemSum += item.Amount
		if item.OrderRef == "" || item.Description == "" {
			t.Error("items must carry denormalized order context")
		}
	}
	if itemSum != payout.TotalAmount {
		t.Fatalf("item sum %d must equal payout total %d", itemSum, payout.TotalAmount)
	}

	for _, id := range []uuid.UUID{a.ID, b.ID} {
		stored, _ := repo.GetSettlement(context.Background(), id)
		if !stored.PayedOut || stored.PayoutID == nil || *stored.PayoutID != payout.ID {
			t.Errorf("transaction %s must be marked grouped into %s", id, payout.ID)
		}
	}

	if len(publisher.routingKeys) != 1 || publisher.routingKeys[0] != "payout.created" {
		t.Fatalf("expected payout.created event, got %v", publisher.routingKeys)
	}
}

func TestBuildPayout_DefersOffCurrencyTransactions(t *testing.T) {
	repo := newMemRepo()
	service, _, _ := newTestService(repo)

	sellerID := uuid.New()
	usd := releasedSettlement(sellerID, 5000, "USD")
	eur := releasedSettlement(sellerID, 4000, "EUR")
	repo.put(usd)
	repo.put(eur)

	payout, err := service.BuildPayout(context.Background(), sellerID)
	if err != nil {
		t.Fatalf("BuildPayout: %v", err)
	}

	items, _ := repo.ListPayoutItems(context.Background(), payout.ID)
	if len(items) != 1 {
		t.Fatalf("expected a single-currency batch, got %d items", len(items))
	}

	deferredID := usd.ID
	if payout.Currency == "USD" {
		deferredID = eur.ID
	}
	deferred, _ := repo.GetSettlement(context.Background(), deferredID)
	if deferred.PayedOut {
		t.Fatal("off-currency transaction must stay eligible for its own batch")
	}
}

func TestBuildPayout_NothingEligible(t *testing.T) {
	repo := newMemRepo()
	service, _, _ := newTestService(repo)

	_, err := service.BuildPayout(context.Background(), uuid.New())
	if !errors.Is(err, ErrNothingToPayOut) {
		t.Fatalf("expected ErrNothingToPayOut, got %v", err)
	}
}
