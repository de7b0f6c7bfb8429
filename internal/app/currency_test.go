package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vendora/settlement-service/internal/domain"
)

func freshRate(rate string) domain.ExchangeRateSnapshot {
	return domain.ExchangeRateSnapshot{
		Rate:       decimal.RequireFromString(rate),
		CapturedAt: time.Now().UTC().Add(-1 * time.Hour),
		Source:     "test",
	}
}

func staleRate(rate string, age time.Duration) domain.ExchangeRateSnapshot {
	return domain.ExchangeRateSnapshot{
		Rate:       decimal.RequireFromString(rate),
		CapturedAt: time.Now().UTC().Add(-age),
		Source:     "test",
	}
}

func TestSelectTransferCurrency_PreferredCurrencyWins(t *testing.T) {
	repo := newMemRepo()
	service, _, _ := newTestService(repo)

	// A fresh rate exists but must not be used when EUR itself suffices.
	repo.putRate("EUR", "USD", freshRate("1.1"))

	decision, err := service.SelectTransferCurrency(context.Background(), "EUR", 2500, []domain.CurrencyBalance{
		{Currency: "USD", Available: 1000000},
		{Currency: "EUR", Available: 3000},
	})
	if err != nil {
		t.Fatalf("SelectTransferCurrency: %v", err)
	}
	if decision.Converted || decision.Currency != "EUR" || decision.Amount != 2500 {
		t.Fatalf("expected unconverted 2500 EUR, got %+v", decision)
	}
}

func TestSelectTransferCurrency_ConvertsWithFreshRate(t *testing.T) {
	repo := newMemRepo()
	service, _, _ := newTestService(repo)

	// 25.00 EUR at 1.10 is exactly 27.50 USD.
	repo.putRate("EUR", "USD", freshRate("1.1"))

	decision, err := service.SelectTransferCurrency(context.Background(), "EUR", 2500, []domain.CurrencyBalance{
		{Currency: "EUR", Available: 100},
		{Currency: "USD", Available: 5000},
	})
	if err != nil {
		t.Fatalf("SelectTransferCurrency: %v", err)
	}
	if !decision.Converted || decision.Currency != "USD" {
		t.Fatalf("expected conversion to USD, got %+v", decision)
	}
	if decision.Amount != 2750 {
		t.Fatalf("expected 2750 cents, got %d", decision.Amount)
	}
}

func TestRecordExchangeRate_NormalizesCurrencyCodes(t *testing.T) {
	repo := newMemRepo()
	service, _, _ := newTestService(repo)

	snapshot := freshRate("1.1")
	snapshot.BaseCurrency = "eur"
	snapshot.TargetCurrency = "usd"
	if err := service.RecordExchangeRate(context.Background(), snapshot); err != nil {
		t.Fatalf("RecordExchangeRate: %v", err)
	}

	decision, err := service.SelectTransferCurrency(context.Background(), "EUR", 2500, []domain.CurrencyBalance{
		{Currency: "USD", Available: 5000},
	})
	if err != nil {
		t.Fatalf("a rate posted in lower case must be visible to the selector: %v", err)
	}
	if !decision.Converted || decision.Currency != "USD" || decision.Amount != 2750 {
		t.Fatalf("expected conversion to 2750 USD cents, got %+v", decision)
	}
}

func TestSelectTransferCurrency_RoundsHalfUp(t *testing.T) {
	repo := newMemRepo()
	service, _, _ := newTestService(repo)

	// 1001 * 1.0785 = 1079.5785, which rounds to 1080, not down to 1079.
	repo.putRate("EUR", "USD", freshRate("1.0785"))

	decision, err := service.SelectTransferCurrency(context.Background(), "EUR", 1001, []domain.CurrencyBalance{
		{Currency: "USD", Available: 10000},
	})
	if err != nil {
		t.Fatalf("SelectTransferCurrency: %v", err)
	}
	if decision.Amount != 1080 {
		t.Fatalf("expected standard rounding to 1080, got %d", decision.Amount)
	}
}

func TestSelectTransferCurrency_StaleRateBlocks(t *testing.T) {
	repo := newMemRepo()
	service, _, _ := newTestService(repo)

	repo.putRate("EUR", "USD", staleRate("1.1", 48*time.Hour))

	_, err := service.SelectTransferCurrency(context.Background(), "EUR", 2500, []domain.CurrencyBalance{
		{Currency: "EUR", Available: 100},
		{Currency: "USD", Available: 1000000},
	})
	if !errors.Is(err, ErrExchangeRateUnavailable) {
		t.Fatalf("expected ErrExchangeRateUnavailable, got %v", err)
	}
	var detail *ExchangeRateUnavailableError
	if !errors.As(err, &detail) {
		t.Fatalf("expected ExchangeRateUnavailableError detail, got %T", err)
	}
	if detail.Base != "EUR" || detail.Target != "USD" || detail.Age < 47*time.Hour {
		t.Fatalf("unexpected detail: %+v", detail)
	}
}

func TestSelectTransferCurrency_MissingRateBlocks(t *testing.T) {
	repo := newMemRepo()
	service, _, _ := newTestService(repo)

	_, err := service.SelectTransferCurrency(context.Background(), "EUR", 2500, []domain.CurrencyBalance{
		{Currency: "USD", Available: 1000000},
	})
	if !errors.Is(err, ErrExchangeRateUnavailable) {
		t.Fatalf("expected ErrExchangeRateUnavailable, got %v", err)
	}
}

func TestSelectTransferCurrency_InsufficientEverywhereReportsShortfall(t *testing.T) {
	repo := newMemRepo()
	service, _, _ := newTestService(repo)

	repo.putRate("EUR", "USD", freshRate("1.1"))

	_, err := service.SelectTransferCurrency(context.Background(), "EUR", 2500, []domain.CurrencyBalance{
		{Currency: "EUR", Available: 1000},
		{Currency: "USD", Available: 2000},
	})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	var detail *InsufficientBalanceError
	if !errors.As(err, &detail) {
		t.Fatalf("expected InsufficientBalanceError detail, got %T", err)
	}
	// USD needs 2750 against 2000: a 750 shortfall, closer than EUR's 1500.
	if detail.Currency != "USD" || detail.Required != 2750 || detail.Available != 2000 {
		t.Fatalf("unexpected shortfall detail: %+v", detail)
	}
}

func TestSelectTransferCurrency_FreshShortfallBeatsStaleGap(t *testing.T) {
	repo := newMemRepo()
	service, _, _ := newTestService(repo)

	repo.putRate("EUR", "GBP", staleRate("0.85", 72*time.Hour))
	repo.putRate("EUR", "USD", freshRate("1.1"))

	_, err := service.SelectTransferCurrency(context.Background(), "EUR", 2500, []domain.CurrencyBalance{
		{Currency: "GBP", Available: 1000000},
		{Currency: "USD", Available: 100},
	})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("a fresh rate that came up short is a balance problem, got %v", err)
	}
}

func TestSelectTransferCurrency_DeterministicCandidateOrder(t *testing.T) {
	repo := newMemRepo()
	service, _, _ := newTestService(repo)

	repo.putRate("EUR", "GBP", freshRate("0.85"))
	repo.putRate("EUR", "USD", freshRate("1.1"))

	// Both candidates suffice; GBP wins on lexicographic order regardless of
	// the order the gateway listed the balances in.
	for _, balances := range [][]domain.CurrencyBalance{
		{{Currency: "USD", Available: 1000000}, {Currency: "GBP", Available: 1000000}},
		{{Currency: "GBP", Available: 1000000}, {Currency: "USD", Available: 1000000}},
	} {
		decision, err := service.SelectTransferCurrency(context.Background(), "EUR", 2500, balances)
		if err != nil {
			t.Fatalf("SelectTransferCurrency: %v", err)
		}
		if decision.Currency != "GBP" {
			t.Fatalf("expected deterministic GBP pick, got %s", decision.Currency)
		}
		if decision.Amount != 2125 {
			t.Fatalf("expected 2125 pence, got %d", decision.Amount)
		}
	}
}
