/**
 * @description
 * The currency conversion selector. Given the settlement currency, the net
 * amount, and the platform's per-currency gateway balances, it decides which
 * currency a transfer should be issued in. Same-currency funds always win; a
 * conversion is only taken on a fresh exchange-rate snapshot. Stale or missing
 * rate data blocks the transfer rather than guessing with old prices.
 */

package app

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vendora/settlement-service/internal/domain"
	"github.com/vendora/settlement-service/internal/store"
)

// SelectTransferCurrency picks the currency to issue a transfer in. Exported
// for operator tooling; the release path calls the repo-scoped variant so the
// decision reads rates inside the surrounding transaction.
func (s *Service) SelectTransferCurrency(ctx context.Context, preferred string, requiredMinor int64, balances []domain.CurrencyBalance) (*domain.ConversionDecision, error) {
	return s.selectTransferCurrency(ctx, s.repo, preferred, requiredMinor, balances, time.Now().UTC())
}

func (s *Service) selectTransferCurrency(ctx context.Context, repo store.Repository, preferred string, requiredMinor int64, balances []domain.CurrencyBalance, now time.Time) (*domain.ConversionDecision, error) {
	preferred = normalizeCurrencyCode(preferred)

	// Same-currency funds need no rate at all.
	var preferredAvailable int64
	for _, b := range balances {
		if b.Currency != preferred {
			continue
		}
		preferredAvailable = b.Available
		if b.Available >= requiredMinor {
			return &domain.ConversionDecision{
				Currency:  preferred,
				Amount:    requiredMinor,
				Converted: false,
			}, nil
		}
	}

	// Candidates in a deterministic order so retries pick the same bucket.
	candidates := make([]domain.CurrencyBalance, 0, len(balances))
	for _, b := range balances {
		if b.Currency != preferred {
			candidates = append(candidates, b)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Currency < candidates[j].Currency
	})

	shortfall := &InsufficientBalanceError{
		Currency:  preferred,
		Required:  requiredMinor,
		Available: preferredAvailable,
	}
	var rateGap *ExchangeRateUnavailableError
	sawFreshCandidate := false

	for _, candidate := range candidates {
		snapshot, err := repo.LatestExchangeRate(ctx, preferred, candidate.Currency)
		if errors.Is(err, store.ErrExchangeRateNotFound) {
			if rateGap == nil {
				rateGap = &ExchangeRateUnavailableError{Base: preferred, Target: candidate.Currency}
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		if !snapshot.FreshAt(now, s.params.RateFreshness) {
			if rateGap == nil {
				rateGap = &ExchangeRateUnavailableError{
					Base:   preferred,
					Target: candidate.Currency,
					Age:    now.Sub(snapshot.CapturedAt),
				}
			}
			continue
		}

		sawFreshCandidate = true

		// Standard rounding to the minor unit of the target currency.
		converted := decimal.NewFromInt(requiredMinor).Mul(snapshot.Rate).Round(0).IntPart()
		if candidate.Available >= converted {
			return &domain.ConversionDecision{
				Currency:  candidate.Currency,
				Amount:    converted,
				Converted: true,
				Rate:      snapshot.Rate,
			}, nil
		}
		if converted-candidate.Available < shortfall.Required-shortfall.Available {
			shortfall = &InsufficientBalanceError{
				Currency:  candidate.Currency,
				Required:  converted,
				Available: candidate.Available,
			}
		}
	}

	// A fresh rate that still left us short is an insufficient-balance problem;
	// only report a rate gap when missing/stale data hid a candidate entirely.
	if sawFreshCandidate || rateGap == nil {
		return nil, shortfall
	}
	return nil, rateGap
}

func normalizeCurrencyCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
