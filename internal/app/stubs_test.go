package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/vendora/settlement-service/internal/domain"
	"github.com/vendora/settlement-service/internal/store"
	"github.com/vendora/settlement-service/pkg/gatewayclient"
)

// memRepo is an in-memory Repository used across the service tests. It copies
// rows on read and write the way the database does, so forgetting an
// UpdateSettlement call fails the test instead of passing by aliasing.
type memRepo struct {
	store.Repository

	settlements map[uuid.UUID]*domain.SettlementTransaction
	accounts    map[uuid.UUID]*domain.SellerPayoutAccount
	rates       map[string]*domain.ExchangeRateSnapshot
	orderTotals map[uuid.UUID][]domain.OrderSellerTotal
	payouts     map[uuid.UUID]*domain.Payout
	payoutItems map[uuid.UUID][]domain.PayoutItem
}

func newMemRepo() *memRepo {
	return &memRepo{
		settlements: make(map[uuid.UUID]*domain.SettlementTransaction),
		accounts:    make(map[uuid.UUID]*domain.SellerPayoutAccount),
		rates:       make(map[string]*domain.ExchangeRateSnapshot),
		orderTotals: make(map[uuid.UUID][]domain.OrderSellerTotal),
		payouts:     make(map[uuid.UUID]*domain.Payout),
		payoutItems: make(map[uuid.UUID][]domain.PayoutItem),
	}
}

func (r *memRepo) put(t domain.SettlementTransaction) {
	copied := t
	r.settlements[t.ID] = &copied
}

func rateKey(base, target string) string { return base + "->" + target }

func (r *memRepo) putRate(base, target string, snapshot domain.ExchangeRateSnapshot) {
	snapshot.BaseCurrency = base
	snapshot.TargetCurrency = target
	r.rates[rateKey(base, target)] = &snapshot
}

func (r *memRepo) CreateSettlementTransaction(ctx context.Context, t *domain.SettlementTransaction) error {
	if err := t.CheckAmounts(); err != nil {
		return err
	}
	for _, existing := range r.settlements {
		if existing.PaymentIntentRef == t.PaymentIntentRef && existing.SellerID == t.SellerID {
			return store.ErrDuplicateSettlement
		}
	}
	r.put(*t)
	return nil
}

func (r *memRepo) GetSettlement(ctx context.Context, id uuid.UUID) (*domain.SettlementTransaction, error) {
	t, ok := r.settlements[id]
	if !ok {
		return nil, store.ErrSettlementNotFound
	}
	copied := *t
	return &copied, nil
}

func (r *memRepo) GetSettlementForUpdate(ctx context.Context, id uuid.UUID) (*domain.SettlementTransaction, error) {
	return r.GetSettlement(ctx, id)
}

func (r *memRepo) FindSettlementsByOrderForUpdate(ctx context.Context, orderID uuid.UUID) ([]domain.SettlementTransaction, error) {
	var out []domain.SettlementTransaction
	for _, t := range r.settlements {
		if t.OrderID == orderID {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (r *memRepo) FindSettlementByTransferRefForUpdate(ctx context.Context, transferRef string) (*domain.SettlementTransaction, error) {
	for _, t := range r.settlements {
		if t.TransferRef != nil && *t.TransferRef == transferRef {
			copied := *t
			return &copied, nil
		}
	}
	return nil, store.ErrSettlementNotFound
}

func (r *memRepo) SettlementExistsForPaymentIntent(ctx context.Context, paymentIntentRef string) (bool, error) {
	for _, t := range r.settlements {
		if t.PaymentIntentRef == paymentIntentRef {
			return true, nil
		}
	}
	return false, nil
}

func (r *memRepo) UpdateSettlement(ctx context.Context, t *domain.SettlementTransaction, note string) error {
	if _, ok := r.settlements[t.ID]; !ok {
		return store.ErrSettlementNotFound
	}
	if err := t.CheckAmounts(); err != nil {
		return err
	}
	if note != "" {
		if t.Notes != "" {
			t.Notes += "\n"
		}
		t.Notes += note
	}
	r.put(*t)
	return nil
}

func (r *memRepo) ListSettlementsBySeller(ctx context.Context, sellerID uuid.UUID, limit, offset int) ([]domain.SettlementTransaction, error) {
	var out []domain.SettlementTransaction
	for _, t := range r.settlements {
		if t.SellerID == sellerID {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (r *memRepo) ListDueForRelease(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	var out []uuid.UUID
	for _, t := range r.settlements {
		if t.Status == domain.StatusHeld && t.PlannedReleaseDate != nil && !now.Before(*t.PlannedReleaseDate) {
			out = append(out, t.ID)
		}
	}
	return out, nil
}

func (r *memRepo) ListStuckProcessing(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	var out []uuid.UUID
	for _, t := range r.settlements {
		if t.Status == domain.StatusProcessing && t.ReviewFlaggedAt == nil && t.UpdatedAt.Before(cutoff) {
			out = append(out, t.ID)
		}
	}
	return out, nil
}

func (r *memRepo) ListExpiredPendingOrders(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	seen := make(map[uuid.UUID]bool)
	var out []uuid.UUID
	for _, t := range r.settlements {
		if t.Status == domain.StatusPending && t.CreatedAt.Before(cutoff) && !seen[t.OrderID] {
			seen[t.OrderID] = true
			out = append(out, t.OrderID)
		}
	}
	return out, nil
}

func (r *memRepo) ListReleasedUnpaidOut(ctx context.Context, sellerID uuid.UUID) ([]domain.SettlementTransaction, error) {
	var out []domain.SettlementTransaction
	for _, t := range r.settlements {
		if t.SellerID == sellerID && t.Status == domain.StatusReleased && !t.PayedOut {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (r *memRepo) CreatePayout(ctx context.Context, payout *domain.Payout, items []domain.PayoutItem) error {
	var sum int64
	for _, item := range items {
		sum += item.Amount
	}
	if sum != payout.TotalAmount {
		return fmt.Errorf("payout total %d does not match item sum %d", payout.TotalAmount, sum)
	}
	copied := *payout
	r.payouts[payout.ID] = &copied
	r.payoutItems[payout.ID] = append([]domain.PayoutItem(nil), items...)
	return nil
}

func (r *memRepo) GetPayoutByGatewayRefForUpdate(ctx context.Context, gatewayPayoutRef string) (*domain.Payout, error) {
	for _, p := range r.payouts {
		if p.GatewayPayoutRef != nil && *p.GatewayPayoutRef == gatewayPayoutRef {
			copied := *p
			return &copied, nil
		}
	}
	return nil, store.ErrPayoutNotFound
}

func (r *memRepo) UpdatePayout(ctx context.Context, payout *domain.Payout) error {
	if _, ok := r.payouts[payout.ID]; !ok {
		return store.ErrPayoutNotFound
	}
	copied := *payout
	r.payouts[payout.ID] = &copied
	return nil
}

func (r *memRepo) ListPayoutItems(ctx context.Context, payoutID uuid.UUID) ([]domain.PayoutItem, error) {
	return append([]domain.PayoutItem(nil), r.payoutItems[payoutID]...), nil
}

func (r *memRepo) ResetPayedOutForPayout(ctx context.Context, payoutID uuid.UUID, note string) (int64, error) {
	var n int64
	for _, t := range r.settlements {
		if t.PayoutID != nil && *t.PayoutID == payoutID && t.PayedOut {
			t.PayedOut = false
			t.PayoutID = nil
			if t.Notes != "" {
				t.Notes += "\n"
			}
			t.Notes += note
			n++
		}
	}
	return n, nil
}

func (r *memRepo) GetSellerPayoutAccount(ctx context.Context, sellerID uuid.UUID) (*domain.SellerPayoutAccount, error) {
	a, ok := r.accounts[sellerID]
	if !ok {
		return nil, store.ErrSellerAccountNotFound
	}
	copied := *a
	return &copied, nil
}

func (r *memRepo) UpdateSellerPayoutAccountByGatewayID(ctx context.Context, account domain.SellerPayoutAccount) error {
	for sellerID, existing := range r.accounts {
		if existing.GatewayAccountID == account.GatewayAccountID {
			account.SellerID = sellerID
			r.accounts[sellerID] = &account
			return nil
		}
	}
	return store.ErrSellerAccountNotFound
}

func (r *memRepo) GetOrderSellerTotals(ctx context.Context, orderID uuid.UUID) ([]domain.OrderSellerTotal, error) {
	totals, ok := r.orderTotals[orderID]
	if !ok {
		return nil, store.ErrOrderNotFound
	}
	return totals, nil
}

func (r *memRepo) InsertExchangeRateSnapshot(ctx context.Context, snapshot domain.ExchangeRateSnapshot) error {
	r.putRate(snapshot.BaseCurrency, snapshot.TargetCurrency, snapshot)
	return nil
}

func (r *memRepo) LatestExchangeRate(ctx context.Context, base, target string) (*domain.ExchangeRateSnapshot, error) {
	s, ok := r.rates[rateKey(base, target)]
	if !ok {
		return nil, store.ErrExchangeRateNotFound
	}
	copied := *s
	return &copied, nil
}

// passTxRunner runs the unit of work directly against the stub repository.
type passTxRunner struct {
	repo store.Repository
}

func (r passTxRunner) RunInTx(ctx context.Context, opts pgx.TxOptions, fn func(repo store.Repository) error) error {
	return fn(r.repo)
}

// stubGateway records requests and returns canned responses.
type stubGateway struct {
	transfers       []gatewayclient.TransferRequest
	refunds         []gatewayclient.RefundRequest
	transferErr     error
	balance         *gatewayclient.Balance
	balanceErr      error
	checkoutSession *gatewayclient.CheckoutSession
}

func (g *stubGateway) CreateTransfer(ctx context.Context, req gatewayclient.TransferRequest) (*gatewayclient.Transfer, error) {
	if g.transferErr != nil {
		return nil, g.transferErr
	}
	g.transfers = append(g.transfers, req)
	return &gatewayclient.Transfer{
		ID:          fmt.Sprintf("tr_%03d", len(g.transfers)),
		Amount:      req.Amount,
		Currency:    req.Currency,
		Destination: req.Destination,
		Created:     time.Now().Unix(),
	}, nil
}

func (g *stubGateway) CreateRefund(ctx context.Context, req gatewayclient.RefundRequest) (*gatewayclient.Refund, error) {
	g.refunds = append(g.refunds, req)
	return &gatewayclient.Refund{
		ID:     fmt.Sprintf("re_%03d", len(g.refunds)),
		Amount: req.Amount,
		Status: "pending",
	}, nil
}

func (g *stubGateway) RetrieveCheckoutSession(ctx context.Context, id string) (*gatewayclient.CheckoutSession, error) {
	if g.checkoutSession != nil {
		return g.checkoutSession, nil
	}
	return nil, fmt.Errorf("no such session: %s", id)
}

func (g *stubGateway) GetBalance(ctx context.Context) (*gatewayclient.Balance, error) {
	if g.balanceErr != nil {
		return nil, g.balanceErr
	}
	if g.balance != nil {
		return g.balance, nil
	}
	return &gatewayclient.Balance{}, nil
}

// recordingPublisher captures published events.
type recordingPublisher struct {
	routingKeys []string
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.routingKeys = append(p.routingKeys, routingKey)
	return nil
}

func (p *recordingPublisher) Close() {}

func newTestService(repo *memRepo) (*Service, *stubGateway, *recordingPublisher) {
	gateway := &stubGateway{}
	publisher := &recordingPublisher{}
	service := NewService(repo, passTxRunner{repo: repo}, gateway, publisher, Params{
		HoldDuration:    30 * 24 * time.Hour,
		RateFreshness:   24 * time.Hour,
		ProcessingGrace: 48 * time.Hour,
		PaymentTimeout:  24 * time.Hour,
		Fees: domain.FeeSchedule{
			PlatformPercent:   10.0,
			GatewayPercent:    2.9,
			GatewayFixedMinor: 30,
		},
	})
	return service, gateway, publisher
}

func heldSettlement(releasableSince time.Duration) domain.SettlementTransaction {
	now := time.Now().UTC()
	holdStart := now.Add(-releasableSince - 30*24*time.Hour)
	planned := now.Add(-releasableSince)
	return domain.SettlementTransaction{
		ID:                 uuid.New(),
		OrderID:            uuid.New(),
		SellerID:           uuid.New(),
		BuyerID:            uuid.New(),
		GrossAmount:        9380,
		PlatformFee:        938,
		GatewayFee:         302,
		NetAmount:          8140,
		Currency:           "USD",
		Status:             domain.StatusHeld,
		HoldStartDate:      &holdStart,
		PlannedReleaseDate: &planned,
		PaymentIntentRef:   "pi_" + uuid.NewString()[:8],
		CheckoutSessionRef: "cs_" + uuid.NewString()[:8],
	}
}

func transferableAccount(sellerID uuid.UUID) *domain.SellerPayoutAccount {
	return &domain.SellerPayoutAccount{
		SellerID:         sellerID,
		GatewayAccountID: "acct_" + sellerID.String()[:8],
		DetailsSubmitted: true,
		ChargesEnabled:   true,
		PayoutsEnabled:   true,
		UpdatedAt:        time.Now().UTC(),
	}
}
