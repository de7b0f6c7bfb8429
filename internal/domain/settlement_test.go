package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestFeeScheduleApply(t *testing.T) {
	fees := FeeSchedule{PlatformPercent: 10.0, GatewayPercent: 2.9, GatewayFixedMinor: 30}

	// $93.80 gross: platform 938, gateway 272+30, net 8140.
	platform, gateway, net, err := fees.Apply(9380)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if platform != 938 {
		t.Errorf("platform fee: got %d, want 938", platform)
	}
	if gateway != 302 {
		t.Errorf("gateway fee: got %d, want 302", gateway)
	}
	if net != 8140 {
		t.Errorf("net: got %d, want 8140", net)
	}
	if net != 9380-platform-gateway {
		t.Error("fee invariant violated")
	}
}

func TestFeeScheduleApply_StandardOrderScenario(t *testing.T) {
	fees := FeeSchedule{PlatformPercent: 3.0, GatewayPercent: 2.9, GatewayFixedMinor: 30}

	// $100.00 gross: platform 300, gateway 290+30, seller nets $93.80.
	platform, gateway, net, err := fees.Apply(10000)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if platform != 300 || gateway != 320 || net != 9380 {
		t.Errorf("fee split: platform=%d gateway=%d net=%d, want 300/320/9380", platform, gateway, net)
	}
}

func TestFeeScheduleApply_RoundsHalfUp(t *testing.T) {
	fees := FeeSchedule{PlatformPercent: 2.5}

	// 2.5% of 101 is 2.525, which rounds to 3, not down to 2.
	platform, _, net, err := fees.Apply(101)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if platform != 3 {
		t.Errorf("expected half-up rounding to 3, got %d", platform)
	}
	if net != 98 {
		t.Errorf("net: got %d, want 98", net)
	}
}

func TestFeeScheduleApply_FeesExceedingGrossRejected(t *testing.T) {
	fees := FeeSchedule{PlatformPercent: 10.0, GatewayFixedMinor: 100}
	if _, _, _, err := fees.Apply(50); err == nil {
		t.Fatal("expected error when fees exceed gross")
	}
}

func TestCheckAmounts(t *testing.T) {
	valid := SettlementTransaction{GrossAmount: 9380, PlatformFee: 938, GatewayFee: 302, NetAmount: 8140}
	if err := valid.CheckAmounts(); err != nil {
		t.Fatalf("valid amounts rejected: %v", err)
	}

	broken := SettlementTransaction{GrossAmount: 9380, PlatformFee: 938, GatewayFee: 302, NetAmount: 8000}
	if err := broken.CheckAmounts(); err == nil {
		t.Fatal("mismatched net must be rejected")
	}

	negative := SettlementTransaction{GrossAmount: 100, PlatformFee: 80, GatewayFee: 50, NetAmount: -30}
	if err := negative.CheckAmounts(); err == nil {
		t.Fatal("negative net must be rejected")
	}
}

func TestStatusTerminal(t *testing.T) {
	terminal := []SettlementStatus{StatusCompleted, StatusCancelled, StatusRefunded, StatusFailed}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	live := []SettlementStatus{
		StatusPending, StatusHeld, StatusProcessing, StatusReleased,
		StatusDisputed, StatusWaitingRefund, StatusFailedRefund,
	}
	for _, s := range live {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestExchangeRateFreshAt(t *testing.T) {
	now := time.Now().UTC()
	snapshot := ExchangeRateSnapshot{
		Rate:       decimal.RequireFromString("1.1"),
		CapturedAt: now.Add(-23 * time.Hour),
	}
	if !snapshot.FreshAt(now, 24*time.Hour) {
		t.Error("23h old snapshot should be fresh under a 24h threshold")
	}
	if snapshot.FreshAt(now, 22*time.Hour) {
		t.Error("23h old snapshot should be stale under a 22h threshold")
	}
}

func TestSellerPayoutAccountTransferable(t *testing.T) {
	ready := &SellerPayoutAccount{GatewayAccountID: "acct_1", DetailsSubmitted: true, PayoutsEnabled: true}
	if !ready.Transferable() {
		t.Error("fully onboarded account should be transferable")
	}

	cases := []*SellerPayoutAccount{
		nil,
		{DetailsSubmitted: true, PayoutsEnabled: true},
		{GatewayAccountID: "acct_2", PayoutsEnabled: true},
		{GatewayAccountID: "acct_3", DetailsSubmitted: true},
	}
	for i, a := range cases {
		if a.Transferable() {
			t.Errorf("case %d should not be transferable", i)
		}
	}
}
