package exchange_test

import (
	"testing"

	"github.com/shopspring/decimal"

	"liqkeeper/internal/exchange"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func fixedPremiumTcs() exchange.TokenConditionalSwap {
	return exchange.TokenConditionalSwap{
		ID:               1,
		MaxBuy:           1000,
		MaxSell:          2000,
		ExpiryTimestamp:  5000,
		PriceLowerLimit:  dec("100"),
		PriceUpperLimit:  dec("200"),
		PricePremiumRate: dec("0.01"),
		TakerFeeRate:     dec("0.001"),
		MakerFeeRate:     dec("0.0005"),
		BuyTokenIndex:    1,
		SellTokenIndex:   0,
		IsConfigured:     true,
		Type:             exchange.TcsFixedPremium,
	}
}

func TestTcsFixedPremiumTriggerable(t *testing.T) {
	tcs := fixedPremiumTcs()

	if !tcs.IsTriggerable(dec("150"), 1000) {
		t.Error("expected triggerable with price inside the band")
	}
	if tcs.IsTriggerable(dec("99"), 1000) {
		t.Error("expected not triggerable below the band")
	}
	if tcs.IsTriggerable(dec("201"), 1000) {
		t.Error("expected not triggerable above the band")
	}
	if tcs.IsTriggerable(dec("150"), 5000) {
		t.Error("expected not triggerable at expiry")
	}
	if tcs.IsStartable(dec("150"), 1000) {
		t.Error("fixed premium swaps are never startable")
	}
}

func TestTcsNoExpiry(t *testing.T) {
	tcs := fixedPremiumTcs()
	tcs.ExpiryTimestamp = exchange.TcsNoExpiry

	if tcs.IsExpired(1 << 60) {
		t.Error("max expiry timestamp must mean never expires")
	}
}

func TestTcsFixedPremiumPrice(t *testing.T) {
	tcs := fixedPremiumTcs()

	got := tcs.PremiumPrice(dec("150"), 1000)
	if !got.Equal(dec("151.5")) {
		t.Errorf("premium price = %s, want 151.5", got)
	}

	taker := tcs.TakerPrice(got)
	if !taker.Equal(dec("151.3485")) {
		t.Errorf("taker price = %s, want 151.3485", taker)
	}

	maker := tcs.MakerPrice(got)
	if !maker.Equal(dec("151.57575")) {
		t.Errorf("maker price = %s, want 151.57575", maker)
	}
}

func TestTcsPremiumAuctionRamp(t *testing.T) {
	tcs := fixedPremiumTcs()
	tcs.Type = exchange.TcsPremiumAuction
	tcs.PricePremiumRate = dec("0.1")
	tcs.StartTimestamp = 1000
	tcs.DurationSeconds = 100

	// At start, no premium yet.
	if got := tcs.PremiumPrice(dec("200"), 1000); !got.Equal(dec("200")) {
		t.Errorf("premium price at start = %s, want 200", got)
	}
	// Halfway, half of the premium.
	if got := tcs.PremiumPrice(dec("200"), 1050); !got.Equal(dec("210")) {
		t.Errorf("premium price halfway = %s, want 210", got)
	}
	// After the duration the premium stays at the full rate.
	if got := tcs.PremiumPrice(dec("200"), 1300); !got.Equal(dec("220")) {
		t.Errorf("premium price after end = %s, want 220", got)
	}
}

func TestTcsPremiumAuctionStart(t *testing.T) {
	tcs := fixedPremiumTcs()
	tcs.Type = exchange.TcsPremiumAuction
	tcs.DurationSeconds = 100

	if !tcs.IsStartable(dec("150"), 1000) {
		t.Error("unstarted auction with price in band must be startable")
	}
	if tcs.IsStartable(dec("99"), 1000) {
		t.Error("auction must not start outside the band")
	}
	if tcs.IsTriggerable(dec("150"), 1000) {
		t.Error("unstarted premium auction must not be triggerable")
	}

	tcs.StartTimestamp = 900
	if tcs.IsStartable(dec("150"), 1000) {
		t.Error("started auction must not be startable again")
	}
	if !tcs.IsTriggerable(dec("150"), 1000) {
		t.Error("started premium auction in band must be triggerable")
	}
}

func TestTcsLinearAuctionPrice(t *testing.T) {
	tcs := fixedPremiumTcs()
	tcs.Type = exchange.TcsLinearAuction
	tcs.StartTimestamp = 1000
	tcs.DurationSeconds = 100

	// Linear auctions ignore the oracle price entirely.
	if got := tcs.PremiumPrice(dec("999999"), 1000); !got.Equal(dec("100")) {
		t.Errorf("linear price at start = %s, want 100", got)
	}
	if got := tcs.PremiumPrice(decimal.Zero, 1050); !got.Equal(dec("150")) {
		t.Errorf("linear price halfway = %s, want 150", got)
	}
	if got := tcs.PremiumPrice(decimal.Zero, 2000); !got.Equal(dec("200")) {
		t.Errorf("linear price after end = %s, want 200", got)
	}

	// Triggerable on time alone, even far outside the band.
	if !tcs.IsTriggerable(dec("5"), 1050) {
		t.Error("started linear auction must be triggerable regardless of price")
	}
	if tcs.IsTriggerable(dec("150"), 999) {
		t.Error("linear auction must not trigger before its start")
	}
}

func TestTcsRemainingAmounts(t *testing.T) {
	tcs := fixedPremiumTcs()
	tcs.Bought = 300
	tcs.Sold = 2500

	if got := tcs.RemainingBuy(); got != 700 {
		t.Errorf("remaining buy = %d, want 700", got)
	}
	// Sold past the cap must clamp to zero, not wrap.
	if got := tcs.RemainingSell(); got != 0 {
		t.Errorf("remaining sell = %d, want 0", got)
	}
}

func TestTcsMaxForPosition(t *testing.T) {
	tcs := fixedPremiumTcs()
	tcs.Bought = 200 // remaining buy 800
	bank := &exchange.Bank{}

	// Without deposit creation, buying only covers the existing borrow.
	if got := tcs.MaxBuyForPosition(dec("-300"), bank); got != 300 {
		t.Errorf("max buy against borrow = %d, want 300", got)
	}
	if got := tcs.MaxBuyForPosition(dec("50"), bank); got != 0 {
		t.Errorf("max buy with deposit = %d, want 0", got)
	}
	tcs.AllowCreatingDeposits = true
	if got := tcs.MaxBuyForPosition(dec("50"), bank); got != 800 {
		t.Errorf("max buy with deposits allowed = %d, want 800", got)
	}

	// Without borrow creation, selling stops at the deposit balance.
	if got := tcs.MaxSellForPosition(dec("1500"), bank); got != 1500 {
		t.Errorf("max sell within deposit = %d, want 1500", got)
	}
	if got := tcs.MaxSellForPosition(dec("-10"), bank); got != 0 {
		t.Errorf("max sell against borrow = %d, want 0", got)
	}
	tcs.AllowCreatingBorrows = true
	if got := tcs.MaxSellForPosition(dec("-10"), bank); got != 2000 {
		t.Errorf("max sell with borrows allowed = %d, want 2000", got)
	}
}
