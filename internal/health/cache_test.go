package health_test

import (
	"testing"

	"github.com/shopspring/decimal"

	"liqkeeper/internal/exchange"
	"liqkeeper/internal/health"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// approxEqual tolerates the rounding of long divisions.
func approxEqual(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().Cmp(dec("0.000001")) < 0
}

func mkToken(ti exchange.TokenIndex, oraclePrice, stablePrice, initAW, initLW, maintAW, maintLW, balance string) health.TokenInfo {
	return health.TokenInfo{
		TokenIndex:       ti,
		InitAssetWeight:  dec(initAW),
		InitLiabWeight:   dec(initLW),
		MaintAssetWeight: dec(maintAW),
		MaintLiabWeight:  dec(maintLW),
		Prices:           health.NewPrices(dec(oraclePrice), dec(stablePrice)),
		BalanceSpot:      dec(balance),
	}
}

func TestHealthSignDependentWeighting(t *testing.T) {
	c := &health.Cache{TokenInfos: []health.TokenInfo{
		mkToken(1, "2", "0", "0.9", "1.1", "0.8", "1.2", "100"),
	}}

	h, err := c.Health(exchange.HealthMaint)
	if err != nil {
		t.Fatal(err)
	}
	if !h.Equal(dec("160")) {
		t.Errorf("deposit maint health = %s, want 160", h)
	}

	c.TokenInfos[0].BalanceSpot = dec("-100")
	h, err = c.Health(exchange.HealthMaint)
	if err != nil {
		t.Fatal(err)
	}
	if !h.Equal(dec("-240")) {
		t.Errorf("borrow maint health = %s, want -240", h)
	}
}

func TestInitHealthClampsAgainstStablePrice(t *testing.T) {
	// Oracle above stable: deposits valued at the stable price, borrows at
	// the oracle price.
	c := &health.Cache{TokenInfos: []health.TokenInfo{
		mkToken(1, "2", "1", "0.9", "1.1", "0.8", "1.2", "100"),
	}}

	h, err := c.Health(exchange.HealthInit)
	if err != nil {
		t.Fatal(err)
	}
	if !h.Equal(dec("90")) {
		t.Errorf("deposit init health = %s, want 90", h)
	}

	c.TokenInfos[0].BalanceSpot = dec("-100")
	h, err = c.Health(exchange.HealthInit)
	if err != nil {
		t.Fatal(err)
	}
	if !h.Equal(dec("-220")) {
		t.Errorf("borrow init health = %s, want -220", h)
	}

	// Maint health ignores the stable price entirely.
	h, err = c.Health(exchange.HealthMaint)
	if err != nil {
		t.Fatal(err)
	}
	if !h.Equal(dec("-240")) {
		t.Errorf("borrow maint health = %s, want -240", h)
	}
}

func TestSpotReservedTakesWorseSettlementCase(t *testing.T) {
	c := &health.Cache{
		TokenInfos: []health.TokenInfo{
			mkToken(0, "1", "0", "1", "1", "1", "1", "0"),
			mkToken(1, "10", "0", "0.9", "1.1", "0.8", "1.2", "0"),
		},
		SpotInfos: []health.SpotInfo{{
			MarketIndex:    3,
			BaseInfoIndex:  1,
			QuoteInfoIndex: 0,
			ReservedBase:   dec("5"),
			ReservedQuote:  dec("0"),
		}},
	}

	// All-as-base: 5 * 0.8 * 10 = 40. All-as-quote: 50 * 1 * 1 = 50.
	h, err := c.Health(exchange.HealthMaint)
	if err != nil {
		t.Fatal(err)
	}
	if !h.Equal(dec("40")) {
		t.Errorf("reserved maint health = %s, want worst case 40", h)
	}
}

func TestSpotReservedOffsetsBorrowAtLiabWeight(t *testing.T) {
	c := &health.Cache{
		TokenInfos: []health.TokenInfo{
			mkToken(0, "1", "0", "1", "1", "1", "1", "0"),
			mkToken(1, "10", "0", "0.9", "1.1", "0.8", "1.2", "-5"),
		},
		SpotInfos: []health.SpotInfo{{
			MarketIndex:    3,
			BaseInfoIndex:  1,
			QuoteInfoIndex: 0,
			ReservedBase:   dec("5"),
			ReservedQuote:  dec("0"),
		}},
	}

	// Base case: the reserved funds cancel the borrow, gaining liab weight
	// per unit: 5 * 1.2 * 10 = 60. Quote case: 50. Worst case is 50, on top
	// of the borrow's own -60.
	h, err := c.Health(exchange.HealthMaint)
	if err != nil {
		t.Fatal(err)
	}
	if !h.Equal(dec("-10")) {
		t.Errorf("maint health = %s, want -10", h)
	}
}

func TestPerpRestingBidsWorsenHealth(t *testing.T) {
	p := health.PerpInfo{
		MarketIndex:             7,
		SettleTokenIndex:        0,
		MaintBaseAssetWeight:    dec("0.8"),
		MaintBaseLiabWeight:     dec("1.2"),
		InitBaseAssetWeight:     dec("0.7"),
		InitBaseLiabWeight:      dec("1.3"),
		MaintOverallAssetWeight: dec("0.9"),
		InitOverallAssetWeight:  dec("0.8"),
		BaseLotSize:             1,
		Bids:                    10,
		Prices:                  health.NewPrices(dec("2"), dec("0")),
	}

	// Bids executing: base 10 worth 10*0.8*2 = 16, quote paid 20, net -4.
	// Asks case is 0 with no asks resting.
	pnl := p.UnweightedHealthUnsettledPnl(exchange.HealthMaint)
	if !pnl.Equal(dec("-4")) {
		t.Errorf("unsettled pnl = %s, want -4", pnl)
	}
	// Negative pnl is not asset weighted.
	if got := p.HealthUnsettledPnl(exchange.HealthMaint); !got.Equal(dec("-4")) {
		t.Errorf("weighted pnl = %s, want -4", got)
	}
}

func TestPerpPositivePnlIsAssetWeighted(t *testing.T) {
	p := health.PerpInfo{
		MaintOverallAssetWeight: dec("0.9"),
		InitOverallAssetWeight:  dec("0.8"),
		BaseLotSize:             1,
		Quote:                   dec("100"),
		Prices:                  health.NewPrices(dec("2"), dec("0")),
	}

	if got := p.HealthUnsettledPnl(exchange.HealthMaint); !got.Equal(dec("90")) {
		t.Errorf("maint weighted pnl = %s, want 90", got)
	}
	if got := p.HealthUnsettledPnl(exchange.HealthInit); !got.Equal(dec("80")) {
		t.Errorf("init weighted pnl = %s, want 80", got)
	}
}

func TestHealthRatioNoLiabs(t *testing.T) {
	c := &health.Cache{TokenInfos: []health.TokenInfo{
		mkToken(0, "1", "0", "1", "1", "1", "1", "500"),
	}}

	ratio, err := c.HealthRatio(exchange.HealthMaint)
	if err != nil {
		t.Fatal(err)
	}
	if !ratio.Equal(health.MaxHealthRatio) {
		t.Errorf("ratio = %s, want the no-liabs maximum", ratio)
	}
}

func TestHealthRatio(t *testing.T) {
	c := &health.Cache{TokenInfos: []health.TokenInfo{
		mkToken(0, "1", "0", "1", "1", "1", "1", "150"),
		mkToken(1, "1", "0", "0.9", "1.1", "0.8", "1.2", "-100"),
	}}

	// assets 150, liabs 120, ratio = 100 * 30 / 120 = 25.
	ratio, err := c.HealthRatio(exchange.HealthMaint)
	if err != nil {
		t.Fatal(err)
	}
	if !ratio.Equal(dec("25")) {
		t.Errorf("ratio = %s, want 25", ratio)
	}
}

func TestPerpMaxSettleTwoSegments(t *testing.T) {
	c := &health.Cache{TokenInfos: []health.TokenInfo{
		mkToken(0, "1", "0", "0.95", "1.05", "0.9", "1.1", "100"),
		mkToken(1, "1", "0", "0.4", "1.6", "0.5", "1.5", "200"),
	}}

	// Settle health is 0.9*100 + 0.5*200 = 190. Withdrawing the settle
	// token first burns its own deposit value (90 health for 100 native),
	// then the rest at the borrow rate: 100 + 100/1.1.
	got, err := c.PerpMaxSettle(0)
	if err != nil {
		t.Fatal(err)
	}
	want := dec("100").Add(dec("100").Div(dec("1.1")))
	if !approxEqual(got, want) {
		t.Errorf("perp max settle = %s, want %s", got, want)
	}

	// Settling that amount must land maint health at zero.
	probe := c.Clone()
	if err := probe.AdjustTokenBalance(0, got.Neg()); err != nil {
		t.Fatal(err)
	}
	h, err := probe.Health(exchange.HealthMaint)
	if err != nil {
		t.Fatal(err)
	}
	if !approxEqual(h, decimal.Zero) {
		t.Errorf("health after settling the maximum = %s, want 0", h)
	}
}

func TestPerpMaxSettleSingleSegment(t *testing.T) {
	c := &health.Cache{TokenInfos: []health.TokenInfo{
		mkToken(0, "1", "0", "0.95", "1.05", "0.9", "1.1", "100"),
		mkToken(1, "1", "0", "0.4", "1.6", "0.5", "1.5", "-10"),
	}}

	// Settle health 90 - 15 = 75, below the settle token's own deposit
	// value, so only the asset weighted segment applies: 75 / 0.9.
	got, err := c.PerpMaxSettle(0)
	if err != nil {
		t.Fatal(err)
	}
	want := dec("75").Div(dec("0.9"))
	if !approxEqual(got, want) {
		t.Errorf("perp max settle = %s, want %s", got, want)
	}
}

func TestPerpMaxSettleIgnoresPerpLosses(t *testing.T) {
	c := &health.Cache{
		TokenInfos: []health.TokenInfo{
			mkToken(0, "1", "0", "0.95", "1.05", "0.9", "1.1", "100"),
		},
		PerpInfos: []health.PerpInfo{{
			MarketIndex:             7,
			SettleTokenIndex:        0,
			MaintOverallAssetWeight: dec("0.9"),
			InitOverallAssetWeight:  dec("0.8"),
			BaseLotSize:             1,
			Quote:                   dec("-1000"),
			Prices:                  health.NewPrices(dec("2"), dec("0")),
		}},
	}

	// The perp loss would sink regular health, but settling someone else's
	// positive pnl must not be blocked by it.
	got, err := c.PerpMaxSettle(0)
	if err != nil {
		t.Fatal(err)
	}
	want := dec("100")
	if !approxEqual(got, want) {
		t.Errorf("perp max settle = %s, want %s", got, want)
	}
}

func TestMaxSwapSourceForHealthRatio(t *testing.T) {
	c := &health.Cache{TokenInfos: []health.TokenInfo{
		mkToken(1, "1", "0", "0.9", "1.1", "0.9", "1.1", "1000"),
		mkToken(2, "2", "0", "0.8", "1.25", "0.8", "1.25", "-50"),
	}}

	// Swapping token 1 into token 2 at fair value first repays the borrow
	// (health improves), then builds a deposit, and only turns harmful once
	// the source side becomes a borrow itself.
	price := dec("0.5") // target native per source native
	got, err := c.MaxSwapSourceForHealthRatio(1, 2, price, dec("10"), exchange.HealthMaint)
	if err != nil {
		t.Fatal(err)
	}
	if got.Cmp(dec("1000")) <= 0 {
		t.Fatalf("max swap = %s, want beyond the source balance", got)
	}

	// At the maximum the ratio must sit on the target.
	probe := c.Clone()
	if err := probe.AdjustTokenBalance(1, got.Neg()); err != nil {
		t.Fatal(err)
	}
	if err := probe.AdjustTokenBalance(2, got.Mul(price)); err != nil {
		t.Fatal(err)
	}
	ratio, err := probe.HealthRatio(exchange.HealthMaint)
	if err != nil {
		t.Fatal(err)
	}
	if !approxEqual(ratio, dec("10")) {
		t.Errorf("ratio after max swap = %s, want 10", ratio)
	}
}

func TestMaxSwapSourceAlreadyBelowRatio(t *testing.T) {
	c := &health.Cache{TokenInfos: []health.TokenInfo{
		mkToken(1, "1", "0", "0.9", "1.1", "0.9", "1.1", "10"),
		mkToken(2, "2", "0", "0.8", "1.25", "0.8", "1.25", "-500"),
	}}

	got, err := c.MaxSwapSourceForHealthRatio(1, 2, dec("0.5"), dec("10"), exchange.HealthMaint)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(decimal.Zero) {
		t.Errorf("max swap = %s, want 0 when already below the target ratio", got)
	}
}

func TestAdjustTokenBalanceUnknownToken(t *testing.T) {
	c := &health.Cache{}
	if err := c.AdjustTokenBalance(9, dec("1")); err == nil {
		t.Error("expected an error for a token the cache does not hold")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	c := &health.Cache{TokenInfos: []health.TokenInfo{
		mkToken(0, "1", "0", "1", "1", "1", "1", "100"),
	}}

	probe := c.Clone()
	if err := probe.AdjustTokenBalance(0, dec("-40")); err != nil {
		t.Fatal(err)
	}
	if !c.TokenInfos[0].BalanceSpot.Equal(dec("100")) {
		t.Error("adjusting a clone must not touch the original")
	}
}

func TestInitMoreConservativeThanMaint(t *testing.T) {
	// 1000 native at price 1 with 0.8/0.9 asset weights.
	c := &health.Cache{TokenInfos: []health.TokenInfo{
		mkToken(1, "1", "0", "0.8", "1.2", "0.9", "1.1", "1000"),
	}}

	init, err := c.Health(exchange.HealthInit)
	if err != nil {
		t.Fatal(err)
	}
	maint, err := c.Health(exchange.HealthMaint)
	if err != nil {
		t.Fatal(err)
	}
	if !init.Equal(dec("800")) || !maint.Equal(dec("900")) {
		t.Errorf("health = %s/%s, want 800/900", init, maint)
	}
	if init.Cmp(maint) > 0 {
		t.Error("init health must never exceed maint health for the same state")
	}

	// Still holds with a borrow in the mix.
	c.TokenInfos = append(c.TokenInfos, mkToken(2, "1", "0", "0.7", "1.3", "0.85", "1.15", "-300"))
	init, _ = c.Health(exchange.HealthInit)
	maint, _ = c.Health(exchange.HealthMaint)
	if init.Cmp(maint) > 0 {
		t.Errorf("init %s must stay below maint %s with borrows", init, maint)
	}
}

func TestWithdrawalPrecheckCrossover(t *testing.T) {
	// Collateral token 0 at weight 0.8 against a 160-unit borrow of token 1
	// at liab weight 1.25: init health = 0.8·b − 200 crosses zero when the
	// balance drops below 250.
	base := &health.Cache{TokenInfos: []health.TokenInfo{
		mkToken(0, "1", "0", "0.8", "1.2", "0.9", "1.1", "400"),
		mkToken(1, "1", "0", "0.8", "1.25", "0.9", "1.1", "-160"),
	}}

	precheck := func(withdraw string) bool {
		probe := base.Clone()
		if err := probe.AdjustTokenBalance(0, dec(withdraw).Neg()); err != nil {
			t.Fatal(err)
		}
		h, err := probe.Health(exchange.HealthInit)
		if err != nil {
			t.Fatal(err)
		}
		return h.Sign() >= 0
	}

	if !precheck("150") {
		t.Error("withdrawal leaving balance exactly at the crossover must pass")
	}
	if precheck("151") {
		t.Error("withdrawal past the crossover must be predicted to fail")
	}
	if !precheck("0") {
		t.Error("no-op withdrawal must pass")
	}
}
