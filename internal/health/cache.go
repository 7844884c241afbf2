package health

import (
	"fmt"

	"github.com/shopspring/decimal"

	"liqkeeper/internal/exchange"
)

// MaxHealthRatio is returned when an account has no liabilities at all and
// the ratio is undefined.
var MaxHealthRatio = decimal.New(1, 9)

var hundred = decimal.NewFromInt(100)

// TokenInfo is the health relevant view of one token the account touches.
type TokenInfo struct {
	TokenIndex exchange.TokenIndex

	MaintAssetWeight decimal.Decimal
	InitAssetWeight  decimal.Decimal
	MaintLiabWeight  decimal.Decimal
	InitLiabWeight   decimal.Decimal

	Prices Prices

	// Native spot balance including free open order funds, excluding
	// reserved open order funds.
	BalanceSpot decimal.Decimal
}

func newTokenInfo(b *exchange.Bank, prices Prices) TokenInfo {
	return TokenInfo{
		TokenIndex:       b.TokenIndex,
		MaintAssetWeight: b.MaintAssetWeight,
		InitAssetWeight:  b.InitAssetWeight,
		MaintLiabWeight:  b.MaintLiabWeight,
		InitLiabWeight:   b.InitLiabWeight,
		Prices:           prices,
	}
}

// AssetWeight returns the asset weight for the given health kind.
func (t *TokenInfo) AssetWeight(kind exchange.HealthKind) decimal.Decimal {
	if kind == exchange.HealthInit {
		return t.InitAssetWeight
	}
	return t.MaintAssetWeight
}

// LiabWeight returns the liability weight for the given health kind.
func (t *TokenInfo) LiabWeight(kind exchange.HealthKind) decimal.Decimal {
	if kind == exchange.HealthInit {
		return t.InitLiabWeight
	}
	return t.MaintLiabWeight
}

// healthContribution values a balance of this token: asset weighted at the
// asset price when positive, liability weighted at the liability price when
// negative.
func (t *TokenInfo) healthContribution(kind exchange.HealthKind, balance decimal.Decimal) decimal.Decimal {
	if balance.Sign() >= 0 {
		return balance.Mul(t.AssetWeight(kind)).Mul(t.Prices.Asset(kind))
	}
	return balance.Mul(t.LiabWeight(kind)).Mul(t.Prices.Liab(kind))
}

// SpotInfo captures one spot market's reserved open order funds. Reserved
// funds may come back as base or as quote depending on fills, so their health
// effect is the worse of the two extremes.
type SpotInfo struct {
	MarketIndex exchange.SpotMarketIndex

	// Indexes into Cache.TokenInfos.
	BaseInfoIndex  int
	QuoteInfoIndex int

	ReservedBase  decimal.Decimal
	ReservedQuote decimal.Decimal

	HasZeroFunds bool
}

// allReservedAs converts both reserved sides into one token at oracle prices.
func (s *SpotInfo) allReservedAs(base, quote *TokenInfo) (asBase, asQuote decimal.Decimal) {
	basePrice := base.Prices.Oracle
	quotePrice := quote.Prices.Oracle
	asBase = s.ReservedBase.Add(s.ReservedQuote.Mul(quotePrice).Div(basePrice))
	asQuote = s.ReservedQuote.Add(s.ReservedBase.Mul(basePrice).Div(quotePrice))
	return asBase, asQuote
}

// PerpInfo is the health relevant view of one perp position.
type PerpInfo struct {
	MarketIndex      exchange.PerpMarketIndex
	SettleTokenIndex exchange.TokenIndex

	MaintBaseAssetWeight decimal.Decimal
	InitBaseAssetWeight  decimal.Decimal
	MaintBaseLiabWeight  decimal.Decimal
	InitBaseLiabWeight   decimal.Decimal

	MaintOverallAssetWeight decimal.Decimal
	InitOverallAssetWeight  decimal.Decimal

	BaseLotSize int64

	// Position lots including taker fills not yet processed.
	BaseLots int64
	Bids     int64
	Asks     int64

	// Quote native including unsettled funding and taker quote fills.
	Quote decimal.Decimal

	Prices Prices

	HasOpenOrders     bool
	HasOpenTakerFills bool
}

func newPerpInfo(m *exchange.PerpMarket, p *exchange.PerpPosition, prices Prices) PerpInfo {
	takerQuote := decimal.NewFromInt(p.TakerQuoteLots * m.QuoteLotSize)
	quote := p.QuotePositionNative.Sub(p.UnsettledFunding(m)).Add(takerQuote)

	return PerpInfo{
		MarketIndex:             m.MarketIndex,
		SettleTokenIndex:        m.SettleTokenIndex,
		MaintBaseAssetWeight:    m.MaintBaseAssetWeight,
		InitBaseAssetWeight:     m.InitBaseAssetWeight,
		MaintBaseLiabWeight:     m.MaintBaseLiabWeight,
		InitBaseLiabWeight:      m.InitBaseLiabWeight,
		MaintOverallAssetWeight: m.MaintOverallAssetWeight,
		InitOverallAssetWeight:  m.InitOverallAssetWeight,
		BaseLotSize:             m.BaseLotSize,
		BaseLots:                p.BasePositionLots + p.TakerBaseLots,
		Bids:                    p.BidsBaseLots,
		Asks:                    p.AsksBaseLots,
		Quote:                   quote,
		Prices:                  prices,
		HasOpenOrders:           p.HasOpenOrders(),
		HasOpenTakerFills:       p.HasOpenTakerFills(),
	}
}

// BaseAssetWeight returns the base asset weight for the given health kind.
func (p *PerpInfo) BaseAssetWeight(kind exchange.HealthKind) decimal.Decimal {
	if kind == exchange.HealthInit {
		return p.InitBaseAssetWeight
	}
	return p.MaintBaseAssetWeight
}

// BaseLiabWeight returns the base liability weight for the given health kind.
func (p *PerpInfo) BaseLiabWeight(kind exchange.HealthKind) decimal.Decimal {
	if kind == exchange.HealthInit {
		return p.InitBaseLiabWeight
	}
	return p.MaintBaseLiabWeight
}

// OverallAssetWeight returns the positive pnl weight for the given health kind.
func (p *PerpInfo) OverallAssetWeight(kind exchange.HealthKind) decimal.Decimal {
	if kind == exchange.HealthInit {
		return p.InitOverallAssetWeight
	}
	return p.MaintOverallAssetWeight
}

// orderExecutionCase values the position as if ordersBaseLots of resting
// orders executed at orderPrice, with the resulting base position weighted.
func (p *PerpInfo) orderExecutionCase(kind exchange.HealthKind, ordersBaseLots int64, orderPrice decimal.Decimal) decimal.Decimal {
	netBaseNative := decimal.NewFromInt((p.BaseLots + ordersBaseLots) * p.BaseLotSize)

	var weight, basePrice decimal.Decimal
	if netBaseNative.Sign() < 0 {
		weight = p.BaseLiabWeight(kind)
		basePrice = p.Prices.Liab(kind)
	} else {
		weight = p.BaseAssetWeight(kind)
		basePrice = p.Prices.Asset(kind)
	}

	baseHealth := netBaseNative.Mul(weight).Mul(basePrice)
	// Quote funds spent or received when the orders fill.
	ordersValue := decimal.NewFromInt(-ordersBaseLots * p.BaseLotSize).Mul(orderPrice)

	return baseHealth.Add(ordersValue)
}

// UnweightedHealthUnsettledPnl is the unsettled pnl under the worst of the
// two order execution extremes: all bids fill, or all asks fill.
func (p *PerpInfo) UnweightedHealthUnsettledPnl(kind exchange.HealthKind) decimal.Decimal {
	bidsCase := p.orderExecutionCase(kind, p.Bids, p.Prices.Liab(kind))
	asksCase := p.orderExecutionCase(kind, -p.Asks, p.Prices.Asset(kind))
	return p.Quote.Add(decimal.Min(bidsCase, asksCase))
}

// HealthUnsettledPnl applies the overall asset weight to positive pnl.
// Negative pnl always counts in full.
func (p *PerpInfo) HealthUnsettledPnl(kind exchange.HealthKind) decimal.Decimal {
	pnl := p.UnweightedHealthUnsettledPnl(kind)
	if pnl.Sign() > 0 {
		return pnl.Mul(p.OverallAssetWeight(kind))
	}
	return pnl
}

// Cache is a self contained snapshot of one account's health inputs.
type Cache struct {
	TokenInfos []TokenInfo
	SpotInfos  []SpotInfo
	PerpInfos  []PerpInfo

	BeingLiquidated bool
}

// Clone returns an independent copy suitable for what-if adjustments.
func (c *Cache) Clone() *Cache {
	out := &Cache{
		TokenInfos:      make([]TokenInfo, len(c.TokenInfos)),
		SpotInfos:       make([]SpotInfo, len(c.SpotInfos)),
		PerpInfos:       make([]PerpInfo, len(c.PerpInfos)),
		BeingLiquidated: c.BeingLiquidated,
	}
	copy(out.TokenInfos, c.TokenInfos)
	copy(out.SpotInfos, c.SpotInfos)
	copy(out.PerpInfos, c.PerpInfos)
	return out
}

// TokenInfoIndex returns the position of a token in TokenInfos.
func (c *Cache) TokenInfoIndex(ti exchange.TokenIndex) (int, error) {
	for i := range c.TokenInfos {
		if c.TokenInfos[i].TokenIndex == ti {
			return i, nil
		}
	}
	return 0, fmt.Errorf("token index %d not in health cache", ti)
}

// TokenInfoFor returns the info for a token the account touches.
func (c *Cache) TokenInfoFor(ti exchange.TokenIndex) (*TokenInfo, error) {
	i, err := c.TokenInfoIndex(ti)
	if err != nil {
		return nil, err
	}
	return &c.TokenInfos[i], nil
}

// PerpInfoFor returns the info for a perp market the account touches.
func (c *Cache) PerpInfoFor(mi exchange.PerpMarketIndex) (*PerpInfo, error) {
	for i := range c.PerpInfos {
		if c.PerpInfos[i].MarketIndex == mi {
			return &c.PerpInfos[i], nil
		}
	}
	return nil, fmt.Errorf("perp market index %d not in health cache", mi)
}

// EnsureTokenInfo adds a zero balance info for a token the account does not
// hold yet, so what-if adjustments against that token become possible.
func (c *Cache) EnsureTokenInfo(b *exchange.Bank, prices Prices) {
	if _, err := c.TokenInfoIndex(b.TokenIndex); err == nil {
		return
	}
	c.TokenInfos = append(c.TokenInfos, newTokenInfo(b, prices))
}

// AdjustTokenBalance applies a hypothetical native balance change.
func (c *Cache) AdjustTokenBalance(ti exchange.TokenIndex, amount decimal.Decimal) error {
	i, err := c.TokenInfoIndex(ti)
	if err != nil {
		return err
	}
	c.TokenInfos[i].BalanceSpot = c.TokenInfos[i].BalanceSpot.Add(amount)
	return nil
}

// tokenMaxReserved sums every market's reserved funds onto both of its
// tokens, converted at oracle prices. Index-aligned with TokenInfos.
func (c *Cache) tokenMaxReserved() []decimal.Decimal {
	out := make([]decimal.Decimal, len(c.TokenInfos))
	for i := range c.SpotInfos {
		s := &c.SpotInfos[i]
		base := &c.TokenInfos[s.BaseInfoIndex]
		quote := &c.TokenInfos[s.QuoteInfoIndex]
		asBase, asQuote := s.allReservedAs(base, quote)
		out[s.BaseInfoIndex] = out[s.BaseInfoIndex].Add(asBase)
		out[s.QuoteInfoIndex] = out[s.QuoteInfoIndex].Add(asQuote)
	}
	return out
}

// reservedHealthEffect is how much health the reserved funds of one market
// add when they all settle into the given token. maxReserved is the sum of
// reserved funds across all markets touching the token; this market's
// marketReserved portion is assumed to apply on top of all the others, so it
// gets asset weighting only to the extent the combined balance is positive.
func reservedHealthEffect(t *TokenInfo, kind exchange.HealthKind, maxReserved, marketReserved decimal.Decimal) decimal.Decimal {
	maxBalance := t.BalanceSpot.Add(maxReserved)

	var assetPart, liabPart decimal.Decimal
	switch {
	case maxBalance.Cmp(marketReserved) >= 0:
		assetPart, liabPart = marketReserved, decimal.Zero
	case maxBalance.Sign() < 0:
		assetPart, liabPart = decimal.Zero, marketReserved
	default:
		assetPart, liabPart = maxBalance, marketReserved.Sub(maxBalance)
	}

	return assetPart.Mul(t.AssetWeight(kind)).Mul(t.Prices.Asset(kind)).
		Add(liabPart.Mul(t.LiabWeight(kind)).Mul(t.Prices.Liab(kind)))
}

// spotHealthEffect is the health added by one market's reserved funds: the
// minimum over everything settling as base vs everything settling as quote.
func (c *Cache) spotHealthEffect(s *SpotInfo, kind exchange.HealthKind, tokenMaxReserved []decimal.Decimal) decimal.Decimal {
	if s.ReservedBase.Sign() == 0 && s.ReservedQuote.Sign() == 0 {
		return decimal.Zero
	}

	base := &c.TokenInfos[s.BaseInfoIndex]
	quote := &c.TokenInfos[s.QuoteInfoIndex]
	asBase, asQuote := s.allReservedAs(base, quote)

	healthBase := reservedHealthEffect(base, kind, tokenMaxReserved[s.BaseInfoIndex], asBase)
	healthQuote := reservedHealthEffect(quote, kind, tokenMaxReserved[s.QuoteInfoIndex], asQuote)
	return decimal.Min(healthBase, healthQuote)
}

// effectiveTokenBalances folds perp unsettled pnl into each perp's settle
// token balance. With ignoreNegativePerp set, losses are left out; that view
// is used to see how much positive pnl could be settled without the
// settlement itself pushing health below zero.
func (c *Cache) effectiveTokenBalances(kind exchange.HealthKind, ignoreNegativePerp bool) ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, len(c.TokenInfos))
	for i := range c.TokenInfos {
		out[i] = c.TokenInfos[i].BalanceSpot
	}
	for i := range c.PerpInfos {
		p := &c.PerpInfos[i]
		idx, err := c.TokenInfoIndex(p.SettleTokenIndex)
		if err != nil {
			return nil, err
		}
		pnl := p.HealthUnsettledPnl(kind)
		if ignoreNegativePerp && pnl.Sign() < 0 {
			continue
		}
		out[idx] = out[idx].Add(pnl)
	}
	return out, nil
}

// EffectiveTokenBalances returns per-token balances with perp pnl folded in,
// index-aligned with TokenInfos.
func (c *Cache) EffectiveTokenBalances(kind exchange.HealthKind) ([]decimal.Decimal, error) {
	return c.effectiveTokenBalances(kind, false)
}

func (c *Cache) healthSum(kind exchange.HealthKind, balances []decimal.Decimal) decimal.Decimal {
	sum := decimal.Zero
	for i := range c.TokenInfos {
		sum = sum.Add(c.TokenInfos[i].healthContribution(kind, balances[i]))
	}
	reserved := c.tokenMaxReserved()
	for i := range c.SpotInfos {
		sum = sum.Add(c.spotHealthEffect(&c.SpotInfos[i], kind, reserved))
	}
	return sum
}

// Health is the weighted sum of all contributions. Negative maint health
// makes an account liquidatable; negative init health blocks new risk.
func (c *Cache) Health(kind exchange.HealthKind) (decimal.Decimal, error) {
	balances, err := c.effectiveTokenBalances(kind, false)
	if err != nil {
		return decimal.Zero, err
	}
	return c.healthSum(kind, balances), nil
}

// AssetsAndLiabs splits health into the weighted asset and liability sides.
// Both are nonnegative; health equals assets minus liabs.
func (c *Cache) AssetsAndLiabs(kind exchange.HealthKind) (assets, liabs decimal.Decimal, err error) {
	balances, err := c.effectiveTokenBalances(kind, false)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	assets, liabs = decimal.Zero, decimal.Zero
	for i := range c.TokenInfos {
		contrib := c.TokenInfos[i].healthContribution(kind, balances[i])
		if contrib.Sign() >= 0 {
			assets = assets.Add(contrib)
		} else {
			liabs = liabs.Sub(contrib)
		}
	}
	reserved := c.tokenMaxReserved()
	for i := range c.SpotInfos {
		assets = assets.Add(c.spotHealthEffect(&c.SpotInfos[i], kind, reserved))
	}
	return assets, liabs, nil
}

// HealthRatio is 100 * (assets - liabs) / liabs, the margin cushion in
// percent. Accounts with no liabilities report MaxHealthRatio.
func (c *Cache) HealthRatio(kind exchange.HealthKind) (decimal.Decimal, error) {
	assets, liabs, err := c.AssetsAndLiabs(kind)
	if err != nil {
		return decimal.Zero, err
	}
	if liabs.Sign() == 0 {
		return MaxHealthRatio, nil
	}
	return hundred.Mul(assets.Sub(liabs)).Div(liabs), nil
}

// PerpMaxSettle is how much of the settle token can be withdrawn through pnl
// settlement before maint health, with perp losses left out, reaches zero.
func (c *Cache) PerpMaxSettle(settleTokenIndex exchange.TokenIndex) (decimal.Decimal, error) {
	kind := exchange.HealthMaint

	balances, err := c.effectiveTokenBalances(kind, true)
	if err != nil {
		return decimal.Zero, err
	}
	settleHealth := c.healthSum(kind, balances)

	idx, err := c.TokenInfoIndex(settleTokenIndex)
	if err != nil {
		return decimal.Zero, err
	}
	return spotAmountTakenForHealthZero(&c.TokenInfos[idx], settleHealth, balances[idx]), nil
}

// spotAmountTakenForHealthZero is how many native units of the token can be
// removed before health drops to zero. While the balance stays positive each
// removed unit costs assetWeight*assetPrice of health; once the balance goes
// negative each unit costs liabWeight*liabPrice.
func spotAmountTakenForHealthZero(t *TokenInfo, health, startingBalance decimal.Decimal) decimal.Decimal {
	kind := exchange.HealthMaint
	if health.Sign() <= 0 {
		return decimal.Zero
	}

	taken := decimal.Zero
	if startingBalance.Sign() > 0 {
		assetPerUnit := t.AssetWeight(kind).Mul(t.Prices.Asset(kind))
		balanceValue := startingBalance.Mul(assetPerUnit)
		if health.Cmp(balanceValue) < 0 {
			return health.Div(assetPerUnit)
		}
		taken = startingBalance
		health = health.Sub(balanceValue)
	}

	if health.Sign() > 0 {
		liabPerUnit := t.LiabWeight(kind).Mul(t.Prices.Liab(kind))
		taken = taken.Add(health.Div(liabPerUnit))
	}
	return taken
}
