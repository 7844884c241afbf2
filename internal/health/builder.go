package health

import (
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	"liqkeeper/internal/exchange"
	"liqkeeper/internal/oracle"
)

// Provider supplies the chain state a cache is built from. Implementations
// serve from an in-memory snapshot; building a cache never does I/O.
type Provider interface {
	Bank(ti exchange.TokenIndex) (*exchange.Bank, error)
	PerpMarket(mi exchange.PerpMarketIndex) (*exchange.PerpMarket, error)
	OracleState(feed solana.PublicKey, cfg oracle.Config) (oracle.State, error)
}

// FallbackPolicy controls whether a bank's fallback oracle may stand in for
// a failing primary feed.
type FallbackPolicy int

const (
	// FallbackNever fails hard on any primary feed problem. Liquidation
	// decisions use this so that a flaky feed cannot trigger one.
	FallbackNever FallbackPolicy = iota
	// FallbackIfInvalid substitutes the fallback feed when the primary is
	// stale or fails its confidence filter.
	FallbackIfInvalid
)

// NewCache builds a health cache for one account from provider state.
//
// Oracle failures are returned as *oracle.Error with the token index filled
// in, so callers can throttle per feed rather than per account.
func NewCache(account *exchange.MarginAccount, p Provider, policy FallbackPolicy) (*Cache, error) {
	c := &Cache{BeingLiquidated: account.BeingLiquidated}

	for _, pos := range account.ActiveTokenPositions() {
		bank, err := p.Bank(pos.TokenIndex)
		if err != nil {
			return nil, fmt.Errorf("bank for token %d: %w", pos.TokenIndex, err)
		}
		prices, err := resolvePrices(p, bank, policy)
		if err != nil {
			return nil, err
		}
		info := newTokenInfo(bank, prices)
		info.BalanceSpot = pos.Native(bank)
		c.TokenInfos = append(c.TokenInfos, info)
	}

	for _, oo := range account.ActiveSpotOrders() {
		baseIdx, err := c.TokenInfoIndex(oo.BaseTokenIndex)
		if err != nil {
			return nil, fmt.Errorf("spot market %d: %w", oo.MarketIndex, err)
		}
		quoteIdx, err := c.TokenInfoIndex(oo.QuoteTokenIndex)
		if err != nil {
			return nil, fmt.Errorf("spot market %d: %w", oo.MarketIndex, err)
		}

		// Free funds count as plain balance; only reserved funds need the
		// worst-case treatment.
		base := &c.TokenInfos[baseIdx]
		base.BalanceSpot = base.BalanceSpot.Add(decimal.NewFromUint64(oo.BaseFreeCached))
		quote := &c.TokenInfos[quoteIdx]
		quote.BalanceSpot = quote.BalanceSpot.Add(decimal.NewFromUint64(oo.QuoteFreeCached))

		c.SpotInfos = append(c.SpotInfos, SpotInfo{
			MarketIndex:    oo.MarketIndex,
			BaseInfoIndex:  baseIdx,
			QuoteInfoIndex: quoteIdx,
			ReservedBase:   decimal.NewFromUint64(oo.BaseReservedCached),
			ReservedQuote:  decimal.NewFromUint64(oo.QuoteReservedCached),
			HasZeroFunds:   !oo.HasFunds(),
		})
	}

	for _, pos := range account.ActivePerpPositions() {
		market, err := p.PerpMarket(pos.MarketIndex)
		if err != nil {
			return nil, fmt.Errorf("perp market %d: %w", pos.MarketIndex, err)
		}
		state, err := p.OracleState(market.Oracle, market.OracleConfig)
		if err != nil {
			return nil, err
		}
		prices := NewPrices(state.Price, market.StablePriceModel.StablePrice)

		// The settle token must have an info entry for pnl to land in.
		if _, err := c.TokenInfoIndex(market.SettleTokenIndex); err != nil {
			bank, err := p.Bank(market.SettleTokenIndex)
			if err != nil {
				return nil, fmt.Errorf("settle bank for perp %d: %w", pos.MarketIndex, err)
			}
			settlePrices, err := resolvePrices(p, bank, policy)
			if err != nil {
				return nil, err
			}
			c.TokenInfos = append(c.TokenInfos, newTokenInfo(bank, settlePrices))
		}

		c.PerpInfos = append(c.PerpInfos, newPerpInfo(market, pos, prices))
	}

	return c, nil
}

// BankPrices resolves a bank's oracle and stable price pair under the given
// fallback policy.
func BankPrices(p Provider, bank *exchange.Bank, policy FallbackPolicy) (Prices, error) {
	return resolvePrices(p, bank, policy)
}

// resolvePrices resolves a bank's oracle, falling back per policy, and tags
// oracle errors with the token index.
func resolvePrices(p Provider, bank *exchange.Bank, policy FallbackPolicy) (Prices, error) {
	state, err := p.OracleState(bank.Oracle, bank.OracleConfig)
	if err != nil && policy == FallbackIfInvalid && bank.HasFallbackOracle() && isInvalidFeed(err) {
		state, err = p.OracleState(bank.FallbackOracle, bank.OracleConfig)
	}
	if err != nil {
		var oerr *oracle.Error
		if errors.As(err, &oerr) {
			tagged := *oerr
			tagged.TokenIndex = uint16(bank.TokenIndex)
			return Prices{}, &tagged
		}
		return Prices{}, fmt.Errorf("oracle for token %d: %w", bank.TokenIndex, err)
	}
	return NewPrices(state.Price, bank.StablePriceModel.StablePrice), nil
}

func isInvalidFeed(err error) bool {
	var oerr *oracle.Error
	if !errors.As(err, &oerr) {
		return false
	}
	return oerr.Kind == oracle.ErrStale || oerr.Kind == oracle.ErrLowConfidence
}
