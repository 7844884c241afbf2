package liquidator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"liqkeeper/internal/chaindata"
	"liqkeeper/internal/errtrack"
	"liqkeeper/internal/exchange"
	"liqkeeper/internal/health"
	"liqkeeper/internal/swap"
)

const errTypeSwapInfo = "swap-info"

// SwapInfo is the observed route quality for one token against the quote
// token: the fraction lost to slippage and fees when buying respectively
// selling a probe-sized amount, relative to the oracle price.
type SwapInfo struct {
	BuySlippage  decimal.Decimal
	SellSlippage decimal.Decimal
	UpdatedAt    time.Time
}

// TokenSwapInfoUpdater refreshes per-token swap route quality on an interval.
// The scanner uses it to drop conditional swap candidates whose premium
// cannot cover the cost of unloading the received tokens.
type TokenSwapInfoUpdater struct {
	Provider *chaindata.Provider
	Swap     *swap.Client
	// Probe size in quote native units.
	ProbeAmount uint64
	Interval    time.Duration
	Log         zerolog.Logger

	mu     sync.RWMutex
	infos  map[exchange.TokenIndex]SwapInfo
	errors *errtrack.Tracking[uint16]
}

func NewTokenSwapInfoUpdater(provider *chaindata.Provider, swapClient *swap.Client, probeAmount uint64, interval time.Duration, log zerolog.Logger) *TokenSwapInfoUpdater {
	return &TokenSwapInfoUpdater{
		Provider:    provider,
		Swap:        swapClient,
		ProbeAmount: probeAmount,
		Interval:    interval,
		Log:         log,
		infos:       make(map[exchange.TokenIndex]SwapInfo),
		errors: errtrack.New[uint16](log, errtrack.Options{
			SkipThreshold: 3,
			SkipDuration:  5 * time.Minute,
		}),
	}
}

// SwapInfo returns the last observed route quality for a token.
func (u *TokenSwapInfoUpdater) SwapInfo(ti exchange.TokenIndex) (SwapInfo, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	info, ok := u.infos[ti]
	return info, ok
}

// Run refreshes all known tokens until the context ends.
func (u *TokenSwapInfoUpdater) Run(ctx context.Context) {
	ticker := time.NewTicker(u.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now()
		for _, ti := range u.Provider.Group.TokenIndexes() {
			if ti == exchange.QuoteTokenIndex {
				continue
			}
			if _, skip := u.errors.HadTooManyErrors(errTypeSwapInfo, uint16(ti), now); skip {
				continue
			}
			if err := u.updateToken(ctx, ti); err != nil {
				u.errors.Record(errTypeSwapInfo, uint16(ti), err.Error())
				u.Log.Debug().Err(err).Uint16("token_index", uint16(ti)).
					Msg("swap info refresh failed")
			} else {
				u.errors.Clear(uint16(ti))
			}
			if ctx.Err() != nil {
				return
			}
		}
		u.errors.Update(time.Now())
	}
}

// updateToken probes both directions against the quote token and records the
// observed loss versus the oracle price.
func (u *TokenSwapInfoUpdater) updateToken(ctx context.Context, ti exchange.TokenIndex) error {
	bank, err := u.Provider.Bank(ti)
	if err != nil {
		return err
	}
	quoteBank, err := u.Provider.Bank(exchange.QuoteTokenIndex)
	if err != nil {
		return err
	}
	prices, err := health.BankPrices(u.Provider, bank, health.FallbackIfInvalid)
	if err != nil {
		return err
	}
	if prices.Oracle.Sign() <= 0 {
		return nil
	}

	probe := decimal.NewFromUint64(u.ProbeAmount)

	// Buying the token with quote: slippage = 1 - received×price/spent.
	buyQuote, err := u.Swap.GetQuote(ctx, quoteBank.Mint, bank.Mint, u.ProbeAmount)
	if err != nil {
		return err
	}
	received := decimal.NewFromUint64(buyQuote.OutAmount).Mul(prices.Oracle)
	buySlippage := decimal.NewFromInt(1).Sub(received.Div(probe))

	// Selling the token for quote, sized to the same quote value.
	sellIn := probe.Div(prices.Oracle).Floor().BigInt()
	if !sellIn.IsUint64() || sellIn.Uint64() == 0 {
		return nil
	}
	sellQuote, err := u.Swap.GetQuote(ctx, bank.Mint, quoteBank.Mint, sellIn.Uint64())
	if err != nil {
		return err
	}
	sellValue := decimal.NewFromUint64(sellIn.Uint64()).Mul(prices.Oracle)
	sellSlippage := decimal.NewFromInt(1).Sub(decimal.NewFromUint64(sellQuote.OutAmount).Div(sellValue))

	u.mu.Lock()
	u.infos[ti] = SwapInfo{
		BuySlippage:  buySlippage,
		SellSlippage: sellSlippage,
		UpdatedAt:    time.Now(),
	}
	u.mu.Unlock()
	return nil
}

// RequiredPremium returns the minimum premium fraction a conditional swap
// must pay for a buy/sell token pair to cover both route legs. Unknown
// tokens cost nothing, so missing data never hides candidates.
func (u *TokenSwapInfoUpdater) RequiredPremium(buyToken, sellToken exchange.TokenIndex) decimal.Decimal {
	required := decimal.Zero
	if info, ok := u.SwapInfo(buyToken); ok && info.BuySlippage.Sign() > 0 {
		required = required.Add(info.BuySlippage)
	}
	if info, ok := u.SwapInfo(sellToken); ok && info.SellSlippage.Sign() > 0 {
		required = required.Add(info.SellSlippage)
	}
	return required
}
