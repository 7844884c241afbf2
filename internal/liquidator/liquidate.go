package liquidator

import (
	"context"
	"fmt"
	"math"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"liqkeeper/internal/chaindata"
	"liqkeeper/internal/exchange"
	"liqkeeper/internal/health"
	"liqkeeper/internal/observability"
	"liqkeeper/internal/swap"
	"liqkeeper/internal/txclient"
)

// Liquidation routes, in the order they are tried.
const (
	RouteSpotForceCancel = "spot-force-cancel"
	RoutePerpForceCancel = "perp-force-cancel"
	RoutePerpBase        = "perp-base-positive-pnl"
	RouteTokenToken      = "token-token"
	RoutePerpNegativePnl = "perp-negative-pnl"
	RouteTokenBankruptcy = "token-bankruptcy"
)

// Executor runs individual liquidations and swap triggers against the chain.
type Executor struct {
	Client   *txclient.ExchangeClient
	Cache    *chaindata.Cache
	Provider *chaindata.Provider
	Fetcher  *chaindata.Fetcher
	Swap     *swap.Client
	// SwapInfos provides scan-time route quality; nil disables the
	// premium prefilter.
	SwapInfos *TokenSwapInfoUpdater
	Config    Config
	Metrics   *observability.Metrics
	Outcomes  OutcomeSink
	Log       zerolog.Logger
}

// LoadAccount decodes the cached state of one margin account.
func (e *Executor) LoadAccount(pubkey solana.PublicKey) (*exchange.MarginAccount, error) {
	raw, ok := e.Cache.Get(pubkey)
	if !ok {
		return nil, fmt.Errorf("account %s not in cache", pubkey)
	}
	return exchange.DecodeMarginAccount(raw.Data)
}

// IsLiquidatable reports whether an account can be liquidated right now:
// maint health below zero, or an already started liquidation that has not
// recovered init health yet.
func IsLiquidatable(c *health.Cache) (bool, error) {
	maint, err := c.Health(exchange.HealthMaint)
	if err != nil {
		return false, err
	}
	if maint.Sign() < 0 {
		return true, nil
	}
	if c.BeingLiquidated {
		init, err := c.Health(exchange.HealthInit)
		if err != nil {
			return false, err
		}
		return init.Sign() < 0, nil
	}
	return false, nil
}

// CanLiquidate checks the cached state of an account under the strict oracle
// policy. Oracle failures propagate so the scanner can throttle the feed.
func (e *Executor) CanLiquidate(pubkey solana.PublicKey) (bool, error) {
	account, err := e.LoadAccount(pubkey)
	if err != nil {
		return false, err
	}
	hc, err := health.NewCache(account, e.Provider, health.FallbackNever)
	if err != nil {
		return false, err
	}
	return IsLiquidatable(hc)
}

// MaybeLiquidateAccount re-verifies an account against fresh chain state and
// executes at most one liquidation step. Races lost against other
// liquidators are not errors. Returns whether a transaction landed.
func (e *Executor) MaybeLiquidateAccount(ctx context.Context, pubkey solana.PublicKey) (bool, error) {
	liquidatable, err := e.CanLiquidate(pubkey)
	if err != nil || !liquidatable {
		return false, err
	}

	// The cached state qualified the account; re-fetch before spending a
	// transaction on it.
	account, _, err := e.Fetcher.FetchMarginAccount(ctx, pubkey)
	if err != nil {
		return false, fmt.Errorf("refetch %s: %w", pubkey, err)
	}
	hc, err := health.NewCache(account, e.Provider, health.FallbackNever)
	if err != nil {
		return false, err
	}
	liquidatable, err = IsLiquidatable(hc)
	if err != nil || !liquidatable {
		return false, err
	}

	e.Metrics.LiquidationsAttempted.Inc()
	sig, route, err := e.liquidationStep(ctx, pubkey, account, hc)
	if err != nil {
		if isBenignExecutionRace(err) {
			e.Log.Info().Str("account", pubkey.String()).Str("route", route).
				Msg("liquidation race lost, another party moved first")
			return false, nil
		}
		e.recordOutcome(ctx, pubkey, route, solana.Signature{}, err)
		return false, err
	}
	if route == "" {
		e.Log.Warn().Str("account", pubkey.String()).
			Msg("account is liquidatable but no route applies")
		return false, nil
	}

	e.Metrics.LiquidationsExecuted.WithLabelValues(route).Inc()
	e.recordOutcome(ctx, pubkey, route, sig, nil)
	e.Log.Info().
		Str("account", pubkey.String()).
		Str("route", route).
		Str("signature", sig.String()).
		Msg("liquidation executed")

	e.refreshAfterWrite(ctx, sig, pubkey)
	return true, nil
}

// liquidationStep picks and executes the first applicable route.
func (e *Executor) liquidationStep(ctx context.Context, pubkey solana.PublicKey, account *exchange.MarginAccount, hc *health.Cache) (solana.Signature, string, error) {
	// Resting spot orders hold funds hostage; free them first.
	for _, oo := range account.ActiveSpotOrders() {
		if !oo.HasFunds() {
			continue
		}
		ix, err := e.Client.SpotLiqForceCancelOrdersIx(pubkey, oo, 10)
		if err != nil {
			return solana.Signature{}, RouteSpotForceCancel, err
		}
		sig, err := e.Client.SendInstructions(ctx, ix)
		return sig, RouteSpotForceCancel, err
	}

	// Same for resting perp orders.
	for _, pp := range account.ActivePerpPositions() {
		if !pp.HasOpenOrders() {
			continue
		}
		market, err := e.Provider.PerpMarket(pp.MarketIndex)
		if err != nil {
			return solana.Signature{}, RoutePerpForceCancel, err
		}
		ix, err := e.Client.PerpLiqForceCancelOrdersIx(pubkey, market, 10)
		if err != nil {
			return solana.Signature{}, RoutePerpForceCancel, err
		}
		sig, err := e.Client.SendInstructions(ctx, ix)
		return sig, RoutePerpForceCancel, err
	}

	if sig, done, err := e.perpBaseStep(ctx, pubkey, account, hc); done || err != nil {
		return sig, RoutePerpBase, err
	}
	if sig, done, err := e.tokenTokenStep(ctx, pubkey, hc); done || err != nil {
		return sig, RouteTokenToken, err
	}
	if sig, done, err := e.perpNegativePnlStep(ctx, pubkey, account, hc); done || err != nil {
		return sig, RoutePerpNegativePnl, err
	}
	if sig, done, err := e.tokenBankruptcyStep(ctx, pubkey, hc); done || err != nil {
		return sig, RouteTokenBankruptcy, err
	}

	return solana.Signature{}, "", nil
}

// perpBaseStep takes over the largest perp base position, or positive pnl
// backing it.
func (e *Executor) perpBaseStep(ctx context.Context, pubkey solana.PublicKey, account *exchange.MarginAccount, hc *health.Cache) (solana.Signature, bool, error) {
	var best *exchange.PerpPosition
	bestValue := decimal.Zero

	for _, pp := range account.ActivePerpPositions() {
		if pp.BasePositionLots == 0 {
			continue
		}
		info, err := hc.PerpInfoFor(pp.MarketIndex)
		if err != nil {
			return solana.Signature{}, false, err
		}
		value := decimal.NewFromInt(pp.BasePositionLots * info.BaseLotSize).Abs().Mul(info.Prices.Oracle)
		if value.Cmp(bestValue) > 0 {
			best, bestValue = pp, value
		}
	}
	if best == nil {
		return solana.Signature{}, false, nil
	}

	market, err := e.Provider.PerpMarket(best.MarketIndex)
	if err != nil {
		return solana.Signature{}, false, err
	}
	settleBank, err := e.Provider.Bank(market.SettleTokenIndex)
	if err != nil {
		return solana.Signature{}, false, err
	}

	// The program clamps the transfer at the point health reaches zero;
	// offer the whole position.
	ix, err := e.Client.PerpLiqBaseOrPositivePnlIx(pubkey, market, settleBank, best.BasePositionLots, math.MaxUint64)
	if err != nil {
		return solana.Signature{}, false, err
	}
	sig, err := e.Client.SendInstructions(ctx, ix)
	return sig, true, err
}

// tokenTokenStep repays the worst borrow against the best collateral.
func (e *Executor) tokenTokenStep(ctx context.Context, pubkey solana.PublicKey, hc *health.Cache) (solana.Signature, bool, error) {
	asset, liab, ok, err := e.pickTokenPair(hc)
	if err != nil || !ok {
		return solana.Signature{}, false, err
	}

	maxLiab, err := e.maxTokenLiabTransfer(asset, liab)
	if err != nil {
		return solana.Signature{}, false, err
	}
	if maxLiab.Sign() <= 0 {
		return solana.Signature{}, false, nil
	}

	ix, err := e.Client.TokenLiqWithTokenIx(pubkey, asset, liab, maxLiab)
	if err != nil {
		return solana.Signature{}, false, err
	}
	sig, err := e.Client.SendInstructions(ctx, ix)
	return sig, true, err
}

// pickTokenPair finds the most valuable liquidatable deposit and the largest
// borrow.
func (e *Executor) pickTokenPair(hc *health.Cache) (asset, liab *exchange.Bank, ok bool, err error) {
	bestAsset, bestLiab := decimal.Zero, decimal.Zero
	var assetTi, liabTi exchange.TokenIndex
	haveAsset, haveLiab := false, false

	for i := range hc.TokenInfos {
		ti := &hc.TokenInfos[i]
		value := ti.BalanceSpot.Mul(ti.Prices.Oracle)
		if value.Sign() > 0 && value.Cmp(bestAsset) > 0 {
			bank, err := e.Provider.Bank(ti.TokenIndex)
			if err != nil {
				return nil, nil, false, err
			}
			if bank.DisableAssetLiquidation {
				continue
			}
			bestAsset, assetTi, haveAsset = value, ti.TokenIndex, true
		}
		if value.Sign() < 0 && value.Cmp(bestLiab) < 0 {
			bestLiab, liabTi, haveLiab = value, ti.TokenIndex, true
		}
	}
	if !haveAsset || !haveLiab {
		return nil, nil, false, nil
	}

	asset, err = e.Provider.Bank(assetTi)
	if err != nil {
		return nil, nil, false, err
	}
	liab, err = e.Provider.Bank(liabTi)
	if err != nil {
		return nil, nil, false, err
	}
	return asset, liab, true, nil
}

// maxTokenLiabTransfer sizes the transfer by what the liqor account can
// absorb: taking over the borrow is a swap of liab token into asset token on
// the liqor's own books, bounded by its target health ratio.
func (e *Executor) maxTokenLiabTransfer(asset, liab *exchange.Bank) (decimal.Decimal, error) {
	liqor, err := e.LoadAccount(e.Client.LiqorAccount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("load liqor account: %w", err)
	}
	hc, err := health.NewCache(liqor, e.Provider, health.FallbackIfInvalid)
	if err != nil {
		return decimal.Zero, err
	}

	liabPrices, err := health.BankPrices(e.Provider, liab, health.FallbackIfInvalid)
	if err != nil {
		return decimal.Zero, err
	}
	assetPrices, err := health.BankPrices(e.Provider, asset, health.FallbackIfInvalid)
	if err != nil {
		return decimal.Zero, err
	}
	hc.EnsureTokenInfo(liab, liabPrices)
	hc.EnsureTokenInfo(asset, assetPrices)

	// Asset received per liab taken over, including the liquidation fees
	// the liqor earns.
	feeFactor := decimal.NewFromInt(1).Add(asset.LiquidationFee).Add(liab.LiquidationFee)
	price := liabPrices.Oracle.Div(assetPrices.Oracle).Mul(feeFactor)

	amount, err := hc.MaxSwapSourceForHealthRatio(
		liab.TokenIndex, asset.TokenIndex, price,
		e.Config.TargetHealthRatio, exchange.HealthInit)
	if err != nil {
		return decimal.Zero, err
	}
	if limit := e.Config.MaxTokenLiabTransfer; limit.Sign() > 0 {
		amount = decimal.Min(amount, limit)
	}
	return amount, nil
}

// perpNegativePnlStep takes over perp losses, socializing them if the
// account is bankrupt.
func (e *Executor) perpNegativePnlStep(ctx context.Context, pubkey solana.PublicKey, account *exchange.MarginAccount, hc *health.Cache) (solana.Signature, bool, error) {
	for _, pp := range account.ActivePerpPositions() {
		info, err := hc.PerpInfoFor(pp.MarketIndex)
		if err != nil {
			return solana.Signature{}, false, err
		}
		if info.UnweightedHealthUnsettledPnl(exchange.HealthMaint).Sign() >= 0 {
			continue
		}
		market, err := e.Provider.PerpMarket(pp.MarketIndex)
		if err != nil {
			return solana.Signature{}, false, err
		}
		settleBank, err := e.Provider.Bank(market.SettleTokenIndex)
		if err != nil {
			return solana.Signature{}, false, err
		}
		ix, err := e.Client.PerpLiqNegativePnlOrBankruptcyIx(pubkey, market, settleBank, math.MaxUint64)
		if err != nil {
			return solana.Signature{}, false, err
		}
		sig, err := e.Client.SendInstructions(ctx, ix)
		return sig, true, err
	}
	return solana.Signature{}, false, nil
}

// tokenBankruptcyStep socializes the largest remaining borrow once no
// collateral is left to take.
func (e *Executor) tokenBankruptcyStep(ctx context.Context, pubkey solana.PublicKey, hc *health.Cache) (solana.Signature, bool, error) {
	worst := decimal.Zero
	var liabTi exchange.TokenIndex
	have := false
	for i := range hc.TokenInfos {
		ti := &hc.TokenInfos[i]
		value := ti.BalanceSpot.Mul(ti.Prices.Oracle)
		if value.Sign() < 0 && value.Cmp(worst) < 0 {
			worst, liabTi, have = value, ti.TokenIndex, true
		}
	}
	if !have {
		return solana.Signature{}, false, nil
	}

	liab, err := e.Provider.Bank(liabTi)
	if err != nil {
		return solana.Signature{}, false, err
	}
	quote, err := e.Provider.Bank(exchange.QuoteTokenIndex)
	if err != nil {
		return solana.Signature{}, false, err
	}

	ix, err := e.Client.TokenLiqBankruptcyIx(pubkey, liab, quote, worst.Neg())
	if err != nil {
		return solana.Signature{}, false, err
	}
	sig, err := e.Client.SendInstructions(ctx, ix)
	return sig, true, err
}

// refreshAfterWrite waits for the RPC to reach the transaction's slot and
// re-reads the touched accounts, so the next scan pass sees the new state.
func (e *Executor) refreshAfterWrite(ctx context.Context, sig solana.Signature, accounts ...solana.PublicKey) {
	maxSlot, err := e.Fetcher.TransactionMaxSlot(ctx, sig)
	if err != nil {
		e.Log.Warn().Err(err).Msg("could not resolve transaction slot for refresh")
		return
	}
	keys := append([]solana.PublicKey{e.Client.LiqorAccount}, accounts...)
	if err := e.Fetcher.RefreshAccountsUntilSlot(ctx, e.Cache, keys, maxSlot, e.Config.RefreshTimeout); err != nil {
		e.Log.Warn().Err(err).Msg("post transaction account refresh failed")
	}
}

// isBenignExecutionRace matches program rejections that mean someone else
// already fixed or claimed the account.
func isBenignExecutionRace(err error) bool {
	return txclient.ErrorContainsLog(err, txclient.LogHealthMustBeNegative) ||
		txclient.ErrorContainsLog(err, txclient.LogIsNotBankrupt)
}
