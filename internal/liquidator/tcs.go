package liquidator

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	"liqkeeper/internal/exchange"
	"liqkeeper/internal/health"
)

// tcsOraclePrice returns the swap's condition price, sell token per buy
// token, from the two banks' oracles.
func (e *Executor) tcsOraclePrice(buyBank, sellBank *exchange.Bank) (price, buyPrice, sellPrice decimal.Decimal, err error) {
	buyPrices, err := health.BankPrices(e.Provider, buyBank, health.FallbackNever)
	if err != nil {
		return decimal.Zero, decimal.Zero, decimal.Zero, err
	}
	sellPrices, err := health.BankPrices(e.Provider, sellBank, health.FallbackNever)
	if err != nil {
		return decimal.Zero, decimal.Zero, decimal.Zero, err
	}
	return buyPrices.Oracle.Div(sellPrices.Oracle), buyPrices.Oracle, sellPrices.Oracle, nil
}

// FindInterestingTcs scans one account's conditional swaps and returns the
// ones worth executing. Broken entries are logged and skipped so one bad
// swap cannot hide the others on the same account.
func (e *Executor) FindInterestingTcs(pubkey solana.PublicKey) ([]TcsCandidate, error) {
	account, err := e.LoadAccount(pubkey)
	if err != nil {
		return nil, err
	}

	nowTs := uint64(time.Now().Unix())
	var out []TcsCandidate
	for _, tcs := range account.ActiveTokenConditionalSwaps() {
		candidate, ok, err := e.evaluateTcs(account, tcs, nowTs)
		if err != nil {
			e.Log.Warn().Err(err).
				Str("account", pubkey.String()).
				Uint64("tcs_id", tcs.ID).
				Msg("skipping conditional swap entry")
			continue
		}
		if ok {
			candidate.Account = pubkey
			out = append(out, candidate)
		}
	}
	return out, nil
}

func (e *Executor) evaluateTcs(account *exchange.MarginAccount, tcs *exchange.TokenConditionalSwap, nowTs uint64) (TcsCandidate, bool, error) {
	if tcs.IsExpired(nowTs) {
		return TcsCandidate{}, false, nil
	}

	buyBank, err := e.Provider.Bank(tcs.BuyTokenIndex)
	if err != nil {
		return TcsCandidate{}, false, err
	}
	sellBank, err := e.Provider.Bank(tcs.SellTokenIndex)
	if err != nil {
		return TcsCandidate{}, false, err
	}
	price, buyPrice, _, err := e.tcsOraclePrice(buyBank, sellBank)
	if err != nil {
		return TcsCandidate{}, false, err
	}

	if !tcs.IsStartable(price, nowTs) && !tcs.IsTriggerable(price, nowTs) {
		return TcsCandidate{}, false, nil
	}

	// Drop candidates whose premium cannot cover the cost of routing the
	// received tokens back through the quote token.
	if e.SwapInfos != nil {
		premiumPrice := tcs.PremiumPrice(price, nowTs)
		takerPrice := tcs.TakerPrice(premiumPrice)
		if price.Sign() > 0 {
			premium := takerPrice.Div(price).Sub(decimal.NewFromInt(1))
			if premium.Cmp(e.SwapInfos.RequiredPremium(tcs.BuyTokenIndex, tcs.SellTokenIndex)) < 0 {
				return TcsCandidate{}, false, nil
			}
		}
	}

	buyBalance := decimal.Zero
	if pos, ok := account.TokenPositionByIndex(tcs.BuyTokenIndex); ok {
		buyBalance = pos.Native(buyBank)
	}
	sellBalance := decimal.Zero
	if pos, ok := account.TokenPositionByIndex(tcs.SellTokenIndex); ok {
		sellBalance = pos.Native(sellBank)
	}

	maxBuy := tcs.MaxBuyForPosition(buyBalance, buyBank)
	maxSell := tcs.MaxSellForPosition(sellBalance, sellBank)
	if maxBuy == 0 || maxSell == 0 {
		return TcsCandidate{}, false, nil
	}

	// Estimated executable volume in quote native units, for ordering and
	// the minimum volume cutoff.
	sellLimitedBuy := decimal.NewFromUint64(maxSell).Div(price)
	buyAmount := decimal.Min(decimal.NewFromUint64(maxBuy), sellLimitedBuy)
	volume := buyAmount.Mul(buyPrice)
	if !volume.IsPositive() || volume.Cmp(decimal.NewFromUint64(e.Config.TcsMinVolume)) < 0 {
		return TcsCandidate{}, false, nil
	}

	v := volume.BigInt()
	vol := uint64(0)
	if v.IsUint64() {
		vol = v.Uint64()
	}
	return TcsCandidate{TcsID: tcs.ID, Volume: vol}, true, nil
}

// ExecuteTcs re-verifies a candidate against fresh state and either starts
// the auction or triggers the swap. Candidates that vanished or stopped
// qualifying are not errors.
func (e *Executor) ExecuteTcs(ctx context.Context, c TcsCandidate) (bool, error) {
	account, _, err := e.Fetcher.FetchMarginAccount(ctx, c.Account)
	if err != nil {
		return false, fmt.Errorf("refetch %s: %w", c.Account, err)
	}
	tcs, ok := account.TokenConditionalSwapByID(c.TcsID)
	if !ok {
		// Executed or cancelled since the scan.
		return false, nil
	}

	nowTs := uint64(time.Now().Unix())
	buyBank, err := e.Provider.Bank(tcs.BuyTokenIndex)
	if err != nil {
		return false, err
	}
	sellBank, err := e.Provider.Bank(tcs.SellTokenIndex)
	if err != nil {
		return false, err
	}
	price, buyPrice, _, err := e.tcsOraclePrice(buyBank, sellBank)
	if err != nil {
		return false, err
	}

	if tcs.IsStartable(price, nowTs) {
		ix, err := e.Client.TcsStartIx(c.Account, buyBank, sellBank, tcs.ID)
		if err != nil {
			return false, err
		}
		sig, err := e.Client.SendInstructions(ctx, ix)
		if err != nil {
			e.recordTcsOutcome(ctx, c.Account, tcs.ID, solana.Signature{}, err)
			return false, err
		}
		e.Log.Info().
			Str("account", c.Account.String()).
			Uint64("tcs_id", tcs.ID).
			Str("signature", sig.String()).
			Msg("conditional swap auction started")
		e.recordTcsOutcome(ctx, c.Account, tcs.ID, sig, nil)
		e.refreshAfterWrite(ctx, sig, c.Account)
		return true, nil
	}

	if !tcs.IsTriggerable(price, nowTs) {
		return false, nil
	}

	premiumPrice := tcs.PremiumPrice(price, nowTs)
	takerPrice := tcs.TakerPrice(premiumPrice)

	mode := resolveTcsSourcing(e.Config.TcsMode, e.Swap != nil, sellBank.ReduceOnly)

	buyAmount, err := e.tcsExecutableBuyAmount(account, tcs, buyBank, sellBank, takerPrice, buyPrice, mode)
	if err != nil {
		return false, err
	}
	if buyAmount == 0 {
		return false, nil
	}

	profitable, err := e.tcsIsProfitable(ctx, buyBank, sellBank, takerPrice, buyAmount)
	if err != nil {
		return false, err
	}
	if !profitable {
		e.Log.Debug().
			Str("account", c.Account.String()).
			Uint64("tcs_id", tcs.ID).
			Msg("conditional swap not profitable at current route prices")
		return false, nil
	}

	if err := e.tcsSourcingSwap(ctx, mode, tcs, buyBank, sellBank, buyAmount, takerPrice, buyPrice); err != nil {
		e.recordTcsOutcome(ctx, c.Account, tcs.ID, solana.Signature{}, err)
		return false, err
	}

	minBuy := tcsMinBuyToken(buyAmount, e.Config.TcsMinBuyFraction)
	maxSell := decimal.NewFromUint64(buyAmount).Mul(takerPrice).Ceil().BigInt().Uint64()
	takerPriceF, _ := takerPrice.Float64()

	ix, err := e.Client.TcsTriggerIx(c.Account, buyBank, sellBank, tcs.ID, buyAmount, maxSell, minBuy, takerPriceF)
	if err != nil {
		return false, err
	}
	sig, err := e.Client.SendInstructions(ctx, ix)
	if err != nil {
		if isBenignExecutionRace(err) {
			return false, nil
		}
		e.recordTcsOutcome(ctx, c.Account, tcs.ID, solana.Signature{}, err)
		return false, err
	}

	e.Metrics.TcsTriggered.Inc()
	e.Metrics.TcsTriggerVolume.Add(float64(c.Volume))
	e.recordTcsOutcome(ctx, c.Account, tcs.ID, sig, nil)
	e.Log.Info().
		Str("account", c.Account.String()).
		Uint64("tcs_id", tcs.ID).
		Uint64("buy_amount", buyAmount).
		Str("mode", mode.String()).
		Str("signature", sig.String()).
		Msg("conditional swap triggered")

	e.refreshAfterWrite(ctx, sig, c.Account)
	return true, nil
}

// resolveTcsSourcing settles the configured sourcing mode against what the
// banks allow. Swap modes need a swap client; sell-into-buy needs sell
// borrows, so a reduce only sell bank falls back to collateral sourcing.
func resolveTcsSourcing(configured TcsMode, haveSwapClient, sellReduceOnly bool) TcsMode {
	if !haveSwapClient {
		return TcsModeBorrowBuyToken
	}
	if configured == TcsModeSwapSellIntoBuy && sellReduceOnly {
		return TcsModeSwapCollateralIntoBuy
	}
	return configured
}

// tcsMinBuyToken is the smallest fill the trigger instruction may settle
// for, as a fraction of the computed buy amount.
func tcsMinBuyToken(buyAmount uint64, fraction decimal.Decimal) uint64 {
	if fraction.Sign() <= 0 {
		return 0
	}
	min := decimal.NewFromUint64(buyAmount).Mul(fraction).Floor().BigInt()
	if !min.IsUint64() {
		return 0
	}
	return min.Uint64()
}

// swapSlippageFraction is the fraction of value expected to survive a swap
// at the configured slippage tolerance.
func (e *Executor) swapSlippageFraction() decimal.Decimal {
	if e.Swap == nil {
		return decimal.NewFromInt(1)
	}
	bps := decimal.NewFromInt(int64(e.Swap.SlippageBps()))
	return decimal.NewFromInt(1).Sub(bps.Div(decimal.NewFromInt(10_000)))
}

// tcsExecutableBuyAmount caps the buy amount by the maker's position limits,
// the liqor's capacity under the chosen sourcing mode, and the configured
// per-transaction volume.
func (e *Executor) tcsExecutableBuyAmount(account *exchange.MarginAccount, tcs *exchange.TokenConditionalSwap, buyBank, sellBank *exchange.Bank, takerPrice, buyPrice decimal.Decimal, mode TcsMode) (uint64, error) {
	buyBalance := decimal.Zero
	if pos, ok := account.TokenPositionByIndex(tcs.BuyTokenIndex); ok {
		buyBalance = pos.Native(buyBank)
	}
	sellBalance := decimal.Zero
	if pos, ok := account.TokenPositionByIndex(tcs.SellTokenIndex); ok {
		sellBalance = pos.Native(sellBank)
	}

	amount := decimal.NewFromUint64(tcs.MaxBuyForPosition(buyBalance, buyBank))
	sellLimited := decimal.NewFromUint64(tcs.MaxSellForPosition(sellBalance, sellBank)).Div(takerPrice)
	amount = decimal.Min(amount, sellLimited)

	// The liqor provides the buy token and receives the sell token; the
	// sourcing mode decides which of its positions that strains, and the
	// resulting swap must leave its health ratio above the floor.
	liqor, err := e.LoadAccount(e.Client.LiqorAccount)
	if err != nil {
		return 0, fmt.Errorf("load liqor account: %w", err)
	}
	hc, err := health.NewCache(liqor, e.Provider, health.FallbackIfInvalid)
	if err != nil {
		return 0, err
	}
	buyPrices, err := health.BankPrices(e.Provider, buyBank, health.FallbackIfInvalid)
	if err != nil {
		return 0, err
	}
	sellPrices, err := health.BankPrices(e.Provider, sellBank, health.FallbackIfInvalid)
	if err != nil {
		return 0, err
	}
	hc.EnsureTokenInfo(buyBank, buyPrices)
	hc.EnsureTokenInfo(sellBank, sellPrices)

	slip := e.swapSlippageFraction()
	var liqorMax decimal.Decimal
	switch mode {
	case TcsModeBorrowBuyToken:
		liqorMax, err = hc.MaxSwapSourceForHealthRatio(
			tcs.BuyTokenIndex, tcs.SellTokenIndex, takerPrice,
			e.Config.TcsMinLiqorHealthRatio, exchange.HealthInit)
		if err != nil {
			return 0, err
		}

	case TcsModeSwapSellIntoBuy:
		// How big can the sell -> buy sourcing swap be?
		buyPerSell := decimal.NewFromInt(1).Div(takerPrice).Mul(slip)
		maxSell, err := hc.MaxSwapSourceForHealthRatio(
			tcs.SellTokenIndex, tcs.BuyTokenIndex, buyPerSell,
			e.Config.TcsMinLiqorHealthRatio, exchange.HealthInit)
		if err != nil {
			return 0, err
		}
		liqorMax = maxSell.Mul(buyPerSell)

	case TcsModeSwapCollateralIntoBuy:
		if tcs.BuyTokenIndex == exchange.QuoteTokenIndex {
			// Already holding the collateral; spend only the deposit.
			liqorBuy := decimal.Zero
			if pos, ok := liqor.TokenPositionByIndex(tcs.BuyTokenIndex); ok {
				liqorBuy = decimal.Max(pos.Native(buyBank), decimal.Zero)
			}
			liqorMax = liqorBuy
			break
		}
		collBank, err := e.Provider.Bank(exchange.QuoteTokenIndex)
		if err != nil {
			return 0, err
		}
		collPrices, err := health.BankPrices(e.Provider, collBank, health.FallbackIfInvalid)
		if err != nil {
			return 0, err
		}
		hc.EnsureTokenInfo(collBank, collPrices)
		buyPerColl := collPrices.Oracle.Div(buyPrices.Oracle).Mul(slip)
		collAmount, err := hc.MaxSwapSourceForHealthRatio(
			exchange.QuoteTokenIndex, tcs.BuyTokenIndex, buyPerColl,
			e.Config.TcsMinLiqorHealthRatio, exchange.HealthInit)
		if err != nil {
			return 0, err
		}
		liqorMax = collAmount.Mul(buyPerColl)
	}
	amount = decimal.Min(amount, liqorMax)

	if e.Config.TcsMaxVolume > 0 && buyPrice.Sign() > 0 {
		volumeCap := decimal.NewFromUint64(e.Config.TcsMaxVolume).Div(buyPrice)
		amount = decimal.Min(amount, volumeCap)
	}

	if amount.Sign() <= 0 {
		return 0, nil
	}
	floor := amount.Floor().BigInt()
	if !floor.IsUint64() {
		return 0, nil
	}
	return floor.Uint64(), nil
}

// tcsSourcingSwap acquires the buy tokens the trigger will hand to the
// liqee. The aggregator returns a fully built versioned transaction with
// its own lookup tables, so the sourcing swap is submitted as a separate
// transaction immediately before the trigger.
func (e *Executor) tcsSourcingSwap(ctx context.Context, mode TcsMode, tcs *exchange.TokenConditionalSwap, buyBank, sellBank *exchange.Bank, buyAmount uint64, takerPrice, buyPrice decimal.Decimal) error {
	if mode == TcsModeBorrowBuyToken || e.Swap == nil {
		return nil
	}

	var inputMint solana.PublicKey
	var inputAmount decimal.Decimal
	switch mode {
	case TcsModeSwapSellIntoBuy:
		inputMint = sellBank.Mint
		inputAmount = decimal.NewFromUint64(buyAmount).Mul(takerPrice)
	case TcsModeSwapCollateralIntoBuy:
		if tcs.BuyTokenIndex == exchange.QuoteTokenIndex {
			// The buy token is the collateral itself; nothing to swap.
			return nil
		}
		collBank, err := e.Provider.Bank(exchange.QuoteTokenIndex)
		if err != nil {
			return err
		}
		collPrices, err := health.BankPrices(e.Provider, collBank, health.FallbackIfInvalid)
		if err != nil {
			return err
		}
		inputMint = collBank.Mint
		inputAmount = decimal.NewFromUint64(buyAmount).Mul(buyPrice).Div(collPrices.Oracle)
	default:
		return nil
	}

	in := inputAmount.Floor().BigInt()
	if !in.IsUint64() || in.Uint64() == 0 {
		return nil
	}

	e.Metrics.SwapQuotes.WithLabelValues("tcs-sourcing").Inc()
	quote, err := e.Swap.GetQuote(ctx, inputMint, buyBank.Mint, in.Uint64())
	if err != nil {
		e.Metrics.SwapQuoteErrors.Inc()
		return fmt.Errorf("sourcing swap quote: %w", err)
	}
	tx, err := e.Swap.BuildSwapTransaction(ctx, quote, e.Client.SignerKey())
	if err != nil {
		return fmt.Errorf("sourcing swap build: %w", err)
	}
	sig, err := e.Client.SignAndSend(ctx, tx)
	if err != nil {
		return fmt.Errorf("sourcing swap send: %w", err)
	}
	e.Log.Debug().
		Str("mode", mode.String()).
		Uint64("in_amount", in.Uint64()).
		Str("signature", sig.String()).
		Msg("sourcing swap executed")
	return nil
}

// tcsIsProfitable checks the taker price against an actual swap route for
// unloading the received sell tokens back into buy tokens. Without a swap
// client the trigger is assumed profitable and the position is kept.
func (e *Executor) tcsIsProfitable(ctx context.Context, buyBank, sellBank *exchange.Bank, takerPrice decimal.Decimal, buyAmount uint64) (bool, error) {
	if e.Swap == nil {
		return true, nil
	}

	sellAmount := decimal.NewFromUint64(buyAmount).Mul(takerPrice).Floor().BigInt()
	if !sellAmount.IsUint64() || sellAmount.Uint64() == 0 {
		return false, nil
	}

	e.Metrics.SwapQuotes.WithLabelValues("tcs").Inc()
	quote, err := e.Swap.GetQuote(ctx, sellBank.Mint, buyBank.Mint, sellAmount.Uint64())
	if err != nil {
		e.Metrics.SwapQuoteErrors.Inc()
		return false, err
	}

	// Route must return at least the buy tokens spent.
	return quote.OutAmount >= buyAmount, nil
}
