package liquidator

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"liqkeeper/internal/exchange"
	"liqkeeper/internal/health"
)

// Rebalancer swaps the liqor account's leftover non-quote positions back
// into the quote token, so collateral picked up in liquidations does not
// accumulate directional risk.
type Rebalancer struct {
	Executor *Executor
}

// Run rebalances on every signal and at least every rebalance interval.
func (r *Rebalancer) Run(ctx context.Context, signal <-chan struct{}) {
	e := r.Executor
	ticker := time.NewTicker(e.Config.RebalanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-signal:
		case <-ticker.C:
		}

		e.Metrics.RebalanceRuns.Inc()
		if err := r.rebalanceOnce(ctx); err != nil {
			e.Metrics.RebalanceErrors.Inc()
			e.Log.Warn().Err(err).Msg("rebalance pass failed")
		}
	}
}

func (r *Rebalancer) rebalanceOnce(ctx context.Context) error {
	e := r.Executor
	if e.Swap == nil {
		return nil
	}

	account, err := e.LoadAccount(e.Client.LiqorAccount)
	if err != nil {
		return err
	}
	quoteBank, err := e.Provider.Bank(exchange.QuoteTokenIndex)
	if err != nil {
		return err
	}
	threshold := decimal.NewFromUint64(e.Config.RebalanceMinThreshold)

	for _, pos := range account.ActiveTokenPositions() {
		if pos.TokenIndex == exchange.QuoteTokenIndex {
			continue
		}
		bank, err := e.Provider.Bank(pos.TokenIndex)
		if err != nil {
			e.Log.Warn().Err(err).Uint16("token_index", uint16(pos.TokenIndex)).
				Msg("rebalance skipping token without bank")
			continue
		}
		if err := r.rebalanceToken(ctx, bank, quoteBank, pos, threshold); err != nil {
			e.Log.Warn().Err(err).Str("token", bank.Name).
				Msg("rebalance swap failed")
		}
	}
	return nil
}

// rebalanceToken sells a leftover deposit into quote, or buys back a
// leftover borrow with quote, when its value crosses the threshold.
func (r *Rebalancer) rebalanceToken(ctx context.Context, bank, quoteBank *exchange.Bank, pos *exchange.TokenPosition, threshold decimal.Decimal) error {
	e := r.Executor

	prices, err := health.BankPrices(e.Provider, bank, health.FallbackIfInvalid)
	if err != nil {
		return err
	}

	native := pos.Native(bank)
	value := native.Abs().Mul(prices.Oracle)
	if value.Cmp(threshold) < 0 {
		return nil
	}

	inputMint, outputMint := bank.Mint, quoteBank.Mint
	inputAmount := native.Abs()
	if native.Sign() < 0 {
		// Buy the token back to close the borrow; the input side is quote,
		// sized by the borrow's oracle value.
		inputMint, outputMint = quoteBank.Mint, bank.Mint
		inputAmount = value
	}
	amount := inputAmount.Floor().BigInt()
	if !amount.IsUint64() || amount.Uint64() == 0 {
		return nil
	}

	e.Metrics.SwapQuotes.WithLabelValues("rebalance").Inc()
	quote, err := e.Swap.GetQuote(ctx, inputMint, outputMint, amount.Uint64())
	if err != nil {
		e.Metrics.SwapQuoteErrors.Inc()
		return err
	}
	tx, err := e.Swap.BuildSwapTransaction(ctx, quote, e.Client.SignerKey())
	if err != nil {
		return err
	}
	sig, err := e.Client.SignAndSend(ctx, tx)
	if err != nil {
		return err
	}

	e.Log.Info().
		Str("token", bank.Name).
		Str("amount", native.String()).
		Str("signature", sig.String()).
		Msg("rebalanced token position")
	return nil
}
