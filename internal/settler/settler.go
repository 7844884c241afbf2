// Package settler moves unsettled perp pnl between accounts. Profitable
// positions only become withdrawable collateral once settled against a
// losing position, so the bot pairs the largest claims each pass.
package settler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"liqkeeper/internal/chaindata"
	"liqkeeper/internal/errtrack"
	"liqkeeper/internal/exchange"
	"liqkeeper/internal/health"
	"liqkeeper/internal/observability"
	"liqkeeper/internal/txclient"
)

const errTypeSettle = "settle"

// Config tunes the settler.
type Config struct {
	// Pause between settlement passes.
	Interval time.Duration
	// Smallest pnl value in settle token native units worth a transaction.
	MinPnlValue decimal.Decimal
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:    10 * time.Second,
		MinPnlValue: decimal.NewFromInt(1_000_000),
	}
}

// Settler scans all accounts per perp market and settles the best
// profit/loss pair.
type Settler struct {
	Client   *txclient.ExchangeClient
	Cache    *chaindata.Cache
	Provider *chaindata.Provider
	Fetcher  *chaindata.Fetcher
	Accounts func() []solana.PublicKey
	Config   Config
	Metrics  *observability.Metrics
	Log      zerolog.Logger

	errors *errtrack.Tracking[solana.PublicKey]
}

// NewSettler wires a settler with its own error tracking.
func NewSettler(client *txclient.ExchangeClient, cache *chaindata.Cache, provider *chaindata.Provider, fetcher *chaindata.Fetcher, accounts func() []solana.PublicKey, cfg Config, metrics *observability.Metrics, log zerolog.Logger) *Settler {
	return &Settler{
		Client:   client,
		Cache:    cache,
		Provider: provider,
		Fetcher:  fetcher,
		Accounts: accounts,
		Config:   cfg,
		Metrics:  metrics,
		Log:      log,
		errors: errtrack.New[solana.PublicKey](log, errtrack.Options{
			SkipThreshold: 5,
			SkipDuration:  2 * time.Minute,
		}),
	}
}

// Run settles until the context ends.
func (s *Settler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s.settlePass(ctx)
		s.errors.Update(time.Now())
	}
}

// claim is one account's settleable pnl on one market.
type claim struct {
	account solana.PublicKey
	pnl     decimal.Decimal
	// For losers, how much the account can actually pay before its maint
	// health reaches zero.
	maxSettle decimal.Decimal
}

func (s *Settler) settlePass(ctx context.Context) {
	for _, mi := range s.Provider.Group.PerpMarketIndexes() {
		if err := s.settleMarket(ctx, mi); err != nil {
			s.Metrics.SettlementErrors.Inc()
			s.Log.Warn().Err(err).Uint16("market_index", uint16(mi)).
				Msg("settlement pass failed for market")
		}
	}
}

func (s *Settler) settleMarket(ctx context.Context, mi exchange.PerpMarketIndex) error {
	market, err := s.Provider.PerpMarket(mi)
	if err != nil {
		return err
	}
	settleBank, err := s.Provider.Bank(market.SettleTokenIndex)
	if err != nil {
		return err
	}
	perpPrices, err := s.Provider.OracleState(market.Oracle, market.OracleConfig)
	if err != nil {
		return err
	}

	var profits, losses []claim
	now := time.Now()
	for _, pk := range s.Accounts() {
		if _, skip := s.errors.HadTooManyErrors(errTypeSettle, pk, now); skip {
			continue
		}
		c, ok, err := s.claimFor(pk, mi, market, perpPrices.Price)
		if err != nil {
			s.errors.Record(errTypeSettle, pk, err.Error())
			continue
		}
		if !ok {
			continue
		}
		if c.pnl.Sign() > 0 {
			profits = append(profits, c)
		} else if c.pnl.Sign() < 0 {
			losses = append(losses, c)
		}
	}
	profit, loss, settleable, ok := bestPair(profits, losses)
	if !ok || settleable.Cmp(s.Config.MinPnlValue) < 0 {
		return nil
	}

	ix, err := s.Client.PerpSettlePnlIx(profit.account, loss.account, market, settleBank)
	if err != nil {
		return err
	}
	sig, err := s.Client.SendInstructions(ctx, ix)
	if err != nil {
		s.errors.Record(errTypeSettle, profit.account, err.Error())
		return fmt.Errorf("settle %s against %s: %w", profit.account, loss.account, err)
	}

	s.Metrics.SettlementsExecuted.Inc()
	s.errors.Clear(profit.account)
	s.errors.Clear(loss.account)
	s.Log.Info().
		Uint16("market_index", uint16(mi)).
		Str("profit_account", profit.account.String()).
		Str("loss_account", loss.account.String()).
		Str("amount", settleable.String()).
		Str("signature", sig.String()).
		Msg("perp pnl settled")

	keys := []solana.PublicKey{profit.account, loss.account}
	if maxSlot, err := s.Fetcher.TransactionMaxSlot(ctx, sig); err == nil {
		if err := s.Fetcher.RefreshAccountsUntilSlot(ctx, s.Cache, keys, maxSlot, 30*time.Second); err != nil {
			s.Log.Warn().Err(err).Msg("post settlement refresh failed")
		}
	}
	return nil
}

// bestPair picks the largest profit claim and the loss claim with the most
// settlement capacity. The settleable amount is bounded by the profit, by the
// loss itself, and by how much the losing account can pay before its maint
// health hits zero.
func bestPair(profits, losses []claim) (profit, loss claim, settleable decimal.Decimal, ok bool) {
	if len(profits) == 0 || len(losses) == 0 {
		return claim{}, claim{}, decimal.Zero, false
	}
	sort.Slice(profits, func(i, j int) bool { return profits[i].pnl.Cmp(profits[j].pnl) > 0 })
	sort.Slice(losses, func(i, j int) bool { return losses[i].maxSettle.Cmp(losses[j].maxSettle) > 0 })

	profit, loss = profits[0], losses[0]
	settleable = decimal.Min(profit.pnl, loss.pnl.Neg(), loss.maxSettle)
	return profit, loss, settleable, true
}

// claimFor computes an account's settleable pnl on one market.
func (s *Settler) claimFor(pk solana.PublicKey, mi exchange.PerpMarketIndex, market *exchange.PerpMarket, price decimal.Decimal) (claim, bool, error) {
	raw, ok := s.Cache.Get(pk)
	if !ok {
		return claim{}, false, nil
	}
	account, err := exchange.DecodeMarginAccount(raw.Data)
	if err != nil {
		return claim{}, false, err
	}

	var pos *exchange.PerpPosition
	for _, pp := range account.ActivePerpPositions() {
		if pp.MarketIndex == mi {
			pos = pp
			break
		}
	}
	if pos == nil {
		return claim{}, false, nil
	}

	pnl := pos.UnsettledPnl(market, price)
	c := claim{account: pk, pnl: pnl}
	if pnl.Sign() < 0 {
		hc, err := health.NewCache(account, s.Provider, health.FallbackIfInvalid)
		if err != nil {
			return claim{}, false, err
		}
		maxSettle, err := hc.PerpMaxSettle(market.SettleTokenIndex)
		if err != nil {
			return claim{}, false, err
		}
		c.maxSettle = maxSettle
	}
	return c, true, nil
}
