package health_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	"liqkeeper/internal/exchange"
	"liqkeeper/internal/health"
	"liqkeeper/internal/oracle"
)

type fakeProvider struct {
	banks   map[exchange.TokenIndex]*exchange.Bank
	perps   map[exchange.PerpMarketIndex]*exchange.PerpMarket
	oracles map[solana.PublicKey]oracle.State
	errs    map[solana.PublicKey]error
}

func (f *fakeProvider) Bank(ti exchange.TokenIndex) (*exchange.Bank, error) {
	b, ok := f.banks[ti]
	if !ok {
		return nil, fmt.Errorf("no bank for token %d", ti)
	}
	return b, nil
}

func (f *fakeProvider) PerpMarket(mi exchange.PerpMarketIndex) (*exchange.PerpMarket, error) {
	m, ok := f.perps[mi]
	if !ok {
		return nil, fmt.Errorf("no perp market %d", mi)
	}
	return m, nil
}

func (f *fakeProvider) OracleState(feed solana.PublicKey, cfg oracle.Config) (oracle.State, error) {
	if err, ok := f.errs[feed]; ok {
		return oracle.State{}, err
	}
	s, ok := f.oracles[feed]
	if !ok {
		return oracle.State{}, &oracle.Error{Kind: oracle.ErrMissingFeed, Feed: feed}
	}
	return s, nil
}

func testBank(ti exchange.TokenIndex, feed, fallback solana.PublicKey) *exchange.Bank {
	return &exchange.Bank{
		TokenIndex:       ti,
		DepositIndex:     decimal.NewFromInt(1),
		BorrowIndex:      decimal.NewFromInt(1),
		InitAssetWeight:  dec("0.9"),
		InitLiabWeight:   dec("1.1"),
		MaintAssetWeight: dec("0.95"),
		MaintLiabWeight:  dec("1.05"),
		Oracle:           feed,
		FallbackOracle:   fallback,
	}
}

func TestNewCacheBuildsTokenBalances(t *testing.T) {
	feed := solana.NewWallet().PublicKey()
	p := &fakeProvider{
		banks:   map[exchange.TokenIndex]*exchange.Bank{1: testBank(1, feed, solana.PublicKey{})},
		oracles: map[solana.PublicKey]oracle.State{feed: {Price: dec("3")}},
	}
	account := &exchange.MarginAccount{
		Tokens: []exchange.TokenPosition{{TokenIndex: 1, IndexedPosition: dec("100")}},
	}

	c, err := health.NewCache(account, p, health.FallbackNever)
	if err != nil {
		t.Fatal(err)
	}
	if len(c.TokenInfos) != 1 {
		t.Fatalf("token infos = %d, want 1", len(c.TokenInfos))
	}
	if !c.TokenInfos[0].BalanceSpot.Equal(dec("100")) {
		t.Errorf("balance = %s, want 100", c.TokenInfos[0].BalanceSpot)
	}
	if !c.TokenInfos[0].Prices.Oracle.Equal(dec("3")) {
		t.Errorf("oracle price = %s, want 3", c.TokenInfos[0].Prices.Oracle)
	}
}

func TestNewCacheTagsOracleErrorsWithTokenIndex(t *testing.T) {
	feed := solana.NewWallet().PublicKey()
	p := &fakeProvider{
		banks: map[exchange.TokenIndex]*exchange.Bank{7: testBank(7, feed, solana.PublicKey{})},
		errs: map[solana.PublicKey]error{
			feed: &oracle.Error{Kind: oracle.ErrStale, Feed: feed},
		},
	}
	account := &exchange.MarginAccount{
		Tokens: []exchange.TokenPosition{{TokenIndex: 7, IndexedPosition: dec("1")}},
	}

	_, err := health.NewCache(account, p, health.FallbackNever)
	var oerr *oracle.Error
	if !errors.As(err, &oerr) {
		t.Fatalf("expected an oracle error, got %v", err)
	}
	if oerr.TokenIndex != 7 {
		t.Errorf("token index on error = %d, want 7", oerr.TokenIndex)
	}
	if oerr.Kind != oracle.ErrStale {
		t.Errorf("error kind = %s, want stale", oerr.Kind)
	}
}

func TestNewCacheFallbackPolicy(t *testing.T) {
	feed := solana.NewWallet().PublicKey()
	fallback := solana.NewWallet().PublicKey()
	p := &fakeProvider{
		banks: map[exchange.TokenIndex]*exchange.Bank{1: testBank(1, feed, fallback)},
		errs: map[solana.PublicKey]error{
			feed: &oracle.Error{Kind: oracle.ErrStale, Feed: feed},
		},
		oracles: map[solana.PublicKey]oracle.State{fallback: {Price: dec("2")}},
	}
	account := &exchange.MarginAccount{
		Tokens: []exchange.TokenPosition{{TokenIndex: 1, IndexedPosition: dec("10")}},
	}

	// Strict policy refuses the fallback.
	if _, err := health.NewCache(account, p, health.FallbackNever); err == nil {
		t.Fatal("expected an error under the strict policy")
	}

	// Permissive policy substitutes the fallback feed.
	c, err := health.NewCache(account, p, health.FallbackIfInvalid)
	if err != nil {
		t.Fatal(err)
	}
	if !c.TokenInfos[0].Prices.Oracle.Equal(dec("2")) {
		t.Errorf("price = %s, want the fallback's 2", c.TokenInfos[0].Prices.Oracle)
	}
}

func TestNewCacheAddsSettleTokenForPerp(t *testing.T) {
	bankFeed := solana.NewWallet().PublicKey()
	perpFeed := solana.NewWallet().PublicKey()
	market := &exchange.PerpMarket{
		MarketIndex:             3,
		SettleTokenIndex:        0,
		BaseLotSize:             100,
		QuoteLotSize:            10,
		MaintBaseAssetWeight:    dec("0.8"),
		MaintBaseLiabWeight:     dec("1.2"),
		InitBaseAssetWeight:     dec("0.7"),
		InitBaseLiabWeight:      dec("1.3"),
		MaintOverallAssetWeight: dec("0.9"),
		InitOverallAssetWeight:  dec("0.8"),
		Oracle:                  perpFeed,
	}
	p := &fakeProvider{
		banks: map[exchange.TokenIndex]*exchange.Bank{0: testBank(0, bankFeed, solana.PublicKey{})},
		perps: map[exchange.PerpMarketIndex]*exchange.PerpMarket{3: market},
		oracles: map[solana.PublicKey]oracle.State{
			bankFeed: {Price: dec("1")},
			perpFeed: {Price: dec("5")},
		},
	}
	account := &exchange.MarginAccount{
		Perps: []exchange.PerpPosition{{MarketIndex: 3, BasePositionLots: 2}},
	}

	c, err := health.NewCache(account, p, health.FallbackNever)
	if err != nil {
		t.Fatal(err)
	}
	if len(c.TokenInfos) != 1 || c.TokenInfos[0].TokenIndex != 0 {
		t.Fatal("expected a settle token info to be created")
	}
	if len(c.PerpInfos) != 1 {
		t.Fatal("expected one perp info")
	}
	if c.PerpInfos[0].BaseLots != 2 {
		t.Errorf("base lots = %d, want 2", c.PerpInfos[0].BaseLots)
	}
}
