package chaindata

import (
	"fmt"
	"sync"

	"github.com/gagliardetto/solana-go"

	"liqkeeper/internal/exchange"
	"liqkeeper/internal/oracle"
)

// Group is the decoded registry of banks and perp markets for one exchange
// group. It is refreshed from raw account writes as they arrive so that
// health computations never decode bank accounts on the hot path.
type Group struct {
	mu          sync.RWMutex
	banks       map[exchange.TokenIndex]*exchange.Bank
	perpMarkets map[exchange.PerpMarketIndex]*exchange.PerpMarket
}

// NewGroup creates an empty registry.
func NewGroup() *Group {
	return &Group{
		banks:       make(map[exchange.TokenIndex]*exchange.Bank),
		perpMarkets: make(map[exchange.PerpMarketIndex]*exchange.PerpMarket),
	}
}

// ApplyAccount decodes bank and perp market writes into the registry. Other
// account types are ignored. Returns whether the write was consumed.
func (g *Group) ApplyAccount(u AccountUpdate) (bool, error) {
	disc, ok := exchange.DiscriminatorOf(u.Data)
	if !ok {
		return false, nil
	}

	switch disc {
	case exchange.BankDiscriminator:
		bank, err := exchange.DecodeBank(u.Data, u.Pubkey)
		if err != nil {
			return false, fmt.Errorf("bank %s: %w", u.Pubkey, err)
		}
		g.mu.Lock()
		g.banks[bank.TokenIndex] = bank
		g.mu.Unlock()
		return true, nil

	case exchange.PerpMarketDiscriminator:
		market, err := exchange.DecodePerpMarket(u.Data, u.Pubkey)
		if err != nil {
			return false, fmt.Errorf("perp market %s: %w", u.Pubkey, err)
		}
		g.mu.Lock()
		g.perpMarkets[market.MarketIndex] = market
		g.mu.Unlock()
		return true, nil
	}
	return false, nil
}

// Bank returns the decoded bank for a token index.
func (g *Group) Bank(ti exchange.TokenIndex) (*exchange.Bank, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	b, ok := g.banks[ti]
	if !ok {
		return nil, fmt.Errorf("no bank known for token index %d", ti)
	}
	return b, nil
}

// PerpMarket returns the decoded perp market for a market index.
func (g *Group) PerpMarket(mi exchange.PerpMarketIndex) (*exchange.PerpMarket, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	m, ok := g.perpMarkets[mi]
	if !ok {
		return nil, fmt.Errorf("no perp market known for index %d", mi)
	}
	return m, nil
}

// TokenIndexes lists the token indexes with a known bank.
func (g *Group) TokenIndexes() []exchange.TokenIndex {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]exchange.TokenIndex, 0, len(g.banks))
	for ti := range g.banks {
		out = append(out, ti)
	}
	return out
}

// PerpMarketIndexes lists the known perp market indexes.
func (g *Group) PerpMarketIndexes() []exchange.PerpMarketIndex {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]exchange.PerpMarketIndex, 0, len(g.perpMarkets))
	for mi := range g.perpMarkets {
		out = append(out, mi)
	}
	return out
}

// Provider serves health cache construction from the raw cache and the
// decoded registry.
type Provider struct {
	Cache *Cache
	Group *Group
}

// Bank implements health.Provider.
func (p *Provider) Bank(ti exchange.TokenIndex) (*exchange.Bank, error) {
	return p.Group.Bank(ti)
}

// PerpMarket implements health.Provider.
func (p *Provider) PerpMarket(mi exchange.PerpMarketIndex) (*exchange.PerpMarket, error) {
	return p.Group.PerpMarket(mi)
}

// OracleState implements health.Provider, resolving the cached feed account
// against the latest known slot.
func (p *Provider) OracleState(feed solana.PublicKey, cfg oracle.Config) (oracle.State, error) {
	acc, ok := p.Cache.Get(feed)
	if !ok {
		return oracle.State{}, &oracle.Error{Kind: oracle.ErrMissingFeed, Feed: feed, Detail: "feed account not cached"}
	}
	return oracle.Resolve(acc.Data, feed, cfg, p.Cache.LatestSlot())
}
