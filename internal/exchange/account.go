// Package exchange holds owned, decoded views of the on-chain margin exchange
// records: margin accounts, token banks, perp markets and token conditional
// swaps. All values are plain structs decoded from account bytes; nothing here
// aliases the raw buffers.
package exchange

import (
	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// TokenIndex identifies a token within a group.
type TokenIndex uint16

// PerpMarketIndex identifies a perp market within a group.
type PerpMarketIndex uint16

// SpotMarketIndex identifies an external order book market within a group.
type SpotMarketIndex uint16

// TokenIndexUnset marks an inactive token position slot.
const TokenIndexUnset TokenIndex = 0xffff

// PerpMarketIndexUnset marks an inactive perp position slot.
const PerpMarketIndexUnset PerpMarketIndex = 0xffff

// SpotMarketIndexUnset marks an inactive spot orders slot.
const SpotMarketIndexUnset SpotMarketIndex = 0xffff

// QuoteTokenIndex is the group's settlement currency.
const QuoteTokenIndex TokenIndex = 0

// TokenPosition is one signed, scaled token balance.
// The native amount is IndexedPosition * deposit index when positive,
// IndexedPosition * borrow index when negative.
type TokenPosition struct {
	TokenIndex      TokenIndex
	IndexedPosition decimal.Decimal
}

// IsActive reports whether this slot is in use.
func (p *TokenPosition) IsActive() bool {
	return p.TokenIndex != TokenIndexUnset
}

// Native converts the indexed position to native token units.
func (p *TokenPosition) Native(b *Bank) decimal.Decimal {
	if p.IndexedPosition.Sign() >= 0 {
		return p.IndexedPosition.Mul(b.DepositIndex)
	}
	return p.IndexedPosition.Mul(b.BorrowIndex)
}

// SpotOpenOrders tracks funds parked in an external order book's open orders
// account for one market. Reserved amounts may settle as either base or quote.
type SpotOpenOrders struct {
	MarketIndex     SpotMarketIndex
	BaseTokenIndex  TokenIndex
	QuoteTokenIndex TokenIndex
	OpenOrders      solana.PublicKey

	BaseReservedCached  uint64
	QuoteReservedCached uint64
	BaseFreeCached      uint64
	QuoteFreeCached     uint64

	BaseBorrowsWithoutFee  uint64
	QuoteBorrowsWithoutFee uint64
}

// IsActive reports whether this slot is in use.
func (o *SpotOpenOrders) IsActive() bool {
	return o.MarketIndex != SpotMarketIndexUnset
}

// HasFunds reports whether the open orders account holds anything at all.
func (o *SpotOpenOrders) HasFunds() bool {
	return o.BaseReservedCached > 0 || o.QuoteReservedCached > 0 ||
		o.BaseFreeCached > 0 || o.QuoteFreeCached > 0
}

// PerpPosition is one perp market position including resting orders.
type PerpPosition struct {
	MarketIndex PerpMarketIndex

	BasePositionLots    int64
	QuotePositionNative decimal.Decimal

	BidsBaseLots int64
	AsksBaseLots int64

	TakerBaseLots  int64
	TakerQuoteLots int64

	LongSettledFunding  decimal.Decimal
	ShortSettledFunding decimal.Decimal
}

// IsActive reports whether this slot is in use.
func (p *PerpPosition) IsActive() bool {
	return p.MarketIndex != PerpMarketIndexUnset
}

// HasOpenOrders reports whether the position has resting or in-flight orders.
func (p *PerpPosition) HasOpenOrders() bool {
	return p.BidsBaseLots != 0 || p.AsksBaseLots != 0
}

// HasOpenTakerFills reports whether there are fills not yet processed into the
// position.
func (p *PerpPosition) HasOpenTakerFills() bool {
	return p.TakerBaseLots != 0 || p.TakerQuoteLots != 0
}

// UnsettledFunding returns funding accrued since the position's last
// settlement, positive when the position owes funding.
func (p *PerpPosition) UnsettledFunding(m *PerpMarket) decimal.Decimal {
	lots := decimal.NewFromInt(p.BasePositionLots)
	switch {
	case p.BasePositionLots > 0:
		return m.LongFunding.Sub(p.LongSettledFunding).Mul(lots)
	case p.BasePositionLots < 0:
		return m.ShortFunding.Sub(p.ShortSettledFunding).Mul(lots)
	default:
		return decimal.Zero
	}
}

// UnsettledPnl is the quote position with pending funding applied, valued at
// the given oracle price.
func (p *PerpPosition) UnsettledPnl(m *PerpMarket, price decimal.Decimal) decimal.Decimal {
	baseNative := decimal.NewFromInt(p.BasePositionLots * m.BaseLotSize)
	return p.QuotePositionNative.Sub(p.UnsettledFunding(m)).Add(baseNative.Mul(price))
}

// MarginAccount is the owned view of one on-chain margin account.
type MarginAccount struct {
	Group solana.PublicKey
	Owner solana.PublicKey

	BeingLiquidated bool
	IsBankrupt      bool

	Tokens         []TokenPosition
	SpotOrders     []SpotOpenOrders
	Perps          []PerpPosition
	TokenCondSwaps []TokenConditionalSwap
}

// ActiveTokenPositions returns the in-use token position slots.
func (a *MarginAccount) ActiveTokenPositions() []*TokenPosition {
	out := make([]*TokenPosition, 0, len(a.Tokens))
	for i := range a.Tokens {
		if a.Tokens[i].IsActive() {
			out = append(out, &a.Tokens[i])
		}
	}
	return out
}

// ActiveSpotOrders returns the in-use spot open orders slots.
func (a *MarginAccount) ActiveSpotOrders() []*SpotOpenOrders {
	out := make([]*SpotOpenOrders, 0, len(a.SpotOrders))
	for i := range a.SpotOrders {
		if a.SpotOrders[i].IsActive() {
			out = append(out, &a.SpotOrders[i])
		}
	}
	return out
}

// ActivePerpPositions returns the in-use perp position slots.
func (a *MarginAccount) ActivePerpPositions() []*PerpPosition {
	out := make([]*PerpPosition, 0, len(a.Perps))
	for i := range a.Perps {
		if a.Perps[i].IsActive() {
			out = append(out, &a.Perps[i])
		}
	}
	return out
}

// ActiveTokenConditionalSwaps returns the configured TCS slots.
func (a *MarginAccount) ActiveTokenConditionalSwaps() []*TokenConditionalSwap {
	out := make([]*TokenConditionalSwap, 0, len(a.TokenCondSwaps))
	for i := range a.TokenCondSwaps {
		if a.TokenCondSwaps[i].IsConfigured {
			out = append(out, &a.TokenCondSwaps[i])
		}
	}
	return out
}

// TokenPositionByIndex returns the active position for a token, if any.
func (a *MarginAccount) TokenPositionByIndex(ti TokenIndex) (*TokenPosition, bool) {
	for i := range a.Tokens {
		if a.Tokens[i].IsActive() && a.Tokens[i].TokenIndex == ti {
			return &a.Tokens[i], true
		}
	}
	return nil, false
}

// TokenConditionalSwapByID returns the configured TCS with the given id.
func (a *MarginAccount) TokenConditionalSwapByID(id uint64) (*TokenConditionalSwap, bool) {
	for i := range a.TokenCondSwaps {
		if a.TokenCondSwaps[i].IsConfigured && a.TokenCondSwaps[i].ID == id {
			return &a.TokenCondSwaps[i], true
		}
	}
	return nil, false
}
