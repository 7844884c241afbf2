package exchange

import "github.com/shopspring/decimal"

// TcsType selects how a token conditional swap's premium behaves over time.
type TcsType uint8

const (
	// TcsFixedPremium pays a constant premium over oracle whenever the
	// oracle price is inside the trigger band.
	TcsFixedPremium TcsType = iota
	// TcsPremiumAuction ramps the premium from zero to the configured rate
	// over the auction duration once started.
	TcsPremiumAuction
	// TcsLinearAuction walks the execution price linearly from the lower to
	// the upper limit over the auction duration, ignoring the oracle.
	TcsLinearAuction
)

func (t TcsType) String() string {
	switch t {
	case TcsFixedPremium:
		return "fixed-premium"
	case TcsPremiumAuction:
		return "premium-auction"
	case TcsLinearAuction:
		return "linear-auction"
	default:
		return "unknown"
	}
}

// TcsNoExpiry in the expiry field means the swap never expires.
const TcsNoExpiry uint64 = ^uint64(0)

// TokenConditionalSwap is a standing order to swap sell token for buy token
// once the oracle price enters a configured band. Prices are denominated as
// native sell token per native buy token.
type TokenConditionalSwap struct {
	ID uint64

	MaxBuy  uint64
	MaxSell uint64
	Bought  uint64
	Sold    uint64

	ExpiryTimestamp uint64

	PriceLowerLimit  decimal.Decimal
	PriceUpperLimit  decimal.Decimal
	PricePremiumRate decimal.Decimal
	TakerFeeRate     decimal.Decimal
	MakerFeeRate     decimal.Decimal

	BuyTokenIndex  TokenIndex
	SellTokenIndex TokenIndex

	IsConfigured bool

	AllowCreatingDeposits bool
	AllowCreatingBorrows  bool

	Type TcsType

	// Auction fields. StartTimestamp is zero until the auction is started.
	StartTimestamp  uint64
	DurationSeconds uint64
}

// IsExpired reports whether the swap can no longer trigger.
func (t *TokenConditionalSwap) IsExpired(nowTs uint64) bool {
	return t.ExpiryTimestamp != TcsNoExpiry && nowTs >= t.ExpiryTimestamp
}

// HasStarted reports whether an auction type swap has been started. Fixed
// premium swaps are always considered started.
func (t *TokenConditionalSwap) HasStarted(nowTs uint64) bool {
	if t.Type == TcsFixedPremium {
		return true
	}
	return t.StartTimestamp > 0 && nowTs >= t.StartTimestamp
}

// PriceInRange reports whether the current oracle price, expressed as sell
// per buy, is inside the trigger band.
func (t *TokenConditionalSwap) PriceInRange(price decimal.Decimal) bool {
	return price.Cmp(t.PriceLowerLimit) >= 0 && price.Cmp(t.PriceUpperLimit) <= 0
}

// IsStartable reports whether a not-yet-started auction may be started now.
func (t *TokenConditionalSwap) IsStartable(price decimal.Decimal, nowTs uint64) bool {
	if t.Type == TcsFixedPremium {
		return false
	}
	if t.StartTimestamp != 0 || t.IsExpired(nowTs) {
		return false
	}
	return t.PriceInRange(price)
}

// IsTriggerable reports whether execution may proceed at the current price.
// Linear auctions trigger on time alone; the other types require the oracle
// price to be inside the band.
func (t *TokenConditionalSwap) IsTriggerable(price decimal.Decimal, nowTs uint64) bool {
	if t.IsExpired(nowTs) {
		return false
	}
	if t.Type == TcsLinearAuction {
		return t.HasStarted(nowTs)
	}
	if t.Type == TcsPremiumAuction && !t.HasStarted(nowTs) {
		return false
	}
	return t.PriceInRange(price)
}

// PremiumPrice applies the premium schedule to the oracle price. For linear
// auctions the result is purely time-based and the oracle price is unused.
func (t *TokenConditionalSwap) PremiumPrice(price decimal.Decimal, nowTs uint64) decimal.Decimal {
	switch t.Type {
	case TcsFixedPremium:
		return price.Mul(decimal.NewFromInt(1).Add(t.PricePremiumRate))

	case TcsPremiumAuction:
		premium := t.PricePremiumRate.Mul(t.auctionProgress(nowTs))
		return price.Mul(decimal.NewFromInt(1).Add(premium))

	case TcsLinearAuction:
		span := t.PriceUpperLimit.Sub(t.PriceLowerLimit)
		return t.PriceLowerLimit.Add(span.Mul(t.auctionProgress(nowTs)))

	default:
		return price
	}
}

// auctionProgress returns elapsed/duration clamped to [0, 1].
func (t *TokenConditionalSwap) auctionProgress(nowTs uint64) decimal.Decimal {
	if t.StartTimestamp == 0 || nowTs <= t.StartTimestamp {
		return decimal.Zero
	}
	if t.DurationSeconds == 0 {
		return decimal.NewFromInt(1)
	}
	elapsed := nowTs - t.StartTimestamp
	if elapsed >= t.DurationSeconds {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(int64(elapsed)).
		DivRound(decimal.NewFromInt(int64(t.DurationSeconds)), 18)
}

// TakerPrice is what the triggering party effectively pays per buy token.
// The taker fee reduces the sell tokens they receive.
func (t *TokenConditionalSwap) TakerPrice(premiumPrice decimal.Decimal) decimal.Decimal {
	return premiumPrice.Mul(decimal.NewFromInt(1).Sub(t.TakerFeeRate))
}

// MakerPrice is what the account owner effectively pays per buy token,
// including the maker fee.
func (t *TokenConditionalSwap) MakerPrice(premiumPrice decimal.Decimal) decimal.Decimal {
	return premiumPrice.Mul(decimal.NewFromInt(1).Add(t.MakerFeeRate))
}

// RemainingBuy is how much buy token may still be bought.
func (t *TokenConditionalSwap) RemainingBuy() uint64 {
	if t.Bought >= t.MaxBuy {
		return 0
	}
	return t.MaxBuy - t.Bought
}

// RemainingSell is how much sell token may still be sold.
func (t *TokenConditionalSwap) RemainingSell() uint64 {
	if t.Sold >= t.MaxSell {
		return 0
	}
	return t.MaxSell - t.Sold
}

// MaxBuyForPosition caps the remaining buy amount by the account's buy token
// balance when the swap may not create deposits. In that case buying can only
// reduce an existing borrow.
func (t *TokenConditionalSwap) MaxBuyForPosition(buyBalance decimal.Decimal, buyBank *Bank) uint64 {
	remaining := decimal.NewFromUint64(t.RemainingBuy())
	if t.AllowCreatingDeposits {
		return clampToUint64(remaining)
	}
	borrow := buyBalance.Neg()
	if borrow.Sign() <= 0 {
		return 0
	}
	return clampToUint64(decimal.Min(remaining, borrow))
}

// MaxSellForPosition caps the remaining sell amount by the account's sell
// token balance when the swap may not create borrows.
func (t *TokenConditionalSwap) MaxSellForPosition(sellBalance decimal.Decimal, sellBank *Bank) uint64 {
	remaining := decimal.NewFromUint64(t.RemainingSell())
	if t.AllowCreatingBorrows {
		return clampToUint64(remaining)
	}
	if sellBalance.Sign() <= 0 {
		return 0
	}
	return clampToUint64(decimal.Min(remaining, sellBalance))
}

func clampToUint64(d decimal.Decimal) uint64 {
	if d.Sign() <= 0 {
		return 0
	}
	f := d.Floor()
	if !f.BigInt().IsUint64() {
		return ^uint64(0)
	}
	return f.BigInt().Uint64()
}
