package liquidator

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TcsMode selects how the liqor sources the buy token for a trigger.
type TcsMode int

const (
	// TcsModeBorrowBuyToken borrows the buy token against the liqor's
	// collateral; the rebalancer closes the resulting borrow later.
	TcsModeBorrowBuyToken TcsMode = iota
	// TcsModeSwapSellIntoBuy swaps sell token into buy token right before
	// the trigger, so the trigger mostly closes the temporary borrow.
	// Falls back to collateral sourcing when sell borrows are reduce only.
	TcsModeSwapSellIntoBuy
	// TcsModeSwapCollateralIntoBuy buys the buy token with the quote
	// collateral before the trigger, avoiding borrows entirely.
	TcsModeSwapCollateralIntoBuy
)

// ParseTcsMode maps a configuration string onto a mode.
func ParseTcsMode(s string) (TcsMode, error) {
	switch s {
	case "borrow-buy-token":
		return TcsModeBorrowBuyToken, nil
	case "swap-sell-into-buy", "":
		return TcsModeSwapSellIntoBuy, nil
	case "swap-collateral-into-buy":
		return TcsModeSwapCollateralIntoBuy, nil
	default:
		return 0, fmt.Errorf("unknown tcs mode %q", s)
	}
}

func (m TcsMode) String() string {
	switch m {
	case TcsModeBorrowBuyToken:
		return "borrow-buy-token"
	case TcsModeSwapSellIntoBuy:
		return "swap-sell-into-buy"
	case TcsModeSwapCollateralIntoBuy:
		return "swap-collateral-into-buy"
	default:
		return "unknown"
	}
}

// Config tunes the liquidator pipeline.
type Config struct {
	// Target health ratio in percent to leave a liqee at. Liquidation
	// sizes are computed so the account lands at this ratio, not at zero.
	TargetHealthRatio decimal.Decimal

	// Hard cap on a single token liquidation transfer in native liab
	// units. Zero disables the cap.
	MaxTokenLiabTransfer decimal.Decimal

	// Smallest trigger volume in quote native units a token conditional
	// swap must offer to be worth a transaction.
	TcsMinVolume uint64

	// Largest volume executed per trigger transaction.
	TcsMaxVolume uint64

	// Health ratio the liqor itself must keep after providing swap
	// liquidity.
	TcsMinLiqorHealthRatio decimal.Decimal

	// How the liqor sources buy tokens for triggers.
	TcsMode TcsMode

	// Smallest fraction of the computed buy amount a trigger may fill
	// with. Partial fills below the floor are rejected on chain, which
	// protects executions that carry a sourcing swap in the same run from
	// over-buying. Zero allows fills of any size.
	TcsMinBuyFraction decimal.Decimal

	// How long to wait for the RPC to reach the slot of a sent
	// transaction before giving up on the refresh.
	RefreshTimeout time.Duration

	// Worker goroutines executing candidates. Must be at least one.
	Workers int

	// Seconds between full scan passes when no account writes arrive.
	ScanInterval time.Duration

	// Pause between rebalancing passes.
	RebalanceInterval time.Duration

	// Smallest native token value worth rebalancing back into the quote
	// token.
	RebalanceMinThreshold uint64

	ComputeUnitPriceMicroLamports uint64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		TargetHealthRatio:      decimal.NewFromInt(1),
		TcsMinVolume:           1_000_000,
		TcsMaxVolume:           1_000_000_000,
		TcsMinLiqorHealthRatio: decimal.NewFromInt(50),
		TcsMode:                TcsModeSwapSellIntoBuy,
		TcsMinBuyFraction:      decimal.NewFromFloat(0.7),
		RefreshTimeout:         30 * time.Second,
		Workers:                2,
		ScanInterval:           10 * time.Second,
		RebalanceInterval:      30 * time.Second,
		RebalanceMinThreshold:  1_000_000,
	}
}
