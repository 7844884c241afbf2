package exchange

import (
	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	"liqkeeper/internal/oracle"
)

// Bank holds one token's lending pool parameters and risk configuration.
type Bank struct {
	Group      solana.PublicKey
	Address    solana.PublicKey
	Mint       solana.PublicKey
	TokenIndex TokenIndex
	Name       string

	// Scaling factors between indexed positions and native amounts.
	DepositIndex decimal.Decimal
	BorrowIndex  decimal.Decimal

	MintDecimals uint8

	// Risk weights. Init weights are the stricter pair used when opening or
	// increasing risk, maint weights gate liquidation.
	InitAssetWeight  decimal.Decimal
	InitLiabWeight   decimal.Decimal
	MaintAssetWeight decimal.Decimal
	MaintLiabWeight  decimal.Decimal

	// Fraction paid to the liquidator on top of the oracle price during
	// token liquidation.
	LiquidationFee decimal.Decimal

	Oracle         solana.PublicKey
	FallbackOracle solana.PublicKey
	OracleConfig   oracle.Config

	// Slow-moving reference price used to clamp init-health pricing.
	StablePriceModel StablePriceModel

	ReduceOnly              bool
	ForceClose              bool
	ForceWithdraw           bool
	DisableAssetLiquidation bool
}

// HasFallbackOracle reports whether a fallback feed is configured.
func (b *Bank) HasFallbackOracle() bool {
	return !b.FallbackOracle.IsZero()
}

// AssetWeight returns the asset weight for the given health kind.
func (b *Bank) AssetWeight(kind HealthKind) decimal.Decimal {
	if kind == HealthInit {
		return b.InitAssetWeight
	}
	return b.MaintAssetWeight
}

// LiabWeight returns the liability weight for the given health kind.
func (b *Bank) LiabWeight(kind HealthKind) decimal.Decimal {
	if kind == HealthInit {
		return b.InitLiabWeight
	}
	return b.MaintLiabWeight
}

// NativeToUI converts a native amount to UI units using the mint decimals.
func (b *Bank) NativeToUI(native decimal.Decimal) decimal.Decimal {
	return native.Shift(-int32(b.MintDecimals))
}

// StablePriceModel tracks a delayed, smoothed price used to bound the impact
// of oracle swings on init health.
type StablePriceModel struct {
	StablePrice      decimal.Decimal
	LastUpdateSlot   uint64
	DelayAccumulator decimal.Decimal
}

// HealthKind selects which weight pair a health computation uses.
type HealthKind int

const (
	// HealthInit gates opening new risk. Uses init weights and
	// stable-price-clamped pricing.
	HealthInit HealthKind = iota
	// HealthMaint gates liquidation. Uses maint weights and oracle pricing.
	HealthMaint
)

func (k HealthKind) String() string {
	if k == HealthInit {
		return "init"
	}
	return "maint"
}
