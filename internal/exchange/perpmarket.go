package exchange

import (
	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	"liqkeeper/internal/oracle"
)

// PerpMarket holds one perp market's contract and risk parameters.
type PerpMarket struct {
	Group       solana.PublicKey
	Address     solana.PublicKey
	MarketIndex PerpMarketIndex
	Name        string

	// Token the market settles PnL in.
	SettleTokenIndex TokenIndex

	BaseLotSize  int64
	QuoteLotSize int64

	InitBaseAssetWeight  decimal.Decimal
	InitBaseLiabWeight   decimal.Decimal
	MaintBaseAssetWeight decimal.Decimal
	MaintBaseLiabWeight  decimal.Decimal

	// Weight applied to positive unsettled pnl. Negative pnl always counts
	// in full.
	InitOverallAssetWeight  decimal.Decimal
	MaintOverallAssetWeight decimal.Decimal

	BaseLiquidationFee        decimal.Decimal
	PositivePnlLiquidationFee decimal.Decimal

	LongFunding  decimal.Decimal
	ShortFunding decimal.Decimal

	Oracle       solana.PublicKey
	OracleConfig oracle.Config

	StablePriceModel StablePriceModel

	ReduceOnly bool
	ForceClose bool
}

// BaseAssetWeight returns the base asset weight for the given health kind.
func (m *PerpMarket) BaseAssetWeight(kind HealthKind) decimal.Decimal {
	if kind == HealthInit {
		return m.InitBaseAssetWeight
	}
	return m.MaintBaseAssetWeight
}

// BaseLiabWeight returns the base liability weight for the given health kind.
func (m *PerpMarket) BaseLiabWeight(kind HealthKind) decimal.Decimal {
	if kind == HealthInit {
		return m.InitBaseLiabWeight
	}
	return m.MaintBaseLiabWeight
}

// OverallAssetWeight returns the positive-pnl weight for the given health kind.
func (m *PerpMarket) OverallAssetWeight(kind HealthKind) decimal.Decimal {
	if kind == HealthInit {
		return m.InitOverallAssetWeight
	}
	return m.MaintOverallAssetWeight
}

// LotToNativePrice converts a price per base lot in quote lots into a price
// per native base unit in native quote units.
func (m *PerpMarket) LotToNativePrice(lotPrice decimal.Decimal) decimal.Decimal {
	return lotPrice.
		Mul(decimal.NewFromInt(m.QuoteLotSize)).
		Div(decimal.NewFromInt(m.BaseLotSize))
}
