package exchange

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	"liqkeeper/internal/oracle"
)

// Account discriminators, first 8 bytes of every program account.
var (
	MarginAccountDiscriminator = [8]byte{0x95, 0xb4, 0x47, 0x1b, 0x0a, 0x6e, 0x99, 0x3c}
	BankDiscriminator          = [8]byte{0x8e, 0x2f, 0xc1, 0x55, 0x71, 0x0b, 0xd2, 0xaf}
	PerpMarketDiscriminator    = [8]byte{0x0c, 0xbb, 0x96, 0x44, 0xe3, 0x52, 0x1d, 0x8e}
)

// DiscriminatorOf returns the 8 byte account type tag, or false if the data
// is too short to carry one.
func DiscriminatorOf(data []byte) ([8]byte, bool) {
	var disc [8]byte
	if len(data) < 8 {
		return disc, false
	}
	copy(disc[:], data[:8])
	return disc, true
}

type rawTokenPosition struct {
	IndexedPosition bin.Int128
	TokenIndex      uint16
	Padding         [6]byte
}

type rawSpotOpenOrders struct {
	OpenOrders             solana.PublicKey
	BaseBorrowsWithoutFee  uint64
	QuoteBorrowsWithoutFee uint64
	BaseReservedCached     uint64
	QuoteReservedCached    uint64
	BaseFreeCached         uint64
	QuoteFreeCached        uint64
	MarketIndex            uint16
	BaseTokenIndex         uint16
	QuoteTokenIndex        uint16
	Padding                [2]byte
}

type rawPerpPosition struct {
	MarketIndex         uint16
	Padding             [6]byte
	BasePositionLots    int64
	QuotePositionNative bin.Int128
	BidsBaseLots        int64
	AsksBaseLots        int64
	TakerBaseLots       int64
	TakerQuoteLots      int64
	LongSettledFunding  bin.Int128
	ShortSettledFunding bin.Int128
}

type rawTokenConditionalSwap struct {
	ID               uint64
	MaxBuy           uint64
	MaxSell          uint64
	Bought           uint64
	Sold             uint64
	ExpiryTimestamp  uint64
	PriceLowerLimit  float64
	PriceUpperLimit  float64
	PricePremiumRate float64
	TakerFeeRate     float64
	MakerFeeRate     float64
	BuyTokenIndex    uint16
	SellTokenIndex   uint16
	IsConfigured     uint8
	AllowDeposits    uint8
	AllowBorrows     uint8
	TcsType          uint8
	StartTimestamp   uint64
	DurationSeconds  uint64
}

type rawMarginAccount struct {
	Group           solana.PublicKey
	Owner           solana.PublicKey
	BeingLiquidated uint8
	IsBankrupt      uint8
	Padding         [6]byte
	Tokens          []rawTokenPosition
	SpotOrders      []rawSpotOpenOrders
	Perps           []rawPerpPosition
	TokenCondSwaps  []rawTokenConditionalSwap
}

// DecodeMarginAccount parses a raw margin account into its owned view.
func DecodeMarginAccount(data []byte) (*MarginAccount, error) {
	if err := checkDiscriminator(data, MarginAccountDiscriminator, "margin account"); err != nil {
		return nil, err
	}

	var raw rawMarginAccount
	if err := bin.NewBorshDecoder(data[8:]).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode margin account: %w", err)
	}

	a := &MarginAccount{
		Group:           raw.Group,
		Owner:           raw.Owner,
		BeingLiquidated: raw.BeingLiquidated != 0,
		IsBankrupt:      raw.IsBankrupt != 0,
		Tokens:          make([]TokenPosition, len(raw.Tokens)),
		SpotOrders:      make([]SpotOpenOrders, len(raw.SpotOrders)),
		Perps:           make([]PerpPosition, len(raw.Perps)),
		TokenCondSwaps:  make([]TokenConditionalSwap, len(raw.TokenCondSwaps)),
	}

	for i, t := range raw.Tokens {
		a.Tokens[i] = TokenPosition{
			TokenIndex:      TokenIndex(t.TokenIndex),
			IndexedPosition: oracle.FixedPointToDecimal(t.IndexedPosition),
		}
	}
	for i, o := range raw.SpotOrders {
		a.SpotOrders[i] = SpotOpenOrders{
			MarketIndex:            SpotMarketIndex(o.MarketIndex),
			BaseTokenIndex:         TokenIndex(o.BaseTokenIndex),
			QuoteTokenIndex:        TokenIndex(o.QuoteTokenIndex),
			OpenOrders:             o.OpenOrders,
			BaseReservedCached:     o.BaseReservedCached,
			QuoteReservedCached:    o.QuoteReservedCached,
			BaseFreeCached:         o.BaseFreeCached,
			QuoteFreeCached:        o.QuoteFreeCached,
			BaseBorrowsWithoutFee:  o.BaseBorrowsWithoutFee,
			QuoteBorrowsWithoutFee: o.QuoteBorrowsWithoutFee,
		}
	}
	for i, p := range raw.Perps {
		a.Perps[i] = PerpPosition{
			MarketIndex:         PerpMarketIndex(p.MarketIndex),
			BasePositionLots:    p.BasePositionLots,
			QuotePositionNative: oracle.FixedPointToDecimal(p.QuotePositionNative),
			BidsBaseLots:        p.BidsBaseLots,
			AsksBaseLots:        p.AsksBaseLots,
			TakerBaseLots:       p.TakerBaseLots,
			TakerQuoteLots:      p.TakerQuoteLots,
			LongSettledFunding:  oracle.FixedPointToDecimal(p.LongSettledFunding),
			ShortSettledFunding: oracle.FixedPointToDecimal(p.ShortSettledFunding),
		}
	}
	for i, t := range raw.TokenCondSwaps {
		a.TokenCondSwaps[i] = TokenConditionalSwap{
			ID:                    t.ID,
			MaxBuy:                t.MaxBuy,
			MaxSell:               t.MaxSell,
			Bought:                t.Bought,
			Sold:                  t.Sold,
			ExpiryTimestamp:       t.ExpiryTimestamp,
			PriceLowerLimit:       decimal.NewFromFloat(t.PriceLowerLimit),
			PriceUpperLimit:       decimal.NewFromFloat(t.PriceUpperLimit),
			PricePremiumRate:      decimal.NewFromFloat(t.PricePremiumRate),
			TakerFeeRate:          decimal.NewFromFloat(t.TakerFeeRate),
			MakerFeeRate:          decimal.NewFromFloat(t.MakerFeeRate),
			BuyTokenIndex:         TokenIndex(t.BuyTokenIndex),
			SellTokenIndex:        TokenIndex(t.SellTokenIndex),
			IsConfigured:          t.IsConfigured != 0,
			AllowCreatingDeposits: t.AllowDeposits != 0,
			AllowCreatingBorrows:  t.AllowBorrows != 0,
			Type:                  TcsType(t.TcsType),
			StartTimestamp:        t.StartTimestamp,
			DurationSeconds:       t.DurationSeconds,
		}
	}

	return a, nil
}

type rawBank struct {
	Group                   solana.PublicKey
	Mint                    solana.PublicKey
	Oracle                  solana.PublicKey
	FallbackOracle          solana.PublicKey
	Name                    [16]byte
	DepositIndex            bin.Int128
	BorrowIndex             bin.Int128
	InitAssetWeight         bin.Int128
	InitLiabWeight          bin.Int128
	MaintAssetWeight        bin.Int128
	MaintLiabWeight         bin.Int128
	LiquidationFee          bin.Int128
	StablePrice             bin.Int128
	StableLastUpdateSlot    uint64
	OracleConfFilter        bin.Int128
	OracleMaxStalenessSlots int64
	TokenIndex              uint16
	MintDecimals            uint8
	ReduceOnly              uint8
	ForceClose              uint8
	ForceWithdraw           uint8
	DisableAssetLiquidation uint8
	Padding                 [1]byte
}

// DecodeBank parses a raw bank account. The bank's own address is not part of
// the account data, so the caller supplies it.
func DecodeBank(data []byte, address solana.PublicKey) (*Bank, error) {
	if err := checkDiscriminator(data, BankDiscriminator, "bank"); err != nil {
		return nil, err
	}

	var raw rawBank
	if err := bin.NewBorshDecoder(data[8:]).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode bank: %w", err)
	}

	return &Bank{
		Group:            raw.Group,
		Address:          address,
		Mint:             raw.Mint,
		TokenIndex:       TokenIndex(raw.TokenIndex),
		Name:             trimName(raw.Name),
		DepositIndex:     oracle.FixedPointToDecimal(raw.DepositIndex),
		BorrowIndex:      oracle.FixedPointToDecimal(raw.BorrowIndex),
		MintDecimals:     raw.MintDecimals,
		InitAssetWeight:  oracle.FixedPointToDecimal(raw.InitAssetWeight),
		InitLiabWeight:   oracle.FixedPointToDecimal(raw.InitLiabWeight),
		MaintAssetWeight: oracle.FixedPointToDecimal(raw.MaintAssetWeight),
		MaintLiabWeight:  oracle.FixedPointToDecimal(raw.MaintLiabWeight),
		LiquidationFee:   oracle.FixedPointToDecimal(raw.LiquidationFee),
		Oracle:           raw.Oracle,
		FallbackOracle:   raw.FallbackOracle,
		OracleConfig: oracle.Config{
			ConfFilter:        oracle.FixedPointToDecimal(raw.OracleConfFilter),
			MaxStalenessSlots: raw.OracleMaxStalenessSlots,
		},
		StablePriceModel: StablePriceModel{
			StablePrice:    oracle.FixedPointToDecimal(raw.StablePrice),
			LastUpdateSlot: raw.StableLastUpdateSlot,
		},
		ReduceOnly:              raw.ReduceOnly != 0,
		ForceClose:              raw.ForceClose != 0,
		ForceWithdraw:           raw.ForceWithdraw != 0,
		DisableAssetLiquidation: raw.DisableAssetLiquidation != 0,
	}, nil
}

type rawPerpMarket struct {
	Group                     solana.PublicKey
	Oracle                    solana.PublicKey
	Name                      [16]byte
	BaseLotSize               int64
	QuoteLotSize              int64
	InitBaseAssetWeight       bin.Int128
	InitBaseLiabWeight        bin.Int128
	MaintBaseAssetWeight      bin.Int128
	MaintBaseLiabWeight       bin.Int128
	InitOverallAssetWeight    bin.Int128
	MaintOverallAssetWeight   bin.Int128
	BaseLiquidationFee        bin.Int128
	PositivePnlLiquidationFee bin.Int128
	LongFunding               bin.Int128
	ShortFunding              bin.Int128
	StablePrice               bin.Int128
	StableLastUpdateSlot      uint64
	OracleConfFilter          bin.Int128
	OracleMaxStalenessSlots   int64
	MarketIndex               uint16
	SettleTokenIndex          uint16
	ReduceOnly                uint8
	ForceClose                uint8
	Padding                   [2]byte
}

// DecodePerpMarket parses a raw perp market account.
func DecodePerpMarket(data []byte, address solana.PublicKey) (*PerpMarket, error) {
	if err := checkDiscriminator(data, PerpMarketDiscriminator, "perp market"); err != nil {
		return nil, err
	}

	var raw rawPerpMarket
	if err := bin.NewBorshDecoder(data[8:]).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode perp market: %w", err)
	}

	m := &PerpMarket{
		Group:                     raw.Group,
		Address:                   address,
		MarketIndex:               PerpMarketIndex(raw.MarketIndex),
		Name:                      trimName(raw.Name),
		SettleTokenIndex:          TokenIndex(raw.SettleTokenIndex),
		BaseLotSize:               raw.BaseLotSize,
		QuoteLotSize:              raw.QuoteLotSize,
		InitBaseAssetWeight:       oracle.FixedPointToDecimal(raw.InitBaseAssetWeight),
		InitBaseLiabWeight:        oracle.FixedPointToDecimal(raw.InitBaseLiabWeight),
		MaintBaseAssetWeight:      oracle.FixedPointToDecimal(raw.MaintBaseAssetWeight),
		MaintBaseLiabWeight:       oracle.FixedPointToDecimal(raw.MaintBaseLiabWeight),
		InitOverallAssetWeight:    oracle.FixedPointToDecimal(raw.InitOverallAssetWeight),
		MaintOverallAssetWeight:   oracle.FixedPointToDecimal(raw.MaintOverallAssetWeight),
		BaseLiquidationFee:        oracle.FixedPointToDecimal(raw.BaseLiquidationFee),
		PositivePnlLiquidationFee: oracle.FixedPointToDecimal(raw.PositivePnlLiquidationFee),
		LongFunding:               oracle.FixedPointToDecimal(raw.LongFunding),
		ShortFunding:              oracle.FixedPointToDecimal(raw.ShortFunding),
		Oracle:                    raw.Oracle,
		StablePriceModel: StablePriceModel{
			StablePrice:    oracle.FixedPointToDecimal(raw.StablePrice),
			LastUpdateSlot: raw.StableLastUpdateSlot,
		},
		ReduceOnly: raw.ReduceOnly != 0,
		ForceClose: raw.ForceClose != 0,
	}
	m.OracleConfig = oracle.Config{
		ConfFilter:        oracle.FixedPointToDecimal(raw.OracleConfFilter),
		MaxStalenessSlots: raw.OracleMaxStalenessSlots,
	}
	return m, nil
}

func checkDiscriminator(data []byte, want [8]byte, kind string) error {
	disc, ok := DiscriminatorOf(data)
	if !ok {
		return fmt.Errorf("decode %s: account data too short", kind)
	}
	if disc != want {
		return fmt.Errorf("decode %s: wrong discriminator %x", kind, disc)
	}
	return nil
}

func trimName(b [16]byte) string {
	return string(bytes.TrimRight(b[:], "\x00"))
}
