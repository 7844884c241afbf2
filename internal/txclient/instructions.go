package txclient

import (
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	"liqkeeper/internal/exchange"
	"liqkeeper/internal/oracle"
)

// Program log markers for races that another liquidator or the user won.
const (
	LogHealthMustBeNegative = "HealthMustBeNegative"
	LogIsNotBankrupt        = "IsNotBankrupt"
)

func meta(key solana.PublicKey, writable, signer bool) *solana.AccountMeta {
	return &solana.AccountMeta{PublicKey: key, IsWritable: writable, IsSigner: signer}
}

type tokenLiqWithTokenArgs struct {
	AssetTokenIndex uint16
	LiabTokenIndex  uint16
	MaxLiabTransfer bin.Int128
}

// TokenLiqWithTokenIx transfers liab borrow from the liqee to the liqor
// against asset collateral, up to maxLiabTransfer native liab units.
func (c *ExchangeClient) TokenLiqWithTokenIx(liqee solana.PublicKey, assetBank, liabBank *exchange.Bank, maxLiabTransfer decimal.Decimal) (solana.Instruction, error) {
	return c.instruction("token_liq_with_token", tokenLiqWithTokenArgs{
		AssetTokenIndex: uint16(assetBank.TokenIndex),
		LiabTokenIndex:  uint16(liabBank.TokenIndex),
		MaxLiabTransfer: oracle.DecimalToFixedPoint(maxLiabTransfer),
	}, solana.AccountMetaSlice{
		meta(c.group, false, false),
		meta(c.LiqorAccount, true, false),
		meta(c.signer.PublicKey(), false, true),
		meta(liqee, true, false),
		meta(assetBank.Address, true, false),
		meta(liabBank.Address, true, false),
		meta(assetBank.Oracle, false, false),
		meta(liabBank.Oracle, false, false),
	})
}

type tokenLiqBankruptcyArgs struct {
	LiabTokenIndex  uint16
	MaxLiabTransfer bin.Int128
}

// TokenLiqBankruptcyIx socializes a bankrupt account's liab borrow against
// the insurance fund and, beyond that, against all depositors.
func (c *ExchangeClient) TokenLiqBankruptcyIx(liqee solana.PublicKey, liabBank, quoteBank *exchange.Bank, maxLiabTransfer decimal.Decimal) (solana.Instruction, error) {
	return c.instruction("token_liq_bankruptcy", tokenLiqBankruptcyArgs{
		LiabTokenIndex:  uint16(liabBank.TokenIndex),
		MaxLiabTransfer: oracle.DecimalToFixedPoint(maxLiabTransfer),
	}, solana.AccountMetaSlice{
		meta(c.group, false, false),
		meta(c.LiqorAccount, true, false),
		meta(c.signer.PublicKey(), false, true),
		meta(liqee, true, false),
		meta(liabBank.Address, true, false),
		meta(quoteBank.Address, true, false),
		meta(liabBank.Oracle, false, false),
	})
}

type forceCancelPerpArgs struct {
	Limit uint8
}

// PerpLiqForceCancelOrdersIx cancels a liquidatable account's resting perp
// orders so their reserved margin frees up.
func (c *ExchangeClient) PerpLiqForceCancelOrdersIx(liqee solana.PublicKey, market *exchange.PerpMarket, limit uint8) (solana.Instruction, error) {
	return c.instruction("perp_liq_force_cancel_orders", forceCancelPerpArgs{Limit: limit}, solana.AccountMetaSlice{
		meta(c.group, false, false),
		meta(liqee, true, false),
		meta(market.Address, true, false),
		meta(market.Oracle, false, false),
	})
}

type forceCancelSpotArgs struct {
	MarketIndex uint16
	Limit       uint8
}

// SpotLiqForceCancelOrdersIx cancels a liquidatable account's resting spot
// orders on one market.
func (c *ExchangeClient) SpotLiqForceCancelOrdersIx(liqee solana.PublicKey, oo *exchange.SpotOpenOrders, limit uint8) (solana.Instruction, error) {
	return c.instruction("spot_liq_force_cancel_orders", forceCancelSpotArgs{
		MarketIndex: uint16(oo.MarketIndex),
		Limit:       limit,
	}, solana.AccountMetaSlice{
		meta(c.group, false, false),
		meta(liqee, true, false),
		meta(oo.OpenOrders, true, false),
	})
}

type perpLiqBaseOrPositivePnlArgs struct {
	MaxBaseTransfer int64
	MaxPnlTransfer  uint64
}

// PerpLiqBaseOrPositivePnlIx takes over base position and, if needed,
// positive pnl from a liquidatable account.
func (c *ExchangeClient) PerpLiqBaseOrPositivePnlIx(liqee solana.PublicKey, market *exchange.PerpMarket, settleBank *exchange.Bank, maxBaseTransfer int64, maxPnlTransfer uint64) (solana.Instruction, error) {
	return c.instruction("perp_liq_base_or_positive_pnl", perpLiqBaseOrPositivePnlArgs{
		MaxBaseTransfer: maxBaseTransfer,
		MaxPnlTransfer:  maxPnlTransfer,
	}, solana.AccountMetaSlice{
		meta(c.group, false, false),
		meta(c.LiqorAccount, true, false),
		meta(c.signer.PublicKey(), false, true),
		meta(liqee, true, false),
		meta(market.Address, true, false),
		meta(market.Oracle, false, false),
		meta(settleBank.Address, true, false),
		meta(settleBank.Oracle, false, false),
	})
}

type perpLiqNegativePnlOrBankruptcyArgs struct {
	MaxLiabTransfer uint64
}

// PerpLiqNegativePnlOrBankruptcyIx takes over negative pnl, socializing the
// loss when the account is bankrupt.
func (c *ExchangeClient) PerpLiqNegativePnlOrBankruptcyIx(liqee solana.PublicKey, market *exchange.PerpMarket, settleBank *exchange.Bank, maxLiabTransfer uint64) (solana.Instruction, error) {
	return c.instruction("perp_liq_negative_pnl_or_bankruptcy", perpLiqNegativePnlOrBankruptcyArgs{
		MaxLiabTransfer: maxLiabTransfer,
	}, solana.AccountMetaSlice{
		meta(c.group, false, false),
		meta(c.LiqorAccount, true, false),
		meta(c.signer.PublicKey(), false, true),
		meta(liqee, true, false),
		meta(market.Address, true, false),
		meta(market.Oracle, false, false),
		meta(settleBank.Address, true, false),
		meta(settleBank.Oracle, false, false),
	})
}

type tcsTriggerArgs struct {
	TcsID               uint64
	MaxBuyTokenToLiqee  uint64
	MaxSellTokenToLiqor uint64
	MinBuyToken         uint64
	MinTakerPrice       float64
}

// TcsTriggerIx executes a token conditional swap against the liqee, with the
// liqor providing the buy token and receiving the sell token.
func (c *ExchangeClient) TcsTriggerIx(liqee solana.PublicKey, buyBank, sellBank *exchange.Bank, tcsID, maxBuyTokenToLiqee, maxSellTokenToLiqor, minBuyToken uint64, minTakerPrice float64) (solana.Instruction, error) {
	return c.instruction("token_conditional_swap_trigger", tcsTriggerArgs{
		TcsID:               tcsID,
		MaxBuyTokenToLiqee:  maxBuyTokenToLiqee,
		MaxSellTokenToLiqor: maxSellTokenToLiqor,
		MinBuyToken:         minBuyToken,
		MinTakerPrice:       minTakerPrice,
	}, solana.AccountMetaSlice{
		meta(c.group, false, false),
		meta(liqee, true, false),
		meta(c.LiqorAccount, true, false),
		meta(c.signer.PublicKey(), false, true),
		meta(buyBank.Address, true, false),
		meta(sellBank.Address, true, false),
		meta(buyBank.Oracle, false, false),
		meta(sellBank.Oracle, false, false),
	})
}

type tcsStartArgs struct {
	TcsID uint64
}

// TcsStartIx starts an auction type token conditional swap whose price
// condition is met, fixing its start timestamp.
func (c *ExchangeClient) TcsStartIx(liqee solana.PublicKey, buyBank, sellBank *exchange.Bank, tcsID uint64) (solana.Instruction, error) {
	return c.instruction("token_conditional_swap_start", tcsStartArgs{TcsID: tcsID}, solana.AccountMetaSlice{
		meta(c.group, false, false),
		meta(liqee, true, false),
		meta(c.LiqorAccount, true, false),
		meta(c.signer.PublicKey(), false, true),
		meta(buyBank.Oracle, false, false),
		meta(sellBank.Oracle, false, false),
	})
}

type perpSettlePnlArgs struct {
	MarketIndex uint16
}

// PerpSettlePnlIx settles unrealized pnl between a profitable and an
// unprofitable account on one perp market.
func (c *ExchangeClient) PerpSettlePnlIx(profitAccount, lossAccount solana.PublicKey, market *exchange.PerpMarket, settleBank *exchange.Bank) (solana.Instruction, error) {
	return c.instruction("perp_settle_pnl", perpSettlePnlArgs{
		MarketIndex: uint16(market.MarketIndex),
	}, solana.AccountMetaSlice{
		meta(c.group, false, false),
		meta(c.signer.PublicKey(), false, true),
		meta(profitAccount, true, false),
		meta(lossAccount, true, false),
		meta(market.Address, true, false),
		meta(market.Oracle, false, false),
		meta(settleBank.Address, true, false),
		meta(settleBank.Oracle, false, false),
	})
}
