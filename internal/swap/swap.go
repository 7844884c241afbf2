// Package swap quotes and builds token swaps through the Jupiter aggregator.
// The liquidator uses quotes to price token conditional swap triggers and to
// rebalance leftover positions back into the quote token.
package swap

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/ilkamo/jupiter-go/jupiter"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Quote is one priced route from input mint to output mint.
type Quote struct {
	InputMint      solana.PublicKey
	OutputMint     solana.PublicKey
	InAmount       uint64
	OutAmount      uint64
	PriceImpactPct decimal.Decimal
	FetchedAt      time.Time

	raw *jupiter.QuoteResponse
}

// Price is output native per input native.
func (q *Quote) Price() decimal.Decimal {
	if q.InAmount == 0 {
		return decimal.Zero
	}
	return decimal.NewFromUint64(q.OutAmount).Div(decimal.NewFromUint64(q.InAmount))
}

// Client wraps the aggregator API.
type Client struct {
	api         *jupiter.ClientWithResponses
	slippageBps int
	log         zerolog.Logger
}

// NewClient creates a swap client. An empty endpoint uses the public API.
func NewClient(endpoint string, slippageBps int, log zerolog.Logger) (*Client, error) {
	if endpoint == "" {
		endpoint = jupiter.DefaultAPIURL
	}
	api, err := jupiter.NewClientWithResponses(endpoint)
	if err != nil {
		return nil, fmt.Errorf("swap client: %w", err)
	}
	return &Client{api: api, slippageBps: slippageBps, log: log}, nil
}

// SlippageBps is the slippage tolerance quotes are requested with.
func (c *Client) SlippageBps() int {
	return c.slippageBps
}

// GetQuote fetches a route for swapping amount native units of the input mint.
func (c *Client) GetQuote(ctx context.Context, inputMint, outputMint solana.PublicKey, amount uint64) (*Quote, error) {
	slippage := jupiter.SlippageParameter(c.slippageBps)
	res, err := c.api.GetQuoteWithResponse(ctx, &jupiter.GetQuoteParams{
		InputMint:   inputMint.String(),
		OutputMint:  outputMint.String(),
		Amount:      jupiter.AmountParameter(amount),
		SlippageBps: &slippage,
	})
	if err != nil {
		return nil, fmt.Errorf("swap quote %s -> %s: %w", inputMint.Short(4), outputMint.Short(4), err)
	}
	if res.JSON200 == nil {
		return nil, fmt.Errorf("swap quote %s -> %s: http %d", inputMint.Short(4), outputMint.Short(4), res.StatusCode())
	}

	return parseQuote(res.JSON200, inputMint, outputMint)
}

func parseQuote(q *jupiter.QuoteResponse, inputMint, outputMint solana.PublicKey) (*Quote, error) {
	inAmount, err := decimal.NewFromString(q.InAmount)
	if err != nil {
		return nil, fmt.Errorf("swap quote in amount %q: %w", q.InAmount, err)
	}
	outAmount, err := decimal.NewFromString(q.OutAmount)
	if err != nil {
		return nil, fmt.Errorf("swap quote out amount %q: %w", q.OutAmount, err)
	}
	impact, err := decimal.NewFromString(q.PriceImpactPct)
	if err != nil {
		impact = decimal.Zero
	}

	return &Quote{
		InputMint:      inputMint,
		OutputMint:     outputMint,
		InAmount:       inAmount.BigInt().Uint64(),
		OutAmount:      outAmount.BigInt().Uint64(),
		PriceImpactPct: impact,
		FetchedAt:      time.Now(),
		raw:            q,
	}, nil
}

// BuildSwapTransaction asks the aggregator for a signable transaction
// executing the quoted route for the given user.
func (c *Client) BuildSwapTransaction(ctx context.Context, quote *Quote, user solana.PublicKey) (*solana.Transaction, error) {
	if quote.raw == nil {
		return nil, fmt.Errorf("quote has no route data")
	}
	res, err := c.api.PostSwapWithResponse(ctx, jupiter.PostSwapJSONRequestBody{
		QuoteResponse: *quote.raw,
		UserPublicKey: user.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("build swap transaction: %w", err)
	}
	if res.JSON200 == nil {
		return nil, fmt.Errorf("build swap transaction: http %d", res.StatusCode())
	}

	tx := &solana.Transaction{}
	if err := tx.UnmarshalBase64(res.JSON200.SwapTransaction); err != nil {
		return nil, fmt.Errorf("decode swap transaction: %w", err)
	}
	return tx, nil
}
