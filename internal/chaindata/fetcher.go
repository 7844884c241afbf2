package chaindata

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/rs/zerolog"

	"liqkeeper/internal/exchange"
)

const refreshPollInterval = 200 * time.Millisecond

// Fetcher reads individual accounts over RPC, for the cases where the cached
// state is not fresh enough: post-execution refreshes and preflight checks.
type Fetcher struct {
	rpc *rpc.Client
	log zerolog.Logger
}

// NewFetcher creates a fetcher on an RPC client.
func NewFetcher(client *rpc.Client, log zerolog.Logger) *Fetcher {
	return &Fetcher{rpc: client, log: log}
}

// FetchRaw reads one account at processed commitment.
func (f *Fetcher) FetchRaw(ctx context.Context, pubkey solana.PublicKey) (AccountUpdate, error) {
	res, err := f.rpc.GetAccountInfoWithOpts(ctx, pubkey, &rpc.GetAccountInfoOpts{
		Commitment: rpc.CommitmentProcessed,
		Encoding:   solana.EncodingBase64,
	})
	if err != nil {
		return AccountUpdate{}, fmt.Errorf("fetch account %s: %w", pubkey, err)
	}
	if res.Value == nil {
		return AccountUpdate{}, fmt.Errorf("account %s does not exist", pubkey)
	}
	return AccountUpdate{
		Pubkey:   pubkey,
		Slot:     res.RPCContext.Context.Slot,
		Lamports: res.Value.Lamports,
		Owner:    res.Value.Owner,
		Data:     res.Value.Data.GetBinary(),
	}, nil
}

// FetchMarginAccount reads and decodes one margin account.
func (f *Fetcher) FetchMarginAccount(ctx context.Context, pubkey solana.PublicKey) (*exchange.MarginAccount, uint64, error) {
	raw, err := f.FetchRaw(ctx, pubkey)
	if err != nil {
		return nil, 0, err
	}
	account, err := exchange.DecodeMarginAccount(raw.Data)
	if err != nil {
		return nil, 0, fmt.Errorf("account %s: %w", pubkey, err)
	}
	return account, raw.Slot, nil
}

// FetchBank reads and decodes one bank.
func (f *Fetcher) FetchBank(ctx context.Context, pubkey solana.PublicKey) (*exchange.Bank, uint64, error) {
	raw, err := f.FetchRaw(ctx, pubkey)
	if err != nil {
		return nil, 0, err
	}
	bank, err := exchange.DecodeBank(raw.Data, pubkey)
	if err != nil {
		return nil, 0, err
	}
	return bank, raw.Slot, nil
}

// FetchPerpMarket reads and decodes one perp market.
func (f *Fetcher) FetchPerpMarket(ctx context.Context, pubkey solana.PublicKey) (*exchange.PerpMarket, uint64, error) {
	raw, err := f.FetchRaw(ctx, pubkey)
	if err != nil {
		return nil, 0, err
	}
	market, err := exchange.DecodePerpMarket(raw.Data, pubkey)
	if err != nil {
		return nil, 0, err
	}
	return market, raw.Slot, nil
}

// TransactionMaxSlot returns the highest slot any of the given signatures
// landed in, or zero when none are found.
func (f *Fetcher) TransactionMaxSlot(ctx context.Context, sigs ...solana.Signature) (uint64, error) {
	if len(sigs) == 0 {
		return 0, nil
	}
	res, err := f.rpc.GetSignatureStatuses(ctx, false, sigs...)
	if err != nil {
		return 0, fmt.Errorf("signature statuses: %w", err)
	}
	var maxSlot uint64
	for _, st := range res.Value {
		if st != nil && st.Slot > maxSlot {
			maxSlot = st.Slot
		}
	}
	return maxSlot, nil
}

// RefreshAccountsUntilSlot re-reads the given accounts over RPC until the
// response context reaches minSlot, then applies them to the cache. Used
// after sending a transaction so stale cached state cannot cause the same
// action to fire twice.
func (f *Fetcher) RefreshAccountsUntilSlot(ctx context.Context, cache *Cache, keys []solana.PublicKey, minSlot uint64, timeout time.Duration) error {
	if len(keys) == 0 {
		return nil
	}

	deadline := time.Now().Add(timeout)
	for {
		res, err := f.rpc.GetMultipleAccountsWithOpts(ctx, keys, &rpc.GetMultipleAccountsOpts{
			Commitment: rpc.CommitmentProcessed,
			Encoding:   solana.EncodingBase64,
		})
		if err != nil {
			return fmt.Errorf("refresh accounts: %w", err)
		}

		slot := res.RPCContext.Context.Slot
		if slot >= minSlot {
			for i, acc := range res.Value {
				if acc == nil {
					continue
				}
				cache.Update(AccountUpdate{
					Pubkey:   keys[i],
					Slot:     slot,
					Lamports: acc.Lamports,
					Owner:    acc.Owner,
					Data:     acc.Data.GetBinary(),
				})
			}
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("refresh accounts: slot %d not reached before timeout, got %d", minSlot, slot)
		}

		f.log.Debug().
			Uint64("want_slot", minSlot).
			Uint64("got_slot", slot).
			Msg("waiting for rpc to reach slot")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(refreshPollInterval):
		}
	}
}
