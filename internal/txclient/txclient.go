// Package txclient builds, signs and submits exchange program transactions.
// Instruction data follows the program ABI: an 8 byte method tag derived
// from the method name, then borsh encoded arguments.
package txclient

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/rs/zerolog"
)

const confirmPollInterval = 400 * time.Millisecond

// ExchangeClient submits instructions for one signer against one exchange
// group.
type ExchangeClient struct {
	rpc       *rpc.Client
	programID solana.PublicKey
	group     solana.PublicKey
	signer    solana.PrivateKey

	// LiqorAccount is the margin account the signer liquidates and
	// triggers with.
	LiqorAccount solana.PublicKey

	confirmTimeout   time.Duration
	computeUnitPrice uint64
	log              zerolog.Logger
}

// NewExchangeClient creates a client for one signer and group.
func NewExchangeClient(client *rpc.Client, programID, group solana.PublicKey, signer solana.PrivateKey, liqorAccount solana.PublicKey, confirmTimeout time.Duration, log zerolog.Logger) *ExchangeClient {
	return &ExchangeClient{
		rpc:            client,
		programID:      programID,
		group:          group,
		signer:         signer,
		LiqorAccount:   liqorAccount,
		confirmTimeout: confirmTimeout,
		log:            log,
	}
}

// SignerKey is the public key of the transaction signer.
func (c *ExchangeClient) SignerKey() solana.PublicKey {
	return c.signer.PublicKey()
}

// SetComputeUnitPrice attaches a priority fee to every transaction built
// by SendInstructions, in micro lamports per compute unit. Zero sends
// without one.
func (c *ExchangeClient) SetComputeUnitPrice(microLamports uint64) {
	c.computeUnitPrice = microLamports
}

// withComputeBudget prepends the priority fee instruction when configured.
func (c *ExchangeClient) withComputeBudget(ixs []solana.Instruction) []solana.Instruction {
	if c.computeUnitPrice == 0 {
		return ixs
	}
	priceIx := computebudget.NewSetComputeUnitPriceInstructionBuilder().
		SetMicroLamports(c.computeUnitPrice).Build()
	return append([]solana.Instruction{priceIx}, ixs...)
}

// methodTag derives the 8 byte instruction tag for a program method.
func methodTag(name string) []byte {
	h := sha256.Sum256([]byte("global:" + name))
	return h[:8]
}

// encodeInstruction concatenates the method tag and borsh encoded args.
func encodeInstruction(name string, args interface{}) ([]byte, error) {
	data := methodTag(name)
	if args != nil {
		encoded, err := bin.MarshalBorsh(args)
		if err != nil {
			return nil, fmt.Errorf("encode %s args: %w", name, err)
		}
		data = append(data, encoded...)
	}
	return data, nil
}

func (c *ExchangeClient) instruction(name string, args interface{}, accounts solana.AccountMetaSlice) (solana.Instruction, error) {
	data, err := encodeInstruction(name, args)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(c.programID, accounts, data), nil
}

// SendInstructions signs and submits a transaction and waits for it to
// confirm. Preflight failures come back as *PreflightError with logs.
func (c *ExchangeClient) SendInstructions(ctx context.Context, ixs ...solana.Instruction) (solana.Signature, error) {
	recent, err := c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("latest blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(c.withComputeBudget(ixs), recent.Value.Blockhash, solana.TransactionPayer(c.signer.PublicKey()))
	if err != nil {
		return solana.Signature{}, fmt.Errorf("build transaction: %w", err)
	}

	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(c.signer.PublicKey()) {
			return &c.signer
		}
		return nil
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("sign transaction: %w", err)
	}

	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentProcessed,
	})
	if err != nil {
		return solana.Signature{}, wrapSendError(err)
	}

	if err := c.confirm(ctx, sig); err != nil {
		return sig, err
	}
	c.log.Debug().Str("signature", sig.String()).Msg("transaction confirmed")
	return sig, nil
}

// SignAndSend signs and submits an externally built transaction, such as an
// aggregator swap, and waits for confirmation.
func (c *ExchangeClient) SignAndSend(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	_, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(c.signer.PublicKey()) {
			return &c.signer
		}
		return nil
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("sign transaction: %w", err)
	}
	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentProcessed,
	})
	if err != nil {
		return solana.Signature{}, wrapSendError(err)
	}
	return sig, c.confirm(ctx, sig)
}

func (c *ExchangeClient) confirm(ctx context.Context, sig solana.Signature) error {
	deadline := time.Now().Add(c.confirmTimeout)
	for {
		res, err := c.rpc.GetSignatureStatuses(ctx, false, sig)
		if err == nil && len(res.Value) > 0 && res.Value[0] != nil {
			st := res.Value[0]
			if st.Err != nil {
				return fmt.Errorf("transaction %s failed on chain: %v", sig, st.Err)
			}
			if st.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
				st.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return nil
			}
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("transaction %s not confirmed before timeout", sig)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(confirmPollInterval):
		}
	}
}
