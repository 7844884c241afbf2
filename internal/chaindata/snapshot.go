package chaindata

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/rs/zerolog"
)

// SnapshotSource periodically dumps every program account plus any extra
// accounts (oracle feeds live outside the program) and emits them as one
// snapshot. The websocket feed keeps the cache fresh between snapshots;
// snapshots recover anything the feed missed.
type SnapshotSource struct {
	rpc       *rpc.Client
	programID solana.PublicKey
	// extraAccounts returns accounts outside the program to include, read
	// fresh each pass since the set grows as banks are discovered.
	extraAccounts func() []solana.PublicKey
	interval      time.Duration
	log           zerolog.Logger
}

// NewSnapshotSource creates a snapshot source for one program.
func NewSnapshotSource(client *rpc.Client, programID solana.PublicKey, extraAccounts func() []solana.PublicKey, interval time.Duration, log zerolog.Logger) *SnapshotSource {
	return &SnapshotSource{
		rpc:           client,
		programID:     programID,
		extraAccounts: extraAccounts,
		interval:      interval,
		log:           log,
	}
}

// Run takes snapshots until the context ends. The first snapshot is taken
// immediately.
func (s *SnapshotSource) Run(ctx context.Context, out chan<- Snapshot) {
	for {
		snap, err := s.fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn().Err(err).Msg("snapshot fetch failed")
		} else {
			select {
			case out <- snap:
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.interval):
		}
	}
}

func (s *SnapshotSource) fetch(ctx context.Context) (Snapshot, error) {
	slot, err := s.rpc.GetSlot(ctx, rpc.CommitmentProcessed)
	if err != nil {
		return Snapshot{}, fmt.Errorf("get slot: %w", err)
	}

	accounts, err := s.rpc.GetProgramAccountsWithOpts(ctx, s.programID, &rpc.GetProgramAccountsOpts{
		Commitment: rpc.CommitmentProcessed,
		Encoding:   solana.EncodingBase64,
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("get program accounts: %w", err)
	}

	snap := Snapshot{Slot: slot}
	for _, ka := range accounts {
		if ka.Account == nil {
			continue
		}
		snap.Accounts = append(snap.Accounts, AccountUpdate{
			Pubkey:   ka.Pubkey,
			Slot:     slot,
			Lamports: ka.Account.Lamports,
			Owner:    ka.Account.Owner,
			Data:     ka.Account.Data.GetBinary(),
		})
	}

	extra := s.extraAccounts()
	if len(extra) > 0 {
		res, err := s.rpc.GetMultipleAccountsWithOpts(ctx, extra, &rpc.GetMultipleAccountsOpts{
			Commitment: rpc.CommitmentProcessed,
			Encoding:   solana.EncodingBase64,
		})
		if err != nil {
			return Snapshot{}, fmt.Errorf("get extra accounts: %w", err)
		}
		for i, acc := range res.Value {
			if acc == nil {
				continue
			}
			snap.Accounts = append(snap.Accounts, AccountUpdate{
				Pubkey:   extra[i],
				Slot:     res.RPCContext.Context.Slot,
				Lamports: acc.Lamports,
				Owner:    acc.Owner,
				Data:     acc.Data.GetBinary(),
			})
		}
	}

	s.log.Debug().
		Uint64("slot", snap.Slot).
		Int("accounts", len(snap.Accounts)).
		Msg("snapshot fetched")

	return snap, nil
}
