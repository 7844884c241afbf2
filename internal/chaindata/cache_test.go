package chaindata_test

import (
	"testing"

	"github.com/gagliardetto/solana-go"

	"liqkeeper/internal/chaindata"
)

func TestCacheRejectsOlderSlots(t *testing.T) {
	c := chaindata.NewCache()
	key := solana.NewWallet().PublicKey()

	if !c.Update(chaindata.AccountUpdate{Pubkey: key, Slot: 100, Data: []byte{1}}) {
		t.Fatal("first write must apply")
	}
	if c.Update(chaindata.AccountUpdate{Pubkey: key, Slot: 99, Data: []byte{2}}) {
		t.Fatal("older write must be dropped")
	}

	got, ok := c.Get(key)
	if !ok {
		t.Fatal("account missing")
	}
	if got.Slot != 100 || got.Data[0] != 1 {
		t.Errorf("cache kept slot %d data %v, want the newer write", got.Slot, got.Data)
	}
}

func TestCacheSameSlotOverwrites(t *testing.T) {
	c := chaindata.NewCache()
	key := solana.NewWallet().PublicKey()

	c.Update(chaindata.AccountUpdate{Pubkey: key, Slot: 100, Data: []byte{1}})
	if !c.Update(chaindata.AccountUpdate{Pubkey: key, Slot: 100, Data: []byte{2}}) {
		t.Fatal("same slot write must apply, later writes in a slot win")
	}
	got, _ := c.Get(key)
	if got.Data[0] != 2 {
		t.Error("same slot write did not overwrite")
	}
}

func TestSnapshotFillsMissingSlots(t *testing.T) {
	c := chaindata.NewCache()
	a := solana.NewWallet().PublicKey()
	b := solana.NewWallet().PublicKey()

	// Account b already has newer state than the snapshot.
	c.Update(chaindata.AccountUpdate{Pubkey: b, Slot: 200, Data: []byte{9}})

	applied := c.ApplySnapshot(chaindata.Snapshot{
		Slot: 150,
		Accounts: []chaindata.AccountUpdate{
			{Pubkey: a, Data: []byte{1}},
			{Pubkey: b, Data: []byte{2}},
		},
	})
	if applied != 1 {
		t.Errorf("applied = %d, want 1", applied)
	}

	gotA, _ := c.Get(a)
	if gotA.Slot != 150 {
		t.Errorf("snapshot account slot = %d, want the snapshot slot 150", gotA.Slot)
	}
	gotB, _ := c.Get(b)
	if gotB.Data[0] != 9 {
		t.Error("snapshot must not roll back a newer account")
	}
}

func TestLatestSlotTracksHighWater(t *testing.T) {
	c := chaindata.NewCache()
	a := solana.NewWallet().PublicKey()

	c.Update(chaindata.AccountUpdate{Pubkey: a, Slot: 50})
	c.Update(chaindata.AccountUpdate{Pubkey: a, Slot: 70})
	c.Update(chaindata.AccountUpdate{Pubkey: solana.NewWallet().PublicKey(), Slot: 60})

	if got := c.LatestSlot(); got != 70 {
		t.Errorf("latest slot = %d, want 70", got)
	}
	if got := c.Writes(); got != 3 {
		t.Errorf("writes = %d, want 3", got)
	}
}
