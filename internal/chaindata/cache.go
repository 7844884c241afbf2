// Package chaindata maintains the in-memory mirror of on-chain accounts the
// bots work from. Account writes stream in over a websocket subscription and
// periodic full snapshots; the cache applies them in slot order so a late
// websocket message can never roll an account backwards.
package chaindata

import (
	"sync"

	"github.com/gagliardetto/solana-go"
)

// AccountUpdate is one account write observed on chain.
type AccountUpdate struct {
	Pubkey   solana.PublicKey
	Slot     uint64
	Lamports uint64
	Owner    solana.PublicKey
	Data     []byte
}

// Snapshot is a full program account dump at one slot.
type Snapshot struct {
	Slot     uint64
	Accounts []AccountUpdate
}

// Cache holds the latest known state of every tracked account.
type Cache struct {
	mu         sync.RWMutex
	accounts   map[solana.PublicKey]AccountUpdate
	latestSlot uint64
	writes     uint64
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{accounts: make(map[solana.PublicKey]AccountUpdate)}
}

// Update applies one account write. Writes older than what the cache already
// holds for the account are dropped; returns whether the write was applied.
func (c *Cache) Update(u AccountUpdate) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.accounts[u.Pubkey]; ok && u.Slot < cur.Slot {
		return false
	}
	c.accounts[u.Pubkey] = u
	c.writes++
	if u.Slot > c.latestSlot {
		c.latestSlot = u.Slot
	}
	return true
}

// ApplySnapshot applies every account of a snapshot, each under the same
// slot ordering rule as a single write.
func (c *Cache) ApplySnapshot(s Snapshot) int {
	applied := 0
	for _, u := range s.Accounts {
		if u.Slot == 0 {
			u.Slot = s.Slot
		}
		if c.Update(u) {
			applied++
		}
	}
	return applied
}

// Get returns the latest known state of an account.
func (c *Cache) Get(pubkey solana.PublicKey) (AccountUpdate, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.accounts[pubkey]
	return u, ok
}

// LatestSlot is the highest slot seen across all writes.
func (c *Cache) LatestSlot() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latestSlot
}

// Len returns the number of cached accounts.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.accounts)
}

// Writes returns the total number of applied account writes.
func (c *Cache) Writes() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.writes
}

// SlotFor returns the slot of the cached state of an account.
func (c *Cache) SlotFor(pubkey solana.PublicKey) (uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.accounts[pubkey]
	if !ok {
		return 0, false
	}
	return u.Slot, true
}

// ForEach calls fn for every cached account. The callback must not call back
// into the cache.
func (c *Cache) ForEach(fn func(AccountUpdate)) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, u := range c.accounts {
		fn(u)
	}
}
