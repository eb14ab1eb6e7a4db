package taint

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Cache holds the scratch scores and self-destruct set accumulated while
// one block is being processed. It belongs to the Blockchain/engine
// instance, not to any one block, and must be empty at block boundaries:
// every block ends by draining both containers into the store.
//
// The containers are individually mutex-guarded so the cache stays safe
// if a future revision fans work out per-transaction; the block pipeline
// itself only ever touches the cache from one goroutine at a time.
type Cache struct {
	mu   sync.Mutex
	data map[common.Address]Score

	sdMu          sync.Mutex
	selfDestructs []common.Address
}

// NewCache returns an empty Cache.
func NewCache() *Cache {
	return &Cache{data: make(map[common.Address]Score)}
}

// Get returns the scratch score for an address, if any mutation to it has
// already been recorded this block.
func (c *Cache) Get(addr common.Address) (Score, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.data[addr]
	return s, ok
}

// Insert overwrites the scratch score for an address.
func (c *Cache) Insert(addr common.Address, s Score) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[addr] = s
}

// DrainData atomically removes and returns every scratch score recorded
// this block.
func (c *Cache) DrainData() map[common.Address]Score {
	c.mu.Lock()
	defer c.mu.Unlock()
	drained := c.data
	c.data = make(map[common.Address]Score)
	return drained
}

// InsertSelfDestruct appends an address to the self-destruct set. The set
// may contain duplicates; callers only ever range over it once per drain.
func (c *Cache) InsertSelfDestruct(addr common.Address) {
	c.sdMu.Lock()
	defer c.sdMu.Unlock()
	c.selfDestructs = append(c.selfDestructs, addr)
}

// CheckSelfDestructed reports whether addr has been queued for self-destruct
// wipe this block.
func (c *Cache) CheckSelfDestructed(addr common.Address) bool {
	c.sdMu.Lock()
	defer c.sdMu.Unlock()
	for _, a := range c.selfDestructs {
		if a == addr {
			return true
		}
	}
	return false
}

// DrainSelfDestruct atomically removes and returns the queued self-destruct
// addresses in the order they were inserted.
func (c *Cache) DrainSelfDestruct() []common.Address {
	c.sdMu.Lock()
	defer c.sdMu.Unlock()
	drained := c.selfDestructs
	c.selfDestructs = nil
	return drained
}
