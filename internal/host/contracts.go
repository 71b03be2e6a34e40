package host

import (
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/moltbunker/bondoracle/internal/callback"
)

// Contracts maps addresses to in-process callback targets
type Contracts struct {
	mu      sync.RWMutex
	targets map[common.Address]callback.Target
}

// NewContracts creates an empty contract registry
func NewContracts() *Contracts {
	return &Contracts{targets: make(map[common.Address]callback.Target)}
}

// Deploy places target at addr, replacing whatever was there
func (c *Contracts) Deploy(addr common.Address, target callback.Target) {
	c.mu.Lock()
	c.targets[addr] = target
	c.mu.Unlock()
}

// Remove deletes the target at addr
func (c *Contracts) Remove(addr common.Address) {
	c.mu.Lock()
	delete(c.targets, addr)
	c.mu.Unlock()
}

// Resolve implements callback.Resolver
func (c *Contracts) Resolve(addr common.Address) (callback.Target, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.targets[addr]
	return t, ok
}

// Addresses returns the deployed addresses in a stable order
func (c *Contracts) Addresses() []common.Address {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]common.Address, 0, len(c.targets))
	for addr := range c.targets {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}
