// Package callback notifies a report's consumer contract after settlement
// under a bounded gas allowance.
package callback

import (
	"errors"
	"fmt"
	"sync"
)

// ErrOutOfGas is returned when a meter cannot cover a charge
var ErrOutOfGas = errors.New("out of gas")

// GasMeter tracks the gas budget of one host call
type GasMeter struct {
	mu    sync.Mutex
	limit uint64
	used  uint64
}

// NewGasMeter creates a meter with the given budget
func NewGasMeter(limit uint64) *GasMeter {
	return &GasMeter{limit: limit}
}

// Limit returns the total budget
func (g *GasMeter) Limit() uint64 {
	return g.limit
}

// Used returns the gas consumed so far
func (g *GasMeter) Used() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.used
}

// Available returns the gas left
func (g *GasMeter) Available() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limit - g.used
}

// Consume charges n gas. On shortfall the meter is drained and ErrOutOfGas returned.
func (g *GasMeter) Consume(n uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if have := g.limit - g.used; n > have {
		g.used = g.limit
		return fmt.Errorf("%w: need %d, have %d", ErrOutOfGas, n, have)
	}
	g.used += n
	return nil
}

// Refund returns n previously consumed gas to the meter
func (g *GasMeter) Refund(n uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n > g.used {
		n = g.used
	}
	g.used -= n
}

// Forwardable returns the gas a nested call may receive: all but one 64th
// of what is available, capped at limit.
func Forwardable(available, limit uint64) uint64 {
	max := available - available/64
	if limit < max {
		return limit
	}
	return max
}
