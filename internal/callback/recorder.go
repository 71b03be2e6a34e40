package callback

import (
	"context"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/moltbunker/bondoracle/internal/logging"
	"github.com/moltbunker/bondoracle/pkg/types"
)

// ErrRecorderReverted is returned by a Recorder configured to fail
var ErrRecorderReverted = errors.New("recorder reverted")

// Recorder is an in-process callback target that keeps every notice it
// receives. Devnet hosts deploy it as a consumer stand-in.
type Recorder struct {
	mu       sync.Mutex
	address  common.Address
	gasCost  uint64
	fail     bool
	received []Received
}

// Received is one delivered notice
type Received struct {
	Selector types.Selector
	Notice   Notice
	Gas      uint64
}

// NewRecorder creates a recorder that charges gasCost per call
func NewRecorder(address common.Address, gasCost uint64) *Recorder {
	return &Recorder{address: address, gasCost: gasCost}
}

// SetFail makes subsequent calls revert
func (r *Recorder) SetFail(fail bool) {
	r.mu.Lock()
	r.fail = fail
	r.mu.Unlock()
}

// Call implements Target
func (r *Recorder) Call(ctx context.Context, gas uint64, calldata []byte) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.gasCost > gas {
		return gas, ErrOutOfGas
	}
	if r.fail {
		return r.gasCost, ErrRecorderReverted
	}
	sel, n, err := DecodeNotice(calldata)
	if err != nil {
		return r.gasCost, err
	}
	r.received = append(r.received, Received{Selector: sel, Notice: n, Gas: gas})
	logging.InfoContext(ctx, "settlement notice received",
		logging.Address("contract", r.address),
		logging.ReportID(n.ReportID),
		logging.Amount("price", n.Price))
	return r.gasCost, nil
}

// Received returns the notices delivered so far
func (r *Recorder) Received() []Received {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Received, len(r.received))
	copy(out, r.received)
	return out
}
