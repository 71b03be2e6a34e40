package callback

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/moltbunker/bondoracle/internal/logging"
	"github.com/moltbunker/bondoracle/pkg/types"
)

// ErrInvalidGasLimit is returned when too little gas is left after the
// callback for the configured limit to have been honoured.
var ErrInvalidGasLimit = errors.New("invalid gas limit")

// Target is a contract that can receive a settlement callback
type Target interface {
	// Call executes calldata with a gas allowance and returns the gas used.
	// An error means the call reverted.
	Call(ctx context.Context, gas uint64, calldata []byte) (uint64, error)
}

// TargetFunc adapts a function to Target
type TargetFunc func(ctx context.Context, gas uint64, calldata []byte) (uint64, error)

// Call implements Target
func (f TargetFunc) Call(ctx context.Context, gas uint64, calldata []byte) (uint64, error) {
	return f(ctx, gas, calldata)
}

// Resolver finds the contract deployed at an address
type Resolver interface {
	Resolve(addr common.Address) (Target, bool)
}

var noticeArgs = abi.Arguments{
	{Name: "reportId", Type: mustType("uint256")},
	{Name: "price", Type: mustType("uint256")},
	{Name: "settlementTime", Type: mustType("uint256")},
	{Name: "token1", Type: mustType("address")},
	{Name: "token2", Type: mustType("address")},
}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(fmt.Sprintf("callback: invalid abi type %q: %v", t, err))
	}
	return typ
}

// Notice is the settlement payload delivered to a callback target
type Notice struct {
	ReportID       uint64
	Price          *big.Int
	SettlementTime uint64
	Token1         common.Address
	Token2         common.Address
}

// Calldata returns selector || abi.encode(reportId, price, settlementTime, token1, token2)
func (n Notice) Calldata(selector types.Selector) ([]byte, error) {
	price := n.Price
	if price == nil {
		price = new(big.Int)
	}
	args, err := noticeArgs.Pack(
		new(big.Int).SetUint64(n.ReportID),
		price,
		new(big.Int).SetUint64(n.SettlementTime),
		n.Token1,
		n.Token2,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to encode settlement notice: %w", err)
	}
	return append(selector[:], args...), nil
}

// DecodeNotice parses calldata produced by Notice.Calldata
func DecodeNotice(calldata []byte) (types.Selector, Notice, error) {
	var sel types.Selector
	if len(calldata) < 4 {
		return sel, Notice{}, fmt.Errorf("calldata too short: %d bytes", len(calldata))
	}
	copy(sel[:], calldata[:4])
	vals, err := noticeArgs.Unpack(calldata[4:])
	if err != nil {
		return sel, Notice{}, fmt.Errorf("failed to decode settlement notice: %w", err)
	}
	return sel, Notice{
		ReportID:       vals[0].(*big.Int).Uint64(),
		Price:          vals[1].(*big.Int),
		SettlementTime: vals[2].(*big.Int).Uint64(),
		Token1:         vals[3].(common.Address),
		Token2:         vals[4].(common.Address),
	}, nil
}

// Result is the observed outcome of one callback attempt
type Result struct {
	Attempted    bool   `json:"attempted"`
	Success      bool   `json:"success"`
	GasForwarded uint64 `json:"gas_forwarded"`
	GasUsed      uint64 `json:"gas_used"`
	Error        string `json:"error,omitempty"`
}

// Dispatcher delivers settlement notices to resolved targets
type Dispatcher struct {
	resolver Resolver
}

// NewDispatcher creates a dispatcher. A nil resolver treats every target as
// an account without code.
func NewDispatcher(resolver Resolver) *Dispatcher {
	return &Dispatcher{resolver: resolver}
}

// Dispatch calls target with min(gasLimit, available - available/64) gas.
// A reverting or panicking target yields Success=false and no error. The only
// error is ErrInvalidGasLimit, returned when less than gasLimit/63 gas remains
// after the call.
func (d *Dispatcher) Dispatch(ctx context.Context, meter *GasMeter, target common.Address, selector types.Selector, gasLimit uint64, n Notice) (Result, error) {
	if target == (common.Address{}) || selector.IsZero() {
		return Result{}, nil
	}

	calldata, err := n.Calldata(selector)
	if err != nil {
		return Result{Attempted: true, Error: err.Error()}, nil
	}

	forward := Forwardable(meter.Available(), gasLimit)
	res := Result{Attempted: true, GasForwarded: forward}

	var tgt Target
	if d.resolver != nil {
		tgt, _ = d.resolver.Resolve(target)
	}
	if tgt == nil {
		// no code at target: the call succeeds without running anything
		res.Success = true
	} else {
		used, callErr := invoke(ctx, tgt, forward, calldata)
		if used > forward {
			used = forward
			if callErr == nil {
				callErr = ErrOutOfGas
			}
		}
		res.GasUsed = used
		res.Success = callErr == nil
		if callErr != nil {
			res.Error = callErr.Error()
			logging.WarnContext(ctx, "settlement callback failed",
				logging.ReportID(n.ReportID),
				logging.Address("target", target),
				"gas_forwarded", forward,
				logging.Err(callErr))
		}
	}

	// the forwarded amount is always below what the meter holds
	_ = meter.Consume(res.GasUsed)

	if remaining := meter.Available(); remaining < gasLimit/63 {
		return res, fmt.Errorf("%w: %d gas left after callback, limit %d", ErrInvalidGasLimit, remaining, gasLimit)
	}
	return res, nil
}

func invoke(ctx context.Context, tgt Target, gas uint64, calldata []byte) (used uint64, err error) {
	defer func() {
		if r := recover(); r != nil {
			used = gas
			err = fmt.Errorf("callback panicked: %v", r)
		}
	}()
	return tgt.Call(ctx, gas, calldata)
}
