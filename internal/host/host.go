// Package host is the execution environment around the oracle engine. It
// serializes calls, stamps them with a timestamp and block number, moves
// attached native value and meters gas for settlement callbacks.
package host

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/moltbunker/bondoracle/internal/assets"
	"github.com/moltbunker/bondoracle/internal/callback"
	"github.com/moltbunker/bondoracle/internal/events"
	"github.com/moltbunker/bondoracle/internal/ledger"
	"github.com/moltbunker/bondoracle/internal/logging"
	"github.com/moltbunker/bondoracle/internal/oracle"
	"github.com/moltbunker/bondoracle/internal/registry"
	"github.com/moltbunker/bondoracle/internal/store"
	"github.com/moltbunker/bondoracle/pkg/types"
)

// ErrNotDevnet is returned by devnet-only operations on a host backed by a
// real chain
var ErrNotDevnet = errors.New("operation requires a devnet host")

// MaxUint256 is the allowance granted by devnet mints
var MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// Config holds host tunables
type Config struct {
	// GasLimit is the gas budget of a call that does not name one
	GasLimit uint64 `yaml:"gas_limit"`
	// BlockTime is the seconds each devnet block adds
	BlockTime uint64 `yaml:"block_time"`
	// Custody is the account holding escrowed assets
	Custody common.Address `yaml:"custody"`
}

// DefaultConfig returns the default host configuration
func DefaultConfig() Config {
	return Config{
		GasLimit:  30_000_000,
		BlockTime: 2,
		Custody:   common.HexToAddress("0x00000000000000000000000000000000000b0d0"),
	}
}

// Options wires a Host
type Options struct {
	Config  Config
	Engine  oracle.Config
	Backend assets.Backend
	// Clock defaults to a devnet clock
	Clock     Clock
	Bus       *events.Bus
	Contracts *Contracts
}

// Call describes one external call into the oracle
type Call struct {
	Caller common.Address
	Value  *big.Int
	// Gas is the call's gas budget, zero for the configured default
	Gas uint64
}

type callKey struct{}

// Host owns the engine and everything it runs against
type Host struct {
	mu        sync.Mutex
	cfg       Config
	engine    *oracle.Engine
	backend   assets.Backend
	world     *assets.MemoryBackend
	clock     Clock
	contracts *Contracts
	bus       *events.Bus
	last      types.Instant
}

// New builds a host and its engine
func New(opts Options) (*Host, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("asset backend is required")
	}
	cfg := opts.Config
	if cfg.GasLimit == 0 {
		cfg.GasLimit = DefaultConfig().GasLimit
	}
	if cfg.Custody == (common.Address{}) {
		cfg.Custody = DefaultConfig().Custody
	}
	if opts.Contracts == nil {
		opts.Contracts = NewContracts()
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus(0)
	}
	if opts.Clock == nil {
		opts.Clock = NewDevClock(types.Instant{Timestamp: 1, Block: 0}, cfg.BlockTime)
	}

	h := &Host{
		cfg:       cfg,
		backend:   opts.Backend,
		clock:     opts.Clock,
		contracts: opts.Contracts,
		bus:       opts.Bus,
	}
	h.world, _ = opts.Backend.(*assets.MemoryBackend)

	h.engine = oracle.NewEngine(oracle.Deps{
		Registry:   registry.New(),
		Ledger:     ledger.New(),
		Assets:     assets.NewTransferor(opts.Backend, cfg.Custody),
		Dispatcher: callback.NewDispatcher(opts.Contracts),
		Events:     opts.Bus,
	}, opts.Engine)

	logging.Info("host initialized",
		logging.Component("host"),
		logging.Address("custody", cfg.Custody),
		"gas_limit", cfg.GasLimit,
		"devnet", h.world != nil)
	return h, nil
}

// Engine returns the engine for read-only queries
func (h *Host) Engine() *oracle.Engine {
	return h.engine
}

// Bus returns the event bus the engine publishes to
func (h *Host) Bus() *events.Bus {
	return h.bus
}

// Contracts returns the callback target registry
func (h *Host) Contracts() *Contracts {
	return h.contracts
}

// Custody returns the custody account
func (h *Host) Custody() common.Address {
	return h.cfg.Custody
}

// IsDevnet reports whether the host runs the in-memory token world on a
// devnet clock. A memory world following a chain clock is not a devnet.
func (h *Host) IsDevnet() bool {
	_, dev := h.clock.(*DevClock)
	return dev && h.world != nil
}

// Now returns the instant of the latest call, or the devnet head
func (h *Host) Now() types.Instant {
	if dc, ok := h.clock.(*DevClock); ok {
		return dc.Peek()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}

// Execute runs fn as one call. Calls are serialized; a call made from inside
// another call (a settlement callback reaching back in) reuses the outer
// call's instant and gas meter and never carries value.
func (h *Host) Execute(ctx context.Context, call Call, fn func(ctx context.Context, env oracle.Env) error) error {
	if outer, ok := ctx.Value(callKey{}).(oracle.Env); ok {
		env := outer
		env.Caller = call.Caller
		env.Value = nil
		return fn(ctx, env)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	now, err := h.clock.Now(ctx)
	if err != nil {
		return fmt.Errorf("failed to read clock: %w", err)
	}
	h.last = now

	gas := call.Gas
	if gas == 0 {
		gas = h.cfg.GasLimit
	}
	env := oracle.Env{
		Caller: call.Caller,
		Value:  call.Value,
		Now:    now,
		Gas:    callback.NewGasMeter(gas),
	}
	logging.DebugContext(ctx, "host call",
		logging.Address("caller", call.Caller),
		"timestamp", now.Timestamp,
		"block", now.Block,
		"gas", gas)
	return fn(context.WithValue(ctx, callKey{}, env), env)
}

// CreateReport moves value from caller into custody and creates a report.
// The value is returned if creation fails.
func (h *Host) CreateReport(ctx context.Context, caller common.Address, value *big.Int, p types.CreateReportParams) (uint64, error) {
	var id uint64
	err := h.Execute(ctx, Call{Caller: caller, Value: value}, func(ctx context.Context, env oracle.Env) error {
		moved := env.Value != nil && env.Value.Sign() > 0
		if moved {
			if err := h.backend.TransferNative(ctx, caller, h.cfg.Custody, env.Value, 0); err != nil {
				return fmt.Errorf("%w: %v", oracle.ErrInsufficientValue, err)
			}
		}
		var err error
		id, err = h.engine.CreateReport(ctx, env, p)
		if err != nil && moved {
			if rerr := h.backend.TransferNative(ctx, h.cfg.Custody, caller, env.Value, 0); rerr != nil {
				logging.ErrorContext(ctx, "failed to refund creation value",
					logging.Address("caller", caller),
					logging.Amount("value", env.Value),
					logging.Err(rerr))
			}
		}
		return err
	})
	return id, err
}

// SubmitInitialReport runs the initial report as caller
func (h *Host) SubmitInitialReport(ctx context.Context, caller common.Address, r oracle.InitialReport) error {
	return h.Execute(ctx, Call{Caller: caller}, func(ctx context.Context, env oracle.Env) error {
		return h.engine.SubmitInitialReport(ctx, env, r)
	})
}

// DisputeAndSwap runs a dispute as caller
func (h *Host) DisputeAndSwap(ctx context.Context, caller common.Address, d oracle.Dispute) error {
	return h.Execute(ctx, Call{Caller: caller}, func(ctx context.Context, env oracle.Env) error {
		return h.engine.DisputeAndSwap(ctx, env, d)
	})
}

// Settle settles a report as caller with the given gas budget
func (h *Host) Settle(ctx context.Context, caller common.Address, id uint64, gas uint64) (oracle.Settlement, error) {
	var out oracle.Settlement
	err := h.Execute(ctx, Call{Caller: caller, Gas: gas}, func(ctx context.Context, env oracle.Env) error {
		var err error
		out, err = h.engine.Settle(ctx, env, id)
		return err
	})
	return out, err
}

// WithdrawToken pays out caller's ledger balance of token
func (h *Host) WithdrawToken(ctx context.Context, caller, token common.Address) (ledger.Withdrawal, error) {
	var w ledger.Withdrawal
	err := h.Execute(ctx, Call{Caller: caller}, func(ctx context.Context, env oracle.Env) error {
		var err error
		w, err = h.engine.WithdrawToken(ctx, env, token)
		return err
	})
	return w, err
}

// WithdrawNative pays out caller's native ledger balance
func (h *Host) WithdrawNative(ctx context.Context, caller common.Address) (ledger.Withdrawal, error) {
	var w ledger.Withdrawal
	err := h.Execute(ctx, Call{Caller: caller}, func(ctx context.Context, env oracle.Env) error {
		var err error
		w, err = h.engine.WithdrawNative(ctx, env)
		return err
	})
	return w, err
}

// Advance moves the devnet clock forward
func (h *Host) Advance(seconds, blocks uint64) (types.Instant, error) {
	dc, ok := h.clock.(*DevClock)
	if !ok {
		return types.Instant{}, ErrNotDevnet
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	at := dc.Advance(seconds, blocks)
	logging.Info("devnet clock advanced", "seconds", seconds, "blocks", blocks,
		"timestamp", at.Timestamp, "block", at.Block)
	return at, nil
}

// DeployToken deploys a devnet token of the given kind
func (h *Host) DeployToken(token common.Address, kind assets.TokenKind) error {
	if h.world == nil {
		return ErrNotDevnet
	}
	if err := h.world.Deploy(token, kind); err != nil {
		return err
	}
	logging.Info("devnet token deployed", logging.Address("token", token), "kind", string(kind))
	return nil
}

// Mint credits devnet tokens to account and approves custody to spend them.
// The zero token address mints native value.
func (h *Host) Mint(token, account common.Address, amount *big.Int) error {
	if h.world == nil {
		return ErrNotDevnet
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("mint amount must be positive")
	}
	if token == ledger.NativeToken {
		h.world.MintNative(account, amount)
	} else {
		if err := h.world.Mint(token, account, amount); err != nil {
			return err
		}
		if err := h.world.Approve(token, account, h.cfg.Custody, MaxUint256); err != nil {
			return err
		}
	}
	logging.Info("devnet mint",
		logging.Address("token", token),
		logging.Address("account", account),
		logging.Amount("amount", amount))
	return nil
}

// DeployContract places an in-process callback target at addr
func (h *Host) DeployContract(addr common.Address, target callback.Target) {
	h.contracts.Deploy(addr, target)
	if h.world != nil {
		h.world.MarkContract(addr)
	}
	logging.Info("callback contract deployed", logging.Address("address", addr))
}

// Snapshot captures the engine, ledger, devnet world and clock
func (h *Host) Snapshot() store.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	state := store.State{
		Reports: h.engine.Registry().Snapshot(),
		Ledger:  h.engine.Ledger().Snapshot(),
	}
	if h.world != nil {
		snap := h.world.Snapshot()
		state.World = &snap
	}
	if dc, ok := h.clock.(*DevClock); ok {
		at := dc.Peek()
		state.Clock = &at
	}
	return state
}

// Restore replaces host state with a snapshot
func (h *Host) Restore(state store.State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.engine.Registry().Restore(state.Reports)
	h.engine.Ledger().Restore(state.Ledger)
	if h.world != nil && state.World != nil {
		h.world.Restore(*state.World)
	}
	if dc, ok := h.clock.(*DevClock); ok && state.Clock != nil {
		dc.Set(*state.Clock)
	}
	logging.Info("host state restored", "reports", len(state.Reports), "ledger_entries", len(state.Ledger))
}
