package oracle

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/moltbunker/bondoracle/internal/assets"
	"github.com/moltbunker/bondoracle/internal/callback"
	"github.com/moltbunker/bondoracle/internal/events"
	"github.com/moltbunker/bondoracle/internal/ledger"
	"github.com/moltbunker/bondoracle/internal/registry"
	"github.com/moltbunker/bondoracle/pkg/types"
)

var (
	custody   = common.HexToAddress("0x00000000000000000000000000000000c0570d1")
	token1    = common.HexToAddress("0x1111111111111111111111111111111111111111")
	token2    = common.HexToAddress("0x2222222222222222222222222222222222222222")
	creator   = common.HexToAddress("0xc0c0000000000000000000000000000000000001")
	reporter  = common.HexToAddress("0xa11ce00000000000000000000000000000000001")
	disputer  = common.HexToAddress("0xb0b0000000000000000000000000000000000001")
	disputer2 = common.HexToAddress("0xca40100000000000000000000000000000000001")
	settler   = common.HexToAddress("0x5e77000000000000000000000000000000000001")
	feeSink   = common.HexToAddress("0xfee0000000000000000000000000000000000001")
)

type resolverMap map[common.Address]callback.Target

func (r resolverMap) Resolve(addr common.Address) (callback.Target, bool) {
	t, ok := r[addr]
	return t, ok
}

type harness struct {
	t       *testing.T
	ctx     context.Context
	world   *assets.MemoryBackend
	engine  *Engine
	bus     *events.Bus
	targets resolverMap
	now     types.Instant
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	world := assets.NewMemoryBackend()
	if err := world.Deploy(token1, assets.TokenStandard); err != nil {
		t.Fatalf("deploy token1: %v", err)
	}
	if err := world.Deploy(token2, assets.TokenNoReturn); err != nil {
		t.Fatalf("deploy token2: %v", err)
	}

	targets := resolverMap{}
	bus := events.NewBus(256)
	engine := NewEngine(Deps{
		Registry:   registry.New(),
		Ledger:     ledger.New(),
		Assets:     assets.NewTransferor(world, custody),
		Dispatcher: callback.NewDispatcher(targets),
		Events:     bus,
	}, DefaultConfig())

	return &harness{
		t:       t,
		ctx:     context.Background(),
		world:   world,
		engine:  engine,
		bus:     bus,
		targets: targets,
		now:     types.Instant{Timestamp: 1_700_000_000, Block: 1000},
	}
}

func (h *harness) env(caller common.Address) Env {
	return Env{Caller: caller, Now: h.now}
}

func (h *harness) advance(seconds, blocks uint64) {
	h.now.Timestamp += seconds
	h.now.Block += blocks
}

// fund mints both tokens to account and approves custody for all of it
func (h *harness) fund(account common.Address, amount1, amount2 int64) {
	h.t.Helper()
	h.fundToken(account, token1, big.NewInt(amount1))
	h.fundToken(account, token2, big.NewInt(amount2))
}

func (h *harness) fundToken(account, token common.Address, amount *big.Int) {
	h.t.Helper()
	if err := h.world.Mint(token, account, amount); err != nil {
		h.t.Fatalf("mint: %v", err)
	}
	allowance := new(big.Int).Add(h.world.Allowance(token, account, custody), amount)
	if err := h.world.Approve(token, account, custody, allowance); err != nil {
		h.t.Fatalf("approve: %v", err)
	}
}

func baseParams() types.CreateReportParams {
	return types.CreateReportParams{
		Token1:               token1,
		Token2:               token2,
		ExactToken1Report:    big.NewInt(1000),
		EscalationHalt:       big.NewInt(2000),
		Multiplier:           150,
		SettlementDelay:      300,
		DisputeDelay:         10,
		FeeRate:              30_000, // 0.3%
		ProtocolFeeRate:      10_000, // 0.1%
		SettlerReward:        big.NewInt(1_000),
		TimeUnit:             types.TimeUnitTimestamp,
		TrackDisputes:        true,
		KeepFee:              false,
		ProtocolFeeRecipient: feeSink,
	}
}

// create moves value into custody the way the host does and creates a report
func (h *harness) create(p types.CreateReportParams, value int64) uint64 {
	h.t.Helper()
	h.world.MintNative(custody, big.NewInt(value))
	env := h.env(creator)
	env.Value = big.NewInt(value)
	id, err := h.engine.CreateReport(h.ctx, env, p)
	if err != nil {
		h.t.Fatalf("CreateReport failed: %v", err)
	}
	return id
}

func (h *harness) hash(id uint64) common.Hash {
	h.t.Helper()
	hash, err := h.engine.StateHash(id)
	if err != nil {
		h.t.Fatalf("StateHash failed: %v", err)
	}
	return hash
}

func (h *harness) report(id uint64, amount1, amount2 int64) {
	h.t.Helper()
	h.fund(reporter, amount1, amount2)
	err := h.engine.SubmitInitialReport(h.ctx, h.env(reporter), InitialReport{
		ReportID:  id,
		Amount1:   big.NewInt(amount1),
		Amount2:   big.NewInt(amount2),
		StateHash: h.hash(id),
		Holder:    reporter,
	})
	if err != nil {
		h.t.Fatalf("SubmitInitialReport failed: %v", err)
	}
}

func (h *harness) dispute(id uint64, who common.Address, swap common.Address, new1, new2 int64) error {
	h.t.Helper()
	status, err := h.engine.Status(id)
	if err != nil {
		h.t.Fatalf("Status failed: %v", err)
	}
	return h.engine.DisputeAndSwap(h.ctx, h.env(who), Dispute{
		ReportID:        id,
		TokenToSwap:     swap,
		NewAmount1:      big.NewInt(new1),
		NewAmount2:      big.NewInt(new2),
		Disputer:        who,
		ExpectedAmount2: status.CurrentAmount2,
		StateHash:       h.hash(id),
	})
}

func (h *harness) bal(token, account common.Address) int64 {
	return h.world.BalanceOf(token, account).Int64()
}
