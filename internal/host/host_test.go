package host

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/moltbunker/bondoracle/internal/assets"
	"github.com/moltbunker/bondoracle/internal/callback"
	"github.com/moltbunker/bondoracle/internal/oracle"
	"github.com/moltbunker/bondoracle/pkg/types"
)

var (
	token1   = common.HexToAddress("0x1111111111111111111111111111111111111111")
	token2   = common.HexToAddress("0x2222222222222222222222222222222222222222")
	alice    = common.HexToAddress("0xa11ce00000000000000000000000000000000001")
	bob      = common.HexToAddress("0xb0b0000000000000000000000000000000000001")
	feeSink  = common.HexToAddress("0xfee0000000000000000000000000000000000001")
	consumer = common.HexToAddress("0xc0de000000000000000000000000000000000001")
)

func newDevHost(t *testing.T) *Host {
	t.Helper()
	world := assets.NewMemoryBackend()
	h, err := New(Options{
		Config:  DefaultConfig(),
		Engine:  oracle.DefaultConfig(),
		Backend: world,
		Clock:   NewDevClock(types.Instant{Timestamp: 1_700_000_000, Block: 100}, 2),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, tok := range []common.Address{token1, token2} {
		if err := h.DeployToken(tok, assets.TokenStandard); err != nil {
			t.Fatalf("DeployToken: %v", err)
		}
	}
	return h
}

func params() types.CreateReportParams {
	return types.CreateReportParams{
		Token1:               token1,
		Token2:               token2,
		ExactToken1Report:    big.NewInt(1000),
		EscalationHalt:       big.NewInt(2000),
		Multiplier:           150,
		SettlementDelay:      60,
		DisputeDelay:         0,
		FeeRate:              30_000,
		SettlerReward:        big.NewInt(100),
		TimeUnit:             types.TimeUnitTimestamp,
		TrackDisputes:        true,
		ProtocolFeeRecipient: feeSink,
	}
}

func TestExecute_MinesOneBlockPerCall(t *testing.T) {
	h := newDevHost(t)
	var seen []types.Instant
	for i := 0; i < 3; i++ {
		err := h.Execute(context.Background(), Call{Caller: alice}, func(_ context.Context, env oracle.Env) error {
			seen = append(seen, env.Now)
			if env.Gas.Limit() != DefaultConfig().GasLimit {
				t.Errorf("default gas: %d", env.Gas.Limit())
			}
			return nil
		})
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
	}
	if seen[0].Block != 101 || seen[2].Block != 103 || seen[2].Timestamp != 1_700_000_006 {
		t.Errorf("instants: %+v", seen)
	}
	if h.Now() != seen[2] {
		t.Errorf("Now: %+v", h.Now())
	}
}

func TestExecute_Serializes(t *testing.T) {
	h := newDevHost(t)
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		active int
		peak   int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.Execute(context.Background(), Call{Caller: alice}, func(context.Context, oracle.Env) error {
				mu.Lock()
				active++
				if active > peak {
					peak = active
				}
				mu.Unlock()

				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	if peak != 1 {
		t.Errorf("calls overlapped: peak %d", peak)
	}
}

func TestCreateReport_MovesAndRefundsValue(t *testing.T) {
	h := newDevHost(t)
	ctx := context.Background()
	if err := h.Mint(common.Address{}, alice, big.NewInt(10_000)); err != nil {
		t.Fatalf("Mint native: %v", err)
	}

	id, err := h.CreateReport(ctx, alice, big.NewInt(1_000), params())
	if err != nil {
		t.Fatalf("CreateReport: %v", err)
	}
	world := h.world
	if got := world.NativeBalance(h.Custody()).Int64(); got != 1_000 {
		t.Errorf("custody native: %d", got)
	}
	meta, _ := h.Engine().Meta(id)
	if meta.ReporterReward.Int64() != 900 {
		t.Errorf("reporter reward: %s", meta.ReporterReward)
	}

	bad := params()
	bad.Multiplier = 10
	if _, err := h.CreateReport(ctx, alice, big.NewInt(1_000), bad); !errors.Is(err, oracle.ErrInvalidParameters) {
		t.Fatalf("invalid create: %v", err)
	}
	if got := world.NativeBalance(alice).Int64(); got != 9_000 {
		t.Errorf("value not refunded: alice has %d", got)
	}

	if _, err := h.CreateReport(ctx, bob, big.NewInt(1_000), params()); !errors.Is(err, oracle.ErrInsufficientValue) {
		t.Errorf("unfunded creator: %v", err)
	}
}

func TestHost_FullLifecycleWithCallback(t *testing.T) {
	h := newDevHost(t)
	ctx := context.Background()
	rec := callback.NewRecorder(consumer, 10_000)
	h.DeployContract(consumer, rec)

	if err := h.Mint(common.Address{}, alice, big.NewInt(1_000)); err != nil {
		t.Fatalf("Mint: %v", err)
	}
	for _, tok := range []common.Address{token1, token2} {
		if err := h.Mint(tok, alice, big.NewInt(1_000_000)); err != nil {
			t.Fatalf("Mint: %v", err)
		}
		if err := h.Mint(tok, bob, big.NewInt(10_000_000)); err != nil {
			t.Fatalf("Mint: %v", err)
		}
	}

	p := params()
	p.CallbackTarget = consumer
	p.CallbackSelector = types.Selector{0x12, 0x34, 0x56, 0x78}
	p.CallbackGasLimit = 200_000
	id, err := h.CreateReport(ctx, alice, big.NewInt(500), p)
	if err != nil {
		t.Fatalf("CreateReport: %v", err)
	}

	hash, _ := h.Engine().StateHash(id)
	if err := h.SubmitInitialReport(ctx, alice, oracle.InitialReport{
		ReportID: id, Amount1: big.NewInt(1000), Amount2: big.NewInt(2000), StateHash: hash, Holder: alice,
	}); err != nil {
		t.Fatalf("SubmitInitialReport: %v", err)
	}

	if err := h.DisputeAndSwap(ctx, bob, oracle.Dispute{
		ReportID: id, TokenToSwap: token1, NewAmount1: big.NewInt(1500), NewAmount2: big.NewInt(6000),
		Disputer: bob, ExpectedAmount2: big.NewInt(2000), StateHash: hash,
	}); err != nil {
		t.Fatalf("DisputeAndSwap: %v", err)
	}

	if _, err := h.Settle(ctx, bob, id, 0); !errors.Is(err, oracle.ErrInvalidTiming) {
		t.Fatalf("early settle: %v", err)
	}
	if _, err := h.Advance(60, 30); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	out, err := h.Settle(ctx, bob, id, 0)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if !out.Callback.Success {
		t.Errorf("callback: %+v", out.Callback)
	}
	if got := rec.Received(); len(got) != 1 || got[0].Notice.ReportID != id {
		t.Errorf("notices: %+v", got)
	}
	price, at, err := h.Engine().SettlementData(id)
	if err != nil || price.Cmp(out.Price) != 0 || at != out.SettlementTime {
		t.Errorf("SettlementData: %s %d %v", price, at, err)
	}
}

func TestHost_CallbackReentryIsRejected(t *testing.T) {
	h := newDevHost(t)
	ctx := context.Background()

	var inner error
	h.DeployContract(consumer, callback.TargetFunc(func(ctx context.Context, _ uint64, calldata []byte) (uint64, error) {
		_, n, err := callback.DecodeNotice(calldata)
		if err != nil {
			return 0, err
		}
		// reaching back through the host must not deadlock on its lock
		_, inner = h.Settle(ctx, consumer, n.ReportID, 0)
		return 30_000, inner
	}))

	if err := h.Mint(common.Address{}, alice, big.NewInt(1_000)); err != nil {
		t.Fatalf("Mint: %v", err)
	}
	for _, tok := range []common.Address{token1, token2} {
		if err := h.Mint(tok, alice, big.NewInt(1_000_000)); err != nil {
			t.Fatalf("Mint: %v", err)
		}
	}
	p := params()
	p.CallbackTarget = consumer
	p.CallbackSelector = types.Selector{1, 2, 3, 4}
	p.CallbackGasLimit = 100_000
	id, err := h.CreateReport(ctx, alice, big.NewInt(500), p)
	if err != nil {
		t.Fatalf("CreateReport: %v", err)
	}
	hash, _ := h.Engine().StateHash(id)
	if err := h.SubmitInitialReport(ctx, alice, oracle.InitialReport{
		ReportID: id, Amount1: big.NewInt(1000), Amount2: big.NewInt(2000), StateHash: hash, Holder: alice,
	}); err != nil {
		t.Fatalf("SubmitInitialReport: %v", err)
	}
	if _, err := h.Advance(60, 1); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	out, err := h.Settle(ctx, alice, id, 0)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if !errors.Is(inner, oracle.ErrReentrantCall) {
		t.Errorf("nested call: %v", inner)
	}
	if out.Callback.Success {
		t.Error("reverted callback reported success")
	}
}

func TestHost_SettleGasBudget(t *testing.T) {
	h := newDevHost(t)
	ctx := context.Background()
	h.DeployContract(consumer, callback.TargetFunc(func(_ context.Context, gas uint64, _ []byte) (uint64, error) {
		return gas, nil
	}))
	if err := h.Mint(common.Address{}, alice, big.NewInt(1_000)); err != nil {
		t.Fatalf("Mint: %v", err)
	}
	for _, tok := range []common.Address{token1, token2} {
		if err := h.Mint(tok, alice, big.NewInt(1_000_000)); err != nil {
			t.Fatalf("Mint: %v", err)
		}
	}
	p := params()
	p.CallbackTarget = consumer
	p.CallbackSelector = types.Selector{1, 2, 3, 4}
	p.CallbackGasLimit = 6_300_000
	id, _ := h.CreateReport(ctx, alice, big.NewInt(500), p)
	hash, _ := h.Engine().StateHash(id)
	if err := h.SubmitInitialReport(ctx, alice, oracle.InitialReport{
		ReportID: id, Amount1: big.NewInt(1000), Amount2: big.NewInt(2000), StateHash: hash, Holder: alice,
	}); err != nil {
		t.Fatalf("SubmitInitialReport: %v", err)
	}
	if _, err := h.Advance(60, 1); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	if _, err := h.Settle(ctx, alice, id, 1_000_000); !errors.Is(err, oracle.ErrCallbackGasViolation) {
		t.Fatalf("starved settle: %v", err)
	}
	if _, err := h.Settle(ctx, alice, id, 0); err != nil {
		t.Fatalf("settle with default budget: %v", err)
	}
}

func TestHost_SnapshotRestore(t *testing.T) {
	h := newDevHost(t)
	ctx := context.Background()
	if err := h.Mint(common.Address{}, alice, big.NewInt(1_000)); err != nil {
		t.Fatalf("Mint: %v", err)
	}
	id, err := h.CreateReport(ctx, alice, big.NewInt(500), params())
	if err != nil {
		t.Fatalf("CreateReport: %v", err)
	}
	h.Engine().Ledger().CreditToken(bob, token1, big.NewInt(5))
	state := h.Snapshot()

	fresh := newDevHost(t)
	fresh.Restore(state)

	if fresh.Engine().Count() != 1 {
		t.Fatalf("reports: %d", fresh.Engine().Count())
	}
	a, _ := h.Engine().StateHash(id)
	b, _ := fresh.Engine().StateHash(id)
	if a != b {
		t.Error("state hash changed across restore")
	}
	if fresh.Now() != h.Now() {
		t.Errorf("clock: %+v vs %+v", fresh.Now(), h.Now())
	}
	if fresh.world.NativeBalance(fresh.Custody()).Int64() != 500 {
		t.Error("custody balance not restored")
	}
	if fresh.Engine().Ledger().TokenBalance(bob, token1).Int64() != 5 {
		t.Error("ledger not restored")
	}
}

func TestHost_DevnetOnly(t *testing.T) {
	h, err := New(Options{
		Backend: stubBackend{},
		Clock:   NewChainClock(&fakeHeaders{}, nil),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if h.IsDevnet() {
		t.Error("non-memory backend reported as devnet")
	}
	if _, err := h.Advance(1, 1); !errors.Is(err, ErrNotDevnet) {
		t.Errorf("Advance: %v", err)
	}
	if err := h.Mint(token1, alice, big.NewInt(1)); !errors.Is(err, ErrNotDevnet) {
		t.Errorf("Mint: %v", err)
	}
	if err := h.DeployToken(token1, assets.TokenStandard); !errors.Is(err, ErrNotDevnet) {
		t.Errorf("DeployToken: %v", err)
	}
}

func TestHost_ChainClockedWorldIsNotDevnet(t *testing.T) {
	h, err := New(Options{
		Backend: assets.NewMemoryBackend(),
		Clock:   NewChainClock(&fakeHeaders{}, nil),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if h.IsDevnet() {
		t.Error("chain-clocked host reported as devnet")
	}
	if err := h.DeployToken(token1, assets.TokenStandard); err != nil {
		t.Errorf("DeployToken on a chain-clocked world: %v", err)
	}
	if _, err := h.Advance(1, 1); !errors.Is(err, ErrNotDevnet) {
		t.Errorf("Advance: %v", err)
	}
}

func TestNew_RequiresBackend(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Error("host without backend accepted")
	}
}

type stubBackend struct{}

func (stubBackend) HasCode(context.Context, common.Address) (bool, error) { return false, nil }
func (stubBackend) Transfer(context.Context, common.Address, common.Address, common.Address, *big.Int) ([]byte, error) {
	return nil, nil
}
func (stubBackend) TransferFrom(context.Context, common.Address, common.Address, common.Address, common.Address, *big.Int) ([]byte, error) {
	return nil, nil
}
func (stubBackend) TransferNative(context.Context, common.Address, common.Address, *big.Int, uint64) error {
	return nil
}
