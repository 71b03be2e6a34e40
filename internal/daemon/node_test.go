package daemon

import (
	"context"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/moltbunker/bondoracle/internal/config"
	"github.com/moltbunker/bondoracle/pkg/types"
)

var (
	token1   = common.HexToAddress("0x1111111111111111111111111111111111111111")
	token2   = common.HexToAddress("0x2222222222222222222222222222222222222222")
	consumer = common.HexToAddress("0xc0c0000000000000000000000000000000000001")
	alice    = common.HexToAddress("0xa11ce00000000000000000000000000000000001")
)

const genesis = 1_700_000_000

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Daemon.DataDir = dir
	cfg.Daemon.KeystoreDir = filepath.Join(dir, "keystore")
	cfg.Daemon.WatchConfig = false
	cfg.API.ListenAddr = "127.0.0.1:0"
	cfg.API.RateLimitRequests = 0
	cfg.Host.GenesisTimestamp = genesis
	cfg.Host.Tokens = []config.TokenConfig{
		{Address: token1.Hex(), Kind: "standard"},
		{Address: token2.Hex(), Kind: "no-return"},
	}
	cfg.Host.Contracts = []config.ContractConfig{
		{Address: consumer.Hex(), GasCost: 5_000},
	}
	cfg.Store.Path = filepath.Join(dir, "state", "oracle.json.gz")
	cfg.Store.SaveIntervalSecs = 0
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	return cfg
}

func newNode(t *testing.T, cfg *config.Config) *Node {
	t.Helper()
	n, err := NewNodeWithConfig(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewNodeWithConfig: %v", err)
	}
	return n
}

func TestNode_StartStop(t *testing.T) {
	cfg := testConfig(t)
	n := newNode(t, cfg)

	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !n.IsRunning() {
		t.Fatal("expected node to be running")
	}
	if err := n.Start(context.Background()); err == nil {
		t.Error("expected error starting twice")
	}
	if !n.Host().IsDevnet() {
		t.Error("expected a devnet host")
	}

	resp, err := http.Get("http://" + n.API().Addr().String() + "/health")
	if err != nil {
		t.Fatalf("health request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := n.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if n.IsRunning() {
		t.Error("expected node to be stopped")
	}
	if err := n.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	if _, err := os.Stat(cfg.Store.Path); err != nil {
		t.Errorf("expected state file after shutdown: %v", err)
	}
}

func TestNode_RestoresState(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	first := newNode(t, cfg)
	if err := first.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h := first.Host()
	if err := h.Mint(common.Address{}, alice, big.NewInt(10_000)); err != nil {
		t.Fatalf("Mint native: %v", err)
	}
	if err := h.Mint(token2, alice, big.NewInt(5_000)); err != nil {
		t.Fatalf("Mint: %v", err)
	}
	id, err := h.CreateReport(ctx, alice, big.NewInt(1_000), types.CreateReportParams{
		Token1:            token1,
		Token2:            token2,
		ExactToken1Report: big.NewInt(1000),
		EscalationHalt:    big.NewInt(2000),
		Multiplier:        150,
		SettlementDelay:   60,
		FeeRate:           30_000,
		SettlerReward:     big.NewInt(100),
		TimeUnit:          types.TimeUnitTimestamp,
		KeepFee:           true,
	})
	if err != nil {
		t.Fatalf("CreateReport: %v", err)
	}
	head, err := h.Advance(100, 5)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second := newNode(t, cfg)
	defer second.Close()

	if _, err := second.Host().Engine().Registry().Meta(id); err != nil {
		t.Fatalf("report %d not restored: %v", id, err)
	}
	if now := second.Host().Now(); now != head {
		t.Errorf("clock not restored: got %+v, want %+v", now, head)
	}

	snap := second.Host().Snapshot()
	if snap.World == nil || len(snap.World.Tokens) != 2 {
		t.Fatalf("unexpected world: %+v", snap.World)
	}
	for _, tok := range snap.World.Tokens {
		if tok.Address != token2 {
			continue
		}
		if tok.Kind != "no-return" {
			t.Errorf("token2 kind %q", tok.Kind)
		}
		if bal := tok.Balances[alice]; bal == nil || bal.Cmp(big.NewInt(5_000)) != 0 {
			t.Errorf("alice token2 balance %v, want 5000", bal)
		}
	}
}

func TestNode_DeploysConfiguredContracts(t *testing.T) {
	cfg := testConfig(t)
	cfg.Host.Contracts[0].Fail = true
	n := newNode(t, cfg)
	defer n.Close()

	if _, ok := n.Host().Contracts().Resolve(consumer); !ok {
		t.Fatal("consumer not deployed")
	}
	rec, ok := n.Contract(consumer)
	if !ok {
		t.Fatal("recorder not tracked")
	}
	if len(rec.Received()) != 0 {
		t.Error("expected no callbacks yet")
	}
	if _, ok := n.Contract(alice); ok {
		t.Error("unexpected recorder for alice")
	}
}

func TestNode_StoreDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Enabled = false
	n := newNode(t, cfg)

	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := n.SaveState(); err != nil {
		t.Errorf("SaveState with store disabled: %v", err)
	}
	if err := n.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(cfg.Store.Path); !os.IsNotExist(err) {
		t.Errorf("expected no state file, got %v", err)
	}
}

func TestNode_PeriodicSaveAndWatch(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.SaveIntervalSecs = 1
	cfg.Daemon.WatchConfig = true
	path := filepath.Join(cfg.Daemon.DataDir, "config.yaml")
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save config: %v", err)
	}

	n := newNode(t, cfg)
	n.SetConfigPath(path)
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer n.Close()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(cfg.Store.Path); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("state was not saved periodically")
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func TestNewNodeWithConfig_Invalid(t *testing.T) {
	cfg := testConfig(t)
	cfg.Host.Mode = "mainnet"
	if _, err := NewNodeWithConfig(context.Background(), cfg); err == nil {
		t.Fatal("expected error for invalid mode")
	}

	cfg = testConfig(t)
	if err := os.WriteFile(cfg.Store.Path, []byte("garbage"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := NewNodeWithConfig(context.Background(), cfg); err == nil {
		t.Fatal("expected error for a corrupt state file")
	}
}
