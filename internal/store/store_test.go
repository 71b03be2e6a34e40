package store

import (
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/moltbunker/bondoracle/internal/assets"
	"github.com/moltbunker/bondoracle/internal/ledger"
	"github.com/moltbunker/bondoracle/internal/registry"
	"github.com/moltbunker/bondoracle/pkg/types"
)

var (
	tokenA = common.HexToAddress("0x1111111111111111111111111111111111111111")
	tokenB = common.HexToAddress("0x2222222222222222222222222222222222222222")
	alice  = common.HexToAddress("0xa11ce00000000000000000000000000000000001")
)

func sampleState(t *testing.T) State {
	t.Helper()
	reg := registry.New()
	meta := types.ReportMeta{
		Token1:            tokenA,
		Token2:            tokenB,
		ExactToken1Report: big.NewInt(1000),
		EscalationHalt:    big.NewInt(2000),
		Multiplier:        150,
		SettlementDelay:   300,
		DisputeDelay:      10,
		FeeRate:           30_000,
		SettlerReward:     big.NewInt(1000),
		ReporterReward:    big.NewInt(4000),
		TimeUnit:          types.TimeUnitBlocks,
	}
	extra := types.ExtraReportData{
		CallbackSelector: types.Selector{0xde, 0xad, 0xbe, 0xef},
		TrackDisputes:    true,
		Creator:          alice,
	}
	if _, _, err := reg.Create(meta, extra, types.Instant{Timestamp: 1_700_000_000, Block: 5}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	l := ledger.New()
	l.CreditToken(alice, tokenA, big.NewInt(77))
	l.CreditNative(alice, new(big.Int).Lsh(big.NewInt(1), 200))

	world := assets.NewMemoryBackend()
	if err := world.Deploy(tokenA, assets.TokenReturnsFalse); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if err := world.Mint(tokenA, alice, big.NewInt(500)); err != nil {
		t.Fatalf("Mint: %v", err)
	}
	world.RejectNative(alice, true)
	snap := world.Snapshot()

	return State{
		Reports: reg.Snapshot(),
		Ledger:  l.Snapshot(),
		World:   &snap,
		Clock:   &types.Instant{Timestamp: 1_700_000_100, Block: 42},
	}
}

func TestStore_SaveLoad(t *testing.T) {
	for _, compress := range []bool{false, true} {
		path := filepath.Join(t.TempDir(), "nested", "state.json")
		s, err := New(Config{Path: path, Compress: compress})
		if err != nil {
			t.Fatalf("New: %v", err)
		}

		in := sampleState(t)
		if err := s.Save(in); err != nil {
			t.Fatalf("Save (compress=%t): %v", compress, err)
		}
		if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
			t.Error("temp file left behind")
		}

		out, found, err := s.Load()
		if err != nil || !found {
			t.Fatalf("Load (compress=%t): found=%t err=%v", compress, found, err)
		}

		if len(out.Reports) != 1 {
			t.Fatalf("reports: %d", len(out.Reports))
		}
		got := out.Reports[0]
		if got.Meta.ExactToken1Report.Int64() != 1000 || got.Meta.TimeUnit != types.TimeUnitBlocks {
			t.Errorf("meta: %+v", got.Meta)
		}
		if got.Extra.StateHash != in.Reports[0].Extra.StateHash || got.Extra.CallbackSelector != in.Reports[0].Extra.CallbackSelector {
			t.Error("extra data changed in round trip")
		}

		l := ledger.New()
		l.Restore(out.Ledger)
		if l.NativeBalance(alice).Cmp(new(big.Int).Lsh(big.NewInt(1), 200)) != 0 {
			t.Errorf("large native balance lost: %s", l.NativeBalance(alice))
		}
		if l.TokenBalance(alice, tokenA).Int64() != 77 {
			t.Errorf("token balance: %s", l.TokenBalance(alice, tokenA))
		}

		world := assets.NewMemoryBackend()
		world.Restore(*out.World)
		if world.BalanceOf(tokenA, alice).Int64() != 500 {
			t.Errorf("world balance: %s", world.BalanceOf(tokenA, alice))
		}
		if *out.Clock != *in.Clock {
			t.Errorf("clock: %+v", out.Clock)
		}
	}
}

func TestStore_CompressedIsGzip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json.gz")
	s, err := New(Config{Path: path, Compress: true, CompressionLevel: 9})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Save(sampleState(t)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if data[0] != 0x1f || data[1] != 0x8b {
		t.Error("compressed state should start with the gzip magic")
	}
}

func TestStore_LoadMissing(t *testing.T) {
	s, err := New(Config{Path: filepath.Join(t.TempDir(), "none.json")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, found, err := s.Load()
	if err != nil || found {
		t.Errorf("missing file: found=%t err=%v", found, err)
	}
}

func TestStore_DetectsTampering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s, _ := New(Config{Path: path})
	if err := s.Save(sampleState(t)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, _ := os.ReadFile(path)
	tampered := strings.Replace(string(data), `"amount": 77`, `"amount": 78`, 1)
	if tampered == string(data) {
		t.Fatal("test could not locate the ledger amount to tamper with")
	}
	if err := os.WriteFile(path, []byte(tampered), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, _, err := s.Load(); !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("expected ErrChecksumMismatch, got %v", err)
	}
}

func TestStore_RejectsUnknownVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte(`{"version": 99, "checksum": "", "state": {}}`), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	s, _ := New(Config{Path: path})
	if _, _, err := s.Load(); !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("empty path accepted")
	}
	if _, err := New(Config{Path: "x", CompressionLevel: 42}); err == nil {
		t.Error("bad compression level accepted")
	}
}
