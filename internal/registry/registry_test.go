package registry

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/moltbunker/bondoracle/pkg/types"
)

func testMeta() types.ReportMeta {
	return types.ReportMeta{
		Token1:            common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Token2:            common.HexToAddress("0x2222222222222222222222222222222222222222"),
		ExactToken1Report: big.NewInt(1000),
		EscalationHalt:    big.NewInt(2000),
		Multiplier:        150,
		SettlementDelay:   300,
		DisputeDelay:      10,
		FeeRate:           30_000,
		ProtocolFeeRate:   10_000,
		SettlerReward:     big.NewInt(50),
		ReporterReward:    big.NewInt(950),
		TimeUnit:          types.TimeUnitTimestamp,
	}
}

func testExtra() types.ExtraReportData {
	return types.ExtraReportData{
		TrackDisputes:        true,
		ProtocolFeeRecipient: common.HexToAddress("0x9999999999999999999999999999999999999999"),
		Creator:              common.HexToAddress("0xc0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c0"),
	}
}

func TestCreateAllocatesDenseIDs(t *testing.T) {
	r := New()
	at := types.Instant{Timestamp: 1000, Block: 10}

	for want := uint64(1); want <= 5; want++ {
		id, hash, err := r.Create(testMeta(), testExtra(), at)
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if id != want {
			t.Errorf("id = %d, want %d", id, want)
		}
		if hash == (common.Hash{}) {
			t.Error("expected non-zero state hash")
		}
	}
	if r.Count() != 5 {
		t.Errorf("Count = %d, want 5", r.Count())
	}
}

func TestMetaIsStoredAndCopied(t *testing.T) {
	r := New()
	meta := testMeta()
	id, _, err := r.Create(meta, testExtra(), types.Instant{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// mutating the input after create must not leak into the registry
	meta.ExactToken1Report.SetInt64(1)

	got, err := r.Meta(id)
	if err != nil {
		t.Fatalf("Meta failed: %v", err)
	}
	if got.ExactToken1Report.Int64() != 1000 {
		t.Errorf("ExactToken1Report = %s, want 1000", got.ExactToken1Report)
	}

	// mutating the returned copy must not leak either
	got.EscalationHalt.SetInt64(5)
	again, _ := r.Meta(id)
	if again.EscalationHalt.Int64() != 2000 {
		t.Errorf("EscalationHalt = %s, want 2000", again.EscalationHalt)
	}
}

func TestUnknownID(t *testing.T) {
	r := New()
	if _, err := r.Meta(0); !errors.Is(err, ErrNotFound) {
		t.Errorf("Meta(0) err = %v, want ErrNotFound", err)
	}
	if _, err := r.Status(1); !errors.Is(err, ErrNotFound) {
		t.Errorf("Status(1) err = %v, want ErrNotFound", err)
	}
	if err := r.Commit(3, types.ReportStatus{}, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("Commit(3) err = %v, want ErrNotFound", err)
	}
}

func TestCommitmentBindsParameters(t *testing.T) {
	at := types.Instant{Timestamp: 1000, Block: 10}
	base, err := Commitment(testMeta(), testExtra(), testExtra().Creator, at)
	if err != nil {
		t.Fatalf("Commitment failed: %v", err)
	}

	same, _ := Commitment(testMeta(), testExtra(), testExtra().Creator, at)
	if same != base {
		t.Error("commitment is not deterministic")
	}

	tests := []struct {
		name   string
		mutate func(*types.ReportMeta, *types.ExtraReportData, *types.Instant)
	}{
		{"multiplier", func(m *types.ReportMeta, _ *types.ExtraReportData, _ *types.Instant) { m.Multiplier = 151 }},
		{"fee rate", func(m *types.ReportMeta, _ *types.ExtraReportData, _ *types.Instant) { m.FeeRate++ }},
		{"time unit", func(m *types.ReportMeta, _ *types.ExtraReportData, _ *types.Instant) { m.TimeUnit = types.TimeUnitBlocks }},
		{"keep fee", func(_ *types.ReportMeta, e *types.ExtraReportData, _ *types.Instant) { e.KeepFee = true }},
		{"selector", func(_ *types.ReportMeta, e *types.ExtraReportData, _ *types.Instant) {
			e.CallbackSelector = types.Selector{1, 2, 3, 4}
		}},
		{"block", func(_ *types.ReportMeta, _ *types.ExtraReportData, i *types.Instant) { i.Block++ }},
		{"timestamp", func(_ *types.ReportMeta, _ *types.ExtraReportData, i *types.Instant) { i.Timestamp++ }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meta, extra, inst := testMeta(), testExtra(), at
			tt.mutate(&meta, &extra, &inst)
			h, err := Commitment(meta, extra, extra.Creator, inst)
			if err != nil {
				t.Fatalf("Commitment failed: %v", err)
			}
			if h == base {
				t.Errorf("changing %s did not change the commitment", tt.name)
			}
		})
	}
}

func TestCommitHistoryAndRollback(t *testing.T) {
	r := New()
	id, _, _ := r.Create(testMeta(), testExtra(), types.Instant{})

	holder := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	status := types.ReportStatus{
		CurrentAmount1: big.NewInt(1000),
		CurrentAmount2: big.NewInt(500),
		Price:          big.NewInt(2),
		CurrentHolder:  holder,
		InitialHolder:  holder,
		ReportTime:     100,
	}
	round := &types.DisputeRecord{Amount1: big.NewInt(1000), Amount2: big.NewInt(500), Holder: holder, ReportTime: 100}
	if err := r.Commit(id, status, round); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	cp, err := r.Checkpoint(id)
	if err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}

	status.CurrentAmount1 = big.NewInt(1500)
	status.DisputeOccurred = true
	if err := r.Commit(id, status, &types.DisputeRecord{Amount1: big.NewInt(1500), Amount2: big.NewInt(700)}); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	hist, _ := r.History(id)
	if len(hist) != 2 || hist[1].Round != 1 {
		t.Fatalf("history = %+v, want two rounds", hist)
	}
	extra, _ := r.Extra(id)
	if extra.NumReports != 2 {
		t.Errorf("NumReports = %d, want 2", extra.NumReports)
	}

	r.Rollback(cp)

	got, _ := r.Status(id)
	if got.DisputeOccurred || got.CurrentAmount1.Int64() != 1000 {
		t.Errorf("status not rolled back: %+v", got)
	}
	hist, _ = r.History(id)
	if len(hist) != 1 {
		t.Errorf("history len = %d after rollback, want 1", len(hist))
	}
	extra, _ = r.Extra(id)
	if extra.NumReports != 1 {
		t.Errorf("NumReports = %d after rollback, want 1", extra.NumReports)
	}

	if _, err := r.HistoryRound(id, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("HistoryRound(1) err = %v, want ErrNotFound", err)
	}
	rec, err := r.HistoryRound(id, 0)
	if err != nil || rec.Holder != holder {
		t.Errorf("HistoryRound(0) = %+v, %v", rec, err)
	}
}

func TestHistoryDisabled(t *testing.T) {
	r := New()
	extra := testExtra()
	extra.TrackDisputes = false
	id, _, _ := r.Create(testMeta(), extra, types.Instant{})

	if err := r.Commit(id, types.ReportStatus{}, &types.DisputeRecord{}); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	hist, _ := r.History(id)
	if len(hist) != 0 {
		t.Errorf("history recorded with tracking disabled: %d rounds", len(hist))
	}
	got, _ := r.Extra(id)
	if got.NumReports != 1 {
		t.Errorf("NumReports = %d, want 1", got.NumReports)
	}
}

func TestSnapshotRestore(t *testing.T) {
	r := New()
	for i := 0; i < 3; i++ {
		if _, _, err := r.Create(testMeta(), testExtra(), types.Instant{Timestamp: uint64(i)}); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}
	snap := r.Snapshot()

	restored := New()
	restored.Restore(snap)
	if restored.Count() != 3 {
		t.Fatalf("Count = %d, want 3", restored.Count())
	}
	for id := uint64(1); id <= 3; id++ {
		a, _ := r.Extra(id)
		b, _ := restored.Extra(id)
		if a.StateHash != b.StateHash {
			t.Errorf("report %d state hash differs after restore", id)
		}
	}
	id, _, _ := restored.Create(testMeta(), testExtra(), types.Instant{})
	if id != 4 {
		t.Errorf("next id after restore = %d, want 4", id)
	}
}
