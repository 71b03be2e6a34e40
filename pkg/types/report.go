package types

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// TimeUnit selects how report times and delays are measured.
type TimeUnit uint8

const (
	// TimeUnitTimestamp measures delays in wall-clock seconds.
	TimeUnitTimestamp TimeUnit = 0
	// TimeUnitBlocks measures delays in block counts.
	TimeUnitBlocks TimeUnit = 1
)

// String returns the config/JSON name of the unit
func (u TimeUnit) String() string {
	switch u {
	case TimeUnitTimestamp:
		return "timestamp"
	case TimeUnitBlocks:
		return "blocks"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(u))
	}
}

// IsValid checks if the unit is known
func (u TimeUnit) IsValid() bool {
	return u == TimeUnitTimestamp || u == TimeUnitBlocks
}

// MarshalText implements encoding.TextMarshaler
func (u TimeUnit) MarshalText() ([]byte, error) {
	if !u.IsValid() {
		return nil, fmt.Errorf("invalid time unit: %d", uint8(u))
	}
	return []byte(u.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (u *TimeUnit) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "timestamp", "seconds", "time", "":
		*u = TimeUnitTimestamp
	case "blocks", "block":
		*u = TimeUnitBlocks
	default:
		return fmt.Errorf("invalid time unit: %q", string(text))
	}
	return nil
}

// Instant is a point in execution time carrying both raw units.
// Reports resolve it to a single unit via In and keep the other via Opposite
// for cross-checking elapsed wall time against block count.
type Instant struct {
	Timestamp uint64 `json:"timestamp"`
	Block     uint64 `json:"block"`
}

// In returns the instant measured in the given unit
func (i Instant) In(u TimeUnit) uint64 {
	if u == TimeUnitBlocks {
		return i.Block
	}
	return i.Timestamp
}

// Opposite returns the instant measured in the unit not selected by u
func (i Instant) Opposite(u TimeUnit) uint64 {
	if u == TimeUnitBlocks {
		return i.Timestamp
	}
	return i.Block
}

// ReportMeta holds the immutable parameters of a report instance
type ReportMeta struct {
	Token1            common.Address `json:"token1"`
	Token2            common.Address `json:"token2"`
	ExactToken1Report *big.Int       `json:"exact_token1_report"`
	EscalationHalt    *big.Int       `json:"escalation_halt"`
	Multiplier        uint32         `json:"multiplier"` // percent, 150 = 1.5x
	SettlementDelay   uint64         `json:"settlement_delay"`
	DisputeDelay      uint64         `json:"dispute_delay"`
	FeeRate           uint32         `json:"fee_rate"`          // parts per 1e7
	ProtocolFeeRate   uint32         `json:"protocol_fee_rate"` // parts per 1e7
	SettlerReward     *big.Int       `json:"settler_reward"`
	ReporterReward    *big.Int       `json:"reporter_reward"`
	TimeUnit          TimeUnit       `json:"time_unit"`
}

// FeeSum returns FeeRate + ProtocolFeeRate
func (m ReportMeta) FeeSum() uint32 {
	return m.FeeRate + m.ProtocolFeeRate
}

// Clone returns a deep copy
func (m ReportMeta) Clone() ReportMeta {
	m.ExactToken1Report = cloneInt(m.ExactToken1Report)
	m.EscalationHalt = cloneInt(m.EscalationHalt)
	m.SettlerReward = cloneInt(m.SettlerReward)
	m.ReporterReward = cloneInt(m.ReporterReward)
	return m
}

// ReportStatus holds the mutable state of a report instance.
// Once IsDistributed is set the status never changes again.
type ReportStatus struct {
	CurrentAmount1  *big.Int       `json:"current_amount1"`
	CurrentAmount2  *big.Int       `json:"current_amount2"`
	Price           *big.Int       `json:"price"`
	CurrentHolder   common.Address `json:"current_holder"`
	InitialHolder   common.Address `json:"initial_holder"`
	ReportTime      uint64         `json:"report_time"`
	OppositeTime    uint64         `json:"opposite_time"`
	SettlementTime  uint64         `json:"settlement_time"`
	DisputeOccurred bool           `json:"dispute_occurred"`
	IsDistributed   bool           `json:"is_distributed"`
}

// Reported reports whether an initial report exists
func (s ReportStatus) Reported() bool {
	return s.CurrentHolder != (common.Address{})
}

// Clone returns a deep copy
func (s ReportStatus) Clone() ReportStatus {
	s.CurrentAmount1 = cloneInt(s.CurrentAmount1)
	s.CurrentAmount2 = cloneInt(s.CurrentAmount2)
	s.Price = cloneInt(s.Price)
	return s
}

// Stage is the derived life-cycle stage of a report
type Stage string

const (
	StageCreated  Stage = "created"
	StageReported Stage = "reported"
	StageDisputed Stage = "disputed"
	StageSettled  Stage = "settled"
)

// Stage derives the life-cycle stage from the status flags
func (s ReportStatus) Stage() Stage {
	switch {
	case s.IsDistributed:
		return StageSettled
	case s.DisputeOccurred:
		return StageDisputed
	case s.Reported():
		return StageReported
	default:
		return StageCreated
	}
}

// Selector is a 4-byte callback method selector
type Selector [4]byte

// IsZero reports whether no selector is configured
func (s Selector) IsZero() bool {
	return s == Selector{}
}

// MarshalText encodes the selector as 0x-prefixed hex
func (s Selector) MarshalText() ([]byte, error) {
	return []byte(fmt.Sprintf("0x%x", s[:])), nil
}

// UnmarshalText decodes a 0x-prefixed hex selector
func (s *Selector) UnmarshalText(text []byte) error {
	str := strings.TrimPrefix(strings.TrimPrefix(string(text), "0x"), "0X")
	if str == "" {
		*s = Selector{}
		return nil
	}
	b := common.FromHex(str)
	if len(b) != 4 {
		return fmt.Errorf("selector must be 4 bytes, got %d", len(b))
	}
	copy(s[:], b)
	return nil
}

// ExtraReportData holds per-report options and bookkeeping
type ExtraReportData struct {
	CallbackTarget       common.Address `json:"callback_target"`
	CallbackSelector     Selector       `json:"callback_selector"`
	CallbackGasLimit     uint64         `json:"callback_gas_limit"`
	TrackDisputes        bool           `json:"track_disputes"`
	KeepFee              bool           `json:"keep_fee"`
	ProtocolFeeRecipient common.Address `json:"protocol_fee_recipient"`
	StateHash            common.Hash    `json:"state_hash"`
	NumReports           uint64         `json:"num_reports"`
	Creator              common.Address `json:"creator"`
}

// HasCallback reports whether a settlement callback is configured
func (e ExtraReportData) HasCallback() bool {
	return e.CallbackTarget != (common.Address{}) && !e.CallbackSelector.IsZero()
}

// DisputeRecord is one append-only history round
type DisputeRecord struct {
	Round       uint64         `json:"round"`
	Amount1     *big.Int       `json:"amount1"`
	Amount2     *big.Int       `json:"amount2"`
	TokenToSwap common.Address `json:"token_to_swap"` // zero for the initial report
	ReportTime  uint64         `json:"report_time"`
	Holder      common.Address `json:"holder"`
}

// Clone returns a deep copy
func (d DisputeRecord) Clone() DisputeRecord {
	d.Amount1 = cloneInt(d.Amount1)
	d.Amount2 = cloneInt(d.Amount2)
	return d
}

// CreateReportParams are the caller-supplied parameters for a new report instance.
// The reporter reward is derived from the attached native value.
type CreateReportParams struct {
	Token1               common.Address `json:"token1"`
	Token2               common.Address `json:"token2"`
	ExactToken1Report    *big.Int       `json:"exact_token1_report"`
	EscalationHalt       *big.Int       `json:"escalation_halt"`
	Multiplier           uint32         `json:"multiplier"`
	SettlementDelay      uint64         `json:"settlement_delay"`
	DisputeDelay         uint64         `json:"dispute_delay"`
	FeeRate              uint32         `json:"fee_rate"`
	ProtocolFeeRate      uint32         `json:"protocol_fee_rate"`
	SettlerReward        *big.Int       `json:"settler_reward"`
	TimeUnit             TimeUnit       `json:"time_unit"`
	CallbackTarget       common.Address `json:"callback_target"`
	CallbackSelector     Selector       `json:"callback_selector"`
	CallbackGasLimit     uint64         `json:"callback_gas_limit"`
	TrackDisputes        bool           `json:"track_disputes"`
	KeepFee              bool           `json:"keep_fee"`
	ProtocolFeeRecipient common.Address `json:"protocol_fee_recipient"`
}

// Report bundles everything known about one report id
type Report struct {
	ID     uint64          `json:"id"`
	Stage  Stage           `json:"stage"`
	Meta   ReportMeta      `json:"meta"`
	Status ReportStatus    `json:"status"`
	Extra  ExtraReportData `json:"extra"`
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
