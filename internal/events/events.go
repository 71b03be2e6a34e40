// Package events carries oracle state-change notifications from the engine
// to observers (metrics, the websocket stream, the daemon log).
package events

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/moltbunker/bondoracle/internal/callback"
	"github.com/moltbunker/bondoracle/pkg/types"
)

// Type names an event
type Type string

const (
	ReportInstanceCreated      Type = "report_instance_created"
	InitialReportSubmitted     Type = "initial_report_submitted"
	ReportDisputed             Type = "report_disputed"
	ReportSettled              Type = "report_settled"
	SettlementCallbackExecuted Type = "settlement_callback_executed"
	LedgerCredited             Type = "ledger_credited"
	LedgerWithdrawn            Type = "ledger_withdrawn"
)

// AllTypes lists every event type in emission order
var AllTypes = []Type{
	ReportInstanceCreated,
	InitialReportSubmitted,
	ReportDisputed,
	ReportSettled,
	SettlementCallbackExecuted,
	LedgerCredited,
	LedgerWithdrawn,
}

// Event is one notification. Instant records both raw time units at the
// moment of the transition.
type Event struct {
	ID       string        `json:"id"`
	Type     Type          `json:"type"`
	ReportID uint64        `json:"report_id,omitempty"`
	Instant  types.Instant `json:"instant"`
	Time     time.Time     `json:"time"`
	Data     any           `json:"data"`
}

// New creates an event with a fresh id
func New(typ Type, reportID uint64, at types.Instant, data any) Event {
	return Event{
		ID:       uuid.NewString(),
		Type:     typ,
		ReportID: reportID,
		Instant:  at,
		Time:     time.Now().UTC(),
		Data:     data,
	}
}

// ReportCreatedData accompanies ReportInstanceCreated
type ReportCreatedData struct {
	Creator   common.Address   `json:"creator"`
	StateHash common.Hash      `json:"state_hash"`
	Meta      types.ReportMeta `json:"meta"`
}

// InitialReportData accompanies InitialReportSubmitted
type InitialReportData struct {
	Reporter common.Address `json:"reporter"`
	Holder   common.Address `json:"holder"`
	Amount1  *big.Int       `json:"amount1"`
	Amount2  *big.Int       `json:"amount2"`
	Price    *big.Int       `json:"price"`
}

// DisputeData accompanies ReportDisputed
type DisputeData struct {
	Disputer       common.Address `json:"disputer"`
	PreviousHolder common.Address `json:"previous_holder"`
	TokenToSwap    common.Address `json:"token_to_swap"`
	OldAmount1     *big.Int       `json:"old_amount1"`
	OldAmount2     *big.Int       `json:"old_amount2"`
	NewAmount1     *big.Int       `json:"new_amount1"`
	NewAmount2     *big.Int       `json:"new_amount2"`
	OldPrice       *big.Int       `json:"old_price"`
	NewPrice       *big.Int       `json:"new_price"`
	Fee            *big.Int       `json:"fee"`
	ProtocolFee    *big.Int       `json:"protocol_fee"`
	Round          uint64         `json:"round"`
}

// SettledData accompanies ReportSettled
type SettledData struct {
	Settler         common.Address `json:"settler"`
	Holder          common.Address `json:"holder"`
	Price           *big.Int       `json:"price"`
	SettlementTime  uint64         `json:"settlement_time"`
	Amount1         *big.Int       `json:"amount1"`
	Amount2         *big.Int       `json:"amount2"`
	DisputeOccurred bool           `json:"dispute_occurred"`
	CallbackSuccess bool           `json:"callback_success"`
}

// CallbackData accompanies SettlementCallbackExecuted
type CallbackData struct {
	Target common.Address  `json:"target"`
	Result callback.Result `json:"result"`
}

// LedgerData accompanies LedgerCredited and LedgerWithdrawn
type LedgerData struct {
	Owner     common.Address `json:"owner"`
	Token     common.Address `json:"token"`
	Native    bool           `json:"native"`
	Amount    *big.Int       `json:"amount"`
	Reason    string         `json:"reason,omitempty"`
	Delivered bool           `json:"delivered,omitempty"`
}
