package registry

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/moltbunker/bondoracle/pkg/types"
)

// commitmentArgs is the canonical field list bound by a report's state hash.
// Collaborators cache hashes computed over exactly this layout, so fields are
// never reordered, removed or retyped.
var commitmentArgs = abi.Arguments{
	{Name: "token1", Type: mustType("address")},
	{Name: "token2", Type: mustType("address")},
	{Name: "exactToken1Report", Type: mustType("uint256")},
	{Name: "escalationHalt", Type: mustType("uint256")},
	{Name: "multiplier", Type: mustType("uint32")},
	{Name: "settlementDelay", Type: mustType("uint64")},
	{Name: "disputeDelay", Type: mustType("uint64")},
	{Name: "feeRate", Type: mustType("uint32")},
	{Name: "protocolFeeRate", Type: mustType("uint32")},
	{Name: "settlerReward", Type: mustType("uint256")},
	{Name: "reporterReward", Type: mustType("uint256")},
	{Name: "timeUnit", Type: mustType("uint8")},
	{Name: "callbackTarget", Type: mustType("address")},
	{Name: "callbackSelector", Type: mustType("bytes4")},
	{Name: "callbackGasLimit", Type: mustType("uint64")},
	{Name: "trackDisputes", Type: mustType("bool")},
	{Name: "keepFee", Type: mustType("bool")},
	{Name: "protocolFeeRecipient", Type: mustType("address")},
	{Name: "creator", Type: mustType("address")},
	{Name: "blockNumber", Type: mustType("uint64")},
	{Name: "timestamp", Type: mustType("uint64")},
}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(fmt.Sprintf("registry: invalid abi type %q: %v", t, err))
	}
	return typ
}

// Commitment computes the state hash binding every immutable parameter of a
// report plus its creator and creation instant.
func Commitment(meta types.ReportMeta, extra types.ExtraReportData, creator common.Address, at types.Instant) (common.Hash, error) {
	encoded, err := commitmentArgs.Pack(
		meta.Token1,
		meta.Token2,
		orZero(meta.ExactToken1Report),
		orZero(meta.EscalationHalt),
		meta.Multiplier,
		meta.SettlementDelay,
		meta.DisputeDelay,
		meta.FeeRate,
		meta.ProtocolFeeRate,
		orZero(meta.SettlerReward),
		orZero(meta.ReporterReward),
		uint8(meta.TimeUnit),
		extra.CallbackTarget,
		[4]byte(extra.CallbackSelector),
		extra.CallbackGasLimit,
		extra.TrackDisputes,
		extra.KeepFee,
		extra.ProtocolFeeRecipient,
		creator,
		at.Block,
		at.Timestamp,
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to encode commitment: %w", err)
	}
	return crypto.Keccak256Hash(encoded), nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
