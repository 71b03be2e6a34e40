package oracle

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/moltbunker/bondoracle/internal/escalation"
	"github.com/moltbunker/bondoracle/internal/fixedpoint"
	"github.com/moltbunker/bondoracle/pkg/types"
)

func TestQuoteDisputeProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("payment token is conserved", prop.ForAll(
		func(oldP, newP uint64, feeRate, protocolRate uint32) bool {
			protocolRate %= fixedpoint.RateDenominator - feeRate + 1
			meta := types.ReportMeta{Token1: token1, Token2: token2, FeeRate: feeRate, ProtocolFeeRate: protocolRate}
			oldPB, newPB := new(big.Int).SetUint64(oldP), new(big.Int).SetUint64(newP)
			q := QuoteDispute(meta, token1, big.NewInt(1), oldPB, big.NewInt(1), newPB)

			// custody before + in - out == custody after + protocol fee credit
			before := new(big.Int).Add(oldPB, q.PaymentIn)
			before.Sub(before, q.HolderPayout)
			after := new(big.Int).Add(newPB, q.ProtocolFee)
			return before.Cmp(after) == 0
		},
		gen.UInt64(),
		gen.UInt64(),
		gen.UInt32Range(0, fixedpoint.RateDenominator),
		gen.UInt32Range(0, fixedpoint.RateDenominator),
	))

	properties.Property("swap token moves by exactly the difference", prop.ForAll(
		func(oldS, newS uint64, swapToken2 bool) bool {
			meta := types.ReportMeta{Token1: token1, Token2: token2}
			o, n := new(big.Int).SetUint64(oldS), new(big.Int).SetUint64(newS)
			var q DisputeQuote
			if swapToken2 {
				q = QuoteDispute(meta, token2, big.NewInt(7), o, big.NewInt(9), n)
			} else {
				q = QuoteDispute(meta, token1, o, big.NewInt(7), n, big.NewInt(9))
			}
			if q.SwapIn.Sign() > 0 && q.SwapOut.Sign() > 0 {
				return false
			}
			got := new(big.Int).Add(o, q.SwapIn)
			got.Sub(got, q.SwapOut)
			return got.Cmp(n) == 0
		},
		gen.UInt64(),
		gen.UInt64(),
		gen.Bool(),
	))

	properties.Property("holder is paid at least twice the old payment leg", prop.ForAll(
		func(oldP uint64, feeRate uint32) bool {
			meta := types.ReportMeta{Token1: token1, Token2: token2, FeeRate: feeRate}
			q := QuoteDispute(meta, token2, new(big.Int).SetUint64(oldP), big.NewInt(1), big.NewInt(2), big.NewInt(1))
			floor := new(big.Int).Lsh(new(big.Int).SetUint64(oldP), 1)
			return q.HolderPayout.Cmp(floor) >= 0 && q.PaymentToken == token1
		},
		gen.UInt64(),
		gen.UInt32Range(0, fixedpoint.RateDenominator),
	))

	properties.TestingRun(t)
}

// Custody always holds exactly the escrowed bonds, unpaid rewards and
// ledger credits, whatever the fee rates and multiplier, across a chain of
// disputes that may run into the escalation halt.
func TestCustodyConservation(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 40
	properties := gopter.NewProperties(parameters)

	disputers := []common.Address{disputer, disputer2, creator}

	properties.Property("custody matches escrow plus ledger", prop.ForAll(
		func(feeRate, protocolRate, multiplier uint32, exact, amount2 uint64, regime uint8, rounds int, steps []uint8) bool {
			protocolRate %= fixedpoint.RateDenominator - feeRate + 1

			h := newHarness(t)
			p := baseParams()
			p.FeeRate = feeRate
			p.ProtocolFeeRate = protocolRate
			p.Multiplier = multiplier
			p.ExactToken1Report = new(big.Int).SetUint64(exact)
			switch regime % 3 {
			case 0: // halted from the first dispute
				p.EscalationHalt = new(big.Int).SetUint64(exact)
			case 1: // capped partway through the chain
				p.EscalationHalt = new(big.Int).SetUint64(exact*uint64(multiplier)/100 + exact)
			default:
				p.EscalationHalt = new(big.Int).Lsh(big.NewInt(1), 200)
			}
			id := h.create(p, 5000)
			h.report(id, int64(exact), int64(amount2))
			meta := mustMeta(t, h, id)

			if rounds > len(steps) {
				rounds = len(steps)
			}
			for i := 0; i < rounds; i++ {
				h.advance(10, 1)
				status, err := h.engine.Status(id)
				require.NoError(t, err)

				swap := token1
				if steps[i]&1 == 1 {
					swap = token2
				}
				who := disputers[int(steps[i]>>1)%len(disputers)]

				new1 := escalation.RequiredNextAmount(status.CurrentAmount1, meta.Multiplier, meta.EscalationHalt)
				// a third of the old price sits below any band
				new2 := new(big.Int).Mul(status.CurrentAmount2, new1)
				new2.Mul(new2, big.NewInt(3))
				new2.Quo(new2, status.CurrentAmount1)
				new2.Add(new2, big.NewInt(1))

				q := QuoteDispute(meta, swap, status.CurrentAmount1, status.CurrentAmount2, new1, new2)
				h.fundToken(who, q.PaymentToken, q.PaymentIn)
				h.fundToken(who, q.SwapToken, q.SwapIn)
				err = h.engine.DisputeAndSwap(h.ctx, h.env(who), Dispute{
					ReportID:        id,
					TokenToSwap:     swap,
					NewAmount1:      new1,
					NewAmount2:      new2,
					Disputer:        who,
					ExpectedAmount2: status.CurrentAmount2,
					StateHash:       h.hash(id),
				})
				if err != nil {
					t.Logf("dispute %d rejected: %v", i+1, err)
					return false
				}
				if !custodyBalanced(h, id) {
					t.Logf("custody out of balance after dispute %d", i+1)
					return false
				}
			}

			extra, err := h.engine.Extra(id)
			require.NoError(t, err)
			if extra.NumReports != uint64(rounds)+1 {
				t.Logf("NumReports %d after %d disputes", extra.NumReports, rounds)
				return false
			}

			h.advance(300, 1)
			if _, err := h.engine.Settle(h.ctx, h.env(settler), id); err != nil {
				t.Logf("settle failed: %v", err)
				return false
			}
			return custodyBalanced(h, id)
		},
		gen.UInt32Range(0, fixedpoint.RateDenominator),
		gen.UInt32Range(0, fixedpoint.RateDenominator),
		gen.UInt32Range(100, 10_000),
		gen.UInt64Range(1, 1_000_000_000),
		gen.UInt64Range(1, 1_000_000_000_000),
		gen.UInt8(),
		gen.IntRange(1, maxDisputeChain),
		gen.SliceOfN(maxDisputeChain, gen.UInt8()),
	))

	properties.TestingRun(t)
}

const maxDisputeChain = 6

func custodyBalanced(h *harness, id uint64) bool {
	status, _ := h.engine.Status(id)
	meta, _ := h.engine.Meta(id)
	l := h.engine.Ledger()

	want1 := new(big.Int).Set(l.TotalToken(token1))
	want2 := new(big.Int).Set(l.TotalToken(token2))
	wantNative := new(big.Int).Set(l.TotalNative())
	if !status.IsDistributed {
		want1.Add(want1, status.CurrentAmount1)
		want2.Add(want2, status.CurrentAmount2)
		wantNative.Add(wantNative, meta.SettlerReward)
		wantNative.Add(wantNative, meta.ReporterReward)
	}

	return h.world.BalanceOf(token1, custody).Cmp(want1) == 0 &&
		h.world.BalanceOf(token2, custody).Cmp(want2) == 0 &&
		h.world.NativeBalance(custody).Cmp(wantNative) == 0
}
