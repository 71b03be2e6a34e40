package oracle

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/moltbunker/bondoracle/internal/escalation"
	"github.com/moltbunker/bondoracle/internal/events"
	"github.com/moltbunker/bondoracle/internal/fixedpoint"
	"github.com/moltbunker/bondoracle/internal/logging"
	"github.com/moltbunker/bondoracle/pkg/types"
)

// Dispute is the input to DisputeAndSwap.
//
// TokenToSwap is the token the disputer takes over from the current holder
// at the current price. Fees and the holder's payout are paid in the other
// token.
type Dispute struct {
	ReportID        uint64         `json:"report_id"`
	TokenToSwap     common.Address `json:"token_to_swap"`
	NewAmount1      *big.Int       `json:"new_amount1"`
	NewAmount2      *big.Int       `json:"new_amount2"`
	Disputer        common.Address `json:"disputer"`
	ExpectedAmount2 *big.Int       `json:"expected_amount2"`
	StateHash       common.Hash    `json:"state_hash"`
}

// DisputeQuote is the full asset movement of a dispute
type DisputeQuote struct {
	SwapToken    common.Address `json:"swap_token"`
	PaymentToken common.Address `json:"payment_token"`
	Fee          *big.Int       `json:"fee"`
	ProtocolFee  *big.Int       `json:"protocol_fee"`

	// PaymentIn is pulled from the caller in the payment token
	PaymentIn *big.Int `json:"payment_in"`
	// SwapIn is pulled from the caller in the swap token (zero if shrinking)
	SwapIn *big.Int `json:"swap_in"`
	// SwapOut is pushed to the caller in the swap token (zero if growing)
	SwapOut *big.Int `json:"swap_out"`
	// HolderPayout is pushed to the previous holder in the payment token
	HolderPayout *big.Int `json:"holder_payout"`
}

// QuoteDispute computes the asset movement for replacing (old1, old2) with
// (new1, new2) when the disputer takes swapToken.
//
//	fee          = oldP * feeRate / 1e7
//	protocolFee  = oldP * protocolFeeRate / 1e7
//	PaymentIn    = newP + oldP + fee + protocolFee
//	HolderPayout = 2*oldP + fee
//
// where P is the payment token. Custody gains newP + protocolFee of P and the
// swap token balance moves from oldS to newS, so nothing is created or lost.
func QuoteDispute(meta types.ReportMeta, swapToken common.Address, old1, old2, new1, new2 *big.Int) DisputeQuote {
	q := DisputeQuote{SwapToken: swapToken}

	var oldS, newS, oldP, newP *big.Int
	if swapToken == meta.Token1 {
		q.PaymentToken = meta.Token2
		oldS, newS, oldP, newP = old1, new1, old2, new2
	} else {
		q.PaymentToken = meta.Token1
		oldS, newS, oldP, newP = old2, new2, old1, new1
	}

	q.Fee = fixedpoint.ApplyRate(oldP, meta.FeeRate)
	q.ProtocolFee = fixedpoint.ApplyRate(oldP, meta.ProtocolFeeRate)

	q.PaymentIn = new(big.Int).Add(newP, oldP)
	q.PaymentIn.Add(q.PaymentIn, q.Fee)
	q.PaymentIn.Add(q.PaymentIn, q.ProtocolFee)

	q.HolderPayout = new(big.Int).Lsh(oldP, 1)
	q.HolderPayout.Add(q.HolderPayout, q.Fee)

	q.SwapIn, q.SwapOut = new(big.Int), new(big.Int)
	switch diff := new(big.Int).Sub(newS, oldS); diff.Sign() {
	case 1:
		q.SwapIn = diff
	case -1:
		q.SwapOut = diff.Neg(diff)
	}
	return q
}

// DisputeAndSwap replaces the current holder's bond with a larger one at a
// price outside the fee band, paying the previous holder out.
func (e *Engine) DisputeAndSwap(ctx context.Context, env Env, d Dispute) error {
	release, err := e.enter()
	if err != nil {
		return err
	}
	defer release()

	meta, err := e.reports.Meta(d.ReportID)
	if err != nil {
		return notFound(d.ReportID, err)
	}
	status, _ := e.reports.Status(d.ReportID)
	extra, _ := e.reports.Extra(d.ReportID)

	switch {
	case !status.Reported():
		return fmt.Errorf("%w: report %d has no initial report", ErrInvalidParameters, d.ReportID)
	case status.IsDistributed:
		return fmt.Errorf("%w: report %d already settled", ErrAlreadyProcessed, d.ReportID)
	case d.StateHash != extra.StateHash:
		return fmt.Errorf("%w: stale state hash %s", ErrStateMismatch, d.StateHash.Hex())
	case d.TokenToSwap != meta.Token1 && d.TokenToSwap != meta.Token2:
		return fmt.Errorf("%w: token to swap %s is not part of the report", ErrInvalidParameters, d.TokenToSwap.Hex())
	case d.Disputer == (common.Address{}):
		return fmt.Errorf("%w: disputer must be set", ErrInvalidParameters)
	case d.NewAmount1 == nil || d.NewAmount2 == nil || d.NewAmount2.Sign() <= 0:
		return fmt.Errorf("%w: new amounts must be positive", ErrInvalidParameters)
	}

	now := env.Now.In(meta.TimeUnit)
	elapsed := elapsedSince(status.ReportTime, now)
	if elapsed > meta.SettlementDelay {
		return fmt.Errorf("%w: dispute window of %d closed, %d elapsed", ErrInvalidTiming, meta.SettlementDelay, elapsed)
	}
	if elapsed < meta.DisputeDelay {
		return fmt.Errorf("%w: dispute delay %d not passed, %d elapsed", ErrInvalidTiming, meta.DisputeDelay, elapsed)
	}

	if d.ExpectedAmount2 == nil || d.ExpectedAmount2.Cmp(status.CurrentAmount2) != 0 {
		return fmt.Errorf("%w: expected amount2 %v, current %s", ErrStateMismatch, d.ExpectedAmount2, status.CurrentAmount2)
	}

	required := escalation.RequiredNextAmount(status.CurrentAmount1, meta.Multiplier, meta.EscalationHalt)
	if d.NewAmount1.Cmp(required) != 0 {
		if escalation.Halted(status.CurrentAmount1, meta.EscalationHalt) {
			return fmt.Errorf("%w: escalation halted, new amount1 must be %s", ErrOutOfBounds, required)
		}
		return fmt.Errorf("%w: new amount1 must be %s", ErrInvalidParameters, required)
	}

	newPrice, err := fixedpoint.Price(d.NewAmount1, d.NewAmount2)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	band := escalation.PriceBand(status.Price, meta.FeeSum())
	if band.Contains(newPrice) {
		return fmt.Errorf("%w: price %s inside band [%s, %s]", ErrOutOfBounds, newPrice, band.Lower, band.Upper)
	}

	q := QuoteDispute(meta, d.TokenToSwap, status.CurrentAmount1, status.CurrentAmount2, d.NewAmount1, d.NewAmount2)

	pulls := e.newPullSet(ctx, env.Caller)
	if err := pulls.pull(q.PaymentToken, q.PaymentIn); err != nil {
		return err
	}
	if err := pulls.pull(q.SwapToken, q.SwapIn); err != nil {
		pulls.unwind(d.ReportID)
		return err
	}

	previous := status.Clone()
	status.CurrentAmount1 = new(big.Int).Set(d.NewAmount1)
	status.CurrentAmount2 = new(big.Int).Set(d.NewAmount2)
	status.Price = newPrice
	status.CurrentHolder = d.Disputer
	status.ReportTime = now
	status.OppositeTime = env.Now.Opposite(meta.TimeUnit)
	status.DisputeOccurred = true

	round := &types.DisputeRecord{
		Amount1:     status.CurrentAmount1,
		Amount2:     status.CurrentAmount2,
		TokenToSwap: d.TokenToSwap,
		ReportTime:  now,
		Holder:      d.Disputer,
	}
	if err := e.reports.Commit(d.ReportID, status, round); err != nil {
		pulls.unwind(d.ReportID)
		return err
	}
	if q.ProtocolFee.Sign() > 0 {
		e.creditToken(ctx, d.ReportID, env.Now, extra.ProtocolFeeRecipient, q.PaymentToken, q.ProtocolFee, "protocol_fee")
	}

	e.payToken(ctx, d.ReportID, env.Now, q.PaymentToken, previous.CurrentHolder, q.HolderPayout)
	e.payToken(ctx, d.ReportID, env.Now, q.SwapToken, env.Caller, q.SwapOut)

	updated, _ := e.reports.Extra(d.ReportID)
	logging.InfoContext(ctx, "report disputed",
		logging.ReportID(d.ReportID),
		logging.Address("disputer", d.Disputer),
		logging.Address("previous_holder", previous.CurrentHolder),
		logging.Address("token_to_swap", d.TokenToSwap),
		"old_price", fixedpoint.Format(previous.Price, 8),
		"new_price", fixedpoint.Format(newPrice, 8),
		logging.Amount("fee", q.Fee),
		logging.Amount("protocol_fee", q.ProtocolFee))
	logging.Audit(logging.AuditEvent{
		Operation: "report_disputed",
		Actor:     env.Caller.Hex(),
		Target:    fmt.Sprintf("report:%d", d.ReportID),
		Result:    "success",
		Details:   fmt.Sprintf("amount1=%s amount2=%s payment_in=%s", d.NewAmount1, d.NewAmount2, q.PaymentIn),
	})
	e.events.Publish(events.New(events.ReportDisputed, d.ReportID, env.Now, events.DisputeData{
		Disputer:       d.Disputer,
		PreviousHolder: previous.CurrentHolder,
		TokenToSwap:    d.TokenToSwap,
		OldAmount1:     previous.CurrentAmount1,
		OldAmount2:     previous.CurrentAmount2,
		NewAmount1:     new(big.Int).Set(d.NewAmount1),
		NewAmount2:     new(big.Int).Set(d.NewAmount2),
		OldPrice:       previous.Price,
		NewPrice:       new(big.Int).Set(newPrice),
		Fee:            q.Fee,
		ProtocolFee:    q.ProtocolFee,
		Round:          updated.NumReports - 1,
	}))
	return nil
}
