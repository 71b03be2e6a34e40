package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/moltbunker/bondoracle/internal/callback"
	"github.com/moltbunker/bondoracle/internal/events"
	"github.com/moltbunker/bondoracle/internal/fixedpoint"
	"github.com/moltbunker/bondoracle/internal/ledger"
	"github.com/moltbunker/bondoracle/internal/logging"
)

// Settlement is the outcome of Settle
type Settlement struct {
	ReportID       uint64          `json:"report_id"`
	Price          *big.Int        `json:"price"`
	SettlementTime uint64          `json:"settlement_time"`
	AlreadySettled bool            `json:"already_settled"`
	Callback       callback.Result `json:"callback"`
}

// elapsedSince returns now-start, or 0 if now is before start. Windows are
// checked on elapsed time so a large delay cannot wrap a summed deadline.
func elapsedSince(start, now uint64) uint64 {
	if now < start {
		return 0
	}
	return now - start
}

// Settle finalizes a report once its settlement delay has passed. Calling it
// again returns the recorded price and time without moving anything.
//
// The report is marked settled before the callback runs and before any
// payout, so code reached from either sees a final report. If too little gas
// is left after the callback the whole settlement is undone.
func (e *Engine) Settle(ctx context.Context, env Env, id uint64) (Settlement, error) {
	release, err := e.enter()
	if err != nil {
		return Settlement{}, err
	}
	defer release()

	meta, err := e.reports.Meta(id)
	if err != nil {
		return Settlement{}, notFound(id, err)
	}
	status, _ := e.reports.Status(id)
	extra, _ := e.reports.Extra(id)

	if !status.Reported() {
		return Settlement{}, fmt.Errorf("%w: report %d has no initial report", ErrInvalidParameters, id)
	}
	if status.IsDistributed {
		return Settlement{
			ReportID:       id,
			Price:          status.Price,
			SettlementTime: status.SettlementTime,
			AlreadySettled: true,
		}, nil
	}

	now := env.Now.In(meta.TimeUnit)
	if elapsed := elapsedSince(status.ReportTime, now); elapsed < meta.SettlementDelay {
		return Settlement{}, fmt.Errorf("%w: settlement delay %d not passed, %d elapsed", ErrInvalidTiming, meta.SettlementDelay, elapsed)
	}

	cp, err := e.reports.Checkpoint(id)
	if err != nil {
		return Settlement{}, err
	}
	status.IsDistributed = true
	status.SettlementTime = now
	if err := e.reports.Commit(id, status, nil); err != nil {
		return Settlement{}, err
	}

	out := Settlement{ReportID: id, Price: status.Price, SettlementTime: now}

	if extra.HasCallback() {
		res, err := e.dispatcher.Dispatch(ctx, env.gas(), extra.CallbackTarget, extra.CallbackSelector, extra.CallbackGasLimit, callback.Notice{
			ReportID:       id,
			Price:          status.Price,
			SettlementTime: now,
			Token1:         meta.Token1,
			Token2:         meta.Token2,
		})
		if err != nil {
			e.reports.Rollback(cp)
			if errors.Is(err, callback.ErrInvalidGasLimit) {
				return Settlement{}, fmt.Errorf("%w: %v", ErrCallbackGasViolation, err)
			}
			return Settlement{}, err
		}
		out.Callback = res
		e.events.Publish(events.New(events.SettlementCallbackExecuted, id, env.Now, events.CallbackData{
			Target: extra.CallbackTarget,
			Result: res,
		}))
	}

	// The callback runs before bonds go out so a gas violation can roll back
	// a report that has moved no assets yet.
	holder := status.CurrentHolder
	e.payToken(ctx, id, env.Now, meta.Token1, holder, status.CurrentAmount1)
	e.payToken(ctx, id, env.Now, meta.Token2, holder, status.CurrentAmount2)
	e.payNative(ctx, id, env.Now, env.Caller, meta.SettlerReward)

	if !status.DisputeOccurred || extra.KeepFee {
		e.payNative(ctx, id, env.Now, status.InitialHolder, meta.ReporterReward)
	} else {
		e.creditNative(ctx, id, env.Now, extra.ProtocolFeeRecipient, meta.ReporterReward, "forfeited_reporter_reward")
	}

	logging.InfoContext(ctx, "report settled",
		logging.ReportID(id),
		logging.Address("settler", env.Caller),
		logging.Address("holder", holder),
		"price", fixedpoint.Format(status.Price, 8),
		"settlement_time", now,
		"dispute_occurred", status.DisputeOccurred,
		"callback_success", out.Callback.Success)
	logging.Audit(logging.AuditEvent{
		Operation: "report_settled",
		Actor:     env.Caller.Hex(),
		Target:    fmt.Sprintf("report:%d", id),
		Result:    "success",
		Details:   fmt.Sprintf("holder=%s amount1=%s amount2=%s", holder.Hex(), status.CurrentAmount1, status.CurrentAmount2),
	})
	e.events.Publish(events.New(events.ReportSettled, id, env.Now, events.SettledData{
		Settler:         env.Caller,
		Holder:          holder,
		Price:           new(big.Int).Set(status.Price),
		SettlementTime:  now,
		Amount1:         new(big.Int).Set(status.CurrentAmount1),
		Amount2:         new(big.Int).Set(status.CurrentAmount2),
		DisputeOccurred: status.DisputeOccurred,
		CallbackSuccess: out.Callback.Success,
	}))
	return out, nil
}

// WithdrawToken pays out the caller's claimable balance of token
func (e *Engine) WithdrawToken(ctx context.Context, env Env, token common.Address) (ledger.Withdrawal, error) {
	release, err := e.enter()
	if err != nil {
		return ledger.Withdrawal{}, err
	}
	defer release()

	w, err := e.ledger.WithdrawToken(ctx, env.Caller, token, e.assets.Push)
	if err != nil {
		return w, fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	e.withdrawn(ctx, env, w)
	return w, nil
}

// WithdrawNative pays out the caller's claimable native balance
func (e *Engine) WithdrawNative(ctx context.Context, env Env) (ledger.Withdrawal, error) {
	release, err := e.enter()
	if err != nil {
		return ledger.Withdrawal{}, err
	}
	defer release()

	w, err := e.ledger.WithdrawNative(ctx, env.Caller, func(ctx context.Context, to common.Address, amount *big.Int) bool {
		return e.assets.PushNative(ctx, to, amount, e.cfg.NativeGasStipend)
	})
	if err != nil {
		return w, fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	e.withdrawn(ctx, env, w)
	return w, nil
}

func (e *Engine) withdrawn(ctx context.Context, env Env, w ledger.Withdrawal) {
	result := "success"
	if !w.Delivered {
		result = "failure"
		logging.WarnContext(ctx, "ledger withdrawal not delivered, balance restored",
			logging.Address("owner", w.Owner),
			logging.Address("token", w.Token),
			logging.Amount("amount", w.Amount))
	}
	logging.Audit(logging.AuditEvent{
		Operation: "ledger_withdrawn",
		Actor:     env.Caller.Hex(),
		Target:    w.Token.Hex(),
		Result:    result,
		Details:   fmt.Sprintf("amount=%s native=%t", w.Amount, w.Native),
	})
	e.events.Publish(events.New(events.LedgerWithdrawn, 0, env.Now, events.LedgerData{
		Owner:     w.Owner,
		Token:     w.Token,
		Native:    w.Native,
		Amount:    new(big.Int).Set(w.Amount),
		Delivered: w.Delivered,
	}))
}
