package oracle

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/moltbunker/bondoracle/internal/events"
	"github.com/moltbunker/bondoracle/internal/logging"
	"github.com/moltbunker/bondoracle/pkg/types"
)

type pulled struct {
	token  common.Address
	amount *big.Int
}

// pullSet collects the tokens pulled from one caller during a transition so
// they can be returned if a later step fails.
type pullSet struct {
	e    *Engine
	ctx  context.Context
	from common.Address
	done []pulled
}

func (e *Engine) newPullSet(ctx context.Context, from common.Address) *pullSet {
	return &pullSet{e: e, ctx: ctx, from: from}
}

func (p *pullSet) pull(token common.Address, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	if err := p.e.assets.Pull(p.ctx, token, p.from, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	p.done = append(p.done, pulled{token: token, amount: new(big.Int).Set(amount)})
	return nil
}

// unwind returns everything pulled so far. A refund the token refuses is
// credited to the caller's ledger balance.
func (p *pullSet) unwind(reportID uint64) {
	for i := len(p.done) - 1; i >= 0; i-- {
		d := p.done[i]
		if !p.e.assets.Push(p.ctx, d.token, p.from, d.amount) {
			p.e.creditToken(p.ctx, reportID, types.Instant{}, p.from, d.token, d.amount, "refund")
		}
	}
	p.done = nil
}

// payToken pushes token out of custody, falling back to a ledger credit
func (e *Engine) payToken(ctx context.Context, reportID uint64, at types.Instant, token, to common.Address, amount *big.Int) bool {
	if amount.Sign() == 0 {
		return true
	}
	if e.assets.Push(ctx, token, to, amount) {
		return true
	}
	e.creditToken(ctx, reportID, at, to, token, amount, "fallback")
	return false
}

// payNative pushes native value out of custody, falling back to a ledger credit
func (e *Engine) payNative(ctx context.Context, reportID uint64, at types.Instant, to common.Address, amount *big.Int) bool {
	if amount.Sign() == 0 {
		return true
	}
	if e.assets.PushNative(ctx, to, amount, e.cfg.NativeGasStipend) {
		return true
	}
	e.creditNative(ctx, reportID, at, to, amount, "fallback")
	return false
}

func (e *Engine) creditToken(ctx context.Context, reportID uint64, at types.Instant, to, token common.Address, amount *big.Int, reason string) {
	e.ledger.CreditToken(to, token, amount)
	level := logging.InfoContext
	if reason != "protocol_fee" {
		level = logging.WarnContext
	}
	level(ctx, "ledger credited",
		logging.ReportID(reportID),
		logging.Address("recipient", to),
		logging.Address("token", token),
		logging.Amount("amount", amount),
		"reason", reason)
	e.events.Publish(events.New(events.LedgerCredited, reportID, at, events.LedgerData{
		Owner:  to,
		Token:  token,
		Amount: new(big.Int).Set(amount),
		Reason: reason,
	}))
}

func (e *Engine) creditNative(ctx context.Context, reportID uint64, at types.Instant, to common.Address, amount *big.Int, reason string) {
	e.ledger.CreditNative(to, amount)
	level := logging.InfoContext
	if reason == "fallback" {
		level = logging.WarnContext
	}
	level(ctx, "ledger credited",
		logging.ReportID(reportID),
		logging.Address("recipient", to),
		"native", true,
		logging.Amount("amount", amount),
		"reason", reason)
	e.events.Publish(events.New(events.LedgerCredited, reportID, at, events.LedgerData{
		Owner:  to,
		Native: true,
		Amount: new(big.Int).Set(amount),
		Reason: reason,
	}))
}
