// Package oracle is the report life-cycle engine: creation, initial report,
// dispute-and-swap and settlement.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"

	"github.com/moltbunker/bondoracle/internal/assets"
	"github.com/moltbunker/bondoracle/internal/callback"
	"github.com/moltbunker/bondoracle/internal/events"
	"github.com/moltbunker/bondoracle/internal/fixedpoint"
	"github.com/moltbunker/bondoracle/internal/ledger"
	"github.com/moltbunker/bondoracle/internal/logging"
	"github.com/moltbunker/bondoracle/internal/registry"
	"github.com/moltbunker/bondoracle/pkg/types"
)

// Env is the execution context supplied by the host for one call
type Env struct {
	Caller common.Address
	Value  *big.Int // native value already moved into custody
	Now    types.Instant
	Gas    *callback.GasMeter
}

func (e Env) value() *big.Int {
	if e.Value == nil {
		return new(big.Int)
	}
	return e.Value
}

func (e Env) gas() *callback.GasMeter {
	if e.Gas == nil {
		return callback.NewGasMeter(math.MaxUint64)
	}
	return e.Gas
}

// Publisher receives state-change events
type Publisher interface {
	Publish(ev events.Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(events.Event) {}

// Config holds engine tunables
type Config struct {
	// MinValue is the floor the attached value must exceed on creation
	MinValue *big.Int

	// NativeGasStipend is the gas forwarded with native payouts
	NativeGasStipend uint64
}

// DefaultConfig returns the standard engine tunables
func DefaultConfig() Config {
	return Config{
		MinValue:         big.NewInt(100),
		NativeGasStipend: 2300,
	}
}

// Deps are the collaborators an Engine drives
type Deps struct {
	Registry   *registry.Registry
	Ledger     *ledger.Ledger
	Assets     *assets.Transferor
	Dispatcher *callback.Dispatcher
	Events     Publisher
}

// Engine runs report transitions. Mutating operations are serialized by the
// host and guarded against re-entry from token or callback code.
type Engine struct {
	reports    *registry.Registry
	ledger     *ledger.Ledger
	assets     *assets.Transferor
	dispatcher *callback.Dispatcher
	events     Publisher
	cfg        Config

	busy atomic.Bool
}

// NewEngine creates an engine
func NewEngine(deps Deps, cfg Config) *Engine {
	if deps.Registry == nil {
		deps.Registry = registry.New()
	}
	if deps.Ledger == nil {
		deps.Ledger = ledger.New()
	}
	if deps.Dispatcher == nil {
		deps.Dispatcher = callback.NewDispatcher(nil)
	}
	if deps.Events == nil {
		deps.Events = nopPublisher{}
	}
	if cfg.MinValue == nil {
		cfg.MinValue = DefaultConfig().MinValue
	}
	return &Engine{
		reports:    deps.Registry,
		ledger:     deps.Ledger,
		assets:     deps.Assets,
		dispatcher: deps.Dispatcher,
		events:     deps.Events,
		cfg:        cfg,
	}
}

// enter acquires the re-entrancy guard. The returned func releases it and
// must run on every exit path.
func (e *Engine) enter() (func(), error) {
	if !e.busy.CompareAndSwap(false, true) {
		return nil, ErrReentrantCall
	}
	return func() { e.busy.Store(false) }, nil
}

// Registry exposes the report store for snapshots
func (e *Engine) Registry() *registry.Registry {
	return e.reports
}

// Ledger exposes the fee ledger
func (e *Engine) Ledger() *ledger.Ledger {
	return e.ledger
}

// Custody returns the account holding escrowed assets
func (e *Engine) Custody() common.Address {
	return e.assets.Custody()
}

func notFound(id uint64, err error) error {
	if errors.Is(err, registry.ErrNotFound) {
		return fmt.Errorf("%w: %d", ErrReportNotFound, id)
	}
	return err
}

// Meta returns the immutable parameters of a report
func (e *Engine) Meta(id uint64) (types.ReportMeta, error) {
	m, err := e.reports.Meta(id)
	return m, notFound(id, err)
}

// Status returns the mutable status of a report
func (e *Engine) Status(id uint64) (types.ReportStatus, error) {
	s, err := e.reports.Status(id)
	return s, notFound(id, err)
}

// Extra returns the extra data of a report
func (e *Engine) Extra(id uint64) (types.ExtraReportData, error) {
	x, err := e.reports.Extra(id)
	return x, notFound(id, err)
}

// Report returns the combined view of a report
func (e *Engine) Report(id uint64) (types.Report, error) {
	r, err := e.reports.Report(id)
	return r, notFound(id, err)
}

// StateHash returns the commitment hash of a report
func (e *Engine) StateHash(id uint64) (common.Hash, error) {
	x, err := e.reports.Extra(id)
	if err != nil {
		return common.Hash{}, notFound(id, err)
	}
	return x.StateHash, nil
}

// History returns every recorded round of a report
func (e *Engine) History(id uint64) ([]types.DisputeRecord, error) {
	h, err := e.reports.History(id)
	return h, notFound(id, err)
}

// HistoryRound returns one recorded round
func (e *Engine) HistoryRound(id, round uint64) (types.DisputeRecord, error) {
	if _, err := e.reports.Extra(id); err != nil {
		return types.DisputeRecord{}, notFound(id, err)
	}
	rec, err := e.reports.HistoryRound(id, round)
	if err != nil {
		return rec, fmt.Errorf("%w: round %d not recorded", ErrInvalidParameters, round)
	}
	return rec, nil
}

// Count returns the number of reports created
func (e *Engine) Count() uint64 {
	return e.reports.Count()
}

// SettlementData returns the final price and settlement time of a settled report
func (e *Engine) SettlementData(id uint64) (*big.Int, uint64, error) {
	s, err := e.reports.Status(id)
	if err != nil {
		return nil, 0, notFound(id, err)
	}
	if !s.IsDistributed {
		return nil, 0, fmt.Errorf("%w: report %d not settled", ErrInvalidTiming, id)
	}
	return s.Price, s.SettlementTime, nil
}

// CreateReport validates params, stores a new report instance and returns its id.
// The reporter reward is the attached value minus the settler reward.
func (e *Engine) CreateReport(ctx context.Context, env Env, p types.CreateReportParams) (uint64, error) {
	release, err := e.enter()
	if err != nil {
		return 0, err
	}
	defer release()

	if err := validateCreate(p); err != nil {
		return 0, err
	}

	settlerReward := p.SettlerReward
	if settlerReward == nil {
		settlerReward = new(big.Int)
	}
	value := env.value()
	if value.Cmp(settlerReward) <= 0 {
		return 0, fmt.Errorf("%w: value %s must exceed settler reward %s", ErrInsufficientValue, value, settlerReward)
	}
	if value.Cmp(e.cfg.MinValue) <= 0 {
		return 0, fmt.Errorf("%w: value %s must exceed %s", ErrInsufficientValue, value, e.cfg.MinValue)
	}

	meta := types.ReportMeta{
		Token1:            p.Token1,
		Token2:            p.Token2,
		ExactToken1Report: new(big.Int).Set(p.ExactToken1Report),
		EscalationHalt:    new(big.Int).Set(p.EscalationHalt),
		Multiplier:        p.Multiplier,
		SettlementDelay:   p.SettlementDelay,
		DisputeDelay:      p.DisputeDelay,
		FeeRate:           p.FeeRate,
		ProtocolFeeRate:   p.ProtocolFeeRate,
		SettlerReward:     new(big.Int).Set(settlerReward),
		ReporterReward:    new(big.Int).Sub(value, settlerReward),
		TimeUnit:          p.TimeUnit,
	}
	extra := types.ExtraReportData{
		CallbackTarget:       p.CallbackTarget,
		CallbackSelector:     p.CallbackSelector,
		CallbackGasLimit:     p.CallbackGasLimit,
		TrackDisputes:        p.TrackDisputes,
		KeepFee:              p.KeepFee,
		ProtocolFeeRecipient: p.ProtocolFeeRecipient,
		Creator:              env.Caller,
	}

	id, hash, err := e.reports.Create(meta, extra, env.Now)
	if err != nil {
		return 0, err
	}

	logging.InfoContext(ctx, "report instance created",
		logging.ReportID(id),
		logging.Address("creator", env.Caller),
		logging.Address("token1", meta.Token1),
		logging.Address("token2", meta.Token2),
		"time_unit", meta.TimeUnit.String(),
		"state_hash", hash.Hex())
	logging.Audit(logging.AuditEvent{
		Operation: "report_created",
		Actor:     env.Caller.Hex(),
		Target:    fmt.Sprintf("report:%d", id),
		Result:    "success",
		Details:   fmt.Sprintf("reporter_reward=%s settler_reward=%s", meta.ReporterReward, meta.SettlerReward),
	})
	e.events.Publish(events.New(events.ReportInstanceCreated, id, env.Now, events.ReportCreatedData{
		Creator:   env.Caller,
		StateHash: hash,
		Meta:      meta.Clone(),
	}))
	return id, nil
}

func validateCreate(p types.CreateReportParams) error {
	switch {
	case p.ExactToken1Report == nil || p.ExactToken1Report.Sign() <= 0:
		return fmt.Errorf("%w: exact token1 amount must be positive", ErrInvalidParameters)
	case p.Token1 == (common.Address{}) || p.Token2 == (common.Address{}):
		return fmt.Errorf("%w: token addresses must be set", ErrInvalidParameters)
	case p.Token1 == p.Token2:
		return fmt.Errorf("%w: tokens must differ", ErrInvalidParameters)
	case p.SettlementDelay < p.DisputeDelay:
		return fmt.Errorf("%w: settlement delay %d below dispute delay %d", ErrInvalidParameters, p.SettlementDelay, p.DisputeDelay)
	case uint64(p.FeeRate)+uint64(p.ProtocolFeeRate) > fixedpoint.RateDenominator:
		return fmt.Errorf("%w: fee rates sum above %d", ErrInvalidParameters, fixedpoint.RateDenominator)
	case p.Multiplier < fixedpoint.PercentBase:
		return fmt.Errorf("%w: multiplier %d below %d", ErrInvalidParameters, p.Multiplier, fixedpoint.PercentBase)
	case p.EscalationHalt == nil || p.EscalationHalt.Sign() <= 0:
		return fmt.Errorf("%w: escalation halt must be positive", ErrInvalidParameters)
	case p.SettlerReward != nil && p.SettlerReward.Sign() < 0:
		return fmt.Errorf("%w: negative settler reward", ErrInvalidParameters)
	case !p.TimeUnit.IsValid():
		return fmt.Errorf("%w: unknown time unit %d", ErrInvalidParameters, uint8(p.TimeUnit))
	case (p.ProtocolFeeRate > 0 || !p.KeepFee) && p.ProtocolFeeRecipient == (common.Address{}):
		return fmt.Errorf("%w: protocol fee recipient required", ErrInvalidParameters)
	}
	return nil
}

// InitialReport is the input to SubmitInitialReport
type InitialReport struct {
	ReportID  uint64         `json:"report_id"`
	Amount1   *big.Int       `json:"amount1"`
	Amount2   *big.Int       `json:"amount2"`
	StateHash common.Hash    `json:"state_hash"`
	Holder    common.Address `json:"holder"`
}

// SubmitInitialReport escrows the first bond and sets the opening price
func (e *Engine) SubmitInitialReport(ctx context.Context, env Env, r InitialReport) error {
	release, err := e.enter()
	if err != nil {
		return err
	}
	defer release()

	meta, err := e.reports.Meta(r.ReportID)
	if err != nil {
		return notFound(r.ReportID, err)
	}
	status, _ := e.reports.Status(r.ReportID)
	extra, _ := e.reports.Extra(r.ReportID)

	switch {
	case status.Reported():
		return fmt.Errorf("%w: report %d already has an initial report", ErrAlreadyProcessed, r.ReportID)
	case r.Amount1 == nil || r.Amount1.Cmp(meta.ExactToken1Report) != 0:
		return fmt.Errorf("%w: amount1 must equal %s", ErrInvalidParameters, meta.ExactToken1Report)
	case r.Amount2 == nil || r.Amount2.Sign() <= 0:
		return fmt.Errorf("%w: amount2 must be positive", ErrInvalidParameters)
	case r.Holder == (common.Address{}):
		return fmt.Errorf("%w: holder must be set", ErrInvalidParameters)
	case r.StateHash != extra.StateHash:
		return fmt.Errorf("%w: %w: stale state hash %s", ErrStateMismatch, ErrInvalidParameters, r.StateHash.Hex())
	}

	price, err := fixedpoint.Price(r.Amount1, r.Amount2)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}

	pulls := e.newPullSet(ctx, env.Caller)
	if err := pulls.pull(meta.Token1, r.Amount1); err != nil {
		return err
	}
	if err := pulls.pull(meta.Token2, r.Amount2); err != nil {
		pulls.unwind(r.ReportID)
		return err
	}

	status.CurrentAmount1 = new(big.Int).Set(r.Amount1)
	status.CurrentAmount2 = new(big.Int).Set(r.Amount2)
	status.Price = price
	status.CurrentHolder = r.Holder
	status.InitialHolder = r.Holder
	status.ReportTime = env.Now.In(meta.TimeUnit)
	status.OppositeTime = env.Now.Opposite(meta.TimeUnit)

	round := &types.DisputeRecord{
		Amount1:    status.CurrentAmount1,
		Amount2:    status.CurrentAmount2,
		ReportTime: status.ReportTime,
		Holder:     r.Holder,
	}
	if err := e.reports.Commit(r.ReportID, status, round); err != nil {
		pulls.unwind(r.ReportID)
		return err
	}

	logging.InfoContext(ctx, "initial report submitted",
		logging.ReportID(r.ReportID),
		logging.Address("reporter", env.Caller),
		logging.Address("holder", r.Holder),
		logging.Amount("amount1", r.Amount1),
		logging.Amount("amount2", r.Amount2),
		"price", fixedpoint.Format(price, 8))
	logging.Audit(logging.AuditEvent{
		Operation: "initial_report_submitted",
		Actor:     env.Caller.Hex(),
		Target:    fmt.Sprintf("report:%d", r.ReportID),
		Result:    "success",
		Details:   fmt.Sprintf("amount1=%s amount2=%s", r.Amount1, r.Amount2),
	})
	e.events.Publish(events.New(events.InitialReportSubmitted, r.ReportID, env.Now, events.InitialReportData{
		Reporter: env.Caller,
		Holder:   r.Holder,
		Amount1:  new(big.Int).Set(r.Amount1),
		Amount2:  new(big.Int).Set(r.Amount2),
		Price:    new(big.Int).Set(price),
	}))
	return nil
}
