package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/moltbunker/bondoracle/internal/escalation"
	"github.com/moltbunker/bondoracle/internal/fixedpoint"
	"github.com/moltbunker/bondoracle/internal/host"
	"github.com/moltbunker/bondoracle/internal/ledger"
	"github.com/moltbunker/bondoracle/internal/logging"
	"github.com/moltbunker/bondoracle/internal/oracle"
	"github.com/moltbunker/bondoracle/pkg/types"
)

// priceDecimals is the number of decimal places in formatted prices
const priceDecimals = 18

// CreateReportRequest creates a report instance. Value is the native amount
// attached to the call; it funds the reporter and settler rewards.
type CreateReportRequest struct {
	types.CreateReportParams
	Value *big.Int `json:"value"`
}

// CreateReportResponse identifies the new report
type CreateReportResponse struct {
	ReportID  uint64      `json:"report_id"`
	StateHash common.Hash `json:"state_hash"`
}

// InitialReportRequest is the first bonded price report. Holder defaults
// to the caller.
type InitialReportRequest struct {
	Amount1   *big.Int       `json:"amount1"`
	Amount2   *big.Int       `json:"amount2"`
	StateHash common.Hash    `json:"state_hash"`
	Holder    common.Address `json:"holder"`
}

// DisputeRequest replaces the current report. NewAmount1 defaults to the
// required escalated amount and Disputer to the caller.
type DisputeRequest struct {
	TokenToSwap     common.Address `json:"token_to_swap"`
	NewAmount1      *big.Int       `json:"new_amount1,omitempty"`
	NewAmount2      *big.Int       `json:"new_amount2"`
	Disputer        common.Address `json:"disputer"`
	ExpectedAmount2 *big.Int       `json:"expected_amount2"`
	StateHash       common.Hash    `json:"state_hash"`
}

// SettleRequest optionally names the call's gas budget
type SettleRequest struct {
	Gas uint64 `json:"gas,omitempty"`
}

// WithdrawRequest withdraws one ledger balance. The zero token withdraws
// native value.
type WithdrawRequest struct {
	Token  common.Address `json:"token"`
	Native bool           `json:"native,omitempty"`
}

// AdvanceRequest moves the devnet clock
type AdvanceRequest struct {
	Seconds uint64 `json:"seconds"`
	Blocks  uint64 `json:"blocks"`
}

// MintRequest mints devnet assets; the zero token mints native value
type MintRequest struct {
	Token   common.Address `json:"token"`
	Account common.Address `json:"account"`
	Amount  *big.Int       `json:"amount"`
}

// ReportResponse is a report with its price rendered as a decimal
type ReportResponse struct {
	types.Report
	PriceDecimal string `json:"price_decimal,omitempty"`
}

// StatusResponse describes the running oracle
type StatusResponse struct {
	Version         string         `json:"version"`
	Devnet          bool           `json:"devnet"`
	Custody         common.Address `json:"custody"`
	Now             types.Instant  `json:"now"`
	Reports         uint64         `json:"reports"`
	Subscribers     int            `json:"subscribers"`
	EventsPublished uint64         `json:"events_published"`
	EventsDropped   uint64         `json:"events_dropped"`
}

func (s *Server) handleCreateReport(w http.ResponseWriter, r *http.Request) {
	caller, err := s.resolveCaller(r)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	var req CreateReportRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.host.CreateReport(r.Context(), caller, req.Value, req.CreateReportParams)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	hash, err := s.host.Engine().StateHash(id)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, CreateReportResponse{ReportID: id, StateHash: hash})
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	id, ok := s.reportID(w, r)
	if !ok {
		return
	}
	report, err := s.host.Engine().Report(id)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	resp := ReportResponse{Report: report}
	if report.Status.Price != nil {
		resp.PriceDecimal = fixedpoint.Format(report.Status.Price, priceDecimals)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleInitialReport(w http.ResponseWriter, r *http.Request) {
	id, ok := s.reportID(w, r)
	if !ok {
		return
	}
	caller, err := s.resolveCaller(r)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	var req InitialReportRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Holder == (common.Address{}) {
		req.Holder = caller
	}

	err = s.host.SubmitInitialReport(r.Context(), caller, oracle.InitialReport{
		ReportID:  id,
		Amount1:   req.Amount1,
		Amount2:   req.Amount2,
		StateHash: req.StateHash,
		Holder:    req.Holder,
	})
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeReport(w, id)
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request) {
	id, ok := s.reportID(w, r)
	if !ok {
		return
	}
	caller, err := s.resolveCaller(r)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	var req DisputeRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Disputer == (common.Address{}) {
		req.Disputer = caller
	}
	if req.NewAmount1 == nil {
		req.NewAmount1, err = s.requiredAmount1(id)
		if err != nil {
			s.writeFailure(w, err)
			return
		}
	}

	err = s.host.DisputeAndSwap(r.Context(), caller, oracle.Dispute{
		ReportID:        id,
		TokenToSwap:     req.TokenToSwap,
		NewAmount1:      req.NewAmount1,
		NewAmount2:      req.NewAmount2,
		Disputer:        req.Disputer,
		ExpectedAmount2: req.ExpectedAmount2,
		StateHash:       req.StateHash,
	})
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeReport(w, id)
}

// handleQuote prices a dispute against the current report:
// GET /v1/reports/{id}/quote?token=0x..&amount2=N
func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	id, ok := s.reportID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	token := q.Get("token")
	if !common.IsHexAddress(token) {
		s.writeError(w, http.StatusBadRequest, "token must be a hex address")
		return
	}
	new2, ok := new(big.Int).SetString(q.Get("amount2"), 10)
	if !ok || new2.Sign() <= 0 {
		s.writeError(w, http.StatusBadRequest, "amount2 must be a positive integer")
		return
	}

	engine := s.host.Engine()
	meta, err := engine.Meta(id)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	status, err := engine.Status(id)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if !status.Reported() {
		s.writeFailure(w, fmt.Errorf("%w: report %d has no initial report", oracle.ErrInvalidParameters, id))
		return
	}
	swap := common.HexToAddress(token)
	if swap != meta.Token1 && swap != meta.Token2 {
		s.writeFailure(w, fmt.Errorf("%w: token %s is not part of the report", oracle.ErrInvalidParameters, swap.Hex()))
		return
	}
	new1 := escalation.RequiredNextAmount(status.CurrentAmount1, meta.Multiplier, meta.EscalationHalt)
	s.writeJSON(w, http.StatusOK, oracle.QuoteDispute(meta, swap, status.CurrentAmount1, status.CurrentAmount2, new1, new2))
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	id, ok := s.reportID(w, r)
	if !ok {
		return
	}
	caller, err := s.resolveCaller(r)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	var req SettleRequest
	if err := s.readJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	settlement, err := s.host.Settle(r.Context(), caller, id, req.Gas)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, settlement)
}

// handleHistory returns every round, or one with ?round=N
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := s.reportID(w, r)
	if !ok {
		return
	}
	engine := s.host.Engine()
	if raw := r.URL.Query().Get("round"); raw != "" {
		round, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid round")
			return
		}
		rec, err := engine.HistoryRound(id, round)
		if err != nil {
			s.writeFailure(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, rec)
		return
	}
	history, err := engine.History(id)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if history == nil {
		history = []types.DisputeRecord{}
	}
	s.writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	addr := r.PathValue("addr")
	if !common.IsHexAddress(addr) {
		s.writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	s.writeJSON(w, http.StatusOK, s.host.Engine().Ledger().Balances(common.HexToAddress(addr)))
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	caller, err := s.resolveCaller(r)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	var req WithdrawRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var wd ledger.Withdrawal
	if req.Native || req.Token == ledger.NativeToken {
		wd, err = s.host.WithdrawNative(r.Context(), caller)
	} else {
		wd, err = s.host.WithdrawToken(r.Context(), caller, req.Token)
	}
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, wd)
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	var req AdvanceRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	at, err := s.host.Advance(req.Seconds, req.Blocks)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, at)
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	var req MintRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Account == (common.Address{}) {
		s.writeError(w, http.StatusBadRequest, "account is required")
		return
	}
	if err := s.host.Mint(req.Token, req.Account, req.Amount); err != nil {
		if errors.Is(err, host.ErrNotDevnet) {
			s.writeFailure(w, err)
			return
		}
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, s.host.Engine().Ledger().Balances(req.Account))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	published, dropped := s.host.Bus().Stats()
	s.writeJSON(w, http.StatusOK, StatusResponse{
		Version:         Version,
		Devnet:          s.host.IsDevnet(),
		Custody:         s.host.Custody(),
		Now:             s.host.Now(),
		Reports:         s.host.Engine().Count(),
		Subscribers:     s.hub.ClientCount(),
		EventsPublished: published,
		EventsDropped:   dropped,
	})
}

func (s *Server) handleMetricsJSON(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.metrics.GetMetrics())
}

// requiredAmount1 is the escalated amount1 the next dispute must post
func (s *Server) requiredAmount1(id uint64) (*big.Int, error) {
	meta, err := s.host.Engine().Meta(id)
	if err != nil {
		return nil, err
	}
	status, err := s.host.Engine().Status(id)
	if err != nil {
		return nil, err
	}
	if status.CurrentAmount1 == nil {
		return nil, fmt.Errorf("%w: report %d has no initial report", oracle.ErrInvalidParameters, id)
	}
	return escalation.RequiredNextAmount(status.CurrentAmount1, meta.Multiplier, meta.EscalationHalt), nil
}

func (s *Server) writeReport(w http.ResponseWriter, id uint64) {
	report, err := s.host.Engine().Report(id)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	resp := ReportResponse{Report: report}
	if report.Status.Price != nil {
		resp.PriceDecimal = fixedpoint.Format(report.Status.Price, priceDecimals)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// reportID parses the {id} path segment, writing a 400 on failure
func (s *Server) reportID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid report id")
		return 0, false
	}
	return id, true
}

func (s *Server) readJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("request body is required: %w", err)
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug("failed to write response", logging.Err(err), logging.Component("api"))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, ErrorResponse{Error: msg, Code: CodeBadRequest})
}
