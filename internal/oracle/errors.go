package oracle

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by engine operations. Callers match with errors.Is;
// messages add detail after the sentinel text.
var (
	ErrInvalidParameters    = errors.New("invalid parameters")
	ErrInsufficientValue    = errors.New("insufficient value")
	ErrInvalidTiming        = errors.New("invalid timing")
	ErrAlreadyProcessed     = errors.New("already processed")
	ErrOutOfBounds          = errors.New("out of bounds")
	ErrStateMismatch        = errors.New("state mismatch")
	ErrCallbackGasViolation = errors.New("invalid gas limit")
	ErrReentrantCall        = errors.New("reentrant call")

	// ErrReportNotFound is an ErrInvalidParameters for unknown ids
	ErrReportNotFound = fmt.Errorf("%w: report not found", ErrInvalidParameters)
)

// Error codes exposed to API clients
const (
	CodeInvalidParameters    = "invalid_parameters"
	CodeReportNotFound       = "report_not_found"
	CodeInsufficientValue    = "insufficient_value"
	CodeInvalidTiming        = "invalid_timing"
	CodeAlreadyProcessed     = "already_processed"
	CodeOutOfBounds          = "out_of_bounds"
	CodeStateMismatch        = "state_mismatch"
	CodeCallbackGasViolation = "callback_gas_violation"
	CodeReentrantCall        = "reentrant_call"
	CodeInternal             = "internal"
)

// Code classifies an engine error. More specific sentinels win over the
// ErrInvalidParameters they may also wrap.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrReportNotFound):
		return CodeReportNotFound
	case errors.Is(err, ErrStateMismatch):
		return CodeStateMismatch
	case errors.Is(err, ErrInvalidParameters):
		return CodeInvalidParameters
	case errors.Is(err, ErrInsufficientValue):
		return CodeInsufficientValue
	case errors.Is(err, ErrInvalidTiming):
		return CodeInvalidTiming
	case errors.Is(err, ErrAlreadyProcessed):
		return CodeAlreadyProcessed
	case errors.Is(err, ErrOutOfBounds):
		return CodeOutOfBounds
	case errors.Is(err, ErrCallbackGasViolation):
		return CodeCallbackGasViolation
	case errors.Is(err, ErrReentrantCall):
		return CodeReentrantCall
	default:
		return CodeInternal
	}
}
