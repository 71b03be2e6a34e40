package api

import (
	"errors"
	"net/http"

	"github.com/moltbunker/bondoracle/internal/host"
	"github.com/moltbunker/bondoracle/internal/oracle"
)

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Codes for failures that do not come from the engine
const (
	CodeUnauthorized = "unauthorized"
	CodeBadRequest   = "bad_request"
	CodeNotDevnet    = "not_devnet"
)

// statusFor maps an engine or host error to an HTTP status and error code
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, CodeUnauthorized
	case errors.Is(err, host.ErrNotDevnet):
		return http.StatusNotImplemented, CodeNotDevnet
	}

	code := oracle.Code(err)
	switch code {
	case oracle.CodeReportNotFound:
		return http.StatusNotFound, code
	case oracle.CodeInvalidParameters, oracle.CodeOutOfBounds:
		return http.StatusBadRequest, code
	case oracle.CodeInsufficientValue:
		return http.StatusPaymentRequired, code
	case oracle.CodeAlreadyProcessed, oracle.CodeStateMismatch, oracle.CodeReentrantCall:
		return http.StatusConflict, code
	case oracle.CodeInvalidTiming:
		return http.StatusTooEarly, code
	case oracle.CodeCallbackGasViolation:
		return http.StatusUnprocessableEntity, code
	default:
		return http.StatusInternalServerError, oracle.CodeInternal
	}
}

// writeFailure writes err with the status it maps to
func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	s.writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: code})
}
