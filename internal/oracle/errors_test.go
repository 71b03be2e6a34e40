package oracle

import (
	"errors"
	"fmt"
	"testing"
)

func TestCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{ErrInvalidParameters, CodeInvalidParameters},
		{fmt.Errorf("%w: 7", ErrReportNotFound), CodeReportNotFound},
		{fmt.Errorf("%w: %w: stale", ErrStateMismatch, ErrInvalidParameters), CodeStateMismatch},
		{fmt.Errorf("wrapped: %w", ErrInsufficientValue), CodeInsufficientValue},
		{ErrInvalidTiming, CodeInvalidTiming},
		{ErrAlreadyProcessed, CodeAlreadyProcessed},
		{ErrOutOfBounds, CodeOutOfBounds},
		{fmt.Errorf("%w: 10 gas left", ErrCallbackGasViolation), CodeCallbackGasViolation},
		{ErrReentrantCall, CodeReentrantCall},
		{errors.New("disk full"), CodeInternal},
	}

	for _, tt := range tests {
		if got := Code(tt.err); got != tt.want {
			t.Errorf("Code(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestReportNotFoundIsInvalidParameters(t *testing.T) {
	if !errors.Is(ErrReportNotFound, ErrInvalidParameters) {
		t.Error("unknown ids must surface as invalid parameters")
	}
}
