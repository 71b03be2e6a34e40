package doctor

import (
	"context"
	"fmt"
	"os"

	"github.com/moltbunker/bondoracle/internal/store"
)

// StateChecker verifies the persisted state file decodes and its checksum
// matches, so the daemon will be able to restore it
type StateChecker struct {
	enabled bool
	cfg     store.Config
}

func NewStateChecker(enabled bool, cfg store.Config) *StateChecker {
	return &StateChecker{enabled: enabled, cfg: cfg}
}

func (c *StateChecker) Name() string       { return "State file" }
func (c *StateChecker) Category() Category { return CategoryState }

func (c *StateChecker) Check(ctx context.Context) CheckResult {
	result := CheckResult{
		Name:     c.Name(),
		Category: c.Category(),
	}

	if !c.enabled {
		result.Status = StatusSkipped
		result.Message = "State: Persistence disabled"
		return result
	}

	s, err := store.New(c.cfg)
	if err != nil {
		result.Status = StatusError
		result.Message = "State: Invalid store settings"
		result.Details = err.Error()
		return result
	}

	state, found, err := s.Load()
	if err != nil {
		result.Status = StatusError
		result.Message = "State: Unreadable"
		result.Details = err.Error()
		result.Hint = fmt.Sprintf("mv %s %s.bad", s.Path(), s.Path())
		return result
	}
	if !found {
		result.Status = StatusOK
		result.Message = "State: No state file yet"
		result.Details = s.Path()
		return result
	}

	size := int64(0)
	if info, err := os.Stat(s.Path()); err == nil {
		size = info.Size()
	}
	result.Status = StatusOK
	result.Message = fmt.Sprintf("State: %d reports, %d ledger entries (%d bytes)",
		len(state.Reports), len(state.Ledger), size)
	return result
}
