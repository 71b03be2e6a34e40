// Package registry owns every report instance. Reports live in a dense arena
// indexed by id-1 and are never deleted; callers only ever hold ids.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/moltbunker/bondoracle/pkg/types"
)

// ErrNotFound is returned for ids that were never allocated
var ErrNotFound = errors.New("report not found")

type entry struct {
	meta    types.ReportMeta
	status  types.ReportStatus
	extra   types.ExtraReportData
	history []types.DisputeRecord
}

// Registry stores report meta, status, extra data and dispute history
type Registry struct {
	mu      sync.RWMutex
	entries []*entry
}

// New creates an empty registry
func New() *Registry {
	return &Registry{}
}

// Create allocates the next id, computes the state hash and stores the report.
// The caller is responsible for validating meta and extra.
func (r *Registry) Create(meta types.ReportMeta, extra types.ExtraReportData, at types.Instant) (uint64, common.Hash, error) {
	hash, err := Commitment(meta, extra, extra.Creator, at)
	if err != nil {
		return 0, common.Hash{}, err
	}
	extra.StateHash = hash

	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = append(r.entries, &entry{
		meta:  meta.Clone(),
		extra: extra,
	})
	return uint64(len(r.entries)), hash, nil
}

// Count returns the number of allocated ids. Ids run from 1 to Count.
func (r *Registry) Count() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return uint64(len(r.entries))
}

// get must be called with the lock held
func (r *Registry) get(id uint64) (*entry, error) {
	if id == 0 || id > uint64(len(r.entries)) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return r.entries[id-1], nil
}

// Meta returns a copy of the report's immutable parameters
func (r *Registry) Meta(id uint64) (types.ReportMeta, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, err := r.get(id)
	if err != nil {
		return types.ReportMeta{}, err
	}
	return e.meta.Clone(), nil
}

// Status returns a copy of the report's mutable status
func (r *Registry) Status(id uint64) (types.ReportStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, err := r.get(id)
	if err != nil {
		return types.ReportStatus{}, err
	}
	return e.status.Clone(), nil
}

// Extra returns a copy of the report's extra data
func (r *Registry) Extra(id uint64) (types.ExtraReportData, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, err := r.get(id)
	if err != nil {
		return types.ExtraReportData{}, err
	}
	return e.extra, nil
}

// Report returns a combined view of one report
func (r *Registry) Report(id uint64) (types.Report, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, err := r.get(id)
	if err != nil {
		return types.Report{}, err
	}
	return types.Report{
		ID:     id,
		Stage:  e.status.Stage(),
		Meta:   e.meta.Clone(),
		Status: e.status.Clone(),
		Extra:  e.extra,
	}, nil
}

// History returns copies of all recorded rounds for a report
func (r *Registry) History(id uint64) ([]types.DisputeRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, err := r.get(id)
	if err != nil {
		return nil, err
	}
	out := make([]types.DisputeRecord, len(e.history))
	for i, rec := range e.history {
		out[i] = rec.Clone()
	}
	return out, nil
}

// HistoryRound returns a single recorded round
func (r *Registry) HistoryRound(id, round uint64) (types.DisputeRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, err := r.get(id)
	if err != nil {
		return types.DisputeRecord{}, err
	}
	if round >= uint64(len(e.history)) {
		return types.DisputeRecord{}, fmt.Errorf("%w: report %d round %d", ErrNotFound, id, round)
	}
	return e.history[round].Clone(), nil
}

// Checkpoint captures the mutable part of a report so a failed transition can
// put it back.
type Checkpoint struct {
	id         uint64
	status     types.ReportStatus
	numReports uint64
	historyLen int
}

// Checkpoint records the current mutable state of a report
func (r *Registry) Checkpoint(id uint64) (Checkpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, err := r.get(id)
	if err != nil {
		return Checkpoint{}, err
	}
	return Checkpoint{
		id:         id,
		status:     e.status.Clone(),
		numReports: e.extra.NumReports,
		historyLen: len(e.history),
	}, nil
}

// Rollback restores a report to a checkpoint taken earlier in the same transition
func (r *Registry) Rollback(cp Checkpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.get(cp.id)
	if err != nil {
		return
	}
	e.status = cp.status
	e.extra.NumReports = cp.numReports
	e.history = e.history[:cp.historyLen]
}

// Commit writes a new status, bumps the report counter when a round is given
// and appends the round to the history when tracking is enabled.
func (r *Registry) Commit(id uint64, status types.ReportStatus, round *types.DisputeRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.get(id)
	if err != nil {
		return err
	}
	e.status = status.Clone()
	if round != nil {
		if e.extra.TrackDisputes {
			rec := round.Clone()
			rec.Round = uint64(len(e.history))
			e.history = append(e.history, rec)
		}
		e.extra.NumReports++
	}
	return nil
}

// Record is the serialized form of one report used by snapshots
type Record struct {
	Meta    types.ReportMeta      `json:"meta"`
	Status  types.ReportStatus    `json:"status"`
	Extra   types.ExtraReportData `json:"extra"`
	History []types.DisputeRecord `json:"history,omitempty"`
}

// Snapshot returns a deep copy of every report in id order
func (r *Registry) Snapshot() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, len(r.entries))
	for i, e := range r.entries {
		hist := make([]types.DisputeRecord, len(e.history))
		for j, rec := range e.history {
			hist[j] = rec.Clone()
		}
		out[i] = Record{
			Meta:    e.meta.Clone(),
			Status:  e.status.Clone(),
			Extra:   e.extra,
			History: hist,
		}
	}
	return out
}

// Restore replaces the registry contents with a snapshot
func (r *Registry) Restore(records []Record) {
	entries := make([]*entry, len(records))
	for i, rec := range records {
		hist := make([]types.DisputeRecord, len(rec.History))
		for j, h := range rec.History {
			hist[j] = h.Clone()
		}
		entries[i] = &entry{
			meta:    rec.Meta.Clone(),
			status:  rec.Status.Clone(),
			extra:   rec.Extra,
			history: hist,
		}
	}

	r.mu.Lock()
	r.entries = entries
	r.mu.Unlock()
}
