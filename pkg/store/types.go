// Package store persists the per-(cycle, report, phase) status records the
// workflow engine is built on. It is the only component that writes phase
// status; the lifecycle engine and coordinator mutate records exclusively
// through it.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oversight-labs/phasegate/pkg/phase"
)

// ErrVersionConflict is returned by Save when Patch.ExpectedVersion does not
// match the stored record's version.
var ErrVersionConflict = errors.New("phase record version conflict")

// Key identifies one phase record.
type Key struct {
	CycleID  int64
	ReportID int64
	Phase    phase.Name
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d/%s", k.CycleID, k.ReportID, k.Phase)
}

// Validate rejects keys that cannot identify a record.
func (k Key) Validate() error {
	if k.CycleID <= 0 || k.ReportID <= 0 {
		return fmt.Errorf("invalid key %s: cycle and report ids must be positive", k)
	}
	if !k.Phase.Valid() {
		return fmt.Errorf("invalid key %s: unknown phase %q", k, k.Phase)
	}
	return nil
}

// PhaseRecord is the single persisted record for a phase within one report's
// test cycle. Absence of a record means the phase has not started. Records
// are never hard-deleted.
type PhaseRecord struct {
	CycleID        int64          `json:"cycle_id"`
	ReportID       int64          `json:"report_id"`
	Phase          phase.Name     `json:"phase_name"`
	Status         phase.Status   `json:"status"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	StartedBy      string         `json:"started_by,omitempty"`
	CompletedBy    string         `json:"completed_by,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	OverrideBy     string         `json:"override_by,omitempty"`
	OverrideAt     *time.Time     `json:"override_at,omitempty"`
	OverrideReason string         `json:"override_reason,omitempty"`
	Version        int64          `json:"version"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Key returns the record's identity.
func (r *PhaseRecord) Key() Key {
	return Key{CycleID: r.CycleID, ReportID: r.ReportID, Phase: r.Phase}
}

// Clone returns a deep copy; mutating the copy (including its metadata map)
// never affects the original.
func (r *PhaseRecord) Clone() *PhaseRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.StartedAt = cloneTime(r.StartedAt)
	out.CompletedAt = cloneTime(r.CompletedAt)
	out.OverrideAt = cloneTime(r.OverrideAt)
	out.Metadata = CloneMetadata(r.Metadata)
	return &out
}

// CycleState is the explicit current-phase record per (cycle, report),
// maintained transactionally on every coordinator transition.
type CycleState struct {
	CycleID      int64      `json:"cycle_id"`
	ReportID     int64      `json:"report_id"`
	CurrentPhase phase.Name `json:"current_phase"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Patch is the partial update applied by Save. Nil fields leave the stored
// value untouched. Metadata, when non-nil, replaces the stored map wholesale;
// callers read-modify-write the full map themselves.
type Patch struct {
	Status         *phase.Status
	StartedAt      *time.Time
	CompletedAt    *time.Time
	StartedBy      *string
	CompletedBy    *string
	Metadata       map[string]any
	OverrideBy     *string
	OverrideAt     *time.Time
	OverrideReason *string

	// ExpectedVersion makes the write conditional on the stored version when
	// non-nil: 0 expects no record to exist yet, any other value must equal
	// the stored Version. Mismatch returns ErrVersionConflict. Nil preserves
	// last-writer-wins.
	ExpectedVersion *int64
}

// PhaseStore is the persistence contract for phase records and cycle state.
// Implementations return errdefs.ErrNotFound for absent records and copies
// the caller may mutate freely.
type PhaseStore interface {
	// Get returns the record for key.
	Get(ctx context.Context, key Key) (*PhaseRecord, error)

	// Save upserts: creates the record when absent, otherwise merges patch
	// into it and bumps Version. Returns the stored record after the write.
	Save(ctx context.Context, key Key, patch Patch) (*PhaseRecord, error)

	// All returns every record for (cycleID, reportID) in canonical phase
	// order.
	All(ctx context.Context, cycleID, reportID int64) ([]*PhaseRecord, error)

	// ListInProgress returns every In Progress record across all cycles,
	// ordered by cycle, report, then phase.
	ListInProgress(ctx context.Context) ([]*PhaseRecord, error)

	// ListCreatedBetween returns records created in [from, to], optionally
	// restricted to one phase.
	ListCreatedBetween(ctx context.Context, from, to time.Time, only *phase.Name) ([]*PhaseRecord, error)

	// CycleState returns the explicit current-phase record for a report's
	// cycle.
	CycleState(ctx context.Context, cycleID, reportID int64) (*CycleState, error)

	// SetCurrentPhase upserts the cycle's current-phase record.
	SetCurrentPhase(ctx context.Context, cycleID, reportID int64, current phase.Name, at time.Time) error

	// WithinTx runs fn in a transactional scope: every store call made
	// through fn's argument commits or rolls back as one unit.
	WithinTx(ctx context.Context, fn func(PhaseStore) error) error
}

// CloneMetadata deep-copies a metadata map, descending into nested maps and
// slices. Scalar values are shared (they are immutable to the engine).
func CloneMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneMetadata(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// newRecord materializes a record from a creation patch.
func newRecord(key Key, p Patch, now time.Time) *PhaseRecord {
	rec := &PhaseRecord{
		CycleID:   key.CycleID,
		ReportID:  key.ReportID,
		Phase:     key.Phase,
		Status:    phase.StatusNotStarted,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	applyPatch(rec, p)
	return rec
}

// applyPatch merges non-nil patch fields into rec. Version bookkeeping is the
// caller's concern.
func applyPatch(rec *PhaseRecord, p Patch) {
	if p.Status != nil {
		rec.Status = *p.Status
	}
	if p.StartedAt != nil {
		rec.StartedAt = cloneTime(p.StartedAt)
	}
	if p.CompletedAt != nil {
		rec.CompletedAt = cloneTime(p.CompletedAt)
	}
	if p.StartedBy != nil {
		rec.StartedBy = *p.StartedBy
	}
	if p.CompletedBy != nil {
		rec.CompletedBy = *p.CompletedBy
	}
	if p.Metadata != nil {
		rec.Metadata = CloneMetadata(p.Metadata)
	}
	if p.OverrideBy != nil {
		rec.OverrideBy = *p.OverrideBy
	}
	if p.OverrideAt != nil {
		rec.OverrideAt = cloneTime(p.OverrideAt)
	}
	if p.OverrideReason != nil {
		rec.OverrideReason = *p.OverrideReason
	}
}

// versionMatches applies the ExpectedVersion contract against the stored
// version (0 when the record does not exist yet).
func versionMatches(expected *int64, stored int64) bool {
	return expected == nil || *expected == stored
}
