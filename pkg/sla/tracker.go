package sla

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/oversight-labs/phasegate/pkg/errdefs"
	"github.com/oversight-labs/phasegate/pkg/metadata"
	"github.com/oversight-labs/phasegate/pkg/phase"
	"github.com/oversight-labs/phasegate/pkg/store"
)

// Status is the compliance classification for one phase record.
type Status string

const (
	// StatusNoSLA means no policy is configured for the phase.
	StatusNoSLA Status = "no_sla"
	// StatusNotStarted means no record exists (or it has never started).
	StatusNotStarted Status = "not_started"
	// StatusCompleted means the phase finished; Compliant says whether it
	// finished inside its budget.
	StatusCompleted Status = "completed"
	// StatusOnTrack means at least the at-risk window remains.
	StatusOnTrack Status = "on_track"
	// StatusAtRisk means less than the at-risk window remains.
	StatusAtRisk Status = "at_risk"
	// StatusBreached means the budget is spent. The only non-compliant
	// in-flight classification.
	StatusBreached Status = "breached"
)

// atRiskWindow is the fixed remaining-time threshold below which an
// in-progress phase classifies as at risk. Not configurable per phase.
const atRiskWindow = 24 * time.Hour

// Compliance is the result of one SLA check.
type Compliance struct {
	CycleID        int64      `json:"cycle_id"`
	ReportID       int64      `json:"report_id"`
	Phase          phase.Name `json:"phase_name"`
	Status         Status     `json:"status"`
	Compliant      bool       `json:"compliant"`
	SLAHours       int        `json:"sla_hours,omitempty"`
	ElapsedHours   float64    `json:"elapsed_hours,omitempty"`
	RemainingHours float64    `json:"remaining_hours,omitempty"`
	BreachHours    float64    `json:"breach_hours,omitempty"`
	CheckedAt      time.Time  `json:"checked_at"`
}

// Tracker evaluates phase records against SLA policies and records
// escalations. It never mutates phase status.
type Tracker struct {
	store    store.PhaseStore
	policies Source
	logger   *slog.Logger
	clock    func() time.Time
}

// NewTracker builds a tracker over st and policies.
func NewTracker(st store.PhaseStore, policies Source) *Tracker {
	return &Tracker{
		store:    st,
		policies: policies,
		logger:   slog.Default(),
		clock:    time.Now,
	}
}

// WithLogger overrides the structured logger.
func (t *Tracker) WithLogger(logger *slog.Logger) *Tracker {
	t.logger = logger
	return t
}

// WithClock overrides the time source.
func (t *Tracker) WithClock(clock func() time.Time) *Tracker {
	t.clock = clock
	return t
}

// CheckCompliance classifies one phase record against its policy. Breach is
// a status value, never an error.
func (t *Tracker) CheckCompliance(ctx context.Context, cycleID, reportID int64, name phase.Name) (*Compliance, error) {
	key := store.Key{CycleID: cycleID, ReportID: reportID, Phase: name}
	if err := key.Validate(); err != nil {
		return nil, err
	}
	now := t.clock().UTC()
	result := &Compliance{
		CycleID:   cycleID,
		ReportID:  reportID,
		Phase:     name,
		CheckedAt: now,
	}

	policy, ok := t.policies.PolicyFor(name)
	if !ok {
		result.Status = StatusNoSLA
		result.Compliant = true
		return result, nil
	}
	result.SLAHours = policy.Hours

	rec, err := t.store.Get(ctx, key)
	if errdefs.IsNotFound(err) {
		result.Status = StatusNotStarted
		result.Compliant = true
		return result, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sla: load %s: %w", key, err)
	}

	t.evaluate(result, rec, policy, now)
	return result, nil
}

// evaluate fills result's classification fields from rec. The record is
// assumed to belong to result's key and policy.
func (t *Tracker) evaluate(result *Compliance, rec *store.PhaseRecord, policy Policy, now time.Time) {
	if rec.StartedAt == nil {
		result.Status = StatusNotStarted
		result.Compliant = true
		return
	}
	budget := float64(policy.Hours)

	switch rec.Status {
	case phase.StatusCompleted, phase.StatusRejected:
		end := now
		if rec.CompletedAt != nil {
			end = *rec.CompletedAt
		}
		elapsed := end.Sub(*rec.StartedAt).Hours()
		result.Status = StatusCompleted
		result.ElapsedHours = elapsed
		result.BreachHours = math.Max(0, elapsed-budget)
		result.Compliant = elapsed <= budget

	case phase.StatusInProgress:
		elapsed := now.Sub(*rec.StartedAt).Hours()
		remaining := budget - elapsed
		result.ElapsedHours = elapsed
		result.RemainingHours = math.Max(0, remaining)
		switch {
		case remaining >= atRiskWindow.Hours():
			result.Status = StatusOnTrack
			result.Compliant = true
		case remaining > 0:
			result.Status = StatusAtRisk
			result.Compliant = true
		default:
			result.Status = StatusBreached
			result.BreachHours = elapsed - budget
			result.Compliant = false
		}

	default:
		result.Status = StatusNotStarted
		result.Compliant = true
	}
}

// TriggerEscalation appends an escalation entry to the record's metadata and
// mirrors the level into current_escalation_level. It is a pure recorder:
// deciding when to escalate is the caller's job (see Scanner). The write is
// a version-checked read-modify-write of the full metadata map with one
// retry on conflict.
func (t *Tracker) TriggerEscalation(ctx context.Context, cycleID, reportID int64, name phase.Name, level int) (*store.PhaseRecord, error) {
	key := store.Key{CycleID: cycleID, ReportID: reportID, Phase: name}
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if level < 1 {
		return nil, fmt.Errorf("escalation level must be at least 1, got %d: %w", level, errdefs.ErrValidationFailure)
	}

	for attempt := 1; ; attempt++ {
		rec, err := t.store.Get(ctx, key)
		if err != nil {
			return nil, err
		}

		now := t.clock().UTC()
		entry := metadata.Escalation{
			ID:          uuid.New().String(),
			Level:       level,
			TriggeredAt: now,
			BreachHours: t.breachHours(rec, now),
		}

		md := store.CloneMetadata(rec.Metadata)
		if md == nil {
			md = map[string]any{}
		}
		list, _ := md[metadata.EscalationsKey].([]any)
		md[metadata.EscalationsKey] = append(list, entry.AsMap())
		md[metadata.LevelKey] = level

		saved, err := t.store.Save(ctx, key, store.Patch{
			Metadata:        md,
			ExpectedVersion: &rec.Version,
		})
		if err == nil {
			return saved, nil
		}
		if errors.Is(err, store.ErrVersionConflict) && attempt < 2 {
			continue
		}
		return nil, fmt.Errorf("sla: record escalation for %s: %w", key, err)
	}
}

// breachHours computes how far past its budget rec currently is, 0 when no
// policy applies or the budget still holds.
func (t *Tracker) breachHours(rec *store.PhaseRecord, now time.Time) float64 {
	policy, ok := t.policies.PolicyFor(rec.Phase)
	if !ok || rec.StartedAt == nil {
		return 0
	}
	end := now
	if rec.CompletedAt != nil {
		end = *rec.CompletedAt
	}
	return math.Max(0, end.Sub(*rec.StartedAt).Hours()-float64(policy.Hours))
}

// PhaseMetrics aggregates compliance for one phase across a window.
type PhaseMetrics struct {
	Phase          phase.Name `json:"phase_name"`
	Total          int        `json:"total"`
	Compliant      int        `json:"compliant"`
	Breached       int        `json:"breached"`
	ComplianceRate float64    `json:"compliance_rate"`
}

// Metrics is the aggregate SLA report for a window.
type Metrics struct {
	From                   time.Time      `json:"from"`
	To                     time.Time      `json:"to"`
	TotalRecords           int            `json:"total_records"`
	Phases                 []PhaseMetrics `json:"phases"`
	AverageCompletionHours float64        `json:"average_completion_hours"`
}

// Metrics scans records created in [from, to], optionally restricted to one
// phase, and aggregates per-phase compliance counts plus the overall average
// completion time across completed records. Read-only.
func (t *Tracker) Metrics(ctx context.Context, from, to time.Time, only *phase.Name) (*Metrics, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("metrics window end precedes start: %w", errdefs.ErrValidationFailure)
	}
	records, err := t.store.ListCreatedBetween(ctx, from, to, only)
	if err != nil {
		return nil, fmt.Errorf("sla: list records: %w", err)
	}

	now := t.clock().UTC()
	byPhase := make(map[phase.Name]*PhaseMetrics)
	var (
		completionHours float64
		completed       int
	)
	for _, rec := range records {
		pm, ok := byPhase[rec.Phase]
		if !ok {
			pm = &PhaseMetrics{Phase: rec.Phase}
			byPhase[rec.Phase] = pm
		}
		pm.Total++

		policy, hasPolicy := t.policies.PolicyFor(rec.Phase)
		result := &Compliance{}
		if hasPolicy {
			t.evaluate(result, rec, policy, now)
		} else {
			result.Status = StatusNoSLA
			result.Compliant = true
		}
		if result.Compliant {
			pm.Compliant++
		} else {
			pm.Breached++
		}

		if rec.Status == phase.StatusCompleted && rec.StartedAt != nil && rec.CompletedAt != nil {
			completionHours += rec.CompletedAt.Sub(*rec.StartedAt).Hours()
			completed++
		}
	}

	out := &Metrics{From: from, To: to, TotalRecords: len(records)}
	for _, name := range phase.Names() {
		pm, ok := byPhase[name]
		if !ok {
			continue
		}
		if pm.Total > 0 {
			pm.ComplianceRate = float64(pm.Compliant) / float64(pm.Total)
		}
		out.Phases = append(out.Phases, *pm)
	}
	if completed > 0 {
		out.AverageCompletionHours = completionHours / float64(completed)
	}
	return out, nil
}
