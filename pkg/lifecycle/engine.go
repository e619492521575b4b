// Package lifecycle implements phase state transitions for regulatory test
// cycles: Start, predicate-gated Complete, administrative Override, and
// validated metadata updates. The engine owns no state of its own; every
// operation is a read-decide-write round trip against the phase store.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oversight-labs/phasegate/pkg/audit"
	"github.com/oversight-labs/phasegate/pkg/authz"
	"github.com/oversight-labs/phasegate/pkg/errdefs"
	"github.com/oversight-labs/phasegate/pkg/metadata"
	"github.com/oversight-labs/phasegate/pkg/phase"
	"github.com/oversight-labs/phasegate/pkg/store"
)

// allowedTransitions is the closed transition table. Not Started may only
// begin; In Progress may finish or be rejected; terminal statuses are final
// outside Override.
var allowedTransitions = map[phase.Status][]phase.Status{
	phase.StatusNotStarted: {phase.StatusInProgress},
	phase.StatusInProgress: {phase.StatusCompleted, phase.StatusRejected},
	phase.StatusCompleted:  {},
	phase.StatusRejected:   {},
}

func canTransition(from, to phase.Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// saveAttempts bounds the read-decide-write retry when a concurrent writer
// bumps the record version between read and save.
const saveAttempts = 2

// Engine drives phase transitions against a PhaseStore.
type Engine struct {
	store     store.PhaseStore
	perms     authz.Source
	auditor   audit.Logger
	guards    *GuardSet
	validator *metadata.Validator
	logger    *slog.Logger
	clock     func() time.Time
}

// NewEngine creates an Engine over the given store. Collaborators default to
// no-ops; Override fails closed until a permission source is attached.
func NewEngine(st store.PhaseStore) *Engine {
	return &Engine{
		store:   st,
		auditor: audit.Nop,
		logger:  slog.Default(),
		clock:   time.Now,
	}
}

// WithAuthorizer attaches the permission source consulted by Override.
func (e *Engine) WithAuthorizer(src authz.Source) *Engine {
	e.perms = src
	return e
}

// WithAudit attaches the audit logger.
func (e *Engine) WithAudit(logger audit.Logger) *Engine {
	e.auditor = logger
	return e
}

// WithGuards attaches CEL guard rules evaluated on Complete.
func (e *Engine) WithGuards(guards *GuardSet) *Engine {
	e.guards = guards
	return e
}

// WithMetadataValidator attaches schema validation for metadata writes and
// completion checks.
func (e *Engine) WithMetadataValidator(v *metadata.Validator) *Engine {
	e.validator = v
	return e
}

// WithLogger overrides the structured logger.
func (e *Engine) WithLogger(logger *slog.Logger) *Engine {
	e.logger = logger
	return e
}

// WithClock overrides the time source.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Scoped returns a copy of the engine bound to st. Used inside transactional
// scopes where st is the transaction-bound store.
func (e *Engine) Scoped(st store.PhaseStore) *Engine {
	scoped := *e
	scoped.store = st
	return &scoped
}

// Start moves a phase from Not Started (or absent) to In Progress.
func (e *Engine) Start(ctx context.Context, key store.Key, actor string) (*store.PhaseRecord, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if actor == "" {
		return nil, fmt.Errorf("an actor id is required to start a phase: %w", errdefs.ErrValidationFailure)
	}

	var rec *store.PhaseRecord
	for attempt := 1; ; attempt++ {
		current, version, err := e.read(ctx, key)
		if err != nil {
			return nil, err
		}
		oldStatus := currentStatus(current)
		if !canTransition(oldStatus, phase.StatusInProgress) {
			return nil, fmt.Errorf("cannot start phase %q: current status is %q: %w",
				key.Phase, oldStatus, errdefs.ErrInvalidTransition)
		}

		now := e.clock().UTC()
		status := phase.StatusInProgress
		rec, err = e.store.Save(ctx, key, store.Patch{
			Status:          &status,
			StartedAt:       &now,
			StartedBy:       &actor,
			ExpectedVersion: &version,
		})
		if err == nil {
			break
		}
		if errors.Is(err, store.ErrVersionConflict) && attempt < saveAttempts {
			continue
		}
		return nil, err
	}

	e.record(ctx, audit.Entry{
		Actor:        actor,
		Action:       audit.ActionPhaseStarted,
		ResourceType: audit.ResourcePhase,
		ResourceID:   key.String(),
		Details: map[string]any{
			"old_status": phase.StatusNotStarted.String(),
			"new_status": phase.StatusInProgress.String(),
		},
	})
	return rec, nil
}

// CompleteRequest carries the Complete inputs. Override bypasses completion
// predicates and guard rules; Reason is recorded alongside the override
// stamps (non-emptiness is an API-boundary concern, not enforced here).
type CompleteRequest struct {
	Actor    string
	Override bool
	Reason   string
}

// Complete moves a phase from In Progress to Completed. Without Override the
// phase's completion predicates and any guard rules must all pass; failures
// return a ValidationError enumerating the unmet requirements.
func (e *Engine) Complete(ctx context.Context, key store.Key, req CompleteRequest) (*store.PhaseRecord, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if req.Actor == "" {
		return nil, fmt.Errorf("an actor id is required to complete a phase: %w", errdefs.ErrValidationFailure)
	}

	var (
		rec      *store.PhaseRecord
		bypassed []string
	)
	for attempt := 1; ; attempt++ {
		current, version, err := e.read(ctx, key)
		if err != nil {
			return nil, err
		}
		oldStatus := currentStatus(current)
		if !canTransition(oldStatus, phase.StatusCompleted) {
			return nil, fmt.Errorf("cannot complete phase %q: phase is not in progress (status %q): %w",
				key.Phase, oldStatus, errdefs.ErrInvalidTransition)
		}

		unmet, err := e.unmetRequirements(key.Phase, current.Metadata)
		if err != nil {
			return nil, err
		}
		if len(unmet) > 0 {
			if !req.Override {
				return nil, &errdefs.ValidationError{
					Phase:        key.Phase.String(),
					Requirements: unmet,
				}
			}
			bypassed = unmet
		}

		now := e.clock().UTC()
		status := phase.StatusCompleted
		patch := store.Patch{
			Status:          &status,
			CompletedAt:     &now,
			CompletedBy:     &req.Actor,
			ExpectedVersion: &version,
		}
		if req.Override {
			patch.OverrideBy = &req.Actor
			patch.OverrideAt = &now
			patch.OverrideReason = &req.Reason
		}
		rec, err = e.store.Save(ctx, key, patch)
		if err == nil {
			break
		}
		if errors.Is(err, store.ErrVersionConflict) && attempt < saveAttempts {
			continue
		}
		return nil, err
	}

	details := map[string]any{
		"old_status": phase.StatusInProgress.String(),
		"new_status": phase.StatusCompleted.String(),
	}
	if req.Override {
		details["override"] = true
		details["override_reason"] = req.Reason
		if len(bypassed) > 0 {
			details["bypassed_requirements"] = bypassed
		}
	}
	e.record(ctx, audit.Entry{
		Actor:        req.Actor,
		Action:       audit.ActionPhaseCompleted,
		ResourceType: audit.ResourcePhase,
		ResourceID:   key.String(),
		Details:      details,
	})
	return rec, nil
}

// OverrideRequest forces a phase to Status regardless of transition rules.
// Reason is mandatory as a field; length validation is an API-boundary
// concern.
type OverrideRequest struct {
	Actor  string
	Status phase.Status
	Reason string
}

// Override force-sets a phase status, bypassing transition, dependency and
// predicate checks. It requires the workflow.override permission and fails
// closed when no permission source is attached.
func (e *Engine) Override(ctx context.Context, key store.Key, req OverrideRequest) (*store.PhaseRecord, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if req.Actor == "" {
		return nil, fmt.Errorf("an actor id is required to override a phase: %w", errdefs.ErrValidationFailure)
	}
	if !req.Status.Valid() {
		return nil, fmt.Errorf("unknown status %q: %w", req.Status, errdefs.ErrValidationFailure)
	}
	if err := e.requireOverridePermission(ctx, req.Actor); err != nil {
		return nil, err
	}

	var (
		rec       *store.PhaseRecord
		oldStatus phase.Status
	)
	for attempt := 1; ; attempt++ {
		current, version, err := e.read(ctx, key)
		if err != nil {
			return nil, err
		}
		oldStatus = currentStatus(current)

		now := e.clock().UTC()
		patch := store.Patch{
			Status:          &req.Status,
			OverrideBy:      &req.Actor,
			OverrideAt:      &now,
			OverrideReason:  &req.Reason,
			ExpectedVersion: &version,
		}
		// Forcing a status implies the timestamps that lead to it.
		switch req.Status {
		case phase.StatusInProgress:
			if current == nil || current.StartedAt == nil {
				patch.StartedAt = &now
				patch.StartedBy = &req.Actor
			}
		case phase.StatusCompleted, phase.StatusRejected:
			if current == nil || current.StartedAt == nil {
				patch.StartedAt = &now
				patch.StartedBy = &req.Actor
			}
			if current == nil || current.CompletedAt == nil {
				patch.CompletedAt = &now
				patch.CompletedBy = &req.Actor
			}
		}
		rec, err = e.store.Save(ctx, key, patch)
		if err == nil {
			break
		}
		if errors.Is(err, store.ErrVersionConflict) && attempt < saveAttempts {
			continue
		}
		return nil, err
	}

	e.record(ctx, audit.Entry{
		Actor:        req.Actor,
		Action:       audit.ActionPhaseOverridden,
		ResourceType: audit.ResourcePhase,
		ResourceID:   key.String(),
		Details: map[string]any{
			"old_status":      oldStatus.String(),
			"new_status":      req.Status.String(),
			"override_reason": req.Reason,
		},
	})
	return rec, nil
}

// UpdateMetadata replaces a phase's metadata wholesale after schema
// validation, creating the record when absent. The caller supplies the full
// map (read-modify-write), and the save is version-checked.
func (e *Engine) UpdateMetadata(ctx context.Context, key store.Key, actor string, md map[string]any) (*store.PhaseRecord, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if actor == "" {
		return nil, fmt.Errorf("an actor id is required to update metadata: %w", errdefs.ErrValidationFailure)
	}
	if e.validator != nil {
		if err := e.validator.Validate(key.Phase, md); err != nil {
			return nil, err
		}
	}

	var (
		rec *store.PhaseRecord
		old map[string]any
	)
	for attempt := 1; ; attempt++ {
		current, version, err := e.read(ctx, key)
		if err != nil {
			return nil, err
		}
		if current != nil {
			old = current.Metadata
		}

		rec, err = e.store.Save(ctx, key, store.Patch{
			Metadata:        md,
			ExpectedVersion: &version,
		})
		if err == nil {
			break
		}
		if errors.Is(err, store.ErrVersionConflict) && attempt < saveAttempts {
			continue
		}
		return nil, err
	}

	details := map[string]any{}
	if diff := audit.DetailsDiff(old, md); diff != "" {
		details["metadata_diff"] = diff
	}
	e.record(ctx, audit.Entry{
		Actor:        actor,
		Action:       audit.ActionMetadataUpdated,
		ResourceType: audit.ResourcePhase,
		ResourceID:   key.String(),
		Details:      details,
	})
	return rec, nil
}

// read fetches the record for key, mapping absence to (nil, 0, nil): an
// absent record is Not Started, and 0 is the expect-absent version.
func (e *Engine) read(ctx context.Context, key store.Key) (*store.PhaseRecord, int64, error) {
	rec, err := e.store.Get(ctx, key)
	switch {
	case errdefs.IsNotFound(err):
		return nil, 0, nil
	case err != nil:
		return nil, 0, err
	default:
		return rec, rec.Version, nil
	}
}

func currentStatus(rec *store.PhaseRecord) phase.Status {
	if rec == nil {
		return phase.StatusNotStarted
	}
	return rec.Status
}

// unmetRequirements evaluates the phase's completion predicates plus any
// guard rules, returning the combined human-readable requirement strings.
func (e *Engine) unmetRequirements(name phase.Name, md map[string]any) ([]string, error) {
	if e.validator != nil {
		if err := e.validator.Validate(name, md); err != nil {
			return nil, err
		}
	}
	unmet, err := completionRequirements(name, md)
	if err != nil {
		return nil, err
	}
	if e.guards != nil {
		guardUnmet := e.guards.Evaluate(name, md)
		unmet = append(unmet, guardUnmet...)
	}
	return unmet, nil
}

func (e *Engine) requireOverridePermission(ctx context.Context, actor string) error {
	if e.perms == nil {
		return fmt.Errorf("no permission source configured: %w", errdefs.ErrPermissionDenied)
	}
	set, err := e.perms.Permissions(ctx, actor)
	if err != nil {
		return fmt.Errorf("resolve permissions for %q: %w", actor, err)
	}
	if !set.Has(authz.PermOverride) {
		return fmt.Errorf("user %q lacks %q: %w", actor, authz.PermOverride, errdefs.ErrPermissionDenied)
	}
	return nil
}

// record appends an audit entry. Audit failures are logged and swallowed;
// they never unwind a transition that already committed.
func (e *Engine) record(ctx context.Context, entry audit.Entry) {
	if err := e.auditor.Record(ctx, entry); err != nil {
		e.logger.ErrorContext(ctx, "lifecycle: audit append failed",
			"action", entry.Action,
			"resource_id", entry.ResourceID,
			"error", err,
		)
	}
}
