package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/oversight-labs/phasegate/pkg/audit"
	"github.com/oversight-labs/phasegate/pkg/authz"
	"github.com/oversight-labs/phasegate/pkg/errdefs"
	"github.com/oversight-labs/phasegate/pkg/lifecycle"
	"github.com/oversight-labs/phasegate/pkg/notify"
	"github.com/oversight-labs/phasegate/pkg/phase"
	"github.com/oversight-labs/phasegate/pkg/sla"
	"github.com/oversight-labs/phasegate/pkg/store"
)

// TransitionRequest asks to advance a report's workflow from one phase to
// the next. OverrideDependencies bypasses both the dependency check and the
// from-phase's completion predicates; it demands the stronger permission and
// the reason is stamped onto the completed record.
type TransitionRequest struct {
	CycleID              int64      `json:"cycle_id"`
	ReportID             int64      `json:"report_id"`
	FromPhase            phase.Name `json:"from_phase"`
	ToPhase              phase.Name `json:"to_phase"`
	RequestedBy          string     `json:"requested_by"`
	OverrideDependencies bool       `json:"override_dependencies,omitempty"`
	Reason               string     `json:"reason,omitempty"`
}

func (r TransitionRequest) validate() error {
	if r.CycleID <= 0 || r.ReportID <= 0 {
		return fmt.Errorf("cycle and report ids must be positive: %w", errdefs.ErrValidationFailure)
	}
	if !r.FromPhase.Valid() {
		return fmt.Errorf("unknown from phase %q: %w", r.FromPhase, errdefs.ErrValidationFailure)
	}
	if !r.ToPhase.Valid() {
		return fmt.Errorf("unknown to phase %q: %w", r.ToPhase, errdefs.ErrValidationFailure)
	}
	if r.FromPhase == r.ToPhase {
		return fmt.Errorf("from and to phase are both %q: %w", r.FromPhase, errdefs.ErrValidationFailure)
	}
	if r.RequestedBy == "" {
		return fmt.Errorf("an actor id is required to advance a workflow: %w", errdefs.ErrValidationFailure)
	}
	return nil
}

// State is the aggregate workflow view returned by Advance and Status.
type State struct {
	CycleID             int64                `json:"cycle_id"`
	ReportID            int64                `json:"report_id"`
	CurrentPhase        phase.Name           `json:"current_phase"`
	Records             []*store.PhaseRecord `json:"records"`
	CanAdvance          bool                 `json:"can_advance"`
	NextAvailablePhases []phase.Name         `json:"next_available_phases"`
	SLA                 *sla.Compliance      `json:"sla_status,omitempty"`
}

// Coordinator drives cross-phase transitions. The complete-and-start pair
// and the current-phase pointer commit in one store transaction; a crash
// cannot leave the from phase Completed with the to phase missing.
type Coordinator struct {
	store    store.PhaseStore
	engine   *lifecycle.Engine
	resolver *Resolver
	perms    authz.Source
	tracker  *sla.Tracker
	notifier notify.Notifier
	auditor  audit.Logger
	logger   *slog.Logger
	clock    func() time.Time
}

// NewCoordinator builds a coordinator over st and engine. Advance fails
// closed until a permission source is attached.
func NewCoordinator(st store.PhaseStore, engine *lifecycle.Engine) *Coordinator {
	return &Coordinator{
		store:    st,
		engine:   engine,
		resolver: NewResolver(st),
		notifier: notify.Nop,
		auditor:  audit.Nop,
		logger:   slog.Default(),
		clock:    time.Now,
	}
}

// WithAuthorizer sets the permission source.
func (c *Coordinator) WithAuthorizer(src authz.Source) *Coordinator {
	c.perms = src
	return c
}

// WithResolver overrides the dependency resolver.
func (c *Coordinator) WithResolver(r *Resolver) *Coordinator {
	c.resolver = r
	return c
}

// WithTracker attaches the SLA tracker consulted after each advance.
func (c *Coordinator) WithTracker(t *sla.Tracker) *Coordinator {
	c.tracker = t
	return c
}

// WithNotifier sets the notification sink.
func (c *Coordinator) WithNotifier(n notify.Notifier) *Coordinator {
	c.notifier = n
	return c
}

// WithAudit sets the audit sink.
func (c *Coordinator) WithAudit(logger audit.Logger) *Coordinator {
	c.auditor = logger
	return c
}

// WithLogger overrides the structured logger.
func (c *Coordinator) WithLogger(logger *slog.Logger) *Coordinator {
	c.logger = logger
	return c
}

// WithClock overrides the time source.
func (c *Coordinator) WithClock(clock func() time.Time) *Coordinator {
	c.clock = clock
	return c
}

// Advance completes the from phase and starts the to phase as one unit.
// The SLA result on the returned state is informational; an SLA check
// failure is logged, never surfaced.
func (c *Coordinator) Advance(ctx context.Context, req TransitionRequest) (*State, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if err := c.requirePermission(ctx, req.RequestedBy, req.OverrideDependencies); err != nil {
		return nil, err
	}

	if !req.OverrideDependencies {
		ok, missing, err := c.resolver.canAdvance(ctx, req.CycleID, req.ReportID, req.ToPhase, req.FromPhase)
		if err != nil {
			return nil, err
		}
		if !ok {
			names := make([]string, len(missing))
			for i, m := range missing {
				names[i] = m.String()
			}
			return nil, &errdefs.PrerequisiteError{Target: req.ToPhase.String(), Missing: names}
		}
	}

	fromKey := store.Key{CycleID: req.CycleID, ReportID: req.ReportID, Phase: req.FromPhase}
	toKey := store.Key{CycleID: req.CycleID, ReportID: req.ReportID, Phase: req.ToPhase}

	fromRec, err := c.store.Get(ctx, fromKey)
	switch {
	case errdefs.IsNotFound(err):
		return nil, fmt.Errorf("cannot advance from %q: phase is not in progress (status %q): %w",
			req.FromPhase, phase.StatusNotStarted, errdefs.ErrInvalidTransition)
	case err != nil:
		return nil, err
	case fromRec.Status != phase.StatusInProgress:
		return nil, fmt.Errorf("cannot advance from %q: phase is not in progress (status %q): %w",
			req.FromPhase, fromRec.Status, errdefs.ErrInvalidTransition)
	}

	now := c.clock().UTC()
	err = c.store.WithinTx(ctx, func(tx store.PhaseStore) error {
		scoped := c.engine.Scoped(tx)
		if _, err := scoped.Complete(ctx, fromKey, lifecycle.CompleteRequest{
			Actor:    req.RequestedBy,
			Override: req.OverrideDependencies,
			Reason:   req.Reason,
		}); err != nil {
			return err
		}
		if _, err := scoped.Start(ctx, toKey, req.RequestedBy); err != nil {
			return err
		}
		return tx.SetCurrentPhase(ctx, req.CycleID, req.ReportID, req.ToPhase, now)
	})
	if err != nil {
		return nil, err
	}

	compliance := c.checkSLA(ctx, req)

	state, err := c.buildState(ctx, req.CycleID, req.ReportID, req.ToPhase, compliance)
	if err != nil {
		return nil, err
	}

	c.notifyAdvance(ctx, req)
	c.recordAudit(ctx, req)
	c.logger.InfoContext(ctx, "workflow: phase advanced",
		"cycle_id", req.CycleID,
		"report_id", req.ReportID,
		"from", req.FromPhase,
		"to", req.ToPhase,
		"actor", req.RequestedBy,
		"override", req.OverrideDependencies,
	)
	return state, nil
}

// Status is the pure read: current phase plus the aggregate view. The
// current phase comes from the cycle-state row; when that is absent it falls
// back to the first In Progress record in canonical order, then the most
// recently completed, then Planning.
func (c *Coordinator) Status(ctx context.Context, cycleID, reportID int64) (*State, error) {
	if cycleID <= 0 || reportID <= 0 {
		return nil, fmt.Errorf("cycle and report ids must be positive: %w", errdefs.ErrValidationFailure)
	}
	current, err := c.currentPhase(ctx, cycleID, reportID)
	if err != nil {
		return nil, err
	}
	return c.buildState(ctx, cycleID, reportID, current, nil)
}

func (c *Coordinator) currentPhase(ctx context.Context, cycleID, reportID int64) (phase.Name, error) {
	cs, err := c.store.CycleState(ctx, cycleID, reportID)
	if err == nil {
		return cs.CurrentPhase, nil
	}
	if !errdefs.IsNotFound(err) {
		return "", fmt.Errorf("workflow: load cycle state for %d/%d: %w", cycleID, reportID, err)
	}

	records, err := c.store.All(ctx, cycleID, reportID)
	if err != nil {
		return "", fmt.Errorf("workflow: load records for %d/%d: %w", cycleID, reportID, err)
	}
	for _, rec := range records {
		if rec.Status == phase.StatusInProgress {
			return rec.Phase, nil
		}
	}
	var lastDone *store.PhaseRecord
	for _, rec := range records {
		if rec.Status != phase.StatusCompleted || rec.CompletedAt == nil {
			continue
		}
		if lastDone == nil || rec.CompletedAt.After(*lastDone.CompletedAt) {
			lastDone = rec
		}
	}
	if lastDone != nil {
		return lastDone.Phase, nil
	}
	return phase.Planning, nil
}

func (c *Coordinator) buildState(ctx context.Context, cycleID, reportID int64, current phase.Name, compliance *sla.Compliance) (*State, error) {
	records, err := c.store.All(ctx, cycleID, reportID)
	if err != nil {
		return nil, fmt.Errorf("workflow: load records for %d/%d: %w", cycleID, reportID, err)
	}
	next, err := c.resolver.NextAvailable(ctx, cycleID, reportID)
	if err != nil {
		return nil, err
	}
	return &State{
		CycleID:             cycleID,
		ReportID:            reportID,
		CurrentPhase:        current,
		Records:             records,
		CanAdvance:          len(next) > 0,
		NextAvailablePhases: next,
		SLA:                 compliance,
	}, nil
}

func (c *Coordinator) requirePermission(ctx context.Context, actor string, override bool) error {
	needed := authz.PermAdvance
	if override {
		needed = authz.PermOverride
	}
	if c.perms == nil {
		return fmt.Errorf("no permission source configured: %w", errdefs.ErrPermissionDenied)
	}
	set, err := c.perms.Permissions(ctx, actor)
	if err != nil {
		return fmt.Errorf("resolve permissions for %q: %w", actor, err)
	}
	if !set.Has(needed) {
		return fmt.Errorf("user %q lacks %q: %w", actor, needed, errdefs.ErrPermissionDenied)
	}
	return nil
}

// checkSLA consults the tracker for the to phase. Informational only.
func (c *Coordinator) checkSLA(ctx context.Context, req TransitionRequest) *sla.Compliance {
	if c.tracker == nil {
		return nil
	}
	compliance, err := c.tracker.CheckCompliance(ctx, req.CycleID, req.ReportID, req.ToPhase)
	if err != nil {
		c.logger.WarnContext(ctx, "workflow: sla check failed",
			"cycle_id", req.CycleID,
			"report_id", req.ReportID,
			"phase", req.ToPhase,
			"error", err,
		)
		return nil
	}
	if compliance.Status == sla.StatusAtRisk {
		c.send(ctx, notify.Notification{
			UserID:   req.RequestedBy,
			Title:    fmt.Sprintf("SLA warning: %s", req.ToPhase),
			Message:  fmt.Sprintf("Phase %s has %.1f hours remaining on its %d hour SLA.", req.ToPhase, compliance.RemainingHours, compliance.SLAHours),
			Type:     notify.TypeSLAWarning,
			Priority: notify.PriorityNormal,
		})
	}
	return compliance
}

func (c *Coordinator) notifyAdvance(ctx context.Context, req TransitionRequest) {
	c.send(ctx, notify.Notification{
		UserID:   req.RequestedBy,
		Title:    fmt.Sprintf("Workflow advanced to %s", req.ToPhase),
		Message:  fmt.Sprintf("Report %d in cycle %d moved from %s to %s.", req.ReportID, req.CycleID, req.FromPhase, req.ToPhase),
		Type:     notify.TypePhaseAdvanced,
		Priority: notify.PriorityNormal,
	})
}

func (c *Coordinator) send(ctx context.Context, n notify.Notification) {
	if err := c.notifier.Send(ctx, n); err != nil {
		c.logger.WarnContext(ctx, "workflow: notification failed",
			"type", n.Type,
			"error", err,
		)
	}
}

func (c *Coordinator) recordAudit(ctx context.Context, req TransitionRequest) {
	details := map[string]any{
		"from_phase": req.FromPhase.String(),
		"to_phase":   req.ToPhase.String(),
	}
	if req.OverrideDependencies {
		details["override"] = true
		details["override_reason"] = req.Reason
	}
	entry := audit.Entry{
		Actor:        req.RequestedBy,
		Action:       audit.ActionWorkflowAdvanced,
		ResourceType: audit.ResourceWorkflow,
		ResourceID:   fmt.Sprintf("%d/%d", req.CycleID, req.ReportID),
		Details:      details,
	}
	if err := c.auditor.Record(ctx, entry); err != nil {
		c.logger.ErrorContext(ctx, "workflow: audit append failed",
			"action", entry.Action,
			"resource_id", entry.ResourceID,
			"error", err,
		)
	}
}
