package sla

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/oversight-labs/phasegate/pkg/audit"
	"github.com/oversight-labs/phasegate/pkg/metadata"
	"github.com/oversight-labs/phasegate/pkg/notify"
	"github.com/oversight-labs/phasegate/pkg/store"
)

// Escalation ladder: level 1 on breach, level 2 at 24 hours over budget,
// level 3 at 72 hours over. A level is recorded once, when it first exceeds
// the record's current_escalation_level.
const (
	levelTwoAfterHours   = 24
	levelThreeAfterHours = 72
)

// defaultScanInterval spaces sweeps far enough apart that the escalation
// ladder's 24 hour rungs stay meaningful.
const defaultScanInterval = 15 * time.Minute

// Scanner periodically sweeps in-progress records and records escalations
// for breached SLAs. Escalation is advisory: the scanner never touches phase
// status, and notification or audit failures never abort a sweep.
type Scanner struct {
	tracker  *Tracker
	store    store.PhaseStore
	notifier notify.Notifier
	auditor  audit.Logger
	logger   *slog.Logger
	interval time.Duration
}

// NewScanner builds a scanner over the tracker's store and policies.
func NewScanner(tracker *Tracker) *Scanner {
	return &Scanner{
		tracker:  tracker,
		store:    tracker.store,
		notifier: notify.Nop,
		auditor:  audit.Nop,
		logger:   slog.Default(),
		interval: defaultScanInterval,
	}
}

// WithNotifier sets the escalation notification sink.
func (s *Scanner) WithNotifier(n notify.Notifier) *Scanner {
	s.notifier = n
	return s
}

// WithAudit sets the audit sink for escalation entries.
func (s *Scanner) WithAudit(logger audit.Logger) *Scanner {
	s.auditor = logger
	return s
}

// WithLogger overrides the structured logger.
func (s *Scanner) WithLogger(logger *slog.Logger) *Scanner {
	s.logger = logger
	return s
}

// WithInterval overrides the sweep interval.
func (s *Scanner) WithInterval(d time.Duration) *Scanner {
	if d > 0 {
		s.interval = d
	}
	return s
}

// Run sweeps immediately, then on every tick until ctx is done.
func (s *Scanner) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.InfoContext(ctx, "sla: scanner started", "interval", s.interval)

	for {
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.ErrorContext(ctx, "sla: sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep runs one pass over all in-progress records and returns how many
// escalations it recorded.
func (s *Scanner) Sweep(ctx context.Context) (int, error) {
	records, err := s.store.ListInProgress(ctx)
	if err != nil {
		return 0, fmt.Errorf("sla: list in-progress records: %w", err)
	}

	now := s.tracker.clock().UTC()
	escalated := 0
	for _, rec := range records {
		policy, ok := s.tracker.policies.PolicyFor(rec.Phase)
		if !ok {
			continue
		}
		result := &Compliance{
			CycleID:   rec.CycleID,
			ReportID:  rec.ReportID,
			Phase:     rec.Phase,
			SLAHours:  policy.Hours,
			CheckedAt: now,
		}
		s.tracker.evaluate(result, rec, policy, now)

		level := escalationLevel(result)
		if level == 0 || level <= metadata.CurrentEscalationLevel(rec.Metadata) {
			continue
		}

		if _, err := s.tracker.TriggerEscalation(ctx, rec.CycleID, rec.ReportID, rec.Phase, level); err != nil {
			s.logger.ErrorContext(ctx, "sla: escalation record failed",
				"key", rec.Key().String(),
				"level", level,
				"error", err,
			)
			continue
		}
		escalated++
		s.logger.WarnContext(ctx, "sla: escalation recorded",
			"key", rec.Key().String(),
			"level", level,
			"breach_hours", result.BreachHours,
		)
		s.notifyEscalation(ctx, rec, result, level)
		s.recordAudit(ctx, rec, result, level)
	}
	return escalated, nil
}

// escalationLevel maps a compliance result onto the ladder, 0 when the
// record has not breached.
func escalationLevel(c *Compliance) int {
	if c.Status != StatusBreached {
		return 0
	}
	switch {
	case c.BreachHours >= levelThreeAfterHours:
		return 3
	case c.BreachHours >= levelTwoAfterHours:
		return 2
	default:
		return 1
	}
}

func (s *Scanner) notifyEscalation(ctx context.Context, rec *store.PhaseRecord, result *Compliance, level int) {
	kind := notify.TypeSLABreach
	priority := notify.PriorityHigh
	if level > 1 {
		kind = notify.TypeEscalation
		priority = notify.PriorityUrgent
	}
	n := notify.Notification{
		UserID:   rec.StartedBy,
		Title:    fmt.Sprintf("SLA escalation level %d: %s", level, rec.Phase),
		Message:  fmt.Sprintf("Phase %s for report %d in cycle %d is %.1f hours past its %d hour SLA.", rec.Phase, rec.ReportID, rec.CycleID, result.BreachHours, result.SLAHours),
		Type:     kind,
		Priority: priority,
	}
	if err := s.notifier.Send(ctx, n); err != nil {
		s.logger.WarnContext(ctx, "sla: escalation notification failed",
			"key", rec.Key().String(),
			"error", err,
		)
	}
}

func (s *Scanner) recordAudit(ctx context.Context, rec *store.PhaseRecord, result *Compliance, level int) {
	entry := audit.Entry{
		Actor:        "sla-scanner",
		Action:       audit.ActionEscalationTriggered,
		ResourceType: audit.ResourcePhase,
		ResourceID:   rec.Key().String(),
		Details: map[string]any{
			"level":        level,
			"breach_hours": result.BreachHours,
			"sla_hours":    result.SLAHours,
		},
	}
	if err := s.auditor.Record(ctx, entry); err != nil {
		s.logger.ErrorContext(ctx, "sla: audit append failed",
			"key", rec.Key().String(),
			"error", err,
		)
	}
}
