// Package notify delivers workflow notifications to data owners and test
// programme administrators. Delivery is advisory: the BestEffort wrapper
// guarantees a failed send never blocks a phase transition.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Notification types emitted by the workflow engine.
type Type string

const (
	TypePhaseAdvanced Type = "phase_advanced"
	TypeSLAWarning    Type = "sla_warning"
	TypeSLABreach     Type = "sla_breach"
	TypeEscalation    Type = "escalation"
)

// Priority orders notifications for downstream channels.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Notification is a single message addressed to one user.
type Notification struct {
	ID       string    `json:"id"`
	UserID   string    `json:"user_id"`
	Title    string    `json:"title"`
	Message  string    `json:"message"`
	Type     Type      `json:"type"`
	Priority Priority  `json:"priority"`
	SentAt   time.Time `json:"sent_at"`
}

// Notifier delivers notifications.
type Notifier interface {
	Send(ctx context.Context, notification Notification) error
	SendBulk(ctx context.Context, notifications []Notification) error
}

// Nop drops every notification.
var Nop Notifier = nopNotifier{}

type nopNotifier struct{}

func (nopNotifier) Send(context.Context, Notification) error       { return nil }
func (nopNotifier) SendBulk(context.Context, []Notification) error { return nil }

// LogNotifier writes notifications to a structured logger. It is the default
// sink when no message broker is configured.
type LogNotifier struct {
	logger *slog.Logger
	clock  func() time.Time
}

// NewLogNotifier creates a LogNotifier. A nil logger defaults to slog.Default().
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger, clock: time.Now}
}

// WithClock overrides the time source.
func (l *LogNotifier) WithClock(clock func() time.Time) *LogNotifier {
	l.clock = clock
	return l
}

func (l *LogNotifier) Send(ctx context.Context, notification Notification) error {
	stampNotification(&notification, l.clock)
	l.logger.InfoContext(ctx, "notify: notification sent",
		"id", notification.ID,
		"user_id", notification.UserID,
		"type", string(notification.Type),
		"priority", string(notification.Priority),
		"title", notification.Title,
		"message", notification.Message,
	)
	return nil
}

func (l *LogNotifier) SendBulk(ctx context.Context, notifications []Notification) error {
	for _, n := range notifications {
		if err := l.Send(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

// BestEffort wraps a Notifier so delivery failures are logged and swallowed.
// Phase transitions never wait on, or fail because of, notification sinks.
type BestEffort struct {
	next   Notifier
	logger *slog.Logger
}

// NewBestEffort wraps next. A nil logger defaults to slog.Default().
func NewBestEffort(next Notifier, logger *slog.Logger) *BestEffort {
	if logger == nil {
		logger = slog.Default()
	}
	return &BestEffort{next: next, logger: logger}
}

func (b *BestEffort) Send(ctx context.Context, notification Notification) error {
	if err := b.next.Send(ctx, notification); err != nil {
		b.logger.WarnContext(ctx, "notify: delivery failed",
			"user_id", notification.UserID,
			"type", string(notification.Type),
			"error", err,
		)
	}
	return nil
}

func (b *BestEffort) SendBulk(ctx context.Context, notifications []Notification) error {
	if err := b.next.SendBulk(ctx, notifications); err != nil {
		b.logger.WarnContext(ctx, "notify: bulk delivery failed",
			"count", len(notifications),
			"error", err,
		)
	}
	return nil
}

func stampNotification(n *Notification, clock func() time.Time) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.SentAt.IsZero() {
		n.SentAt = clock().UTC()
	}
	if n.Priority == "" {
		n.Priority = PriorityNormal
	}
}
