package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectPrefix namespaces notification subjects. The full subject is
// SubjectPrefix + the notification type, e.g. "phasegate.notify.sla_breach".
const SubjectPrefix = "phasegate.notify."

// NATSNotifier publishes notifications as JSON messages so downstream
// channels (mail, chat, dashboards) can subscribe by type.
type NATSNotifier struct {
	conn  *nats.Conn
	clock func() time.Time
}

// NewNATSNotifier creates a notifier over an established connection.
func NewNATSNotifier(conn *nats.Conn) *NATSNotifier {
	return &NATSNotifier{conn: conn, clock: time.Now}
}

// WithClock overrides the time source.
func (n *NATSNotifier) WithClock(clock func() time.Time) *NATSNotifier {
	n.clock = clock
	return n
}

// Send publishes one notification. NATS publish is synchronous and does not
// take a context, so cancellation is checked up front.
func (n *NATSNotifier) Send(ctx context.Context, notification Notification) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled before publish: %w", err)
	}
	stampNotification(&notification, n.clock)

	data, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	subject := SubjectPrefix + string(notification.Type)
	if err := n.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish notification to %s: %w", subject, err)
	}
	return nil
}

// SendBulk attempts every notification and reports the combined failures.
func (n *NATSNotifier) SendBulk(ctx context.Context, notifications []Notification) error {
	var errs []error
	for _, notification := range notifications {
		if err := n.Send(ctx, notification); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
