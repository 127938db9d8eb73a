// internal/app/notify/notifier.go
package notify

import (
	"context"

	"go.uber.org/zap"
)

// Notification is one outbound push message. Delivery is best-effort and
// non-blocking: a failed notification never rolls back the operation that
// produced it.
type Notification struct {
	RecipientID string
	Title       string
	Body        string
	Data        map[string]string
}

// Notifier is the push-notification collaborator. The production
// implementation lives outside this service (FCM relay); the engine only
// depends on this interface.
type Notifier interface {
	Send(ctx context.Context, n Notification)
}

// LogNotifier records notifications in the structured log instead of
// delivering them. Default implementation when no relay is configured.
type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{log: logger}
}

func (n *LogNotifier) Send(_ context.Context, msg Notification) {
	n.log.Info("notification (log only)",
		zap.String("recipient_id", msg.RecipientID),
		zap.String("title", msg.Title),
		zap.String("body", msg.Body))
}

// NopNotifier discards notifications. Used in tests.
type NopNotifier struct{}

func (NopNotifier) Send(context.Context, Notification) {}
