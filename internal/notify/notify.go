// Package notify delivers push notifications for session readiness.
package notify

import "context"

// Message is one notification.
type Message struct {
	// Title is the notification title.
	Title string
	// Body is the notification body.
	Body string
	// AlertKey de-duplicates notifications within the cooldown window.
	AlertKey string
}

// Notifier delivers messages to a push service.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Noop is a Notifier that discards everything. Used when no push
// credentials are configured.
type Noop struct{}

func (Noop) Notify(context.Context, Message) error { return nil }
