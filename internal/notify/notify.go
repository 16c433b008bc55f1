// Package notify fans status-edge events (working→idle, →permission) out
// to whichever notifiers are configured. The teacher's webpush.Manager
// (session-exit push) is generalized to cover both edges; a second
// backend posts the same events to Slack.
package notify

import "context"

// EventKind is a status transition worth alerting a human about.
type EventKind string

const (
	EventWorkingToIdle EventKind = "working_to_idle"
	EventPermission    EventKind = "permission"
)

// Event carries enough context for a notifier to render a useful alert
// without reaching back into the registry.
type Event struct {
	Kind        EventKind
	SessionID   string
	DisplayName string
	ProjectPath string
}

// Notifier is implemented by every alert backend; registry.tick calls
// Notify on each configured one per status edge it observes.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}
