package notifier

import (
	"context"
	"time"
)

// Channel delivers requests for one Method (desktop popup, sound, push...).
//
// Deliver may block until the platform accepts the request; the engine waits
// for every channel of a request to settle before dispatching the next one.
// Cancel and CancelAll are best-effort and must not block for long.
type Channel interface {
	Method() Method
	Deliver(ctx context.Context, req Request) error
	Cancel(id string)
	CancelAll()
}

// Permission is a channel's platform permission state.
type Permission string

const (
	PermissionUnknown Permission = "unknown"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// PermissionChecker is implemented by channels that depend on a platform grant.
type PermissionChecker interface {
	Permission(ctx context.Context) Permission
}

// SettingsStore persists user-adjusted engine settings.
type SettingsStore interface {
	LoadSettings(ctx context.Context) (cfg Config, ok bool, err error)
	SaveSettings(ctx context.Context, cfg Config) error
}

// Archive receives terminal records for long-term storage.
type Archive interface {
	ArchiveRecord(ctx context.Context, r Record) error
}

// Event types published on the bus.
const (
	EventCreated    = "notification.created"
	EventShown      = "notification.shown"
	EventClicked    = "notification.clicked"
	EventClosed     = "notification.closed"
	EventDismissed  = "notification.dismissed"
	EventFailed     = "notification.failed"
	EventSuppressed = "notification.suppressed"
	EventDropped    = "notification.dropped"
	EventPermission = "notification.permission"
	EventConfig     = "notification.config"
)

// NotificationEvent is the Data of lifecycle events.
// Keep it small; subscribers may log or serialize it.
type NotificationEvent struct {
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	Priority Priority  `json:"priority"`
	Status   Status    `json:"status"`
	Retries  int       `json:"retries,omitempty"`
	Action   string    `json:"action,omitempty"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// PermissionEvent is the Data of EventPermission.
type PermissionEvent struct {
	Method Method     `json:"method"`
	State  Permission `json:"state"`
	At     time.Time  `json:"at"`
}
