// Package collaborators defines the Go contracts for the external
// systems this agent talks to but does not implement: desktop
// notifications, an optional outbound webhook, and a metrics surface
// polled by some other process. agentstatus.Publisher is the producer
// side; a production build wires these interfaces to a notification
// center bridge, an HTTP client, and an HTTP server respectively — all
// out of scope here.
package collaborators

import (
	"context"
	"time"
)

// NotificationCategory classifies a desktop notification so the
// notification collaborator can apply the user's per-category
// preference gate.
type NotificationCategory string

const (
	CategoryBackupComplete NotificationCategory = "backup-complete"
	CategoryVaultIssue     NotificationCategory = "vault-issue"
)

// Notifier sends a user-facing desktop notification.
type Notifier interface {
	Send(ctx context.Context, title, body string, category NotificationCategory) error
}

// WebhookEvent is the JSON payload POSTed to the configured webhook URL.
type WebhookEvent struct {
	Event         string    `json:"event"`
	Timestamp     time.Time `json:"timestamp"`
	BackupType    string    `json:"backup_type"`
	FilesProcessed int      `json:"files_processed"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	Hostname      string    `json:"hostname"`
	AppVersion    string    `json:"app_version"`
}

const (
	WebhookEventBackupComplete    = "backup_complete"
	WebhookEventBackupFailed      = "backup_failed"
	WebhookEventVaultIssue        = "vault_issue"
	WebhookEventIntegrityMismatch = "integrity_mismatch"
	WebhookEventIntegrityError    = "integrity_error"
	WebhookEventTest              = "test"
)

// WebhookSender delivers a WebhookEvent to the user-configured URL. A
// non-2xx response or a timeout is a delivery failure, never a core
// failure: callers log and move on.
type WebhookSender interface {
	Send(ctx context.Context, url string, event WebhookEvent) error
}

// MetricsSnapshot is the document served at the metrics collaborator's
// /metrics endpoint.
type MetricsSnapshot struct {
	Status            string    `json:"status"`
	FilesPending      int       `json:"files_pending"`
	IntegrityHealth   string    `json:"integrity_health"`
	DriveStatus       string    `json:"drive_status"`
	PhotosStatus      string    `json:"photos_status"`
	FilesVaulted      int64     `json:"files_vaulted"`
	PhotosBackedUp    int64     `json:"photos_backed_up"`
	IntegrityVerified int64     `json:"integrity_verified"`
	IntegrityErrors   int64     `json:"integrity_errors"`
	NetworkStatus     string    `json:"network_status"`
	IsPaused          bool      `json:"is_paused"`
	Hostname          string    `json:"hostname"`
	AppVersion        string    `json:"app_version"`
	Timestamp         time.Time `json:"timestamp"`
}

// MetricsSource produces the current snapshot served by the metrics
// collaborator's HTTP endpoint.
type MetricsSource interface {
	Snapshot(ctx context.Context) (MetricsSnapshot, error)
}
