package service

import (
	"context"
	"time"

	"github.com/opsite-ai/be-pm-approvals/internal/repository"
)

// NotificationEvent names one approval event the notification sink consumes.
type NotificationEvent string

const (
	EventApprovalRequired   NotificationEvent = "approval_required"
	EventStepDelegated      NotificationEvent = "step_delegated"
	EventStepAssigned       NotificationEvent = "step_assigned"
	EventChangesRequested   NotificationEvent = "changes_requested"
	EventWorkflowApproved   NotificationEvent = "workflow_approved"
	EventWorkflowRejected   NotificationEvent = "workflow_rejected"
	EventWorkflowOverridden NotificationEvent = "workflow_overridden"
	EventWorkflowCancelled  NotificationEvent = "workflow_cancelled"
	EventWorkflowEscalated  NotificationEvent = "workflow_escalated"
)

// Notification is one fire-and-forget message to the external sink.
type Notification struct {
	Event      NotificationEvent
	TenantID   string
	Recipient  string
	Entity     repository.EntityRef
	WorkflowID string
	Stage      int
	DueAt      *time.Time
}

// Notifier delivers notifications best-effort. Implementations must never
// block state transitions: Publish returns nothing and swallows all failures.
// The engine calls it strictly after the triggering transaction has committed.
type Notifier interface {
	Publish(ctx context.Context, n Notification)
}

// NopNotifier discards everything. Used when no sink is configured and by tests.
type NopNotifier struct{}

// Publish implements Notifier.
func (NopNotifier) Publish(context.Context, Notification) {}
