package client

import (
	"context"
	"encoding/json"
	"time"

	"github.com/opsite-ai/be-pm-approvals/internal/logger"
	"github.com/opsite-ai/be-pm-approvals/internal/metrics"
	"github.com/opsite-ai/be-pm-approvals/internal/repository"
	"github.com/opsite-ai/be-pm-approvals/internal/service"
)

const publishTimeout = 5 * time.Second

// NotificationPublisher delivers approval events over NATS JetStream. Delivery
// is best-effort: publishing failures are logged and counted, never returned,
// so a broker outage cannot stall workflow state transitions.
type NotificationPublisher struct {
	nats *NATSClient
	log  *logger.Logger
}

// NewNotificationPublisher creates a publisher. A nil NATS client yields a
// publisher that logs and drops every event.
func NewNotificationPublisher(nats *NATSClient, log *logger.Logger) *NotificationPublisher {
	return &NotificationPublisher{nats: nats, log: log}
}

// notificationEvent is the wire shape consumed by the notification service.
type notificationEvent struct {
	EventType  string                `json:"event_type"`
	TenantID   string                `json:"tenant_id"`
	Recipient  string                `json:"recipient"`
	EntityType repository.EntityKind `json:"entity_type"`
	EntityID   string                `json:"entity_id"`
	WorkflowID string                `json:"workflow_id"`
	Stage      int                   `json:"stage,omitempty"`
	DueAt      *time.Time            `json:"due_at,omitempty"`
	Severity   string                `json:"severity"`
	Timestamp  time.Time             `json:"timestamp"`
}

// Publish implements service.Notifier.
func (p *NotificationPublisher) Publish(ctx context.Context, n service.Notification) {
	if p.nats == nil {
		p.log.Debug().Str("event", string(n.Event)).Msg("No NATS client; notification dropped")
		return
	}

	severity := "info"
	if n.Event == service.EventWorkflowEscalated {
		severity = "warning"
	}

	payload, err := json.Marshal(notificationEvent{
		EventType:  string(n.Event),
		TenantID:   n.TenantID,
		Recipient:  n.Recipient,
		EntityType: n.Entity.Kind,
		EntityID:   n.Entity.ID,
		WorkflowID: n.WorkflowID,
		Stage:      n.Stage,
		DueAt:      n.DueAt,
		Severity:   severity,
		Timestamp:  time.Now().UTC(),
	})
	if err != nil {
		p.log.Warn().Err(err).Str("event", string(n.Event)).Msg("Failed to marshal notification (non-fatal)")
		metrics.NotificationFailures.Inc()
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	subject := "notifications.pm." + string(n.Event)
	if err := p.nats.Publish(pubCtx, subject, payload); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("workflow_id", n.WorkflowID).
			Msg("Failed to publish notification (non-fatal)")
		metrics.NotificationFailures.Inc()
	}
}
