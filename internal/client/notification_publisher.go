package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NotificationPublisher publishes approval workflow events to NATS for the
// notification service.
//
// Subject convention: notifications.approvals.<event_type>
// Event types: workflow_created, step_approved, workflow_approved,
//              workflow_rejected, step_transferred, workflow_cancelled
//
// All publish operations are non-fatal — errors are logged but never
// propagated, so notification failures never interrupt approval operations.
type NotificationPublisher struct {
	nc  *nats.Conn
	log zerolog.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType   string         `json:"event_type"`
	WorkflowID  string         `json:"workflow_id"`
	SubjectType string         `json:"subject_type"`
	SubjectID   string         `json:"subject_id"`
	ActorID     string         `json:"actor_id"`
	Category    string         `json:"category,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher backed by the given NATS
// connection. A nil connection disables publishing.
func NewNotificationPublisher(nc *nats.Conn, log zerolog.Logger) *NotificationPublisher {
	return &NotificationPublisher{nc: nc, log: log}
}

// PublishWorkflowEvent publishes one approval event.
func (p *NotificationPublisher) PublishWorkflowEvent(ctx context.Context, eventType, workflowID, subjectType, subjectID, actorID string, payload map[string]any) {
	if p.nc == nil {
		return
	}

	event := &NotificationEvent{
		EventType:   eventType,
		WorkflowID:  workflowID,
		SubjectType: subjectType,
		SubjectID:   subjectID,
		ActorID:     actorID,
		Category:    "approval",
		Payload:     payload,
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", eventType).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("notifications.approvals.%s", eventType)
	if err := p.nc.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("workflow_id", workflowID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("workflow_id", workflowID).
		Msg("notification: event published")
}
