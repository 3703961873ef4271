package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Trigger event types. Each is published on <prefix>.<event_type>.
const (
	TriggerFormSubmitted    = "form_submitted"
	TriggerApprovalRequired = "approval_required"
	TriggerApproved         = "approved"
	TriggerRejected         = "rejected"
	TriggerReturned         = "returned"
)

// TriggerPublisher publishes approval workflow events to NATS JetStream for
// the notification service and any other trigger subscribers.
//
// Publishing happens after commit, from the outbox worker. Errors are
// returned so the worker can retry; they never reach the user who acted.
type TriggerPublisher struct {
	pub    Publisher
	prefix string
	log    zerolog.Logger
}

// TriggerEvent is the JSON schema published to NATS.
type TriggerEvent struct {
	ID             string    `json:"id"`
	EventType      string    `json:"event_type"`
	SubmissionID   int64     `json:"submission_id"`
	DocumentNumber string    `json:"document_number,omitempty"`
	DocumentTypeID int64     `json:"document_type_id,omitempty"`
	StageID        int64     `json:"stage_id,omitempty"`
	StageName      string    `json:"stage_name,omitempty"`
	Status         string    `json:"status,omitempty"`
	ActorID        string    `json:"actor_id,omitempty"`
	OnBehalfOf     string    `json:"on_behalf_of,omitempty"`
	Comment        string    `json:"comment,omitempty"`
	Recipients     []string  `json:"recipients,omitempty"`
	IsActionable   bool      `json:"is_actionable,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// NewTriggerPublisher creates a publisher writing under subjectPrefix,
// e.g. "notifications.approvals".
func NewTriggerPublisher(pub Publisher, subjectPrefix string, log zerolog.Logger) *TriggerPublisher {
	return &TriggerPublisher{pub: pub, prefix: subjectPrefix, log: log}
}

// Subject returns the subject an event type is published on.
func (p *TriggerPublisher) Subject(eventType string) string {
	return fmt.Sprintf("%s.%s", p.prefix, eventType)
}

// Publish sends one event. The event id doubles as the JetStream message id,
// so a retried job does not produce a duplicate message.
func (p *TriggerPublisher) Publish(ctx context.Context, event *TriggerEvent) error {
	if p.pub == nil {
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event.EventType, err)
	}

	subject := p.Subject(event.EventType)
	if err := p.pub.Publish(ctx, subject, data, event.ID); err != nil {
		return err
	}

	p.log.Debug().
		Str("subject", subject).
		Int64("submission_id", event.SubmissionID).
		Int("recipients", len(event.Recipients)).
		Msg("trigger: event published")
	return nil
}
