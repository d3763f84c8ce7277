// Package jobs defines the payloads carried by queued jobs. Each kind has its own type and the
// job name stored in the queue selects it on decode.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"signet/internal/platform/queue"
)

const (
	KindWebhookDelivery  = "webhook.deliver"
	KindDeadlineReminder = "reminder.deadline"
)

var ErrUnknownKind = errors.New("unknown job kind")

// Payload is implemented only by the job kinds of this package.
type Payload interface {
	Kind() string
	isPayload()
}

type WebhookDelivery struct {
	EventID string `json:"event_id"`
}

func (WebhookDelivery) Kind() string { return KindWebhookDelivery }
func (WebhookDelivery) isPayload()   {}

// DeadlineReminder references a scheduled reminder. An empty SignerID is an owner notification.
type DeadlineReminder struct {
	DocumentID   string `json:"document_id"`
	SignerID     string `json:"signer_id,omitempty"`
	ReminderType string `json:"reminder_type"`
	ReminderID   string `json:"reminder_id"`
}

func (DeadlineReminder) Kind() string { return KindDeadlineReminder }
func (DeadlineReminder) isPayload()   {}

// QueueFor returns the queue a job kind is processed on.
func QueueFor(p Payload) string {
	switch p.(type) {
	case WebhookDelivery:
		return queue.QueueWebhookDelivery
	case DeadlineReminder:
		return queue.QueueDeadlineReminders
	default:
		panic(fmt.Sprintf("jobs: no queue for %T", p))
	}
}

// Decode parses raw into the payload type named by kind.
func Decode(kind string, raw json.RawMessage) (Payload, error) {
	switch kind {
	case KindWebhookDelivery:
		var p WebhookDelivery
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		if p.EventID == "" {
			return nil, fmt.Errorf("decode %s: missing event_id", kind)
		}
		return p, nil
	case KindDeadlineReminder:
		var p DeadlineReminder
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		if p.DocumentID == "" || p.ReminderID == "" {
			return nil, fmt.Errorf("decode %s: missing document_id or reminder_id", kind)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// Enqueuer is the part of the queue used to submit jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName, jobName string, payload interface{}, opts queue.JobOptions) (string, error)
}

// Submit enqueues p on its queue under its kind.
func Submit(ctx context.Context, e Enqueuer, p Payload, opts queue.JobOptions) (string, error) {
	return e.Enqueue(ctx, QueueFor(p), p.Kind(), p, opts)
}
