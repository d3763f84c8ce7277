package models

import "encoding/json"

const (
	EventStatusPending   = "pending"
	EventStatusDelivered = "delivered"
	EventStatusFailed    = "failed"
)

// Domain events a webhook can subscribe to. "*" subscribes to all of them.
const (
	EventDocumentSent      = "document.sent"
	EventDocumentCompleted = "document.completed"
	EventDocumentCancelled = "document.cancelled"
	EventSignerSigned      = "signer.signed"
)

var EventTypes = []string{EventDocumentSent, EventDocumentCompleted, EventDocumentCancelled, EventSignerSigned}

// All timestamps are unix milliseconds.
type Webhook struct {
	ID        string   `json:"id"`
	UserID    string   `json:"user_id"`
	URL       string   `json:"url"`
	Events    []string `json:"events"` // JSON array in DB
	Secret    string   `json:"secret,omitempty"`
	Active    bool     `json:"active"`
	CreatedAt int64    `json:"created_at"`
	UpdatedAt int64    `json:"updated_at"`
}

func (w *Webhook) Subscribes(eventType string) bool {
	for _, e := range w.Events {
		if e == eventType || e == "*" {
			return true
		}
	}
	return false
}

// WebhookEvent is one delivery sequence of a domain event to one webhook.
// Payload is the snapshot taken when the event fired and is never rewritten.
type WebhookEvent struct {
	ID             string          `json:"id"`
	WebhookID      string          `json:"webhook_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	Status         string          `json:"status"`
	Attempts       int             `json:"attempts"`
	LastAttemptAt  *int64          `json:"last_attempt_at,omitempty"`
	NextRetryAt    *int64          `json:"next_retry_at,omitempty"`
	ResponseStatus *int            `json:"response_status,omitempty"`
	ResponseBody   *string         `json:"response_body,omitempty"`
	ResponseTimeMs *int64          `json:"response_time_ms,omitempty"`
	ErrorMessage   *string         `json:"error_message,omitempty"`
	CreatedAt      int64           `json:"created_at"`
	UpdatedAt      int64           `json:"updated_at"`
}

// EventEnvelope is the default JSON body sent to subscribers.
type EventEnvelope struct {
	ID        string      `json:"id"`
	Event     string      `json:"event"`
	CreatedAt int64       `json:"created_at"`
	Data      interface{} `json:"data"`
}
