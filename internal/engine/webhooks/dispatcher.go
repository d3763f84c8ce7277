package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"signet/internal/jobs"
	"signet/internal/platform/config"
	"signet/internal/platform/models"
	"signet/internal/platform/queue"
)

const defaultMaxAttempts = 3

// PayloadBuilder produces the JSON snapshot stored on a webhook event and sent verbatim on every
// attempt.
type PayloadBuilder func(eventID, eventType string, createdAt time.Time, data interface{}) ([]byte, error)

// EnvelopePayload wraps data in the default {id, event, created_at, data} envelope.
func EnvelopePayload(eventID, eventType string, createdAt time.Time, data interface{}) ([]byte, error) {
	return json.Marshal(models.EventEnvelope{
		ID:        eventID,
		Event:     eventType,
		CreatedAt: createdAt.Unix(),
		Data:      data,
	})
}

type WebhookLister interface {
	ListByEvent(ctx context.Context, eventType string) ([]*models.Webhook, error)
}

type Deliverer interface {
	Deliver(ctx context.Context, req DeliveryRequest) DeliveryResult
}

// DeliveryError reports a failed delivery attempt to the job queue. It is not an infrastructure
// failure: the outcome has already been recorded on the event.
type DeliveryError struct {
	EventID    string
	StatusCode *int
	Message    string
	Attempts   int
	Retryable  bool
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("webhook event %s: delivery attempt %d failed: %s", e.EventID, e.Attempts, e.Message)
}

// Dispatcher fans domain events out to subscribed webhooks and runs delivery attempts.
type Dispatcher struct {
	webhooks     WebhookLister
	store        *EventStore
	transport    Deliverer
	enqueuer     jobs.Enqueuer
	buildPayload PayloadBuilder
	maxAttempts  int
	logger       zerolog.Logger
}

func NewDispatcher(webhooks WebhookLister, store *EventStore, transport Deliverer, enqueuer jobs.Enqueuer, cfg config.WebhooksConfig) *Dispatcher {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &Dispatcher{
		webhooks:     webhooks,
		store:        store,
		transport:    transport,
		enqueuer:     enqueuer,
		buildPayload: EnvelopePayload,
		maxAttempts:  maxAttempts,
		logger:       log.With().Str("component", "webhooks").Logger(),
	}
}

func (d *Dispatcher) SetPayloadBuilder(b PayloadBuilder) {
	d.buildPayload = b
}

// Dispatch records one pending event per active webhook subscribed to eventType and enqueues a
// delivery job for each. It returns the ids of the events created.
func (d *Dispatcher) Dispatch(ctx context.Context, eventType string, data interface{}) ([]string, error) {
	webhooks, err := d.webhooks.ListByEvent(ctx, eventType)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhooks for %s: %w", eventType, err)
	}

	var ids []string
	for _, webhook := range webhooks {
		eventID := "evt_" + uuid.New().String()
		payload, err := d.buildPayload(eventID, eventType, time.Now(), data)
		if err != nil {
			return ids, fmt.Errorf("failed to build %s payload: %w", eventType, err)
		}

		event := &models.WebhookEvent{
			ID:        eventID,
			WebhookID: webhook.ID,
			EventType: eventType,
			Payload:   payload,
		}
		if err := d.store.Create(ctx, event); err != nil {
			return ids, fmt.Errorf("failed to create webhook event: %w", err)
		}

		opts := queue.DefaultJobOptions()
		opts.Attempts = d.maxAttempts
		opts.JobID = event.ID
		if _, err := jobs.Submit(ctx, d.enqueuer, jobs.WebhookDelivery{EventID: event.ID}, opts); err != nil {
			return ids, fmt.Errorf("failed to enqueue delivery of %s: %w", event.ID, err)
		}

		d.logger.Debug().Str("event_id", event.ID).Str("webhook_id", webhook.ID).Str("event_type", eventType).Msg("webhook event queued")
		ids = append(ids, event.ID)
	}
	return ids, nil
}

// ProcessWebhookEvent makes one delivery attempt.
//
// The returned error drives the job queue: nil completes the job, a *DeliveryError asks for
// another attempt, and a *DeliveryError wrapped with queue.Unrecoverable ends the job at once.
// Database failures are returned as they are and leave the event status untouched.
func (d *Dispatcher) ProcessWebhookEvent(ctx context.Context, eventID string) error {
	logger := d.logger.With().Str("event_id", eventID).Logger()

	ew, err := d.store.GetWithWebhook(ctx, eventID)
	if err != nil {
		return fmt.Errorf("failed to load webhook event %s: %w", eventID, err)
	}
	if ew == nil {
		logger.Warn().Msg("webhook event not found, skipping delivery")
		return nil
	}
	if ew.Event.Status == models.EventStatusDelivered {
		logger.Info().Msg("webhook event already delivered")
		return nil
	}
	if !ew.Active {
		logger.Warn().Str("webhook_id", ew.Event.WebhookID).Msg("webhook inactive, abandoning delivery")
		return d.store.MarkFailed(ctx, eventID, FailedAttempt{
			ErrorMessage: "webhook inactive",
			Attempts:     ew.Event.Attempts,
		})
	}

	attempts, err := d.store.IncrementAttempts(ctx, eventID)
	if errors.Is(err, ErrEventNotFound) {
		logger.Warn().Msg("webhook event deleted before delivery")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to record attempt of %s: %w", eventID, err)
	}
	logger = logger.With().Int("attempt", attempts).Str("webhook_id", ew.Event.WebhookID).Logger()

	result := d.transport.Deliver(ctx, DeliveryRequest{
		URL:       ew.URL,
		Secret:    ew.Secret,
		EventType: ew.Event.EventType,
		EventID:   eventID,
		Attempt:   attempts,
		Payload:   ew.Event.Payload,
	})

	if result.Success {
		if err := d.store.MarkDelivered(ctx, eventID, *result.StatusCode, result.ResponseBody, result.ResponseTimeMs); err != nil {
			return fmt.Errorf("failed to mark %s delivered: %w", eventID, err)
		}
		logger.Info().Int("status", *result.StatusCode).Int64("response_time_ms", result.ResponseTimeMs).Msg("webhook delivered")
		return nil
	}

	statusRetryable := ShouldRetry(result.StatusCode)
	retry := statusRetryable && attempts < d.maxAttempts

	if err := d.store.MarkFailed(ctx, eventID, FailedAttempt{
		StatusCode:     result.StatusCode,
		ErrorMessage:   result.ErrorMessage,
		ResponseBody:   result.ResponseBody,
		ResponseTimeMs: result.ResponseTimeMs,
		Attempts:       attempts,
		Retryable:      retry,
	}); err != nil {
		return fmt.Errorf("failed to mark %s failed: %w", eventID, err)
	}

	derr := &DeliveryError{
		EventID:    eventID,
		StatusCode: result.StatusCode,
		Message:    result.ErrorMessage,
		Attempts:   attempts,
		Retryable:  retry,
	}
	logger.Warn().Str("error", result.ErrorMessage).Bool("retry", retry).Msg("webhook delivery failed")

	if !statusRetryable {
		return queue.Unrecoverable(derr)
	}
	return derr
}
