package webhooks

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"signet/internal/platform/models"
)

var ErrEventNotFound = errors.New("webhook event not found")

// retryLadder is indexed by the number of attempts made before the one that failed, so the first
// failure waits one minute. There is no automatic retry once the ladder is exhausted.
var retryLadder = []time.Duration{time.Minute, 5 * time.Minute, 30 * time.Minute}

// CalculateNextRetry returns when the next attempt is due given the attempts made before the
// failed one, or nil when no further automatic retry is planned.
func CalculateNextRetry(attempts int, now time.Time) *time.Time {
	if attempts < 0 {
		attempts = 0
	}
	if attempts >= len(retryLadder) {
		return nil
	}
	next := now.Add(retryLadder[attempts])
	return &next
}

// EventWithWebhook is a webhook event joined with the delivery settings of its webhook.
type EventWithWebhook struct {
	Event  models.WebhookEvent
	URL    string
	Secret string
	Active bool
}

// FailedAttempt describes the outcome of a failed delivery. Retryable is false when no further
// attempt will be made whatever the attempt count.
type FailedAttempt struct {
	StatusCode     *int
	ErrorMessage   string
	ResponseBody   *string
	ResponseTimeMs int64
	Attempts       int
	Retryable      bool
}

// EventStore persists webhook events. Each status change is a single statement.
type EventStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{db: db, now: time.Now}
}

func (s *EventStore) Create(ctx context.Context, event *models.WebhookEvent) error {
	if event.ID == "" {
		event.ID = "evt_" + uuid.New().String()
	}
	now := s.now().UnixMilli()
	event.Status = models.EventStatusPending
	event.Attempts = 0
	event.CreatedAt = now
	event.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_events (id, webhook_id, event_type, payload, status, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)
	`, event.ID, event.WebhookID, event.EventType, string(event.Payload), event.Status, event.CreatedAt, event.UpdatedAt)
	return err
}

const eventColumns = `e.id, e.webhook_id, e.event_type, e.payload, e.status, e.attempts, e.last_attempt_at,
	e.next_retry_at, e.response_status, e.response_body, e.response_time_ms, e.error_message, e.created_at, e.updated_at`

func (s *EventStore) GetByID(ctx context.Context, id string) (*models.WebhookEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM webhook_events e WHERE e.id = ?`, id)
	event, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return event, err
}

func (s *EventStore) GetWithWebhook(ctx context.Context, id string) (*EventWithWebhook, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+eventColumns+`, w.url, w.secret, w.active
		FROM webhook_events e
		JOIN webhooks w ON w.id = e.webhook_id
		WHERE e.id = ?
	`, id)

	var ew EventWithWebhook
	event, err := scanEvent(row, &ew.URL, &ew.Secret, &ew.Active)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ew.Event = *event
	return &ew, nil
}

// IncrementAttempts records that an attempt is starting and returns the new attempt count.
func (s *EventStore) IncrementAttempts(ctx context.Context, id string) (int, error) {
	now := s.now().UnixMilli()
	var attempts int
	err := s.db.QueryRowContext(ctx, `
		UPDATE webhook_events
		SET attempts = attempts + 1, last_attempt_at = ?, updated_at = ?
		WHERE id = ?
		RETURNING attempts
	`, now, now, id).Scan(&attempts)
	if err == sql.ErrNoRows {
		return 0, ErrEventNotFound
	}
	return attempts, err
}

// MarkDelivered is terminal and idempotent.
func (s *EventStore) MarkDelivered(ctx context.Context, id string, status int, body *string, responseTimeMs int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_events
		SET status = ?, response_status = ?, response_body = ?, response_time_ms = ?,
		    next_retry_at = NULL, error_message = NULL, updated_at = ?
		WHERE id = ?
	`, models.EventStatusDelivered, status, body, responseTimeMs, s.now().UnixMilli(), id)
	return err
}

// MarkFailed records a failed attempt. f.Attempts counts the failed attempt itself. A delivered
// event is never moved back to failed.
func (s *EventStore) MarkFailed(ctx context.Context, id string, f FailedAttempt) error {
	now := s.now()
	var nextRetryAt sql.NullInt64
	if f.Retryable {
		if next := CalculateNextRetry(f.Attempts-1, now); next != nil {
			nextRetryAt = sql.NullInt64{Int64: next.UnixMilli(), Valid: true}
		}
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_events
		SET status = ?, response_status = ?, response_body = ?, response_time_ms = ?,
		    error_message = ?, next_retry_at = ?, updated_at = ?
		WHERE id = ? AND status != ?
	`, models.EventStatusFailed, f.StatusCode, f.ResponseBody, f.ResponseTimeMs,
		f.ErrorMessage, nextRetryAt, now.UnixMilli(), id, models.EventStatusDelivered)
	return err
}

func (s *EventStore) ListByWebhook(ctx context.Context, webhookID string, limit int) ([]*models.WebhookEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM webhook_events e
		WHERE e.webhook_id = ?
		ORDER BY e.created_at DESC
		LIMIT ?
	`, webhookID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*models.WebhookEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(s scanner, extra ...interface{}) (*models.WebhookEvent, error) {
	var e models.WebhookEvent
	var payload string
	var lastAttemptAt, nextRetryAt, responseStatus, responseTimeMs sql.NullInt64
	var responseBody, errorMessage sql.NullString

	dest := []interface{}{&e.ID, &e.WebhookID, &e.EventType, &payload, &e.Status, &e.Attempts, &lastAttemptAt,
		&nextRetryAt, &responseStatus, &responseBody, &responseTimeMs, &errorMessage, &e.CreatedAt, &e.UpdatedAt}
	if err := s.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	e.Payload = []byte(payload)
	if lastAttemptAt.Valid {
		e.LastAttemptAt = &lastAttemptAt.Int64
	}
	if nextRetryAt.Valid {
		e.NextRetryAt = &nextRetryAt.Int64
	}
	if responseStatus.Valid {
		code := int(responseStatus.Int64)
		e.ResponseStatus = &code
	}
	if responseBody.Valid {
		e.ResponseBody = &responseBody.String
	}
	if responseTimeMs.Valid {
		e.ResponseTimeMs = &responseTimeMs.Int64
	}
	if errorMessage.Valid {
		e.ErrorMessage = &errorMessage.String
	}
	return &e, nil
}
