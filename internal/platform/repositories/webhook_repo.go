package repositories

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"signet/internal/platform/models"
)

type WebhookRepository struct {
	db *sql.DB
}

func NewWebhookRepository(db *sql.DB) *WebhookRepository {
	return &WebhookRepository{db: db}
}

// GenerateSecret returns a new signing secret. Secrets are created once with the webhook and
// never rotated automatically.
func GenerateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "whsec_" + hex.EncodeToString(buf), nil
}

func (r *WebhookRepository) Create(ctx context.Context, webhook *models.Webhook) error {
	if webhook.ID == "" {
		webhook.ID = "wh_" + uuid.New().String()
	}
	if webhook.Secret == "" {
		secret, err := GenerateSecret()
		if err != nil {
			return err
		}
		webhook.Secret = secret
	}
	now := time.Now().UnixMilli()
	webhook.CreatedAt = now
	webhook.UpdatedAt = now
	webhook.Active = true

	eventsJSON, err := json.Marshal(webhook.Events)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO webhooks (id, user_id, url, events, secret, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.ExecContext(ctx, query, webhook.ID, webhook.UserID, webhook.URL, string(eventsJSON), webhook.Secret, webhook.Active, webhook.CreatedAt, webhook.UpdatedAt)
	return err
}

const webhookColumns = `id, user_id, url, events, secret, active, created_at, updated_at`

func (r *WebhookRepository) GetByID(ctx context.Context, id string) (*models.Webhook, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+webhookColumns+` FROM webhooks WHERE id = ?`, id)
	w, err := scanWebhook(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return w, err
}

func (r *WebhookRepository) ListByUser(ctx context.Context, userID string) ([]*models.Webhook, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+webhookColumns+` FROM webhooks WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var webhooks []*models.Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		webhooks = append(webhooks, w)
	}
	return webhooks, rows.Err()
}

// ListByEvent returns the active webhooks subscribed to eventType. Subscriptions are stored as a
// JSON array, so matching happens after the scan.
func (r *WebhookRepository) ListByEvent(ctx context.Context, eventType string) ([]*models.Webhook, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+webhookColumns+` FROM webhooks WHERE active = 1 ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matched []*models.Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		if w.Subscribes(eventType) {
			matched = append(matched, w)
		}
	}
	return matched, rows.Err()
}

func (r *WebhookRepository) SetActive(ctx context.Context, id string, active bool) error {
	_, err := r.db.ExecContext(ctx, `UPDATE webhooks SET active = ?, updated_at = ? WHERE id = ?`, active, time.Now().UnixMilli(), id)
	return err
}

// Delete removes the webhook; its events go with it through ON DELETE CASCADE.
func (r *WebhookRepository) Delete(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func scanWebhook(s scanner) (*models.Webhook, error) {
	var w models.Webhook
	var eventsStr string
	if err := s.Scan(&w.ID, &w.UserID, &w.URL, &eventsStr, &w.Secret, &w.Active, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(eventsStr), &w.Events); err != nil {
		return nil, err
	}
	return &w, nil
}
