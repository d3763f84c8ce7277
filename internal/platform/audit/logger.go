// Package audit records operator actions such as dead letter retries and webhook changes.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	apiContext "signet/internal/api/context"
	"signet/internal/platform/auth"
	"signet/internal/platform/models"
)

const (
	ActionDeadLetterRetry   = "dead_letter.retry"
	ActionDeadLetterDiscard = "dead_letter.discard"
	ActionDeadLetterResolve = "dead_letter.resolve"
	ActionWebhookCreate     = "webhook.create"
	ActionWebhookDelete     = "webhook.delete"
	ActionDocumentSend      = "document.send"
	ActionDocumentCancel    = "document.cancel"
	ActionDocumentDelete    = "document.delete"
	ActionReminderSchedule  = "reminder.schedule"
)

type Logger struct {
	db     *sql.DB
	logger zerolog.Logger
}

func NewLogger(db *sql.DB) *Logger {
	return &Logger{db: db, logger: log.With().Str("component", "audit").Logger()}
}

// Log records an action taken by the caller found in ctx. Audit writes never fail the request;
// errors are logged.
func (l *Logger) Log(ctx context.Context, action, resourceType, resourceID string, metadata map[string]interface{}) {
	entry := &models.AuditLog{
		ID:           "audit_" + uuid.New().String(),
		UserID:       "system",
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Metadata:     metadata,
		IPAddress:    "unknown",
		UserAgent:    "unknown",
		CreatedAt:    time.Now().UnixMilli(),
	}

	if claims, ok := ctx.Value(apiContext.Claims).(*auth.Claims); ok && claims != nil {
		entry.UserID = claims.UserID
	}
	if info, ok := ctx.Value(apiContext.Request).(apiContext.RequestInfo); ok {
		entry.IPAddress = info.IPAddress
		entry.UserAgent = info.UserAgent
	}

	if err := l.insert(ctx, entry); err != nil {
		l.logger.Error().Err(err).Str("action", action).Str("resource_id", resourceID).Msg("failed to write audit log")
	}
}

func (l *Logger) insert(ctx context.Context, entry *models.AuditLog) error {
	metaJSON := []byte("{}")
	if entry.Metadata != nil {
		b, err := json.Marshal(entry.Metadata)
		if err != nil {
			return err
		}
		metaJSON = b
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, user_id, action, resource_type, resource_id, metadata, ip_address, user_agent, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.UserID, entry.Action, entry.ResourceType, entry.ResourceID, string(metaJSON), entry.IPAddress, entry.UserAgent, entry.CreatedAt)
	return err
}

// List returns the newest entries first.
func (l *Logger) List(ctx context.Context, limit, offset int) ([]*models.AuditLog, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, user_id, action, resource_type, resource_id, metadata, ip_address, user_agent, created_at
		FROM audit_logs ORDER BY created_at DESC, id LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := []*models.AuditLog{}
	for rows.Next() {
		var entry models.AuditLog
		var metaStr string
		if err := rows.Scan(&entry.ID, &entry.UserID, &entry.Action, &entry.ResourceType, &entry.ResourceID,
			&metaStr, &entry.IPAddress, &entry.UserAgent, &entry.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(metaStr), &entry.Metadata); err != nil {
			return nil, err
		}
		logs = append(logs, &entry)
	}
	return logs, rows.Err()
}
