package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"signet/internal/platform/database"
	"signet/internal/platform/models"
)

type ReminderRepository struct {
	db *sql.DB
}

func NewReminderRepository(db *sql.DB) *ReminderRepository {
	return &ReminderRepository{db: db}
}

// Create inserts a reminder. A second reminder of the same type for the same signer and document
// returns ErrDuplicateReminder.
func (r *ReminderRepository) Create(ctx context.Context, reminder *models.DocumentReminder) error {
	if reminder.ID == "" {
		reminder.ID = "rem_" + uuid.New().String()
	}
	if reminder.CreatedAt == 0 {
		reminder.CreatedAt = time.Now().UnixMilli()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO document_reminders (id, document_id, signer_id, reminder_type, scheduled_for, sent_at, job_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, reminder.ID, reminder.DocumentID, nullString(reminder.SignerID), reminder.ReminderType, reminder.ScheduledFor,
		nullInt64(reminder.SentAt), nullString(reminder.JobID), reminder.CreatedAt)
	if database.IsUniqueViolation(err) {
		return ErrDuplicateReminder
	}
	return err
}

const reminderColumns = `id, document_id, signer_id, reminder_type, scheduled_for, sent_at, job_id, created_at`

func (r *ReminderRepository) GetByID(ctx context.Context, id string) (*models.DocumentReminder, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+reminderColumns+` FROM document_reminders WHERE id = ?`, id)
	reminder, err := scanReminder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return reminder, err
}

func (r *ReminderRepository) SetJobID(ctx context.Context, id, jobID string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE document_reminders SET job_id = ? WHERE id = ?`, jobID, id)
	return err
}

// MarkSent stamps sent_at once. It reports false when the reminder was already sent or is gone.
func (r *ReminderRepository) MarkSent(ctx context.Context, id string, sentAt int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE document_reminders SET sent_at = ? WHERE id = ? AND sent_at IS NULL`, sentAt, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListUnsent returns the reminders of a document that have not been sent. An empty signerID
// returns the reminders of every signer.
func (r *ReminderRepository) ListUnsent(ctx context.Context, documentID, signerID string) ([]*models.DocumentReminder, error) {
	query := `SELECT ` + reminderColumns + ` FROM document_reminders WHERE document_id = ? AND sent_at IS NULL`
	args := []interface{}{documentID}
	if signerID != "" {
		query += ` AND signer_id = ?`
		args = append(args, signerID)
	}
	query += ` ORDER BY scheduled_for`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reminders []*models.DocumentReminder
	for rows.Next() {
		reminder, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		reminders = append(reminders, reminder)
	}
	return reminders, rows.Err()
}

func scanReminder(s scanner) (*models.DocumentReminder, error) {
	var reminder models.DocumentReminder
	var signerID, jobID sql.NullString
	var sentAt sql.NullInt64
	err := s.Scan(&reminder.ID, &reminder.DocumentID, &signerID, &reminder.ReminderType, &reminder.ScheduledFor, &sentAt, &jobID, &reminder.CreatedAt)
	if err != nil {
		return nil, err
	}
	reminder.SignerID = stringPtr(signerID)
	reminder.SentAt = int64Ptr(sentAt)
	reminder.JobID = stringPtr(jobID)
	return &reminder, nil
}
