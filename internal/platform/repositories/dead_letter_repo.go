package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"signet/internal/platform/models"
)

type DeadLetterRepository struct {
	db *sql.DB
}

func NewDeadLetterRepository(db *sql.DB) *DeadLetterRepository {
	return &DeadLetterRepository{db: db}
}

type DeadLetterFilter struct {
	QueueName string
	Status    string
	Limit     int
	Offset    int
}

func (r *DeadLetterRepository) Create(ctx context.Context, entry *models.DeadLetterEntry) error {
	if entry.ID == "" {
		entry.ID = "dlq_" + uuid.New().String()
	}
	if entry.Status == "" {
		entry.Status = models.DeadLetterStatusFailed
	}
	now := time.Now().UnixMilli()
	entry.CreatedAt = now
	entry.UpdatedAt = now

	meta, err := marshalMetadata(entry.Metadata)
	if err != nil {
		return err
	}
	data := entry.JobData
	if len(data) == 0 {
		data = json.RawMessage("null")
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO dead_letter_entries (
			id, queue_name, job_id, job_name, job_data, error_message, error_stack,
			attempts_made, max_attempts, failed_at, status, retry_count, retried_at,
			metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.QueueName, entry.JobID, entry.JobName, string(data), entry.ErrorMessage, entry.ErrorStack,
		entry.AttemptsMade, entry.MaxAttempts, entry.FailedAt, entry.Status, entry.RetryCount, nullInt64(entry.RetriedAt),
		meta, entry.CreatedAt, entry.UpdatedAt)
	return err
}

const deadLetterColumns = `id, queue_name, job_id, job_name, job_data, error_message, error_stack,
	attempts_made, max_attempts, failed_at, status, retry_count, retried_at, metadata, created_at, updated_at`

func (r *DeadLetterRepository) GetByID(ctx context.Context, id string) (*models.DeadLetterEntry, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+deadLetterColumns+` FROM dead_letter_entries WHERE id = ?`, id)
	entry, err := scanDeadLetter(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return entry, err
}

func (r *DeadLetterRepository) List(ctx context.Context, filter DeadLetterFilter) ([]*models.DeadLetterEntry, error) {
	var where []string
	var args []interface{}
	if filter.QueueName != "" {
		where = append(where, "queue_name = ?")
		args = append(args, filter.QueueName)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Limit <= 0 {
		filter.Limit = 50
	}

	query := `SELECT ` + deadLetterColumns + ` FROM dead_letter_entries`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY failed_at DESC LIMIT ? OFFSET ?`
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.DeadLetterEntry
	for rows.Next() {
		entry, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// CountByStatus returns the number of entries per status.
func (r *DeadLetterRepository) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM dead_letter_entries GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// Transition moves an entry to status "to" only if its current status is one of "from".
// It reports false when no row matched.
func (r *DeadLetterRepository) Transition(ctx context.Context, id, to string, from ...string) (bool, error) {
	args := []interface{}{to, time.Now().UnixMilli(), id}
	placeholders := make([]string, len(from))
	for i, s := range from {
		placeholders[i] = "?"
		args = append(args, s)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE dead_letter_entries SET status = ?, updated_at = ?
		WHERE id = ? AND status IN (`+strings.Join(placeholders, ", ")+`)
	`, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RecordRetry bumps retry_count and stores the id of the job enqueued for the retry.
func (r *DeadLetterRepository) RecordRetry(ctx context.Context, id string, retriedAt int64, metadata map[string]interface{}) error {
	meta, err := marshalMetadata(metadata)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		UPDATE dead_letter_entries
		SET retry_count = retry_count + 1, retried_at = ?, metadata = ?, updated_at = ?
		WHERE id = ?
	`, retriedAt, meta, time.Now().UnixMilli(), id)
	return err
}

// RecordFailure puts an entry back to failed with the latest error, used when a retried job
// exhausts its attempts again.
func (r *DeadLetterRepository) RecordFailure(ctx context.Context, entry *models.DeadLetterEntry) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE dead_letter_entries
		SET status = ?, job_id = ?, error_message = ?, error_stack = ?, attempts_made = ?, max_attempts = ?,
		    failed_at = ?, updated_at = ?
		WHERE id = ?
	`, models.DeadLetterStatusFailed, entry.JobID, entry.ErrorMessage, entry.ErrorStack, entry.AttemptsMade,
		entry.MaxAttempts, entry.FailedAt, time.Now().UnixMilli(), entry.ID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func marshalMetadata(metadata map[string]interface{}) (string, error) {
	if metadata == nil {
		return "{}", nil
	}
	b, err := json.Marshal(metadata)
	return string(b), err
}

func scanDeadLetter(s scanner) (*models.DeadLetterEntry, error) {
	var e models.DeadLetterEntry
	var data, meta string
	var retriedAt sql.NullInt64
	err := s.Scan(&e.ID, &e.QueueName, &e.JobID, &e.JobName, &data, &e.ErrorMessage, &e.ErrorStack,
		&e.AttemptsMade, &e.MaxAttempts, &e.FailedAt, &e.Status, &e.RetryCount, &retriedAt, &meta, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.JobData = json.RawMessage(data)
	e.RetriedAt = int64Ptr(retriedAt)
	if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
		return nil, err
	}
	return &e, nil
}
