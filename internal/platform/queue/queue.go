package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrJobNotFound = errors.New("job not found")
	// ErrLockLost means the job was reclaimed by the stalled detector while the handler ran.
	ErrLockLost = errors.New("job lock lost")
	ErrStalled  = errors.New("job stalled more than allowable limit")
)

const (
	StatusWaiting   = "waiting"
	StatusDelayed   = "delayed"
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

type Job struct {
	ID            string          `json:"id"`
	Queue         string          `json:"queue"`
	Name          string          `json:"name"`
	Payload       json.RawMessage `json:"payload"`
	Status        string          `json:"status"`
	AttemptsMade  int             `json:"attempts_made"`
	MaxAttempts   int             `json:"max_attempts"`
	BackoffDelay  time.Duration   `json:"backoff_delay"`
	RunAt         int64           `json:"run_at"`
	LockedBy      *string         `json:"locked_by,omitempty"`
	LockExpiresAt *int64          `json:"lock_expires_at,omitempty"`
	LastError     *string         `json:"last_error,omitempty"`
	DeadLetterID  *string         `json:"dead_letter_id,omitempty"`
	FinishedAt    *int64          `json:"finished_at,omitempty"`
	CreatedAt     int64           `json:"created_at"`
	UpdatedAt     int64           `json:"updated_at"`
}

type JobOptions struct {
	Attempts     int
	BackoffDelay time.Duration // doubled after every failed attempt
	Delay        time.Duration
	// JobID makes enqueueing idempotent: a second Enqueue with the same id is a no-op.
	JobID string
	// DeadLetterID links a job re-enqueued from the dead letter queue back to its entry.
	DeadLetterID string
}

func DefaultJobOptions() JobOptions {
	return JobOptions{Attempts: 3, BackoffDelay: time.Second}
}

type Retention struct {
	Count int
	Age   time.Duration
}

var (
	CompletedRetention = Retention{Count: 100, Age: 24 * time.Hour}
	FailedRetention    = Retention{Count: 500, Age: 7 * 24 * time.Hour}
)

// ShouldMoveToDeadLetterQueue reports whether the job used its whole attempt budget.
func ShouldMoveToDeadLetterQueue(job *Job) bool {
	return job.AttemptsMade >= job.MaxAttempts
}

type unrecoverableError struct {
	err error
}

func (e *unrecoverableError) Error() string { return e.err.Error() }
func (e *unrecoverableError) Unwrap() error { return e.err }

// StackError carries the goroutine stack captured where a job attempt failed.
type StackError struct {
	Err   error
	Stack []byte
}

func (e *StackError) Error() string { return e.Err.Error() }
func (e *StackError) Unwrap() error { return e.Err }

func withStack(err error, stack []byte) error {
	if err == nil {
		return nil
	}
	var existing *StackError
	if errors.As(err, &existing) {
		return err
	}
	return &StackError{Err: err, Stack: stack}
}

// StackOf returns the stack recorded with err by a worker, or an empty string.
func StackOf(err error) string {
	var s *StackError
	if errors.As(err, &s) {
		return string(s.Stack)
	}
	return ""
}

// Unrecoverable marks err so the job fails at once regardless of attempts left.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return &unrecoverableError{err: err}
}

func IsUnrecoverable(err error) bool {
	var u *unrecoverableError
	return errors.As(err, &u)
}

// Queue is a durable job queue stored in the jobs table. Every state change is a single
// conditional statement so several worker processes can share one database.
type Queue struct {
	db  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) *Queue {
	return &Queue{db: db, now: time.Now}
}

func (q *Queue) Enqueue(ctx context.Context, queueName, jobName string, payload interface{}, opts JobOptions) (string, error) {
	defaults := DefaultJobOptions()
	if opts.Attempts <= 0 {
		opts.Attempts = defaults.Attempts
	}
	if opts.BackoffDelay <= 0 {
		opts.BackoffDelay = defaults.BackoffDelay
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode job payload: %w", err)
	}

	id := opts.JobID
	if id == "" {
		id = "job_" + uuid.New().String()
	}

	now := q.now().UnixMilli()
	status := StatusWaiting
	if opts.Delay > 0 {
		status = StatusDelayed
	}
	var deadLetterID sql.NullString
	if opts.DeadLetterID != "" {
		deadLetterID = sql.NullString{String: opts.DeadLetterID, Valid: true}
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO jobs (id, queue, name, payload, status, attempts_made, max_attempts, backoff_delay_ms, run_at, dead_letter_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, queueName, jobName, string(data), status, opts.Attempts, opts.BackoffDelay.Milliseconds(),
		now+opts.Delay.Milliseconds(), deadLetterID, now, now)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}
	return id, nil
}

const jobColumns = `id, queue, name, payload, status, attempts_made, max_attempts, backoff_delay_ms, run_at,
	locked_by, lock_expires_at, last_error, dead_letter_id, finished_at, created_at, updated_at`

func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	job, err := scanJob(q.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	return job, err
}

// Claim leases the next due job of queueName to workerID. It returns nil when nothing is due.
func (q *Queue) Claim(ctx context.Context, queueName, workerID string, lock time.Duration) (*Job, error) {
	now := q.now().UnixMilli()
	row := q.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = ?, locked_by = ?, lock_expires_at = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE queue = ? AND status IN (?, ?) AND run_at <= ?
			ORDER BY run_at, created_at
			LIMIT 1
		) AND status IN (?, ?)
		RETURNING `+jobColumns,
		StatusActive, workerID, now+lock.Milliseconds(), now,
		queueName, StatusWaiting, StatusDelayed, now,
		StatusWaiting, StatusDelayed)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return job, nil
}

// Complete records a successful attempt. It returns ErrLockLost if the job is no longer
// leased to the worker that claimed it.
func (q *Queue) Complete(ctx context.Context, job *Job) error {
	now := q.now().UnixMilli()
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, attempts_made = attempts_made + 1, finished_at = ?, locked_by = NULL,
		    lock_expires_at = NULL, updated_at = ?
		WHERE id = ? AND status = ? AND locked_by = ?
	`, StatusCompleted, now, now, job.ID, StatusActive, lockOwner(job))
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrLockLost
	}

	job.Status = StatusCompleted
	job.AttemptsMade++
	job.FinishedAt = &now
	job.LockedBy = nil
	job.LockExpiresAt = nil
	return nil
}

// Fail records a failed attempt. While attempts remain the job is delayed by
// backoff*2^(attempts-1); otherwise, or when cause is Unrecoverable, it becomes failed and
// terminal is true.
func (q *Queue) Fail(ctx context.Context, job *Job, cause error) (terminal bool, err error) {
	now := q.now()
	attempts := job.AttemptsMade + 1
	msg := cause.Error()
	terminal = IsUnrecoverable(cause) || attempts >= job.MaxAttempts

	status := StatusDelayed
	runAt := now.Add(backoff(job.BackoffDelay, attempts)).UnixMilli()
	var finishedAt sql.NullInt64
	if terminal {
		status = StatusFailed
		runAt = job.RunAt
		finishedAt = sql.NullInt64{Int64: now.UnixMilli(), Valid: true}
	}

	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, attempts_made = ?, run_at = ?, last_error = ?, finished_at = ?,
		    locked_by = NULL, lock_expires_at = NULL, updated_at = ?
		WHERE id = ? AND status = ? AND locked_by = ?
	`, status, attempts, runAt, msg, finishedAt, now.UnixMilli(), job.ID, StatusActive, lockOwner(job))
	if err != nil {
		return false, fmt.Errorf("failed to fail job: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, err
	} else if n == 0 {
		return false, ErrLockLost
	}

	job.Status = status
	job.AttemptsMade = attempts
	job.RunAt = runAt
	job.LastError = &msg
	job.LockedBy = nil
	job.LockExpiresAt = nil
	if terminal {
		at := finishedAt.Int64
		job.FinishedAt = &at
	}
	return terminal, nil
}

func backoff(base time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return base * time.Duration(1<<uint(attempts-1))
}

// RecoverStalled puts back active jobs whose lease expired. A stall counts as an attempt; jobs
// that run out of attempts this way are marked failed and returned.
func (q *Queue) RecoverStalled(ctx context.Context, queueName string) ([]*Job, error) {
	now := q.now().UnixMilli()
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE queue = ? AND status = ? AND lock_expires_at < ?
	`, queueName, StatusActive, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list stalled jobs: %w", err)
	}
	var stalled []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		stalled = append(stalled, job)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var failed []*Job
	for _, job := range stalled {
		attempts := job.AttemptsMade + 1
		status := StatusWaiting
		var finishedAt sql.NullInt64
		if attempts >= job.MaxAttempts {
			status = StatusFailed
			finishedAt = sql.NullInt64{Int64: now, Valid: true}
		}

		res, err := q.db.ExecContext(ctx, `
			UPDATE jobs
			SET status = ?, attempts_made = ?, run_at = ?, last_error = ?, finished_at = ?,
			    locked_by = NULL, lock_expires_at = NULL, updated_at = ?
			WHERE id = ? AND status = ? AND lock_expires_at = ?
		`, status, attempts, now, ErrStalled.Error(), finishedAt, now, job.ID, StatusActive, job.LockExpiresAt)
		if err != nil {
			return failed, fmt.Errorf("failed to recover stalled job %s: %w", job.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}

		if status == StatusFailed {
			msg := ErrStalled.Error()
			job.Status = status
			job.AttemptsMade = attempts
			job.LastError = &msg
			job.FinishedAt = &now
			job.LockedBy = nil
			job.LockExpiresAt = nil
			failed = append(failed, job)
		}
	}
	return failed, nil
}

// Remove deletes a job that has not started yet. It reports false for unknown, running or
// finished jobs.
func (q *Queue) Remove(ctx context.Context, id string) (bool, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ? AND status IN (?, ?)`, id, StatusWaiting, StatusDelayed)
	if err != nil {
		return false, fmt.Errorf("failed to remove job: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Counts returns the number of jobs per queue and status.
func (q *Queue) Counts(ctx context.Context) (map[string]map[string]int, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT queue, status, COUNT(*) FROM jobs GROUP BY queue, status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]map[string]int)
	for rows.Next() {
		var queueName, status string
		var n int
		if err := rows.Scan(&queueName, &status, &n); err != nil {
			return nil, err
		}
		if counts[queueName] == nil {
			counts[queueName] = make(map[string]int)
		}
		counts[queueName][status] = n
	}
	return counts, rows.Err()
}

// Clean applies the completed and failed retention policies to queueName.
func (q *Queue) Clean(ctx context.Context, queueName string) (int64, error) {
	var total int64
	for status, keep := range map[string]Retention{StatusCompleted: CompletedRetention, StatusFailed: FailedRetention} {
		n, err := q.clean(ctx, queueName, status, keep)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (q *Queue) clean(ctx context.Context, queueName, status string, keep Retention) (int64, error) {
	cutoff := q.now().Add(-keep.Age).UnixMilli()
	res, err := q.db.ExecContext(ctx, `DELETE FROM jobs WHERE queue = ? AND status = ? AND finished_at < ?`, queueName, status, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean %s jobs: %w", status, err)
	}
	byAge, _ := res.RowsAffected()

	res, err = q.db.ExecContext(ctx, `
		DELETE FROM jobs WHERE id IN (
			SELECT id FROM jobs WHERE queue = ? AND status = ?
			ORDER BY finished_at DESC
			LIMIT -1 OFFSET ?
		)
	`, queueName, status, keep.Count)
	if err != nil {
		return byAge, fmt.Errorf("failed to trim %s jobs: %w", status, err)
	}
	byCount, _ := res.RowsAffected()
	return byAge + byCount, nil
}

func lockOwner(job *Job) string {
	if job.LockedBy == nil {
		return ""
	}
	return *job.LockedBy
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(s scanner) (*Job, error) {
	var job Job
	var payload string
	var backoffMs int64
	var lockedBy, lastError, deadLetterID sql.NullString
	var lockExpiresAt, finishedAt sql.NullInt64
	err := s.Scan(&job.ID, &job.Queue, &job.Name, &payload, &job.Status, &job.AttemptsMade, &job.MaxAttempts,
		&backoffMs, &job.RunAt, &lockedBy, &lockExpiresAt, &lastError, &deadLetterID, &finishedAt,
		&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	job.Payload = json.RawMessage(payload)
	job.BackoffDelay = time.Duration(backoffMs) * time.Millisecond
	if lockedBy.Valid {
		job.LockedBy = &lockedBy.String
	}
	if lockExpiresAt.Valid {
		job.LockExpiresAt = &lockExpiresAt.Int64
	}
	if lastError.Valid {
		job.LastError = &lastError.String
	}
	if deadLetterID.Valid {
		job.DeadLetterID = &deadLetterID.String
	}
	if finishedAt.Valid {
		job.FinishedAt = &finishedAt.Int64
	}
	return &job, nil
}
