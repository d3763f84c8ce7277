package deadletter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"signet/internal/jobs"
	"signet/internal/platform/models"
	"signet/internal/platform/queue"
	"signet/internal/platform/repositories"
)

var (
	ErrEntryNotFound     = errors.New("dead letter entry not found")
	ErrInvalidTransition = errors.New("invalid dead letter status transition")
)

type Filter = repositories.DeadLetterFilter

// Service owns the dead letter queue: jobs that used up their attempts are parked here until an
// operator retries or discards them.
type Service struct {
	repo     *repositories.DeadLetterRepository
	enqueuer jobs.Enqueuer
	now      func() time.Time
	logger   zerolog.Logger
}

func NewService(repo *repositories.DeadLetterRepository, enqueuer jobs.Enqueuer) *Service {
	return &Service{
		repo:     repo,
		enqueuer: enqueuer,
		now:      time.Now,
		logger:   log.With().Str("component", "deadletter").Logger(),
	}
}

// AddFailedJob records a job that failed for good. It never fails: errors are logged so they
// cannot hide the original job failure from the worker.
func (s *Service) AddFailedJob(ctx context.Context, job *queue.Job, cause error, queueName string) {
	logger := s.logger.With().Str("job_id", job.ID).Str("queue", queueName).Logger()

	entry := &models.DeadLetterEntry{
		QueueName:    queueName,
		JobID:        job.ID,
		JobName:      job.Name,
		JobData:      job.Payload,
		AttemptsMade: job.AttemptsMade,
		MaxAttempts:  job.MaxAttempts,
		FailedAt:     s.now().UnixMilli(),
		Status:       models.DeadLetterStatusFailed,
	}
	if cause != nil {
		entry.ErrorMessage = cause.Error()
		entry.ErrorStack = errorStack(cause)
	}

	if job.DeadLetterID != nil {
		entry.ID = *job.DeadLetterID
		updated, err := s.repo.RecordFailure(ctx, entry)
		if err != nil {
			logger.Error().Err(err).Str("dead_letter_id", entry.ID).Msg("failed to update dead letter entry")
			return
		}
		if updated {
			logger.Warn().Str("dead_letter_id", entry.ID).Msg("retried job failed again")
			return
		}
		// The original entry is gone; record a new one.
		entry.ID = ""
	}

	if err := s.repo.Create(ctx, entry); err != nil {
		logger.Error().Err(err).Msg("failed to add job to dead letter queue")
		return
	}
	logger.Warn().Str("dead_letter_id", entry.ID).Int("attempts_made", job.AttemptsMade).Msg("job moved to dead letter queue")
}

// errorStack renders every error wrapped by err, outermost first, followed by the stack the
// worker captured when the attempt failed.
func errorStack(err error) string {
	var lines []string
	for e := err; e != nil; e = errors.Unwrap(e) {
		if _, ok := e.(*queue.StackError); ok {
			continue
		}
		lines = append(lines, fmt.Sprintf("%T: %s", e, e.Error()))
	}
	out := strings.Join(lines, "\n")
	if stack := queue.StackOf(err); stack != "" {
		out += "\n\n" + stack
	}
	return out
}

func (s *Service) Get(ctx context.Context, id string) (*models.DeadLetterEntry, error) {
	entry, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, ErrEntryNotFound
	}
	return entry, nil
}

func (s *Service) List(ctx context.Context, filter Filter) ([]*models.DeadLetterEntry, error) {
	return s.repo.List(ctx, filter)
}

func (s *Service) Counts(ctx context.Context) (map[string]int, error) {
	return s.repo.CountByStatus(ctx)
}

// Retry re-enqueues a failed entry's job with a fresh attempt budget. It returns the new job id.
func (s *Service) Retry(ctx context.Context, id string) (string, error) {
	entry, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}

	ok, err := s.repo.Transition(ctx, id, models.DeadLetterStatusRetrying, models.DeadLetterStatusFailed)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: cannot retry entry in status %s", ErrInvalidTransition, entry.Status)
	}

	opts := queue.DefaultJobOptions()
	if entry.MaxAttempts > 0 {
		opts.Attempts = entry.MaxAttempts
	}
	opts.DeadLetterID = entry.ID
	jobID, err := s.enqueuer.Enqueue(ctx, entry.QueueName, entry.JobName, entry.JobData, opts)
	if err != nil {
		if _, rerr := s.repo.Transition(ctx, id, models.DeadLetterStatusFailed, models.DeadLetterStatusRetrying); rerr != nil {
			s.logger.Error().Err(rerr).Str("dead_letter_id", id).Msg("failed to revert dead letter entry")
		}
		return "", fmt.Errorf("failed to re-enqueue job: %w", err)
	}

	metadata := entry.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metadata["retry_job_id"] = jobID
	if err := s.repo.RecordRetry(ctx, id, s.now().UnixMilli(), metadata); err != nil {
		return jobID, err
	}

	s.logger.Info().Str("dead_letter_id", id).Str("job_id", jobID).Msg("dead letter entry retried")
	return jobID, nil
}

// Discard marks an entry as intentionally abandoned. A retrying entry can be discarded when its
// retried job is not expected to finish.
func (s *Service) Discard(ctx context.Context, id string) error {
	return s.transition(ctx, id, models.DeadLetterStatusDiscarded, models.DeadLetterStatusFailed, models.DeadLetterStatusRetrying)
}

// Resolve closes an entry whose job went through, either by a completed retry or by hand.
func (s *Service) Resolve(ctx context.Context, id string) error {
	return s.transition(ctx, id, models.DeadLetterStatusResolved, models.DeadLetterStatusRetrying, models.DeadLetterStatusFailed)
}

func (s *Service) transition(ctx context.Context, id, to string, from ...string) error {
	ok, err := s.repo.Transition(ctx, id, to, from...)
	if err != nil {
		return err
	}
	if ok {
		s.logger.Info().Str("dead_letter_id", id).Str("status", to).Msg("dead letter entry updated")
		return nil
	}

	entry, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, entry.Status, to)
}
