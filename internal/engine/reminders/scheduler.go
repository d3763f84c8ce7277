package reminders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"signet/internal/jobs"
	"signet/internal/platform/models"
	"signet/internal/platform/queue"
	"signet/internal/platform/repositories"
)

const (
	day            = 24 * time.Hour
	sweepBatchSize = 500
)

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrSignerNotFound   = errors.New("signer not found")
)

// JobQueue is the part of the queue the scheduler needs.
type JobQueue interface {
	jobs.Enqueuer
	Remove(ctx context.Context, id string) (bool, error)
}

type Scheduler struct {
	documents  *repositories.DocumentRepository
	signers    *repositories.SignerRepository
	reminders  *repositories.ReminderRepository
	queue      JobQueue
	daysBefore []int
	batchSize  int
	now        func() time.Time
	logger     zerolog.Logger
}

func NewScheduler(documents *repositories.DocumentRepository, signers *repositories.SignerRepository, reminders *repositories.ReminderRepository, q JobQueue, daysBefore []int) *Scheduler {
	if len(daysBefore) == 0 {
		daysBefore = []int{7, 3, 1}
	}
	return &Scheduler{
		documents:  documents,
		signers:    signers,
		reminders:  reminders,
		queue:      q,
		daysBefore: daysBefore,
		batchSize:  sweepBatchSize,
		now:        time.Now,
		logger:     log.With().Str("component", "reminders").Logger(),
	}
}

func reminderTypeFor(daysBefore int) string {
	switch daysBefore {
	case 7:
		return models.ReminderType7Day
	case 3:
		return models.ReminderType3Day
	case 1:
		return models.ReminderType1Day
	default:
		return ""
	}
}

// ScheduleForDocument plans the expiration reminders of every pending signer of a pending
// document. Reminders already planned and fire times already past are skipped. It returns the
// number of reminders created.
func (s *Scheduler) ScheduleForDocument(ctx context.Context, documentID string) (int, error) {
	doc, err := s.documents.GetByID(ctx, documentID)
	if err != nil {
		return 0, err
	}
	if doc == nil {
		return 0, ErrDocumentNotFound
	}
	if doc.Status != models.DocumentStatusPending || doc.ExpiresAt == nil {
		return 0, nil
	}

	signers, err := s.signers.ListPendingByDocument(ctx, documentID)
	if err != nil {
		return 0, err
	}

	expiresAt := time.UnixMilli(*doc.ExpiresAt)
	now := s.now()
	created := 0
	for _, signer := range signers {
		for _, days := range s.daysBefore {
			reminderType := reminderTypeFor(days)
			if reminderType == "" {
				s.logger.Warn().Int("days_before", days).Msg("unsupported reminder offset, skipping")
				continue
			}
			fireAt := expiresAt.Add(-time.Duration(days) * day)
			if !fireAt.After(now) {
				continue
			}

			reminder, err := s.schedule(ctx, doc.ID, signer.ID, reminderType, fireAt)
			if err != nil {
				return created, err
			}
			if reminder != nil {
				created++
			}
		}
	}

	if created > 0 {
		s.logger.Info().Str("document_id", doc.ID).Int("reminders", created).Msg("reminders scheduled")
	}
	return created, nil
}

// ScheduleCustom plans a one-off reminder for a signer at a chosen time.
func (s *Scheduler) ScheduleCustom(ctx context.Context, documentID, signerID string, at time.Time) (*models.DocumentReminder, error) {
	if !at.After(s.now()) {
		return nil, fmt.Errorf("reminder time %s is in the past", at.Format(time.RFC3339))
	}
	signer, err := s.signers.GetByID(ctx, signerID)
	if err != nil {
		return nil, err
	}
	if signer == nil || signer.DocumentID != documentID {
		return nil, ErrSignerNotFound
	}

	reminder, err := s.schedule(ctx, documentID, signerID, models.ReminderTypeCustom, at)
	if err != nil {
		return nil, err
	}
	if reminder == nil {
		return nil, repositories.ErrDuplicateReminder
	}
	return reminder, nil
}

// schedule stores one reminder and its delayed job. It returns nil if the reminder already
// existed.
func (s *Scheduler) schedule(ctx context.Context, documentID, signerID, reminderType string, fireAt time.Time) (*models.DocumentReminder, error) {
	reminder := &models.DocumentReminder{
		DocumentID:   documentID,
		SignerID:     &signerID,
		ReminderType: reminderType,
		ScheduledFor: fireAt.UnixMilli(),
	}
	err := s.reminders.Create(ctx, reminder)
	if errors.Is(err, repositories.ErrDuplicateReminder) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create reminder: %w", err)
	}

	if err := s.enqueue(ctx, reminder); err != nil {
		return nil, err
	}
	return reminder, nil
}

func (s *Scheduler) enqueue(ctx context.Context, reminder *models.DocumentReminder) error {
	payload := jobs.DeadlineReminder{
		DocumentID:   reminder.DocumentID,
		ReminderType: reminder.ReminderType,
		ReminderID:   reminder.ID,
	}
	if reminder.SignerID != nil {
		payload.SignerID = *reminder.SignerID
	}

	opts := queue.DefaultJobOptions()
	opts.JobID = reminder.ID
	if delay := time.UnixMilli(reminder.ScheduledFor).Sub(s.now()); delay > 0 {
		opts.Delay = delay
	}

	jobID, err := jobs.Submit(ctx, s.queue, payload, opts)
	if err != nil {
		return fmt.Errorf("failed to enqueue reminder %s: %w", reminder.ID, err)
	}
	if err := s.reminders.SetJobID(ctx, reminder.ID, jobID); err != nil {
		return fmt.Errorf("failed to store job of reminder %s: %w", reminder.ID, err)
	}
	reminder.JobID = &jobID
	return nil
}

// CancelForSigner removes the queued jobs of a signer's unsent reminders. Cancellation is
// advisory: a job that slips through is skipped by the worker.
func (s *Scheduler) CancelForSigner(ctx context.Context, documentID, signerID string) (int, error) {
	return s.cancel(ctx, documentID, signerID)
}

func (s *Scheduler) CancelForDocument(ctx context.Context, documentID string) (int, error) {
	return s.cancel(ctx, documentID, "")
}

func (s *Scheduler) cancel(ctx context.Context, documentID, signerID string) (int, error) {
	unsent, err := s.reminders.ListUnsent(ctx, documentID, signerID)
	if err != nil {
		return 0, err
	}
	return s.CancelReminders(ctx, unsent), nil
}

// CancelReminders removes the queued jobs of the given reminders and returns how many were
// removed. Failures are logged.
func (s *Scheduler) CancelReminders(ctx context.Context, reminders []*models.DocumentReminder) int {
	removed := 0
	for _, r := range reminders {
		if r.JobID == nil || r.SentAt != nil {
			continue
		}
		ok, err := s.queue.Remove(ctx, *r.JobID)
		if err != nil {
			s.logger.Warn().Err(err).Str("reminder_id", r.ID).Msg("failed to cancel reminder job")
			continue
		}
		if ok {
			removed++
		}
	}
	return removed
}

// Sweep schedules missing reminders of pending documents and re-enqueues unsent reminders that
// never got a job. It pages through every pending document that has not expired yet.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	now := s.now().UnixMilli()
	cursor := repositories.ExpiringCursor{ExpiresAt: now}

	total := 0
	for {
		docs, err := s.documents.ListPendingExpiring(ctx, now, cursor, s.batchSize)
		if err != nil {
			return total, err
		}
		for _, doc := range docs {
			total += s.sweepDocument(ctx, doc.ID)
		}
		if len(docs) < s.batchSize {
			return total, nil
		}
		last := docs[len(docs)-1]
		cursor = repositories.ExpiringCursor{ExpiresAt: *last.ExpiresAt, ID: last.ID}
	}
}

func (s *Scheduler) sweepDocument(ctx context.Context, documentID string) int {
	n, err := s.ScheduleForDocument(ctx, documentID)
	if err != nil {
		s.logger.Error().Err(err).Str("document_id", documentID).Msg("failed to schedule reminders")
		return 0
	}

	unsent, err := s.reminders.ListUnsent(ctx, documentID, "")
	if err != nil {
		s.logger.Error().Err(err).Str("document_id", documentID).Msg("failed to list reminders")
		return n
	}
	for _, r := range unsent {
		if r.JobID != nil || r.ScheduledFor <= s.now().UnixMilli() {
			continue
		}
		if err := s.enqueue(ctx, r); err != nil {
			s.logger.Error().Err(err).Str("reminder_id", r.ID).Msg("failed to re-enqueue reminder")
			continue
		}
		n++
	}
	return n
}
