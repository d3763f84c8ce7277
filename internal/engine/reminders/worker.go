package reminders

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"signet/internal/jobs"
	"signet/internal/platform/mailer"
	"signet/internal/platform/models"
	"signet/internal/platform/repositories"
)

// Outcome describes what a reminder job did. Every outcome but OutcomeSent is a skip.
type Outcome string

const (
	OutcomeSent                     Outcome = "sent"
	OutcomeDocumentNotFound         Outcome = "document_not_found"
	OutcomeDocumentNotPending       Outcome = "document_not_pending"
	OutcomeOwnerNotificationSkipped Outcome = "owner_notification_skipped"
	OutcomeSignerNotFound           Outcome = "signer_not_found"
	OutcomeSignerNotPending         Outcome = "signer_not_pending"
	OutcomeReminderNotFound         Outcome = "reminder_not_found"
	OutcomeAlreadySent              Outcome = "already_sent"
)

// Worker sends reminder emails. Jobs are scheduled long before they fire, so the document,
// signer and reminder are all re-read before anything is sent.
type Worker struct {
	documents      *repositories.DocumentRepository
	signers        *repositories.SignerRepository
	reminders      *repositories.ReminderRepository
	sender         mailer.Sender
	signingBaseURL string
	now            func() time.Time
	logger         zerolog.Logger
}

func NewWorker(documents *repositories.DocumentRepository, signers *repositories.SignerRepository, reminders *repositories.ReminderRepository, sender mailer.Sender, signingBaseURL string) *Worker {
	return &Worker{
		documents:      documents,
		signers:        signers,
		reminders:      reminders,
		sender:         sender,
		signingBaseURL: strings.TrimRight(signingBaseURL, "/"),
		now:            time.Now,
		logger:         log.With().Str("component", "reminders").Logger(),
	}
}

// Process handles one reminder job. Skips are not errors; only lookups and the email send can
// fail, and those errors are returned so the queue retries the job.
func (w *Worker) Process(ctx context.Context, job jobs.DeadlineReminder) (Outcome, error) {
	logger := w.logger.With().Str("reminder_id", job.ReminderID).Str("document_id", job.DocumentID).Logger()

	outcome, err := w.process(ctx, job)
	if err != nil {
		return "", err
	}
	if outcome == OutcomeSent {
		logger.Info().Str("reminder_type", job.ReminderType).Msg("reminder sent")
	} else {
		logger.Info().Str("outcome", string(outcome)).Msg("reminder skipped")
	}
	return outcome, nil
}

func (w *Worker) process(ctx context.Context, job jobs.DeadlineReminder) (Outcome, error) {
	doc, err := w.documents.GetByID(ctx, job.DocumentID)
	if err != nil {
		return "", fmt.Errorf("failed to load document %s: %w", job.DocumentID, err)
	}
	if doc == nil {
		return OutcomeDocumentNotFound, nil
	}
	if doc.Status != models.DocumentStatusPending {
		return OutcomeDocumentNotPending, nil
	}

	// Owner notifications are not sent yet.
	if job.SignerID == "" {
		return OutcomeOwnerNotificationSkipped, nil
	}

	signer, err := w.signers.GetByID(ctx, job.SignerID)
	if err != nil {
		return "", fmt.Errorf("failed to load signer %s: %w", job.SignerID, err)
	}
	if signer == nil || signer.DocumentID != doc.ID {
		return OutcomeSignerNotFound, nil
	}
	if signer.Status != models.SignerStatusPending {
		return OutcomeSignerNotPending, nil
	}

	reminder, err := w.reminders.GetByID(ctx, job.ReminderID)
	if err != nil {
		return "", fmt.Errorf("failed to load reminder %s: %w", job.ReminderID, err)
	}
	if reminder == nil {
		return OutcomeReminderNotFound, nil
	}
	if reminder.SentAt != nil {
		return OutcomeAlreadySent, nil
	}

	now := w.now()
	email := mailer.ReminderEmail{
		RecipientEmail: signer.Email,
		RecipientName:  signer.Name,
		DocumentTitle:  doc.Title,
		SenderName:     doc.SenderName,
		SigningURL:     w.signingBaseURL + "/" + signer.SigningToken,
		DaysWaiting:    DaysWaiting(doc.CreatedAt, now),
	}
	if doc.ExpiresAt != nil {
		email.DaysRemaining = DaysRemaining(*doc.ExpiresAt, now)
	}

	if err := w.sender.SendReminder(ctx, email); err != nil {
		return "", fmt.Errorf("failed to send reminder %s: %w", reminder.ID, err)
	}

	marked, err := w.reminders.MarkSent(ctx, reminder.ID, now.UnixMilli())
	if err != nil {
		return "", fmt.Errorf("failed to mark reminder %s sent: %w", reminder.ID, err)
	}
	if !marked {
		w.logger.Warn().Str("reminder_id", reminder.ID).Msg("reminder was marked sent concurrently")
	}
	return OutcomeSent, nil
}

// DaysRemaining rounds the time left until expiresAt up to whole days.
func DaysRemaining(expiresAt int64, now time.Time) int {
	left := time.UnixMilli(expiresAt).Sub(now)
	if left <= 0 {
		return 0
	}
	return int(math.Ceil(float64(left) / float64(day)))
}

// DaysWaiting counts the whole days since createdAt.
func DaysWaiting(createdAt int64, now time.Time) int {
	waited := now.Sub(time.UnixMilli(createdAt))
	if waited <= 0 {
		return 0
	}
	return int(waited / day)
}
