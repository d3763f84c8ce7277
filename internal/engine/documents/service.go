// Package documents drives the lifecycle of a document once it leaves the editor: sending,
// signatures, cancellation and deletion. Each committed status change fans out to reminders and
// webhooks; those side effects are best effort and never roll the change back.
package documents

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"signet/internal/platform/models"
	"signet/internal/platform/repositories"
)

var (
	ErrNotFound      = errors.New("document not found")
	ErrInvalidStatus = errors.New("document status does not allow this operation")
	ErrNotSigner     = errors.New("signer does not belong to the document or already responded")
)

type EventDispatcher interface {
	Dispatch(ctx context.Context, eventType string, data interface{}) ([]string, error)
}

type ReminderScheduler interface {
	ScheduleForDocument(ctx context.Context, documentID string) (int, error)
	CancelForSigner(ctx context.Context, documentID, signerID string) (int, error)
	CancelForDocument(ctx context.Context, documentID string) (int, error)
	CancelReminders(ctx context.Context, reminders []*models.DocumentReminder) int
}

type Service struct {
	documents  *repositories.DocumentRepository
	signers    *repositories.SignerRepository
	reminders  *repositories.ReminderRepository
	scheduler  ReminderScheduler
	events     EventDispatcher
	removeFile func(path string) error
	logger     zerolog.Logger
}

func NewService(documents *repositories.DocumentRepository, signers *repositories.SignerRepository, reminders *repositories.ReminderRepository, scheduler ReminderScheduler, events EventDispatcher) *Service {
	return &Service{
		documents:  documents,
		signers:    signers,
		reminders:  reminders,
		scheduler:  scheduler,
		events:     events,
		removeFile: os.Remove,
		logger:     log.With().Str("component", "documents").Logger(),
	}
}

type documentEvent struct {
	DocumentID string `json:"document_id"`
	Title      string `json:"title"`
	Status     string `json:"status"`
	SignerID   string `json:"signer_id,omitempty"`
	Email      string `json:"email,omitempty"`
}

func (s *Service) load(ctx context.Context, id string) (*models.Document, error) {
	doc, err := s.documents.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load document %s: %w", id, err)
	}
	if doc == nil {
		return nil, ErrNotFound
	}
	return doc, nil
}

// Send moves a draft document to pending, plans its reminders and announces it.
func (s *Service) Send(ctx context.Context, id string) (*models.Document, error) {
	doc, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc.Status != models.DocumentStatusDraft {
		return nil, ErrInvalidStatus
	}

	changed, err := s.documents.TransitionStatus(ctx, id, models.DocumentStatusPending, models.DocumentStatusDraft)
	if err != nil {
		return nil, fmt.Errorf("failed to send document %s: %w", id, err)
	}
	if !changed {
		return nil, ErrInvalidStatus
	}
	doc.Status = models.DocumentStatusPending

	if _, err := s.scheduler.ScheduleForDocument(ctx, id); err != nil {
		s.logger.Error().Err(err).Str("document_id", id).Msg("failed to schedule reminders")
	}
	s.dispatch(ctx, models.EventDocumentSent, documentEvent{DocumentID: doc.ID, Title: doc.Title, Status: doc.Status})
	return doc, nil
}

// RecordSignature marks a signer as signed. The document completes when the last pending
// signer signs.
func (s *Service) RecordSignature(ctx context.Context, documentID, signerID string) (*models.Document, error) {
	doc, err := s.load(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc.Status != models.DocumentStatusPending {
		return nil, ErrInvalidStatus
	}

	signer, err := s.signers.GetByID(ctx, signerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load signer %s: %w", signerID, err)
	}
	if signer == nil || signer.DocumentID != documentID {
		return nil, ErrNotSigner
	}

	signed, err := s.signers.MarkSigned(ctx, signerID)
	if err != nil {
		return nil, fmt.Errorf("failed to record signature of %s: %w", signerID, err)
	}
	if !signed {
		return nil, ErrNotSigner
	}

	if _, err := s.scheduler.CancelForSigner(ctx, documentID, signerID); err != nil {
		s.logger.Warn().Err(err).Str("signer_id", signerID).Msg("failed to cancel signer reminders")
	}
	s.dispatch(ctx, models.EventSignerSigned, documentEvent{
		DocumentID: doc.ID, Title: doc.Title, Status: doc.Status, SignerID: signer.ID, Email: signer.Email,
	})

	pending, err := s.signers.ListPendingByDocument(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending signers: %w", err)
	}
	if len(pending) > 0 {
		return doc, nil
	}

	changed, err := s.documents.TransitionStatus(ctx, documentID, models.DocumentStatusCompleted, models.DocumentStatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to complete document %s: %w", documentID, err)
	}
	if !changed {
		// A concurrent call finished the document and announced it.
		return s.load(ctx, documentID)
	}
	doc.Status = models.DocumentStatusCompleted

	if _, err := s.scheduler.CancelForDocument(ctx, documentID); err != nil {
		s.logger.Warn().Err(err).Str("document_id", documentID).Msg("failed to cancel document reminders")
	}
	s.dispatch(ctx, models.EventDocumentCompleted, documentEvent{DocumentID: doc.ID, Title: doc.Title, Status: doc.Status})
	s.logger.Info().Str("document_id", documentID).Msg("document completed")
	return doc, nil
}

func (s *Service) Cancel(ctx context.Context, id string) (*models.Document, error) {
	doc, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc.Status != models.DocumentStatusPending && doc.Status != models.DocumentStatusDraft {
		return nil, ErrInvalidStatus
	}

	changed, err := s.documents.TransitionStatus(ctx, id, models.DocumentStatusCancelled, models.DocumentStatusPending, models.DocumentStatusDraft)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel document %s: %w", id, err)
	}
	if !changed {
		return nil, ErrInvalidStatus
	}
	doc.Status = models.DocumentStatusCancelled

	if _, err := s.scheduler.CancelForDocument(ctx, id); err != nil {
		s.logger.Warn().Err(err).Str("document_id", id).Msg("failed to cancel document reminders")
	}
	s.dispatch(ctx, models.EventDocumentCancelled, documentEvent{DocumentID: doc.ID, Title: doc.Title, Status: doc.Status})
	return doc, nil
}

// Delete removes the document in a transaction. Queued reminder jobs and the stored file are
// cleaned up after the commit; failures there are only logged.
func (s *Service) Delete(ctx context.Context, id string) error {
	doc, err := s.load(ctx, id)
	if err != nil {
		return err
	}

	// Reminder rows cascade with the document, so their jobs are collected first.
	unsent, err := s.reminders.ListUnsent(ctx, id, "")
	if err != nil {
		return fmt.Errorf("failed to list reminders of %s: %w", id, err)
	}

	tx, err := s.documents.BeginTx(ctx)
	if err != nil {
		return err
	}
	deleted, err := s.documents.DeleteTx(ctx, tx, id)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to delete document %s: %w", id, err)
	}
	if !deleted {
		tx.Rollback()
		return ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit deletion of %s: %w", id, err)
	}

	logger := s.logger.With().Str("document_id", id).Logger()
	removed := s.scheduler.CancelReminders(ctx, unsent)
	if doc.FilePath != "" {
		if err := s.removeFile(doc.FilePath); err != nil && !os.IsNotExist(err) {
			logger.Warn().Err(err).Str("path", doc.FilePath).Msg("failed to remove document file")
		}
	}
	logger.Info().Int("reminder_jobs_removed", removed).Msg("document deleted")
	return nil
}

func (s *Service) dispatch(ctx context.Context, eventType string, data documentEvent) {
	if s.events == nil {
		return
	}
	if _, err := s.events.Dispatch(ctx, eventType, data); err != nil {
		s.logger.Error().Err(err).Str("event_type", eventType).Str("document_id", data.DocumentID).Msg("failed to dispatch webhook event")
	}
}
