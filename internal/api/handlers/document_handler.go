package handlers

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"time"

	"signet/internal/engine/documents"
	"signet/internal/engine/reminders"
	"signet/internal/pkg/errors"
	"signet/internal/platform/audit"
	"signet/internal/platform/models"
	"signet/internal/platform/repositories"
)

type DocumentHandler struct {
	documents *repositories.DocumentRepository
	service   *documents.Service
	scheduler *reminders.Scheduler
	audit     *audit.Logger
}

func NewDocumentHandler(repo *repositories.DocumentRepository, service *documents.Service, scheduler *reminders.Scheduler, auditLogger *audit.Logger) *DocumentHandler {
	return &DocumentHandler{documents: repo, service: service, scheduler: scheduler, audit: auditLogger}
}

func (h *DocumentHandler) Send(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.load(w, r)
	if !ok {
		return
	}

	sent, err := h.service.Send(r.Context(), doc.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.audit.Log(r.Context(), audit.ActionDocumentSend, "document", doc.ID, nil)
	writeJSON(w, http.StatusOK, sent)
}

func (h *DocumentHandler) Sign(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.load(w, r)
	if !ok {
		return
	}

	updated, err := h.service.RecordSignature(r.Context(), doc.ID, param(r, "signer_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *DocumentHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.load(w, r)
	if !ok {
		return
	}

	cancelled, err := h.service.Cancel(r.Context(), doc.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.audit.Log(r.Context(), audit.ActionDocumentCancel, "document", doc.ID, nil)
	writeJSON(w, http.StatusOK, cancelled)
}

func (h *DocumentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.load(w, r)
	if !ok {
		return
	}

	if err := h.service.Delete(r.Context(), doc.ID); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.audit.Log(r.Context(), audit.ActionDocumentDelete, "document", doc.ID, map[string]interface{}{"title": doc.Title})
	w.WriteHeader(http.StatusNoContent)
}

// ScheduleReminder plans a custom reminder for one signer. The body carries the fire time in
// unix milliseconds.
func (h *DocumentHandler) ScheduleReminder(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.load(w, r)
	if !ok {
		return
	}
	if doc.Status != models.DocumentStatusPending {
		errors.WriteError(w, http.StatusConflict, errors.ErrCodeInvalidTransition, "Reminders can only be scheduled for pending documents", nil)
		return
	}

	var req struct {
		At int64 `json:"at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.At <= 0 {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	reminder, err := h.scheduler.ScheduleCustom(r.Context(), doc.ID, param(r, "signer_id"), time.UnixMilli(req.At))
	switch {
	case stderrors.Is(err, reminders.ErrSignerNotFound):
		errors.WriteError(w, http.StatusNotFound, errors.ErrCodeNotFound, "Signer not found", nil)
		return
	case stderrors.Is(err, repositories.ErrDuplicateReminder):
		errors.WriteError(w, http.StatusConflict, errors.ErrCodeDuplicate, "A custom reminder is already scheduled for this signer", nil)
		return
	case err != nil:
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, err.Error(), nil)
		return
	}

	h.audit.Log(r.Context(), audit.ActionReminderSchedule, "reminder", reminder.ID, map[string]interface{}{"document_id": doc.ID})
	writeJSON(w, http.StatusCreated, reminder)
}

func (h *DocumentHandler) load(w http.ResponseWriter, r *http.Request) (*models.Document, bool) {
	doc, err := h.documents.GetByID(r.Context(), param(r, "document_id"))
	if err != nil {
		writeInternal(w, r, err)
		return nil, false
	}
	if doc == nil || !canAccess(claimsFrom(r), doc.OwnerID) {
		errors.WriteError(w, http.StatusNotFound, errors.ErrCodeNotFound, "Document not found", nil)
		return nil, false
	}
	return doc, true
}

func (h *DocumentHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case stderrors.Is(err, documents.ErrNotFound):
		errors.WriteError(w, http.StatusNotFound, errors.ErrCodeNotFound, "Document not found", nil)
	case stderrors.Is(err, documents.ErrNotSigner):
		errors.WriteError(w, http.StatusConflict, errors.ErrCodeConflict, err.Error(), nil)
	case stderrors.Is(err, documents.ErrInvalidStatus):
		errors.WriteError(w, http.StatusConflict, errors.ErrCodeInvalidTransition, err.Error(), nil)
	default:
		writeInternal(w, r, err)
	}
}
