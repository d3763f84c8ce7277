package handlers

import (
	stderrors "errors"
	"net/http"

	"signet/internal/engine/deadletter"
	"signet/internal/pkg/errors"
	"signet/internal/platform/audit"
)

type DeadLetterHandler struct {
	service *deadletter.Service
	audit   *audit.Logger
}

func NewDeadLetterHandler(service *deadletter.Service, auditLogger *audit.Logger) *DeadLetterHandler {
	return &DeadLetterHandler{service: service, audit: auditLogger}
}

func (h *DeadLetterHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r, 50, 200)
	entries, err := h.service.List(r.Context(), deadletter.Filter{
		QueueName: r.URL.Query().Get("queue"),
		Status:    r.URL.Query().Get("status"),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		writeInternal(w, r, err)
		return
	}

	counts, err := h.service.Counts(r.Context())
	if err != nil {
		writeInternal(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"counts":  counts,
		"limit":   limit,
		"offset":  offset,
	})
}

func (h *DeadLetterHandler) Get(w http.ResponseWriter, r *http.Request) {
	entry, err := h.service.Get(r.Context(), param(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *DeadLetterHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id := param(r, "id")
	jobID, err := h.service.Retry(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.audit.Log(r.Context(), audit.ActionDeadLetterRetry, "dead_letter", id, map[string]interface{}{"retry_job_id": jobID})
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "job_id": jobID})
}

func (h *DeadLetterHandler) Discard(w http.ResponseWriter, r *http.Request) {
	id := param(r, "id")
	if err := h.service.Discard(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}

	h.audit.Log(r.Context(), audit.ActionDeadLetterDiscard, "dead_letter", id, nil)
	h.respondEntry(w, r, id)
}

func (h *DeadLetterHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	id := param(r, "id")
	if err := h.service.Resolve(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}

	h.audit.Log(r.Context(), audit.ActionDeadLetterResolve, "dead_letter", id, nil)
	h.respondEntry(w, r, id)
}

func (h *DeadLetterHandler) respondEntry(w http.ResponseWriter, r *http.Request, id string) {
	entry, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *DeadLetterHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case stderrors.Is(err, deadletter.ErrEntryNotFound):
		errors.WriteError(w, http.StatusNotFound, errors.ErrCodeNotFound, "Dead letter entry not found", nil)
	case stderrors.Is(err, deadletter.ErrInvalidTransition):
		errors.WriteError(w, http.StatusConflict, errors.ErrCodeInvalidTransition, err.Error(), nil)
	default:
		writeInternal(w, r, err)
	}
}
