package handlers

import (
	"encoding/json"
	"net/http"

	"signet/internal/engine/webhooks"
	"signet/internal/pkg/errors"
	"signet/internal/pkg/validator"
	"signet/internal/platform/audit"
	"signet/internal/platform/models"
	"signet/internal/platform/repositories"
)

type WebhookHandler struct {
	repo   *repositories.WebhookRepository
	events *webhooks.EventStore
	audit  *audit.Logger
}

func NewWebhookHandler(repo *repositories.WebhookRepository, events *webhooks.EventStore, auditLogger *audit.Logger) *WebhookHandler {
	return &WebhookHandler{repo: repo, events: events, audit: auditLogger}
}

// Create registers a subscription. The signing secret is generated here and returned only in
// this response.
func (h *WebhookHandler) Create(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	var req struct {
		URL    string   `json:"url"`
		Events []string `json:"events"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	if err := validator.ValidateWebhookURL(req.URL); err != nil {
		errors.WriteInvalidField(w, "url", err)
		return
	}
	if err := validator.ValidateEventTypes(req.Events, models.EventTypes); err != nil {
		errors.WriteInvalidField(w, "events", err)
		return
	}

	webhook := &models.Webhook{
		UserID: claims.UserID,
		URL:    req.URL,
		Events: req.Events,
	}
	if err := h.repo.Create(r.Context(), webhook); err != nil {
		writeInternal(w, r, err)
		return
	}

	h.audit.Log(r.Context(), audit.ActionWebhookCreate, "webhook", webhook.ID, map[string]interface{}{"url": webhook.URL})
	writeJSON(w, http.StatusCreated, webhook)
}

func (h *WebhookHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.repo.ListByUser(r.Context(), claimsFrom(r).UserID)
	if err != nil {
		writeInternal(w, r, err)
		return
	}

	// Secrets are shown once at creation.
	for _, webhook := range list {
		webhook.Secret = ""
	}
	if list == nil {
		list = []*models.Webhook{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *WebhookHandler) Delete(w http.ResponseWriter, r *http.Request) {
	webhook, ok := h.load(w, r)
	if !ok {
		return
	}

	if _, err := h.repo.Delete(r.Context(), webhook.ID); err != nil {
		writeInternal(w, r, err)
		return
	}

	h.audit.Log(r.Context(), audit.ActionWebhookDelete, "webhook", webhook.ID, nil)
	w.WriteHeader(http.StatusNoContent)
}

// Events lists the delivery history of a webhook, newest first.
func (h *WebhookHandler) Events(w http.ResponseWriter, r *http.Request) {
	webhook, ok := h.load(w, r)
	if !ok {
		return
	}

	limit, _ := pagination(r, 50, 200)
	events, err := h.events.ListByWebhook(r.Context(), webhook.ID, limit)
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	if events == nil {
		events = []*models.WebhookEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *WebhookHandler) load(w http.ResponseWriter, r *http.Request) (*models.Webhook, bool) {
	webhook, err := h.repo.GetByID(r.Context(), param(r, "webhook_id"))
	if err != nil {
		writeInternal(w, r, err)
		return nil, false
	}
	if webhook == nil || !canAccess(claimsFrom(r), webhook.UserID) {
		errors.WriteError(w, http.StatusNotFound, errors.ErrCodeNotFound, "Webhook not found", nil)
		return nil, false
	}
	return webhook, true
}
