package handlers

import (
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"meldhub/core/providers/greenvalley"
	"meldhub/core/reconcile"
	"meldhub/core/store"
	"meldhub/core/utils"
)

type WebhooksHandler struct {
	integrations store.IntegrationsStore
	reconciler   *reconcile.Engine
	logger       *utils.Logger
}

func NewWebhooksHandler(integrations store.IntegrationsStore, reconciler *reconcile.Engine, logger *utils.Logger) *WebhooksHandler {
	return &WebhooksHandler{integrations: integrations, reconciler: reconciler, logger: logger}
}

// authenticate checks the webhook's basic auth pair against the
// integration's consumer id and hashed shared secret.
func (h *WebhooksHandler) authenticate(r *http.Request, integration *store.Integration) bool {
	consumer, secret, ok := r.BasicAuth()
	if !ok || integration.ConsumerID == "" || integration.SecretHash == "" {
		return false
	}
	if strings.TrimSpace(consumer) != integration.ConsumerID {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(integration.SecretHash), []byte(secret)) == nil
}

func (h *WebhooksHandler) integration(w http.ResponseWriter, r *http.Request, provider string) *store.Integration {
	id, ok := urlParamInt64(r, "integration_id")
	if !ok {
		writeError(w, http.StatusBadRequest, errBadPayload)
		return nil
	}
	integration, err := h.integrations.GetIntegration(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, errNotFound)
		return nil
	}
	if integration.Provider != provider {
		writeError(w, http.StatusNotFound, errNotFound)
		return nil
	}
	if !h.authenticate(r, integration) {
		writeError(w, http.StatusUnauthorized, errUnauthorized)
		return nil
	}
	return integration
}

// Topdesk receives the processing-status callback. The payload only
// names the ticket; the fresh state is read back from the provider, so
// replays and out-of-order deliveries converge on the same record.
func (h *WebhooksHandler) Topdesk(w http.ResponseWriter, r *http.Request) {
	integration := h.integration(w, r, store.ProviderTopdesk)
	if integration == nil {
		return
	}
	var payload struct {
		Number  string `json:"number"`
		ID      string `json:"id"`
		Message string `json:"message"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, errBadPayload)
		return
	}
	externalID := strings.TrimSpace(payload.Number)
	if externalID == "" {
		externalID = strings.TrimSpace(payload.ID)
	}
	if externalID == "" {
		writeError(w, http.StatusBadRequest, "webhooks.error.ticketRequired")
		return
	}
	if err := h.reconciler.Reconcile(r.Context(), integration, externalID, payload.Message); err != nil {
		if h.logger != nil {
			h.logger.Errorf("topdesk webhook for %s: %v", externalID, err)
		}
		writeError(w, http.StatusInternalServerError, errServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *WebhooksHandler) GreenValley(w http.ResponseWriter, r *http.Request) {
	integration := h.integration(w, r, store.ProviderGreenValley)
	if integration == nil {
		return
	}
	var notification greenvalley.Notification
	if err := decodeJSON(r, &notification); err != nil {
		writeError(w, http.StatusBadRequest, errBadPayload)
		return
	}
	if strings.TrimSpace(notification.CaseReference) == "" {
		writeError(w, http.StatusBadRequest, "webhooks.error.caseReferenceRequired")
		return
	}
	if err := h.reconciler.HandleGreenValleyNotification(r.Context(), integration, notification); err != nil {
		if h.logger != nil {
			h.logger.Errorf("green valley webhook for %s: %v", notification.CaseReference, err)
		}
		writeError(w, http.StatusInternalServerError, errServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
