package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"meldhub/core/statistics"
	"meldhub/core/store"
	"meldhub/core/tasks"
	"meldhub/core/utils"
)

type AdminHandler struct {
	integrations store.IntegrationsStore
	aggregator   *statistics.Aggregator
	tasks        *tasks.Service
	logger       *utils.Logger
}

func NewAdminHandler(integrations store.IntegrationsStore, aggregator *statistics.Aggregator,
	taskService *tasks.Service, logger *utils.Logger) *AdminHandler {
	return &AdminHandler{integrations: integrations, aggregator: aggregator, tasks: taskService, logger: logger}
}

func (h *AdminHandler) ListIntegrations(w http.ResponseWriter, r *http.Request) {
	integrations, err := h.integrations.ListIntegrations(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, errServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"integrations": integrations})
}

type integrationPayload struct {
	Provider       string                    `json:"provider"`
	Name           string                    `json:"name"`
	Settings       store.IntegrationSettings `json:"settings"`
	ConsumerID     string                    `json:"consumer_id"`
	ConsumerSecret string                    `json:"consumer_secret"`
	PollEnabled    bool                      `json:"poll_enabled"`
}

var validProviders = map[string]struct{}{
	store.ProviderTopdesk:     {},
	store.ProviderThreep:      {},
	store.ProviderGreenValley: {},
}

func (p *integrationPayload) validate() string {
	if _, ok := validProviders[p.Provider]; !ok {
		return "integrations.error.invalidProvider"
	}
	if strings.TrimSpace(p.Name) == "" {
		return "integrations.error.nameRequired"
	}
	return ""
}

// secretHash hashes the plain webhook secret; the stored record never
// carries the plaintext.
func secretHash(secret string) (string, error) {
	if secret == "" {
		return "", nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func (h *AdminHandler) CreateIntegration(w http.ResponseWriter, r *http.Request) {
	var payload integrationPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, errBadPayload)
		return
	}
	if key := payload.validate(); key != "" {
		writeError(w, http.StatusBadRequest, key)
		return
	}
	hash, err := secretHash(payload.ConsumerSecret)
	if err != nil {
		writeError(w, http.StatusInternalServerError, errServerError)
		return
	}
	integration := &store.Integration{
		Provider:    payload.Provider,
		Name:        payload.Name,
		Settings:    payload.Settings,
		ConsumerID:  payload.ConsumerID,
		SecretHash:  hash,
		PollEnabled: payload.PollEnabled,
	}
	if _, err := h.integrations.CreateIntegration(r.Context(), integration); err != nil {
		if h.logger != nil {
			h.logger.Errorf("create integration: %v", err)
		}
		writeError(w, http.StatusInternalServerError, errServerError)
		return
	}
	writeJSON(w, http.StatusCreated, integration)
}

func (h *AdminHandler) GetIntegration(w http.ResponseWriter, r *http.Request) {
	id, ok := urlParamInt64(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, errBadPayload)
		return
	}
	integration, err := h.integrations.GetIntegration(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, errNotFound)
		return
	}
	writeJSON(w, http.StatusOK, integration)
}

func (h *AdminHandler) UpdateIntegration(w http.ResponseWriter, r *http.Request) {
	id, ok := urlParamInt64(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, errBadPayload)
		return
	}
	existing, err := h.integrations.GetIntegration(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, errNotFound)
		return
	}
	var payload integrationPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, errBadPayload)
		return
	}
	if key := payload.validate(); key != "" {
		writeError(w, http.StatusBadRequest, key)
		return
	}
	existing.Provider = payload.Provider
	existing.Name = payload.Name
	existing.Settings = payload.Settings
	existing.ConsumerID = payload.ConsumerID
	existing.PollEnabled = payload.PollEnabled
	if payload.ConsumerSecret != "" {
		hash, err := secretHash(payload.ConsumerSecret)
		if err != nil {
			writeError(w, http.StatusInternalServerError, errServerError)
			return
		}
		existing.SecretHash = hash
	}
	if err := h.integrations.UpdateIntegration(r.Context(), existing); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, errNotFound)
			return
		}
		writeError(w, http.StatusInternalServerError, errServerError)
		return
	}
	writeJSON(w, http.StatusOK, existing)
}

func (h *AdminHandler) GetMappingConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := urlParamInt64(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, errBadPayload)
		return
	}
	formRef := strings.TrimSpace(r.URL.Query().Get("form_ref"))
	var (
		cfg *store.MappingConfigRecord
		err error
	)
	if formRef != "" {
		cfg, err = h.integrations.LatestMappingConfig(r.Context(), id, formRef)
	} else {
		cfg, err = h.integrations.LatestMappingConfigAny(r.Context(), id)
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, errNotFound)
			return
		}
		writeError(w, http.StatusInternalServerError, errServerError)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// SaveMappingConfig appends a new config version; previous versions
// stay untouched.
func (h *AdminHandler) SaveMappingConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := urlParamInt64(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, errBadPayload)
		return
	}
	if _, err := h.integrations.GetIntegration(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, errNotFound)
		return
	}
	var payload struct {
		FormRef string          `json:"form_ref"`
		Rules   json.RawMessage `json:"rules"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, errBadPayload)
		return
	}
	if strings.TrimSpace(payload.FormRef) == "" {
		writeError(w, http.StatusBadRequest, "integrations.error.formRefRequired")
		return
	}
	cfg := &store.MappingConfigRecord{
		IntegrationID: id,
		FormRef:       payload.FormRef,
		RulesJSON:     payload.Rules,
	}
	if _, err := h.integrations.SaveMappingConfig(r.Context(), cfg); err != nil {
		if h.logger != nil {
			h.logger.Errorf("save mapping config for integration %d: %v", id, err)
		}
		writeError(w, http.StatusInternalServerError, errServerError)
		return
	}
	writeJSON(w, http.StatusCreated, cfg)
}

// PollIntegration queues an immediate reconciliation poll, ahead of
// the scheduled one. Useful after fixing provider credentials.
func (h *AdminHandler) PollIntegration(w http.ResponseWriter, r *http.Request) {
	id, ok := urlParamInt64(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, errBadPayload)
		return
	}
	if _, err := h.integrations.GetIntegration(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, errNotFound)
		return
	}
	payload := tasks.PollIntegrationPayload{IntegrationID: id}
	if err := h.tasks.EnqueueNow(r.Context(), tasks.KindPollIntegration, payload); err != nil {
		if h.logger != nil {
			h.logger.Errorf("enqueue poll for integration %d: %v", id, err)
		}
		writeError(w, http.StatusInternalServerError, errServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// RebuildStatistics replays every month from the oldest report. Runs
// inline; the dataset is small enough that the request can wait.
func (h *AdminHandler) RebuildStatistics(w http.ResponseWriter, r *http.Request) {
	if err := h.aggregator.RebuildAll(r.Context(), time.Now()); err != nil {
		if h.logger != nil {
			h.logger.Errorf("rebuild statistics: %v", err)
		}
		writeError(w, http.StatusInternalServerError, errServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
