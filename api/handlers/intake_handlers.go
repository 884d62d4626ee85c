package handlers

import (
	"errors"
	"net/http"
	"time"

	"meldhub/config"
	"meldhub/core/incidents"
	"meldhub/core/mapping"
	"meldhub/core/store"
	"meldhub/core/utils"
)

type IntakeHandler struct {
	cfg    *config.AppConfig
	svc    *incidents.Service
	logger *utils.Logger
}

func NewIntakeHandler(cfg *config.AppConfig, svc *incidents.Service, logger *utils.Logger) *IntakeHandler {
	return &IntakeHandler{cfg: cfg, svc: svc, logger: logger}
}

var validSources = map[string]struct{}{
	store.SourceChatFlow:    {},
	store.SourceDynamicForm: {},
}

// Submit files a finished form or chat flow as an incident. The
// provider ticket is created before this returns, so the caller gets
// the external case number in the response.
func (h *IntakeHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		IntegrationID int64               `json:"integration_id"`
		FormRef       string              `json:"form_ref"`
		Source        string              `json:"source"`
		ReportDate    time.Time           `json:"report_date"`
		Reporter      *store.ReporterUser `json:"reporter"`
		Submission    mapping.Submission  `json:"submission"`
		Definition    mapping.Definition  `json:"definition"`
		SourceParams  store.SourceParams  `json:"source_params"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, errBadPayload)
		return
	}
	if payload.IntegrationID == 0 {
		writeError(w, http.StatusBadRequest, "incidents.error.integrationRequired")
		return
	}
	if _, ok := validSources[payload.Source]; !ok {
		writeError(w, http.StatusBadRequest, "incidents.error.invalidSource")
		return
	}
	if len(payload.Submission.Answers) == 0 {
		writeError(w, http.StatusBadRequest, "incidents.error.emptySubmission")
		return
	}

	rec, err := h.svc.Submit(r.Context(), incidents.SubmitRequest{
		IntegrationID: payload.IntegrationID,
		FormRef:       payload.FormRef,
		Source:        payload.Source,
		ReportDate:    payload.ReportDate,
		Reporter:      payload.Reporter,
		Submission:    payload.Submission,
		Definition:    payload.Definition,
		SourceParams:  payload.SourceParams,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, errNotFound)
			return
		}
		if h.logger != nil {
			h.logger.Errorf("intake for integration %d: %v", payload.IntegrationID, err)
		}
		writeError(w, http.StatusBadGateway, "incidents.error.providerFailed")
		return
	}

	externalID := ""
	if rec.ExternalID != nil {
		externalID = *rec.ExternalID
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":          rec.ID,
		"external_id": externalID,
		"status":      rec.Status,
		"visible":     rec.Visible,
	})
}
