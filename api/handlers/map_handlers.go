package handlers

import (
	"net/http"
	"strings"
	"time"

	"meldhub/config"
	"meldhub/core/geosearch"
	"meldhub/core/statistics"
	"meldhub/core/store"
	"meldhub/core/utils"
)

// Marker styling per lifecycle state, shared with the mobile clients.
var statusIcons = map[store.IncidentStatus]struct {
	Icon  string
	Color string
}{
	store.StatusNew:        {Icon: "exclamation-circle", Color: "#f10812"},
	store.StatusInProgress: {Icon: "wrench", Color: "#eeb309"},
	store.StatusResolved:   {Icon: "check-circle", Color: "#a4c14d"},
}

var voteOptions = []map[string]string{
	{"id": store.VoteOptionPositive, "icon": "fa-thumbs-o-up", "color": "#87CD03"},
	{"id": store.VoteOptionNegative, "icon": "fa-eye", "color": "#FE6B00"},
}

type MapHandler struct {
	cfg        *config.AppConfig
	incidents  store.IncidentsStore
	votes      store.VotesStore
	searcher   *geosearch.Searcher
	aggregator *statistics.Aggregator
	logger     *utils.Logger
}

func NewMapHandler(cfg *config.AppConfig, incidents store.IncidentsStore, votes store.VotesStore,
	searcher *geosearch.Searcher, aggregator *statistics.Aggregator, logger *utils.Logger) *MapHandler {
	return &MapHandler{cfg: cfg, incidents: incidents, votes: votes, searcher: searcher, aggregator: aggregator, logger: logger}
}

type mapItem struct {
	ID         string          `json:"id"`
	Title      string          `json:"title"`
	Lat        float64         `json:"lat"`
	Lon        float64         `json:"lon"`
	Status     string          `json:"status"`
	Icon       string          `json:"icon"`
	Color      string          `json:"color"`
	ReportDate time.Time       `json:"report_date"`
	Distance   float64         `json:"distance"`
}

// Items is the public map query: visible incidents around a point,
// nearest first, with an offset cursor.
func (h *MapHandler) Items(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, okLat := parseFloat(q.Get("lat"))
	lon, okLon := parseFloat(q.Get("lon"))
	if !okLat || !okLon {
		writeError(w, http.StatusBadRequest, "map.error.locationRequired")
		return
	}
	distance, ok := parseFloat(q.Get("distance"))
	if !ok || distance <= 0 {
		distance = 1500
	}
	status := store.IncidentStatus(strings.TrimSpace(q.Get("status")))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, "map.error.invalidStatus")
		return
	}
	pageSize := parseIntDefault(q.Get("page_size"), 50)
	if pageSize <= 0 || pageSize > h.cfg.Map.MaxPageSize {
		pageSize = h.cfg.Map.MaxPageSize
	}
	cursor := parseIntDefault(q.Get("cursor"), 0)

	page, err := h.searcher.Search(r.Context(), lat, lon, distance, status, cursor, pageSize)
	if err != nil {
		if h.logger != nil {
			h.logger.Errorf("map search: %v", err)
		}
		writeError(w, http.StatusInternalServerError, errServerError)
		return
	}

	items := make([]mapItem, 0, len(page.Items))
	for _, it := range page.Items {
		style := statusIcons[it.Incident.Status]
		items = append(items, mapItem{
			ID:         it.Incident.ID,
			Title:      it.Incident.Title,
			Lat:        it.Incident.Geo.Lat,
			Lon:        it.Incident.Geo.Lon,
			Status:     string(it.Incident.Status),
			Icon:       style.Icon,
			Color:      style.Color,
			ReportDate: it.Incident.ReportDate,
			Distance:   it.Distance,
		})
	}
	response := map[string]any{
		"items":    items,
		"distance": distance,
		"cursor":   page.Cursor,
	}
	if userID := strings.TrimSpace(q.Get("user_id")); userID != "" {
		if integrationID, ok := parseIntegrationID(q.Get("integration_id")); ok {
			announcement, err := h.aggregator.MapAnnouncement(r.Context(), integrationID, userID, time.Now())
			if err == nil && announcement != nil {
				response["announcement"] = announcement
			}
		}
	}
	writeJSON(w, http.StatusOK, response)
}

func parseIntegrationID(raw string) (int64, bool) {
	v := parseIntDefault(raw, 0)
	if v <= 0 {
		return 0, false
	}
	return int64(v), true
}

type mapDetailItem struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Status      string            `json:"status"`
	ReportDate  time.Time         `json:"report_date"`
	Votes       *store.VoteRecord `json:"votes"`
	UserVote    string            `json:"user_vote,omitempty"`
}

// Detail hydrates a set of markers with descriptions and vote tallies.
func (h *MapHandler) Detail(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		IDs    []string `json:"ids"`
		UserID string   `json:"user_id"`
	}
	if err := decodeJSON(r, &payload); err != nil || len(payload.IDs) == 0 {
		writeError(w, http.StatusBadRequest, errBadPayload)
		return
	}
	userVotes := map[string]string{}
	if payload.UserID != "" {
		if votes, err := h.votes.GetUserVotes(r.Context(), payload.UserID, payload.IDs); err == nil {
			userVotes = votes
		}
	}
	items := make([]mapDetailItem, 0, len(payload.IDs))
	for _, id := range payload.IDs {
		rec, err := h.incidents.GetIncident(r.Context(), id)
		if err != nil || !rec.Visible {
			continue
		}
		votes, err := h.votes.GetVote(r.Context(), id)
		if err != nil {
			votes = &store.VoteRecord{IncidentID: id}
		}
		items = append(items, mapDetailItem{
			ID:          rec.ID,
			Title:       rec.Title,
			Description: rec.Description,
			Status:      string(rec.Status),
			ReportDate:  rec.ReportDate,
			Votes:       votes,
			UserVote:    userVotes[id],
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":        items,
		"vote_options": voteOptions,
	})
}

// Vote toggles the caller's vote on one incident.
func (h *MapHandler) Vote(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		IncidentID string `json:"incident_id"`
		UserID     string `json:"user_id"`
		OptionID   string `json:"option_id"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, errBadPayload)
		return
	}
	if payload.IncidentID == "" || payload.UserID == "" {
		writeError(w, http.StatusBadRequest, errBadPayload)
		return
	}
	rec, err := h.incidents.GetIncident(r.Context(), payload.IncidentID)
	if err != nil || !rec.Visible {
		writeError(w, http.StatusNotFound, errNotFound)
		return
	}
	if rec.Status == store.StatusResolved {
		writeError(w, http.StatusBadRequest, "map.error.votingClosed")
		return
	}
	votes, current, err := h.votes.CastVote(r.Context(), payload.IncidentID, payload.UserID, payload.OptionID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "map.error.invalidVote")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"votes":     votes,
		"user_vote": current,
	})
}
