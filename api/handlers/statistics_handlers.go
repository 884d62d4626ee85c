package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"

	"meldhub/core/store"
)

type StatisticsHandler struct {
	statistics   store.StatisticsStore
	integrations store.IntegrationsStore
}

func NewStatisticsHandler(statistics store.StatisticsStore, integrations store.IntegrationsStore) *StatisticsHandler {
	return &StatisticsHandler{statistics: statistics, integrations: integrations}
}

type monthsOfYear struct {
	Year   int   `json:"year"`
	Months []int `json:"months"`
}

// Overview serves the public dashboard. Without year/month parameters
// it lists which months have data plus the tag dictionaries; with them
// it returns the precomputed rows for that month.
func (h *StatisticsHandler) Overview(w http.ResponseWriter, r *http.Request) {
	integrationID, ok := urlParamInt64(r, "integration_id")
	if !ok {
		writeError(w, http.StatusBadRequest, errBadPayload)
		return
	}
	if _, err := h.integrations.GetIntegration(r.Context(), integrationID); err != nil {
		writeError(w, http.StatusNotFound, errNotFound)
		return
	}

	q := r.URL.Query()
	year := parseIntDefault(q.Get("year"), 0)
	month := parseIntDefault(q.Get("month"), 0)
	if year > 0 && month >= 1 && month <= 12 {
		stats, err := h.statistics.GetMonth(r.Context(), integrationID, year, month)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeJSON(w, http.StatusOK, map[string]any{"year": year, "month": month, "data": []store.StatisticsRow{}})
				return
			}
			writeError(w, http.StatusInternalServerError, errServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"year": year, "month": month, "data": stats.Rows})
		return
	}

	byYear, err := h.statistics.ListMonths(r.Context(), integrationID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, errServerError)
		return
	}
	years := make([]int, 0, len(byYear))
	for y := range byYear {
		years = append(years, y)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(years)))
	results := make([]monthsOfYear, 0, len(years))
	for _, y := range years {
		months := byYear[y]
		sort.Sort(sort.Reverse(sort.IntSlice(months)))
		results = append(results, monthsOfYear{Year: y, Months: months})
	}

	categories := json.RawMessage("[]")
	subcategories := json.RawMessage("[]")
	if tm, err := h.integrations.GetTagMapping(r.Context(), integrationID); err == nil {
		categories = tm.Categories
		subcategories = tm.Subcategories
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results":       results,
		"categories":    categories,
		"subcategories": subcategories,
	})
}
