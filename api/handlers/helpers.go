package handlers

import (
	"encoding/json"
	"net/http"
)

// Error bodies carry i18n keys; the clients translate.
const (
	errServerError  = "common.serverError"
	errBadPayload   = "common.badPayload"
	errNotFound     = "common.notFound"
	errUnauthorized = "common.unauthorized"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, key string) {
	writeJSON(w, status, map[string]string{"error": key})
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
