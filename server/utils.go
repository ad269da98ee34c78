package server

import (
	"encoding/json"
	"net/http"
	"strings"
)

// writeJSON sets headers before the status code and encodes v.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// channelParam requires POST and a non-empty channel query parameter,
// writing the error response itself when either is missing.
func channelParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return "", false
	}
	id := strings.TrimSpace(r.URL.Query().Get("channel"))
	if id == "" {
		http.Error(w, "channel query parameter required", http.StatusBadRequest)
		return "", false
	}
	return id, true
}
