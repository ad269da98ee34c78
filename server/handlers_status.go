package server

import (
	"net/http"

	"github.com/onnwee/voicelabel/naming"
)

type statusResponse struct {
	Channels       []naming.Record `json:"channels"`
	Tracked        int             `json:"tracked"`
	PendingRetries int             `json:"pending_retries"`
}

// HandleStatus lists every tracked channel with its original label, last applied
// label, and pending retry time.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	recs, err := h.svc.Records(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []naming.Record{}
	}
	now := h.now()
	resp := statusResponse{Channels: recs, Tracked: len(recs)}
	for _, rec := range recs {
		if rec.RetryPending(now) {
			resp.PendingRetries++
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
