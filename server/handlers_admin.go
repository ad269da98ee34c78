package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/onnwee/voicelabel/naming"
	"github.com/onnwee/voicelabel/telemetry"
)

// HandleAdminReconcile reconciles one channel from a fresh snapshot now.
// A pending rate limit backoff is still honored.
func (h *Handlers) HandleAdminReconcile(w http.ResponseWriter, r *http.Request) {
	channelID, ok := channelParam(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	if err := h.svc.ReconcileChannel(ctx, channelID); err != nil {
		telemetry.LoggerWithCorr(ctx).Error("admin reconcile failed", slog.String("channel", channelID), slog.Any("err", err), slog.String("component", "http"))
		status := http.StatusInternalServerError
		if errors.Is(err, naming.ErrInvalidSnapshot) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}
	rec, found, err := h.svc.Record(ctx, channelID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp := map[string]any{"status": "ok", "channel": channelID}
	if found {
		resp["record"] = rec
	} else {
		resp["status"] = "untracked"
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleAdminForget drops all stored state for one channel.
func (h *Handlers) HandleAdminForget(w http.ResponseWriter, r *http.Request) {
	channelID, ok := channelParam(w, r)
	if !ok {
		return
	}
	if err := h.svc.Forget(r.Context(), channelID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "channel": channelID})
}
