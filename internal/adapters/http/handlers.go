package http

import (
	"net/http"
	"time"
)

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeMessage(w, http.StatusOK, "ok")
}

func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Ready(r.Context()); err != nil {
		h.writeMappedError(r.Context(), w, "readyz", err)
		return
	}
	writeMessage(w, http.StatusOK, "ready")
}

func (h *Handler) metricsSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeSuccess(w, http.StatusOK, h.metrics.Snapshot(time.Now().UTC()))
}
