package handler

import (
	"log/slog"
	"net/http"
	"time"
)

// Refresher accepts out-of-band refresh requests.
type Refresher interface {
	RequestRefresh() bool
}

// PipelineHandler serves pipeline trigger endpoints.
type PipelineHandler struct {
	logger  *slog.Logger
	catalog Refresher
}

// NewPipelineHandler creates a PipelineHandler. catalog may be nil when the
// metadata loop is not running.
func NewPipelineHandler(catalog Refresher, logger *slog.Logger) *PipelineHandler {
	return &PipelineHandler{catalog: catalog, logger: logger}
}

// TriggerCatalogRefresh asks the catalog loop for one immediate refresh.
// POST /api/catalog/refresh
func (h *PipelineHandler) TriggerCatalogRefresh(w http.ResponseWriter, r *http.Request) {
	if h.catalog == nil {
		writeError(w, http.StatusServiceUnavailable, "catalog loop is not running in this mode")
		return
	}
	queued := h.catalog.RequestRefresh()
	h.logger.InfoContext(r.Context(), "handler: catalog refresh requested",
		slog.Bool("queued", queued),
	)
	msg := "catalog refresh enqueued"
	if !queued {
		msg = "catalog refresh already pending"
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":       "accepted",
		"message":      msg,
		"requested_at": time.Now().UTC().Format(time.RFC3339),
	})
}
