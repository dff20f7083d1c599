package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// CursorReader reads the tail cursor.
type CursorReader interface {
	GetCursor(ctx context.Context, network, source string) (uint64, error)
}

// AlertCounters reports trigger delivery totals.
type AlertCounters interface {
	Sent() int64
	Dropped() int64
}

// HeadReader reports the block an external indexer has reached.
type HeadReader interface {
	HeadBlock(ctx context.Context) (uint64, error)
}

// StatusHandler serves the pipeline status (mode, network, tail position).
type StatusHandler struct {
	Mode    string
	Network string
	Source  string
	// Reference, when set, is compared against the cursor to report lag.
	Reference HeadReader
	started   time.Time
	cursors   CursorReader
	alerts    AlertCounters
	logger    *slog.Logger
}

// NewStatusHandler creates a StatusHandler. cursors and alerts may be nil.
func NewStatusHandler(mode, network, source string, cursors CursorReader, alerts AlertCounters, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		Mode:    mode,
		Network: network,
		Source:  source,
		started: time.Now().UTC(),
		cursors: cursors,
		alerts:  alerts,
		logger:  logger,
	}
}

type statusResponse struct {
	Mode          string `json:"mode"`
	Network       string `json:"network"`
	StartedAt     string `json:"started_at"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	CursorBlock   uint64 `json:"cursor_block"`
	AlertsSent    int64  `json:"alerts_sent"`
	AlertsDropped int64  `json:"alerts_dropped"`

	ReferenceHead  uint64 `json:"reference_head,omitempty"`
	LagBlocks      int64  `json:"lag_blocks,omitempty"`
	ReferenceError string `json:"reference_error,omitempty"`
}

// GetStatus responds with the current mode and the last fully processed block.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Mode:          h.Mode,
		Network:       h.Network,
		StartedAt:     h.started.Format(time.RFC3339),
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
	}
	if h.cursors != nil {
		block, err := h.cursors.GetCursor(r.Context(), h.Network, h.Source)
		if err != nil {
			h.logger.ErrorContext(r.Context(), "handler: read cursor failed",
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to read cursor")
			return
		}
		resp.CursorBlock = block
	}
	if h.Reference != nil {
		head, err := h.Reference.HeadBlock(r.Context())
		if err != nil {
			resp.ReferenceError = err.Error()
		} else {
			resp.ReferenceHead = head
			resp.LagBlocks = int64(head) - int64(resp.CursorBlock)
		}
	}
	if h.alerts != nil {
		resp.AlertsSent = h.alerts.Sent()
		resp.AlertsDropped = h.alerts.Dropped()
	}
	writeJSON(w, http.StatusOK, resp)
}
