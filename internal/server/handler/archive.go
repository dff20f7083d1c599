package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/polydearboard/internal/domain"
)

// ArchiveLister enumerates the cold-storage parts of one UTC day.
type ArchiveLister interface {
	ListArchives(ctx context.Context, day time.Time) ([]domain.BlobInfo, error)
}

// ArchiveHandler serves the archive index, which is where evicted trades can
// still be found once they leave the hot ledger.
type ArchiveHandler struct {
	archives ArchiveLister
	logger   *slog.Logger
}

func NewArchiveHandler(archives ArchiveLister, logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{archives: archives, logger: logHandler(logger, "archive")}
}

type archivePart struct {
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified,omitzero"`
}

// ListDay lists the archive parts written by sweeps with a cutoff on day.
// GET /api/archives/{day}
func (h *ArchiveHandler) ListDay(w http.ResponseWriter, r *http.Request) {
	day, err := time.Parse(time.DateOnly, pathParam(r, "day"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "day must be YYYY-MM-DD")
		return
	}
	infos, err := h.archives.ListArchives(r.Context(), day)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list archives failed",
			slog.String("day", day.Format(time.DateOnly)),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadGateway, "archive store unavailable")
		return
	}
	parts := make([]archivePart, len(infos))
	var total int64
	for i, b := range infos {
		parts[i] = archivePart{Path: b.Path, Size: b.Size, LastModified: b.LastModified}
		total += b.Size
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"day":         day.Format(time.DateOnly),
		"parts":       parts,
		"total_bytes": total,
	})
}
