package handlers

import (
	"net/http"
	"time"

	"stockledger/internal/common"
	"stockledger/internal/models"
	"stockledger/internal/services"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// SnapshotHandlers handles point-in-time inventory snapshots.
type SnapshotHandlers struct {
	snapshots services.SnapshotService
}

func NewSnapshotHandlers(snapshots services.SnapshotService) *SnapshotHandlers {
	return &SnapshotHandlers{snapshots: snapshots}
}

type TakeSnapshotRequest struct {
	ProductIDs []uuid.UUID `json:"product_ids,omitempty"`
}

// TakeSnapshot records a manual snapshot of the given products, or of all
// products.
func (h *SnapshotHandlers) TakeSnapshot(c echo.Context) error {
	var req TakeSnapshotRequest
	if err := bindJSON(c, &req); err != nil {
		return common.SendError(c, err)
	}
	snap, err := h.snapshots.Take(c.Request().Context(), models.SnapshotManual, nil, req.ProductIDs)
	if err != nil {
		return common.SendError(c, err)
	}
	return c.JSON(http.StatusCreated, snap)
}

func (h *SnapshotHandlers) ListSnapshots(c echo.Context) error {
	limit, offset, err := queryPagination(c)
	if err != nil {
		return common.SendError(c, err)
	}
	snaps, err := h.snapshots.List(c.Request().Context(), limit, offset)
	if err != nil {
		return common.SendError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"snapshots": snaps,
		"limit":     limit,
		"offset":    offset,
	})
}

func (h *SnapshotHandlers) GetSnapshot(c echo.Context) error {
	id, err := pathUUID(c, "id")
	if err != nil {
		return common.SendError(c, err)
	}
	snap, err := h.snapshots.Get(c.Request().Context(), id)
	if err != nil {
		return common.SendError(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

// DriftReport compares the snapshot plus later adjustments with current
// quantities.
func (h *SnapshotHandlers) DriftReport(c echo.Context) error {
	id, err := pathUUID(c, "id")
	if err != nil {
		return common.SendError(c, err)
	}
	report, err := h.snapshots.DriftReport(c.Request().Context(), id)
	if err != nil {
		return common.SendError(c, err)
	}
	return c.JSON(http.StatusOK, report)
}

const archiveURLExpiry = 15 * time.Minute

// ArchiveURL returns a presigned link to the snapshot's archived JSON.
func (h *SnapshotHandlers) ArchiveURL(c echo.Context) error {
	id, err := pathUUID(c, "id")
	if err != nil {
		return common.SendError(c, err)
	}
	url, err := h.snapshots.ArchiveURL(c.Request().Context(), id, archiveURLExpiry)
	if err != nil {
		return common.SendError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"url":        url,
		"expires_in": int(archiveURLExpiry.Seconds()),
	})
}
