package handlers

import (
	"net/http"
	"strconv"

	"stockledger/internal/common"
	"stockledger/internal/models"
	"stockledger/internal/services"

	"github.com/labstack/echo/v4"
)

// SyncHandlers handles offline queue pushes from terminals.
type SyncHandlers struct {
	sync services.SyncService
}

func NewSyncHandlers(sync services.SyncService) *SyncHandlers {
	return &SyncHandlers{sync: sync}
}

type SyncPushRequest struct {
	Operations []models.SyncOperationRequest `json:"operations"`
}

type SyncPushResponse struct {
	TerminalID string                `json:"terminal_id"`
	Results    []models.SyncOpResult `json:"results"`
}

// PushQueue replays a terminal's queued operations in local sequence order.
// The response has one result per operation; operations marked retry should
// be sent again later.
// @Summary Push a terminal's offline queue
// @Tags sync
// @Accept json
// @Produce json
// @Param id path string true "Terminal ID"
// @Param batch body SyncPushRequest true "Queued operations"
// @Success 200 {object} SyncPushResponse
// @Router /v1/terminals/{id}/sync [post]
func (h *SyncHandlers) PushQueue(c echo.Context) error {
	actor, ok := requireActor(c)
	if !ok {
		return nil
	}
	terminalID := c.Param("id")
	if err := common.ValidateRequiredString(terminalID, "terminal_id"); err != nil {
		return common.SendError(c, err)
	}
	var req SyncPushRequest
	if err := bindJSON(c, &req); err != nil {
		return common.SendError(c, err)
	}

	results, err := h.sync.SyncTerminalQueue(c.Request().Context(), terminalID, req.Operations, actor)
	if err != nil {
		return common.SendError(c, err)
	}
	return c.JSON(http.StatusOK, SyncPushResponse{TerminalID: terminalID, Results: results})
}

// PendingResolutions lists rejected operations awaiting manual resolution.
func (h *SyncHandlers) PendingResolutions(c echo.Context) error {
	terminalID := c.Param("id")
	limit := 100
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return common.SendValidationError(c, "limit", "must be a positive integer")
		}
		limit = n
	}
	ops, err := h.sync.PendingResolutions(c.Request().Context(), terminalID, limit)
	if err != nil {
		return common.SendError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"terminal_id": terminalID,
		"operations":  ops,
	})
}
