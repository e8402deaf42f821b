package handlers

import (
	"net/http"

	"stockledger/internal/common"
	"stockledger/internal/services"

	"github.com/labstack/echo/v4"
)

// InventoryHandlers handles ledger reads and manual adjustments.
type InventoryHandlers struct {
	ledger      services.LedgerService
	adjustments services.AdjustmentService
}

func NewInventoryHandlers(ledger services.LedgerService, adjustments services.AdjustmentService) *InventoryHandlers {
	return &InventoryHandlers{ledger: ledger, adjustments: adjustments}
}

// CreateAdjustment records a damage, theft, found, correction or initial
// adjustment.
// @Summary Create an inventory adjustment
// @Tags inventory
// @Accept json
// @Produce json
// @Param Idempotency-Key header string false "Idempotency key"
// @Param adjustment body services.AdjustmentRequest true "Adjustment"
// @Success 201 {object} services.AdjustmentResult
// @Failure 409 {object} common.ErrorResponse
// @Router /v1/adjustments [post]
func (h *InventoryHandlers) CreateAdjustment(c echo.Context) error {
	actor, ok := requireActor(c)
	if !ok {
		return nil
	}
	var req services.AdjustmentRequest
	if err := bindJSON(c, &req); err != nil {
		return common.SendError(c, err)
	}
	req.IdempotencyKey = idempotencyKey(c, req.IdempotencyKey)
	req.Actor = actor

	result, err := h.adjustments.CreateAdjustment(c.Request().Context(), req)
	if err != nil {
		return common.SendError(c, err)
	}
	return c.JSON(replayStatus(result.Replayed, http.StatusCreated), result)
}

// GetQuantity returns the product's current quantity, served from cache
// when possible. Pass fresh=true to read the ledger directly.
func (h *InventoryHandlers) GetQuantity(c echo.Context) error {
	id, err := pathUUID(c, "id")
	if err != nil {
		return common.SendError(c, err)
	}
	ctx := c.Request().Context()

	if c.QueryParam("fresh") == "true" {
		qty, err := h.ledger.FreshQuantity(ctx, id)
		if err != nil {
			return common.SendError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]interface{}{"product_id": id, "quantity": qty, "cached": false})
	}

	level, err := h.ledger.CurrentQuantity(ctx, id)
	if err != nil {
		return common.SendError(c, err)
	}
	return c.JSON(http.StatusOK, level)
}

// History lists a product's adjustments, newest first.
func (h *InventoryHandlers) History(c echo.Context) error {
	id, err := pathUUID(c, "id")
	if err != nil {
		return common.SendError(c, err)
	}
	limit, offset, err := queryPagination(c)
	if err != nil {
		return common.SendError(c, err)
	}
	adjustments, err := h.ledger.History(c.Request().Context(), id, limit, offset)
	if err != nil {
		return common.SendError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"adjustments": adjustments,
		"limit":       limit,
		"offset":      offset,
	})
}

func (h *InventoryHandlers) VerifyProduct(c echo.Context) error {
	id, err := pathUUID(c, "id")
	if err != nil {
		return common.SendError(c, err)
	}
	result, err := h.ledger.VerifyProduct(c.Request().Context(), id)
	if err != nil {
		return common.SendError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// VerifyAll reports every product whose quantity disagrees with its
// adjustment history. An empty list means the ledger is consistent.
func (h *InventoryHandlers) VerifyAll(c echo.Context) error {
	mismatches, err := h.ledger.VerifyAll(c.Request().Context())
	if err != nil {
		return common.SendError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"consistent": len(mismatches) == 0,
		"mismatches": mismatches,
	})
}
