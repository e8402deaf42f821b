package handlers

import (
	"context"
	"net/http"

	"stockledger/internal/common"
	"stockledger/internal/models"
	"stockledger/internal/services"

	"github.com/labstack/echo/v4"
)

// ReconciliationHandlers handles approval decisions on reconciliations.
type ReconciliationHandlers struct {
	reconciliations services.ReconciliationService
}

func NewReconciliationHandlers(reconciliations services.ReconciliationService) *ReconciliationHandlers {
	return &ReconciliationHandlers{reconciliations: reconciliations}
}

type DecisionBody struct {
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (h *ReconciliationHandlers) GetReconciliation(c echo.Context) error {
	id, err := pathUUID(c, "id")
	if err != nil {
		return common.SendError(c, err)
	}
	rec, err := h.reconciliations.Get(c.Request().Context(), id)
	if err != nil {
		return common.SendError(c, err)
	}
	return c.JSON(http.StatusOK, rec)
}

// Approve records an approval. The reconciliation is applied to the ledger
// once every required approver has signed off.
// @Summary Approve a reconciliation
// @Tags reconciliations
// @Produce json
// @Param id path string true "Reconciliation ID"
// @Param Idempotency-Key header string false "Idempotency key"
// @Success 200 {object} models.Reconciliation
// @Failure 409 {object} common.ErrorResponse
// @Router /v1/reconciliations/{id}/approve [post]
func (h *ReconciliationHandlers) Approve(c echo.Context) error {
	return h.decide(c, h.reconciliations.Approve)
}

// Reject closes the reconciliation without touching the ledger. A reason is
// required.
func (h *ReconciliationHandlers) Reject(c echo.Context) error {
	return h.decide(c, h.reconciliations.Reject)
}

func (h *ReconciliationHandlers) decide(c echo.Context, fn func(context.Context, services.DecisionRequest) (*models.Reconciliation, error)) error {
	actor, ok := requireActor(c)
	if !ok {
		return nil
	}
	id, err := pathUUID(c, "id")
	if err != nil {
		return common.SendError(c, err)
	}
	var body DecisionBody
	if err := bindJSON(c, &body); err != nil {
		return common.SendError(c, err)
	}

	rec, err := fn(c.Request().Context(), services.DecisionRequest{
		ReconciliationID: id,
		Reason:           body.Reason,
		IdempotencyKey:   idempotencyKey(c, body.IdempotencyKey),
		Actor:            actor,
	})
	if err != nil {
		return common.SendError(c, err)
	}
	return c.JSON(http.StatusOK, rec)
}
