package handlers

import (
	"net/http"

	"stockledger/internal/common"
	"stockledger/internal/services"

	"github.com/labstack/echo/v4"
)

// CountHandlers handles physical count sessions.
type CountHandlers struct {
	counts          services.CountService
	reconciliations services.ReconciliationService
}

func NewCountHandlers(counts services.CountService, reconciliations services.ReconciliationService) *CountHandlers {
	return &CountHandlers{counts: counts, reconciliations: reconciliations}
}

// StartSession opens a count session, or schedules it when scheduled_for is
// in the future.
// @Summary Start a count session
// @Tags counts
// @Accept json
// @Produce json
// @Param Idempotency-Key header string false "Idempotency key"
// @Param session body services.StartSessionRequest true "Session"
// @Success 201 {object} models.CountSession
// @Router /v1/count-sessions [post]
func (h *CountHandlers) StartSession(c echo.Context) error {
	actor, ok := requireActor(c)
	if !ok {
		return nil
	}
	var req services.StartSessionRequest
	if err := bindJSON(c, &req); err != nil {
		return common.SendError(c, err)
	}
	req.IdempotencyKey = idempotencyKey(c, req.IdempotencyKey)
	req.Actor = actor

	session, err := h.counts.StartCountSession(c.Request().Context(), req)
	if err != nil {
		return common.SendError(c, err)
	}
	return c.JSON(http.StatusCreated, session)
}

// GetSession returns the session with its counts. Counters on a blind
// session do not see system quantities.
func (h *CountHandlers) GetSession(c echo.Context) error {
	actor, ok := requireActor(c)
	if !ok {
		return nil
	}
	id, err := pathUUID(c, "id")
	if err != nil {
		return common.SendError(c, err)
	}
	view, err := h.counts.GetSession(c.Request().Context(), id, actor)
	if err != nil {
		return common.SendError(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

type SubmitCountBody struct {
	ProductID       string  `json:"product_id"`
	CountedQuantity int     `json:"counted_quantity"`
	Notes           *string `json:"notes,omitempty"`
	IdempotencyKey  string  `json:"idempotency_key"`
}

// SubmitCount records one counted quantity.
// @Summary Submit a count
// @Tags counts
// @Accept json
// @Produce json
// @Param id path string true "Session ID"
// @Param Idempotency-Key header string false "Idempotency key"
// @Param count body SubmitCountBody true "Count"
// @Success 201 {object} models.CountResult
// @Failure 409 {object} common.ErrorResponse
// @Router /v1/count-sessions/{id}/counts [post]
func (h *CountHandlers) SubmitCount(c echo.Context) error {
	actor, ok := requireActor(c)
	if !ok {
		return nil
	}
	sessionID, err := pathUUID(c, "id")
	if err != nil {
		return common.SendError(c, err)
	}
	var body SubmitCountBody
	if err := bindJSON(c, &body); err != nil {
		return common.SendError(c, err)
	}
	productID, err := common.ValidateUUID(body.ProductID, "product_id")
	if err != nil {
		return common.SendError(c, err)
	}

	result, err := h.counts.SubmitCount(c.Request().Context(), services.SubmitCountRequest{
		SessionID:       sessionID,
		ProductID:       productID,
		CountedQuantity: body.CountedQuantity,
		Notes:           body.Notes,
		IdempotencyKey:  idempotencyKey(c, body.IdempotencyKey),
		Actor:           actor,
	})
	if err != nil {
		return common.SendError(c, err)
	}
	return c.JSON(http.StatusCreated, result)
}

func (h *CountHandlers) FinishCounting(c echo.Context) error {
	actor, ok := requireActor(c)
	if !ok {
		return nil
	}
	id, err := pathUUID(c, "id")
	if err != nil {
		return common.SendError(c, err)
	}
	session, err := h.counts.FinishCounting(c.Request().Context(), id, actor)
	if err != nil {
		return common.SendError(c, err)
	}
	return c.JSON(http.StatusOK, session)
}

type ResolveDisputeBody struct {
	ProductID        string  `json:"product_id"`
	VerifiedQuantity int     `json:"verified_quantity"`
	Notes            *string `json:"notes,omitempty"`
	IdempotencyKey   string  `json:"idempotency_key"`
}

// ResolveDispute records a manager's physically verified quantity for a
// disputed product.
func (h *CountHandlers) ResolveDispute(c echo.Context) error {
	actor, ok := requireActor(c)
	if !ok {
		return nil
	}
	sessionID, err := pathUUID(c, "id")
	if err != nil {
		return common.SendError(c, err)
	}
	var body ResolveDisputeBody
	if err := bindJSON(c, &body); err != nil {
		return common.SendError(c, err)
	}
	productID, err := common.ValidateUUID(body.ProductID, "product_id")
	if err != nil {
		return common.SendError(c, err)
	}

	result, err := h.counts.ResolveDispute(c.Request().Context(), services.ResolveDisputeRequest{
		SessionID:        sessionID,
		ProductID:        productID,
		VerifiedQuantity: body.VerifiedQuantity,
		Notes:            body.Notes,
		IdempotencyKey:   idempotencyKey(c, body.IdempotencyKey),
		Actor:            actor,
	})
	if err != nil {
		return common.SendError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h *CountHandlers) Summary(c echo.Context) error {
	actor, ok := requireActor(c)
	if !ok {
		return nil
	}
	id, err := pathUUID(c, "id")
	if err != nil {
		return common.SendError(c, err)
	}
	summary, err := h.counts.Summary(c.Request().Context(), id, actor)
	if err != nil {
		return common.SendError(c, err)
	}
	return c.JSON(http.StatusOK, summary)
}

func (h *CountHandlers) CloseSession(c echo.Context) error {
	actor, ok := requireActor(c)
	if !ok {
		return nil
	}
	id, err := pathUUID(c, "id")
	if err != nil {
		return common.SendError(c, err)
	}
	session, err := h.counts.CloseSession(c.Request().Context(), id, actor)
	if err != nil {
		return common.SendError(c, err)
	}
	return c.JSON(http.StatusOK, session)
}

type SubmitReconciliationBody struct {
	Notes          *string `json:"notes,omitempty"`
	IdempotencyKey string  `json:"idempotency_key"`
}

// SubmitReconciliation turns a reviewed session into a reconciliation
// awaiting approval.
// @Summary Submit a reconciliation
// @Tags reconciliations
// @Accept json
// @Produce json
// @Param id path string true "Session ID"
// @Param Idempotency-Key header string false "Idempotency key"
// @Param reconciliation body SubmitReconciliationBody false "Notes"
// @Success 201 {object} models.Reconciliation
// @Router /v1/count-sessions/{id}/reconciliations [post]
func (h *CountHandlers) SubmitReconciliation(c echo.Context) error {
	actor, ok := requireActor(c)
	if !ok {
		return nil
	}
	sessionID, err := pathUUID(c, "id")
	if err != nil {
		return common.SendError(c, err)
	}
	var body SubmitReconciliationBody
	if err := bindJSON(c, &body); err != nil {
		return common.SendError(c, err)
	}

	rec, err := h.reconciliations.Submit(c.Request().Context(), services.SubmitReconciliationRequest{
		SessionID:      sessionID,
		Notes:          body.Notes,
		IdempotencyKey: idempotencyKey(c, body.IdempotencyKey),
		Actor:          actor,
	})
	if err != nil {
		return common.SendError(c, err)
	}
	return c.JSON(http.StatusCreated, rec)
}
