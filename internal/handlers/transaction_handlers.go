package handlers

import (
	"net/http"
	"time"

	"stockledger/internal/common"
	"stockledger/internal/models"
	"stockledger/internal/services"

	"github.com/labstack/echo/v4"
)

// TransactionHandlers handles point-of-sale transactions.
type TransactionHandlers struct {
	transactions services.TransactionService
}

func NewTransactionHandlers(transactions services.TransactionService) *TransactionHandlers {
	return &TransactionHandlers{transactions: transactions}
}

// failedTransactionResponse carries the error together with the persisted
// failed transaction, so the terminal can show which line had no stock.
type failedTransactionResponse struct {
	common.ErrorResponse
	Transaction *models.Transaction `json:"transaction,omitempty"`
	Replayed    bool                `json:"replayed"`
}

func sendTransactionResult(c echo.Context, result *models.TransactionResult, err error, created int) error {
	if err != nil {
		if result == nil || result.Transaction == nil {
			return common.SendError(c, err)
		}
		resp := failedTransactionResponse{
			ErrorResponse: *common.CreateErrorResponse(common.ErrorCode(err), err.Error(), nil),
			Transaction:   result.Transaction,
			Replayed:      result.Replayed,
		}
		return c.JSON(common.HTTPStatus(err), resp)
	}
	return c.JSON(replayStatus(result.Replayed, created), result)
}

// CreateTransaction processes a sale. Retrying with the same key returns the
// original outcome, including a recorded failure.
// @Summary Create a transaction
// @Tags transactions
// @Accept json
// @Produce json
// @Param Idempotency-Key header string false "Client transaction number"
// @Param transaction body services.CreateTransactionRequest true "Sale"
// @Success 201 {object} models.TransactionResult
// @Failure 409 {object} common.ErrorResponse
// @Router /v1/transactions [post]
func (h *TransactionHandlers) CreateTransaction(c echo.Context) error {
	actor, ok := requireActor(c)
	if !ok {
		return nil
	}
	var req services.CreateTransactionRequest
	if err := bindJSON(c, &req); err != nil {
		return common.SendError(c, err)
	}
	req.IdempotencyKey = idempotencyKey(c, req.IdempotencyKey)
	req.Actor = actor
	if req.TerminalID == "" {
		req.TerminalID = actor.TerminalID
	}

	result, err := h.transactions.CreateTransaction(c.Request().Context(), req)
	return sendTransactionResult(c, result, err, http.StatusCreated)
}

func (h *TransactionHandlers) CreateDraft(c echo.Context) error {
	actor, ok := requireActor(c)
	if !ok {
		return nil
	}
	var req services.CreateTransactionRequest
	if err := bindJSON(c, &req); err != nil {
		return common.SendError(c, err)
	}
	req.IdempotencyKey = idempotencyKey(c, req.IdempotencyKey)
	req.Actor = actor
	if req.TerminalID == "" {
		req.TerminalID = actor.TerminalID
	}

	result, err := h.transactions.CreateDraft(c.Request().Context(), req)
	return sendTransactionResult(c, result, err, http.StatusCreated)
}

func (h *TransactionHandlers) ProcessDraft(c echo.Context) error {
	actor, ok := requireActor(c)
	if !ok {
		return nil
	}
	id, err := pathUUID(c, "id")
	if err != nil {
		return common.SendError(c, err)
	}
	result, err := h.transactions.ProcessDraft(c.Request().Context(), id, actor)
	return sendTransactionResult(c, result, err, http.StatusOK)
}

// AbandonDraft deletes a draft that never touched the ledger.
func (h *TransactionHandlers) AbandonDraft(c echo.Context) error {
	actor, ok := requireActor(c)
	if !ok {
		return nil
	}
	id, err := pathUUID(c, "id")
	if err != nil {
		return common.SendError(c, err)
	}
	if err := h.transactions.AbandonDraft(c.Request().Context(), id, actor); err != nil {
		return common.SendError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *TransactionHandlers) GetTransaction(c echo.Context) error {
	id, err := pathUUID(c, "id")
	if err != nil {
		return common.SendError(c, err)
	}
	txn, err := h.transactions.GetTransaction(c.Request().Context(), id)
	if err != nil {
		return common.SendError(c, err)
	}
	return c.JSON(http.StatusOK, txn)
}

// GetByKey looks a transaction up by the client number it was created with.
func (h *TransactionHandlers) GetByKey(c echo.Context) error {
	key := c.Param("key")
	if err := common.ValidateRequiredString(key, "key"); err != nil {
		return common.SendError(c, err)
	}
	txn, err := h.transactions.GetByIdempotencyKey(c.Request().Context(), key)
	if err != nil {
		return common.SendError(c, err)
	}
	return c.JSON(http.StatusOK, txn)
}

type VoidTransactionRequest struct {
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key"`
}

// VoidTransaction reverses every line of a completed transaction.
// @Summary Void a transaction
// @Tags transactions
// @Accept json
// @Produce json
// @Param id path string true "Transaction ID"
// @Param Idempotency-Key header string false "Idempotency key"
// @Param void body VoidTransactionRequest true "Void"
// @Success 200 {object} models.TransactionResult
// @Failure 409 {object} common.ErrorResponse
// @Router /v1/transactions/{id}/void [post]
func (h *TransactionHandlers) VoidTransaction(c echo.Context) error {
	actor, ok := requireActor(c)
	if !ok {
		return nil
	}
	id, err := pathUUID(c, "id")
	if err != nil {
		return common.SendError(c, err)
	}
	var body VoidTransactionRequest
	if err := bindJSON(c, &body); err != nil {
		return common.SendError(c, err)
	}

	result, err := h.transactions.VoidTransaction(c.Request().Context(), services.VoidRequest{
		TransactionID:  id,
		Reason:         body.Reason,
		IdempotencyKey: idempotencyKey(c, body.IdempotencyKey),
		Actor:          actor,
	})
	if err != nil {
		return common.SendError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

type RefundTransactionRequest struct {
	Lines          []models.LineItem `json:"lines"`
	Reason         string            `json:"reason"`
	IdempotencyKey string            `json:"idempotency_key"`
}

// RefundTransaction returns some or all of the sold quantity to stock. With
// no lines everything still returnable is refunded.
func (h *TransactionHandlers) RefundTransaction(c echo.Context) error {
	actor, ok := requireActor(c)
	if !ok {
		return nil
	}
	id, err := pathUUID(c, "id")
	if err != nil {
		return common.SendError(c, err)
	}
	var body RefundTransactionRequest
	if err := bindJSON(c, &body); err != nil {
		return common.SendError(c, err)
	}

	result, err := h.transactions.RefundTransaction(c.Request().Context(), services.RefundRequest{
		TransactionID:  id,
		Lines:          body.Lines,
		Reason:         body.Reason,
		IdempotencyKey: idempotencyKey(c, body.IdempotencyKey),
		Actor:          actor,
	})
	if err != nil {
		return common.SendError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

type UpdateNoteRequest struct {
	Note     string     `json:"note"`
	EditedAt *time.Time `json:"edited_at,omitempty"`
}

// UpdateNote edits the customer note. Older edits than the stored one are
// ignored and reported with applied=false.
func (h *TransactionHandlers) UpdateNote(c echo.Context) error {
	actor, ok := requireActor(c)
	if !ok {
		return nil
	}
	id, err := pathUUID(c, "id")
	if err != nil {
		return common.SendError(c, err)
	}
	var body UpdateNoteRequest
	if err := bindJSON(c, &body); err != nil {
		return common.SendError(c, err)
	}
	editedAt := time.Now().UTC()
	if body.EditedAt != nil {
		editedAt = *body.EditedAt
	}

	txn, applied, err := h.transactions.UpdateNote(c.Request().Context(), services.NoteRequest{
		TransactionID: id,
		Note:          body.Note,
		EditedAt:      editedAt,
		Actor:         actor,
	})
	if err != nil {
		return common.SendError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"transaction": txn,
		"applied":     applied,
	})
}
