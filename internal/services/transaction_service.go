package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"stockledger/internal/common"
	"stockledger/internal/events"
	"stockledger/internal/models"
	"stockledger/internal/repositories"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	opVoidTransaction   = "void_transaction"
	opRefundTransaction = "refund_transaction"

	maxLineItems = 500
)

type CreateTransactionRequest struct {
	TerminalID     string            `json:"terminal_id"`
	IdempotencyKey string            `json:"idempotency_key"`
	Items          []models.LineItem `json:"items"`
	Note           *string           `json:"note,omitempty"`
	Actor          models.Actor      `json:"-"`
}

type VoidRequest struct {
	TransactionID  uuid.UUID    `json:"transaction_id"`
	Reason         string       `json:"reason"`
	IdempotencyKey string       `json:"idempotency_key"`
	Actor          models.Actor `json:"-"`
}

// RefundRequest returns part of a sale. Empty Lines refunds everything still
// returnable.
type RefundRequest struct {
	TransactionID  uuid.UUID         `json:"transaction_id"`
	Lines          []models.LineItem `json:"lines"`
	Reason         string            `json:"reason"`
	IdempotencyKey string            `json:"idempotency_key"`
	Actor          models.Actor      `json:"-"`
}

type NoteRequest struct {
	TransactionID uuid.UUID    `json:"transaction_id"`
	Note          string       `json:"note"`
	EditedAt      time.Time    `json:"edited_at"`
	Actor         models.Actor `json:"-"`
}

// TransactionService processes point-of-sale transactions. A sale commits its
// stock decrements and its completed status together or not at all.
type TransactionService interface {
	CreateTransaction(ctx context.Context, req CreateTransactionRequest) (*models.TransactionResult, error)
	CreateDraft(ctx context.Context, req CreateTransactionRequest) (*models.TransactionResult, error)
	ProcessDraft(ctx context.Context, id uuid.UUID, actor models.Actor) (*models.TransactionResult, error)
	AbandonDraft(ctx context.Context, id uuid.UUID, actor models.Actor) error
	VoidTransaction(ctx context.Context, req VoidRequest) (*models.TransactionResult, error)
	RefundTransaction(ctx context.Context, req RefundRequest) (*models.TransactionResult, error)
	// UpdateNote applies a last-writer-wins note edit. It reports whether
	// the edit was newer than the stored one.
	UpdateNote(ctx context.Context, req NoteRequest) (*models.Transaction, bool, error)
	GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error)
}

type transactionService struct {
	tx        repositories.TxManager
	txns      repositories.TransactionRepository
	products  repositories.ProductRepository
	keys      repositories.IdempotencyRepository
	ledger    LedgerService
	payments  PaymentConfirmer
	publisher events.Publisher
	now       func() time.Time
}

func NewTransactionService(
	store *repositories.Store,
	ledger LedgerService,
	payments PaymentConfirmer,
	publisher events.Publisher,
) TransactionService {
	if payments == nil {
		payments = AcceptAllPayments
	}
	return &transactionService{
		tx:        store.Tx,
		txns:      store.Transactions,
		products:  store.Products,
		keys:      store.Idempotency,
		ledger:    ledger,
		payments:  payments,
		publisher: publisher,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *transactionService) CreateTransaction(ctx context.Context, req CreateTransactionRequest) (*models.TransactionResult, error) {
	ctx, span := tracer.Start(ctx, "transactions.Create", trace.WithAttributes(
		attribute.String("terminal.id", req.TerminalID),
		attribute.Int("transaction.lines", len(req.Items)),
	))
	defer span.End()

	if err := validateSale(req); err != nil {
		return nil, err
	}
	if existing, err := s.txns.GetByIdempotencyKey(ctx, req.IdempotencyKey); err == nil {
		return replayTransaction(existing)
	} else if !isNotFound(err) {
		return nil, err
	}

	txn, err := s.newTransaction(ctx, req, models.TransactionProcessing)
	if err != nil {
		return nil, err
	}

	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		number, err := s.txns.NextNumber(ctx, txn.TerminalID)
		if err != nil {
			return fmt.Errorf("next transaction number: %w", err)
		}
		txn.TransactionNumber = number
		if err := s.txns.Create(ctx, txn); err != nil {
			return err
		}
		return s.complete(ctx, txn, req.Actor)
	})
	return s.settle(ctx, txn, true, err)
}

func (s *transactionService) CreateDraft(ctx context.Context, req CreateTransactionRequest) (*models.TransactionResult, error) {
	if err := validateSale(req); err != nil {
		return nil, err
	}
	if existing, err := s.txns.GetByIdempotencyKey(ctx, req.IdempotencyKey); err == nil {
		return replayTransaction(existing)
	} else if !isNotFound(err) {
		return nil, err
	}

	txn, err := s.newTransaction(ctx, req, models.TransactionDraft)
	if err != nil {
		return nil, err
	}
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		number, err := s.txns.NextNumber(ctx, txn.TerminalID)
		if err != nil {
			return fmt.Errorf("next transaction number: %w", err)
		}
		txn.TransactionNumber = number
		return s.txns.Create(ctx, txn)
	})
	var dup *common.DuplicateOperationError
	if errors.As(err, &dup) {
		return s.replayByKey(ctx, req.IdempotencyKey)
	}
	if err != nil {
		return nil, err
	}
	return &models.TransactionResult{Transaction: txn}, nil
}

// ProcessDraft runs the sale for a draft. Processing an already processed
// draft returns its stored outcome.
func (s *transactionService) ProcessDraft(ctx context.Context, id uuid.UUID, actor models.Actor) (*models.TransactionResult, error) {
	if !actor.HasRole(models.RoleCashier, models.RoleManager, models.RoleAdmin) {
		return nil, &common.ForbiddenError{Action: "process transaction", Reason: "role not permitted"}
	}

	var (
		txn      *models.Transaction
		replayed bool
	)
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		cur, err := s.txns.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		txn = cur
		if cur.Status != models.TransactionDraft {
			replayed = true
			return nil
		}
		txn.Status = models.TransactionProcessing
		txn.UpdatedAt = s.now()
		if err := s.txns.Update(ctx, txn); err != nil {
			return err
		}
		return s.complete(ctx, txn, actor)
	})
	if err == nil && replayed {
		return replayTransaction(txn)
	}
	return s.settle(ctx, txn, false, err)
}

func (s *transactionService) AbandonDraft(ctx context.Context, id uuid.UUID, actor models.Actor) error {
	if !actor.HasRole(models.RoleCashier, models.RoleManager, models.RoleAdmin) {
		return &common.ForbiddenError{Action: "abandon transaction", Reason: "role not permitted"}
	}
	return s.tx.RunInTx(ctx, func(ctx context.Context) error {
		txn, err := s.txns.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if txn.Status != models.TransactionDraft {
			return &common.InvalidStateTransitionError{
				Entity: "transaction",
				From:   string(txn.Status),
				To:     "abandoned",
				Reason: "only drafts can be abandoned",
			}
		}
		return s.txns.Delete(ctx, id)
	})
}

// complete takes payment, decrements stock and marks txn completed. It must
// run inside the caller's transaction.
func (s *transactionService) complete(ctx context.Context, txn *models.Transaction, actor models.Actor) error {
	if err := s.payments.Confirm(ctx, txn); err != nil {
		return err
	}

	deltas := aggregateLines(txn.Items, -1)
	if _, err := s.ledger.ApplyDeltas(ctx, deltas, DeltaContext{
		Type:          models.AdjustmentSale,
		Reason:        "sale " + txn.TransactionNumber,
		Actor:         actor,
		ReferenceType: "transaction",
		ReferenceID:   &txn.ID,
	}); err != nil {
		return err
	}

	now := s.now()
	txn.Status = models.TransactionCompleted
	txn.CompletedAt = &now
	txn.UpdatedAt = now
	if err := s.txns.Update(ctx, txn); err != nil {
		return fmt.Errorf("complete transaction: %w", err)
	}
	s.emitAfterCommit(ctx, events.TransactionCompleted, txn)
	return nil
}

// settle turns the outcome of a processing attempt into the caller's result.
// Stock and payment refusals are persisted as a failed transaction so that a
// retry with the same key returns the same failure.
func (s *transactionService) settle(ctx context.Context, txn *models.Transaction, inserted bool, err error) (*models.TransactionResult, error) {
	if err == nil {
		return &models.TransactionResult{Transaction: txn}, nil
	}

	var dup *common.DuplicateOperationError
	if errors.As(err, &dup) {
		return s.replayByKey(ctx, txn.IdempotencyKey)
	}
	if !isSaleRefusal(err) {
		return nil, err
	}

	failed, ferr := s.recordFailure(ctx, txn, inserted, err)
	if ferr != nil {
		if errors.As(ferr, &dup) {
			return s.replayByKey(ctx, txn.IdempotencyKey)
		}
		log.Error().Err(ferr).Str("idempotency_key", txn.IdempotencyKey).Msg("failed to record failed transaction")
		return nil, err
	}
	return &models.TransactionResult{Transaction: failed}, err
}

func isSaleRefusal(err error) bool {
	var (
		insufficient *common.InsufficientStockError
		declined     *common.PaymentDeclinedError
	)
	return errors.As(err, &insufficient) || errors.As(err, &declined)
}

func (s *transactionService) recordFailure(ctx context.Context, txn *models.Transaction, inserted bool, cause error) (*models.Transaction, error) {
	now := s.now()
	txn.Status = models.TransactionFailed
	txn.FailureCode = common.StringPtr(common.ErrorCode(cause))
	txn.FailureReason = common.StringPtr(cause.Error())
	txn.CompletedAt = nil
	txn.UpdatedAt = now
	var insufficient *common.InsufficientStockError
	if errors.As(cause, &insufficient) {
		pid := insufficient.ProductID
		txn.FailedProductID = &pid
	}

	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		if !inserted {
			return s.txns.Update(ctx, txn)
		}
		number, err := s.txns.NextNumber(ctx, txn.TerminalID)
		if err != nil {
			return fmt.Errorf("next transaction number: %w", err)
		}
		txn.TransactionNumber = number
		return s.txns.Create(ctx, txn)
	})
	if err != nil {
		return nil, err
	}
	events.Emit(ctx, s.publisher, events.TransactionFailed, txn.ID.String(), txn)
	return txn, nil
}

func (s *transactionService) replayByKey(ctx context.Context, key string) (*models.TransactionResult, error) {
	existing, err := s.txns.GetByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, err
	}
	return replayTransaction(existing)
}

// replayTransaction returns a stored transaction as the result of a repeated
// request, including the original error when it failed.
func replayTransaction(txn *models.Transaction) (*models.TransactionResult, error) {
	result := &models.TransactionResult{Transaction: txn, Replayed: true}
	if txn.Status == models.TransactionFailed {
		return result, &common.StoredFailureError{
			Code:    common.SafeString(txn.FailureCode),
			Message: common.SafeString(txn.FailureReason),
		}
	}
	return result, nil
}

func (s *transactionService) VoidTransaction(ctx context.Context, req VoidRequest) (*models.TransactionResult, error) {
	if req.TransactionID == uuid.Nil {
		return nil, common.NewValidationError("transaction_id", "is required")
	}
	if err := common.ValidateRequiredString(req.Reason, "reason"); err != nil {
		return nil, err
	}
	if !req.Actor.HasRole(models.RoleCashier, models.RoleManager, models.RoleAdmin) {
		return nil, &common.ForbiddenError{Action: "void transaction", Reason: "role not permitted"}
	}

	res, replayed, err := runIdempotent(ctx, s.tx, s.keys, req.IdempotencyKey, opVoidTransaction,
		func(ctx context.Context) (*models.TransactionResult, *uuid.UUID, error) {
			txn, err := s.txns.GetForUpdate(ctx, req.TransactionID)
			if err != nil {
				return nil, nil, err
			}
			if !txn.Status.CanTransitionTo(models.TransactionVoided) {
				return nil, nil, &common.InvalidStateTransitionError{
					Entity: "transaction",
					From:   string(txn.Status),
					To:     string(models.TransactionVoided),
				}
			}

			if deltas := returnableDeltas(txn.Items); len(deltas) > 0 {
				if _, err := s.ledger.ApplyDeltas(ctx, deltas, DeltaContext{
					Type:          models.AdjustmentVoid,
					Reason:        "void " + txn.TransactionNumber + ": " + strings.TrimSpace(req.Reason),
					Actor:         req.Actor,
					ReferenceType: "transaction",
					ReferenceID:   &txn.ID,
				}); err != nil {
					return nil, nil, err
				}
			}

			txn.Status = models.TransactionVoided
			txn.VoidReason = common.StringPtr(strings.TrimSpace(req.Reason))
			txn.VoidedBy = common.StringPtr(req.Actor.ID)
			txn.UpdatedAt = s.now()
			if err := s.txns.Update(ctx, txn); err != nil {
				return nil, nil, err
			}
			s.emitAfterCommit(ctx, events.TransactionVoided, txn)
			return &models.TransactionResult{Transaction: txn}, &txn.ID, nil
		})
	if err != nil {
		return nil, err
	}
	res.Replayed = replayed
	return res, nil
}

func (s *transactionService) RefundTransaction(ctx context.Context, req RefundRequest) (*models.TransactionResult, error) {
	if req.TransactionID == uuid.Nil {
		return nil, common.NewValidationError("transaction_id", "is required")
	}
	if err := common.ValidateRequiredString(req.Reason, "reason"); err != nil {
		return nil, err
	}
	for i, line := range req.Lines {
		if line.ProductID == uuid.Nil || line.Quantity <= 0 {
			return nil, common.NewValidationError(fmt.Sprintf("lines[%d]", i), "product_id and a positive quantity are required")
		}
	}
	if !req.Actor.HasRole(models.RoleCashier, models.RoleManager, models.RoleAdmin) {
		return nil, &common.ForbiddenError{Action: "refund transaction", Reason: "role not permitted"}
	}

	res, replayed, err := runIdempotent(ctx, s.tx, s.keys, req.IdempotencyKey, opRefundTransaction,
		func(ctx context.Context) (*models.TransactionResult, *uuid.UUID, error) {
			txn, err := s.txns.GetForUpdate(ctx, req.TransactionID)
			if err != nil {
				return nil, nil, err
			}
			if !txn.Status.CanTransitionTo(models.TransactionRefunded) {
				return nil, nil, &common.InvalidStateTransitionError{
					Entity: "transaction",
					From:   string(txn.Status),
					To:     string(models.TransactionRefunded),
				}
			}

			lines := req.Lines
			if len(lines) == 0 {
				for _, d := range returnableDeltas(txn.Items) {
					lines = append(lines, models.LineItem{ProductID: d.ProductID, Quantity: d.Change})
				}
			}
			if len(lines) == 0 {
				return nil, nil, common.NewValidationError("lines", "nothing left to refund")
			}

			changed, err := allocateRefund(txn.Items, lines)
			if err != nil {
				return nil, nil, err
			}
			for _, idx := range changed {
				item := txn.Items[idx]
				if err := s.txns.UpdateItemRefund(ctx, item.ID, item.RefundedQuantity); err != nil {
					return nil, nil, fmt.Errorf("update refunded quantity: %w", err)
				}
			}
			if _, err := s.ledger.ApplyDeltas(ctx, aggregateLines(lineItems(lines), 1), DeltaContext{
				Type:          models.AdjustmentRefund,
				Reason:        "refund " + txn.TransactionNumber + ": " + strings.TrimSpace(req.Reason),
				Actor:         req.Actor,
				ReferenceType: "transaction",
				ReferenceID:   &txn.ID,
			}); err != nil {
				return nil, nil, err
			}

			txn.Status = models.TransactionRefunded
			txn.UpdatedAt = s.now()
			if err := s.txns.Update(ctx, txn); err != nil {
				return nil, nil, err
			}
			s.emitAfterCommit(ctx, events.TransactionRefunded, txn)
			return &models.TransactionResult{Transaction: txn}, &txn.ID, nil
		})
	if err != nil {
		return nil, err
	}
	res.Replayed = replayed
	return res, nil
}

// allocateRefund spreads each line over the transaction's items for that
// product and returns the indexes of the items it changed.
func allocateRefund(items []models.TransactionItem, lines []models.LineItem) ([]int, error) {
	touched := map[int]struct{}{}
	for _, line := range lines {
		remaining := line.Quantity
		for i := range items {
			if remaining == 0 {
				break
			}
			if items[i].ProductID != line.ProductID {
				continue
			}
			take := min(remaining, items[i].Returnable())
			if take <= 0 {
				continue
			}
			items[i].RefundedQuantity += take
			remaining -= take
			touched[i] = struct{}{}
		}
		if remaining > 0 {
			return nil, common.NewValidationError("lines", fmt.Sprintf("refund of product %s exceeds the returnable quantity", line.ProductID))
		}
	}
	out := make([]int, 0, len(touched))
	for i := range items {
		if _, ok := touched[i]; ok {
			out = append(out, i)
		}
	}
	return out, nil
}

func (s *transactionService) UpdateNote(ctx context.Context, req NoteRequest) (*models.Transaction, bool, error) {
	if req.TransactionID == uuid.Nil {
		return nil, false, common.NewValidationError("transaction_id", "is required")
	}
	if len(req.Note) > 1000 {
		return nil, false, common.NewValidationError("note", "cannot exceed 1000 characters")
	}
	if req.EditedAt.IsZero() {
		req.EditedAt = s.now()
	}

	var (
		txn     *models.Transaction
		applied bool
	)
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		if _, err = s.txns.GetByID(ctx, req.TransactionID); err != nil {
			return err
		}
		if applied, err = s.txns.UpdateNote(ctx, req.TransactionID, req.Note, req.EditedAt.UTC()); err != nil {
			return err
		}
		txn, err = s.txns.GetByID(ctx, req.TransactionID)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return txn, applied, nil
}

func (s *transactionService) GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	return s.txns.GetByID(ctx, id)
}

func (s *transactionService) GetByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error) {
	if err := validateIdempotencyKey(key); err != nil {
		return nil, err
	}
	return s.txns.GetByIdempotencyKey(ctx, key)
}

func (s *transactionService) newTransaction(ctx context.Context, req CreateTransactionRequest, status models.TransactionStatus) (*models.Transaction, error) {
	now := s.now()
	txn := &models.Transaction{
		ID:             uuid.New(),
		IdempotencyKey: strings.TrimSpace(req.IdempotencyKey),
		TerminalID:     strings.TrimSpace(req.TerminalID),
		Status:         status,
		Note:           req.Note,
		CreatedBy:      req.Actor.ID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if req.Note != nil {
		txn.NoteUpdatedAt = &now
	}

	prices := map[uuid.UUID]float64{}
	for _, line := range req.Items {
		price := 0.0
		if line.UnitPrice != nil {
			price = *line.UnitPrice
		} else if p, ok := prices[line.ProductID]; ok {
			price = p
		} else {
			product, err := s.products.GetByID(ctx, line.ProductID)
			if err != nil {
				if isNotFound(err) {
					return nil, common.NewValidationError("items", fmt.Sprintf("unknown product %s", line.ProductID))
				}
				return nil, err
			}
			price = product.BasePrice
			prices[line.ProductID] = price
		}
		txn.Items = append(txn.Items, models.TransactionItem{
			ID:            uuid.New(),
			TransactionID: txn.ID,
			ProductID:     line.ProductID,
			Quantity:      line.Quantity,
			UnitPrice:     price,
		})
		txn.TotalAmount += price * float64(line.Quantity)
	}
	return txn, nil
}

func (s *transactionService) emitAfterCommit(ctx context.Context, t events.Type, txn *models.Transaction) {
	snapshot := *txn
	pctx := context.WithoutCancel(ctx)
	s.tx.AfterCommit(ctx, func() {
		events.Emit(pctx, s.publisher, t, snapshot.ID.String(), snapshot)
	})
}

func validateSale(req CreateTransactionRequest) error {
	if err := validateIdempotencyKey(req.IdempotencyKey); err != nil {
		return err
	}
	if err := common.ValidateRequiredString(req.TerminalID, "terminal_id"); err != nil {
		return err
	}
	if !req.Actor.HasRole(models.RoleCashier, models.RoleManager, models.RoleAdmin) {
		return &common.ForbiddenError{Action: "create transaction", Reason: "role not permitted"}
	}
	if len(req.Items) == 0 {
		return common.NewValidationError("items", "at least one line is required")
	}
	if len(req.Items) > maxLineItems {
		return common.NewValidationError("items", fmt.Sprintf("cannot exceed %d lines", maxLineItems))
	}
	for i, line := range req.Items {
		if line.ProductID == uuid.Nil {
			return common.NewValidationError(fmt.Sprintf("items[%d].product_id", i), "is required")
		}
		if line.Quantity <= 0 {
			return common.NewValidationError(fmt.Sprintf("items[%d].quantity", i), "must be positive")
		}
		if line.UnitPrice != nil && *line.UnitPrice < 0 {
			return common.NewValidationError(fmt.Sprintf("items[%d].unit_price", i), "cannot be negative")
		}
	}
	if req.Note != nil && len(*req.Note) > 1000 {
		return common.NewValidationError("note", "cannot exceed 1000 characters")
	}
	return nil
}

// aggregateLines sums item quantities per product and scales them by sign,
// keeping first-seen product order.
func aggregateLines(items []models.TransactionItem, sign int) []Delta {
	index := map[uuid.UUID]int{}
	var out []Delta
	for _, item := range items {
		if i, ok := index[item.ProductID]; ok {
			out[i].Change += sign * item.Quantity
			continue
		}
		index[item.ProductID] = len(out)
		out = append(out, Delta{ProductID: item.ProductID, Change: sign * item.Quantity})
	}
	return out
}

func returnableDeltas(items []models.TransactionItem) []Delta {
	var returnable []models.TransactionItem
	for _, item := range items {
		if n := item.Returnable(); n > 0 {
			returnable = append(returnable, models.TransactionItem{ProductID: item.ProductID, Quantity: n})
		}
	}
	return aggregateLines(returnable, 1)
}

func lineItems(lines []models.LineItem) []models.TransactionItem {
	out := make([]models.TransactionItem, 0, len(lines))
	for _, l := range lines {
		out = append(out, models.TransactionItem{ProductID: l.ProductID, Quantity: l.Quantity})
	}
	return out
}
