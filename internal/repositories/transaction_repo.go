package repositories

import (
	"context"
	"fmt"
	"time"

	"stockledger/internal/common"
	"stockledger/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type TransactionRepository interface {
	// Create inserts the transaction and its items. A reused idempotency key
	// yields a DuplicateOperationError.
	Create(ctx context.Context, txn *models.Transaction) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	Update(ctx context.Context, txn *models.Transaction) error
	UpdateItemRefund(ctx context.Context, itemID uuid.UUID, refundedQuantity int) error
	Delete(ctx context.Context, id uuid.UUID) error
	NextNumber(ctx context.Context, terminalID string) (string, error)
	// UpdateNote stores note only when editedAt is newer than the stored edit.
	UpdateNote(ctx context.Context, id uuid.UUID, note string, editedAt time.Time) (bool, error)
}

type transactionRepo struct {
	db Querier
}

func NewTransactionRepo(db Querier) TransactionRepository {
	return &transactionRepo{db: db}
}

const transactionColumns = `id, transaction_number, idempotency_key, terminal_id, status, total_amount, failure_code, failure_reason, failed_product_id, void_reason, voided_by, note, note_updated_at, created_by, created_at, updated_at, completed_at`

func scanTransaction(row pgx.Row) (*models.Transaction, error) {
	t := &models.Transaction{}
	err := row.Scan(&t.ID, &t.TransactionNumber, &t.IdempotencyKey, &t.TerminalID, &t.Status, &t.TotalAmount,
		&t.FailureCode, &t.FailureReason, &t.FailedProductID, &t.VoidReason, &t.VoidedBy, &t.Note, &t.NoteUpdatedAt,
		&t.CreatedBy, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (r *transactionRepo) Create(ctx context.Context, t *models.Transaction) error {
	db := conn(ctx, r.db)
	query := `
		INSERT INTO transactions (id, transaction_number, idempotency_key, terminal_id, status, total_amount, failure_code, failure_reason, failed_product_id, note, note_updated_at, created_by, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err := db.Exec(ctx, query, t.ID, t.TransactionNumber, t.IdempotencyKey, t.TerminalID, t.Status, t.TotalAmount,
		t.FailureCode, t.FailureReason, t.FailedProductID, t.Note, t.NoteUpdatedAt, t.CreatedBy, t.CreatedAt, t.UpdatedAt, t.CompletedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return &common.DuplicateOperationError{Key: t.IdempotencyKey}
		}
		return err
	}

	itemQuery := `
		INSERT INTO transaction_items (id, transaction_id, product_id, quantity, unit_price, refunded_quantity)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	for _, item := range t.Items {
		if _, err := db.Exec(ctx, itemQuery, item.ID, t.ID, item.ProductID, item.Quantity, item.UnitPrice, item.RefundedQuantity); err != nil {
			return fmt.Errorf("insert transaction item: %w", err)
		}
	}
	return nil
}

func (r *transactionRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	return r.get(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
}

func (r *transactionRepo) GetByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error) {
	return r.get(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE idempotency_key = $1`, key)
}

func (r *transactionRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	return r.get(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, id)
}

func (r *transactionRepo) get(ctx context.Context, query string, arg any) (*models.Transaction, error) {
	t, err := scanTransaction(conn(ctx, r.db).QueryRow(ctx, query, arg))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("transaction %v", arg))
	}
	items, err := r.items(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	t.Items = items
	return t, nil
}

func (r *transactionRepo) items(ctx context.Context, transactionID uuid.UUID) ([]models.TransactionItem, error) {
	query := `
		SELECT id, transaction_id, product_id, quantity, unit_price, refunded_quantity
		FROM transaction_items
		WHERE transaction_id = $1
		ORDER BY product_id
	`
	rows, err := conn(ctx, r.db).Query(ctx, query, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []models.TransactionItem
	for rows.Next() {
		var it models.TransactionItem
		if err := rows.Scan(&it.ID, &it.TransactionID, &it.ProductID, &it.Quantity, &it.UnitPrice, &it.RefundedQuantity); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (r *transactionRepo) Update(ctx context.Context, t *models.Transaction) error {
	query := `
		UPDATE transactions
		SET status = $1, total_amount = $2, failure_code = $3, failure_reason = $4, failed_product_id = $5,
			void_reason = $6, voided_by = $7, completed_at = $8, updated_at = $9
		WHERE id = $10
	`
	tag, err := conn(ctx, r.db).Exec(ctx, query, t.Status, t.TotalAmount, t.FailureCode, t.FailureReason, t.FailedProductID,
		t.VoidReason, t.VoidedBy, t.CompletedAt, t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound(pgx.ErrNoRows, "transaction "+t.ID.String())
	}
	return nil
}

func (r *transactionRepo) UpdateItemRefund(ctx context.Context, itemID uuid.UUID, refundedQuantity int) error {
	_, err := conn(ctx, r.db).Exec(ctx, `UPDATE transaction_items SET refunded_quantity = $1 WHERE id = $2`, refundedQuantity, itemID)
	return err
}

func (r *transactionRepo) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := conn(ctx, r.db).Exec(ctx, `DELETE FROM transactions WHERE id = $1`, id)
	return err
}

func (r *transactionRepo) NextNumber(ctx context.Context, terminalID string) (string, error) {
	query := `
		INSERT INTO terminal_sequences (terminal_id, last_value) VALUES ($1, 1)
		ON CONFLICT (terminal_id) DO UPDATE SET last_value = terminal_sequences.last_value + 1
		RETURNING last_value
	`
	var n int64
	if err := conn(ctx, r.db).QueryRow(ctx, query, terminalID).Scan(&n); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%06d", terminalID, n), nil
}

func (r *transactionRepo) UpdateNote(ctx context.Context, id uuid.UUID, note string, editedAt time.Time) (bool, error) {
	query := `
		UPDATE transactions
		SET note = $1, note_updated_at = $2, updated_at = NOW()
		WHERE id = $3 AND (note_updated_at IS NULL OR note_updated_at < $2)
	`
	tag, err := conn(ctx, r.db).Exec(ctx, query, note, editedAt, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
