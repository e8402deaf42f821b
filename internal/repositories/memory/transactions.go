package memory

import (
	"context"
	"fmt"
	"time"

	"stockledger/internal/common"
	"stockledger/internal/models"

	"github.com/google/uuid"
)

type transactionRepo struct{ s *Store }

func (r *transactionRepo) Create(ctx context.Context, t *models.Transaction) error {
	return r.s.do(ctx, func(d *data) error {
		if _, ok := d.txnByKey[t.IdempotencyKey]; ok {
			return &common.DuplicateOperationError{Key: t.IdempotencyKey}
		}
		cp := copyTransaction(*t)
		for i := range cp.Items {
			cp.Items[i].TransactionID = t.ID
		}
		d.transactions[t.ID] = cp
		d.txnByKey[t.IdempotencyKey] = t.ID
		return nil
	})
}

func (r *transactionRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	var out *models.Transaction
	err := r.s.do(ctx, func(d *data) error {
		t, ok := d.transactions[id]
		if !ok {
			return fmt.Errorf("transaction %s: %w", id, common.ErrNotFound)
		}
		cp := copyTransaction(t)
		out = &cp
		return nil
	})
	return out, err
}

func (r *transactionRepo) GetByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error) {
	var id uuid.UUID
	err := r.s.do(ctx, func(d *data) error {
		var ok bool
		if id, ok = d.txnByKey[key]; !ok {
			return fmt.Errorf("transaction %s: %w", key, common.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

func (r *transactionRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	return r.GetByID(ctx, id)
}

func (r *transactionRepo) Update(ctx context.Context, t *models.Transaction) error {
	return r.s.do(ctx, func(d *data) error {
		cur, ok := d.transactions[t.ID]
		if !ok {
			return fmt.Errorf("transaction %s: %w", t.ID, common.ErrNotFound)
		}
		cur.Status = t.Status
		cur.TotalAmount = t.TotalAmount
		cur.FailureCode = t.FailureCode
		cur.FailureReason = t.FailureReason
		cur.FailedProductID = t.FailedProductID
		cur.VoidReason = t.VoidReason
		cur.VoidedBy = t.VoidedBy
		cur.CompletedAt = t.CompletedAt
		cur.UpdatedAt = t.UpdatedAt
		d.transactions[t.ID] = cur
		return nil
	})
}

func (r *transactionRepo) UpdateItemRefund(ctx context.Context, itemID uuid.UUID, refundedQuantity int) error {
	return r.s.do(ctx, func(d *data) error {
		for id, t := range d.transactions {
			for i := range t.Items {
				if t.Items[i].ID == itemID {
					t.Items[i].RefundedQuantity = refundedQuantity
					d.transactions[id] = t
					return nil
				}
			}
		}
		return fmt.Errorf("transaction item %s: %w", itemID, common.ErrNotFound)
	})
}

func (r *transactionRepo) Delete(ctx context.Context, id uuid.UUID) error {
	return r.s.do(ctx, func(d *data) error {
		if t, ok := d.transactions[id]; ok {
			delete(d.txnByKey, t.IdempotencyKey)
			delete(d.transactions, id)
		}
		return nil
	})
}

func (r *transactionRepo) NextNumber(ctx context.Context, terminalID string) (string, error) {
	var n int64
	err := r.s.do(ctx, func(d *data) error {
		d.terminalSeq[terminalID]++
		n = d.terminalSeq[terminalID]
		return nil
	})
	return fmt.Sprintf("%s-%06d", terminalID, n), err
}

func (r *transactionRepo) UpdateNote(ctx context.Context, id uuid.UUID, note string, editedAt time.Time) (bool, error) {
	updated := false
	err := r.s.do(ctx, func(d *data) error {
		t, ok := d.transactions[id]
		if !ok {
			return nil
		}
		if t.NoteUpdatedAt != nil && !t.NoteUpdatedAt.Before(editedAt) {
			return nil
		}
		t.Note = &note
		t.NoteUpdatedAt = &editedAt
		d.transactions[id] = t
		updated = true
		return nil
	})
	return updated, err
}
