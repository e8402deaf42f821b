package models

import (
	"time"

	"github.com/google/uuid"
)

type TransactionStatus string

const (
	TransactionDraft      TransactionStatus = "draft"
	TransactionProcessing TransactionStatus = "processing"
	TransactionCompleted  TransactionStatus = "completed"
	TransactionFailed     TransactionStatus = "failed"
	TransactionVoided     TransactionStatus = "voided"
	TransactionRefunded   TransactionStatus = "refunded"
)

var transactionTransitions = map[TransactionStatus][]TransactionStatus{
	TransactionDraft:      {TransactionProcessing},
	TransactionProcessing: {TransactionCompleted, TransactionFailed},
	TransactionCompleted:  {TransactionVoided, TransactionRefunded},
	// further partial refunds
	TransactionRefunded: {TransactionRefunded},
}

func (s TransactionStatus) CanTransitionTo(next TransactionStatus) bool {
	for _, allowed := range transactionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transaction is a point-of-sale sale. IdempotencyKey is the client-generated
// number and TransactionNumber the server-assigned per-terminal sequence.
type Transaction struct {
	ID                uuid.UUID         `json:"id" db:"id"`
	TransactionNumber string            `json:"transaction_number" db:"transaction_number"`
	IdempotencyKey    string            `json:"idempotency_key" db:"idempotency_key"`
	TerminalID        string            `json:"terminal_id" db:"terminal_id"`
	Status            TransactionStatus `json:"status" db:"status"`
	TotalAmount       float64           `json:"total_amount" db:"total_amount"`
	FailureCode       *string           `json:"failure_code,omitempty" db:"failure_code"`
	FailureReason     *string           `json:"failure_reason,omitempty" db:"failure_reason"`
	FailedProductID   *uuid.UUID        `json:"failed_product_id,omitempty" db:"failed_product_id"`
	VoidReason        *string           `json:"void_reason,omitempty" db:"void_reason"`
	VoidedBy          *string           `json:"voided_by,omitempty" db:"voided_by"`
	Note              *string           `json:"note,omitempty" db:"note"`
	NoteUpdatedAt     *time.Time        `json:"note_updated_at,omitempty" db:"note_updated_at"`
	CreatedBy         string            `json:"created_by" db:"created_by"`
	CreatedAt         time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at" db:"updated_at"`
	CompletedAt       *time.Time        `json:"completed_at,omitempty" db:"completed_at"`
	Items             []TransactionItem `json:"items"`
}

type TransactionItem struct {
	ID               uuid.UUID `json:"id" db:"id"`
	TransactionID    uuid.UUID `json:"transaction_id" db:"transaction_id"`
	ProductID        uuid.UUID `json:"product_id" db:"product_id"`
	Quantity         int       `json:"quantity" db:"quantity"`
	UnitPrice        float64   `json:"unit_price" db:"unit_price"`
	RefundedQuantity int       `json:"refunded_quantity" db:"refunded_quantity"`
}

// Returnable is the quantity still eligible for void or refund.
func (i TransactionItem) Returnable() int {
	return i.Quantity - i.RefundedQuantity
}

// LineItem is a requested sale or refund line.
type LineItem struct {
	ProductID uuid.UUID `json:"product_id" validate:"required"`
	Quantity  int       `json:"quantity" validate:"required,gt=0"`
	UnitPrice *float64  `json:"unit_price,omitempty"`
}

// TransactionResult is what every transaction operation returns. Replayed is
// set when the result comes from an earlier call with the same key.
type TransactionResult struct {
	Transaction *Transaction `json:"transaction"`
	Replayed    bool         `json:"replayed"`
}
