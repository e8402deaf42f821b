package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type SyncOperationKind string

const (
	SyncSale       SyncOperationKind = "sale"
	SyncVoid       SyncOperationKind = "void"
	SyncRefund     SyncOperationKind = "refund"
	SyncAdjustment SyncOperationKind = "adjustment"
	SyncCount      SyncOperationKind = "count"
	SyncNote       SyncOperationKind = "note"
)

func (k SyncOperationKind) Valid() bool {
	switch k {
	case SyncSale, SyncVoid, SyncRefund, SyncAdjustment, SyncCount, SyncNote:
		return true
	}
	return false
}

type SyncStatus string

const (
	SyncApplied   SyncStatus = "applied"
	SyncRejected  SyncStatus = "rejected"
	SyncDuplicate SyncStatus = "duplicate"
	// SyncRetry is never persisted. The terminal keeps the operation queued
	// and resends it with the next batch.
	SyncRetry SyncStatus = "retry"
)

// SyncOperationRequest is one queued offline operation as sent by a terminal.
type SyncOperationRequest struct {
	LocalSeq       int64             `json:"local_seq"`
	Kind           SyncOperationKind `json:"kind"`
	IdempotencyKey string            `json:"idempotency_key"`
	ActorID        string            `json:"actor_id,omitempty"`
	Payload        json.RawMessage   `json:"payload"`
	CreatedAt      time.Time         `json:"created_at"`
}

// SyncOperation is the server-side record of a processed terminal operation.
type SyncOperation struct {
	ID             uuid.UUID         `json:"id" db:"id"`
	TerminalID     string            `json:"terminal_id" db:"terminal_id"`
	LocalSeq       int64             `json:"local_seq" db:"local_seq"`
	Kind           SyncOperationKind `json:"kind" db:"kind"`
	IdempotencyKey string            `json:"idempotency_key" db:"idempotency_key"`
	Payload        json.RawMessage   `json:"payload" db:"payload"`
	Status         SyncStatus        `json:"status" db:"status"`
	ResultCode     *string           `json:"result_code,omitempty" db:"result_code"`
	Message        *string           `json:"message,omitempty" db:"message"`
	Result         json.RawMessage   `json:"result,omitempty" db:"result"`
	ClientTime     time.Time         `json:"client_time" db:"client_time"`
	ReceivedAt     time.Time         `json:"received_at" db:"received_at"`
}

type SyncOpResult struct {
	LocalSeq       int64           `json:"local_seq"`
	IdempotencyKey string          `json:"idempotency_key"`
	Status         SyncStatus      `json:"status"`
	OriginalStatus SyncStatus      `json:"original_status,omitempty"`
	Code           string          `json:"code,omitempty"`
	Message        string          `json:"message,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
}

type SalePayload struct {
	Items []LineItem `json:"items"`
	Note  *string    `json:"note,omitempty"`
}

// VoidPayload identifies the sale either by server id or by the sale's
// idempotency key, since offline terminals may not know the server id yet.
type VoidPayload struct {
	TransactionID  *uuid.UUID `json:"transaction_id,omitempty"`
	TransactionKey string     `json:"transaction_key,omitempty"`
	Reason         string     `json:"reason"`
}

type RefundPayload struct {
	TransactionID  *uuid.UUID `json:"transaction_id,omitempty"`
	TransactionKey string     `json:"transaction_key,omitempty"`
	Lines          []LineItem `json:"lines"`
	Reason         string     `json:"reason"`
}

type AdjustmentPayload struct {
	ProductID uuid.UUID      `json:"product_id"`
	Type      AdjustmentType `json:"type"`
	Delta     int            `json:"delta"`
	Reason    string         `json:"reason"`
}

type CountPayload struct {
	SessionID       uuid.UUID `json:"session_id"`
	ProductID       uuid.UUID `json:"product_id"`
	CountedQuantity int       `json:"counted_quantity"`
}

type NotePayload struct {
	TransactionKey string    `json:"transaction_key"`
	Note           string    `json:"note"`
	EditedAt       time.Time `json:"edited_at"`
}
