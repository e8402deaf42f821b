package models

import (
	"time"

	"github.com/google/uuid"
)

type AdjustmentType string

const (
	AdjustmentDamage         AdjustmentType = "damage"
	AdjustmentTheft          AdjustmentType = "theft"
	AdjustmentFound          AdjustmentType = "found"
	AdjustmentCorrection     AdjustmentType = "correction"
	AdjustmentInitial        AdjustmentType = "initial"
	AdjustmentSale           AdjustmentType = "sale"
	AdjustmentVoid           AdjustmentType = "void"
	AdjustmentRefund         AdjustmentType = "refund"
	AdjustmentReconciliation AdjustmentType = "reconciliation"
)

func (t AdjustmentType) Valid() bool {
	switch t {
	case AdjustmentDamage, AdjustmentTheft, AdjustmentFound, AdjustmentCorrection, AdjustmentInitial,
		AdjustmentSale, AdjustmentVoid, AdjustmentRefund, AdjustmentReconciliation:
		return true
	}
	return false
}

// Manual reports whether the type may be recorded directly by a user, as
// opposed to being produced by a sale, void, refund or reconciliation.
func (t AdjustmentType) Manual() bool {
	switch t {
	case AdjustmentDamage, AdjustmentTheft, AdjustmentFound, AdjustmentCorrection, AdjustmentInitial:
		return true
	}
	return false
}

// InventoryAdjustment is one immutable row of the stock ledger.
// NewQuantity always equals OldQuantity + QuantityChange.
type InventoryAdjustment struct {
	ID               uuid.UUID      `json:"id" db:"id"`
	AdjustmentNumber string         `json:"adjustment_number" db:"adjustment_number"`
	ProductID        uuid.UUID      `json:"product_id" db:"product_id"`
	Type             AdjustmentType `json:"type" db:"adjustment_type"`
	QuantityChange   int            `json:"quantity_change" db:"quantity_change"`
	OldQuantity      int            `json:"old_quantity" db:"old_quantity"`
	NewQuantity      int            `json:"new_quantity" db:"new_quantity"`
	Reason           string         `json:"reason" db:"reason"`
	Actor            string         `json:"actor" db:"actor"`
	ReferenceType    *string        `json:"reference_type,omitempty" db:"reference_type"`
	ReferenceID      *uuid.UUID     `json:"reference_id,omitempty" db:"reference_id"`
	CreatedAt        time.Time      `json:"created_at" db:"created_at"`
}

// LedgerVerification compares a product's stored quantity with the sum of its
// adjustment history.
type LedgerVerification struct {
	ProductID       uuid.UUID `json:"product_id"`
	StoredQuantity  int       `json:"stored_quantity"`
	LedgerQuantity  int       `json:"ledger_quantity"`
	AdjustmentCount int       `json:"adjustment_count"`
	ChainIntact     bool      `json:"chain_intact"`
	Consistent      bool      `json:"consistent"`
}
