package models

import (
	"time"

	"github.com/google/uuid"
)

type ReconciliationStatus string

const (
	ReconciliationDraft     ReconciliationStatus = "draft"
	ReconciliationSubmitted ReconciliationStatus = "submitted"
	ReconciliationApproved  ReconciliationStatus = "approved"
	ReconciliationRejected  ReconciliationStatus = "rejected"
)

func (s ReconciliationStatus) CanTransitionTo(next ReconciliationStatus) bool {
	switch s {
	case ReconciliationDraft:
		return next == ReconciliationSubmitted
	case ReconciliationSubmitted:
		return next == ReconciliationApproved || next == ReconciliationRejected
	}
	return false
}

func (s ReconciliationStatus) Decided() bool {
	return s == ReconciliationApproved || s == ReconciliationRejected
}

type Reconciliation struct {
	ID                     uuid.UUID                `json:"id" db:"id"`
	ReconciliationNumber   string                   `json:"reconciliation_number" db:"reconciliation_number"`
	SessionID              uuid.UUID                `json:"session_id" db:"session_id"`
	Status                 ReconciliationStatus     `json:"status" db:"status"`
	TotalVarianceUnits     int                      `json:"total_variance_units" db:"total_variance_units"`
	ShrinkageUnits         int                      `json:"shrinkage_units" db:"shrinkage_units"`
	OverageUnits           int                      `json:"overage_units" db:"overage_units"`
	TotalCostImpact        float64                  `json:"total_cost_impact" db:"total_cost_impact"`
	ValuationMethod        string                   `json:"valuation_method" db:"valuation_method"`
	RequiresSecondApproval bool                     `json:"requires_second_approval" db:"requires_second_approval"`
	Notes                  *string                  `json:"notes,omitempty" db:"notes"`
	SubmittedBy            string                   `json:"submitted_by" db:"submitted_by"`
	DecidedBy              *string                  `json:"decided_by,omitempty" db:"decided_by"`
	CreatedAt              time.Time                `json:"created_at" db:"created_at"`
	SubmittedAt            *time.Time               `json:"submitted_at,omitempty" db:"submitted_at"`
	DecidedAt              *time.Time               `json:"decided_at,omitempty" db:"decided_at"`
	Items                  []ReconciliationItem     `json:"items"`
	Approvals              []ReconciliationApproval `json:"approvals"`
}

func (r *Reconciliation) ApprovedBy(actorID string) bool {
	for _, a := range r.Approvals {
		if a.Approver == actorID {
			return true
		}
	}
	return false
}

// ReconciliationItem is the per-product correction that approval applies.
type ReconciliationItem struct {
	ReconciliationID uuid.UUID  `json:"reconciliation_id" db:"reconciliation_id"`
	ProductID        uuid.UUID  `json:"product_id" db:"product_id"`
	CountID          *uuid.UUID `json:"count_id,omitempty" db:"count_id"`
	SystemQuantity   int        `json:"system_quantity" db:"system_quantity"`
	CountedQuantity  int        `json:"counted_quantity" db:"counted_quantity"`
	Variance         int        `json:"variance" db:"variance"`
	UnitCost         float64    `json:"unit_cost" db:"unit_cost"`
	CostImpact       float64    `json:"cost_impact" db:"cost_impact"`
}

type ReconciliationApproval struct {
	ReconciliationID uuid.UUID `json:"reconciliation_id" db:"reconciliation_id"`
	Approver         string    `json:"approver" db:"approver"`
	Role             Role      `json:"role" db:"role"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}

// VarianceLine is one product's state within a session summary.
type VarianceLine struct {
	ProductID       uuid.UUID   `json:"product_id"`
	CountID         *uuid.UUID  `json:"count_id,omitempty"`
	Status          CountStatus `json:"status,omitempty"`
	SystemQuantity  int         `json:"system_quantity"`
	CountedQuantity int         `json:"counted_quantity"`
	Variance        int         `json:"variance"`
	UnitCost        float64     `json:"unit_cost"`
	CostImpact      float64     `json:"cost_impact"`
}

// VarianceSummary aggregates the counts of record of a session.
type VarianceSummary struct {
	SessionID       uuid.UUID      `json:"session_id"`
	Lines           []VarianceLine `json:"lines"`
	TotalVariance   int            `json:"total_variance_units"`
	ShrinkageUnits  int            `json:"shrinkage_units"`
	OverageUnits    int            `json:"overage_units"`
	TotalCostImpact float64        `json:"total_cost_impact"`
	ValuationMethod string         `json:"valuation_method"`
	Uncounted       []uuid.UUID    `json:"uncounted"`
	NeedsRecount    []uuid.UUID    `json:"needs_recount"`
	Disputed        []uuid.UUID    `json:"disputed"`
}
