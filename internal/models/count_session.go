package models

import (
	"time"

	"github.com/google/uuid"
)

type CountSessionType string

const (
	CountSessionFull  CountSessionType = "full"
	CountSessionCycle CountSessionType = "cycle"
	CountSessionSpot  CountSessionType = "spot"
)

func (t CountSessionType) Valid() bool {
	return t == CountSessionFull || t == CountSessionCycle || t == CountSessionSpot
}

type CountSessionStatus string

const (
	CountSessionScheduled     CountSessionStatus = "scheduled"
	CountSessionInProgress    CountSessionStatus = "in_progress"
	CountSessionPendingReview CountSessionStatus = "pending_review"
	CountSessionApproved      CountSessionStatus = "approved"
	CountSessionRejected      CountSessionStatus = "rejected"
	CountSessionClosed        CountSessionStatus = "closed"
)

var countSessionTransitions = map[CountSessionStatus][]CountSessionStatus{
	CountSessionScheduled:     {CountSessionInProgress},
	CountSessionInProgress:    {CountSessionPendingReview},
	CountSessionPendingReview: {CountSessionApproved, CountSessionRejected},
	CountSessionApproved:      {CountSessionClosed},
	CountSessionRejected:      {CountSessionClosed},
}

func (s CountSessionStatus) CanTransitionTo(next CountSessionStatus) bool {
	for _, allowed := range countSessionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// CountScope selects the products a session covers. Full sessions ignore it,
// cycle sessions use CategoryID or Location, spot sessions use ProductIDs.
type CountScope struct {
	CategoryID *uuid.UUID  `json:"category_id,omitempty"`
	Location   *string     `json:"location,omitempty"`
	ProductIDs []uuid.UUID `json:"product_ids,omitempty"`
}

type CountSession struct {
	ID              uuid.UUID          `json:"id" db:"id"`
	SessionNumber   string             `json:"session_number" db:"session_number"`
	Type            CountSessionType   `json:"type" db:"session_type"`
	Status          CountSessionStatus `json:"status" db:"status"`
	Blind           bool               `json:"blind" db:"blind"`
	Scope           CountScope         `json:"scope" db:"scope"`
	ScopeProductIDs []uuid.UUID        `json:"scope_product_ids" db:"scope_product_ids"`
	Counters        []string           `json:"counters" db:"counters"`
	SnapshotID      *uuid.UUID         `json:"snapshot_id,omitempty" db:"snapshot_id"`
	ScheduledFor    *time.Time         `json:"scheduled_for,omitempty" db:"scheduled_for"`
	StartedAt       *time.Time         `json:"started_at,omitempty" db:"started_at"`
	FinishedAt      *time.Time         `json:"finished_at,omitempty" db:"finished_at"`
	ClosedAt        *time.Time         `json:"closed_at,omitempty" db:"closed_at"`
	CreatedBy       string             `json:"created_by" db:"created_by"`
	CreatedAt       time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at" db:"updated_at"`
}

func (s *CountSession) HasCounter(id string) bool {
	for _, c := range s.Counters {
		if c == id {
			return true
		}
	}
	return false
}

func (s *CountSession) InScope(productID uuid.UUID) bool {
	for _, id := range s.ScopeProductIDs {
		if id == productID {
			return true
		}
	}
	return false
}

type CountStatus string

const (
	CountAccepted     CountStatus = "accepted"
	CountNeedsRecount CountStatus = "needs_recount"
	CountRecounted    CountStatus = "recounted"
	CountDisputed     CountStatus = "disputed"
	CountVerified     CountStatus = "verified"
)

// OfRecord reports whether a count with this status settles the product's
// counted quantity for the session.
func (s CountStatus) OfRecord() bool {
	return s == CountAccepted || s == CountRecounted || s == CountVerified
}

// InventoryCount is one count entry. The latest entry for a product within a
// session determines the product's count state.
type InventoryCount struct {
	ID              uuid.UUID   `json:"id" db:"id"`
	SessionID       uuid.UUID   `json:"session_id" db:"session_id"`
	ProductID       uuid.UUID   `json:"product_id" db:"product_id"`
	CountedQuantity int         `json:"counted_quantity" db:"counted_quantity"`
	SystemQuantity  int         `json:"system_quantity" db:"system_quantity"`
	Variance        int         `json:"variance" db:"variance"`
	Counter         string      `json:"counter" db:"counter"`
	Status          CountStatus `json:"status" db:"status"`
	RecountOf       *uuid.UUID  `json:"recount_of,omitempty" db:"recount_of"`
	Notes           *string     `json:"notes,omitempty" db:"notes"`
	Sequence        int64       `json:"sequence" db:"entry_seq"`
	CreatedAt       time.Time   `json:"created_at" db:"created_at"`
}

// CountView is the externally visible form of a count. System quantity and
// variance are withheld from counters in blind sessions.
type CountView struct {
	ID              uuid.UUID   `json:"id"`
	SessionID       uuid.UUID   `json:"session_id"`
	ProductID       uuid.UUID   `json:"product_id"`
	CountedQuantity int         `json:"counted_quantity"`
	SystemQuantity  *int        `json:"system_quantity,omitempty"`
	Variance        *int        `json:"variance,omitempty"`
	Counter         string      `json:"counter"`
	Status          CountStatus `json:"status"`
	RecountOf       *uuid.UUID  `json:"recount_of,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
}

func ProjectCount(c *InventoryCount, hideSystem bool) CountView {
	v := CountView{
		ID:              c.ID,
		SessionID:       c.SessionID,
		ProductID:       c.ProductID,
		CountedQuantity: c.CountedQuantity,
		Counter:         c.Counter,
		Status:          c.Status,
		RecountOf:       c.RecountOf,
		CreatedAt:       c.CreatedAt,
	}
	if !hideSystem {
		sys, variance := c.SystemQuantity, c.Variance
		v.SystemQuantity = &sys
		v.Variance = &variance
	}
	return v
}

type CountResult struct {
	Count    CountView `json:"count"`
	Replayed bool      `json:"replayed"`
}

// CountSessionView is a session with its counts projected for the viewer.
type CountSessionView struct {
	Session *CountSession `json:"session"`
	Counts  []CountView   `json:"counts"`
}
