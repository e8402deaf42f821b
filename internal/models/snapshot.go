package models

import (
	"time"

	"github.com/google/uuid"
)

type SnapshotKind string

const (
	SnapshotSessionStart SnapshotKind = "session_start"
	SnapshotDayEnd       SnapshotKind = "day_end"
	SnapshotManual       SnapshotKind = "manual"
)

type InventorySnapshot struct {
	ID         uuid.UUID      `json:"id" db:"id"`
	Kind       SnapshotKind   `json:"kind" db:"kind"`
	SessionID  *uuid.UUID     `json:"session_id,omitempty" db:"session_id"`
	TakenAt    time.Time      `json:"taken_at" db:"taken_at"`
	ArchiveKey *string        `json:"archive_key,omitempty" db:"archive_key"`
	Items      []SnapshotItem `json:"items"`
}

// SnapshotItem carries the product's latest adjustment number at snapshot
// time. Drift sums only adjustments numbered after it.
type SnapshotItem struct {
	ProductID      uuid.UUID `json:"product_id" db:"product_id"`
	Quantity       int       `json:"quantity" db:"quantity"`
	LastAdjustment string    `json:"last_adjustment,omitempty" db:"last_adjustment"`
}

// DriftEntry explains a product whose current quantity does not match the
// snapshot plus the adjustments recorded since.
type DriftEntry struct {
	ProductID        uuid.UUID `json:"product_id"`
	SnapshotQuantity int       `json:"snapshot_quantity"`
	AdjustmentsSince int       `json:"adjustments_since"`
	Expected         int       `json:"expected"`
	Actual           int       `json:"actual"`
	Drift            int       `json:"drift"`
}

type DriftReport struct {
	SnapshotID uuid.UUID    `json:"snapshot_id"`
	TakenAt    time.Time    `json:"taken_at"`
	Checked    int          `json:"checked"`
	Entries    []DriftEntry `json:"entries"`
}
