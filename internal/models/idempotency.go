package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// IdempotencyRecord stores the outcome of a mutating operation under its
// client-supplied key.
type IdempotencyRecord struct {
	Key        string          `json:"key" db:"key"`
	Operation  string          `json:"operation" db:"operation"`
	ResourceID *uuid.UUID      `json:"resource_id,omitempty" db:"resource_id"`
	Response   json.RawMessage `json:"response" db:"response"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}
