package models

import (
	"time"

	"github.com/google/uuid"
)

// Product is a stock-keeping unit. QuantityInStock is the ledger's current
// quantity and is only ever written through the ledger.
type Product struct {
	ID              uuid.UUID  `json:"id" db:"id"`
	SKU             string     `json:"sku" db:"sku"`
	Barcode         *string    `json:"barcode,omitempty" db:"barcode"`
	Name            string     `json:"name" db:"name"`
	CategoryID      *uuid.UUID `json:"category_id,omitempty" db:"category_id"`
	Location        *string    `json:"location,omitempty" db:"location"`
	QuantityInStock int        `json:"quantity_in_stock" db:"quantity_in_stock"`
	ReorderLevel    int        `json:"reorder_level" db:"reorder_level"`
	CostPrice       *float64   `json:"cost_price,omitempty" db:"cost_price"`
	BasePrice       float64    `json:"base_price" db:"base_price"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}

// BelowReorder reports whether the product needs restocking.
func (p *Product) BelowReorder() bool {
	return p.ReorderLevel > 0 && p.QuantityInStock <= p.ReorderLevel
}

// StockLevel is the ledger view returned by quantity lookups.
type StockLevel struct {
	ProductID uuid.UUID `json:"product_id"`
	Quantity  int       `json:"quantity"`
	Cached    bool      `json:"cached"`
}
