package jobs

import (
	"context"
	"time"

	"stockledger/internal/events"
	"stockledger/internal/repositories"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const defaultAlertLimit = 1000

type InventoryAlertService struct {
	productRepo repositories.ProductRepository
	publisher   events.Publisher
}

type InventoryAlert struct {
	ProductID    uuid.UUID `json:"product_id"`
	SKU          string    `json:"sku"`
	ProductName  string    `json:"product_name"`
	CurrentStock int       `json:"current_stock"`
	ReorderLevel int       `json:"reorder_level"`
}

type LowStockReport struct {
	GeneratedAt time.Time        `json:"generated_at"`
	Alerts      []InventoryAlert `json:"alerts"`
}

func NewInventoryAlertService(productRepo repositories.ProductRepository, publisher events.Publisher) *InventoryAlertService {
	if publisher == nil {
		publisher = events.NewNoopPublisher()
	}
	return &InventoryAlertService{
		productRepo: productRepo,
		publisher:   publisher,
	}
}

// CheckLowStock lists products at or below their reorder level.
func (a *InventoryAlertService) CheckLowStock(ctx context.Context, limit int) ([]InventoryAlert, error) {
	if limit <= 0 {
		limit = defaultAlertLimit
	}

	products, err := a.productRepo.ListBelowReorder(ctx, limit)
	if err != nil {
		log.Error().Err(err).Msg("failed to list products below reorder level")
		return nil, err
	}

	alerts := make([]InventoryAlert, 0, len(products))
	for _, p := range products {
		alerts = append(alerts, InventoryAlert{
			ProductID:    p.ID,
			SKU:          p.SKU,
			ProductName:  p.Name,
			CurrentStock: p.QuantityInStock,
			ReorderLevel: p.ReorderLevel,
		})
	}
	return alerts, nil
}

// PublishLowStockAlerts logs each alert and publishes them as one report.
func (a *InventoryAlertService) PublishLowStockAlerts(ctx context.Context, alerts []InventoryAlert) {
	if len(alerts) == 0 {
		log.Debug().Msg("no products below reorder level")
		return
	}

	for _, alert := range alerts {
		log.Warn().
			Str("product_id", alert.ProductID.String()).
			Str("sku", alert.SKU).
			Int("quantity", alert.CurrentStock).
			Int("reorder_level", alert.ReorderLevel).
			Msg("product below reorder level")
	}
	events.Emit(ctx, a.publisher, events.LowStockReport, "low-stock", LowStockReport{
		GeneratedAt: time.Now().UTC(),
		Alerts:      alerts,
	})
}

// ScheduledLowStockCheck runs from the background scheduler.
func (a *InventoryAlertService) ScheduledLowStockCheck(ctx context.Context) error {
	alerts, err := a.CheckLowStock(ctx, defaultAlertLimit)
	if err != nil {
		return err
	}
	a.PublishLowStockAlerts(ctx, alerts)
	log.Info().Int("alerts", len(alerts)).Msg("scheduled low stock check completed")
	return nil
}
