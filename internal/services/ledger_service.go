package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"stockledger/internal/caching"
	"stockledger/internal/common"
	"stockledger/internal/config"
	"stockledger/internal/events"
	"stockledger/internal/models"
	"stockledger/internal/repositories"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("stockledger/services")

// DeltaContext describes why a quantity changes.
type DeltaContext struct {
	Type          models.AdjustmentType
	Reason        string
	Actor         models.Actor
	AllowNegative bool
	ReferenceType string
	ReferenceID   *uuid.UUID
}

// Delta is one product's quantity change within a multi-product write.
type Delta struct {
	ProductID uuid.UUID
	Change    int
}

// LedgerService is the only writer of product quantities. Every change it
// makes is recorded as an adjustment in the same transaction.
type LedgerService interface {
	ApplyDelta(ctx context.Context, productID uuid.UUID, delta int, dc DeltaContext) (*models.InventoryAdjustment, error)
	// ApplyDeltas applies several changes atomically, locking products in
	// ascending id order.
	ApplyDeltas(ctx context.Context, deltas []Delta, dc DeltaContext) ([]*models.InventoryAdjustment, error)
	RegisterProduct(ctx context.Context, product *models.Product, initialQuantity int, actor models.Actor) (*models.Product, error)

	CurrentQuantity(ctx context.Context, productID uuid.UUID) (*models.StockLevel, error)
	// FreshQuantity bypasses the cache.
	FreshQuantity(ctx context.Context, productID uuid.UUID) (int, error)
	History(ctx context.Context, productID uuid.UUID, limit, offset int) ([]*models.InventoryAdjustment, error)
	VerifyProduct(ctx context.Context, productID uuid.UUID) (*models.LedgerVerification, error)
	// VerifyAll returns the products whose stored quantity disagrees with
	// their adjustment history.
	VerifyAll(ctx context.Context) ([]*models.LedgerVerification, error)
}

type ledgerService struct {
	tx          repositories.TxManager
	products    repositories.ProductRepository
	adjustments repositories.AdjustmentRepository
	cache       caching.CacheService
	publisher   events.Publisher
	policy      config.LedgerPolicy
	now         func() time.Time
}

func NewLedgerService(
	tx repositories.TxManager,
	products repositories.ProductRepository,
	adjustments repositories.AdjustmentRepository,
	cache caching.CacheService,
	publisher events.Publisher,
	policy config.LedgerPolicy,
) LedgerService {
	return &ledgerService{
		tx:          tx,
		products:    products,
		adjustments: adjustments,
		cache:       cache,
		publisher:   publisher,
		policy:      policy,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *ledgerService) ApplyDelta(ctx context.Context, productID uuid.UUID, delta int, dc DeltaContext) (*models.InventoryAdjustment, error) {
	adjustments, err := s.ApplyDeltas(ctx, []Delta{{ProductID: productID, Change: delta}}, dc)
	if err != nil {
		return nil, err
	}
	return adjustments[0], nil
}

func (s *ledgerService) ApplyDeltas(ctx context.Context, deltas []Delta, dc DeltaContext) ([]*models.InventoryAdjustment, error) {
	ctx, span := tracer.Start(ctx, "ledger.ApplyDeltas", trace.WithAttributes(
		attribute.String("adjustment.type", string(dc.Type)),
		attribute.Int("ledger.products", len(deltas)),
	))
	defer span.End()

	if err := s.validateDeltas(deltas, dc); err != nil {
		return nil, err
	}

	ordered := make([]Delta, len(deltas))
	copy(ordered, deltas)
	sort.Slice(ordered, func(i, j int) bool {
		return strings.Compare(ordered[i].ProductID.String(), ordered[j].ProductID.String()) < 0
	})

	var applied []*models.InventoryAdjustment
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		applied = applied[:0]
		for _, d := range ordered {
			adj, reorderLevel, err := s.applyOne(ctx, d, dc)
			if err != nil {
				return err
			}
			applied = append(applied, adj)
			s.tx.AfterCommit(ctx, s.onCommitted(ctx, adj, reorderLevel))
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, common.ErrorCode(err))
		return nil, err
	}

	// callers get results in request order
	byProduct := make(map[uuid.UUID]*models.InventoryAdjustment, len(applied))
	for _, adj := range applied {
		byProduct[adj.ProductID] = adj
	}
	out := make([]*models.InventoryAdjustment, 0, len(deltas))
	for _, d := range deltas {
		out = append(out, byProduct[d.ProductID])
	}
	return out, nil
}

func (s *ledgerService) validateDeltas(deltas []Delta, dc DeltaContext) error {
	if len(deltas) == 0 {
		return common.NewValidationError("deltas", "at least one change is required")
	}
	if !dc.Type.Valid() {
		return common.NewValidationError("type", fmt.Sprintf("unknown adjustment type %q", dc.Type))
	}
	if strings.TrimSpace(dc.Actor.ID) == "" {
		return common.NewValidationError("actor", "is required")
	}
	seen := make(map[uuid.UUID]struct{}, len(deltas))
	for _, d := range deltas {
		if d.ProductID == uuid.Nil {
			return common.NewValidationError("product_id", "is required")
		}
		if d.Change == 0 {
			return common.NewValidationError("delta", "must be non-zero")
		}
		if _, dup := seen[d.ProductID]; dup {
			return common.NewValidationError("product_id", "appears more than once")
		}
		seen[d.ProductID] = struct{}{}
	}
	if dc.AllowNegative && !s.negativeAllowed(dc) {
		return &common.ForbiddenError{Action: "negative stock", Reason: "only admin corrections may drive stock below zero"}
	}
	return nil
}

func (s *ledgerService) negativeAllowed(dc DeltaContext) bool {
	return s.policy.AllowNegativeCorrections &&
		dc.Type == models.AdjustmentCorrection &&
		dc.Actor.Role == models.RoleAdmin
}

func (s *ledgerService) applyOne(ctx context.Context, d Delta, dc DeltaContext) (*models.InventoryAdjustment, int, error) {
	product, err := s.products.GetForUpdate(ctx, d.ProductID)
	if err != nil {
		return nil, 0, err
	}

	newQty := product.QuantityInStock + d.Change
	if newQty < 0 && !dc.AllowNegative {
		return nil, 0, &common.InsufficientStockError{
			ProductID: d.ProductID,
			Available: product.QuantityInStock,
			Requested: -d.Change,
		}
	}
	if err := s.products.UpdateQuantity(ctx, d.ProductID, newQty); err != nil {
		return nil, 0, fmt.Errorf("update quantity: %w", err)
	}

	number, err := s.adjustments.NextNumber(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("next adjustment number: %w", err)
	}
	adj := &models.InventoryAdjustment{
		ID:               uuid.New(),
		AdjustmentNumber: number,
		ProductID:        d.ProductID,
		Type:             dc.Type,
		QuantityChange:   d.Change,
		OldQuantity:      product.QuantityInStock,
		NewQuantity:      newQty,
		Reason:           dc.Reason,
		Actor:            dc.Actor.ID,
		ReferenceID:      dc.ReferenceID,
		CreatedAt:        s.now(),
	}
	if dc.ReferenceType != "" {
		adj.ReferenceType = common.StringPtr(dc.ReferenceType)
	}
	if err := s.adjustments.Create(ctx, adj); err != nil {
		return nil, 0, fmt.Errorf("record adjustment: %w", err)
	}
	return adj, product.ReorderLevel, nil
}

// onCommitted drops the cached quantity and announces the change. It runs
// only after the write is durable.
func (s *ledgerService) onCommitted(ctx context.Context, adj *models.InventoryAdjustment, reorderLevel int) func() {
	ctx = context.WithoutCancel(ctx)
	return func() {
		if err := s.cache.DeleteQuantity(ctx, adj.ProductID); err != nil {
			log.Warn().Err(err).Str("product_id", adj.ProductID.String()).Msg("failed to invalidate cached quantity")
		}
		events.Emit(ctx, s.publisher, events.AdjustmentRecorded, adj.ProductID.String(), adj)
		if reorderLevel > 0 && adj.NewQuantity <= reorderLevel && adj.OldQuantity > reorderLevel {
			events.Emit(ctx, s.publisher, events.StockLow, adj.ProductID.String(), map[string]any{
				"product_id":    adj.ProductID,
				"quantity":      adj.NewQuantity,
				"reorder_level": reorderLevel,
			})
		}
	}
}

func (s *ledgerService) RegisterProduct(ctx context.Context, product *models.Product, initialQuantity int, actor models.Actor) (*models.Product, error) {
	if !actor.HasRole(models.RoleManager, models.RoleAdmin) {
		return nil, &common.ForbiddenError{Action: "register product", Reason: "requires manager or admin"}
	}
	if err := common.ValidateRequiredString(product.SKU, "sku"); err != nil {
		return nil, err
	}
	if err := common.ValidateRequiredString(product.Name, "name"); err != nil {
		return nil, err
	}
	if initialQuantity < 0 {
		return nil, common.NewValidationError("initial_quantity", "cannot be negative")
	}
	if product.ReorderLevel < 0 {
		return nil, common.NewValidationError("reorder_level", "cannot be negative")
	}

	now := s.now()
	if product.ID == uuid.Nil {
		product.ID = uuid.New()
	}
	product.QuantityInStock = 0
	product.CreatedAt = now
	product.UpdatedAt = now

	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.products.Create(ctx, product); err != nil {
			return fmt.Errorf("create product: %w", err)
		}
		if initialQuantity == 0 {
			return nil
		}
		_, err := s.ApplyDelta(ctx, product.ID, initialQuantity, DeltaContext{
			Type:   models.AdjustmentInitial,
			Reason: "initial stock",
			Actor:  actor,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	product.QuantityInStock = initialQuantity
	return product, nil
}

func (s *ledgerService) CurrentQuantity(ctx context.Context, productID uuid.UUID) (*models.StockLevel, error) {
	qty, ok, err := s.cache.GetQuantity(ctx, productID)
	if err != nil {
		log.Warn().Err(err).Str("product_id", productID.String()).Msg("quantity cache read failed")
	} else if ok {
		return &models.StockLevel{ProductID: productID, Quantity: qty, Cached: true}, nil
	}

	product, err := s.products.GetByID(ctx, productID)
	if err != nil {
		return nil, err
	}
	if err := s.cache.SetQuantity(ctx, productID, product.QuantityInStock, s.policy.CacheTTL); err != nil {
		log.Warn().Err(err).Str("product_id", productID.String()).Msg("quantity cache write failed")
		return &models.StockLevel{ProductID: productID, Quantity: product.QuantityInStock}, nil
	}
	s.dropIfStale(ctx, productID, product.QuantityInStock)
	return &models.StockLevel{ProductID: productID, Quantity: product.QuantityInStock}, nil
}

// dropIfStale re-reads the quantity after a cache fill. A delta that committed
// between the read and the fill invalidated the key before the fill wrote it,
// so the filled value must be removed again.
func (s *ledgerService) dropIfStale(ctx context.Context, productID uuid.UUID, cached int) {
	current, err := s.products.GetByID(ctx, productID)
	if err == nil && current.QuantityInStock == cached {
		return
	}
	if err := s.cache.DeleteQuantity(ctx, productID); err != nil {
		log.Warn().Err(err).Str("product_id", productID.String()).Msg("failed to drop stale cached quantity")
	}
}

func (s *ledgerService) FreshQuantity(ctx context.Context, productID uuid.UUID) (int, error) {
	product, err := s.products.GetByID(ctx, productID)
	if err != nil {
		return 0, err
	}
	return product.QuantityInStock, nil
}

func (s *ledgerService) History(ctx context.Context, productID uuid.UUID, limit, offset int) ([]*models.InventoryAdjustment, error) {
	limit, offset, err := common.ValidatePaginationParams(limit, offset)
	if err != nil {
		return nil, err
	}
	if _, err := s.products.GetByID(ctx, productID); err != nil {
		return nil, err
	}
	return s.adjustments.ListByProduct(ctx, productID, limit, offset)
}

func (s *ledgerService) VerifyProduct(ctx context.Context, productID uuid.UUID) (*models.LedgerVerification, error) {
	product, err := s.products.GetByID(ctx, productID)
	if err != nil {
		return nil, err
	}
	sum, count, err := s.adjustments.SumForProduct(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("sum adjustments: %w", err)
	}
	breaks, err := s.adjustments.ChainBreaks(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("check adjustment chain: %w", err)
	}

	v := &models.LedgerVerification{
		ProductID:       productID,
		StoredQuantity:  product.QuantityInStock,
		LedgerQuantity:  sum,
		AdjustmentCount: count,
		ChainIntact:     breaks == 0,
	}
	v.Consistent = v.ChainIntact && sum == product.QuantityInStock
	if count > 0 && v.Consistent {
		latest, err := s.adjustments.LatestForProduct(ctx, productID)
		if err != nil {
			return nil, fmt.Errorf("latest adjustment: %w", err)
		}
		v.Consistent = latest.NewQuantity == product.QuantityInStock
	}
	return v, nil
}

func (s *ledgerService) VerifyAll(ctx context.Context) ([]*models.LedgerVerification, error) {
	const pageSize = 500
	var mismatched []*models.LedgerVerification
	for offset := 0; ; offset += pageSize {
		products, err := s.products.List(ctx, pageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("list products: %w", err)
		}
		for _, p := range products {
			v, err := s.VerifyProduct(ctx, p.ID)
			if err != nil {
				return nil, err
			}
			if !v.Consistent {
				mismatched = append(mismatched, v)
			}
		}
		if len(products) < pageSize {
			return mismatched, nil
		}
	}
}
