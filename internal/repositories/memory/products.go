package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"stockledger/internal/common"
	"stockledger/internal/models"

	"github.com/google/uuid"
)

type productRepo struct{ s *Store }

func (r *productRepo) Create(ctx context.Context, p *models.Product) error {
	return r.s.do(ctx, func(d *data) error {
		if _, ok := d.products[p.ID]; ok {
			return fmt.Errorf("product %s already exists", p.ID)
		}
		for _, existing := range d.products {
			if existing.SKU == p.SKU {
				return fmt.Errorf("sku %q already exists", p.SKU)
			}
		}
		now := time.Now().UTC()
		cp := *p
		cp.CreatedAt, cp.UpdatedAt = now, now
		d.products[p.ID] = cp
		return nil
	})
}

func (r *productRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Product, error) {
	var out *models.Product
	err := r.s.do(ctx, func(d *data) error {
		p, ok := d.products[id]
		if !ok {
			return fmt.Errorf("product %s: %w", id, common.ErrNotFound)
		}
		out = &p
		return nil
	})
	return out, err
}

// GetForUpdate needs no row lock: the store lock already serializes writers.
func (r *productRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*models.Product, error) {
	return r.GetByID(ctx, id)
}

func (r *productRepo) UpdateQuantity(ctx context.Context, id uuid.UUID, quantity int) error {
	return r.s.do(ctx, func(d *data) error {
		p, ok := d.products[id]
		if !ok {
			return fmt.Errorf("product %s: %w", id, common.ErrNotFound)
		}
		p.QuantityInStock = quantity
		p.UpdatedAt = time.Now().UTC()
		d.products[id] = p
		return nil
	})
}

func (r *productRepo) sorted(d *data) []models.Product {
	out := make([]models.Product, 0, len(d.products))
	for _, p := range d.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

func (r *productRepo) List(ctx context.Context, limit, offset int) ([]*models.Product, error) {
	var out []*models.Product
	err := r.s.do(ctx, func(d *data) error {
		for i, p := range r.sorted(d) {
			if i < offset {
				continue
			}
			if len(out) == limit {
				break
			}
			p := p
			out = append(out, &p)
		}
		return nil
	})
	return out, err
}

func (r *productRepo) ListIDsByScope(ctx context.Context, scope models.CountScope) ([]uuid.UUID, error) {
	wanted := make(map[uuid.UUID]bool, len(scope.ProductIDs))
	for _, id := range scope.ProductIDs {
		wanted[id] = true
	}
	var ids []uuid.UUID
	err := r.s.do(ctx, func(d *data) error {
		for _, p := range r.sorted(d) {
			if scope.CategoryID != nil && (p.CategoryID == nil || *p.CategoryID != *scope.CategoryID) {
				continue
			}
			if scope.Location != nil && (p.Location == nil || *p.Location != *scope.Location) {
				continue
			}
			if len(wanted) > 0 && !wanted[p.ID] {
				continue
			}
			ids = append(ids, p.ID)
		}
		return nil
	})
	return ids, err
}

func (r *productRepo) Quantities(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]int, error) {
	out := make(map[uuid.UUID]int)
	err := r.s.do(ctx, func(d *data) error {
		if len(ids) == 0 {
			for id, p := range d.products {
				out[id] = p.QuantityInStock
			}
			return nil
		}
		for _, id := range ids {
			if p, ok := d.products[id]; ok {
				out[id] = p.QuantityInStock
			}
		}
		return nil
	})
	return out, err
}

// LockShared is a no-op: memory transactions are already serialized.
func (r *productRepo) LockShared(context.Context, []uuid.UUID) error { return nil }

func (r *productRepo) ListBelowReorder(ctx context.Context, limit int) ([]*models.Product, error) {
	var out []*models.Product
	err := r.s.do(ctx, func(d *data) error {
		for _, p := range r.sorted(d) {
			if !p.BelowReorder() {
				continue
			}
			p := p
			out = append(out, &p)
		}
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].QuantityInStock < out[j].QuantityInStock })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

type adjustmentRepo struct{ s *Store }

func (r *adjustmentRepo) Create(ctx context.Context, a *models.InventoryAdjustment) error {
	return r.s.do(ctx, func(d *data) error {
		d.adjustments = append(d.adjustments, *a)
		return nil
	})
}

func (r *adjustmentRepo) NextNumber(ctx context.Context) (string, error) {
	var n int64
	err := r.s.do(ctx, func(d *data) error {
		d.adjSeq++
		n = d.adjSeq
		return nil
	})
	return fmt.Sprintf("ADJ-%08d", n), err
}

func (r *adjustmentRepo) forProduct(d *data, productID uuid.UUID) []models.InventoryAdjustment {
	var out []models.InventoryAdjustment
	for _, a := range d.adjustments {
		if a.ProductID == productID {
			out = append(out, a)
		}
	}
	return out
}

func (r *adjustmentRepo) ListByProduct(ctx context.Context, productID uuid.UUID, limit, offset int) ([]*models.InventoryAdjustment, error) {
	var out []*models.InventoryAdjustment
	err := r.s.do(ctx, func(d *data) error {
		rows := r.forProduct(d, productID)
		for i := len(rows) - 1 - offset; i >= 0 && len(out) < limit; i-- {
			a := rows[i]
			out = append(out, &a)
		}
		return nil
	})
	return out, err
}

func (r *adjustmentRepo) LatestForProduct(ctx context.Context, productID uuid.UUID) (*models.InventoryAdjustment, error) {
	var out *models.InventoryAdjustment
	err := r.s.do(ctx, func(d *data) error {
		rows := r.forProduct(d, productID)
		if len(rows) == 0 {
			return fmt.Errorf("adjustments for product %s: %w", productID, common.ErrNotFound)
		}
		a := rows[len(rows)-1]
		out = &a
		return nil
	})
	return out, err
}

func (r *adjustmentRepo) SumForProduct(ctx context.Context, productID uuid.UUID) (int, int, error) {
	var sum, count int
	err := r.s.do(ctx, func(d *data) error {
		for _, a := range r.forProduct(d, productID) {
			sum += a.QuantityChange
			count++
		}
		return nil
	})
	return sum, count, err
}

func (r *adjustmentRepo) ChainBreaks(ctx context.Context, productID uuid.UUID) (int, error) {
	breaks := 0
	err := r.s.do(ctx, func(d *data) error {
		rows := r.forProduct(d, productID)
		for i := 1; i < len(rows); i++ {
			if rows[i].OldQuantity != rows[i-1].NewQuantity {
				breaks++
			}
		}
		return nil
	})
	return breaks, err
}

func (r *adjustmentRepo) LatestNumbers(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error) {
	wanted := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	out := make(map[uuid.UUID]string)
	err := r.s.do(ctx, func(d *data) error {
		for _, a := range d.adjustments {
			if len(wanted) > 0 && !wanted[a.ProductID] {
				continue
			}
			if a.AdjustmentNumber > out[a.ProductID] {
				out[a.ProductID] = a.AdjustmentNumber
			}
		}
		return nil
	})
	return out, err
}

func (r *adjustmentRepo) SumAfter(ctx context.Context, watermarks map[uuid.UUID]string) (map[uuid.UUID]int, error) {
	out := make(map[uuid.UUID]int)
	err := r.s.do(ctx, func(d *data) error {
		for _, a := range d.adjustments {
			after, ok := watermarks[a.ProductID]
			if ok && a.AdjustmentNumber > after {
				out[a.ProductID] += a.QuantityChange
			}
		}
		return nil
	})
	return out, err
}
