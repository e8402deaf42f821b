package services

import (
	"context"
	"fmt"
	"math"

	"stockledger/internal/config"
	"stockledger/internal/models"
	"stockledger/internal/repositories"

	"github.com/google/uuid"
)

// VarianceDetector applies the variance policy to individual counts.
type VarianceDetector struct {
	policy config.VariancePolicy
}

func NewVarianceDetector(policy config.VariancePolicy) VarianceDetector {
	return VarianceDetector{policy: policy}
}

// NeedsRecount reports whether a first count deviates from the system
// quantity by more than the threshold ratio.
func (d VarianceDetector) NeedsRecount(systemQty, variance int) bool {
	ratio := math.Abs(float64(variance)) / float64(max(systemQty, 1))
	return ratio > d.policy.Threshold
}

// RecountAgrees reports whether a recount confirms the original count within
// tolerance. Both variances are measured against their own system quantity.
func (d VarianceDetector) RecountAgrees(original, recount *models.InventoryCount) bool {
	diff := math.Abs(float64(recount.Variance - original.Variance))
	tolerance := math.Max(
		float64(d.policy.RecountToleranceUnits),
		d.policy.RecountTolerancePct*float64(max(original.SystemQuantity, 1)),
	)
	return diff <= tolerance
}

// latestCounts returns the newest entry per product. counts must be in
// submission order.
func latestCounts(counts []*models.InventoryCount) map[uuid.UUID]*models.InventoryCount {
	latest := make(map[uuid.UUID]*models.InventoryCount, len(counts))
	for _, c := range counts {
		latest[c.ProductID] = c
	}
	return latest
}

// buildVarianceSummary aggregates the counts of record of a session. Products
// still awaiting a recount or verification are listed instead of valued.
func buildVarianceSummary(
	ctx context.Context,
	session *models.CountSession,
	counts []*models.InventoryCount,
	products repositories.ProductRepository,
	valuation Valuation,
) (*models.VarianceSummary, error) {
	summary := &models.VarianceSummary{
		SessionID:       session.ID,
		ValuationMethod: valuation.Method(),
	}
	latest := latestCounts(counts)

	for _, productID := range session.ScopeProductIDs {
		c, ok := latest[productID]
		if !ok {
			summary.Uncounted = append(summary.Uncounted, productID)
			continue
		}
		switch c.Status {
		case models.CountNeedsRecount:
			summary.NeedsRecount = append(summary.NeedsRecount, productID)
			continue
		case models.CountDisputed:
			summary.Disputed = append(summary.Disputed, productID)
			continue
		}

		product, err := products.GetByID(ctx, productID)
		if err != nil {
			return nil, fmt.Errorf("load product %s: %w", productID, err)
		}
		unitCost := valuation.UnitCost(product)
		countID := c.ID
		line := models.VarianceLine{
			ProductID:       productID,
			CountID:         &countID,
			Status:          c.Status,
			SystemQuantity:  c.SystemQuantity,
			CountedQuantity: c.CountedQuantity,
			Variance:        c.Variance,
			UnitCost:        unitCost,
			CostImpact:      float64(c.Variance) * unitCost,
		}
		summary.Lines = append(summary.Lines, line)
		summary.TotalVariance += c.Variance
		summary.TotalCostImpact += line.CostImpact
		if c.Variance < 0 {
			summary.ShrinkageUnits += -c.Variance
		} else {
			summary.OverageUnits += c.Variance
		}
	}
	return summary, nil
}
