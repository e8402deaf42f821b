package services

import (
	"testing"

	"stockledger/internal/config"
	"stockledger/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVarianceDetectorNeedsRecount(t *testing.T) {
	d := NewVarianceDetector(config.DefaultPolicy().Variance)

	tests := []struct {
		name     string
		system   int
		variance int
		want     bool
	}{
		{"exact", 100, 0, false},
		{"at threshold", 100, -5, false},
		{"over threshold", 100, -6, true},
		{"overage", 100, 6, true},
		{"empty shelf found one", 0, 1, true},
		{"empty shelf empty count", 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, d.NeedsRecount(tt.system, tt.variance))
		})
	}
}

func TestVarianceDetectorRecountAgrees(t *testing.T) {
	policy := config.DefaultPolicy().Variance
	d := NewVarianceDetector(policy)
	original := &models.InventoryCount{SystemQuantity: 100, CountedQuantity: 40, Variance: -60}

	assert.True(t, d.RecountAgrees(original, &models.InventoryCount{SystemQuantity: 100, Variance: -58}))
	assert.True(t, d.RecountAgrees(original, &models.InventoryCount{SystemQuantity: 100, Variance: -65}))
	assert.False(t, d.RecountAgrees(original, &models.InventoryCount{SystemQuantity: 100, Variance: -30}))

	policy.RecountToleranceUnits = 40
	wide := NewVarianceDetector(policy)
	assert.True(t, wide.RecountAgrees(original, &models.InventoryCount{SystemQuantity: 100, Variance: -30}))
}

func TestLatestCountsKeepsNewestPerProduct(t *testing.T) {
	x, y := uuid.New(), uuid.New()
	a := &models.InventoryCount{ProductID: x, Status: models.CountNeedsRecount}
	b := &models.InventoryCount{ProductID: y, Status: models.CountAccepted}
	a2 := &models.InventoryCount{ProductID: x, Status: models.CountRecounted}

	latest := latestCounts([]*models.InventoryCount{a, b, a2})
	require.Len(t, latest, 2)
	assert.Same(t, a2, latest[a.ProductID])
	assert.Same(t, b, latest[b.ProductID])
}

func TestValuation(t *testing.T) {
	cost := 3.5
	withCost := &models.Product{BasePrice: 7, CostPrice: &cost}
	noCost := &models.Product{BasePrice: 7}

	current, err := NewValuation("")
	require.NoError(t, err)
	assert.Equal(t, ValuationCurrentCost, current.Method())
	assert.Equal(t, 3.5, current.UnitCost(withCost))
	assert.Equal(t, 7.0, current.UnitCost(noCost))

	base, err := NewValuation(ValuationBasePrice)
	require.NoError(t, err)
	assert.Equal(t, 7.0, base.UnitCost(withCost))

	_, err = NewValuation("fifo")
	assert.Error(t, err)
}
