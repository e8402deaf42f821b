package services

import (
	"fmt"

	"stockledger/internal/models"
)

const (
	ValuationCurrentCost = "current_cost"
	ValuationBasePrice   = "base_price"
)

// Valuation prices one unit of variance for cost-impact reporting.
type Valuation interface {
	Method() string
	UnitCost(p *models.Product) float64
}

type currentCostValuation struct{}

func (currentCostValuation) Method() string { return ValuationCurrentCost }

// UnitCost uses the cost price, falling back to the base price when the cost
// is unknown.
func (currentCostValuation) UnitCost(p *models.Product) float64 {
	if p.CostPrice != nil {
		return *p.CostPrice
	}
	return p.BasePrice
}

type basePriceValuation struct{}

func (basePriceValuation) Method() string                     { return ValuationBasePrice }
func (basePriceValuation) UnitCost(p *models.Product) float64 { return p.BasePrice }

func NewValuation(method string) (Valuation, error) {
	switch method {
	case "", ValuationCurrentCost:
		return currentCostValuation{}, nil
	case ValuationBasePrice:
		return basePriceValuation{}, nil
	}
	return nil, fmt.Errorf("unknown valuation method %q", method)
}
