package services

import (
	"context"
	"errors"
	"time"

	"stockledger/internal/caching"
	"stockledger/internal/common"
	"stockledger/internal/events"
	"stockledger/internal/models"

	"github.com/google/uuid"
)

func (s *engineSuite) TestRegisterProductRecordsInitialAdjustment() {
	p := s.product("SKU-1", 25, 3)

	s.Equal(25, s.quantity(p.ID))
	history, err := s.engine.Ledger.History(s.ctx, p.ID, 10, 0)
	s.Require().NoError(err)
	s.Require().Len(history, 1)
	s.Equal(models.AdjustmentInitial, history[0].Type)
	s.Equal(0, history[0].OldQuantity)
	s.Equal(25, history[0].NewQuantity)
}

func (s *engineSuite) TestRegisterProductRequiresManager() {
	_, err := s.engine.Ledger.RegisterProduct(s.ctx, &models.Product{SKU: "X", Name: "X"}, 1, cashier)
	var forbidden *common.ForbiddenError
	s.ErrorAs(err, &forbidden)
}

func (s *engineSuite) TestApplyDeltaRejectsOverdraw() {
	p := s.product("SKU-1", 5, 1)

	_, err := s.engine.Ledger.ApplyDelta(s.ctx, p.ID, -6, DeltaContext{Type: models.AdjustmentDamage, Actor: manager})
	var insufficient *common.InsufficientStockError
	s.Require().ErrorAs(err, &insufficient)
	s.Equal(5, insufficient.Available)
	s.Equal(6, insufficient.Requested)
	s.Equal(5, s.quantity(p.ID))
}

func (s *engineSuite) TestApplyDeltaValidation() {
	p := s.product("SKU-1", 5, 1)

	_, err := s.engine.Ledger.ApplyDelta(s.ctx, p.ID, 0, DeltaContext{Type: models.AdjustmentFound, Actor: manager})
	s.Equal(common.CodeValidation, common.ErrorCode(err))

	_, err = s.engine.Ledger.ApplyDelta(s.ctx, p.ID, 1, DeltaContext{Type: "bogus", Actor: manager})
	s.Equal(common.CodeValidation, common.ErrorCode(err))

	_, err = s.engine.Ledger.ApplyDelta(s.ctx, p.ID, 1, DeltaContext{Type: models.AdjustmentFound})
	s.Equal(common.CodeValidation, common.ErrorCode(err))

	_, err = s.engine.Ledger.ApplyDelta(s.ctx, uuid.New(), 1, DeltaContext{Type: models.AdjustmentFound, Actor: manager})
	s.True(errors.Is(err, common.ErrNotFound))
}

func (s *engineSuite) TestApplyDeltasIsAllOrNothing() {
	a := s.product("SKU-A", 10, 1)
	b := s.product("SKU-B", 1, 1)

	_, err := s.engine.Ledger.ApplyDeltas(s.ctx, []Delta{
		{ProductID: a.ID, Change: -3},
		{ProductID: b.ID, Change: -2},
	}, DeltaContext{Type: models.AdjustmentSale, Actor: cashier})
	s.Equal(common.CodeInsufficient, common.ErrorCode(err))

	s.Equal(10, s.quantity(a.ID))
	s.Equal(1, s.quantity(b.ID))
	s.assertLedgerConsistent()
}

func (s *engineSuite) TestNegativeStockOnlyForAdminCorrections() {
	p := s.product("SKU-1", 2, 1)
	dc := DeltaContext{Type: models.AdjustmentCorrection, Actor: admin, AllowNegative: true, Reason: "fix"}

	_, err := s.engine.Ledger.ApplyDelta(s.ctx, p.ID, -5, dc)
	s.Equal(common.CodeForbidden, common.ErrorCode(err), "policy disallows negative corrections by default")

	s.policy.Ledger.AllowNegativeCorrections = true
	s.build()

	managerDC := dc
	managerDC.Actor = manager
	_, err = s.engine.Ledger.ApplyDelta(s.ctx, p.ID, -5, managerDC)
	s.Equal(common.CodeForbidden, common.ErrorCode(err))

	adj, err := s.engine.Ledger.ApplyDelta(s.ctx, p.ID, -5, dc)
	s.Require().NoError(err)
	s.Equal(-3, adj.NewQuantity)
}

func (s *engineSuite) TestCurrentQuantityCacheIsInvalidatedAfterCommit() {
	p := s.product("SKU-1", 10, 1)

	level, err := s.engine.Ledger.CurrentQuantity(s.ctx, p.ID)
	s.Require().NoError(err)
	s.False(level.Cached)
	level, err = s.engine.Ledger.CurrentQuantity(s.ctx, p.ID)
	s.Require().NoError(err)
	s.True(level.Cached)
	s.Equal(10, level.Quantity)

	_, err = s.engine.Ledger.ApplyDelta(s.ctx, p.ID, -4, DeltaContext{Type: models.AdjustmentDamage, Actor: manager})
	s.Require().NoError(err)

	level, err = s.engine.Ledger.CurrentQuantity(s.ctx, p.ID)
	s.Require().NoError(err)
	s.False(level.Cached)
	s.Equal(6, level.Quantity)
}

// racingCache runs beforeSet ahead of the first cache fill.
type racingCache struct {
	caching.CacheService
	beforeSet func()
}

func (c *racingCache) SetQuantity(ctx context.Context, productID uuid.UUID, quantity int, ttl time.Duration) error {
	if c.beforeSet != nil {
		hook := c.beforeSet
		c.beforeSet = nil
		hook()
	}
	return c.CacheService.SetQuantity(ctx, productID, quantity, ttl)
}

func (s *engineSuite) TestCacheFillRacingADeltaIsDropped() {
	inner := caching.NewMemoryCacheService()
	racing := &racingCache{CacheService: inner}
	s.cache = racing
	s.build()
	p := s.product("SKU-R", 10, 1)

	racing.beforeSet = func() {
		_, err := s.sell("race-1", cashier, line(p.ID, 3))
		s.Require().NoError(err)
	}

	level, err := s.engine.Ledger.CurrentQuantity(s.ctx, p.ID)
	s.Require().NoError(err)
	s.Equal(10, level.Quantity, "the read happened before the sale")

	_, ok, err := inner.GetQuantity(s.ctx, p.ID)
	s.Require().NoError(err)
	s.False(ok, "the stale fill must not survive")

	level, err = s.engine.Ledger.CurrentQuantity(s.ctx, p.ID)
	s.Require().NoError(err)
	s.Equal(7, level.Quantity)

	cached, ok, err := inner.GetQuantity(s.ctx, p.ID)
	s.Require().NoError(err)
	s.True(ok)
	s.Equal(7, cached)
}

func (s *engineSuite) TestStockLowEventWhenCrossingReorderLevel() {
	p, err := s.engine.Ledger.RegisterProduct(s.ctx, &models.Product{SKU: "LOW", Name: "Low", ReorderLevel: 20}, 100, manager)
	s.Require().NoError(err)

	_, err = s.engine.Ledger.ApplyDelta(s.ctx, p.ID, -70, DeltaContext{Type: models.AdjustmentSale, Actor: cashier})
	s.Require().NoError(err)
	s.Empty(s.recorder.OfType(events.StockLow))

	_, err = s.engine.Ledger.ApplyDelta(s.ctx, p.ID, -15, DeltaContext{Type: models.AdjustmentSale, Actor: cashier})
	s.Require().NoError(err)
	s.Len(s.recorder.OfType(events.StockLow), 1)

	// already below, no repeat alert
	_, err = s.engine.Ledger.ApplyDelta(s.ctx, p.ID, -1, DeltaContext{Type: models.AdjustmentSale, Actor: cashier})
	s.Require().NoError(err)
	s.Len(s.recorder.OfType(events.StockLow), 1)
	s.Len(s.recorder.OfType(events.AdjustmentRecorded), 4)
}

func (s *engineSuite) TestVerifyDetectsOutOfBandWrites() {
	p := s.product("SKU-1", 10, 1)
	s.assertLedgerConsistent()

	s.Require().NoError(s.store.Products.UpdateQuantity(s.ctx, p.ID, 12))

	v, err := s.engine.Ledger.VerifyProduct(s.ctx, p.ID)
	s.Require().NoError(err)
	s.False(v.Consistent)
	s.Equal(10, v.LedgerQuantity)
	s.Equal(12, v.StoredQuantity)

	all, err := s.engine.Ledger.VerifyAll(s.ctx)
	s.Require().NoError(err)
	s.Len(all, 1)
}

func (s *engineSuite) TestAdjustmentInvariantHoldsForEveryEntry() {
	p := s.product("SKU-1", 50, 1)
	for _, d := range []int{-5, 10, -20, 3} {
		_, err := s.engine.Ledger.ApplyDelta(s.ctx, p.ID, d, DeltaContext{Type: models.AdjustmentCorrection, Actor: manager})
		s.Require().NoError(err)
	}

	history, err := s.engine.Ledger.History(s.ctx, p.ID, 100, 0)
	s.Require().NoError(err)
	s.Require().Len(history, 5)
	for _, adj := range history {
		s.Equal(adj.OldQuantity+adj.QuantityChange, adj.NewQuantity)
		s.GreaterOrEqual(adj.NewQuantity, 0)
	}
	s.Equal(s.quantity(p.ID), history[0].NewQuantity, "newest entry matches the ledger")
}
