package services

import (
	"context"
	"testing"

	"stockledger/internal/caching"
	"stockledger/internal/config"
	"stockledger/internal/events/eventstest"
	"stockledger/internal/models"
	"stockledger/internal/repositories"
	"stockledger/internal/repositories/memory"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
)

var (
	admin    = models.Actor{ID: "admin-1", Role: models.RoleAdmin}
	manager  = models.Actor{ID: "mgr-1", Role: models.RoleManager}
	manager2 = models.Actor{ID: "mgr-2", Role: models.RoleManager}
	cashier  = models.Actor{ID: "cash-1", Role: models.RoleCashier, TerminalID: "T1"}
	counterA = models.Actor{ID: "cnt-a", Role: models.RoleCounter}
	counterB = models.Actor{ID: "cnt-b", Role: models.RoleCounter}
)

// engineSuite runs the services against the in-memory store.
type engineSuite struct {
	suite.Suite
	ctx      context.Context
	store    *repositories.Store
	cache    caching.CacheService
	recorder *eventstest.Recorder
	policy   config.Policy
	payments PaymentConfirmer
	engine   *Engine
}

func (s *engineSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = memory.New().Repositories()
	s.cache = caching.NewMemoryCacheService()
	s.recorder = &eventstest.Recorder{}
	s.policy = config.DefaultPolicy()
	s.payments = nil
	s.build()
}

// build rewires the services, for tests that change policy or payments.
func (s *engineSuite) build() {
	engine, err := NewEngine(Deps{
		Store:     s.store,
		Cache:     s.cache,
		Publisher: s.recorder,
		Payments:  s.payments,
		Policy:    s.policy,
	})
	s.Require().NoError(err)
	s.engine = engine
}

func (s *engineSuite) product(sku string, qty int, cost float64) *models.Product {
	s.T().Helper()
	p, err := s.engine.Ledger.RegisterProduct(s.ctx, &models.Product{
		SKU:       sku,
		Name:      "Product " + sku,
		CostPrice: &cost,
		BasePrice: cost * 2,
	}, qty, manager)
	s.Require().NoError(err)
	return p
}

func (s *engineSuite) quantity(id uuid.UUID) int {
	s.T().Helper()
	qty, err := s.engine.Ledger.FreshQuantity(s.ctx, id)
	s.Require().NoError(err)
	return qty
}

func (s *engineSuite) sell(key string, actor models.Actor, lines ...models.LineItem) (*models.TransactionResult, error) {
	return s.engine.Transactions.CreateTransaction(s.ctx, CreateTransactionRequest{
		TerminalID:     "T1",
		IdempotencyKey: key,
		Items:          lines,
		Actor:          actor,
	})
}

func line(id uuid.UUID, qty int) models.LineItem {
	return models.LineItem{ProductID: id, Quantity: qty}
}

// assertLedgerConsistent checks every product against its adjustment history.
func (s *engineSuite) assertLedgerConsistent() {
	s.T().Helper()
	mismatches, err := s.engine.Ledger.VerifyAll(s.ctx)
	s.Require().NoError(err)
	s.Empty(mismatches)
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(engineSuite))
}
