package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"stockledger/internal/caching"
	"stockledger/internal/common"
	"stockledger/internal/config"
	"stockledger/internal/events"
	"stockledger/internal/middleware"
	"stockledger/internal/models"
	"stockledger/internal/repositories/memory"
	"stockledger/internal/services"

	"github.com/google/uuid"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/suite"
)

const testSecret = "handler-test-secret"

var (
	testCashier = models.Actor{ID: "cash-1", Role: models.RoleCashier, TerminalID: "T1"}
	testManager = models.Actor{ID: "mgr-1", Role: models.RoleManager}
)

type HandlersTestSuite struct {
	suite.Suite
	echo   *echo.Echo
	engine *services.Engine
}

func (s *HandlersTestSuite) SetupTest() {
	store := memory.New().Repositories()
	engine, err := services.NewEngine(services.Deps{
		Store:     store,
		Cache:     caching.NewMemoryCacheService(),
		Publisher: events.NewNoopPublisher(),
		Policy:    config.DefaultPolicy(),
	})
	s.Require().NoError(err)
	s.engine = engine

	jwtCfg, _, err := middleware.JWTConfig(testSecret, "")
	s.Require().NoError(err)

	s.echo = echo.New()
	RegisterRoutes(s.echo, NewHandlers(engine, store.Products, NewHealthHandlers(nil, nil, nil, "test")),
		echojwt.WithConfig(jwtCfg), middleware.ActorContext())
}

func TestHandlersTestSuite(t *testing.T) {
	suite.Run(t, new(HandlersTestSuite))
}

type call struct {
	method string
	path   string
	body   any
	actor  *models.Actor
	header map[string]string
}

func (s *HandlersTestSuite) do(c call) *httptest.ResponseRecorder {
	s.T().Helper()
	var body bytes.Buffer
	if c.body != nil {
		s.Require().NoError(json.NewEncoder(&body).Encode(c.body))
	}
	req := httptest.NewRequest(c.method, c.path, &body)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if c.actor != nil {
		tok, err := middleware.IssueToken(testSecret, *c.actor, time.Hour)
		s.Require().NoError(err)
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+tok)
	}
	for k, v := range c.header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func decode[T any](s *HandlersTestSuite, rec *httptest.ResponseRecorder) T {
	s.T().Helper()
	var out T
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (s *HandlersTestSuite) registerProduct(sku string, qty int) *models.Product {
	s.T().Helper()
	cost := 1.5
	rec := s.do(call{method: http.MethodPost, path: "/v1/products", actor: &testManager, body: RegisterProductRequest{
		SKU: sku, Name: "Product " + sku, CostPrice: &cost, BasePrice: 3, InitialQuantity: qty,
	}})
	s.Require().Equal(http.StatusCreated, rec.Code, rec.Body.String())
	p := decode[models.Product](s, rec)
	return &p
}

func (s *HandlersTestSuite) TestRequiresToken() {
	rec := s.do(call{method: http.MethodGet, path: "/v1/products"})
	s.Equal(http.StatusUnauthorized, rec.Code)
}

func (s *HandlersTestSuite) TestRegisterAndGetProduct() {
	p := s.registerProduct("H-1", 12)
	s.Equal(12, p.QuantityInStock)

	rec := s.do(call{method: http.MethodGet, path: "/v1/products/" + p.ID.String(), actor: &testCashier})
	s.Require().Equal(http.StatusOK, rec.Code)
	s.Equal("H-1", decode[models.Product](s, rec).SKU)

	rec = s.do(call{method: http.MethodGet, path: "/v1/products/not-a-uuid", actor: &testCashier})
	s.Equal(http.StatusBadRequest, rec.Code)

	rec = s.do(call{method: http.MethodGet, path: "/v1/products/" + uuid.NewString(), actor: &testCashier})
	s.Equal(http.StatusNotFound, rec.Code)
	s.Equal(common.CodeNotFound, decode[common.ErrorResponse](s, rec).Error.Code)
}

func (s *HandlersTestSuite) TestSaleReplayAndVoid() {
	p := s.registerProduct("H-2", 10)
	sale := services.CreateTransactionRequest{Items: []models.LineItem{{ProductID: p.ID, Quantity: 4}}}
	header := map[string]string{IdempotencyHeader: "T1-000001"}

	rec := s.do(call{method: http.MethodPost, path: "/v1/transactions", actor: &testCashier, body: sale, header: header})
	s.Require().Equal(http.StatusCreated, rec.Code, rec.Body.String())
	first := decode[models.TransactionResult](s, rec)
	s.Equal(models.TransactionCompleted, first.Transaction.Status)
	s.Equal("T1", first.Transaction.TerminalID)

	rec = s.do(call{method: http.MethodPost, path: "/v1/transactions", actor: &testCashier, body: sale, header: header})
	s.Require().Equal(http.StatusOK, rec.Code)
	replay := decode[models.TransactionResult](s, rec)
	s.True(replay.Replayed)
	s.Equal(first.Transaction.ID, replay.Transaction.ID)

	rec = s.do(call{method: http.MethodGet, path: "/v1/inventory/" + p.ID.String() + "/quantity?fresh=true", actor: &testCashier})
	s.Require().Equal(http.StatusOK, rec.Code)
	s.Equal(float64(6), decode[map[string]any](s, rec)["quantity"])

	rec = s.do(call{method: http.MethodPost, path: "/v1/transactions/" + first.Transaction.ID.String() + "/void", actor: &testCashier,
		body: VoidTransactionRequest{Reason: "customer changed mind", IdempotencyKey: "void-1"}})
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	s.Equal(models.TransactionVoided, decode[models.TransactionResult](s, rec).Transaction.Status)

	qty, err := s.engine.Ledger.FreshQuantity(context.Background(), p.ID)
	s.Require().NoError(err)
	s.Equal(10, qty)
}

func (s *HandlersTestSuite) TestInsufficientStockReturnsFailedTransaction() {
	p := s.registerProduct("H-3", 1)

	rec := s.do(call{method: http.MethodPost, path: "/v1/transactions", actor: &testCashier, body: services.CreateTransactionRequest{
		IdempotencyKey: "T1-000002",
		Items:          []models.LineItem{{ProductID: p.ID, Quantity: 2}},
	}})

	s.Require().Equal(http.StatusConflict, rec.Code)
	resp := decode[failedTransactionResponse](s, rec)
	s.Equal(common.CodeInsufficient, resp.Error.Code)
	s.Require().NotNil(resp.Transaction)
	s.Equal(models.TransactionFailed, resp.Transaction.Status)
	s.Require().NotNil(resp.Transaction.FailedProductID)
	s.Equal(p.ID, *resp.Transaction.FailedProductID)
}

func (s *HandlersTestSuite) TestAdjustmentWithHeaderKey() {
	p := s.registerProduct("H-4", 5)
	body := services.AdjustmentRequest{ProductID: p.ID, Type: models.AdjustmentDamage, Delta: -2, Reason: "crushed"}
	header := map[string]string{IdempotencyHeader: "adj-h-1"}

	rec := s.do(call{method: http.MethodPost, path: "/v1/adjustments", actor: &testManager, body: body, header: header})
	s.Require().Equal(http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(call{method: http.MethodPost, path: "/v1/adjustments", actor: &testManager, body: body, header: header})
	s.Require().Equal(http.StatusOK, rec.Code)
	s.True(decode[services.AdjustmentResult](s, rec).Replayed)

	qty, err := s.engine.Ledger.FreshQuantity(context.Background(), p.ID)
	s.Require().NoError(err)
	s.Equal(3, qty)
}

func (s *HandlersTestSuite) TestVerifyIsForManagers() {
	s.registerProduct("H-5", 3)

	rec := s.do(call{method: http.MethodGet, path: "/v1/inventory/verify", actor: &testCashier})
	s.Equal(http.StatusForbidden, rec.Code)

	rec = s.do(call{method: http.MethodGet, path: "/v1/inventory/verify", actor: &testManager})
	s.Require().Equal(http.StatusOK, rec.Code)
	s.Equal(true, decode[map[string]any](s, rec)["consistent"])
}

func (s *HandlersTestSuite) TestSyncPush() {
	p := s.registerProduct("H-6", 2)
	payload, err := json.Marshal(models.SalePayload{Items: []models.LineItem{{ProductID: p.ID, Quantity: 1}}})
	s.Require().NoError(err)

	rec := s.do(call{method: http.MethodPost, path: "/v1/terminals/T1/sync", actor: &testCashier, body: SyncPushRequest{
		Operations: []models.SyncOperationRequest{{
			LocalSeq: 1, Kind: models.SyncSale, IdempotencyKey: "T1-off-1", Payload: payload, CreatedAt: time.Now().UTC(),
		}},
	}})

	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[SyncPushResponse](s, rec)
	s.Equal("T1", resp.TerminalID)
	s.Require().Len(resp.Results, 1)
	s.Equal(models.SyncApplied, resp.Results[0].Status)

	rec = s.do(call{method: http.MethodGet, path: "/v1/terminals/T1/pending", actor: &testCashier})
	s.Equal(http.StatusForbidden, rec.Code)
}

func (s *HandlersTestSuite) TestSnapshotAndDrift() {
	p := s.registerProduct("H-7", 4)

	rec := s.do(call{method: http.MethodPost, path: "/v1/snapshots", actor: &testManager, body: TakeSnapshotRequest{ProductIDs: []uuid.UUID{p.ID}}})
	s.Require().Equal(http.StatusCreated, rec.Code, rec.Body.String())
	snap := decode[models.InventorySnapshot](s, rec)

	rec = s.do(call{method: http.MethodGet, path: "/v1/snapshots/" + snap.ID.String() + "/drift", actor: &testManager})
	s.Equal(http.StatusOK, rec.Code, rec.Body.String())
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func TestHealthCheck(t *testing.T) {
	tests := []struct {
		name   string
		h      *HealthHandlers
		status int
		state  string
	}{
		{name: "all disabled", h: NewHealthHandlers(nil, nil, nil, "v"), status: http.StatusOK, state: "healthy"},
		{name: "cache down", h: NewHealthHandlers(fakePinger{}, fakePinger{err: errors.New("down")}, nil, "v"), status: http.StatusPartialContent, state: "degraded"},
		{name: "database down", h: NewHealthHandlers(fakePinger{err: errors.New("down")}, fakePinger{}, nil, "v"), status: http.StatusServiceUnavailable, state: "unhealthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			rec := httptest.NewRecorder()
			c := e.NewContext(httptest.NewRequest(http.MethodGet, "/health", nil), rec)

			if err := tt.h.HealthCheck(c); err != nil {
				t.Fatal(err)
			}
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			var got HealthStatus
			if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
				t.Fatal(err)
			}
			if got.Status != tt.state {
				t.Fatalf("state = %q, want %q", got.Status, tt.state)
			}
		})
	}
}
