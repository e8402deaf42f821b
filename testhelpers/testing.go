// Package testhelpers sets up a real Postgres-backed engine for integration
// tests. Tests using it are skipped unless TEST_DATABASE_URL is set.
package testhelpers

import (
	"context"
	"os"
	"testing"

	"stockledger/internal/caching"
	"stockledger/internal/config"
	"stockledger/internal/events"
	"stockledger/internal/models"
	"stockledger/internal/repositories"
	"stockledger/internal/services"
	"stockledger/pkg/database"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TestDB holds the database connection for testing
type TestDB struct {
	Pool  *pgxpool.Pool
	Store *repositories.Store
}

var tables = []string{
	"sync_operations", "idempotency_keys", "inventory_snapshot_items", "inventory_snapshots",
	"reconciliation_approvals", "reconciliation_items", "reconciliations", "inventory_counts",
	"count_sessions", "transaction_items", "transactions", "terminal_sequences",
	"inventory_adjustments", "products",
}

// SetupTestDB connects to TEST_DATABASE_URL, applies the schema and empties
// every table.
func SetupTestDB(t *testing.T) *TestDB {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := database.NewPool(ctx, dsn)
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := database.Migrate(ctx, pool); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}
	for _, table := range tables {
		if _, err := pool.Exec(ctx, "TRUNCATE "+table+" CASCADE"); err != nil {
			t.Fatalf("Failed to truncate %s: %v", table, err)
		}
	}

	return &TestDB{
		Pool:  pool,
		Store: repositories.NewPostgresStore(pool, repositories.DefaultTxOptions()),
	}
}

// SetupTestEngine builds an engine over db with the default policy, an
// in-memory cache and publisher.
func SetupTestEngine(t *testing.T, db *TestDB, publisher events.Publisher) *services.Engine {
	t.Helper()

	engine, err := services.NewEngine(services.Deps{
		Store:     db.Store,
		Cache:     caching.NewMemoryCacheService(),
		Publisher: publisher,
		Policy:    config.DefaultPolicy(),
	})
	if err != nil {
		t.Fatalf("Failed to build engine: %v", err)
	}
	return engine
}

var admin = models.Actor{ID: "test-admin", Role: models.RoleAdmin}

// SetupTestProduct registers a product with qty units of opening stock.
func SetupTestProduct(t *testing.T, engine *services.Engine, sku string, qty int) *models.Product {
	t.Helper()

	product, err := engine.Ledger.RegisterProduct(context.Background(), &models.Product{
		SKU:       sku,
		Name:      "Test product " + sku,
		BasePrice: 10,
	}, qty, admin)
	if err != nil {
		t.Fatalf("Failed to create test product: %v", err)
	}
	return product
}
