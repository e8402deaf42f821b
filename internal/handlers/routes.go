package handlers

import (
	"stockledger/internal/middleware"
	"stockledger/internal/models"
	"stockledger/internal/repositories"
	"stockledger/internal/services"

	"github.com/labstack/echo/v4"
	echoSwagger "github.com/swaggo/echo-swagger"
)

// Handlers bundles every handler group served by the API.
type Handlers struct {
	Health          *HealthHandlers
	Products        *ProductHandlers
	Inventory       *InventoryHandlers
	Transactions    *TransactionHandlers
	Counts          *CountHandlers
	Reconciliations *ReconciliationHandlers
	Snapshots       *SnapshotHandlers
	Sync            *SyncHandlers
}

// NewHandlers wires every handler group to the engine's services.
func NewHandlers(engine *services.Engine, products repositories.ProductRepository, health *HealthHandlers) *Handlers {
	return &Handlers{
		Health:          health,
		Products:        NewProductHandlers(engine.Ledger, products),
		Inventory:       NewInventoryHandlers(engine.Ledger, engine.Adjustments),
		Transactions:    NewTransactionHandlers(engine.Transactions),
		Counts:          NewCountHandlers(engine.Counts, engine.Reconciliations),
		Reconciliations: NewReconciliationHandlers(engine.Reconciliations),
		Snapshots:       NewSnapshotHandlers(engine.Snapshots),
		Sync:            NewSyncHandlers(engine.Sync),
	}
}

// RegisterRoutes mounts the API on e. auth runs on every /v1 route and must
// leave the caller's actor in the request context.
func RegisterRoutes(e *echo.Echo, h *Handlers, auth ...echo.MiddlewareFunc) {
	versionMiddleware := middleware.NewVersionMiddleware()
	e.Use(versionMiddleware.APIVersionResolver())

	// Health endpoints (no auth required)
	e.GET("/health", h.Health.HealthCheck)
	e.GET("/health/ready", h.Health.ReadinessCheck)
	e.GET("/health/live", h.Health.LivenessCheck)
	e.GET("/swagger/*", echoSwagger.WrapHandler)

	v1 := e.Group("/v1")
	v1.Use(versionMiddleware.VersionHeader("v1"))

	protected := v1.Group("")
	protected.Use(auth...)

	managers := middleware.RequireRole(models.RoleManager, models.RoleAdmin)

	protected.GET("/products", h.Products.ListProducts)
	protected.POST("/products", h.Products.RegisterProduct)
	protected.GET("/products/:id", h.Products.GetProduct)

	protected.GET("/inventory/:id/quantity", h.Inventory.GetQuantity)
	protected.GET("/inventory/:id/adjustments", h.Inventory.History)
	protected.GET("/inventory/:id/verify", h.Inventory.VerifyProduct, managers)
	protected.GET("/inventory/verify", h.Inventory.VerifyAll, managers)
	protected.POST("/adjustments", h.Inventory.CreateAdjustment)

	protected.POST("/transactions", h.Transactions.CreateTransaction)
	protected.POST("/transactions/drafts", h.Transactions.CreateDraft)
	protected.GET("/transactions/by-key/:key", h.Transactions.GetByKey)
	protected.GET("/transactions/:id", h.Transactions.GetTransaction)
	protected.POST("/transactions/:id/process", h.Transactions.ProcessDraft)
	protected.DELETE("/transactions/:id", h.Transactions.AbandonDraft)
	protected.POST("/transactions/:id/void", h.Transactions.VoidTransaction)
	protected.POST("/transactions/:id/refund", h.Transactions.RefundTransaction)
	protected.PUT("/transactions/:id/note", h.Transactions.UpdateNote)

	protected.POST("/count-sessions", h.Counts.StartSession)
	protected.GET("/count-sessions/:id", h.Counts.GetSession)
	protected.POST("/count-sessions/:id/counts", h.Counts.SubmitCount)
	protected.POST("/count-sessions/:id/finish", h.Counts.FinishCounting)
	protected.POST("/count-sessions/:id/disputes/resolve", h.Counts.ResolveDispute)
	protected.GET("/count-sessions/:id/summary", h.Counts.Summary)
	protected.POST("/count-sessions/:id/close", h.Counts.CloseSession)
	protected.POST("/count-sessions/:id/reconciliations", h.Counts.SubmitReconciliation)

	protected.GET("/reconciliations/:id", h.Reconciliations.GetReconciliation)
	protected.POST("/reconciliations/:id/approve", h.Reconciliations.Approve)
	protected.POST("/reconciliations/:id/reject", h.Reconciliations.Reject)

	protected.POST("/snapshots", h.Snapshots.TakeSnapshot, managers)
	protected.GET("/snapshots", h.Snapshots.ListSnapshots)
	protected.GET("/snapshots/:id", h.Snapshots.GetSnapshot)
	protected.GET("/snapshots/:id/drift", h.Snapshots.DriftReport, managers)
	protected.GET("/snapshots/:id/archive", h.Snapshots.ArchiveURL, managers)

	protected.POST("/terminals/:id/sync", h.Sync.PushQueue)
	protected.GET("/terminals/:id/pending", h.Sync.PendingResolutions, managers)
}
