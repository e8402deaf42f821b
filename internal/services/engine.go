package services

import (
	"fmt"

	"stockledger/internal/caching"
	"stockledger/internal/config"
	"stockledger/internal/events"
	"stockledger/internal/repositories"
)

// Engine is the full set of services over one store.
type Engine struct {
	Ledger          LedgerService
	Adjustments     AdjustmentService
	Transactions    TransactionService
	Snapshots       SnapshotService
	Counts          CountService
	Reconciliations ReconciliationService
	Sync            SyncService
}

// Deps are the collaborators an Engine is built from. Archiver, ArchiveQueue
// and Payments may be nil.
type Deps struct {
	Store        *repositories.Store
	Cache        caching.CacheService
	Publisher    events.Publisher
	Archiver     SnapshotArchiver
	ArchiveQueue ArchiveQueue
	Payments     PaymentConfirmer
	Policy       config.Policy
}

func NewEngine(d Deps) (*Engine, error) {
	if err := d.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	valuation, err := NewValuation(d.Policy.Valuation)
	if err != nil {
		return nil, err
	}
	if d.Publisher == nil {
		d.Publisher = events.NewNoopPublisher()
	}
	if d.Cache == nil {
		d.Cache = caching.NewMemoryCacheService()
	}

	store := d.Store
	ledger := NewLedgerService(store.Tx, store.Products, store.Adjustments, d.Cache, d.Publisher, d.Policy.Ledger)
	adjustments := NewAdjustmentService(store.Tx, store.Idempotency, ledger)
	transactions := NewTransactionService(store, ledger, d.Payments, d.Publisher)
	snapshots := NewSnapshotService(store, d.Archiver, d.ArchiveQueue, d.Publisher)
	counts := NewCountService(store, ledger, snapshots, valuation, d.Publisher, d.Policy)
	reconciliations := NewReconciliationService(store, ledger, valuation, d.Publisher, d.Policy.Approval)

	return &Engine{
		Ledger:          ledger,
		Adjustments:     adjustments,
		Transactions:    transactions,
		Snapshots:       snapshots,
		Counts:          counts,
		Reconciliations: reconciliations,
		Sync:            NewSyncService(store.SyncOps, transactions, adjustments, counts),
	}, nil
}
