package repositories

// Store bundles every repository with the transaction manager that scopes
// them. Services depend on the individual interfaces; Store only saves the
// wiring code from listing them all.
type Store struct {
	Tx              TxManager
	Products        ProductRepository
	Adjustments     AdjustmentRepository
	Transactions    TransactionRepository
	CountSessions   CountSessionRepository
	Counts          CountRepository
	Reconciliations ReconciliationRepository
	Snapshots       SnapshotRepository
	Idempotency     IdempotencyRepository
	SyncOps         SyncRepository
}

func NewPostgresStore(db Database, opts TxOptions) *Store {
	return &Store{
		Tx:              NewTxManager(db, opts),
		Products:        NewProductRepo(db),
		Adjustments:     NewAdjustmentRepo(db),
		Transactions:    NewTransactionRepo(db),
		CountSessions:   NewCountSessionRepo(db),
		Counts:          NewCountRepo(db),
		Reconciliations: NewReconciliationRepo(db),
		Snapshots:       NewSnapshotRepo(db),
		Idempotency:     NewIdempotencyRepo(db),
		SyncOps:         NewSyncRepo(db),
	}
}
