// Package memory is an in-process implementation of every repository and of
// the transaction manager. Transactions are serialized by one mutex and roll
// back by restoring a copy of the data taken when they began.
package memory

import (
	"context"
	"sync"

	"stockledger/internal/models"
	"stockledger/internal/repositories"

	"github.com/google/uuid"
)

type syncKey struct {
	terminal string
	seq      int64
}

type data struct {
	products     map[uuid.UUID]models.Product
	adjustments  []models.InventoryAdjustment
	adjSeq       int64
	transactions map[uuid.UUID]models.Transaction
	txnByKey     map[string]uuid.UUID
	terminalSeq  map[string]int64
	sessions     map[uuid.UUID]models.CountSession
	sessionSeq   int64
	counts       []models.InventoryCount
	countSeq     int64
	recs         map[uuid.UUID]models.Reconciliation
	recSeq       int64
	snapshots    map[uuid.UUID]models.InventorySnapshot
	idempotency  map[string]models.IdempotencyRecord
	syncOps      map[syncKey]models.SyncOperation
}

func newData() *data {
	return &data{
		products:     make(map[uuid.UUID]models.Product),
		transactions: make(map[uuid.UUID]models.Transaction),
		txnByKey:     make(map[string]uuid.UUID),
		terminalSeq:  make(map[string]int64),
		sessions:     make(map[uuid.UUID]models.CountSession),
		recs:         make(map[uuid.UUID]models.Reconciliation),
		snapshots:    make(map[uuid.UUID]models.InventorySnapshot),
		idempotency:  make(map[string]models.IdempotencyRecord),
		syncOps:      make(map[syncKey]models.SyncOperation),
	}
}

func (d *data) clone() *data {
	c := &data{
		adjSeq:     d.adjSeq,
		sessionSeq: d.sessionSeq,
		countSeq:   d.countSeq,
		recSeq:     d.recSeq,
	}
	c.products = make(map[uuid.UUID]models.Product, len(d.products))
	for k, v := range d.products {
		c.products[k] = v
	}
	c.adjustments = append([]models.InventoryAdjustment(nil), d.adjustments...)
	c.transactions = make(map[uuid.UUID]models.Transaction, len(d.transactions))
	for k, v := range d.transactions {
		c.transactions[k] = copyTransaction(v)
	}
	c.txnByKey = make(map[string]uuid.UUID, len(d.txnByKey))
	for k, v := range d.txnByKey {
		c.txnByKey[k] = v
	}
	c.terminalSeq = make(map[string]int64, len(d.terminalSeq))
	for k, v := range d.terminalSeq {
		c.terminalSeq[k] = v
	}
	c.sessions = make(map[uuid.UUID]models.CountSession, len(d.sessions))
	for k, v := range d.sessions {
		c.sessions[k] = copySession(v)
	}
	c.counts = append([]models.InventoryCount(nil), d.counts...)
	c.recs = make(map[uuid.UUID]models.Reconciliation, len(d.recs))
	for k, v := range d.recs {
		c.recs[k] = copyReconciliation(v)
	}
	c.snapshots = make(map[uuid.UUID]models.InventorySnapshot, len(d.snapshots))
	for k, v := range d.snapshots {
		c.snapshots[k] = copySnapshot(v)
	}
	c.idempotency = make(map[string]models.IdempotencyRecord, len(d.idempotency))
	for k, v := range d.idempotency {
		c.idempotency[k] = v
	}
	c.syncOps = make(map[syncKey]models.SyncOperation, len(d.syncOps))
	for k, v := range d.syncOps {
		c.syncOps[k] = v
	}
	return c
}

func copyTransaction(t models.Transaction) models.Transaction {
	t.Items = append([]models.TransactionItem(nil), t.Items...)
	return t
}

func copySession(s models.CountSession) models.CountSession {
	s.Counters = append([]string(nil), s.Counters...)
	s.ScopeProductIDs = append([]uuid.UUID(nil), s.ScopeProductIDs...)
	s.Scope.ProductIDs = append([]uuid.UUID(nil), s.Scope.ProductIDs...)
	return s
}

func copyReconciliation(r models.Reconciliation) models.Reconciliation {
	r.Items = append([]models.ReconciliationItem(nil), r.Items...)
	r.Approvals = append([]models.ReconciliationApproval(nil), r.Approvals...)
	return r
}

func copySnapshot(s models.InventorySnapshot) models.InventorySnapshot {
	s.Items = append([]models.SnapshotItem(nil), s.Items...)
	return s
}

type Store struct {
	mu sync.Mutex
	d  *data
}

func New() *Store {
	return &Store{d: newData()}
}

type txCtxKey struct{}

type txMarker struct {
	store       *Store
	afterCommit []func()
	done        bool
}

func (s *Store) marker(ctx context.Context) *txMarker {
	if m, ok := ctx.Value(txCtxKey{}).(*txMarker); ok && m.store == s && !m.done {
		return m
	}
	return nil
}

// do runs fn against the data, taking the store lock unless ctx already
// carries this store's transaction.
func (s *Store) do(ctx context.Context, fn func(d *data) error) error {
	if s.marker(ctx) != nil {
		return fn(s.d)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.d)
}

func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.marker(ctx) != nil {
		return fn(ctx)
	}
	s.mu.Lock()
	backup := s.d.clone()
	m := &txMarker{store: s}
	err := fn(context.WithValue(ctx, txCtxKey{}, m))
	if err != nil {
		s.d = backup
	}
	m.done = true
	s.mu.Unlock()

	if err != nil {
		return err
	}
	for _, hook := range m.afterCommit {
		hook()
	}
	return nil
}

func (s *Store) AfterCommit(ctx context.Context, fn func()) {
	if m := s.marker(ctx); m != nil {
		m.afterCommit = append(m.afterCommit, fn)
		return
	}
	fn()
}

// Repositories returns the repository bundle backed by this store.
func (s *Store) Repositories() *repositories.Store {
	return &repositories.Store{
		Tx:              s,
		Products:        &productRepo{s},
		Adjustments:     &adjustmentRepo{s},
		Transactions:    &transactionRepo{s},
		CountSessions:   &countSessionRepo{s},
		Counts:          &countRepo{s},
		Reconciliations: &reconciliationRepo{s},
		Snapshots:       &snapshotRepo{s},
		Idempotency:     &idempotencyRepo{s},
		SyncOps:         &syncRepo{s},
	}
}
